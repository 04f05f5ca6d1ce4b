//go:build linux

// Package notify is gidget's kernel notification adapter: a thin contract
// over inotify that hides the binary event-record format from the rest of
// the daemon. It exposes the raw {watch_id, mask, cookie, name} record shape
// rather than a coalesced, portable event API, because the worker needs the
// raw watch id and mask to look up the triggering watch and render the hex
// mask into the child's argv.
package notify

import (
	"errors"
	"fmt"
	"os"
	"strings"
	"unsafe"

	"golang.org/x/sys/unix"
)

// Event is one kernel-reported filesystem event, as delivered by the
// notification adapter.
type Event struct {
	WatchID uint32
	Mask    uint32
	Cookie  uint32
	Name    string // may be empty; already stripped of NUL padding
}

// Special mask bits the engine gives meaning to beyond what any individual
// watch asked for.
const (
	Unmount       = unix.IN_UNMOUNT
	QueueOverflow = unix.IN_Q_OVERFLOW
	Ignored       = unix.IN_IGNORED
)

// ErrEventOverflow is surfaced through Read when the kernel reports that
// events were discarded because the notification queue overflowed. The
// engine only reports this; it never retries or backfills the lost events.
var ErrEventOverflow = errors.New("notify: event queue overflow (IN_Q_OVERFLOW)")

// Adapter wraps one inotify instance: open, install a watch, read events,
// close. It is owned exclusively by the supervisor.
type Adapter struct {
	fd   int
	file *os.File
	buf  []byte
}

// Open initializes a notification instance. maxNameLen sizes the read
// buffer: it must be at least sizeof(event_header)+maxNameLen+1, and the
// caller derives it from the largest max-file-name-length reported by any
// configured path (see internal/config.Result.MaxNameLength).
func Open(maxNameLen int64) (*Adapter, error) {
	// IN_NONBLOCK lets os.File register the descriptor with the Go runtime's
	// netpoller; a blocking fd can't be interrupted cleanly by a concurrent
	// Close from another goroutine.
	fd, err := unix.InotifyInit1(unix.IN_CLOEXEC | unix.IN_NONBLOCK)
	if err != nil {
		return nil, fmt.Errorf("inotify_init1: %w", err)
	}
	bufSize := unix.SizeofInotifyEvent + int(maxNameLen) + 1
	if bufSize < unix.SizeofInotifyEvent*64 {
		// Keep a reasonably sized buffer even for small maxNameLen so a
		// single Read can drain several queued records at once.
		bufSize = unix.SizeofInotifyEvent * 64
	}
	return &Adapter{
		fd:   fd,
		file: os.NewFile(uintptr(fd), "inotify"),
		buf:  make([]byte, bufSize),
	}, nil
}

// Install registers a watch for path, returning the kernel-issued
// identifier.
func (a *Adapter) Install(path string, mask uint32) (uint32, error) {
	wd, err := unix.InotifyAddWatch(a.fd, path, mask)
	if err != nil {
		return 0, fmt.Errorf("inotify_add_watch %s: %w", path, err)
	}
	return uint32(wd), nil
}

// Read blocks until one or more event records are available and returns all
// of them from the single underlying read(2). A read that returns several
// concatenated records is fully decoded — every record gets its own
// dispatched worker — rather than assuming a read is exactly one event.
//
// Read returns ErrEventOverflow alongside any events successfully decoded
// from the same read if IN_Q_OVERFLOW was set on one of them; the caller
// should still dispatch the returned events.
func (a *Adapter) Read() ([]Event, error) {
	n, err := a.file.Read(a.buf)
	if err != nil {
		return nil, err
	}
	if n < unix.SizeofInotifyEvent {
		return nil, fmt.Errorf("notify: short read (%d bytes)", n)
	}

	var events []Event
	var overflowed bool
	var offset int
	for offset <= n-unix.SizeofInotifyEvent {
		raw := (*unix.InotifyEvent)(unsafe.Pointer(&a.buf[offset]))
		mask := uint32(raw.Mask)
		nameLen := int(raw.Len)

		var name string
		if nameLen > 0 {
			nameBytes := a.buf[offset+unix.SizeofInotifyEvent : offset+unix.SizeofInotifyEvent+nameLen]
			name = strings.TrimRight(string(nameBytes), "\x00")
		}

		if mask&unix.IN_Q_OVERFLOW != 0 {
			overflowed = true
		}

		events = append(events, Event{
			WatchID: uint32(raw.Wd),
			Mask:    mask,
			Cookie:  raw.Cookie,
			Name:    name,
		})

		offset += unix.SizeofInotifyEvent + nameLen
	}

	if overflowed {
		return events, ErrEventOverflow
	}
	return events, nil
}

// Close releases the inotify instance.
func (a *Adapter) Close() error {
	return a.file.Close()
}

// ezEventNames holds per-bit symbolic names for the single-bit inotify
// flags, indexed by bit position 0-31.
var ezEventNames = [32]string{
	0: "IN_ACCESS", 1: "IN_MODIFY", 2: "IN_ATTRIB", 3: "IN_CLOSE_WRITE",
	4: "IN_CLOSE_NOWRITE", 5: "IN_OPEN", 6: "IN_MOVED_FROM", 7: "IN_MOVED_TO",
	8: "IN_CREATE", 9: "IN_DELETE", 10: "IN_DELETE_SELF", 11: "IN_MOVE_SELF",
	13: "IN_UNMOUNT", 14: "IN_Q_OVERFLOW", 15: "IN_IGNORED",
	24: "IN_ONLYDIR", 25: "IN_DONT_FOLLOW", 29: "IN_MASK_ADD",
	30: "IN_ISDIR", 31: "IN_ONESHOT",
}

// FormatMask renders mask as a human-readable set of symbolic inotify flag
// names, for verbose per-event diagnostics.
func FormatMask(mask uint32) string {
	var parts []string
	for bit, name := range ezEventNames {
		if name == "" {
			continue
		}
		if mask&(1<<uint(bit)) != 0 {
			parts = append(parts, fmt.Sprintf("%s(%#08x)", name, uint32(1)<<uint(bit)))
		}
	}
	if mask&unix.IN_CLOSE != 0 {
		parts = append(parts, fmt.Sprintf("IN_CLOSE(%#08x)", uint32(unix.IN_CLOSE)))
	}
	if mask&unix.IN_MOVE != 0 {
		parts = append(parts, fmt.Sprintf("IN_MOVE(%#08x)", uint32(unix.IN_MOVE)))
	}

	known := uint32(unix.IN_ALL_EVENTS | unix.IN_ISDIR | unix.IN_UNMOUNT | unix.IN_Q_OVERFLOW | unix.IN_IGNORED)
	if residual := mask &^ known; residual != 0 {
		parts = append(parts, fmt.Sprintf("WARNING:unrecognized(%#08x)", residual))
	}
	if len(parts) == 0 {
		return fmt.Sprintf("WARNING: no string representation of event mask %#08x", mask)
	}
	return strings.Join(parts, " ")
}

// QueueLimits reports the kernel's advisory inotify sizing knobs from
// /proc/sys/fs/inotify. gidget never enforces them; they're logged at
// startup when verbose, as advisory operational context only.
type QueueLimits struct {
	MaxQueuedEvents  int64
	MaxUserInstances int64
	MaxUserWatches   int64
}

func readProcInt(path string) (int64, error) {
	b, err := os.ReadFile(path)
	if err != nil {
		return 0, err
	}
	var v int64
	_, err = fmt.Sscanf(strings.TrimSpace(string(b)), "%d", &v)
	return v, err
}

// ReadQueueLimits reads the current advisory sysctls. Any individual value
// that can't be read is left at zero; this is diagnostic-only so a partial
// read is not an error.
func ReadQueueLimits() QueueLimits {
	var l QueueLimits
	l.MaxQueuedEvents, _ = readProcInt("/proc/sys/fs/inotify/max_queued_events")
	l.MaxUserInstances, _ = readProcInt("/proc/sys/fs/inotify/max_user_instances")
	l.MaxUserWatches, _ = readProcInt("/proc/sys/fs/inotify/max_user_watches")
	return l
}
