// Package worker runs one triggered event to completion: it composes the
// triggering object's fully-qualified path, sanitizes it, resolves the
// target user, drops privileges and executes the configured command, then
// mails any captured output.
//
// A worker never forks the current process: a Go process cannot safely call
// fork(2) without an immediate exec(2) once the runtime has started
// goroutines (the child would inherit a frozen, possibly-deadlocked copy of
// the scheduler and GC), so the worker runs as a goroutine. The isolation
// that actually matters — a genuine process boundary around the
// privilege-dropped exec — comes from the grandchild being a real exec.Cmd
// with SysProcAttr.Credential instead.
package worker

import (
	"bufio"
	"bytes"
	"fmt"
	"os"
	"os/exec"
	"os/user"
	"strconv"
	"strings"
	"syscall"
	"time"

	lru "github.com/hashicorp/golang-lru/v2"

	"github.com/mew-cx/gidget/internal/config"
	"github.com/mew-cx/gidget/internal/diag"
	"github.com/mew-cx/gidget/internal/mailer"
	"github.com/mew-cx/gidget/internal/metrics"
	"github.com/mew-cx/gidget/internal/notify"
)

// globalLog is the diagnostic sink worker pipelines log through. Workers
// run as goroutines (see package doc), so there's no forked-process
// boundary to pass a logger across; SetLogger is called once at startup.
var globalLog *diag.Logger

// SetLogger installs the diagnostic logger the worker package uses for
// report-only conditions and script outcome diagnostics.
func SetLogger(l *diag.Logger) { globalLog = l }

// ambiguousSeen bounds how often the "ambiguous result" (exit 127) warning is
// logged for a given watch: a misconfigured command that fires repeatedly
// would otherwise write an identical diagnostic line on every single event.
// This dedupes log output only — every dispatched event still runs its
// command and gets mailed exactly as before; dispatch itself is never
// deduplicated, coalesced, or rate-limited.
var ambiguousSeen, _ = lru.New[uint32, struct{}](256)

// MaxLineLen bounds the composed command line and the triggering object
// name, standing in for sysconf(_SC_LINE_MAX), which golang.org/x/sys/unix
// does not expose since it is a libc convenience, not a syscall. POSIX's own
// minimum guaranteed value is 2048; gidget uses a more generous but still
// bounded default matching common Linux practice.
const MaxLineLen = 4096

// Outcome is the result of running one worker to completion, used by the
// supervisor only for logging/metrics — the supervisor never blocks on it.
type Outcome struct {
	Object    string
	ExitCode  int
	MailSent  bool
	MailBytes int
	Err       error
}

// Run executes the full worker pipeline for one event against the watch it
// belongs to. A forked worker process would normally start by releasing any
// signal handlers and closing its inherited notification handle; neither
// applies to a goroutine worker, so there's no equivalent step here.
func Run(w *config.Watch, ev notify.Event) Outcome {
	object, err := buildObjectName(w.Path, ev.Name)
	if err != nil {
		return Outcome{Err: err}
	}

	reportSpecialFlags(w, ev)

	u, err := user.Lookup(w.User)
	if err != nil {
		return Outcome{Object: object, Err: fmt.Errorf("resolving user %s: %w", w.User, err)}
	}
	if u.HomeDir == "" {
		return Outcome{Object: object, Err: fmt.Errorf("user %s has no home directory", w.User)}
	}
	shell := loginShell(u)
	if shell == "" {
		return Outcome{Object: object, Err: fmt.Errorf("unable to determine shell for user %s", w.User)}
	}

	command, err := composeCommand(w.Command, object, ev.Mask)
	if err != nil {
		return Outcome{Object: object, Err: err}
	}

	uid, gid, err := numericIDs(u)
	if err != nil {
		return Outcome{Object: object, Err: err}
	}

	output, exitCode, runErr := runGrandchild(w.WatchID, shell, command, u.HomeDir, uid, gid)
	metrics.WorkersSpawned.Inc(1)

	outcome := Outcome{Object: object, ExitCode: exitCode, Err: runErr}

	if len(output) > 0 {
		msg := mailer.Message{
			From:         w.User,
			To:           w.MailRecipient,
			Subject:      object,
			Date:         time.Now(),
			Object:       object,
			WatchID:      w.WatchID,
			EventMask:    ev.Mask,
			ShellCommand: mailer.CommandLine(shell, command),
			Output:       output,
		}
		if err := mailer.Send(msg); err != nil {
			if outcome.Err == nil {
				outcome.Err = err
			}
		} else {
			outcome.MailSent = true
			outcome.MailBytes = len(output)
			metrics.MailSent.Inc(1)
		}
	}

	return outcome
}

// buildObjectName composes the fully-qualified triggering object name:
// watch.path + "/" + event.name, stopping at the first NUL already stripped
// by the notification adapter, with every single-quote byte replaced by the
// literal three-byte sequence %27.
func buildObjectName(path, name string) (string, error) {
	var b strings.Builder
	b.WriteString(path)
	if name != "" {
		b.WriteByte('/')
		for _, r := range name {
			if r == '\'' {
				b.WriteString("%27")
			} else {
				b.WriteRune(r)
			}
		}
	}
	object := b.String()
	if len(object) > MaxLineLen {
		return "", fmt.Errorf("filesystem object name overflow (%d bytes)", len(object))
	}
	return object, nil
}

// reportSpecialFlags logs the report-only kernel disturbance bits. These
// never abort processing.
func reportSpecialFlags(w *config.Watch, ev notify.Event) {
	if ev.Mask&notify.Unmount != 0 {
		metrics.Unmounts.Inc(1)
		globalLog.Warnf("GRIEVOUS ERROR: filesystem backing %s unmounted!", w.Path)
	}
	if ev.Mask&notify.QueueOverflow != 0 {
		metrics.QueueOverflows.Inc(1)
		globalLog.Warnf("GRIEVOUS ERROR: inotify event queue overflow!")
	}
	if ev.Mask&notify.Ignored != 0 {
		metrics.WatchesRemoved.Inc(1)
		globalLog.Warnf("WARNING: gidget watch on %s deleted!", w.Path)
	}
}

// composeCommand builds "<command> '<object>' <mask as 0x%08x>", failing if
// the result would exceed MaxLineLen.
func composeCommand(command, object string, mask uint32) (string, error) {
	line := fmt.Sprintf("%s '%s' %s", command, object, formatHexMask(mask))
	if len(line) > MaxLineLen {
		return "", fmt.Errorf("composed command line too long (%d bytes)", len(line))
	}
	return line, nil
}

func formatHexMask(mask uint32) string {
	return fmt.Sprintf("%#08x", mask)
}

// loginShell returns the user's configured shell. os/user doesn't expose
// the shell field directly (it isn't portable across all of os/user's
// backends), so it's read from /etc/passwd the same way getpwnam_r would,
// scoped to exactly the uid os/user already resolved.
func loginShell(u *user.User) string {
	shell, _ := shellForUID(u.Uid)
	return shell
}

// shellForUID scans /etc/passwd for the login shell (seventh colon-
// separated field) belonging to uid. os/user.User doesn't carry the shell
// on every platform/build tag combination, so it's read directly from the
// account database the same file getpwnam_r would consult, restricted to
// the single uid os/user already validated.
func shellForUID(uid string) (string, error) {
	f, err := os.Open("/etc/passwd")
	if err != nil {
		return "", err
	}
	defer f.Close()

	scanner := bufio.NewScanner(f)
	for scanner.Scan() {
		fields := strings.Split(scanner.Text(), ":")
		if len(fields) < 7 {
			continue
		}
		if fields[2] == uid {
			return fields[6], nil
		}
	}
	return "", fmt.Errorf("no passwd entry for uid %s", uid)
}

// numericIDs parses the string uid/gid os/user.Lookup returns into the
// integers exec.Cmd's SysProcAttr.Credential needs.
func numericIDs(u *user.User) (uid, gid uint32, err error) {
	uid64, err := strconv.ParseUint(u.Uid, 10, 32)
	if err != nil {
		return 0, 0, fmt.Errorf("parsing uid for %s: %w", u.Username, err)
	}
	gid64, err := strconv.ParseUint(u.Gid, 10, 32)
	if err != nil {
		return 0, 0, fmt.Errorf("parsing gid for %s: %w", u.Username, err)
	}
	return uint32(uid64), uint32(gid64), nil
}

// runGrandchild is the grandchild process boundary: it executes
// `<shell> -c <command>` with its working directory set to the target
// user's home and its credentials dropped to that user, primary group first
// and UID last — UID is set last because dropping it is unrecoverable.
//
// exec.Cmd with SysProcAttr.Credential performs the fork+setgid+setuid+exec
// sequence atomically in the child, in exactly that order, inside the
// kernel's execve(2) path — there is no window where the child runs as
// root with the wrong working directory.
func runGrandchild(watchID uint32, shell, command, homeDir string, uid, gid uint32) (output []byte, exitCode int, err error) {
	cmd := exec.Command(shell, "-c", command)
	cmd.Dir = homeDir
	cmd.SysProcAttr = &syscall.SysProcAttr{
		Credential: &syscall.Credential{Uid: uid, Gid: gid},
	}

	var combined bytes.Buffer
	cmd.Stdout = &combined
	cmd.Stderr = &combined

	runErr := cmd.Run()
	output = combined.Bytes()

	exitCode = exitCodeOf(runErr)
	switch exitCode {
	case 127:
		if _, dup := ambiguousSeen.Get(watchID); !dup {
			ambiguousSeen.Add(watchID, struct{}{})
			globalLog.Warnf("Script %s returned ambiguous result", command)
		}
		return output, exitCode, nil
	case 0:
		return output, 0, nil
	default:
		if runErr != nil {
			return output, exitCode, fmt.Errorf("script %s: %w", command, runErr)
		}
		return output, exitCode, nil
	}
}

// exitCodeOf extracts the grandchild's exit status, distinguishing "exited
// normally with this code" from "never exited at all", defaulting to a
// non-zero sentinel for the latter (a process that never started, as
// opposed to one that exited unsuccessfully).
func exitCodeOf(err error) int {
	if err == nil {
		return 0
	}
	var exitErr *exec.ExitError
	if ok := asExitError(err, &exitErr); ok {
		if status, ok := exitErr.Sys().(syscall.WaitStatus); ok {
			if status.Exited() {
				return status.ExitStatus()
			}
		}
		return 1
	}
	return 1
}

func asExitError(err error, target **exec.ExitError) bool {
	if ee, ok := err.(*exec.ExitError); ok {
		*target = ee
		return true
	}
	return false
}
