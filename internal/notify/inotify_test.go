//go:build linux

package notify

import (
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"golang.org/x/sys/unix"
)

func TestOpenInstallRead(t *testing.T) {
	dir := t.TempDir()

	a, err := Open(255)
	if err != nil {
		t.Fatalf("Open: %s", err)
	}
	defer a.Close()

	wd, err := a.Install(dir, unix.IN_CREATE)
	if err != nil {
		t.Fatalf("Install: %s", err)
	}

	if err := os.WriteFile(filepath.Join(dir, "touched"), []byte("x"), 0644); err != nil {
		t.Fatalf("WriteFile: %s", err)
	}

	type result struct {
		events []Event
		err    error
	}
	done := make(chan result, 1)
	go func() {
		events, err := a.Read()
		done <- result{events, err}
	}()

	select {
	case r := <-done:
		if r.err != nil {
			t.Fatalf("Read: %s", r.err)
		}
		if len(r.events) == 0 {
			t.Fatal("expected at least one event")
		}
		ev := r.events[0]
		if ev.WatchID != wd {
			t.Fatalf("got watch id %d, want %d", ev.WatchID, wd)
		}
		if ev.Mask&unix.IN_CREATE == 0 {
			t.Fatalf("got mask %#x, want IN_CREATE set", ev.Mask)
		}
		if ev.Name != "touched" {
			t.Fatalf("got name %q, want touched", ev.Name)
		}
	case <-time.After(2 * time.Second):
		t.Fatal("timed out waiting for inotify event")
	}
}

func TestFormatMaskKnownBits(t *testing.T) {
	got := FormatMask(unix.IN_CREATE | unix.IN_ISDIR)
	if got == "" {
		t.Fatal("expected a non-empty rendering")
	}
}

func TestFormatMaskUnrecognizedResidual(t *testing.T) {
	got := FormatMask(1 << 20)
	if !strings.Contains(got, "WARNING:unrecognized") {
		t.Fatalf("expected a WARNING:unrecognized part, got %q", got)
	}
}

func TestReadQueueLimitsDoesNotPanic(t *testing.T) {
	_ = ReadQueueLimits()
}
