package supervisor

import (
	"testing"

	"github.com/mew-cx/gidget/internal/config"
	"github.com/mew-cx/gidget/internal/diag"
	"github.com/mew-cx/gidget/internal/notify"
	"github.com/mew-cx/gidget/internal/registry"
	"github.com/mew-cx/gidget/internal/sigstation"
)

func newTestLoop(t *testing.T) *Loop {
	t.Helper()
	log, err := diag.New(diag.Options{})
	if err != nil {
		t.Fatalf("diag.New: %s", err)
	}
	return &Loop{
		Registry: registry.New(),
		Log:      log,
	}
}

func TestHandleSignalHangUpContinues(t *testing.T) {
	l := newTestLoop(t)
	done, err := l.handleSignal(sigstation.HangUp)
	if done || err != nil {
		t.Fatalf("HangUp should not stop the loop, got done=%v err=%v", done, err)
	}
}

func TestHandleSignalInterruptStops(t *testing.T) {
	l := newTestLoop(t)
	done, err := l.handleSignal(sigstation.Interrupt)
	if !done || err != nil {
		t.Fatalf("Interrupt should stop the loop cleanly, got done=%v err=%v", done, err)
	}
}

func TestHandleSignalTerminateStops(t *testing.T) {
	l := newTestLoop(t)
	done, err := l.handleSignal(sigstation.Terminate)
	if !done || err != nil {
		t.Fatalf("Terminate should stop the loop cleanly, got done=%v err=%v", done, err)
	}
}

func TestDispatchQueueOverflowIsNotFatal(t *testing.T) {
	l := newTestLoop(t)
	// WatchID 0xFFFFFFFF mirrors the kernel's IN_Q_OVERFLOW pseudo-event,
	// which is never scoped to a real watch and so never resolves in the
	// registry. dispatch must report it and return rather than treating
	// the lookup miss as a fatal invariant violation.
	l.dispatch(notify.Event{WatchID: 0xFFFFFFFF, Mask: uint32(notify.QueueOverflow)})
	l.wg.Wait()
}

func TestReportOrphanFlagsRecognizesDisturbanceBits(t *testing.T) {
	log, err := diag.New(diag.Options{})
	if err != nil {
		t.Fatalf("diag.New: %s", err)
	}

	if !reportOrphanFlags(log, notify.Event{Mask: uint32(notify.QueueOverflow)}) {
		t.Fatal("queue overflow should be recognized")
	}
	if !reportOrphanFlags(log, notify.Event{Mask: uint32(notify.Unmount)}) {
		t.Fatal("unmount should be recognized")
	}
	if !reportOrphanFlags(log, notify.Event{Mask: uint32(notify.Ignored)}) {
		t.Fatal("ignored should be recognized")
	}
	// A plain data event mask carries none of the report-only bits: the
	// caller is responsible for treating that case as a fatal
	// non-sequential watch id, not for calling reportOrphanFlags at all.
	if reportOrphanFlags(log, notify.Event{Mask: 1}) {
		t.Fatal("an ordinary event mask should not be recognized as an orphan flag")
	}
}

func TestDispatchKnownWatchSpawnsWorker(t *testing.T) {
	l := newTestLoop(t)
	fake := &fakeInstaller{}
	id, err := l.Registry.Add(fake, config.Watch{Path: "/tmp", Mask: 1, Command: "true", User: "root", MailRecipient: "a@b.com"})
	if err != nil {
		t.Fatalf("Add: %s", err)
	}

	// worker.Run may fail resolving user "root" in a sandboxed test
	// environment; the point here is only that dispatch doesn't block or
	// crash the loop on a registered watch.
	l.dispatch(notify.Event{WatchID: id, Mask: 1})
	l.wg.Wait()
}

type fakeInstaller struct{ next uint32 }

func (f *fakeInstaller) Install(path string, mask uint32) (uint32, error) {
	f.next++
	return f.next, nil
}
