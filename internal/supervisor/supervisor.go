// Package supervisor implements gidget's event loop: it blocks on the
// notification adapter, handles signals (reopen logs / shut down), and on
// each event dispatches a worker without waiting for it to finish.
//
// The loop is wrapped as a github.com/thejerf/suture/v4 Service, giving the
// daemon supervised-restart and structured-shutdown behavior around the
// blocking read without changing what the loop actually does: one dispatched
// worker goroutine per event, no coalescing across events from different
// reads, a bad read still terminates the loop.
package supervisor

import (
	"context"
	"errors"
	"fmt"
	"sync"

	"github.com/thejerf/suture/v4"

	"github.com/mew-cx/gidget/internal/diag"
	"github.com/mew-cx/gidget/internal/metrics"
	"github.com/mew-cx/gidget/internal/notify"
	"github.com/mew-cx/gidget/internal/registry"
	"github.com/mew-cx/gidget/internal/sigstation"
	"github.com/mew-cx/gidget/internal/worker"
)

// readResult is one batch from the notification adapter's blocking Read.
type readResult struct {
	events []notify.Event
	err    error
}

// Loop is the supervisor state machine: wait, dispatch on signal, dispatch
// on data, fatal on a failed read.
type Loop struct {
	Adapter  *notify.Adapter
	Registry *registry.Registry
	Signals  *sigstation.Station
	Log      *diag.Logger

	wg sync.WaitGroup
}

// Serve implements suture.Service. It runs the wait/dispatch state machine
// until ctx is canceled or a shutdown signal arrives; on a shutdown signal it
// returns suture.ErrTerminateSupervisorTree so the loop is not restarted. A
// failed read is fatal: it is logged with a non-zero status, which exits the
// process.
func (l *Loop) Serve(ctx context.Context) error {
	reads := make(chan readResult)
	go func() {
		defer close(reads)
		for {
			events, err := l.Adapter.Read()
			select {
			case reads <- readResult{events, err}:
			case <-ctx.Done():
				return
			}
			if err != nil && !errors.Is(err, notify.ErrEventOverflow) {
				return
			}
		}
	}()

	for {
		select {
		case <-ctx.Done():
			l.shutdown("context canceled")
			return nil

		case sig := <-l.Signals.Events():
			if done, err := l.handleSignal(sig); done {
				if err != nil {
					return err
				}
				// A nil return would make suture restart the loop.
				return suture.ErrTerminateSupervisorTree
			}

		case r, ok := <-reads:
			if !ok {
				return nil
			}
			if r.err != nil && !errors.Is(r.err, notify.ErrEventOverflow) {
				l.Log.Log(7, fmt.Sprintf("inotify read failed, FAIL, daemon dead: %v", r.err))
				return fmt.Errorf("notify read: %w", r.err)
			}
			for _, ev := range r.events {
				metrics.EventsSeen.Inc(1)
				l.dispatch(ev)
			}
		}
	}
}

// handleSignal applies gidget's signal-to-action table. It returns
// done=true when the loop should stop (SIGINT/SIGTERM/other), carrying the
// error Serve should return.
func (l *Loop) handleSignal(sig sigstation.Signal) (done bool, err error) {
	switch sig {
	case sigstation.HangUp:
		if l.Log.IsFileBacked() {
			l.Log.Log(0, "Caught signal SIGHUP, reopening stdout/stderr")
			if rerr := l.Log.Reopen(); rerr != nil {
				l.Log.Log(0, fmt.Sprintf("failed to reopen log: %v", rerr))
			}
		} else {
			l.Log.Log(0, "Caught signal SIGHUP, ignored.")
		}
		return false, nil

	case sigstation.Interrupt:
		l.Log.Log(0, "Caught signal SIGINT, probably Control-C")
		l.shutdown("interrupt")
		return true, nil

	default: // Terminate, Other
		l.shutdown("terminate")
		return true, nil
	}
}

func (l *Loop) shutdown(reason string) {
	l.Log.Infof("gidget event wait terminated by signal (%s), shutting down.", reason)
	_ = l.Adapter.Close()
	l.wg.Wait() // let in-flight workers finish (command run, mail, outcome logging) before returning
}

// dispatch looks up the watch for ev.WatchID and spawns a worker goroutine
// for it without blocking the loop: the supervisor never waits for a
// worker to finish before returning to waiting for the next signal or
// event.
//
// A lookup miss is not always a genuine invariant violation: the kernel's
// IN_Q_OVERFLOW pseudo-event (and, in principle, any other report-only
// disturbance bit) carries no real watch id, so it can never resolve
// through the registry. Those are reported by reportOrphanFlags and
// otherwise ignored. A lookup miss that carries none of those bits is a
// non-sequential watch id — a genuine invariant violation — which is
// fatal.
func (l *Loop) dispatch(ev notify.Event) {
	w, err := l.Registry.Lookup(ev.WatchID)
	if err != nil {
		if reportOrphanFlags(l.Log, ev) {
			return
		}
		l.Log.Log(6, fmt.Sprintf("non-sequential watch id %d: %v", ev.WatchID, err))
		return
	}

	l.wg.Add(1)
	go func() {
		defer l.wg.Done()
		outcome := worker.Run(w, ev)
		logOutcome(l.Log, w.WatchID, outcome)
	}()
}

// reportOrphanFlags logs gidget's report-only kernel disturbance bits for an
// event whose watch id didn't resolve in the registry, and reports whether
// it recognized any. IN_Q_OVERFLOW is always reported this way: the kernel
// sends it with watch id -1 since it isn't scoped to any one watch, so it
// never has a registry entry to attach itself to.
func reportOrphanFlags(log *diag.Logger, ev notify.Event) bool {
	reported := false
	if ev.Mask&notify.Unmount != 0 {
		metrics.Unmounts.Inc(1)
		log.Warnf("GRIEVOUS ERROR: filesystem backing watch %d unmounted!", ev.WatchID)
		reported = true
	}
	if ev.Mask&notify.QueueOverflow != 0 {
		metrics.QueueOverflows.Inc(1)
		log.Warnf("GRIEVOUS ERROR: inotify event queue overflow!")
		reported = true
	}
	if ev.Mask&notify.Ignored != 0 {
		metrics.WatchesRemoved.Inc(1)
		log.Warnf("WARNING: gidget watch %d removed!", ev.WatchID)
		reported = true
	}
	return reported
}

func logOutcome(log *diag.Logger, watchID uint32, o worker.Outcome) {
	if o.Err != nil {
		// Warnf, not Log: a non-zero Log status would exit the whole daemon.
		log.Warnf("watch %d: exit %d: %v", watchID, o.ExitCode, o.Err)
		return
	}
	if o.MailSent {
		log.Infof("watch %d: mailed %d bytes of output for %s", watchID, o.MailBytes, o.Object)
	} else {
		log.Infof("watch %d: script executor completed for %s, exit %d", watchID, o.Object, o.ExitCode)
	}
}
