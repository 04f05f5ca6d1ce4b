// Command gidgetd is gidget: watch configured filesystem paths for inotify
// events and run an administrator-specified command, under an
// administrator-specified local user, mailing any output. This file wires
// the internal packages together and owns the process lifecycle.
package main

import (
	"context"
	"fmt"
	"os"
	"os/exec"
	"syscall"

	"github.com/alecthomas/kong"
	"github.com/syndtr/gocapability/capability"
	"github.com/thejerf/suture/v4"
	"golang.org/x/sys/unix"

	"github.com/mew-cx/gidget/internal/config"
	"github.com/mew-cx/gidget/internal/diag"
	"github.com/mew-cx/gidget/internal/notify"
	"github.com/mew-cx/gidget/internal/registry"
	"github.com/mew-cx/gidget/internal/sigstation"
	"github.com/mew-cx/gidget/internal/supervisor"
	"github.com/mew-cx/gidget/internal/worker"
)

const version = "1.01"

// daemonChildEnv marks a re-exec'd, already-detached daemon child (see
// daemonize below). It never appears in the configuration file or in any
// user-visible documentation.
const daemonChildEnv = "_GIDGET_DAEMON_CHILD"

// cli is gidget's command-line surface, implemented with alecthomas/kong
// (a struct-tag CLI parser) rather than a hand-rolled flag loop.
type cli struct {
	Config  string `short:"c" default:"/etc/gidget.conf" help:"configuration file"`
	Daemon  bool   `short:"d" help:"run as a system daemon, using pid & log files"`
	LogFile string `short:"l" help:"override default error and event logging"`
	PidFile string `short:"p" default:"/var/run/gidget.pid" help:"daemon process id file"`
	Syslog  *int   `short:"s" optional:"" help:"use syslog to log events at level n (0-7); n must be given"`
	Version bool   `short:"V" help:"print version string and exit"`
	Verbose bool   `short:"v" help:"be exceptionally verbose"`
}

func main() {
	var c cli
	kong.Parse(&c,
		kong.Name("gidget"),
		kong.Description("Run programs when specific filesystem events occur"),
	)

	if c.Version {
		fmt.Printf("\nGidget v%s Goddard & Brooks 2011\n\n", version)
		os.Exit(0)
	}

	// It's best to be paranoid about file creation.
	unix.Umask(0o27)

	if c.Daemon && os.Getenv(daemonChildEnv) != "1" {
		if err := daemonize(c); err != nil {
			fmt.Fprintf(os.Stderr, "gidget: unable to daemonize: %v\n", err)
			os.Exit(2)
		}
		// daemonize exits the parent; unreachable.
	}

	logFile := c.LogFile
	if logFile == "" && c.Daemon {
		logFile = "/var/log/gidget"
	}
	if c.Syslog != nil && (*c.Syslog < 0 || *c.Syslog > 7) {
		fmt.Fprintln(os.Stderr, "gidget: syslog level must be 0-7")
		os.Exit(1)
	}

	log, err := diag.New(diag.Options{
		LogFile:     logFile,
		SyslogLevel: c.Syslog,
	})
	if err != nil {
		fmt.Fprintf(os.Stderr, "gidget: %v\n", err)
		os.Exit(1)
	}
	defer log.Close()
	worker.SetLogger(log)

	log.Log(0, "daemon initialization")

	if c.Verbose {
		logCapabilities(log)
	}

	result, err := config.Load(c.Config)
	if err != nil {
		log.Log(1, fmt.Sprintf("Error opening %s: %v", c.Config, err))
	}
	for _, d := range result.Diagnostics {
		log.Log(0, d.String())
	}

	adapter, err := notify.Open(result.MaxNameLength)
	if err != nil {
		log.Log(4, fmt.Sprintf("Unable to initialize iNotify: %v", err))
	}

	reg := registry.New()
	for _, w := range result.Watches {
		if _, err := reg.Add(adapter, w); err != nil {
			log.Log(0, fmt.Sprintf("ERROR: %v, discarding %s", err, w.Path))
			continue
		}
		if c.Verbose {
			log.Infof("Added watch %s mask %#08x.", w.Path, w.Mask)
		}
	}

	if c.Verbose {
		reg.LogState(log)
		limits := notify.ReadQueueLimits()
		log.Infof("inotify limits: max_queued_events=%d max_user_instances=%d max_user_watches=%d",
			limits.MaxQueuedEvents, limits.MaxUserInstances, limits.MaxUserWatches)
	}

	station := sigstation.New()
	defer station.Close()

	ctx, cancel := context.WithCancel(context.Background())
	loop := &supervisor.Loop{
		Adapter:  adapter,
		Registry: reg,
		Signals:  station,
		Log:      log,
	}

	super := suture.New("gidget", suture.Spec{})
	super.Add(loop)

	// The event loop itself decides when to stop: clean SIGINT/SIGTERM
	// ends the supervisor tree, while a fatal read calls diag.Logger.Log with a
	// non-zero status and exits the process directly from within that call.
	// Once Serve returns here, shutdown was clean, so cancel and exit 0.
	_ = super.Serve(ctx)
	cancel()
	os.Exit(0)
}

// daemonize re-executes the current binary as a detached session leader and
// writes its PID to c.PidFile, then exits the parent. Re-exec replaces a
// double-fork/setsid/chdir sequence: Go cannot safely fork(2) without an
// immediate exec(2) once goroutines are running.
func daemonize(c cli) error {
	exe, err := os.Executable()
	if err != nil {
		return fmt.Errorf("resolving executable path: %w", err)
	}
	devnull, err := os.OpenFile(os.DevNull, os.O_RDONLY, 0)
	if err != nil {
		return fmt.Errorf("opening %s: %w", os.DevNull, err)
	}
	defer devnull.Close()

	child := exec.Command(exe, os.Args[1:]...)
	child.Env = append(os.Environ(), daemonChildEnv+"=1")
	child.Stdin = devnull
	child.Dir = "/"
	child.SysProcAttr = &syscall.SysProcAttr{Setsid: true}

	if err := child.Start(); err != nil {
		return fmt.Errorf("forking daemon process: %w", err)
	}

	pidLine := fmt.Sprintf("%d\n", child.Process.Pid)
	if err := os.WriteFile(c.PidFile, []byte(pidLine), 0o644); err != nil {
		_ = child.Process.Kill()
		return fmt.Errorf("could not create pid file, killing daemon: %w", err)
	}

	os.Exit(0) // parent exits normally
	return nil
}

// logCapabilities logs, at verbose level, whether this process retains the
// Linux capabilities the worker's privilege drop depends on. Diagnostic
// only: it never gates startup or refuses to run.
func logCapabilities(log *diag.Logger) {
	caps, err := capability.NewPid2(0)
	if err != nil {
		log.Infof("unable to probe process capabilities: %v", err)
		return
	}
	if err := caps.Load(); err != nil {
		log.Infof("unable to load process capabilities: %v", err)
		return
	}
	log.Infof("capabilities: setuid=%v setgid=%v dac_override=%v",
		caps.Get(capability.EFFECTIVE, capability.CAP_SETUID),
		caps.Get(capability.EFFECTIVE, capability.CAP_SETGID),
		caps.Get(capability.EFFECTIVE, capability.CAP_DAC_OVERRIDE),
	)
}
