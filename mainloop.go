package direvent

import (
	"context"
	"fmt"
	"os"
	"os/signal"
	"strconv"
	"syscall"
	"time"

	"github.com/gnu-mirror-unofficial/direvent/internal/diag"
	"github.com/gnu-mirror-unofficial/direvent/internal/procman"
)

// Daemon wires a Runtime and a process Manager into the main loop of §4.8:
// it pumps backend events to Dispatch, reaps children and enforces their
// timeouts, and drains the watchpoint GC list once per iteration.
type Daemon struct {
	rt      *Runtime
	backend Backend
	pm      *procman.Manager
	sink    *diag.Sink
	pidFile string

	exitCode int
}

func NewDaemon(rt *Runtime, backend Backend, pm *procman.Manager, sink *diag.Sink, pidFile string) *Daemon {
	return &Daemon{rt: rt, backend: backend, pm: pm, sink: sink, pidFile: pidFile}
}

// WritePIDFile records the daemon's pid, per §6 "Persisted state".
func (d *Daemon) WritePIDFile() error {
	if d.pidFile == "" {
		return nil
	}
	return os.WriteFile(d.pidFile, []byte(strconv.Itoa(os.Getpid())+"\n"), 0644)
}

// RemovePIDFile unlinks the pid file on graceful exit.
func (d *Daemon) RemovePIDFile() {
	if d.pidFile != "" {
		_ = os.Remove(d.pidFile)
	}
}

// recentExpiry is the worst-case additional wait Timeouts should budget for
// a recent-creation cache entry to expire (§3 "Recent-creation cache").
const recentExpiry = RecentTTL

// Run is the main loop (§4.8): while not stopped, wait for the next
// backend event, signal, or process-timeout deadline; dispatch it; then
// run the per-iteration epilogue (timeouts, reaping, GC).
func (d *Daemon) Run(ctx context.Context) int {
	backendCtx, cancelBackend := context.WithCancel(ctx)
	defer cancelBackend()

	backendErrCh := make(chan error, 1)
	go func() { backendErrCh <- d.backend.Run(backendCtx) }()

	sigCh := make(chan os.Signal, 16)
	signal.Notify(sigCh, syscall.SIGTERM, syscall.SIGQUIT, syscall.SIGINT,
		syscall.SIGHUP, syscall.SIGCHLD, syscall.SIGUSR1)
	defer signal.Stop(sigCh)

	timer := time.NewTimer(time.Second)
	defer timer.Stop()

	stopRequested := false

	for !d.rt.Stopped() && !stopRequested {
		select {
		case ev, ok := <-d.backend.Events():
			if !ok {
				stopRequested = true
				break
			}
			d.rt.Dispatch(ev)

		case err, ok := <-d.backend.Errors():
			if ok && err != nil {
				d.sink.Diag(diag.Notice, "backend: %v", err)
			}

		case sig := <-sigCh:
			switch sig {
			case syscall.SIGCHLD:
				d.pm.Cleanup(false)
			case syscall.SIGUSR1:
				d.sink.Diag(diag.Info, "SIGUSR1 received")
			default:
				// SIGTERM, SIGQUIT, SIGINT, SIGHUP: graceful shutdown
				// (§5 "a tiny signal handler ... sets stop for anything
				// other than SIGCHLD and SIGALRM").
				d.sink.Diag(diag.Notice, "received signal %v, shutting down", sig)
				stopRequested = true
			}

		case <-timer.C:
			// Stands in for SIGALRM-driven wakeups: re-check timeouts on
			// the schedule Timeouts itself last computed.
		}

		if d.pm.Stopped {
			d.exitCode = d.pm.ExitCode
			stopRequested = true
		}

		wait := d.pm.Timeouts(recentExpiry)
		if wait <= 0 {
			wait = time.Second
		}
		if !timer.Stop() {
			select {
			case <-timer.C:
			default:
			}
		}
		timer.Reset(wait)

		d.rt.Tick()
	}

	cancelBackend()
	d.rt.Shutdown()
	d.pm.Cleanup(true)
	d.RemovePIDFile()

	if err := <-backendErrCh; err != nil {
		d.sink.Diag(diag.Err, "backend shutdown: %v", err)
	}
	return d.exitCode
}

// RunSelfTest starts the configured self-test command, if any, arranging
// for its exit to drive the daemon's own exit code (§7, §8 scenario 5).
func (d *Daemon) RunSelfTest(command string) error {
	if command == "" {
		return nil
	}
	if err := d.pm.StartSelfTest(command); err != nil {
		return fmt.Errorf("direvent: self-test: %w", err)
	}
	return nil
}
