package direvent

import (
	"context"
	"os"
	"syscall"
	"testing"
	"time"

	"github.com/gnu-mirror-unofficial/direvent/internal/diag"
	"github.com/gnu-mirror-unofficial/direvent/internal/procman"
)

func TestDaemonRunStopsOnSignal(t *testing.T) {
	b := newFakeBackend()
	sink := diag.New(diag.Console, 0)
	rt := NewRuntime(b, sink)
	pm := procman.New(sink)
	d := NewDaemon(rt, b, pm, sink, "")

	done := make(chan int, 1)
	go func() { done <- d.Run(context.Background()) }()

	// Give Run a moment to install its signal handler before sending one.
	time.Sleep(50 * time.Millisecond)
	proc, err := os.FindProcess(os.Getpid())
	if err != nil {
		t.Fatal(err)
	}
	if err := proc.Signal(syscall.SIGTERM); err != nil {
		t.Fatal(err)
	}

	select {
	case code := <-done:
		if code != 0 {
			t.Fatalf("exit code after SIGTERM = %d, want 0", code)
		}
	case <-time.After(2 * time.Second):
		t.Fatalf("Daemon.Run did not return after SIGTERM")
	}
}

// TestDaemonRunReturnsImmediatelyWhenStoreAlreadyEmpty covers the loop guard
// "for !d.rt.Stopped() && !stopRequested": Suspend is called synchronously,
// before Run starts, since Runtime is single-threaded and must only be
// driven from the main loop goroutine once Run is underway (§5). The
// watchpoint is never attached to the backend, so Suspend puts no sentinel
// on its parent and the store is left empty.
func TestDaemonRunReturnsImmediatelyWhenStoreAlreadyEmpty(t *testing.T) {
	dir := t.TempDir()
	b := newFakeBackend()
	sink := diag.New(diag.Console, 0)
	rt := NewRuntime(b, sink)
	pm := procman.New(sink)
	d := NewDaemon(rt, b, pm, sink, "")

	wp, _ := rt.Store().Install(dir)
	wp.Handlers = NewHandlerList()
	if wp.Installed() {
		t.Fatal("wp must not be attached before Suspend")
	}
	rt.Suspend(wp)
	if !rt.Stopped() {
		t.Fatalf("Suspend of the last watchpoint must have stopped the runtime")
	}

	done := make(chan int, 1)
	go func() { done <- d.Run(context.Background()) }()

	select {
	case <-done:
	case <-time.After(2 * time.Second):
		t.Fatalf("Daemon.Run did not return when the store was already empty")
	}
}

func TestDaemonWriteAndRemovePIDFile(t *testing.T) {
	dir := t.TempDir()
	pidFile := dir + "/direvent.pid"

	b := newFakeBackend()
	sink := diag.New(diag.Console, 0)
	rt := NewRuntime(b, sink)
	pm := procman.New(sink)
	d := NewDaemon(rt, b, pm, sink, pidFile)

	if err := d.WritePIDFile(); err != nil {
		t.Fatalf("WritePIDFile: %v", err)
	}
	if _, err := os.Stat(pidFile); err != nil {
		t.Fatalf("pid file missing after WritePIDFile: %v", err)
	}
	d.RemovePIDFile()
	if _, err := os.Stat(pidFile); !os.IsNotExist(err) {
		t.Fatalf("pid file still present after RemovePIDFile")
	}
}
