package procman

import (
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/gnu-mirror-unofficial/direvent/internal/diag"
)

func waitFor(t *testing.T, timeout time.Duration, cond func() bool) {
	t.Helper()
	deadline := time.Now().Add(timeout)
	for time.Now().Before(deadline) {
		if cond() {
			return
		}
		time.Sleep(10 * time.Millisecond)
	}
	t.Fatalf("condition not met within %s", timeout)
}

func TestStartHandlerRunsCommand(t *testing.T) {
	dir := t.TempDir()
	marker := filepath.Join(dir, "ran")

	m := New(diag.New(diag.Console, 0))
	spec := HandlerSpec{
		Command: "/usr/bin/touch " + marker,
		Flags:   NoWait,
		Timeout: time.Second,
	}
	if err := m.StartHandler(spec, dir, EventInfo{File: "f"}, nil); err != nil {
		t.Fatalf("StartHandler: %v", err)
	}

	waitFor(t, 2*time.Second, func() bool {
		m.Cleanup(true)
		_, err := os.Stat(marker)
		return err == nil
	})
}

func TestStartHandlerEmptyCommandIsNoop(t *testing.T) {
	m := New(diag.New(diag.Console, 0))
	if err := m.StartHandler(HandlerSpec{}, t.TempDir(), EventInfo{}, nil); err != nil {
		t.Fatalf("StartHandler with an empty command must not error: %v", err)
	}
	if len(m.active) != 0 {
		t.Fatalf("an empty command must not start any process")
	}
}

func TestStartHandlerUnknownBinary(t *testing.T) {
	m := New(diag.New(diag.Console, 0))
	spec := HandlerSpec{Command: "/no/such/binary-xyz", Flags: NoWait}
	if err := m.StartHandler(spec, t.TempDir(), EventInfo{}, nil); err == nil {
		t.Fatalf("StartHandler must error when exec fails")
	}
}

func TestTimeoutsKillsOverdueProcess(t *testing.T) {
	dir := t.TempDir()
	m := New(diag.New(diag.Console, 0))
	spec := HandlerSpec{
		Command: "/bin/sleep 30",
		Flags:   NoWait,
		Timeout: 50 * time.Millisecond,
	}
	if err := m.StartHandler(spec, dir, EventInfo{}, nil); err != nil {
		t.Fatalf("StartHandler: %v", err)
	}

	time.Sleep(100 * time.Millisecond)
	m.Timeouts(0)

	waitFor(t, 2*time.Second, func() bool {
		m.Cleanup(true)
		return len(m.active) == 0
	})
}

func TestAdoptTracksForeignPid(t *testing.T) {
	m := New(diag.New(diag.Console, 0))
	p := m.Adopt(12345)
	if p.Kind != KindForeign {
		t.Fatalf("Adopt must record KindForeign, got %v", p.Kind)
	}
	if m.lookup(12345) != p {
		t.Fatalf("Adopt must register the pid so lookup finds it")
	}
}

func TestBuildEnvDefaultsAndProgram(t *testing.T) {
	m := New(diag.New(diag.Console, 0))
	spec := HandlerSpec{}
	ev := EventInfo{File: "f.txt", GenMask: 1, GenNames: "create"}
	env, err := m.buildEnv(spec, ev, []string{"PATH=/bin"})
	if err != nil {
		t.Fatal(err)
	}
	if v, ok := env.Get("DIREVENT_FILE"); !ok || v != "f.txt" {
		t.Fatalf("DIREVENT_FILE = %q, %v; want f.txt, true", v, ok)
	}
	if v, ok := env.Get("DIREVENT_GENEV_NAME"); !ok || v != "create" {
		t.Fatalf("DIREVENT_GENEV_NAME = %q, %v; want create, true", v, ok)
	}
}
