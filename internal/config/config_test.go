package config

import (
	"os"
	"path/filepath"
	"testing"
)

func writeConfig(t *testing.T, contents string) string {
	t.Helper()
	dir := t.TempDir()
	path := filepath.Join(dir, "direvent.yaml")
	if err := os.WriteFile(path, []byte(contents), 0644); err != nil {
		t.Fatal(err)
	}
	return path
}

func TestLoadValid(t *testing.T) {
	path := writeConfig(t, `
pidfile: /run/direvent.pid
verbose: 2
watcher:
  - path: /tmp/watched
    recurse: 1
    events: [create, write]
    command: /usr/bin/handle
    pattern:
      - kind: glob
        text: "*.txt"
`)
	f, err := Load(path)
	if err != nil {
		t.Fatalf("Load: %v", err)
	}
	if f.PidFile != "/run/direvent.pid" {
		t.Fatalf("PidFile = %q", f.PidFile)
	}
	if len(f.Watchers) != 1 {
		t.Fatalf("Watchers = %d, want 1", len(f.Watchers))
	}
	w := f.Watchers[0]
	if w.Path != "/tmp/watched" || w.Command != "/usr/bin/handle" {
		t.Fatalf("unexpected watcher: %+v", w)
	}
	if len(w.Pattern) != 1 || w.Pattern[0].Kind != "glob" {
		t.Fatalf("unexpected pattern: %+v", w.Pattern)
	}
}

func TestLoadMissingCommand(t *testing.T) {
	path := writeConfig(t, `
watcher:
  - path: /tmp/watched
`)
	if _, err := Load(path); err == nil {
		t.Fatalf("Load must reject a watcher with no command")
	}
}

func TestLoadDuplicatePath(t *testing.T) {
	path := writeConfig(t, `
watcher:
  - path: /tmp/a
    command: /bin/true
  - path: /tmp/a
    command: /bin/false
`)
	if _, err := Load(path); err == nil {
		t.Fatalf("Load must reject duplicate watcher paths")
	}
}

func TestLoadMissingPath(t *testing.T) {
	path := writeConfig(t, `
watcher:
  - command: /bin/true
`)
	if _, err := Load(path); err == nil {
		t.Fatalf("Load must reject a watcher with no path")
	}
}

func TestLoadUnreadableFile(t *testing.T) {
	if _, err := Load(filepath.Join(t.TempDir(), "missing.yaml")); err == nil {
		t.Fatalf("Load must error on a missing config file")
	}
}

func TestBuildEnvironClearKeepSetUnset(t *testing.T) {
	w := WatcherConfig{
		Path: "/tmp/a",
		Environ: []EnvOpConfig{
			{Op: "clear"},
			{Op: "keep", Name: "PATH"},
			{Op: "set", Name: "FOO", Value: "bar"},
			{Op: "unset", Name: "BAZ"},
		},
	}
	prog, err := w.BuildEnviron()
	if err != nil {
		t.Fatalf("BuildEnviron: %v", err)
	}
	if prog.Len() != 4 {
		t.Fatalf("Len = %d, want 4", prog.Len())
	}
}

func TestBuildEnvironClearMustBeFirst(t *testing.T) {
	w := WatcherConfig{
		Path: "/tmp/a",
		Environ: []EnvOpConfig{
			{Op: "keep", Name: "PATH"},
			{Op: "clear"},
		},
	}
	if _, err := w.BuildEnviron(); err == nil {
		t.Fatalf("BuildEnviron must reject a clear that isn't first")
	}
}

func TestBuildEnvironUnknownOp(t *testing.T) {
	w := WatcherConfig{
		Path:    "/tmp/a",
		Environ: []EnvOpConfig{{Op: "frobnicate"}},
	}
	if _, err := w.BuildEnviron(); err == nil {
		t.Fatalf("BuildEnviron must reject an unknown op")
	}
}
