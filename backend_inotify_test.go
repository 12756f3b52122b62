//go:build linux

package direvent

import (
	"context"
	"os"
	"path/filepath"
	"testing"
	"time"
)

func TestInotifyBackendCreateWrite(t *testing.T) {
	dir := t.TempDir()
	b, err := NewInotifyBackend()
	if err != nil {
		t.Fatalf("NewInotifyBackend: %v", err)
	}
	defer b.Close()

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	go b.Run(ctx)

	mask := b.Translate().GenericToNative(Create | Write)
	if err := b.Watch(dir, mask, false); err != nil {
		t.Fatalf("Watch: %v", err)
	}

	file := filepath.Join(dir, "f")
	if err := os.WriteFile(file, []byte("x"), 0644); err != nil {
		t.Fatal(err)
	}

	var sawCreate bool
	deadline := time.After(2 * time.Second)
	for !sawCreate {
		select {
		case ev := <-b.Events():
			if b.Translate().NativeToGeneric(ev.Native)&Create != 0 && ev.Path == file {
				sawCreate = true
			}
		case err := <-b.Errors():
			t.Fatalf("unexpected backend error: %v", err)
		case <-deadline:
			t.Fatal("timed out waiting for create event")
		}
	}
}

func TestInotifyBackendUnwatch(t *testing.T) {
	dir := t.TempDir()
	b, err := NewInotifyBackend()
	if err != nil {
		t.Fatalf("NewInotifyBackend: %v", err)
	}
	defer b.Close()

	mask := b.Translate().GenericToNative(Write)
	if err := b.Watch(dir, mask, false); err != nil {
		t.Fatalf("Watch: %v", err)
	}
	if err := b.Unwatch(dir); err != nil {
		t.Fatalf("Unwatch: %v", err)
	}
	if b.watches.byPath(dir) != nil {
		t.Fatal("watch table still has an entry after Unwatch")
	}
}
