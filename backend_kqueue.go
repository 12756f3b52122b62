//go:build freebsd || openbsd || netbsd || dragonfly || darwin

package direvent

import (
	"context"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"sync"

	"golang.org/x/sys/unix"

	"github.com/gnu-mirror-unofficial/direvent/internal"
)

// kqueueTable is the generic<->native translation table for the BSDs and
// macOS, grounded on the NOTE_* flag choices newEvent() used to make here.
// kqueue has no native CREATE notification for files created inside a
// watched directory; KqueueBackend synthesizes Create by rescanning the
// directory on NOTE_WRITE (rescanDir, below), so Create is never produced
// through this table directly.
var kqueueTable = TranslationTable{
	{native: unix.NOTE_WRITE, generic: Write},
	{native: unix.NOTE_ATTRIB, generic: Attrib},
	{native: unix.NOTE_DELETE | unix.NOTE_RENAME, generic: Delete},
}

const watchAllNotes = unix.NOTE_DELETE | unix.NOTE_WRITE | unix.NOTE_ATTRIB | unix.NOTE_RENAME

type kqueueWatch struct {
	fd      int
	path    string
	isDir   bool
	recurse bool
	seen    map[string]bool // directory watches only: children known to exist
}

type kqueueWatches struct {
	mu     sync.RWMutex
	byFD   map[int]*kqueueWatch
	byPath map[string]*kqueueWatch
}

func newKqueueWatches() *kqueueWatches {
	return &kqueueWatches{byFD: make(map[int]*kqueueWatch), byPath: make(map[string]*kqueueWatch)}
}

func (w *kqueueWatches) add(kw *kqueueWatch) {
	w.mu.Lock()
	defer w.mu.Unlock()
	w.byFD[kw.fd] = kw
	w.byPath[kw.path] = kw
}

func (w *kqueueWatches) byFd(fd int) *kqueueWatch {
	w.mu.RLock()
	defer w.mu.RUnlock()
	return w.byFD[fd]
}

func (w *kqueueWatches) byPathname(path string) *kqueueWatch {
	w.mu.RLock()
	defer w.mu.RUnlock()
	return w.byPath[path]
}

func (w *kqueueWatches) remove(fd int) *kqueueWatch {
	w.mu.Lock()
	defer w.mu.Unlock()
	kw, ok := w.byFD[fd]
	if !ok {
		return nil
	}
	delete(w.byFD, fd)
	delete(w.byPath, kw.path)
	return kw
}

// KqueueBackend is the fd-per-watch Backend for the BSDs and macOS: one
// descriptor per watched path, with directory-rescan-driven Create
// synthesis (§4.6). Grounded on the Watcher in this file before adaptation.
type KqueueBackend struct {
	kq         int
	closepipe  [2]int
	watches    *kqueueWatches
	events     chan NativeEvent
	errors     chan error
	done       chan struct{}
}

func NewKqueueBackend() (*KqueueBackend, error) {
	kq, err := internal.IgnoringEINTR(func() (int, error) { return unix.Kqueue() })
	if err != nil {
		return nil, fmt.Errorf("kqueue: %w", err)
	}
	unix.CloseOnExec(kq)

	var closepipe [2]int
	if err := unix.Pipe2(closepipe[:], unix.O_CLOEXEC|unix.O_NONBLOCK); err != nil {
		unix.Close(kq)
		return nil, fmt.Errorf("kqueue close pipe: %w", err)
	}

	b := &KqueueBackend{
		kq:        kq,
		closepipe: closepipe,
		watches:   newKqueueWatches(),
		events:    make(chan NativeEvent, 64),
		errors:    make(chan error, 8),
		done:      make(chan struct{}),
	}
	changes := make([]unix.Kevent_t, 1)
	unix.SetKevent(&changes[0], closepipe[0], unix.EVFILT_READ, unix.EV_ADD|unix.EV_ENABLE|unix.EV_ONESHOT)
	if _, err := unix.Kevent(kq, changes, nil, nil); err != nil {
		unix.Close(kq)
		unix.Close(closepipe[0])
		unix.Close(closepipe[1])
		return nil, fmt.Errorf("kqueue register close pipe: %w", err)
	}
	return b, nil
}

// NewBackend constructs the platform Backend; on the BSDs and macOS this is
// always the kqueue backend.
func NewBackend() (Backend, error) { return NewKqueueBackend() }

func (b *KqueueBackend) Translate() TranslationTable { return kqueueTable }

// ChangeBits: kqueue has no distinct close-for-write notification, so
// CLOSE_WRITE is 0 and CHANGE synthesizes as soon as CHANGED_MASK fires
// (§4.5 step 4).
func (b *KqueueBackend) ChangeBits() (changedMask, closeWrite uint32) {
	return unix.NOTE_WRITE | unix.NOTE_EXTEND, 0
}

// WatchesFilesDirectly: kqueue only notifies on the watched fd itself, so a
// directory's new plain-file children are invisible without a rescan driven
// by a directory-sentinel, even at depth 0.
func (b *KqueueBackend) WatchesFilesDirectly() bool { return true }
func (b *KqueueBackend) Events() <-chan NativeEvent  { return b.events }
func (b *KqueueBackend) Errors() <-chan error         { return b.errors }

func (b *KqueueBackend) Watch(path string, mask uint32, recurse bool) error {
	if kw := b.watches.byPathname(path); kw != nil {
		return nil
	}
	fd, err := internal.IgnoringEINTR(func() (int, error) {
		return unix.Open(path, unix.O_NONBLOCK|unix.O_CLOEXEC, 0)
	})
	if err != nil {
		return fmt.Errorf("open %s: %w", path, err)
	}
	fi, err := os.Stat(path)
	if err != nil {
		unix.Close(fd)
		return err
	}

	kw := &kqueueWatch{fd: fd, path: path, isDir: fi.IsDir(), recurse: recurse}
	if kw.isDir {
		kw.seen = map[string]bool{}
		if entries, err := os.ReadDir(path); err == nil {
			for _, e := range entries {
				kw.seen[filepath.Join(path, e.Name())] = true
			}
		}
	}
	b.watches.add(kw)

	changes := make([]unix.Kevent_t, 1)
	unix.SetKevent(&changes[0], fd, unix.EVFILT_VNODE, unix.EV_ADD|unix.EV_CLEAR)
	changes[0].Fflags = watchAllNotes
	if _, err := unix.Kevent(b.kq, changes, nil, nil); err != nil {
		b.watches.remove(fd)
		unix.Close(fd)
		return fmt.Errorf("kevent register %s: %w", path, err)
	}
	return nil
}

func (b *KqueueBackend) Unwatch(path string) error {
	kw := b.watches.byPathname(path)
	if kw == nil {
		return nil
	}
	b.watches.remove(kw.fd)
	return unix.Close(kw.fd)
}

func (b *KqueueBackend) Close() error {
	select {
	case <-b.done:
	default:
		close(b.done)
	}
	unix.Write(b.closepipe[1], []byte{0})
	return nil
}

func (b *KqueueBackend) isClosed() bool {
	select {
	case <-b.done:
		return true
	default:
		return false
	}
}

// Run reads kevents until the backend is closed or ctx is canceled,
// mirroring readEvents() before adaptation.
func (b *KqueueBackend) Run(ctx context.Context) error {
	go func() {
		<-ctx.Done()
		b.Close()
	}()
	defer close(b.events)
	defer close(b.errors)
	defer unix.Close(b.kq)
	defer unix.Close(b.closepipe[0])

	buf := make([]unix.Kevent_t, 10)
	for {
		n, err := internal.IgnoringEINTR(func() (int, error) {
			return unix.Kevent(b.kq, nil, buf, nil)
		})
		if err != nil {
			if b.isClosed() {
				return nil
			}
			select {
			case b.errors <- fmt.Errorf("kevent: %w", err):
			case <-b.done:
				return nil
			}
			continue
		}
		for _, kev := range buf[:n] {
			fd := int(kev.Ident)
			if fd == b.closepipe[0] {
				return nil
			}
			if !b.handle(fd, uint32(kev.Fflags)) {
				return nil
			}
		}
	}
}

func (b *KqueueBackend) handle(fd int, mask uint32) bool {
	kw := b.watches.byFd(fd)
	if kw == nil {
		return true
	}

	deliver := func(native uint32) bool {
		select {
		case b.events <- NativeEvent{Watch: kw.path, Path: kw.path, Native: native}:
			return true
		case <-b.done:
			return false
		}
	}

	if mask&(unix.NOTE_DELETE|unix.NOTE_RENAME) != 0 {
		b.watches.remove(fd)
		unix.Close(fd)
		return deliver(mask)
	}
	if kw.isDir && mask&unix.NOTE_WRITE != 0 {
		return b.rescanDir(kw)
	}
	if mask != 0 {
		return deliver(mask)
	}
	return true
}

// rescanDir mimics inotify's directory Create notification: kqueue has
// none, so a NOTE_WRITE on a watched directory's fd means its listing
// changed, and the backend diffs it against the last-seen children.
func (b *KqueueBackend) rescanDir(kw *kqueueWatch) bool {
	entries, err := os.ReadDir(kw.path)
	if err != nil {
		if errors.Is(err, os.ErrNotExist) {
			return true
		}
		select {
		case b.errors <- fmt.Errorf("rescan %s: %w", kw.path, err):
		case <-b.done:
			return false
		}
		return true
	}
	now := map[string]bool{}
	for _, e := range entries {
		child := filepath.Join(kw.path, e.Name())
		now[child] = true
		if !kw.seen[child] {
			// A new child's own kernel watch (plain file or subdirectory) is
			// installed by the runtime's directory-sentinel handler, which
			// reacts to this same synthetic Create after the Store's
			// pattern/depth gate — not here, unconditionally.
			select {
			case b.events <- NativeEvent{Watch: kw.path, Path: child, Synthetic: Create}:
			case <-b.done:
				return false
			}
		}
	}
	kw.seen = now
	return true
}
