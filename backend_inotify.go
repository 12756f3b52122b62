//go:build linux

package direvent

import (
	"context"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"unsafe"

	"golang.org/x/sys/unix"

	"github.com/gnu-mirror-unofficial/direvent/internal"
)

// inotifyTable is the generic<->native translation table for Linux,
// grounded on the IN_* flag choices Watcher.add() used to make here.
var inotifyTable = TranslationTable{
	{native: unix.IN_CREATE | unix.IN_MOVED_TO, generic: Create},
	{native: unix.IN_MODIFY, generic: Write},
	{native: unix.IN_ATTRIB, generic: Attrib},
	{native: unix.IN_DELETE | unix.IN_DELETE_SELF | unix.IN_MOVED_FROM | unix.IN_MOVE_SELF, generic: Delete},
}

// inotifyChangedMask / inotifyCloseWrite are the CHANGE-synthesis bits of
// §4.5 step 4 for the descriptor-keyed backend: a write-family event arms
// the per-file flag, and the subsequent close-for-write consumes it.
const (
	inotifyChangedMask = unix.IN_CREATE | unix.IN_MOVED_TO | unix.IN_MODIFY
	inotifyCloseWrite  = unix.IN_CLOSE_WRITE
)

type inotifyWatch struct {
	wd      uint32
	path    string
	mask    uint32
	recurse bool
}

type inotifyWatches struct {
	mu   sync.RWMutex
	wd   map[uint32]*inotifyWatch
	path map[string]uint32
}

func newInotifyWatches() *inotifyWatches {
	return &inotifyWatches{wd: make(map[uint32]*inotifyWatch), path: make(map[string]uint32)}
}

func (w *inotifyWatches) add(iw *inotifyWatch) {
	w.mu.Lock()
	defer w.mu.Unlock()
	w.wd[iw.wd] = iw
	w.path[iw.path] = iw.wd
}

func (w *inotifyWatches) byWD(wd uint32) *inotifyWatch {
	w.mu.RLock()
	defer w.mu.RUnlock()
	return w.wd[wd]
}

func (w *inotifyWatches) byPath(path string) *inotifyWatch {
	w.mu.RLock()
	defer w.mu.RUnlock()
	return w.wd[w.path[path]]
}

func (w *inotifyWatches) remove(wd uint32) {
	w.mu.Lock()
	defer w.mu.Unlock()
	if iw, ok := w.wd[wd]; ok {
		delete(w.path, iw.path)
		delete(w.wd, wd)
	}
}

func (w *inotifyWatches) rename(from, to string) {
	w.mu.Lock()
	defer w.mu.Unlock()
	for wd, iw := range w.wd {
		if iw.path == from || strings.HasPrefix(iw.path, from+"/") {
			iw.path = to + strings.TrimPrefix(iw.path, from)
			delete(w.path, from)
			w.path[iw.path] = wd
		}
	}
}

// InotifyBackend is the descriptor-keyed Backend for Linux: a single
// inotify instance, with a watch-descriptor to path side table (§4.6).
// Grounded on the Watcher in this file before adaptation.
type InotifyBackend struct {
	fd      int
	file    *os.File
	watches *inotifyWatches
	events  chan NativeEvent
	errors  chan error
	done    chan struct{}
}

func NewInotifyBackend() (*InotifyBackend, error) {
	fd, err := unix.InotifyInit1(unix.IN_CLOEXEC | unix.IN_NONBLOCK)
	if err != nil {
		return nil, fmt.Errorf("inotify_init1: %w", err)
	}
	return &InotifyBackend{
		fd:      fd,
		file:    os.NewFile(uintptr(fd), "inotify"),
		watches: newInotifyWatches(),
		events:  make(chan NativeEvent, 64),
		errors:  make(chan error, 8),
		done:    make(chan struct{}),
	}, nil
}

// NewBackend constructs the platform Backend; on Linux this is always the
// inotify backend.
func NewBackend() (Backend, error) { return NewInotifyBackend() }

func (b *InotifyBackend) Translate() TranslationTable { return inotifyTable }

func (b *InotifyBackend) ChangeBits() (changedMask, closeWrite uint32) {
	return inotifyChangedMask, inotifyCloseWrite
}

// WatchesFilesDirectly: inotify reports IN_CREATE for new entries in a
// watched directory, plain files included, so no directory-sentinel is
// needed at depth 0 to notice them.
func (b *InotifyBackend) WatchesFilesDirectly() bool { return false }
func (b *InotifyBackend) Events() <-chan NativeEvent  { return b.events }
func (b *InotifyBackend) Errors() <-chan error         { return b.errors }

func (b *InotifyBackend) Watch(path string, mask uint32, recurse bool) error {
	if existing := b.watches.byPath(path); existing != nil {
		mask |= existing.mask | unix.IN_MASK_ADD
	}
	wd, err := internal.IgnoringEINTR(func() (int, error) {
		return unix.InotifyAddWatch(b.fd, path, mask)
	})
	if err != nil {
		return fmt.Errorf("inotify_add_watch %s: %w", path, err)
	}
	b.watches.add(&inotifyWatch{wd: uint32(wd), path: path, mask: mask, recurse: recurse})
	return nil
}

func (b *InotifyBackend) Unwatch(path string) error {
	iw := b.watches.byPath(path)
	if iw == nil {
		return nil
	}
	b.watches.remove(iw.wd)
	_, err := unix.InotifyRmWatch(b.fd, iw.wd)
	if errors.Is(err, unix.EINVAL) {
		return nil // already invalidated by the kernel on delete
	}
	return err
}

func (b *InotifyBackend) Close() error {
	select {
	case <-b.done:
	default:
		close(b.done)
	}
	return b.file.Close()
}

func (b *InotifyBackend) isClosed() bool {
	select {
	case <-b.done:
		return true
	default:
		return false
	}
}

// Run reads and decodes inotify_event records until the backend is closed
// or ctx is canceled, mirroring readEvents() before adaptation.
func (b *InotifyBackend) Run(ctx context.Context) error {
	go func() {
		<-ctx.Done()
		b.Close()
	}()
	defer close(b.events)
	defer close(b.errors)

	var buf [unix.SizeofInotifyEvent * 4096]byte
	for {
		if b.isClosed() {
			return nil
		}
		n, err := b.file.Read(buf[:])
		if err != nil {
			if b.isClosed() || errors.Is(err, os.ErrClosed) {
				return nil
			}
			select {
			case b.errors <- fmt.Errorf("inotify read: %w", err):
			case <-b.done:
				return nil
			}
			continue
		}
		if n < unix.SizeofInotifyEvent {
			continue
		}
		if !b.decode(buf[:n]) {
			return nil
		}
	}
}

// decode walks one read()'s worth of inotify_event records, returning false
// if the backend was closed while delivering them.
func (b *InotifyBackend) decode(buf []byte) bool {
	var offset uint32
	for offset <= uint32(len(buf))-unix.SizeofInotifyEvent {
		raw := (*unix.InotifyEvent)(unsafe.Pointer(&buf[offset]))
		mask := uint32(raw.Mask)
		nameLen := uint32(raw.Len)
		next := func() { offset += unix.SizeofInotifyEvent + nameLen }

		if mask&unix.IN_Q_OVERFLOW != 0 {
			select {
			case b.errors <- fmt.Errorf("inotify: event queue overflowed"):
			case <-b.done:
				return false
			}
			next()
			continue
		}

		watch := b.watches.byWD(uint32(raw.Wd))
		var name string
		if watch != nil {
			name = watch.path
		}
		if nameLen > 0 {
			bytes := (*[unix.PathMax]byte)(unsafe.Pointer(&buf[offset+unix.SizeofInotifyEvent]))[:nameLen:nameLen]
			name = filepath.Join(name, strings.TrimRight(string(bytes), "\x00"))
		}

		if mask&unix.IN_IGNORED != 0 {
			if watch != nil {
				b.watches.remove(watch.wd)
			}
			next()
			continue
		}
		if watch != nil && mask&unix.IN_DELETE_SELF != 0 {
			b.watches.remove(watch.wd)
		}
		if watch != nil && watch.recurse && mask&unix.IN_MOVE_SELF != 0 {
			// Recursive subtrees keep their kernel watch across a move of
			// the watched directory; the event is dropped and the path
			// recorded for the watch is left unchanged.
			next()
			continue
		}

		var watchPath string
		if watch != nil {
			watchPath = watch.path
		}
		select {
		case b.events <- NativeEvent{Watch: watchPath, Path: name, Native: mask, Cookie: raw.Cookie}:
		case <-b.done:
			return false
		}

		// A new subdirectory's own kernel watch is installed by the
		// runtime's directory-sentinel handler, which reacts to this same
		// CREATE event after the Store's pattern/depth gate (runtime.go's
		// onChildCreate/watchSubdirs) — not here, unconditionally.
		next()
	}
	return true
}
