package direvent

import (
	"fmt"
	"os"
	"path/filepath"

	"github.com/gnu-mirror-unofficial/direvent/internal/diag"
	"github.com/gnu-mirror-unofficial/direvent/internal/pattern"
)

// Runtime ties a Backend and a Store together and implements §4.5: install,
// the sentinel mechanism, subtree scanning, and the per-event dispatch
// loop.
type Runtime struct {
	backend Backend
	store   *Store
	sink    *diag.Sink

	// changedMask / closeWrite are the backend-specific bits CHANGE
	// synthesis (dispatch step 4) consults; NewRuntime reads them from the
	// backend's ChangeBits.
	changedMask uint32
	closeWrite  uint32

	stopped bool
}

func NewRuntime(b Backend, sink *diag.Sink) *Runtime {
	r := &Runtime{backend: b, store: NewStore(), sink: sink}
	r.changedMask, r.closeWrite = b.ChangeBits()
	return r
}

func (r *Runtime) Stopped() bool { return r.stopped }

// Store exposes the watchpoint store for configuration-time setup and
// shutdown iteration (§4.4's "setup"/"shutdown" callers).
func (r *Runtime) Store() *Store { return r.store }

// AddHandler appends h to wp's handler list through the COW entry point.
func (r *Runtime) AddHandler(wp *Watchpoint, h *Handler) {
	if wp.Handlers == nil {
		wp.Handlers = NewHandlerList()
	}
	wp.Handlers = wp.Handlers.Append(h)
}

// Shutdown walks the store releasing every backend registration, per §5
// "shutdown_watchers".
func (r *Runtime) Shutdown() {
	_ = r.store.Foreach(func(wp *Watchpoint) error {
		if wp.Installed() {
			_ = r.backend.Unwatch(wp.Dirname)
		}
		return nil
	})
}

// Install is watchpoint_init (§4.5 "Installation"): if dirname does not
// exist, a sentinel is installed on the parent and Install still returns
// success; otherwise the watchpoint is stat'd, its handlers' mask union is
// computed, and the backend is asked to attach.
func (r *Runtime) Install(wp *Watchpoint) error {
	fi, err := os.Stat(wp.Dirname)
	if err != nil {
		if os.IsNotExist(err) {
			return r.installSentinel(wp)
		}
		return fmt.Errorf("direvent: stat %s: %w", wp.Dirname, err)
	}
	wp.IsDir = fi.IsDir()

	mask := r.handlerMaskUnion(wp)
	native := r.backend.Translate().GenericToNative(mask) | r.changedMask | r.closeWrite
	recurse := wp.IsDir && wp.Depth > 0
	if err := r.backend.Watch(wp.Dirname, native, recurse); err != nil {
		return fmt.Errorf("direvent: watch %s: %w", wp.Dirname, err)
	}
	// Neither Go backend exposes a numeric handle to the caller, so the
	// store's by-wd index is keyed directly on the pathname the backend
	// itself was asked to watch.
	r.store.BindWD(wp, wp.Dirname)

	if wp.IsDir {
		if err := r.installDirectorySentinel(wp); err != nil {
			return err
		}
		return r.watchSubdirs(wp, true)
	}
	return nil
}

func (r *Runtime) handlerMaskUnion(wp *Watchpoint) Op {
	var mask Op
	if wp.Handlers == nil {
		return 0
	}
	it := wp.Handlers.Iterate()
	defer it.Close()
	for it.Next() {
		mask |= it.Handler().Mask
	}
	return mask
}

// installSentinel attaches a sentinel handler (§4.5 "Sentinel mechanism")
// to the parent directory of wp.Dirname, watching for CREATE of the
// missing base name.
func (r *Runtime) installSentinel(wp *Watchpoint) error {
	parentPath := filepath.Dir(wp.Dirname)
	name := filepath.Base(wp.Dirname)

	parent, created := r.store.Install(parentPath)
	if created {
		parent.Handlers = NewHandlerList()
		if err := r.Install(parent); err != nil {
			r.store.Remove(parentPath)
			return err
		}
	}
	wp.Parent = parent
	parent.Ref()

	h := &Handler{
		Mask:     Create,
		Patterns: pattern.List{mustExact(name)},
		sentinel: true,
	}
	h.Run = func(_ *Watchpoint, firedName string, _ Op) error {
		if err := r.Install(wp); err != nil {
			r.sink.Diag(diag.Err, "reinstating %s: %v", wp.Dirname, err)
			return err
		}
		r.deliverSynthetic(wp, "", Create)
		parent.Handlers = parent.Handlers.Remove(h)
		if parent.Handlers.Len() == 0 {
			r.store.QueueGC(parent)
		}
		_ = firedName
		return nil
	}
	parent.Handlers = parent.Handlers.Append(h)
	return nil
}

// installDirectorySentinel attaches the directory-sentinel (§4.5) to wp: it
// fires on any CREATE under wp, stats the new name, and installs a subtree
// watchpoint when the name qualifies (directory, or regular file within
// depth budget on a backend that watches files directly).
func (r *Runtime) installDirectorySentinel(wp *Watchpoint) error {
	if wp.Depth <= 0 && !r.backend.WatchesFilesDirectly() {
		return nil
	}
	h := &Handler{
		Mask:         Create,
		NotifyAlways: true,
		sentinel:     true,
	}
	h.Run = func(_ *Watchpoint, name string, _ Op) error {
		return r.onChildCreate(wp, name)
	}
	wp.Handlers = wp.Handlers.Append(h)
	return nil
}

func (r *Runtime) onChildCreate(parent *Watchpoint, name string) error {
	if parent.RecentSeen(name) {
		return nil
	}
	parent.MarkRecent(name)

	childPath := filepath.Join(parent.Dirname, name)
	fi, err := os.Lstat(childPath)
	if err != nil {
		return nil
	}
	if !handlerPatternUnion(parent).Match(name) {
		return nil
	}
	if !fi.IsDir() && (parent.Depth <= 0 || !r.backend.WatchesFilesDirectly()) {
		return nil
	}

	child, created := r.store.Install(childPath)
	if !created {
		return nil
	}
	child.Handlers = parent.Handlers.Share()
	child.Parent = parent
	parent.Ref()
	if fi.IsDir() {
		child.Depth = parent.Depth - 1
		if child.Depth < 0 {
			child.Depth = 0
		}
	}
	return r.Install(child)
}

func handlerPatternUnion(wp *Watchpoint) pattern.List {
	if wp.Handlers == nil {
		return nil
	}
	var all pattern.List
	it := wp.Handlers.Iterate()
	defer it.Close()
	for it.Next() {
		all = append(all, it.Handler().Patterns...)
	}
	return all
}

// watchSubdirs is §4.5 "Subtree scanning": open parent.Dirname, iterate its
// entries, and for each eligible one deliver (or directly install) a
// synthetic create — short-circuited by the recent-creation cache.
func (r *Runtime) watchSubdirs(parent *Watchpoint, notify bool) error {
	entries, err := os.ReadDir(parent.Dirname)
	if err != nil {
		return fmt.Errorf("direvent: readdir %s: %w", parent.Dirname, err)
	}
	patterns := handlerPatternUnion(parent)
	for _, e := range entries {
		name := e.Name()
		if name == "." || name == ".." {
			continue
		}
		if len(patterns) > 0 && !patterns.Match(name) {
			continue
		}
		if parent.RecentSeen(name) {
			continue
		}
		if err := r.deliverEvCreate(parent, name, notify); err != nil {
			r.sink.Diag(diag.Warning, "scanning %s: %v", parent.Dirname, err)
		}
	}
	return nil
}

func (r *Runtime) deliverEvCreate(parent *Watchpoint, name string, notify bool) error {
	if notify {
		r.deliverSynthetic(parent, name, Create)
	}
	return r.onChildCreate(parent, name)
}

// deliverSynthetic notifies only the operator-configured handlers on wp
// (internal sentinels are skipped), for the explicit synthetic-CREATE
// deliveries of §4.5 ("delivers a synthetic CREATE to the original
// handlers", subtree scanning's notify argument).
func (r *Runtime) deliverSynthetic(wp *Watchpoint, name string, mask Op) {
	r.runHandlers(wp, name, mask, true)
}

// dispatchHandlers runs every handler on wp's list that matches, sentinels
// included — sentinels are ordinary entries in the handler list per §4.5
// step 7, which draws no distinction between them and operator-configured
// ones.
func (r *Runtime) dispatchHandlers(wp *Watchpoint, name string, mask Op) {
	r.runHandlers(wp, name, mask, false)
}

func (r *Runtime) runHandlers(wp *Watchpoint, name string, mask Op, skipSentinel bool) {
	if wp.Handlers == nil {
		return
	}
	it := wp.Handlers.Iterate()
	defer it.Close()
	for it.Next() {
		h := it.Handler()
		if skipSentinel && h.sentinel {
			continue
		}
		if !h.Matches(mask, name) {
			continue
		}
		if err := h.Run(wp, name, mask); err != nil {
			r.sink.Diag(diag.Err, "handler for %s: %v", wp.Dirname, err)
		}
	}
}

// Dispatch implements the 8-step per-event algorithm of §4.5.
func (r *Runtime) Dispatch(ev NativeEvent) {
	wp := r.store.ByWD(ev.Watch)
	if wp == nil {
		r.sink.Diag(diag.Debug, "event for unknown watch %s dropped", ev.Watch)
		return
	}

	name, isChild := splitChild(ev.Watch, ev.Path)

	var gen Op
	if ev.Synthetic != 0 {
		gen = ev.Synthetic
	} else {
		gen = r.backend.Translate().NativeToGeneric(ev.Native)
	}

	// Step 2: the watched target itself was deleted or moved away, so its
	// watch is gone; suspend the watchpoint instead of dispatching.
	if !isChild && gen&Delete != 0 {
		r.Suspend(wp)
		return
	}

	// CHANGE synthesis (§4.5 step 4): CHANGED_MASK arms the per-file flag;
	// a backend with a distinct close-for-write notification (inotify)
	// waits for it to consume the flag and suppresses the bare close when
	// the flag was never armed, while a backend without one (kqueue)
	// synthesizes CHANGE as soon as the flag is armed.
	if ev.Native&r.changedMask != 0 {
		wp.MarkChanged(name)
		if r.closeWrite == 0 && wp.TakeChanged(name) {
			gen |= Change
		}
	}
	if r.closeWrite != 0 && ev.Native&r.closeWrite != 0 {
		if wp.TakeChanged(name) {
			gen |= Change
		} else {
			return
		}
	}

	// Step 5: a directory's own write/attrib notifications (as opposed to
	// notifications naming one of its children) are not meaningful to
	// handlers and are suppressed outright; watch-removal already went
	// through step 2 above.
	if !isChild && wp.IsDir {
		return
	}

	if gen&Create != 0 && isChild {
		if wp.RecentSeen(name) {
			gen &^= Create
			if gen == 0 {
				return
			}
		}
	}

	r.dispatchHandlers(wp, name, gen)

	if gen&Delete != 0 && isChild {
		if child := r.store.Lookup(filepath.Join(wp.Dirname, name)); child != nil {
			r.Suspend(child)
		}
	}
}

func splitChild(watchPath, path string) (name string, isChild bool) {
	if path == watchPath {
		return "", false
	}
	return filepath.Base(path), true
}

// WatchRemoved handles the backend's "watch removed"/unmounted signal for
// the watched path wd (§4.5 step 2).
func (r *Runtime) WatchRemoved(wd string) {
	if wp := r.store.ByWD(wd); wp != nil {
		r.Suspend(wp)
	}
}

// Suspend is §4.5 "Suspend and destroy": if wp was top-level and its path
// had existed, reinstall a sentinel on the parent, then destroy it.
func (r *Runtime) Suspend(wp *Watchpoint) {
	reinstate := wp.Parent == nil && wp.Installed()
	var handlers *HandlerList
	path := wp.Dirname
	if reinstate && wp.Handlers != nil {
		// Transfer wp's handler-list reference to the new top-level
		// placeholder: Share now, balanced by destroy's eventual
		// GC-deferred Release of wp's own reference.
		handlers = wp.Handlers.Share()
	}
	r.destroy(wp)
	if reinstate {
		top := newWatchpoint(path)
		top.Handlers = handlers
		r.store.byPath[path] = top
		if err := r.installSentinel(top); err != nil {
			r.sink.Diag(diag.Err, "reinstalling sentinel for %s: %v", path, err)
		}
	}
	if r.store.Empty() {
		r.stopped = true
	}
}

// destroy releases wp's backend watch and handler list and removes it from
// the store, deferring the final free to the GC list (§4.4) since a
// handler earlier in this dispatch step may still be holding wp.
func (r *Runtime) destroy(wp *Watchpoint) {
	if wp.Installed() {
		_ = r.backend.Unwatch(wp.Dirname)
		r.store.UnbindWD(wp)
	}
	delete(r.store.byPath, wp.Dirname)
	wp.Unref()
	r.store.QueueGC(wp)
}

// Tick drains the GC list; call once per main-loop iteration (§4.4).
func (r *Runtime) Tick() { r.store.DrainGC() }

func mustExact(name string) pattern.Pattern {
	p, err := pattern.New(pattern.Exact, name, false)
	if err != nil {
		panic(err)
	}
	return p
}
