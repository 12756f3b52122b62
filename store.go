package direvent

// Store is the watchpoint hash table of §4.4: a by-path index the runtime
// consults on configuration and sentinel reinstatement, and a by-wd index
// the dispatch loop consults to resolve an incoming native event to its
// watchpoint in O(1). Neither Go backend exposes a real numeric watch
// descriptor, so the "wd" here is the watched pathname itself; the two
// indexes are kept distinct (rather than collapsed into one) because a
// watchpoint can exist in byPath — as a sentinel placeholder — before it
// ever has a live backend registration to key byWD on.
type Store struct {
	byPath map[string]*Watchpoint
	byWD   map[string]*Watchpoint
	gc     []*Watchpoint
}

func NewStore() *Store {
	return &Store{
		byPath: make(map[string]*Watchpoint),
		byWD:   make(map[string]*Watchpoint),
	}
}

// Install is lookup-or-insert with copy-in-place (§4.4): an existing
// watchpoint is returned with an extra reference for the caller; a new one
// is created uninstalled, with an empty handler list, and likewise given an
// extra reference for the caller (refcnt=2: one for the store, one for the
// caller's handle).
func (s *Store) Install(path string) (wp *Watchpoint, created bool) {
	if wp, ok := s.byPath[path]; ok {
		wp.Ref()
		return wp, false
	}
	wp = newWatchpoint(path)
	wp.Handlers = NewHandlerList()
	wp.Ref()
	s.byPath[path] = wp
	return wp, true
}

// Lookup is the read-only by-path query.
func (s *Store) Lookup(path string) *Watchpoint { return s.byPath[path] }

// ByWD resolves a backend handle (a watched pathname) to its watchpoint, or
// nil if unknown — the dispatch loop's step 1 "absent" case (§4.5).
func (s *Store) ByWD(wd string) *Watchpoint {
	if wd == UninstalledWD {
		return nil
	}
	return s.byWD[wd]
}

// BindWD records the backend handle assigned to wp on successful attach.
func (s *Store) BindWD(wp *Watchpoint, wd string) {
	if wp.WD != UninstalledWD {
		delete(s.byWD, wp.WD)
	}
	wp.WD = wd
	if wd != UninstalledWD {
		s.byWD[wd] = wp
	}
}

// UnbindWD clears wp's backend handle, e.g. before suspending it.
func (s *Store) UnbindWD(wp *Watchpoint) {
	if wp.WD != UninstalledWD {
		delete(s.byWD, wp.WD)
		wp.WD = UninstalledWD
	}
}

// Remove drops the store's own reference to the watchpoint at path,
// deleting the map entry; it does not touch the backend or the handler
// list, which destroy (runtime.go) is responsible for releasing first.
func (s *Store) Remove(path string) {
	wp, ok := s.byPath[path]
	if !ok {
		return
	}
	s.UnbindWD(wp)
	delete(s.byPath, path)
	wp.Unref()
}

// Foreach visits every watchpoint currently in the store. Per §4.4 the two
// callers (setup, shutdown) never mutate the set while iterating, so a
// plain map range is safe.
func (s *Store) Foreach(visitor func(*Watchpoint) error) error {
	for _, wp := range s.byPath {
		if err := visitor(wp); err != nil {
			return err
		}
	}
	return nil
}

// Empty reports whether the store holds no watchpoints, the condition that
// triggers global stop in suspend (§4.5).
func (s *Store) Empty() bool { return len(s.byPath) == 0 }

// QueueGC defers freeing wp until the current dispatch step has finished,
// since handlers invoked earlier in the same step may still hold a
// transient reference to it (§4.4).
func (s *Store) QueueGC(wp *Watchpoint) {
	s.gc = append(s.gc, wp)
}

// DrainGC runs at the end of each main-loop iteration, releasing every
// watchpoint queued since the last drain.
func (s *Store) DrainGC() {
	gc := s.gc
	s.gc = nil
	for _, wp := range gc {
		if wp.Handlers != nil {
			wp.Handlers.Release()
			wp.Handlers = nil
		}
		if wp.Parent != nil {
			wp.Parent.Unref()
			wp.Parent = nil
		}
	}
}
