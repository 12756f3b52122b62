package direvent

import (
	"time"

	"github.com/hashicorp/golang-lru/v2/expirable"
)

// UninstalledWD is the sentinel backend-handle value meaning "not yet
// attached to the backend" (§3 "wd: backend-assigned handle, or the
// sentinel uninstalled value"). Neither Go backend hands back a real
// numeric descriptor through NativeEvent, so the "handle" here is just the
// watched pathname itself — the same string Store.byPath already indexes
// by.
const UninstalledWD = ""

// RecentTTL is how long a name survives in a watchpoint's recent-creation
// cache (§3).
const RecentTTL = time.Second

// Watchpoint is the central entity of the watcher runtime: a watched
// filesystem location, its backend registration, its handlers, and the
// bookkeeping needed to synthesize CHANGE and to suppress duplicate CREATE
// deliveries across the sentinel-to-install transition (§3).
type Watchpoint struct {
	Dirname string
	WD      string
	IsDir   bool
	Depth   int
	Parent  *Watchpoint

	Handlers *HandlerList
	recent   *expirable.LRU[string, struct{}]

	// FileCtime is a last-observed directory change time for the
	// fd-per-watch backend. Nothing sets or reads it: the kqueue backend
	// detects newly appeared files by diffing directory listings instead.
	FileCtime time.Time

	// changedFiles / changedSelf track the CHANGE-synthesis flag (§4.5
	// step 4): a descriptor-keyed backend (inotify) keys by filename
	// within the directory, an fd-per-watch backend (kqueue) has exactly
	// one fd per watchpoint and so uses a single flag.
	changedFiles map[string]bool
	changedSelf  bool

	refcnt int
}

// newWatchpoint creates an uninstalled watchpoint for path, refcnt 1 (the
// store's own reference), matching store.install's insert case (§4.4).
func newWatchpoint(path string) *Watchpoint {
	return &Watchpoint{
		Dirname: path,
		WD:      UninstalledWD,
		Depth:   0,
		refcnt:  1,
	}
}

func (wp *Watchpoint) Installed() bool { return wp.WD != UninstalledWD }

func (wp *Watchpoint) Ref()   { wp.refcnt++ }
func (wp *Watchpoint) Unref() int {
	wp.refcnt--
	return wp.refcnt
}

// ensureRecent lazily creates the recent-creation cache (§3), sized small
// since it only needs to cover the sentinel-to-install transition window.
func (wp *Watchpoint) ensureRecent() {
	if wp.recent == nil {
		wp.recent = expirable.NewLRU[string, struct{}](64, nil, RecentTTL)
	}
}

// RecentSeen reports whether name was already recorded as freshly created,
// per the duplicate-suppression rule in §4.5 step 6.
func (wp *Watchpoint) RecentSeen(name string) bool {
	if wp.recent == nil {
		return false
	}
	_, ok := wp.recent.Get(name)
	return ok
}

// MarkRecent records name as freshly created.
func (wp *Watchpoint) MarkRecent(name string) {
	wp.ensureRecent()
	wp.recent.Add(name, struct{}{})
}

// MarkChanged sets the CHANGE-synthesis flag for name (descriptor-keyed
// backend) or for the watchpoint itself when name is empty (fd-per-watch
// backend), per §4.5 step 4.
func (wp *Watchpoint) MarkChanged(name string) {
	if name == "" {
		wp.changedSelf = true
		return
	}
	if wp.changedFiles == nil {
		wp.changedFiles = make(map[string]bool)
	}
	wp.changedFiles[name] = true
}

// TakeChanged clears and returns the CHANGE-synthesis flag for name (or the
// watchpoint itself when name is empty), per §4.5 step 4's CLOSE_WRITE
// handling.
func (wp *Watchpoint) TakeChanged(name string) bool {
	if name == "" {
		was := wp.changedSelf
		wp.changedSelf = false
		return was
	}
	if wp.changedFiles == nil {
		return false
	}
	was := wp.changedFiles[name]
	delete(wp.changedFiles, name)
	return was
}
