package direvent

import "context"

// NativeEvent is one raw notification read off the kernel backend.
type NativeEvent struct {
	// Watch is the path that was passed to Backend.Watch — the key the
	// runtime resolves back to a Watchpoint.
	Watch string
	// Path is the path the event actually concerns: equal to Watch for a
	// self-event, or Watch plus a child name for one naming an entry inside
	// a watched directory.
	Path string
	// Native carries the raw backend-specific bits for translation and
	// diagnostics; it is meaningless when Synthetic is non-zero.
	Native uint32
	// Synthetic is set by a backend that has already resolved an event to
	// a generic op itself, bypassing native translation — the fd-per-watch
	// backend's directory-rescan CREATE detection has no native bit to
	// translate (§4.1).
	Synthetic Op
	// Cookie is the rename-pairing cookie; zero when not applicable.
	Cookie uint32
}

// Backend is the per-platform translation of kernel filesystem
// notifications into NativeEvents, per §4.6. Linux implements it over
// inotify (one descriptor, watch-descriptor keyed), the BSDs and macOS over
// kqueue (one descriptor per watched path, with directory-rescan-driven
// CREATE synthesis).
type Backend interface {
	// Watch starts receiving native events for path. mask is expressed in
	// backend-native bits, obtained from Translate.GenericToNative.
	Watch(path string, mask uint32, recurse bool) error
	// Unwatch stops receiving events for path.
	Unwatch(path string) error
	// Events returns the channel native events are delivered on.
	Events() <-chan NativeEvent
	// Errors returns the channel backend-level errors are delivered on.
	Errors() <-chan error
	// Run pumps the backend's native event source until ctx is canceled.
	Run(ctx context.Context) error
	// Close releases the backend's underlying descriptor(s).
	Close() error
	// Translate is the generic<->native bit translation table this backend
	// uses (§4.6's "same table walked in both directions").
	Translate() TranslationTable
	// ChangeBits returns the backend's CHANGED_MASK and CLOSE_WRITE native
	// bits for CHANGE synthesis (§4.5 step 4). closeWrite is 0 for backends
	// with no distinct close notification, meaning CHANGE synthesizes as
	// soon as changedMask fires rather than waiting for a later close.
	ChangeBits() (changedMask, closeWrite uint32)
	// WatchesFilesDirectly reports whether this backend has no native
	// directory-entry-add notification of its own and so needs a
	// directory-sentinel even at depth 0 to notice new plain files (true
	// for the fd-per-watch/kqueue backend; false for the descriptor-keyed
	// inotify backend, which gets IN_CREATE directly).
	WatchesFilesDirectly() bool
}
