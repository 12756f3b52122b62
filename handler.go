package direvent

import "github.com/gnu-mirror-unofficial/direvent/internal/pattern"

// Handler is a subscription on a watchpoint: an event mask, a filename
// filter, and an action. It is immutable after construction (§3).
type Handler struct {
	Mask         Op
	Patterns     pattern.List
	NotifyAlways bool
	Run          func(wp *Watchpoint, name string, mask Op) error
	sentinel     bool // internal sentinel handlers are never user-visible
}

// Matches reports whether the handler's mask and filename patterns accept
// this delivery (§4.5 step 7: "no patterns ⇒ always matches").
func (h *Handler) Matches(mask Op, name string) bool {
	if h.Mask&mask == 0 && !h.NotifyAlways {
		return false
	}
	return h.Patterns.Match(name)
}
