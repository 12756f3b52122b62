package direvent

// HandlerList is a copy-on-write list of handlers with live iterators that
// remain valid across concurrent mutation (§4.3). It is shared by several
// watchpoints (a directory watchpoint and the subtree members created under
// it inherit the same list); Share bumps the reference count and mutation
// clones the list once more than one owner holds it.
type HandlerList struct {
	refcnt    int
	entries   []*handlerEntry
	iterators []*HandlerIterator
}

type handlerEntry struct {
	h       *Handler
	removed bool
}

func NewHandlerList() *HandlerList { return &HandlerList{refcnt: 1} }

// Share returns l with its reference count incremented, for a second owner.
func (l *HandlerList) Share() *HandlerList {
	l.refcnt++
	return l
}

// Release drops one reference; callers that stop holding l (e.g. a
// watchpoint being destroyed) must call this.
func (l *HandlerList) Release() {
	if l.refcnt > 0 {
		l.refcnt--
	}
}

// Len reports the number of live (non-removed) entries.
func (l *HandlerList) Len() int {
	n := 0
	for _, e := range l.entries {
		if !e.removed {
			n++
		}
	}
	return n
}

func (l *HandlerList) clone() *HandlerList {
	entries := make([]*handlerEntry, 0, len(l.entries))
	for _, e := range l.entries {
		if !e.removed {
			entries = append(entries, &handlerEntry{h: e.h})
		}
	}
	return &HandlerList{refcnt: 1, entries: entries}
}

// cow returns a list safe for the caller to mutate in place: itself if it is
// the sole owner, or a fresh clone (with the caller's share released)
// otherwise. The caller must store the returned list back into whatever
// held the receiver.
func (l *HandlerList) cow() *HandlerList {
	if l.refcnt <= 1 {
		return l
	}
	clone := l.clone()
	l.Release()
	return clone
}

// Append adds h to the list, returning the (possibly cloned) list the
// caller must retain.
func (l *HandlerList) Append(h *Handler) *HandlerList {
	target := l.cow()
	target.entries = append(target.entries, &handlerEntry{h: h})
	return target
}

// Remove drops the first live entry equal to h by identity, returning the
// (possibly cloned) list the caller must retain.
func (l *HandlerList) Remove(h *Handler) *HandlerList {
	target := l.cow()
	for i, e := range target.entries {
		if e.h == h && !e.removed {
			target.markRemoved(i)
			break
		}
	}
	return target
}

// markRemoved flags entries[pos] removed and advances any live iterator
// whose cursor sits on it, so the iterator's next Next() call lands on the
// following live entry without skipping or re-visiting pos.
func (l *HandlerList) markRemoved(pos int) {
	l.entries[pos].removed = true
	for _, it := range l.iterators {
		if it.idx == pos {
			it.idx++
			it.skip = true
		}
	}
}

// HandlerIterator walks a HandlerList's live entries as of the moment
// Iterate was called: entries appended afterward are not visited, entries
// removed during iteration are skipped without disturbing the iterator's
// position (§4.3).
type HandlerIterator struct {
	list  *HandlerList
	idx   int
	limit int
	skip  bool
}

// Iterate starts a live iterator over l's current entries.
func (l *HandlerList) Iterate() *HandlerIterator {
	it := &HandlerIterator{list: l, idx: -1, limit: len(l.entries)}
	l.iterators = append(l.iterators, it)
	return it
}

// Next advances the iterator and reports whether a live entry was reached.
func (it *HandlerIterator) Next() bool {
	if it.skip {
		it.skip = false
	} else {
		it.idx++
	}
	for it.idx < it.limit && it.list.entries[it.idx].removed {
		it.idx++
	}
	return it.idx < it.limit
}

// Handler returns the entry at the iterator's current position. Valid only
// after a Next call that returned true.
func (it *HandlerIterator) Handler() *Handler { return it.list.entries[it.idx].h }

// Close releases the iterator's slot in the list's iterator chain; freed
// iterators are simply dropped (Go's allocator is the reuse pool).
func (it *HandlerIterator) Close() {
	for i, o := range it.list.iterators {
		if o == it {
			it.list.iterators = append(it.list.iterators[:i], it.list.iterators[i+1:]...)
			return
		}
	}
}
