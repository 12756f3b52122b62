package direvent

import "testing"

func TestHandlerListAppendIterate(t *testing.T) {
	l := NewHandlerList()
	h1 := &Handler{}
	h2 := &Handler{}
	l = l.Append(h1)
	l = l.Append(h2)

	it := l.Iterate()
	defer it.Close()
	var got []*Handler
	for it.Next() {
		got = append(got, it.Handler())
	}
	if len(got) != 2 || got[0] != h1 || got[1] != h2 {
		t.Fatalf("got %v, want [h1 h2]", got)
	}
}

// TestHandlerListRemoveDuringIteration verifies that an entry removed while
// it is still ahead of the iterator's cursor is never visited, and that its
// removal does not cause the entry after it to be skipped (§4.3 invariants).
func TestHandlerListRemoveDuringIteration(t *testing.T) {
	l := NewHandlerList()
	h1 := &Handler{}
	h2 := &Handler{}
	h3 := &Handler{}
	l = l.Append(h1)
	l = l.Append(h2)
	l = l.Append(h3)

	it := l.Iterate()
	defer it.Close()

	if !it.Next() || it.Handler() != h1 {
		t.Fatalf("first Next did not yield h1")
	}

	// The cursor sits on h1; remove h2, the entry after it. Next must skip
	// h2 and land on h3 without skipping h3.
	l = l.Remove(h2)

	if !it.Next() || it.Handler() != h3 {
		t.Fatalf("Next after removing current entry did not yield h3")
	}
	if it.Next() {
		t.Fatalf("iterator unexpectedly produced a fourth entry")
	}
}

func TestHandlerListAppendAfterIterateNotVisited(t *testing.T) {
	l := NewHandlerList()
	h1 := &Handler{}
	l = l.Append(h1)

	it := l.Iterate()
	defer it.Close()

	h2 := &Handler{}
	l = l.Append(h2)

	var got []*Handler
	for it.Next() {
		got = append(got, it.Handler())
	}
	if len(got) != 1 || got[0] != h1 {
		t.Fatalf("got %v, want [h1]; append after Iterate must not be visited", got)
	}
}

func TestHandlerListShareCOW(t *testing.T) {
	base := NewHandlerList()
	h1 := &Handler{}
	base = base.Append(h1)

	shared := base.Share()
	if shared != base {
		t.Fatalf("Share must return the same list, not a copy")
	}

	h2 := &Handler{}
	mutated := base.Append(h2)
	if mutated == shared {
		t.Fatalf("Append on a shared list must clone, not mutate in place")
	}
	if shared.Len() != 1 {
		t.Fatalf("shared list's Len changed after a sibling's Append: got %d, want 1", shared.Len())
	}
	if mutated.Len() != 2 {
		t.Fatalf("mutated list Len = %d, want 2", mutated.Len())
	}
}

func TestHandlerListRemoveSoleEntryLeavesEmpty(t *testing.T) {
	l := NewHandlerList()
	h1 := &Handler{}
	l = l.Append(h1)
	l = l.Remove(h1)
	if l.Len() != 0 {
		t.Fatalf("Len after removing sole entry = %d, want 0", l.Len())
	}
}
