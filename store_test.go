package direvent

import "testing"

func TestStoreInstallLookupOrInsert(t *testing.T) {
	s := NewStore()
	wp1, created1 := s.Install("/tmp/a")
	if !created1 {
		t.Fatalf("first Install of a path must report created=true")
	}
	wp2, created2 := s.Install("/tmp/a")
	if created2 {
		t.Fatalf("second Install of the same path must report created=false")
	}
	if wp1 != wp2 {
		t.Fatalf("Install must return the same watchpoint for the same path")
	}
	if got := s.Lookup("/tmp/a"); got != wp1 {
		t.Fatalf("Lookup returned a different watchpoint than Install")
	}
}

func TestStoreBindUnbindWD(t *testing.T) {
	s := NewStore()
	wp, _ := s.Install("/tmp/a")
	s.BindWD(wp, "/tmp/a")
	if got := s.ByWD("/tmp/a"); got != wp {
		t.Fatalf("ByWD(/tmp/a) = %v, want wp", got)
	}
	s.UnbindWD(wp)
	if got := s.ByWD("/tmp/a"); got != nil {
		t.Fatalf("ByWD(/tmp/a) after UnbindWD = %v, want nil", got)
	}
	if wp.WD != UninstalledWD {
		t.Fatalf("wp.WD after UnbindWD = %q, want UninstalledWD", wp.WD)
	}
}

func TestStoreByWDUninstalledIsNil(t *testing.T) {
	s := NewStore()
	if got := s.ByWD(UninstalledWD); got != nil {
		t.Fatalf("ByWD(UninstalledWD) must always be nil")
	}
}

func TestStoreRemoveAndEmpty(t *testing.T) {
	s := NewStore()
	if !s.Empty() {
		t.Fatalf("a fresh store must be Empty")
	}
	s.Install("/tmp/a")
	if s.Empty() {
		t.Fatalf("store with one watchpoint must not be Empty")
	}
	s.Remove("/tmp/a")
	if !s.Empty() {
		t.Fatalf("store must be Empty again after removing its only watchpoint")
	}
	if got := s.Lookup("/tmp/a"); got != nil {
		t.Fatalf("Lookup after Remove = %v, want nil", got)
	}
}

func TestStoreForeachVisitsAll(t *testing.T) {
	s := NewStore()
	s.Install("/tmp/a")
	s.Install("/tmp/b")
	seen := map[string]bool{}
	err := s.Foreach(func(wp *Watchpoint) error {
		seen[wp.Dirname] = true
		return nil
	})
	if err != nil {
		t.Fatalf("Foreach returned %v", err)
	}
	if !seen["/tmp/a"] || !seen["/tmp/b"] {
		t.Fatalf("Foreach did not visit both watchpoints: %v", seen)
	}
}

func TestStoreGCDrain(t *testing.T) {
	s := NewStore()
	wp, _ := s.Install("/tmp/a")
	parent, _ := s.Install("/tmp/parent")
	parent.Ref()
	wp.Parent = parent
	wp.Handlers = NewHandlerList()

	s.QueueGC(wp)
	s.DrainGC()

	if wp.Handlers != nil {
		t.Fatalf("DrainGC must release and clear Handlers")
	}
	if wp.Parent != nil {
		t.Fatalf("DrainGC must clear Parent after unref")
	}
}
