package envop

import (
	"reflect"
	"sort"
	"testing"
)

func TestSetAndGet(t *testing.T) {
	e := NewEnviron([]string{"PATH=/bin"})
	if err := e.Set("FOO", "bar"); err != nil {
		t.Fatal(err)
	}
	v, ok := e.Get("FOO")
	if !ok || v != "bar" {
		t.Fatalf("Get(FOO) = %q, %v; want bar, true", v, ok)
	}
}

func TestSetInvalidName(t *testing.T) {
	e := NewEnviron(nil)
	if err := e.Set("1BAD", "x"); err == nil {
		t.Fatalf("Set must reject a name starting with a digit")
	}
}

func TestSetColonNameIsSideEffectOnly(t *testing.T) {
	e := NewEnviron(nil)
	if err := e.Set(":", "whatever"); err != nil {
		t.Fatal(err)
	}
	if len(e.List()) != 0 {
		t.Fatalf("Set(\":\", ...) must not add an entry: %v", e.List())
	}
}

func TestSetExpandsAgainstCurrentEnv(t *testing.T) {
	e := NewEnviron([]string{"BASE=/opt"})
	if err := e.Set("DERIVED", "$BASE/bin"); err != nil {
		t.Fatal(err)
	}
	v, _ := e.Get("DERIVED")
	if v != "/opt/bin" {
		t.Fatalf("DERIVED = %q, want /opt/bin", v)
	}
}

func TestSetKeepsOnlyFirstWord(t *testing.T) {
	e := NewEnviron(nil)
	if err := e.Set("FOO", "one two"); err != nil {
		t.Fatal(err)
	}
	v, _ := e.Get("FOO")
	if v != "one" {
		t.Fatalf("FOO = %q, want the first word only (\"one\")", v)
	}
}

func TestUnsetUnconditional(t *testing.T) {
	e := NewEnviron([]string{"A=1", "B=2"})
	e.Unset("A", nil)
	if _, ok := e.Get("A"); ok {
		t.Fatalf("A must be gone after Unset")
	}
	if _, ok := e.Get("B"); !ok {
		t.Fatalf("B must survive an unset of A")
	}
}

func TestUnsetByValue(t *testing.T) {
	e := NewEnviron([]string{"A=1"})
	other := "2"
	e.Unset("A", &other)
	if _, ok := e.Get("A"); !ok {
		t.Fatalf("Unset with a non-matching value must not remove A")
	}
	match := "1"
	e.Unset("A", &match)
	if _, ok := e.Get("A"); ok {
		t.Fatalf("Unset with a matching value must remove A")
	}
}

func TestUnsetGlob(t *testing.T) {
	e := NewEnviron([]string{"LC_ALL=C", "LC_TIME=C", "PATH=/bin"})
	if err := e.UnsetGlob("LC_*"); err != nil {
		t.Fatal(err)
	}
	if _, ok := e.Get("LC_ALL"); ok {
		t.Fatalf("LC_ALL must be gone after UnsetGlob(LC_*)")
	}
	if _, ok := e.Get("PATH"); !ok {
		t.Fatalf("PATH must survive UnsetGlob(LC_*)")
	}
}

func TestClear(t *testing.T) {
	e := NewEnviron([]string{"A=1", "B=2"})
	e.Clear()
	if len(e.List()) != 0 {
		t.Fatalf("Clear must empty the environment: %v", e.List())
	}
}

func TestAddReplacesExisting(t *testing.T) {
	e := NewEnviron([]string{"A=1"})
	e.Add("A=2")
	if v, _ := e.Get("A"); v != "2" {
		t.Fatalf("Add must replace an existing entry, got %q", v)
	}
	if len(e.List()) != 1 {
		t.Fatalf("Add for an existing name must not grow the list: %v", e.List())
	}
}

func TestProgramClearMustBeFirst(t *testing.T) {
	p := &Program{}
	if err := p.Set("A", "1"); err != nil {
		t.Fatal(err)
	}
	if err := p.Clear(); err == nil {
		t.Fatalf("Clear after another op must error")
	}
}

func TestProgramKeepMustFollowClear(t *testing.T) {
	p := &Program{}
	if err := p.Set("A", "1"); err != nil {
		t.Fatal(err)
	}
	if err := p.Keep("B*"); err == nil {
		t.Fatalf("Keep after a non-clear/keep op must error")
	}
}

func TestProgramExecuteClearKeep(t *testing.T) {
	p := &Program{}
	if err := p.Clear(); err != nil {
		t.Fatal(err)
	}
	if err := p.Keep("PATH"); err != nil {
		t.Fatal(err)
	}
	if err := p.Set("FOO", "bar"); err != nil {
		t.Fatal(err)
	}

	env := NewEnviron([]string{"PATH=/bin", "HOME=/root", "SECRET=x"})
	if err := p.Execute(env); err != nil {
		t.Fatal(err)
	}

	names := []string{}
	for _, entry := range env.List() {
		name, _ := split(entry)
		names = append(names, name)
	}
	sort.Strings(names)
	want := []string{"FOO", "PATH"}
	if !reflect.DeepEqual(names, want) {
		t.Fatalf("final environment names = %v, want %v", names, want)
	}
}

func TestProgramExecuteSetUnset(t *testing.T) {
	p := &Program{}
	if err := p.Set("FOO", "bar"); err != nil {
		t.Fatal(err)
	}
	if err := p.Unset("HOME"); err != nil {
		t.Fatal(err)
	}

	env := NewEnviron([]string{"HOME=/root"})
	if err := p.Execute(env); err != nil {
		t.Fatal(err)
	}
	if _, ok := env.Get("HOME"); ok {
		t.Fatalf("HOME must be unset")
	}
	if v, ok := env.Get("FOO"); !ok || v != "bar" {
		t.Fatalf("FOO = %q, %v; want bar, true", v, ok)
	}
}

func TestProgramEqual(t *testing.T) {
	a := &Program{}
	a.Set("A", "1")
	b := &Program{}
	b.Set("A", "1")
	if !a.Equal(b) {
		t.Fatalf("two programs built from identical ops must be Equal")
	}
	c := &Program{}
	c.Set("A", "2")
	if a.Equal(c) {
		t.Fatalf("programs with different values must not be Equal")
	}
}
