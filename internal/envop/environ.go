// Package envop implements §4.2: the environment structure and the small
// clear/keep/set/unset operation language that rewrites a child's
// environment before exec.
package envop

import (
	"fmt"
	"strings"

	"github.com/gobwas/glob"

	"github.com/gnu-mirror-unofficial/direvent/internal/wordsplit"
)

// Environ is a growable ordered sequence of "NAME=VALUE" entries.
type Environ struct {
	entries []string
}

// NewEnviron copies base (typically os.Environ()) into a fresh Environ.
func NewEnviron(base []string) *Environ {
	return &Environ{entries: append([]string(nil), base...)}
}

// List returns a copy of the current entries, suitable for exec.Cmd.Env.
func (e *Environ) List() []string {
	return append([]string(nil), e.entries...)
}

func split(entry string) (name, value string) {
	if i := strings.IndexByte(entry, '='); i >= 0 {
		return entry[:i], entry[i+1:]
	}
	return entry, ""
}

// Get returns the first entry whose name matches, per §4.2.
func (e *Environ) Get(name string) (string, bool) {
	for _, entry := range e.entries {
		if n, v := split(entry); n == name {
			return v, true
		}
	}
	return "", false
}

// Lookup adapts Get to wordsplit.Lookup for variable expansion.
func (e *Environ) Lookup(name string) (string, bool) { return e.Get(name) }

// Add replaces the entry for def's name if present, else appends it.
func (e *Environ) Add(def string) {
	name, _ := split(def)
	for i, entry := range e.entries {
		if n, _ := split(entry); n == name {
			e.entries[i] = def
			return
		}
	}
	e.entries = append(e.entries, def)
}

// Set expands value by variable reference against the current environment,
// shell-style quoting/escapes applied, and keeps only the first resulting
// word (§4.2: "single-word result"), then Adds it. name must match
// [A-Za-z_][A-Za-z0-9_]* or be the literal ":".
func (e *Environ) Set(name, value string) error {
	if !validSetName(name) {
		return fmt.Errorf("envop: invalid variable name %q", name)
	}
	if name == ":" {
		// No-name: only the side effect of expansion (e.g. command
		// substitution in a richer word-splitter) matters; nothing is
		// stored.
		_, err := wordsplit.Split(value, e.Lookup)
		return err
	}
	words, err := wordsplit.Split(value, e.Lookup)
	if err != nil {
		return err
	}
	var result string
	if len(words) > 0 {
		result = words[0]
	}
	e.Add(name + "=" + result)
	return nil
}

// Unset removes the entry for name; if refval is non-nil, it removes the
// entry only when its current value equals *refval.
func (e *Environ) Unset(name string, refval *string) {
	filtered := e.entries[:0:0]
	for _, entry := range e.entries {
		n, v := split(entry)
		if n == name && (refval == nil || v == *refval) {
			continue
		}
		filtered = append(filtered, entry)
	}
	e.entries = filtered
}

// UnsetGlob removes every entry whose name matches pattern.
func (e *Environ) UnsetGlob(pattern string) error {
	g, err := glob.Compile(pattern)
	if err != nil {
		return err
	}
	filtered := e.entries[:0:0]
	for _, entry := range e.entries {
		n, _ := split(entry)
		if g.Match(n) {
			continue
		}
		filtered = append(filtered, entry)
	}
	e.entries = filtered
	return nil
}

// Clear empties the environment entirely.
func (e *Environ) Clear() { e.entries = e.entries[:0:0] }

// retain keeps only entries matched by one of keeps (each either a name
// glob, or an exact name+value pair), dropping the rest. Used by Program
// execution immediately after a leading clear (§4.2 step 1).
func (e *Environ) retain(keeps []Op) {
	filtered := e.entries[:0:0]
	for _, entry := range e.entries {
		n, v := split(entry)
		if keepMatches(keeps, n, v) {
			filtered = append(filtered, entry)
		}
	}
	e.entries = filtered
}

func keepMatches(keeps []Op, name, value string) bool {
	for _, k := range keeps {
		if k.HasValue {
			if k.Name == name && k.Value == value {
				return true
			}
			continue
		}
		if k.compiled != nil && k.compiled.Match(name) {
			return true
		}
	}
	return false
}
