// Package wordsplit implements the word-splitter collaborator from §6:
// turning a handler's command string into argv, with quoting, C-escapes,
// variable expansion against a provided KV list, and a no-split mode for
// wrapping the whole command as a single /bin/sh -c argument.
package wordsplit

import (
	"fmt"
	"os"
	"strings"

	"github.com/kballard/go-shellquote"
)

// Lookup resolves a variable reference ("$NAME" / "${NAME}") to its value.
// internal/envop.Environ satisfies this.
type Lookup func(name string) (string, bool)

// Expand substitutes $NAME and ${NAME} references in s using lookup. It
// implements the "variable-reference expansion" used both by the
// word-splitter and by the environment program's set operation (§4.2).
// A reference to an unknown name expands to the empty string, matching the
// original's behavior of silently dropping undefined variables rather than
// failing the whole command line.
func Expand(s string, lookup Lookup) string {
	var b strings.Builder
	for i := 0; i < len(s); i++ {
		c := s[i]
		if c == '\\' && i+1 < len(s) {
			b.WriteByte(s[i+1])
			i++
			continue
		}
		if c != '$' || i+1 >= len(s) {
			b.WriteByte(c)
			continue
		}
		i++
		var name string
		if s[i] == '{' {
			end := strings.IndexByte(s[i:], '}')
			if end < 0 {
				b.WriteString(s[i-1:])
				break
			}
			name = s[i+1 : i+end]
			i += end
		} else {
			j := i
			for j < len(s) && isNameByte(s[j]) {
				j++
			}
			name = s[i:j]
			i = j - 1
		}
		if name == "" {
			b.WriteByte('$')
			continue
		}
		if v, ok := lookup(name); ok {
			b.WriteString(v)
		}
	}
	return b.String()
}

func isNameByte(c byte) bool {
	return c == '_' ||
		(c >= 'a' && c <= 'z') ||
		(c >= 'A' && c <= 'Z') ||
		(c >= '0' && c <= '9')
}

// Split splits command into argv using shell-style quoting and C-escapes
// (github.com/kballard/go-shellquote, the same library family syncthing
// pulls in for its own command-line handling). Variables are expanded
// against lookup before splitting, so an expanded value is itself split into
// words and any quotes inside it are interpreted as shell quoting.
func Split(command string, lookup Lookup) ([]string, error) {
	expanded := Expand(command, lookup)
	words, err := shellquote.Split(expanded)
	if err != nil {
		return nil, fmt.Errorf("wordsplit: %w", err)
	}
	return words, nil
}

// ShellWrap implements the SHELL flag from §4.2/§4.7: the whole command is
// passed as a single argument to $SHELL (or /bin/sh) -c, with no splitting.
func ShellWrap(command string, lookup Lookup) []string {
	shell := os.Getenv("SHELL")
	if shell == "" {
		shell = "/bin/sh"
	}
	return []string{shell, "-c", Expand(command, lookup)}
}
