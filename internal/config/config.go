// Package config loads the daemon's YAML configuration file: the set of
// watched paths, each with its handler (command, uid/gid, timeout,
// environment program), plus the daemon-wide pidfile/self-test/logging
// settings (§6, §4.7).
package config

import (
	"fmt"
	"os"

	"gopkg.in/yaml.v3"

	"github.com/gnu-mirror-unofficial/direvent/internal/envop"
)

// File is the top-level shape of direvent.yaml.
type File struct {
	PidFile   string          `yaml:"pidfile"`
	SelfTest  string          `yaml:"self-test"`
	Verbose   int             `yaml:"verbose"`
	LogFormat string          `yaml:"log-format"`
	Watchers  []WatcherConfig `yaml:"watcher"`
}

// WatcherConfig is one `watcher:` entry: a path to watch and the handler to
// run when it matches.
type WatcherConfig struct {
	Path    string          `yaml:"path"`
	Recurse int             `yaml:"recurse"`
	Events  []string        `yaml:"events"`
	Pattern []PatternConfig `yaml:"pattern"`
	Command string          `yaml:"command"`
	Flags   []string        `yaml:"flags"`
	UID     string          `yaml:"uid"`
	GIDs    []string        `yaml:"gids"`
	Timeout int             `yaml:"timeout"`
	Environ []EnvOpConfig   `yaml:"environ"`
}

// PatternConfig is one filename-pattern entry (§6 "Filename-pattern list").
type PatternConfig struct {
	Kind   string `yaml:"kind"` // exact | glob | regex
	Text   string `yaml:"text"`
	Negate bool   `yaml:"negate"`
}

// EnvOpConfig is one entry of a handler's environment program (§4.2).
type EnvOpConfig struct {
	Op    string `yaml:"op"` // clear | keep | set | unset
	Name  string `yaml:"name"`
	Value string `yaml:"value"`
}

// Load reads and parses path.
func Load(path string) (*File, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("config: %w", err)
	}
	var f File
	if err := yaml.Unmarshal(data, &f); err != nil {
		return nil, fmt.Errorf("config: parsing %s: %w", path, err)
	}
	if err := f.validate(); err != nil {
		return nil, fmt.Errorf("config: %s: %w", path, err)
	}
	return &f, nil
}

func (f *File) validate() error {
	seen := map[string]bool{}
	for _, w := range f.Watchers {
		if w.Path == "" {
			return fmt.Errorf("watcher entry missing path")
		}
		if seen[w.Path] {
			return fmt.Errorf("duplicate watcher path %q", w.Path)
		}
		seen[w.Path] = true
		if w.Command == "" {
			return fmt.Errorf("watcher %q missing command", w.Path)
		}
	}
	return nil
}

// BuildEnviron compiles a watcher's environ entries into an envop.Program,
// enforcing the clear/keep-then-set/unset ordering contract of §4.2.
func (w WatcherConfig) BuildEnviron() (*envop.Program, error) {
	prog := &envop.Program{}
	for i, e := range w.Environ {
		switch e.Op {
		case "clear":
			if i != 0 {
				return nil, fmt.Errorf("watcher %q: clear must be first", w.Path)
			}
			if err := prog.Clear(); err != nil {
				return nil, err
			}
		case "keep":
			if e.Value != "" {
				if err := prog.KeepValue(e.Name, e.Value); err != nil {
					return nil, err
				}
			} else if err := prog.Keep(e.Name); err != nil {
				return nil, err
			}
		case "set":
			if err := prog.Set(e.Name, e.Value); err != nil {
				return nil, err
			}
		case "unset":
			if e.Value != "" {
				if err := prog.UnsetValue(e.Name, e.Value); err != nil {
					return nil, err
				}
			} else if err := prog.Unset(e.Name); err != nil {
				return nil, err
			}
		default:
			return nil, fmt.Errorf("watcher %q: unknown environ op %q", w.Path, e.Op)
		}
	}
	return prog, nil
}
