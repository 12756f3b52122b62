// Command direvent watches directories for changes and runs external
// commands in response (§1).
package main

import (
	"context"
	"flag"
	"fmt"
	"os"
	"os/user"
	"strconv"
	"time"

	"github.com/gnu-mirror-unofficial/direvent"
	"github.com/gnu-mirror-unofficial/direvent/internal/config"
	"github.com/gnu-mirror-unofficial/direvent/internal/diag"
	"github.com/gnu-mirror-unofficial/direvent/internal/pattern"
	"github.com/gnu-mirror-unofficial/direvent/internal/procman"
)

func main() {
	os.Exit(run())
}

func run() int {
	configPath := flag.String("config", "/etc/direvent.yaml", "configuration file")
	foreground := flag.Bool("foreground", false, "stay attached to the controlling terminal")
	flag.Parse()
	_ = foreground

	cfg, err := config.Load(*configPath)
	if err != nil {
		fmt.Fprintln(os.Stderr, err)
		return 2
	}

	format := diag.Console
	if cfg.LogFormat == "json" {
		format = diag.JSON
	}
	sink := diag.New(format, cfg.Verbose)

	backend, err := direvent.NewBackend()
	if err != nil {
		sink.Diag(diag.Crit, "%v", err)
		return 2
	}

	rt := direvent.NewRuntime(backend, sink)
	pm := procman.New(sink)
	globalManager = pm

	for _, w := range cfg.Watchers {
		if err := configureWatcher(rt, w); err != nil {
			sink.Diag(diag.Err, "%v", err)
		}
	}
	if rt.Store().Empty() {
		sink.Diag(diag.Crit, "no watchpoints configured")
		return 2
	}

	daemon := direvent.NewDaemon(rt, backend, pm, sink, cfg.PidFile)
	if err := daemon.WritePIDFile(); err != nil {
		sink.Diag(diag.Err, "pid file: %v", err)
	}
	if err := daemon.RunSelfTest(cfg.SelfTest); err != nil {
		sink.Diag(diag.Crit, "%v", err)
		return 2
	}

	return daemon.Run(context.Background())
}

// configureWatcher installs one configuration-file watchpoint and its
// handler (§6 external interfaces, §3 "Program handler data").
func configureWatcher(rt *direvent.Runtime, w config.WatcherConfig) error {
	mask, err := parseEvents(w.Events)
	if err != nil {
		return fmt.Errorf("watcher %s: %w", w.Path, err)
	}
	patterns, err := parsePatterns(w.Pattern)
	if err != nil {
		return fmt.Errorf("watcher %s: %w", w.Path, err)
	}
	flags, err := parseFlags(w.Flags)
	if err != nil {
		return fmt.Errorf("watcher %s: %w", w.Path, err)
	}
	uid, gids, err := resolveIdentity(w.UID, w.GIDs)
	if err != nil {
		return fmt.Errorf("watcher %s: %w", w.Path, err)
	}
	envProg, err := w.BuildEnviron()
	if err != nil {
		return fmt.Errorf("watcher %s: %w", w.Path, err)
	}

	spec := procman.HandlerSpec{
		Command: w.Command,
		Flags:   flags,
		UID:     uid,
		GIDs:    gids,
		Timeout: time.Duration(w.Timeout) * time.Second,
		Env:     envProg,
	}

	wp, _ := rt.Store().Install(w.Path)
	wp.Depth = w.Recurse

	rt.AddHandler(wp, &direvent.Handler{
		Mask:     mask,
		Patterns: patterns,
		Run:      handlerRunFunc(spec),
	})

	return rt.Install(wp)
}

func handlerRunFunc(spec procman.HandlerSpec) func(*direvent.Watchpoint, string, direvent.Op) error {
	return func(wp *direvent.Watchpoint, name string, mask direvent.Op) error {
		ev := procman.EventInfo{
			File:     name,
			GenMask:  uint32(mask),
			GenNames: mask.Names(),
		}
		return globalManager.StartHandler(spec, wp.Dirname, ev, os.Environ())
	}
}

// globalManager is set once by main before any handler can fire; the
// single-threaded main loop is the only caller of StartHandler, so no
// synchronization is needed beyond publishing the pointer once.
var globalManager *procman.Manager

func parseEvents(names []string) (direvent.Op, error) {
	if len(names) == 0 {
		return direvent.Create | direvent.Write | direvent.Attrib | direvent.Delete, nil
	}
	var mask direvent.Op
	for _, n := range names {
		switch n {
		case "create":
			mask |= direvent.Create
		case "write":
			mask |= direvent.Write
		case "attrib":
			mask |= direvent.Attrib
		case "delete":
			mask |= direvent.Delete
		case "change":
			mask |= direvent.Change
		default:
			return 0, fmt.Errorf("unknown event %q", n)
		}
	}
	return mask, nil
}

func parsePatterns(cfgs []config.PatternConfig) (pattern.List, error) {
	var list pattern.List
	for _, c := range cfgs {
		var kind pattern.Kind
		switch c.Kind {
		case "", "exact":
			kind = pattern.Exact
		case "glob":
			kind = pattern.Glob
		case "regex":
			kind = pattern.Regex
		default:
			return nil, fmt.Errorf("unknown pattern kind %q", c.Kind)
		}
		p, err := pattern.New(kind, c.Text, c.Negate)
		if err != nil {
			return nil, err
		}
		list = append(list, p)
	}
	return list, nil
}

func parseFlags(names []string) (procman.Flags, error) {
	var flags procman.Flags
	for _, n := range names {
		switch n {
		case "NOWAIT":
			flags |= procman.NoWait
		case "STDOUT":
			flags |= procman.Stdout
		case "STDERR":
			flags |= procman.Stderr
		case "SHELL":
			flags |= procman.Shell
		default:
			return 0, fmt.Errorf("unknown flag %q", n)
		}
	}
	return flags, nil
}

func resolveIdentity(uidSpec string, gidSpecs []string) (uint32, []uint32, error) {
	if uidSpec == "" {
		return 0, nil, nil
	}
	u, err := user.Lookup(uidSpec)
	if err != nil {
		if n, numErr := strconv.Atoi(uidSpec); numErr == nil {
			u, err = user.LookupId(strconv.Itoa(n))
		}
		if err != nil {
			return 0, nil, fmt.Errorf("uid %q: %w", uidSpec, err)
		}
	}
	uid, err := strconv.ParseUint(u.Uid, 10, 32)
	if err != nil {
		return 0, nil, err
	}

	var gids []uint32
	if len(gidSpecs) == 0 {
		gid, err := strconv.ParseUint(u.Gid, 10, 32)
		if err != nil {
			return 0, nil, err
		}
		gids = []uint32{uint32(gid)}
	} else {
		for _, g := range gidSpecs {
			grp, err := user.LookupGroup(g)
			if err != nil {
				if n, numErr := strconv.Atoi(g); numErr == nil {
					grp, err = user.LookupGroupId(strconv.Itoa(n))
				}
				if err != nil {
					return 0, nil, fmt.Errorf("gid %q: %w", g, err)
				}
			}
			gid, err := strconv.ParseUint(grp.Gid, 10, 32)
			if err != nil {
				return 0, nil, err
			}
			gids = append(gids, uint32(gid))
		}
	}
	return uint32(uid), gids, nil
}
