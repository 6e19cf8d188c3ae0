// Package fleet manages a named group of actors as a unit: spawning them
// from a shared [Config], looking them up by name, and shutting all of
// them down together. It also supports hot-reloading that Config from
// disk, for a long-running test harness that wants to pick up new actor
// definitions without a restart.
package fleet

import (
	"fmt"
	"sync"

	"github.com/fsnotify/fsnotify"
	"go.uber.org/zap"

	"parley"
)

// Builder constructs the handler table for one actor, given its config.
// A Fleet calls this once per ActorConfig it spawns.
type Builder func(ActorConfig) (map[parley.MethodTag]parley.Handler, error)

// Fleet owns a set of spawned actors, keyed by their config name.
type Fleet struct {
	log *zap.Logger

	mu     sync.Mutex
	actors map[string]*parley.Actor
}

// New creates an empty Fleet. log may be nil, in which case the fleet logs
// nothing.
func New(log *zap.Logger) *Fleet {
	if log == nil {
		log = zap.NewNop()
	}
	return &Fleet{log: log.Named("fleet"), actors: make(map[string]*parley.Actor)}
}

// Spawn starts one actor per entry in cfg using build, replacing any
// previously spawned actor with the same name (the old one is shut down
// once its replacement is running). It returns the first error encountered, after which already
// spawned actors from this call remain running.
func (f *Fleet) Spawn(cfg *Config, build Builder) error {
	for _, a := range cfg.Actors {
		handlers, err := build(a)
		if err != nil {
			return fmt.Errorf("fleet: building actor %q: %w", a.Name, err)
		}
		var log *zap.Logger
		if a.LogPath != "" {
			log = parley.NewFileLogger(parley.FileLogConfig{Path: a.LogPath})
		}
		actor, err := parley.Spawn(handlers, log)
		if err != nil {
			return fmt.Errorf("fleet: spawning actor %q: %w", a.Name, err)
		}

		f.mu.Lock()
		old, existed := f.actors[a.Name]
		f.actors[a.Name] = actor
		f.mu.Unlock()

		if existed {
			f.log.Info("replacing actor", zap.String("actor", a.Name))
			parley.Shutdown(old.Endpoint)
			old.Wait()
		}
	}
	return nil
}

// Lookup returns the running actor registered under name, if any.
func (f *Fleet) Lookup(name string) (*parley.Actor, bool) {
	f.mu.Lock()
	defer f.mu.Unlock()
	a, ok := f.actors[name]
	return a, ok
}

// Names returns the names of every actor currently running in the fleet.
func (f *Fleet) Names() []string {
	f.mu.Lock()
	defer f.mu.Unlock()
	names := make([]string, 0, len(f.actors))
	for name := range f.actors {
		names = append(names, name)
	}
	return names
}

// Shutdown tells every actor in the fleet to stop, and blocks until all of
// them have exited.
func (f *Fleet) Shutdown() {
	f.mu.Lock()
	actors := make([]*parley.Actor, 0, len(f.actors))
	for _, a := range f.actors {
		actors = append(actors, a)
	}
	f.actors = make(map[string]*parley.Actor)
	f.mu.Unlock()

	for _, a := range actors {
		parley.Shutdown(a.Endpoint)
	}
	for _, a := range actors {
		a.Wait()
	}
}

// WatchConfig watches path for writes and calls reload with the freshly
// parsed Config each time it changes, until stop is closed or the
// watcher's channels close. Watcher errors and parse errors are logged and
// skipped rather than propagated, so a transient half-written file does
// not take the fleet down.
func (f *Fleet) WatchConfig(path string, stop <-chan struct{}, reload func(*Config)) error {
	w, err := fsnotify.NewWatcher()
	if err != nil {
		return fmt.Errorf("fleet: creating config watcher: %w", err)
	}
	if err := w.Add(path); err != nil {
		w.Close()
		return fmt.Errorf("fleet: watching %s: %w", path, err)
	}

	go func() {
		defer w.Close()
		for {
			select {
			case <-stop:
				return
			case ev, ok := <-w.Events:
				if !ok {
					return
				}
				if ev.Op&(fsnotify.Write|fsnotify.Create) == 0 {
					continue
				}
				cfg, err := LoadConfig(path)
				if err != nil {
					f.log.Warn("config reload failed", zap.String("path", path), zap.Error(err))
					continue
				}
				f.log.Info("config reloaded", zap.String("path", path))
				reload(cfg)
			case err, ok := <-w.Errors:
				if !ok {
					return
				}
				f.log.Error("config watcher error", zap.Error(err))
			}
		}
	}()
	return nil
}
