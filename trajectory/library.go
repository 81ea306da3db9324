package trajectory

import (
	"os"
	"sort"
	"sync"

	"github.com/fsnotify/fsnotify"
	"github.com/pkg/errors"
	"go.uber.org/multierr"
	goutils "go.viam.com/utils"

	"go.viam.com/rdk/logging"
)

type cacheKey struct {
	name        string
	constraints Constraints
}

// Library loads named trajectories from a directory and caches the parsed result.
// With Watch enabled, edits to an asset evict it so the next load rereads the file.
type Library struct {
	dir    string
	logger logging.Logger

	mu    sync.Mutex
	cache map[cacheKey]*Trajectory

	watcher                 *fsnotify.Watcher
	activeBackgroundWorkers sync.WaitGroup
}

// NewLibrary returns a library reading assets from dir.
func NewLibrary(dir string, logger logging.Logger) *Library {
	return &Library{
		dir:    dir,
		logger: logger,
		cache:  map[cacheKey]*Trajectory{},
	}
}

// Load returns the trajectory called name validated against c.
func (l *Library) Load(name string, c Constraints) (*Trajectory, error) {
	key := cacheKey{name: name, constraints: c}
	l.mu.Lock()
	traj, ok := l.cache[key]
	l.mu.Unlock()
	if ok {
		return traj, nil
	}

	path, err := resolve(l.dir, name)
	if err != nil {
		return nil, err
	}
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, errors.Wrap(err, "reading trajectory")
	}
	traj, err = Parse(name, data, c)
	if err != nil {
		return nil, err
	}

	l.mu.Lock()
	l.cache[key] = traj
	l.mu.Unlock()
	l.logger.Debugw("loaded trajectory", "name", name, "states", len(traj.states), "markers", len(traj.markers))
	return traj, nil
}

// Names lists the assets in the directory.
func (l *Library) Names() ([]string, error) {
	entries, err := os.ReadDir(l.dir)
	if err != nil {
		return nil, errors.Wrap(err, "listing trajectories")
	}
	seen := map[string]bool{}
	var names []string
	for _, e := range entries {
		if e.IsDir() {
			continue
		}
		name := AssetName(e.Name())
		if name == e.Name() || seen[name] {
			continue
		}
		seen[name] = true
		names = append(names, name)
	}
	sort.Strings(names)
	return names, nil
}

// Evict drops every cached entry for name.
func (l *Library) Evict(name string) {
	l.mu.Lock()
	defer l.mu.Unlock()
	for key := range l.cache {
		if key.name == name {
			delete(l.cache, key)
		}
	}
}

// Watch starts evicting cache entries whose file changes. Close stops it.
func (l *Library) Watch() error {
	watcher, err := fsnotify.NewWatcher()
	if err != nil {
		return errors.Wrap(err, "creating trajectory watcher")
	}
	if err := watcher.Add(l.dir); err != nil {
		return multiClose(errors.Wrapf(err, "watching %s", l.dir), watcher)
	}
	l.watcher = watcher

	l.activeBackgroundWorkers.Add(1)
	goutils.ManagedGo(func() {
		for {
			select {
			case event, ok := <-watcher.Events:
				if !ok {
					return
				}
				if event.Op&(fsnotify.Write|fsnotify.Create|fsnotify.Remove|fsnotify.Rename) == 0 {
					continue
				}
				name := AssetName(event.Name)
				l.logger.Debugw("trajectory changed", "name", name, "op", event.Op.String())
				l.Evict(name)
			case err, ok := <-watcher.Errors:
				if !ok {
					return
				}
				l.logger.Warnw("trajectory watcher error", "error", err)
			}
		}
	}, l.activeBackgroundWorkers.Done)
	return nil
}

// Close stops the watcher, if any.
func (l *Library) Close() error {
	if l.watcher == nil {
		return nil
	}
	err := l.watcher.Close()
	l.activeBackgroundWorkers.Wait()
	l.watcher = nil
	return err
}

func multiClose(err error, w *fsnotify.Watcher) error {
	return multierr.Combine(err, w.Close())
}
