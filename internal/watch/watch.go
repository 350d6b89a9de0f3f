// Package watch implements debounced filesystem watchers for the manifest
// and for env files it references. Both use fsnotify and share the same
// {idle, pending(deadline)} debounce state machine: a burst of writes to
// the same path resets the deadline rather than firing once per write,
// waiting for the file to stabilize before reloading.
package watch

import (
	"sync"
	"time"

	"github.com/fsnotify/fsnotify"
)

const debounceWindow = 300 * time.Millisecond

// ConfigWatcher watches one manifest file and invokes OnChange after each
// debounced write, or OnError if the watcher itself fails.
type ConfigWatcher struct {
	path    string
	watcher *fsnotify.Watcher

	mu       sync.Mutex
	deadline *time.Timer

	OnChange func()
	OnError  func(error)

	stop chan struct{}
	done chan struct{}
}

// NewConfigWatcher constructs a ConfigWatcher for path. Call Start to
// begin watching.
func NewConfigWatcher(path string) (*ConfigWatcher, error) {
	w, err := fsnotify.NewWatcher()
	if err != nil {
		return nil, err
	}
	return &ConfigWatcher{path: path, watcher: w, stop: make(chan struct{}), done: make(chan struct{})}, nil
}

// Start adds the watch and begins the debounce loop in a background
// goroutine. Call Stop to release resources.
func (c *ConfigWatcher) Start() error {
	if err := c.watcher.Add(c.path); err != nil {
		return err
	}
	go c.loop()
	return nil
}

func (c *ConfigWatcher) loop() {
	defer close(c.done)
	for {
		select {
		case <-c.stop:
			return
		case ev, ok := <-c.watcher.Events:
			if !ok {
				return
			}
			if ev.Op&(fsnotify.Write|fsnotify.Create|fsnotify.Remove|fsnotify.Rename) == 0 {
				continue
			}
			c.debounce()
		case err, ok := <-c.watcher.Errors:
			if !ok {
				return
			}
			if c.OnError != nil {
				c.OnError(err)
			}
		}
	}
}

func (c *ConfigWatcher) debounce() {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.deadline != nil {
		c.deadline.Stop()
	}
	c.deadline = time.AfterFunc(debounceWindow, func() {
		if c.OnChange != nil {
			c.OnChange()
		}
	})
}

// Stop releases the underlying fsnotify watcher and stops the loop.
func (c *ConfigWatcher) Stop() error {
	close(c.stop)
	err := c.watcher.Close()
	<-c.done
	c.mu.Lock()
	if c.deadline != nil {
		c.deadline.Stop()
	}
	c.mu.Unlock()
	return err
}

// EnvFileWatcher watches every distinct env file referenced by the
// current manifest, maintaining a path -> []processNames map, and
// debounces changes the same way ConfigWatcher does. OnChange receives
// the set of process names whose env file changed, for
// Supervisor.RestartProcessesIfRunning.
type EnvFileWatcher struct {
	watcher *fsnotify.Watcher

	mu       sync.Mutex
	owners   map[string][]string // env file path -> process names
	pending  map[string]*time.Timer

	OnChange func(processNames []string)
	OnError  func(error)

	stop chan struct{}
	done chan struct{}
}

// NewEnvFileWatcher constructs an EnvFileWatcher with no watched paths.
// Call SetOwners whenever the manifest changes to update the watch set.
func NewEnvFileWatcher() (*EnvFileWatcher, error) {
	w, err := fsnotify.NewWatcher()
	if err != nil {
		return nil, err
	}
	return &EnvFileWatcher{
		watcher: w,
		owners:  make(map[string][]string),
		pending: make(map[string]*time.Timer),
		stop:    make(chan struct{}),
		done:    make(chan struct{}),
	}, nil
}

// Start begins the debounce loop in a background goroutine.
func (e *EnvFileWatcher) Start() {
	go e.loop()
}

// SetOwners replaces the env_file_path -> [processNames] map and updates
// the underlying fsnotify watch set to match: paths no longer referenced
// are unwatched, newly referenced paths are watched.
func (e *EnvFileWatcher) SetOwners(owners map[string][]string) error {
	e.mu.Lock()
	defer e.mu.Unlock()

	for path := range e.owners {
		if _, stillOwned := owners[path]; !stillOwned {
			_ = e.watcher.Remove(path)
		}
	}
	var firstErr error
	for path := range owners {
		if _, alreadyWatched := e.owners[path]; alreadyWatched {
			continue
		}
		if err := e.watcher.Add(path); err != nil && firstErr == nil {
			firstErr = err
		}
	}
	e.owners = owners
	return firstErr
}

func (e *EnvFileWatcher) loop() {
	defer close(e.done)
	for {
		select {
		case <-e.stop:
			return
		case ev, ok := <-e.watcher.Events:
			if !ok {
				return
			}
			if ev.Op&(fsnotify.Write|fsnotify.Create|fsnotify.Rename) == 0 {
				continue
			}
			e.debounce(ev.Name)
		case err, ok := <-e.watcher.Errors:
			if !ok {
				return
			}
			if e.OnError != nil {
				e.OnError(err)
			}
		}
	}
}

func (e *EnvFileWatcher) debounce(path string) {
	e.mu.Lock()
	if t, ok := e.pending[path]; ok {
		t.Stop()
	}
	e.pending[path] = time.AfterFunc(debounceWindow, func() { e.fire(path) })
	e.mu.Unlock()
}

func (e *EnvFileWatcher) fire(path string) {
	e.mu.Lock()
	names := append([]string{}, e.owners[path]...)
	delete(e.pending, path)
	e.mu.Unlock()
	if len(names) == 0 || e.OnChange == nil {
		return
	}
	e.OnChange(names)
}

// Stop releases the underlying fsnotify watcher and stops the loop.
func (e *EnvFileWatcher) Stop() error {
	close(e.stop)
	err := e.watcher.Close()
	<-e.done
	e.mu.Lock()
	for _, t := range e.pending {
		t.Stop()
	}
	e.mu.Unlock()
	return err
}
