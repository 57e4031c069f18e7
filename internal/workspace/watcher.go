package workspace

import (
	"os"
	"sync"
	"time"
)

// WatcherConfig configures the registry file watcher.
type WatcherConfig struct {
	// RegistryPath is the registry file to watch.
	RegistryPath string

	// PollInterval is how often the file is stat'ed. Default 100ms.
	PollInterval time.Duration

	// QuietPeriod is how long the file must stay unchanged after a
	// modification before the callback fires. Writers rewrite the registry
	// in several syscalls; the quiet period coalesces them into one
	// callback. Default 500ms.
	QuietPeriod time.Duration

	// OnChange receives the freshly parsed registry after each settled
	// change. Deletion of the file delivers an empty list.
	OnChange func([]Descriptor)

	// OnError receives registry parse failures. The watcher keeps running.
	OnError func(error)
}

// fileStat is the metadata compared between polls.
type fileStat struct {
	exists  bool
	size    int64
	modTime time.Time
}

// Watcher detects registry file changes by periodic polling and delivers
// debounced change callbacks.
type Watcher struct {
	config WatcherConfig

	mu       sync.Mutex
	running  bool
	stopping bool
	stopCh   chan struct{}
	doneCh   chan struct{}
}

// NewWatcher creates a watcher (not started).
func NewWatcher(config WatcherConfig) *Watcher {
	if config.PollInterval <= 0 {
		config.PollInterval = 100 * time.Millisecond
	}
	if config.QuietPeriod <= 0 {
		config.QuietPeriod = 500 * time.Millisecond
	}
	return &Watcher{config: config}
}

// Start begins the poll loop in a background goroutine. Starting a
// running watcher is a no-op.
func (w *Watcher) Start() {
	w.mu.Lock()
	if w.running {
		w.mu.Unlock()
		return
	}
	w.stopCh = make(chan struct{})
	w.doneCh = make(chan struct{})
	w.running = true
	w.stopping = false
	stopCh := w.stopCh
	doneCh := w.doneCh
	w.mu.Unlock()

	go w.pollLoop(stopCh, doneCh)
}

// Stop signals the poll loop to exit and waits for it to finish.
// Safe to call concurrently and repeatedly: only the first caller closes
// the stop channel, later callers just wait for shutdown to complete.
func (w *Watcher) Stop() {
	w.mu.Lock()
	if !w.running {
		w.mu.Unlock()
		return
	}
	if w.stopping {
		doneCh := w.doneCh
		w.mu.Unlock()
		<-doneCh
		return
	}

	w.stopping = true
	stopCh := w.stopCh
	doneCh := w.doneCh
	w.mu.Unlock()

	close(stopCh)
	<-doneCh

	w.mu.Lock()
	w.running = false
	w.stopping = false
	w.mu.Unlock()
}

// pollLoop takes a baseline stat (no callback), then polls for changes.
// A change arms the quiet-period timer; further changes re-arm it; once
// the file has been stable for the full quiet period, the registry is
// parsed and delivered.
func (w *Watcher) pollLoop(stopCh <-chan struct{}, doneCh chan struct{}) {
	defer close(doneCh)

	last := w.stat()
	dirty := false
	var lastChange time.Time

	ticker := time.NewTicker(w.config.PollInterval)
	defer ticker.Stop()

	for {
		select {
		case <-stopCh:
			return
		case <-ticker.C:
		}

		cur := w.stat()
		if cur != last {
			last = cur
			dirty = true
			lastChange = time.Now()
			continue
		}

		if dirty && time.Since(lastChange) >= w.config.QuietPeriod {
			dirty = false
			w.deliver()
		}
	}
}

func (w *Watcher) stat() fileStat {
	info, err := os.Stat(w.config.RegistryPath)
	if err != nil {
		return fileStat{}
	}
	return fileStat{exists: true, size: info.Size(), modTime: info.ModTime()}
}

func (w *Watcher) deliver() {
	registry, err := ReadRegistry(w.config.RegistryPath)
	if err != nil {
		if w.config.OnError != nil {
			w.config.OnError(err)
		}
		return
	}
	if w.config.OnChange != nil {
		w.config.OnChange(registry)
	}
}
