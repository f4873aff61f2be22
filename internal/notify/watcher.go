package notify

import (
	"encoding/json"
	"log"
	"os"
	"path/filepath"
	"strings"

	"github.com/fsnotify/fsnotify"
)

// OutboxWatcher watches the outbox directory and dispatches each delivery to
// a callback. Consumed files are removed, so exactly one watcher should run
// per outbox.
type OutboxWatcher struct {
	dir      string
	callback func(d Delivery)
	watcher  *fsnotify.Watcher
	done     chan struct{}
}

// NewOutboxWatcher creates a watcher for {dataPath}/outbox/.
func NewOutboxWatcher(dataPath string, callback func(d Delivery)) *OutboxWatcher {
	return &OutboxWatcher{
		dir:      filepath.Join(dataPath, "outbox"),
		callback: callback,
		done:     make(chan struct{}),
	}
}

// Start begins watching. It drains any delivery files left from a previous
// run first, then watches for new ones. Call Stop() to clean up.
func (w *OutboxWatcher) Start() error {
	if err := os.MkdirAll(w.dir, 0o700); err != nil {
		return err
	}

	w.drainExisting()

	fw, err := fsnotify.NewWatcher()
	if err != nil {
		return err
	}
	if err := fw.Add(w.dir); err != nil {
		_ = fw.Close()
		return err
	}
	w.watcher = fw

	go w.loop()
	log.Printf("notify: watching %s for deliveries", w.dir)
	return nil
}

// Stop shuts down the watcher.
func (w *OutboxWatcher) Stop() {
	if w.watcher != nil {
		_ = w.watcher.Close()
	}
	<-w.done
}

func (w *OutboxWatcher) loop() {
	defer close(w.done)
	for {
		select {
		case evt, ok := <-w.watcher.Events:
			if !ok {
				return
			}
			if evt.Op&fsnotify.Create != 0 && strings.HasSuffix(evt.Name, ".msg") {
				w.processFile(evt.Name)
			}
		case err, ok := <-w.watcher.Errors:
			if !ok {
				return
			}
			log.Printf("notify: watcher error: %v", err)
		}
	}
}

func (w *OutboxWatcher) drainExisting() {
	entries, err := os.ReadDir(w.dir)
	if err != nil {
		return
	}
	for _, entry := range entries {
		if !entry.IsDir() && strings.HasSuffix(entry.Name(), ".msg") {
			w.processFile(filepath.Join(w.dir, entry.Name()))
		}
	}
}

func (w *OutboxWatcher) processFile(path string) {
	data, err := os.ReadFile(path)
	if err != nil {
		return // file already consumed by another process
	}
	_ = os.Remove(path)

	var d Delivery
	if err := json.Unmarshal(data, &d); err != nil {
		log.Printf("notify: invalid delivery file %s: %v", filepath.Base(path), err)
		return
	}

	if d.UserID != "" && w.callback != nil {
		w.callback(d)
	}
}
