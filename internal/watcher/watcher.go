// Package watcher watches the configuration file and triggers hot reloads
// so allowlist and API-key changes apply without restarting the broker.
package watcher

import (
	"context"
	"crypto/sha256"
	"encoding/hex"
	"os"
	"path/filepath"
	"sync"
	"time"

	"github.com/fsnotify/fsnotify"
	log "github.com/sirupsen/logrus"

	"github.com/sandbox-tools/credbrokerd/internal/config"
)

// reloadDebounce coalesces the bursts of write events editors and atomic
// renames produce for a single logical change.
const reloadDebounce = 300 * time.Millisecond

// Watcher reloads the configuration file on change and hands the parsed
// result to a callback.
type Watcher struct {
	configPath     string
	reloadCallback func(*config.Config)

	mu          sync.Mutex
	reloadTimer *time.Timer
	lastHash    string

	fsWatcher *fsnotify.Watcher
}

// New creates a watcher for the given configuration file.
func New(configPath string, reloadCallback func(*config.Config)) (*Watcher, error) {
	fsWatcher, err := fsnotify.NewWatcher()
	if err != nil {
		return nil, err
	}
	w := &Watcher{
		configPath:     configPath,
		reloadCallback: reloadCallback,
		fsWatcher:      fsWatcher,
	}
	if data, errRead := os.ReadFile(configPath); errRead == nil {
		w.lastHash = hashBytes(data)
	}
	return w, nil
}

// Start begins watching until ctx is cancelled. Watching the parent
// directory rather than the file itself survives atomic replace-by-rename.
func (w *Watcher) Start(ctx context.Context) error {
	if err := w.fsWatcher.Add(filepath.Dir(w.configPath)); err != nil {
		return err
	}
	go w.run(ctx)
	return nil
}

func (w *Watcher) run(ctx context.Context) {
	defer func() {
		_ = w.fsWatcher.Close()
	}()

	for {
		select {
		case <-ctx.Done():
			return
		case event, ok := <-w.fsWatcher.Events:
			if !ok {
				return
			}
			if filepath.Clean(event.Name) != filepath.Clean(w.configPath) {
				continue
			}
			if event.Op&(fsnotify.Write|fsnotify.Create|fsnotify.Rename) == 0 {
				continue
			}
			w.scheduleReload()
		case err, ok := <-w.fsWatcher.Errors:
			if !ok {
				return
			}
			log.Warnf("config watcher error: %v", err)
		}
	}
}

func (w *Watcher) scheduleReload() {
	w.mu.Lock()
	defer w.mu.Unlock()
	if w.reloadTimer != nil {
		w.reloadTimer.Stop()
	}
	w.reloadTimer = time.AfterFunc(reloadDebounce, w.reload)
}

func (w *Watcher) reload() {
	data, err := os.ReadFile(w.configPath)
	if err != nil {
		log.Warnf("config reload: read %s: %v", w.configPath, err)
		return
	}
	hash := hashBytes(data)

	w.mu.Lock()
	unchanged := hash == w.lastHash
	if !unchanged {
		w.lastHash = hash
	}
	w.mu.Unlock()
	if unchanged {
		return
	}

	cfg, err := config.LoadConfig(w.configPath)
	if err != nil {
		// Keep serving with the previous configuration.
		log.Errorf("config reload failed, keeping previous config: %v", err)
		return
	}
	log.Infof("config reloaded from %s", w.configPath)
	w.reloadCallback(cfg)
}

func hashBytes(data []byte) string {
	sum := sha256.Sum256(data)
	return hex.EncodeToString(sum[:])
}
