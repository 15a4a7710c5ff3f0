package bus

import (
	"context"
	"os"
	"path/filepath"
	"sync"

	"github.com/Scusemua/go-utils/config"
	"github.com/Scusemua/go-utils/logger"
	"github.com/fsnotify/fsnotify"
	"github.com/pkg/errors"
	"github.com/scusemua/notebook-relay/common/utils"
)

// ConnectionFileWatcher keeps a KernelRegistry in sync with the connection files in a runtime directory.
//
// A "kernel-<id>.json" file that is created or written registers the kernel. Removing or renaming the file
// removes the kernel.
type ConnectionFileWatcher struct {
	dir      string
	registry KernelRegistry

	watcher  *fsnotify.Watcher
	stopOnce sync.Once
	done     chan struct{}

	log logger.Logger
}

func NewConnectionFileWatcher(dir string, registry KernelRegistry) *ConnectionFileWatcher {
	w := &ConnectionFileWatcher{
		dir:      dir,
		registry: registry,
		done:     make(chan struct{}),
	}
	config.InitLogger(&w.log, w)
	return w
}

// Start registers the connection files that already exist and then watches the directory until ctx is done
// or Stop is called.
func (w *ConnectionFileWatcher) Start(ctx context.Context) error {
	watcher, err := fsnotify.NewWatcher()
	if err != nil {
		return errors.Wrap(err, "failed to create connection file watcher")
	}

	if err := watcher.Add(w.dir); err != nil {
		_ = watcher.Close()
		return errors.Wrapf(err, "failed to watch %s", w.dir)
	}
	w.watcher = watcher

	entries, err := os.ReadDir(w.dir)
	if err != nil {
		_ = watcher.Close()
		return errors.Wrapf(err, "failed to list %s", w.dir)
	}
	for _, entry := range entries {
		if !entry.IsDir() {
			w.register(ctx, filepath.Join(w.dir, entry.Name()))
		}
	}

	go w.watch(ctx)
	return nil
}

// Stop stops watching. It is safe to call Stop more than once.
func (w *ConnectionFileWatcher) Stop() {
	w.stopOnce.Do(func() {
		if w.watcher != nil {
			_ = w.watcher.Close()
		}
	})
}

// Done is closed once the watcher has stopped.
func (w *ConnectionFileWatcher) Done() <-chan struct{} {
	return w.done
}

func (w *ConnectionFileWatcher) watch(ctx context.Context) {
	defer close(w.done)
	defer w.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case event, ok := <-w.watcher.Events:
			if !ok {
				return
			}

			switch {
			case event.Op&(fsnotify.Create|fsnotify.Write) != 0:
				w.register(ctx, event.Name)
			case event.Op&(fsnotify.Remove|fsnotify.Rename) != 0:
				w.remove(ctx, event.Name)
			}
		case err, ok := <-w.watcher.Errors:
			if !ok {
				return
			}
			w.log.Error("Error while watching %s: %v", w.dir, err)
		}
	}
}

func (w *ConnectionFileWatcher) register(ctx context.Context, path string) {
	kernelID, ok := KernelIDFromConnectionFile(path)
	if !ok {
		return
	}

	info, err := LoadConnectionFile(path)
	if err != nil {
		// A file that is still being written fails to parse. The next write event retries.
		w.log.Debug("Could not load connection file of kernel %s: %v", kernelID, err)
		return
	}

	if err := w.registry.Register(ctx, kernelID, info); err != nil {
		w.log.Error("Failed to register kernel %s: %v", kernelID, err)
		return
	}
	w.log.Info(utils.LightBlueStyle.Render("Registered kernel %s from %s."), kernelID, path)
}

func (w *ConnectionFileWatcher) remove(ctx context.Context, path string) {
	kernelID, ok := KernelIDFromConnectionFile(path)
	if !ok {
		return
	}

	if _, err := w.registry.Remove(ctx, kernelID); err != nil {
		w.log.Error("Failed to remove kernel %s: %v", kernelID, err)
		return
	}
	w.log.Info(utils.LightPurpleStyle.Render("Removed kernel %s."), kernelID)
}
