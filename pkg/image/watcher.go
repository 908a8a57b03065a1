package image

import (
	"context"
	"path/filepath"

	"github.com/fsnotify/fsnotify"

	"github.com/nabunetwork/nabud/internal/logger"
)

// Watcher invalidates cached images when files change under a local
// channel directory. Without it, a connection replaying segment
// requests for a freshly regenerated pak would keep serving the stale
// cached copy until the client rebooted.
type Watcher struct {
	fsw        *fsnotify.Watcher
	byDir      map[string]*Channel
	invalidate func(*Channel)
}

// NewWatcher watches every local (non-HTTP) channel source directory.
// The invalidate callback runs on the watcher goroutine for each
// channel whose content changed; it must not block for long.
func NewWatcher(table *Table, invalidate func(*Channel)) (*Watcher, error) {
	fsw, err := fsnotify.NewWatcher()
	if err != nil {
		return nil, err
	}

	w := &Watcher{
		fsw:        fsw,
		byDir:      make(map[string]*Channel),
		invalidate: invalidate,
	}
	for _, chn := range table.List() {
		if chn.IsHTTP() {
			continue
		}
		dir := filepath.Clean(chn.Source)
		if err := fsw.Add(dir); err != nil {
			logger.Warn("Unable to watch channel directory",
				logger.KeyChannel, chn.Number, "dir", dir, logger.KeyError, err)
			continue
		}
		w.byDir[dir] = chn
		logger.Debug("Watching channel directory", logger.KeyChannel, chn.Number, "dir", dir)
	}
	return w, nil
}

// Run dispatches filesystem events until the context is cancelled.
func (w *Watcher) Run(ctx context.Context) {
	defer w.fsw.Close()

	for {
		select {
		case <-ctx.Done():
			return

		case ev, ok := <-w.fsw.Events:
			if !ok {
				return
			}
			if !ev.Op.Has(fsnotify.Write | fsnotify.Create | fsnotify.Remove | fsnotify.Rename) {
				continue
			}
			dir := filepath.Dir(filepath.Clean(ev.Name))
			chn := w.byDir[dir]
			if chn == nil {
				continue
			}
			logger.Debug("Channel content changed",
				logger.KeyChannel, chn.Number, logger.KeyFile, ev.Name, "op", ev.Op.String())
			w.invalidate(chn)

		case err, ok := <-w.fsw.Errors:
			if !ok {
				return
			}
			logger.Warn("Channel watcher error", logger.KeyError, err)
		}
	}
}
