package control

import (
	"path/filepath"

	"github.com/fsnotify/fsnotify"
	"go.uber.org/zap"
)

// AdoptionWatcher watches the control root for subdirectories created by
// something other than this process (the forwarding CLI, or a prior
// supervisor instance) and reports them so the manager can adopt them
// as external sessions — the "metadata watch" resolution of spec §9's
// open question on adoption timing.
type AdoptionWatcher struct {
	watcher *fsnotify.Watcher
	logger  *zap.SugaredLogger
	notify  chan string
	done    chan struct{}
}

// NewAdoptionWatcher starts watching root. Callers receive newly created
// session ids on the channel Events returns; the manager decides whether each
// one is worth adopting (it may already know about it).
func NewAdoptionWatcher(root string, logger *zap.SugaredLogger) (*AdoptionWatcher, error) {
	w, err := fsnotify.NewWatcher()
	if err != nil {
		return nil, err
	}
	if err := w.Add(root); err != nil {
		_ = w.Close()
		return nil, err
	}

	aw := &AdoptionWatcher{
		watcher: w,
		logger:  logger,
		notify:  make(chan string, 64),
		done:    make(chan struct{}),
	}
	go aw.run()
	return aw, nil
}

func (aw *AdoptionWatcher) run() {
	for {
		select {
		case event, ok := <-aw.watcher.Events:
			if !ok {
				return
			}
			if event.Op&fsnotify.Create == 0 {
				continue
			}
			id := filepath.Base(event.Name)
			select {
			case aw.notify <- id:
			default:
				if aw.logger != nil {
					aw.logger.Warnw("adoption notify channel full, dropping", "session", id)
				}
			}
		case err, ok := <-aw.watcher.Errors:
			if !ok {
				return
			}
			if aw.logger != nil {
				aw.logger.Warnw("control directory watch error", "error", err)
			}
		case <-aw.done:
			return
		}
	}
}

// Events yields candidate session ids worth checking for adoption.
func (aw *AdoptionWatcher) Events() <-chan string { return aw.notify }

func (aw *AdoptionWatcher) Close() error {
	close(aw.done)
	return aw.watcher.Close()
}
