package commandplane

import (
	"context"
	"path/filepath"
	"strings"
	"sync"
	"time"

	"github.com/fsnotify/fsnotify"
	"github.com/rs/zerolog/log"
)

// watcher drives hot-reload by watching the plane's plugins directory and
// debouncing rapid-fire filesystem events per path, matching
// PluginFileHandler's last_reload_time map.
type watcher struct {
	plane *Plane
	fsw   *fsnotify.Watcher

	mu      sync.Mutex
	timers  map[string]*time.Timer
	closeCh chan struct{}
}

func newWatcher(p *Plane) (*watcher, error) {
	fsw, err := fsnotify.NewWatcher()
	if err != nil {
		return nil, err
	}
	if err := fsw.Add(p.cfg.Directory); err != nil {
		fsw.Close()
		return nil, err
	}

	w := &watcher{
		plane:   p,
		fsw:     fsw,
		timers:  make(map[string]*time.Timer),
		closeCh: make(chan struct{}),
	}
	go w.run()
	log.Info().Str("directory", p.cfg.Directory).Msg("command module hot-reload watcher started")
	return w, nil
}

func (w *watcher) run() {
	for {
		select {
		case event, ok := <-w.fsw.Events:
			if !ok {
				return
			}
			w.handle(event)
		case err, ok := <-w.fsw.Errors:
			if !ok {
				return
			}
			log.Error().Err(err).Msg("command module watcher error")
		case <-w.closeCh:
			return
		}
	}
}

func (w *watcher) handle(event fsnotify.Event) {
	if !strings.HasSuffix(event.Name, ".js") || strings.HasPrefix(filepath.Base(event.Name), "_") {
		return
	}

	switch {
	case event.Has(fsnotify.Remove), event.Has(fsnotify.Rename):
		log.Info().Str("file", event.Name).Msg("command module file removed")
		w.plane.UnloadFromFile(event.Name)

	case event.Has(fsnotify.Create):
		log.Info().Str("file", event.Name).Msg("new command module file detected")
		w.debounce(event.Name, func() {
			w.plane.LoadFromFile(context.Background(), event.Name)
		})

	case event.Has(fsnotify.Write):
		log.Info().Str("file", event.Name).Msg("command module file modified, scheduling reload")
		w.debounce(event.Name, func() {
			w.plane.ReloadFromFile(context.Background(), event.Name)
		})
	}
}

// debounce resets a per-path timer each time it fires within reload_delay,
// so a burst of writes to the same file collapses into one reload.
func (w *watcher) debounce(path string, fn func()) {
	delay := w.plane.cfg.ReloadDelay.D()

	w.mu.Lock()
	defer w.mu.Unlock()
	if t, ok := w.timers[path]; ok {
		t.Stop()
	}
	w.timers[path] = time.AfterFunc(delay, fn)
}

func (w *watcher) Close() {
	close(w.closeCh)
	w.mu.Lock()
	for _, t := range w.timers {
		t.Stop()
	}
	w.mu.Unlock()
	w.fsw.Close()
}
