package core

import (
	"path/filepath"
	"sync"

	"github.com/fsnotify/fsnotify"
)

// ConfigWatcher reloads the configuration file whenever it is written. The new
// values are fired as EVENT_CODE_CONFIG_RELOADED and handed to the optional callback.
type ConfigWatcher struct {
	path     string
	onChange func(*Config)

	mutex    sync.Mutex
	fsnotify *fsnotify.Watcher
	done     chan struct{}
	isClosed bool
}

// WatchConfig starts watching path. The directory is watched instead of the file so
// editors that replace the file on save are still picked up.
func WatchConfig(path string, onChange func(*Config)) (*ConfigWatcher, error) {
	fsWatch, err := fsnotify.NewWatcher()
	if err != nil {
		return nil, err
	}
	if err := fsWatch.Add(filepath.Dir(path)); err != nil {
		fsWatch.Close()
		return nil, err
	}

	cw := &ConfigWatcher{
		path:     filepath.Clean(path),
		onChange: onChange,
		fsnotify: fsWatch,
		done:     make(chan struct{}),
	}
	go cw.start()
	return cw, nil
}

func (cw *ConfigWatcher) start() {
	for {
		select {
		case e, ok := <-cw.fsnotify.Events:
			if !ok {
				return
			}
			if filepath.Clean(e.Name) != cw.path {
				continue
			}
			if e.Op&(fsnotify.Create|fsnotify.Write) == 0 {
				continue
			}
			cfg, err := LoadConfig(cw.path)
			if err != nil {
				LogError("failed to reload config: %s", err)
				continue
			}
			LogInfo("config `%s` reloaded", cw.path)
			EventFire(EVENT_CODE_CONFIG_RELOADED, cw, EventContext{Data: cfg})
			if cw.onChange != nil {
				cw.onChange(cfg)
			}

		case err, ok := <-cw.fsnotify.Errors:
			if !ok {
				return
			}
			LogError(err.Error())

		case <-cw.done:
			return
		}
	}
}

func (cw *ConfigWatcher) Close() error {
	cw.mutex.Lock()
	defer cw.mutex.Unlock()

	if cw.isClosed {
		return ErrWatcherClosed
	}
	cw.isClosed = true
	close(cw.done)
	return cw.fsnotify.Close()
}
