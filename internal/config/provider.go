package config

import (
	"context"
	"os"
	"path/filepath"
	"time"

	"github.com/fsnotify/fsnotify"
	log "github.com/sirupsen/logrus"
)

const defaultPollInterval = 2 * time.Second

// FileProvider keeps a Store in sync with a YAML file. Changes are picked up
// through fsnotify on the file's directory (editors and ConfigMaps replace
// files by rename) and, as a fallback, by polling the modification time.
// A file that fails to load is logged and the previous snapshot stays.
type FileProvider struct {
	Path         string
	Store        *Store
	PollInterval time.Duration
	OnError      func(error) // optional, called when a reload fails

	modTime time.Time
}

// Run watches the file until ctx is done.
func (p *FileProvider) Run(ctx context.Context) error {
	interval := p.PollInterval
	if interval <= 0 {
		interval = defaultPollInterval
	}
	if fi, err := os.Stat(p.Path); err == nil {
		p.modTime = fi.ModTime()
	}

	var events <-chan fsnotify.Event
	var errs <-chan error
	watcher, err := fsnotify.NewWatcher()
	if err != nil {
		log.Warnf("config: file watcher unavailable, polling only: %v", err)
	} else {
		defer watcher.Close()
		if err := watcher.Add(filepath.Dir(p.Path)); err != nil {
			log.Warnf("config: cannot watch %s, polling only: %v", filepath.Dir(p.Path), err)
		} else {
			events, errs = watcher.Events, watcher.Errors
		}
	}

	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return nil
		case ev, ok := <-events:
			if !ok {
				events = nil
				continue
			}
			if filepath.Clean(ev.Name) != filepath.Clean(p.Path) {
				continue
			}
			if ev.Op&(fsnotify.Write|fsnotify.Create|fsnotify.Rename) != 0 {
				p.reload()
			}
		case err, ok := <-errs:
			if !ok {
				errs = nil
				continue
			}
			log.Warnf("config: watcher: %v", err)
		case <-ticker.C:
			fi, err := os.Stat(p.Path)
			if err != nil || !fi.ModTime().After(p.modTime) {
				continue
			}
			p.reload()
		}
	}
}

func (p *FileProvider) reload() {
	if fi, err := os.Stat(p.Path); err == nil {
		p.modTime = fi.ModTime()
	}
	cfg, err := Load(p.Path)
	if err != nil {
		log.Errorf("config: reload %s failed, keeping previous configuration: %v", p.Path, err)
		if p.OnError != nil {
			p.OnError(err)
		}
		return
	}
	v := p.Store.Set(cfg)
	log.WithField("version", v).Infof("config: reloaded %s", p.Path)
}
