/*
 * Copyright (c) 2024 Johan Stenstam, johani@johani.org
 */
package zonecore

import (
	"log"

	"github.com/fsnotify/fsnotify"
)

// ZoneFileWatcher watches every configured zone file for external edits
// (an operator hand-editing a master file) and triggers an early
// zonefile-sync-style reload of just that zone, rather than waiting for
// the 30 minute sync timer. Not present in tdns itself, but fsnotify
// is the library the sibling rbldnsd-style example in the retrieved pack
// reaches for to watch a data file for changes, so it is adopted here for
// the same purpose against zone master files.
type ZoneFileWatcher struct {
	watcher *fsnotify.Watcher
	paths   map[string]string // path -> zone name
	logger  *log.Logger
}

// NewZoneFileWatcher starts watching nothing; call Watch per zone.
func NewZoneFileWatcher(logger *log.Logger) (*ZoneFileWatcher, error) {
	w, err := fsnotify.NewWatcher()
	if err != nil {
		return nil, NewError(CodeFatal, "NewZoneFileWatcher", err)
	}
	return &ZoneFileWatcher{watcher: w, paths: make(map[string]string), logger: logger}, nil
}

// Watch adds path (a zone's master file) to the watch set under zoneName.
func (zw *ZoneFileWatcher) Watch(path, zoneName string) error {
	if err := zw.watcher.Add(path); err != nil {
		return NewError(CodeFatal, "ZoneFileWatcher.Watch", err)
	}
	zw.paths[path] = zoneName
	return nil
}

// Run drains fsnotify events until the watcher is closed, calling
// onChange with the zone name whose master file was written.
func (zw *ZoneFileWatcher) Run(onChange func(zoneName string)) {
	for {
		select {
		case ev, ok := <-zw.watcher.Events:
			if !ok {
				return
			}
			if ev.Op&(fsnotify.Write|fsnotify.Create) == 0 {
				continue
			}
			if zone, known := zw.paths[ev.Name]; known {
				onChange(zone)
			}
		case err, ok := <-zw.watcher.Errors:
			if !ok {
				return
			}
			if zw.logger != nil {
				zw.logger.Printf("zone file watch error: %v", err)
			}
		}
	}
}

// Close stops the underlying fsnotify watcher.
func (zw *ZoneFileWatcher) Close() error {
	return zw.watcher.Close()
}
