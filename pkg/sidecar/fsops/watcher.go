package fsops

import (
	"errors"
	"io/fs"
	"os"
	"path/filepath"
	"sync"

	"github.com/fsnotify/fsnotify"
)

// Wire-visible; editor-side code matches on this string.
var errWatchExists = errors.New("Watch already exists")

// ChangeFunc receives change notifications for one watch's session.
type ChangeFunc func(ev FileChangeEvent)

// WatchFailFunc receives watcher-level failures.
type WatchFailFunc func(ev WatchErrorEvent)

// WatchKey identifies one watch. A connection can hold watches for many
// editor sessions at once.
type WatchKey struct {
	SessionID string
	ReqID     uint32
}

// WatchTable owns the active watches of one connection or channel. Each
// watch gets its own notify handle and pump goroutine.
type WatchTable struct {
	onChange ChangeFunc
	onFail   WatchFailFunc

	mu       sync.Mutex
	watchers map[WatchKey]*fsnotify.Watcher
}

func NewWatchTable(onChange ChangeFunc, onFail WatchFailFunc) *WatchTable {
	return &WatchTable{
		onChange: onChange,
		onFail:   onFail,
		watchers: make(map[WatchKey]*fsnotify.Watcher),
	}
}

// Watch starts watching path under (sessionID, reqID). A recursive watch
// covers existing subdirectories and picks up directories created while it
// runs.
func (w *WatchTable) Watch(sessionID string, reqID uint32, path string, recursive bool) error {
	key := WatchKey{SessionID: sessionID, ReqID: reqID}

	fw, err := fsnotify.NewWatcher()
	if err != nil {
		return err
	}
	if err := fw.Add(path); err != nil {
		fw.Close()
		return err
	}
	if recursive {
		addSubdirs(fw, path)
	}

	w.mu.Lock()
	if _, ok := w.watchers[key]; ok {
		w.mu.Unlock()
		fw.Close()
		return errWatchExists
	}
	w.watchers[key] = fw
	w.mu.Unlock()

	go w.pump(key, fw, recursive)
	return nil
}

// Unwatch stops a watch. Unknown keys are a no-op.
func (w *WatchTable) Unwatch(sessionID string, reqID uint32) {
	key := WatchKey{SessionID: sessionID, ReqID: reqID}
	w.mu.Lock()
	fw := w.watchers[key]
	delete(w.watchers, key)
	w.mu.Unlock()
	if fw != nil {
		fw.Close()
	}
}

// CloseAll stops every watch, for connection teardown.
func (w *WatchTable) CloseAll() {
	w.mu.Lock()
	watchers := make([]*fsnotify.Watcher, 0, len(w.watchers))
	for _, fw := range w.watchers {
		watchers = append(watchers, fw)
	}
	w.watchers = make(map[WatchKey]*fsnotify.Watcher)
	w.mu.Unlock()
	for _, fw := range watchers {
		fw.Close()
	}
}

// Count reports the number of active watches.
func (w *WatchTable) Count() int {
	w.mu.Lock()
	defer w.mu.Unlock()
	return len(w.watchers)
}

func (w *WatchTable) pump(key WatchKey, fw *fsnotify.Watcher, recursive bool) {
	for {
		select {
		case ev, ok := <-fw.Events:
			if !ok {
				return
			}
			if recursive && ev.Op.Has(fsnotify.Create) {
				if fi, err := os.Stat(ev.Name); err == nil && fi.IsDir() {
					fw.Add(ev.Name)
				}
			}
			w.onChange(FileChangeEvent{
				SessionID: key.SessionID,
				Changes:   []FileChange{{ChangeType: classifyOp(ev.Op), Path: ev.Name}},
			})
		case err, ok := <-fw.Errors:
			if !ok {
				return
			}
			w.onFail(WatchErrorEvent{SessionID: key.SessionID, Message: err.Error()})
		}
	}
}

func classifyOp(op fsnotify.Op) uint8 {
	switch {
	case op.Has(fsnotify.Create):
		return ChangeAdded
	case op.Has(fsnotify.Remove):
		return ChangeDeleted
	default:
		return ChangeUpdated
	}
}

func addSubdirs(fw *fsnotify.Watcher, root string) {
	filepath.WalkDir(root, func(p string, d fs.DirEntry, err error) error {
		if err != nil {
			return nil
		}
		if d.IsDir() && p != root {
			fw.Add(p)
		}
		return nil
	})
}
