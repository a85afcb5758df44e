package service

import (
	"context"

	"github.com/rishiad/uplink-server/pkg/codec"
	"github.com/rishiad/uplink-server/pkg/sidecar/fsops"
)

// FileService exposes filesystem operations as the "files" channel. Watches
// are keyed (sessionId, reqId) the same way the filesystem sidecar keys
// them, so the daemon can hold watches for many editor sessions.
type FileService struct {
	watches  *fsops.WatchTable
	ch       *Channel
	change   *Emitter
	watchErr *Emitter
}

type pathArgs struct {
	Path string `json:"path"`
}

type writeFileArgs struct {
	Path      string `json:"path"`
	Data      []byte `json:"data"`
	Create    bool   `json:"create"`
	Overwrite bool   `json:"overwrite"`
}

type deleteArgs struct {
	Path      string `json:"path"`
	Recursive bool   `json:"recursive"`
}

type renameArgs struct {
	OldPath   string `json:"oldPath"`
	NewPath   string `json:"newPath"`
	Overwrite bool   `json:"overwrite"`
}

type copyArgs struct {
	SrcPath   string `json:"srcPath"`
	DestPath  string `json:"destPath"`
	Overwrite bool   `json:"overwrite"`
}

type watchArgs struct {
	SessionID string `json:"sessionId"`
	ReqID     uint32 `json:"reqId"`
	Path      string `json:"path"`
	Recursive bool   `json:"recursive"`
}

type unwatchArgs struct {
	SessionID string `json:"sessionId"`
	ReqID     uint32 `json:"reqId"`
}

type fileStat struct {
	FileType uint8  `json:"fileType"`
	Ctime    uint64 `json:"ctime"`
	Mtime    uint64 `json:"mtime"`
	Size     uint64 `json:"size"`
}

type dirEntry struct {
	Name     string `json:"name"`
	FileType uint8  `json:"fileType"`
}

type dirListing struct {
	Entries []dirEntry `json:"entries"`
}

type realpathResult struct {
	Path string `json:"path"`
}

type fileChangeRecord struct {
	ChangeType uint8  `json:"changeType"`
	Path       string `json:"path"`
}

type fileChangeEvent struct {
	SessionID string             `json:"sessionId"`
	Changes   []fileChangeRecord `json:"changes"`
}

type watchErrorEvent struct {
	SessionID string `json:"sessionId"`
	Message   string `json:"message"`
}

func NewFileService() *FileService {
	s := &FileService{}
	s.watches = fsops.NewWatchTable(s.fireChange, s.fireWatchError)
	s.ch = NewChannel("files")
	s.change = s.ch.Event("fileChange", "change notifications from active watches")
	s.watchErr = s.ch.Event("watchError", "watch backend failures")
	s.ch.Method("stat", "file type, timestamps and size of a path", s.stat).
		Method("readFile", "whole file contents as raw bytes", s.readFile).
		Method("writeFile", "write contents honoring create/overwrite flags", s.writeFile).
		Method("delete", "remove a file or directory", s.delete).
		Method("rename", "move a path, refusing existing targets unless overwrite", s.rename).
		Method("copy", "duplicate a file, refusing existing targets unless overwrite", s.copy).
		Method("readDir", "list directory entries with their types", s.readDir).
		Method("mkdir", "create a directory and its parents", s.mkdir).
		Method("realpath", "absolute path with symlinks resolved", s.realpath).
		Method("watch", "start a change watch keyed (sessionId, reqId)", s.watch).
		Method("unwatch", "stop a watch; unknown keys are a no-op", s.unwatch)
	return s
}

// Channel returns the channel to register.
func (s *FileService) Channel() *Channel { return s.ch }

// Close stops every watch, for daemon shutdown.
func (s *FileService) Close() { s.watches.CloseAll() }

// WatchCount reports the number of active watches.
func (s *FileService) WatchCount() int { return s.watches.Count() }

func (s *FileService) stat(_ context.Context, arg codec.Value) (codec.Value, error) {
	var args pathArgs
	if err := arg.UnmarshalRecord(&args); err != nil {
		return codec.Value{}, err
	}
	res, err := fsops.Stat(args.Path)
	if err != nil {
		return codec.Value{}, err
	}
	return codec.MarshalRecord(fileStat{
		FileType: res.FileType,
		Ctime:    res.Ctime,
		Mtime:    res.Mtime,
		Size:     res.Size,
	})
}

func (s *FileService) readFile(_ context.Context, arg codec.Value) (codec.Value, error) {
	var args pathArgs
	if err := arg.UnmarshalRecord(&args); err != nil {
		return codec.Value{}, err
	}
	data, err := fsops.ReadFile(args.Path)
	if err != nil {
		return codec.Value{}, err
	}
	return codec.Bytes(data), nil
}

func (s *FileService) writeFile(_ context.Context, arg codec.Value) (codec.Value, error) {
	var args writeFileArgs
	if err := arg.UnmarshalRecord(&args); err != nil {
		return codec.Value{}, err
	}
	if err := fsops.WriteFile(args.Path, args.Data, args.Create, args.Overwrite); err != nil {
		return codec.Value{}, err
	}
	return codec.Absent(), nil
}

func (s *FileService) delete(_ context.Context, arg codec.Value) (codec.Value, error) {
	var args deleteArgs
	if err := arg.UnmarshalRecord(&args); err != nil {
		return codec.Value{}, err
	}
	if err := fsops.Delete(args.Path, args.Recursive); err != nil {
		return codec.Value{}, err
	}
	return codec.Absent(), nil
}

func (s *FileService) rename(_ context.Context, arg codec.Value) (codec.Value, error) {
	var args renameArgs
	if err := arg.UnmarshalRecord(&args); err != nil {
		return codec.Value{}, err
	}
	if err := fsops.Rename(args.OldPath, args.NewPath, args.Overwrite); err != nil {
		return codec.Value{}, err
	}
	return codec.Absent(), nil
}

func (s *FileService) copy(_ context.Context, arg codec.Value) (codec.Value, error) {
	var args copyArgs
	if err := arg.UnmarshalRecord(&args); err != nil {
		return codec.Value{}, err
	}
	if err := fsops.Copy(args.SrcPath, args.DestPath, args.Overwrite); err != nil {
		return codec.Value{}, err
	}
	return codec.Absent(), nil
}

func (s *FileService) readDir(_ context.Context, arg codec.Value) (codec.Value, error) {
	var args pathArgs
	if err := arg.UnmarshalRecord(&args); err != nil {
		return codec.Value{}, err
	}
	list, err := fsops.ReadDir(args.Path)
	if err != nil {
		return codec.Value{}, err
	}
	entries := make([]dirEntry, 0, len(list))
	for _, e := range list {
		entries = append(entries, dirEntry{Name: e.Name, FileType: e.FileType})
	}
	return codec.MarshalRecord(dirListing{Entries: entries})
}

func (s *FileService) mkdir(_ context.Context, arg codec.Value) (codec.Value, error) {
	var args pathArgs
	if err := arg.UnmarshalRecord(&args); err != nil {
		return codec.Value{}, err
	}
	if err := fsops.Mkdir(args.Path); err != nil {
		return codec.Value{}, err
	}
	return codec.Absent(), nil
}

func (s *FileService) realpath(_ context.Context, arg codec.Value) (codec.Value, error) {
	var args pathArgs
	if err := arg.UnmarshalRecord(&args); err != nil {
		return codec.Value{}, err
	}
	path, err := fsops.Realpath(args.Path)
	if err != nil {
		return codec.Value{}, err
	}
	return codec.MarshalRecord(realpathResult{Path: path})
}

func (s *FileService) watch(_ context.Context, arg codec.Value) (codec.Value, error) {
	var args watchArgs
	if err := arg.UnmarshalRecord(&args); err != nil {
		return codec.Value{}, err
	}
	if err := s.watches.Watch(args.SessionID, args.ReqID, args.Path, args.Recursive); err != nil {
		return codec.Value{}, err
	}
	return codec.Absent(), nil
}

func (s *FileService) unwatch(_ context.Context, arg codec.Value) (codec.Value, error) {
	var args unwatchArgs
	if err := arg.UnmarshalRecord(&args); err != nil {
		return codec.Value{}, err
	}
	s.watches.Unwatch(args.SessionID, args.ReqID)
	return codec.Absent(), nil
}

func (s *FileService) fireChange(ev fsops.FileChangeEvent) {
	changes := make([]fileChangeRecord, 0, len(ev.Changes))
	for _, c := range ev.Changes {
		changes = append(changes, fileChangeRecord{ChangeType: c.ChangeType, Path: c.Path})
	}
	if v, err := codec.MarshalRecord(fileChangeEvent{SessionID: ev.SessionID, Changes: changes}); err == nil {
		s.change.Fire(v)
	}
}

func (s *FileService) fireWatchError(ev fsops.WatchErrorEvent) {
	if v, err := codec.MarshalRecord(watchErrorEvent{SessionID: ev.SessionID, Message: ev.Message}); err == nil {
		s.watchErr.Fire(v)
	}
}
