package fsops

import (
	"context"
	"fmt"
	"net"
	"os"

	"github.com/rs/zerolog"
	"github.com/vmihailenco/msgpack/v5"

	"github.com/rishiad/uplink-server/pkg/sidecar"
)

// Handler serves the filesystem protocol on one connection. Watches belong
// to the connection and die with it.
type Handler struct {
	w       *sidecar.ConnWriter
	watches *WatchTable
	log     zerolog.Logger
}

// NewHandler is the accept hook for sidecar.ServeListener.
func NewHandler(w *sidecar.ConnWriter, log zerolog.Logger) *Handler {
	h := &Handler{w: w, log: log}
	h.watches = NewWatchTable(
		func(ev FileChangeEvent) { w.Send(TagFileChange, ev) },
		func(ev WatchErrorEvent) { w.Send(TagWatchError, ev) },
	)
	return h
}

func (h *Handler) Handle(_ context.Context, tag uint8, payload []byte) {
	switch tag {
	case TagStat:
		var req StatRequest
		if !h.decode(payload, &req) {
			return
		}
		res, err := Stat(req.Path)
		if err != nil {
			h.fail(req.ID, err)
			return
		}
		res.ID = req.ID
		h.w.Send(TagStatResult, res)
	case TagReadFile:
		var req ReadFileRequest
		if !h.decode(payload, &req) {
			return
		}
		data, err := ReadFile(req.Path)
		if err != nil {
			h.fail(req.ID, err)
			return
		}
		h.w.Send(TagData, DataResponse{ID: req.ID, Data: data})
	case TagWrite:
		var req WriteFileRequest
		if !h.decode(payload, &req) {
			return
		}
		h.finish(req.ID, WriteFile(req.Path, req.Data, req.Create, req.Overwrite))
	case TagDelete:
		var req DeleteRequest
		if !h.decode(payload, &req) {
			return
		}
		h.finish(req.ID, Delete(req.Path, req.Recursive))
	case TagRename:
		var req RenameRequest
		if !h.decode(payload, &req) {
			return
		}
		h.finish(req.ID, Rename(req.OldPath, req.NewPath, req.Overwrite))
	case TagCopy:
		var req CopyRequest
		if !h.decode(payload, &req) {
			return
		}
		h.finish(req.ID, Copy(req.SrcPath, req.DestPath, req.Overwrite))
	case TagReadDir:
		var req ReadDirRequest
		if !h.decode(payload, &req) {
			return
		}
		entries, err := ReadDir(req.Path)
		if err != nil {
			h.fail(req.ID, err)
			return
		}
		h.w.Send(TagDirEntries, DirEntriesResponse{ID: req.ID, Entries: entries})
	case TagMkdir:
		var req MkdirRequest
		if !h.decode(payload, &req) {
			return
		}
		h.finish(req.ID, Mkdir(req.Path))
	case TagWatch:
		var req WatchRequest
		if !h.decode(payload, &req) {
			return
		}
		h.finish(req.ID, h.watches.Watch(req.SessionID, req.ReqID, req.Path, req.Recursive))
	case TagUnwatch:
		var req UnwatchRequest
		if !h.decode(payload, &req) {
			return
		}
		h.watches.Unwatch(req.SessionID, req.ReqID)
		h.w.Send(TagOk, OkResponse{ID: req.ID})
	case TagRealpath:
		var req RealpathRequest
		if !h.decode(payload, &req) {
			return
		}
		path, err := Realpath(req.Path)
		if err != nil {
			h.fail(req.ID, err)
			return
		}
		h.w.Send(TagRealpathResult, RealpathResult{ID: req.ID, Path: path})
	default:
		h.w.Send(TagError, ErrorResponse{ID: 0, Message: "unknown message type"})
	}
}

// Close stops this connection's watches.
func (h *Handler) Close() { h.watches.CloseAll() }

func (h *Handler) decode(payload []byte, req any) bool {
	if err := msgpack.Unmarshal(payload, req); err != nil {
		h.log.Warn().Err(err).Msg("malformed filesystem request")
		h.w.Send(TagError, ErrorResponse{ID: 0, Message: "malformed payload"})
		return false
	}
	return true
}

func (h *Handler) finish(id uint32, err error) {
	if err != nil {
		h.fail(id, err)
		return
	}
	h.w.Send(TagOk, OkResponse{ID: id})
}

func (h *Handler) fail(id uint32, err error) {
	h.w.Send(TagError, ErrorResponse{ID: id, Message: err.Error()})
}

// Serve listens on socketPath and serves filesystem clients until ctx ends.
// A stale socket file from a previous run is removed first.
func Serve(ctx context.Context, socketPath string, log zerolog.Logger) error {
	os.Remove(socketPath)
	ln, err := net.Listen("unix", socketPath)
	if err != nil {
		return fmt.Errorf("fsops: listen %s: %w", socketPath, err)
	}
	log.Info().Str("socket", socketPath).Msg("filesystem sidecar listening")
	return sidecar.ServeListener(ctx, ln, log, func(w *sidecar.ConnWriter) sidecar.ConnHandler {
		return NewHandler(w, log)
	})
}
