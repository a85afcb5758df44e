package term

import (
	"context"
	"fmt"
	"net"
	"os"

	"github.com/rs/zerolog"
	"github.com/vmihailenco/msgpack/v5"

	"github.com/rishiad/uplink-server/pkg/sidecar"
)

// Handler serves the terminal protocol on one connection. Every connection
// gets its own registry, so terminals die with their client.
type Handler struct {
	w   *sidecar.ConnWriter
	reg *Registry
	log zerolog.Logger
}

// NewHandler is the accept hook for sidecar.ServeListener.
func NewHandler(w *sidecar.ConnWriter, log zerolog.Logger) *Handler {
	return &Handler{w: w, reg: NewRegistry(), log: log}
}

// Registry exposes the connection's terminals, for adapters that share it.
func (h *Handler) Registry() *Registry { return h.reg }

func (h *Handler) Handle(_ context.Context, tag uint8, payload []byte) {
	switch tag {
	case TagCreate:
		var req CreateRequest
		if err := msgpack.Unmarshal(payload, &req); err != nil {
			h.malformed(err)
			return
		}
		h.create(&req)
	case TagInput:
		var req InputRequest
		if err := msgpack.Unmarshal(payload, &req); err != nil {
			h.malformed(err)
			return
		}
		h.reg.Write(req.TerminalID, req.Data)
		h.w.Send(TagOk, OkResponse{ID: req.ID})
	case TagResize:
		var req ResizeRequest
		if err := msgpack.Unmarshal(payload, &req); err != nil {
			h.malformed(err)
			return
		}
		h.reg.Resize(req.TerminalID, req.Cols, req.Rows)
		h.w.Send(TagOk, OkResponse{ID: req.ID})
	case TagKill:
		var req KillRequest
		if err := msgpack.Unmarshal(payload, &req); err != nil {
			h.malformed(err)
			return
		}
		h.reg.Kill(req.TerminalID)
		h.w.Send(TagOk, OkResponse{ID: req.ID})
	default:
		h.w.Send(TagError, ErrorResponse{ID: 0, Message: "unknown message type"})
	}
}

func (h *Handler) create(req *CreateRequest) {
	id, pid, err := h.reg.Create(req,
		func(terminalID uint32, data []byte) {
			h.w.Send(TagData, DataEvent{TerminalID: terminalID, Data: data})
		},
		func(terminalID uint32, code *int32) {
			h.w.Send(TagExit, ExitEvent{TerminalID: terminalID, Code: code})
		},
	)
	if err != nil {
		h.w.Send(TagError, ErrorResponse{ID: req.ID, Message: err.Error()})
		return
	}
	h.log.Debug().Uint32("terminal_id", id).Uint32("pid", pid).Str("shell", req.Shell).Msg("terminal created")
	h.w.Send(TagCreated, CreatedResponse{ID: req.ID, TerminalID: id, Pid: pid})
}

// Close kills this connection's terminals.
func (h *Handler) Close() { h.reg.CloseAll() }

func (h *Handler) malformed(err error) {
	h.log.Warn().Err(err).Msg("malformed terminal request")
	h.w.Send(TagError, ErrorResponse{ID: 0, Message: "malformed payload"})
}

// Serve listens on socketPath and serves terminal clients until ctx ends.
// A stale socket file from a previous run is removed first.
func Serve(ctx context.Context, socketPath string, log zerolog.Logger) error {
	os.Remove(socketPath)
	ln, err := net.Listen("unix", socketPath)
	if err != nil {
		return fmt.Errorf("term: listen %s: %w", socketPath, err)
	}
	log.Info().Str("socket", socketPath).Msg("terminal sidecar listening")
	return sidecar.ServeListener(ctx, ln, log, func(w *sidecar.ConnWriter) sidecar.ConnHandler {
		return NewHandler(w, log)
	})
}
