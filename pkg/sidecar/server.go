package sidecar

import (
	"context"
	"errors"
	"io"
	"net"
	"sync"

	"github.com/rs/zerolog"
	"github.com/vmihailenco/msgpack/v5"
)

// ConnWriter serializes frame writes from the request loop and any number
// of pump goroutines sharing one connection.
type ConnWriter struct {
	mu   sync.Mutex
	conn net.Conn
}

func newConnWriter(conn net.Conn) *ConnWriter {
	return &ConnWriter{conn: conn}
}

// Send marshals v and writes it under tag.
func (w *ConnWriter) Send(tag uint8, v any) error {
	payload, err := msgpack.Marshal(v)
	if err != nil {
		return err
	}
	w.mu.Lock()
	defer w.mu.Unlock()
	return WriteMessage(w.conn, tag, payload)
}

// ConnHandler is one connection's worth of server state. Handle runs on the
// connection's read goroutine for every incoming frame; Close runs exactly
// once when the connection ends, however it ends.
type ConnHandler interface {
	Handle(ctx context.Context, tag uint8, payload []byte)
	Close()
}

// ServeListener accepts connections until ctx ends or the listener fails,
// building a fresh ConnHandler per connection. Connections share nothing:
// each gets its own handler and its own writer.
func ServeListener(ctx context.Context, ln net.Listener, log zerolog.Logger, accept func(w *ConnWriter) ConnHandler) error {
	go func() {
		<-ctx.Done()
		ln.Close()
	}()
	for {
		conn, err := ln.Accept()
		if err != nil {
			if ctx.Err() != nil {
				return nil
			}
			if errors.Is(err, net.ErrClosed) {
				return nil
			}
			return err
		}
		log.Debug().Str("remote", connName(conn)).Msg("connection accepted")
		go serveConn(ctx, conn, log, accept)
	}
}

func serveConn(ctx context.Context, conn net.Conn, log zerolog.Logger, accept func(w *ConnWriter) ConnHandler) {
	defer conn.Close()
	w := newConnWriter(conn)
	h := accept(w)
	defer h.Close()
	for {
		tag, payload, err := ReadMessage(conn)
		if err != nil {
			if !errors.Is(err, io.EOF) && ctx.Err() == nil {
				log.Warn().Err(err).Msg("connection read failed")
			}
			return
		}
		h.Handle(ctx, tag, payload)
	}
}

func connName(conn net.Conn) string {
	if addr := conn.RemoteAddr(); addr != nil && addr.String() != "" {
		return addr.String()
	}
	return "local"
}
