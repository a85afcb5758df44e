package service

import (
	"context"
	"errors"

	"github.com/rishiad/uplink-server/pkg/codec"
	"github.com/rishiad/uplink-server/pkg/sidecar/term"
)

// TerminalService exposes pseudo-terminals as the "terminal" channel.
// Terminals belong to the service rather than to any one connection, so a
// session that drops and resumes finds its terminals still running.
type TerminalService struct {
	reg  *term.Registry
	ch   *Channel
	data *Emitter
	exit *Emitter
}

type terminalCreateArgs struct {
	Shell string            `json:"shell"`
	Args  []string          `json:"args,omitempty"`
	Cwd   string            `json:"cwd,omitempty"`
	Env   map[string]string `json:"env,omitempty"`
	Cols  uint16            `json:"cols"`
	Rows  uint16            `json:"rows"`
}

type terminalCreated struct {
	TerminalID uint32 `json:"terminalId"`
	Pid        uint32 `json:"pid"`
}

type terminalInputArgs struct {
	TerminalID uint32 `json:"terminalId"`
	Data       []byte `json:"data"`
}

type terminalResizeArgs struct {
	TerminalID uint32 `json:"terminalId"`
	Cols       uint16 `json:"cols"`
	Rows       uint16 `json:"rows"`
}

type terminalKillArgs struct {
	TerminalID uint32 `json:"terminalId"`
}

type terminalDataEvent struct {
	TerminalID uint32 `json:"terminalId"`
	Data       []byte `json:"data"`
}

type terminalExitEvent struct {
	TerminalID uint32 `json:"terminalId"`
	Code       *int32 `json:"code"`
}

func NewTerminalService() *TerminalService {
	s := &TerminalService{reg: term.NewRegistry()}
	s.ch = NewChannel("terminal")
	s.data = s.ch.Event("data", "output chunks from running terminals")
	s.exit = s.ch.Event("exit", "terminal process exits")
	s.ch.Method("create", "spawn a shell on a fresh pty", s.create).
		Method("input", "feed bytes to a terminal's stdin", s.input).
		Method("resize", "change a terminal's window size", s.resize).
		Method("kill", "force-stop a terminal", s.kill)
	return s
}

// Channel returns the channel to register.
func (s *TerminalService) Channel() *Channel { return s.ch }

// Close kills every terminal, for daemon shutdown.
func (s *TerminalService) Close() { s.reg.CloseAll() }

// Count reports the number of live terminals.
func (s *TerminalService) Count() int { return s.reg.Count() }

func (s *TerminalService) create(_ context.Context, arg codec.Value) (codec.Value, error) {
	var args terminalCreateArgs
	if err := arg.UnmarshalRecord(&args); err != nil {
		return codec.Value{}, err
	}
	if args.Shell == "" {
		return codec.Value{}, errors.New("service: terminal create needs a shell")
	}
	if args.Cols == 0 {
		args.Cols = 80
	}
	if args.Rows == 0 {
		args.Rows = 24
	}
	req := &term.CreateRequest{
		Shell: args.Shell,
		Args:  args.Args,
		Cwd:   args.Cwd,
		Env:   args.Env,
		Cols:  args.Cols,
		Rows:  args.Rows,
	}
	id, pid, err := s.reg.Create(req, s.fireData, s.fireExit)
	if err != nil {
		return codec.Value{}, err
	}
	return codec.MarshalRecord(terminalCreated{TerminalID: id, Pid: pid})
}

func (s *TerminalService) input(_ context.Context, arg codec.Value) (codec.Value, error) {
	var args terminalInputArgs
	if err := arg.UnmarshalRecord(&args); err != nil {
		return codec.Value{}, err
	}
	s.reg.Write(args.TerminalID, args.Data)
	return codec.Absent(), nil
}

func (s *TerminalService) resize(_ context.Context, arg codec.Value) (codec.Value, error) {
	var args terminalResizeArgs
	if err := arg.UnmarshalRecord(&args); err != nil {
		return codec.Value{}, err
	}
	s.reg.Resize(args.TerminalID, args.Cols, args.Rows)
	return codec.Absent(), nil
}

func (s *TerminalService) kill(_ context.Context, arg codec.Value) (codec.Value, error) {
	var args terminalKillArgs
	if err := arg.UnmarshalRecord(&args); err != nil {
		return codec.Value{}, err
	}
	s.reg.Kill(args.TerminalID)
	return codec.Absent(), nil
}

func (s *TerminalService) fireData(terminalID uint32, data []byte) {
	if v, err := codec.MarshalRecord(terminalDataEvent{TerminalID: terminalID, Data: data}); err == nil {
		s.data.Fire(v)
	}
}

func (s *TerminalService) fireExit(terminalID uint32, code *int32) {
	if v, err := codec.MarshalRecord(terminalExitEvent{TerminalID: terminalID, Code: code}); err == nil {
		s.exit.Fire(v)
	}
}
