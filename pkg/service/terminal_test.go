package service

import (
	"context"
	"os"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/rishiad/uplink-server/pkg/codec"
)

func requireShell(t *testing.T) string {
	t.Helper()
	if _, err := os.Stat("/bin/sh"); err != nil {
		t.Skip("/bin/sh not available")
	}
	return "/bin/sh"
}

func waitFor(t *testing.T, what string, cond func() bool) {
	t.Helper()
	deadline := time.Now().Add(5 * time.Second)
	for time.Now().Before(deadline) {
		if cond() {
			return
		}
		time.Sleep(5 * time.Millisecond)
	}
	t.Fatal(what)
}

func dispatchRecord(t *testing.T, r *Registry, channel, method string, args any) codec.Value {
	t.Helper()
	arg, err := codec.MarshalRecord(args)
	if err != nil {
		t.Fatalf("marshal args: %v", err)
	}
	res, err := r.Dispatch(context.Background(), channel, method, arg)
	if err != nil {
		t.Fatalf("%s.%s: %v", channel, method, err)
	}
	return res
}

func terminalFixture(t *testing.T) (*TerminalService, *Registry) {
	t.Helper()
	svc := NewTerminalService()
	t.Cleanup(svc.Close)
	r := NewRegistry()
	if err := r.Register(svc.Channel()); err != nil {
		t.Fatalf("register: %v", err)
	}
	return svc, r
}

func TestTerminalChannelRunsShell(t *testing.T) {
	shell := requireShell(t)
	_, r := terminalFixture(t)

	var mu sync.Mutex
	var out strings.Builder
	_, err := r.Subscribe("terminal", "data", func(v codec.Value) {
		var ev terminalDataEvent
		if v.UnmarshalRecord(&ev) == nil {
			mu.Lock()
			out.Write(ev.Data)
			mu.Unlock()
		}
	})
	if err != nil {
		t.Fatalf("subscribe data: %v", err)
	}
	exits := make(chan *int32, 1)
	if _, err := r.Subscribe("terminal", "exit", func(v codec.Value) {
		var ev terminalExitEvent
		if v.UnmarshalRecord(&ev) == nil {
			exits <- ev.Code
		}
	}); err != nil {
		t.Fatalf("subscribe exit: %v", err)
	}

	res := dispatchRecord(t, r, "terminal", "create", terminalCreateArgs{
		Shell: shell,
		Args:  []string{"-c", "printf over-mux; exit 6"},
		Cols:  80,
		Rows:  24,
	})
	var created terminalCreated
	if err := res.UnmarshalRecord(&created); err != nil {
		t.Fatalf("decode create result: %v", err)
	}
	if created.TerminalID == 0 || created.Pid == 0 {
		t.Fatalf("create result = %+v", created)
	}

	waitFor(t, "output never reached the data event", func() bool {
		mu.Lock()
		defer mu.Unlock()
		return strings.Contains(out.String(), "over-mux")
	})
	select {
	case code := <-exits:
		if code == nil || *code != 6 {
			t.Fatalf("exit code = %v, want 6", code)
		}
	case <-time.After(5 * time.Second):
		t.Fatal("exit event never fired")
	}
}

func TestTerminalChannelInput(t *testing.T) {
	shell := requireShell(t)
	_, r := terminalFixture(t)

	var mu sync.Mutex
	var out strings.Builder
	r.Subscribe("terminal", "data", func(v codec.Value) {
		var ev terminalDataEvent
		if v.UnmarshalRecord(&ev) == nil {
			mu.Lock()
			out.Write(ev.Data)
			mu.Unlock()
		}
	})

	res := dispatchRecord(t, r, "terminal", "create", terminalCreateArgs{
		Shell: shell,
		Args:  []string{"-c", `read line; printf "echoed:%s" "$line"`},
	})
	var created terminalCreated
	if err := res.UnmarshalRecord(&created); err != nil {
		t.Fatalf("decode create result: %v", err)
	}

	dispatchRecord(t, r, "terminal", "input", terminalInputArgs{
		TerminalID: created.TerminalID,
		Data:       []byte("hello\n"),
	})
	waitFor(t, "input never round-tripped", func() bool {
		mu.Lock()
		defer mu.Unlock()
		return strings.Contains(out.String(), "echoed:hello")
	})
}

func TestTerminalChannelKill(t *testing.T) {
	shell := requireShell(t)
	svc, r := terminalFixture(t)

	exits := make(chan struct{}, 1)
	r.Subscribe("terminal", "exit", func(codec.Value) { exits <- struct{}{} })

	res := dispatchRecord(t, r, "terminal", "create", terminalCreateArgs{
		Shell: shell,
		Args:  []string{"-c", "sleep 30"},
	})
	var created terminalCreated
	if err := res.UnmarshalRecord(&created); err != nil {
		t.Fatalf("decode create result: %v", err)
	}
	if svc.Count() != 1 {
		t.Fatalf("terminal count = %d, want 1", svc.Count())
	}

	dispatchRecord(t, r, "terminal", "resize", terminalResizeArgs{TerminalID: created.TerminalID, Cols: 120, Rows: 40})
	dispatchRecord(t, r, "terminal", "kill", terminalKillArgs{TerminalID: created.TerminalID})
	select {
	case <-exits:
	case <-time.After(5 * time.Second):
		t.Fatal("exit event never fired after kill")
	}
	waitFor(t, "terminal still counted after kill", func() bool {
		return svc.Count() == 0
	})

	// Best-effort operations on dead ids stay silent.
	dispatchRecord(t, r, "terminal", "input", terminalInputArgs{TerminalID: created.TerminalID, Data: []byte("x")})
	dispatchRecord(t, r, "terminal", "kill", terminalKillArgs{TerminalID: created.TerminalID})
}

func TestTerminalCreateValidation(t *testing.T) {
	_, r := terminalFixture(t)

	arg, _ := codec.MarshalRecord(terminalCreateArgs{})
	if _, err := r.Dispatch(context.Background(), "terminal", "create", arg); err == nil {
		t.Fatal("create without a shell succeeded")
	}
	if _, err := r.Dispatch(context.Background(), "terminal", "create", codec.Text("nope")); err == nil {
		t.Fatal("create with a non-record argument succeeded")
	}
}
