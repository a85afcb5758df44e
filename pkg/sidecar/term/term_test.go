package term

import (
	"context"
	"net"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/rs/zerolog"
	"github.com/vmihailenco/msgpack/v5"

	"github.com/rishiad/uplink-server/pkg/sidecar"
)

func requireShell(t *testing.T) string {
	t.Helper()
	if _, err := os.Stat("/bin/sh"); err != nil {
		t.Skip("/bin/sh not available")
	}
	return "/bin/sh"
}

func startSidecar(t *testing.T) string {
	t.Helper()
	path := filepath.Join(t.TempDir(), "pty.sock")
	ctx, cancel := context.WithCancel(context.Background())
	t.Cleanup(cancel)
	go Serve(ctx, path, zerolog.Nop())

	deadline := time.Now().Add(3 * time.Second)
	for {
		if _, err := os.Stat(path); err == nil {
			return path
		}
		if time.Now().After(deadline) {
			t.Fatalf("socket %s never appeared", path)
		}
		time.Sleep(5 * time.Millisecond)
	}
}

func dialSidecar(t *testing.T, path string) *Client {
	t.Helper()
	cl, err := Dial(path)
	if err != nil {
		t.Fatalf("dial: %v", err)
	}
	t.Cleanup(func() { cl.Close() })
	return cl
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

// outputLog accumulates terminal output across pump callbacks.
type outputLog struct {
	mu  sync.Mutex
	buf strings.Builder
}

func (o *outputLog) add(data []byte) {
	o.mu.Lock()
	o.buf.Write(data)
	o.mu.Unlock()
}

func (o *outputLog) String() string {
	o.mu.Lock()
	defer o.mu.Unlock()
	return o.buf.String()
}

// ---- end to end over the socket ----

func TestShellRunsAndExits(t *testing.T) {
	shell := requireShell(t)
	cl := dialSidecar(t, startSidecar(t))

	var out outputLog
	cl.OnData(func(_ uint32, data []byte) { out.add(data) })
	exits := make(chan *int32, 1)
	cl.OnExit(func(_ uint32, code *int32) { exits <- code })

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	id, pid, err := cl.Create(ctx, CreateRequest{
		Shell: shell,
		Args:  []string{"-c", "printf ready; exit 7"},
		Cwd:   t.TempDir(),
		Cols:  80,
		Rows:  24,
	})
	if err != nil {
		t.Fatalf("create: %v", err)
	}
	if id == 0 || pid == 0 {
		t.Fatalf("create returned id %d pid %d", id, pid)
	}

	waitFor(t, "output never arrived", func() bool {
		return strings.Contains(out.String(), "ready")
	})
	select {
	case code := <-exits:
		if code == nil || *code != 7 {
			t.Fatalf("exit code = %v, want 7", code)
		}
	case <-time.After(5 * time.Second):
		t.Fatal("exit event never arrived")
	}
}

func TestEnvReachesShell(t *testing.T) {
	shell := requireShell(t)
	cl := dialSidecar(t, startSidecar(t))

	var out outputLog
	cl.OnData(func(_ uint32, data []byte) { out.add(data) })

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	_, _, err := cl.Create(ctx, CreateRequest{
		Shell: shell,
		Args:  []string{"-c", `printf "%s" "$UPLINK_TEST_MARK"`},
		Env:   map[string]string{"UPLINK_TEST_MARK": "wqx913"},
		Cols:  80,
		Rows:  24,
	})
	if err != nil {
		t.Fatalf("create: %v", err)
	}
	waitFor(t, "env value never surfaced", func() bool {
		return strings.Contains(out.String(), "wqx913")
	})
}

func TestInputDrivesShell(t *testing.T) {
	shell := requireShell(t)
	cl := dialSidecar(t, startSidecar(t))

	var out outputLog
	cl.OnData(func(_ uint32, data []byte) { out.add(data) })

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	id, _, err := cl.Create(ctx, CreateRequest{
		Shell: shell,
		Args:  []string{"-c", `read line; printf "got:%s" "$line"`},
		Cols:  80,
		Rows:  24,
	})
	if err != nil {
		t.Fatalf("create: %v", err)
	}
	if err := cl.Input(ctx, id, []byte("ping\n")); err != nil {
		t.Fatalf("input: %v", err)
	}
	waitFor(t, "shell never saw the input", func() bool {
		return strings.Contains(out.String(), "got:ping")
	})
}

func TestKillTerminatesTerminal(t *testing.T) {
	shell := requireShell(t)
	cl := dialSidecar(t, startSidecar(t))

	exits := make(chan *int32, 1)
	cl.OnExit(func(_ uint32, code *int32) { exits <- code })

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	id, _, err := cl.Create(ctx, CreateRequest{
		Shell: shell,
		Args:  []string{"-c", "sleep 30"},
		Cols:  80,
		Rows:  24,
	})
	if err != nil {
		t.Fatalf("create: %v", err)
	}
	if err := cl.Resize(ctx, id, 120, 40); err != nil {
		t.Fatalf("resize: %v", err)
	}
	if err := cl.Kill(ctx, id); err != nil {
		t.Fatalf("kill: %v", err)
	}
	select {
	case <-exits:
	case <-time.After(5 * time.Second):
		t.Fatal("exit event never arrived after kill")
	}
}

func TestBestEffortOpsOnUnknownTerminal(t *testing.T) {
	cl := dialSidecar(t, startSidecar(t))

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	if err := cl.Input(ctx, 9999, []byte("x")); err != nil {
		t.Fatalf("input to unknown terminal = %v, want ok", err)
	}
	if err := cl.Resize(ctx, 9999, 80, 24); err != nil {
		t.Fatalf("resize of unknown terminal = %v, want ok", err)
	}
	if err := cl.Kill(ctx, 9999); err != nil {
		t.Fatalf("kill of unknown terminal = %v, want ok", err)
	}
}

func TestCreateWithBadShellFails(t *testing.T) {
	cl := dialSidecar(t, startSidecar(t))

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	_, _, err := cl.Create(ctx, CreateRequest{
		Shell: "/no/such/shell-xyz",
		Cols:  80,
		Rows:  24,
	})
	if err == nil {
		t.Fatal("creating a terminal with a missing shell succeeded")
	}
}

func TestUnknownTagGetsError(t *testing.T) {
	path := startSidecar(t)
	conn, err := net.Dial("unix", path)
	if err != nil {
		t.Fatalf("dial: %v", err)
	}
	defer conn.Close()

	payload, _ := msgpack.Marshal(OkResponse{ID: 5})
	if err := sidecar.WriteMessage(conn, 99, payload); err != nil {
		t.Fatalf("write: %v", err)
	}
	tag, body, err := sidecar.ReadMessage(conn)
	if err != nil {
		t.Fatalf("read: %v", err)
	}
	if tag != TagError {
		t.Fatalf("response tag = %d, want TagError", tag)
	}
	var res ErrorResponse
	if err := msgpack.Unmarshal(body, &res); err != nil {
		t.Fatalf("decode: %v", err)
	}
	if res.ID != 0 || res.Message != "unknown message type" {
		t.Fatalf("error = %+v", res)
	}
}

// ---- registry ----

func TestRegistryDropsTerminalAfterExit(t *testing.T) {
	shell := requireShell(t)
	reg := NewRegistry()
	t.Cleanup(reg.CloseAll)

	exited := make(chan struct{})
	_, _, err := reg.Create(&CreateRequest{
		Shell: shell,
		Args:  []string{"-c", "exit 0"},
		Cols:  80,
		Rows:  24,
	}, func(uint32, []byte) {}, func(uint32, *int32) { close(exited) })
	if err != nil {
		t.Fatalf("create: %v", err)
	}
	select {
	case <-exited:
	case <-time.After(5 * time.Second):
		t.Fatal("exit callback never ran")
	}
	waitFor(t, "terminal still registered after exit", func() bool {
		return reg.Count() == 0
	})
}

func TestRegistryFailedCreateLeavesNothing(t *testing.T) {
	reg := NewRegistry()
	_, _, err := reg.Create(&CreateRequest{
		Shell: "/no/such/shell-xyz",
		Cols:  80,
		Rows:  24,
	}, func(uint32, []byte) {}, func(uint32, *int32) {})
	if err == nil {
		t.Fatal("create with a missing shell succeeded")
	}
	if reg.Count() != 0 {
		t.Fatalf("registry holds %d terminals after failed create", reg.Count())
	}
}
