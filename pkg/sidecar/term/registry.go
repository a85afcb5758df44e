package term

import (
	"errors"
	"os"
	"os/exec"
	"sync"

	"github.com/creack/pty"
)

// DataFunc receives output read from a terminal. It runs on the terminal's
// pump goroutine and should not block for long.
type DataFunc func(terminalID uint32, data []byte)

// ExitFunc receives a terminal's exit. code is nil when the process was
// killed or otherwise did not exit normally.
type ExitFunc func(terminalID uint32, code *int32)

// Registry owns the live terminals of one connection or channel. Terminal
// ids start at 1 and are never reused within a registry.
type Registry struct {
	mu     sync.Mutex
	nextID uint32
	terms  map[uint32]*terminal
}

type terminal struct {
	pty  *os.File
	cmd  *exec.Cmd
	once sync.Once
}

func (t *terminal) close() { t.once.Do(func() { t.pty.Close() }) }

func NewRegistry() *Registry {
	return &Registry{terms: make(map[uint32]*terminal)}
}

// Create spawns shell on a fresh pseudo-terminal and starts pumping its
// output. onData and onExit fire from the pump goroutine; onExit fires
// exactly once, after the terminal has left the registry.
func (r *Registry) Create(req *CreateRequest, onData DataFunc, onExit ExitFunc) (terminalID, pid uint32, err error) {
	cmd := exec.Command(req.Shell, req.Args...)
	if req.Cwd != "" {
		cmd.Dir = req.Cwd
	}
	if len(req.Env) > 0 {
		env := os.Environ()
		for k, v := range req.Env {
			env = append(env, k+"="+v)
		}
		cmd.Env = env
	}

	f, err := pty.StartWithSize(cmd, &pty.Winsize{Rows: req.Rows, Cols: req.Cols})
	if err != nil {
		return 0, 0, err
	}

	r.mu.Lock()
	r.nextID++
	id := r.nextID
	t := &terminal{pty: f, cmd: cmd}
	r.terms[id] = t
	r.mu.Unlock()

	go r.pump(id, t, onData, onExit)
	return id, uint32(cmd.Process.Pid), nil
}

// pump copies terminal output to onData until the pty ends, then reaps the
// process and reports its exit.
func (r *Registry) pump(id uint32, t *terminal, onData DataFunc, onExit ExitFunc) {
	buf := make([]byte, 4096)
	for {
		n, err := t.pty.Read(buf)
		if n > 0 {
			data := make([]byte, n)
			copy(data, buf[:n])
			onData(id, data)
		}
		if err != nil {
			// Linux reports EIO on the master once the child side is gone.
			break
		}
	}

	var code *int32
	if err := t.cmd.Wait(); err == nil {
		zero := int32(0)
		code = &zero
	} else {
		var ee *exec.ExitError
		if errors.As(err, &ee) {
			if c := ee.ExitCode(); c >= 0 {
				cc := int32(c)
				code = &cc
			}
		}
	}

	r.detach(id)
	t.close()
	onExit(id, code)
}

// Write feeds input to a terminal. Input for an unknown terminal is
// dropped.
func (r *Registry) Write(terminalID uint32, data []byte) {
	r.mu.Lock()
	t := r.terms[terminalID]
	r.mu.Unlock()
	if t != nil {
		t.pty.Write(data)
	}
}

// Resize adjusts a terminal's window. Unknown terminals are ignored.
func (r *Registry) Resize(terminalID uint32, cols, rows uint16) {
	r.mu.Lock()
	t := r.terms[terminalID]
	r.mu.Unlock()
	if t != nil {
		pty.Setsize(t.pty, &pty.Winsize{Rows: rows, Cols: cols})
	}
}

// Kill force-stops a terminal. The pump goroutine observes the closed pty
// and reports the exit.
func (r *Registry) Kill(terminalID uint32) {
	t := r.detach(terminalID)
	if t == nil {
		return
	}
	if t.cmd.Process != nil {
		t.cmd.Process.Kill()
	}
	t.close()
}

// CloseAll force-stops every terminal, for connection teardown.
func (r *Registry) CloseAll() {
	r.mu.Lock()
	ids := make([]uint32, 0, len(r.terms))
	for id := range r.terms {
		ids = append(ids, id)
	}
	r.mu.Unlock()
	for _, id := range ids {
		r.Kill(id)
	}
}

// Count reports the number of live terminals.
func (r *Registry) Count() int {
	r.mu.Lock()
	defer r.mu.Unlock()
	return len(r.terms)
}

func (r *Registry) detach(id uint32) *terminal {
	r.mu.Lock()
	defer r.mu.Unlock()
	t := r.terms[id]
	delete(r.terms, id)
	return t
}
