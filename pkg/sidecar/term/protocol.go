// Package term implements the terminal sidecar: shells spawned on
// pseudo-terminals behind a framed MessagePack socket. Each connection owns
// its terminals; hanging up kills them.
package term

// Request tags.
const (
	TagCreate uint8 = 1
	TagInput  uint8 = 2
	TagResize uint8 = 3
	TagKill   uint8 = 4
)

// Response tags.
const (
	TagCreated uint8 = 10
	TagOk      uint8 = 11
	TagError   uint8 = 12
)

// Push event tags.
const (
	TagData uint8 = 20
	TagExit uint8 = 21
)

// DefaultSocketPath is where the sidecar listens unless told otherwise.
const DefaultSocketPath = "/tmp/uplink-pty.sock"

// CreateRequest asks for a new terminal running shell.
type CreateRequest struct {
	ID    uint32            `msgpack:"id"`
	Shell string            `msgpack:"shell"`
	Args  []string          `msgpack:"args"`
	Cwd   string            `msgpack:"cwd"`
	Env   map[string]string `msgpack:"env"`
	Cols  uint16            `msgpack:"cols"`
	Rows  uint16            `msgpack:"rows"`
}

// InputRequest feeds bytes to a terminal's stdin.
type InputRequest struct {
	ID         uint32 `msgpack:"id"`
	TerminalID uint32 `msgpack:"terminal_id"`
	Data       []byte `msgpack:"data"`
}

// ResizeRequest changes a terminal's window size.
type ResizeRequest struct {
	ID         uint32 `msgpack:"id"`
	TerminalID uint32 `msgpack:"terminal_id"`
	Cols       uint16 `msgpack:"cols"`
	Rows       uint16 `msgpack:"rows"`
}

// KillRequest force-stops a terminal.
type KillRequest struct {
	ID         uint32 `msgpack:"id"`
	TerminalID uint32 `msgpack:"terminal_id"`
}

// CreatedResponse reports a freshly spawned terminal.
type CreatedResponse struct {
	ID         uint32 `msgpack:"id"`
	TerminalID uint32 `msgpack:"terminal_id"`
	Pid        uint32 `msgpack:"pid"`
}

// OkResponse acknowledges a request with no result of its own.
type OkResponse struct {
	ID uint32 `msgpack:"id"`
}

// ErrorResponse reports a failed request. ID 0 means the failure could not
// be pinned to a request.
type ErrorResponse struct {
	ID      uint32 `msgpack:"id"`
	Message string `msgpack:"message"`
}

// DataEvent carries terminal output.
type DataEvent struct {
	TerminalID uint32 `msgpack:"terminal_id"`
	Data       []byte `msgpack:"data"`
}

// ExitEvent reports a terminal's process ending. Code is nil when the
// process did not exit normally.
type ExitEvent struct {
	TerminalID uint32 `msgpack:"terminal_id"`
	Code       *int32 `msgpack:"code"`
}
