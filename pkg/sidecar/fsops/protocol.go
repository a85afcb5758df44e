// Package fsops implements the filesystem sidecar: stat, read, write,
// rename, copy and watch operations behind a framed MessagePack socket.
package fsops

// Request tags.
const (
	TagStat     uint8 = 1
	TagReadFile uint8 = 2
	TagWrite    uint8 = 3
	TagDelete   uint8 = 4
	TagRename   uint8 = 5
	TagCopy     uint8 = 6
	TagReadDir  uint8 = 7
	TagMkdir    uint8 = 8
	TagWatch    uint8 = 9
	TagUnwatch  uint8 = 10
	TagRealpath uint8 = 11
)

// Response tags.
const (
	TagOk             uint8 = 20
	TagError          uint8 = 21
	TagStatResult     uint8 = 22
	TagData           uint8 = 23
	TagDirEntries     uint8 = 24
	TagRealpathResult uint8 = 25
)

// Push event tags.
const (
	TagFileChange uint8 = 30
	TagWatchError uint8 = 31
)

// File type codes, matching the editor-side FileType enum.
const (
	FileTypeUnknown   uint8 = 0
	FileTypeFile      uint8 = 1
	FileTypeDirectory uint8 = 2
	FileTypeSymlink   uint8 = 64
)

// Change type codes carried in FileChange.
const (
	ChangeUpdated uint8 = 0
	ChangeAdded   uint8 = 1
	ChangeDeleted uint8 = 2
)

// DefaultSocketPath is where the sidecar listens unless told otherwise.
const DefaultSocketPath = "/tmp/uplink-fs.sock"

type StatRequest struct {
	ID   uint32 `msgpack:"id"`
	Path string `msgpack:"path"`
}

// StatResult carries ctime and mtime as milliseconds since the epoch; a
// timestamp the platform cannot supply is 0.
type StatResult struct {
	ID       uint32 `msgpack:"id"`
	FileType uint8  `msgpack:"file_type"`
	Ctime    uint64 `msgpack:"ctime"`
	Mtime    uint64 `msgpack:"mtime"`
	Size     uint64 `msgpack:"size"`
}

type ReadFileRequest struct {
	ID   uint32 `msgpack:"id"`
	Path string `msgpack:"path"`
}

type DataResponse struct {
	ID   uint32 `msgpack:"id"`
	Data []byte `msgpack:"data"`
}

type WriteFileRequest struct {
	ID        uint32 `msgpack:"id"`
	Path      string `msgpack:"path"`
	Data      []byte `msgpack:"data"`
	Create    bool   `msgpack:"create"`
	Overwrite bool   `msgpack:"overwrite"`
}

type DeleteRequest struct {
	ID        uint32 `msgpack:"id"`
	Path      string `msgpack:"path"`
	Recursive bool   `msgpack:"recursive"`
}

type RenameRequest struct {
	ID        uint32 `msgpack:"id"`
	OldPath   string `msgpack:"old_path"`
	NewPath   string `msgpack:"new_path"`
	Overwrite bool   `msgpack:"overwrite"`
}

type CopyRequest struct {
	ID        uint32 `msgpack:"id"`
	SrcPath   string `msgpack:"src_path"`
	DestPath  string `msgpack:"dest_path"`
	Overwrite bool   `msgpack:"overwrite"`
}

type ReadDirRequest struct {
	ID   uint32 `msgpack:"id"`
	Path string `msgpack:"path"`
}

type DirEntry struct {
	Name     string `msgpack:"name"`
	FileType uint8  `msgpack:"file_type"`
}

type DirEntriesResponse struct {
	ID      uint32     `msgpack:"id"`
	Entries []DirEntry `msgpack:"entries"`
}

type MkdirRequest struct {
	ID   uint32 `msgpack:"id"`
	Path string `msgpack:"path"`
}

// WatchRequest starts a watch. Watches are keyed (session_id, req_id) so
// one connection can watch on behalf of many editor sessions.
type WatchRequest struct {
	ID        uint32 `msgpack:"id"`
	SessionID string `msgpack:"session_id"`
	ReqID     uint32 `msgpack:"req_id"`
	Path      string `msgpack:"path"`
	Recursive bool   `msgpack:"recursive"`
}

type UnwatchRequest struct {
	ID        uint32 `msgpack:"id"`
	SessionID string `msgpack:"session_id"`
	ReqID     uint32 `msgpack:"req_id"`
}

type RealpathRequest struct {
	ID   uint32 `msgpack:"id"`
	Path string `msgpack:"path"`
}

type RealpathResult struct {
	ID   uint32 `msgpack:"id"`
	Path string `msgpack:"path"`
}

type OkResponse struct {
	ID uint32 `msgpack:"id"`
}

type ErrorResponse struct {
	ID      uint32 `msgpack:"id"`
	Message string `msgpack:"message"`
}

type FileChange struct {
	ChangeType uint8  `msgpack:"change_type"`
	Path       string `msgpack:"path"`
}

type FileChangeEvent struct {
	SessionID string       `msgpack:"session_id"`
	Changes   []FileChange `msgpack:"changes"`
}

type WatchErrorEvent struct {
	SessionID string `msgpack:"session_id"`
	Message   string `msgpack:"message"`
}
