package fsops

import (
	"os"
	"syscall"
)

// ctimeMillis reads the inode change time. The closest thing Linux offers
// to a creation time without statx.
func ctimeMillis(fi os.FileInfo) uint64 {
	st, ok := fi.Sys().(*syscall.Stat_t)
	if !ok {
		return 0
	}
	return uint64(st.Ctim.Sec)*1000 + uint64(st.Ctim.Nsec)/1_000_000
}
