package fsops

import (
	"errors"
	"io"
	"io/fs"
	"os"
	"path/filepath"
)

// Error strings here are wire-visible and must stay byte-stable; editor-side
// code matches on them.
var (
	errExistsNoOverwrite = errors.New("File exists and overwrite is false")
	errMissingNoCreate   = errors.New("File does not exist and create is false")
	errTargetExists      = errors.New("Target exists and overwrite is false")
)

// Stat resolves symlinks, so the symlink file type only ever surfaces from
// ReadDir entries.
func Stat(path string) (*StatResult, error) {
	fi, err := os.Stat(path)
	if err != nil {
		return nil, err
	}
	return &StatResult{
		FileType: classifyMode(fi.Mode()),
		Ctime:    ctimeMillis(fi),
		Mtime:    millis(fi.ModTime().UnixMilli()),
		Size:     uint64(fi.Size()),
	}, nil
}

func ReadFile(path string) ([]byte, error) {
	return os.ReadFile(path)
}

// WriteFile honors the create/overwrite flags and creates missing parent
// directories before writing.
func WriteFile(path string, data []byte, create, overwrite bool) error {
	_, err := os.Lstat(path)
	exists := err == nil
	if exists && !overwrite {
		return errExistsNoOverwrite
	}
	if !exists && !create {
		return errMissingNoCreate
	}
	if parent := filepath.Dir(path); parent != "" {
		if _, err := os.Stat(parent); err != nil {
			if err := os.MkdirAll(parent, 0o755); err != nil {
				return err
			}
		}
	}
	return os.WriteFile(path, data, 0o644)
}

// Delete removes a file, or a directory when recursive is set. A non-empty
// directory without recursive fails.
func Delete(path string, recursive bool) error {
	fi, err := os.Stat(path)
	if err != nil {
		return err
	}
	if fi.IsDir() {
		if recursive {
			return os.RemoveAll(path)
		}
		return os.Remove(path)
	}
	return os.Remove(path)
}

func Rename(oldPath, newPath string, overwrite bool) error {
	if !overwrite {
		if _, err := os.Lstat(newPath); err == nil {
			return errTargetExists
		}
	}
	return os.Rename(oldPath, newPath)
}

// Copy duplicates a single file, carrying the source's permission bits.
func Copy(srcPath, destPath string, overwrite bool) error {
	if !overwrite {
		if _, err := os.Lstat(destPath); err == nil {
			return errTargetExists
		}
	}
	src, err := os.Open(srcPath)
	if err != nil {
		return err
	}
	defer src.Close()
	fi, err := src.Stat()
	if err != nil {
		return err
	}
	if fi.IsDir() {
		return errors.New("source is a directory")
	}
	dest, err := os.OpenFile(destPath, os.O_WRONLY|os.O_CREATE|os.O_TRUNC, fi.Mode().Perm())
	if err != nil {
		return err
	}
	if _, err := io.Copy(dest, src); err != nil {
		dest.Close()
		return err
	}
	return dest.Close()
}

// ReadDir lists a directory. Entry types come from lstat, so symlinks show
// as symlinks here.
func ReadDir(path string) ([]DirEntry, error) {
	list, err := os.ReadDir(path)
	if err != nil {
		return nil, err
	}
	entries := make([]DirEntry, 0, len(list))
	for _, e := range list {
		entries = append(entries, DirEntry{
			Name:     e.Name(),
			FileType: classifyMode(e.Type()),
		})
	}
	return entries, nil
}

func Mkdir(path string) error {
	return os.MkdirAll(path, 0o755)
}

// Realpath resolves the path to an absolute one with all symlinks expanded.
func Realpath(path string) (string, error) {
	abs, err := filepath.Abs(path)
	if err != nil {
		return "", err
	}
	return filepath.EvalSymlinks(abs)
}

func classifyMode(mode fs.FileMode) uint8 {
	switch {
	case mode&fs.ModeSymlink != 0:
		return FileTypeSymlink
	case mode.IsDir():
		return FileTypeDirectory
	case mode.IsRegular():
		return FileTypeFile
	default:
		return FileTypeUnknown
	}
}

func millis(v int64) uint64 {
	if v < 0 {
		return 0
	}
	return uint64(v)
}
