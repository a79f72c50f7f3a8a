package ports

import (
	"io"
	"io/fs"
)

// FileSystem abstracts the file operations used for config, scenarios and recordings.
type FileSystem interface {
	// ReadFile reads the named file and returns its contents.
	ReadFile(name string) ([]byte, error)

	// MkdirAll creates a directory and all parent directories.
	MkdirAll(path string, perm fs.FileMode) error

	// OpenFile opens the named file with the given flags.
	OpenFile(name string, flag int, perm fs.FileMode) (FileHandle, error)
}

// FileHandle is the subset of *os.File used by writers such as the recorder.
type FileHandle interface {
	io.WriteCloser

	// Name returns the name of the file as presented to OpenFile.
	Name() string
}
