package muxfile

import (
	"golang.org/x/sys/unix"

	"github.com/st31ny/smux"
)

// RegularFile opens a path on disk, honoring an optional second argument
// "a" (append) or "t" (truncate). Grounded on
// original_source/src/files.cpp's regular_file.
type RegularFile struct {
	simpleFile
}

func newRegularFile(mode Mode, args []string) (File, error) {
	if err := assertArgs(len(args) >= 1, "file: one argument required"); err != nil {
		return nil, err
	}
	if err := assertArgs(len(args) <= 2, "file: only two arguments supported"); err != nil {
		return nil, err
	}

	var flags int
	switch mode {
	case IO:
		flags = unix.O_RDWR | unix.O_CREAT
	case In:
		flags = unix.O_RDONLY
	case Out:
		flags = unix.O_WRONLY | unix.O_CREAT
	default:
		return nil, smux.NewConfigError("file: invalid file mode")
	}
	if len(args) > 1 {
		switch args[1] {
		case "a":
			flags |= unix.O_APPEND
		case "t":
			flags |= unix.O_TRUNC
		default:
			return nil, smux.NewConfigError("file: optional flag value unsupported")
		}
	}

	fd, err := unix.Open(args[0], flags, 0666)
	if err != nil {
		return nil, smux.NewSystemError("open "+args[0], err)
	}

	f := &RegularFile{simpleFile: newSimpleFile()}
	f.fdr = fd
	f.fdw = fd
	return f, nil
}

// StdioFile duplicates the process's stdin and/or stdout descriptors,
// depending on mode. Grounded on original_source/src/files.cpp's
// stdio_file.
type StdioFile struct {
	simpleFile
}

func newStdioFile(mode Mode, args []string) (File, error) {
	if err := assertArgs(len(args) == 0, "stdio: no arguments supported"); err != nil {
		return nil, err
	}

	const stdinFD, stdoutFD = 0, 1

	f := &StdioFile{simpleFile: newSimpleFile()}
	if mode != Out {
		fd, err := unix.Dup(stdinFD)
		if err != nil {
			return nil, smux.NewSystemError("dup stdin", err)
		}
		f.fdr = fd
	}
	if mode != In {
		fd, err := unix.Dup(stdoutFD)
		if err != nil {
			return nil, smux.NewSystemError("dup stdout", err)
		}
		f.fdw = fd
	}
	return f, nil
}

// NullFile discards writes and reports EOF immediately on read. It backs
// channels that are configured but intentionally left unconnected.
type NullFile struct{}

func newNullFile(Mode, []string) (File, error) {
	return &NullFile{}, nil
}

func (f *NullFile) SelectFDs(*FDSet, *FDSet, *FDSet, bool) {}
func (f *NullFile) ReadEvent(int) bool                                   { return false }
func (f *NullFile) WriteEvent(int) bool                                  { return false }
func (f *NullFile) ExceptEvent(int)                                      {}
func (f *NullFile) FDs() (int, int)                                      { return fdNil, fdNil }
func (f *NullFile) Read([]byte) (int, error)                             { return 0, EOF }
func (f *NullFile) Write(buf []byte) (int, error)                        { return len(buf), nil }
func (f *NullFile) Close() error                                         { return nil }
