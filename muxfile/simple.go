package muxfile

import (
	"github.com/pkg/errors"
	"golang.org/x/sys/unix"

	"github.com/st31ny/smux"
)

const fdNil = -1

// simpleFile is the base for files backed by up to two raw file
// descriptors, one for reading and one for writing (which may be the
// same descriptor). Concrete types set fdr/fdw in their constructor.
//
// Grounded on original_source/src/files.cpp's simple_file.
type simpleFile struct {
	fdr, fdw int
	eof      bool
}

func newSimpleFile() simpleFile {
	return simpleFile{fdr: fdNil, fdw: fdNil}
}

func (f *simpleFile) SelectFDs(readFDs, writeFDs, exceptFDs *FDSet, writerHasData bool) {
	if !f.eof && f.fdr != fdNil {
		readFDs.Set(f.fdr)
	}
	if writerHasData && f.fdw != fdNil {
		writeFDs.Set(f.fdw)
	}
}

func (f *simpleFile) FDs() (int, int) { return f.fdr, f.fdw }

func (f *simpleFile) ReadEvent(int) bool  { return true }
func (f *simpleFile) WriteEvent(int) bool { return true }
func (f *simpleFile) ExceptEvent(int)     {}

func (f *simpleFile) Read(buf []byte) (int, error) {
	if f.fdr == fdNil {
		return 0, nil
	}
	n, err := unix.Read(f.fdr, buf)
	if err != nil {
		return 0, smux.NewSystemError("read", err)
	}
	if n == 0 {
		f.eof = true
		return 0, EOF
	}
	return n, nil
}

func (f *simpleFile) Write(buf []byte) (int, error) {
	if f.fdw == fdNil {
		return 0, nil
	}
	n, err := unix.Write(f.fdw, buf)
	if err != nil {
		return 0, smux.NewSystemError("write", err)
	}
	return n, nil
}

func (f *simpleFile) Close() error {
	var err error
	if f.fdr != fdNil {
		if e := unix.Close(f.fdr); e != nil {
			err = errors.Wrap(e, "close read fd")
		}
		if f.fdw == f.fdr {
			f.fdw = fdNil
		}
		f.fdr = fdNil
	}
	if f.fdw != fdNil {
		if e := unix.Close(f.fdw); e != nil && err == nil {
			err = errors.Wrap(e, "close write fd")
		}
		f.fdw = fdNil
	}
	return err
}

func assertArgs(cond bool, msg string) error {
	if !cond {
		return smux.NewConfigError(msg)
	}
	return nil
}
