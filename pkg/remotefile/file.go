// Package remotefile accesses files on the board through the fs.* RPC
// methods.
package remotefile

import (
	"context"
	"errors"
	"io"
	"time"

	"github.com/robotalks/peridot.go/pkg/rpc"
)

// Open flags understood by the board.
const (
	O_RDONLY   = 0
	O_WRONLY   = 1
	O_RDWR     = 2
	O_APPEND   = 0x0008
	O_CREAT    = 0x0200
	O_TRUNC    = 0x0400
	O_NONBLOCK = 0x4000
)

// DefaultMode is the permission of created files.
const DefaultMode = 0777

// DefaultInterval is the polling interval of file calls.
const DefaultInterval = 200 * time.Millisecond

// ErrNotOpened is returned by operations on a closed File.
var ErrNotOpened = errors.New("file not opened")

// Caller invokes RPC methods.
type Caller interface {
	Call(ctx context.Context, method string, params interface{}, interval time.Duration, result interface{}) error
}

// File is an open file on the board.
type File struct {
	Caller   Caller
	Interval time.Duration

	fd     int
	opened bool
}

type openParams struct {
	Path  string `bson:"path" json:"path"`
	Flags int    `bson:"flags" json:"flags"`
	Mode  int    `bson:"mode" json:"mode"`
}

type fdParams struct {
	FD int `bson:"fd" json:"fd"`
}

type readParams struct {
	FD     int `bson:"fd" json:"fd"`
	Length int `bson:"length" json:"length"`
}

type writeParams struct {
	FD   int    `bson:"fd" json:"fd"`
	Data []byte `bson:"data" json:"data"`
}

type seekParams struct {
	FD     int   `bson:"fd" json:"fd"`
	Offset int64 `bson:"offset" json:"offset"`
	Whence int   `bson:"whence" json:"whence"`
}

type openResult struct {
	FD int `bson:"fd" json:"fd"`
}

type ioResult struct {
	Length int    `bson:"length" json:"length"`
	Data   []byte `bson:"data,omitempty" json:"data,omitempty"`
}

type seekResult struct {
	Offset int64 `bson:"offset" json:"offset"`
}

// Open opens path with flags. mode applies when a file is created.
func Open(ctx context.Context, caller Caller, path string, flags, mode int) (*File, error) {
	var res openResult
	err := caller.Call(ctx, "fs.open", &openParams{Path: path, Flags: flags, Mode: mode}, DefaultInterval, &res)
	if err != nil {
		return nil, err
	}
	return &File{Caller: caller, Interval: DefaultInterval, fd: res.FD, opened: true}, nil
}

// FD returns the remote file descriptor.
func (f *File) FD() int {
	return f.fd
}

// Close closes the remote file.
func (f *File) Close(ctx context.Context) error {
	if !f.opened {
		return ErrNotOpened
	}
	if err := f.Caller.Call(ctx, "fs.close", &fdParams{FD: f.fd}, f.Interval, nil); err != nil {
		return err
	}
	f.opened = false
	return nil
}

// Read reads up to n bytes. With autoContinue it keeps reading until n
// bytes arrived, stopping early when the board would block after some data.
func (f *File) Read(ctx context.Context, n int, autoContinue bool) ([]byte, error) {
	var out []byte
	for {
		if !f.opened {
			return nil, ErrNotOpened
		}
		var res ioResult
		err := f.Caller.Call(ctx, "fs.read", &readParams{FD: f.fd, Length: n - len(out)}, f.Interval, &res)
		if err != nil {
			if wouldBlock(err) && len(out) > 0 {
				break
			}
			return nil, err
		}
		if res.Length < 0 {
			res.Length = 0
		} else if res.Length > len(res.Data) {
			res.Length = len(res.Data)
		}
		out = append(out, res.Data[:res.Length]...)
		if !autoContinue || len(out) >= n {
			break
		}
		if res.Length == 0 {
			return out, io.EOF
		}
	}
	return out, nil
}

// Write writes data and returns the number of bytes accepted. With
// autoContinue it keeps writing the remainder, stopping early when the
// board would block after some progress.
func (f *File) Write(ctx context.Context, data []byte, autoContinue bool) (int, error) {
	written := 0
	for {
		if !f.opened {
			return written, ErrNotOpened
		}
		var res ioResult
		err := f.Caller.Call(ctx, "fs.write", &writeParams{FD: f.fd, Data: data[written:]}, f.Interval, &res)
		if err != nil {
			if wouldBlock(err) && written > 0 {
				break
			}
			return written, err
		}
		if res.Length < 0 {
			res.Length = 0
		} else if rest := len(data) - written; res.Length > rest {
			res.Length = rest
		}
		written += res.Length
		if !autoContinue || written >= len(data) || res.Length == 0 {
			break
		}
	}
	return written, nil
}

// Seek moves the file offset. whence is io.SeekStart, io.SeekCurrent or
// io.SeekEnd.
func (f *File) Seek(ctx context.Context, offset int64, whence int) (int64, error) {
	if !f.opened {
		return 0, ErrNotOpened
	}
	var res seekResult
	err := f.Caller.Call(ctx, "fs.lseek", &seekParams{FD: f.fd, Offset: offset, Whence: whence}, f.Interval, &res)
	if err != nil {
		return 0, err
	}
	return res.Offset, nil
}

func wouldBlock(err error) bool {
	var remote *rpc.RemoteError
	return errors.As(err, &remote) && remote.Code == rpc.EAGAIN
}
