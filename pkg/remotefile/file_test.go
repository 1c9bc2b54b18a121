package remotefile_test

import (
	"context"
	"errors"
	"io"
	"testing"
	"time"

	"github.com/stretchr/testify/require"
	"go.mongodb.org/mongo-driver/bson"

	"github.com/robotalks/peridot.go/pkg/board"
	"github.com/robotalks/peridot.go/pkg/remotefile"
	"github.com/robotalks/peridot.go/pkg/rpc"
	"github.com/robotalks/peridot.go/pkg/sim"
)

const chunk = 4

type remoteFile struct {
	data   []byte
	pos    int
	pipe   bool
	bogus  bool
	served int
}

// fileServer implements the fs.* methods over in-memory files, moving at
// most chunk bytes per call.
type fileServer struct {
	files map[string]*remoteFile
	fds   map[int]*remoteFile
	next  int
}

func newFileServer(srv *sim.RPCServer) *fileServer {
	fs := &fileServer{
		files: map[string]*remoteFile{
			"/mnt/hello.txt": {data: []byte("hello world")},
			"/dev/pipe":      {data: []byte("abcdef"), pipe: true},
			"/dev/bogus":     {bogus: true},
		},
		fds:  make(map[int]*remoteFile),
		next: 3,
	}
	srv.Handle("fs.open", fs.open)
	srv.Handle("fs.close", fs.close)
	srv.Handle("fs.read", fs.read)
	srv.Handle("fs.write", fs.write)
	srv.Handle("fs.lseek", fs.lseek)
	return fs
}

func errno(code int) error {
	return &sim.RPCError{Code: code, Message: rpc.Message(code)}
}

func (fs *fileServer) file(params bson.RawValue) (*remoteFile, error) {
	var p struct {
		FD int `bson:"fd"`
	}
	if err := params.Unmarshal(&p); err != nil {
		return nil, errno(rpc.EINVAL)
	}
	f := fs.fds[p.FD]
	if f == nil {
		return nil, errno(rpc.EBADF)
	}
	return f, nil
}

func (fs *fileServer) open(params bson.RawValue) (interface{}, error) {
	var p struct {
		Path  string `bson:"path"`
		Flags int    `bson:"flags"`
		Mode  int    `bson:"mode"`
	}
	if err := params.Unmarshal(&p); err != nil {
		return nil, errno(rpc.EINVAL)
	}
	f := fs.files[p.Path]
	if f == nil {
		if p.Flags&remotefile.O_CREAT == 0 {
			return nil, errno(rpc.ENOENT)
		}
		f = &remoteFile{}
		fs.files[p.Path] = f
	}
	if p.Flags&remotefile.O_TRUNC != 0 {
		f.data = nil
	}
	f.pos = 0
	fd := fs.next
	fs.next++
	fs.fds[fd] = f
	return bson.M{"fd": fd}, nil
}

func (fs *fileServer) close(params bson.RawValue) (interface{}, error) {
	var p struct {
		FD int `bson:"fd"`
	}
	if err := params.Unmarshal(&p); err != nil || fs.fds[p.FD] == nil {
		return nil, errno(rpc.EBADF)
	}
	delete(fs.fds, p.FD)
	return bson.M{}, nil
}

func (fs *fileServer) read(params bson.RawValue) (interface{}, error) {
	f, err := fs.file(params)
	if err != nil {
		return nil, err
	}
	var p struct {
		Length int `bson:"length"`
	}
	params.Unmarshal(&p)
	if f.bogus {
		return bson.M{"length": -1, "data": []byte("xy")}, nil
	}
	if f.pipe && f.served >= 3 {
		return nil, errno(rpc.EAGAIN)
	}
	n := p.Length
	if n > chunk {
		n = chunk
	}
	if f.pipe && f.served+n > 3 {
		n = 3 - f.served
	}
	if rest := len(f.data) - f.pos; n > rest {
		n = rest
	}
	data := f.data[f.pos : f.pos+n]
	f.pos += n
	f.served += n
	return bson.M{"length": n, "data": data}, nil
}

func (fs *fileServer) write(params bson.RawValue) (interface{}, error) {
	f, err := fs.file(params)
	if err != nil {
		return nil, err
	}
	var p struct {
		Data []byte `bson:"data"`
	}
	params.Unmarshal(&p)
	if f.bogus {
		f.served++
		if f.served%2 == 0 {
			return bson.M{"length": -1}, nil
		}
		return bson.M{"length": len(p.Data) + 8}, nil
	}
	n := len(p.Data)
	if n > chunk {
		n = chunk
	}
	end := f.pos + n
	if end > len(f.data) {
		f.data = append(f.data, make([]byte, end-len(f.data))...)
	}
	copy(f.data[f.pos:], p.Data[:n])
	f.pos = end
	return bson.M{"length": n}, nil
}

func (fs *fileServer) lseek(params bson.RawValue) (interface{}, error) {
	f, err := fs.file(params)
	if err != nil {
		return nil, err
	}
	var p struct {
		Offset int64 `bson:"offset"`
		Whence int   `bson:"whence"`
	}
	params.Unmarshal(&p)
	switch p.Whence {
	case io.SeekStart:
		f.pos = int(p.Offset)
	case io.SeekCurrent:
		f.pos += int(p.Offset)
	case io.SeekEnd:
		f.pos = len(f.data) + int(p.Offset)
	default:
		return nil, errno(rpc.EINVAL)
	}
	return bson.M{"offset": int64(f.pos)}, nil
}

func setup(t *testing.T) (*board.Board, *fileServer, context.Context) {
	t.Helper()
	simBoard := sim.New(sim.EEPROMv1(1, 2)).Configured()
	fs := newFileServer(sim.NewRPCServer(simBoard, board.DefaultSWIBase))
	b := board.New(simBoard)
	require.NoError(t, b.Open(context.Background(), "sim", nil))
	t.Cleanup(func() { b.Close() })
	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	t.Cleanup(cancel)
	return b, fs, ctx
}

func open(t *testing.T, ctx context.Context, b *board.Board, path string, flags int) *remotefile.File {
	t.Helper()
	f, err := remotefile.Open(ctx, b.RPC, path, flags, remotefile.DefaultMode)
	require.NoError(t, err)
	f.Interval = rpc.MinPollInterval
	return f
}

func TestReadFile(t *testing.T) {
	b, _, ctx := setup(t)
	f := open(t, ctx, b, "/mnt/hello.txt", remotefile.O_RDONLY)
	require.Equal(t, 3, f.FD())

	data, err := f.Read(ctx, 11, false)
	require.NoError(t, err)
	require.Equal(t, []byte("hell"), data)

	data, err = f.Read(ctx, 7, true)
	require.NoError(t, err)
	require.Equal(t, []byte("o world"), data)

	data, err = f.Read(ctx, 4, true)
	require.Equal(t, io.EOF, err)
	require.Empty(t, data)

	pos, err := f.Seek(ctx, -5, io.SeekEnd)
	require.NoError(t, err)
	require.Equal(t, int64(6), pos)
	data, err = f.Read(ctx, 5, true)
	require.NoError(t, err)
	require.Equal(t, []byte("world"), data)

	require.NoError(t, f.Close(ctx))
	require.Equal(t, remotefile.ErrNotOpened, f.Close(ctx))
	_, err = f.Read(ctx, 1, false)
	require.Equal(t, remotefile.ErrNotOpened, err)
}

func TestWriteFile(t *testing.T) {
	b, fs, ctx := setup(t)
	f := open(t, ctx, b, "/mnt/new.bin", remotefile.O_WRONLY|remotefile.O_CREAT)

	n, err := f.Write(ctx, []byte("0123456789"), false)
	require.NoError(t, err)
	require.Equal(t, chunk, n)

	n, err = f.Write(ctx, []byte("456789"), true)
	require.NoError(t, err)
	require.Equal(t, 6, n)
	require.Equal(t, []byte("0123456789"), fs.files["/mnt/new.bin"].data)
	require.NoError(t, f.Close(ctx))
}

func TestOutOfRangeLengths(t *testing.T) {
	b, _, ctx := setup(t)
	f := open(t, ctx, b, "/dev/bogus", remotefile.O_RDWR)

	data, err := f.Read(ctx, 4, false)
	require.NoError(t, err)
	require.Empty(t, data)

	data, err = f.Read(ctx, 4, true)
	require.Equal(t, io.EOF, err)
	require.Empty(t, data)

	n, err := f.Write(ctx, []byte("abc"), true)
	require.NoError(t, err)
	require.Equal(t, 3, n)

	n, err = f.Write(ctx, []byte("abc"), true)
	require.NoError(t, err)
	require.Zero(t, n)
}

func TestWouldBlock(t *testing.T) {
	b, _, ctx := setup(t)
	f := open(t, ctx, b, "/dev/pipe", remotefile.O_RDONLY|remotefile.O_NONBLOCK)

	data, err := f.Read(ctx, 10, true)
	require.NoError(t, err)
	require.Equal(t, []byte("abc"), data)

	_, err = f.Read(ctx, 10, true)
	var remote *rpc.RemoteError
	require.True(t, errors.As(err, &remote))
	require.Equal(t, rpc.EAGAIN, remote.Code)
}

func TestOpenMissing(t *testing.T) {
	b, _, ctx := setup(t)
	_, err := remotefile.Open(ctx, b.RPC, "/mnt/none", remotefile.O_RDONLY, remotefile.DefaultMode)
	var remote *rpc.RemoteError
	require.True(t, errors.As(err, &remote))
	require.Equal(t, rpc.ENOENT, remote.Code)
}
