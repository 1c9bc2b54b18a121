package avm

import (
	"context"
	"encoding/binary"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"github.com/robotalks/peridot.go/pkg/link"
)

type testState struct {
	connected, configured bool
	opts                  []link.Options
}

func (s *testState) Connected() bool  { return s.connected }
func (s *testState) Configured() bool { return s.configured }
func (s *testState) SetOptions(ctx context.Context, opts link.Options) error {
	s.opts = append(s.opts, opts)
	return nil
}

// memTarget executes transactions against a sparse memory.
type memTarget struct {
	lock    sync.Mutex
	mem     map[uint32]byte
	headers [][]byte
	delay   time.Duration
	corrupt func(hdr, res []byte) []byte
}

func newMemTarget() *memTarget {
	return &memTarget{mem: make(map[uint32]byte)}
}

func (m *memTarget) Transact(ctx context.Context, channel byte, payload []byte, rxLen int) ([]byte, error) {
	if m.delay > 0 {
		time.Sleep(m.delay)
	}
	m.lock.Lock()
	defer m.lock.Unlock()
	hdr := payload[:headerSize]
	m.headers = append(m.headers, append([]byte(nil), hdr...))
	size := int(binary.BigEndian.Uint16(hdr[2:]))
	addr := binary.BigEndian.Uint32(hdr[4:])
	var res []byte
	switch hdr[0] {
	case CodeRead, CodeIORead:
		res = make([]byte, size)
		for i := range res {
			res[i] = m.mem[addr+uint32(i)]
		}
	case CodeWrite, CodeIOWrite:
		for i, b := range payload[headerSize:] {
			m.mem[addr+uint32(i)] = b
		}
		res = []byte{hdr[0] ^ 0x80, 0, hdr[2], hdr[3]}
	}
	if m.corrupt != nil {
		res = m.corrupt(hdr, res)
	}
	return res, nil
}

func newTestLayer() (*Layer, *memTarget, *testState) {
	target := newMemTarget()
	state := &testState{connected: true, configured: true}
	return New(target, state), target, state
}

func TestHeaders(t *testing.T) {
	l, target, _ := newTestLayer()
	ctx := context.Background()
	require.NoError(t, l.Write(ctx, 0x12345678, []byte{1, 2, 3}))
	_, err := l.Read(ctx, 0x100, 2)
	require.NoError(t, err)
	require.NoError(t, l.IOWrite(ctx, 0x10000003, 7, 0xdeadbeef))
	_, err = l.IORead(ctx, 0x10000000, 6)
	require.NoError(t, err)
	require.Equal(t, [][]byte{
		{0x04, 0, 0, 3, 0x12, 0x34, 0x56, 0x78},
		{0x14, 0, 0, 2, 0, 0, 0x01, 0x00},
		{0x00, 0, 0, 4, 0x10, 0, 0, 0x1c},
		{0x10, 0, 0, 4, 0x10, 0, 0, 0x18},
	}, target.headers)
	require.Equal(t, byte(0xef), target.mem[0x1000001c])
	require.Equal(t, byte(0xde), target.mem[0x1000001f])
}

func TestQueueOrder(t *testing.T) {
	l, target, _ := newTestLayer()
	target.delay = time.Millisecond
	ctx := context.Background()
	w1 := l.IOWriteAsync(ctx, 0x200, 0, 1)
	r1 := l.IOReadAsync(ctx, 0x200, 0)
	w2 := l.IOWriteAsync(ctx, 0x200, 0, 2)
	r2 := l.IOReadAsync(ctx, 0x200, 0)
	require.NoError(t, w2.Wait(ctx))
	require.NoError(t, r2.Wait(ctx))
	require.NoError(t, w1.Wait(ctx))
	require.NoError(t, r1.Wait(ctx))
	require.Equal(t, uint32(1), r1.Value())
	require.Equal(t, uint32(2), r2.Value())
}

func TestCompletionOrder(t *testing.T) {
	l, target, _ := newTestLayer()
	target.delay = 2 * time.Millisecond
	ctx := context.Background()
	var futures []*Future
	for i := 0; i < 8; i++ {
		futures = append(futures, l.IOWriteAsync(ctx, 0x300, i, uint32(i)))
	}
	var order []int
	for len(order) < len(futures) {
		for i, f := range futures {
			select {
			case <-f.Done():
				found := false
				for _, n := range order {
					found = found || n == i
				}
				if !found {
					order = append(order, i)
				}
			default:
			}
		}
		time.Sleep(time.Millisecond)
	}
	for i := 1; i < len(order); i++ {
		require.True(t, order[i-1] < order[i], "completion order %v", order)
	}
}

func TestLargeTransfers(t *testing.T) {
	l, target, _ := newTestLayer()
	ctx := context.Background()
	pattern := make([]byte, 65536)
	for i := range pattern {
		pattern[i] = byte(i ^ (i >> 8))
	}
	require.NoError(t, l.Write(ctx, 0x8000, pattern))
	require.Len(t, target.headers, 2)
	require.Equal(t, []byte{0x04, 0, 0x80, 0x00, 0, 0, 0x80, 0x00}, target.headers[0])
	require.Equal(t, []byte{0x04, 0, 0x80, 0x00, 0, 1, 0x00, 0x00}, target.headers[1])

	data, err := l.Read(ctx, 0x8000, len(pattern))
	require.NoError(t, err)
	require.Len(t, target.headers, 4)
	require.Equal(t, pattern, data)

	data, err = l.Read(ctx, 0x8000, 32769)
	require.NoError(t, err)
	require.Len(t, target.headers, 6)
	require.Equal(t, pattern[:32769], data)
}

func TestGuards(t *testing.T) {
	l, target, state := newTestLayer()
	ctx := context.Background()
	state.configured = false
	_, err := l.IORead(ctx, 0, 0)
	require.True(t, errors.Is(err, ErrNotConfigured))
	state.connected = false
	err = l.Write(ctx, 0, []byte{1})
	require.True(t, errors.Is(err, link.ErrNotConnected))
	require.Empty(t, target.headers)

	require.NoError(t, l.SetOptions(ctx, link.Options{FastAck: link.Bool(true)}))
	require.Len(t, state.opts, 1)
}

func TestResponseValidation(t *testing.T) {
	testCases := []struct {
		name    string
		corrupt func(hdr, res []byte) []byte
		run     func(*Layer) error
		msg     string
	}{
		{
			name:    "write code",
			corrupt: func(hdr, res []byte) []byte { res[0] = hdr[0]; return res },
			run:     func(l *Layer) error { return l.Write(context.Background(), 0, []byte{1}) },
			msg:     "illegal write response",
		},
		{
			name:    "write length",
			corrupt: func(hdr, res []byte) []byte { res[3]++; return res },
			run:     func(l *Layer) error { return l.IOWrite(context.Background(), 0, 0, 1) },
			msg:     "illegal write response",
		},
		{
			name:    "read length",
			corrupt: func(hdr, res []byte) []byte { return res[1:] },
			run: func(l *Layer) error {
				_, err := l.Read(context.Background(), 0, 16)
				return err
			},
			msg: "received data length does not match",
		},
	}
	for _, tc := range testCases {
		t.Run(tc.name, func(t *testing.T) {
			l, target, _ := newTestLayer()
			target.corrupt = tc.corrupt
			err := tc.run(l)
			var pe *link.ProtocolError
			require.True(t, errors.As(err, &pe))
			require.Equal(t, tc.msg, pe.Msg)
		})
	}
}

func TestCancelledWhileQueued(t *testing.T) {
	l, target, _ := newTestLayer()
	target.delay = 20 * time.Millisecond
	first := l.IOWriteAsync(context.Background(), 0, 0, 1)
	ctx, cancel := context.WithCancel(context.Background())
	second := l.IOWriteAsync(ctx, 0, 1, 1)
	cancel()
	require.Equal(t, context.Canceled, second.Err())
	require.NoError(t, first.Err())
	require.Len(t, target.headers, 1)
}
