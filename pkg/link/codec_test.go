package link

import (
	"bytes"
	"context"
	"errors"
	"io"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/require"
)

type testPort struct {
	writeCh chan []byte
	readCh  chan []byte
	closed  chan struct{}
	once    sync.Once
}

func newTestPort() *testPort {
	return &testPort{
		writeCh: make(chan []byte, 64),
		readCh:  make(chan []byte, 64),
		closed:  make(chan struct{}),
	}
}

func (p *testPort) Read(b []byte) (int, error) {
	select {
	case data := <-p.readCh:
		return copy(b, data), nil
	case <-p.closed:
		return 0, io.EOF
	}
}

func (p *testPort) Write(b []byte) (int, error) {
	p.writeCh <- append([]byte(nil), b...)
	return len(b), nil
}

func (p *testPort) Close() error {
	p.once.Do(func() { close(p.closed) })
	return nil
}

func (p *testPort) inject(data ...byte) {
	p.readCh <- data
}

func (p *testPort) written(t *testing.T) []byte {
	select {
	case data := <-p.writeCh:
		return data
	case <-time.After(500 * time.Millisecond):
		t.Fatal("write timeout")
	}
	return nil
}

func connectedCodec(t *testing.T) (*Codec, *testPort) {
	port := newTestPort()
	c := NewCodec(DialFunc(func(ctx context.Context, path string, bitrate int) (Port, error) {
		require.Equal(t, DefaultBitrate, bitrate)
		return port, nil
	}))
	c.ResponseTimeout = time.Second
	require.NoError(t, c.Connect(context.Background(), "test"))
	return c, port
}

func TestEscape(t *testing.T) {
	testCases := []struct {
		name    string
		data    []byte
		escaped []byte
	}{
		{"empty", []byte{}, []byte{}},
		{"plain", []byte{0x01, 0x02}, []byte{0x01, 0x02}},
		{"markers", []byte{0x01, 0x3a, 0x02, 0x3d, 0x03}, []byte{0x01, 0x3d, 0x1a, 0x02, 0x3d, 0x1d, 0x03}},
		{"adjacent", []byte{0x3d, 0x3d}, []byte{0x3d, 0x1d, 0x3d, 0x1d}},
	}
	for _, tc := range testCases {
		t.Run(tc.name, func(t *testing.T) {
			require.Equal(t, tc.escaped, Escape(tc.data))
			require.Equal(t, tc.data, Unescape(tc.escaped))
		})
	}
}

func TestEscapeRoundTripAllBytes(t *testing.T) {
	data := make([]byte, 512)
	for i := range data {
		data[i] = byte(i * 7)
	}
	escaped := Escape(data)
	require.False(t, bytes.Contains(escaped, []byte{CommandMarker}))
	require.Equal(t, data, Unescape(escaped))
}

func TestExchangeTransmitsEscaped(t *testing.T) {
	c, port := connectedCodec(t)
	defer c.Close()
	resp, err := c.Exchange(context.Background(), []byte{0x01, 0x3a, 0x02, 0x3d, 0x03}, nil)
	require.NoError(t, err)
	require.Nil(t, resp)
	require.Equal(t, []byte{0x01, 0x3d, 0x1a, 0x02, 0x3d, 0x1d, 0x03}, port.written(t))
}

func TestExchangeChunksWrites(t *testing.T) {
	c, port := connectedCodec(t)
	defer c.Close()
	c.MaxWrite = 4
	_, err := c.Exchange(context.Background(), []byte{1, 2, 3, 4, 5, 6, 7, 8, 9, 10}, nil)
	require.NoError(t, err)
	require.Equal(t, []byte{1, 2, 3, 4}, port.written(t))
	require.Equal(t, []byte{5, 6, 7, 8}, port.written(t))
	require.Equal(t, []byte{9, 10}, port.written(t))
}

func TestSendCommand(t *testing.T) {
	c, port := connectedCodec(t)
	defer c.Close()
	port.inject(0x3a)
	resp, err := c.SendCommand(context.Background(), 0x39)
	require.NoError(t, err)
	require.Equal(t, byte(0x3a), resp)
	require.Equal(t, []byte{0x3a, 0x39}, port.written(t))
}

func TestExchangeEstimatorRetainsRemainder(t *testing.T) {
	c, port := connectedCodec(t)
	defer c.Close()
	var offsets []int
	est := func(buf []byte, offset int) (int, error) {
		offsets = append(offsets, offset)
		if len(buf) >= 3 {
			return 3, nil
		}
		return 0, nil
	}
	port.inject(1, 2)
	go func() {
		time.Sleep(20 * time.Millisecond)
		port.inject(3, 4)
	}()
	resp, err := c.Exchange(context.Background(), []byte{0xff}, est)
	require.NoError(t, err)
	require.Equal(t, []byte{1, 2, 3}, resp)
	require.Equal(t, []int{0, 2}, offsets)

	cmdResp, err := c.SendCommand(context.Background(), 0x39)
	require.NoError(t, err)
	require.Equal(t, byte(4), cmdResp)
}

func TestExchangeEstimatorError(t *testing.T) {
	c, port := connectedCodec(t)
	defer c.Close()
	failure := errors.New("bad frame")
	port.inject(1, 2)
	_, err := c.Exchange(context.Background(), []byte{0}, func([]byte, int) (int, error) {
		return 0, failure
	})
	require.Equal(t, failure, err)
}

func TestOperationInProgress(t *testing.T) {
	c, port := connectedCodec(t)
	defer c.Close()
	started := make(chan struct{})
	errCh := make(chan error, 1)
	go func() {
		_, err := c.Exchange(context.Background(), []byte{0}, func(buf []byte, offset int) (int, error) {
			return len(buf), nil
		})
		errCh <- err
	}()
	go func() {
		port.written(t)
		close(started)
	}()
	<-started
	_, err := c.SendCommand(context.Background(), 0x39)
	require.True(t, errors.Is(err, ErrOperationInProgress))
	port.inject(9)
	require.NoError(t, <-errCh)
}

func TestConnectionState(t *testing.T) {
	c := NewCodec(DialFunc(func(ctx context.Context, path string, bitrate int) (Port, error) {
		return newTestPort(), nil
	}))
	_, err := c.SendCommand(context.Background(), 0x39)
	require.True(t, errors.Is(err, ErrNotConnected))
	require.True(t, errors.Is(c.Close(), ErrNotConnected))

	require.NoError(t, c.Connect(context.Background(), "a"))
	require.True(t, c.Connected())
	require.True(t, errors.Is(c.Connect(context.Background(), "b"), ErrAlreadyConnected))
	require.NoError(t, c.Close())
	require.False(t, c.Connected())
}

func TestResponseTimeout(t *testing.T) {
	c, _ := connectedCodec(t)
	defer c.Close()
	c.ResponseTimeout = 20 * time.Millisecond
	_, err := c.SendCommand(context.Background(), 0x39)
	var te *TimeoutError
	require.True(t, errors.As(err, &te))
	require.True(t, errors.Is(err, context.DeadlineExceeded))
}

func TestLateResponseDroppedAfterTimeout(t *testing.T) {
	c, port := connectedCodec(t)
	defer c.Close()
	c.ResponseTimeout = 20 * time.Millisecond
	_, err := c.SendCommand(context.Background(), 0x3b)
	require.Error(t, err)
	port.written(t)

	port.inject(0xaa)
	require.Eventually(t, func() bool {
		c.rxLock.Lock()
		defer c.rxLock.Unlock()
		return len(c.rxBuf) > 0
	}, time.Second, time.Millisecond)

	c.ResponseTimeout = time.Second
	go func() {
		port.written(t)
		port.inject(0x55)
	}()
	resp, err := c.SendCommand(context.Background(), 0x39)
	require.NoError(t, err)
	require.Equal(t, byte(0x55), resp)
}

func TestRemoteClose(t *testing.T) {
	c, port := connectedCodec(t)
	closedCh := make(chan error, 1)
	c.OnClosed = func(err error) { closedCh <- err }
	port.Close()
	select {
	case err := <-closedCh:
		require.Equal(t, io.EOF, err)
	case <-time.After(500 * time.Millisecond):
		t.Fatal("OnClosed not called")
	}
	require.False(t, c.Connected())
}

func TestSetOptions(t *testing.T) {
	c, port := connectedCodec(t)
	defer c.Close()
	port.inject(0)
	require.NoError(t, c.SetOptions(context.Background(), Options{FastAck: Bool(true), Configured: Bool(true)}))
	require.Equal(t, []byte{0x3a, 0x3b}, port.written(t))
	require.True(t, c.FastAck())
	require.True(t, c.Configured())

	require.NoError(t, c.SetOptions(context.Background(), Options{Bitrate: Int(921600)}))
	require.Equal(t, 921600, c.Bitrate())
}
