// Package avs frames Avalon-ST packets over the link data stream.
package avs

import (
	"bytes"
	"context"

	"github.com/robotalks/peridot.go/pkg/link"
	"github.com/robotalks/peridot.go/pkg/logging"
)

// Control bytes of an Avalon-ST byte stream.
const (
	SOP     byte = 0x7a
	EOP     byte = 0x7b
	Channel byte = 0x7c
	Esc     byte = 0x7d
)

// Exchanger is the link operation packets travel on.
type Exchanger interface {
	Exchange(ctx context.Context, payload []byte, est link.Estimator) ([]byte, error)
}

// Layer sends packets and receives the matching response packet.
type Layer struct {
	Exchanger Exchanger
	Log       *logging.Logger
}

// New creates a Layer on ex.
func New(ex Exchanger) *Layer {
	return &Layer{Exchanger: ex, Log: logging.New("avs")}
}

// Transact sends payload on channel and returns the rxLen byte response.
func (l *Layer) Transact(ctx context.Context, channel byte, payload []byte, rxLen int) ([]byte, error) {
	if len(payload) == 0 {
		return nil, link.NewProtocolError("avs", "empty packet")
	}
	raw, err := l.Exchanger.Exchange(ctx, Encode(channel, payload), EndOfPacket())
	if err != nil {
		return nil, err
	}
	data, err := Decode(channel, raw, rxLen)
	if err != nil {
		return nil, err
	}
	l.Log.V(2).Infof("ch%d sent %d bytes, received %d bytes", channel, len(payload), len(data))
	return data, nil
}

// Encode builds the packet stream for payload, which must not be empty.
func Encode(channel byte, payload []byte) []byte {
	out := make([]byte, 0, len(payload)+8)
	out = append(out, header(channel)...)
	last := len(payload) - 1
	for _, b := range payload[:last] {
		out = appendEscaped(out, b)
	}
	out = append(out, EOP)
	return appendEscaped(out, payload[last])
}

// Decode verifies the header of raw and returns exactly rxLen payload bytes.
func Decode(channel byte, raw []byte, rxLen int) ([]byte, error) {
	hdr := header(channel)
	if len(raw) < len(hdr) || !bytes.Equal(raw[:len(hdr)], hdr) {
		return nil, link.NewProtocolError("avs", "illegal packetize control bytes")
	}
	out := make([]byte, 0, rxLen)
	for i := len(hdr); i < len(raw); i++ {
		b := raw[i]
		switch b {
		case EOP:
			continue
		case Esc:
			if i++; i >= len(raw) {
				return nil, link.NewProtocolError("avs", "truncated escape sequence")
			}
			b = raw[i] ^ 0x20
		}
		if len(out) >= rxLen {
			return nil, link.NewProtocolError("avs", "received data is too large")
		}
		out = append(out, b)
	}
	if len(out) < rxLen {
		return nil, link.NewProtocolError("avs", "received data is too small")
	}
	return out, nil
}

// EndOfPacket returns an estimator completing after the byte that
// follows the EOP marker.
func EndOfPacket() link.Estimator {
	pos, eop := 0, false
	return func(buf []byte, offset int) (int, error) {
		for pos < len(buf) {
			b := buf[pos]
			if !eop {
				eop = b == EOP
				pos++
				continue
			}
			if b != Esc {
				return pos + 1, nil
			}
			if pos+1 < len(buf) {
				return pos + 2, nil
			}
			return 0, nil
		}
		return 0, nil
	}
}

func header(channel byte) []byte {
	return append(appendEscaped([]byte{Channel}, channel), SOP)
}

func appendEscaped(out []byte, b byte) []byte {
	if b >= SOP && b <= Esc {
		return append(out, Esc, b^0x20)
	}
	return append(out, b)
}
