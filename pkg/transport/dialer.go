// Package transport opens the byte stream to a board.
//
// A path selects the transport:
//
//	tcp://host:port   raw TCP socket, e.g. a serial-to-network bridge
//	ws://host/path    WebSocket carrying binary frames
//	sim:ID[:SERIAL]   in-process emulated board
//	anything else     local serial port
package transport

import (
	"context"
	"net"
	"net/url"
	"strings"
	"sync"
	"time"

	"go.bug.st/serial"
	"go.bug.st/serial/enumerator"
	"golang.org/x/net/websocket"

	"github.com/robotalks/peridot.go/pkg/link"
	"github.com/robotalks/peridot.go/pkg/sim"
)

// DialTimeout bounds network dials without a context deadline.
const DialTimeout = 10 * time.Second

// Dialer dispatches on the path scheme.
var Dialer link.Dialer = link.DialFunc(Dial)

// Dial opens path at bitrate. bitrate only applies to serial ports.
func Dial(ctx context.Context, path string, bitrate int) (link.Port, error) {
	switch {
	case strings.HasPrefix(path, "tcp://"):
		return dialTCP(ctx, strings.TrimPrefix(path, "tcp://"))
	case strings.HasPrefix(path, "ws://"), strings.HasPrefix(path, "wss://"):
		return dialWebSocket(ctx, path)
	case strings.HasPrefix(path, "sim:"):
		return SimBoard(path).Dial(ctx, path, bitrate)
	}
	return serial.Open(path, &serial.Mode{BaudRate: bitrate})
}

func dialTCP(ctx context.Context, addr string) (link.Port, error) {
	d := &net.Dialer{Timeout: DialTimeout}
	return d.DialContext(ctx, "tcp", addr)
}

func dialWebSocket(ctx context.Context, path string) (link.Port, error) {
	u, err := url.Parse(path)
	if err != nil {
		return nil, err
	}
	origin := "http://" + u.Host
	if u.Scheme == "wss" {
		origin = "https://" + u.Host
	}
	config, err := websocket.NewConfig(path, origin)
	if err != nil {
		return nil, err
	}
	config.Dialer = &net.Dialer{Timeout: DialTimeout}
	if d, ok := ctx.Deadline(); ok {
		config.Dialer.Deadline = d
	}
	conn, err := websocket.DialConfig(config)
	if err != nil {
		return nil, err
	}
	conn.PayloadType = websocket.BinaryFrame
	return conn, nil
}

var (
	simLock   sync.Mutex
	simBoards = make(map[string]*sim.Board)
)

// SimBoard returns the emulated board for a sim: path, creating it on first
// use. "sim:" or "sim:J72A" is a standard board with a v1 EEPROM. Other IDs
// get a v2 EEPROM with the optional serial.
func SimBoard(path string) *sim.Board {
	simLock.Lock()
	defer simLock.Unlock()
	if b, ok := simBoards[path]; ok {
		return b
	}
	parts := strings.SplitN(strings.TrimPrefix(path, "sim:"), ":", 2)
	id := parts[0]
	var rom []byte
	if id == "" || id == "J72A" {
		rom = sim.EEPROMv1(0x0001, 0x00000001)
	} else {
		serial := "000000000000000001"
		if len(parts) > 1 && parts[1] != "" {
			serial = strings.ReplaceAll(parts[1], "-", "")
		}
		rom = sim.EEPROMv2(id, serial)
	}
	b := sim.New(rom)
	simBoards[path] = b
	return b
}

// PortInfo describes a serial port.
type PortInfo struct {
	Path         string `json:"path"`
	Manufacturer string `json:"manufacturer,omitempty"`
	SerialNumber string `json:"serialNumber,omitempty"`
	VendorID     string `json:"vendorId,omitempty"`
	ProductID    string `json:"productId,omitempty"`
}

// Enumerate lists the serial ports of the host.
func Enumerate() ([]PortInfo, error) {
	ports, err := enumerator.GetDetailedPortsList()
	if err != nil {
		return nil, err
	}
	infos := make([]PortInfo, 0, len(ports))
	for _, p := range ports {
		info := PortInfo{Path: p.Name}
		if p.IsUSB {
			info.Manufacturer = p.Product
			info.SerialNumber = p.SerialNumber
			info.VendorID = p.VID
			info.ProductID = p.PID
		}
		infos = append(infos, info)
	}
	return infos, nil
}
