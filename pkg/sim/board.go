// Package sim emulates the host-visible behavior of a PERIDOT board.
//
// A Board decodes the escaped link stream and answers line-state and
// configuration commands. It models an I2C EEPROM on the bit-banged bus
// and executes Avalon-MM transactions against a sparse Memory. It is a
// link.Dialer, so a driver can be connected to it directly.
package sim

import (
	"bytes"
	"context"
	"encoding/binary"
	"io"
	"sync"

	"github.com/robotalks/peridot.go/pkg/link"
)

// Status bits returned by every command.
const (
	StatusASMode   byte = 0x01
	StatusNStatus  byte = 0x02
	StatusConfDone byte = 0x04
)

// WriteHook is called after a transaction wrote n bytes at addr.
type WriteHook func(addr uint32, n int)

// Board is an emulated board.
type Board struct {
	// ASMode makes the board report active serial configuration mode.
	ASMode bool
	// BitstreamSize is the number of bytes needed to finish configuration.
	// 0 accepts any non-empty bitstream.
	BitstreamSize int
	// FailConfig keeps CONF_DONE low after the bitstream.
	FailConfig bool
	// OnWrite is called for every Avalon-MM write.
	OnWrite WriteHook
	// Memory is the Avalon-MM address space.
	Memory *Memory

	lock      sync.Mutex
	conn      *Conn
	eeprom    eepromSlave
	scl       bool
	hostSDA   bool
	userMode  bool
	nStatus   bool
	confDone  bool
	received  int
	commands  []byte
	resets    int
	bitstream bytes.Buffer
}

// New creates a Board with rom as EEPROM content.
func New(rom []byte) *Board {
	b := &Board{
		Memory:   NewMemory(),
		scl:      true,
		hostSDA:  true,
		userMode: true,
		nStatus:  true,
	}
	b.eeprom.rom = rom
	b.eeprom.reset()
	return b
}

// Configured marks the FPGA as already holding a design.
func (b *Board) Configured() *Board {
	b.lock.Lock()
	b.confDone = true
	b.lock.Unlock()
	return b
}

// Dial implements link.Dialer. A new connection replaces the previous one.
func (b *Board) Dial(ctx context.Context, path string, bitrate int) (link.Port, error) {
	c := &Conn{board: b}
	c.cond = sync.NewCond(&b.lock)
	b.lock.Lock()
	if old := b.conn; old != nil {
		old.closeLocked()
	}
	b.conn = c
	b.lock.Unlock()
	return c, nil
}

// Commands returns the command bytes received so far.
func (b *Board) Commands() []byte {
	b.lock.Lock()
	defer b.lock.Unlock()
	return append([]byte(nil), b.commands...)
}

// Resets returns how many times the board left user mode, which holds the
// user logic in reset.
func (b *Board) Resets() int {
	b.lock.Lock()
	defer b.lock.Unlock()
	return b.resets
}

// Bitstream returns the configuration data received.
func (b *Board) Bitstream() []byte {
	b.lock.Lock()
	defer b.lock.Unlock()
	return append([]byte(nil), b.bitstream.Bytes()...)
}

func (b *Board) status() byte {
	var s byte
	if b.ASMode {
		s |= StatusASMode
	}
	if b.nStatus {
		s |= StatusNStatus
	}
	if b.confDone {
		s |= StatusConfDone
	}
	if b.scl {
		s |= 0x10
	}
	if b.hostSDA && b.eeprom.sdaOut {
		s |= 0x20
	}
	return s
}

func (b *Board) command(cmd byte) byte {
	b.commands = append(b.commands, cmd)
	user, nConfig := cmd&0x08 != 0, cmd&0x01 != 0
	if !user {
		if b.userMode {
			b.resets++
		}
		if nConfig {
			b.nStatus = true
		} else {
			b.nStatus, b.confDone, b.received = false, false, 0
			b.bitstream.Reset()
		}
	}
	b.userMode = user
	b.lines(cmd&0x20 != 0, cmd&0x10 != 0)
	return b.status()
}

// lines applies host SDA/SCL drive: SCL falls before SDA changes and
// rises after it.
func (b *Board) lines(sda, scl bool) {
	if b.scl && !scl {
		b.scl = false
		b.eeprom.fall()
	}
	before := b.hostSDA && b.eeprom.sdaOut
	b.hostSDA = sda
	after := b.hostSDA && b.eeprom.sdaOut
	if b.scl && before != after {
		if after {
			b.eeprom.stop()
		} else {
			b.eeprom.start()
		}
	}
	if !b.scl && scl {
		b.scl = true
		b.eeprom.rise(b.hostSDA && b.eeprom.sdaOut)
	}
}

func (b *Board) configData(d byte) {
	if !b.nStatus || b.confDone {
		return
	}
	b.bitstream.WriteByte(d)
	b.received++
	if !b.FailConfig && b.received >= b.BitstreamSize {
		b.confDone = true
	}
}

// transaction executes an Avalon-MM request and returns the response.
func (b *Board) transaction(pkt []byte) ([]byte, *writeEvent) {
	if len(pkt) < 8 {
		return []byte{0x7f, 0, 0, 0}, nil
	}
	code := pkt[0]
	size := int(binary.BigEndian.Uint16(pkt[2:]))
	addr := binary.BigEndian.Uint32(pkt[4:])
	switch code {
	case 0x10, 0x14:
		return b.Memory.Read(addr, size), nil
	case 0x00, 0x04:
		data := pkt[8:]
		if len(data) > size {
			data = data[:size]
		}
		b.Memory.Write(addr, data)
		return []byte{code ^ 0x80, 0, pkt[2], pkt[3]}, &writeEvent{addr: addr, n: len(data)}
	}
	return []byte{code ^ 0x80, 0, 0, 0}, nil
}

type writeEvent struct {
	addr uint32
	n    int
}

// Conn is one host connection to a Board.
type Conn struct {
	board  *Board
	cond   *sync.Cond
	out    bytes.Buffer
	closed bool

	cmdNext bool
	escNext bool
	packets packetParser
}

// Read implements io.Reader.
func (c *Conn) Read(p []byte) (int, error) {
	c.board.lock.Lock()
	defer c.board.lock.Unlock()
	for c.out.Len() == 0 && !c.closed {
		c.cond.Wait()
	}
	if c.out.Len() == 0 {
		return 0, io.EOF
	}
	return c.out.Read(p)
}

// Write implements io.Writer.
func (c *Conn) Write(p []byte) (int, error) {
	b := c.board
	var events []*writeEvent
	b.lock.Lock()
	if c.closed {
		b.lock.Unlock()
		return 0, io.ErrClosedPipe
	}
	for _, d := range p {
		if ev := c.feed(d); ev != nil {
			events = append(events, ev)
		}
	}
	c.cond.Broadcast()
	hook := b.OnWrite
	b.lock.Unlock()
	if hook != nil {
		for _, ev := range events {
			hook(ev.addr, ev.n)
		}
	}
	return len(p), nil
}

// Close implements io.Closer.
func (c *Conn) Close() error {
	c.board.lock.Lock()
	defer c.board.lock.Unlock()
	c.closeLocked()
	return nil
}

func (c *Conn) closeLocked() {
	c.closed = true
	if c.board.conn == c {
		c.board.conn = nil
	}
	c.cond.Broadcast()
}

func (c *Conn) feed(d byte) *writeEvent {
	b := c.board
	switch {
	case c.cmdNext:
		c.cmdNext = false
		c.out.WriteByte(b.command(d))
		return nil
	case d == link.CommandMarker:
		c.cmdNext = true
		return nil
	case d == link.EscapeMarker:
		c.escNext = true
		return nil
	}
	if c.escNext {
		d ^= 0x20
		c.escNext = false
	}
	if !b.userMode {
		b.configData(d)
		return nil
	}
	channel, pkt := c.packets.feed(d)
	if pkt == nil {
		return nil
	}
	res, ev := b.transaction(pkt)
	c.out.Write(encodePacket(channel, res))
	return ev
}

// packetParser collects Avalon-ST packets from unescaped link data.
type packetParser struct {
	channel  byte
	inPacket bool
	chNext   bool
	escNext  bool
	eopNext  bool
	data     []byte
}

func (p *packetParser) feed(d byte) (byte, []byte) {
	if !p.escNext {
		switch d {
		case 0x7a:
			p.inPacket, p.data = true, nil
			return 0, nil
		case 0x7b:
			p.eopNext = true
			return 0, nil
		case 0x7c:
			p.chNext = true
			return 0, nil
		case 0x7d:
			p.escNext = true
			return 0, nil
		}
	} else {
		d ^= 0x20
		p.escNext = false
	}
	if p.chNext {
		p.channel, p.chNext = d, false
		return 0, nil
	}
	if !p.inPacket {
		return 0, nil
	}
	p.data = append(p.data, d)
	if !p.eopNext {
		return 0, nil
	}
	p.inPacket, p.eopNext = false, false
	return p.channel, p.data
}

func encodePacket(channel byte, data []byte) []byte {
	out := appendAvsEscaped([]byte{0x7c}, channel)
	out = append(out, 0x7a)
	for i, d := range data {
		if i == len(data)-1 {
			out = append(out, 0x7b)
		}
		out = appendAvsEscaped(out, d)
	}
	return out
}

func appendAvsEscaped(out []byte, d byte) []byte {
	if d >= 0x7a && d <= 0x7d {
		return append(out, 0x7d, d^0x20)
	}
	return append(out, d)
}
