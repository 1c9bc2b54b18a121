package board

import (
	"context"
	"encoding/binary"
	"fmt"

	"github.com/robotalks/peridot.go/pkg/link"
)

// Board IDs.
const (
	IDStandard = "J72A"
	IDNewgen   = "J72N"
	IDBoth     = "J72B"
	IDX        = "J72X"
)

// Info describes the connected board.
type Info struct {
	ID      string `json:"id,omitempty"`
	Serial  string `json:"serial,omitempty"`
	Version int    `json:"version"`
}

// Identity restricts which boards are accepted. Empty fields match any board.
type Identity struct {
	ID     string `json:"id,omitempty"`
	Serial string `json:"serial,omitempty"`
}

// Info returns a copy of the loaded board information, nil when disconnected.
func (b *Board) Info() *Info {
	b.infoLock.Lock()
	defer b.infoLock.Unlock()
	if b.info == nil {
		return nil
	}
	info := *b.info
	return &info
}

func (b *Board) setInfo(info *Info) {
	b.infoLock.Lock()
	b.info = info
	b.infoLock.Unlock()
}

// GetInfo reads the board ID and serial from the EEPROM.
func (b *Board) GetInfo(ctx context.Context) (*Info, error) {
	if !b.Codec.Connected() {
		return nil, link.ErrNotConnected
	}
	current := b.Info()
	if current == nil {
		return nil, ErrInfoNotLoaded
	}
	info := &Info{Version: current.Version}
	switch current.Version {
	case 1:
		data, err := b.ReadEEPROM(ctx, 0x04, 8)
		if err != nil {
			return nil, err
		}
		mid := binary.BigEndian.Uint16(data[0:])
		pid := binary.BigEndian.Uint16(data[2:])
		sid := binary.BigEndian.Uint32(data[4:])
		if mid != 0x0072 {
			return nil, link.NewProtocolError("getinfo", "unknown boardinfo format (mid %04x)", mid)
		}
		s := fmt.Sprintf("%04x%08x", pid, sid)
		info.ID = IDStandard
		info.Serial = s[0:6] + "-" + s[6:12] + "-000000"
	case 2:
		data, err := b.ReadEEPROM(ctx, 0x04, 22)
		if err != nil {
			return nil, err
		}
		s := string(data[4:22])
		info.ID = string(data[0:4])
		info.Serial = s[0:6] + "-" + s[6:12] + "-" + s[12:18]
	default:
		return nil, link.NewProtocolError("getinfo", "unknown boardinfo version %d", current.Version)
	}
	b.Log.V(1).Infof("board %s serial %s", info.ID, info.Serial)
	b.setInfo(info)
	return info, nil
}

// Validate checks the connected board against id. A nil id accepts any board.
func (b *Board) Validate(ctx context.Context, id *Identity) error {
	if !b.Codec.Connected() {
		return link.ErrNotConnected
	}
	if id == nil {
		return nil
	}
	info := b.Info()
	if info == nil || info.ID == "" || info.Serial == "" {
		var err error
		if info, err = b.GetInfo(ctx); err != nil {
			return err
		}
	}
	if id.ID != "" && id.ID != info.ID {
		return &ConfigurationError{Msg: "board ID mismatch"}
	}
	if id.Serial != "" && id.Serial != info.Serial {
		return &ConfigurationError{Msg: "board serial code mismatch"}
	}
	return nil
}

// ReadEEPROM reads n bytes from the board EEPROM at addr.
func (b *Board) ReadEEPROM(ctx context.Context, addr, n int) ([]byte, error) {
	data, err := b.readEEPROM(ctx, addr, n)
	if err != nil {
		return nil, &EEPROMError{Addr: addr, Err: err}
	}
	b.Log.V(1).Infof("EEPROM %02x: % x", addr, data)
	return data, nil
}

func (b *Board) readEEPROM(ctx context.Context, addr, n int) (data []byte, err error) {
	defer func() {
		if stopErr := b.I2C.Stop(ctx); err == nil {
			err = stopErr
		}
	}()
	data = make([]byte, 0, n)
	for off := 0; off < n; off += eepromBurst {
		size := n - off
		if size > eepromBurst {
			size = eepromBurst
		}
		if err = b.I2C.Start(ctx); err != nil {
			return
		}
		if err = b.i2cWrite(ctx, EEPROMAddress<<1, "EEPROM is not found"); err != nil {
			return
		}
		if err = b.i2cWrite(ctx, byte(addr+off), "cannot write address in EEPROM"); err != nil {
			return
		}
		if err = b.I2C.Start(ctx); err != nil {
			return
		}
		if err = b.i2cWrite(ctx, EEPROMAddress<<1|1, "EEPROM is not found"); err != nil {
			return
		}
		for i := 0; i < size; i++ {
			var v byte
			if v, err = b.I2C.ReadByte(ctx, i < size-1); err != nil {
				return
			}
			data = append(data, v)
		}
	}
	return
}

func (b *Board) i2cWrite(ctx context.Context, v byte, nakMsg string) error {
	ack, err := b.I2C.WriteByte(ctx, v)
	if err != nil {
		return err
	}
	if !ack {
		return link.NewProtocolError("eeprom", nakMsg)
	}
	return nil
}
