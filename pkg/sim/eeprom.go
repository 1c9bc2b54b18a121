package sim

import "encoding/binary"

// EEPROMAddress is the 7-bit I2C address of the board EEPROM.
const EEPROMAddress = 0x50

// EEPROMv1 builds version 1 board information: mid 0x0072, pid and sid.
func EEPROMv1(pid uint16, sid uint32) []byte {
	rom := make([]byte, 256)
	copy(rom, []byte{'J', '7', 'W', 1, 0x00, 0x72})
	binary.BigEndian.PutUint16(rom[6:], pid)
	binary.BigEndian.PutUint32(rom[8:], sid)
	return rom
}

// EEPROMv2 builds version 2 board information from a 4 character id and
// an 18 character serial.
func EEPROMv2(id, serial string) []byte {
	rom := make([]byte, 256)
	copy(rom, []byte{'J', '7', 'W', 2})
	copy(rom[4:8], id)
	copy(rom[8:26], serial)
	return rom
}

const (
	i2cIdle = iota
	i2cRxDevice
	i2cRxWord
	i2cRxData
	i2cAck
	i2cTx
	i2cTxAck
)

// eepromSlave is a 24xx-style I2C EEPROM with an 8-bit word address.
type eepromSlave struct {
	rom    []byte
	sdaOut bool

	state     int
	next      int
	bit       int
	shift     byte
	ptr       int
	masterAck bool
}

func (e *eepromSlave) reset() {
	e.state, e.sdaOut = i2cIdle, true
}

func (e *eepromSlave) start() {
	e.state, e.bit, e.shift, e.sdaOut = i2cRxDevice, 0, 0, true
}

func (e *eepromSlave) stop() {
	e.reset()
}

func (e *eepromSlave) rise(sda bool) {
	switch e.state {
	case i2cRxDevice, i2cRxWord, i2cRxData:
		e.shift <<= 1
		if sda {
			e.shift |= 1
		}
		e.bit++
	case i2cTx:
		e.bit++
	case i2cTxAck:
		e.masterAck = !sda
	}
}

func (e *eepromSlave) fall() {
	switch e.state {
	case i2cRxDevice, i2cRxWord, i2cRxData:
		if e.bit < 8 {
			return
		}
		switch e.state {
		case i2cRxDevice:
			if e.shift>>1 != EEPROMAddress || len(e.rom) == 0 {
				e.reset()
				return
			}
			if e.shift&1 != 0 {
				e.next = i2cTx
			} else {
				e.next = i2cRxWord
			}
		case i2cRxWord:
			e.ptr = int(e.shift)
			e.next = i2cRxData
		case i2cRxData:
			e.rom[e.ptr%len(e.rom)] = e.shift
			e.ptr++
			e.next = i2cRxData
		}
		e.state, e.sdaOut = i2cAck, false
	case i2cAck:
		e.state, e.bit, e.shift, e.sdaOut = e.next, 0, 0, true
		if e.state == i2cTx {
			e.load()
		}
	case i2cTx:
		if e.bit == 8 {
			e.state, e.sdaOut = i2cTxAck, true
			return
		}
		e.sdaOut = e.shift&(0x80>>uint(e.bit)) != 0
	case i2cTxAck:
		if !e.masterAck {
			e.reset()
			return
		}
		e.state, e.bit = i2cTx, 0
		e.load()
	}
}

func (e *eepromSlave) load() {
	e.shift = e.rom[e.ptr%len(e.rom)]
	e.ptr++
	e.sdaOut = e.shift&0x80 != 0
}
