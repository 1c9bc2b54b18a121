package sim

import (
	"encoding/binary"
	"sync"
)

// Memory is the sparse Avalon-MM address space of a Board.
type Memory struct {
	lock  sync.RWMutex
	bytes map[uint32]byte
}

// NewMemory creates an empty Memory. Unwritten bytes read as zero.
func NewMemory() *Memory {
	return &Memory{bytes: make(map[uint32]byte)}
}

// Read returns n bytes at addr.
func (m *Memory) Read(addr uint32, n int) []byte {
	m.lock.RLock()
	defer m.lock.RUnlock()
	out := make([]byte, n)
	for i := range out {
		out[i] = m.bytes[addr+uint32(i)]
	}
	return out
}

// Write stores data at addr.
func (m *Memory) Write(addr uint32, data []byte) {
	m.lock.Lock()
	defer m.lock.Unlock()
	for i, b := range data {
		m.bytes[addr+uint32(i)] = b
	}
}

// Word reads a little-endian 32-bit word.
func (m *Memory) Word(addr uint32) uint32 {
	return binary.LittleEndian.Uint32(m.Read(addr, 4))
}

// SetWord writes a little-endian 32-bit word.
func (m *Memory) SetWord(addr, v uint32) {
	var buf [4]byte
	binary.LittleEndian.PutUint32(buf[:], v)
	m.Write(addr, buf[:])
}
