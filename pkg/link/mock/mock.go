// Package mock is an in-memory link-layer backend used by tests and by
// `cmd/etherkitten --bus-mock`. It mirrors gocanopen's pkg/can/virtual
// bus: a registered backend constructed from a channel string, with an
// init() registering it under a fixed name.
package mock

import (
	"context"
	"sync"
	"time"

	"github.com/etherkitten/etherkitten/pkg/link"
)

func init() {
	link.RegisterBackend("mock", New)
	link.RegisterBackend("bus-mock", New)
}

// Slave describes one simulated slave's register file and EEPROM image.
type Slave struct {
	ConfiguredAddress uint16
	Registers         map[uint16]byte // byte-addressed register file
	EEPROM            []byte          // raw ESI EEPROM image, word-addressed
	State             link.SlaveState

	// CoEObjects simulates CoE dictionary content: index -> sub-index ->
	// raw on-wire bytes, as a real SDO upload would return. A RECORD/
	// ARRAY index's sub-index 0 must itself be a single byte encoding
	// the sub-entry count, per the convention describeDictionaryEntry
	// relies on. Nil means the slave answers every SDORead with an
	// empty, successful upload (n=0), matching a CoE-less slave.
	CoEObjects map[uint16]map[uint8][]byte
}

// Bus is an in-memory Link implementation. Every method is safe for
// concurrent use by the producer thread and by test goroutines that
// mutate slave state between cycles.
type Bus struct {
	mu         sync.Mutex
	slaves     []*Slave
	ioMap      []byte
	usedSize   int
	failReceive bool
}

func New(channel string) (link.Link, error) {
	return &Bus{}, nil
}

// NewWithSlaves constructs a mock bus pre-populated with the given
// slaves, for use directly from tests without going through the
// registry (mirrors pkg/can/virtual's test helpers).
func NewWithSlaves(slaves []*Slave) *Bus {
	return &Bus{slaves: slaves}
}

func (b *Bus) Init(ctx context.Context, interfaceOrSocket string) error {
	if len(b.slaves) == 0 {
		return link.ErrNoSlavesFound
	}
	for _, s := range b.slaves {
		s.State = link.StateInit
	}
	return nil
}

func (b *Bus) ConfigureIOMap(buffer []byte) (int, error) {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.ioMap = buffer
	b.usedSize = len(buffer)
	return b.usedSize, nil
}

func (b *Bus) SendProcessData() error { return nil }

func (b *Bus) ReceiveProcessData(timeout time.Duration) (int, error) {
	b.mu.Lock()
	defer b.mu.Unlock()
	if b.failReceive {
		return 0, link.ErrTimeout
	}
	return len(b.slaves), nil
}

// SetFailReceive lets tests simulate a dropped process-data cycle.
func (b *Bus) SetFailReceive(fail bool) {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.failReceive = fail
}

func (b *Bus) SendAndReceiveFrame(buffer []byte, timeout time.Duration) (int, int, error) {
	b.mu.Lock()
	defer b.mu.Unlock()
	wkc := 0
	for _, s := range b.slaves {
		wkc += applyFrame(s, buffer)
	}
	return wkc, 0, nil
}

// applyFrame walks PDUs in the raw frame bytes, reading matching
// registers into the PDU's data area and bumping the working counter --
// a minimal software emulation of what a real slave's ESC would do as
// the frame passes through it.
func applyFrame(s *Slave, buffer []byte) int {
	wkc := 0
	offset := 2
	for offset+12 <= len(buffer) {
		slaveAddr := uint16(buffer[offset+2]) | uint16(buffer[offset+3])<<8
		regAddr := uint16(buffer[offset+4]) | uint16(buffer[offset+5])<<8
		lengthAndNext := uint16(buffer[offset+6]) | uint16(buffer[offset+7])<<8
		dataLen := int(lengthAndNext & 0x07FF)
		hasNext := lengthAndNext&0x8000 != 0
		dataStart := offset + 10
		if dataStart+dataLen+2 > len(buffer) {
			break
		}
		if slaveAddr == s.ConfiguredAddress {
			for i := 0; i < dataLen; i++ {
				if v, ok := s.Registers[regAddr+uint16(i)]; ok {
					buffer[dataStart+i] = v
				}
			}
			wkcOffset := dataStart + dataLen
			buffer[wkcOffset]++
			wkc++
		}
		offset = dataStart + dataLen + 2
		if !hasNext {
			break
		}
	}
	return wkc
}

func (b *Bus) SDORead(slave int, index uint16, subIndex uint8, buf []byte, timeout time.Duration) (int, int, error) {
	b.mu.Lock()
	defer b.mu.Unlock()
	if slave < 0 || slave >= len(b.slaves) {
		return 0, 0, link.ErrTimeout
	}
	objects := b.slaves[slave].CoEObjects
	if objects == nil {
		return 0, 1, nil
	}
	subs, ok := objects[index]
	if !ok {
		return 0, 0, link.ErrTimeout
	}
	data, ok := subs[subIndex]
	if !ok {
		return 0, 0, link.ErrTimeout
	}
	return copy(buf, data), 1, nil
}

func (b *Bus) SDOWrite(slave int, index uint16, subIndex uint8, data []byte, timeout time.Duration) (int, error) {
	return 1, nil
}

func (b *Bus) ReadEEPROM(slaveConfiguredAddress uint16, wordAddress uint16, timeout time.Duration) (uint64, error) {
	b.mu.Lock()
	defer b.mu.Unlock()
	for _, s := range b.slaves {
		if s.ConfiguredAddress != slaveConfiguredAddress {
			continue
		}
		byteAddr := int(wordAddress) * 2
		if byteAddr+8 > len(s.EEPROM) {
			if byteAddr+4 > len(s.EEPROM) {
				return 0xFFFFFFFFFFFFFFFF, nil
			}
			var v uint32
			for i := 0; i < 4; i++ {
				v |= uint32(s.EEPROM[byteAddr+i]) << (8 * i)
			}
			return uint64(v), nil
		}
		var v uint64
		for i := 0; i < 8; i++ {
			v |= uint64(s.EEPROM[byteAddr+i]) << (8 * i)
		}
		return v, nil
	}
	return 0, link.ErrTimeout
}

func (b *Bus) SetState(slave int, state link.SlaveState) error {
	b.mu.Lock()
	defer b.mu.Unlock()
	if slave < 0 || slave >= len(b.slaves) {
		return link.ErrTimeout
	}
	b.slaves[slave].State = state
	return nil
}

func (b *Bus) CheckState(slave int, state link.SlaveState, timeout time.Duration) (link.SlaveState, error) {
	b.mu.Lock()
	defer b.mu.Unlock()
	if slave < 0 || slave >= len(b.slaves) {
		return link.StateUnknown, link.ErrTimeout
	}
	return b.slaves[slave].State, nil
}

func (b *Bus) SlaveTable() []link.SlaveTableEntry {
	entries := make([]link.SlaveTableEntry, len(b.slaves))
	for i, s := range b.slaves {
		entries[i] = link.SlaveTableEntry{
			ConfiguredAddress: s.ConfiguredAddress,
			Parent:            i - 1,
			ParentPort:        0,
			EntryPort:         0,
			EEPROMByteWidth:   4,
		}
	}
	return entries
}

func (b *Bus) Close() error { return nil }
