// Package frame implements the EtherCAT wire-format frame/PDU model and
// the register scheduler described in spec.md section 4.3. It mirrors,
// at the byte-packing level, the way gocanopen's root package models a
// CAN Frame as a small fixed struct (bus.go's Frame) plus a BusManager
// that owns a slice of pending tx buffers -- scaled up here to a
// multi-PDU EtherCAT frame and a scheduler that round-robins frame sets.
package frame

import (
	"encoding/binary"

	"github.com/etherkitten/etherkitten/pkg/dataobject"
)

const (
	CommandFPRD uint8 = 0x04
	CommandFPWR uint8 = 0x05

	ethHeaderLen  = 14
	ecatHeaderLen = 2
	crcLen        = 4
	// MaxTotalPDULength bounds total PDU bytes per frame: 1518 minus
	// Ethernet header, ECAT header, and trailing CRC, per spec.md 4.3.
	MaxTotalPDULength = 1518 - ethHeaderLen - ecatHeaderLen - crcLen

	// PDUOverheadBytes is the fixed per-PDU framing cost (command, index,
	// address, register address, length+next, event, working counter);
	// intervals are coalesced only when the address gap costs fewer
	// bytes than opening a new PDU, i.e. gap <= PDUOverheadBytes.
	PDUOverheadBytes = 12
)

// PDU is one "fixed-address physical read" (or write) within a frame.
type PDU struct {
	CommandType            uint8
	Index                  uint8
	SlaveConfiguredAddress uint16
	RegisterAddress        uint16
	Data                   []byte
	HasNext                bool
	ExternalEvent          uint16
	WorkingCounter         uint16
}

func (p *PDU) wireLength() int {
	// command(1) index(1) address(2) regaddr(2) lenAndNext(2) event(2) data(n) wkc(2)
	return 1 + 1 + 2 + 2 + 2 + 2 + len(p.Data) + 2
}

// Frame is lengthAndType followed by the PDU area, per spec.md section 4.3.
type Frame struct {
	PDUs []PDU
}

// Marshal serialises the frame to its on-wire little-endian byte form,
// allocating a fresh buffer. For the realtime send/receive path, where
// spec.md section 9 forbids allocation, use MarshalInto with a
// preallocated buffer instead.
func (f *Frame) Marshal() []byte {
	return f.MarshalInto(make([]byte, 0, f.wireLength()))
}

// MarshalInto serialises the frame into buf's backing array and returns
// the written slice, without allocating. buf must be sliced to zero
// length with spare capacity of at least f.wireLength() bytes -- callers
// on the realtime path size it to MaxTotalPDULength once, up front, and
// reuse the same backing array every cycle.
func (f *Frame) MarshalInto(buf []byte) []byte {
	total := f.wireLength()
	buf = buf[:total]
	lengthAndType := uint16(total-2) | (0x1 << 12) // type 1 = EtherCAT command frame
	binary.LittleEndian.PutUint16(buf[0:2], lengthAndType)

	offset := 2
	for i, p := range f.PDUs {
		buf[offset] = p.CommandType
		buf[offset+1] = p.Index
		binary.LittleEndian.PutUint16(buf[offset+2:offset+4], p.SlaveConfiguredAddress)
		binary.LittleEndian.PutUint16(buf[offset+4:offset+6], p.RegisterAddress)
		lengthAndNext := uint16(len(p.Data)) & 0x07FF
		if i < len(f.PDUs)-1 {
			lengthAndNext |= 0x8000
		}
		binary.LittleEndian.PutUint16(buf[offset+6:offset+8], lengthAndNext)
		binary.LittleEndian.PutUint16(buf[offset+8:offset+10], p.ExternalEvent)
		copy(buf[offset+10:offset+10+len(p.Data)], p.Data)
		wkcOffset := offset + 10 + len(p.Data)
		binary.LittleEndian.PutUint16(buf[wkcOffset:wkcOffset+2], p.WorkingCounter)
		offset += p.wireLength()
	}
	return buf
}

// wireLength returns the total marshalled size of the frame in bytes.
func (f *Frame) wireLength() int {
	total := 2
	for _, p := range f.PDUs {
		total += p.wireLength()
	}
	return total
}

// PDUMeta records, for every register carried in a PDU, the byte offset
// within the frame where its value lands after the round trip, plus the
// offset of that PDU's working counter.
type PDUMeta struct {
	SlaveID        uint32
	RegisterOffset map[dataobject.Register]int
	WkcOffset      int
}

// FrameMeta pairs a wire Frame with per-PDU metadata.
type FrameMeta struct {
	Frame Frame
	PDUs  []PDUMeta
}

// EtherCATFrameList is the scheduler's output: one frame-set per
// round-robin round.
type EtherCATFrameList struct {
	Frames []FrameMeta
}
