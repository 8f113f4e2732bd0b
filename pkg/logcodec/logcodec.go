// Package logcodec implements the on-disk .ekl log binary format: a
// fixed 40-byte header, a slave-info section, a PDO-detail section, and
// a stream of tagged data records, per spec.md section 4.9. All
// multi-byte integers are little-endian. Grounded on the teacher's
// pkg/sdo/io.go, which layers typed encode/decode helpers directly over
// encoding/binary rather than reaching for a reflection-based codec --
// the same style is used here for every fixed-layout block.
package logcodec

import (
	"bufio"
	"encoding/binary"
	"errors"
	"io"

	"github.com/etherkitten/etherkitten/pkg/dataobject"
)

// Version is the only log format version this codec understands.
// Readers must reject any other value.
const Version uint64 = 1

const HeaderSize = 40

// ErrUnsupportedVersion is returned when a log file's header carries a
// version this codec does not know how to decode.
var ErrUnsupportedVersion = errors.New("logcodec: unsupported log version")

// Header is the first 40 bytes of every .ekl file.
type Header struct {
	Version       uint64
	PDODescOffset uint64
	DataOffset    uint64
	IOMapUsedSize uint64
	StartTimeNs   uint64
}

func WriteHeader(w io.Writer, h Header) error {
	buf := make([]byte, HeaderSize)
	binary.LittleEndian.PutUint64(buf[0:8], h.Version)
	binary.LittleEndian.PutUint64(buf[8:16], h.PDODescOffset)
	binary.LittleEndian.PutUint64(buf[16:24], h.DataOffset)
	binary.LittleEndian.PutUint64(buf[24:32], h.IOMapUsedSize)
	binary.LittleEndian.PutUint64(buf[32:40], h.StartTimeNs)
	_, err := w.Write(buf)
	return err
}

func ReadHeader(r io.Reader) (Header, error) {
	buf := make([]byte, HeaderSize)
	if _, err := io.ReadFull(r, buf); err != nil {
		return Header{}, err
	}
	h := Header{
		Version:       binary.LittleEndian.Uint64(buf[0:8]),
		PDODescOffset: binary.LittleEndian.Uint64(buf[8:16]),
		DataOffset:    binary.LittleEndian.Uint64(buf[16:24]),
		IOMapUsedSize: binary.LittleEndian.Uint64(buf[24:32]),
		StartTimeNs:   binary.LittleEndian.Uint64(buf[32:40]),
	}
	if h.Version != Version {
		return h, ErrUnsupportedVersion
	}
	return h, nil
}

// Sub-block tags within a slave-info section.
const (
	TagPDO        = 0
	TagCoEObject  = 1
	TagESIBlob    = 2
	TagNeighbours = 3
	TagCoEEntry   = 5
)

// Data-section record tags. The high byte discriminates the record
// type; process-image and error-message records leave the low 3 bytes
// zero, a CoE sample carries its slave id there, and a register sample
// uses the whole tag as `reg<<16 | slave` (its high byte is whatever
// byte the register address happens to carry, never 0x80/0x90/0xA0).
const (
	tagHighProcessImage uint32 = 0x80
	tagHighCoESample    uint32 = 0x90
	tagHighErrorMessage uint32 = 0xA0

	TagProcessImage uint32 = tagHighProcessImage << 24
	TagErrorMessage uint32 = tagHighErrorMessage << 24
)

// CoESampleTag builds the tagged value for a CoE sample record from one
// slave.
func CoESampleTag(slaveID uint16) uint32 {
	return tagHighCoESample<<24 | uint32(slaveID)
}

// IsCoESampleTag reports whether tag was built by CoESampleTag, and if
// so the slave id it carries.
func IsCoESampleTag(tag uint32) (slaveID uint16, ok bool) {
	if tag>>24 == tagHighCoESample {
		return uint16(tag), true
	}
	return 0, false
}

// RegisterSampleTag builds the tagged value for a register-sample
// record, per spec.md 4.9's `reg<<16 | slave`.
func RegisterSampleTag(reg dataobject.Register, slaveID uint16) uint32 {
	return uint32(reg.Address())<<16 | uint32(slaveID)
}

// IsRegisterSampleTag reports whether tag is a register-sample tag
// (i.e. its high byte does not match one of the three fixed record
// tags), decoding the register address and slave id if so.
func IsRegisterSampleTag(tag uint32) (regAddr uint16, slaveID uint16, ok bool) {
	high := tag >> 24
	if uint32(high) == tagHighProcessImage || uint32(high) == tagHighCoESample || uint32(high) == tagHighErrorMessage {
		return 0, 0, false
	}
	return uint16(tag >> 16), uint16(tag), true
}

// PDOBlock is a type-0 slave-info sub-block.
type PDOBlock struct {
	Index          uint16
	PDOOrderOffset uint16
	DataType       uint16
	Name           string
}

// CoEObjectBlock is a type-1 slave-info sub-block.
type CoEObjectBlock struct {
	Index    uint16
	SubIndex uint8
	DataType uint16
	Name     string
}

// CoEEntryBlock is a type-5 slave-info sub-block: a dictionary entry
// header followed by nested type-1 blocks for each sub-index.
type CoEEntryBlock struct {
	Index      uint16
	ObjectCode uint8
	Name       string
	SubEntries []CoEObjectBlock
}

// SlaveInfoBlock is one whole per-slave record in the slave-info section.
type SlaveInfoBlock struct {
	SlaveID    uint16
	Name       string
	PDOs       []PDOBlock
	CoEObjects []CoEObjectBlock
	ESIBlob    []byte
	Neighbours [4]uint16
	CoEEntries []CoEEntryBlock
}

func writeCString(w io.Writer, s string) error {
	if _, err := io.WriteString(w, s); err != nil {
		return err
	}
	_, err := w.Write([]byte{0})
	return err
}

func readCString(r *bufio.Reader) (string, error) {
	s, err := r.ReadString(0)
	if err != nil {
		return "", err
	}
	return s[:len(s)-1], nil
}

// WriteSlaveInfo encodes one slave-info record, sub-blocks first so the
// caller can precompute blockSize.
func WriteSlaveInfo(w io.Writer, b SlaveInfoBlock) error {
	var body []byte
	bw := newByteWriter(&body)

	for _, p := range b.PDOs {
		bw.writeByte(TagPDO)
		bw.writeU16(p.Index)
		bw.writeU16(p.PDOOrderOffset)
		bw.writeU16(p.DataType)
		bw.writeCString(p.Name)
	}
	for _, c := range b.CoEObjects {
		bw.writeByte(TagCoEObject)
		bw.writeU16(c.Index)
		bw.writeByte(c.SubIndex)
		bw.writeU16(c.DataType)
		bw.writeCString(c.Name)
	}
	if b.ESIBlob != nil {
		bw.writeByte(TagESIBlob)
		bw.writeU16(uint16(len(b.ESIBlob)))
		bw.writeBytes(b.ESIBlob)
	}
	bw.writeByte(TagNeighbours)
	for _, n := range b.Neighbours {
		bw.writeU16(n)
	}
	for _, e := range b.CoEEntries {
		var entryBody []byte
		ew := newByteWriter(&entryBody)
		ew.writeU16(e.Index)
		ew.writeByte(e.ObjectCode)
		ew.writeCString(e.Name)
		for _, sub := range e.SubEntries {
			ew.writeByte(TagCoEObject)
			ew.writeU16(sub.Index)
			ew.writeByte(sub.SubIndex)
			ew.writeU16(sub.DataType)
			ew.writeCString(sub.Name)
		}
		bw.writeByte(TagCoEEntry)
		bw.writeU16(uint16(len(entryBody)))
		bw.writeBytes(entryBody)
	}

	header := make([]byte, 2+8)
	binary.LittleEndian.PutUint16(header[0:2], b.SlaveID)
	binary.LittleEndian.PutUint64(header[2:10], uint64(len(body))+uint64(len(b.Name))+1)
	if _, err := w.Write(header); err != nil {
		return err
	}
	if err := writeCString(w, b.Name); err != nil {
		return err
	}
	_, err := w.Write(body)
	return err
}

// ReadSlaveInfo decodes one slave-info record from r, which must be
// positioned at the start of the record.
func ReadSlaveInfo(r *bufio.Reader) (SlaveInfoBlock, error) {
	head := make([]byte, 10)
	if _, err := io.ReadFull(r, head); err != nil {
		return SlaveInfoBlock{}, err
	}
	slaveID := binary.LittleEndian.Uint16(head[0:2])
	blockSize := binary.LittleEndian.Uint64(head[2:10])

	name, err := readCString(r)
	if err != nil {
		return SlaveInfoBlock{}, err
	}
	remaining := int(blockSize) - len(name) - 1
	body := make([]byte, remaining)
	if _, err := io.ReadFull(r, body); err != nil {
		return SlaveInfoBlock{}, err
	}

	b := SlaveInfoBlock{SlaveID: slaveID, Name: name}
	br := newByteReader(body)
	for !br.empty() {
		tag := br.readByte()
		switch tag {
		case TagPDO:
			b.PDOs = append(b.PDOs, PDOBlock{
				Index:          br.readU16(),
				PDOOrderOffset: br.readU16(),
				DataType:       br.readU16(),
				Name:           br.readCString(),
			})
		case TagCoEObject:
			b.CoEObjects = append(b.CoEObjects, CoEObjectBlock{
				Index:    br.readU16(),
				SubIndex: br.readByte(),
				DataType: br.readU16(),
				Name:     br.readCString(),
			})
		case TagESIBlob:
			n := br.readU16()
			b.ESIBlob = br.readBytes(int(n))
		case TagNeighbours:
			for i := range b.Neighbours {
				b.Neighbours[i] = br.readU16()
			}
		case TagCoEEntry:
			n := br.readU16()
			entryBody := br.readBytes(int(n))
			b.CoEEntries = append(b.CoEEntries, decodeCoEEntry(entryBody))
		default:
			return b, errors.New("logcodec: unknown slave-info sub-block tag")
		}
	}
	return b, nil
}

func decodeCoEEntry(body []byte) CoEEntryBlock {
	br := newByteReader(body)
	e := CoEEntryBlock{
		Index:      br.readU16(),
		ObjectCode: br.readByte(),
		Name:       br.readCString(),
	}
	for !br.empty() {
		tag := br.readByte()
		if tag != TagCoEObject {
			break
		}
		e.SubEntries = append(e.SubEntries, CoEObjectBlock{
			Index:    br.readU16(),
			SubIndex: br.readByte(),
			DataType: br.readU16(),
			Name:     br.readCString(),
		})
	}
	return e
}

// PDODetail is one entry of the PDO-detail section, reproducing the live
// PDOOffsets map for one slave.
type PDODetail struct {
	Index      uint16
	ByteOffset uint16
	BitLength  uint8
	DataType   uint16
}

// WritePDODetailSection encodes one slave's whole PDO-detail record.
func WritePDODetailSection(w io.Writer, slaveID uint16, details []PDODetail) error {
	body := make([]byte, 0, len(details)*7)
	for _, d := range details {
		var rec [7]byte
		binary.LittleEndian.PutUint16(rec[0:2], d.Index)
		binary.LittleEndian.PutUint16(rec[2:4], d.ByteOffset)
		rec[4] = d.BitLength
		binary.LittleEndian.PutUint16(rec[5:7], d.DataType)
		body = append(body, rec[:]...)
	}
	header := make([]byte, 4)
	binary.LittleEndian.PutUint16(header[0:2], slaveID)
	binary.LittleEndian.PutUint16(header[2:4], uint16(len(body)))
	if _, err := w.Write(header); err != nil {
		return err
	}
	_, err := w.Write(body)
	return err
}

func ReadPDODetailSection(r io.Reader) (uint16, []PDODetail, error) {
	header := make([]byte, 4)
	if _, err := io.ReadFull(r, header); err != nil {
		return 0, nil, err
	}
	slaveID := binary.LittleEndian.Uint16(header[0:2])
	blockSize := binary.LittleEndian.Uint16(header[2:4])
	body := make([]byte, blockSize)
	if _, err := io.ReadFull(r, body); err != nil {
		return 0, nil, err
	}
	var details []PDODetail
	for off := 0; off+7 <= len(body); off += 7 {
		details = append(details, PDODetail{
			Index:      binary.LittleEndian.Uint16(body[off : off+2]),
			ByteOffset: binary.LittleEndian.Uint16(body[off+2 : off+4]),
			BitLength:  body[off+4],
			DataType:   binary.LittleEndian.Uint16(body[off+5 : off+7]),
		})
	}
	return slaveID, details, nil
}
