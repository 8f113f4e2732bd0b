package logcodec

import (
	"bufio"
	"bytes"
	"encoding/binary"
	"io"

	ek "github.com/etherkitten/etherkitten"
	"github.com/etherkitten/etherkitten/pkg/datatype"
	"github.com/etherkitten/etherkitten/pkg/dataobject"
)

// EncodeValue renders a value of EtherCATDataType t onto the wire per
// spec.md 4.9: fixed-width integral/float types use their natural byte
// count, octet-string is length-prefixed, visible/unicode-string are
// NUL-terminated.
func EncodeValue(t datatype.EtherCATDataType, raw []byte) []byte {
	switch t {
	case datatype.OctetString:
		out := make([]byte, 4+len(raw))
		binary.LittleEndian.PutUint32(out[0:4], uint32(len(raw)))
		copy(out[4:], raw)
		return out
	case datatype.VisibleString, datatype.UnicodeString:
		out := make([]byte, len(raw)+1)
		copy(out, raw)
		out[len(raw)] = 0
		return out
	default:
		size := t.ByteSize()
		if size == 0 || len(raw) >= size {
			return raw
		}
		out := make([]byte, size)
		copy(out, raw)
		return out
	}
}

// DecodeValue is the inverse of EncodeValue, consuming from r positioned
// right after the value's header fields.
func DecodeValue(r *bufio.Reader, t datatype.EtherCATDataType) ([]byte, error) {
	switch t {
	case datatype.OctetString:
		var lenBuf [4]byte
		if _, err := io.ReadFull(r, lenBuf[:]); err != nil {
			return nil, err
		}
		n := binary.LittleEndian.Uint32(lenBuf[:])
		out := make([]byte, n)
		_, err := io.ReadFull(r, out)
		return out, err
	case datatype.VisibleString, datatype.UnicodeString:
		s, err := r.ReadBytes(0)
		if err != nil {
			return nil, err
		}
		return s[:len(s)-1], nil
	default:
		size := t.ByteSize()
		out := make([]byte, size)
		_, err := io.ReadFull(r, out)
		return out, err
	}
}

// WriteProcessImageRecord emits one process-image frame record.
func WriteProcessImageRecord(w io.Writer, t ek.TimeStamp, ioMap []byte) error {
	var buf bytes.Buffer
	var head [12]byte
	binary.LittleEndian.PutUint32(head[0:4], TagProcessImage)
	binary.LittleEndian.PutUint64(head[4:12], uint64(t))
	buf.Write(head[:])
	buf.Write(ioMap)
	_, err := w.Write(buf.Bytes())
	return err
}

func ReadProcessImageRecord(r *bufio.Reader, ioMapUsedSize int) (ek.TimeStamp, []byte, error) {
	var tsBuf [8]byte
	if _, err := io.ReadFull(r, tsBuf[:]); err != nil {
		return 0, nil, err
	}
	data := make([]byte, ioMapUsedSize)
	if _, err := io.ReadFull(r, data); err != nil {
		return 0, nil, err
	}
	return ek.TimeStamp(binary.LittleEndian.Uint64(tsBuf[:])), data, nil
}

// WriteCoESampleRecord emits one CoE sample record.
func WriteCoESampleRecord(w io.Writer, t ek.TimeStamp, obj dataobject.CoEObject, valueType datatype.EtherCATDataType, rawValue []byte) error {
	value := EncodeValue(valueType, rawValue)
	body := make([]byte, 3+len(value))
	binary.LittleEndian.PutUint16(body[0:2], obj.Index)
	body[2] = obj.SubIndex
	copy(body[3:], value)

	var head [20]byte
	binary.LittleEndian.PutUint32(head[0:4], CoESampleTag(uint16(obj.SlaveID)))
	binary.LittleEndian.PutUint64(head[4:12], uint64(t))
	binary.LittleEndian.PutUint64(head[12:20], uint64(len(body)))
	if _, err := w.Write(head[:]); err != nil {
		return err
	}
	_, err := w.Write(body)
	return err
}

// CoESample is one decoded CoE sample record.
type CoESample struct {
	SlaveID  uint16
	Time     ek.TimeStamp
	Index    uint16
	SubIndex uint8
	Value    []byte
}

// ReadCoESampleRecord decodes one CoE sample. typeOf is consulted only
// after index/subindex are known, since the value's on-disk encoding
// depends on the object's EtherCATDataType and that can only be looked
// up once the dictionary index has been read off the wire.
func ReadCoESampleRecord(r *bufio.Reader, slaveID uint16, typeOf func(index uint16, subIndex uint8) datatype.EtherCATDataType) (CoESample, error) {
	var head [16]byte
	if _, err := io.ReadFull(r, head[:]); err != nil {
		return CoESample{}, err
	}
	t := ek.TimeStamp(binary.LittleEndian.Uint64(head[0:8]))
	_ = binary.LittleEndian.Uint64(head[8:16]) // blockSize, not needed once index/subindex/value are parsed

	var idxBuf [3]byte
	if _, err := io.ReadFull(r, idxBuf[:]); err != nil {
		return CoESample{}, err
	}
	index := binary.LittleEndian.Uint16(idxBuf[0:2])
	subIndex := idxBuf[2]

	value, err := DecodeValue(r, typeOf(index, subIndex))
	if err != nil {
		return CoESample{}, err
	}
	return CoESample{SlaveID: slaveID, Time: t, Index: index, SubIndex: subIndex, Value: value}, nil
}

// WriteErrorMessageRecord emits one error-message record.
func WriteErrorMessageRecord(w io.Writer, msg ek.ErrorMessage) error {
	body := make([]byte, 0, 5+len(msg.Message)+1)
	var ids [4]byte
	binary.LittleEndian.PutUint16(ids[0:2], truncateSlave(msg.Slave1))
	binary.LittleEndian.PutUint16(ids[2:4], truncateSlave(msg.Slave2))
	body = append(body, ids[:]...)
	body = append(body, byte(msg.Severity))
	body = append(body, msg.Message...)
	body = append(body, 0)

	var head [12]byte
	binary.LittleEndian.PutUint32(head[0:4], TagErrorMessage)
	binary.LittleEndian.PutUint64(head[4:12], uint64(msg.Time))
	if _, err := w.Write(head[:]); err != nil {
		return err
	}
	var sizeBuf [8]byte
	binary.LittleEndian.PutUint64(sizeBuf[:], uint64(len(body)))
	if _, err := w.Write(sizeBuf[:]); err != nil {
		return err
	}
	_, err := w.Write(body)
	return err
}

func truncateSlave(id uint32) uint16 {
	if id == ek.NoAssociatedSlave {
		return 0xFFFF
	}
	return uint16(id)
}

func ReadErrorMessageRecord(r *bufio.Reader) (ek.ErrorMessage, error) {
	var head [16]byte
	if _, err := io.ReadFull(r, head[:]); err != nil {
		return ek.ErrorMessage{}, err
	}
	t := ek.TimeStamp(binary.LittleEndian.Uint64(head[0:8]))

	var fixed [5]byte
	if _, err := io.ReadFull(r, fixed[:]); err != nil {
		return ek.ErrorMessage{}, err
	}
	slave1 := binary.LittleEndian.Uint16(fixed[0:2])
	slave2 := binary.LittleEndian.Uint16(fixed[2:4])
	severity := fixed[4]

	msgBytes, err := r.ReadBytes(0)
	if err != nil {
		return ek.ErrorMessage{}, err
	}
	return ek.ErrorMessage{
		Time:     t,
		Severity: ek.Severity(severity),
		Slave1:   expandSlave(slave1),
		Slave2:   expandSlave(slave2),
		Message:  string(msgBytes[:len(msgBytes)-1]),
	}, nil
}

func expandSlave(id uint16) uint32 {
	if id == 0xFFFF {
		return ek.NoAssociatedSlave
	}
	return uint32(id)
}

// WriteRegisterSampleRecord emits one register-sample record.
func WriteRegisterSampleRecord(w io.Writer, t ek.TimeStamp, reg dataobject.Register, slaveID uint16, value uint64) error {
	size := dataobject.RegisterByteSize(reg)
	var head [12]byte
	binary.LittleEndian.PutUint32(head[0:4], RegisterSampleTag(reg, slaveID))
	binary.LittleEndian.PutUint64(head[4:12], uint64(t))
	if _, err := w.Write(head[:]); err != nil {
		return err
	}
	valueBuf := make([]byte, size)
	for i := 0; i < size; i++ {
		valueBuf[i] = byte(value >> (8 * i))
	}
	_, err := w.Write(valueBuf)
	return err
}

func ReadRegisterSampleRecord(r *bufio.Reader, byteSize int) (ek.TimeStamp, uint64, error) {
	var tsBuf [8]byte
	if _, err := io.ReadFull(r, tsBuf[:]); err != nil {
		return 0, 0, err
	}
	valueBuf := make([]byte, byteSize)
	if _, err := io.ReadFull(r, valueBuf); err != nil {
		return 0, 0, err
	}
	var v uint64
	for i, b := range valueBuf {
		v |= uint64(b) << (8 * i)
	}
	return ek.TimeStamp(binary.LittleEndian.Uint64(tsBuf[:])), v, nil
}

// ReadRecordTag reads the 4-byte tag that begins every data-section
// record, or io.EOF when the stream is exhausted.
func ReadRecordTag(r *bufio.Reader) (uint32, error) {
	var buf [4]byte
	if _, err := io.ReadFull(r, buf[:]); err != nil {
		return 0, err
	}
	return binary.LittleEndian.Uint32(buf[:]), nil
}
