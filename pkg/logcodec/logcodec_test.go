package logcodec

import (
	"bufio"
	"bytes"
	"testing"

	ek "github.com/etherkitten/etherkitten"
	"github.com/etherkitten/etherkitten/pkg/datatype"
	"github.com/etherkitten/etherkitten/pkg/dataobject"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestHeaderRoundTrip(t *testing.T) {
	h := Header{Version: Version, PDODescOffset: 40, DataOffset: 100, IOMapUsedSize: 16, StartTimeNs: 12345}
	var buf bytes.Buffer
	require.NoError(t, WriteHeader(&buf, h))
	assert.Equal(t, HeaderSize, buf.Len())

	got, err := ReadHeader(&buf)
	require.NoError(t, err)
	assert.Equal(t, h, got)
}

func TestHeaderRejectsUnknownVersion(t *testing.T) {
	h := Header{Version: 2}
	var buf bytes.Buffer
	require.NoError(t, WriteHeader(&buf, h))
	_, err := ReadHeader(&buf)
	assert.ErrorIs(t, err, ErrUnsupportedVersion)
}

func TestSlaveInfoRoundTrip(t *testing.T) {
	b := SlaveInfoBlock{
		SlaveID: 1,
		Name:    "drive-1",
		PDOs:    []PDOBlock{{Index: 0, PDOOrderOffset: 0, DataType: uint16(datatype.Unsigned16), Name: "status"}},
		CoEObjects: []CoEObjectBlock{
			{Index: 0x6041, SubIndex: 0, DataType: uint16(datatype.Unsigned16), Name: "statusword"},
		},
		ESIBlob:    []byte{1, 2, 3, 4},
		Neighbours: [4]uint16{0xFFFF, 2, 0xFFFF, 0xFFFF},
		CoEEntries: []CoEEntryBlock{
			{Index: 0x6041, ObjectCode: 7, Name: "statusword", SubEntries: nil},
		},
	}

	var buf bytes.Buffer
	require.NoError(t, WriteSlaveInfo(&buf, b))

	r := bufio.NewReader(&buf)
	got, err := ReadSlaveInfo(r)
	require.NoError(t, err)
	assert.Equal(t, b, got)
}

func TestPDODetailSectionRoundTrip(t *testing.T) {
	details := []PDODetail{
		{Index: 0, ByteOffset: 0, BitLength: 16, DataType: uint16(datatype.Unsigned16)},
		{Index: 1, ByteOffset: 2, BitLength: 8, DataType: uint16(datatype.Unsigned8)},
	}
	var buf bytes.Buffer
	require.NoError(t, WritePDODetailSection(&buf, 3, details))

	slaveID, got, err := ReadPDODetailSection(&buf)
	require.NoError(t, err)
	assert.Equal(t, uint16(3), slaveID)
	assert.Equal(t, details, got)
}

func TestProcessImageRecordRoundTrip(t *testing.T) {
	ioMap := []byte{1, 2, 3, 4, 5, 6}
	var buf bytes.Buffer
	require.NoError(t, WriteProcessImageRecord(&buf, ek.TimeStamp(99), ioMap))

	r := bufio.NewReader(&buf)
	tag, err := ReadRecordTag(r)
	require.NoError(t, err)
	assert.Equal(t, TagProcessImage, tag)

	ts, data, err := ReadProcessImageRecord(r, len(ioMap))
	require.NoError(t, err)
	assert.Equal(t, ek.TimeStamp(99), ts)
	assert.Equal(t, ioMap, data)
}

func TestCoESampleRecordRoundTrip(t *testing.T) {
	obj := dataobject.CoEObject{SlaveID: 2, Index: 0x6041, SubIndex: 0}
	var buf bytes.Buffer
	require.NoError(t, WriteCoESampleRecord(&buf, ek.TimeStamp(7), obj, datatype.Unsigned16, []byte{0x34, 0x12}))

	r := bufio.NewReader(&buf)
	tag, err := ReadRecordTag(r)
	require.NoError(t, err)
	slaveID, ok := IsCoESampleTag(tag)
	require.True(t, ok)
	assert.Equal(t, uint16(2), slaveID)

	sample, err := ReadCoESampleRecord(r, slaveID, func(uint16, uint8) datatype.EtherCATDataType { return datatype.Unsigned16 })
	require.NoError(t, err)
	assert.Equal(t, uint16(0x6041), sample.Index)
	assert.Equal(t, []byte{0x34, 0x12}, sample.Value)
}

func TestErrorMessageRecordRoundTrip(t *testing.T) {
	msg := ek.ErrorMessage{
		Time:     ek.TimeStamp(55),
		Severity: ek.SeverityFatal,
		Slave1:   3,
		Slave2:   ek.NoAssociatedSlave,
		Message:  "lost link on port 1",
	}
	var buf bytes.Buffer
	require.NoError(t, WriteErrorMessageRecord(&buf, msg))

	r := bufio.NewReader(&buf)
	tag, err := ReadRecordTag(r)
	require.NoError(t, err)
	assert.Equal(t, TagErrorMessage, tag)

	got, err := ReadErrorMessageRecord(r)
	require.NoError(t, err)
	assert.Equal(t, msg, got)
}

func TestRegisterSampleRecordRoundTrip(t *testing.T) {
	reg := dataobject.RegFrameErrorCounterPort0
	var buf bytes.Buffer
	require.NoError(t, WriteRegisterSampleRecord(&buf, ek.TimeStamp(42), reg, 1, 9))

	r := bufio.NewReader(&buf)
	tag, err := ReadRecordTag(r)
	require.NoError(t, err)
	regAddr, slaveID, ok := IsRegisterSampleTag(tag)
	require.True(t, ok)
	assert.Equal(t, reg.Address(), regAddr)
	assert.Equal(t, uint16(1), slaveID)

	ts, value, err := ReadRegisterSampleRecord(r, dataobject.RegisterByteSize(reg))
	require.NoError(t, err)
	assert.Equal(t, ek.TimeStamp(42), ts)
	assert.Equal(t, uint64(9), value)
}

func TestProcessImageTagNeverConfusedWithRegisterSample(t *testing.T) {
	_, _, ok := IsRegisterSampleTag(TagProcessImage)
	assert.False(t, ok)
	_, _, ok = IsRegisterSampleTag(TagErrorMessage)
	assert.False(t, ok)
	_, ok = IsCoESampleTag(TagProcessImage)
	assert.False(t, ok)
}
