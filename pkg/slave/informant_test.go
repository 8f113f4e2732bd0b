package slave

import (
	"context"
	"testing"

	"github.com/etherkitten/etherkitten/pkg/link/mock"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func eeprom(words ...uint16) []byte {
	buf := make([]byte, 0, len(words)*2)
	for _, w := range words {
		buf = append(buf, byte(w), byte(w>>8))
	}
	return buf
}

func emptyESIImage() []byte {
	return eeprom(0xFFFF, 0x0000)
}

func TestEmptyBusIsFatal(t *testing.T) {
	bus := mock.NewWithSlaves(nil)
	_, err := New(context.Background(), bus, "mock0", 0, nil)
	require.Error(t, err)
	infErr, ok := err.(interface{ Error() string })
	require.True(t, ok)
	assert.Contains(t, infErr.Error(), "construction failed")
}

func TestSingleSlaveEnumerates(t *testing.T) {
	s := &mock.Slave{
		ConfiguredAddress: 0x3468,
		Registers:         map[uint16]byte{},
		EEPROM:            emptyESIImage(),
	}
	bus := mock.NewWithSlaves([]*mock.Slave{s})

	inf, err := New(context.Background(), bus, "mock0", 0, nil)
	require.NoError(t, err)
	assert.Equal(t, uint32(1), inf.SlaveCount())

	info, err := inf.SlaveInfo(1)
	require.NoError(t, err)
	assert.Equal(t, uint32(1), info.ID)
	assert.Empty(t, inf.InitializationErrors())
}

func TestSlaveInfoOutOfRangeErrors(t *testing.T) {
	s := &mock.Slave{ConfiguredAddress: 0x1000, EEPROM: emptyESIImage()}
	bus := mock.NewWithSlaves([]*mock.Slave{s})
	inf, err := New(context.Background(), bus, "mock0", 0, nil)
	require.NoError(t, err)

	_, err = inf.SlaveInfo(0)
	assert.ErrorIs(t, err, ErrSlaveNotFound)
	_, err = inf.SlaveInfo(2)
	assert.ErrorIs(t, err, ErrSlaveNotFound)
}

// coeESIImage builds a minimal ESI image with only a General category
// (CoE-support bit set) followed by the end marker.
func coeESIImage() []byte {
	return eeprom(
		30, 8, // category General, 8 words (16 bytes) of body
		0x0004, 0x0000, // VendorID: low byte carries the CoE-support bit
		0x0000, 0x0000, // ProductCode
		0x0000, 0x0000, // RevisionNumber
		0x0000, 0x0000, // SerialNumber
		0xFFFF, 0x0000, // end category
	)
}

func TestWalkObjectDictionaryPopulatesCoEInfos(t *testing.T) {
	s := &mock.Slave{
		ConfiguredAddress: 0x1000,
		EEPROM:            coeESIImage(),
		CoEObjects: map[uint16]map[uint8][]byte{
			0x1: { // list of all objects
				0: {2, 0}, // 2 entries, little-endian UNSIGNED16
				1: {0x00, 0x60},
				2: {0x01, 0x60},
			},
			0x6000: {
				0: {2}, // RECORD with 2 sub-entries
				1: {0, 0, 0, 0},
				2: {0, 0},
			},
			0x6001: {
				0: {0}, // sub-index 0 count of 0: treated as a VAR at sub-index 0
			},
		},
	}
	bus := mock.NewWithSlaves([]*mock.Slave{s})

	inf, err := New(context.Background(), bus, "mock0", 0, nil)
	require.NoError(t, err)

	info, err := inf.SlaveInfo(1)
	require.NoError(t, err)
	require.Len(t, info.CoEEntries, 2)

	var entry6000, entry6001 *CoEEntry
	for i := range info.CoEEntries {
		switch info.CoEEntries[i].Index {
		case 0x6000:
			entry6000 = &info.CoEEntries[i]
		case 0x6001:
			entry6001 = &info.CoEEntries[i]
		}
	}
	require.NotNil(t, entry6000)
	require.NotNil(t, entry6001)
	assert.Equal(t, ObjectRECORD, entry6000.ObjectCode)
	require.Len(t, entry6000.Objects, 2)
	assert.Equal(t, ObjectVAR, entry6001.ObjectCode)
	require.Len(t, entry6001.Objects, 1)

	bus2Info := inf.BusInfo()
	assert.Contains(t, bus2Info.CoEInfos, entry6000.Objects[0])
	assert.Equal(t, 32, bus2Info.CoEInfos[entry6000.Objects[0]].BitLength)
	assert.Contains(t, bus2Info.CoEInfos, entry6000.Objects[1])
	assert.Equal(t, 16, bus2Info.CoEInfos[entry6000.Objects[1]].BitLength)
	assert.Contains(t, bus2Info.CoEInfos, entry6001.Objects[0])
	assert.Equal(t, 8, bus2Info.CoEInfos[entry6001.Objects[0]].BitLength)
}

func TestTopologyInversion(t *testing.T) {
	a := &mock.Slave{ConfiguredAddress: 0x1000, EEPROM: emptyESIImage()}
	b := &mock.Slave{ConfiguredAddress: 0x1001, EEPROM: emptyESIImage()}
	bus := mock.NewWithSlaves([]*mock.Slave{a, b})

	inf, err := New(context.Background(), bus, "mock0", 0, nil)
	require.NoError(t, err)

	parent, _ := inf.SlaveInfo(1)
	child, _ := inf.SlaveInfo(2)
	assert.Equal(t, child.ID, parent.Neighbors[0])
	assert.Equal(t, parent.ID, child.Neighbors[0])
}
