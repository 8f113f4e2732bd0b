package frame

import (
	"testing"

	"github.com/etherkitten/etherkitten/pkg/dataobject"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestSingleSlaveRegistersOnlyFrame(t *testing.T) {
	slaves := []SlaveAddress{{SlaveID: 1, ConfiguredAddress: 0x3468}}
	visibility := map[dataobject.Register]bool{dataobject.RegBuild: true}

	list := build(slaves, visibility)
	require.Len(t, list.Frames, 1)

	wire := list.Frames[0].Frame.Marshal()
	assert.Equal(t, 16, len(wire))

	expected := []byte{
		0x04, 0xff, 0x68, 0x34, 0x02, 0x00, 0x02, 0x00,
		0x00, 0x00, 0x00, 0x00, 0x00, 0x00,
	}
	assert.Equal(t, expected, wire[2:])
}

func TestDisjointRegistersTwoPDUs(t *testing.T) {
	slaves := []SlaveAddress{{SlaveID: 1, ConfiguredAddress: 0x3468}}
	visibility := map[dataobject.Register]bool{
		dataobject.RegRAMSize:                true,
		dataobject.RegFrameErrorCounterPort1: true,
	}

	list := build(slaves, visibility)
	require.Len(t, list.Frames, 1)
	frame := list.Frames[0]

	wire := frame.Frame.Marshal()
	assert.Equal(t, 28, len(wire))
	require.Len(t, frame.PDUs, 2)

	assert.Equal(t, 13, frame.PDUs[0].WkcOffset)
	assert.Equal(t, 12, frame.PDUs[0].RegisterOffset[dataobject.RegRAMSize])

	assert.Equal(t, 26, frame.PDUs[1].WkcOffset)
	assert.Equal(t, 25, frame.PDUs[1].RegisterOffset[dataobject.RegFrameErrorCounterPort1])
}

func TestSchedulerRoundRobin(t *testing.T) {
	s := NewScheduler()
	s.ChangeRegisterSettings(
		[]SlaveAddress{{SlaveID: 1, ConfiguredAddress: 0x1000}},
		map[dataobject.Register]bool{dataobject.RegBuild: true, dataobject.RegRAMSize: true},
	)
	assert.Equal(t, 1, s.FrameCount())

	frames, completed := s.GetNextFrames(1)
	assert.Len(t, frames, 1)
	assert.True(t, completed, "single-frame lists complete every round")

	frames, _ = s.GetNextFrames(3)
	assert.Len(t, frames, 3)
}

func TestPackingRespectsMaxPDULength(t *testing.T) {
	slaves := []SlaveAddress{{SlaveID: 1, ConfiguredAddress: 0x1000}}
	visibility := map[dataobject.Register]bool{}
	// Spread registers far enough apart that each opens its own interval.
	for i := 0; i < 200; i++ {
		addr := uint16(i * 64)
		visibility[dataobject.NewRegisterAt(addr, 0)] = true
	}
	list := build(slaves, visibility)
	require.NotEmpty(t, list.Frames)
	for _, f := range list.Frames {
		total := 0
		for _, p := range f.Frame.PDUs {
			total += p.wireLength()
		}
		assert.LessOrEqual(t, total, MaxTotalPDULength)
	}
}

func TestReconfigureDuringIterationKeepsOldListValid(t *testing.T) {
	s := NewScheduler()
	s.ChangeRegisterSettings(
		[]SlaveAddress{{SlaveID: 1, ConfiguredAddress: 0x1000}},
		map[dataobject.Register]bool{dataobject.RegBuild: true},
	)
	old := s.current.Load()
	frames, _ := s.GetNextFrames(1)
	assert.Len(t, frames, 1)

	s.ChangeRegisterSettings(
		[]SlaveAddress{{SlaveID: 2, ConfiguredAddress: 0x2000}},
		map[dataobject.Register]bool{dataobject.RegRAMSize: true},
	)
	// The previously captured list reference is still intact and usable.
	assert.Len(t, old.Frames, 1)
	assert.Equal(t, uint16(0x1000), old.Frames[0].Frame.PDUs[0].SlaveConfiguredAddress)
}
