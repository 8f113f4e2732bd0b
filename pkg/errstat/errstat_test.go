package errstat

import (
	"testing"
	"time"

	ek "github.com/etherkitten/etherkitten"
	"github.com/etherkitten/etherkitten/pkg/dataobject"
	"github.com/etherkitten/etherkitten/pkg/search"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type fakeSource struct {
	series map[regCursorKey]*search.SearchList[uint64]
}

func newFakeSource() *fakeSource {
	return &fakeSource{series: map[regCursorKey]*search.SearchList[uint64]{}}
}

func (f *fakeSource) RegisterSeries(slaveID uint32, reg dataobject.Register) *search.SearchList[uint64] {
	key := regCursorKey{slaveID: slaveID, reg: reg}
	s, ok := f.series[key]
	if !ok {
		s = search.NewSearchList[uint64](8)
		f.series[key] = s
	}
	return s
}

func TestTotalTracksCumulativeCount(t *testing.T) {
	src := newFakeSource()
	series := src.RegisterSeries(1, dataobject.RegFrameErrorCounterPort0)
	base := ek.Now()
	series.Append(1, base)
	series.Append(3, base.Add(time.Millisecond))
	series.Append(10, base.Add(2*time.Millisecond))

	s := New(src, 0)
	total, _ := s.advance(1, dataobject.RegFrameErrorCounterPort0)
	assert.Equal(t, float64(10), total)
}

func TestFrequencyIsZeroWithoutElapsedTime(t *testing.T) {
	src := newFakeSource()
	series := src.RegisterSeries(1, dataobject.RegFrameErrorCounterPort0)
	series.Append(1, ek.Now())

	s := New(src, 0)
	_, rate := s.advance(1, dataobject.RegFrameErrorCounterPort0)
	assert.Zero(t, rate)
}

func TestFrequencyReactsToNewSamples(t *testing.T) {
	src := newFakeSource()
	series := src.RegisterSeries(1, dataobject.RegFrameErrorCounterPort0)
	base := ek.Now()
	series.Append(0, base)

	s := New(src, 0)
	_, rate := s.advance(1, dataobject.RegFrameErrorCounterPort0)
	assert.Zero(t, rate)

	series.Append(100, base.Add(time.Second))
	_, rate = s.advance(1, dataobject.RegFrameErrorCounterPort0)
	assert.Greater(t, rate, float64(0))
}

func TestTickPopulatesGlobalAndPerSlaveSeries(t *testing.T) {
	src := newFakeSource()
	src.RegisterSeries(1, dataobject.RegFrameErrorCounterPort0).Append(5, ek.Now())
	src.RegisterSeries(2, dataobject.RegFrameErrorCounterPort0).Append(2, ek.Now())

	s := New(src, 0)
	s.tick([]uint32{1, 2})

	slave1 := s.Series(dataobject.ErrorStatistic{Kind: dataobject.TotalSlave, ErrKind: dataobject.RegFrameErrorCounterPort0, SlaveID: 1})
	require.Equal(t, int64(1), slave1.Len())

	global := s.Series(dataobject.ErrorStatistic{Kind: dataobject.TotalGlobal, ErrKind: dataobject.RegFrameErrorCounterPort0, SlaveID: dataobject.GlobalSlaveID})
	view := global.GetView(ek.TimeSeries{})
	defer view.Close()
	require.True(t, view.HasNext())
	value, _ := view.Next()
	assert.Equal(t, float64(7), value)
}

func TestFreeMemoryDistributesBudgetAcrossSeries(t *testing.T) {
	src := newFakeSource()
	src.RegisterSeries(1, dataobject.RegFrameErrorCounterPort0).Append(1, ek.Now())

	s := New(src, 1024)
	s.tick([]uint32{1})
	assert.NotPanics(t, func() { s.FreeMemory() })
}
