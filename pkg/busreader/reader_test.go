package busreader

import (
	"context"
	"testing"
	"time"

	ek "github.com/etherkitten/etherkitten"
	"github.com/etherkitten/etherkitten/pkg/busqueue"
	"github.com/etherkitten/etherkitten/pkg/dataobject"
	"github.com/etherkitten/etherkitten/pkg/frame"
	"github.com/etherkitten/etherkitten/pkg/link"
	"github.com/etherkitten/etherkitten/pkg/link/mock"
	"github.com/etherkitten/etherkitten/pkg/slave"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func newMockBus(t *testing.T) *mock.Bus {
	t.Helper()
	bus := mock.NewWithSlaves([]*mock.Slave{
		{ConfiguredAddress: 1, Registers: map[uint16]byte{0x0300: 3}},
	})
	ctx := context.Background()
	require.NoError(t, bus.Init(ctx, "mock"))
	return bus
}

func newTestReader(t *testing.T, bus link.Link) *Reader {
	t.Helper()
	scheduler := frame.NewScheduler()
	scheduler.ChangeRegisterSettings(
		[]frame.SlaveAddress{{SlaveID: 1, ConfiguredAddress: 1}},
		map[dataobject.Register]bool{dataobject.RegFrameErrorCounterPort0: true},
	)
	ioMap := make([]byte, 16)
	_, err := bus.ConfigureIOMap(ioMap)
	require.NoError(t, err)

	cfg := DefaultConfig()
	cfg.DesiredPDOTimeStep = 2 * time.Millisecond
	cfg.FreeMemoryCheckEveryNCycles = 2
	return New(bus, scheduler, ioMap, cfg, nil)
}

func TestReaderProducesRegisterHistory(t *testing.T) {
	bus := newMockBus(t)
	r := newTestReader(t, bus)

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	r.Start(ctx)

	deadline := time.Now().Add(2 * time.Second)
	for time.Now().Before(deadline) {
		if r.RegisterSeries(1, dataobject.RegFrameErrorCounterPort0).Len() > 0 {
			break
		}
		time.Sleep(5 * time.Millisecond)
	}
	r.MessageHalt()
	r.Wait()

	series := r.RegisterSeries(1, dataobject.RegFrameErrorCounterPort0)
	assert.Greater(t, series.Len(), int64(0))

	view := series.GetView(ek.TimeSeries{})
	defer view.Close()
	require.True(t, view.HasNext())
	value, _ := view.Next()
	assert.Equal(t, uint64(3), value)
}

// TestReaderProducesPDOHistory exercises the PDO read-back path added to
// mirror RegisterSeries: a value written via SetPDOValue must show up,
// bit-extracted back out, in PDOSeries for the same PDO.
func TestReaderProducesPDOHistory(t *testing.T) {
	bus := newMockBus(t)
	r := newTestReader(t, bus)

	pdo := dataobject.PDO{SlaveID: 1, Index: 1, Direction: dataobject.Output}
	r.SetPDOOffsets(map[dataobject.PDO]slave.PDOOffset{
		pdo: {BitOffset: 8, BitLength: 8},
	})

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	r.Start(ctx)

	require.True(t, r.SetPDOValue(pdo, []byte{0x42}))

	var last uint64
	deadline := time.Now().Add(2 * time.Second)
	for time.Now().Before(deadline) {
		view := r.PDOSeries(pdo).GetView(ek.TimeSeries{})
		for view.HasNext() {
			last, _ = view.Next()
		}
		view.Close()
		if last == 0x42 {
			break
		}
		time.Sleep(5 * time.Millisecond)
	}
	r.MessageHalt()
	r.Wait()

	assert.Equal(t, uint64(0x42), last)
	assert.Contains(t, r.RegisteredPDOs(), pdo)
}

func TestReaderHaltStopsBothGoroutines(t *testing.T) {
	bus := newMockBus(t)
	r := newTestReader(t, bus)

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	r.Start(ctx)

	time.Sleep(20 * time.Millisecond)
	r.MessageHalt()

	done := make(chan struct{})
	go func() {
		r.Wait()
		close(done)
	}()

	select {
	case <-done:
	case <-time.After(2 * time.Second):
		t.Fatal("reader did not halt in time")
	}
}

func TestCoERequestRoundTrip(t *testing.T) {
	bus := newMockBus(t)
	r := newTestReader(t, bus)

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	r.Start(ctx)
	defer func() {
		r.MessageHalt()
		r.Wait()
	}()

	req := &busqueue.CoERequest{
		Object:      dataobject.CoEObject{SlaveID: 1, Index: 0x6000},
		ValueBuffer: make([]byte, 4),
		IsRead:      true,
	}
	r.CoEQueue().Submit(req)

	deadline := time.Now().Add(time.Second)
	for time.Now().Before(deadline) {
		view := r.CoECache().NewestValueView(req.Object)
		if !view.IsEmpty() {
			return
		}
		time.Sleep(5 * time.Millisecond)
	}
	t.Fatal("CoE request never completed")
}

func TestBusModeSettlesAtOp(t *testing.T) {
	bus := newMockBus(t)
	r := newTestReader(t, bus)

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	r.Start(ctx)
	defer func() {
		r.MessageHalt()
		r.Wait()
	}()

	// The reader defaults to wanting Op mode; it should settle there
	// once every slave acknowledges the state transition.
	deadline := time.Now().Add(time.Second)
	for time.Now().Before(deadline) {
		if r.GetBusMode() == ek.BusModeReadWriteOp {
			return
		}
		time.Sleep(5 * time.Millisecond)
	}
	t.Fatal("bus never transitioned to Op mode")
}
