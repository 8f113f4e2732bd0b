// Package errstat implements the error statistician described in
// spec.md section 4.8: a background thread that consumes per-slave
// register history (frame-error-counter, RX-error-counter, lost-link
// counter, etc.) and derives total-count and frequency statistics per
// slave and globally. Grounded on gocanopen's heartbeat consumer
// (pkg/heartbeat), which runs a similar "poll a counter, derive a
// rolling rate" background loop off an NMT-driven tick.
package errstat

import (
	"context"
	"math"
	"time"

	ek "github.com/etherkitten/etherkitten"
	"github.com/etherkitten/etherkitten/pkg/dataobject"
	"github.com/etherkitten/etherkitten/pkg/search"
)

// RegisterSource is the subset of busreader.Reader the statistician
// needs: per-(slave,register) counter history. Frequency is derived
// from the timestamps of those counter samples themselves.
type RegisterSource interface {
	RegisterSeries(slaveID uint32, reg dataobject.Register) *search.SearchList[uint64]
}

// trackedErrorRegisters are the counter registers the statistician
// derives total/frequency statistics from, per spec.md 4.8.
var trackedErrorRegisters = []dataobject.Register{
	dataobject.RegFrameErrorCounterPort0,
	dataobject.RegFrameErrorCounterPort1,
	dataobject.RegFrameErrorCounterPort2,
	dataobject.RegFrameErrorCounterPort3,
	dataobject.RegRXErrorCounterPort0,
	dataobject.RegLostLinkCounterPort0,
}

// decayHalfLife sets how quickly the frequency moving average forgets
// past samples.
const decayHalfLife = 5 * time.Second

// Statistician derives per-slave and global total/frequency statistics
// from observed register history, each exposed as its own
// SearchList[float64].
type Statistician struct {
	src          RegisterSource
	memoryBudget int

	mu     map[dataobject.ErrorStatistic]*search.SearchList[float64]
	cursor map[regCursorKey]*cursorState
}

type regCursorKey struct {
	slaveID uint32
	reg     dataobject.Register
}

type cursorState struct {
	view      *search.View[uint64]
	lastTotal uint64
	lastTime  ek.TimeStamp
	haveLast  bool
	rate      float64 // exponentially decayed events/sec estimate
}

func New(src RegisterSource, memoryBudgetBytes int) *Statistician {
	return &Statistician{
		src:          src,
		memoryBudget: memoryBudgetBytes,
		mu:           map[dataobject.ErrorStatistic]*search.SearchList[float64]{},
		cursor:       map[regCursorKey]*cursorState{},
	}
}

// Series returns (creating if necessary) the derived SearchList for one
// ErrorStatistic.
func (s *Statistician) Series(stat dataobject.ErrorStatistic) *search.SearchList[float64] {
	if existing, ok := s.mu[stat]; ok {
		return existing
	}
	list := search.NewSearchList[float64](8)
	s.mu[stat] = list
	return list
}

// Run polls every period, deriving total and frequency statistics for
// every tracked register of every known slave, until ctx is cancelled.
func (s *Statistician) Run(ctx context.Context, slaveIDs []uint32, period time.Duration) {
	ticker := time.NewTicker(period)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			s.tick(slaveIDs)
		}
	}
}

// tick derives, for every tracked register, each slave's total/frequency
// statistic plus that register's global total/frequency (the sum across
// every known slave), per spec.md 4.8.
func (s *Statistician) tick(slaveIDs []uint32) {
	for _, reg := range trackedErrorRegisters {
		var globalTotal, globalRate float64
		for _, slaveID := range slaveIDs {
			total, rate := s.advance(slaveID, reg)
			globalTotal += total
			globalRate += rate

			s.record(dataobject.ErrorStatistic{Kind: dataobject.TotalSlave, ErrKind: reg, SlaveID: slaveID}, total)
			s.record(dataobject.ErrorStatistic{Kind: dataobject.FreqSlave, ErrKind: reg, SlaveID: slaveID}, rate)
		}
		s.record(dataobject.ErrorStatistic{Kind: dataobject.TotalGlobal, ErrKind: reg, SlaveID: dataobject.GlobalSlaveID}, globalTotal)
		s.record(dataobject.ErrorStatistic{Kind: dataobject.FreqGlobal, ErrKind: reg, SlaveID: dataobject.GlobalSlaveID}, globalRate)
	}
}

// advance consumes newly appended samples off the register's view,
// updating the cumulative total and a decaying frequency estimate.
func (s *Statistician) advance(slaveID uint32, reg dataobject.Register) (total float64, rate float64) {
	key := regCursorKey{slaveID: slaveID, reg: reg}
	cur, ok := s.cursor[key]
	if !ok {
		cur = &cursorState{view: s.src.RegisterSeries(slaveID, reg).GetView(ek.TimeSeries{})}
		s.cursor[key] = cur
	}
	for cur.view.HasNext() {
		value, t := cur.view.Next()
		if cur.haveLast {
			delta := value - cur.lastTotal
			dt := t.Sub(cur.lastTime).Seconds()
			if dt > 0 && delta > 0 {
				instant := float64(delta) / dt
				decay := decayFactor(dt)
				cur.rate = cur.rate*decay + instant*(1-decay)
			}
		}
		cur.lastTotal = value
		cur.lastTime = t
		cur.haveLast = true
	}
	return float64(cur.lastTotal), cur.rate
}

func decayFactor(dt float64) float64 {
	if dt <= 0 {
		return 1
	}
	halfLifeSeconds := decayHalfLife.Seconds()
	return math.Exp2(-dt / halfLifeSeconds)
}

func (s *Statistician) record(stat dataobject.ErrorStatistic, value float64) {
	s.Series(stat).Append(value, ek.Now())
}

// FreeMemory distributes the configured memory budget evenly across all
// derived series and evicts their oldest samples, mirroring
// busreader.Reader's own memory-budget enforcement.
func (s *Statistician) FreeMemory() {
	if s.memoryBudget <= 0 || len(s.mu) == 0 {
		return
	}
	perSeries := s.memoryBudget / len(s.mu)
	for _, list := range s.mu {
		list.RemoveOldest(perSeries)
	}
}
