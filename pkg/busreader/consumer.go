package busreader

import (
	"context"
	"encoding/binary"
	"time"

	ek "github.com/etherkitten/etherkitten"
	"github.com/etherkitten/etherkitten/pkg/dataobject"
	"github.com/etherkitten/etherkitten/pkg/search"
)

// consume drains the triple buffer into the time-series stores, per
// spec.md 4.5's consumer thread. It exits once halted and the buffers
// are drained.
func (r *Reader) consume(ctx context.Context) {
	defer r.wg.Done()
	ticker := time.NewTicker(200 * time.Microsecond)
	defer ticker.Stop()

	cyclesSinceCheck := 0
	for {
		r.drainIOMap()
		r.drainRegisterFrames()

		cyclesSinceCheck++
		if cyclesSinceCheck >= r.cfg.FreeMemoryCheckEveryNCycles {
			r.freeMemoryIfNecessary()
			cyclesSinceCheck = 0
		}

		if r.halt.Load() {
			r.drainIOMap()
			r.drainRegisterFrames()
			return
		}

		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
		}
	}
}

func (r *Reader) drainIOMap() {
	cells := r.ioBuf.SwapConsumer()
	cell := cells[0]
	if !cell.Valid {
		return
	}
	// cell.Value.data is the producer's reused scratch buffer (see
	// Reader.New's InitCells call); spec.md section 9 puts allocation for
	// persisted data on the consumer thread, so the permanent copy that
	// goes into iomapSeries is made here, not on the realtime path.
	snapshot := make([]byte, len(cell.Value.data))
	copy(snapshot, cell.Value.data)
	r.iomapSeries.Append(snapshot, cell.Value.time)

	// r.pdoOffsets is installed once via SetPDOOffsets before Start and
	// never mutated afterwards, so it's safe to range over here without
	// locking. Per spec.md section 6.2, PDO reads must be symmetric with
	// register/errStat reads (getNewest/getView); bit-extracting here,
	// the inverse of handleOnePDOWriteRequest's writeBits, is what backs
	// PDOSeries.
	for pdo, off := range r.pdoOffsets {
		value := readBits(cell.Value.data, off.BitOffset, off.BitLength)
		r.PDOSeries(pdo).Append(value, cell.Value.time)
	}
}

func (r *Reader) drainRegisterFrames() {
	cells := r.frameBuf.SwapConsumer()
	for _, cell := range cells {
		if !cell.Valid {
			continue
		}
		r.applyFrameResult(cell.Value)
	}
}

// applyFrameResult iterates a completed register frame's PDU metadata.
// For each PDU with a non-zero working counter it writes each mapped
// register's bytes into the corresponding per-(slave,register)
// SearchList. When completedLoop is true it also records a cycle
// timestamp used for frequency derivation.
func (r *Reader) applyFrameResult(p framePayload) {
	for _, pduMeta := range p.meta.PDUs {
		pduWkc := wkcAt(p.buffer, pduMeta.WkcOffset)
		if pduWkc == 0 {
			continue
		}
		for reg, offset := range pduMeta.RegisterOffset {
			size := dataobject.RegisterByteSize(reg)
			if offset+size > len(p.buffer) {
				continue
			}
			value := readRegisterValue(p.buffer[offset : offset+size])
			r.RegisterSeries(pduMeta.SlaveID, reg).Append(value, p.time)
		}
	}
	if p.completedLoop {
		r.cycleTimes.Append(struct{}{}, p.time)
	}
}

func wkcAt(buffer []byte, offset int) int {
	if offset+2 > len(buffer) {
		return 0
	}
	return int(binary.LittleEndian.Uint16(buffer[offset : offset+2]))
}

func readRegisterValue(b []byte) uint64 {
	var v uint64
	for i, byteVal := range b {
		v |= uint64(byteVal) << (8 * i)
	}
	return v
}

// freeMemoryIfNecessary distributes the configured memory budget across
// the live series and calls RemoveOldest on the largest ones until
// under budget, per spec.md 4.5.
func (r *Reader) freeMemoryIfNecessary() {
	if r.cfg.MemoryBudgetBytes <= 0 {
		return
	}
	r.regMu.RLock()
	regCount := len(r.registers)
	r.regMu.RUnlock()
	r.pdoMu.RLock()
	pdoCount := len(r.pdos)
	r.pdoMu.RUnlock()
	count := regCount + pdoCount + 2 // + iomap + errors
	if count == 0 {
		return
	}
	perSeries := r.cfg.MemoryBudgetBytes / count

	r.iomapSeries.RemoveOldest(perSeries)
	r.errors.RemoveOldest(perSeries)

	r.regMu.RLock()
	for _, s := range r.registers {
		s.RemoveOldest(perSeries)
	}
	r.regMu.RUnlock()

	r.pdoMu.RLock()
	defer r.pdoMu.RUnlock()
	for _, s := range r.pdos {
		s.RemoveOldest(perSeries)
	}
}

// GetPDOFrequency reports the achieved process-data exchange rate,
// derived from the IOMap snapshot history the same way
// GetRegisterFrequency derives the register-cycle rate from
// cycleTimes.
func (r *Reader) GetPDOFrequency() float64 {
	return seriesFrequency(r.iomapSeries)
}

func (r *Reader) GetRegisterFrequency() float64 {
	return seriesFrequency(r.cycleTimes)
}

// seriesFrequency estimates events/sec from a series' full timestamp
// span: (sample count - 1) / (newest - oldest).
func seriesFrequency[T any](list *search.SearchList[T]) float64 {
	newest, ok := list.NewestTime()
	if !ok {
		return 0
	}
	view := list.GetView(ek.TimeSeries{})
	defer view.Close()
	count := 0
	var first ek.TimeStamp
	haveFirst := false
	for view.HasNext() {
		_, t := view.Next()
		if !haveFirst {
			first = t
			haveFirst = true
		}
		count++
	}
	if !haveFirst || newest <= first || count < 2 {
		return 0
	}
	seconds := float64(newest.Sub(first)) / float64(time.Second)
	if seconds <= 0 {
		return 0
	}
	return float64(count-1) / seconds
}
