package logreplay

import (
	"bufio"
	"io"
	"log/slog"
	"sync"
	"sync/atomic"
	"time"

	ek "github.com/etherkitten/etherkitten"
	"github.com/etherkitten/etherkitten/pkg/busreader"
	"github.com/etherkitten/etherkitten/pkg/coeproxy"
	"github.com/etherkitten/etherkitten/pkg/dataobject"
	"github.com/etherkitten/etherkitten/pkg/datatype"
	"github.com/etherkitten/etherkitten/pkg/logcodec"
	"github.com/etherkitten/etherkitten/pkg/search"
)

// LogReader opens a log file's data section in a background goroutine,
// parsing records in file order and appending them into the same
// SearchList types the live bus reader uses. Once the goroutine exits
// (EOF or a halt request), every view it produced behaves exactly like
// a live view whose producer has stopped: HasNext eventually returns
// false for good. Grounded on spec.md 4.11 and on busreader.Reader's
// consumer-side storage shape.
type LogReader struct {
	src       *bufio.Reader
	informant *LogSlaveInformant

	iomapSeries *search.SearchList[[]byte]
	errors      *search.SearchList[ek.ErrorMessage]
	coeCache    *coeproxy.Cache

	regMu     sync.RWMutex
	registers map[busreader.RegKey]*search.SearchList[uint64]

	halt   atomic.Bool
	done   chan struct{}
	logger *slog.Logger
}

// NewLogReader constructs a LogReader that will read src as the data
// section once Start is called. informant must have been produced by
// NewLogSlaveInformant against the same file, with src positioned
// immediately after it (i.e. at the data section's start offset).
func NewLogReader(src io.Reader, informant *LogSlaveInformant, logger *slog.Logger) *LogReader {
	if logger == nil {
		logger = slog.Default()
	}
	return &LogReader{
		src:         bufio.NewReader(src),
		informant:   informant,
		iomapSeries: search.NewSearchList[[]byte](informant.bus.IOMapUsedSize),
		errors:      search.NewSearchList[ek.ErrorMessage](64),
		coeCache:    coeproxy.NewCache(),
		registers:   map[busreader.RegKey]*search.SearchList[uint64]{},
		done:        make(chan struct{}),
		logger:      logger,
	}
}

// Start launches the background parsing goroutine.
func (r *LogReader) Start() { go r.run() }

// MessageHalt requests the parsing goroutine stop at the next record
// boundary, per spec.md 4.11's "honours messageHalt mid-file".
func (r *LogReader) MessageHalt() { r.halt.Store(true) }

// Wait blocks until the parsing goroutine has exited (EOF, halt, or a
// read error).
func (r *LogReader) Wait() { <-r.done }

func (r *LogReader) run() {
	defer close(r.done)
	for {
		if r.halt.Load() {
			return
		}
		tag, err := logcodec.ReadRecordTag(r.src)
		if err != nil {
			if err != io.EOF {
				r.logger.Warn("log replay stopped on read error", "error", err)
			}
			return
		}

		switch {
		case tag == logcodec.TagProcessImage:
			t, data, err := logcodec.ReadProcessImageRecord(r.src, int(r.informant.bus.IOMapUsedSize))
			if err != nil {
				r.logger.Warn("log replay: truncated process-image record", "error", err)
				return
			}
			r.iomapSeries.Append(data, t)

		case tag == logcodec.TagErrorMessage:
			msg, err := logcodec.ReadErrorMessageRecord(r.src)
			if err != nil {
				r.logger.Warn("log replay: truncated error-message record", "error", err)
				return
			}
			r.errors.Append(msg, msg.Time)

		default:
			if slaveID, ok := logcodec.IsCoESampleTag(tag); ok {
				sample, err := logcodec.ReadCoESampleRecord(r.src, slaveID, func(index uint16, sub uint8) datatype.EtherCATDataType {
					return r.lookupCoEType(uint32(slaveID), index, sub)
				})
				if err != nil {
					r.logger.Warn("log replay: truncated CoE sample record", "error", err)
					return
				}
				obj := dataobject.CoEObject{SlaveID: uint32(slaveID), Index: sample.Index, SubIndex: sample.SubIndex}
				r.coeCache.Publish(obj, sample.Value, sample.Time)
				continue
			}

			regAddr, slaveID, ok := logcodec.IsRegisterSampleTag(tag)
			if !ok {
				r.logger.Warn("log replay: unrecognised record tag, stopping", "tag", tag)
				return
			}
			reg := dataobject.Register(regAddr)
			size := dataobject.RegisterByteSize(reg)
			t, value, err := logcodec.ReadRegisterSampleRecord(r.src, size)
			if err != nil {
				r.logger.Warn("log replay: truncated register-sample record", "error", err)
				return
			}
			r.registerSeries(uint32(slaveID), reg).Append(value, t)
		}
	}
}

func (r *LogReader) lookupCoEType(slaveID uint32, index uint16, subIndex uint8) datatype.EtherCATDataType {
	info, err := r.informant.SlaveInfo(slaveID)
	if err != nil {
		return datatype.Unsigned32
	}
	for _, entry := range info.CoEEntries {
		if entry.Index != index {
			continue
		}
		if dt, ok := entry.DataType[subIndex]; ok {
			return datatype.EtherCATDataType(dt)
		}
	}
	return datatype.Unsigned32
}

func (r *LogReader) registerSeries(slaveID uint32, reg dataobject.Register) *search.SearchList[uint64] {
	key := busreader.RegKey{SlaveID: slaveID, Register: reg}
	r.regMu.RLock()
	s, ok := r.registers[key]
	r.regMu.RUnlock()
	if ok {
		return s
	}
	r.regMu.Lock()
	defer r.regMu.Unlock()
	if s, ok := r.registers[key]; ok {
		return s
	}
	s = search.NewSearchList[uint64](8)
	r.registers[key] = s
	return s
}

// RegisterSeries exposes one (slave, register) series for reads,
// mirroring busreader.Reader.RegisterSeries.
func (r *LogReader) RegisterSeries(slaveID uint32, reg dataobject.Register) *search.SearchList[uint64] {
	return r.registerSeries(slaveID, reg)
}

// RegisteredKeys returns every (slave, register) pair seen so far.
func (r *LogReader) RegisteredKeys() []busreader.RegKey {
	r.regMu.RLock()
	defer r.regMu.RUnlock()
	keys := make([]busreader.RegKey, 0, len(r.registers))
	for k := range r.registers {
		keys = append(keys, k)
	}
	return keys
}

// IOMapSeries exposes the replayed process-image history.
func (r *LogReader) IOMapSeries() *search.SearchList[[]byte] { return r.iomapSeries }

// GetErrors returns a fresh view over the replayed error messages.
func (r *LogReader) GetErrors() *search.View[ek.ErrorMessage] {
	return r.errors.GetView(ek.TimeSeries{})
}

// CoECache exposes the newest replayed value per CoE object. Per
// spec.md 9's open question on CoE replay, only the newest-value view
// is materialised; a full history of CoE reads is not reconstructed.
func (r *LogReader) CoECache() *coeproxy.Cache { return r.coeCache }

// GetBusMode always reports read-only: a replayed session has no live
// bus to request a mode transition on.
func (r *LogReader) GetBusMode() ek.BusMode { return ek.BusModeReadOnly }

// GetPDOFrequency estimates the average sample rate of the replayed
// process image, the same way busreader.Reader derives it for the
// live series.
func (r *LogReader) GetPDOFrequency() float64 { return seriesFrequency(r.iomapSeries) }

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

// SetMaximumMemory distributes bytes across every replayed series and
// evicts the oldest samples, mirroring the live reader's memory-budget
// enforcement. A budget of 0 is treated as unlimited (a no-op).
func (r *LogReader) SetMaximumMemory(bytes int) {
	if bytes <= 0 {
		return
	}
	r.regMu.RLock()
	n := 1 + len(r.registers)
	perSeries := bytes / n
	r.iomapSeries.RemoveOldest(perSeries)
	for _, s := range r.registers {
		s.RemoveOldest(perSeries)
	}
	r.regMu.RUnlock()
}
