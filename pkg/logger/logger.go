// Package logger implements the background log writer described in
// spec.md section 4.10: it pulls from the live data views of the
// informant and bus reader it was started with, writes the header,
// slave-info, and PDO-detail sections, then enters a steady state that
// round-robins between register series and the process image, gives
// absolute priority to CoE updates, and writes error messages on a
// best-effort basis. Grounded on gocanopen's pkg/sync, which similarly
// runs a phase-structured background goroutine (wait-for-first-sync,
// then steady-state production) driven off a ticker with a stop
// channel.
package logger

import (
	"io"
	"log/slog"
	"time"

	ek "github.com/etherkitten/etherkitten"
	"github.com/etherkitten/etherkitten/pkg/busreader"
	"github.com/etherkitten/etherkitten/pkg/dataobject"
	"github.com/etherkitten/etherkitten/pkg/datatype"
	"github.com/etherkitten/etherkitten/pkg/logcodec"
	"github.com/etherkitten/etherkitten/pkg/search"
	"github.com/etherkitten/etherkitten/pkg/slave"
)

// ProgressFunc is called after every record written, with the total
// bytes emitted so far.
type ProgressFunc func(bytesWritten int64)

// Config carries the logger's tunables.
type Config struct {
	StartTime  ek.TimeStamp // data older than this is not written
	IdleSleep  time.Duration
	OnProgress ProgressFunc
}

func DefaultConfig() Config {
	return Config{IdleSleep: 2 * time.Millisecond}
}

// Logger drains live views into a .ekl file in the background.
type Logger struct {
	cfg       Config
	informant *slave.LiveInformant
	reader    *busreader.Reader
	w         *countingWriter
	logger    *slog.Logger

	halt chan struct{}
	done chan struct{}

	regViews    map[busreader.RegKey]*search.View[uint64]
	regCursor   int
	ioMapView   *search.View[[]byte]
	errorsView  *search.View[ek.ErrorMessage]
	coeLastSeen map[dataobject.CoEObject]ek.TimeStamp
}

type countingWriter struct {
	w io.Writer
	n int64
}

func (c *countingWriter) Write(p []byte) (int, error) {
	n, err := c.w.Write(p)
	c.n += int64(n)
	return n, err
}

// New constructs a Logger. Start launches the background goroutine; the
// caller owns closing the underlying file after Wait returns.
func New(w io.Writer, informant *slave.LiveInformant, reader *busreader.Reader, cfg Config, logger *slog.Logger) *Logger {
	if logger == nil {
		logger = slog.Default()
	}
	return &Logger{
		cfg:         cfg,
		informant:   informant,
		reader:      reader,
		w:           &countingWriter{w: w},
		logger:      logger,
		halt:        make(chan struct{}),
		done:        make(chan struct{}),
		regViews:    map[busreader.RegKey]*search.View[uint64]{},
		coeLastSeen: map[dataobject.CoEObject]ek.TimeStamp{},
	}
}

// Start launches the background writer goroutine.
func (l *Logger) Start() {
	go l.run()
}

// StopLog requests a clean shutdown: queued CoE updates are drained
// before the goroutine exits. Call Wait afterwards to block until done.
func (l *Logger) StopLog() {
	close(l.halt)
}

func (l *Logger) Wait() { <-l.done }

func (l *Logger) run() {
	defer close(l.done)

	header := logcodec.Header{
		Version:       logcodec.Version,
		IOMapUsedSize: uint64(l.informant.BusInfo().IOMapUsedSize),
		StartTimeNs:   uint64(l.cfg.StartTime),
	}
	if err := logcodec.WriteHeader(l.w, header); err != nil {
		l.logger.Error("log header write failed", "error", err)
		return
	}

	if err := l.writeSlaveInfoSection(); err != nil {
		l.logger.Error("log slave-info section write failed", "error", err)
		return
	}
	pdoDescOffset := l.w.n

	if err := l.writePDODetailSection(); err != nil {
		l.logger.Error("log PDO-detail section write failed", "error", err)
		return
	}
	dataOffset := l.w.n

	if seeker, ok := l.w.w.(io.WriteSeeker); ok {
		l.patchOffsets(seeker, pdoDescOffset, dataOffset)
	}

	l.openSteadyStateViews()
	l.steadyState()
}

// patchOffsets seeks back and rewrites the header's offset placeholders
// once the slave-info and PDO-detail sections have been fully written.
func (l *Logger) patchOffsets(seeker io.WriteSeeker, pdoDescOffset, dataOffset int64) {
	if _, err := seeker.Seek(8, io.SeekStart); err != nil {
		l.logger.Warn("could not patch log header offsets", "error", err)
		return
	}
	var buf [16]byte
	putUint64LE(buf[0:8], uint64(pdoDescOffset))
	putUint64LE(buf[8:16], uint64(dataOffset))
	if _, err := seeker.Write(buf[:]); err != nil {
		l.logger.Warn("could not patch log header offsets", "error", err)
	}
	if _, err := seeker.Seek(0, io.SeekEnd); err != nil {
		l.logger.Warn("could not seek back to end of log after patching header", "error", err)
	}
}

func putUint64LE(b []byte, v uint64) {
	for i := 0; i < 8; i++ {
		b[i] = byte(v >> (8 * i))
	}
}

func (l *Logger) writeSlaveInfoSection() error {
	count := l.informant.SlaveCount()
	for id := uint32(1); id <= count; id++ {
		info, err := l.informant.SlaveInfo(id)
		if err != nil {
			continue
		}
		block := buildSlaveInfoBlock(id, info, l.informant.BusInfo())
		if err := logcodec.WriteSlaveInfo(l.w, block); err != nil {
			return err
		}
	}
	return nil
}

func buildSlaveInfoBlock(id uint32, info *slave.SlaveInfo, bus slave.BusInfo) logcodec.SlaveInfoBlock {
	block := logcodec.SlaveInfoBlock{SlaveID: uint16(id), Name: info.Name, ESIBlob: info.ESIBinary}
	for i, n := range info.Neighbors {
		if n == slave.NoNeighbor {
			block.Neighbours[i] = 0xFFFF
		} else {
			block.Neighbours[i] = uint16(n)
		}
	}
	for _, pdo := range info.PDOs {
		off := bus.PDOOffsets[pdo]
		block.PDOs = append(block.PDOs, logcodec.PDOBlock{
			Index:          uint16(pdo.Index),
			PDOOrderOffset: uint16(off.BitOffset),
			DataType:       uint16(inferDataType(off.BitLength)),
			Name:           "",
		})
	}
	for _, entry := range info.CoEEntries {
		coeBlock := logcodec.CoEEntryBlock{Index: entry.Index, ObjectCode: uint8(entry.ObjectCode), Name: entry.Name}
		for _, obj := range entry.Objects {
			coeBlock.SubEntries = append(coeBlock.SubEntries, logcodec.CoEObjectBlock{
				Index:    obj.Index,
				SubIndex: obj.SubIndex,
				DataType: uint16(entry.DataType[obj.SubIndex]),
				Name:     entry.Names[obj.SubIndex],
			})
		}
		block.CoEEntries = append(block.CoEEntries, coeBlock)
	}
	return block
}

// inferDataType guesses an EtherCATDataType from a PDO's bit length,
// since neither of the live informant's PDO-mapping paths (CoE or the
// ESI fallback) records a data type for a PDO.
func inferDataType(bitLength int) datatype.EtherCATDataType {
	switch {
	case bitLength <= 1:
		return datatype.Bit1
	case bitLength <= 8:
		return datatype.Unsigned8
	case bitLength <= 16:
		return datatype.Unsigned16
	case bitLength <= 32:
		return datatype.Unsigned32
	default:
		return datatype.Unsigned64
	}
}

func (l *Logger) writePDODetailSection() error {
	count := l.informant.SlaveCount()
	bus := l.informant.BusInfo()
	for id := uint32(1); id <= count; id++ {
		info, err := l.informant.SlaveInfo(id)
		if err != nil {
			continue
		}
		var details []logcodec.PDODetail
		for _, pdo := range info.PDOs {
			off := bus.PDOOffsets[pdo]
			details = append(details, logcodec.PDODetail{
				Index:      uint16(pdo.Index),
				ByteOffset: uint16(off.BitOffset / 8),
				BitLength:  uint8(off.BitLength),
				DataType:   uint16(inferDataType(off.BitLength)),
			})
		}
		if err := logcodec.WritePDODetailSection(l.w, uint16(id), details); err != nil {
			return err
		}
	}
	return nil
}

func (l *Logger) openSteadyStateViews() {
	l.ioMapView = l.reader.IOMapSeries().GetView(ek.TimeSeries{StartTime: l.cfg.StartTime})
	l.errorsView = l.reader.GetErrors()
	for _, key := range l.reader.RegisteredKeys() {
		l.regViews[key] = l.reader.RegisterSeries(key.SlaveID, key.Register).GetView(ek.TimeSeries{StartTime: l.cfg.StartTime})
	}
}
