// Package logreplay implements the log-replay informant and reader
// described in spec.md section 4.11: parsing a .ekl file back into the
// same SlaveInformant and Reader-shaped surfaces the live bus exposes,
// so clients cannot tell a replayed session from a live one. Grounded
// on pkg/logcodec for the wire format and pkg/busreader for the shape
// of the data it reproduces.
package logreplay

import (
	"fmt"
	"io"

	ek "github.com/etherkitten/etherkitten"
	"github.com/etherkitten/etherkitten/pkg/dataobject"
	"github.com/etherkitten/etherkitten/pkg/logcodec"
	"github.com/etherkitten/etherkitten/pkg/slave"
)

// LogSlaveInformant parses a log file's header, slave-info, and
// PDO-detail sections synchronously in its constructor, then serves
// them through the same read-only surface as slave.LiveInformant.
//
// The log format carries no PDO direction field (see spec.md 4.9's PDO
// sub-block layout), so every replayed dataobject.PDO is reconstructed
// with Direction set to dataobject.Input; callers that need the true
// direction must get it from a live session.
type LogSlaveInformant struct {
	bus   slave.BusInfo
	infos map[uint32]*slave.SlaveInfo
}

// NewLogSlaveInformant reads and decodes everything up to the data
// section's start offset. r is left positioned at the start of the
// data section, for a subsequent LogReader to take over.
func NewLogSlaveInformant(r io.Reader) (*LogSlaveInformant, error) {
	head, err := logcodec.ReadHeader(r)
	if err != nil {
		return nil, fmt.Errorf("logreplay: reading header: %w", err)
	}

	slaveInfoLen := int64(head.PDODescOffset) - logcodec.HeaderSize
	if slaveInfoLen < 0 {
		return nil, fmt.Errorf("logreplay: header offsets inconsistent: pdoDescOffset %d < header size", head.PDODescOffset)
	}
	slaveInfoSection := io.LimitReader(r, slaveInfoLen)
	blocks, err := readAllSlaveInfo(slaveInfoSection)
	if err != nil {
		return nil, fmt.Errorf("logreplay: reading slave-info section: %w", err)
	}

	pdoDetailLen := int64(head.DataOffset) - int64(head.PDODescOffset)
	if pdoDetailLen < 0 {
		return nil, fmt.Errorf("logreplay: header offsets inconsistent: dataOffset %d < pdoDescOffset %d", head.DataOffset, head.PDODescOffset)
	}
	pdoDetailSection := io.LimitReader(r, pdoDetailLen)
	details, err := readAllPDODetails(pdoDetailSection)
	if err != nil {
		return nil, fmt.Errorf("logreplay: reading PDO-detail section: %w", err)
	}

	inf := &LogSlaveInformant{
		infos: map[uint32]*slave.SlaveInfo{},
		bus: slave.BusInfo{
			IOMapUsedSize: int(head.IOMapUsedSize),
			PDOOffsets:    map[dataobject.PDO]slave.PDOOffset{},
			StartTime:     ek.TimeStamp(head.StartTimeNs),
		},
	}

	for _, b := range blocks {
		id := uint32(b.SlaveID)
		info := &slave.SlaveInfo{ID: id, Name: b.Name, ESIBinary: b.ESIBlob}
		for i, n := range b.Neighbours {
			if n == 0xFFFF {
				info.Neighbors[i] = slave.NoNeighbor
			} else {
				info.Neighbors[i] = uint32(n)
			}
		}
		for _, p := range b.PDOs {
			pdo := dataobject.PDO{SlaveID: id, Index: uint32(p.Index), Direction: dataobject.Input}
			info.PDOs = append(info.PDOs, pdo)
			inf.bus.PDOOffsets[pdo] = slave.PDOOffset{BitOffset: int(p.PDOOrderOffset)}
		}
		for _, e := range b.CoEEntries {
			entry := slave.CoEEntry{
				Index:      e.Index,
				Name:       e.Name,
				ObjectCode: slave.ObjectCode(e.ObjectCode),
				DataType:   map[uint8]byte{},
				Names:      map[uint8]string{},
			}
			for _, sub := range e.SubEntries {
				obj := dataobject.CoEObject{SlaveID: id, Index: sub.Index, SubIndex: sub.SubIndex}
				entry.Objects = append(entry.Objects, obj)
				entry.DataType[sub.SubIndex] = byte(sub.DataType)
				entry.Names[sub.SubIndex] = sub.Name
			}
			info.CoEEntries = append(info.CoEEntries, entry)
		}
		inf.infos[id] = info
	}

	for slaveID, slaveDetails := range details {
		info, ok := inf.infos[uint32(slaveID)]
		if !ok {
			continue
		}
		for _, d := range slaveDetails {
			for _, pdo := range info.PDOs {
				if uint32(pdo.Index) != uint32(d.Index) {
					continue
				}
				inf.bus.PDOOffsets[pdo] = slave.PDOOffset{
					BitOffset: int(d.ByteOffset) * 8,
					BitLength: int(d.BitLength),
				}
			}
		}
	}

	return inf, nil
}

func readAllSlaveInfo(r io.Reader) ([]logcodec.SlaveInfoBlock, error) {
	br := newBoundedBufReader(r)
	var blocks []logcodec.SlaveInfoBlock
	for {
		if br.atEOF() {
			return blocks, nil
		}
		b, err := logcodec.ReadSlaveInfo(br.r)
		if err != nil {
			return nil, err
		}
		blocks = append(blocks, b)
	}
}

func readAllPDODetails(r io.Reader) (map[uint16][]logcodec.PDODetail, error) {
	result := map[uint16][]logcodec.PDODetail{}
	br := newBoundedBufReader(r)
	for {
		if br.atEOF() {
			return result, nil
		}
		slaveID, details, err := logcodec.ReadPDODetailSection(br.r)
		if err != nil {
			return nil, err
		}
		result[slaveID] = append(result[slaveID], details...)
	}
}

// SlaveCount implements slave.Informant.
func (inf *LogSlaveInformant) SlaveCount() uint32 { return uint32(len(inf.infos)) }

// SlaveInfo implements slave.Informant.
func (inf *LogSlaveInformant) SlaveInfo(id uint32) (*slave.SlaveInfo, error) {
	info, ok := inf.infos[id]
	if !ok {
		return nil, slave.ErrSlaveNotFound
	}
	return info, nil
}

// IOMapSize implements slave.Informant.
func (inf *LogSlaveInformant) IOMapSize() uint32 { return uint32(inf.bus.IOMapUsedSize) }

// InitializationErrors implements slave.Informant. Replayed sessions
// carry no live enumeration errors; any FATAL condition during
// enumeration would have prevented the log from ever being written.
func (inf *LogSlaveInformant) InitializationErrors() []ek.ErrorMessage { return nil }

// BusInfo mirrors slave.LiveInformant.BusInfo, for callers (the logger,
// were a replayed session ever re-logged) that need the PDO offset map.
func (inf *LogSlaveInformant) BusInfo() slave.BusInfo { return inf.bus }
