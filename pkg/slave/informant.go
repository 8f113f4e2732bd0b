package slave

import (
	"context"
	"encoding/binary"
	"fmt"
	"log/slog"
	"time"

	ek "github.com/etherkitten/etherkitten"
	"github.com/etherkitten/etherkitten/pkg/dataobject"
	"github.com/etherkitten/etherkitten/pkg/datatype"
	"github.com/etherkitten/etherkitten/pkg/link"
)

const (
	sdoReadTimeout     = 10 * time.Millisecond
	safeOpCheckTimeout = 5 * time.Second
	opCheckTimeout     = 2 * time.Second
)

// LiveInformant enumerates slaves on construction by driving a
// link.Link collaborator through initialise / map-PDOs / state-check /
// per-slave enumeration / transition-to-Op, per spec.md section 4.4.
type LiveInformant struct {
	slaves []*SlaveInfo
	bus    BusInfo
	errs   []ek.ErrorMessage
	logger *slog.Logger
}

// New drives lnk through the full enumeration sequence. It returns a
// *ek.SlaveInformantError (still non-nil alongside it) when any
// accumulated error is FATAL; callers must check for that type rather
// than treating every error as unconditionally fatal.
func New(ctx context.Context, lnk link.Link, channel string, maxRegisterBytes int, logger *slog.Logger) (*LiveInformant, error) {
	if logger == nil {
		logger = slog.Default()
	}
	inf := &LiveInformant{logger: logger}

	if err := lnk.Init(ctx, channel); err != nil {
		inf.fatal("failed to initialise link layer: %v", err)
		return inf, inf.asError()
	}

	table := lnk.SlaveTable()
	if len(table) == 0 {
		inf.fatal("No slaves were found on this interface")
		return inf, inf.asError()
	}

	ioMap := make([]byte, estimateIOMapSize(table))
	used, err := lnk.ConfigureIOMap(ioMap)
	if err != nil {
		inf.fatal("failed to map process image: %v", err)
		return inf, inf.asError()
	}
	inf.bus.IOMap = ioMap
	inf.bus.IOMapUsedSize = used
	inf.bus.PDOOffsets = map[dataobject.PDO]PDOOffset{}
	inf.bus.CoEInfos = map[dataobject.CoEObject]CoEInfo{}

	for i := range table {
		if err := lnk.SetState(i, link.StateSafeOp); err != nil {
			inf.medium(uint32(i+1), "failed to request SafeOp: %v", err)
			continue
		}
		if _, err := lnk.CheckState(i, link.StateSafeOp, safeOpCheckTimeout); err != nil {
			inf.fatal("slave %d did not reach SafeOp: %v", i+1, err)
			return inf, inf.asError()
		}
	}

	for i, entry := range table {
		slaveID := uint32(i + 1)
		info := inf.enumerateSlave(lnk, slaveID, entry)
		inf.slaves = append(inf.slaves, info)
	}

	inf.deriveTopology(table)

	inf.bus.StatusAfterInit = ek.BusModeReadWriteSafeOp
	allOp := true
	for i := range table {
		if err := lnk.SetState(i, link.StateOp); err != nil {
			allOp = false
			continue
		}
		if _, err := lnk.CheckState(i, link.StateOp, opCheckTimeout); err != nil {
			allOp = false
		}
	}
	if allOp {
		inf.bus.StatusAfterInit = ek.BusModeReadWriteOp
	}
	inf.bus.StartTime = ek.Now()

	return inf, inf.asError()
}

func (inf *LiveInformant) asError() error {
	for _, e := range inf.errs {
		if e.Severity == ek.SeverityFatal {
			return &ek.SlaveInformantError{Errors: append([]ek.ErrorMessage(nil), inf.errs...)}
		}
	}
	return nil
}

func (inf *LiveInformant) fatal(format string, args ...any) {
	inf.push(ek.NoAssociatedSlave, ek.NoAssociatedSlave, ek.SeverityFatal, format, args...)
}

func (inf *LiveInformant) medium(slave uint32, format string, args ...any) {
	inf.push(slave, ek.NoAssociatedSlave, ek.SeverityMedium, format, args...)
}

func (inf *LiveInformant) low(slave uint32, format string, args ...any) {
	inf.push(slave, ek.NoAssociatedSlave, ek.SeverityLow, format, args...)
}

func (inf *LiveInformant) push(slave1, slave2 uint32, severity ek.Severity, format string, args ...any) {
	msg := ek.ErrorMessage{
		Message:  fmt.Sprintf(format, args...),
		Slave1:   slave1,
		Slave2:   slave2,
		Severity: severity,
		Time:     ek.Now(),
	}
	inf.logger.Warn("slave enumeration error", "severity", severity.String(), "message", msg.Message)
	inf.errs = append(inf.errs, msg)
}

// enumerateSlave reads ESI, walks CoE if supported, derives PDO
// mapping, and accumulates bit offsets for this slave's PDOs, per
// spec.md section 4.4 step 4. Errors here are per-slave recoverable
// (MEDIUM), never fatal.
func (inf *LiveInformant) enumerateSlave(lnk link.Link, slaveID uint32, entry link.SlaveTableEntry) *SlaveInfo {
	info := &SlaveInfo{ID: slaveID, Name: fmt.Sprintf("Slave%d", slaveID)}
	for i := range info.Neighbors {
		info.Neighbors[i] = NoNeighbor
	}

	esiData, raw, err := readESI(lnk, entry.ConfiguredAddress, entry.EEPROMByteWidth)
	if err != nil {
		inf.medium(slaveID, "failed to read ESI: %v", err)
	}
	info.ESI = esiData
	info.ESIBinary = raw

	var coeEntries []CoEEntry
	if esiData.SupportsCoE {
		coeEntries, err = walkObjectDictionary(lnk, entry, slaveID)
		if err != nil {
			inf.medium(slaveID, "failed to walk CoE dictionary: %v", err)
			coeEntries = nil
		}
	}
	info.CoEEntries = coeEntries

	nextBitOffset := map[dataobject.PDODirection]int{}
	if esiData.SupportsCoE && len(coeEntries) > 0 {
		pdos, err := deriveMappingFromCoE(lnk, entry, slaveID, coeEntries, nextBitOffset, inf.bus.PDOOffsets)
		if err != nil {
			inf.medium(slaveID, "failed to derive PDO mapping from CoE, falling back to ESI: %v", err)
			// Drop the aborted CoE pass's partial accumulation before the fallback.
			nextBitOffset = map[dataobject.PDODirection]int{}
			for pdo := range inf.bus.PDOOffsets {
				if pdo.SlaveID == slaveID {
					delete(inf.bus.PDOOffsets, pdo)
				}
			}
			info.PDOs = deriveMappingFromESI(esiData, slaveID, nextBitOffset, inf.bus.PDOOffsets)
		} else {
			info.PDOs = pdos
		}
	} else {
		info.PDOs = deriveMappingFromESI(esiData, slaveID, nextBitOffset, inf.bus.PDOOffsets)
	}

	for _, entry := range coeEntries {
		for _, obj := range entry.Objects {
			dt := datatype.EtherCATDataType(entry.DataType[obj.SubIndex])
			inf.bus.CoEInfos[obj] = CoEInfo{BitLength: dt.ByteSize() * 8}
		}
	}

	return info
}

// objectDictionaryListIndices are the three standard "list of objects"
// entries CANopen/CoE reserve below the real dictionary range (DS301
// / ETG.1000.6 section on SDO information-less enumeration): index 0x1
// lists every object the device implements, 0x2 every PDO-mappable
// object, 0x3 every object mappable for all devices of the profile.
// Reading sub-index 0 of each gives the list length as an UNSIGNED16;
// sub-indices 1..N then give the UNSIGNED16 object indices themselves.
// This lets a master enumerate a slave's dictionary with plain SDO
// uploads, without the heavier SDO Information service.
var objectDictionaryListIndices = []uint16{0x1, 0x2, 0x3}

// walkObjectDictionary fetches description and sub-entries for every
// index in the slave's object dictionary via SDO, synthesising a
// CoEEntry per index, per spec.md 4.4 step 4's CoE walk.
func walkObjectDictionary(lnk link.Link, entry link.SlaveTableEntry, slaveID uint32) ([]CoEEntry, error) {
	indices, err := listDictionaryIndices(lnk, slaveID)
	if err != nil {
		return nil, err
	}
	out := make([]CoEEntry, 0, len(indices))
	for _, idx := range indices {
		e, err := describeDictionaryEntry(lnk, slaveID, idx)
		if err != nil {
			continue // an unreadable entry is skipped, not fatal to the walk
		}
		out = append(out, e)
	}
	return out, nil
}

// listDictionaryIndices reads the three object-dictionary list entries
// and returns the de-duplicated union of every object index they name.
func listDictionaryIndices(lnk link.Link, slaveID uint32) ([]uint16, error) {
	seen := map[uint16]bool{}
	var indices []uint16
	countBuf := make([]byte, 2)
	idxBuf := make([]byte, 2)
	for _, listIdx := range objectDictionaryListIndices {
		n, _, err := lnk.SDORead(int(slaveID-1), listIdx, 0, countBuf, sdoReadTimeout)
		if err != nil || n < 2 {
			continue
		}
		count := binary.LittleEndian.Uint16(countBuf)
		for sub := uint16(1); sub <= count && sub <= 0xFF; sub++ {
			n, _, err := lnk.SDORead(int(slaveID-1), listIdx, uint8(sub), idxBuf, sdoReadTimeout)
			if err != nil || n < 2 {
				continue
			}
			objIndex := binary.LittleEndian.Uint16(idxBuf)
			if !seen[objIndex] {
				seen[objIndex] = true
				indices = append(indices, objIndex)
			}
		}
	}
	if len(indices) == 0 {
		return nil, fmt.Errorf("slave %d: object dictionary list service unavailable", slaveID)
	}
	return indices, nil
}

// describeDictionaryEntry reads one dictionary index's sub-index 0 to
// learn its sub-entry count (the RECORD/ARRAY convention), then reads
// each sub-entry to learn its byte width, synthesising a CoEObject,
// access mask, and inferred data type per sub-index. An index whose
// sub-index 0 is not a usable count is treated as a single VAR object
// occupying sub-index 0 itself.
func describeDictionaryEntry(lnk link.Link, slaveID uint32, index uint16) (CoEEntry, error) {
	entry := CoEEntry{
		Index:    index,
		Name:     fmt.Sprintf("0x%04X", index),
		Access:   map[uint8]dataobject.CoEAccess{},
		DataType: map[uint8]byte{},
		Names:    map[uint8]string{},
	}

	probeBuf := make([]byte, 8)
	n, _, err := lnk.SDORead(int(slaveID-1), index, 0, probeBuf, sdoReadTimeout)
	if err != nil {
		return CoEEntry{}, err
	}

	var subCount uint8
	if n == 1 {
		subCount = probeBuf[0]
	}
	if subCount == 0 {
		entry.ObjectCode = ObjectVAR
		entry.Objects = append(entry.Objects, dataobject.CoEObject{SlaveID: slaveID, Index: index, SubIndex: 0})
		entry.Access[0] = dataobject.AccessReadSafeOp | dataobject.AccessReadOp
		entry.DataType[0] = byte(dataTypeForByteCount(n))
		entry.Names[0] = entry.Name
		return entry, nil
	}

	entry.ObjectCode = ObjectRECORD
	valBuf := make([]byte, 8)
	for sub := uint8(1); sub <= subCount; sub++ {
		n, _, err := lnk.SDORead(int(slaveID-1), index, sub, valBuf, sdoReadTimeout)
		if err != nil {
			continue // an unreadable sub-entry is skipped, not fatal to the entry
		}
		entry.Objects = append(entry.Objects, dataobject.CoEObject{SlaveID: slaveID, Index: index, SubIndex: sub})
		entry.Access[sub] = dataobject.AccessReadSafeOp | dataobject.AccessReadOp
		entry.DataType[sub] = byte(dataTypeForByteCount(n))
		entry.Names[sub] = fmt.Sprintf("%s:%d", entry.Name, sub)
	}
	return entry, nil
}

// dataTypeForByteCount infers an EtherCATDataType from an SDO upload's
// returned byte width, the only signal plain SDO reads give us absent
// the SDO Information service's explicit type tag.
func dataTypeForByteCount(n int) datatype.EtherCATDataType {
	switch n {
	case 1:
		return datatype.Unsigned8
	case 2:
		return datatype.Unsigned16
	case 4:
		return datatype.Unsigned32
	case 8:
		return datatype.Unsigned64
	default:
		return datatype.OctetString
	}
}

// deriveMappingFromCoE is the preferred PDO-mapping path: it reads every
// PDOAssign object in 0x1C10-0x1C1F that answers, then each assigned
// mapping object (0x1600-0x1BFF), summing the mapped entries' bit
// lengths. SM-CommType (0x1C00) is not read; an assign object that
// cannot be read is skipped. Mapped entries are not joined with the CoE
// dictionary (coeEntries is unused), so no name or type is recovered
// for them.
//
// Bit offsets accumulate monotonically per direction; a mapping failure
// partway through aborts PDO derivation for this slave so that later
// offsets are never computed against a partial accumulation.
func deriveMappingFromCoE(lnk link.Link, entry link.SlaveTableEntry, slaveID uint32, coeEntries []CoEEntry, nextBitOffset map[dataobject.PDODirection]int, offsets map[dataobject.PDO]PDOOffset) ([]dataobject.PDO, error) {
	var pdos []dataobject.PDO
	assignBuf := make([]byte, 2)
	for smIndex := uint16(0x1C10); smIndex < 0x1C20; smIndex++ {
		n, _, err := lnk.SDORead(int(slaveID-1), smIndex, 0, assignBuf, sdoReadTimeout)
		if err != nil || n == 0 {
			continue
		}
		count := assignBuf[0]
		direction := directionForSM(smIndex)
		for sub := uint8(1); sub <= count; sub++ {
			mapIdxBuf := make([]byte, 2)
			if _, _, err := lnk.SDORead(int(slaveID-1), smIndex, sub, mapIdxBuf, sdoReadTimeout); err != nil {
				return nil, fmt.Errorf("reading PDOAssign[%d]: %w", sub, err)
			}
			mapIndex := binary.LittleEndian.Uint16(mapIdxBuf)
			pdo := dataobject.PDO{SlaveID: slaveID, Index: uint32(mapIndex), Direction: direction}
			startBit := nextBitOffset[direction]
			if err := accumulateMappingObject(lnk, slaveID, mapIndex, direction, nextBitOffset); err != nil {
				return nil, err
			}
			offsets[pdo] = PDOOffset{BitOffset: startBit, BitLength: nextBitOffset[direction] - startBit}
			pdos = append(pdos, pdo)
		}
	}
	return pdos, nil
}

func directionForSM(smIndex uint16) dataobject.PDODirection {
	if smIndex%2 == 0 {
		return dataobject.Output // 0x1C10, 0x1C12... RxPDO assign -> outputs
	}
	return dataobject.Input
}

// accumulateMappingObject reads a 0x1600-0x1BFF mapping object's
// sub-entries and advances nextBitOffset[direction] by each entry's bit
// length, per spec.md 4.4: "accumulate bit offsets monotonically per
// direction".
func accumulateMappingObject(lnk link.Link, slaveID uint32, mapIndex uint16, direction dataobject.PDODirection, nextBitOffset map[dataobject.PDODirection]int) error {
	countBuf := make([]byte, 1)
	if _, _, err := lnk.SDORead(int(slaveID-1), mapIndex, 0, countBuf, sdoReadTimeout); err != nil {
		return fmt.Errorf("reading mapping object count: %w", err)
	}
	count := countBuf[0]
	entryBuf := make([]byte, 4)
	for sub := uint8(1); sub <= count; sub++ {
		if _, _, err := lnk.SDORead(int(slaveID-1), mapIndex, sub, entryBuf, sdoReadTimeout); err != nil {
			return fmt.Errorf("reading mapping entry %d: %w", sub, err)
		}
		packed := binary.LittleEndian.Uint32(entryBuf)
		bitLength := int(packed & 0xFF)
		nextBitOffset[direction] += bitLength
	}
	return nil
}

// deriveMappingFromESI is the fallback PDO-mapping path used when a
// slave lacks CoE or CoE mapping derivation failed: PDOs come directly
// from the ESI's TxPDO/RxPDO sections.
func deriveMappingFromESI(esi ESIData, slaveID uint32, nextBitOffset map[dataobject.PDODirection]int, offsets map[dataobject.PDO]PDOOffset) []dataobject.PDO {
	pdos := make([]dataobject.PDO, 0, len(esi.PDOs))
	for _, p := range esi.PDOs {
		pdo := dataobject.PDO{SlaveID: slaveID, Index: uint32(p.Index), Direction: p.Direction}
		startBit := nextBitOffset[p.Direction]
		for _, e := range p.Entries {
			nextBitOffset[p.Direction] += int(e.BitLength)
		}
		offsets[pdo] = PDOOffset{BitOffset: startBit, BitLength: nextBitOffset[p.Direction] - startBit}
		pdos = append(pdos, pdo)
	}
	return pdos
}

// deriveTopology records each slave's parent/parent-port/entry-port
// from the link layer's slave table and inverts it to form neighbors[4].
func (inf *LiveInformant) deriveTopology(table []link.SlaveTableEntry) {
	for i, entry := range table {
		if entry.Parent < 0 || entry.Parent >= len(inf.slaves) {
			continue
		}
		child := inf.slaves[i]
		parent := inf.slaves[entry.Parent]
		if entry.ParentPort < 4 {
			parent.Neighbors[entry.ParentPort] = child.ID
		}
		if entry.EntryPort < 4 {
			child.Neighbors[entry.EntryPort] = parent.ID
		}
	}
}

func estimateIOMapSize(table []link.SlaveTableEntry) int {
	size := 0
	for range table {
		size += 64 // conservative per-slave default, refined once PDOs are known
	}
	return size
}

func (inf *LiveInformant) SlaveCount() uint32 { return uint32(len(inf.slaves)) }

func (inf *LiveInformant) SlaveInfo(id uint32) (*SlaveInfo, error) {
	if id < 1 || int(id) > len(inf.slaves) {
		return nil, ErrSlaveNotFound
	}
	return inf.slaves[id-1], nil
}

func (inf *LiveInformant) IOMapSize() uint32 { return uint32(inf.bus.IOMapUsedSize) }

func (inf *LiveInformant) InitializationErrors() []ek.ErrorMessage {
	return append([]ek.ErrorMessage(nil), inf.errs...)
}

func (inf *LiveInformant) BusInfo() BusInfo { return inf.bus }
