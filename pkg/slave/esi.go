package slave

import (
	"encoding/binary"
	"time"

	"github.com/etherkitten/etherkitten/pkg/dataobject"
)

const esiReadTimeout = 10 * time.Millisecond

// ESI category tags, per ETG.2010's EEPROM category layout.
const (
	categoryStrings = 10
	categoryGeneral = 30
	categorySyncM   = 41
	categoryTxPDO   = 50
	categoryRxPDO   = 51
	categoryEnd     = 0xFFFF
)

// eepromReader is the minimal surface esi.go needs from the link layer:
// read one EEPROM word's worth of bytes (4 or 8, depending on slave
// capability) starting at a given EEPROM word address.
type eepromReader interface {
	ReadEEPROM(configuredAddress uint16, wordAddress uint16, timeout time.Duration) (uint64, error)
}

// eepromStream accumulates bytes out of successive ReadEEPROM calls and
// tracks the word address those bytes logically start at, so category
// bodies that straddle read boundaries read cleanly regardless of
// whether the slave returns 4 or 8 bytes per word.
type eepromStream struct {
	r          eepromReader
	addr       uint16
	bytes      []byte
	wordWidth  int // bytes per ReadEEPROM call (4 or 8), set by readESI; 0 means 4
}

// fill ensures at least n bytes are buffered, issuing further
// ReadEEPROM calls as needed.
func (s *eepromStream) fill(n int) error {
	for len(s.bytes) < n {
		word, err := s.r.ReadEEPROM(0, s.addr, esiReadTimeout)
		if err != nil {
			return err
		}
		buf := make([]byte, 8)
		binary.LittleEndian.PutUint64(buf, word)
		width := s.wordWidth
		if width == 0 {
			width = 4
		}
		s.bytes = append(s.bytes, buf[:width]...)
		s.addr += uint16(width / 2)
	}
	return nil
}

func (s *eepromStream) take(n int) []byte {
	out := s.bytes[:n]
	s.bytes = s.bytes[n:]
	return out
}

// readESI walks the slave's EEPROM category stream starting at word 0
// until the end-category marker (0xFFFF), accumulating the raw bytes
// and parsing the categories it recognises. Per spec.md 4.4, failures
// here are recoverable at MEDIUM severity with PDO derivation falling
// back to the ESI-only path.
func readESI(r eepromReader, configuredAddress uint16, byteWidth int) (ESIData, []byte, error) {
	var raw []byte
	var data ESIData
	if byteWidth != 8 {
		byteWidth = 4
	}
	stream := &eepromStream{r: readerAt(r, configuredAddress), wordWidth: byteWidth}

	for {
		if err := stream.fill(4); err != nil {
			return data, raw, err
		}
		header := stream.take(4)
		raw = append(raw, header...)
		category := binary.LittleEndian.Uint16(header[0:2])
		if category == categoryEnd {
			break
		}
		wordLen := binary.LittleEndian.Uint16(header[2:4])
		bodyLen := int(wordLen) * 2
		if err := stream.fill(bodyLen); err != nil {
			return data, raw, err
		}
		body := stream.take(bodyLen)
		raw = append(raw, body...)
		parseCategory(category, body, &data)
	}
	return data, raw, nil
}

// readerAt closes configuredAddress over an eepromReader so eepromStream
// doesn't need to thread it through every call.
func readerAt(r eepromReader, configuredAddress uint16) eepromReader {
	return boundReader{r: r, addr: configuredAddress}
}

type boundReader struct {
	r    eepromReader
	addr uint16
}

func (b boundReader) ReadEEPROM(_ uint16, wordAddress uint16, timeout time.Duration) (uint64, error) {
	return b.r.ReadEEPROM(b.addr, wordAddress, timeout)
}

func parseCategory(category uint16, body []byte, data *ESIData) {
	switch category {
	case categoryStrings:
		data.Strings = parseStrings(body)
	case categoryGeneral:
		if len(body) >= 16 {
			data.General = ESIGeneral{
				VendorID:       binary.LittleEndian.Uint32(body[0:4]),
				ProductCode:    binary.LittleEndian.Uint32(body[4:8]),
				RevisionNumber: binary.LittleEndian.Uint32(body[8:12]),
				SerialNumber:   binary.LittleEndian.Uint32(body[12:16]),
			}
		}
		if len(body) >= 2 {
			data.SupportsCoE = body[0]&0x04 != 0
		}
	case categorySyncM:
		for off := 0; off+8 <= len(body); off += 8 {
			data.SyncManagers = append(data.SyncManagers, ESISyncManager{
				StartAddress: binary.LittleEndian.Uint16(body[off : off+2]),
				Length:       binary.LittleEndian.Uint16(body[off+2 : off+4]),
				ControlByte:  body[off+4],
				Enabled:      body[off+6]&0x01 != 0,
			})
		}
	case categoryTxPDO, categoryRxPDO:
		direction := dataobject.Input
		if category == categoryRxPDO {
			direction = dataobject.Output
		}
		data.PDOs = append(data.PDOs, parsePDOSection(body, direction)...)
	}
}

// parseStrings splits the strings category's length-prefixed Pascal
// strings, indexable 1-based by later categories' string-index fields.
func parseStrings(body []byte) []string {
	if len(body) == 0 {
		return nil
	}
	count := int(body[0])
	out := make([]string, 0, count)
	off := 1
	for i := 0; i < count && off < len(body); i++ {
		n := int(body[off])
		off++
		if off+n > len(body) {
			break
		}
		out = append(out, string(body[off:off+n]))
		off += n
	}
	return out
}

// parsePDOSection parses one or more fixed-layout PDO descriptors
// packed consecutively in a TxPDO/RxPDO category body. Layout per
// ETG.2000: an 8-byte PDO header (index, entry count, sync manager, DC
// sync, name string index, flags) followed by N entries of 8 bytes each.
func parsePDOSection(body []byte, direction dataobject.PDODirection) []ESIPDO {
	var out []ESIPDO
	off := 0
	for off+8 <= len(body) {
		pdoIndex := binary.LittleEndian.Uint16(body[off : off+2])
		entryCount := int(body[off+2])
		off += 8 // skip index, entryCount, syncManager, dcSync, nameIdx, flags(2)
		entries := make([]ESIPDOEntry, 0, entryCount)
		for i := 0; i < entryCount && off+8 <= len(body); i++ {
			entries = append(entries, ESIPDOEntry{
				Index:     binary.LittleEndian.Uint16(body[off : off+2]),
				SubIndex:  body[off+2],
				BitLength: body[off+5],
			})
			off += 8
		}
		out = append(out, ESIPDO{Index: pdoIndex, Direction: direction, Entries: entries})
	}
	return out
}
