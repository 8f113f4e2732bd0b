// Package slave implements the slave informant: enumeration of slaves
// on an EtherCAT bus, ESI/CoE discovery, and per-PDO bit-offset
// derivation into the process image, per spec.md section 4.4. It is
// grounded on gocanopen's pkg/od, which walks a similarly-shaped
// dictionary of indexed/sub-indexed entries -- here the entries are
// read live off the wire instead of parsed from an EDS file.
package slave

import (
	"fmt"

	ek "github.com/etherkitten/etherkitten"
	"github.com/etherkitten/etherkitten/pkg/dataobject"
)

// ObjectCode mirrors CiA/CoE's VAR/ARRAY/RECORD classification,
// matching od.ObjectTypeVAR et al in spirit.
type ObjectCode uint8

const (
	ObjectVAR ObjectCode = iota
	ObjectARRAY
	ObjectRECORD
)

// CoEEntry groups sub-indexed CoEObjects under one CoE dictionary index.
type CoEEntry struct {
	Index      uint16
	Name       string
	ObjectCode ObjectCode
	Objects    []dataobject.CoEObject
	Access     map[uint8]dataobject.CoEAccess
	DataType   map[uint8]byte
	Names      map[uint8]string
}

// ESIGeneral is the General section of a slave's ESI EEPROM.
type ESIGeneral struct {
	VendorID       uint32
	ProductCode    uint32
	RevisionNumber uint32
	SerialNumber   uint32
}

// ESISyncManager describes one SyncManager entry in the ESI.
type ESISyncManager struct {
	StartAddress uint16
	Length       uint16
	ControlByte  uint8
	Enabled      bool
}

// ESIPDOEntry is one entry within an ESI TxPDO/RxPDO section, used as
// the fallback PDO-mapping source when CoE is unavailable.
type ESIPDOEntry struct {
	Index     uint16
	SubIndex  uint8
	BitLength uint8
	Name      string
}

// ESIPDO is one TxPDO or RxPDO object from the ESI.
type ESIPDO struct {
	Index     uint16
	Direction dataobject.PDODirection
	Name      string
	Entries   []ESIPDOEntry
}

// ESIData is the structured form of a slave's parsed ESI EEPROM.
type ESIData struct {
	General       ESIGeneral
	Strings       []string
	SyncManagers  []ESISyncManager
	PDOs          []ESIPDO
	SupportsCoE   bool
}

// SlaveInfo is the static description of one enumerated slave, per
// spec.md section 3.
type SlaveInfo struct {
	ID         uint32
	Name       string
	PDOs       []dataobject.PDO
	CoEEntries []CoEEntry
	ESI        ESIData
	ESIBinary  []byte
	Neighbors  [4]uint32 // 0xFFFFFFFF = no link
}

const NoNeighbor uint32 = 0xFFFFFFFF

// PDOOffset records a PDO's position as a bit offset relative to the
// start of its slave's input or output region; offsets restart at 0 for
// each slave and direction.
type PDOOffset struct {
	BitOffset int
	BitLength int
}

// CoEInfo records a CoE object's bit length, inferred during the
// dictionary walk from the byte width of its SDO upload.
type CoEInfo struct {
	BitLength int
}

// BusInfo is the master-level state produced by enumeration, per
// spec.md section 3.
type BusInfo struct {
	IOMap           []byte
	IOMapUsedSize   int
	PDOOffsets      map[dataobject.PDO]PDOOffset
	CoEInfos        map[dataobject.CoEObject]CoEInfo
	StatusAfterInit ek.BusMode
	StartTime       ek.TimeStamp
}

// Informant is the read-only contract the rest of the subsystem uses
// to query enumerated slave and bus data, per spec.md section 6.2's
// SlaveInformant interface. Both the live informant (this package) and
// the log-replay informant (pkg/logreplay) implement it.
type Informant interface {
	SlaveCount() uint32
	SlaveInfo(id uint32) (*SlaveInfo, error)
	IOMapSize() uint32
	InitializationErrors() []ek.ErrorMessage
}

var ErrSlaveNotFound = fmt.Errorf("slave: no such slave id")
