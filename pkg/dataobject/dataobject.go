// Package dataobject implements the DataObject variant set: PDO,
// CoEObject, Register, and ErrorStatistic. The source hierarchy is an
// inheritance tree with a visitor; Go has no sum types, so each variant
// is its own comparable struct (usable as a map key, as SearchLists are
// keyed by DataObject) and DataObject.Accept dispatches to one of four
// visitor closures, per spec.md section 9's "tagged variant" strategy.
package dataobject

import "fmt"

// PDODirection is INPUT or OUTPUT relative to the master.
type PDODirection uint8

const (
	Input PDODirection = iota
	Output
)

func (d PDODirection) String() string {
	if d == Output {
		return "OUTPUT"
	}
	return "INPUT"
}

// PDO identifies a single process-data field within a slave's cyclic image.
type PDO struct {
	SlaveID   uint32
	Index     uint32 // internal PDO index, not a CoE dictionary index
	Direction PDODirection
}

// CoEAccess is a bitfield over {readable, writable} x {SafeOp, Op}.
type CoEAccess uint8

const (
	AccessReadSafeOp CoEAccess = 1 << iota
	AccessWriteSafeOp
	AccessReadOp
	AccessWriteOp
)

func (a CoEAccess) Readable() bool { return a&(AccessReadSafeOp|AccessReadOp) != 0 }
func (a CoEAccess) Writable() bool { return a&(AccessWriteSafeOp|AccessWriteOp) != 0 }

// CoEObject identifies a CANopen-over-EtherCAT dictionary entry.
type CoEObject struct {
	SlaveID  uint32
	Index    uint16
	SubIndex uint8
}

// Register identifies a known EtherCAT ESC register. The high 16 bits of
// the enum value may encode a bit offset when a named field occupies
// fewer than 8 bits at a byte address (see Register.Address/Register.BitOffset).
type Register uint32

// ErrorStatisticType tags the four derived statistic kinds.
type ErrorStatisticType uint8

const (
	TotalGlobal ErrorStatisticType = iota
	FreqGlobal
	TotalSlave
	FreqSlave
)

func (s ErrorStatisticType) IsGlobal() bool {
	return s == TotalGlobal || s == FreqGlobal
}

func (s ErrorStatisticType) IsFrequency() bool {
	return s == FreqGlobal || s == FreqSlave
}

// ErrorStatistic identifies one derived rolling statistic. GlobalSlaveID
// is used for SlaveID when the statistic is global.
const GlobalSlaveID uint32 = 0xFFFFFFFF

type ErrorStatistic struct {
	Kind    ErrorStatisticType
	ErrKind Register // the underlying register this statistic is derived from
	SlaveID uint32
}

// Variant enumerates the four DataObject kinds.
type Variant uint8

const (
	VariantPDO Variant = iota
	VariantCoEObject
	VariantRegister
	VariantErrorStatistic
)

// DataObject is the polymorphic handle over the four variants. Every
// variant carries an owning slave id, a human name, and an
// EtherCATDataType tag; those are stored once here rather than per-variant.
type DataObject struct {
	Variant  Variant
	SlaveID  uint32
	Name     string
	DataType byte // a datatype.EtherCATDataType value, stored as a plain byte

	PDO            PDO
	CoEObject      CoEObject
	Register       Register
	ErrorStatistic ErrorStatistic
}

func NewPDO(slaveID uint32, name string, dataType byte, pdo PDO) DataObject {
	return DataObject{Variant: VariantPDO, SlaveID: slaveID, Name: name, DataType: dataType, PDO: pdo}
}

func NewCoEObject(slaveID uint32, name string, dataType byte, obj CoEObject) DataObject {
	return DataObject{Variant: VariantCoEObject, SlaveID: slaveID, Name: name, DataType: dataType, CoEObject: obj}
}

func NewRegister(slaveID uint32, name string, dataType byte, reg Register) DataObject {
	return DataObject{Variant: VariantRegister, SlaveID: slaveID, Name: name, DataType: dataType, Register: reg}
}

func NewErrorStatistic(name string, stat ErrorStatistic) DataObject {
	return DataObject{Variant: VariantErrorStatistic, SlaveID: stat.SlaveID, Name: name, DataType: byte(14 /* Real64 */), ErrorStatistic: stat}
}

// Visitor receives exactly one callback, matching the concrete variant
// of the DataObject it was given to Accept.
type Visitor struct {
	PDO            func(PDO)
	CoEObject      func(CoEObject)
	Register       func(Register)
	ErrorStatistic func(ErrorStatistic)
}

func (o DataObject) Accept(v Visitor) {
	switch o.Variant {
	case VariantPDO:
		if v.PDO != nil {
			v.PDO(o.PDO)
		}
	case VariantCoEObject:
		if v.CoEObject != nil {
			v.CoEObject(o.CoEObject)
		}
	case VariantRegister:
		if v.Register != nil {
			v.Register(o.Register)
		}
	case VariantErrorStatistic:
		if v.ErrorStatistic != nil {
			v.ErrorStatistic(o.ErrorStatistic)
		}
	}
}

func (o DataObject) String() string {
	switch o.Variant {
	case VariantPDO:
		return fmt.Sprintf("PDO(slave=%d,%s,name=%q)", o.SlaveID, o.PDO.Direction, o.Name)
	case VariantCoEObject:
		return fmt.Sprintf("CoE(slave=%d,idx=0x%04X:%02X,name=%q)", o.SlaveID, o.CoEObject.Index, o.CoEObject.SubIndex, o.Name)
	case VariantRegister:
		return fmt.Sprintf("Register(slave=%d,reg=0x%X,name=%q)", o.SlaveID, o.Register, o.Name)
	case VariantErrorStatistic:
		return fmt.Sprintf("ErrorStatistic(slave=%d,kind=%d,name=%q)", o.SlaveID, o.ErrorStatistic.Kind, o.Name)
	default:
		return "DataObject(?)"
	}
}

// Address returns the low 16 bits: the byte address of the register.
func (r Register) Address() uint16 { return uint16(r) }

// BitOffset returns the high 16 bits: the bit offset within the byte
// address, used when a named field occupies fewer than 8 bits.
func (r Register) BitOffset() uint16 { return uint16(r >> 16) }

func NewRegisterAt(address uint16, bitOffset uint16) Register {
	return Register(uint32(bitOffset)<<16 | uint32(address))
}

// Known ESC register addresses actually exercised by the register
// scheduler scenarios in spec.md section 8.
const (
	RegType                   Register = Register(0x0000)
	RegBuild                  Register = Register(0x0002) // 2 bytes
	RegRAMSize                Register = Register(0x0006) // 1 byte
	RegESCFeatures            Register = Register(0x0008)
	RegStationAddress         Register = Register(0x0010)
	RegALControl              Register = Register(0x0120)
	RegALStatus               Register = Register(0x0130)
	RegFrameErrorCounterPort0 Register = Register(0x0300)
	RegFrameErrorCounterPort1 Register = Register(0x0302)
	RegFrameErrorCounterPort2 Register = Register(0x0304)
	RegFrameErrorCounterPort3 Register = Register(0x0306)
	RegRXErrorCounterPort0    Register = Register(0x0301)
	RegLostLinkCounterPort0   Register = Register(0x0310)
)

// RegisterByteSize returns the number of consecutive bytes a register
// occupies on the wire, used by the register scheduler to expand a
// register into the addresses it spans.
func RegisterByteSize(r Register) int {
	switch r.Address() {
	case RegBuild.Address():
		return 2
	case RegType.Address(), RegRAMSize.Address(), RegRXErrorCounterPort0.Address(),
		RegFrameErrorCounterPort0.Address(), RegFrameErrorCounterPort1.Address(),
		RegFrameErrorCounterPort2.Address(), RegFrameErrorCounterPort3.Address(),
		RegLostLinkCounterPort0.Address():
		return 1
	case RegESCFeatures.Address(), RegStationAddress.Address(), RegALControl.Address(), RegALStatus.Address():
		return 2
	default:
		return 1
	}
}
