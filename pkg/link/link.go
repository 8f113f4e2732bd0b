// Package link defines the contract the bus subsystem expects from the
// physical link-layer collaborator (spec.md section 6.1): send/receive
// process data, send-and-receive a register frame, perform an SDO
// transaction, read an EEPROM word, and drive/check slave state.
// Physical send/receive is explicitly out of scope for this
// specification (spec.md section 1); this package only defines the
// boundary and a registry of concrete backends, mirroring gocanopen's
// pkg/can.Bus interface + RegisterInterface plugin registry exactly.
package link

import (
	"context"
	"errors"
	"time"
)

var (
	ErrNoSlavesFound = errors.New("link: no slaves found on the interface")
	ErrTimeout       = errors.New("link: operation timed out")
	ErrNotSupported  = errors.New("link: operation not supported by this backend")
)

// SlaveState mirrors EtherCAT's coarse slave state machine.
type SlaveState uint8

const (
	StateUnknown SlaveState = iota
	StateInit
	StatePreOp
	StateSafeOp
	StateOp
)

// SlaveTableEntry is one row of the link layer's enumerated slave table,
// per spec.md section 6.1.
type SlaveTableEntry struct {
	ConfiguredAddress uint16
	InputOffset       int // byte offset into the IOMap
	OutputOffset      int
	InputStartBit     int
	OutputStartBit    int
	Parent            int // index into the slave table, -1 for the master
	ParentPort        int
	EntryPort         int
	MailboxProtocols  uint16
	EEPROMByteWidth   int // 4 or 8
}

// Link is the minimal contract the bus subsystem expects from the
// physical link layer.
type Link interface {
	Init(ctx context.Context, interfaceOrSocket string) error
	ConfigureIOMap(buffer []byte) (usedSize int, err error)

	SendProcessData() error
	ReceiveProcessData(timeout time.Duration) (workingCounter int, err error)

	SendAndReceiveFrame(buffer []byte, timeout time.Duration) (workingCounter int, rxIndex int, err error)

	SDORead(slave int, index uint16, subIndex uint8, buf []byte, timeout time.Duration) (n int, workingCounter int, err error)
	SDOWrite(slave int, index uint16, subIndex uint8, data []byte, timeout time.Duration) (workingCounter int, err error)

	ReadEEPROM(slaveConfiguredAddress uint16, wordAddress uint16, timeout time.Duration) (uint64, error)

	SetState(slave int, state SlaveState) error
	CheckState(slave int, state SlaveState, timeout time.Duration) (SlaveState, error)

	SlaveTable() []SlaveTableEntry

	Close() error
}

// NewLinkFunc constructs a Link backend from a channel identifier (an
// interface name, a socket path, or a pre-opened file descriptor
// encoded as a string -- backend-specific).
type NewLinkFunc func(channel string) (Link, error)

var registry = make(map[string]NewLinkFunc)

// RegisterBackend registers a new link-layer backend under a name. Call
// from an init() function of the backend package, mirroring
// pkg/can.RegisterInterface.
func RegisterBackend(name string, newLink NewLinkFunc) {
	registry[name] = newLink
}

// NewLink creates a new Link backend with the given registered name.
func NewLink(name string, channel string) (Link, error) {
	ctor, ok := registry[name]
	if !ok {
		return nil, errors.New("link: unsupported backend " + name)
	}
	return ctor(channel)
}
