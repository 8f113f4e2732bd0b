//go:build linux

// Package rawsocket is an optional link-layer backend that sends and
// receives raw EtherCAT frames over an AF_PACKET socket bound to a
// network interface. It is grounded on gocanopen's
// pkg/can/socketcanring backend: same AF_PACKET plumbing, same
// htons/interface-index setup, simplified to a single blocking
// socket since EtherCAT's send-and-receive-frame call is synchronous
// by nature rather than callback-driven like CAN reception.
package rawsocket

import (
	"context"
	"encoding/binary"
	"fmt"
	"log/slog"
	"net"
	"sync"
	"time"

	"github.com/etherkitten/etherkitten/pkg/link"
	"golang.org/x/sys/unix"
)

// EtherTypeECAT is the EtherCAT EtherType (0x88A4) used to address
// frames at the AF_PACKET layer, mirroring socketcanring's ETH_P_CAN
// use for CAN frames.
const EtherTypeECAT = 0x88A4

func init() {
	link.RegisterBackend("rawsocket", New)
}

// Bus sends and receives EtherCAT frames over a raw AF_PACKET socket on
// a single network interface. Only one frame is ever in flight because
// the bus subsystem's send-and-receive call is synchronous; reconfiguring
// the IOMap or slave table does not require reopening the socket.
type Bus struct {
	mu          sync.Mutex
	fd          int
	ifaceIndex  int
	srcMAC      [6]byte
	logger      *slog.Logger
	slaveTable  []link.SlaveTableEntry
	ioMap       []byte
}

func New(channel string) (link.Link, error) {
	iface, err := net.InterfaceByName(channel)
	if err != nil {
		return nil, fmt.Errorf("rawsocket: %w", err)
	}

	fd, err := unix.Socket(unix.AF_PACKET, unix.SOCK_RAW, int(htons(EtherTypeECAT)))
	if err != nil {
		return nil, fmt.Errorf("rawsocket: create socket: %w", err)
	}

	sll := &unix.SockaddrLinklayer{
		Protocol: htons(EtherTypeECAT),
		Ifindex:  iface.Index,
	}
	if err := unix.Bind(fd, sll); err != nil {
		unix.Close(fd)
		return nil, fmt.Errorf("rawsocket: bind: %w", err)
	}

	var mac [6]byte
	copy(mac[:], iface.HardwareAddr)

	return &Bus{
		fd:         fd,
		ifaceIndex: iface.Index,
		srcMAC:     mac,
		logger:     slog.Default().With("interface", channel),
	}, nil
}

// NewFromFD wraps an already-open AF_PACKET socket file descriptor,
// for `cmd/etherkitten --raw-socket <fd>` (spec.md section 6.4): the
// CLI collaborator has already opened and bound the packet socket
// (commonly because it needs elevated privileges the EtherKITten
// process itself doesn't hold), and hands the fd down instead of an
// interface name. The bound interface's index and hardware address are
// recovered from the socket itself via getsockname.
func NewFromFD(fd int) (link.Link, error) {
	sa, err := unix.Getsockname(fd)
	if err != nil {
		return nil, fmt.Errorf("rawsocket: getsockname on fd %d: %w", fd, err)
	}
	sll, ok := sa.(*unix.SockaddrLinklayer)
	if !ok {
		return nil, fmt.Errorf("rawsocket: fd %d is not an AF_PACKET socket", fd)
	}

	var mac [6]byte
	if iface, ierr := net.InterfaceByIndex(sll.Ifindex); ierr == nil {
		copy(mac[:], iface.HardwareAddr)
	}

	return &Bus{
		fd:         fd,
		ifaceIndex: sll.Ifindex,
		srcMAC:     mac,
		logger:     slog.Default().With("raw_socket_fd", fd),
	}, nil
}

func (b *Bus) Init(ctx context.Context, interfaceOrSocket string) error {
	return nil
}

func (b *Bus) ConfigureIOMap(buffer []byte) (int, error) {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.ioMap = buffer
	return len(buffer), nil
}

func (b *Bus) SendProcessData() error { return nil }

func (b *Bus) ReceiveProcessData(timeout time.Duration) (int, error) {
	return 0, link.ErrNotSupported
}

// SendAndReceiveFrame writes the raw EtherCAT PDU area with an
// Ethernet header prepended, then blocks (up to timeout) for the
// reflected frame to arrive back on the wire, copying it over buffer.
// It returns the working counter trailing the frame's last PDU; the
// returned rx index is always 0.
func (b *Bus) SendAndReceiveFrame(buffer []byte, timeout time.Duration) (int, int, error) {
	b.mu.Lock()
	defer b.mu.Unlock()

	wire := buildEthernetFrame(b.srcMAC, buffer)
	sll := &unix.SockaddrLinklayer{
		Protocol: htons(EtherTypeECAT),
		Ifindex:  b.ifaceIndex,
	}
	if err := unix.Sendto(b.fd, wire, 0, sll); err != nil {
		return 0, 0, fmt.Errorf("rawsocket: sendto: %w", err)
	}

	tv := unix.NsecToTimeval(timeout.Nanoseconds())
	if err := unix.SetsockoptTimeval(b.fd, unix.SOL_SOCKET, unix.SO_RCVTIMEO, &tv); err != nil {
		return 0, 0, fmt.Errorf("rawsocket: set rcvtimeo: %w", err)
	}

	rx := make([]byte, 1518)
	n, _, err := unix.Recvfrom(b.fd, rx, 0)
	if err != nil {
		return 0, 0, link.ErrTimeout
	}
	if n < 14+len(buffer) {
		return 0, 0, fmt.Errorf("rawsocket: short frame (%d bytes)", n)
	}
	copy(buffer, rx[14:14+len(buffer)])

	wkc := wkcFromLastPDU(buffer)
	return wkc, 0, nil
}

func (b *Bus) SDORead(slave int, index uint16, subIndex uint8, buf []byte, timeout time.Duration) (int, int, error) {
	return 0, 0, link.ErrNotSupported
}

func (b *Bus) SDOWrite(slave int, index uint16, subIndex uint8, data []byte, timeout time.Duration) (int, error) {
	return 0, link.ErrNotSupported
}

func (b *Bus) ReadEEPROM(slaveConfiguredAddress uint16, wordAddress uint16, timeout time.Duration) (uint64, error) {
	return 0, link.ErrNotSupported
}

func (b *Bus) SetState(slave int, state link.SlaveState) error {
	return link.ErrNotSupported
}

func (b *Bus) CheckState(slave int, state link.SlaveState, timeout time.Duration) (link.SlaveState, error) {
	return link.StateUnknown, link.ErrNotSupported
}

func (b *Bus) SlaveTable() []link.SlaveTableEntry {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.slaveTable
}

func (b *Bus) Close() error {
	return unix.Close(b.fd)
}

// buildEthernetFrame prepends a 14-byte Ethernet II header (broadcast
// destination, srcMAC source, EtherCAT EtherType) to the raw ECAT
// frame bytes, per spec.md 4.3's wire layout.
func buildEthernetFrame(srcMAC [6]byte, ecatFrame []byte) []byte {
	out := make([]byte, 14+len(ecatFrame))
	for i := 0; i < 6; i++ {
		out[i] = 0xFF // broadcast destination
	}
	copy(out[6:12], srcMAC[:])
	binary.BigEndian.PutUint16(out[12:14], EtherTypeECAT)
	copy(out[14:], ecatFrame)
	return out
}

// wkcFromLastPDU reads the working counter trailing the final PDU in
// the frame by walking the PDU chain via each PDU's "has next" bit,
// mirroring pkg/frame's own layout assumptions.
func wkcFromLastPDU(ecatFrame []byte) int {
	offset := 2
	wkc := 0
	for offset+12 <= len(ecatFrame) {
		lengthAndNext := binary.LittleEndian.Uint16(ecatFrame[offset+6 : offset+8])
		dataLen := int(lengthAndNext & 0x07FF)
		hasNext := lengthAndNext&0x8000 != 0
		wkcOffset := offset + 10 + dataLen
		if wkcOffset+2 > len(ecatFrame) {
			break
		}
		wkc = int(binary.LittleEndian.Uint16(ecatFrame[wkcOffset : wkcOffset+2]))
		offset = wkcOffset + 2
		if !hasNext {
			break
		}
	}
	return wkc
}

func htons(v uint16) uint16 {
	return (v << 8) | (v >> 8)
}
