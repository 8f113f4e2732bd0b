package frame

import (
	"sort"
	"sync"
	"sync/atomic"

	"github.com/etherkitten/etherkitten/pkg/dataobject"
)

// SlaveAddress is the minimal identity the scheduler needs per slave: its
// logical id (for metadata) and its configured station address (for the
// wire PDU).
type SlaveAddress struct {
	SlaveID           uint32
	ConfiguredAddress uint16
}

type interval struct {
	start  uint16
	length uint16
}

// Scheduler turns a register-visibility map into a minimal sequence of
// FPRD frames and round-robins through them. Reconfiguration is
// thread-safe against an ongoing iteration: the current frame list
// pointer is published atomically, and Go's garbage collector retains an
// old list for as long as any in-flight iterator still references it --
// the equivalent, in a garbage-collected language, of spec.md's "old
// lists are retained until shutdown".
type Scheduler struct {
	mu      sync.Mutex
	current atomic.Pointer[EtherCATFrameList]
	cursor  atomic.Uint64
}

func NewScheduler() *Scheduler {
	s := &Scheduler{}
	s.current.Store(&EtherCATFrameList{})
	return s
}

// ChangeRegisterSettings rebuilds and atomically publishes a new frame
// list for the given slaves and register visibility map.
func (s *Scheduler) ChangeRegisterSettings(slaves []SlaveAddress, visibility map[dataobject.Register]bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	list := build(slaves, visibility)
	s.current.Store(list)
	s.cursor.Store(0)
}

// FrameCount returns the number of frames in the currently published list.
func (s *Scheduler) FrameCount() int {
	return len(s.current.Load().Frames)
}

// GetNextFrames returns an iterator over n consecutive frames in
// round-robin order, plus whether the round completed a full loop
// (i.e. the round-robin cursor wrapped back to index 0 partway through,
// signalling every register has now been sampled at least once).
func (s *Scheduler) GetNextFrames(n int) ([]FrameMeta, bool) {
	list := s.current.Load()
	total := len(list.Frames)
	if total == 0 {
		return nil, true
	}
	frames := make([]FrameMeta, 0, n)
	completedLoop := false
	for i := 0; i < n; i++ {
		idx := s.cursor.Load() % uint64(total)
		frames = append(frames, list.Frames[idx])
		next := (idx + 1) % uint64(total)
		s.cursor.Store(next)
		if next == 0 {
			completedLoop = true
		}
	}
	return frames, completedLoop
}

// HasCompletedLoop reports whether the round-robin cursor is currently
// parked at the start of the list.
func (s *Scheduler) HasCompletedLoop() bool {
	return s.cursor.Load() == 0
}

func build(slaves []SlaveAddress, visibility map[dataobject.Register]bool) *EtherCATFrameList {
	intervals := coalesce(expand(visibility))

	list := &EtherCATFrameList{}
	var curFrame *FrameMeta
	curLen := 0 // accumulated PDU-area bytes in the current frame (excludes the 2-byte header)

	flush := func() {
		if curFrame != nil {
			list.Frames = append(list.Frames, *curFrame)
		}
		curFrame = nil
		curLen = 0
	}

	for _, slave := range slaves {
		for _, iv := range intervals {
			pdu := PDU{
				CommandType:            CommandFPRD,
				Index:                  0xFF,
				SlaveConfiguredAddress: slave.ConfiguredAddress,
				RegisterAddress:        iv.start,
				Data:                   make([]byte, iv.length),
			}
			pduLen := pdu.wireLength()
			if curFrame != nil && curLen+pduLen > MaxTotalPDULength {
				flush()
			}
			if curFrame == nil {
				curFrame = &FrameMeta{}
			}
			dataOffset := 2 + curLen + 10
			wkcOffset := dataOffset + int(iv.length)
			meta := PDUMeta{
				SlaveID:        slave.SlaveID,
				RegisterOffset: regOffsetsIn(visibility, iv, dataOffset),
				WkcOffset:      wkcOffset,
			}
			if len(curFrame.Frame.PDUs) > 0 {
				curFrame.Frame.PDUs[len(curFrame.Frame.PDUs)-1].HasNext = true
			}
			curFrame.Frame.PDUs = append(curFrame.Frame.PDUs, pdu)
			curFrame.PDUs = append(curFrame.PDUs, meta)
			curLen += pduLen
		}
	}
	flush()
	return list
}

// expand turns each enabled register into the set of byte addresses it
// occupies (multi-byte registers expand to consecutive addresses).
func expand(visibility map[dataobject.Register]bool) []uint16 {
	seen := map[uint16]bool{}
	for reg, enabled := range visibility {
		if !enabled {
			continue
		}
		size := dataobject.RegisterByteSize(reg)
		addr := reg.Address()
		for i := 0; i < size; i++ {
			seen[addr+uint16(i)] = true
		}
	}
	addrs := make([]uint16, 0, len(seen))
	for a := range seen {
		addrs = append(addrs, a)
	}
	sort.Slice(addrs, func(i, j int) bool { return addrs[i] < addrs[j] })
	return addrs
}

// coalesce merges adjacent addresses into intervals, starting a new
// interval when the gap to the next address costs more bytes than
// opening a new PDU would (gap > PDUOverheadBytes).
func coalesce(addrs []uint16) []interval {
	if len(addrs) == 0 {
		return nil
	}
	var out []interval
	start := addrs[0]
	end := addrs[0] + 1
	for _, a := range addrs[1:] {
		gap := int(a) - int(end)
		if gap > PDUOverheadBytes {
			out = append(out, interval{start: start, length: end - start})
			start = a
			end = a + 1
			continue
		}
		end = a + 1
	}
	out = append(out, interval{start: start, length: end - start})
	return out
}

// regOffsetsIn records, for every enabled register whose byte range lies
// fully within iv, the frame offset its value lands at after the PDU's
// data region (which begins at dataOffset).
func regOffsetsIn(visibility map[dataobject.Register]bool, iv interval, dataOffset int) map[dataobject.Register]int {
	out := map[dataobject.Register]int{}
	for reg, enabled := range visibility {
		if !enabled {
			continue
		}
		size := uint16(dataobject.RegisterByteSize(reg))
		addr := reg.Address()
		if addr >= iv.start && addr+size <= iv.start+iv.length {
			out[reg] = dataOffset + int(addr-iv.start)
		}
	}
	return out
}
