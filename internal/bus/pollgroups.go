package bus

import (
	"sort"

	"github.com/resident-x/go-waterfurnace/internal/protocol"
	"github.com/resident-x/go-waterfurnace/internal/registers"
)

// Poll group limits.
const (
	DefaultMaxGap       = 8
	DefaultMaxGroupSize = 25
)

// PollGroup is one request/reply round trip. Exactly one of Ranges and
// Individual is non-empty.
type PollGroup struct {
	Ranges     []protocol.Range `json:"ranges,omitempty"`
	Individual []uint16         `json:"individual,omitempty"`
}

// Function returns the function code used to read the group.
func (g PollGroup) Function() byte {
	if len(g.Individual) > 0 {
		return protocol.FuncReadRegisters
	}
	return protocol.FuncReadRanges
}

// Request builds the read frame for the group.
func (g PollGroup) Request() []byte {
	if len(g.Individual) > 0 {
		return protocol.BuildReadRegisters(g.Individual)
	}
	return protocol.BuildReadRanges(g.Ranges)
}

// Addresses expands the group into the addresses its reply values map onto, in order.
func (g PollGroup) Addresses() []uint16 {
	if len(g.Individual) > 0 {
		return append([]uint16(nil), g.Individual...)
	}
	var addrs []uint16
	for _, r := range g.Ranges {
		for i := uint16(0); i < r.Count; i++ {
			addrs = append(addrs, r.Start+i)
		}
	}
	return addrs
}

// Size returns the number of registers the group reads.
func (g PollGroup) Size() int {
	if len(g.Individual) > 0 {
		return len(g.Individual)
	}
	n := 0
	for _, r := range g.Ranges {
		n += int(r.Count)
	}
	return n
}

// MergeToRanges folds sorted addresses into ranges. An address within
// maxGap of the current range end extends it; a larger gap starts a new range.
func MergeToRanges(addrs []uint16, maxGap uint16) []protocol.Range {
	if len(addrs) == 0 {
		return nil
	}
	sorted := append([]uint16(nil), addrs...)
	sort.Slice(sorted, func(i, j int) bool { return sorted[i] < sorted[j] })

	ranges := []protocol.Range{{Start: sorted[0], Count: 1}}
	for _, addr := range sorted[1:] {
		cur := &ranges[len(ranges)-1]
		end := cur.End()
		switch {
		case addr <= end:
			// duplicate
		case uint32(addr)-uint32(end) <= uint32(maxGap):
			cur.Count = addr - cur.Start + 1
		default:
			ranges = append(ranges, protocol.Range{Start: addr, Count: 1})
		}
	}
	return ranges
}

// BuildPollGroups computes the poll groups for regs under flags with the
// default gap and group size.
func BuildPollGroups(regs []Registration, flags registers.Flags) []PollGroup {
	return buildPollGroups(regs, flags, DefaultMaxGap, DefaultMaxGroupSize)
}

func buildPollGroups(regs []Registration, flags registers.Flags, maxGap uint16, maxSize int) []PollGroup {
	if maxSize <= 0 {
		maxSize = DefaultMaxGroupSize
	}

	eligible := make(map[uint16]struct{})
	for _, r := range regs {
		if !registers.HasCapability(r.Capability, flags) {
			continue
		}
		addr := r.Address
		if addr == registers.RegEnteringAir && !flags.AWLAXB {
			addr = registers.RegEnteringAirABC
		}
		eligible[addr] = struct{}{}
	}

	var segA, segB, segC, segIZ2 []uint16
	for addr := range eligible {
		switch {
		case addr < registers.Breakpoint1:
			segA = append(segA, addr)
		case addr < registers.Breakpoint2:
			segB = append(segB, addr)
		case addr < registers.HighZoneBase:
			segC = append(segC, addr)
		default:
			segIZ2 = append(segIZ2, addr)
		}
	}

	var groups []PollGroup
	groups = append(groups, splitRanges(MergeToRanges(segA, maxGap), maxSize)...)
	groups = append(groups, splitIndividual(segB, maxSize)...)
	tail := append(MergeToRanges(segC, maxGap), MergeToRanges(segIZ2, maxGap)...)
	groups = append(groups, splitRanges(tail, maxSize)...)
	return groups
}

// splitRanges packs ranges into groups of at most maxSize registers. A
// range is only cut when it alone exceeds the ceiling.
func splitRanges(ranges []protocol.Range, maxSize int) []PollGroup {
	var groups []PollGroup
	var cur PollGroup
	size := 0

	flush := func() {
		if len(cur.Ranges) > 0 {
			groups = append(groups, cur)
		}
		cur = PollGroup{}
		size = 0
	}

	for _, r := range ranges {
		for r.Count > 0 {
			room := maxSize - size
			if room <= 0 || (int(r.Count) <= maxSize && int(r.Count) > room) {
				flush()
				room = maxSize
			}
			take := int(r.Count)
			if take > room {
				take = room
			}
			cur.Ranges = append(cur.Ranges, protocol.Range{Start: r.Start, Count: uint16(take)})
			size += take
			r.Start += uint16(take)
			r.Count -= uint16(take)
		}
	}
	flush()
	return groups
}

func splitIndividual(addrs []uint16, maxSize int) []PollGroup {
	sort.Slice(addrs, func(i, j int) bool { return addrs[i] < addrs[j] })
	var groups []PollGroup
	for len(addrs) > 0 {
		n := len(addrs)
		if n > maxSize {
			n = maxSize
		}
		groups = append(groups, PollGroup{Individual: append([]uint16(nil), addrs[:n]...)})
		addrs = addrs[n:]
	}
	return groups
}
