package bus

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/resident-x/go-waterfurnace/internal/protocol"
	"github.com/resident-x/go-waterfurnace/internal/registers"
)

func TestMergeToRanges(t *testing.T) {
	tests := []struct {
		name   string
		addrs  []uint16
		maxGap uint16
		want   []protocol.Range
	}{
		{"empty", nil, DefaultMaxGap, nil},
		{"single", []uint16{100}, DefaultMaxGap, []protocol.Range{{Start: 100, Count: 1}}},
		{"adjacent", []uint16{10, 11, 12, 13}, DefaultMaxGap, []protocol.Range{{Start: 10, Count: 4}}},
		{"small gap merged", []uint16{10, 15}, DefaultMaxGap, []protocol.Range{{Start: 10, Count: 6}}},
		{"exact gap merged", []uint16{10, 18}, DefaultMaxGap, []protocol.Range{{Start: 10, Count: 9}}},
		{"large gap split", []uint16{10, 19}, DefaultMaxGap, []protocol.Range{{Start: 10, Count: 1}, {Start: 19, Count: 1}}},
		{"custom gap splits", []uint16{10, 15}, 4, []protocol.Range{{Start: 10, Count: 1}, {Start: 15, Count: 1}}},
		{"unsorted with duplicates", []uint16{13, 10, 11, 11}, DefaultMaxGap, []protocol.Range{{Start: 10, Count: 4}}},
		{
			"multiple ranges",
			[]uint16{6, 19, 20, 25, 26, 27, 28, 29, 30, 31, 344, 362},
			DefaultMaxGap,
			[]protocol.Range{{Start: 6, Count: 1}, {Start: 19, Count: 13}, {Start: 344, Count: 1}, {Start: 362, Count: 1}},
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			got := MergeToRanges(tt.addrs, tt.maxGap)
			if tt.want == nil {
				assert.Empty(t, got)
				return
			}
			assert.Equal(t, tt.want, got)
		})
	}
}

func TestMergeToRangesCoversEveryAddressOnce(t *testing.T) {
	addrs := []uint16{6, 19, 20, 25, 26, 27, 28, 29, 30, 31, 344, 362, 502, 567, 740, 741, 742, 745, 746, 747}
	ranges := MergeToRanges(addrs, DefaultMaxGap)

	for _, addr := range addrs {
		hits := 0
		for _, r := range ranges {
			if addr >= r.Start && addr <= r.End() {
				hits++
			}
		}
		assert.Equal(t, 1, hits, "address %d", addr)
	}
}

func listen(addr uint16, capability registers.Capability) Registration {
	return Registration{Address: addr, Capability: capability}
}

func polled(groups []PollGroup) map[uint16]int {
	seen := make(map[uint16]int)
	for _, g := range groups {
		for _, a := range g.Addresses() {
			seen[a]++
		}
	}
	return seen
}

func assertWellFormed(t *testing.T, groups []PollGroup) {
	t.Helper()
	for i, g := range groups {
		hasRanges, hasIndividual := len(g.Ranges) > 0, len(g.Individual) > 0
		assert.True(t, hasRanges != hasIndividual, "group %d must use exactly one addressing style", i)
		assert.LessOrEqual(t, g.Size(), DefaultMaxGroupSize, "group %d too large", i)
	}
}

func TestBuildPollGroups(t *testing.T) {
	awlAXB := registers.Flags{AWLAXB: true}

	t.Run("no listeners", func(t *testing.T) {
		assert.Empty(t, BuildPollGroups(nil, awlAXB))
	})

	t.Run("single listener", func(t *testing.T) {
		groups := BuildPollGroups([]Registration{listen(30, registers.None)}, awlAXB)
		require.Len(t, groups, 1)
		assert.Equal(t, []uint16{30}, groups[0].Addresses())
	})

	t.Run("nearby addresses merge", func(t *testing.T) {
		regs := []Registration{
			listen(19, registers.None), listen(20, registers.None), listen(25, registers.None),
			listen(30, registers.None), listen(31, registers.None),
		}
		groups := BuildPollGroups(regs, awlAXB)
		require.Len(t, groups, 1)
		assert.Equal(t, []protocol.Range{{Start: 19, Count: 13}}, groups[0].Ranges)
	})

	t.Run("segment B reads individually", func(t *testing.T) {
		groups := BuildPollGroups([]Registration{listen(12100, registers.None), listen(12200, registers.None)}, awlAXB)
		require.Len(t, groups, 1)
		assert.Equal(t, []uint16{12100, 12200}, groups[0].Individual)
		assert.Empty(t, groups[0].Ranges)
		assert.Equal(t, byte(protocol.FuncReadRegisters), groups[0].Function())
	})

	t.Run("thermostat config registers stay in segment A", func(t *testing.T) {
		flags := registers.Flags{AWLAXB: true, AWLThermostat: true}
		regs := []Registration{listen(12005, registers.AWLThermostat), listen(12006, registers.AWLThermostat)}
		groups := BuildPollGroups(regs, flags)
		require.Len(t, groups, 1)
		assert.Equal(t, []protocol.Range{{Start: 12005, Count: 2}}, groups[0].Ranges)
		assert.Equal(t, byte(protocol.FuncReadRanges), groups[0].Function())
	})

	t.Run("iz2 in its own group", func(t *testing.T) {
		regs := []Registration{listen(30, registers.None), listen(31007, registers.None), listen(31008, registers.None)}
		groups := BuildPollGroups(regs, awlAXB)
		require.Len(t, groups, 2)
		assert.Equal(t, []uint16{31007, 31008}, groups[1].Addresses())
	})

	t.Run("split at 25 registers", func(t *testing.T) {
		var regs []Registration
		for i := uint16(0); i < 30; i++ {
			regs = append(regs, listen(i*20, registers.None))
		}
		groups := BuildPollGroups(regs, awlAXB)
		require.Len(t, groups, 2)
		assert.Len(t, groups[0].Ranges, 25)
		assert.Len(t, groups[1].Ranges, 5)
		assertWellFormed(t, groups)
	})

	t.Run("long range is cut at the ceiling", func(t *testing.T) {
		var regs []Registration
		for a := uint16(1100); a < 1140; a++ {
			regs = append(regs, listen(a, registers.None))
		}
		groups := BuildPollGroups(regs, awlAXB)
		require.Len(t, groups, 2)
		assert.Equal(t, 25, groups[0].Size())
		assert.Equal(t, 15, groups[1].Size())
		assertWellFormed(t, groups)
	})

	t.Run("duplicates polled once", func(t *testing.T) {
		regs := []Registration{listen(30, registers.None), listen(30, registers.None), listen(30, registers.None)}
		groups := BuildPollGroups(regs, awlAXB)
		require.Len(t, groups, 1)
		assert.Equal(t, 1, groups[0].Size())
	})

	t.Run("address eligible if any registration is satisfied", func(t *testing.T) {
		regs := []Registration{listen(362, registers.VSDrive), listen(362, registers.None)}
		groups := BuildPollGroups(regs, awlAXB)
		assert.Equal(t, 1, polled(groups)[362])
	})

	t.Run("740 rewritten to 567 without AWL AXB", func(t *testing.T) {
		groups := BuildPollGroups([]Registration{listen(740, registers.None)}, registers.Flags{})
		seen := polled(groups)
		assert.Equal(t, 1, seen[567])
		assert.Zero(t, seen[740])
	})

	t.Run("740 kept with AWL AXB", func(t *testing.T) {
		groups := BuildPollGroups([]Registration{listen(740, registers.None)}, awlAXB)
		assert.Equal(t, 1, polled(groups)[740])
	})

	t.Run("mixed segments in order", func(t *testing.T) {
		regs := []Registration{
			listen(30, registers.None), listen(31, registers.None),
			listen(12100, registers.None), listen(12200, registers.None),
			listen(31007, registers.None), listen(31008, registers.None),
		}
		groups := BuildPollGroups(regs, awlAXB)
		require.Len(t, groups, 3)
		assert.NotEmpty(t, groups[0].Ranges)
		assert.NotEmpty(t, groups[1].Individual)
		assert.NotEmpty(t, groups[2].Ranges)
		assertWellFormed(t, groups)
	})
}

func TestBuildPollGroupsCapabilityGating(t *testing.T) {
	tests := []struct {
		name     string
		flags    registers.Flags
		regs     []Registration
		polled   []uint16
		unpolled []uint16
	}{
		{
			name:     "thermostat missing",
			flags:    registers.Flags{AWLAXB: true},
			regs:     []Registration{listen(30, registers.None), listen(502, registers.AWLThermostat), listen(745, registers.AWLThermostat)},
			polled:   []uint16{30},
			unpolled: []uint16{502, 745},
		},
		{
			name:     "vs drive missing",
			flags:    registers.Flags{AWLAXB: true},
			regs:     []Registration{listen(30, registers.None), listen(3001, registers.VSDrive), listen(3327, registers.VSDrive)},
			polled:   []uint16{30},
			unpolled: []uint16{3001, 3327},
		},
		{
			name:     "vs drive present",
			flags:    registers.Flags{AWLAXB: true, HasVSDrive: true},
			regs:     []Registration{listen(30, registers.None), listen(3001, registers.VSDrive)},
			polled:   []uint16{30, 3001},
		},
		{
			name:     "axb missing",
			flags:    registers.Flags{},
			regs:     []Registration{listen(30, registers.None), listen(1111, registers.AXB), listen(1110, registers.AXB)},
			polled:   []uint16{30},
			unpolled: []uint16{1110, 1111},
		},
		{
			name:     "energy missing",
			flags:    registers.Flags{HasAXB: true},
			regs:     []Registration{listen(30, registers.None), listen(1146, registers.Energy), listen(1147, registers.Energy)},
			polled:   []uint16{30},
			unpolled: []uint16{1146, 1147},
		},
		{
			name:   "energy present polls both words",
			flags:  registers.Flags{HasAXB: true, HasEnergyMonitoring: true},
			regs:   []Registration{listen(1146, registers.Energy), listen(1147, registers.Energy)},
			polled: []uint16{1146, 1147},
		},
		{
			name:     "refrigeration missing",
			flags:    registers.Flags{HasAXB: true},
			regs:     []Registration{listen(30, registers.None), listen(1124, registers.Refrigeration)},
			polled:   []uint16{30},
			unpolled: []uint16{1124},
		},
		{
			name:     "iz2 missing",
			flags:    registers.Flags{},
			regs:     []Registration{listen(30, registers.None), listen(31003, registers.IZ2), listen(31005, registers.IZ2)},
			polled:   []uint16{30},
			unpolled: []uint16{31003, 31005},
		},
		{
			name:   "iz2 present",
			flags:  registers.Flags{AWLIZ2: true},
			regs:   []Registration{listen(30, registers.None), listen(31003, registers.IZ2)},
			polled: []uint16{30, 31003},
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			groups := BuildPollGroups(tt.regs, tt.flags)
			seen := polled(groups)
			for _, a := range tt.polled {
				assert.Equal(t, 1, seen[a], "address %d should be polled once", a)
			}
			for _, a := range tt.unpolled {
				assert.Zero(t, seen[a], "address %d should not be polled", a)
			}
			assertWellFormed(t, groups)
		})
	}
}

func TestBuildPollGroupsTypicalSystem(t *testing.T) {
	flags := registers.Flags{AWLThermostat: true, AWLAXB: true}
	regs := []Registration{
		listen(6, registers.None), listen(19, registers.None), listen(20, registers.None),
		listen(25, registers.None), listen(26, registers.None), listen(27, registers.None),
		listen(28, registers.None), listen(30, registers.None), listen(31, registers.None),
		listen(344, registers.None), listen(362, registers.VSDrive),
		listen(502, registers.AWLThermostat), listen(745, registers.AWLThermostat),
		listen(746, registers.AWLThermostat), listen(747, registers.AWLThermostat),
		listen(740, registers.None), listen(741, registers.AWLCommunicating),
		listen(742, registers.AWLCommunicating), listen(900, registers.AWLAXB),
		listen(12005, registers.AWLThermostat), listen(12006, registers.AWLThermostat),
		listen(12150, registers.None), listen(31007, registers.IZ2),
	}

	groups := BuildPollGroups(regs, flags)
	assertWellFormed(t, groups)
	assert.GreaterOrEqual(t, len(groups), 2)

	seen := polled(groups)
	for _, r := range regs {
		if registers.HasCapability(r.Capability, flags) {
			assert.Equal(t, 1, seen[r.Address], "address %d", r.Address)
		} else {
			assert.Zero(t, seen[r.Address], "address %d", r.Address)
		}
	}
}

func TestPollGroupRequest(t *testing.T) {
	g := PollGroup{Ranges: []protocol.Range{{Start: 88, Count: 4}}}
	assert.Equal(t, []byte{0x01, 0x41, 0x00, 0x58, 0x00, 0x04, 0xBD, 0xD5}, g.Request())

	ind := PollGroup{Individual: []uint16{745, 746}}
	assert.Equal(t, protocol.BuildReadRegisters([]uint16{745, 746}), ind.Request())
	assert.Equal(t, 2, ind.Size())
}
