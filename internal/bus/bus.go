// Package bus provides the register bus: last-known register values,
// listener dispatch, write cooldowns and poll group construction.
package bus

import (
	"context"
	"fmt"
	"sort"
	"sync"
	"time"

	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"

	"github.com/resident-x/go-waterfurnace/internal/registers"
)

// DefaultWriteCooldown is how long read-backs for a written category are ignored.
const DefaultWriteCooldown = 10 * time.Second

// Listener receives raw register values.
type Listener func(value uint16)

// Writer sends a register write to the board.
type Writer interface {
	WriteRegister(ctx context.Context, addr, value uint16) error
}

// Registration is one listener's interest in an address.
type Registration struct {
	Address    uint16
	Capability registers.Capability
}

type listenerEntry struct {
	Registration
	fn Listener
}

type cooldownKey struct {
	category Category
	zone     int
}

// Bus routes register values from the poller to entities and entity writes
// back to the board. It is safe for concurrent use; Dispatch calls are
// serialized so listeners never run concurrently with each other.
type Bus struct {
	mu         sync.Mutex
	dispatchMu sync.Mutex

	listeners  []listenerEntry
	values     map[uint16]uint16
	lastWrite  map[cooldownKey]time.Time
	flags      registers.Flags
	pollGroups []PollGroup
	forwarding bool

	writer       Writer
	logger       zerolog.Logger
	now          func() time.Time
	cooldown     time.Duration
	maxGap       uint16
	maxGroupSize int
}

// Option configures a Bus.
type Option func(*Bus)

// WithClock overrides the time source used for cooldowns.
func WithClock(now func() time.Time) Option {
	return func(b *Bus) { b.now = now }
}

// WithCooldown overrides the write cooldown window.
func WithCooldown(d time.Duration) Option {
	return func(b *Bus) { b.cooldown = d }
}

// WithMaxGap overrides the range merge gap.
func WithMaxGap(gap uint16) Option {
	return func(b *Bus) { b.maxGap = gap }
}

// WithMaxGroupSize overrides the per-group register ceiling.
func WithMaxGroupSize(n int) Option {
	return func(b *Bus) { b.maxGroupSize = n }
}

// New creates an empty bus.
func New(opts ...Option) *Bus {
	b := &Bus{
		values:       make(map[uint16]uint16),
		lastWrite:    make(map[cooldownKey]time.Time),
		logger:       log.With().Str("component", "bus").Logger(),
		now:          time.Now,
		cooldown:     DefaultWriteCooldown,
		maxGap:       DefaultMaxGap,
		maxGroupSize: DefaultMaxGroupSize,
	}
	for _, opt := range opts {
		opt(b)
	}
	return b
}

// SetWriter attaches the write path.
func (b *Bus) SetWriter(w Writer) {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.writer = w
}

// RegisterListener adds a listener for addr. Nothing is dispatched until
// the next value for addr arrives.
func (b *Bus) RegisterListener(addr uint16, capability registers.Capability, fn Listener) {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.listeners = append(b.listeners, listenerEntry{
		Registration: Registration{Address: addr, Capability: capability},
		fn:           fn,
	})
}

// Registrations returns every registration in registration order.
func (b *Bus) Registrations() []Registration {
	b.mu.Lock()
	defer b.mu.Unlock()
	regs := make([]Registration, len(b.listeners))
	for i, l := range b.listeners {
		regs[i] = l.Registration
	}
	return regs
}

// Dispatch records value for addr, then calls every listener at addr whose
// capability is satisfied, in registration order.
func (b *Bus) Dispatch(addr, value uint16) {
	b.dispatchMu.Lock()
	defer b.dispatchMu.Unlock()
	b.dispatch(addr, value)
}

func (b *Bus) dispatch(addr, value uint16) {
	b.mu.Lock()
	b.values[addr] = value
	flags := b.flags
	var targets []Listener
	for _, l := range b.listeners {
		if l.Address == addr && registers.HasCapability(l.Capability, flags) {
			targets = append(targets, l.fn)
		}
	}
	b.mu.Unlock()

	for _, fn := range targets {
		fn(value)
	}
}

// Value returns the last-known value of addr.
func (b *Bus) Value(addr uint16) (uint16, bool) {
	b.mu.Lock()
	defer b.mu.Unlock()
	v, ok := b.values[addr]
	return v, ok
}

// Snapshot returns a copy of every last-known value.
func (b *Bus) Snapshot() map[uint16]uint16 {
	b.mu.Lock()
	defer b.mu.Unlock()
	out := make(map[uint16]uint16, len(b.values))
	for k, v := range b.values {
		out[k] = v
	}
	return out
}

// Write stamps the cooldown for the category addr belongs to and sends
// the write to the board.
func (b *Bus) Write(ctx context.Context, addr, value uint16) error {
	b.mu.Lock()
	if cat, zone, ok := ClassifyWrite(addr); ok {
		b.lastWrite[cooldownKey{cat, zone}] = b.now()
	}
	w := b.writer
	b.mu.Unlock()

	b.logger.Debug().
		Uint16("address", addr).
		Uint16("value", value).
		Msg("Register write")

	if w == nil {
		return fmt.Errorf("failed to write register %d: no writer attached", addr)
	}
	if err := w.WriteRegister(ctx, addr, value); err != nil {
		return fmt.Errorf("failed to write register %d: %w", addr, err)
	}
	return nil
}

// InCooldown reports whether a write to category in zone happened less
// than the cooldown window ago. A category never written is never in
// cooldown.
func (b *Bus) InCooldown(category Category, zone int) bool {
	b.mu.Lock()
	defer b.mu.Unlock()
	last, ok := b.lastWrite[cooldownKey{category, zone}]
	if !ok {
		return false
	}
	return b.now().Sub(last) < b.cooldown
}

// Capabilities returns the detected capability flags.
func (b *Bus) Capabilities() registers.Flags {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.flags
}

// HasCapability reports whether c is satisfied by the detected flags.
func (b *Bus) HasCapability(c registers.Capability) bool {
	return registers.HasCapability(c, b.Capabilities())
}

// SetCapabilities stores the detected capability flags.
func (b *Bus) SetCapabilities(f registers.Flags) {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.flags = f
}

// RebuildPollGroups rebuilds the poll groups from the current listeners
// and capability flags. When the legacy entering-air register is
// redirected, a relay re-delivers its values to the original listeners
// for as long as AWL AXB stays undetected.
func (b *Bus) RebuildPollGroups() []PollGroup {
	regs := b.Registrations()

	b.mu.Lock()
	flags := b.flags
	groups := buildPollGroups(regs, flags, b.maxGap, b.maxGroupSize)
	b.pollGroups = groups
	needRelay := !flags.AWLAXB && !b.forwarding && hasAddress(regs, registers.RegEnteringAir)
	if needRelay {
		b.forwarding = true
		b.listeners = append(b.listeners, listenerEntry{
			Registration: Registration{Address: registers.RegEnteringAirABC},
			fn: func(v uint16) {
				if b.Capabilities().AWLAXB {
					return
				}
				b.dispatch(registers.RegEnteringAir, v)
			},
		})
	}
	b.mu.Unlock()

	if needRelay {
		b.logger.Debug().Msg("Relaying entering air from ABC register 567 to 740")
	}
	return groups
}

// PollGroups returns the groups built by the last RebuildPollGroups.
func (b *Bus) PollGroups() []PollGroup {
	b.mu.Lock()
	defer b.mu.Unlock()
	out := make([]PollGroup, len(b.pollGroups))
	copy(out, b.pollGroups)
	return out
}

// PolledAddresses returns every address covered by the current poll groups, sorted.
func (b *Bus) PolledAddresses() []uint16 {
	var addrs []uint16
	for _, g := range b.PollGroups() {
		addrs = append(addrs, g.Addresses()...)
	}
	sort.Slice(addrs, func(i, j int) bool { return addrs[i] < addrs[j] })
	return addrs
}

func hasAddress(regs []Registration, addr uint16) bool {
	for _, r := range regs {
		if r.Address == addr {
			return true
		}
	}
	return false
}
