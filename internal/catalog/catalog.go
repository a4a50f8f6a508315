// Package catalog declares the default set of entities and builds them
// against a register bus.
package catalog

import (
	_ "embed"
	"fmt"
	"os"
	"sort"
	"sync"

	"github.com/rs/zerolog/log"
	"gopkg.in/yaml.v3"

	"github.com/resident-x/go-waterfurnace/internal/bus"
	"github.com/resident-x/go-waterfurnace/internal/climate"
	"github.com/resident-x/go-waterfurnace/internal/domain"
	"github.com/resident-x/go-waterfurnace/internal/sensor"
)

//go:embed entities.yaml
var defaultEntities []byte

// DHWSwitchID is the id of the hot water switch.
const DHWSwitchID = "dhw_enable"

// Catalog lists entity declarations.
type Catalog struct {
	Sensors       []sensor.Config       `yaml:"sensors"`
	BinarySensors []sensor.BinaryConfig `yaml:"binary_sensors"`
	TextSensors   []sensor.TextConfig   `yaml:"text_sensors"`
	Switches      []sensor.SwitchConfig `yaml:"switches"`
}

// Default returns the embedded catalog.
func Default() (*Catalog, error) {
	return Parse(defaultEntities)
}

// Load reads a catalog from path, or returns the embedded one when path is empty.
func Load(path string) (*Catalog, error) {
	if path == "" {
		return Default()
	}
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("failed to read catalog %s: %w", path, err)
	}
	return Parse(data)
}

// Parse decodes and validates a YAML catalog.
func Parse(data []byte) (*Catalog, error) {
	var c Catalog
	if err := yaml.Unmarshal(data, &c); err != nil {
		return nil, fmt.Errorf("failed to parse catalog: %w", err)
	}
	if err := c.validate(); err != nil {
		return nil, err
	}
	return &c, nil
}

func (c *Catalog) validate() error {
	seen := make(map[string]bool)
	check := func(id string) error {
		if id == "" {
			return fmt.Errorf("catalog entry has no id")
		}
		if seen[id] {
			return fmt.Errorf("duplicate catalog id %q", id)
		}
		seen[id] = true
		return nil
	}

	for _, s := range c.Sensors {
		if err := check(s.ID); err != nil {
			return err
		}
	}
	for _, s := range c.BinarySensors {
		if err := check(s.ID); err != nil {
			return err
		}
		if s.Mask == 0 {
			return fmt.Errorf("binary sensor %q has no mask", s.ID)
		}
	}
	for _, s := range c.TextSensors {
		if err := check(s.ID); err != nil {
			return err
		}
	}
	for _, s := range c.Switches {
		if err := check(s.ID); err != nil {
			return err
		}
	}
	return nil
}

// Len returns the number of declared entities.
func (c *Catalog) Len() int {
	return len(c.Sensors) + len(c.BinarySensors) + len(c.TextSensors) + len(c.Switches)
}

// Infos returns the descriptions of the listed ids that c declares.
func (c *Catalog) Infos(ids ...string) []domain.EntityInfo {
	want := make(map[string]bool, len(ids))
	for _, id := range ids {
		want[id] = true
	}
	var out []domain.EntityInfo
	add := func(info domain.EntityInfo, kind domain.EntityKind) {
		if want[info.ID] {
			info.Kind = kind
			out = append(out, info)
		}
	}
	for _, s := range c.Sensors {
		add(s.EntityInfo, domain.KindSensor)
	}
	for _, s := range c.BinarySensors {
		add(s.EntityInfo, domain.KindBinarySensor)
	}
	for _, s := range c.TextSensors {
		add(s.EntityInfo, domain.KindTextSensor)
	}
	for _, s := range c.Switches {
		add(s.EntityInfo, domain.KindSwitch)
	}
	return out
}

// Without returns a copy of c with the listed ids removed.
func (c *Catalog) Without(ids ...string) *Catalog {
	drop := make(map[string]bool, len(ids))
	for _, id := range ids {
		drop[id] = true
	}
	out := &Catalog{}
	for _, s := range c.Sensors {
		if !drop[s.ID] {
			out.Sensors = append(out.Sensors, s)
		}
	}
	for _, s := range c.BinarySensors {
		if !drop[s.ID] {
			out.BinarySensors = append(out.BinarySensors, s)
		}
	}
	for _, s := range c.TextSensors {
		if !drop[s.ID] {
			out.TextSensors = append(out.TextSensors, s)
		}
	}
	for _, s := range c.Switches {
		if !drop[s.ID] {
			out.Switches = append(out.Switches, s)
		}
	}
	return out
}

// Entities holds the built entities.
type Entities struct {
	Sensors       []*sensor.Sensor
	BinarySensors []*sensor.BinarySensor
	TextSensors   []*sensor.TextSensor
	Switches      map[string]*sensor.Switch

	mu    sync.RWMutex
	zones map[int]*climate.Zone
}

// Build creates every entity in c plus a climate entity per zone number,
// registers their descriptions with store and attaches them to b.
func Build(c *Catalog, b *bus.Bus, store *domain.StateStore, zones []int) (*Entities, error) {
	e := &Entities{
		Switches: make(map[string]*sensor.Switch),
		zones:    make(map[int]*climate.Zone),
	}

	for _, cfg := range c.Sensors {
		s := sensor.NewSensor(cfg, store)
		store.Register(s.Info())
		s.Attach(b)
		e.Sensors = append(e.Sensors, s)
	}
	for _, cfg := range c.BinarySensors {
		s := sensor.NewBinarySensor(cfg, store)
		store.Register(s.Info())
		s.Attach(b)
		e.BinarySensors = append(e.BinarySensors, s)
	}
	for _, cfg := range c.TextSensors {
		s, err := sensor.NewTextSensor(cfg, store)
		if err != nil {
			return nil, fmt.Errorf("failed to build text sensor %s: %w", cfg.ID, err)
		}
		store.Register(s.Info())
		s.Attach(b)
		e.TextSensors = append(e.TextSensors, s)
	}
	for _, cfg := range c.Switches {
		s := sensor.NewSwitch(cfg, store)
		store.Register(s.Info())
		s.Attach(b)
		e.Switches[cfg.ID] = s
	}
	for _, n := range zones {
		if _, err := e.AddZone(n, b, store); err != nil {
			return nil, err
		}
	}

	log.Info().
		Str("component", "catalog").
		Int("sensors", len(e.Sensors)).
		Int("binary_sensors", len(e.BinarySensors)).
		Int("text_sensors", len(e.TextSensors)).
		Int("switches", len(e.Switches)).
		Int("zones", len(e.ZoneNumbers())).
		Msg("Entities built")
	return e, nil
}

// HandleIdentity passes the detected identity to the text sensors that show it.
func (e *Entities) HandleIdentity(id domain.DeviceIdentity) {
	for _, s := range e.TextSensors {
		s.HandleIdentity(id)
	}
}

// AddZone builds and attaches the climate entity for zone n. Adding a zone
// that already exists returns the existing one. Poll groups must be rebuilt
// afterwards for its registers to be read.
func (e *Entities) AddZone(n int, b *bus.Bus, store *domain.StateStore) (*climate.Zone, error) {
	e.mu.Lock()
	defer e.mu.Unlock()
	if z, ok := e.zones[n]; ok {
		return z, nil
	}
	z, err := climate.NewZone(n, store)
	if err != nil {
		return nil, fmt.Errorf("failed to build zone %d: %w", n, err)
	}
	store.Register(z.Info())
	z.Attach(b)
	e.zones[n] = z
	return z, nil
}

// RemoveZone detaches zone n and drops it from store. It returns the
// removed zone's description.
func (e *Entities) RemoveZone(n int, store *domain.StateStore) (domain.EntityInfo, bool) {
	e.mu.Lock()
	defer e.mu.Unlock()
	z, ok := e.zones[n]
	if !ok {
		return domain.EntityInfo{}, false
	}
	z.Detach()
	delete(e.zones, n)
	info := z.Info()
	store.Unregister(info.ID)
	return info, true
}

// Zone returns the climate entity for zone n.
func (e *Entities) Zone(n int) (*climate.Zone, bool) {
	e.mu.RLock()
	defer e.mu.RUnlock()
	z, ok := e.zones[n]
	return z, ok
}

// ZoneNumbers returns the built zone numbers in order.
func (e *Entities) ZoneNumbers() []int {
	e.mu.RLock()
	defer e.mu.RUnlock()
	out := make([]int, 0, len(e.zones))
	for n := range e.zones {
		out = append(out, n)
	}
	sort.Ints(out)
	return out
}

// Switch returns the switch with id.
func (e *Entities) Switch(id string) (*sensor.Switch, bool) {
	s, ok := e.Switches[id]
	return s, ok
}

// Zones returns the climate entities ordered by zone number.
func (e *Entities) Zones() []*climate.Zone {
	var out []*climate.Zone
	for _, n := range e.ZoneNumbers() {
		z, _ := e.Zone(n)
		out = append(out, z)
	}
	return out
}
