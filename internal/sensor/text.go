package sensor

import (
	"fmt"
	"sync"

	"github.com/resident-x/go-waterfurnace/internal/domain"
	"github.com/resident-x/go-waterfurnace/internal/registers"
)

// Text sensor kinds.
const (
	TextFault            = "fault"
	TextSystemMode       = "mode"
	TextOutputsAtLockout = "outputs_at_lockout"
	TextInputsAtLockout  = "inputs_at_lockout"
	TextModel            = "model"
	TextSerial           = "serial"
	TextABCProgram       = "abc_program"
)

// TextConfig declares a text sensor.
type TextConfig struct {
	domain.EntityInfo `yaml:",inline"`
	Source            string `yaml:"source"`
}

// TextSensor publishes a string derived from registers or from the
// device identity read at setup.
type TextSensor struct {
	cfg  TextConfig
	sink domain.EntitySink

	mu        sync.Mutex
	last      string
	published bool

	// system mode inputs
	outputs    uint16
	hasOutputs bool
	dehumidify uint16
	delay      uint16
}

// NewTextSensor creates a text sensor publishing to sink.
func NewTextSensor(cfg TextConfig, sink domain.EntitySink) (*TextSensor, error) {
	switch cfg.Source {
	case TextFault, TextSystemMode, TextOutputsAtLockout, TextInputsAtLockout,
		TextModel, TextSerial, TextABCProgram:
	default:
		return nil, fmt.Errorf("unknown text sensor source %q", cfg.Source)
	}
	cfg.Kind = domain.KindTextSensor
	return &TextSensor{cfg: cfg, sink: sink}, nil
}

// Info implements domain.Entity.
func (s *TextSensor) Info() domain.EntityInfo {
	return s.cfg.EntityInfo
}

// Attach registers the listeners the sensor's source needs. Identity
// sources register nothing; they are fed by HandleIdentity.
func (s *TextSensor) Attach(b Bus) {
	switch s.cfg.Source {
	case TextFault:
		b.RegisterListener(registers.RegLastFault, registers.None, func(v uint16) {
			s.publish(registers.FormatFault(v))
		})
	case TextOutputsAtLockout:
		b.RegisterListener(registers.RegOutputsAtLockout, registers.None, func(v uint16) {
			s.publish(registers.FormatBits(v, registers.OutputBits))
		})
	case TextInputsAtLockout:
		b.RegisterListener(registers.RegInputsAtLockout, registers.None, func(v uint16) {
			s.publish(registers.FormatBits(v, registers.InputBits))
		})
	case TextSystemMode:
		b.RegisterListener(registers.RegSystemOutputs, registers.None, s.onOutputs)
		b.RegisterListener(registers.RegActiveDehumidify, registers.VSDrive, s.onDehumidify)
		b.RegisterListener(registers.RegCompressorDelay, registers.None, s.onDelay)
	}
}

// HandleIdentity publishes identity-backed sources once setup completes.
func (s *TextSensor) HandleIdentity(id domain.DeviceIdentity) {
	switch s.cfg.Source {
	case TextModel:
		s.publish(id.Model)
	case TextSerial:
		s.publish(id.Serial)
	case TextABCProgram:
		s.publish(id.ABCProgram)
	}
}

// Text returns the last published text and whether one exists.
func (s *TextSensor) Text() (string, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.last, s.published
}

func (s *TextSensor) onOutputs(v uint16) {
	s.mu.Lock()
	s.outputs = v
	s.hasOutputs = true
	mode := ClassifySystemMode(s.outputs, s.dehumidify, s.delay)
	s.mu.Unlock()
	s.publish(mode)
}

func (s *TextSensor) onDehumidify(v uint16) {
	s.mu.Lock()
	s.dehumidify = v
	ready := s.hasOutputs
	mode := ClassifySystemMode(s.outputs, s.dehumidify, s.delay)
	s.mu.Unlock()
	if ready {
		s.publish(mode)
	}
}

func (s *TextSensor) onDelay(v uint16) {
	s.mu.Lock()
	s.delay = v
	ready := s.hasOutputs
	mode := ClassifySystemMode(s.outputs, s.dehumidify, s.delay)
	s.mu.Unlock()
	if ready {
		s.publish(mode)
	}
}

func (s *TextSensor) publish(text string) {
	s.mu.Lock()
	if s.published && s.last == text {
		s.mu.Unlock()
		return
	}
	s.last = text
	s.published = true
	s.mu.Unlock()

	s.sink.Publish(domain.EntityState{ID: s.cfg.ID, Kind: domain.KindTextSensor, Value: text, Available: true})
}
