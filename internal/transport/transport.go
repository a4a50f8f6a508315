// Package transport carries request and reply frames to the ABC board over
// an RS-485 serial adapter or a TCP serial bridge.
package transport

import (
	"context"
	"errors"
	"fmt"
	"io"
	"net"
	"strings"
	"sync"
	"time"

	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"
	"go.bug.st/serial"

	"github.com/resident-x/go-waterfurnace/internal/protocol"
	"github.com/resident-x/go-waterfurnace/internal/session"
)

// DefaultTimeout bounds one request/reply exchange.
const DefaultTimeout = time.Second

// Conn exchanges frames over a byte stream. Exchanges are serialized.
type Conn struct {
	rw          io.ReadWriteCloser
	reader      io.Reader
	setDeadline func(time.Time) error
	flush       func() error
	timeout     time.Duration
	endpoint    string
	logger      zerolog.Logger
	mu          sync.Mutex
}

// NewConn wraps a stream. When the stream is a net.Conn its deadlines are
// used for timeouts.
func NewConn(rw io.ReadWriteCloser, endpoint string, timeout time.Duration) *Conn {
	if timeout <= 0 {
		timeout = DefaultTimeout
	}
	c := &Conn{
		rw:       rw,
		reader:   rw,
		timeout:  timeout,
		endpoint: endpoint,
		logger:   log.With().Str("component", "transport").Str("endpoint", endpoint).Logger(),
	}
	if nc, ok := rw.(net.Conn); ok {
		c.setDeadline = nc.SetDeadline
	}
	return c
}

// DialTCP connects to a TCP serial bridge.
func DialTCP(ctx context.Context, address string, timeout time.Duration) (*Conn, error) {
	var d net.Dialer
	conn, err := d.DialContext(ctx, "tcp", address)
	if err != nil {
		return nil, fmt.Errorf("failed to dial %s: %w", address, err)
	}
	return NewConn(conn, address, timeout), nil
}

// SerialConfig describes the RS-485 adapter.
type SerialConfig struct {
	Port     string
	BaudRate int
	Parity   string
	Timeout  time.Duration
}

func parseParity(p string) (serial.Parity, error) {
	switch strings.ToLower(p) {
	case "", "even":
		return serial.EvenParity, nil
	case "none":
		return serial.NoParity, nil
	case "odd":
		return serial.OddParity, nil
	}
	return serial.NoParity, fmt.Errorf("unknown parity %q", p)
}

// OpenSerial opens the serial port described by cfg.
func OpenSerial(cfg SerialConfig) (*Conn, error) {
	parity, err := parseParity(cfg.Parity)
	if err != nil {
		return nil, err
	}
	mode := &serial.Mode{
		BaudRate: cfg.BaudRate,
		DataBits: 8,
		Parity:   parity,
		StopBits: serial.OneStopBit,
	}

	port, err := serial.Open(cfg.Port, mode)
	if err != nil {
		return nil, fmt.Errorf("failed to open serial port %s: %w", cfg.Port, err)
	}

	timeout := cfg.Timeout
	if timeout <= 0 {
		timeout = DefaultTimeout
	}
	if err := port.SetReadTimeout(timeout); err != nil {
		port.Close()
		return nil, fmt.Errorf("failed to set read timeout on %s: %w", cfg.Port, err)
	}

	c := NewConn(port, cfg.Port, timeout)
	c.reader = timeoutReader{port}
	c.flush = port.ResetInputBuffer
	return c, nil
}

// timeoutReader turns the serial driver's empty timed-out read into an error.
type timeoutReader struct {
	r io.Reader
}

func (t timeoutReader) Read(p []byte) (int, error) {
	n, err := t.r.Read(p)
	if n == 0 && err == nil {
		return 0, session.ErrTimeout
	}
	return n, err
}

// Endpoint returns the port name or address.
func (c *Conn) Endpoint() string { return c.endpoint }

// Exchange writes request and reads one reply frame.
func (c *Conn) Exchange(ctx context.Context, request []byte) ([]byte, error) {
	c.mu.Lock()
	defer c.mu.Unlock()

	if err := ctx.Err(); err != nil {
		return nil, err
	}
	if c.setDeadline != nil {
		deadline := time.Now().Add(c.timeout)
		if d, ok := ctx.Deadline(); ok && d.Before(deadline) {
			deadline = d
		}
		if err := c.setDeadline(deadline); err != nil {
			return nil, fmt.Errorf("failed to set deadline: %w", err)
		}
	}

	// drop late bytes from a previous timed-out reply
	if c.flush != nil {
		if err := c.flush(); err != nil {
			return nil, fmt.Errorf("failed to flush input: %w", err)
		}
	}

	if _, err := c.rw.Write(request); err != nil {
		return nil, fmt.Errorf("failed to write request: %w", err)
	}

	reply, err := protocol.ReadFrame(c.reader)
	if err != nil {
		var ne net.Error
		if errors.As(err, &ne) && ne.Timeout() {
			return nil, fmt.Errorf("%w: %v", session.ErrTimeout, ne)
		}
		return nil, err
	}

	c.logger.Debug().
		Str("request", protocol.FormatFrameHex(request)).
		Str("reply", protocol.FormatFrameHex(reply)).
		Msg("Frame exchanged")
	return reply, nil
}

// Close closes the underlying stream.
func (c *Conn) Close() error {
	return c.rw.Close()
}
