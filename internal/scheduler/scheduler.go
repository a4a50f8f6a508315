// Package scheduler serializes request frames to the ABC board through a
// priority queue, with retries and expiry.
package scheduler

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"sync/atomic"
	"time"

	"github.com/rs/zerolog"

	"github.com/resident-x/go-waterfurnace/internal/protocol"
	"github.com/resident-x/go-waterfurnace/internal/session"
)

// Global counter for unique command IDs
var commandIDCounter uint64

// ErrCommandExpired is returned for commands that were not executed in time.
var ErrCommandExpired = errors.New("command expired before execution")

// ErrNotRunning is returned when submitting to a stopped scheduler.
var ErrNotRunning = errors.New("scheduler is not running")

// Exchanger sends one request frame and returns the raw reply frame.
type Exchanger interface {
	Exchange(ctx context.Context, request []byte) ([]byte, error)
}

// CommandPriority defines the priority level for commands.
type CommandPriority int

const (
	PriorityLow CommandPriority = iota
	PriorityNormal
	PriorityHigh
	PriorityUrgent
)

// String returns the string representation of the command priority.
func (p CommandPriority) String() string {
	switch p {
	case PriorityLow:
		return "low"
	case PriorityNormal:
		return "normal"
	case PriorityHigh:
		return "high"
	case PriorityUrgent:
		return "urgent"
	default:
		return "unknown"
	}
}

// CommandType defines the type of command to execute.
type CommandType int

const (
	CommandTypePoll CommandType = iota
	CommandTypeDetect
	CommandTypeRegisterRead
	CommandTypeRegisterWrite
)

// String returns the string representation of the command type.
func (ct CommandType) String() string {
	switch ct {
	case CommandTypePoll:
		return "poll"
	case CommandTypeDetect:
		return "detect"
	case CommandTypeRegisterRead:
		return "register_read"
	case CommandTypeRegisterWrite:
		return "register_write"
	default:
		return "unknown"
	}
}

// ScheduledCommand is one request frame waiting for the bus.
type ScheduledCommand struct {
	ID          string
	Type        CommandType
	Priority    CommandPriority
	Frame       []byte
	ScheduledAt time.Time
	ExpiresAt   time.Time
	Retries     int
	MaxRetries  int
	CreatedAt   time.Time
	ExecutedAt  *time.Time
	CompletedAt *time.Time
	Error       error
	Result      *protocol.Response

	done     chan struct{}
	doneOnce sync.Once
}

// IsExpired returns true if the command has expired.
func (sc *ScheduledCommand) IsExpired() bool {
	return time.Now().After(sc.ExpiresAt)
}

// ShouldExecute returns true if the command should be executed now.
func (sc *ScheduledCommand) ShouldExecute() bool {
	return !sc.IsExpired() && !time.Now().Before(sc.ScheduledAt) && sc.ExecutedAt == nil
}

// CanRetry returns true if the command can be retried.
func (sc *ScheduledCommand) CanRetry() bool {
	return sc.Retries < sc.MaxRetries
}

// Wait blocks until the command completes or ctx is done.
func (sc *ScheduledCommand) Wait(ctx context.Context) (*protocol.Response, error) {
	select {
	case <-sc.doneChan():
		return sc.Result, sc.Error
	case <-ctx.Done():
		return nil, ctx.Err()
	}
}

func (sc *ScheduledCommand) doneChan() chan struct{} {
	sc.doneOnce.Do(func() {
		if sc.done == nil {
			sc.done = make(chan struct{})
		}
	})
	return sc.done
}

func (sc *ScheduledCommand) finish(resp *protocol.Response, err error) {
	now := time.Now()
	sc.CompletedAt = &now
	sc.Result = resp
	sc.Error = err
	close(sc.doneChan())
}

// CommandQueue manages a priority queue of scheduled commands.
type CommandQueue struct {
	commands map[CommandPriority][]*ScheduledCommand
	mutex    sync.RWMutex
	logger   zerolog.Logger
}

// NewCommandQueue creates a new command queue.
func NewCommandQueue(logger zerolog.Logger) *CommandQueue {
	return &CommandQueue{
		commands: make(map[CommandPriority][]*ScheduledCommand),
		logger:   logger.With().Str("component", "command_queue").Logger(),
	}
}

// Enqueue adds a command to the queue.
func (cq *CommandQueue) Enqueue(cmd *ScheduledCommand) {
	cq.mutex.Lock()
	defer cq.mutex.Unlock()

	cq.commands[cmd.Priority] = append(cq.commands[cmd.Priority], cmd)
	cq.logger.Debug().
		Str("command_id", cmd.ID).
		Str("type", cmd.Type.String()).
		Str("priority", cmd.Priority.String()).
		Msg("Command enqueued")
}

// Dequeue removes and returns the highest priority command that's ready to execute.
// Commands of equal priority leave in FIFO order.
func (cq *CommandQueue) Dequeue() *ScheduledCommand {
	cq.mutex.Lock()
	defer cq.mutex.Unlock()

	priorities := []CommandPriority{PriorityUrgent, PriorityHigh, PriorityNormal, PriorityLow}

	for _, priority := range priorities {
		commands := cq.commands[priority]
		for i, cmd := range commands {
			if cmd.ShouldExecute() {
				cq.commands[priority] = append(commands[:i], commands[i+1:]...)
				cq.logger.Debug().
					Str("command_id", cmd.ID).
					Str("type", cmd.Type.String()).
					Msg("Command dequeued")
				return cmd
			}
		}
	}

	return nil
}

// CleanupExpired removes expired commands from the queue and fails them.
func (cq *CommandQueue) CleanupExpired() int {
	cq.mutex.Lock()
	var expired []*ScheduledCommand
	for priority := range cq.commands {
		var active []*ScheduledCommand
		for _, cmd := range cq.commands[priority] {
			if !cmd.IsExpired() {
				active = append(active, cmd)
			} else {
				expired = append(expired, cmd)
			}
		}
		cq.commands[priority] = active
	}
	cq.mutex.Unlock()

	for _, cmd := range expired {
		cq.logger.Debug().
			Str("command_id", cmd.ID).
			Str("type", cmd.Type.String()).
			Msg("Expired command removed")
		cmd.finish(nil, ErrCommandExpired)
	}
	if len(expired) > 0 {
		cq.logger.Info().Int("count", len(expired)).Msg("Cleaned up expired commands")
	}
	return len(expired)
}

// Drain removes every queued command and fails it with err.
func (cq *CommandQueue) Drain(err error) int {
	cq.mutex.Lock()
	var all []*ScheduledCommand
	for priority, commands := range cq.commands {
		all = append(all, commands...)
		delete(cq.commands, priority)
	}
	cq.mutex.Unlock()

	for _, cmd := range all {
		cmd.finish(nil, err)
	}
	return len(all)
}

// GetQueueLength returns the total number of commands in the queue.
func (cq *CommandQueue) GetQueueLength() int {
	cq.mutex.RLock()
	defer cq.mutex.RUnlock()

	total := 0
	for _, commands := range cq.commands {
		total += len(commands)
	}
	return total
}

// GetQueueLengthByPriority returns the number of commands for each priority.
func (cq *CommandQueue) GetQueueLengthByPriority() map[CommandPriority]int {
	cq.mutex.RLock()
	defer cq.mutex.RUnlock()

	result := make(map[CommandPriority]int)
	for priority, commands := range cq.commands {
		result[priority] = len(commands)
	}
	return result
}

// CommandScheduler executes queued commands one at a time; the board bus
// is half duplex.
type CommandScheduler struct {
	queue     *CommandQueue
	exchanger Exchanger
	session   *session.Session
	logger    zerolog.Logger
	ticker    *time.Ticker
	wake      chan struct{}
	stopChan  chan struct{}
	wg        sync.WaitGroup
	isRunning bool
	mutex     sync.RWMutex

	// Configuration
	tickInterval    time.Duration
	defaultTimeout  time.Duration
	defaultRetries  int
	retryBackoff    time.Duration
	cleanupInterval time.Duration

	// Metrics
	commandsExecuted int64
	commandsFailed   int64
	commandsRetried  int64
}

// SchedulerConfig holds configuration for the command scheduler.
type SchedulerConfig struct {
	TickInterval    time.Duration
	DefaultTimeout  time.Duration
	DefaultRetries  int
	RetryBackoff    time.Duration
	CleanupInterval time.Duration
}

// DefaultSchedulerConfig returns a default scheduler configuration.
func DefaultSchedulerConfig() *SchedulerConfig {
	return &SchedulerConfig{
		TickInterval:    50 * time.Millisecond,
		DefaultTimeout:  30 * time.Second,
		DefaultRetries:  2,
		RetryBackoff:    200 * time.Millisecond,
		CleanupInterval: time.Second,
	}
}

// NewCommandScheduler creates a new command scheduler.
func NewCommandScheduler(
	exchanger Exchanger,
	sess *session.Session,
	config *SchedulerConfig,
	logger zerolog.Logger,
) *CommandScheduler {
	if config == nil {
		config = DefaultSchedulerConfig()
	}

	return &CommandScheduler{
		queue:           NewCommandQueue(logger),
		exchanger:       exchanger,
		session:         sess,
		logger:          logger.With().Str("component", "command_scheduler").Logger(),
		wake:            make(chan struct{}, 1),
		tickInterval:    config.TickInterval,
		defaultTimeout:  config.DefaultTimeout,
		defaultRetries:  config.DefaultRetries,
		retryBackoff:    config.RetryBackoff,
		cleanupInterval: config.CleanupInterval,
	}
}

// Start begins the command scheduler.
func (cs *CommandScheduler) Start(ctx context.Context) error {
	cs.mutex.Lock()
	defer cs.mutex.Unlock()

	if cs.isRunning {
		return fmt.Errorf("scheduler is already running")
	}

	cs.ticker = time.NewTicker(cs.tickInterval)
	cs.stopChan = make(chan struct{})
	cs.isRunning = true

	cs.wg.Add(2)
	go cs.executionLoop(ctx, cs.stopChan)
	go cs.maintenanceLoop(ctx, cs.stopChan)

	cs.logger.Info().
		Dur("tick_interval", cs.tickInterval).
		Int("retries", cs.defaultRetries).
		Msg("Command scheduler started")

	return nil
}

// Stop shuts down the command scheduler and fails any queued commands.
func (cs *CommandScheduler) Stop() error {
	cs.mutex.Lock()
	if !cs.isRunning {
		cs.mutex.Unlock()
		return ErrNotRunning
	}
	close(cs.stopChan)
	cs.ticker.Stop()
	cs.isRunning = false
	cs.mutex.Unlock()

	cs.wg.Wait()
	cs.queue.Drain(ErrNotRunning)

	cs.logger.Info().Msg("Command scheduler stopped")
	return nil
}

// IsRunning reports whether the scheduler is started.
func (cs *CommandScheduler) IsRunning() bool {
	cs.mutex.RLock()
	defer cs.mutex.RUnlock()
	return cs.isRunning
}

// ScheduleCommand adds a command to the execution queue.
func (cs *CommandScheduler) ScheduleCommand(cmd *ScheduledCommand) error {
	if len(cmd.Frame) == 0 {
		return fmt.Errorf("command has no frame")
	}
	if cmd.ID == "" {
		cmd.ID = generateCommandID()
	}
	now := time.Now()
	if cmd.CreatedAt.IsZero() {
		cmd.CreatedAt = now
	}
	if cmd.ScheduledAt.IsZero() {
		cmd.ScheduledAt = now
	}
	if cmd.ExpiresAt.IsZero() {
		cmd.ExpiresAt = now.Add(cs.defaultTimeout)
	}
	if cmd.MaxRetries == 0 {
		cmd.MaxRetries = cs.defaultRetries
	}
	cmd.doneChan()

	cs.queue.Enqueue(cmd)
	cs.signal()
	return nil
}

// Submit queues frame and waits for its decoded reply.
func (cs *CommandScheduler) Submit(ctx context.Context, typ CommandType, priority CommandPriority, frame []byte) (*protocol.Response, error) {
	if !cs.IsRunning() {
		return nil, ErrNotRunning
	}
	cmd := &ScheduledCommand{Type: typ, Priority: priority, Frame: frame}
	if deadline, ok := ctx.Deadline(); ok {
		cmd.ExpiresAt = deadline
	}
	if err := cs.ScheduleCommand(cmd); err != nil {
		return nil, err
	}
	return cmd.Wait(ctx)
}

// GetMetrics returns current scheduler metrics.
func (cs *CommandScheduler) GetMetrics() map[string]interface{} {
	return map[string]interface{}{
		"is_running":        cs.IsRunning(),
		"queue_length":      cs.queue.GetQueueLength(),
		"queue_by_priority": cs.queue.GetQueueLengthByPriority(),
		"commands_executed": atomic.LoadInt64(&cs.commandsExecuted),
		"commands_failed":   atomic.LoadInt64(&cs.commandsFailed),
		"commands_retried":  atomic.LoadInt64(&cs.commandsRetried),
	}
}

func (cs *CommandScheduler) signal() {
	select {
	case cs.wake <- struct{}{}:
	default:
	}
}

// executionLoop handles command execution.
func (cs *CommandScheduler) executionLoop(ctx context.Context, stop <-chan struct{}) {
	defer cs.wg.Done()

	for {
		select {
		case <-ctx.Done():
			return
		case <-stop:
			return
		case <-cs.wake:
			cs.processCommands(ctx)
		case <-cs.ticker.C:
			cs.processCommands(ctx)
		}
	}
}

// maintenanceLoop handles periodic maintenance tasks.
func (cs *CommandScheduler) maintenanceLoop(ctx context.Context, stop <-chan struct{}) {
	defer cs.wg.Done()

	cleanupTicker := time.NewTicker(cs.cleanupInterval)
	defer cleanupTicker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-stop:
			return
		case <-cleanupTicker.C:
			cs.queue.CleanupExpired()
		}
	}
}

// processCommands drains every ready command.
func (cs *CommandScheduler) processCommands(ctx context.Context) {
	for ctx.Err() == nil {
		cmd := cs.queue.Dequeue()
		if cmd == nil {
			return
		}
		cs.executeCommand(ctx, cmd)
	}
}

// executeCommand executes a single command.
func (cs *CommandScheduler) executeCommand(ctx context.Context, cmd *ScheduledCommand) {
	now := time.Now()
	cmd.ExecutedAt = &now

	cs.logger.Debug().
		Str("command_id", cmd.ID).
		Str("type", cmd.Type.String()).
		Str("frame", protocol.FormatFrameHex(cmd.Frame)).
		Msg("Executing command")

	resp, err := cs.exchange(ctx, cmd.Frame)
	if err != nil {
		cmd.Error = err
		var devErr *protocol.DeviceError
		if !errors.As(err, &devErr) && cmd.CanRetry() && ctx.Err() == nil {
			cs.retryCommand(cmd)
		} else {
			cs.recordCommandFailure(cmd)
			cmd.finish(nil, err)
		}
		return
	}

	atomic.AddInt64(&cs.commandsExecuted, 1)
	cmd.finish(resp, nil)

	cs.logger.Debug().
		Str("command_id", cmd.ID).
		Str("type", cmd.Type.String()).
		Dur("duration", cmd.CompletedAt.Sub(*cmd.ExecutedAt)).
		Msg("Command completed successfully")
}

func (cs *CommandScheduler) exchange(ctx context.Context, frame []byte) (*protocol.Response, error) {
	cs.session.RecordRequest(len(frame))
	raw, err := cs.exchanger.Exchange(ctx, frame)
	if err != nil {
		err = fmt.Errorf("failed to exchange frame: %w", err)
		cs.session.RecordError(err)
		return nil, err
	}
	resp, err := protocol.DecodeResponse(raw)
	if err != nil {
		err = fmt.Errorf("failed to decode reply: %w", err)
		cs.session.RecordError(err)
		return nil, err
	}
	if resp.Function != frame[1] {
		err = fmt.Errorf("failed to match reply: %w: sent 0x%02X, got 0x%02X",
			protocol.ErrUnexpectedFunction, frame[1], resp.Function)
		cs.session.RecordError(err)
		return nil, err
	}
	cs.session.RecordResponse(len(raw))
	return resp, nil
}

// retryCommand reschedules a failed command for retry.
func (cs *CommandScheduler) retryCommand(cmd *ScheduledCommand) {
	cmd.Retries++
	cmd.ExecutedAt = nil
	cmd.ScheduledAt = time.Now().Add(time.Duration(cmd.Retries) * cs.retryBackoff)

	cs.queue.Enqueue(cmd)
	atomic.AddInt64(&cs.commandsRetried, 1)

	cs.logger.Warn().
		Str("command_id", cmd.ID).
		Str("type", cmd.Type.String()).
		Int("retry", cmd.Retries).
		Int("max_retries", cmd.MaxRetries).
		Err(cmd.Error).
		Msg("Retrying command")
}

// recordCommandFailure records a failed command.
func (cs *CommandScheduler) recordCommandFailure(cmd *ScheduledCommand) {
	atomic.AddInt64(&cs.commandsFailed, 1)

	cs.logger.Error().
		Str("command_id", cmd.ID).
		Str("type", cmd.Type.String()).
		Int("retries", cmd.Retries).
		Err(cmd.Error).
		Msg("Command failed after retries")
}

// generateCommandID generates a unique command ID.
func generateCommandID() string {
	// Use atomic counter to ensure uniqueness even with concurrent calls
	counter := atomic.AddUint64(&commandIDCounter, 1)
	return fmt.Sprintf("cmd_%d_%d", time.Now().UnixNano(), counter)
}
