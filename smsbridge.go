// Package smsbridge drives a cellular modem over a byte-oriented serial
// transport and exposes SMS send/receive to the rest of the application
// through two bounded queues. It implements a state machine with the
// following states: Off, PoweringOn, Initializing, Registering, Ready,
// Error, and SendingSMS. A dedicated background worker owns the transport
// and performs every AT transaction: hardware bring-up, the initialization
// script, network registration, steady-state polling, and outgoing sends.
// The foreground only ever touches the queues and the status accessors, so
// it never blocks on modem I/O.
//
// Example usage:
//
//	config := &smsbridge.Config{
//		Open: func() (io.ReadWriteCloser, error) {
//			return serial.Open("/dev/ttyUSB0", &serial.Mode{BaudRate: 115200})
//		},
//		Pins: smsbridge.NopPins{},
//	}
//	bridge, err := smsbridge.New(config)
//	if err != nil {
//		log.Fatal(err)
//	}
//	bridge.Start()
//	defer bridge.Shutdown()
package smsbridge

import (
	"context"
	"errors"
	"io"
	"log/slog"
	"sync"
	"time"
)

var (
	// ErrConfigRequired is returned when a required configuration parameter is missing
	ErrConfigRequired = errors.New("config required")
	// ErrNotRunning is returned when a transaction is attempted without an open transport
	ErrNotRunning = errors.New("bridge not running")
	// ErrNoResponse is returned when a transaction times out without receiving any bytes
	ErrNoResponse = errors.New("no response from modem")
	// ErrPartialResponse is returned when a transaction times out with buffered
	// bytes that never matched the expected token
	ErrPartialResponse = errors.New("unexpected response from modem")
	// ErrCommandFailed is returned when the modem answers a transaction with ERROR
	ErrCommandFailed = errors.New("modem reported error")
	// ErrLinkDead is returned when the transport read side closes mid-transaction
	ErrLinkDead = errors.New("modem link dead")
)

// Bounds applied to queued requests. Longer inputs are truncated, never
// rejected, so a submission outcome depends only on queue capacity.
const (
	MaxPhoneLen = 23
	MaxBodyLen  = 159
)

// State represents the current operational state of the modem driver.
// Exactly one instance exists per Bridge; it is mutated only by the
// background worker and may be read from any goroutine via StateSync.
type State int

const (
	// StateOff is the initial state before Start and after Shutdown
	StateOff State = iota
	// StatePoweringOn covers the hardware bring-up sequence and liveness probing
	StatePoweringOn
	// StateInitializing covers the fixed configuration command script
	StateInitializing
	// StateRegistering covers the bounded wait for network registration
	StateRegistering
	// StateReady is the steady state: polling and serving the outgoing queue
	StateReady
	// StateError is entered when bring-up fails, before the backoff retry
	StateError
	// StateSendingSMS is held for the duration of a single outgoing send
	StateSendingSMS
)

// String returns a human-readable string representation of the state.
func (s State) String() string {
	switch s {
	case StateOff:
		return "Off"
	case StatePoweringOn:
		return "PoweringOn"
	case StateInitializing:
		return "Initializing"
	case StateRegistering:
		return "Registering"
	case StateReady:
		return "Ready"
	case StateError:
		return "Error"
	case StateSendingSMS:
		return "SendingSMS"
	default:
		return "Unknown"
	}
}

// OutgoingRequest is a queued send request. It is created by TrySend,
// consumed exactly once by the worker and never mutated after creation.
type OutgoingRequest struct {
	Phone string
	Body  string
}

// IncomingMessage is a message parsed from the modem's unread-message
// storage. Timestamp is epoch seconds taken from the bridge clock at
// receipt, not from the message itself.
type IncomingMessage struct {
	Phone     string
	Body      string
	Timestamp uint32
}

// StateTransitionType defines a callback invoked on every state change.
// It runs on the worker goroutine with the bridge lock held; it must not
// call any Sync accessor.
type StateTransitionType func(b *Bridge, prev State, next State)

// Config contains the parameters for creating a new Bridge.
// Open and Pins are required; everything else has defaults.
type Config struct {
	// Open creates the modem transport. It is called after the power
	// sequencing of every bring-up attempt, so the supervisory loop can
	// reopen the port across modem restarts.
	Open func() (io.ReadWriteCloser, error)
	// Pins drives the modem's discrete control lines
	Pins ControlPins
	// Clock is the process-wide clock updated from network time (default: NewWallClock())
	Clock Clock
	// Logger receives driver diagnostics (default: slog.Default())
	Logger *slog.Logger
	// StateTransition is an optional callback for state change notifications
	StateTransition StateTransitionType
	// OutgoingQueueSize bounds the send queue (default: 8)
	OutgoingQueueSize int
	// IncomingQueueSize bounds the receive queue (default: 16)
	IncomingQueueSize int
	// Timings overrides the protocol timing profile (default: DefaultTimings())
	Timings *Timings
}

// Timings groups every delay, interval and attempt budget used by the
// driver. Each wait in the protocol carries one of these bounds; there is
// no unbounded wait anywhere.
type Timings struct {
	PowerOnSettle time.Duration // after enabling the power rail
	ResetPulse    time.Duration // reset line held low
	PowerKeyHold  time.Duration // power key held active
	BootDelay     time.Duration // after releasing the power key

	ProbeAttempts int           // liveness probes per bring-up
	ProbeInterval time.Duration // between probe attempts
	ProbeTimeout  time.Duration // per probe transaction

	CommandTimeout     time.Duration // default transaction timeout
	InitCommandSpacing time.Duration // between init script commands

	RegisterWindow   time.Duration // total registration wait
	RegisterInterval time.Duration // between CREG polls

	ClockSyncAttempts int
	ClockSyncInterval time.Duration

	PromptTimeout time.Duration // CMGS '>' prompt wait
	SendTimeout   time.Duration // CMGS completion wait (network round-trip)

	IncomingPollInterval time.Duration
	SignalPollInterval   time.Duration
	LoopIdle             time.Duration

	RestartBackoff  time.Duration // between supervisory bring-up retries
	ShutdownTimeout time.Duration // graceful power-off transaction
}

// DefaultTimings returns the timing profile used against real hardware.
func DefaultTimings() *Timings {
	return &Timings{
		PowerOnSettle:        100 * time.Millisecond,
		ResetPulse:           100 * time.Millisecond,
		PowerKeyHold:         1200 * time.Millisecond,
		BootDelay:            3 * time.Second,
		ProbeAttempts:        10,
		ProbeInterval:        500 * time.Millisecond,
		ProbeTimeout:         time.Second,
		CommandTimeout:       2 * time.Second,
		InitCommandSpacing:   100 * time.Millisecond,
		RegisterWindow:       60 * time.Second,
		RegisterInterval:     time.Second,
		ClockSyncAttempts:    3,
		ClockSyncInterval:    2 * time.Second,
		PromptTimeout:        10 * time.Second,
		SendTimeout:          30 * time.Second,
		IncomingPollInterval: 10 * time.Second,
		SignalPollInterval:   30 * time.Second,
		LoopIdle:             100 * time.Millisecond,
		RestartBackoff:       10 * time.Second,
		ShutdownTimeout:      2 * time.Second,
	}
}

// Stats contains cumulative counters since the bridge was created.
type Stats struct {
	CommandsSent    int
	Timeouts        int
	SMSSent         int
	SMSSendFailures int
	SMSReceived     int
	SMSDropped      int
	Restarts        int
	LastCommandTime time.Time
}

// Bridge is the modem driver service. It is constructed once at process
// start, explicitly started and stopped, and shared by reference.
//
// The embedded mutex protects the status fields and stats. Exported
// accessors come in pairs: X requires the lock to be held, XSync acquires
// and releases it automatically. The transport is owned by the worker and
// guarded separately by the transaction mutex, which Shutdown takes for
// the one cross-context transaction in the design.
type Bridge struct {
	sync.Mutex
	st       State
	operator string
	bars     int
	stats    Stats

	transition StateTransitionType
	log        *slog.Logger
	clock      Clock
	pins       ControlPins
	open       func() (io.ReadWriteCloser, error)
	tm         Timings

	outgoing chan OutgoingRequest
	incoming chan IncomingMessage

	txMu sync.Mutex
	port io.ReadWriteCloser
	rx   chan byte

	runCtx    context.Context
	runCancel context.CancelFunc
	started   bool
	wg        sync.WaitGroup

	clockSynced bool
}

// New creates a Bridge from config. The worker is not spawned until Start,
// but the queues exist immediately: TrySend and TryReceive are safe to call
// before Start, and anything queued is held until the worker comes up.
//
// Returns ErrConfigRequired if config is nil or required fields are missing.
func New(config *Config) (*Bridge, error) {
	if config == nil {
		return nil, ErrConfigRequired
	}
	if config.Open == nil || config.Pins == nil {
		return nil, ErrConfigRequired
	}

	b := &Bridge{
		st:         StateOff,
		transition: config.StateTransition,
		log:        config.Logger,
		clock:      config.Clock,
		pins:       config.Pins,
		open:       config.Open,
	}
	if b.log == nil {
		b.log = slog.Default()
	}
	if b.clock == nil {
		b.clock = NewWallClock()
	}
	if config.Timings != nil {
		b.tm = *config.Timings
	} else {
		b.tm = *DefaultTimings()
	}

	outSize := config.OutgoingQueueSize
	if outSize <= 0 {
		outSize = 8
	}
	inSize := config.IncomingQueueSize
	if inSize <= 0 {
		inSize = 16
	}
	b.outgoing = make(chan OutgoingRequest, outSize)
	b.incoming = make(chan IncomingMessage, inSize)

	return b, nil
}

// Start spawns the background worker. Calling Start on a running bridge is
// a no-op. The worker runs until Shutdown: bring-up failures re-enter the
// power-on path after a fixed backoff, they never terminate the worker.
func (b *Bridge) Start() {
	b.Lock()
	defer b.Unlock()
	if b.started {
		return
	}
	b.started = true
	b.runCtx, b.runCancel = context.WithCancel(context.Background())
	b.wg.Add(1)
	go b.run(b.runCtx)
}

// Shutdown stops the worker and powers the modem down. It attempts a
// graceful power-off transaction under a bounded timeout while holding the
// transaction mutex, since the worker may be mid-transaction; regardless of
// the outcome it then cuts the power rail and closes the transport.
// Shutdown blocks until the worker has exited.
func (b *Bridge) Shutdown() {
	b.Lock()
	if !b.started {
		b.Unlock()
		return
	}
	b.started = false
	b.Unlock()

	b.runCancel()

	b.txMu.Lock()
	if b.port != nil {
		if _, err := b.transactLocked(cmdPowerOff, respOK, b.tm.ShutdownTimeout); err != nil {
			b.log.Warn("graceful power-off failed", "error", err)
		}
		b.port.Close()
		b.port = nil
		b.rx = nil
	}
	b.pins.SetPower(false)
	b.txMu.Unlock()

	b.wg.Wait()
	b.setStateSync(StateOff)
}

// TrySend queues an outgoing SMS without blocking. It returns false when
// the queue is full; the request is not retried internally. Phone and body
// are truncated to MaxPhoneLen and MaxBodyLen.
func (b *Bridge) TrySend(phone, body string) bool {
	if len(phone) > MaxPhoneLen {
		phone = phone[:MaxPhoneLen]
	}
	if len(body) > MaxBodyLen {
		body = body[:MaxBodyLen]
	}
	select {
	case b.outgoing <- OutgoingRequest{Phone: phone, Body: body}:
		return true
	default:
		return false
	}
}

// TryReceive dequeues one incoming message without blocking.
// The second return value is false when the queue is empty.
func (b *Bridge) TryReceive() (IncomingMessage, bool) {
	select {
	case msg := <-b.incoming:
		return msg, true
	default:
		return IncomingMessage{}, false
	}
}

func (b *Bridge) checkLock() {
	if b.TryLock() {
		panic("Bridge lock not held")
	}
}

func (b *Bridge) setState(next State) {
	prev := b.st
	if prev == next {
		return
	}
	b.st = next
	if b.transition != nil {
		b.transition(b, prev, next)
	}
}

func (b *Bridge) setStateSync(next State) {
	b.Lock()
	defer b.Unlock()
	b.setState(next)
}

// State returns the current driver state.
// The bridge lock must be held before calling this method.
// Use StateSync for automatic lock management.
func (b *Bridge) State() State {
	b.checkLock()
	return b.st
}

// StateSync returns the current driver state with automatic lock management.
func (b *Bridge) StateSync() State {
	b.Lock()
	defer b.Unlock()
	return b.st
}

// SignalBars returns the last polled signal quality on a 0..5 scale.
// The bridge lock must be held before calling this method.
// Use SignalBarsSync for automatic lock management.
func (b *Bridge) SignalBars() int {
	b.checkLock()
	return b.bars
}

// SignalBarsSync returns the last polled signal quality with automatic lock management.
func (b *Bridge) SignalBarsSync() int {
	b.Lock()
	defer b.Unlock()
	return b.bars
}

// Operator returns the network operator name queried on entry to Ready,
// or "" if none has been read yet.
// The bridge lock must be held before calling this method.
// Use OperatorSync for automatic lock management.
func (b *Bridge) Operator() string {
	b.checkLock()
	return b.operator
}

// OperatorSync returns the operator name with automatic lock management.
func (b *Bridge) OperatorSync() string {
	b.Lock()
	defer b.Unlock()
	return b.operator
}

// StatsSync returns a copy of the cumulative driver counters.
func (b *Bridge) StatsSync() Stats {
	b.Lock()
	defer b.Unlock()
	return b.stats
}

// Clock returns the clock the bridge stamps incoming messages with.
func (b *Bridge) Clock() Clock {
	return b.clock
}
