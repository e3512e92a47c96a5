package smsbridge

import (
	"io"
	"strings"
	"sync"
	"time"
)

// mockModem implements io.ReadWriteCloser for testing. It behaves like a
// modem on the far end of the transport: bytes written to it are gathered
// into command lines, the handler picks a canned response, and the response
// bytes become readable. A handler returning "" keeps the modem silent,
// which is how the timeout paths are exercised.
type mockModem struct {
	mu      sync.Mutex
	handler func(cmd string) string
	readCh  chan byte
	closed  bool
	line    []byte
	inBody  bool
	cmds    []string
	bodies  []string
	raw     []byte
}

func newMockModem(handler func(cmd string) string) *mockModem {
	return &mockModem{
		handler: handler,
		readCh:  make(chan byte, 4096),
	}
}

func (m *mockModem) Read(p []byte) (int, error) {
	b, ok := <-m.readCh
	if !ok {
		return 0, io.EOF
	}
	p[0] = b
	return 1, nil
}

func (m *mockModem) Write(p []byte) (int, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.closed {
		return 0, io.ErrClosedPipe
	}
	m.raw = append(m.raw, p...)
	for _, c := range p {
		m.consume(c)
	}
	return len(p), nil
}

func (m *mockModem) consume(c byte) {
	if m.inBody {
		switch c {
		case ctrlZ:
			m.bodies = append(m.bodies, string(m.line))
			m.line = nil
			m.inBody = false
			m.push("\r\n+CMGS: 1\r\n\r\nOK\r\n")
		case escByte:
			m.line = nil
			m.inBody = false
		default:
			m.line = append(m.line, c)
		}
		return
	}
	if c != '\r' && c != '\n' {
		m.line = append(m.line, c)
		return
	}
	cmd := strings.TrimSpace(string(m.line))
	m.line = nil
	if cmd == "" {
		return
	}
	m.cmds = append(m.cmds, cmd)
	resp := m.handler(cmd)
	if resp == "" {
		return
	}
	if strings.Contains(resp, smsPrompt) {
		m.inBody = true
	}
	m.push(resp)
}

func (m *mockModem) push(s string) {
	for i := 0; i < len(s); i++ {
		select {
		case m.readCh <- s[i]:
		default:
		}
	}
}

func (m *mockModem) Close() error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.closed {
		return nil
	}
	m.closed = true
	close(m.readCh)
	return nil
}

func (m *mockModem) commands() []string {
	m.mu.Lock()
	defer m.mu.Unlock()
	out := make([]string, len(m.cmds))
	copy(out, m.cmds)
	return out
}

func (m *mockModem) sentBodies() []string {
	m.mu.Lock()
	defer m.mu.Unlock()
	out := make([]string, len(m.bodies))
	copy(out, m.bodies)
	return out
}

func (m *mockModem) sawByte(b byte) bool {
	m.mu.Lock()
	defer m.mu.Unlock()
	for _, c := range m.raw {
		if c == b {
			return true
		}
	}
	return false
}

// okHandler answers the driver's whole command set, the way a healthy
// registered modem would.
func okHandler(cmd string) string {
	switch {
	case cmd == cmdRegStatus:
		return "\r\n+CREG: 0,1\r\n\r\nOK\r\n"
	case cmd == cmdSignal:
		return "\r\n+CSQ: 17,99\r\n\r\nOK\r\n"
	case cmd == cmdOperator:
		return "\r\n+COPS: 0,0,\"TESTNET\",7\r\n\r\nOK\r\n"
	case cmd == cmdNetworkTime:
		return "\r\n+CCLK: \"24/05/17,10:30:00+08\"\r\n\r\nOK\r\n"
	case strings.HasPrefix(cmd, cmdSendPrefix):
		return "\r\n> "
	default:
		return "\r\nOK\r\n"
	}
}

// silentHandler never responds, like a modem that failed to power up.
func silentHandler(string) string {
	return ""
}

// fastTimings shrinks every delay so lifecycle tests run in milliseconds
// while keeping all attempt budgets meaningful.
func fastTimings() *Timings {
	tm := &Timings{}
	*tm = *DefaultTimings()
	tm.PowerOnSettle = 0
	tm.ResetPulse = 0
	tm.PowerKeyHold = 0
	tm.BootDelay = 0
	tm.ProbeAttempts = 3
	tm.ProbeInterval = time.Millisecond
	tm.ProbeTimeout = 30 * time.Millisecond
	tm.CommandTimeout = 50 * time.Millisecond
	tm.InitCommandSpacing = 0
	tm.RegisterWindow = 200 * time.Millisecond
	tm.RegisterInterval = 5 * time.Millisecond
	tm.ClockSyncAttempts = 2
	tm.ClockSyncInterval = 5 * time.Millisecond
	tm.PromptTimeout = 50 * time.Millisecond
	tm.SendTimeout = 100 * time.Millisecond
	tm.IncomingPollInterval = 20 * time.Millisecond
	tm.SignalPollInterval = 20 * time.Millisecond
	tm.LoopIdle = time.Millisecond
	tm.RestartBackoff = 10 * time.Millisecond
	tm.ShutdownTimeout = 30 * time.Millisecond
	return tm
}
