package smsbridge

import (
	"errors"
	"io"
	"strings"
	"testing"
	"time"
)

// newAttachedBridge builds a bridge with the transport already attached,
// bypassing the power sequence, so the engine can be exercised directly.
func newAttachedBridge(t *testing.T, modem *mockModem) *Bridge {
	t.Helper()
	bridge, err := New(&Config{
		Open:    func() (io.ReadWriteCloser, error) { return modem, nil },
		Pins:    NopPins{},
		Timings: fastTimings(),
	})
	if err != nil {
		t.Fatalf("New() error = %v", err)
	}
	bridge.attach(modem)
	t.Cleanup(bridge.detach)
	return bridge
}

func TestTransact_Success(t *testing.T) {
	modem := newMockModem(okHandler)
	bridge := newAttachedBridge(t, modem)

	resp, err := bridge.transact(cmdProbe, respOK, 100*time.Millisecond)
	if err != nil {
		t.Fatalf("transact() error = %v", err)
	}
	if resp == "" {
		t.Error("transact() returned empty response")
	}
	if cmds := modem.commands(); len(cmds) != 1 || cmds[0] != cmdProbe {
		t.Errorf("modem saw %v, want [%s]", cmds, cmdProbe)
	}
}

func TestTransact_NoResponse(t *testing.T) {
	bridge := newAttachedBridge(t, newMockModem(silentHandler))

	_, err := bridge.transact(cmdProbe, respOK, 30*time.Millisecond)
	if !errors.Is(err, ErrNoResponse) {
		t.Errorf("transact() error = %v, want ErrNoResponse", err)
	}
	if bridge.StatsSync().Timeouts != 1 {
		t.Errorf("Timeouts = %d, want 1", bridge.StatsSync().Timeouts)
	}
}

// A timeout with buffered non-matching data is a distinct failure from
// silence: the link is alive but speaking something unexpected.
func TestTransact_PartialResponse(t *testing.T) {
	modem := newMockModem(func(string) string { return "\r\n+JUNK: 1\r\n" })
	bridge := newAttachedBridge(t, modem)

	resp, err := bridge.transact(cmdProbe, respOK, 30*time.Millisecond)
	if !errors.Is(err, ErrPartialResponse) {
		t.Errorf("transact() error = %v, want ErrPartialResponse", err)
	}
	if resp == "" {
		t.Error("partial data should be returned for diagnosis")
	}
}

func TestTransact_ModemError(t *testing.T) {
	modem := newMockModem(func(string) string { return "\r\nERROR\r\n" })
	bridge := newAttachedBridge(t, modem)

	_, err := bridge.transact(cmdTextMode, respOK, 100*time.Millisecond)
	if !errors.Is(err, ErrCommandFailed) {
		t.Errorf("transact() error = %v, want ErrCommandFailed", err)
	}
}

func TestTransact_WithoutTransport(t *testing.T) {
	bridge, err := New(&Config{
		Open: func() (io.ReadWriteCloser, error) { return newMockModem(okHandler), nil },
		Pins: NopPins{},
	})
	if err != nil {
		t.Fatalf("New() error = %v", err)
	}
	if _, err := bridge.transact(cmdProbe, respOK, 10*time.Millisecond); !errors.Is(err, ErrNotRunning) {
		t.Errorf("transact() error = %v, want ErrNotRunning", err)
	}
}

func TestTransact_LinkDeath(t *testing.T) {
	modem := newMockModem(okHandler)
	bridge := newAttachedBridge(t, modem)

	modem.Close()
	time.Sleep(10 * time.Millisecond) // reader goroutine notices EOF

	if _, err := bridge.transact(cmdProbe, respOK, 50*time.Millisecond); err == nil {
		t.Error("transact() on a dead link should fail")
	}
}

func TestDrainNoise(t *testing.T) {
	modem := newMockModem(okHandler)
	bridge := newAttachedBridge(t, modem)

	modem.push("\r\nRDY\r\n+CPIN: READY\r\n")
	time.Sleep(5 * time.Millisecond)
	bridge.drainNoise()

	// with the boot noise gone, the next transaction sees a clean buffer
	resp, err := bridge.transact(cmdProbe, respOK, 100*time.Millisecond)
	if err != nil {
		t.Fatalf("transact() after drain error = %v", err)
	}
	if strings.Contains(resp, "RDY") {
		t.Errorf("boot noise leaked into response %q", resp)
	}
}
