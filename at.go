package smsbridge

import (
	"fmt"
	"io"
	"strings"
	"time"
)

// AT protocol vocabulary. The driver assumes no-echo mode (ATE0) after the
// init script; until then matching is substring based, so echoed commands
// are tolerated.
const (
	respOK     = "OK"
	respError  = "ERROR"
	smsPrompt  = ">"
	ctrlZ      = byte(0x1A)
	escByte    = byte(0x1B)
	lineTerm   = "\r\n"
	headerCMGL = "+CMGL:"

	cmdProbe        = "AT"
	cmdEchoOff      = "ATE0"
	cmdTextMode     = "AT+CMGF=1"
	cmdCharsetGSM   = "AT+CSCS=\"GSM\""
	cmdNotifyBuffer = "AT+CNMI=2,0,0,0,0"
	cmdAutoTimezone = "AT+CTZU=1"
	cmdRegStatus    = "AT+CREG?"
	cmdOperator     = "AT+COPS?"
	cmdSignal       = "AT+CSQ"
	cmdNetworkTime  = "AT+CCLK?"
	cmdListUnread   = "AT+CMGL=\"REC UNREAD\""
	cmdSendPrefix   = "AT+CMGS="
	cmdDeletePrefix = "AT+CMGD="
	cmdPowerOff     = "AT+CPOF"
)

// responseLimit bounds the accumulation buffer of a single transaction.
// Oversized responses keep only their tail; the expected tokens are short
// and always arrive last.
const responseLimit = 1024

// attach hands an opened transport to the engine and spawns the reader
// goroutine that owns its blocking Read loop. The reader pushes bytes into
// a channel the transactions drain, so every wait can carry a deadline
// regardless of the transport's own timeout behavior. The channel is closed
// when the read side fails, which surfaces as ErrLinkDead.
func (b *Bridge) attach(port io.ReadWriteCloser) {
	rx := make(chan byte, 4096)
	b.txMu.Lock()
	b.port = port
	b.rx = rx
	b.txMu.Unlock()

	b.wg.Add(1)
	go func() {
		defer b.wg.Done()
		buf := make([]byte, 256)
		for {
			n, err := port.Read(buf)
			for _, c := range buf[:n] {
				select {
				case rx <- c:
				default: // overflow between transactions, drop
				}
			}
			if err != nil {
				close(rx)
				return
			}
		}
	}()
}

// detach closes and forgets the transport. The reader goroutine exits on
// the resulting read error.
func (b *Bridge) detach() {
	b.txMu.Lock()
	defer b.txMu.Unlock()
	if b.port != nil {
		b.port.Close()
		b.port = nil
		b.rx = nil
	}
}

// drainNoise discards whatever the modem emitted outside a transaction,
// typically boot banners and unsolicited codes.
func (b *Bridge) drainNoise() {
	b.txMu.Lock()
	defer b.txMu.Unlock()
	if b.rx == nil {
		return
	}
	for {
		select {
		case _, ok := <-b.rx:
			if !ok {
				return
			}
		default:
			return
		}
	}
}

// transact sends one command line and accumulates response bytes until the
// expected token appears or the timeout elapses. Transactions are strictly
// serialized; Shutdown competes for the same mutex to issue its final
// power-off.
func (b *Bridge) transact(cmd, expect string, timeout time.Duration) (string, error) {
	b.txMu.Lock()
	defer b.txMu.Unlock()
	return b.transactLocked(cmd, expect, timeout)
}

func (b *Bridge) transactLocked(cmd, expect string, timeout time.Duration) (string, error) {
	if err := b.writeLocked([]byte(cmd + lineTerm)); err != nil {
		return "", err
	}
	b.Lock()
	b.stats.CommandsSent++
	b.stats.LastCommandTime = time.Now()
	b.Unlock()
	return b.waitLocked(expect, timeout)
}

func (b *Bridge) writeLocked(data []byte) error {
	if b.port == nil {
		return ErrNotRunning
	}
	if _, err := b.port.Write(data); err != nil {
		return fmt.Errorf("transport write: %w", err)
	}
	return nil
}

// waitLocked accumulates inbound bytes until expect is found, the modem
// answers ERROR, or the deadline passes. A timeout with an empty buffer is
// ErrNoResponse; a timeout with non-matching data is ErrPartialResponse and
// the buffer is logged for diagnosis. Both are failures, but they point at
// different problems (dead modem vs. protocol mismatch).
func (b *Bridge) waitLocked(expect string, timeout time.Duration) (string, error) {
	if b.rx == nil {
		return "", ErrNotRunning
	}
	var buf strings.Builder
	deadline := time.NewTimer(timeout)
	defer deadline.Stop()

	for {
		select {
		case c, ok := <-b.rx:
			if !ok {
				return buf.String(), ErrLinkDead
			}
			buf.WriteByte(c)
			if buf.Len() > responseLimit {
				s := buf.String()
				buf.Reset()
				buf.WriteString(s[len(s)-responseLimit/2:])
			}
			s := buf.String()
			if strings.Contains(s, expect) {
				return s, nil
			}
			if expect != respError && strings.Contains(s, respError) {
				return s, ErrCommandFailed
			}
		case <-deadline.C:
			b.Lock()
			b.stats.Timeouts++
			b.Unlock()
			if buf.Len() == 0 {
				return "", ErrNoResponse
			}
			b.log.Debug("transaction timeout with partial data",
				"expect", expect, "partial", buf.String())
			return buf.String(), ErrPartialResponse
		}
	}
}
