package smsbridge

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"
)

// run is the supervisory loop. A failed bring-up parks the machine in
// StateError for the backoff interval and then re-enters the power-on path;
// the loop only exits when the context is cancelled. This is a permanent
// service, not a one-shot operation.
func (b *Bridge) run(ctx context.Context) {
	defer b.wg.Done()
	for ctx.Err() == nil {
		if err := b.bringUp(ctx); err != nil {
			b.detach()
			b.pins.SetPower(false)
			if ctx.Err() != nil {
				return
			}
			b.log.Warn("modem bring-up failed", "error", err)
			b.setStateSync(StateError)
			b.Lock()
			b.stats.Restarts++
			b.Unlock()
			if !sleepCtx(ctx, b.tm.RestartBackoff) {
				return
			}
			continue
		}

		b.initialize(ctx)
		b.register(ctx)
		b.enterReady(ctx)
		b.serve(ctx)
		if ctx.Err() != nil {
			return
		}
		// link died in steady state: recycle through the bring-up path
		b.log.Warn("modem link lost, restarting")
		b.detach()
		b.pins.SetPower(false)
		b.Lock()
		b.stats.Restarts++
		b.Unlock()
	}
}

// bringUp performs the ordered hardware power sequence, opens the transport
// and probes for liveness. Success requires at least one matching probe
// response within the attempt budget.
func (b *Bridge) bringUp(ctx context.Context) error {
	b.setStateSync(StatePoweringOn)

	b.pins.SetPower(true)
	if !sleepCtx(ctx, b.tm.PowerOnSettle) {
		return ctx.Err()
	}
	b.pins.SetReset(true)
	if !sleepCtx(ctx, b.tm.ResetPulse) {
		return ctx.Err()
	}
	b.pins.SetReset(false)
	b.pins.SetPowerKey(true)
	if !sleepCtx(ctx, b.tm.PowerKeyHold) {
		return ctx.Err()
	}
	b.pins.SetPowerKey(false)
	if !sleepCtx(ctx, b.tm.BootDelay) {
		return ctx.Err()
	}
	b.pins.SetFlow(true)

	port, err := b.open()
	if err != nil {
		return fmt.Errorf("open transport: %w", err)
	}
	b.attach(port)
	b.drainNoise()

	for i := 0; i < b.tm.ProbeAttempts; i++ {
		if ctx.Err() != nil {
			return ctx.Err()
		}
		if _, err := b.transact(cmdProbe, respOK, b.tm.ProbeTimeout); err == nil {
			return nil
		}
		if !sleepCtx(ctx, b.tm.ProbeInterval) {
			return ctx.Err()
		}
	}
	return fmt.Errorf("liveness probe: %w", ErrNoResponse)
}

// initialize runs the fixed configuration script. Each command is
// best-effort; the link is known alive once probing has succeeded, so
// individual failures are logged and skipped rather than retried.
func (b *Bridge) initialize(ctx context.Context) {
	b.setStateSync(StateInitializing)
	script := []string{
		cmdEchoOff,
		cmdTextMode,
		cmdCharsetGSM,
		cmdNotifyBuffer,
		cmdAutoTimezone,
	}
	for _, cmd := range script {
		if ctx.Err() != nil {
			return
		}
		if _, err := b.transact(cmd, respOK, b.tm.CommandTimeout); err != nil {
			b.log.Warn("init command failed", "command", cmd, "error", err)
		}
		if !sleepCtx(ctx, b.tm.InitCommandSpacing) {
			return
		}
	}
}

// register polls network registration at a fixed cadence. "Registered,
// home" (1) and "registered, roaming" (5) both count. Running out the
// window is a soft failure: SMS may still work on some networks, so the
// machine proceeds to Ready either way.
func (b *Bridge) register(ctx context.Context) {
	b.setStateSync(StateRegistering)
	deadline := time.Now().Add(b.tm.RegisterWindow)
	for time.Now().Before(deadline) {
		if ctx.Err() != nil {
			return
		}
		resp, err := b.transact(cmdRegStatus, respOK, b.tm.CommandTimeout)
		if err == nil && isRegistered(resp) {
			return
		}
		if !sleepCtx(ctx, b.tm.RegisterInterval) {
			return
		}
	}
	b.log.Info("registration window elapsed, proceeding unconfirmed")
}

// isRegistered reports whether a +CREG response carries status 1 (home)
// or 5 (roaming).
func isRegistered(resp string) bool {
	idx := strings.Index(resp, "+CREG:")
	if idx < 0 {
		return false
	}
	line := resp[idx:]
	if end := strings.IndexAny(line, "\r\n"); end >= 0 {
		line = line[:end]
	}
	parts := strings.Split(line, ",")
	if len(parts) < 2 {
		return false
	}
	stat := strings.TrimSpace(parts[1])
	return stat == "1" || stat == "5"
}

// enterReady queries the operator name and signal quality, then attempts
// network time synchronization a bounded number of times. Clock sync
// failure is soft and never blocks readiness.
func (b *Bridge) enterReady(ctx context.Context) {
	if resp, err := b.transact(cmdOperator, respOK, b.tm.CommandTimeout); err == nil {
		if name := parseOperator(resp); name != "" {
			b.Lock()
			b.operator = name
			b.Unlock()
		}
	}
	b.pollSignal()

	for i := 0; i < b.tm.ClockSyncAttempts && !b.clockSyncedSync(); i++ {
		if ctx.Err() != nil {
			return
		}
		b.syncClock()
		if b.clockSyncedSync() {
			break
		}
		if !sleepCtx(ctx, b.tm.ClockSyncInterval) {
			return
		}
	}

	b.setStateSync(StateReady)
}

// serve is the steady-state loop. Each iteration drains at most one
// outgoing request, polls for unread messages and signal quality on their
// fixed intervals, then idles briefly. One send at a time keeps the
// half-duplex link simple; the intervals limit modem chatter.
func (b *Bridge) serve(ctx context.Context) {
	var lastIncoming, lastSignal time.Time
	for ctx.Err() == nil {
		select {
		case req := <-b.outgoing:
			b.setStateSync(StateSendingSMS)
			err := b.sendSMS(req)
			b.setStateSync(StateReady)
			b.Lock()
			if err != nil {
				b.stats.SMSSendFailures++
			} else {
				b.stats.SMSSent++
			}
			b.Unlock()
			if err != nil {
				b.log.Warn("sms send failed", "phone", req.Phone, "error", err)
				if isLinkDead(err) {
					return
				}
			}
		default:
		}

		if time.Since(lastIncoming) > b.tm.IncomingPollInterval {
			lastIncoming = time.Now()
			if err := b.pollIncoming(); isLinkDead(err) {
				return
			}
		}
		if time.Since(lastSignal) > b.tm.SignalPollInterval {
			lastSignal = time.Now()
			if err := b.pollSignal(); isLinkDead(err) {
				return
			}
		}
		if !sleepCtx(ctx, b.tm.LoopIdle) {
			return
		}
	}
}

// parseOperator extracts the quoted operator name from a +COPS response.
func parseOperator(resp string) string {
	idx := strings.Index(resp, "+COPS:")
	if idx < 0 {
		return ""
	}
	rest := resp[idx:]
	start := strings.IndexByte(rest, '"')
	if start < 0 {
		return ""
	}
	end := strings.IndexByte(rest[start+1:], '"')
	if end < 0 {
		return ""
	}
	return rest[start+1 : start+1+end]
}

func (b *Bridge) clockSyncedSync() bool {
	b.Lock()
	defer b.Unlock()
	return b.clockSynced
}

func isLinkDead(err error) bool {
	return errors.Is(err, ErrLinkDead) || errors.Is(err, ErrNotRunning)
}

// sleepCtx sleeps for d or until ctx is cancelled, reporting whether the
// full duration elapsed.
func sleepCtx(ctx context.Context, d time.Duration) bool {
	if d <= 0 {
		return ctx.Err() == nil
	}
	t := time.NewTimer(d)
	defer t.Stop()
	select {
	case <-ctx.Done():
		return false
	case <-t.C:
		return true
	}
}
