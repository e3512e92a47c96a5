package smsbridge

import (
	"fmt"
	"strconv"
	"strings"
	"sync"
	"time"
)

// Clock is the process-wide real-time clock the bridge stamps incoming
// messages with and sets from network time.
type Clock interface {
	Now() time.Time
	Set(t time.Time)
}

// WallClock is a Clock that tracks an offset from the host monotonic
// clock. Until Set is called it just mirrors the host time.
type WallClock struct {
	mu     sync.Mutex
	offset time.Duration
}

// NewWallClock returns an unsynchronized WallClock.
func NewWallClock() *WallClock {
	return &WallClock{}
}

// Now returns the current time adjusted by the last Set.
func (c *WallClock) Now() time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	return time.Now().Add(c.offset)
}

// Set slews the clock so Now reports t as the current instant.
func (c *WallClock) Set(t time.Time) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.offset = time.Until(t)
}

// Plausibility window for the two-digit year reported by AT+CCLK. A modem
// that has not yet synced from the network reports its epoch default
// (typically year 70 or 80), which must not be mistaken for real time.
const (
	clockYearMin = 2020
	clockYearMax = 2049
)

// syncClock queries network time and, when the response is plausible, sets
// the process clock. The set happens at most once per bring-up; an
// implausible year is treated as "not yet synced", not as an error.
func (b *Bridge) syncClock() {
	resp, err := b.transact(cmdNetworkTime, respOK, b.tm.CommandTimeout)
	if err != nil {
		return
	}
	t, err := parseNetworkTime(resp)
	if err != nil {
		b.log.Debug("network time not usable", "error", err)
		return
	}
	b.Lock()
	synced := b.clockSynced
	b.clockSynced = true
	b.Unlock()
	if !synced {
		b.clock.Set(t)
		b.log.Info("clock synchronized from network", "time", t)
	}
}

// parseNetworkTime extracts UTC from a response shaped like
//
//	+CCLK: "24/05/17,10:30:00+40"
//
// The trailing signed field is the timezone offset in quarter hours. The
// date/time fields are local time, so true UTC is the parsed instant minus
// offset*15 minutes.
func parseNetworkTime(resp string) (time.Time, error) {
	idx := strings.Index(resp, "+CCLK:")
	if idx < 0 {
		return time.Time{}, fmt.Errorf("no +CCLK field")
	}
	rest := resp[idx:]
	start := strings.IndexByte(rest, '"')
	if start < 0 {
		return time.Time{}, fmt.Errorf("no quoted time field")
	}
	end := strings.IndexByte(rest[start+1:], '"')
	if end < 0 {
		return time.Time{}, fmt.Errorf("unterminated time field")
	}
	s := rest[start+1 : start+1+end]

	var yy, mo, dd, hh, mi, ss int
	if _, err := fmt.Sscanf(s, "%2d/%2d/%2d,%2d:%2d:%2d", &yy, &mo, &dd, &hh, &mi, &ss); err != nil {
		return time.Time{}, fmt.Errorf("malformed time %q: %w", s, err)
	}
	year := 2000 + yy
	if year < clockYearMin || year > clockYearMax {
		return time.Time{}, fmt.Errorf("implausible year %d, modem clock not synced", year)
	}

	quarters := 0
	if sign := strings.IndexAny(s, "+-"); sign >= 0 {
		q, err := strconv.Atoi(s[sign:])
		if err != nil {
			return time.Time{}, fmt.Errorf("malformed timezone in %q", s)
		}
		quarters = q
	}

	local := time.Date(year, time.Month(mo), dd, hh, mi, ss, 0, time.UTC)
	return local.Add(-time.Duration(quarters) * 15 * time.Minute), nil
}
