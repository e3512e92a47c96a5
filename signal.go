package smsbridge

import (
	"strconv"
	"strings"
)

// pollSignal refreshes the cached signal quality from a +CSQ query.
func (b *Bridge) pollSignal() error {
	resp, err := b.transact(cmdSignal, respOK, b.tm.CommandTimeout)
	if err != nil {
		if isLinkDead(err) {
			return err
		}
		return nil
	}
	raw, ok := parseCSQ(resp)
	if !ok {
		return nil
	}
	b.Lock()
	b.bars = SignalToBars(raw)
	b.Unlock()
	return nil
}

// parseCSQ extracts the raw quality value from a "+CSQ: <rssi>,<ber>" line.
func parseCSQ(resp string) (int, bool) {
	idx := strings.Index(resp, "+CSQ:")
	if idx < 0 {
		return 0, false
	}
	rest := strings.TrimSpace(resp[idx+len("+CSQ:"):])
	if end := strings.IndexAny(rest, ",\r\n"); end >= 0 {
		rest = rest[:end]
	}
	raw, err := strconv.Atoi(strings.TrimSpace(rest))
	if err != nil {
		return 0, false
	}
	return raw, true
}

// SignalToBars maps a raw CSQ quality value to a 0..5 bar scale.
// 99 means "not known or not detectable" and maps to zero bars.
func SignalToBars(raw int) int {
	switch {
	case raw <= 0 || raw == 99:
		return 0
	case raw <= 5:
		return 1
	case raw <= 10:
		return 2
	case raw <= 15:
		return 3
	case raw <= 20:
		return 4
	default:
		return 5
	}
}
