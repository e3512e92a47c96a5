package smsbridge

import (
	"fmt"
	"strconv"
	"strings"
)

// sendSMS performs one outgoing send transaction: ensure text mode, start
// the send with the destination number, wait for the '>' prompt, then write
// the body terminated by Ctrl+Z and wait out the network round-trip for the
// success token. The whole exchange holds the transaction mutex so nothing
// interleaves on the half-duplex link. Failures are reported to the caller;
// retry policy belongs to whoever consumes the outgoing path.
func (b *Bridge) sendSMS(req OutgoingRequest) error {
	if _, err := b.transact(cmdTextMode, respOK, b.tm.CommandTimeout); err != nil {
		return fmt.Errorf("text mode: %w", err)
	}

	b.txMu.Lock()
	defer b.txMu.Unlock()

	cmd := fmt.Sprintf("%s%q", cmdSendPrefix, req.Phone)
	if err := b.writeLocked([]byte(cmd + "\r")); err != nil {
		return err
	}
	if _, err := b.waitLocked(smsPrompt, b.tm.PromptTimeout); err != nil {
		// abort the pending send so the modem leaves entry mode
		_ = b.writeLocked([]byte{escByte})
		return fmt.Errorf("prompt wait: %w", err)
	}

	if err := b.writeLocked(append([]byte(req.Body), ctrlZ)); err != nil {
		return err
	}
	if _, err := b.waitLocked(respOK, b.tm.SendTimeout); err != nil {
		return fmt.Errorf("send confirm: %w", err)
	}
	return nil
}

// pollIncoming lists unread messages in a single query, parses zero or more
// records out of the response buffer, queues each one and deletes it from
// modem storage by index.
//
// The enqueue is non-blocking: when the incoming queue is full the message
// is dropped. Since the delete is issued regardless, a message can be lost
// exactly once between parse and queue insertion. Documented limitation.
func (b *Bridge) pollIncoming() error {
	resp, err := b.transact(cmdListUnread, respOK, b.tm.CommandTimeout)
	if err != nil {
		if isLinkDead(err) {
			return err
		}
		return nil
	}

	for _, rec := range parseUnreadList(resp) {
		msg := IncomingMessage{
			Phone:     rec.phone,
			Body:      rec.body,
			Timestamp: uint32(b.clock.Now().Unix()),
		}
		select {
		case b.incoming <- msg:
			b.Lock()
			b.stats.SMSReceived++
			b.Unlock()
		default:
			b.Lock()
			b.stats.SMSDropped++
			b.Unlock()
			b.log.Warn("incoming queue full, message dropped", "phone", rec.phone)
		}

		del := cmdDeletePrefix + strconv.Itoa(rec.index)
		if _, err := b.transact(del, respOK, b.tm.CommandTimeout); isLinkDead(err) {
			return err
		}
	}
	return nil
}

type unreadRecord struct {
	index int
	phone string
	body  string
}

// parseUnreadList walks a +CMGL response iteratively: each record is a
// header line with the storage index and quoted sender, followed by one
// body line. Parsing stops when no further header is found.
func parseUnreadList(resp string) []unreadRecord {
	var records []unreadRecord
	lines := strings.Split(resp, "\n")
	for i := 0; i < len(lines); i++ {
		line := strings.TrimSpace(lines[i])
		if !strings.HasPrefix(line, headerCMGL) {
			continue
		}
		rec, ok := parseUnreadHeader(line)
		if !ok {
			continue
		}
		for j := i + 1; j < len(lines); j++ {
			body := strings.TrimSpace(lines[j])
			if body == "" {
				continue
			}
			if strings.HasPrefix(body, headerCMGL) || body == respOK {
				break
			}
			rec.body = body
			i = j
			break
		}
		records = append(records, rec)
	}
	return records
}

// parseUnreadHeader pulls the index and sender out of a line shaped like
//
//	+CMGL: 3,"REC UNREAD","+15551234567",,"24/05/17,10:30:00+00"
func parseUnreadHeader(line string) (unreadRecord, bool) {
	rest := strings.TrimSpace(strings.TrimPrefix(line, headerCMGL))
	parts := strings.Split(rest, ",")
	if len(parts) < 3 {
		return unreadRecord{}, false
	}
	index, err := strconv.Atoi(strings.TrimSpace(parts[0]))
	if err != nil {
		return unreadRecord{}, false
	}
	phone := strings.Trim(strings.TrimSpace(parts[2]), "\"")
	if phone == "" {
		return unreadRecord{}, false
	}
	return unreadRecord{index: index, phone: phone}, true
}
