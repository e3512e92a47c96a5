package smsbridge

import (
	"io"
	"strings"
	"testing"
)

func TestSendSMS(t *testing.T) {
	modem := newMockModem(okHandler)
	bridge := newAttachedBridge(t, modem)

	err := bridge.sendSMS(OutgoingRequest{Phone: "+15551234567", Body: "hello"})
	if err != nil {
		t.Fatalf("sendSMS() error = %v", err)
	}

	cmds := modem.commands()
	var sawSend bool
	for _, cmd := range cmds {
		if cmd == cmdSendPrefix+`"+15551234567"` {
			sawSend = true
		}
	}
	if !sawSend {
		t.Errorf("modem never saw the CMGS command; commands: %v", cmds)
	}
	if bodies := modem.sentBodies(); len(bodies) != 1 || bodies[0] != "hello" {
		t.Errorf("modem received bodies %v, want [hello]", bodies)
	}
}

// When the '>' prompt never appears the send is aborted with a cancel byte
// so the modem leaves text entry mode.
func TestSendSMS_PromptTimeout(t *testing.T) {
	modem := newMockModem(func(cmd string) string {
		if strings.HasPrefix(cmd, cmdSendPrefix) {
			return "" // swallow the send command
		}
		return "\r\nOK\r\n"
	})
	bridge := newAttachedBridge(t, modem)

	err := bridge.sendSMS(OutgoingRequest{Phone: "+15551234567", Body: "hello"})
	if err == nil {
		t.Fatal("sendSMS() = nil, want prompt failure")
	}
	if !modem.sawByte(escByte) {
		t.Error("no cancel byte written after prompt timeout")
	}
	if len(modem.sentBodies()) != 0 {
		t.Errorf("body written despite missing prompt: %v", modem.sentBodies())
	}
}

func TestSendSMS_TextModeFailure(t *testing.T) {
	bridge := newAttachedBridge(t, newMockModem(silentHandler))
	if err := bridge.sendSMS(OutgoingRequest{Phone: "123", Body: "x"}); err == nil {
		t.Fatal("sendSMS() = nil, want failure when text mode cannot be set")
	}
}

const unreadListResponse = "\r\n+CMGL: 1,\"REC UNREAD\",\"+15551234567\",,\"24/05/17,10:30:00+00\"\r\n" +
	"Hello there\r\n" +
	"+CMGL: 4,\"REC UNREAD\",\"+15557654321\",,\"24/05/17,10:31:00+00\"\r\n" +
	"Second message\r\n" +
	"\r\nOK\r\n"

func TestPollIncoming(t *testing.T) {
	modem := newMockModem(func(cmd string) string {
		if cmd == cmdListUnread {
			return unreadListResponse
		}
		return "\r\nOK\r\n"
	})
	bridge := newAttachedBridge(t, modem)

	if err := bridge.pollIncoming(); err != nil {
		t.Fatalf("pollIncoming() error = %v", err)
	}

	first, ok := bridge.TryReceive()
	if !ok {
		t.Fatal("no first message queued")
	}
	if first.Phone != "+15551234567" || first.Body != "Hello there" {
		t.Errorf("first message = %+v", first)
	}
	if first.Timestamp == 0 {
		t.Error("receipt timestamp not stamped")
	}

	second, ok := bridge.TryReceive()
	if !ok {
		t.Fatal("no second message queued")
	}
	if second.Phone != "+15557654321" || second.Body != "Second message" {
		t.Errorf("second message = %+v", second)
	}

	// both records must be deleted from modem storage by index
	cmds := mapset(modem.commands())
	for _, del := range []string{cmdDeletePrefix + "1", cmdDeletePrefix + "4"} {
		if !cmds[del] {
			t.Errorf("modem never saw %q; commands: %v", del, modem.commands())
		}
	}
	if bridge.StatsSync().SMSReceived != 2 {
		t.Errorf("SMSReceived = %d, want 2", bridge.StatsSync().SMSReceived)
	}
}

// A full incoming queue drops the overflow but still deletes it from the
// modem, the documented single-loss window.
func TestPollIncoming_DropOnFull(t *testing.T) {
	modem := newMockModem(func(cmd string) string {
		if cmd == cmdListUnread {
			return unreadListResponse
		}
		return "\r\nOK\r\n"
	})
	bridge, err := New(&Config{
		Open:              func() (io.ReadWriteCloser, error) { return modem, nil },
		Pins:              NopPins{},
		Timings:           fastTimings(),
		IncomingQueueSize: 1,
	})
	if err != nil {
		t.Fatalf("New() error = %v", err)
	}
	bridge.attach(modem)
	defer bridge.detach()

	if err := bridge.pollIncoming(); err != nil {
		t.Fatalf("pollIncoming() error = %v", err)
	}

	if _, ok := bridge.TryReceive(); !ok {
		t.Fatal("first message missing")
	}
	if _, ok := bridge.TryReceive(); ok {
		t.Fatal("second message should have been dropped")
	}
	stats := bridge.StatsSync()
	if stats.SMSDropped != 1 {
		t.Errorf("SMSDropped = %d, want 1", stats.SMSDropped)
	}
	cmds := mapset(modem.commands())
	if !cmds[cmdDeletePrefix+"4"] {
		t.Error("dropped message was not deleted from modem storage")
	}
}

func TestParseUnreadList_Empty(t *testing.T) {
	if recs := parseUnreadList("\r\nOK\r\n"); len(recs) != 0 {
		t.Errorf("parseUnreadList(OK) = %v, want none", recs)
	}
}

func TestParseUnreadHeader(t *testing.T) {
	rec, ok := parseUnreadHeader(`+CMGL: 12,"REC UNREAD","+4912345",,"24/05/17,10:30:00+00"`)
	if !ok {
		t.Fatal("parseUnreadHeader() = !ok")
	}
	if rec.index != 12 || rec.phone != "+4912345" {
		t.Errorf("parsed %+v, want index 12 phone +4912345", rec)
	}

	if _, ok := parseUnreadHeader("+CMGL: garbage"); ok {
		t.Error("malformed header accepted")
	}
}
