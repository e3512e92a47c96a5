package main

import (
	"fmt"
	"io"
	"log/slog"
	"strings"
	"time"
)

// runFakeModem answers the driver's command set with canned responses on
// the master side of a PTY, so the whole lifecycle can be exercised
// without hardware. It understands just enough of the protocol: probe,
// the init script, registration, signal, operator, network time and the
// two-phase CMGS send.
func runFakeModem(tty io.ReadWriter, logger *slog.Logger) {
	buf := make([]byte, 1)
	var line []byte
	inBody := false

	reply := func(s string) {
		_, _ = tty.Write([]byte("\r\n" + s + "\r\n"))
	}

	for {
		n, err := tty.Read(buf)
		if err != nil {
			return
		}
		if n == 0 {
			continue
		}
		c := buf[0]

		if inBody {
			if c == 0x1A {
				inBody = false
				line = nil
				reply("+CMGS: 1\r\n\r\nOK")
			} else if c == 0x1B {
				inBody = false
				line = nil
				reply("OK")
			}
			continue
		}

		if c != '\r' && c != '\n' {
			line = append(line, c)
			continue
		}
		cmd := strings.TrimSpace(string(line))
		line = nil
		if cmd == "" {
			continue
		}
		logger.Debug("fakemodem", "command", cmd)

		switch {
		case strings.HasPrefix(cmd, "AT+CMGS="):
			_, _ = tty.Write([]byte("\r\n> "))
			inBody = true
		case cmd == "AT+CREG?":
			reply("+CREG: 0,1\r\n\r\nOK")
		case cmd == "AT+CSQ":
			reply("+CSQ: 17,99\r\n\r\nOK")
		case cmd == "AT+COPS?":
			reply("+COPS: 0,0,\"SIMNET\",7\r\n\r\nOK")
		case cmd == "AT+CCLK?":
			now := time.Now().UTC().Format("06/01/02,15:04:05")
			reply(fmt.Sprintf("+CCLK: %q\r\n\r\nOK", now+"+00"))
		case strings.HasPrefix(cmd, "AT+CMGL"):
			reply("OK")
		default:
			reply("OK")
		}
	}
}
