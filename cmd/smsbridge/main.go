package main

import (
	"bufio"
	"fmt"
	"io"
	"log/slog"
	"os"
	"os/signal"
	"strings"
	"syscall"
	"time"

	"github.com/aymanbagabas/go-pty"
	"github.com/jessevdk/go-flags"
	"go.bug.st/serial"

	sb "github.com/pelgraine/Meck-sub000"
	"github.com/pelgraine/Meck-sub000/convstore"
)

type options struct {
	Device      string `short:"d" long:"device" description:"serial device of the modem" default:"/dev/ttyUSB0"`
	Baud        int    `short:"b" long:"baud" description:"baud rate" default:"115200"`
	Dir         string `long:"dir" description:"conversation store directory" default:"conversations"`
	EnabledFile string `long:"enabled-file" description:"SMS enable toggle file" default:"sms_enabled"`
	Sim         bool   `long:"sim" description:"run against a built-in fake modem on a PTY"`
	Debug       bool   `long:"debug" description:"debug logging"`
}

func main() {
	var opts options
	if _, err := flags.Parse(&opts); err != nil {
		if flags.WroteHelp(err) {
			return
		}
		os.Exit(1)
	}

	logger := newLogger(opts.Debug)
	slog.SetDefault(logger)

	device := opts.Device
	if opts.Sim {
		tty, err := pty.New()
		if err != nil {
			logger.Error("pty", "error", err)
			os.Exit(1)
		}
		defer tty.Close()
		go runFakeModem(tty, logger)
		device = tty.Name()
		logger.Info("simulated modem", "tty", device)
	}

	open := func() (io.ReadWriteCloser, error) {
		if opts.Sim {
			return os.OpenFile(device, os.O_RDWR, 0)
		}
		return serial.Open(device, &serial.Mode{BaudRate: opts.Baud})
	}

	store := convstore.New(opts.Dir)
	bridge, err := sb.New(&sb.Config{
		Open:   open,
		Pins:   sb.NopPins{},
		Logger: logger,
	})
	if err != nil {
		logger.Error("bridge", "error", err)
		os.Exit(1)
	}
	bridge.Start()

	go readSendRequests(os.Stdin, bridge, store, opts.EnabledFile, logger)

	sig := make(chan os.Signal, 1)
	signal.Notify(sig, os.Interrupt, syscall.SIGTERM)

	drain := time.NewTicker(500 * time.Millisecond)
	defer drain.Stop()
	status := time.NewTicker(10 * time.Second)
	defer status.Stop()

	for {
		select {
		case <-drain.C:
			for {
				msg, ok := bridge.TryReceive()
				if !ok {
					break
				}
				logger.Info("sms received", "phone", msg.Phone, "body", msg.Body)
				if !store.SaveMessage(msg.Phone, msg.Body, false, msg.Timestamp) {
					logger.Warn("failed to persist incoming message", "phone", msg.Phone)
				}
			}
		case <-status.C:
			logger.Info("modem status",
				"state", bridge.StateSync(),
				"bars", bridge.SignalBarsSync(),
				"operator", bridge.OperatorSync())
		case <-sig:
			logger.Info("shutting down")
			bridge.Shutdown()
			return
		}
	}
}

// readSendRequests accepts "PHONE MESSAGE..." lines on r and submits them.
// Sent messages are persisted by this consumer, not by the driver, so the
// store stays independent of the modem session.
func readSendRequests(r io.Reader, bridge *sb.Bridge, store *convstore.Store, enabledFile string, logger *slog.Logger) {
	scanner := bufio.NewScanner(r)
	for scanner.Scan() {
		line := strings.TrimSpace(scanner.Text())
		if line == "" {
			continue
		}
		phone, body, found := strings.Cut(line, " ")
		if !found {
			fmt.Println("usage: PHONE MESSAGE")
			continue
		}
		if !convstore.LoadEnabled(enabledFile) {
			logger.Warn("sms disabled by toggle file", "file", enabledFile)
			continue
		}
		if !bridge.TrySend(phone, body) {
			logger.Warn("outgoing queue full", "phone", phone)
			continue
		}
		store.SaveMessage(phone, body, true, uint32(bridge.Clock().Now().Unix()))
	}
}
