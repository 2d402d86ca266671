package ingest

import (
	"bufio"
	"context"
	"fmt"
	"io"
	"log/slog"
	"strings"
	"time"

	"go.bug.st/serial"

	"vibranium/internal/config"
	"vibranium/internal/model"
	"vibranium/internal/normalize"
)

// SerialMode builds the port settings of a BLE-UART bridge.
func SerialMode(c config.SerialConfig) (*serial.Mode, error) {
	mode := &serial.Mode{
		BaudRate: c.BaudRate,
		DataBits: c.DataBits,
		Parity:   serial.NoParity,
		StopBits: serial.OneStopBit,
	}
	if mode.BaudRate <= 0 {
		mode.BaudRate = 115200
	}
	if mode.DataBits <= 0 {
		mode.DataBits = 8
	}
	switch strings.ToLower(strings.TrimSpace(c.Parity)) {
	case "", "none", "n":
	case "even", "e":
		mode.Parity = serial.EvenParity
	case "odd", "o":
		mode.Parity = serial.OddParity
	default:
		return nil, fmt.Errorf("unknown parity %q", c.Parity)
	}
	switch c.StopBits {
	case 0, 1:
	case 2:
		mode.StopBits = serial.TwoStopBits
	default:
		return nil, fmt.Errorf("unsupported stop bits %d", c.StopBits)
	}
	return mode, nil
}

// StartSerial reads notifications from a serial bridge, one per line, and
// reopens the port after read errors.
func StartSerial(ctx context.Context, cfg *config.Manager, parser *Parser, out chan<- model.PacketEvent, logger *slog.Logger) {
	current := cfg.Get().Ingest.Serial
	if !current.Enabled {
		if logger != nil {
			logger.Info("serial ingest disabled")
		}
		return
	}
	mode, err := SerialMode(current)
	if err != nil {
		if logger != nil {
			logger.Error("serial config error", "err", err)
		}
		return
	}
	if logger != nil {
		logger.Info("serial ingest enabled", "port", current.Port, "baud_rate", mode.BaudRate)
	}
	endpoint := normalize.MAC(current.Endpoint)
	go func() {
		for ctx.Err() == nil {
			port, err := serial.Open(current.Port, mode)
			if err != nil {
				if logger != nil {
					logger.Warn("serial open failed", "port", current.Port, "err", err)
				}
				if !BackoffSleep(ctx, 2*time.Second) {
					return
				}
				continue
			}
			readLines(ctx, port, parser, "serial", endpoint, out, logger)
			_ = port.Close()
			if !BackoffSleep(ctx, 500*time.Millisecond) {
				return
			}
		}
	}()
}

// readLines feeds every line of r to the parser until r fails or ctx ends.
func readLines(ctx context.Context, r io.ReadCloser, parser *Parser, source, endpoint string, out chan<- model.PacketEvent, logger *slog.Logger) {
	done := make(chan struct{})
	defer close(done)
	go func() {
		select {
		case <-ctx.Done():
			_ = r.Close()
		case <-done:
		}
	}()
	scanner := bufio.NewScanner(r)
	for scanner.Scan() {
		deliver(ctx, parser, scanner.Text(), source, endpoint, out, logger)
	}
	if err := scanner.Err(); err != nil && ctx.Err() == nil && logger != nil {
		logger.Warn("serial read error", "source", source, "err", err)
	}
}
