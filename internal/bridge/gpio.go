package bridge

import (
	"bufio"
	"context"
	"errors"
	"fmt"
	"io"

	"github.com/stianeikeland/go-rpio/v4"
	"go.uber.org/zap"
)

// GPIOPins names the BCM pin numbers wired to the main device's
// configuration port.
type GPIOPins struct {
	TCK int `mapstructure:"tck"`
	TMS int `mapstructure:"tms"`
	TDI int `mapstructure:"tdi"`
	TDO int `mapstructure:"tdo"`
}

// GPIOLink replays sequences by bit-banging the configuration port
// through memory-mapped GPIO.
//
// Each sequence byte drives one clock cycle: bit 0 is the TDI level,
// bit 1 is the TMS level. The build system renders complete vector
// streams into this form, reset preamble included, so the link needs no
// knowledge of the state machine behind the port.
type GPIOLink struct {
	tck, tms, tdi rpio.Pin
	tdo           rpio.Pin
	log           *zap.Logger
}

// NewGPIOLink maps the GPIO registers and drives the port to its idle
// levels. Close releases the mapping.
func NewGPIOLink(pins GPIOPins, log *zap.Logger) (*GPIOLink, error) {
	if log == nil {
		log = zap.NewNop()
	}
	if err := rpio.Open(); err != nil {
		return nil, fmt.Errorf("failed to map gpio registers: %w", err)
	}

	l := &GPIOLink{
		tck: rpio.Pin(pins.TCK),
		tms: rpio.Pin(pins.TMS),
		tdi: rpio.Pin(pins.TDI),
		tdo: rpio.Pin(pins.TDO),
		log: log,
	}
	l.tck.Output()
	l.tms.Output()
	l.tdi.Output()
	l.tdo.Input()

	// Idle with the clock low and TMS high so a stray pulse cannot move
	// the port out of its reset region.
	l.tck.Low()
	l.tms.High()
	l.tdi.Low()

	log.Info("gpio link ready",
		zap.Int("tck", pins.TCK),
		zap.Int("tms", pins.TMS),
		zap.Int("tdi", pins.TDI),
		zap.Int("tdo", pins.TDO))
	return l, nil
}

// Replay clocks the sequence out pin by pin. Cancellation is checked
// between chunks; a cancelled replay leaves the port mid-sequence and
// the main device unconfigured until the user retries.
func (l *GPIOLink) Replay(ctx context.Context, seq io.Reader) error {
	br := bufio.NewReaderSize(seq, 4096)
	buf := make([]byte, 4096)
	total := 0
	for {
		if err := ctx.Err(); err != nil {
			return err
		}
		n, err := br.Read(buf)
		for _, b := range buf[:n] {
			l.clockOut(b)
		}
		total += n
		if errors.Is(err, io.EOF) {
			break
		}
		if err != nil {
			return fmt.Errorf("failed to read sequence: %w", err)
		}
	}

	l.tms.High()
	l.tck.Low()
	l.log.Debug("sequence clocked out", zap.Int("cycles", total))
	return nil
}

func (l *GPIOLink) clockOut(b byte) {
	if b&0x01 != 0 {
		l.tdi.High()
	} else {
		l.tdi.Low()
	}
	if b&0x02 != 0 {
		l.tms.High()
	} else {
		l.tms.Low()
	}
	l.tck.High()
	l.tck.Low()
}

// Close returns the port to idle and unmaps the GPIO registers.
func (l *GPIOLink) Close() error {
	l.tck.Low()
	l.tms.High()
	return rpio.Close()
}
