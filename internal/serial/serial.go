package serial

import (
	"fmt"
	"time"

	"go.bug.st/serial"
)

// Port wraps a serial connection to the Tiliqua debug bridge.
type Port struct {
	port     serial.Port
	portName string
	baudRate int
}

// Open opens a serial port with the specified baud rate. The bridge is a
// CDC device and ignores the rate, but hardware UART adapters in the
// same role do not, so it stays configurable.
func Open(portName string, baudRate int) (*Port, error) {
	mode := &serial.Mode{
		BaudRate: baudRate,
		DataBits: 8,
		Parity:   serial.NoParity,
		StopBits: serial.OneStopBit,
	}

	port, err := serial.Open(portName, mode)
	if err != nil {
		return nil, fmt.Errorf("failed to open port %s: %w", portName, err)
	}

	if err := port.SetReadTimeout(100 * time.Millisecond); err != nil {
		port.Close()
		return nil, fmt.Errorf("failed to set read timeout: %w", err)
	}

	return &Port{
		port:     port,
		portName: portName,
		baudRate: baudRate,
	}, nil
}

// Close closes the serial port.
func (p *Port) Close() error {
	if p.port != nil {
		return p.port.Close()
	}
	return nil
}

// Write writes data to the serial port.
func (p *Port) Write(data []byte) (int, error) {
	return p.port.Write(data)
}

// Read reads data from the serial port.
func (p *Port) Read(buf []byte) (int, error) {
	return p.port.Read(buf)
}

// StreamMode switches the port to blocking reads. The default 100ms
// read timeout suits command-response exchanges; a long-lived stream
// watcher wants to sleep until bytes arrive, and closing the port is
// what unblocks it.
func (p *Port) StreamMode() error {
	if err := p.port.SetReadTimeout(serial.NoTimeout); err != nil {
		return fmt.Errorf("failed to disable read timeout: %w", err)
	}
	return nil
}

// ReadWithTimeout reads data with a specific timeout.
func (p *Port) ReadWithTimeout(buf []byte, timeout time.Duration) (int, error) {
	if err := p.port.SetReadTimeout(timeout); err != nil {
		return 0, err
	}
	defer p.port.SetReadTimeout(100 * time.Millisecond)

	return p.port.Read(buf)
}

// ReadAll reads all available data with a timeout.
func (p *Port) ReadAll(timeout time.Duration) ([]byte, error) {
	if err := p.port.SetReadTimeout(timeout); err != nil {
		return nil, err
	}

	var result []byte
	buf := make([]byte, 1024)
	deadline := time.Now().Add(timeout)

	for time.Now().Before(deadline) {
		n, err := p.port.Read(buf)
		if n > 0 {
			result = append(result, buf[:n]...)
		}
		if err != nil {
			break
		}
		if n == 0 {
			break
		}
	}

	return result, nil
}

// Flush discards any buffered input.
func (p *Port) Flush() error {
	return p.port.ResetInputBuffer()
}

// SetDTR sets the DTR signal.
func (p *Port) SetDTR(value bool) error {
	return p.port.SetDTR(value)
}

// SetRTS sets the RTS signal.
func (p *Port) SetRTS(value bool) error {
	return p.port.SetRTS(value)
}

// Handshake prepares the CDC link. The bridge firmware gates its
// transmit path on DTR, so assert it, then discard anything that
// accumulated in the input buffer before we started listening.
func (p *Port) Handshake() error {
	if err := p.SetDTR(true); err != nil {
		return fmt.Errorf("failed to assert DTR: %w", err)
	}
	if err := p.SetRTS(false); err != nil {
		return fmt.Errorf("failed to clear RTS: %w", err)
	}
	time.Sleep(100 * time.Millisecond)
	return p.Flush()
}

// PortName returns the port name.
func (p *Port) PortName() string {
	return p.portName
}

// BaudRate returns the current baud rate.
func (p *Port) BaudRate() int {
	return p.baudRate
}

// ListPorts returns a list of available serial ports.
func ListPorts() ([]string, error) {
	ports, err := serial.GetPortsList()
	if err != nil {
		return nil, err
	}
	return ports, nil
}
