package detect

import (
	"fmt"
	"strings"
	"time"

	"go.bug.st/serial/enumerator"

	"github.com/apfaudio/tiliqua/internal/progproto"
	"github.com/apfaudio/tiliqua/internal/serial"
	"github.com/apfaudio/tiliqua/internal/slip"
)

// USB identity of the debug bridge (RP2040 CDC).
const (
	bridgeVendorID = "2E8A"
	bridgeProduct  = "apfbug"
)

// Result represents a detected debug bridge.
type Result struct {
	Port   string
	HwRev  uint32
	Serial string
	Name   string
}

// DetectDevice tries to detect a debug bridge on available ports.
// Returns the first bridge that answers a sync, or an error.
func DetectDevice(baudRate int) (*Result, error) {
	ports, err := candidatePorts()
	if err != nil {
		return nil, fmt.Errorf("failed to list ports: %w", err)
	}

	if len(ports) == 0 {
		return nil, fmt.Errorf("no serial ports found")
	}

	var lastErr error
	for _, portName := range ports {
		result, err := tryPort(portName, baudRate)
		if err != nil {
			lastErr = err
			continue
		}
		return result, nil
	}

	if lastErr != nil {
		return nil, fmt.Errorf("no debug bridge found (last error: %w)", lastErr)
	}
	return nil, fmt.Errorf("no debug bridge found")
}

// DetectOnPort tries to detect a debug bridge on a specific port.
func DetectOnPort(portName string, baudRate int) (*Result, error) {
	return tryPort(portName, baudRate)
}

// ListDevices scans all candidate ports and returns every bridge found.
func ListDevices(baudRate int) ([]Result, error) {
	ports, err := candidatePorts()
	if err != nil {
		return nil, fmt.Errorf("failed to list ports: %w", err)
	}

	var results []Result
	for _, portName := range ports {
		result, err := tryPort(portName, baudRate)
		if err == nil {
			results = append(results, *result)
		}
	}

	return results, nil
}

// candidatePorts returns ports carrying the bridge's USB identity, or
// every serial port when USB enumeration finds no match. The probe
// fallback covers UART adapters that expose no USB descriptors.
func candidatePorts() ([]string, error) {
	details, err := enumerator.GetDetailedPortsList()
	if err == nil {
		var matched []string
		for _, d := range details {
			if !d.IsUSB {
				continue
			}
			if strings.EqualFold(d.VID, bridgeVendorID) ||
				strings.Contains(strings.ToLower(d.Product), bridgeProduct) {
				matched = append(matched, d.Name)
			}
		}
		if len(matched) > 0 {
			return matched, nil
		}
	}
	return serial.ListPorts()
}

func tryPort(portName string, baudRate int) (*Result, error) {
	port, err := serial.Open(portName, baudRate)
	if err != nil {
		return nil, err
	}
	defer port.Close()

	if err := port.Handshake(); err != nil {
		return nil, fmt.Errorf("failed to handshake: %w", err)
	}

	if err := syncWithGateway(port); err != nil {
		return nil, fmt.Errorf("failed to sync: %w", err)
	}

	info, err := getChipInfo(port)
	if err != nil {
		// Sync worked, so something bridge-shaped is there even if it
		// will not identify itself.
		return &Result{
			Port: portName,
			Name: progproto.DeviceName(0),
		}, nil
	}

	return &Result{
		Port:   portName,
		HwRev:  info.HwRev,
		Serial: info.Serial,
		Name:   progproto.DeviceName(info.HwRev),
	}, nil
}

func syncWithGateway(port *serial.Port) error {
	syncReq := progproto.NewRequest(progproto.CmdSync, progproto.SyncData())
	frame := slip.Encode(syncReq.Encode())

	for attempt := 0; attempt < 5; attempt++ {
		if _, err := port.Write(frame); err != nil {
			continue
		}

		time.Sleep(50 * time.Millisecond)

		response, err := port.ReadAll(200 * time.Millisecond)
		if err != nil {
			continue
		}
		if len(response) == 0 {
			continue
		}

		respFrame, _ := slip.ReadFrame(response)
		if respFrame == nil {
			continue
		}

		data := slip.Decode(respFrame)
		if len(data) < 10 {
			continue
		}

		resp, err := progproto.DecodeResponse(data)
		if err != nil {
			continue
		}

		if resp.Command == progproto.CmdSync && resp.IsSuccess() {
			return nil
		}
	}

	return fmt.Errorf("sync failed after 5 attempts")
}

func getChipInfo(port *serial.Port) (*progproto.ChipInfo, error) {
	req := progproto.NewRequest(progproto.CmdChipInfo, nil)
	frame := slip.Encode(req.Encode())

	if _, err := port.Write(frame); err != nil {
		return nil, err
	}

	time.Sleep(50 * time.Millisecond)

	response, err := port.ReadAll(200 * time.Millisecond)
	if err != nil {
		return nil, err
	}

	respFrame, _ := slip.ReadFrame(response)
	if respFrame == nil {
		return nil, fmt.Errorf("no response frame")
	}

	data := slip.Decode(respFrame)
	resp, err := progproto.DecodeResponse(data)
	if err != nil {
		return nil, err
	}

	if !resp.IsSuccess() {
		return nil, fmt.Errorf("chip info failed: %s", resp.ErrorString())
	}

	return progproto.ParseChipInfo(resp.Data)
}
