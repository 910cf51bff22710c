package kettler

import (
	"fmt"
	"time"

	"go.bug.st/serial"
)

const readTimeout = 1 * time.Second

// PortOpener returns an OpenPortFunc for the tty at path. The head unit
// speaks 8N1 and needs a read timeout so the read loop can notice shutdown.
func PortOpener(path string, baudRate int) OpenPortFunc {
	return func() (Port, error) {
		mode := &serial.Mode{
			BaudRate: baudRate,
			DataBits: 8,
			Parity:   serial.NoParity,
			StopBits: serial.OneStopBit,
		}
		port, err := serial.Open(path, mode)
		if err != nil {
			return nil, fmt.Errorf("failed to open %s: %w", path, err)
		}
		if err := port.SetReadTimeout(readTimeout); err != nil {
			_ = port.Close()
			return nil, fmt.Errorf("failed to set read timeout on %s: %w", path, err)
		}
		return port, nil
	}
}
