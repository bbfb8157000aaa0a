package serial

import (
	"github.com/pkg/errors"
	"github.com/tarm/serial"
)

// OpenPort opens a real OS serial port (USB-UART, onboard UART, ...) to the
// companion computer at the given path and baud rate, matching how a
// sibling board project talks to its tethered link.
func OpenPort(path string, baud int) (Port, error) {
	cfg := &serial.Config{Name: path, Baud: baud, ReadTimeout: IOTimeout}
	p, err := serial.OpenPort(cfg)
	if err != nil {
		return nil, errors.Wrapf(err, "open serial port %q", path)
	}
	return p, nil
}
