package session

import (
	"errors"
	"fmt"
	"io"
	"time"

	"fwlink/internal/fault"
	"fwlink/internal/logx"

	"go.bug.st/serial"
)

// Port is the transport handle a Session owns exclusively.
type Port interface {
	io.ReadWriteCloser
}

// ReadTimeouter is implemented by ports that support bounded reads. The
// session polls with it so the reader can notice a close request.
type ReadTimeouter interface {
	SetReadTimeout(timeout time.Duration) error
}

// Opener opens a transport to a device path.
type Opener interface {
	Open(path string, baud int) (Port, error)
}

// OpenerFunc adapts a function to Opener.
type OpenerFunc func(path string, baud int) (Port, error)

func (f OpenerFunc) Open(path string, baud int) (Port, error) { return f(path, baud) }

// SerialOpener opens real serial ports with go.bug.st/serial using 8N1 framing.
type SerialOpener struct{}

func (SerialOpener) Open(path string, baud int) (Port, error) {
	mode := &serial.Mode{
		BaudRate: baud,
		DataBits: 8,
		Parity:   serial.NoParity,
		StopBits: serial.OneStopBit,
	}
	logx.Debugf("serial: opening port %s baud=%d", path, baud)
	port, err := serial.Open(path, mode)
	if err != nil {
		return nil, fmt.Errorf("open serial port %s: %w", path, err)
	}
	return port, nil
}

// classifyOpenError maps a transport open failure to PortUnavailable while
// keeping the driver cause for diagnostics.
func classifyOpenError(path string, err error) error {
	var pe *serial.PortError
	if errors.As(err, &pe) {
		switch pe.Code() {
		case serial.PortNotFound:
			logx.Debugf("serial: %s not found", path)
		case serial.PortBusy:
			logx.Debugf("serial: %s busy", path)
		case serial.PermissionDenied:
			logx.Debugf("serial: %s permission denied", path)
		case serial.InvalidSerialPort:
			logx.Debugf("serial: %s is not a serial port", path)
		default:
			logx.Debugf("serial: %s open failed: %s", path, pe.EncodedErrorString())
		}
	}
	return fault.New("session.open", fault.PortUnavailable, err)
}
