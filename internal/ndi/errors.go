package ndi

import (
	"errors"
	"fmt"
)

// Host-side errors of the serial dialogue.
var (
	// ErrBadCRC means a reply failed its CRC check. Transient: the next
	// poll usually succeeds.
	ErrBadCRC = errors.New("ndi: reply CRC check failed")
	// ErrTimeout means the device did not answer within the read timeout.
	// Transient during tracking, fatal during connect.
	ErrTimeout = errors.New("ndi: timeout waiting for reply")
	// ErrOpen means the serial device could not be opened.
	ErrOpen = errors.New("ndi: cannot open serial device")
)

// DeviceError is an error code reported by the tracker itself in an
// "ERRORxx" reply.
type DeviceError struct {
	Code byte
}

func (e DeviceError) Error() string {
	if desc, ok := deviceErrorText[e.Code]; ok {
		return fmt.Sprintf("ndi: device error %02X: %s", e.Code, desc)
	}
	return fmt.Sprintf("ndi: device error %02X", e.Code)
}

// deviceErrorText maps the vendor error codes this driver encounters.
var deviceErrorText = map[byte]string{
	0x01: "invalid command",
	0x02: "command too long",
	0x03: "command too short",
	0x04: "invalid CRC calculated for command",
	0x05: "time-out on command execution",
	0x06: "unable to set up new communication parameters",
	0x07: "incorrect number of command parameters",
	0x08: "invalid port handle selected",
	0x09: "invalid tracking priority selected",
	0x0A: "invalid LED selected",
	0x0B: "invalid LED state selected",
	0x0C: "command is invalid while in the current mode",
	0x0D: "no tool assigned to the selected port handle",
	0x0E: "selected port handle not initialized",
	0x0F: "selected port handle not enabled",
	0x10: "system not initialized",
	0x11: "unable to stop tracking",
	0x12: "unable to start tracking",
	0x13: "unable to initialize tool in port",
	0x14: "invalid position sensor characterization parameters",
	0x15: "unable to initialize the measurement system",
	0x16: "unable to start diagnostic mode",
	0x17: "unable to stop diagnostic mode",
	0x1B: "unable to initialize the measurement system volume",
	0x23: "unable to read device's firmware version information",
	0x2A: "SROM device data is corrupt",
	0x2B: "unable to read SROM device data",
	0x2C: "unable to write SROM device data",
	0x33: "feature unavailable",
}

// IsTransient reports whether an error should be treated as a skipped
// tick rather than a failure of the session. Grouping errors this way
// keeps the poll loop alive through the CRC glitches and timeouts a busy
// serial link produces.
func IsTransient(err error) bool {
	return errors.Is(err, ErrBadCRC) || errors.Is(err, ErrTimeout)
}
