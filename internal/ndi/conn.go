package ndi

import (
	"fmt"
	"time"

	"go.bug.st/serial"
)

// Conn is the raw byte link to the tracker. The production implementation
// is a serial port; tests substitute a scripted fake.
type Conn interface {
	// WriteCommand writes one framed command (CRC and CR included).
	WriteCommand(cmd []byte) error
	// ReadReply reads one reply up to and excluding the terminating CR.
	// Returns ErrTimeout if the device stays silent.
	ReadReply() ([]byte, error)
	// SetBaudRate reconfigures the host side of the link.
	SetBaudRate(baud int) error
	// SendBreak sends a serial break, hard-resetting the device to its
	// default communication parameters.
	SendBreak() error
	Close() error
}

// replyTimeout bounds one reply read. The device answers well under a
// second in every mode; TSTART can take longer while the cameras spin up.
const replyTimeout = 5 * time.Second

// serialConn is the go.bug.st/serial backed Conn.
type serialConn struct {
	port serial.Port
}

// DeviceName maps a zero-based port index to a platform device path,
// covering the probe range 0-19: the legacy UARTs first, USB adapters
// after them.
func DeviceName(index int) string {
	if index < 8 {
		return fmt.Sprintf("/dev/ttyS%d", index)
	}
	return fmt.Sprintf("/dev/ttyUSB%d", index-8)
}

// OpenSerial opens the serial device at the default 9600 8N1 settings the
// tracker powers up with.
func OpenSerial(device string) (Conn, error) {
	mode := &serial.Mode{
		BaudRate: 9600,
		DataBits: 8,
		Parity:   serial.NoParity,
		StopBits: serial.OneStopBit,
	}
	port, err := serial.Open(device, mode)
	if err != nil {
		return nil, fmt.Errorf("%w: %s: %v", ErrOpen, device, err)
	}
	if err := port.SetReadTimeout(100 * time.Millisecond); err != nil {
		port.Close()
		return nil, fmt.Errorf("ndi: set read timeout on %s: %w", device, err)
	}
	return &serialConn{port: port}, nil
}

func (c *serialConn) WriteCommand(cmd []byte) error {
	if _, err := c.port.Write(cmd); err != nil {
		return fmt.Errorf("ndi: serial write: %w", err)
	}
	return nil
}

func (c *serialConn) ReadReply() ([]byte, error) {
	deadline := time.Now().Add(replyTimeout)
	reply := make([]byte, 0, 256)
	buf := make([]byte, 1)
	for {
		n, err := c.port.Read(buf)
		if err != nil {
			return nil, fmt.Errorf("ndi: serial read: %w", err)
		}
		if n == 0 {
			// Read timeout slice elapsed with no data.
			if time.Now().After(deadline) {
				return nil, ErrTimeout
			}
			continue
		}
		if buf[0] == '\r' {
			return reply, nil
		}
		reply = append(reply, buf[0])
	}
}

func (c *serialConn) SetBaudRate(baud int) error {
	mode := &serial.Mode{
		BaudRate: baud,
		DataBits: 8,
		Parity:   serial.NoParity,
		StopBits: serial.OneStopBit,
	}
	if err := c.port.SetMode(mode); err != nil {
		return fmt.Errorf("ndi: set baud rate %d: %w", baud, err)
	}
	return nil
}

func (c *serialConn) SendBreak() error {
	if err := c.port.Break(250 * time.Millisecond); err != nil {
		return fmt.Errorf("ndi: send break: %w", err)
	}
	return nil
}

func (c *serialConn) Close() error {
	return c.port.Close()
}
