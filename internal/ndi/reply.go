package ndi

import (
	"fmt"
	"strconv"
)

// TX port status bits.
const (
	ToolInPort          = 0x01
	Switch1On           = 0x02
	Switch2On           = 0x04
	Switch3On           = 0x08
	PortInitialized     = 0x10
	PortEnabled         = 0x20
	OutOfVolume         = 0x40
	PartiallyInVolume   = 0x80
	statusValidBits     = ToolInPort | PortInitialized | PortEnabled
)

// TX system status bits.
const (
	CommSyncError   = 0x0001
	TooMuchInfrared = 0x0002
	CommCRCError    = 0x0004
	PortOccupied    = 0x0040
	PortUnoccupied  = 0x0080
)

// txHandle is the per-handle record of a TX reply.
type txHandle struct {
	missing    bool
	transform  [8]float64 // qw qx qy qz tx ty tz err
	portStatus uint32
	frameIndex uint64
}

// txReply is the parsed state of the last TX reply.
type txReply struct {
	handles      map[int]txHandle
	strays       [][3]float64
	systemStatus uint16
}

// replyCursor walks a reply string in fixed-width fields.
type replyCursor struct {
	s   string
	pos int
}

func (c *replyCursor) take(n int) (string, error) {
	for c.pos < len(c.s) && c.s[c.pos] == '\n' {
		c.pos++
	}
	if c.pos+n > len(c.s) {
		return "", fmt.Errorf("ndi: truncated reply at offset %d (want %d more bytes)", c.pos, n)
	}
	field := c.s[c.pos : c.pos+n]
	c.pos += n
	return field, nil
}

func (c *replyCursor) hex(n int) (uint64, error) {
	field, err := c.take(n)
	if err != nil {
		return 0, err
	}
	v, err := strconv.ParseUint(field, 16, 64)
	if err != nil {
		return 0, fmt.Errorf("ndi: bad hex field %q: %w", field, err)
	}
	return v, nil
}

// signed parses a sign-prefixed fixed-width decimal and applies the given
// scale divisor.
func (c *replyCursor) signed(n int, scale float64) (float64, error) {
	field, err := c.take(n)
	if err != nil {
		return 0, err
	}
	v, err := strconv.ParseFloat(field, 64)
	if err != nil {
		return 0, fmt.Errorf("ndi: bad signed field %q: %w", field, err)
	}
	return v / scale, nil
}

func (c *replyCursor) peek(s string) bool {
	for c.pos < len(c.s) && c.s[c.pos] == '\n' {
		c.pos++
	}
	return len(c.s)-c.pos >= len(s) && c.s[c.pos:c.pos+len(s)] == s
}

// TX issues a TX poll with the given mode flags ("0801" for transforms
// only, "1801" to include passive strays) and retains the parsed reply.
func (d *Device) TX(mode string) error {
	d.mu.Lock()
	defer d.mu.Unlock()

	reply, err := d.command("TX:" + mode)
	if err != nil {
		return err
	}

	withStrays := len(mode) == 4 && mode[0] == '1'
	parsed, err := parseTX(reply, withStrays)
	if err != nil {
		return err
	}
	d.tx = parsed
	return nil
}

func parseTX(reply string, withStrays bool) (txReply, error) {
	tx := txReply{handles: make(map[int]txHandle)}
	c := &replyCursor{s: reply}

	n, err := c.hex(2)
	if err != nil {
		return tx, err
	}
	for i := uint64(0); i < n; i++ {
		handle, err := c.hex(2)
		if err != nil {
			return tx, err
		}
		var h txHandle
		if c.peek("MISSING") {
			if _, err := c.take(len("MISSING")); err != nil {
				return tx, err
			}
			h.missing = true
		} else {
			// Quaternion in 1e-4 units, translation in 1e-2 mm units,
			// RMS error in 1e-4 units.
			for j := 0; j < 4; j++ {
				if h.transform[j], err = c.signed(6, 10000); err != nil {
					return tx, err
				}
			}
			for j := 4; j < 7; j++ {
				if h.transform[j], err = c.signed(7, 100); err != nil {
					return tx, err
				}
			}
			if h.transform[7], err = c.signed(6, 10000); err != nil {
				return tx, err
			}
		}
		status, err := c.hex(8)
		if err != nil {
			return tx, err
		}
		h.portStatus = uint32(status)
		frame, err := c.hex(8)
		if err != nil {
			return tx, err
		}
		h.frameIndex = frame
		tx.handles[int(handle)] = h
	}

	if withStrays {
		count, err := c.hex(2)
		if err != nil {
			return tx, err
		}
		if count > 0 {
			// Out-of-volume bit field: one hex digit per four markers.
			if _, err := c.take(int(count+3) / 4); err != nil {
				return tx, err
			}
			for i := uint64(0); i < count; i++ {
				var pos [3]float64
				for j := 0; j < 3; j++ {
					if pos[j], err = c.signed(7, 100); err != nil {
						return tx, err
					}
				}
				tx.strays = append(tx.strays, pos)
			}
		}
	}

	system, err := c.hex(4)
	if err != nil {
		return tx, err
	}
	tx.systemStatus = uint16(system)
	return tx, nil
}

// TXTransform returns the last polled 8-tuple for a handle. missing is
// true when the device reported the tool without a transform.
func (d *Device) TXTransform(handle int) (transform [8]float64, missing, ok bool) {
	d.mu.Lock()
	defer d.mu.Unlock()
	h, ok := d.tx.handles[handle]
	if !ok {
		return [8]float64{1, 0, 0, 0, 0, 0, 0, 0}, true, false
	}
	if h.missing {
		return [8]float64{1, 0, 0, 0, 0, 0, 0, 0}, true, true
	}
	return h.transform, false, true
}

// TXPortStatus returns the last polled port status word for a handle.
func (d *Device) TXPortStatus(handle int) uint32 {
	d.mu.Lock()
	defer d.mu.Unlock()
	return d.tx.handles[handle].portStatus
}

// TXFrame returns the last polled per-tool frame index for a handle.
func (d *Device) TXFrame(handle int) uint64 {
	d.mu.Lock()
	defer d.mu.Unlock()
	return d.tx.handles[handle].frameIndex
}

// TXPassiveStrays returns the passive stray positions of the last poll.
func (d *Device) TXPassiveStrays() [][3]float64 {
	d.mu.Lock()
	defer d.mu.Unlock()
	out := make([][3]float64, len(d.tx.strays))
	copy(out, d.tx.strays)
	return out
}

// TXSystemStatus returns the system status word of the last poll.
func (d *Device) TXSystemStatus() uint16 {
	d.mu.Lock()
	defer d.mu.Unlock()
	return d.tx.systemStatus
}

// phsrHandle is one entry of a PHSR port search reply.
type phsrHandle struct {
	Handle int
	Status uint16
}

// PHSR issues a port search with the given mode ("00" all, "01" to be
// freed, "02" to be initialized, "03" to be enabled, "04" enabled) and
// returns the matching handles.
func (d *Device) PHSR(mode string) ([]phsrHandle, error) {
	d.mu.Lock()
	defer d.mu.Unlock()

	reply, err := d.command("PHSR:" + mode)
	if err != nil {
		return nil, err
	}
	c := &replyCursor{s: reply}
	n, err := c.hex(2)
	if err != nil {
		return nil, err
	}
	handles := make([]phsrHandle, 0, n)
	for i := uint64(0); i < n; i++ {
		handle, err := c.hex(2)
		if err != nil {
			return nil, err
		}
		status, err := c.hex(3)
		if err != nil {
			return nil, err
		}
		handles = append(handles, phsrHandle{Handle: int(handle), Status: uint16(status)})
	}
	return handles, nil
}

// PHRQ requests a new port handle for a wireless tool.
func (d *Device) PHRQ() (int, error) {
	d.mu.Lock()
	defer d.mu.Unlock()

	reply, err := d.command("PHRQ:*********1****")
	if err != nil {
		return 0, err
	}
	c := &replyCursor{s: reply}
	handle, err := c.hex(2)
	if err != nil {
		return 0, err
	}
	return int(handle), nil
}

// PortInfo is the decoded PHINF reply for a handle.
type PortInfo struct {
	// Identity is the 31-character tool identity block: main type
	// (bytes 0-7), manufacturer (8-19), revision (20-22), serial number
	// (23-30).
	Identity string
	// PortStatus is the PHINF port status word.
	PortStatus uint32
	// PartNumber is the 20-character part number (flag 0004).
	PartNumber string
	// Location is the 14-character port location block (flag 0020):
	// port number at bytes 10-11, channel at 12-13.
	Location string
}

// PHINF queries port information. flags is the hex reply-option mask as
// sent on the wire: 0001 identity + status, 0004 part number, 0020 port
// location, or their unions ("0021", "0025").
func (d *Device) PHINF(handle int, flags string) (PortInfo, error) {
	d.mu.Lock()
	defer d.mu.Unlock()

	reply, err := d.command(fmt.Sprintf("PHINF:%02X%s", handle, flags))
	if err != nil {
		return PortInfo{}, err
	}

	mask, err := strconv.ParseUint(flags, 16, 16)
	if err != nil {
		return PortInfo{}, fmt.Errorf("ndi: bad PHINF flags %q: %w", flags, err)
	}

	var info PortInfo
	c := &replyCursor{s: reply}
	if mask&0x0001 != 0 {
		if info.Identity, err = c.take(31); err != nil {
			return PortInfo{}, err
		}
		status, err := c.hex(2)
		if err != nil {
			return PortInfo{}, err
		}
		info.PortStatus = uint32(status)
	}
	if mask&0x0004 != 0 {
		if info.PartNumber, err = c.take(20); err != nil {
			return PortInfo{}, err
		}
	}
	if mask&0x0020 != 0 {
		if info.Location, err = c.take(14); err != nil {
			return PortInfo{}, err
		}
	}
	return info, nil
}
