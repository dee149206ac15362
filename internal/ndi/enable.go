package ndi

import (
	"fmt"
	"log/slog"
	"strconv"
)

// enableToolPorts runs the port bring-up sequence. It is executed at
// connect time and again whenever a wired tool is hot-plugged during
// tracking. Most sub-step failures are logged and folded into the overall
// result; a failure to resolve a tool's port handle or to upload its SROM
// image returns at once, skipping the remaining phases (including the
// TSTART that resumes tracking). No partial teardown happens here; the
// caller decides recovery.
func (t *Tracker) enableToolPorts() error {
	t.mu.Lock()
	device := t.device
	t.mu.Unlock()
	if device == nil {
		return fmt.Errorf("ndi: not connected")
	}

	var firstErr error
	record := func(err error) {
		if err != nil {
			slog.Error("ndi: enable tool ports", "error", err)
			if firstErr == nil {
				firstErr = err
			}
		}
	}

	wasTracking := t.tracking.Load()
	if wasTracking {
		_, err := device.Command("TSTOP:")
		record(err)
	}

	// Free ports that are waiting to be freed.
	if handles, err := device.PHSR("01"); err != nil {
		record(err)
	} else {
		for _, h := range handles {
			_, err := device.Command("PHF:%02X", h.Handle)
			record(err)
		}
	}

	// Resolve handles and upload SROM images for every descriptor that
	// carries a virtual ROM (wireless, or wired with an overridden ROM).
	// This must precede initialization of the pending ports.
	for _, td := range t.descriptors {
		if td.Type != SourceTool || td.VirtualSROM == nil {
			continue
		}
		if err := t.updatePortHandle(device, td); err != nil {
			return fmt.Errorf("ndi: resolve port handle for tool %q: %w", td.SourceID, err)
		}
		if err := t.sendSromToTracker(device, td); err != nil {
			return fmt.Errorf("ndi: send SROM for tool %q: %w", td.SourceID, err)
		}
	}

	// Initialize ports waiting to be initialized. Repeated because
	// multi-channel tools expose additional handles after init.
	for {
		handles, err := device.PHSR("02")
		if err != nil {
			record(err)
			break
		}
		if len(handles) == 0 {
			break
		}
		failed := false
		for _, h := range handles {
			if _, err := device.Command("PINIT:%02X", h.Handle); err != nil {
				record(err)
				failed = true
			}
		}
		if failed {
			break
		}
	}

	// Enable initialized ports, choosing the mode from the tool class.
	if handles, err := device.PHSR("03"); err != nil {
		record(err)
	} else {
		for _, h := range handles {
			mode := byte('D')
			info, err := device.PHINF(h.Handle, "0001")
			if err != nil {
				record(err)
			} else if len(info.Identity) > 1 {
				switch info.Identity[1] {
				case 0x03: // button-box
					mode = 'B'
				case 0x01: // reference
					mode = 'S'
				}
			}
			_, err = device.Command("PENA:%02X%c", h.Handle, mode)
			record(err)
		}
	}

	// Resolve handles for wired tools without virtual ROMs. This has to
	// happen after enabling, because tools on splitters (two 5-DOF tools
	// on one connector) only appear once the port is enabled.
	for _, td := range t.descriptors {
		if td.Type != SourceTool || td.WiredPortNumber < 0 || td.VirtualSROM != nil {
			continue
		}
		if err := t.updatePortHandle(device, td); err != nil {
			return fmt.Errorf("ndi: resolve port handle for tool %q: %w", td.SourceID, err)
		}
	}

	// Refresh tool identities.
	if _, err := device.PHSR("00"); err != nil {
		record(err)
	}
	for _, td := range t.descriptors {
		if td.Type != SourceTool {
			continue
		}
		t.mu.Lock()
		handle := td.PortHandle
		t.mu.Unlock()
		if handle <= 0 {
			continue
		}

		info, err := device.PHINF(handle, "0025")
		if err != nil {
			record(err)
			continue
		}
		// Decompose the identity block. The PHINF port-status word stays
		// separate from the sequence's success accumulator; only the
		// enabled-bit check below can fail the step.
		if len(info.Identity) >= 31 {
			td.SetProperty("SerialNumber", trimmed(info.Identity[23:31]))
			td.SetProperty("Revision", trimmed(info.Identity[20:23]))
			td.SetProperty("Manufacturer", trimmed(info.Identity[8:20]))
			td.SetProperty("NdiIdentity", trimmed(info.Identity[0:8]))
		}
		td.SetProperty("PartNumber", trimmed(info.PartNumber))

		enabled := info.PortStatus&PortEnabled != 0
		t.mu.Lock()
		td.PortEnabled = enabled
		t.mu.Unlock()
		if !enabled {
			record(fmt.Errorf("ndi: tool %q did not reach enabled state", td.SourceID))
		}
	}

	if wasTracking {
		_, err := device.Command("TSTART:")
		record(err)
	}

	return firstErr
}

// updatePortHandle resolves a descriptor's port handle: wired tools are
// matched by the PHINF port location (a combined port/channel number so
// 5-DOF splitter tools resolve correctly), wireless tools request a fresh
// handle.
func (t *Tracker) updatePortHandle(device *Device, td *ToolDescriptor) error {
	if td.WiredPortNumber >= 0 {
		handles, err := device.PHSR("00")
		if err != nil {
			return err
		}
		for _, h := range handles {
			if h.Status&ToolInPort == 0 {
				continue
			}
			info, err := device.PHINF(h.Handle, "0021")
			if err != nil {
				return err
			}
			if len(info.Location) < 14 {
				continue
			}
			portNumber := digit(info.Location[10])*10 + digit(info.Location[11]) - 1
			channel := digit(info.Location[12])*10 + digit(info.Location[13])
			if td.WiredPortNumber == channel*100+portNumber {
				t.mu.Lock()
				td.PortHandle = h.Handle
				t.mu.Unlock()
				return nil
			}
		}
		return fmt.Errorf("ndi: no active tool found in port %d (is it plugged in?)", td.WiredPortNumber)
	}

	handle, err := device.PHRQ()
	if err != nil {
		return err
	}
	t.mu.Lock()
	td.PortHandle = handle
	t.mu.Unlock()
	return nil
}

// sromBlockSize is the PVWR transfer block size in bytes.
const sromBlockSize = 64

// sendSromToTracker uploads a descriptor's virtual ROM image in 64-byte
// blocks. The device mutex is held across the whole upload so the poll
// loop cannot interleave commands with the transfer.
func (t *Tracker) sendSromToTracker(device *Device, td *ToolDescriptor) error {
	if td.VirtualSROM == nil {
		return nil
	}
	t.mu.Lock()
	handle := td.PortHandle
	t.mu.Unlock()

	device.mu.Lock()
	defer device.mu.Unlock()
	for offset := 0; offset < VirtualSromSize; offset += sromBlockSize {
		if _, err := device.command("VER:0"); err != nil {
			return err
		}
		block := td.VirtualSROM[offset : offset+sromBlockSize]
		if _, err := device.command(fmt.Sprintf("PVWR:%02X%04X%X", handle, offset, block)); err != nil {
			return err
		}
	}
	return nil
}

// clearVirtualSrom frees the port handle holding a virtual ROM.
func (t *Tracker) clearVirtualSrom(device *Device, td *ToolDescriptor) {
	if td.VirtualSROM == nil {
		return
	}
	t.mu.Lock()
	handle := td.PortHandle
	td.PortEnabled = false
	td.PortHandle = 0
	t.mu.Unlock()
	if handle > 0 {
		if _, err := device.Command("PHF:%02X", handle); err != nil {
			slog.Error("ndi: free virtual ROM port", "tool", td.SourceID, "error", err)
		}
	}
}

// disableToolPorts disables every enabled port.
func (t *Tracker) disableToolPorts(device *Device) {
	wasTracking := t.tracking.Load()
	if wasTracking {
		if _, err := device.Command("TSTOP:"); err != nil {
			slog.Error("ndi: TSTOP before disabling ports", "error", err)
		}
	}

	if handles, err := device.PHSR("04"); err != nil {
		slog.Error("ndi: search enabled ports", "error", err)
	} else {
		for _, h := range handles {
			if _, err := device.Command("PDIS:%02X", h.Handle); err != nil {
				slog.Error("ndi: disable port", "handle", h.Handle, "error", err)
			}
		}
	}

	t.mu.Lock()
	for _, td := range t.descriptors {
		td.PortEnabled = false
	}
	t.mu.Unlock()

	if wasTracking {
		if _, err := device.Command("TSTART:"); err != nil {
			slog.Error("ndi: TSTART after disabling ports", "error", err)
		}
	}
}

// logVolumeList logs the SFLIST volume descriptors; selectedVolume
// restricts the listing to one volume (0 = all).
func logVolumeList(reply string, selectedVolume int, level slog.Level) {
	logf := slog.Debug
	if level >= slog.LevelInfo {
		logf = slog.Info
	}

	if len(reply) < 1 {
		return
	}
	count64, err := strconv.ParseUint(reply[0:1], 16, 8)
	if err != nil {
		return
	}
	count := int(count64)
	if selectedVolume == 0 {
		logf("ndi: measurement volumes available", "count", count)
	}
	for i := 0; i < count; i++ {
		if selectedVolume > 0 && selectedVolume != i+1 {
			continue
		}
		start := 1 + i*74
		if start+73 > len(reply) {
			break
		}
		descriptor := reply[start : start+74]

		shape := "unknown"
		switch descriptor[0] {
		case '9':
			shape = "cube"
		case 'A':
			shape = "dome"
		}
		dims := make([]int64, 10)
		for d := 0; d < 10; d++ {
			v, _ := strconv.ParseInt(descriptor[1+d*7:8+d*7], 10, 64)
			dims[d] = v / 100
		}
		metal := "no information"
		switch descriptor[72] {
		case '1':
			metal = "metal resistant"
		case '2':
			metal = "not metal resistant"
		}
		logf("ndi: measurement volume",
			"volume", i+1,
			"shape", shape,
			"x_min", dims[0], "x_max", dims[1],
			"y_min", dims[2], "y_max", dims[3],
			"z_min", dims[4], "z_max", dims[5],
			"metal_resistance", metal,
		)
	}
}

func digit(c byte) int { return int(c - '0') }

func trimmed(s string) string {
	start, end := 0, len(s)
	for start < end && (s[start] == ' ' || s[start] == 0) {
		start++
	}
	for end > start && (s[end-1] == ' ' || s[end-1] == 0) {
		end--
	}
	return s[start:end]
}
