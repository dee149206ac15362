// Package ndi drives an NDI optical tracker over a serial link: it owns
// the command dialogue, the port/tool lifecycle, the acquisition loop
// that polls pose frames into the frame buffer, and the stray-marker
// association that gives unassociated reflectors stable identities.
package ndi

import (
	"context"
	"fmt"
	"log/slog"
	"strings"
	"sync"
	"sync/atomic"
	"time"

	"github.com/e7canasta/navlink/internal/framebuffer"
	"github.com/e7canasta/navlink/internal/types"
)

// State is the tracker connection state.
type State int

const (
	StateClosed State = iota
	StateOpen
	StateInitialized
	StateConfigured
	StateToolsEnabled
	StateTracking
)

// String returns the state name.
func (s State) String() string {
	switch s {
	case StateClosed:
		return "CLOSED"
	case StateOpen:
		return "OPEN"
	case StateInitialized:
		return "INITIALIZED"
	case StateConfigured:
		return "CONFIGURED"
	case StateToolsEnabled:
		return "TOOLS_ENABLED"
	case StateTracking:
		return "TRACKING"
	default:
		return "UNKNOWN"
	}
}

// maxProbePorts is the probe scan range when no serial port is configured.
const maxProbePorts = 20

// baudCodes maps supported baud rates to the vendor COMM codes.
var baudCodes = map[int]int{
	9600:    0,
	14400:   1,
	19200:   2,
	38400:   3,
	57600:   4,
	115200:  5,
	921600:  6,
	1228739: 7,
}

// ToolSource describes one configured tool.
type ToolSource struct {
	ID string
	// WiredPortNumber is the combined port/channel number (-1 = wireless).
	WiredPortNumber int
	// RomFile is the path of a virtual SROM image; required for wireless
	// tools, optional override for wired ones.
	RomFile string
}

// Config holds the tracker settings.
type Config struct {
	// SerialPort is the zero-based port index; -1 probes ports 0-19.
	SerialPort int
	// BaudRate must be one of the enumerated rates in baudCodes.
	BaudRate int
	// MeasurementVolumeNumber selects a volume (0 = device default).
	MeasurementVolumeNumber int
	// MaxNumberOfStrays is the stray slot count (0 disables strays).
	MaxNumberOfStrays int
	// ReferenceFrame names the frame tool transforms are expressed in.
	ReferenceFrame string
	// StrayReferenceFrame names the frame stray transforms are expressed in.
	StrayReferenceFrame string
	// AcquisitionRateHz is the polling rate (default 50).
	AcquisitionRateHz float64
	Tools             []ToolSource
}

// LEDState selects a visible LED state for SetToolLED.
type LEDState int

const (
	LEDOff LEDState = iota
	LEDOn
	LEDFlash
)

// TrackerStats is a snapshot of driver counters.
type TrackerStats struct {
	State           string
	Version         string
	Tracking        bool
	FramesAcquired  uint64
	TicksSkipped    uint64
	PollErrors      uint64
	HotplugEvents   uint64
	LastFrameNumber uint64
}

// Tracker is the driver. Lifecycle: New → Probe (optional) → Connect →
// StartTracking(ctx) → StopTracking → Disconnect.
type Tracker struct {
	cfg    Config
	buffer *framebuffer.Buffer
	clock  *framebuffer.Clock

	// open is the connection factory; tests substitute a scripted fake.
	open func(deviceName string) (Conn, error)

	mu          sync.Mutex
	state       State
	version     string
	device      *Device
	descriptors []*ToolDescriptor
	serialPort  int // resolved port index after a probe

	strays   *strayTracker
	tracking atomic.Bool

	cancel context.CancelFunc
	wg     sync.WaitGroup

	lastFrameNumber atomic.Uint64
	framesAcquired  atomic.Uint64
	ticksSkipped    atomic.Uint64
	pollErrors      atomic.Uint64
	hotplugEvents   atomic.Uint64
}

// New validates the configuration, loads SROM images, and builds the tool
// slot table. No device I/O happens until Probe or Connect.
func New(cfg Config, buffer *framebuffer.Buffer, clock *framebuffer.Clock) (*Tracker, error) {
	if _, ok := baudCodes[cfg.BaudRate]; !ok {
		return nil, fmt.Errorf("ndi: illegal baud rate %d (valid: 9600, 14400, 19200, 38400, 57600, 115200, 921600, 1228739)", cfg.BaudRate)
	}
	if cfg.AcquisitionRateHz <= 0 {
		cfg.AcquisitionRateHz = 50
	}
	if cfg.ReferenceFrame == "" {
		cfg.ReferenceFrame = "Tracker"
	}
	if cfg.StrayReferenceFrame == "" {
		cfg.StrayReferenceFrame = "Tracker"
	}

	t := &Tracker{
		cfg:        cfg,
		buffer:     buffer,
		clock:      clock,
		open:       OpenSerial,
		serialPort: cfg.SerialPort,
	}

	for _, src := range cfg.Tools {
		td := &ToolDescriptor{
			SourceID:        src.ID,
			TransformName:   src.ID + "To" + cfg.ReferenceFrame,
			Type:            SourceTool,
			WiredPortNumber: src.WiredPortNumber,
		}
		if src.RomFile != "" {
			if src.WiredPortNumber >= 0 {
				slog.Warn("ndi: tool has both a wired port and a ROM file, using the virtual ROM",
					"tool", src.ID, "port", src.WiredPortNumber)
			}
			if err := td.ReadSromFile(src.RomFile); err != nil {
				return nil, err
			}
		}
		if src.WiredPortNumber < 0 && td.VirtualSROM == nil {
			return nil, fmt.Errorf("ndi: wireless tool %q needs a rom_file", src.ID)
		}
		t.descriptors = append(t.descriptors, td)
	}

	if cfg.MaxNumberOfStrays > 0 {
		t.strays = newStrayTracker(cfg.MaxNumberOfStrays)
		for i := 1; i <= cfg.MaxNumberOfStrays; i++ {
			id := fmt.Sprintf("Stray%02d", i)
			t.descriptors = append(t.descriptors, &ToolDescriptor{
				SourceID:      id,
				TransformName: id + "To" + cfg.StrayReferenceFrame,
				Type:          SourceStrayMarker,
			})
		}
	}

	return t, nil
}

// TransformNames returns the transform names of all configured sources,
// in slot order.
func (t *Tracker) TransformNames() []string {
	names := make([]string, len(t.descriptors))
	for i, td := range t.descriptors {
		names[i] = td.TransformName
	}
	return names
}

// Probe looks for a responding tracker without keeping the connection.
// With SerialPort = -1 it scans the first maxProbePorts serial ports and
// records the first one that answers.
func (t *Tracker) Probe() error {
	if t.tracking.Load() {
		return nil
	}
	if t.serialPort >= 0 {
		return t.probePort(t.serialPort)
	}
	for i := 0; i < maxProbePorts; i++ {
		if err := t.probePort(i); err == nil {
			t.mu.Lock()
			t.serialPort = i
			t.mu.Unlock()
			slog.Info("ndi: tracker found by probe", "port", i, "device", DeviceName(i))
			return nil
		}
	}
	return fmt.Errorf("ndi: no tracker found on serial ports 0-%d", maxProbePorts-1)
}

func (t *Tracker) probePort(index int) error {
	conn, err := t.open(DeviceName(index))
	if err != nil {
		return err
	}
	device := NewDevice(conn)
	defer device.Close()

	reply, err := device.Command("INIT:")
	if err != nil && !strings.HasPrefix(reply, "RESET") {
		return fmt.Errorf("ndi: probe %s: %w", DeviceName(index), err)
	}
	if version, err := device.Command("VER:0"); err == nil {
		t.mu.Lock()
		t.version = version
		t.mu.Unlock()
	}
	return nil
}

// Connect opens the serial device and walks the state machine up to
// TOOLS_ENABLED: INIT (with reset recovery), COMM baud change, optional
// volume selection, and the Enable Tool Ports sequence.
func (t *Tracker) Connect() error {
	t.mu.Lock()
	if t.device != nil {
		t.mu.Unlock()
		return fmt.Errorf("ndi: already connected")
	}
	port := t.serialPort
	t.mu.Unlock()

	if port < 0 {
		return fmt.Errorf("ndi: no serial port selected (run Probe first or configure one)")
	}

	deviceName := DeviceName(port)
	conn, err := t.open(deviceName)
	if err != nil {
		return err
	}
	device := NewDevice(conn)
	t.setState(StateOpen)

	// The device may have been left in high-speed mode by a prior crash;
	// an INIT at 9600 then answers RESET and needs to be re-issued.
	reply, err := device.Command("INIT:")
	if err != nil || strings.HasPrefix(reply, "RESET") {
		if resetErr := device.Reset(); resetErr != nil {
			device.Close()
			return fmt.Errorf("ndi: reset after failed INIT: %w", resetErr)
		}
		if _, err := device.Command("INIT:"); err != nil {
			device.Close()
			return fmt.Errorf("ndi: INIT: %w", err)
		}
	}
	t.setState(StateInitialized)

	// NOHANDSHAKE cuts down on CRC errors and timeouts.
	if _, err := device.Command("COMM:%d%03d%d", baudCodes[t.cfg.BaudRate], 0, 0); err != nil {
		device.Close()
		return fmt.Errorf("ndi: COMM at %d baud: %w", t.cfg.BaudRate, err)
	}
	if err := device.SetBaudRate(t.cfg.BaudRate); err != nil {
		device.Close()
		return err
	}

	if t.cfg.MeasurementVolumeNumber != 0 {
		if _, err := device.Command("VSEL:%d", t.cfg.MeasurementVolumeNumber); err != nil {
			// Surface the available volumes to the operator before failing.
			if list, lerr := device.Command("SFLIST:%02X", 3); lerr == nil {
				logVolumeList(list, 0, slog.LevelInfo)
			}
			device.Close()
			return fmt.Errorf("ndi: select measurement volume %d: %w", t.cfg.MeasurementVolumeNumber, err)
		}
		if list, lerr := device.Command("SFLIST:%02X", 3); lerr == nil {
			logVolumeList(list, t.cfg.MeasurementVolumeNumber, slog.LevelDebug)
		}
	}
	t.setState(StateConfigured)

	if version, err := device.Command("VER:0"); err == nil {
		t.mu.Lock()
		t.version = version
		t.mu.Unlock()
	}

	t.mu.Lock()
	t.device = device
	t.mu.Unlock()

	if err := t.enableToolPorts(); err != nil {
		t.mu.Lock()
		t.device = nil
		t.mu.Unlock()
		device.Close()
		return fmt.Errorf("ndi: enable tool ports: %w", err)
	}
	t.setState(StateToolsEnabled)
	slog.Info("ndi: tracker connected", "device", deviceName, "baud", t.cfg.BaudRate, "version", t.Version())
	return nil
}

// Disconnect tears the session down: virtual ROMs are cleared, ports
// disabled, communication restored to defaults, and the device closed.
func (t *Tracker) Disconnect() error {
	t.mu.Lock()
	device := t.device
	t.device = nil
	t.mu.Unlock()
	if device == nil {
		return nil
	}

	for _, td := range t.descriptors {
		if td.Type == SourceTool {
			t.clearVirtualSrom(device, td)
		}
	}
	t.disableToolPorts(device)

	// Port handles are only valid within a session.
	t.mu.Lock()
	for _, td := range t.descriptors {
		td.PortHandle = 0
		td.PortEnabled = false
	}
	t.mu.Unlock()

	if _, err := device.Command("COMM:%d%03d%d", 0, 0, 0); err != nil {
		slog.Error("ndi: restore default comm settings", "error", err)
	}
	if err := device.Close(); err != nil {
		slog.Error("ndi: close serial device", "error", err)
	}
	t.setState(StateClosed)
	slog.Info("ndi: tracker disconnected")
	return nil
}

// StartTracking issues TSTART and spawns the acquisition loop.
func (t *Tracker) StartTracking(ctx context.Context) error {
	t.mu.Lock()
	device := t.device
	t.mu.Unlock()
	if device == nil {
		return fmt.Errorf("ndi: not connected")
	}
	if t.tracking.Load() {
		return nil
	}

	if _, err := device.Command("TSTART:"); err != nil {
		return fmt.Errorf("ndi: TSTART: %w", err)
	}
	t.tracking.Store(true)
	t.setState(StateTracking)

	loopCtx, cancel := context.WithCancel(ctx)
	t.mu.Lock()
	t.cancel = cancel
	t.mu.Unlock()
	t.wg.Add(1)
	go t.acquisitionLoop(loopCtx)

	slog.Info("ndi: tracking started", "rate_hz", t.cfg.AcquisitionRateHz)
	return nil
}

// StopTracking stops the acquisition loop and issues TSTOP. Idempotent.
func (t *Tracker) StopTracking() error {
	if !t.tracking.Load() {
		return nil
	}
	t.mu.Lock()
	if t.cancel != nil {
		t.cancel()
		t.cancel = nil
	}
	device := t.device
	t.mu.Unlock()
	t.wg.Wait()

	t.tracking.Store(false)
	if device != nil {
		if _, err := device.Command("TSTOP:"); err != nil {
			slog.Error("ndi: TSTOP", "error", err)
		}
		t.setState(StateToolsEnabled)
	}
	slog.Info("ndi: tracking stopped")
	return nil
}

// acquisitionLoop polls the device at the configured rate until the
// context is cancelled. Transient errors skip the tick; everything else
// is counted and logged, the loop stays alive.
func (t *Tracker) acquisitionLoop(ctx context.Context) {
	defer t.wg.Done()

	interval := time.Duration(float64(time.Second) / t.cfg.AcquisitionRateHz)
	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			if err := t.internalUpdate(); err != nil {
				if IsTransient(err) {
					t.ticksSkipped.Add(1)
					slog.Warn("ndi: poll tick skipped", "error", err)
				} else {
					t.pollErrors.Add(1)
					slog.Error("ndi: poll failed", "error", err)
				}
			}
		}
	}
}

// internalUpdate is one acquisition tick: a TX poll, stray association,
// status classification, and one tracked frame into the buffer.
func (t *Tracker) internalUpdate() error {
	t.mu.Lock()
	device := t.device
	t.mu.Unlock()
	if device == nil {
		return fmt.Errorf("ndi: not connected")
	}

	mode := "0801"
	if t.cfg.MaxNumberOfStrays > 0 {
		mode = "1801"
	}
	if err := device.TX(mode); err != nil {
		return err
	}

	if t.cfg.MaxNumberOfStrays > 0 {
		if obs := device.TXPassiveStrays(); len(obs) > 0 {
			t.strays.update(obs)
		}
	}

	// Default ordering key when a tool carries no frame index of its own.
	defaultFrameNumber := t.lastFrameNumber.Add(1)
	timestamp := t.clock.SystemTime()

	frame := types.TrackedFrame{Timestamp: timestamp}
	for _, td := range t.descriptors {
		tool := types.ToolTransform{
			Name:       td.TransformName,
			Matrix:     types.Identity(),
			Status:     types.ToolOK,
			FrameIndex: defaultFrameNumber,
		}

		switch td.Type {
		case SourceTool:
			t.mu.Lock()
			handle := td.PortHandle
			t.mu.Unlock()
			if handle <= 0 {
				slog.Warn("ndi: tool has no port handle", "tool", td.SourceID)
				tool.Status = types.ToolMissing
				frame.Transforms = append(frame.Transforms, tool)
				continue
			}

			transform, absent, _ := device.TXTransform(handle)
			portStatus := device.TXPortStatus(handle)
			frameIndex := device.TXFrame(handle)

			switch {
			case portStatus&statusValidBits != statusValidBits:
				tool.Status = types.ToolMissing
			case absent:
				tool.Status = types.ToolOutOfView
			case portStatus&OutOfVolume != 0:
				tool.Status = types.ToolOutOfVolume
			}

			// Vendor layout is row-major; consumers expect column-major.
			tool.Matrix = TransformToMatrix(transform).Transposed()

			if !absent && frameIndex != 0 {
				tool.FrameIndex = frameIndex
				for {
					last := t.lastFrameNumber.Load()
					if frameIndex <= last || t.lastFrameNumber.CompareAndSwap(last, frameIndex) {
						break
					}
				}
			}

		case SourceStrayMarker:
			index := strayIndex(td.SourceID)
			if index >= 1 && index <= t.cfg.MaxNumberOfStrays {
				tool.Matrix = PositionToMatrix(t.strays.pos[index-1]).Transposed()
				tool.Status = t.strays.status[index-1]
			} else {
				tool.Status = types.ToolMissing
			}
		}

		frame.Transforms = append(frame.Transforms, tool)
	}

	t.buffer.Add(frame)
	t.framesAcquired.Add(1)

	// A wired tool was plugged in mid-session: fold it in without
	// dropping the session.
	if device.TXSystemStatus()&PortOccupied != 0 {
		t.hotplugEvents.Add(1)
		slog.Warn("ndi: wired tool plugged in, re-enabling tool ports")
		if err := t.enableToolPorts(); err != nil {
			slog.Error("ndi: re-enable tool ports after hot-plug", "error", err)
		}
	}
	return nil
}

// strayIndex parses the trailing two-digit slot number of a stray source
// id ("Stray07" -> 7), returning 0 on malformed ids.
func strayIndex(sourceID string) int {
	if len(sourceID) < 2 {
		return 0
	}
	d1, d2 := sourceID[len(sourceID)-2], sourceID[len(sourceID)-1]
	if d1 < '0' || d1 > '9' || d2 < '0' || d2 > '9' {
		return 0
	}
	return int(d1-'0')*10 + int(d2-'0')
}

// Beep sounds the device beeper n times (clamped to 0-9). Rejects while
// tracking is active; the guard polarity relative to SetToolLED is
// flagged in DESIGN.md.
func (t *Tracker) Beep(n int) error {
	if t.tracking.Load() {
		return fmt.Errorf("ndi: beep failed: not connected to the device")
	}
	t.mu.Lock()
	device := t.device
	t.mu.Unlock()
	if device == nil {
		return fmt.Errorf("ndi: not connected")
	}
	if n > 9 {
		n = 9
	}
	if n < 0 {
		n = 0
	}
	_, err := device.Command("BEEP:%d", n)
	return err
}

// SetToolLED drives one of a tool's LEDs. Rejects while tracking is
// inactive; see DESIGN.md for the guard polarity note.
func (t *Tracker) SetToolLED(sourceID string, led int, state LEDState) error {
	if !t.tracking.Load() {
		return fmt.Errorf("ndi: set tool LED failed: not tracking")
	}

	var handle int
	found := false
	t.mu.Lock()
	for _, td := range t.descriptors {
		if td.SourceID == sourceID {
			handle = td.PortHandle
			found = true
			break
		}
	}
	device := t.device
	t.mu.Unlock()

	if !found {
		return fmt.Errorf("ndi: set tool LED failed: no tool descriptor for %q", sourceID)
	}
	if handle <= 0 {
		return fmt.Errorf("ndi: set tool LED failed: invalid port handle for %q", sourceID)
	}
	if device == nil {
		return fmt.Errorf("ndi: not connected")
	}

	var code byte
	switch state {
	case LEDOff:
		code = 'B'
	case LEDOn:
		code = 'S'
	case LEDFlash:
		code = 'F'
	default:
		return fmt.Errorf("ndi: set tool LED failed: unsupported LED state %d", state)
	}

	_, err := device.Command("LED:%02X%d%c", handle, led+1, code)
	return err
}

// Version returns the device identity from the last VER query.
func (t *Tracker) Version() string {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.version
}

// State returns the current connection state.
func (t *Tracker) State() State {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.state
}

func (t *Tracker) setState(s State) {
	t.mu.Lock()
	t.state = s
	t.mu.Unlock()
}

// Stats returns a snapshot of driver counters.
func (t *Tracker) Stats() TrackerStats {
	t.mu.Lock()
	state := t.state
	version := t.version
	t.mu.Unlock()
	return TrackerStats{
		State:           state.String(),
		Version:         version,
		Tracking:        t.tracking.Load(),
		FramesAcquired:  t.framesAcquired.Load(),
		TicksSkipped:    t.ticksSkipped.Load(),
		PollErrors:      t.pollErrors.Load(),
		HotplugEvents:   t.hotplugEvents.Load(),
		LastFrameNumber: t.lastFrameNumber.Load(),
	}
}
