package ndi

import (
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"testing"

	"github.com/e7canasta/navlink/internal/framebuffer"
	"github.com/e7canasta/navlink/internal/types"
)

// fakeConn speaks the framed dialogue against a scripted handler.
type fakeConn struct {
	mu      sync.Mutex
	handler func(cmd string) string
	pending []byte
	log     []string
	baud    int
	closed  bool
}

func (f *fakeConn) WriteCommand(cmd []byte) error {
	f.mu.Lock()
	defer f.mu.Unlock()

	text := strings.TrimSuffix(string(cmd), "\r")
	if len(text) < 4 {
		return fmt.Errorf("fake: short command %q", text)
	}
	body := text[:len(text)-4]
	f.log = append(f.log, body)

	reply := f.handler(body)
	framed := reply + fmt.Sprintf("%04X", crc16([]byte(reply)))
	f.pending = []byte(framed)
	return nil
}

func (f *fakeConn) ReadReply() ([]byte, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.pending == nil {
		return nil, ErrTimeout
	}
	reply := f.pending
	f.pending = nil
	return reply, nil
}

func (f *fakeConn) SetBaudRate(baud int) error { f.baud = baud; return nil }
func (f *fakeConn) SendBreak() error           { return nil }
func (f *fakeConn) Close() error               { f.closed = true; return nil }

func (f *fakeConn) commandCount(prefix string) int {
	f.mu.Lock()
	defer f.mu.Unlock()
	n := 0
	for _, c := range f.log {
		if strings.HasPrefix(c, prefix) {
			n++
		}
	}
	return n
}

// wirelessToolScript simulates a tracker with one wireless tool that
// lands on port handle 0x0B.
type wirelessToolScript struct {
	mu         sync.Mutex
	phsr02Seen bool
	tracking   bool
}

const testIdentity = "8700  01" + "Northern Dig" + "012" + " SN12345" // 8+12+3+8 chars

func (s *wirelessToolScript) handle(cmd string) string {
	s.mu.Lock()
	defer s.mu.Unlock()

	switch {
	case cmd == "INIT:":
		return "OKAY"
	case cmd == "VER:0":
		return "Polaris Simulator Rev 001"
	case strings.HasPrefix(cmd, "COMM:"):
		return "OKAY"
	case cmd == "PHSR:01", cmd == "PHSR:04":
		return "00"
	case cmd == "PHSR:02":
		if s.phsr02Seen {
			return "00"
		}
		s.phsr02Seen = true
		return "010B001"
	case cmd == "PHSR:03":
		return "010B001"
	case cmd == "PHSR:00":
		return "010B001"
	case strings.HasPrefix(cmd, "PHRQ:"):
		return "0B"
	case strings.HasPrefix(cmd, "PVWR:"):
		return "OKAY"
	case strings.HasPrefix(cmd, "PINIT:"):
		return "OKAY"
	case strings.HasPrefix(cmd, "PENA:"):
		return "OKAY"
	case cmd == "PHINF:0B0001":
		return testIdentity + "31"
	case cmd == "PHINF:0B0025":
		return testIdentity + "31" + "PN-666              " + "00000000000100"
	case cmd == "TSTART:":
		s.tracking = true
		return "OKAY"
	case cmd == "TSTOP:":
		s.tracking = false
		return "OKAY"
	case strings.HasPrefix(cmd, "TX:"):
		return "01" + "0B" +
			"+10000+00000+00000+00000" +
			"+001250-000300+004000" +
			"+00005" + "00000031" + "0000002A" + "\n0000"
	case strings.HasPrefix(cmd, "PHF:"), strings.HasPrefix(cmd, "PDIS:"):
		return "OKAY"
	case strings.HasPrefix(cmd, "BEEP:"):
		return "OKAY"
	case strings.HasPrefix(cmd, "LED:"):
		return "OKAY"
	}
	return "ERROR01"
}

func writeTestSrom(t *testing.T) string {
	t.Helper()
	path := filepath.Join(t.TempDir(), "tool.rom")
	data := make([]byte, VirtualSromSize)
	for i := range data {
		data[i] = byte(i)
	}
	if err := os.WriteFile(path, data, 0o644); err != nil {
		t.Fatalf("write SROM: %v", err)
	}
	return path
}

func newTestTracker(t *testing.T, conn *fakeConn) (*Tracker, *framebuffer.Buffer) {
	t.Helper()
	buffer := framebuffer.New(0)
	clock := framebuffer.NewClock()
	tracker, err := New(Config{
		SerialPort: 0,
		BaudRate:   115200,
		Tools:      []ToolSource{{ID: "Stylus", WiredPortNumber: -1, RomFile: writeTestSrom(t)}},
	}, buffer, clock)
	if err != nil {
		t.Fatalf("New: %v", err)
	}
	tracker.open = func(string) (Conn, error) { return conn, nil }
	return tracker, buffer
}

// TestConnectWirelessTool walks the full connect sequence: handle
// request, SROM upload in 16 blocks, init, enable, identity refresh.
func TestConnectWirelessTool(t *testing.T) {
	script := &wirelessToolScript{}
	conn := &fakeConn{handler: script.handle}
	tracker, _ := newTestTracker(t, conn)

	if err := tracker.Connect(); err != nil {
		t.Fatalf("Connect: %v", err)
	}
	defer tracker.Disconnect()

	if got := conn.commandCount("PVWR:"); got != VirtualSromSize/sromBlockSize {
		t.Errorf("expected %d PVWR blocks, got %d", VirtualSromSize/sromBlockSize, got)
	}

	td := tracker.descriptors[0]
	if td.PortHandle != 0x0B {
		t.Errorf("expected port handle 0x0B, got %#x", td.PortHandle)
	}
	if !td.PortEnabled {
		t.Error("expected the port to be enabled")
	}
	if got := td.Properties["SerialNumber"]; got != "SN12345" {
		t.Errorf("expected serial number SN12345, got %q", got)
	}
	if got := td.Properties["Manufacturer"]; got != "Northern Dig" {
		t.Errorf("expected manufacturer, got %q", got)
	}
	if conn.baud != 115200 {
		t.Errorf("expected host baud switched to 115200, got %d", conn.baud)
	}
	if tracker.State() != StateToolsEnabled {
		t.Errorf("expected TOOLS_ENABLED, got %v", tracker.State())
	}
}

// TestInternalUpdateProducesFrame polls once and checks the buffered
// frame: OK status, translation carried through, frame index adopted.
func TestInternalUpdateProducesFrame(t *testing.T) {
	script := &wirelessToolScript{}
	conn := &fakeConn{handler: script.handle}
	tracker, buffer := newTestTracker(t, conn)

	if err := tracker.Connect(); err != nil {
		t.Fatalf("Connect: %v", err)
	}
	defer tracker.Disconnect()

	if err := tracker.internalUpdate(); err != nil {
		t.Fatalf("internalUpdate: %v", err)
	}

	frames := buffer.FramesSince(-1, 10)
	if len(frames) != 1 {
		t.Fatalf("expected 1 frame, got %d", len(frames))
	}
	tool := frames[0].Transform("StylusToTracker")
	if tool == nil {
		t.Fatal("StylusToTracker transform not in frame")
	}
	if tool.Status != types.ToolOK {
		t.Errorf("expected OK, got %v", tool.Status)
	}
	if tool.Matrix[0][3] != 12.5 || tool.Matrix[1][3] != -3 || tool.Matrix[2][3] != 40 {
		t.Errorf("unexpected translation: %v", tool.Matrix)
	}
	if tool.FrameIndex != 42 {
		t.Errorf("expected adopted frame index 42, got %d", tool.FrameIndex)
	}
	if tracker.Stats().LastFrameNumber != 42 {
		t.Errorf("expected LastFrameNumber 42, got %d", tracker.Stats().LastFrameNumber)
	}
}

// TestProbeAllPortsFail scans the whole probe range without a device.
func TestProbeAllPortsFail(t *testing.T) {
	buffer := framebuffer.New(0)
	clock := framebuffer.NewClock()
	tracker, err := New(Config{SerialPort: -1, BaudRate: 9600}, buffer, clock)
	if err != nil {
		t.Fatalf("New: %v", err)
	}

	attempts := 0
	tracker.open = func(string) (Conn, error) {
		attempts++
		return nil, ErrOpen
	}

	if err := tracker.Probe(); err == nil {
		t.Fatal("expected probe failure")
	}
	if attempts != maxProbePorts {
		t.Errorf("expected %d probe attempts, got %d", maxProbePorts, attempts)
	}
}

// TestSetToolLEDGuards: LED changes are rejected while tracking is
// inactive; Beep is rejected while tracking is active.
func TestSetToolLEDGuards(t *testing.T) {
	script := &wirelessToolScript{}
	conn := &fakeConn{handler: script.handle}
	tracker, _ := newTestTracker(t, conn)

	if err := tracker.Connect(); err != nil {
		t.Fatalf("Connect: %v", err)
	}
	defer tracker.Disconnect()

	if err := tracker.SetToolLED("Stylus", 0, LEDOn); err == nil {
		t.Error("expected SetToolLED to reject while not tracking")
	}
	if err := tracker.Beep(2); err != nil {
		t.Errorf("expected Beep to pass while not tracking: %v", err)
	}

	tracker.tracking.Store(true)
	if err := tracker.Beep(2); err == nil {
		t.Error("expected Beep to reject while tracking")
	}
	if err := tracker.SetToolLED("Stylus", 0, LEDOn); err != nil {
		t.Errorf("expected SetToolLED to pass while tracking: %v", err)
	}
	tracker.tracking.Store(false)
}
