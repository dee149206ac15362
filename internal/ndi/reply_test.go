package ndi

import (
	"math"
	"testing"
)

func TestParseTXTransform(t *testing.T) {
	reply := "01" + "0A" +
		"+10000+00000+00000+00000" + // identity quaternion
		"+001250-000300+004000" + // translation 12.50, -3.00, 40.00
		"+00005" + // rms error
		"00000031" + // port status: in port | initialized | enabled
		"0000002A" + // frame index 42
		"\n" + "0000"

	tx, err := parseTX(reply, false)
	if err != nil {
		t.Fatalf("parseTX failed: %v", err)
	}
	h, ok := tx.handles[0x0A]
	if !ok {
		t.Fatal("handle 0x0A not parsed")
	}
	if h.missing {
		t.Fatal("handle unexpectedly missing")
	}
	if h.transform[0] != 1 {
		t.Errorf("qw: expected 1, got %v", h.transform[0])
	}
	if math.Abs(h.transform[4]-12.5) > 1e-9 || math.Abs(h.transform[5]+3) > 1e-9 || math.Abs(h.transform[6]-40) > 1e-9 {
		t.Errorf("translation: expected (12.5,-3,40), got (%v,%v,%v)", h.transform[4], h.transform[5], h.transform[6])
	}
	if h.portStatus != ToolInPort|PortInitialized|PortEnabled {
		t.Errorf("port status: expected %#x, got %#x", ToolInPort|PortInitialized|PortEnabled, h.portStatus)
	}
	if h.frameIndex != 42 {
		t.Errorf("frame index: expected 42, got %d", h.frameIndex)
	}
	if tx.systemStatus != 0 {
		t.Errorf("system status: expected 0, got %#x", tx.systemStatus)
	}
}

func TestParseTXMissing(t *testing.T) {
	reply := "01" + "0B" + "MISSING" + "00000011" + "00000000" + "\n" + "0040"

	tx, err := parseTX(reply, false)
	if err != nil {
		t.Fatalf("parseTX failed: %v", err)
	}
	h := tx.handles[0x0B]
	if !h.missing {
		t.Error("expected missing handle")
	}
	if tx.systemStatus&PortOccupied == 0 {
		t.Error("expected port-occupied system status bit")
	}
}

func TestParseTXPassiveStrays(t *testing.T) {
	reply := "00" + // no handles
		"02" + "0" + // two strays, out-of-volume nibble
		"+000010+000000+001000" + // (0.10, 0, 10.00)
		"+001000+000000+001000" + // (10.00, 0, 10.00)
		"\n" + "0000"

	tx, err := parseTX(reply, true)
	if err != nil {
		t.Fatalf("parseTX failed: %v", err)
	}
	if len(tx.strays) != 2 {
		t.Fatalf("expected 2 strays, got %d", len(tx.strays))
	}
	if math.Abs(tx.strays[0][0]-0.1) > 1e-9 || math.Abs(tx.strays[0][2]-10) > 1e-9 {
		t.Errorf("stray 0: expected (0.1,0,10), got %v", tx.strays[0])
	}
	if math.Abs(tx.strays[1][0]-10) > 1e-9 {
		t.Errorf("stray 1: expected x=10, got %v", tx.strays[1])
	}
}

func TestCRC16KnownValue(t *testing.T) {
	// The reflected 0xA001 polynomial with zero init is CRC-16/ARC, whose
	// check value for "123456789" is 0xBB3D.
	if got := crc16([]byte("123456789")); got != 0xBB3D {
		t.Errorf("crc16 check value: expected 0xBB3D, got %#04x", got)
	}

	// Self-consistency: framing and checking must agree.
	data := []byte("TX:0801")
	if crc16(data) != crc16([]byte("TX:0801")) {
		t.Fatal("crc16 not deterministic")
	}
	if crc16(data) == crc16([]byte("TX:0800")) {
		t.Error("crc16 did not distinguish different commands")
	}
}
