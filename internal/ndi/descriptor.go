package ndi

import (
	"fmt"
	"os"
)

// VirtualSromSize is the fixed size of a tool definition image.
const VirtualSromSize = 1024

// SourceType distinguishes rigid tools from stray marker slots.
type SourceType int

const (
	// SourceTool is a rigid tool with a port handle.
	SourceTool SourceType = iota
	// SourceStrayMarker is a stray slot fed by the stray matcher.
	SourceStrayMarker
)

// ToolDescriptor is one tool slot: the binding between a configured data
// source and a tracker port.
type ToolDescriptor struct {
	// SourceID is the stable source identifier from configuration.
	SourceID string
	// TransformName is "<SourceID>To<ReferenceFrame>".
	TransformName string
	// Type tells tools and stray slots apart.
	Type SourceType
	// WiredPortNumber is the combined port/channel number for wired
	// tools, or -1 for wireless tools.
	WiredPortNumber int
	// VirtualSROM is the 1024-byte tool definition image, nil for wired
	// tools using the ROM burned into the tool.
	VirtualSROM []byte
	// PortHandle is assigned by the tracker during Enable Tool Ports;
	// zero means unassigned.
	PortHandle int
	// PortEnabled is set once the handle passed PENA.
	PortEnabled bool
	// Properties holds identity values read from the tracker
	// (SerialNumber, Revision, Manufacturer, NdiIdentity, PartNumber).
	Properties map[string]string
}

// SetProperty records an identity property on the descriptor.
func (t *ToolDescriptor) SetProperty(key, value string) {
	if t.Properties == nil {
		t.Properties = make(map[string]string)
	}
	t.Properties[key] = value
}

// ReadSromFile loads a virtual SROM image into the descriptor. Images
// shorter than VirtualSromSize are zero-padded, as the tracker expects
// full blocks.
func (t *ToolDescriptor) ReadSromFile(path string) error {
	data, err := os.ReadFile(path)
	if err != nil {
		return fmt.Errorf("ndi: read SROM file %s: %w", path, err)
	}
	if len(data) > VirtualSromSize {
		return fmt.Errorf("ndi: SROM file %s is %d bytes (max %d)", path, len(data), VirtualSromSize)
	}
	srom := make([]byte, VirtualSromSize)
	copy(srom, data)
	t.VirtualSROM = srom
	return nil
}
