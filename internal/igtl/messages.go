package igtl

import (
	"encoding/binary"
	"fmt"
	"math"

	"github.com/e7canasta/navlink/internal/types"
)

// Message type names used on the wire.
const (
	TypeTransform    = "TRANSFORM"
	TypeTData        = "TDATA"
	TypeStatus       = "STATUS"
	TypeString       = "STRING"
	TypeImage        = "IMAGE"
	TypeImageMeta    = "IMGMETA"
	TypePolyData     = "POLYDATA"
	TypeCommand      = "COMMAND"
	TypeClientInfo   = "CLIENTINFO"
	TypeGetStatus    = "GET_STATUS"
	TypeGetPolyData  = "GET_POLYDATA"
	TypeSTTTData     = "STT_TDATA"
	TypeSTPTData     = "STP_TDATA"
	TypeRTSTData     = "RTS_TDATA"
	TypeRTSPolyData  = "RTS_POLYDATA"
	TypeRTSCommand   = "RTS_COMMAND"
)

// STATUS codes (subset).
const (
	StatusOK    uint16 = 1
	StatusError uint16 = 2
)

// encodeMatrix writes the 12-float transform block: the 3x3 rotation in
// column order followed by the translation.
func encodeMatrix(dst []byte, m types.Matrix) {
	vals := [12]float64{
		m[0][0], m[1][0], m[2][0],
		m[0][1], m[1][1], m[2][1],
		m[0][2], m[1][2], m[2][2],
		m[0][3], m[1][3], m[2][3],
	}
	for i, v := range vals {
		binary.BigEndian.PutUint32(dst[i*4:], math.Float32bits(float32(v)))
	}
}

// PackTransform builds a TRANSFORM message carrying one 4x4 pose.
func PackTransform(version uint16, deviceName string, timestamp float64, m types.Matrix) []byte {
	content := make([]byte, 48)
	encodeMatrix(content, m)
	return Pack(version, TypeTransform, deviceName, timestamp, content, nil)
}

// TDataElement is one entry of a TDATA message.
type TDataElement struct {
	Name   string
	Matrix types.Matrix
}

// tdataTypeTracker marks a TDATA element as a 6-DOF instrument.
const tdataTypeTracker = 2

// PackTData builds a TDATA message from the given elements.
func PackTData(version uint16, deviceName string, timestamp float64, elements []TDataElement) []byte {
	content := make([]byte, 70*len(elements))
	for i, e := range elements {
		off := i * 70
		putCString(content[off:off+20], e.Name)
		content[off+20] = tdataTypeTracker
		content[off+21] = 0
		encodeMatrix(content[off+22:off+70], e.Matrix)
	}
	return Pack(version, TypeTData, deviceName, timestamp, content, nil)
}

// PackStatus builds a STATUS message. errorName and message may be empty
// for keep-alive pings.
func PackStatus(version uint16, deviceName string, timestamp float64, code uint16, errorName, message string) []byte {
	content := make([]byte, 30+len(message))
	binary.BigEndian.PutUint16(content[0:2], code)
	// bytes 2..10: subcode, zero
	putCString(content[10:30], errorName)
	copy(content[30:], message)
	return Pack(version, TypeStatus, deviceName, timestamp, content, nil)
}

// DecodeStatus parses a STATUS body content into code and message.
func DecodeStatus(content []byte) (code uint16, message string, err error) {
	if len(content) < 30 {
		return 0, "", fmt.Errorf("igtl: STATUS content too short (%d bytes)", len(content))
	}
	return binary.BigEndian.Uint16(content[0:2]), cString(content[30:]), nil
}

// PackString builds a STRING message with US-ASCII encoding.
func PackString(version uint16, deviceName string, timestamp float64, value string) []byte {
	content := make([]byte, 4+len(value))
	binary.BigEndian.PutUint16(content[0:2], charsetASCII)
	binary.BigEndian.PutUint16(content[2:4], uint16(len(value)))
	copy(content[4:], value)
	return Pack(version, TypeString, deviceName, timestamp, content, nil)
}

// DecodeString parses a STRING body content.
func DecodeString(content []byte) (string, error) {
	if len(content) < 4 {
		return "", fmt.Errorf("igtl: STRING content too short (%d bytes)", len(content))
	}
	length := int(binary.BigEndian.Uint16(content[2:4]))
	if 4+length > len(content) {
		return "", fmt.Errorf("igtl: STRING length %d exceeds content", length)
	}
	return string(content[4 : 4+length]), nil
}

// Command is a decoded v3 COMMAND message body.
type Command struct {
	ID      uint32
	Name    string
	Content string
}

// commandHeaderSize is the fixed prefix of COMMAND/RTS_COMMAND content.
const commandHeaderSize = 30

// DecodeCommand parses a COMMAND body content.
func DecodeCommand(content []byte) (Command, error) {
	if len(content) < commandHeaderSize {
		return Command{}, fmt.Errorf("igtl: COMMAND content too short (%d bytes)", len(content))
	}
	length := int(binary.BigEndian.Uint32(content[26:30]))
	if commandHeaderSize+length > len(content) {
		return Command{}, fmt.Errorf("igtl: COMMAND length %d exceeds content", length)
	}
	return Command{
		ID:      binary.BigEndian.Uint32(content[0:4]),
		Name:    cString(content[4:24]),
		Content: string(content[commandHeaderSize : commandHeaderSize+length]),
	}, nil
}

// PackRTSCommand builds the v3 reply to a COMMAND message, echoing the
// command id and name and carrying the XML result payload.
func PackRTSCommand(version uint16, deviceName string, timestamp float64, id uint32, name, result string, meta map[string]string) []byte {
	content := make([]byte, commandHeaderSize+len(result))
	binary.BigEndian.PutUint32(content[0:4], id)
	putCString(content[4:24], name)
	binary.BigEndian.PutUint16(content[24:26], charsetASCII)
	binary.BigEndian.PutUint32(content[26:30], uint32(len(result)))
	copy(content[commandHeaderSize:], result)
	if version < HeaderVersion2 {
		version = HeaderVersion2
	}
	return Pack(version, TypeRTSCommand, deviceName, timestamp, content, meta)
}

// DecodeSTTTData parses a STT_TDATA body content; resolution is the
// minimum interval between TDATA messages in milliseconds (0 = unpaced).
func DecodeSTTTData(content []byte) (resolution uint32, coordName string, err error) {
	if len(content) < 4 {
		return 0, "", fmt.Errorf("igtl: STT_TDATA content too short (%d bytes)", len(content))
	}
	resolution = binary.BigEndian.Uint32(content[0:4])
	if len(content) >= 36 {
		coordName = cString(content[4:36])
	}
	return resolution, coordName, nil
}

// PackRTSTData builds the ack for STT_TDATA / STP_TDATA. Status 0 is
// success.
func PackRTSTData(version uint16, timestamp float64, status uint8) []byte {
	return Pack(version, TypeRTSTData, "", timestamp, []byte{status}, nil)
}

// PackRTSPolyData builds the failure reply for GET_POLYDATA.
func PackRTSPolyData(version uint16, deviceName string, timestamp float64, status uint8) []byte {
	return Pack(version, TypeRTSPolyData, deviceName, timestamp, []byte{status}, nil)
}

// scalar type codes used by IMAGE and IMGMETA.
const scalarUint8 = 3

// ImageDescriptor is a minimal greyscale image payload for command
// responses.
type ImageDescriptor struct {
	DeviceName string
	// Size is the image dimensions in pixels.
	Size [3]uint16
	// Pixels is Size[0]*Size[1]*Size[2] bytes, x fastest.
	Pixels []byte
	// ImageToReference positions the image in the reference frame.
	ImageToReference types.Matrix
}

// PackImage builds an IMAGE message from an 8-bit single-component volume.
func PackImage(version uint16, timestamp float64, img ImageDescriptor) ([]byte, error) {
	if int(img.Size[0])*int(img.Size[1])*int(img.Size[2]) != len(img.Pixels) {
		return nil, fmt.Errorf("igtl: IMAGE size %v does not match %d pixel bytes", img.Size, len(img.Pixels))
	}
	content := make([]byte, 72+len(img.Pixels))
	binary.BigEndian.PutUint16(content[0:2], 1) // format version
	content[2] = 1                              // components
	content[3] = scalarUint8
	content[4] = 2 // big endian
	content[5] = 1 // RAS
	for i := 0; i < 3; i++ {
		binary.BigEndian.PutUint16(content[6+i*2:], img.Size[i])
	}
	encodeMatrix(content[12:60], img.ImageToReference)
	// subvolume index zero, subvolume size = full size
	for i := 0; i < 3; i++ {
		binary.BigEndian.PutUint16(content[66+i*2:], img.Size[i])
	}
	copy(content[72:], img.Pixels)
	return Pack(version, TypeImage, img.DeviceName, timestamp, content, nil), nil
}

// ImageMetaElement describes one image in an IMGMETA listing.
type ImageMetaElement struct {
	Name        string
	ID          string
	Modality    string
	PatientName string
	PatientID   string
	Timestamp   float64
	Size        [3]uint16
}

// imageMetaElementSize is the wire size of one IMGMETA entry.
const imageMetaElementSize = 260

// PackImageMeta builds an IMGMETA message listing the given images.
func PackImageMeta(version uint16, deviceName string, timestamp float64, elements []ImageMetaElement) []byte {
	content := make([]byte, imageMetaElementSize*len(elements))
	for i, e := range elements {
		off := i * imageMetaElementSize
		putCString(content[off:off+64], e.Name)
		putCString(content[off+64:off+84], e.ID)
		putCString(content[off+84:off+116], e.Modality)
		putCString(content[off+116:off+180], e.PatientName)
		putCString(content[off+180:off+244], e.PatientID)
		binary.BigEndian.PutUint64(content[off+244:off+252], secondsToTimestamp(e.Timestamp))
		for j := 0; j < 3; j++ {
			binary.BigEndian.PutUint16(content[off+252+j*2:], e.Size[j])
		}
		content[off+258] = scalarUint8
		content[off+259] = 0
	}
	return Pack(version, TypeImageMeta, deviceName, timestamp, content, nil)
}
