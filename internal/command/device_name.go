package command

import (
	"encoding/xml"
	"fmt"
	"strconv"
	"strings"
)

// The legacy command convention routes commands through STRING messages
// whose device name is "CMD_<uid>"; replies answer as "ACK_<uid>".
const (
	deviceNameCommand = "CMD"
	deviceNameReply   = "ACK"
)

// IsCommandDeviceName reports whether a device name follows the legacy
// command convention.
func IsCommandDeviceName(deviceName string) bool {
	return deviceName == deviceNameCommand || strings.HasPrefix(deviceName, deviceNameCommand+"_")
}

// UIDFromDeviceName extracts the trailing numeric UID of a legacy
// command device name ("CMD_7" -> 7).
func UIDFromDeviceName(deviceName string) (uint32, error) {
	_, rest, found := strings.Cut(deviceName, "_")
	if !found || rest == "" {
		return 0, fmt.Errorf("command: device name %q has no UID (expected CMD_cmdId, ex: CMD_001)", deviceName)
	}
	uid, err := strconv.ParseUint(rest, 10, 32)
	if err != nil {
		return 0, fmt.Errorf("command: device name %q has a malformed UID (expected CMD_cmdId, ex: CMD_001)", deviceName)
	}
	return uint32(uid), nil
}

// PrefixFromDeviceName returns the device name with the UID suffix
// stripped.
func PrefixFromDeviceName(deviceName string) string {
	prefix, _, _ := strings.Cut(deviceName, "_")
	return prefix
}

// ReplyDeviceName builds the device name a legacy reply is sent under.
func ReplyDeviceName(uid uint32) string {
	return fmt.Sprintf("%s_%d", deviceNameReply, uid)
}

// ErrorReplyDeviceName is the device name of protocol-level error
// replies that have no UID to echo.
const ErrorReplyDeviceName = deviceNameReply

// ParseCommandElement parses an XML command payload, returning the Name
// attribute and the remaining attributes.
func ParseCommandElement(content string) (name string, attrs map[string]string, err error) {
	decoder := xml.NewDecoder(strings.NewReader(content))
	for {
		token, terr := decoder.Token()
		if terr != nil {
			return "", nil, fmt.Errorf("command: parse command payload: %w", terr)
		}
		start, ok := token.(xml.StartElement)
		if !ok {
			continue
		}
		attrs = make(map[string]string, len(start.Attr))
		for _, a := range start.Attr {
			if a.Name.Local == "Name" {
				name = a.Value
				continue
			}
			attrs[a.Name.Local] = a.Value
		}
		return name, attrs, nil
	}
}
