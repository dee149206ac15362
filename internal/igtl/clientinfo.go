package igtl

import (
	"encoding/xml"
	"fmt"
)

// ImageStream is one image subscription entry.
type ImageStream struct {
	Name string
	// EmbeddedTransformToFrame names the frame the image transform is
	// expressed in.
	EmbeddedTransformToFrame string
}

// ClientInfo is a client's subscription: which message kinds it wants and
// which named streams within them. The zero value subscribes to nothing.
type ClientInfo struct {
	MessageTypes   []string
	TransformNames []string
	ImageStreams   []ImageStream
	StringNames    []string
	// Resolution is the requested TDATA pacing interval in milliseconds.
	Resolution uint32
	// TDATARequested is set between STT_TDATA and STP_TDATA.
	TDATARequested bool
}

// WantsMessageType reports whether the client subscribed to the given
// message kind.
func (ci *ClientInfo) WantsMessageType(msgType string) bool {
	for _, t := range ci.MessageTypes {
		if t == msgType {
			return true
		}
	}
	return false
}

// clientInfoXML mirrors the wire XML layout of a CLIENTINFO payload.
type clientInfoXML struct {
	XMLName      xml.Name `xml:"ClientInfo"`
	MessageTypes struct {
		Messages []struct {
			Type string `xml:"Type,attr"`
		} `xml:"Message"`
	} `xml:"MessageTypes"`
	TransformNames struct {
		Transforms []struct {
			Name string `xml:"Name,attr"`
		} `xml:"Transform"`
	} `xml:"TransformNames"`
	ImageNames struct {
		Images []struct {
			Name                     string `xml:"Name,attr"`
			EmbeddedTransformToFrame string `xml:"EmbeddedTransformToFrame,attr"`
		} `xml:"Image"`
	} `xml:"ImageNames"`
	StringNames struct {
		Strings []struct {
			Name string `xml:"Name,attr"`
		} `xml:"String"`
	} `xml:"StringNames"`
}

// DecodeClientInfo parses a CLIENTINFO body content. The payload is a
// string-encoded XML document, as fixed by the protocol.
func DecodeClientInfo(content []byte) (ClientInfo, error) {
	payload, err := DecodeString(content)
	if err != nil {
		return ClientInfo{}, err
	}
	var doc clientInfoXML
	if err := xml.Unmarshal([]byte(payload), &doc); err != nil {
		return ClientInfo{}, fmt.Errorf("igtl: parse client info: %w", err)
	}
	var ci ClientInfo
	for _, m := range doc.MessageTypes.Messages {
		if m.Type != "" {
			ci.MessageTypes = append(ci.MessageTypes, m.Type)
		}
	}
	for _, t := range doc.TransformNames.Transforms {
		if t.Name != "" {
			ci.TransformNames = append(ci.TransformNames, t.Name)
		}
	}
	for _, img := range doc.ImageNames.Images {
		if img.Name != "" {
			ci.ImageStreams = append(ci.ImageStreams, ImageStream{
				Name:                     img.Name,
				EmbeddedTransformToFrame: img.EmbeddedTransformToFrame,
			})
		}
	}
	for _, s := range doc.StringNames.Strings {
		if s.Name != "" {
			ci.StringNames = append(ci.StringNames, s.Name)
		}
	}
	return ci, nil
}

// EncodeClientInfo builds a CLIENTINFO message (used by tests and by
// clients of this package).
func EncodeClientInfo(version uint16, timestamp float64, ci ClientInfo) []byte {
	var doc clientInfoXML
	for _, t := range ci.MessageTypes {
		doc.MessageTypes.Messages = append(doc.MessageTypes.Messages, struct {
			Type string `xml:"Type,attr"`
		}{t})
	}
	for _, n := range ci.TransformNames {
		doc.TransformNames.Transforms = append(doc.TransformNames.Transforms, struct {
			Name string `xml:"Name,attr"`
		}{n})
	}
	for _, img := range ci.ImageStreams {
		doc.ImageNames.Images = append(doc.ImageNames.Images, struct {
			Name                     string `xml:"Name,attr"`
			EmbeddedTransformToFrame string `xml:"EmbeddedTransformToFrame,attr"`
		}{img.Name, img.EmbeddedTransformToFrame})
	}
	for _, s := range ci.StringNames {
		doc.StringNames.Strings = append(doc.StringNames.Strings, struct {
			Name string `xml:"Name,attr"`
		}{s})
	}
	payload, _ := xml.Marshal(doc)
	content := make([]byte, 4+len(payload))
	putUint16 := func(off int, v uint16) {
		content[off] = byte(v >> 8)
		content[off+1] = byte(v)
	}
	putUint16(0, charsetASCII)
	putUint16(2, uint16(len(payload)))
	copy(content[4:], payload)
	return Pack(version, TypeClientInfo, "", timestamp, content, nil)
}
