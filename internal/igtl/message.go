package igtl

import (
	"encoding/binary"
	"fmt"
)

// extHeaderSize is the fixed size of the version-2 extended header that
// precedes the content of every v2+ body.
const extHeaderSize = 12

// charsetASCII is the metadata/string value encoding for US-ASCII (IANA).
const charsetASCII = 3

// Pack assembles a complete wire message: header, optional v2 extended
// header, content, and optional metadata. The returned buffer is ready for
// a single socket write.
func Pack(version uint16, msgType, deviceName string, timestamp float64, content []byte, meta map[string]string) []byte {
	h := Header{
		Version:    version,
		Type:       msgType,
		DeviceName: deviceName,
		Timestamp:  timestamp,
	}
	if version < HeaderVersion2 {
		return h.encode(content)
	}

	metaHeader, metaData := encodeMetadata(meta)
	body := make([]byte, 0, extHeaderSize+len(content)+len(metaHeader)+len(metaData))
	ext := make([]byte, extHeaderSize)
	binary.BigEndian.PutUint16(ext[0:2], extHeaderSize)
	binary.BigEndian.PutUint16(ext[2:4], uint16(len(metaHeader)))
	binary.BigEndian.PutUint32(ext[4:8], uint32(len(metaData)))
	// bytes 8..12: message id, unused
	body = append(body, ext...)
	body = append(body, content...)
	body = append(body, metaHeader...)
	body = append(body, metaData...)
	return h.encode(body)
}

// SplitBody separates a raw message body into content and metadata
// according to the header version. For v1 bodies the content is the whole
// body and metadata is nil.
func SplitBody(version uint16, body []byte) (content []byte, meta map[string]string, err error) {
	if version < HeaderVersion2 {
		return body, nil, nil
	}
	if len(body) < extHeaderSize {
		return nil, nil, fmt.Errorf("igtl: v2 body shorter than extended header (%d bytes)", len(body))
	}
	extSize := int(binary.BigEndian.Uint16(body[0:2]))
	metaHeaderSize := int(binary.BigEndian.Uint16(body[2:4]))
	metaSize := int(binary.BigEndian.Uint32(body[4:8]))
	if extSize < extHeaderSize || extSize > len(body) {
		return nil, nil, fmt.Errorf("igtl: invalid extended header size %d", extSize)
	}
	contentEnd := len(body) - metaHeaderSize - metaSize
	if contentEnd < extSize {
		return nil, nil, fmt.Errorf("igtl: metadata sizes exceed body (%d bytes)", len(body))
	}
	content = body[extSize:contentEnd]
	if metaHeaderSize > 0 {
		meta, err = decodeMetadata(body[contentEnd:contentEnd+metaHeaderSize], body[contentEnd+metaHeaderSize:])
		if err != nil {
			return nil, nil, err
		}
	}
	return content, meta, nil
}

func encodeMetadata(meta map[string]string) (header, data []byte) {
	if len(meta) == 0 {
		return nil, nil
	}
	header = make([]byte, 2, 2+8*len(meta))
	binary.BigEndian.PutUint16(header[0:2], uint16(len(meta)))
	for key, value := range meta {
		entry := make([]byte, 8)
		binary.BigEndian.PutUint16(entry[0:2], uint16(len(key)))
		binary.BigEndian.PutUint16(entry[2:4], charsetASCII)
		binary.BigEndian.PutUint32(entry[4:8], uint32(len(value)))
		header = append(header, entry...)
		data = append(data, key...)
		data = append(data, value...)
	}
	return header, data
}

func decodeMetadata(header, data []byte) (map[string]string, error) {
	if len(header) < 2 {
		return nil, fmt.Errorf("igtl: short metadata header")
	}
	count := int(binary.BigEndian.Uint16(header[0:2]))
	if len(header) < 2+8*count {
		return nil, fmt.Errorf("igtl: metadata header truncated (%d entries)", count)
	}
	meta := make(map[string]string, count)
	offset := 0
	for i := 0; i < count; i++ {
		entry := header[2+8*i : 2+8*i+8]
		keySize := int(binary.BigEndian.Uint16(entry[0:2]))
		valueSize := int(binary.BigEndian.Uint32(entry[4:8]))
		if offset+keySize+valueSize > len(data) {
			return nil, fmt.Errorf("igtl: metadata values truncated")
		}
		key := string(data[offset : offset+keySize])
		meta[key] = string(data[offset+keySize : offset+keySize+valueSize])
		offset += keySize + valueSize
	}
	return meta, nil
}
