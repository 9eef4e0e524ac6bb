package messages

import (
	"bytes"
	"encoding/binary"
	"unicode/utf8"
)

var nsStringMarker = []byte("NSString")

// decodeAttributedBody pulls the plain text out of an attributedBody blob.
// Recent macOS versions leave message.text NULL and store the body as an
// NSAttributedString in Apple's typedstream format. The string payload follows
// the NSString class name, five bytes of type header and a length prefix:
// one byte, or 0x81 followed by a little-endian uint16, or 0x82 followed by a
// little-endian uint32. Anything unexpected yields "".
func decodeAttributedBody(body []byte) string {
	i := bytes.Index(body, nsStringMarker)
	if i < 0 {
		return ""
	}
	i += len(nsStringMarker) + 5
	if i >= len(body) {
		return ""
	}

	var n int
	switch prefix := body[i]; prefix {
	case 0x81:
		if i+3 > len(body) {
			return ""
		}
		n = int(binary.LittleEndian.Uint16(body[i+1 : i+3]))
		i += 3
	case 0x82:
		if i+5 > len(body) {
			return ""
		}
		n = int(binary.LittleEndian.Uint32(body[i+1 : i+5]))
		i += 5
	default:
		n = int(prefix)
		i++
	}

	if n <= 0 || i+n > len(body) {
		return ""
	}
	text := body[i : i+n]
	if !utf8.Valid(text) {
		return ""
	}
	return string(text)
}
