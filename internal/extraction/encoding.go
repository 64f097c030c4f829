package extraction

import (
	"bytes"
	"errors"
	"fmt"
	"unicode/utf8"

	"golang.org/x/text/encoding"
	"golang.org/x/text/encoding/charmap"
	"golang.org/x/text/encoding/unicode"
	"golang.org/x/text/transform"
)

// Encoding names reported in diagnostics.
const (
	EncodingUTF8        = "utf-8"
	EncodingUTF8BOM     = "utf-8-bom"
	EncodingUTF16LE     = "utf-16le"
	EncodingUTF16BE     = "utf-16be"
	EncodingWindows1252 = "windows-1252"
	// EncodingOOXML marks workbook input, which carries its own encoding.
	EncodingOOXML       = "ooxml"
)

var (
	utf8BOM    = []byte{0xEF, 0xBB, 0xBF}
	utf16LEBOM = []byte{0xFF, 0xFE}
	utf16BEBOM = []byte{0xFE, 0xFF}
)

// detectEncoding inspects the byte order mark, falling back to windows-1252
// when the payload is not valid UTF-8.
func detectEncoding(payload []byte) (name string, hasBOM bool) {
	switch {
	case bytes.HasPrefix(payload, utf8BOM):
		return EncodingUTF8BOM, true
	case bytes.HasPrefix(payload, utf16LEBOM):
		return EncodingUTF16LE, true
	case bytes.HasPrefix(payload, utf16BEBOM):
		return EncodingUTF16BE, true
	case utf8.Valid(payload):
		return EncodingUTF8, false
	default:
		return EncodingWindows1252, false
	}
}

func decoderFor(name string) encoding.Encoding {
	switch name {
	case EncodingUTF8BOM:
		return unicode.UTF8BOM
	case EncodingUTF16LE:
		return unicode.UTF16(unicode.LittleEndian, unicode.ExpectBOM)
	case EncodingUTF16BE:
		return unicode.UTF16(unicode.BigEndian, unicode.ExpectBOM)
	case EncodingWindows1252:
		return charmap.Windows1252
	default:
		return nil
	}
}

// decodeStrict converts the payload to UTF-8, refusing anything that is
// neither BOM-marked nor valid UTF-8.
func decodeStrict(payload []byte) ([]byte, string, error) {
	name, _ := detectEncoding(payload)
	if name == EncodingWindows1252 {
		return nil, name, malformed(MalformedEncoding, invalidUTF8Line(payload), errors.New("input is not valid UTF-8"))
	}
	decoded, err := decode(payload, name)
	if err != nil {
		return nil, name, malformed(MalformedEncoding, 0, err)
	}
	return decoded, name, nil
}

// decodeLenient always produces UTF-8, using the windows-1252 fallback.
func decodeLenient(payload []byte) ([]byte, string, error) {
	name, _ := detectEncoding(payload)
	decoded, err := decode(payload, name)
	return decoded, name, err
}

func decode(payload []byte, name string) ([]byte, error) {
	enc := decoderFor(name)
	if enc == nil {
		return payload, nil
	}
	decoded, _, err := transform.Bytes(enc.NewDecoder(), payload)
	if err != nil {
		return nil, fmt.Errorf("failed to decode %s: %w", name, err)
	}
	return decoded, nil
}

func invalidUTF8Line(payload []byte) int {
	line := 1
	for len(payload) > 0 {
		r, size := utf8.DecodeRune(payload)
		if r == utf8.RuneError && size <= 1 {
			return line
		}
		if r == '\n' {
			line++
		}
		payload = payload[size:]
	}
	return 0
}
