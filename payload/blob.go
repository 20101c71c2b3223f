// Package payload formats assembled machine code for output files and
// parses previously saved blobs back into raw bytes.
package payload

import (
	"encoding/base64"
	"encoding/hex"
	"fmt"
	"strings"
)

// Format identifies a blob encoding
type Format string

const (
	FormatRaw    Format = "raw"
	FormatHex    Format = "hex"
	FormatBase64 Format = "base64"
)

// ParseFormat validates a format name
func ParseFormat(name string) (Format, error) {
	switch Format(strings.ToLower(name)) {
	case FormatRaw:
		return FormatRaw, nil
	case FormatHex:
		return FormatHex, nil
	case FormatBase64:
		return FormatBase64, nil
	default:
		return "", fmt.Errorf("unknown blob format: %s", name)
	}
}

// Encode renders machine code in the given format. Hex output is
// space-separated byte pairs, the form most disassemblers accept.
func Encode(code []byte, format Format) ([]byte, error) {
	switch format {
	case FormatRaw:
		return code, nil
	case FormatHex:
		pairs := make([]string, len(code))
		for i, b := range code {
			pairs[i] = hex.EncodeToString([]byte{b})
		}
		return []byte(strings.Join(pairs, " ")), nil
	case FormatBase64:
		return []byte(base64.StdEncoding.EncodeToString(code)), nil
	default:
		return nil, fmt.Errorf("unknown blob format: %s", format)
	}
}

// Decode parses a blob back into machine code
func Decode(blob []byte, format Format) ([]byte, error) {
	switch format {
	case FormatRaw:
		return blob, nil
	case FormatHex:
		cleaned := strings.NewReplacer(" ", "", "\n", "", "\t", "").Replace(string(blob))
		code, err := hex.DecodeString(cleaned)
		if err != nil {
			return nil, fmt.Errorf("invalid hex blob: %w", err)
		}
		return code, nil
	case FormatBase64:
		code, err := base64.StdEncoding.DecodeString(strings.TrimSpace(string(blob)))
		if err != nil {
			return nil, fmt.Errorf("invalid base64 blob: %w", err)
		}
		return code, nil
	default:
		return nil, fmt.Errorf("unknown blob format: %s", format)
	}
}
