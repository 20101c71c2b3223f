package memory

import (
	"fmt"

	"golang.org/x/text/encoding/unicode"
)

// WriteWideString writes s to the target process at addr as a
// NUL-terminated UTF-16LE string, the form Windows APIs expect for
// paths handed to injected loader stubs.
func WriteWideString(acc Accessor, addr uintptr, s string) error {
	data, err := encodeWide(s)
	if err != nil {
		return err
	}
	return acc.Write(addr, data)
}

// AllocateWideString allocates a region for s in the target process,
// writes it as NUL-terminated UTF-16LE and returns its address.
func AllocateWideString(acc Accessor, s string) (uintptr, error) {
	data, err := encodeWide(s)
	if err != nil {
		return 0, err
	}

	addr, err := acc.Allocate(len(data))
	if err != nil {
		return 0, err
	}
	if err := acc.Write(addr, data); err != nil {
		acc.Free(addr)
		return 0, err
	}
	return addr, nil
}

func encodeWide(s string) ([]byte, error) {
	enc := unicode.UTF16(unicode.LittleEndian, unicode.IgnoreBOM).NewEncoder()
	data, err := enc.Bytes([]byte(s))
	if err != nil {
		return nil, fmt.Errorf("failed to encode string: %w", err)
	}
	return append(data, 0, 0), nil
}
