package payload

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestParseFormat(t *testing.T) {
	f, err := ParseFormat("HEX")
	require.NoError(t, err)
	assert.Equal(t, FormatHex, f)

	_, err = ParseFormat("yaml")
	assert.Error(t, err)
}

func TestEncode_Hex(t *testing.T) {
	code := []byte{0xB8, 0x2A, 0x00, 0x00, 0x00, 0xC3}

	out, err := Encode(code, FormatHex)
	require.NoError(t, err)
	assert.Equal(t, "b8 2a 00 00 00 c3", string(out))
}

func TestEncode_Raw(t *testing.T) {
	code := []byte{0x90, 0xC3}

	out, err := Encode(code, FormatRaw)
	require.NoError(t, err)
	assert.Equal(t, code, out)
}

func TestRoundTrip(t *testing.T) {
	code := []byte{0x48, 0x31, 0xC0, 0xC3}

	for _, format := range []Format{FormatRaw, FormatHex, FormatBase64} {
		blob, err := Encode(code, format)
		require.NoError(t, err)

		got, err := Decode(blob, format)
		require.NoError(t, err)
		assert.Equal(t, code, got, "format %s", format)
	}
}

func TestDecode_HexWhitespace(t *testing.T) {
	got, err := Decode([]byte("90\n90\tc3 "), FormatHex)
	require.NoError(t, err)
	assert.Equal(t, []byte{0x90, 0x90, 0xC3}, got)
}

func TestDecode_Invalid(t *testing.T) {
	_, err := Decode([]byte("zz"), FormatHex)
	assert.Error(t, err)

	_, err = Decode([]byte("!!!"), FormatBase64)
	assert.Error(t, err)
}
