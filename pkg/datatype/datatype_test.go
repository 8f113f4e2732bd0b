package datatype

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestEncodeDecodeUintRoundTrip(t *testing.T) {
	cases := []struct {
		t     EtherCATDataType
		value uint64
	}{
		{Unsigned8, 0xAB},
		{Unsigned16, 0xBEEF},
		{Unsigned32, 0xDEADBEEF},
		{Unsigned64, 0x0102030405060708},
		{Integer24, 0x00123456},
		{Integer48, 0x0000123456789A},
	}
	for _, c := range cases {
		data, err := EncodeUint(c.t, c.value)
		require.NoError(t, err)
		got, err := DecodeUint(c.t, data)
		require.NoError(t, err)
		assert.Equal(t, c.value, got, c.t.String())
	}
}

func TestEncodeDecodeFloatRoundTrip(t *testing.T) {
	data, err := EncodeFloat(Real64, 3.25)
	require.NoError(t, err)
	got, err := DecodeFloat(Real64, data)
	require.NoError(t, err)
	assert.InDelta(t, 3.25, got, 1e-12)

	data, err = EncodeFloat(Real32, 1.5)
	require.NoError(t, err)
	got, err = DecodeFloat(Real32, data)
	require.NoError(t, err)
	assert.InDelta(t, 1.5, got, 1e-6)
}

func TestFormatParseRoundTrip(t *testing.T) {
	for _, format := range []NumberFormat{Decimal, Hexadecimal, Binary} {
		s := Format(format, 16, 0xBEEF)
		got, err := Parse(format, s)
		require.NoError(t, err)
		assert.EqualValues(t, 0xBEEF, got)
	}
}

func TestByteSize(t *testing.T) {
	assert.Equal(t, 1, Unsigned8.ByteSize())
	assert.Equal(t, 4, Integer24.ByteSize())
	assert.Equal(t, 8, Unsigned48.ByteSize())
	assert.Equal(t, 0, VisibleString.ByteSize())
	assert.True(t, OctetString.IsString())
}
