package wire

import (
	"bytes"
	"errors"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestBCD(t *testing.T) {
	tests := []struct {
		n    int
		want []byte
	}{
		{0, []byte{0x00, 0x00, 0x00, 0x00}},
		{7, []byte{0x00, 0x00, 0x00, 0x07}},
		{1234, []byte{0x00, 0x00, 0x12, 0x34}},
		{1048576, []byte{0x01, 0x04, 0x85, 0x76}},
		{99999999, []byte{0x99, 0x99, 0x99, 0x99}},
	}
	for _, tt := range tests {
		got, err := EncodeBCD(tt.n, LengthWidth)
		require.NoError(t, err)
		assert.Equal(t, tt.want, got, "EncodeBCD(%d)", tt.n)

		back, err := DecodeBCD(got)
		require.NoError(t, err)
		assert.Equal(t, tt.n, back)
	}
}

func TestBCD_Invalid(t *testing.T) {
	_, err := EncodeBCD(100000000, LengthWidth)
	assert.ErrorIs(t, err, ErrBadLength)

	_, err = EncodeBCD(-1, LengthWidth)
	assert.ErrorIs(t, err, ErrBadLength)

	_, err = DecodeBCD([]byte{0x00, 0x1a, 0x00, 0x00})
	assert.ErrorIs(t, err, ErrBadLength)
}

func TestEncodeDecodeHeader(t *testing.T) {
	payload := []byte("hello device")
	buf, err := Encode(Frame{Kind: KindRequest, Status: StatusOK, Payload: payload})
	require.NoError(t, err)
	require.Len(t, buf, HeaderLength+len(payload))
	assert.Equal(t, HeaderMarker, buf[0])

	h, err := DecodeHeader(buf)
	require.NoError(t, err)
	assert.Equal(t, KindRequest, h.Kind)
	assert.Equal(t, StatusOK, h.Status)
	assert.Equal(t, len(payload), h.Length)
	assert.Equal(t, len(buf), h.Size())
	assert.True(t, bytes.Equal(payload, buf[HeaderLength:]))
}

func TestDecodeHeader_Rejects(t *testing.T) {
	good, err := Encode(Frame{Kind: KindResponse, Payload: []byte{1, 2, 3}})
	require.NoError(t, err)

	_, err = DecodeHeader(good[:HeaderLength-1])
	assert.True(t, errors.Is(err, ErrShortHeader))

	bad := append([]byte(nil), good...)
	bad[0] = 0x00
	_, err = DecodeHeader(bad)
	assert.True(t, errors.Is(err, ErrBadMarker))

	huge := append([]byte(nil), good...)
	copy(huge[3:HeaderLength], []byte{0x99, 0x99, 0x99, 0x99})
	_, err = DecodeHeader(huge)
	assert.True(t, errors.Is(err, ErrLengthExceeded))
}

func TestEncode_TooLarge(t *testing.T) {
	_, err := Encode(Frame{Payload: make([]byte, MaxValidLength+1)})
	assert.ErrorIs(t, err, ErrLengthExceeded)
}

func TestKindString(t *testing.T) {
	assert.Equal(t, "request", KindRequest.String())
	assert.Equal(t, "kind(0x7f)", Kind(0x7f).String())
}
