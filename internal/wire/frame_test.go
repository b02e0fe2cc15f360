package wire

import (
	"testing"

	"github.com/stretchr/testify/require"
)

func TestEncodeDecodeCarriesEveryField(t *testing.T) {
	h := Header{
		Type:   TypeRTS,
		Flags:  FlagRemoteData,
		Status: 7,
		Tag:    0xdeadbeef,
		Data:   42,
		SendID: 9,
		RecvID: 11,
		Total:  65536,
		Offset: 8192,
		Key:    3,
	}
	b := Encode(h, []byte("ab"), nil, []byte("cde"))
	require.Len(t, b, HeaderSize+5)

	f, err := Decode(b)
	require.NoError(t, err)
	h.Length = 5
	require.Equal(t, h, f.Header)
	require.Equal(t, []byte("abcde"), f.Payload)
	require.Equal(t, HeaderSize+5, f.Size())
}

func TestDecodeRejectsShortAndForeignFrames(t *testing.T) {
	_, err := Decode(make([]byte, HeaderSize-1))
	require.ErrorIs(t, err, ErrShortFrame)

	b := Encode(Header{Type: TypeEager}, []byte("payload"))
	_, err = Decode(b[:len(b)-1])
	require.ErrorIs(t, err, ErrShortFrame)

	b[0] = 9
	_, err = Decode(b)
	require.ErrorIs(t, err, ErrVersion)
}

func TestTypeString(t *testing.T) {
	require.Equal(t, "RTR", TypeRTR.String())
	require.Equal(t, "TYPE(99)", Type(99).String())
}
