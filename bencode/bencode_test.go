package bencode

import (
	"bytes"
	"strings"
	"testing"

	"github.com/stretchr/testify/require"
)

func TestDecodeInteger(t *testing.T) {
	v, err := Decode(strings.NewReader("i42e"))
	require.NoError(t, err)
	require.Equal(t, KindInteger, v.Kind())
	require.EqualValues(t, 42, v.Int())
}

func TestDecodeNegativeInteger(t *testing.T) {
	v, err := Decode(strings.NewReader("i-7e"))
	require.NoError(t, err)
	require.EqualValues(t, -7, v.Int())
}

func TestDecodeBytes(t *testing.T) {
	v, err := Decode(strings.NewReader("4:spam"))
	require.NoError(t, err)
	require.Equal(t, KindBytes, v.Kind())
	require.Equal(t, "spam", v.Str())
}

func TestDecodeList(t *testing.T) {
	v, err := Decode(strings.NewReader("l4:spam4:eggse"))
	require.NoError(t, err)
	require.Equal(t, KindList, v.Kind())
	require.Len(t, v.List(), 2)
	require.Equal(t, "spam", v.List()[0].Str())
	require.Equal(t, "eggs", v.List()[1].Str())
}

func TestDecodeDictPreservesOrder(t *testing.T) {
	v, err := Decode(strings.NewReader("d3:cow3:moo4:spam4:eggse"))
	require.NoError(t, err)
	require.Equal(t, KindDict, v.Kind())
	require.Equal(t, []string{"cow", "spam"}, v.Dict().Keys())
}

func TestDecodeLengthMismatch(t *testing.T) {
	_, err := Decode(strings.NewReader("10:short"))
	require.ErrorIs(t, err, ErrLengthMismatch)
}

func TestDecodeInvalidToken(t *testing.T) {
	_, err := Decode(strings.NewReader("x"))
	require.ErrorIs(t, err, ErrInvalidToken)
}

func TestRoundTrip(t *testing.T) {
	cases := []string{
		"i42e",
		"4:spam",
		"l4:spam4:eggse",
		"d3:cow3:moo4:spam4:eggse",
		"d4:infod6:lengthi100e4:name5:hello4:metad3:fooi1eeee",
	}
	for _, c := range cases {
		v, err := Decode(strings.NewReader(c))
		require.NoError(t, err)
		require.Equal(t, c, string(Marshal(v)))
	}
}

func TestDecodeCaptureFindsInfoBytes(t *testing.T) {
	raw := "d4:infod6:lengthi100e4:name5:helloee"
	v, captured, err := DecodeCapture(strings.NewReader(raw), "info")
	require.NoError(t, err)
	require.Equal(t, KindDict, v.Kind())
	require.Equal(t, "d6:lengthi100e4:name5:helloe", string(captured))
}

func TestDecodeCaptureMissingKey(t *testing.T) {
	_, _, err := DecodeCapture(strings.NewReader("d3:fooi1ee"), "info")
	require.Error(t, err)
}

func TestEncodeEmptyDictAndList(t *testing.T) {
	var buf bytes.Buffer
	Encode(&buf, NewDictValue(NewDict()))
	require.Equal(t, "de", buf.String())

	buf.Reset()
	Encode(&buf, NewList())
	require.Equal(t, "le", buf.String())
}
