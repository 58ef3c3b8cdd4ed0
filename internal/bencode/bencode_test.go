package bencode

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestEncodeInt(t *testing.T) {
	assert.Equal(t, []byte("i0e"), Encode(int64(0)))
	assert.Equal(t, []byte("i42e"), Encode(int64(42)))
	assert.Equal(t, []byte("i-42e"), Encode(int64(-42)))
}

func TestEncodeString(t *testing.T) {
	assert.Equal(t, []byte("4:spam"), Encode([]byte("spam")))
	assert.Equal(t, []byte("0:"), Encode([]byte("")))
}

func TestEncodeListAndDict(t *testing.T) {
	assert.Equal(t, []byte("l4:spam4:eggse"), Encode([]Value{[]byte("spam"), []byte("eggs")}))

	d := NewDict()
	d.Set("spam", []byte("eggs"))
	d.Set("cow", []byte("moo"))
	// sorted keys on encode regardless of insertion order
	assert.Equal(t, []byte("d3:cow3:moo4:spam4:eggse"), Encode(d))
}

func TestDecodeRoundTrip(t *testing.T) {
	cases := []Value{
		int64(0), int64(1), int64(-1), int64(123456789),
		[]byte("hello world"),
		[]byte(""),
	}
	for _, c := range cases {
		enc := Encode(c)
		dec, err := Decode(enc)
		require.NoError(t, err)
		assert.Equal(t, c, dec)
	}
}

func TestDecodeDictRoundTrip(t *testing.T) {
	d := NewDict()
	d.Set("a", int64(1))
	d.Set("b", []byte("x"))
	enc := Encode(d)

	dec, err := Decode(enc)
	require.NoError(t, err)
	dd, ok := dec.(*Dict)
	require.True(t, ok)
	v, ok := dd.GetInt("a")
	require.True(t, ok)
	assert.Equal(t, int64(1), v)
	s, ok := dd.GetString("b")
	require.True(t, ok)
	assert.Equal(t, []byte("x"), s)

	// re-encoding a decoded dict is canonical (keys sorted)
	assert.Equal(t, enc, Encode(dd))
}

func TestDecodeRejectsUnsortedKeys(t *testing.T) {
	_, err := Decode([]byte("d4:spam4:eggs3:cow3:mooe"))
	assert.ErrorIs(t, err, ErrUnsortedKeys)
}

func TestDecodeRejectsDuplicateKeys(t *testing.T) {
	_, err := Decode([]byte("d3:cow3:moo3:cow3:mooe"))
	assert.ErrorIs(t, err, ErrDuplicateKey)
}

func TestDecodeRejectsNonStringKey(t *testing.T) {
	_, err := Decode([]byte("di1e3:fooe"))
	assert.ErrorIs(t, err, ErrNonStringKey)
}

func TestDecodeRejectsLeadingZero(t *testing.T) {
	_, err := Decode([]byte("i03e"))
	assert.ErrorIs(t, err, ErrLeadingZero)

	_, err = Decode([]byte("i-0e"))
	assert.Error(t, err)
}

func TestDecodeAllowsZero(t *testing.T) {
	v, err := Decode([]byte("i0e"))
	require.NoError(t, err)
	assert.Equal(t, int64(0), v)
}

func TestDecodeRejectsTrailingGarbage(t *testing.T) {
	_, err := Decode([]byte("i1ei2e"))
	assert.ErrorIs(t, err, ErrTrailingGarbage)
}

func TestDecodeValueReturnsRemainder(t *testing.T) {
	v, rest, err := DecodeValue([]byte("i1ei2e"))
	require.NoError(t, err)
	assert.Equal(t, int64(1), v)
	assert.Equal(t, []byte("i2e"), rest)
}

func TestDecodeRejectsExcessiveDepth(t *testing.T) {
	data := make([]byte, 0, MaxDepth*2+10)
	for i := 0; i < MaxDepth+10; i++ {
		data = append(data, 'l')
	}
	for i := 0; i < MaxDepth+10; i++ {
		data = append(data, 'e')
	}
	_, err := Decode(data)
	assert.ErrorIs(t, err, ErrTooDeep)
}

func TestDecodeMalformed(t *testing.T) {
	cases := []string{"", "x", "i1", "3:ab", "d3:foo"}
	for _, c := range cases {
		_, err := Decode([]byte(c))
		assert.Error(t, err, "input %q should fail to decode", c)
	}
}
