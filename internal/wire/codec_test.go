package wire

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestEncodeDecodeRoundTrip(t *testing.T) {
	cases := []Frame{
		{Type: SETUP, UUID: NewID()},
		{Type: METHOD, ID: NewID(), Method: "echo", Params: map[string]interface{}{"x": "test"}},
		Result(NewID(), "echo", "test"),
		Error(NewID(), ErrMethodForbidden),
		ErrorWithFields(NewID(), ErrInvalidParams, []FieldError{{Field: "x", Message: "required"}}),
		EventFrame(NewID(), "room", "test:event", map[string]interface{}{"n": int64(3)}),
		{Type: HEARTBEAT},
	}

	for _, f := range cases {
		encoded, err := Encode(f)
		require.NoError(t, err)

		decoded, err := Decode(encoded)
		require.NoError(t, err)
		assert.Equal(t, f, decoded)
	}
}

func TestRoundTripPreservesDatesAndBinary(t *testing.T) {
	now := time.Now().UTC().Truncate(time.Millisecond)
	f := Frame{
		Type:   METHOD,
		ID:     NewID(),
		Method: "store",
		Params: map[string]interface{}{
			"when": now,
			"blob": []byte{0, 1, 2, 255},
			"big":  int64(9007199254740993), // beyond float64's exact-integer range
		},
	}

	encoded, err := Encode(f)
	require.NoError(t, err)

	decoded, err := Decode(encoded)
	require.NoError(t, err)

	assert.True(t, now.Equal(decoded.Params["when"].(time.Time)))
	assert.Equal(t, []byte{0, 1, 2, 255}, decoded.Params["blob"])
	assert.EqualValues(t, 9007199254740993, decoded.Params["big"])
}

func TestDecodeGarbageYieldsParseError(t *testing.T) {
	_, err := Decode([]byte{0xff, 0xff, 0xff})
	require.Error(t, err)
	var parseErr *ParseError
	assert.ErrorAs(t, err, &parseErr)
}

func TestEncodeIsStable(t *testing.T) {
	f := Frame{Type: RESULT, ID: "abc", Method: "echo", Result: map[string]interface{}{"b": 1, "a": 2}}
	a, err := Encode(f)
	require.NoError(t, err)
	b, err := Encode(f)
	require.NoError(t, err)
	assert.Equal(t, a, b)
}
