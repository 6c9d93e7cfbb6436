package mesh

import (
	"bytes"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestSplitPayloadSmallIsUnchanged(t *testing.T) {
	payload := []byte("short payload")
	units, err := SplitPayload(payload, 512, NewPacketID())
	require.NoError(t, err)
	require.Len(t, units, 1)
	assert.Equal(t, payload, units[0])
}

func TestSplitPayloadEdgeSizes(t *testing.T) {
	units, err := SplitPayload(nil, 8, NewPacketID())
	require.NoError(t, err)
	require.Len(t, units, 1)
	assert.Empty(t, units[0])

	exact := bytes.Repeat([]byte{0xaa}, 8)
	units, err = SplitPayload(exact, 8, NewPacketID())
	require.NoError(t, err)
	require.Len(t, units, 1)
	assert.Equal(t, exact, units[0])
}

func TestSplitPayloadReconstructs(t *testing.T) {
	payload := make([]byte, 1301)
	for i := range payload {
		payload[i] = byte(i * 7)
	}
	id := NewPacketID()

	units, err := SplitPayload(payload, 512, id)
	require.NoError(t, err)
	require.Len(t, units, 3)

	var joined []byte
	for i, unit := range units {
		fragment, slice, err := ParseFragment(unit)
		require.NoError(t, err)
		assert.Equal(t, uint16(i), fragment.Index)
		assert.Equal(t, uint16(3), fragment.Count)
		assert.Equal(t, id, fragment.MessageID)
		assert.LessOrEqual(t, len(slice), 512)
		joined = append(joined, slice...)
	}
	assert.Equal(t, payload, joined)
}

func TestSplitPayloadTooManyFragments(t *testing.T) {
	_, err := SplitPayload(make([]byte, 1<<16+1), 1, NewPacketID())
	assert.ErrorIs(t, err, ErrPayloadTooLarge)
}

func TestSplitPayloadInvalidMTU(t *testing.T) {
	_, err := SplitPayload([]byte("x"), 0, NewPacketID())
	assert.Error(t, err)
}

func TestParseFragmentRejectsMalformed(t *testing.T) {
	_, _, err := ParseFragment([]byte{1, 2, 3})
	assert.ErrorIs(t, err, ErrInvalidPacketFormat)

	bad := Fragment{Index: 3, Count: 3, MessageID: NewPacketID()}.AppendTo(nil)
	_, _, err = ParseFragment(bad)
	assert.ErrorIs(t, err, ErrInvalidPacketFormat)
}
