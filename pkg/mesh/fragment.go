package mesh

import (
	"encoding/binary"
	"fmt"
	"math"
)

// FragmentHeaderSize is the encoded size of a Fragment header.
const FragmentHeaderSize = 16 + 2 + 2

// Fragment labels one slice of an oversized payload.
type Fragment struct {
	// Index is 0-based.
	Index uint16
	Count uint16
	// MessageID refers back to the logical message the slice belongs to.
	MessageID PacketID
}

// AppendTo appends the encoded header to b.
func (f Fragment) AppendTo(b []byte) []byte {
	b = append(b, f.MessageID[:]...)
	b = binary.BigEndian.AppendUint16(b, f.Index)
	return binary.BigEndian.AppendUint16(b, f.Count)
}

// SplitPayload keeps every unit's slice within mtu bytes.
//
// A payload of at most mtu bytes is returned as a single unit, unchanged and
// without a header. Larger payloads are split into ceil(len/mtu) slices, each
// prefixed with its Fragment header carrying id as the message id.
func SplitPayload(payload []byte, mtu int, id PacketID) ([][]byte, error) {
	if mtu <= 0 {
		return nil, fmt.Errorf("invalid mtu %d", mtu)
	}
	if len(payload) <= mtu {
		return [][]byte{payload}, nil
	}

	count := (len(payload) + mtu - 1) / mtu
	if count > math.MaxUint16 {
		return nil, fmt.Errorf("%w: %d bytes need %d fragments", ErrPayloadTooLarge, len(payload), count)
	}

	units := make([][]byte, 0, count)
	for i := 0; i < count; i++ {
		end := min((i+1)*mtu, len(payload))
		slice := payload[i*mtu : end]

		unit := make([]byte, 0, FragmentHeaderSize+len(slice))
		unit = Fragment{Index: uint16(i), Count: uint16(count), MessageID: id}.AppendTo(unit)
		units = append(units, append(unit, slice...))
	}
	return units, nil
}

// ParseFragment splits a unit produced by SplitPayload into its header and slice.
func ParseFragment(unit []byte) (Fragment, []byte, error) {
	if len(unit) < FragmentHeaderSize {
		return Fragment{}, nil, fmt.Errorf("%w: fragment of %d bytes", ErrInvalidPacketFormat, len(unit))
	}

	var f Fragment
	copy(f.MessageID[:], unit[:16])
	f.Index = binary.BigEndian.Uint16(unit[16:18])
	f.Count = binary.BigEndian.Uint16(unit[18:20])
	if f.Count == 0 || f.Index >= f.Count {
		return Fragment{}, nil, fmt.Errorf("%w: fragment %d of %d", ErrInvalidPacketFormat, f.Index, f.Count)
	}
	return f, unit[FragmentHeaderSize:], nil
}
