package link

import (
	"fmt"

	"github.com/exepirit/meshlink/pkg/mesh"
)

// Link frame kinds, carried in the first byte of every frame.
const (
	kindWhole    byte = 0x00
	kindFragment byte = 0x01
)

// frameOverhead is the kind byte plus the fragment header.
const frameOverhead = 1 + mesh.FragmentHeaderSize

// splitFrames cuts data into frames of at most frameSize bytes.
func splitFrames(data []byte, frameSize int) ([][]byte, error) {
	if frameSize <= frameOverhead {
		return nil, fmt.Errorf("frame size %d leaves no room for data", frameSize)
	}
	if len(data) <= frameSize-1 {
		frame := make([]byte, 0, 1+len(data))
		frame = append(frame, kindWhole)
		return [][]byte{append(frame, data...)}, nil
	}

	units, err := mesh.SplitPayload(data, frameSize-frameOverhead, mesh.NewPacketID())
	if err != nil {
		return nil, err
	}
	frames := make([][]byte, 0, len(units))
	for _, unit := range units {
		frame := make([]byte, 0, 1+len(unit))
		frame = append(frame, kindFragment)
		frames = append(frames, append(frame, unit...))
	}
	return frames, nil
}

// joinFrame feeds one received frame to the reassembler and returns the
// complete data once available.
func joinFrame(r *mesh.Reassembler, frame Frame) ([]byte, bool, error) {
	if len(frame.Data) == 0 {
		return nil, false, fmt.Errorf("%w: empty frame", mesh.ErrInvalidPacketFormat)
	}

	switch frame.Data[0] {
	case kindWhole:
		return frame.Data[1:], true, nil
	case kindFragment:
		fragment, slice, err := mesh.ParseFragment(frame.Data[1:])
		if err != nil {
			return nil, false, err
		}
		data, done := r.Add(frame.From, fragment, slice)
		return data, done, nil
	default:
		return nil, false, fmt.Errorf("%w: unknown frame kind 0x%02x", mesh.ErrInvalidPacketFormat, frame.Data[0])
	}
}
