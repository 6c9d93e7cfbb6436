package mesh

import (
	"fmt"
	"time"

	"google.golang.org/protobuf/encoding/protowire"
)

// MaxTTL is the largest hop budget a packet may carry.
const MaxTTL = 255

// Packet flags.
const (
	// FlagFragment marks a payload that starts with a Fragment header.
	FlagFragment uint32 = 1 << iota
)

// Wire field numbers of an encoded Packet.
const (
	fieldID          protowire.Number = 1
	fieldSource      protowire.Number = 2
	fieldDestination protowire.Number = 3
	fieldTTL         protowire.Number = 4
	fieldPayload     protowire.Number = 5
	fieldTimestamp   protowire.Number = 6
	fieldFlags       protowire.Number = 7
)

// Packet is the routed unit of data. The payload is opaque to the router.
type Packet struct {
	ID     PacketID
	Source DeviceID
	// Destination is nil for a broadcast to all peers.
	Destination *DeviceID
	// TTL is the remaining hop budget.
	TTL       uint8
	Payload   []byte
	Timestamp time.Time
	Flags     uint32
}

// IsBroadcast reports whether the packet is addressed to every peer.
func (p *Packet) IsBroadcast() bool {
	return p.Destination == nil
}

// IsFragment reports whether the payload carries a Fragment header.
func (p *Packet) IsFragment() bool {
	return p.Flags&FlagFragment != 0
}

// Clone returns a deep copy of the packet.
func (p *Packet) Clone() *Packet {
	c := *p
	if p.Destination != nil {
		dst := *p.Destination
		c.Destination = &dst
	}
	c.Payload = append([]byte(nil), p.Payload...)
	return &c
}

// MarshalBinary encodes the packet using protobuf wire format.
func (p *Packet) MarshalBinary() ([]byte, error) {
	buf := make([]byte, 0, 80+len(p.Payload))
	buf = protowire.AppendTag(buf, fieldID, protowire.BytesType)
	buf = protowire.AppendBytes(buf, p.ID[:])
	buf = protowire.AppendTag(buf, fieldSource, protowire.BytesType)
	buf = protowire.AppendBytes(buf, p.Source[:])
	if p.Destination != nil {
		buf = protowire.AppendTag(buf, fieldDestination, protowire.BytesType)
		buf = protowire.AppendBytes(buf, (*p.Destination)[:])
	}
	buf = protowire.AppendTag(buf, fieldTTL, protowire.VarintType)
	buf = protowire.AppendVarint(buf, uint64(p.TTL))
	buf = protowire.AppendTag(buf, fieldPayload, protowire.BytesType)
	buf = protowire.AppendBytes(buf, p.Payload)
	if !p.Timestamp.IsZero() {
		buf = protowire.AppendTag(buf, fieldTimestamp, protowire.VarintType)
		buf = protowire.AppendVarint(buf, uint64(p.Timestamp.UnixNano()))
	}
	if p.Flags != 0 {
		buf = protowire.AppendTag(buf, fieldFlags, protowire.VarintType)
		buf = protowire.AppendVarint(buf, uint64(p.Flags))
	}
	return buf, nil
}

// UnmarshalBinary decodes a packet produced by MarshalBinary.
// Unknown fields are skipped.
func (p *Packet) UnmarshalBinary(data []byte) error {
	*p = Packet{}
	var hasID, hasSource bool
	for len(data) > 0 {
		num, typ, n := protowire.ConsumeTag(data)
		if n < 0 {
			return fmt.Errorf("%w: %v", ErrInvalidPacketFormat, protowire.ParseError(n))
		}
		data = data[n:]

		switch {
		case typ == protowire.BytesType && (num == fieldID || num == fieldSource || num == fieldDestination || num == fieldPayload):
			v, n := protowire.ConsumeBytes(data)
			if n < 0 {
				return fmt.Errorf("%w: %v", ErrInvalidPacketFormat, protowire.ParseError(n))
			}
			data = data[n:]
			if err := p.setBytesField(num, v); err != nil {
				return err
			}
			hasID = hasID || num == fieldID
			hasSource = hasSource || num == fieldSource
		case typ == protowire.VarintType && (num == fieldTTL || num == fieldTimestamp || num == fieldFlags):
			v, n := protowire.ConsumeVarint(data)
			if n < 0 {
				return fmt.Errorf("%w: %v", ErrInvalidPacketFormat, protowire.ParseError(n))
			}
			data = data[n:]
			if err := p.setVarintField(num, v); err != nil {
				return err
			}
		default:
			n := protowire.ConsumeFieldValue(num, typ, data)
			if n < 0 {
				return fmt.Errorf("%w: %v", ErrInvalidPacketFormat, protowire.ParseError(n))
			}
			data = data[n:]
		}
	}

	if !hasID || !hasSource {
		return fmt.Errorf("%w: missing id or source", ErrInvalidPacketFormat)
	}
	return nil
}

func (p *Packet) setBytesField(num protowire.Number, v []byte) error {
	if num == fieldPayload {
		p.Payload = append([]byte(nil), v...)
		return nil
	}

	id, err := idFromBytes(v)
	if err != nil {
		return err
	}
	switch num {
	case fieldID:
		p.ID = id
	case fieldSource:
		p.Source = id
	case fieldDestination:
		dst := DeviceID(id)
		p.Destination = &dst
	}
	return nil
}

func (p *Packet) setVarintField(num protowire.Number, v uint64) error {
	switch num {
	case fieldTTL:
		if v > MaxTTL {
			return fmt.Errorf("%w: ttl %d out of range", ErrInvalidPacketFormat, v)
		}
		p.TTL = uint8(v)
	case fieldTimestamp:
		p.Timestamp = time.Unix(0, int64(v))
	case fieldFlags:
		p.Flags = uint32(v)
	}
	return nil
}

// DecodePacket decodes raw bytes handed up by a link adapter.
func DecodePacket(data []byte) (*Packet, error) {
	packet := new(Packet)
	if err := packet.UnmarshalBinary(data); err != nil {
		return nil, err
	}
	return packet, nil
}
