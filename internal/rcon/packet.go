package rcon

import (
	"bytes"
	"encoding/binary"
)

// PacketType identifies the purpose of an rcon packet. The type codes are
// defined by the wire protocol; anything outside this set is invalid and
// servers answer it with a fixed "unknown request" message.
type PacketType int32

const (
	TypeResponse PacketType = 0
	TypeCommand  PacketType = 2
	TypeLogin    PacketType = 3
)

// headerSize covers the request id and type fields; every frame additionally
// carries a 4 byte length prefix and a 2 byte zero trailer.
const (
	headerSize  = 8
	trailerSize = 2
)

// Packet is one frame on the rcon byte stream.
type Packet struct {
	RequestID int32
	Type      PacketType
	Payload   []byte
}

// Bytes serializes the packet into its wire format: a little-endian int32
// length prefix followed by the request id, type, payload, and two zero bytes.
func (p *Packet) Bytes() []byte {
	bodyLen := headerSize + len(p.Payload) + trailerSize
	buf := make([]byte, 4+bodyLen)

	binary.LittleEndian.PutUint32(buf[0:], uint32(bodyLen))
	binary.LittleEndian.PutUint32(buf[4:], uint32(p.RequestID))
	binary.LittleEndian.PutUint32(buf[8:], uint32(p.Type))
	copy(buf[12:], p.Payload)
	// The remaining two bytes are already zero.

	return buf
}

// parsePacket attempts a strict extraction of one frame at the start of buf.
// It returns the packet and the number of bytes it occupied, or ok=false if
// buf does not begin with a complete, well-formed frame.
func parsePacket(buf []byte) (pkt *Packet, used int, ok bool) {
	if len(buf) < 4+headerSize+trailerSize {
		return nil, 0, false
	}

	bodyLen := int(int32(binary.LittleEndian.Uint32(buf[0:])))
	if bodyLen < headerSize+trailerSize {
		return nil, 0, false
	}

	total := 4 + bodyLen
	if len(buf) < total {
		return nil, 0, false
	}

	if buf[total-2] != 0 || buf[total-1] != 0 {
		return nil, 0, false
	}

	payload := make([]byte, bodyLen-headerSize-trailerSize)
	copy(payload, buf[12:total-trailerSize])

	return &Packet{
		RequestID: int32(binary.LittleEndian.Uint32(buf[4:])),
		Type:      PacketType(int32(binary.LittleEndian.Uint32(buf[8:]))),
		Payload:   payload,
	}, total, true
}

var zeroTrailer = []byte{0x00, 0x00}

// Scan locates one valid frame anywhere in buf, tolerating garbage bytes
// preceding it. It returns the packet along with the number of bytes consumed
// (any skipped garbage plus the frame itself), or (nil, 0) if no complete
// frame is present yet. Malformed bounded input is skipped, not fatal, so the
// stream makes forward progress even after transient desynchronization.
func Scan(buf []byte) (*Packet, int) {
	// Every frame ends in a double null, so its absence is a cheap negative.
	if !bytes.Contains(buf, zeroTrailer) {
		return nil, 0
	}

	for i := 0; i < len(buf); i++ {
		if pkt, used, ok := parsePacket(buf[i:]); ok {
			return pkt, i + used
		}
	}
	return nil, 0
}
