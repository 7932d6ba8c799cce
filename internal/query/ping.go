package query

import (
	"bufio"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net"
	"strconv"
)

// Packet ids for the status portion of the game's list-ping protocol.
const (
	handshakePacketID     = 0x00
	statusRequestPacketID = 0x00

	// handshakeStatusState asks the server to switch to the status flow.
	handshakeStatusState = 1

	// pingProtocolVersion of -1 means "just asking", which every server
	// version accepts for a status handshake.
	pingProtocolVersion = -1

	// maxStatusBytes bounds the JSON document a server can make us buffer.
	maxStatusBytes = 1 << 21
)

// appendVarInt appends v in the protocol's variable-length encoding
// (little-endian base 128, 32 bit).
func appendVarInt(buf []byte, v int32) []byte {
	u := uint32(v)
	for {
		b := byte(u & 0x7f)
		u >>= 7
		if u != 0 {
			b |= 0x80
		}
		buf = append(buf, b)
		if u == 0 {
			return buf
		}
	}
}

var errVarIntTooLong = errors.New("query: varint exceeds 5 bytes")

func readVarInt(r io.ByteReader) (int32, error) {
	var result uint32
	for i := 0; i < 5; i++ {
		b, err := r.ReadByte()
		if err != nil {
			return 0, err
		}
		result |= uint32(b&0x7f) << (7 * i)
		if b&0x80 == 0 {
			return int32(result), nil
		}
	}
	return 0, errVarIntTooLong
}

// appendString appends a length-prefixed UTF-8 string.
func appendString(buf []byte, s string) []byte {
	buf = appendVarInt(buf, int32(len(s)))
	return append(buf, s...)
}

// framePacket prefixes a packet body with its varint length.
func framePacket(body []byte) []byte {
	return append(appendVarInt(nil, int32(len(body))), body...)
}

// Ping performs a status handshake against the game server at addr and
// returns the raw JSON status document (player counts, MOTD, version).
func Ping(ctx context.Context, addr string) (json.RawMessage, error) {
	host, portStr, err := net.SplitHostPort(addr)
	if err != nil {
		return nil, fmt.Errorf("invalid ping address %q: %w", addr, err)
	}
	port, err := strconv.Atoi(portStr)
	if err != nil {
		return nil, fmt.Errorf("invalid ping port %q: %w", portStr, err)
	}

	var d net.Dialer
	conn, err := d.DialContext(ctx, "tcp", addr)
	if err != nil {
		return nil, fmt.Errorf("connecting to game server at %s: %w", addr, err)
	}
	defer conn.Close()
	if deadline, ok := ctx.Deadline(); ok {
		_ = conn.SetDeadline(deadline)
	}

	// Handshake: protocol version, server address, port, next state.
	handshake := appendVarInt(nil, handshakePacketID)
	handshake = appendVarInt(handshake, pingProtocolVersion)
	handshake = appendString(handshake, host)
	handshake = append(handshake, byte(port>>8), byte(port))
	handshake = appendVarInt(handshake, handshakeStatusState)

	if _, err := conn.Write(framePacket(handshake)); err != nil {
		return nil, fmt.Errorf("sending handshake: %w", err)
	}
	if _, err := conn.Write(framePacket(appendVarInt(nil, statusRequestPacketID))); err != nil {
		return nil, fmt.Errorf("sending status request: %w", err)
	}

	reader := bufio.NewReader(conn)
	packetLen, err := readVarInt(reader)
	if err != nil {
		return nil, fmt.Errorf("reading status response length: %w", err)
	}
	if packetLen <= 0 || packetLen > maxStatusBytes {
		return nil, fmt.Errorf("query: implausible status response length %d", packetLen)
	}

	packetID, err := readVarInt(reader)
	if err != nil {
		return nil, fmt.Errorf("reading status response id: %w", err)
	}
	if packetID != statusRequestPacketID {
		return nil, fmt.Errorf("query: unexpected status response packet id %#x", packetID)
	}

	jsonLen, err := readVarInt(reader)
	if err != nil {
		return nil, fmt.Errorf("reading status document length: %w", err)
	}
	if jsonLen < 0 || jsonLen > maxStatusBytes {
		return nil, fmt.Errorf("query: implausible status document length %d", jsonLen)
	}

	doc := make([]byte, jsonLen)
	if _, err := io.ReadFull(reader, doc); err != nil {
		return nil, fmt.Errorf("reading status document: %w", err)
	}
	if !json.Valid(doc) {
		return nil, errors.New("query: server returned malformed status JSON")
	}
	return doc, nil
}
