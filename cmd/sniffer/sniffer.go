package main

import (
	"bufio"
	"encoding/binary"
	"fmt"

	"github.com/google/gopacket"

	"github.com/podcraft/manage/internal/rcon"
)

type sniffer struct {
	Writer     *bufio.Writer
	serverPort uint16

	// Reassembly buffers, one per direction of each TCP flow.
	buffers map[string][]byte
}

func (s *sniffer) startReading(packetChan chan gopacket.Packet) {
	s.buffers = make(map[string][]byte)

	for packet := range packetChan {
		transport := packet.TransportLayer()
		app := packet.ApplicationLayer()
		if transport == nil || app == nil {
			continue
		}

		flow := transport.TransportFlow()
		srcPort := binary.BigEndian.Uint16(flow.Src().Raw())
		s.handleSegment(flow.String(), srcPort == s.serverPort, app.Payload())
	}
}

// handleSegment appends one TCP segment to the flow's buffer and prints any
// complete packets it now contains. Scanning resynchronizes past stream data
// captured mid-packet.
func (s *sniffer) handleSegment(flowKey string, fromServer bool, data []byte) {
	buffer := append(s.buffers[flowKey], data...)

	for {
		pkt, used := rcon.Scan(buffer)
		if pkt == nil {
			break
		}
		buffer = buffer[used:]
		s.printPacket(fromServer, pkt)
	}

	s.buffers[flowKey] = buffer
}

func (s *sniffer) printPacket(fromServer bool, pkt *rcon.Packet) {
	direction := "client->server"
	if fromServer {
		direction = "server->client"
	}
	fmt.Fprintf(s.Writer, "%s id=%d type=%s payload=%q\n",
		direction, pkt.RequestID, typeName(pkt.Type), pkt.Payload)
	s.Writer.Flush()
}

func typeName(t rcon.PacketType) string {
	switch t {
	case rcon.TypeResponse:
		return "response"
	case rcon.TypeCommand:
		return "command"
	case rcon.TypeLogin:
		return "login"
	default:
		return fmt.Sprintf("unknown(%d)", t)
	}
}
