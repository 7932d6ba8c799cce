// The sniffer command captures remote console traffic on the wire and
// prints the decoded packets. Useful for debugging protocol issues between
// the manager and a game server without instrumenting either side.
package main

import (
	"bufio"
	"flag"
	"fmt"
	"math"
	"os"

	"github.com/google/gopacket"
	"github.com/google/gopacket/pcap"
)

var (
	device = flag.String("d", "lo0", "Device on which to listen for packets")
	port   = flag.Int("port", 25575, "Remote console port to capture")
)

func main() {
	flag.Parse()

	handle, err := pcap.OpenLive(*device, math.MaxInt32, false, pcap.BlockForever)
	if err != nil {
		exit("error opening handle: %v", err)
	}
	if err := handle.SetBPFFilter(fmt.Sprintf("tcp and port %d", *port)); err != nil {
		exit("error setting capture filter: %v", err)
	}

	writer := bufio.NewWriter(os.Stdout)
	defer writer.Flush()

	s := &sniffer{Writer: writer, serverPort: uint16(*port)}
	packetSource := gopacket.NewPacketSource(handle, handle.LinkType())
	s.startReading(packetSource.Packets())
}

func exit(format string, args ...interface{}) {
	fmt.Fprintf(os.Stderr, format+"\n", args...)
	os.Exit(1)
}
