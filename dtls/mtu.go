package dtls

import "net"

// maxUDPPacketSize is the largest possible UDP payload.
const maxUDPPacketSize = 65527

func isIPv4(addr net.Addr) bool {
	if udpAddr, ok := addr.(*net.UDPAddr); ok {
		return udpAddr.IP.To4() != nil
	}
	return false
}

// packetHeaderOverhead is the IP plus UDP header size for the socket's
// address family: 28 bytes on IPv4, 48 on IPv6.
func packetHeaderOverhead(addr net.Addr) int {
	if isIPv4(addr) {
		return 28
	}
	return 48
}

// worstCaseMTU is the payload size every conforming host must be able to
// receive: 576 byte datagrams on IPv4, 1280 on IPv6, minus header
// overhead.
func worstCaseMTU(addr net.Addr) int {
	if isIPv4(addr) {
		return 576 - packetHeaderOverhead(addr)
	}
	return 1280 - packetHeaderOverhead(addr)
}

// bestGuessMTU assumes the common Ethernet link MTU of 1500 bytes.
func bestGuessMTU(addr net.Addr) int {
	return 1500 - packetHeaderOverhead(addr)
}
