// Package netutil provides the outbound-IP discovery helper the
// registration payload needs (spec §6's ip_address field), grounded on
// original_source/agents/endpoint/linux/agent.py's
// _get_real_ip_address(): open a UDP socket to a public address without
// actually sending anything, then read back the local address the
// kernel would have used.
package netutil

import "net"

// OutboundIP returns the local address the OS would route through to
// reach the public internet. No packet is sent; UDP dial only triggers
// route resolution.
func OutboundIP() (string, error) {
	conn, err := net.Dial("udp", "8.8.8.8:80")
	if err != nil {
		return "", err
	}
	defer conn.Close()

	addr, ok := conn.LocalAddr().(*net.UDPAddr)
	if !ok {
		return "", net.InvalidAddrError("not a UDP address")
	}
	return addr.IP.String(), nil
}
