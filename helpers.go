package bullyelection

import (
	"fmt"
	"net"

	"github.com/vimeo/bullyelection/peer"
)

// SelfAddresses lists the global unicast addresses of this host paired with
// port, IPv4 before IPv6. Any of them may be passed to Config.Address.
func SelfAddresses(port int) ([]peer.Address, error) {
	ifaceAddrs, addrErr := net.InterfaceAddrs()
	if addrErr != nil {
		return nil, fmt.Errorf("unable to get self IP address: %w", addrErr)
	}

	var v4, v6 []peer.Address
	for _, a := range ifaceAddrs {
		ipNet, ok := a.(*net.IPNet)
		if !ok || !ipNet.IP.IsGlobalUnicast() {
			continue
		}
		if ip4 := ipNet.IP.To4(); ip4 != nil {
			v4 = append(v4, peer.Address{Host: ip4.String(), Port: port})
			continue
		}
		v6 = append(v6, peer.Address{Host: ipNet.IP.String(), Port: port})
	}
	return append(v4, v6...), nil
}

// AdvertiseAddress picks the address other members should use to reach this
// host: the first of SelfAddresses, or loopback when the host has no global
// unicast address.
func AdvertiseAddress(port int) (peer.Address, error) {
	addrs, err := SelfAddresses(port)
	if err != nil {
		return peer.Address{}, err
	}
	if len(addrs) == 0 {
		return peer.Address{Host: "127.0.0.1", Port: port}, nil
	}
	return addrs[0], nil
}
