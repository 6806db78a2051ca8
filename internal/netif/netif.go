// Package netif answers the host-side network questions of the TFTP fast
// path: which networks the host sits on, which host address faces the
// device, and whether a configured device address is usable at all.
package netif

import (
	"fmt"
	"net"

	gnet "github.com/shirou/gopsutil/v3/net"
)

// Interface is one non-loopback host interface with its networks.
type Interface struct {
	Name     string
	Networks []*net.IPNet
}

// Interfaces enumerates host interfaces in OS order, skipping loopbacks
// and interfaces without addresses.
func Interfaces() ([]Interface, error) {
	stats, err := gnet.Interfaces()
	if err != nil {
		return nil, err
	}
	var ifaces []Interface
	for _, stat := range stats {
		if hasFlag(stat.Flags, "loopback") {
			continue
		}
		var networks []*net.IPNet
		for _, addr := range stat.Addrs {
			ip, network, err := net.ParseCIDR(addr.Addr)
			if err != nil {
				continue
			}
			// keep the interface address, not the network base
			network.IP = ip
			networks = append(networks, network)
		}
		if len(networks) == 0 {
			continue
		}
		ifaces = append(ifaces, Interface{Name: stat.Name, Networks: networks})
	}
	return ifaces, nil
}

func hasFlag(flags []string, flag string) bool {
	for _, f := range flags {
		if f == flag {
			return true
		}
	}
	return false
}

// ServerIP picks the host address on the network that contains the device.
func ServerIP(device net.IP) (net.IP, error) {
	ifaces, err := Interfaces()
	if err != nil {
		return nil, err
	}
	for _, iface := range ifaces {
		for _, network := range iface.Networks {
			if network.Contains(device) {
				return network.IP, nil
			}
		}
	}
	return nil, fmt.Errorf("unable to determine server IP address")
}

// ValidateDeviceIP rejects device addresses that cannot work as a TFTP
// client: multicast, the host's own address, a broadcast address, or an
// address outside every host network.
func ValidateDeviceIP(ip net.IP) error {
	if ip.IsMulticast() {
		return fmt.Errorf("device IP address must not be multicast")
	}
	ifaces, err := Interfaces()
	if err != nil {
		return err
	}
	for _, iface := range ifaces {
		for _, network := range iface.Networks {
			if network.IP.Equal(ip) {
				return fmt.Errorf("device IP address must not be same as the host one")
			}
			if bcast := broadcast(network); bcast != nil && bcast.Equal(ip) {
				return fmt.Errorf("device IP address must not be broadcast")
			}
			if network.Contains(ip) {
				return nil
			}
		}
	}
	return fmt.Errorf("device IP address must be in same network as host")
}

// broadcast returns the IPv4 broadcast address of the network, or nil for
// IPv6.
func broadcast(network *net.IPNet) net.IP {
	ip4 := network.IP.To4()
	if ip4 == nil {
		return nil
	}
	mask := network.Mask
	if len(mask) == net.IPv6len {
		mask = mask[12:]
	}
	bcast := make(net.IP, net.IPv4len)
	for i := range bcast {
		bcast[i] = ip4[i] | ^mask[i]
	}
	return bcast
}
