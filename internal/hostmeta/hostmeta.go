// Package hostmeta is a minimal named-interface stand-in for the spec's
// out-of-scope host-metadata discovery service. It exists only so
// internal/client has real values to stamp into outgoing request params;
// it is not meant to be elaborated beyond this.
package hostmeta

import (
	"net"
	"os"
)

// Metadata describes the host the agent is running on.
type Metadata struct {
	Hostname string
	IP       string
	MAC      string
	Tags     []string
}

// Discover gathers best-effort host metadata. Failures to resolve any
// individual field are silent: the agent still ships logs without them.
func Discover() Metadata {
	m := Metadata{}
	if name, err := os.Hostname(); err == nil {
		m.Hostname = name
	}
	ifaces, err := net.Interfaces()
	if err != nil {
		return m
	}
	for _, iface := range ifaces {
		if iface.Flags&net.FlagLoopback != 0 || iface.HardwareAddr == nil {
			continue
		}
		if m.MAC == "" {
			m.MAC = iface.HardwareAddr.String()
		}
		addrs, err := iface.Addrs()
		if err != nil {
			continue
		}
		for _, addr := range addrs {
			ipNet, ok := addr.(*net.IPNet)
			if !ok || ipNet.IP.IsLoopback() || ipNet.IP.To4() == nil {
				continue
			}
			if m.IP == "" {
				m.IP = ipNet.IP.String()
			}
		}
	}
	return m
}
