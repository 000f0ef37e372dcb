package network

import (
	"net"
	"strings"

	"branchnet/internal/result"
)

// ResolveInterfaces maps advertising interface selectors to network
// interfaces. A selector is "localhost" (loopback interfaces), "all"
// (every interface that is up and multicast capable), an interface name
// or a MAC address.
func ResolveInterfaces(selectors []string) ([]net.Interface, error) {
	ifaces, err := net.Interfaces()
	if err != nil {
		return nil, result.Wrap(result.OpenSocketFailed, err)
	}
	return matchInterfaces(ifaces, selectors), nil
}

func matchInterfaces(ifaces []net.Interface, selectors []string) []net.Interface {
	seen := make(map[int]bool)
	var out []net.Interface
	add := func(ifi net.Interface) {
		if seen[ifi.Index] || ifi.Flags&net.FlagUp == 0 {
			return
		}
		seen[ifi.Index] = true
		out = append(out, ifi)
	}
	for _, sel := range selectors {
		sel = strings.TrimSpace(sel)
		for _, ifi := range ifaces {
			switch {
			case strings.EqualFold(sel, "localhost"):
				if ifi.Flags&net.FlagLoopback != 0 {
					add(ifi)
				}
			case strings.EqualFold(sel, "all"):
				if ifi.Flags&net.FlagMulticast != 0 || ifi.Flags&net.FlagLoopback != 0 {
					add(ifi)
				}
			case ifi.Name == sel:
				add(ifi)
			case len(ifi.HardwareAddr) > 0 && strings.EqualFold(ifi.HardwareAddr.String(), sel):
				add(ifi)
			}
		}
	}
	return out
}

// InterfaceNames lists the names of ifaces.
func InterfaceNames(ifaces []net.Interface) []string {
	out := make([]string, 0, len(ifaces))
	for _, ifi := range ifaces {
		out = append(out, ifi.Name)
	}
	return out
}
