// Package netaddr finds the LAN address a certificate should be issued for.
package netaddr

import (
	"fmt"
	"net"
	"sort"
	"strings"

	"github.com/pkg/errors"
)

// DefaultPreference is the order in which interface names are tried by Select.
var DefaultPreference = []string{"ethernet", "wlan"}

// ErrNoPreferredInterface is returned by Select when none of the preferred
// interface names has an address.
var ErrNoPreferredInterface = errors.New("no preferred network interface found")

// Interface is the subset of a network interface Addresses looks at.
type Interface struct {
	Name  string
	Flags net.Flags
	Addrs []net.Addr
}

// FromInterfaces returns a map of lower-cased interface names to the IPv4
// address bound to that interface. Loopback addresses and interfaces which
// are down are skipped. If an interface has more than one IPv4 address, the
// last one is used.
func FromInterfaces(list []Interface) map[string]string {
	addrs := make(map[string]string)

	for _, iface := range list {
		if iface.Flags&net.FlagUp == 0 || iface.Flags&net.FlagLoopback != 0 {
			continue
		}

		for _, addr := range iface.Addrs {
			var ip net.IP
			switch a := addr.(type) {
			case *net.IPNet:
				ip = a.IP
			case *net.IPAddr:
				ip = a.IP
			}

			ip4 := ip.To4()
			if ip4 == nil || ip4.IsLoopback() {
				continue
			}

			addrs[strings.ToLower(iface.Name)] = ip4.String()
		}
	}

	return addrs
}

// Addresses enumerates the host's network interfaces, see FromInterfaces.
func Addresses() (map[string]string, error) {
	ifaces, err := net.Interfaces()
	if err != nil {
		return nil, errors.Wrap(err, "list network interfaces")
	}

	list := make([]Interface, 0, len(ifaces))
	for _, iface := range ifaces {
		addrs, err := iface.Addrs()
		if err != nil {
			return nil, errors.Wrapf(err, "addresses of %v", iface.Name)
		}

		list = append(list, Interface{
			Name:  iface.Name,
			Flags: iface.Flags,
			Addrs: addrs,
		})
	}

	return FromInterfaces(list), nil
}

// Select returns the address of the first interface in prefs which is present
// in addrs. Without prefs, DefaultPreference is used. Interfaces with other
// names are never selected.
func Select(addrs map[string]string, prefs ...string) (string, error) {
	if len(prefs) == 0 {
		prefs = DefaultPreference
	}

	for _, name := range prefs {
		if addr, ok := addrs[strings.ToLower(name)]; ok && addr != "" {
			return addr, nil
		}
	}

	seen := make([]string, 0, len(addrs))
	for name, addr := range addrs {
		seen = append(seen, fmt.Sprintf("%v=%v", name, addr))
	}
	sort.Strings(seen)

	return "", errors.Wrapf(ErrNoPreferredInterface, "want one of %v, found [%v]",
		strings.Join(prefs, ", "), strings.Join(seen, " "))
}
