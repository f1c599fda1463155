package transport

import (
	"fmt"
	"net"
	"strings"

	"github.com/bmatcuk/doublestar/v4"
)

// InterfaceLister lists the names of local network interfaces.
type InterfaceLister func() ([]string, error)

// LocalInterfaces lists the interfaces of this host.
func LocalInterfaces() ([]string, error) {
	ifaces, err := net.Interfaces()
	if err != nil {
		return nil, err
	}

	names := make([]string, 0, len(ifaces))
	for _, iface := range ifaces {
		names = append(names, iface.Name)
	}
	return names, nil
}

// ExpandInterfaces resolves glob patterns such as "ens*" against the local
// interfaces. Plain names are kept as given, order is preserved and
// duplicates are rejected.
func ExpandInterfaces(patterns []string, list InterfaceLister) ([]string, error) {
	var local []string
	seen := map[string]bool{}
	expanded := make([]string, 0, len(patterns))

	for _, pattern := range patterns {
		if strings.TrimSpace(pattern) == "" {
			return nil, fmt.Errorf("empty network interface name")
		}

		if !strings.ContainsAny(pattern, "*?[{") {
			if seen[pattern] {
				return nil, fmt.Errorf("network interface %s listed more than once", pattern)
			}
			seen[pattern] = true
			expanded = append(expanded, pattern)
			continue
		}

		if local == nil {
			names, err := list()
			if err != nil {
				return nil, fmt.Errorf("list network interfaces: %w", err)
			}
			local = names
		}

		matched := 0
		for _, name := range local {
			ok, err := doublestar.Match(pattern, name)
			if err != nil {
				return nil, fmt.Errorf("network interface pattern %s: %w", pattern, err)
			}
			if !ok || seen[name] {
				continue
			}
			seen[name] = true
			expanded = append(expanded, name)
			matched++
		}
		if matched == 0 {
			return nil, fmt.Errorf("network interface pattern %s matches no interface", pattern)
		}
	}

	return expanded, nil
}
