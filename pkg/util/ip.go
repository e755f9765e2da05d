package util

import (
	"fmt"
	"net"
	"net/netip"
	"strings"
)

// ParsePrefix parses an address or CIDR into a masked prefix. A bare address
// becomes a host prefix (/32 for IPv4, /128 for IPv6).
func ParsePrefix(s string) (netip.Prefix, error) {
	s = strings.TrimSpace(s)
	if s == "" {
		return netip.Prefix{}, fmt.Errorf("empty prefix")
	}
	if strings.Contains(s, "/") {
		p, err := netip.ParsePrefix(s)
		if err != nil {
			return netip.Prefix{}, fmt.Errorf("invalid CIDR notation: %s", s)
		}
		return p.Masked(), nil
	}
	addr, err := netip.ParseAddr(s)
	if err != nil {
		return netip.Prefix{}, fmt.Errorf("invalid IP address: %s", s)
	}
	addr = addr.Unmap()
	return netip.PrefixFrom(addr, addr.BitLen()), nil
}

// ParseHostAddr parses a single IP address (no mask).
func ParseHostAddr(s string) (netip.Addr, error) {
	addr, err := netip.ParseAddr(strings.TrimSpace(s))
	if err != nil {
		return netip.Addr{}, fmt.Errorf("invalid IP address: %s", s)
	}
	return addr.Unmap(), nil
}

// PrefixFamily returns "ipv4" or "ipv6".
func PrefixFamily(p netip.Prefix) string {
	if p.Addr().Is4() {
		return "ipv4"
	}
	return "ipv6"
}

// ParseMAC parses a 6-byte hardware address and returns it in canonical
// lower-case colon form.
func ParseMAC(s string) (string, error) {
	hw, err := net.ParseMAC(strings.TrimSpace(s))
	if err != nil {
		return "", fmt.Errorf("invalid MAC address: %s", s)
	}
	if len(hw) != 6 {
		return "", fmt.Errorf("MAC address must be 6 bytes: %s", s)
	}
	return hw.String(), nil
}

// IsValidMAC checks if a string is a valid 6-byte MAC address
func IsValidMAC(s string) bool {
	_, err := ParseMAC(s)
	return err == nil
}

// ValidatePort checks that a device port number is usable
func ValidatePort(port int) error {
	if port < 1 || port > 511 {
		return fmt.Errorf("port must be between 1 and 511, got %d", port)
	}
	return nil
}

const maxVNI = 1<<24 - 1

// ValidateVNI checks if a VNI fits in 24 bits and is non-zero.
func ValidateVNI(vni uint32) error {
	if vni < 1 || vni > maxVNI {
		return fmt.Errorf("VNI must be between 1 and %d, got %d", maxVNI, vni)
	}
	return nil
}

// SplitHostPort splits a control address and checks both halves are present.
func SplitHostPort(addr string) (string, string, error) {
	host, port, err := net.SplitHostPort(addr)
	if err != nil {
		return "", "", fmt.Errorf("invalid address %q: %w", addr, err)
	}
	if host == "" || port == "" {
		return "", "", fmt.Errorf("invalid address %q: host and port required", addr)
	}
	return host, port, nil
}
