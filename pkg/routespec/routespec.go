// Package routespec holds the desired forwarding state: one route table per
// forwarding technology, loaded from YAML and validated before compilation.
//
// A RouteSpec is plain data. Nothing here talks to a device.
package routespec

import (
	"bytes"
	"errors"
	"fmt"
	"io"
	"net/netip"
	"os"

	"gopkg.in/yaml.v3"

	"github.com/newtron-network/newtrule/pkg/util"
)

// MaxTunnelHops bounds the forward hops of a tunnel path.
const MaxTunnelHops = 8

// RouteSpec bundles the per-technology route tables.
type RouteSpec struct {
	Direct        []DirectRoute  `yaml:"direct,omitempty" json:"direct,omitempty"`
	Tunnels       []TunnelRoute  `yaml:"tunnels,omitempty" json:"tunnels,omitempty"`
	TunnelPaths   []TunnelPath   `yaml:"tunnel_paths,omitempty" json:"tunnel_paths,omitempty"`
	EncapTriggers []EncapTrigger `yaml:"encap_triggers,omitempty" json:"encap_triggers,omitempty"`
	Overlay       []OverlayRoute `yaml:"overlay,omitempty" json:"overlay,omitempty"`
	OverlayDecap  []OverlayDecap `yaml:"overlay_decap,omitempty" json:"overlay_decap,omitempty"`
	SourceRoutes  []SourceRoute  `yaml:"source_routes,omitempty" json:"source_routes,omitempty"`
	ARP           []ARPResponder `yaml:"arp,omitempty" json:"arp,omitempty"`
}

// DirectRoute forwards a prefix to a next-hop MAC out of a port. IPv4 and
// IPv6 prefixes are both accepted; Decap (IPv6 only) strips the outer IPv6
// header before forwarding.
type DirectRoute struct {
	Device     string `yaml:"device" json:"device"`
	Prefix     string `yaml:"prefix" json:"prefix"`
	NextHopMAC string `yaml:"mac" json:"mac"`
	Port       int    `yaml:"port" json:"port"`
	Decap      bool   `yaml:"decap,omitempty" json:"decap,omitempty"`
}

// TunnelRoute steers an IPv4 prefix into a tunnel.
type TunnelRoute struct {
	Device   string `yaml:"device" json:"device"`
	Prefix   string `yaml:"prefix" json:"prefix"`
	TunnelID uint32 `yaml:"tunnel_id" json:"tunnel_id"`
}

// TunnelPath is the hop-by-hop path of one tunnel direction.
type TunnelPath struct {
	ID     uint32        `yaml:"id" json:"id"`
	Hops   []TunnelHop   `yaml:"hops" json:"hops"`
	Egress *TunnelEgress `yaml:"egress" json:"egress"`
}

// TunnelHop forwards tunnelled packets out of Port on Device.
type TunnelHop struct {
	Device string `yaml:"device" json:"device"`
	Port   int    `yaml:"port" json:"port"`
}

// TunnelEgress is the terminal hop: strip the tunnel header, rewrite the
// destination MAC and deliver to the host port.
type TunnelEgress struct {
	Device   string `yaml:"device" json:"device"`
	DstMAC   string `yaml:"mac" json:"mac"`
	HostPort int    `yaml:"port" json:"port"`
}

// EncapTrigger is a direct-route variant: packets to the trigger prefix are
// wrapped in an outer IPv6 header instead of forwarded as-is.
type EncapTrigger struct {
	Device     string `yaml:"device" json:"device"`
	Prefix     string `yaml:"prefix" json:"prefix"`
	NextHopMAC string `yaml:"mac" json:"mac"`
	Port       int    `yaml:"port" json:"port"`
}

// OverlayRoute encapsulates packets to Prefix into the overlay network VNI.
type OverlayRoute struct {
	Device     string `yaml:"device" json:"device"`
	Prefix     string `yaml:"prefix" json:"prefix"`
	VNI        uint32 `yaml:"vni" json:"vni"`
	NextHopMAC string `yaml:"mac" json:"mac"`
	Port       int    `yaml:"port" json:"port"`
}

// OverlayDecap terminates overlay network VNI arriving on IngressPort.
type OverlayDecap struct {
	Device      string `yaml:"device" json:"device"`
	VNI         uint32 `yaml:"vni" json:"vni"`
	IngressPort int    `yaml:"port" json:"port"`
}

// SourceRoute pushes an ordered port stack onto packets to Prefix.
type SourceRoute struct {
	Device string `yaml:"device" json:"device"`
	Prefix string `yaml:"prefix" json:"prefix"`
	Ports  []int  `yaml:"ports" json:"ports"`
}

// ARPResponder answers ARP requests for TargetIP with ReplyMAC.
type ARPResponder struct {
	Device   string `yaml:"device" json:"device"`
	TargetIP string `yaml:"target_ip" json:"target_ip"`
	ReplyMAC string `yaml:"mac" json:"mac"`
}

// Key returns the destination prefix of a direct route.
func (r DirectRoute) Key() (netip.Prefix, error) { return util.ParsePrefix(r.Prefix) }

// Key returns the destination prefix of a tunnel route.
func (r TunnelRoute) Key() (netip.Prefix, error) { return util.ParsePrefix(r.Prefix) }

// Key returns the trigger prefix.
func (r EncapTrigger) Key() (netip.Prefix, error) { return util.ParsePrefix(r.Prefix) }

// Key returns the inner destination prefix.
func (r OverlayRoute) Key() (netip.Prefix, error) { return util.ParsePrefix(r.Prefix) }

// Key returns the destination prefix of a source route.
func (r SourceRoute) Key() (netip.Prefix, error) { return util.ParsePrefix(r.Prefix) }

// Key returns the target address as a host prefix.
func (r ARPResponder) Key() (netip.Prefix, error) {
	addr, err := util.ParseHostAddr(r.TargetIP)
	if err != nil {
		return netip.Prefix{}, err
	}
	return netip.PrefixFrom(addr, addr.BitLen()), nil
}

// Load reads one route file.
func Load(path string) (*RouteSpec, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("reading route file: %w", err)
	}
	s, err := Parse(data)
	if err != nil {
		return nil, fmt.Errorf("%s: %w", path, err)
	}
	return s, nil
}

// LoadFiles reads several route files and merges them in order.
func LoadFiles(paths ...string) (*RouteSpec, error) {
	specs := make([]*RouteSpec, 0, len(paths))
	for _, p := range paths {
		s, err := Load(p)
		if err != nil {
			return nil, err
		}
		specs = append(specs, s)
	}
	return Merge(specs...), nil
}

// Parse decodes route YAML. Unknown keys are rejected so a misspelled family
// does not silently disappear.
func Parse(data []byte) (*RouteSpec, error) {
	var s RouteSpec
	dec := yaml.NewDecoder(bytes.NewReader(data))
	dec.KnownFields(true)
	if err := dec.Decode(&s); err != nil && !errors.Is(err, io.EOF) {
		return nil, fmt.Errorf("parsing route YAML: %w", err)
	}
	return &s, nil
}

// Merge concatenates specs family by family into a new spec. Inputs are not
// modified.
func Merge(specs ...*RouteSpec) *RouteSpec {
	out := &RouteSpec{}
	for _, s := range specs {
		if s == nil {
			continue
		}
		out.Direct = append(out.Direct, s.Direct...)
		out.Tunnels = append(out.Tunnels, s.Tunnels...)
		for _, p := range s.TunnelPaths {
			out.TunnelPaths = append(out.TunnelPaths, p.clone())
		}
		out.EncapTriggers = append(out.EncapTriggers, s.EncapTriggers...)
		out.Overlay = append(out.Overlay, s.Overlay...)
		out.OverlayDecap = append(out.OverlayDecap, s.OverlayDecap...)
		for _, r := range s.SourceRoutes {
			r.Ports = append([]int(nil), r.Ports...)
			out.SourceRoutes = append(out.SourceRoutes, r)
		}
		out.ARP = append(out.ARP, s.ARP...)
	}
	return out
}

// Len returns the number of entries across all families.
func (s *RouteSpec) Len() int {
	return len(s.Direct) + len(s.Tunnels) + len(s.TunnelPaths) + len(s.EncapTriggers) +
		len(s.Overlay) + len(s.OverlayDecap) + len(s.SourceRoutes) + len(s.ARP)
}

// Path returns the tunnel path with the given id.
func (s *RouteSpec) Path(id uint32) (TunnelPath, bool) {
	for _, p := range s.TunnelPaths {
		if p.ID == id {
			return p, true
		}
	}
	return TunnelPath{}, false
}

func (p TunnelPath) clone() TunnelPath {
	p.Hops = append([]TunnelHop(nil), p.Hops...)
	if p.Egress != nil {
		e := *p.Egress
		p.Egress = &e
	}
	return p
}

// Ingress returns the device the path starts on.
func (p TunnelPath) Ingress() string {
	if len(p.Hops) == 0 {
		return ""
	}
	return p.Hops[0].Device
}
