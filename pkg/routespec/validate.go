package routespec

import (
	"fmt"
	"net/netip"

	"github.com/newtron-network/newtrule/pkg/rule"
	"github.com/newtron-network/newtrule/pkg/topology"
	"github.com/newtron-network/newtrule/pkg/util"
)

// Validate checks every entry and rejects same-family collisions on
// (device, key). All problems are reported together; typed causes such as
// *util.ConflictingKeyError and *util.DanglingTunnelError remain reachable
// with errors.As.
func (s *RouteSpec) Validate() error {
	v := &util.ValidationBuilder{}

	seen := newKeySet(v)
	for i, r := range s.Direct {
		ref := fmt.Sprintf("direct route %d", i)
		p := checkPrefix(v, ref, r.Prefix, "")
		checkDevice(v, ref, r.Device)
		checkMAC(v, ref, r.NextHopMAC)
		checkPort(v, ref, r.Port)
		if r.Decap && p.IsValid() && p.Addr().Is4() {
			v.AddErrorf("%s: decap requires an IPv6 prefix, got %s", ref, p)
		}
		seen.claim(r.Device, p, ref)
	}

	seen = newKeySet(v)
	for i, r := range s.Tunnels {
		ref := fmt.Sprintf("tunnel route %d", i)
		p := checkPrefix(v, ref, r.Prefix, "ipv4")
		checkDevice(v, ref, r.Device)
		seen.claim(r.Device, p, ref)
		if r.TunnelID == 0 {
			v.AddErrorf("%s: tunnel_id is required", ref)
			continue
		}
		path, ok := s.Path(r.TunnelID)
		switch {
		case !ok:
			v.AddCause(&util.DanglingTunnelError{TunnelID: r.TunnelID, Device: r.Device, Reason: "no tunnel path with this id"})
		case path.Ingress() != "" && path.Ingress() != r.Device:
			v.AddCause(&util.DanglingTunnelError{
				TunnelID: r.TunnelID,
				Device:   r.Device,
				Reason:   fmt.Sprintf("path starts on %s", path.Ingress()),
			})
		}
	}

	paths := make(map[uint32]int)
	for i, p := range s.TunnelPaths {
		ref := fmt.Sprintf("tunnel path %d", p.ID)
		if p.ID == 0 {
			ref = fmt.Sprintf("tunnel path #%d", i)
			v.AddErrorf("%s: id is required", ref)
		} else if j, dup := paths[p.ID]; dup {
			v.AddCause(util.NewConflictingKeyError(p.Ingress(), fmt.Sprintf("tunnel_id=%d", p.ID),
				fmt.Sprintf("tunnel path #%d", j), fmt.Sprintf("tunnel path #%d", i)))
		} else {
			paths[p.ID] = i
		}
		validatePath(v, ref, p)
	}

	seen = newKeySet(v)
	for i, r := range s.EncapTriggers {
		ref := fmt.Sprintf("encap trigger %d", i)
		p := checkPrefix(v, ref, r.Prefix, "ipv4")
		checkDevice(v, ref, r.Device)
		checkMAC(v, ref, r.NextHopMAC)
		checkPort(v, ref, r.Port)
		seen.claim(r.Device, p, ref)
	}

	seen = newKeySet(v)
	for i, r := range s.Overlay {
		ref := fmt.Sprintf("overlay route %d", i)
		p := checkPrefix(v, ref, r.Prefix, "ipv4")
		checkDevice(v, ref, r.Device)
		checkMAC(v, ref, r.NextHopMAC)
		checkPort(v, ref, r.Port)
		if err := util.ValidateVNI(r.VNI); err != nil {
			v.AddErrorf("%s: %v", ref, err)
		}
		seen.claim(r.Device, p, ref)
	}

	decaps := make(map[string]string)
	for i, r := range s.OverlayDecap {
		ref := fmt.Sprintf("overlay decap %d", i)
		checkDevice(v, ref, r.Device)
		checkPort(v, ref, r.IngressPort)
		if err := util.ValidateVNI(r.VNI); err != nil {
			v.AddErrorf("%s: %v", ref, err)
			continue
		}
		k := fmt.Sprintf("%s|%d", r.Device, r.VNI)
		if first, dup := decaps[k]; dup {
			v.AddCause(util.NewConflictingKeyError(r.Device, fmt.Sprintf("vni=%d", r.VNI), first, ref))
		} else {
			decaps[k] = ref
		}
	}

	seen = newKeySet(v)
	for i, r := range s.SourceRoutes {
		ref := fmt.Sprintf("source route %d", i)
		p := checkPrefix(v, ref, r.Prefix, "ipv4")
		checkDevice(v, ref, r.Device)
		if len(r.Ports) == 0 || len(r.Ports) > rule.MaxPushDepth {
			v.AddErrorf("%s: port stack must have 1 to %d entries, got %d", ref, rule.MaxPushDepth, len(r.Ports))
		}
		for _, port := range r.Ports {
			checkPort(v, ref, port)
		}
		seen.claim(r.Device, p, ref)
	}

	seen = newKeySet(v)
	for i, r := range s.ARP {
		ref := fmt.Sprintf("arp responder %d", i)
		checkDevice(v, ref, r.Device)
		checkMAC(v, ref, r.ReplyMAC)
		p, err := r.Key()
		if err != nil {
			v.AddErrorf("%s: %v", ref, err)
			continue
		}
		if !p.Addr().Is4() {
			v.AddErrorf("%s: target_ip must be IPv4, got %s", ref, r.TargetIP)
			continue
		}
		seen.claim(r.Device, p, ref)
	}

	return v.Build()
}

func validatePath(v *util.ValidationBuilder, ref string, p TunnelPath) {
	if len(p.Hops) == 0 || len(p.Hops) > MaxTunnelHops {
		v.AddErrorf("%s: must have 1 to %d hops, got %d", ref, MaxTunnelHops, len(p.Hops))
	}
	devices := make(map[string]bool, len(p.Hops))
	for j, h := range p.Hops {
		hopRef := fmt.Sprintf("%s hop %d", ref, j)
		checkDevice(v, hopRef, h.Device)
		checkPort(v, hopRef, h.Port)
		if devices[h.Device] {
			v.AddErrorf("%s: device %s appears twice", ref, h.Device)
		}
		devices[h.Device] = true
	}
	if p.Egress == nil {
		v.AddErrorf("%s: no terminal hop", ref)
		return
	}
	egRef := ref + " egress"
	checkDevice(v, egRef, p.Egress.Device)
	checkMAC(v, egRef, p.Egress.DstMAC)
	checkPort(v, egRef, p.Egress.HostPort)
	if devices[p.Egress.Device] {
		v.AddErrorf("%s: egress device %s is also a forwarding hop", ref, p.Egress.Device)
	}
}

// CheckDevices reports every device reference that the topology does not
// declare.
func (s *RouteSpec) CheckDevices(topo *topology.Topology) error {
	v := &util.ValidationBuilder{}
	check := func(device, ref string) {
		if !topo.Has(device) {
			v.AddCause(util.NewUnknownDeviceError(device, ref))
		}
	}

	for _, r := range s.Direct {
		check(r.Device, "direct route "+r.Prefix)
	}
	for _, r := range s.Tunnels {
		check(r.Device, "tunnel route "+r.Prefix)
	}
	for _, p := range s.TunnelPaths {
		for j, h := range p.Hops {
			check(h.Device, fmt.Sprintf("tunnel path %d hop %d", p.ID, j))
		}
		if p.Egress != nil {
			check(p.Egress.Device, fmt.Sprintf("tunnel path %d egress", p.ID))
		}
	}
	for _, r := range s.EncapTriggers {
		check(r.Device, "encap trigger "+r.Prefix)
	}
	for _, r := range s.Overlay {
		check(r.Device, "overlay route "+r.Prefix)
	}
	for _, r := range s.OverlayDecap {
		check(r.Device, fmt.Sprintf("overlay decap vni %d", r.VNI))
	}
	for _, r := range s.SourceRoutes {
		check(r.Device, "source route "+r.Prefix)
	}
	for _, r := range s.ARP {
		check(r.Device, "arp responder "+r.TargetIP)
	}
	return v.Build()
}

// keySet detects two entries of one family claiming the same (device, prefix).
type keySet struct {
	v     *util.ValidationBuilder
	owner map[string]string
}

func newKeySet(v *util.ValidationBuilder) *keySet {
	return &keySet{v: v, owner: make(map[string]string)}
}

func (k *keySet) claim(device string, p netip.Prefix, ref string) {
	if !p.IsValid() || device == "" {
		return
	}
	key := device + "|" + p.String()
	if first, dup := k.owner[key]; dup {
		k.v.AddCause(util.NewConflictingKeyError(device, p.String(), first, ref))
		return
	}
	k.owner[key] = ref
}

func checkPrefix(v *util.ValidationBuilder, ref, s, family string) netip.Prefix {
	p, err := util.ParsePrefix(s)
	if err != nil {
		v.AddErrorf("%s: %v", ref, err)
		return netip.Prefix{}
	}
	if family != "" && util.PrefixFamily(p) != family {
		v.AddErrorf("%s: prefix %s must be %s", ref, p, family)
		return netip.Prefix{}
	}
	return p
}

func checkDevice(v *util.ValidationBuilder, ref, device string) {
	if device == "" {
		v.AddErrorf("%s: device is required", ref)
	}
}

func checkMAC(v *util.ValidationBuilder, ref, mac string) {
	if !util.IsValidMAC(mac) {
		v.AddErrorf("%s: invalid mac %q", ref, mac)
	}
}

func checkPort(v *util.ValidationBuilder, ref string, port int) {
	if err := util.ValidatePort(port); err != nil {
		v.AddErrorf("%s: %v", ref, err)
	}
}
