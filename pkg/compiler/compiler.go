// Package compiler turns a RouteSpec into the ordered per-device rule
// operations that realize it.
//
// Prefix-keyed families compete for the same (device, prefix). The highest
// tier wins:
//
//	source-route > tunnel ingress = encap trigger > overlay > direct
//
// Every lower-tier family that also defines the key gets a best-effort
// Delete ahead of the winner's write, so a stale entry never shares the
// physical slot with the new one. Tunnel and encap at the same key tie and
// are rejected.
package compiler

import (
	"fmt"
	"net/netip"
	"sort"
	"strconv"

	"github.com/newtron-network/newtrule/pkg/routespec"
	"github.com/newtron-network/newtrule/pkg/rule"
	"github.com/newtron-network/newtrule/pkg/topology"
	"github.com/newtron-network/newtrule/pkg/util"
)

// Options controls compilation.
type Options struct {
	// Update is the op kind for winning entries: rule.OpInsert (default)
	// or rule.OpReplace.
	Update rule.OpKind
}

// Priority tiers of prefix-keyed families.
const (
	tierDirect = iota
	tierOverlay
	tierTunnel
	tierSourceRoute
)

// Tier returns the priority tier of a prefix-keyed family, or -1 for
// families that do not compete for prefixes.
func Tier(f rule.Family) int {
	switch f {
	case rule.FamilyDirect:
		return tierDirect
	case rule.FamilyOverlay:
		return tierOverlay
	case rule.FamilyTunnel, rule.FamilyEncap:
		return tierTunnel
	case rule.FamilySourceRoute:
		return tierSourceRoute
	default:
		return -1
	}
}

// candidate is one family's claim on a (device, prefix) slot.
type candidate struct {
	family rule.Family
	entry  rule.TableEntry
	ref    string
}

// slot collects every claim on one (device, prefix).
type slot struct {
	prefix netip.Prefix
	claims []candidate
}

// deviceOps accumulates the ops of one device before ordering.
type deviceOps struct {
	slots  map[netip.Prefix]*slot
	tunnel []exactOp
	decap  []exactOp
	arp    []exactOp
}

type exactOp struct {
	sortKey uint64
	op      rule.RuleOp
}

// Compile validates spec against topo and produces the ordered op list.
// Any validation failure aborts with a nil list; no partial output is
// returned.
func Compile(spec *routespec.RouteSpec, topo *topology.Topology, opts Options) ([]rule.RuleOp, error) {
	if err := spec.Validate(); err != nil {
		return nil, fmt.Errorf("route spec: %w", err)
	}
	if err := spec.CheckDevices(topo); err != nil {
		return nil, fmt.Errorf("route spec: %w", err)
	}
	update := opts.Update
	if update == "" {
		update = rule.OpInsert
	}
	if update != rule.OpInsert && update != rule.OpReplace {
		return nil, fmt.Errorf("%w: update kind must be insert or replace, got %q", util.ErrInvalidConfig, update)
	}

	c := &compilation{devices: make(map[string]*deviceOps)}
	if err := c.collect(spec); err != nil {
		return nil, err
	}
	if err := c.checkTies(); err != nil {
		return nil, err
	}

	var ops []rule.RuleOp
	for _, name := range topo.Names() {
		d, ok := c.devices[name]
		if !ok {
			continue
		}
		ops = append(ops, d.order(name, update)...)
	}

	util.Logger.Debugf("Compiled %d route entries into %d ops", spec.Len(), len(ops))
	return ops, nil
}

type compilation struct {
	devices map[string]*deviceOps
}

func (c *compilation) device(name string) *deviceOps {
	d, ok := c.devices[name]
	if !ok {
		d = &deviceOps{slots: make(map[netip.Prefix]*slot)}
		c.devices[name] = d
	}
	return d
}

func (c *compilation) claim(device string, p netip.Prefix, cand candidate) {
	d := c.device(device)
	s, ok := d.slots[p]
	if !ok {
		s = &slot{prefix: p}
		d.slots[p] = s
	}
	s.claims = append(s.claims, cand)
}

func (c *compilation) collect(spec *routespec.RouteSpec) error {
	for i, r := range spec.Direct {
		p, err := r.Key()
		if err != nil {
			return err
		}
		c.claim(r.Device, p, candidate{
			family: rule.FamilyDirect,
			entry:  directEntry(r, p),
			ref:    fmt.Sprintf("direct route %d", i),
		})
	}

	for i, r := range spec.Tunnels {
		p, err := r.Key()
		if err != nil {
			return err
		}
		c.claim(r.Device, p, candidate{
			family: rule.FamilyTunnel,
			entry: rule.TableEntry{
				Table:  rule.TableTunnelIngress,
				Match:  map[string]rule.MatchValue{rule.FieldDst: rule.LPM(p)},
				Action: rule.ActionTunnelIngress,
				Params: map[string]string{rule.ParamDstID: strconv.FormatUint(uint64(r.TunnelID), 10)},
			},
			ref: fmt.Sprintf("tunnel route %d", i),
		})
	}

	for i, r := range spec.EncapTriggers {
		p, err := r.Key()
		if err != nil {
			return err
		}
		c.claim(r.Device, p, candidate{
			family: rule.FamilyEncap,
			entry: rule.TableEntry{
				Table:  rule.TableEncapTrigger,
				Match:  map[string]rule.MatchValue{rule.FieldDst: rule.LPM(p)},
				Action: rule.ActionEncap,
				Params: forwardParams(r.NextHopMAC, r.Port),
			},
			ref: fmt.Sprintf("encap trigger %d", i),
		})
	}

	for i, r := range spec.Overlay {
		p, err := r.Key()
		if err != nil {
			return err
		}
		params := forwardParams(r.NextHopMAC, r.Port)
		params[rule.ParamVNI] = strconv.FormatUint(uint64(r.VNI), 10)
		c.claim(r.Device, p, candidate{
			family: rule.FamilyOverlay,
			entry: rule.TableEntry{
				Table:  rule.TableOverlayLPM,
				Match:  map[string]rule.MatchValue{rule.FieldInnerDst: rule.LPM(p)},
				Action: rule.ActionOverlayEncap,
				Params: params,
			},
			ref: fmt.Sprintf("overlay route %d", i),
		})
	}

	for i, r := range spec.SourceRoutes {
		p, err := r.Key()
		if err != nil {
			return err
		}
		c.claim(r.Device, p, candidate{
			family: rule.FamilySourceRoute,
			entry: rule.TableEntry{
				Table:  rule.TableSourceRoute,
				Match:  map[string]rule.MatchValue{rule.FieldDst: rule.LPM(p)},
				Action: rule.ActionPush(len(r.Ports)),
				Params: pushParams(r.Ports),
			},
			ref: fmt.Sprintf("source route %d", i),
		})
	}

	for _, path := range spec.TunnelPaths {
		for _, h := range path.Hops {
			d := c.device(h.Device)
			d.tunnel = append(d.tunnel, exactOp{sortKey: uint64(path.ID), op: rule.RuleOp{
				Device: h.Device,
				Family: rule.FamilyTunnelPath,
				Entry: rule.TableEntry{
					Table:  rule.TableTunnelExact,
					Match:  map[string]rule.MatchValue{rule.FieldTunnelID: rule.ExactUint(uint64(path.ID))},
					Action: rule.ActionTunnelForward,
					Params: map[string]string{rule.ParamPort: strconv.Itoa(h.Port)},
				},
				Reason: fmt.Sprintf("tunnel %d hop", path.ID),
			}})
		}
		eg := path.Egress
		d := c.device(eg.Device)
		d.tunnel = append(d.tunnel, exactOp{sortKey: uint64(path.ID), op: rule.RuleOp{
			Device: eg.Device,
			Family: rule.FamilyTunnelPath,
			Entry: rule.TableEntry{
				Table:  rule.TableTunnelExact,
				Match:  map[string]rule.MatchValue{rule.FieldTunnelID: rule.ExactUint(uint64(path.ID))},
				Action: rule.ActionTunnelEgress,
				Params: forwardParams(eg.DstMAC, eg.HostPort),
			},
			Reason: fmt.Sprintf("tunnel %d egress", path.ID),
		}})
	}

	for _, r := range spec.OverlayDecap {
		d := c.device(r.Device)
		d.decap = append(d.decap, exactOp{sortKey: uint64(r.VNI), op: rule.RuleOp{
			Device: r.Device,
			Family: rule.FamilyOverlayDecap,
			Entry: rule.TableEntry{
				Table:  rule.TableOverlayDecap,
				Match:  map[string]rule.MatchValue{rule.FieldVNI: rule.ExactUint(uint64(r.VNI))},
				Action: rule.ActionOverlayDecap,
			},
			Reason: fmt.Sprintf("vni %d arriving on port %d", r.VNI, r.IngressPort),
		}})
	}

	for _, r := range spec.ARP {
		p, err := r.Key()
		if err != nil {
			return err
		}
		d := c.device(r.Device)
		mac, _ := util.ParseMAC(r.ReplyMAC)
		d.arp = append(d.arp, exactOp{sortKey: addrKey(p.Addr()), op: rule.RuleOp{
			Device: r.Device,
			Family: rule.FamilyARP,
			Entry: rule.TableEntry{
				Table: rule.TableARP,
				Match: map[string]rule.MatchValue{
					rule.FieldARPOper: rule.ExactUint(rule.ARPOperRequest),
					rule.FieldARPTPA:  rule.LPM(p),
				},
				Action: rule.ActionARPReply,
				Params: map[string]string{rule.ParamMAC: mac},
			},
		}})
	}
	return nil
}

// checkTies rejects two different families claiming a key at the same tier.
func (c *compilation) checkTies() error {
	v := &util.ValidationBuilder{}
	for _, name := range sortedNames(c.devices) {
		d := c.devices[name]
		for _, p := range sortedPrefixes(d.slots) {
			claims := d.slots[p].claims
			for i := 0; i < len(claims); i++ {
				for j := i + 1; j < len(claims); j++ {
					a, b := claims[i], claims[j]
					if a.family != b.family && Tier(a.family) == Tier(b.family) {
						v.AddCause(util.NewConflictingKeyError(name, p.String(), a.ref, b.ref))
					}
				}
			}
		}
	}
	if err := v.Build(); err != nil {
		return fmt.Errorf("route spec: %w", err)
	}
	return nil
}

// order emits one device's ops: prefix slots in prefix order (losing deletes
// first, highest tier loser first), then tunnel, decap and ARP entries.
func (d *deviceOps) order(device string, update rule.OpKind) []rule.RuleOp {
	var ops []rule.RuleOp
	for _, p := range sortedPrefixes(d.slots) {
		claims := append([]candidate(nil), d.slots[p].claims...)
		sort.SliceStable(claims, func(i, j int) bool {
			return Tier(claims[i].family) > Tier(claims[j].family)
		})
		winner := claims[0]
		for _, loser := range claims[1:] {
			ops = append(ops, rule.RuleOp{
				Device:     device,
				Kind:       rule.OpDelete,
				Family:     loser.family,
				Entry:      rule.TableEntry{Table: loser.entry.Table, Match: loser.entry.Match},
				BestEffort: true,
				Reason:     fmt.Sprintf("shadowed by %s", winner.family),
			})
		}
		ops = append(ops, rule.RuleOp{
			Device: device,
			Kind:   update,
			Family: winner.family,
			Entry:  winner.entry,
		})
	}

	for _, group := range [][]exactOp{d.tunnel, d.decap, d.arp} {
		sort.SliceStable(group, func(i, j int) bool { return group[i].sortKey < group[j].sortKey })
		for _, e := range group {
			e.op.Kind = update
			ops = append(ops, e.op)
		}
	}
	return ops
}

// ByDevice partitions ops by device, keeping each device's order.
func ByDevice(ops []rule.RuleOp) map[string][]rule.RuleOp {
	out := make(map[string][]rule.RuleOp)
	for _, op := range ops {
		out[op.Device] = append(out[op.Device], op)
	}
	return out
}

func directEntry(r routespec.DirectRoute, p netip.Prefix) rule.TableEntry {
	e := rule.TableEntry{
		Table:  rule.TableLPM4,
		Match:  map[string]rule.MatchValue{rule.FieldDst: rule.LPM(p)},
		Action: rule.ActionForward,
		Params: forwardParams(r.NextHopMAC, r.Port),
	}
	if p.Addr().Is6() {
		e.Table = rule.TableLPM6
		if r.Decap {
			e.Action = rule.ActionDecap
		}
	}
	return e
}

func forwardParams(mac string, port int) map[string]string {
	canon, _ := util.ParseMAC(mac)
	return map[string]string{
		rule.ParamDstMAC: canon,
		rule.ParamPort:   strconv.Itoa(port),
	}
}

// pushParams numbers the port stack from 1; only the last header has the
// bottom-of-stack bit set.
func pushParams(ports []int) map[string]string {
	params := make(map[string]string, 2*len(ports))
	for i, port := range ports {
		n := strconv.Itoa(i + 1)
		bos := "0"
		if i == len(ports)-1 {
			bos = "1"
		}
		params["bos"+n] = bos
		params["port"+n] = strconv.Itoa(port)
	}
	return params
}

func addrKey(a netip.Addr) uint64 {
	b := a.As4()
	return uint64(b[0])<<24 | uint64(b[1])<<16 | uint64(b[2])<<8 | uint64(b[3])
}

func sortedNames(m map[string]*deviceOps) []string {
	names := make([]string, 0, len(m))
	for n := range m {
		names = append(names, n)
	}
	sort.Strings(names)
	return names
}

func sortedPrefixes(m map[netip.Prefix]*slot) []netip.Prefix {
	out := make([]netip.Prefix, 0, len(m))
	for p := range m {
		out = append(out, p)
	}
	sort.Slice(out, func(i, j int) bool {
		if c := out[i].Addr().Compare(out[j].Addr()); c != 0 {
			return c < 0
		}
		return out[i].Bits() < out[j].Bits()
	})
	return out
}
