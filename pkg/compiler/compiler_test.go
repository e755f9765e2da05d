package compiler

import (
	"errors"
	"path/filepath"
	"testing"

	"github.com/newtron-network/newtrule/pkg/routespec"
	"github.com/newtron-network/newtrule/pkg/rule"
	"github.com/newtron-network/newtrule/pkg/topology"
	"github.com/newtron-network/newtrule/pkg/util"
)

func fleet(t *testing.T) *topology.Topology {
	t.Helper()
	topo, err := topology.Load("../../specs/topology.yaml")
	if err != nil {
		t.Fatalf("topology.Load() error = %v", err)
	}
	return topo
}

func parse(t *testing.T, y string) *routespec.RouteSpec {
	t.Helper()
	s, err := routespec.Parse([]byte(y))
	if err != nil {
		t.Fatalf("Parse() error = %v", err)
	}
	return s
}

// indexOf returns the position of the first op matching kind, table and
// match key on device, or -1.
func indexOf(ops []rule.RuleOp, device string, kind rule.OpKind, table rule.Table, key string) int {
	for i, op := range ops {
		if op.Device == device && op.Kind == kind && op.Entry.Table == table && op.Entry.MatchKey() == key {
			return i
		}
	}
	return -1
}

func TestCompileTunnelShadowsDirect(t *testing.T) {
	spec := parse(t, `
direct:
  - {device: s1, prefix: 10.0.2.2/32, mac: "08:00:00:00:02:22", port: 2}
tunnels:
  - {device: s1, prefix: 10.0.2.2/32, tunnel_id: 100}
tunnel_paths:
  - id: 100
    hops: [{device: s1, port: 4}, {device: s31, port: 2}]
    egress: {device: s2, mac: "08:00:00:00:02:22", port: 1}
`)

	ops, err := Compile(spec, fleet(t), Options{})
	if err != nil {
		t.Fatalf("Compile() error = %v", err)
	}

	s1 := ByDevice(ops)["s1"]
	if len(s1) < 2 {
		t.Fatalf("s1 ops = %v", s1)
	}

	del := s1[0]
	if del.Kind != rule.OpDelete || del.Entry.Table != rule.TableLPM4 || del.Entry.MatchKey() != "dst=10.0.2.2/32" {
		t.Errorf("s1[0] = %s, want DELETE lpm4[dst=10.0.2.2/32]", del)
	}
	if !del.BestEffort || del.Family != rule.FamilyDirect || del.Entry.Action != "" {
		t.Errorf("s1[0] = %+v, want best-effort direct delete without action", del)
	}

	ins := s1[1]
	if ins.Kind != rule.OpInsert || ins.Entry.Table != rule.TableTunnelIngress || ins.Entry.MatchKey() != "dst=10.0.2.2/32" {
		t.Errorf("s1[1] = %s, want INSERT tunnel_ingress[dst=10.0.2.2/32]", ins)
	}
	if ins.Entry.Params[rule.ParamDstID] != "100" {
		t.Errorf("dst_id = %q, want 100", ins.Entry.Params[rule.ParamDstID])
	}

	if n := indexOf(ops, "s1", rule.OpInsert, rule.TableLPM4, "dst=10.0.2.2/32"); n != -1 {
		t.Errorf("direct route still inserted at %d", n)
	}
}

func TestCompileTunnelPath(t *testing.T) {
	spec, err := routespec.Load("../../specs/scenarios/tunnel.yaml")
	if err != nil {
		t.Fatalf("Load() error = %v", err)
	}
	ops, err := Compile(spec, fleet(t), Options{})
	if err != nil {
		t.Fatalf("Compile() error = %v", err)
	}

	tests := []struct {
		device string
		action string
		params map[string]string
	}{
		{"s1", rule.ActionTunnelForward, map[string]string{"port": "4"}},
		{"s31", rule.ActionTunnelForward, map[string]string{"port": "2"}},
		{"s32", rule.ActionTunnelForward, map[string]string{"port": "2"}},
		{"s2", rule.ActionTunnelEgress, map[string]string{"dst_mac": "08:00:00:00:02:22", "port": "1"}},
	}

	for _, tt := range tests {
		i := indexOf(ops, tt.device, rule.OpInsert, rule.TableTunnelExact, "tunnel_id=300")
		if i < 0 {
			t.Errorf("%s: no tunnel_exact op for 300", tt.device)
			continue
		}
		e := ops[i].Entry
		if e.Action != tt.action {
			t.Errorf("%s: action = %s, want %s", tt.device, e.Action, tt.action)
		}
		for k, v := range tt.params {
			if e.Params[k] != v {
				t.Errorf("%s: param %s = %q, want %q", tt.device, k, e.Params[k], v)
			}
		}
	}

	egress := 0
	for _, op := range ops {
		if op.Entry.Table == rule.TableTunnelExact && op.Entry.MatchKey() == "tunnel_id=300" && op.Entry.Action == rule.ActionTunnelEgress {
			egress++
		}
	}
	if egress != 1 {
		t.Errorf("tunnel 300 has %d egress ops, want 1", egress)
	}
}

func TestCompilePriorityTotalOrder(t *testing.T) {
	spec := parse(t, `
direct:
  - {device: s1, prefix: 10.0.2.0/24, mac: "ff:ff:ff:ff:ff:ff", port: 2}
tunnels:
  - {device: s1, prefix: 10.0.2.0/24, tunnel_id: 7}
tunnel_paths:
  - id: 7
    hops: [{device: s1, port: 3}]
    egress: {device: s2, mac: "08:00:00:00:02:22", port: 1}
overlay:
  - {device: s1, prefix: 10.0.2.0/24, vni: 42, mac: "ff:ff:ff:ff:ff:ff", port: 5}
source_routes:
  - {device: s1, prefix: 10.0.2.0/24, ports: [2, 2, 1]}
`)

	ops, err := Compile(spec, fleet(t), Options{})
	if err != nil {
		t.Fatalf("Compile() error = %v", err)
	}

	s1 := ByDevice(ops)["s1"]
	want := []struct {
		kind  rule.OpKind
		table rule.Table
	}{
		{rule.OpDelete, rule.TableTunnelIngress},
		{rule.OpDelete, rule.TableOverlayLPM},
		{rule.OpDelete, rule.TableLPM4},
		{rule.OpInsert, rule.TableSourceRoute},
	}
	if len(s1) < len(want) {
		t.Fatalf("s1 ops = %v", s1)
	}
	for i, w := range want {
		if s1[i].Kind != w.kind || s1[i].Entry.Table != w.table {
			t.Errorf("s1[%d] = %s, want %s %s", i, s1[i], w.kind, w.table)
		}
	}

	push := s1[3].Entry
	if push.Action != "push_3" {
		t.Errorf("action = %s, want push_3", push.Action)
	}
	wantParams := map[string]string{
		"bos1": "0", "port1": "2",
		"bos2": "0", "port2": "2",
		"bos3": "1", "port3": "1",
	}
	for k, v := range wantParams {
		if push.Params[k] != v {
			t.Errorf("param %s = %q, want %q", k, push.Params[k], v)
		}
	}
	if len(push.Params) != len(wantParams) {
		t.Errorf("params = %v", push.Params)
	}
}

func TestCompileOverlayShadowsDirect(t *testing.T) {
	spec := parse(t, `
direct:
  - {device: s1, prefix: 10.0.2.2, mac: "ff:ff:ff:ff:ff:ff", port: 2}
overlay:
  - {device: s1, prefix: 10.0.2.2, vni: 100, mac: "ff:ff:ff:ff:ff:ff", port: 5}
`)
	ops, err := Compile(spec, fleet(t), Options{})
	if err != nil {
		t.Fatalf("Compile() error = %v", err)
	}
	if len(ops) != 2 {
		t.Fatalf("ops = %v, want 2", ops)
	}
	if ops[0].Kind != rule.OpDelete || ops[0].Entry.Table != rule.TableLPM4 {
		t.Errorf("ops[0] = %s", ops[0])
	}
	if ops[1].Entry.Table != rule.TableOverlayLPM || ops[1].Entry.MatchKey() != "inner_dst=10.0.2.2/32" {
		t.Errorf("ops[1] = %s", ops[1])
	}
	if ops[1].Entry.Params[rule.ParamVNI] != "100" {
		t.Errorf("vni = %q", ops[1].Entry.Params[rule.ParamVNI])
	}
}

func TestCompileTunnelEncapTie(t *testing.T) {
	spec := parse(t, `
tunnels:
  - {device: s1, prefix: 10.0.2.10, tunnel_id: 7}
tunnel_paths:
  - id: 7
    hops: [{device: s1, port: 3}]
    egress: {device: s2, mac: "08:00:00:00:02:22", port: 1}
encap_triggers:
  - {device: s1, prefix: 10.0.2.10, mac: "ff:ff:ff:ff:ff:ff", port: 3}
`)
	ops, err := Compile(spec, fleet(t), Options{})
	if ops != nil {
		t.Errorf("Compile() returned %d ops on error", len(ops))
	}
	var cke *util.ConflictingKeyError
	if !errors.As(err, &cke) {
		t.Fatalf("Compile() error = %v, want ConflictingKeyError", err)
	}
	if cke.Device != "s1" || cke.Key != "10.0.2.10/32" {
		t.Errorf("conflict = %+v", cke)
	}
}

func TestCompileARPIndependent(t *testing.T) {
	spec, err := routespec.Load("../../specs/scenarios/arp.yaml")
	if err != nil {
		t.Fatalf("Load() error = %v", err)
	}
	ops, err := Compile(spec, fleet(t), Options{})
	if err != nil {
		t.Fatalf("Compile() error = %v", err)
	}
	if len(ops) != 2 {
		t.Fatalf("ops = %v, want 2", ops)
	}
	for i, want := range []struct{ device, key, mac string }{
		{"s1", "oper=1,tpa=10.0.1.10/32", "08:00:00:00:01:00"},
		{"s2", "oper=1,tpa=10.0.2.20/32", "08:00:00:00:02:00"},
	} {
		op := ops[i]
		if op.Device != want.device || op.Kind != rule.OpInsert || op.Entry.Table != rule.TableARP {
			t.Errorf("ops[%d] = %s", i, op)
		}
		if op.Entry.MatchKey() != want.key {
			t.Errorf("ops[%d] key = %s, want %s", i, op.Entry.MatchKey(), want.key)
		}
		if op.Entry.Params[rule.ParamMAC] != want.mac {
			t.Errorf("ops[%d] mac = %s, want %s", i, op.Entry.Params[rule.ParamMAC], want.mac)
		}
		if op.BestEffort {
			t.Errorf("ops[%d] marked best effort", i)
		}
	}
}

func TestCompileAbortsOnError(t *testing.T) {
	tests := []struct {
		name string
		yaml string
		want error
	}{
		{
			name: "unknown device",
			yaml: "direct: [{device: s99, prefix: 10.0.2.2, mac: 'ff:ff:ff:ff:ff:ff', port: 1}]",
			want: util.ErrUnknownDevice,
		},
		{
			name: "same family conflict",
			yaml: "arp: [{device: s1, target_ip: 10.0.1.10, mac: 'ff:ff:ff:ff:ff:ff'}, {device: s1, target_ip: 10.0.1.10, mac: 'ff:ff:ff:ff:ff:fe'}]",
			want: util.ErrConflictingKey,
		},
		{
			name: "dangling tunnel",
			yaml: "tunnels: [{device: s1, prefix: 10.0.2.2, tunnel_id: 5}]",
			want: util.ErrDanglingTunnel,
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			ops, err := Compile(parse(t, tt.yaml), fleet(t), Options{})
			if !errors.Is(err, tt.want) {
				t.Errorf("Compile() error = %v, want %v", err, tt.want)
			}
			if ops != nil {
				t.Errorf("Compile() returned ops on error: %v", ops)
			}
		})
	}
}

func TestCompileReplace(t *testing.T) {
	spec := parse(t, `
direct:
  - {device: s1, prefix: 10.0.2.2, mac: "ff:ff:ff:ff:ff:ff", port: 2}
tunnels:
  - {device: s1, prefix: 10.0.2.2, tunnel_id: 7}
tunnel_paths:
  - id: 7
    hops: [{device: s1, port: 3}]
    egress: {device: s2, mac: "08:00:00:00:02:22", port: 1}
`)
	ops, err := Compile(spec, fleet(t), Options{Update: rule.OpReplace})
	if err != nil {
		t.Fatalf("Compile() error = %v", err)
	}
	for _, op := range ops {
		if op.BestEffort {
			if op.Kind != rule.OpDelete {
				t.Errorf("%s: best-effort op is not a delete", op)
			}
			continue
		}
		if op.Kind != rule.OpReplace {
			t.Errorf("%s: kind = %s, want replace", op, op.Kind)
		}
	}

	if _, err := Compile(spec, fleet(t), Options{Update: rule.OpDelete}); !errors.Is(err, util.ErrInvalidConfig) {
		t.Errorf("Compile(update=delete) error = %v, want ErrInvalidConfig", err)
	}
}

func TestCompileIPv6(t *testing.T) {
	spec, err := routespec.Load("../../specs/scenarios/ipv6.yaml")
	if err != nil {
		t.Fatalf("Load() error = %v", err)
	}
	ops, err := Compile(spec, fleet(t), Options{})
	if err != nil {
		t.Fatalf("Compile() error = %v", err)
	}

	i := indexOf(ops, "s2", rule.OpInsert, rule.TableLPM6, "dst=2001:db8::2/128")
	if i < 0 {
		t.Fatal("no lpm6 op for 2001:db8::2 on s2")
	}
	if ops[i].Entry.Action != rule.ActionDecap {
		t.Errorf("action = %s, want decap", ops[i].Entry.Action)
	}
	i = indexOf(ops, "s1", rule.OpInsert, rule.TableEncapTrigger, "dst=10.0.2.10/32")
	if i < 0 {
		t.Fatal("no encap trigger op on s1")
	}
	if ops[i].Entry.Action != rule.ActionEncap {
		t.Errorf("action = %s, want encap", ops[i].Entry.Action)
	}
}

func TestCompileDeterministic(t *testing.T) {
	files, err := filepath.Glob("../../specs/scenarios/*.yaml")
	if err != nil {
		t.Fatal(err)
	}
	spec, err := routespec.LoadFiles(files...)
	if err != nil {
		t.Fatalf("LoadFiles() error = %v", err)
	}
	topo := fleet(t)

	first, err := Compile(spec, topo, Options{})
	if err != nil {
		t.Fatalf("Compile() error = %v", err)
	}
	for n := 0; n < 5; n++ {
		again, err := Compile(spec, topo, Options{})
		if err != nil {
			t.Fatalf("Compile() error = %v", err)
		}
		if len(again) != len(first) {
			t.Fatalf("run %d: %d ops, want %d", n, len(again), len(first))
		}
		for i := range first {
			if again[i].String() != first[i].String() {
				t.Fatalf("run %d: op %d = %s, want %s", n, i, again[i], first[i])
			}
		}
	}

	// devices appear in device-id order
	last := -1
	for _, op := range first {
		pos := topo.Order(op.Device)
		if pos < last {
			t.Fatalf("%s appears after a higher device id", op)
		}
		last = pos
	}

	// non-delete ops are unique per (device, table, key)
	seen := make(map[string]bool)
	for _, op := range first {
		if op.Kind == rule.OpDelete {
			continue
		}
		k := op.Device + "|" + string(op.Entry.Table) + "|" + op.Entry.MatchKey()
		if seen[k] {
			t.Errorf("duplicate write %s", op)
		}
		seen[k] = true
	}
}

func TestConflictDeletesPrecedeWinner(t *testing.T) {
	files, _ := filepath.Glob("../../specs/scenarios/*.yaml")
	spec, err := routespec.LoadFiles(files...)
	if err != nil {
		t.Fatalf("LoadFiles() error = %v", err)
	}
	ops, err := Compile(spec, fleet(t), Options{})
	if err != nil {
		t.Fatalf("Compile() error = %v", err)
	}

	checked := 0
	for _, r := range spec.Tunnels {
		key := "dst=" + mustPrefix(t, r.Prefix)
		del := indexOf(ops, r.Device, rule.OpDelete, rule.TableLPM4, key)
		ins := indexOf(ops, r.Device, rule.OpInsert, rule.TableTunnelIngress, key)
		if del < 0 || ins < 0 || del > ins {
			t.Errorf("%s %s: delete at %d, insert at %d", r.Device, key, del, ins)
		}
		checked++
	}
	if checked == 0 {
		t.Fatal("scenarios define no tunnel routes")
	}
}

func TestTier(t *testing.T) {
	if !(Tier(rule.FamilySourceRoute) > Tier(rule.FamilyTunnel) &&
		Tier(rule.FamilyTunnel) == Tier(rule.FamilyEncap) &&
		Tier(rule.FamilyEncap) > Tier(rule.FamilyOverlay) &&
		Tier(rule.FamilyOverlay) > Tier(rule.FamilyDirect)) {
		t.Error("tier order broken")
	}
	if Tier(rule.FamilyARP) != -1 {
		t.Errorf("Tier(arp) = %d, want -1", Tier(rule.FamilyARP))
	}
}

func mustPrefix(t *testing.T, s string) string {
	t.Helper()
	p, err := util.ParsePrefix(s)
	if err != nil {
		t.Fatal(err)
	}
	return p.String()
}
