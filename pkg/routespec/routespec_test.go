package routespec

import (
	"errors"
	"path/filepath"
	"strings"
	"testing"

	"github.com/newtron-network/newtrule/pkg/topology"
	"github.com/newtron-network/newtrule/pkg/util"
)

func scenarioFiles(t *testing.T) []string {
	t.Helper()
	files, err := filepath.Glob("../../specs/scenarios/*.yaml")
	if err != nil || len(files) == 0 {
		t.Fatalf("no scenario files: %v", err)
	}
	return files
}

func TestScenariosValidate(t *testing.T) {
	topo, err := topology.Load("../../specs/topology.yaml")
	if err != nil {
		t.Fatalf("topology.Load() error = %v", err)
	}

	for _, f := range scenarioFiles(t) {
		t.Run(filepath.Base(f), func(t *testing.T) {
			s, err := Load(f)
			if err != nil {
				t.Fatalf("Load() error = %v", err)
			}
			if s.Len() == 0 {
				t.Error("scenario is empty")
			}
			if err := s.Validate(); err != nil {
				t.Errorf("Validate() error = %v", err)
			}
			if err := s.CheckDevices(topo); err != nil {
				t.Errorf("CheckDevices() error = %v", err)
			}
		})
	}

	all, err := LoadFiles(scenarioFiles(t)...)
	if err != nil {
		t.Fatalf("LoadFiles() error = %v", err)
	}
	if err := all.Validate(); err != nil {
		t.Errorf("merged Validate() error = %v", err)
	}
}

func TestParseRejectsUnknownFields(t *testing.T) {
	_, err := Parse([]byte("directs:\n  - {device: s1, prefix: 10.0.0.1, mac: 'aa:bb:cc:dd:ee:ff', port: 1}\n"))
	if err == nil {
		t.Fatal("Parse() expected error for unknown family")
	}
	if _, err := Parse(nil); err != nil {
		t.Errorf("Parse(empty) error = %v", err)
	}
}

func TestValidateSameFamilyConflict(t *testing.T) {
	s, err := Parse([]byte(`
direct:
  - {device: s1, prefix: 10.0.2.2, mac: "ff:ff:ff:ff:ff:ff", port: 2}
  - {device: s1, prefix: 10.0.2.2/32, mac: "08:00:00:00:02:22", port: 3}
  - {device: s2, prefix: 10.0.2.2, mac: "08:00:00:00:02:22", port: 1}
`))
	if err != nil {
		t.Fatalf("Parse() error = %v", err)
	}

	err = s.Validate()
	if !errors.Is(err, util.ErrConflictingKey) {
		t.Fatalf("Validate() error = %v, want ErrConflictingKey", err)
	}
	var cke *util.ConflictingKeyError
	if !errors.As(err, &cke) {
		t.Fatalf("errors.As(ConflictingKeyError) failed on %v", err)
	}
	if cke.Device != "s1" || cke.Key != "10.0.2.2/32" || cke.First != "direct route 0" || cke.Second != "direct route 1" {
		t.Errorf("conflict = %+v", cke)
	}
}

func TestValidateCrossFamilyAllowed(t *testing.T) {
	s, err := Parse([]byte(`
direct:
  - {device: s1, prefix: 10.0.2.2, mac: "ff:ff:ff:ff:ff:ff", port: 2}
tunnels:
  - {device: s1, prefix: 10.0.2.2, tunnel_id: 100}
tunnel_paths:
  - id: 100
    hops: [{device: s1, port: 3}]
    egress: {device: s2, mac: "08:00:00:00:02:22", port: 1}
overlay:
  - {device: s1, prefix: 10.0.2.2, vni: 7, mac: "ff:ff:ff:ff:ff:ff", port: 4}
source_routes:
  - {device: s1, prefix: 10.0.2.2, ports: [1, 2]}
`))
	if err != nil {
		t.Fatalf("Parse() error = %v", err)
	}
	if err := s.Validate(); err != nil {
		t.Errorf("Validate() error = %v", err)
	}
}

func TestValidateDanglingTunnel(t *testing.T) {
	tests := []struct {
		name    string
		yaml    string
		wantErr string
	}{
		{
			name:    "no path",
			yaml:    "tunnels: [{device: s1, prefix: 10.0.2.2, tunnel_id: 100}]",
			wantErr: "no tunnel path with this id",
		},
		{
			name: "path starts elsewhere",
			yaml: `
tunnels: [{device: s1, prefix: 10.0.2.2, tunnel_id: 100}]
tunnel_paths:
  - id: 100
    hops: [{device: s11, port: 2}]
    egress: {device: s2, mac: "08:00:00:00:02:22", port: 1}
`,
			wantErr: "path starts on s11",
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			s, err := Parse([]byte(tt.yaml))
			if err != nil {
				t.Fatalf("Parse() error = %v", err)
			}
			err = s.Validate()
			var dte *util.DanglingTunnelError
			if !errors.As(err, &dte) {
				t.Fatalf("Validate() error = %v, want DanglingTunnelError", err)
			}
			if dte.TunnelID != 100 || dte.Device != "s1" {
				t.Errorf("dangling = %+v", dte)
			}
			if !strings.Contains(err.Error(), tt.wantErr) {
				t.Errorf("error = %v, want containing %q", err, tt.wantErr)
			}
		})
	}
}

func TestValidateStructure(t *testing.T) {
	tests := []struct {
		name    string
		yaml    string
		wantErr string
	}{
		{
			name:    "bad prefix",
			yaml:    "direct: [{device: s1, prefix: 10.0.2, mac: 'ff:ff:ff:ff:ff:ff', port: 1}]",
			wantErr: "direct route 0: invalid IP address",
		},
		{
			name:    "bad mac",
			yaml:    "direct: [{device: s1, prefix: 10.0.2.2, mac: 'ff:ff', port: 1}]",
			wantErr: `direct route 0: invalid mac "ff:ff"`,
		},
		{
			name:    "zero port",
			yaml:    "direct: [{device: s1, prefix: 10.0.2.2, mac: 'ff:ff:ff:ff:ff:ff', port: 0}]",
			wantErr: "port must be between 1 and 511",
		},
		{
			name:    "missing device",
			yaml:    "direct: [{prefix: 10.0.2.2, mac: 'ff:ff:ff:ff:ff:ff', port: 1}]",
			wantErr: "direct route 0: device is required",
		},
		{
			name:    "ipv4 decap",
			yaml:    "direct: [{device: s1, prefix: 10.0.2.2, mac: 'ff:ff:ff:ff:ff:ff', port: 1, decap: true}]",
			wantErr: "decap requires an IPv6 prefix",
		},
		{
			name:    "ipv6 tunnel route",
			yaml:    "tunnels: [{device: s1, prefix: '2001:db8::1', tunnel_id: 5}]\ntunnel_paths: [{id: 5, hops: [{device: s1, port: 1}], egress: {device: s2, mac: 'ff:ff:ff:ff:ff:ff', port: 1}}]",
			wantErr: "must be ipv4",
		},
		{
			name:    "vni too large",
			yaml:    "overlay: [{device: s1, prefix: 10.0.2.2, vni: 16777216, mac: 'ff:ff:ff:ff:ff:ff', port: 1}]",
			wantErr: "VNI must be between 1 and 16777215",
		},
		{
			name:    "decap zero vni",
			yaml:    "overlay_decap: [{device: s1, vni: 0, port: 1}]",
			wantErr: "overlay decap 0: VNI must be between",
		},
		{
			name:    "empty port stack",
			yaml:    "source_routes: [{device: s1, prefix: 10.0.2.0/24, ports: []}]",
			wantErr: "port stack must have 1 to 8 entries, got 0",
		},
		{
			name:    "deep port stack",
			yaml:    "source_routes: [{device: s1, prefix: 10.0.2.0/24, ports: [1,1,1,1,1,1,1,1,1]}]",
			wantErr: "got 9",
		},
		{
			name:    "ipv6 arp target",
			yaml:    "arp: [{device: s1, target_ip: '2001:db8::1', mac: 'ff:ff:ff:ff:ff:ff'}]",
			wantErr: "target_ip must be IPv4",
		},
		{
			name:    "path without egress",
			yaml:    "tunnel_paths: [{id: 9, hops: [{device: s1, port: 1}]}]",
			wantErr: "tunnel path 9: no terminal hop",
		},
		{
			name:    "path without hops",
			yaml:    "tunnel_paths: [{id: 9, hops: [], egress: {device: s2, mac: 'ff:ff:ff:ff:ff:ff', port: 1}}]",
			wantErr: "must have 1 to 8 hops, got 0",
		},
		{
			name:    "path revisits device",
			yaml:    "tunnel_paths: [{id: 9, hops: [{device: s1, port: 1}, {device: s1, port: 2}], egress: {device: s2, mac: 'ff:ff:ff:ff:ff:ff', port: 1}}]",
			wantErr: "device s1 appears twice",
		},
		{
			name:    "egress on a hop device",
			yaml:    "tunnel_paths: [{id: 9, hops: [{device: s1, port: 1}], egress: {device: s1, mac: 'ff:ff:ff:ff:ff:ff', port: 1}}]",
			wantErr: "egress device s1 is also a forwarding hop",
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			s, err := Parse([]byte(tt.yaml))
			if err != nil {
				t.Fatalf("Parse() error = %v", err)
			}
			err = s.Validate()
			if err == nil {
				t.Fatal("Validate() expected error")
			}
			if !errors.Is(err, util.ErrValidationFailed) {
				t.Errorf("error %v does not wrap ErrValidationFailed", err)
			}
			if !strings.Contains(err.Error(), tt.wantErr) {
				t.Errorf("error = %v, want containing %q", err, tt.wantErr)
			}
		})
	}
}

func TestValidateDuplicateKeys(t *testing.T) {
	tests := []struct {
		name string
		yaml string
		key  string
	}{
		{
			name: "tunnel path id",
			yaml: "tunnel_paths: [{id: 9, hops: [{device: s1, port: 1}], egress: {device: s2, mac: 'ff:ff:ff:ff:ff:ff', port: 1}}, {id: 9, hops: [{device: s1, port: 2}], egress: {device: s2, mac: 'ff:ff:ff:ff:ff:ff', port: 1}}]",
			key:  "tunnel_id=9",
		},
		{
			name: "decap vni",
			yaml: "overlay_decap: [{device: s1, vni: 5, port: 1}, {device: s1, vni: 5, port: 2}]",
			key:  "vni=5",
		},
		{
			name: "arp target",
			yaml: "arp: [{device: s1, target_ip: 10.0.1.10, mac: 'ff:ff:ff:ff:ff:ff'}, {device: s1, target_ip: 10.0.1.10, mac: '00:00:00:00:00:01'}]",
			key:  "10.0.1.10/32",
		},
		{
			name: "encap trigger",
			yaml: "encap_triggers: [{device: s1, prefix: 10.0.2.10, mac: 'ff:ff:ff:ff:ff:ff', port: 1}, {device: s1, prefix: 10.0.2.10/32, mac: 'ff:ff:ff:ff:ff:ff', port: 2}]",
			key:  "10.0.2.10/32",
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			s, err := Parse([]byte(tt.yaml))
			if err != nil {
				t.Fatalf("Parse() error = %v", err)
			}
			var cke *util.ConflictingKeyError
			if err := s.Validate(); !errors.As(err, &cke) {
				t.Fatalf("Validate() error = %v, want ConflictingKeyError", err)
			}
			if cke.Key != tt.key {
				t.Errorf("Key = %q, want %q", cke.Key, tt.key)
			}
		})
	}
}

func TestCheckDevices(t *testing.T) {
	topo, err := topology.Load("../../specs/topology.yaml")
	if err != nil {
		t.Fatalf("topology.Load() error = %v", err)
	}
	s, err := Parse([]byte(`
direct: [{device: s1, prefix: 10.0.2.2, mac: "ff:ff:ff:ff:ff:ff", port: 2}]
tunnel_paths:
  - id: 100
    hops: [{device: s1, port: 3}, {device: s77, port: 1}]
    egress: {device: s2, mac: "08:00:00:00:02:22", port: 1}
arp: [{device: s9, target_ip: 10.0.1.10, mac: "ff:ff:ff:ff:ff:ff"}]
`))
	if err != nil {
		t.Fatalf("Parse() error = %v", err)
	}

	err = s.CheckDevices(topo)
	if !errors.Is(err, util.ErrUnknownDevice) {
		t.Fatalf("CheckDevices() error = %v, want ErrUnknownDevice", err)
	}
	for _, want := range []string{
		"tunnel path 100 hop 1 references unknown device 's77'",
		"arp responder 10.0.1.10 references unknown device 's9'",
	} {
		if !strings.Contains(err.Error(), want) {
			t.Errorf("error = %v, want containing %q", err, want)
		}
	}
}

func TestMergeCopies(t *testing.T) {
	a := &RouteSpec{
		SourceRoutes: []SourceRoute{{Device: "s1", Prefix: "10.0.2.0/24", Ports: []int{1, 2}}},
		TunnelPaths:  []TunnelPath{{ID: 1, Hops: []TunnelHop{{Device: "s1", Port: 1}}, Egress: &TunnelEgress{Device: "s2"}}},
	}
	b := &RouteSpec{ARP: []ARPResponder{{Device: "s1", TargetIP: "10.0.1.10"}}}

	m := Merge(a, nil, b)
	if m.Len() != 3 {
		t.Fatalf("Len() = %d, want 3", m.Len())
	}

	m.SourceRoutes[0].Ports[0] = 9
	m.TunnelPaths[0].Hops[0].Port = 9
	m.TunnelPaths[0].Egress.Device = "s9"
	if a.SourceRoutes[0].Ports[0] != 1 || a.TunnelPaths[0].Hops[0].Port != 1 || a.TunnelPaths[0].Egress.Device != "s2" {
		t.Error("Merge() result shares storage with its input")
	}
}
