package rule

import (
	"crypto/sha256"
	"encoding/hex"
	"fmt"
	"os"
	"sort"
	"strconv"

	"gopkg.in/yaml.v3"

	"github.com/newtron-network/newtrule/pkg/util"
)

// MaxPushDepth is the deepest source-route header stack the default program
// accepts.
const MaxPushDepth = 8

// Pipeline maps logical tables, fields, actions and counters onto the names
// used by the forwarding program loaded on the devices.
type Pipeline struct {
	Name     string              `yaml:"name" json:"name"`
	Tables   map[Table]*TableMap `yaml:"tables" json:"tables"`
	Counters map[string]string   `yaml:"counters,omitempty" json:"counters,omitempty"`
}

// TableMap is the physical naming of one logical table.
type TableMap struct {
	Name    string                `yaml:"name" json:"name"`
	Fields  map[string]string     `yaml:"fields" json:"fields"`
	Actions map[string]*ActionMap `yaml:"actions" json:"actions"`
}

// ActionMap is the physical naming of one action. Params not listed keep
// their logical name.
type ActionMap struct {
	Name   string            `yaml:"name" json:"name"`
	Params map[string]string `yaml:"params,omitempty" json:"params,omitempty"`
}

// Logical counter names
const (
	CounterTunnelIngress = "tunnel_ingress"
	CounterTunnelEgress  = "tunnel_egress"
)

// PhysicalEntry is a TableEntry translated to program names.
type PhysicalEntry struct {
	Table  string
	Match  map[string]MatchValue
	Action string
	Params map[string]string
}

// MatchKey renders the physical match fields in canonical form.
func (p PhysicalEntry) MatchKey() string {
	return matchKey(p.Match)
}

// DefaultPipeline returns the naming of the multi-technology program the
// fleet runs by default.
func DefaultPipeline() *Pipeline {
	fwd := func(name string) *ActionMap {
		return &ActionMap{Name: name, Params: map[string]string{ParamDstMAC: "dstAddr", ParamPort: "port"}}
	}
	ipv4 := map[string]string{FieldDst: "hdr.ipv4.dstAddr"}

	p := &Pipeline{
		Name: "basic",
		Tables: map[Table]*TableMap{
			TableLPM4: {
				Name:    "MyIngress.ipv4_lpm",
				Fields:  ipv4,
				Actions: map[string]*ActionMap{ActionForward: fwd("MyIngress.ipv4_forward")},
			},
			TableEncapTrigger: {
				Name:    "MyIngress.ipv4_lpm",
				Fields:  ipv4,
				Actions: map[string]*ActionMap{ActionEncap: fwd("MyIngress.ipv6_encap_ipv4")},
			},
			TableTunnelIngress: {
				Name:   "MyIngress.ipv4_lpm",
				Fields: ipv4,
				Actions: map[string]*ActionMap{
					ActionTunnelIngress: {Name: "MyIngress.yequdesu_ingress"},
				},
			},
			TableLPM6: {
				Name:   "MyIngress.ipv6_lpm",
				Fields: map[string]string{FieldDst: "hdr.ipv6.dstAddr"},
				Actions: map[string]*ActionMap{
					ActionForward: fwd("MyIngress.ipv6_forward"),
					ActionDecap:   fwd("MyIngress.ipv6_decap_ipv4"),
				},
			},
			TableTunnelExact: {
				Name:   "MyIngress.yequdesu_exact",
				Fields: map[string]string{FieldTunnelID: "hdr.yequdesu.dst_id"},
				Actions: map[string]*ActionMap{
					ActionTunnelForward: {Name: "MyIngress.yequdesu_forward"},
					ActionTunnelEgress:  fwd("MyIngress.yequdesu_egress"),
				},
			},
			TableOverlayLPM: {
				Name:   "MyIngress.vxlan_lpm",
				Fields: map[string]string{FieldInnerDst: "hdr.inner_ipv4.dstAddr"},
				Actions: map[string]*ActionMap{
					ActionOverlayEncap: {Name: "MyIngress.vxlan_encap", Params: map[string]string{ParamDstMAC: "dstAddr"}},
				},
			},
			TableOverlayDecap: {
				Name:    "MyIngress.vxlan_decap_exact",
				Fields:  map[string]string{FieldVNI: "hdr.vxlan.vni"},
				Actions: map[string]*ActionMap{ActionOverlayDecap: {Name: "MyIngress.vxlan_decap"}},
			},
			TableSourceRoute: {
				Name:    "MyIngress.src_routing_publish",
				Fields:  ipv4,
				Actions: map[string]*ActionMap{},
			},
			TableARP: {
				Name:   "MyIngress.arp_match",
				Fields: map[string]string{FieldARPOper: "hdr.arp.oper", FieldARPTPA: "hdr.arp.tpa"},
				Actions: map[string]*ActionMap{
					ActionARPReply: {Name: "MyIngress.send_arp_reply", Params: map[string]string{ParamMAC: "macAddr"}},
				},
			},
		},
		Counters: map[string]string{
			CounterTunnelIngress: "MyIngress.ingressTunnelCounter",
			CounterTunnelEgress:  "MyIngress.egressTunnelCounter",
		},
	}
	for n := 1; n <= MaxPushDepth; n++ {
		p.Tables[TableSourceRoute].Actions[ActionPush(n)] = &ActionMap{Name: "MyIngress.add_head_" + strconv.Itoa(n)}
	}
	return p
}

// LoadPipeline reads a pipeline naming file. Tables it omits fall back to the
// default program's naming.
func LoadPipeline(path string) (*Pipeline, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("reading pipeline file: %w", err)
	}

	var p Pipeline
	if err := yaml.Unmarshal(data, &p); err != nil {
		return nil, fmt.Errorf("parsing pipeline YAML: %w", err)
	}

	def := DefaultPipeline()
	if p.Name == "" {
		p.Name = def.Name
	}
	if p.Tables == nil {
		p.Tables = make(map[Table]*TableMap)
	}
	for t, m := range def.Tables {
		if _, ok := p.Tables[t]; !ok {
			p.Tables[t] = m
		}
	}
	if p.Counters == nil {
		p.Counters = def.Counters
	}

	if err := p.Validate(); err != nil {
		return nil, fmt.Errorf("validating pipeline: %w", err)
	}
	return &p, nil
}

// Validate checks that every table has a physical name and field mapping.
func (p *Pipeline) Validate() error {
	v := &util.ValidationBuilder{}
	for _, t := range p.tableNames() {
		m := p.Tables[t]
		if m == nil {
			v.AddErrorf("table %s: empty mapping", t)
			continue
		}
		v.Add(m.Name != "", fmt.Sprintf("table %s: name is required", t))
		v.Add(len(m.Fields) > 0, fmt.Sprintf("table %s: at least one field is required", t))
		for a, am := range m.Actions {
			if am == nil || am.Name == "" {
				v.AddErrorf("table %s: action %s has no name", t, a)
			}
		}
	}
	return v.Build()
}

// Resolve translates a logical entry to program names. Entries without an
// action (deletes) resolve only the table and match.
func (p *Pipeline) Resolve(e TableEntry) (PhysicalEntry, error) {
	m, ok := p.Tables[e.Table]
	if !ok || m == nil {
		return PhysicalEntry{}, fmt.Errorf("%w: table %s not in pipeline %s", util.ErrInvalidConfig, e.Table, p.Name)
	}

	out := PhysicalEntry{
		Table: m.Name,
		Match: make(map[string]MatchValue, len(e.Match)),
	}
	for field, val := range e.Match {
		phys, ok := m.Fields[field]
		if !ok {
			return PhysicalEntry{}, fmt.Errorf("%w: table %s has no field %s", util.ErrInvalidConfig, e.Table, field)
		}
		out.Match[phys] = val
	}

	if e.Action == "" {
		return out, nil
	}
	am, ok := m.Actions[e.Action]
	if !ok || am == nil {
		return PhysicalEntry{}, fmt.Errorf("%w: table %s has no action %s", util.ErrInvalidConfig, e.Table, e.Action)
	}
	out.Action = am.Name
	out.Params = make(map[string]string, len(e.Params))
	for k, v := range e.Params {
		if phys, ok := am.Params[k]; ok {
			k = phys
		}
		out.Params[k] = v
	}
	return out, nil
}

// Counter returns the program name of a logical counter.
func (p *Pipeline) Counter(name string) (string, error) {
	phys, ok := p.Counters[name]
	if !ok {
		return "", fmt.Errorf("%w: counter %s not in pipeline %s", util.ErrInvalidConfig, name, p.Name)
	}
	return phys, nil
}

// Digest is a short content hash identifying this naming, pushed to devices
// with the pipeline so a mismatched program is visible.
func (p *Pipeline) Digest() string {
	data, err := yaml.Marshal(p)
	if err != nil {
		return ""
	}
	sum := sha256.Sum256(data)
	return hex.EncodeToString(sum[:8])
}

func (p *Pipeline) tableNames() []Table {
	names := make([]Table, 0, len(p.Tables))
	for t := range p.Tables {
		names = append(names, t)
	}
	sort.Slice(names, func(i, j int) bool { return names[i] < names[j] })
	return names
}
