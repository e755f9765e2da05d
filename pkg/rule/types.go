// Package rule defines the match-action entries that the compiler produces and
// the deployment engine pushes to switches.
package rule

import (
	"fmt"
	"net/netip"
	"sort"
	"strconv"
	"strings"
)

// Table is a logical table identity. The pipeline maps it to the table name
// of the program loaded on the device; several logical tables may share one
// physical table.
type Table string

const (
	TableLPM4          Table = "lpm4"
	TableLPM6          Table = "lpm6"
	TableTunnelIngress Table = "tunnel_ingress"
	TableEncapTrigger  Table = "encap_trigger"
	TableTunnelExact   Table = "tunnel_exact"
	TableOverlayLPM    Table = "overlay_lpm"
	TableOverlayDecap  Table = "overlay_decap"
	TableSourceRoute   Table = "src_route"
	TableARP           Table = "arp"
)

// Logical match field names
const (
	FieldDst      = "dst"
	FieldInnerDst = "inner_dst"
	FieldTunnelID = "tunnel_id"
	FieldVNI      = "vni"
	FieldARPOper  = "oper"
	FieldARPTPA   = "tpa"
)

// Logical action names
const (
	ActionForward       = "forward"
	ActionDecap         = "decap"
	ActionEncap         = "encap"
	ActionTunnelIngress = "tunnel_ingress"
	ActionTunnelForward = "tunnel_forward"
	ActionTunnelEgress  = "tunnel_egress"
	ActionOverlayEncap  = "overlay_encap"
	ActionOverlayDecap  = "overlay_decap"
	ActionARPReply      = "arp_reply"
	actionPushPrefix    = "push_"
)

// Logical action parameter names
const (
	ParamDstMAC = "dst_mac"
	ParamPort   = "port"
	ParamDstID  = "dst_id"
	ParamVNI    = "vni"
	ParamMAC    = "mac"
)

// ARPOperRequest is the ARP operation code matched by responders.
const ARPOperRequest = 1

// ActionPush returns the source-route action that pushes n port headers.
func ActionPush(n int) string {
	return actionPushPrefix + strconv.Itoa(n)
}

// PushDepth returns n for a push_n action, or 0.
func PushDepth(action string) int {
	if !strings.HasPrefix(action, actionPushPrefix) {
		return 0
	}
	n, err := strconv.Atoi(strings.TrimPrefix(action, actionPushPrefix))
	if err != nil {
		return 0
	}
	return n
}

// Family identifies which route family produced an op.
type Family string

const (
	FamilyDirect       Family = "direct"
	FamilyTunnel       Family = "tunnel"
	FamilyTunnelPath   Family = "tunnel-path"
	FamilyEncap        Family = "encap"
	FamilyOverlay      Family = "overlay"
	FamilyOverlayDecap Family = "overlay-decap"
	FamilySourceRoute  Family = "source-route"
	FamilyARP          Family = "arp"
)

// OpKind is what the compiler asks the engine to do with an entry.
type OpKind string

const (
	OpInsert  OpKind = "insert"
	OpReplace OpKind = "replace"
	OpDelete  OpKind = "delete"
)

// UpdateType is the single write primitive a switch accepts.
type UpdateType string

const (
	UpdateInsert UpdateType = "INSERT"
	UpdateModify UpdateType = "MODIFY"
	UpdateDelete UpdateType = "DELETE"
)

// MatchKind is the kind of a match field value.
type MatchKind string

const (
	MatchExact   MatchKind = "exact"
	MatchLPM     MatchKind = "lpm"
	MatchTernary MatchKind = "ternary"
)

// MatchValue is one match field: an exact value, a prefix, or a value/mask pair.
type MatchValue struct {
	Kind      MatchKind `json:"kind"`
	Value     string    `json:"value"`
	PrefixLen int       `json:"prefix_len,omitempty"`
	Mask      string    `json:"mask,omitempty"`
}

// Exact returns an exact match value.
func Exact(v string) MatchValue {
	return MatchValue{Kind: MatchExact, Value: v}
}

// ExactUint returns an exact match on a decimal integer.
func ExactUint(v uint64) MatchValue {
	return Exact(strconv.FormatUint(v, 10))
}

// LPM returns a longest-prefix match value.
func LPM(p netip.Prefix) MatchValue {
	p = p.Masked()
	return MatchValue{Kind: MatchLPM, Value: p.Addr().String(), PrefixLen: p.Bits()}
}

// Ternary returns a value/mask match.
func Ternary(value, mask string) MatchValue {
	return MatchValue{Kind: MatchTernary, Value: value, Mask: mask}
}

func (m MatchValue) String() string {
	switch m.Kind {
	case MatchLPM:
		return fmt.Sprintf("%s/%d", m.Value, m.PrefixLen)
	case MatchTernary:
		return m.Value + "&&&" + m.Mask
	default:
		return m.Value
	}
}

// TableEntry is a table entry addressed by logical names.
type TableEntry struct {
	Table  Table                 `json:"table"`
	Match  map[string]MatchValue `json:"match"`
	Action string                `json:"action,omitempty"`
	Params map[string]string     `json:"params,omitempty"`
}

// MatchKey renders the match fields in canonical (sorted) form.
func (e TableEntry) MatchKey() string {
	return matchKey(e.Match)
}

func (e TableEntry) String() string {
	s := fmt.Sprintf("%s[%s]", e.Table, e.MatchKey())
	if e.Action != "" {
		s += " -> " + e.Action
		if len(e.Params) > 0 {
			s += "(" + paramString(e.Params) + ")"
		}
	}
	return s
}

// RuleOp is one compiled operation against one device.
type RuleOp struct {
	Device     string     `json:"device"`
	Kind       OpKind     `json:"kind"`
	Family     Family     `json:"family"`
	Entry      TableEntry `json:"entry"`
	BestEffort bool       `json:"best_effort,omitempty"`
	Reason     string     `json:"reason,omitempty"`
}

// Key identifies the (device, table, match) slot the op targets.
func (op RuleOp) Key() string {
	return op.Device + "|" + string(op.Entry.Table) + "|" + op.Entry.MatchKey()
}

func (op RuleOp) String() string {
	return fmt.Sprintf("%s %s %s", op.Device, strings.ToUpper(string(op.Kind)), op.Entry)
}

func matchKey(match map[string]MatchValue) string {
	names := make([]string, 0, len(match))
	for n := range match {
		names = append(names, n)
	}
	sort.Strings(names)
	parts := make([]string, 0, len(names))
	for _, n := range names {
		parts = append(parts, n+"="+match[n].String())
	}
	return strings.Join(parts, ",")
}

func paramString(params map[string]string) string {
	names := make([]string, 0, len(params))
	for n := range params {
		names = append(names, n)
	}
	sort.Strings(names)
	parts := make([]string, 0, len(names))
	for _, n := range names {
		parts = append(parts, n+"="+params[n])
	}
	return strings.Join(parts, ",")
}
