// Package topology describes the fixed fleet of forwarding devices: their
// control endpoints and the hosts attached to them.
package topology

import (
	"fmt"
	"os"
	"sort"

	"gopkg.in/yaml.v3"

	"github.com/newtron-network/newtrule/pkg/util"
)

// File is the on-disk shape of a topology YAML file.
type File struct {
	Name     string         `yaml:"name"`
	Defaults Defaults       `yaml:"defaults,omitempty"`
	Devices  map[string]Def `yaml:"devices"`
}

// Defaults contains values applied to every device that does not set them.
type Defaults struct {
	SSHUser string `yaml:"ssh_user,omitempty"`
	SSHPass string `yaml:"ssh_pass,omitempty"`
	SSHPort int    `yaml:"ssh_port,omitempty"`
}

// Def defines a single device in the topology file.
type Def struct {
	Address  string             `yaml:"address"`
	DeviceID uint64             `yaml:"device_id"`
	SSHUser  string             `yaml:"ssh_user,omitempty"`
	SSHPass  string             `yaml:"ssh_pass,omitempty"`
	SSHPort  int                `yaml:"ssh_port,omitempty"`
	Hosts    map[string]HostDef `yaml:"hosts,omitempty"`
}

// HostDef is a host attached to a device port.
type HostDef struct {
	IP   string `yaml:"ip"`
	MAC  string `yaml:"mac"`
	Port int    `yaml:"port"`
}

// Device is a connected-once, immutable forwarding device.
type Device struct {
	Name     string
	Address  string
	DeviceID uint64
	SSHUser  string
	SSHPass  string
	SSHPort  int
	Hosts    []Host
}

// Host is an end host attached to a device.
type Host struct {
	Name   string
	Device string
	IP     string
	MAC    string
	Port   int
}

// Topology is the validated, read-only fleet model.
type Topology struct {
	name    string
	devices map[string]*Device
	order   []string
	hosts   map[string]Host
}

// Load parses a topology YAML file and validates it.
func Load(path string) (*Topology, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("reading topology file: %w", err)
	}
	topo, err := Parse(data)
	if err != nil {
		return nil, fmt.Errorf("%s: %w", path, err)
	}
	return topo, nil
}

// Parse decodes and validates topology YAML.
func Parse(data []byte) (*Topology, error) {
	var f File
	if err := yaml.Unmarshal(data, &f); err != nil {
		return nil, fmt.Errorf("parsing topology YAML: %w", err)
	}
	return New(&f)
}

// New validates a topology file structure and freezes it.
func New(f *File) (*Topology, error) {
	if err := validate(f); err != nil {
		return nil, fmt.Errorf("validating topology: %w", err)
	}

	t := &Topology{
		name:    f.Name,
		devices: make(map[string]*Device, len(f.Devices)),
		hosts:   make(map[string]Host),
	}
	for name, def := range f.Devices {
		d := &Device{
			Name:     name,
			Address:  def.Address,
			DeviceID: def.DeviceID,
			SSHUser:  firstNonEmpty(def.SSHUser, f.Defaults.SSHUser),
			SSHPass:  firstNonEmpty(def.SSHPass, f.Defaults.SSHPass),
			SSHPort:  def.SSHPort,
		}
		if d.SSHPort == 0 {
			d.SSHPort = f.Defaults.SSHPort
		}
		for hname, h := range def.Hosts {
			mac, _ := util.ParseMAC(h.MAC)
			host := Host{Name: hname, Device: name, IP: h.IP, MAC: mac, Port: h.Port}
			d.Hosts = append(d.Hosts, host)
			t.hosts[hname] = host
		}
		sort.Slice(d.Hosts, func(i, j int) bool { return d.Hosts[i].Name < d.Hosts[j].Name })
		t.devices[name] = d
		t.order = append(t.order, name)
	}
	sort.Slice(t.order, func(i, j int) bool {
		return t.devices[t.order[i]].DeviceID < t.devices[t.order[j]].DeviceID
	})
	return t, nil
}

func validate(f *File) error {
	v := &util.ValidationBuilder{}
	if f.Name == "" {
		v.AddError("topology name is required")
	}
	if len(f.Devices) == 0 {
		v.AddError("at least one device is required")
	}

	ids := make(map[uint64]string)
	addrs := make(map[string]string)
	hosts := make(map[string]string)

	names := make([]string, 0, len(f.Devices))
	for name := range f.Devices {
		names = append(names, name)
	}
	sort.Strings(names)

	for _, name := range names {
		d := f.Devices[name]
		if _, _, err := util.SplitHostPort(d.Address); err != nil {
			v.AddErrorf("device %s: %v", name, err)
		} else if other, ok := addrs[d.Address]; ok {
			v.AddErrorf("device %s: address %s already used by %s", name, d.Address, other)
		} else {
			addrs[d.Address] = name
		}
		if other, ok := ids[d.DeviceID]; ok {
			v.AddErrorf("device %s: device_id %d already used by %s", name, d.DeviceID, other)
		} else {
			ids[d.DeviceID] = name
		}
		for hname, h := range d.Hosts {
			if other, ok := hosts[hname]; ok {
				v.AddErrorf("host %s: attached to both %s and %s", hname, other, name)
			}
			hosts[hname] = name
			if _, err := util.ParseHostAddr(h.IP); err != nil {
				v.AddErrorf("host %s: %v", hname, err)
			}
			if !util.IsValidMAC(h.MAC) {
				v.AddErrorf("host %s: invalid mac %q", hname, h.MAC)
			}
			if err := util.ValidatePort(h.Port); err != nil {
				v.AddErrorf("host %s: %v", hname, err)
			}
		}
	}
	return v.Build()
}

// Name returns the topology name.
func (t *Topology) Name() string {
	return t.name
}

// Device returns a device by name.
func (t *Topology) Device(name string) (*Device, error) {
	d, ok := t.devices[name]
	if !ok {
		return nil, util.NewUnknownDeviceError(name, "")
	}
	return d, nil
}

// Has reports whether the topology declares a device.
func (t *Topology) Has(name string) bool {
	_, ok := t.devices[name]
	return ok
}

// Devices returns all devices ordered by device id.
func (t *Topology) Devices() []*Device {
	out := make([]*Device, 0, len(t.order))
	for _, name := range t.order {
		out = append(out, t.devices[name])
	}
	return out
}

// Names returns device names ordered by device id.
func (t *Topology) Names() []string {
	return append([]string(nil), t.order...)
}

// Host returns an attached host by name.
func (t *Topology) Host(name string) (Host, bool) {
	h, ok := t.hosts[name]
	return h, ok
}

// Order returns the position of a device in device-id order, or -1.
func (t *Topology) Order(name string) int {
	for i, n := range t.order {
		if n == name {
			return i
		}
	}
	return -1
}

func firstNonEmpty(vals ...string) string {
	for _, v := range vals {
		if v != "" {
			return v
		}
	}
	return ""
}
