// Package memagent simulates a fleet of forwarding devices in memory. Table
// state lives in a go-memdb database shared by every simulated device, and
// faults (unreachable devices, failing tables, latency) can be injected per
// device.
package memagent

import (
	"context"
	"fmt"
	"sort"
	"strconv"
	"sync"
	"time"

	memdb "github.com/hashicorp/go-memdb"
	"google.golang.org/grpc/codes"
	"google.golang.org/grpc/status"

	"github.com/newtron-network/newtrule/pkg/agent"
	"github.com/newtron-network/newtrule/pkg/rule"
	"github.com/newtron-network/newtrule/pkg/topology"
	"github.com/newtron-network/newtrule/pkg/util"
)

const (
	tableEntry   = "entry"
	tableCounter = "counter"

	indexID     = "id"
	indexDevice = "device"
)

var schema = &memdb.DBSchema{
	Tables: map[string]*memdb.TableSchema{
		tableEntry: {
			Name: tableEntry,
			Indexes: map[string]*memdb.IndexSchema{
				indexID: {
					Name:    indexID,
					Unique:  true,
					Indexer: &memdb.StringFieldIndex{Field: "ID"},
				},
				indexDevice: {
					Name:    indexDevice,
					Indexer: &memdb.StringFieldIndex{Field: "Device"},
				},
			},
		},
		tableCounter: {
			Name: tableCounter,
			Indexes: map[string]*memdb.IndexSchema{
				indexID: {
					Name:    indexID,
					Unique:  true,
					Indexer: &memdb.StringFieldIndex{Field: "ID"},
				},
			},
		},
	},
}

// Entry is an installed table entry, addressed by program names.
type Entry struct {
	ID      string
	Device  string
	Table   string
	Key     string
	Logical rule.Table
	Action  string
	Params  map[string]string
}

type counter struct {
	ID    string
	Value uint64
}

func entryID(device, table, key string) string {
	return device + "|" + table + "|" + key
}

func counterID(device, name string, index uint32) string {
	return device + "|" + name + "|" + strconv.FormatUint(uint64(index), 10)
}

// faults are the failures injected into one device.
type faults struct {
	unreachable bool
	latency     time.Duration
	tables      map[string]codes.Code
}

// Fabric is the shared state of every simulated device.
type Fabric struct {
	db *memdb.MemDB

	mu        sync.Mutex
	faults    map[string]*faults
	masters   map[string]uint64
	pipelines map[string]string
	writes    map[string]int
	nextID    uint64
}

// NewFabric creates an empty simulated fleet.
func NewFabric() *Fabric {
	db, err := memdb.NewMemDB(schema)
	if err != nil {
		// schema is static; failure here is a programming error
		panic(err)
	}
	return &Fabric{
		db:        db,
		faults:    make(map[string]*faults),
		masters:   make(map[string]uint64),
		pipelines: make(map[string]string),
		writes:    make(map[string]int),
	}
}

// Factory returns an agent.Factory producing switches on this fabric.
func (f *Fabric) Factory() agent.Factory {
	return func(d *topology.Device) (agent.SwitchAgent, error) {
		return f.Switch(d.Name), nil
	}
}

// Switch returns a new, unconnected session with a simulated device.
func (f *Fabric) Switch(device string) *Switch {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.nextID++
	return &Switch{fabric: f, device: device, electionID: f.nextID}
}

func (f *Fabric) faultsFor(device string) *faults {
	fl, ok := f.faults[device]
	if !ok {
		fl = &faults{tables: make(map[string]codes.Code)}
		f.faults[device] = fl
	}
	return fl
}

// SetUnreachable makes every RPC to device fail with Unavailable.
func (f *Fabric) SetUnreachable(device string, unreachable bool) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.faultsFor(device).unreachable = unreachable
}

// SetLatency delays every RPC to device.
func (f *Fabric) SetLatency(device string, d time.Duration) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.faultsFor(device).latency = d
}

// FailTable makes writes to a program table on device fail with code.
func (f *Fabric) FailTable(device, table string, code codes.Code) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.faultsFor(device).tables[table] = code
}

// ClearFaults removes every fault injected into device.
func (f *Fabric) ClearFaults(device string) {
	f.mu.Lock()
	defer f.mu.Unlock()
	delete(f.faults, device)
}

// SetCounter sets a program counter cell on device.
func (f *Fabric) SetCounter(device, name string, index uint32, value uint64) {
	txn := f.db.Txn(true)
	defer txn.Abort()
	if err := txn.Insert(tableCounter, &counter{ID: counterID(device, name, index), Value: value}); err != nil {
		panic(err)
	}
	txn.Commit()
}

// Entries returns the entries installed on device, ordered by table and key.
func (f *Fabric) Entries(device string) []Entry {
	txn := f.db.Txn(false)
	defer txn.Abort()

	it, err := txn.Get(tableEntry, indexDevice, device)
	if err != nil {
		return nil
	}
	var out []Entry
	for obj := it.Next(); obj != nil; obj = it.Next() {
		out = append(out, *obj.(*Entry))
	}
	sort.Slice(out, func(i, j int) bool { return out[i].ID < out[j].ID })
	return out
}

// Lookup returns one installed entry.
func (f *Fabric) Lookup(device, table, key string) (Entry, bool) {
	txn := f.db.Txn(false)
	defer txn.Abort()
	obj, err := txn.First(tableEntry, indexID, entryID(device, table, key))
	if err != nil || obj == nil {
		return Entry{}, false
	}
	return *obj.(*Entry), true
}

// PipelineDigest returns the digest of the pipeline pushed to device.
func (f *Fabric) PipelineDigest(device string) string {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.pipelines[device]
}

// Writes returns how many write RPCs device has received.
func (f *Fabric) Writes(device string) int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.writes[device]
}

// Switch is one session with a simulated device.
type Switch struct {
	fabric     *Fabric
	device     string
	electionID uint64

	mu       sync.Mutex
	pipeline *rule.Pipeline
}

var _ agent.SwitchAgent = (*Switch)(nil)

// Name returns the device name.
func (s *Switch) Name() string { return s.device }

// Connect claims mastership and records the pipeline.
func (s *Switch) Connect(ctx context.Context, p *rule.Pipeline) error {
	if err := s.rpc(ctx, ""); err != nil {
		return err
	}

	f := s.fabric
	f.mu.Lock()
	if holder, ok := f.masters[s.device]; ok && holder != s.electionID {
		f.mu.Unlock()
		return status.Errorf(codes.PermissionDenied, "%s: mastership held by election id %d", s.device, holder)
	}
	f.masters[s.device] = s.electionID
	f.pipelines[s.device] = p.Digest()
	f.mu.Unlock()

	s.mu.Lock()
	s.pipeline = p
	s.mu.Unlock()
	return nil
}

// Write applies one table update.
func (s *Switch) Write(ctx context.Context, u rule.UpdateType, e rule.TableEntry) error {
	p, err := s.connected()
	if err != nil {
		return err
	}
	phys, err := p.Resolve(e)
	if err != nil {
		return status.Error(codes.InvalidArgument, err.Error())
	}
	if err := s.rpc(ctx, phys.Table); err != nil {
		return err
	}

	f := s.fabric
	f.mu.Lock()
	f.writes[s.device]++
	f.mu.Unlock()

	key := phys.MatchKey()
	id := entryID(s.device, phys.Table, key)

	txn := f.db.Txn(true)
	defer txn.Abort()
	existing, err := txn.First(tableEntry, indexID, id)
	if err != nil {
		return status.Error(codes.Internal, err.Error())
	}

	switch u {
	case rule.UpdateInsert, rule.UpdateModify:
		if u == rule.UpdateInsert && existing != nil {
			return status.Errorf(codes.AlreadyExists, "%s: %s[%s] already exists", s.device, phys.Table, key)
		}
		if u == rule.UpdateModify && existing == nil {
			return status.Errorf(codes.NotFound, "%s: %s[%s] not found", s.device, phys.Table, key)
		}
		params := make(map[string]string, len(phys.Params))
		for k, v := range phys.Params {
			params[k] = v
		}
		err = txn.Insert(tableEntry, &Entry{
			ID:      id,
			Device:  s.device,
			Table:   phys.Table,
			Key:     key,
			Logical: e.Table,
			Action:  phys.Action,
			Params:  params,
		})
	case rule.UpdateDelete:
		if existing == nil {
			return status.Errorf(codes.NotFound, "%s: %s[%s] not found", s.device, phys.Table, key)
		}
		err = txn.Delete(tableEntry, existing)
	default:
		return status.Errorf(codes.InvalidArgument, "unknown update type %q", u)
	}
	if err != nil {
		return status.Error(codes.Internal, err.Error())
	}
	txn.Commit()
	return nil
}

// ReadCounter reads one counter cell. Cells never written read as zero.
func (s *Switch) ReadCounter(ctx context.Context, name string, index uint32) (uint64, error) {
	p, err := s.connected()
	if err != nil {
		return 0, err
	}
	phys, err := p.Counter(name)
	if err != nil {
		return 0, status.Error(codes.InvalidArgument, err.Error())
	}
	if err := s.rpc(ctx, ""); err != nil {
		return 0, err
	}

	txn := s.fabric.db.Txn(false)
	defer txn.Abort()
	obj, err := txn.First(tableCounter, indexID, counterID(s.device, phys, index))
	if err != nil {
		return 0, status.Error(codes.Internal, err.Error())
	}
	if obj == nil {
		return 0, nil
	}
	return obj.(*counter).Value, nil
}

// Close releases mastership.
func (s *Switch) Close() error {
	f := s.fabric
	f.mu.Lock()
	if f.masters[s.device] == s.electionID {
		delete(f.masters, s.device)
	}
	f.mu.Unlock()

	s.mu.Lock()
	s.pipeline = nil
	s.mu.Unlock()
	return nil
}

func (s *Switch) connected() (*rule.Pipeline, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.pipeline == nil {
		return nil, status.Errorf(codes.FailedPrecondition, "%s: %v", s.device, util.ErrNotConnected)
	}
	return s.pipeline, nil
}

// rpc applies the injected latency and failures for one call.
func (s *Switch) rpc(ctx context.Context, table string) error {
	f := s.fabric
	f.mu.Lock()
	var (
		latency     time.Duration
		unreachable bool
		code        codes.Code
		failTable   bool
	)
	if fl, ok := f.faults[s.device]; ok {
		latency, unreachable = fl.latency, fl.unreachable
		if table != "" {
			code, failTable = fl.tables[table]
		}
	}
	f.mu.Unlock()

	if latency > 0 {
		timer := time.NewTimer(latency)
		select {
		case <-timer.C:
		case <-ctx.Done():
			timer.Stop()
			return agent.ContextError(ctx)
		}
	}
	if err := agent.ContextError(ctx); err != nil {
		return err
	}
	if unreachable {
		return status.Errorf(codes.Unavailable, "%s: connection refused", s.device)
	}
	if failTable {
		return status.Error(code, fmt.Sprintf("%s: injected failure on %s", s.device, table))
	}
	return nil
}
