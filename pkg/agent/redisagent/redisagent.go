// Package redisagent drives devices whose control plane exposes table state
// through Redis. Each device's control address is a Redis endpoint, reached
// directly or through an SSH tunnel.
//
// Key layout:
//
//	MASTERSHIP|<device_id>          holder, acquired, ttl (expires)
//	PIPELINE|config                 name, digest, uploaded_at
//	ENTRY|<table>|<match key>       action, table, param.<name>...
//	COUNTER|<counter>               <index> -> packet count
package redisagent

import (
	"context"
	"errors"
	"fmt"
	"io"
	"net"
	"strconv"
	"strings"
	"sync"
	"syscall"
	"time"

	"github.com/go-redis/redis/v8"
	"google.golang.org/grpc/codes"
	"google.golang.org/grpc/status"

	"github.com/newtron-network/newtrule/pkg/agent"
	"github.com/newtron-network/newtrule/pkg/rule"
	"github.com/newtron-network/newtrule/pkg/topology"
	"github.com/newtron-network/newtrule/pkg/util"
)

const (
	keyMastership = "MASTERSHIP"
	keyPipeline   = "PIPELINE|config"
	keyEntry      = "ENTRY"
	keyCounter    = "COUNTER"

	fieldAction  = "action"
	fieldTable   = "table"
	paramPrefix  = "param."
	defaultTTL   = 60 * time.Second
	maxPoolConns = 4
)

// Options configures every agent built by Factory.
type Options struct {
	// ElectionID identifies this controller when claiming mastership.
	ElectionID string
	// MastershipTTL is how long a claim survives without refresh.
	MastershipTTL time.Duration
	// DB is the Redis database index holding table state.
	DB int
	// RemoteAddr is the store address inside the device when tunnelling.
	RemoteAddr string
}

// Factory returns an agent.Factory for Redis-backed devices.
func Factory(opts Options) agent.Factory {
	return func(d *topology.Device) (agent.SwitchAgent, error) {
		return New(d, opts), nil
	}
}

// acquireMastershipScript claims or refreshes mastership.
// Returns 1 when ARGV[1] holds the claim, 0 when another holder does.
var acquireMastershipScript = redis.NewScript(`
local key = KEYS[1]
local holder = redis.call("HGET", key, "holder")
if holder and holder ~= ARGV[1] then
	return 0
end
redis.call("HSET", key, "holder", ARGV[1], "acquired", ARGV[2], "ttl", ARGV[3])
redis.call("EXPIRE", key, tonumber(ARGV[3]))
return 1
`)

// releaseMastershipScript drops the claim if ARGV[1] holds it.
var releaseMastershipScript = redis.NewScript(`
local key = KEYS[1]
if redis.call("HGET", key, "holder") == ARGV[1] then
	redis.call("DEL", key)
	return 1
end
return 0
`)

// insertEntryScript creates an entry. Returns 0 if the key is taken.
var insertEntryScript = redis.NewScript(`
local key = KEYS[1]
if redis.call("EXISTS", key) == 1 then
	return 0
end
redis.call("HSET", key, unpack(ARGV))
return 1
`)

// modifyEntryScript replaces an entry. Returns 0 if the key is absent.
var modifyEntryScript = redis.NewScript(`
local key = KEYS[1]
if redis.call("EXISTS", key) == 0 then
	return 0
end
redis.call("DEL", key)
redis.call("HSET", key, unpack(ARGV))
return 1
`)

// Agent is a Redis-backed SwitchAgent for one device.
type Agent struct {
	device *topology.Device
	opts   Options

	mu       sync.Mutex
	client   *redis.Client
	tunnel   *SSHTunnel
	pipeline *rule.Pipeline
}

var _ agent.SwitchAgent = (*Agent)(nil)

// New creates an unconnected agent.
func New(d *topology.Device, opts Options) *Agent {
	if opts.MastershipTTL <= 0 {
		opts.MastershipTTL = defaultTTL
	}
	if opts.ElectionID == "" {
		opts.ElectionID = "newtrule"
	}
	return &Agent{device: d, opts: opts}
}

// Name returns the device name.
func (a *Agent) Name() string { return a.device.Name }

// Connect opens the session, claims mastership and pushes the pipeline.
func (a *Agent) Connect(ctx context.Context, p *rule.Pipeline) error {
	log := util.WithDevice(a.device.Name)

	addr := a.device.Address
	var tunnel *SSHTunnel
	if a.device.SSHUser != "" {
		host, _, err := util.SplitHostPort(addr)
		if err != nil {
			return status.Error(codes.InvalidArgument, err.Error())
		}
		tunnel, err = NewSSHTunnel(ctx, TunnelConfig{
			Device:     a.device.Name,
			Host:       host,
			Port:       a.device.SSHPort,
			User:       a.device.SSHUser,
			Pass:       a.device.SSHPass,
			RemoteAddr: a.opts.RemoteAddr,
		})
		if err != nil {
			return status.Errorf(codes.Unavailable, "%s: %v", a.device.Name, err)
		}
		addr = tunnel.LocalAddr()
		log.Debugf("SSH tunnel %s -> %s", addr, a.device.Address)
	}

	client := redis.NewClient(&redis.Options{
		Addr:     addr,
		DB:       a.opts.DB,
		PoolSize: maxPoolConns,
	})
	fail := func(err error) error {
		client.Close()
		if tunnel != nil {
			tunnel.Close()
		}
		return err
	}

	if err := client.Ping(ctx).Err(); err != nil {
		return fail(a.statusError(ctx, "session", err))
	}

	ttl := int(a.opts.MastershipTTL / time.Second)
	if ttl < 1 {
		ttl = 1
	}
	won, err := acquireMastershipScript.Run(ctx, client, []string{a.mastershipKey()},
		a.opts.ElectionID, time.Now().UTC().Format(time.RFC3339), strconv.Itoa(ttl)).Int()
	if err != nil {
		return fail(a.statusError(ctx, "mastership", err))
	}
	if won == 0 {
		holder, _ := client.HGet(ctx, a.mastershipKey(), "holder").Result()
		return fail(status.Errorf(codes.PermissionDenied, "%s: mastership held by %s", a.device.Name, holder))
	}

	err = client.HSet(ctx, keyPipeline,
		"name", p.Name,
		"digest", p.Digest(),
		"uploaded_at", time.Now().UTC().Format(time.RFC3339),
	).Err()
	if err != nil {
		return fail(a.statusError(ctx, "pipeline push", err))
	}

	a.mu.Lock()
	a.client, a.tunnel, a.pipeline = client, tunnel, p
	a.mu.Unlock()
	log.Debugf("Pipeline %s (%s) pushed", p.Name, p.Digest())
	return nil
}

// Write applies one table update.
func (a *Agent) Write(ctx context.Context, u rule.UpdateType, e rule.TableEntry) error {
	client, p, err := a.session()
	if err != nil {
		return err
	}
	phys, err := p.Resolve(e)
	if err != nil {
		return status.Error(codes.InvalidArgument, err.Error())
	}
	key := EntryKey(phys.Table, phys.MatchKey())

	var ok int
	switch u {
	case rule.UpdateInsert:
		ok, err = insertEntryScript.Run(ctx, client, []string{key}, entryFields(e, phys)...).Int()
	case rule.UpdateModify:
		ok, err = modifyEntryScript.Run(ctx, client, []string{key}, entryFields(e, phys)...).Int()
	case rule.UpdateDelete:
		var n int64
		n, err = client.Del(ctx, key).Result()
		ok = int(n)
	default:
		return status.Errorf(codes.InvalidArgument, "unknown update type %q", u)
	}
	if err != nil {
		return a.statusError(ctx, "write "+key, err)
	}
	if ok == 0 {
		if u == rule.UpdateInsert {
			return status.Errorf(codes.AlreadyExists, "%s: %s already exists", a.device.Name, key)
		}
		return status.Errorf(codes.NotFound, "%s: %s not found", a.device.Name, key)
	}
	util.WithTable(a.device.Name, phys.Table).Debugf("%s %s", u, phys.MatchKey())
	return nil
}

// ReadCounter reads one counter cell. Missing cells read as zero.
func (a *Agent) ReadCounter(ctx context.Context, counter string, index uint32) (uint64, error) {
	client, p, err := a.session()
	if err != nil {
		return 0, err
	}
	phys, err := p.Counter(counter)
	if err != nil {
		return 0, status.Error(codes.InvalidArgument, err.Error())
	}

	val, err := client.HGet(ctx, keyCounter+"|"+phys, strconv.FormatUint(uint64(index), 10)).Result()
	if errors.Is(err, redis.Nil) {
		return 0, nil
	}
	if err != nil {
		return 0, a.statusError(ctx, "counter "+phys, err)
	}
	n, err := strconv.ParseUint(val, 10, 64)
	if err != nil {
		return 0, status.Errorf(codes.DataLoss, "%s: counter %s[%d]: %v", a.device.Name, phys, index, err)
	}
	return n, nil
}

// Close releases mastership and the connection.
func (a *Agent) Close() error {
	a.mu.Lock()
	client, tunnel := a.client, a.tunnel
	a.client, a.tunnel, a.pipeline = nil, nil, nil
	a.mu.Unlock()

	if client == nil {
		return nil
	}
	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()
	if err := releaseMastershipScript.Run(ctx, client, []string{a.mastershipKey()}, a.opts.ElectionID).Err(); err != nil {
		util.WithDevice(a.device.Name).Debugf("Releasing mastership: %v", err)
	}
	err := client.Close()
	if tunnel != nil {
		tunnel.Close()
	}
	return err
}

// EntryKey returns the Redis key of a program table entry.
func EntryKey(table, matchKey string) string {
	return keyEntry + "|" + table + "|" + matchKey
}

// MastershipKey returns the Redis key of a device's mastership claim.
func MastershipKey(deviceID uint64) string {
	return keyMastership + "|" + strconv.FormatUint(deviceID, 10)
}

func (a *Agent) mastershipKey() string {
	return MastershipKey(a.device.DeviceID)
}

func (a *Agent) session() (*redis.Client, *rule.Pipeline, error) {
	a.mu.Lock()
	defer a.mu.Unlock()
	if a.client == nil {
		return nil, nil, status.Errorf(codes.FailedPrecondition, "%s: %v", a.device.Name, util.ErrNotConnected)
	}
	return a.client, a.pipeline, nil
}

func entryFields(e rule.TableEntry, phys rule.PhysicalEntry) []interface{} {
	args := []interface{}{fieldAction, phys.Action, fieldTable, string(e.Table)}
	for k, v := range phys.Params {
		args = append(args, paramPrefix+k, v)
	}
	return args
}

// statusError converts a Redis client failure into a status error.
func (a *Agent) statusError(ctx context.Context, what string, err error) error {
	msg := fmt.Sprintf("%s: %s: %v", a.device.Name, what, err)
	if cerr := agent.ContextError(ctx); cerr != nil {
		return status.Error(status.Code(cerr), msg)
	}
	var netErr net.Error
	switch {
	case errors.Is(err, context.DeadlineExceeded):
		return status.Error(codes.DeadlineExceeded, msg)
	case errors.As(err, &netErr) && netErr.Timeout():
		return status.Error(codes.DeadlineExceeded, msg)
	case errors.As(err, &netErr), errors.Is(err, io.EOF), errors.Is(err, syscall.ECONNREFUSED),
		errors.Is(err, redis.ErrClosed), strings.Contains(err.Error(), "connection refused"):
		return status.Error(codes.Unavailable, msg)
	default:
		return status.Error(codes.Unknown, msg)
	}
}
