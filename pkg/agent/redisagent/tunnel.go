package redisagent

import (
	"context"
	"fmt"
	"io"
	"net"
	"strconv"
	"sync"
	"time"

	"golang.org/x/crypto/ssh"

	"github.com/newtron-network/newtrule/pkg/util"
)

// DefaultRemoteAddr is where the table store listens inside the device.
const DefaultRemoteAddr = "127.0.0.1:6379"

// SSHTunnel forwards a local TCP port to an address inside a device through
// an SSH connection. Devices whose table store only listens on loopback are
// reached this way.
type SSHTunnel struct {
	device     string
	localAddr  string
	remoteAddr string
	sshClient  *ssh.Client
	listener   net.Listener

	closeOnce sync.Once
	done      chan struct{}
	wg        sync.WaitGroup
}

// TunnelConfig names the SSH endpoint of one device.
type TunnelConfig struct {
	Device string
	Host   string
	// Port is the SSH port. Zero means 22.
	Port int
	User string
	Pass string
	// RemoteAddr is the forwarding target inside the device. Empty means
	// DefaultRemoteAddr.
	RemoteAddr string
}

// NewSSHTunnel dials SSH and opens a local listener on a random loopback
// port. The dial and handshake are bounded by ctx.
func NewSSHTunnel(ctx context.Context, cfg TunnelConfig) (*SSHTunnel, error) {
	port := cfg.Port
	if port == 0 {
		port = 22
	}
	remote := cfg.RemoteAddr
	if remote == "" {
		remote = DefaultRemoteAddr
	}
	sshAddr := net.JoinHostPort(cfg.Host, strconv.Itoa(port))

	var d net.Dialer
	conn, err := d.DialContext(ctx, "tcp", sshAddr)
	if err != nil {
		return nil, fmt.Errorf("SSH dial %s: %w", sshAddr, err)
	}
	if deadline, ok := ctx.Deadline(); ok {
		conn.SetDeadline(deadline)
	}
	c, chans, reqs, err := ssh.NewClientConn(conn, sshAddr, &ssh.ClientConfig{
		User: cfg.User,
		Auth: []ssh.AuthMethod{ssh.Password(cfg.Pass)},
		// Lab fleet; host keys are not provisioned.
		HostKeyCallback: ssh.InsecureIgnoreHostKey(),
	})
	if err != nil {
		conn.Close()
		return nil, fmt.Errorf("SSH handshake %s: %w", sshAddr, err)
	}
	conn.SetDeadline(time.Time{})
	sshClient := ssh.NewClient(c, chans, reqs)

	listener, err := net.Listen("tcp", "127.0.0.1:0")
	if err != nil {
		sshClient.Close()
		return nil, fmt.Errorf("local listen: %w", err)
	}

	t := &SSHTunnel{
		device:     cfg.Device,
		localAddr:  listener.Addr().String(),
		remoteAddr: remote,
		sshClient:  sshClient,
		listener:   listener,
		done:       make(chan struct{}),
	}
	t.wg.Add(1)
	go t.acceptLoop()
	return t, nil
}

// LocalAddr returns the loopback address that forwards into the device.
func (t *SSHTunnel) LocalAddr() string {
	return t.localAddr
}

// Close stops the listener, closes the SSH connection and waits for the
// forwarding goroutines. It is safe to call more than once.
func (t *SSHTunnel) Close() error {
	var err error
	t.closeOnce.Do(func() {
		close(t.done)
		t.listener.Close()
		err = t.sshClient.Close()
		t.wg.Wait()
	})
	return err
}

func (t *SSHTunnel) acceptLoop() {
	defer t.wg.Done()
	for {
		local, err := t.listener.Accept()
		if err != nil {
			select {
			case <-t.done:
				return
			default:
				continue
			}
		}
		t.wg.Add(1)
		go t.forward(local)
	}
}

// forward copies both directions until either side closes.
func (t *SSHTunnel) forward(local net.Conn) {
	defer t.wg.Done()
	defer local.Close()

	remote, err := t.sshClient.Dial("tcp", t.remoteAddr)
	if err != nil {
		util.WithDevice(t.device).Debugf("Tunnel dial %s: %v", t.remoteAddr, err)
		return
	}
	defer remote.Close()

	done := make(chan struct{}, 2)
	pipe := func(dst, src net.Conn) {
		io.Copy(dst, src)
		done <- struct{}{}
	}
	go pipe(remote, local)
	go pipe(local, remote)
	<-done
}
