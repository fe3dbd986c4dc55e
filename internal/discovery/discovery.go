// Package discovery advertises this instance over mDNS, browses for peers
// and resolves server collisions so a LAN segment converges on exactly one
// active server.
package discovery

import (
	"context"
	"fmt"
	"net"
	"os"
	"strconv"
	"strings"
	"sync"
	"time"

	"github.com/libp2p/zeroconf/v2"

	"github.com/andersbakken/konflikt/internal/console"
	"github.com/andersbakken/konflikt/internal/logger"
)

// ServiceType is the mDNS service type shared by servers and clients.
const ServiceType = "_konflikt._tcp"

const domain = "local."

// DiscoveredService is one browsed peer instance.
type DiscoveredService struct {
	Name      string
	Host      string
	Port      int
	Addresses []net.IP
	Text      map[string]string
}

// Role returns the advertised role, "" when absent.
func (s DiscoveredService) Role() string { return s.Text["role"] }

// Started returns the advertised start time in epoch milliseconds.
func (s DiscoveredService) Started() int64 {
	v, _ := strconv.ParseInt(s.Text["started"], 10, 64)
	return v
}

// PID returns the advertised process id.
func (s DiscoveredService) PID() int {
	v, _ := strconv.Atoi(s.Text["pid"])
	return v
}

// Directory advertises the local instance and browses the LAN for peers.
type Directory struct {
	instanceName string
	role         string
	started      int64
	pid          int
	version      string

	mu       sync.Mutex
	server   *zeroconf.Server
	cancel   context.CancelFunc
	wg       sync.WaitGroup
	shutdown bool

	// OnService fires for every discovered non-self service.
	OnService func(DiscoveredService)
}

// NewDirectory creates a directory for this instance. started is the
// process start time in epoch milliseconds.
func NewDirectory(instanceName, role string, started int64, version string) *Directory {
	return &Directory{
		instanceName: instanceName,
		role:         role,
		started:      started,
		pid:          os.Getpid(),
		version:      version,
	}
}

// Advertise registers the instance under ServiceType.
func (d *Directory) Advertise(port int) error {
	txt := []string{
		"role=" + d.role,
		"started=" + strconv.FormatInt(d.started, 10),
		"pid=" + strconv.Itoa(d.pid),
		"version=" + d.version,
	}
	server, err := zeroconf.Register(d.instanceName, ServiceType, domain, port, txt, nil)
	if err != nil {
		return fmt.Errorf("mdns register failed: %w", err)
	}
	d.mu.Lock()
	d.server = server
	d.mu.Unlock()
	logger.Infof("advertising %s as %s on port %d", d.instanceName, d.role, port)
	return nil
}

// Browse watches the LAN for other instances until Shutdown. Services
// advertised by this same process are filtered out.
func (d *Directory) Browse() error {
	ctx, cancel := context.WithCancel(context.Background())
	d.mu.Lock()
	if d.shutdown {
		d.mu.Unlock()
		cancel()
		return nil
	}
	d.cancel = cancel
	d.mu.Unlock()

	entries := make(chan *zeroconf.ServiceEntry, 8)

	d.wg.Add(1)
	go func() {
		defer d.wg.Done()
		for entry := range entries {
			svc := fromEntry(entry)
			if svc.PID() == d.pid && sameHost(svc.Host) {
				continue
			}
			logger.Debugf("discovered %s role=%s host=%s port=%d", svc.Name, svc.Role(), svc.Host, svc.Port)
			if d.OnService != nil {
				d.OnService(svc)
			}
		}
	}()

	d.wg.Add(1)
	go func() {
		defer d.wg.Done()
		if err := zeroconf.Browse(ctx, ServiceType, domain, entries); err != nil && ctx.Err() == nil {
			logger.Errorf("mdns browse failed: %v", err)
		}
	}()
	return nil
}

// Shutdown stops advertising and browsing.
func (d *Directory) Shutdown() {
	d.mu.Lock()
	d.shutdown = true
	server := d.server
	cancel := d.cancel
	d.server = nil
	d.cancel = nil
	d.mu.Unlock()

	if cancel != nil {
		cancel()
	}
	if server != nil {
		server.Shutdown()
	}
	d.wg.Wait()
}

func fromEntry(entry *zeroconf.ServiceEntry) DiscoveredService {
	text := make(map[string]string, len(entry.Text))
	for _, kv := range entry.Text {
		if i := strings.IndexByte(kv, '='); i > 0 {
			text[kv[:i]] = kv[i+1:]
		}
	}
	addrs := make([]net.IP, 0, len(entry.AddrIPv4)+len(entry.AddrIPv6))
	addrs = append(addrs, entry.AddrIPv4...)
	addrs = append(addrs, entry.AddrIPv6...)
	return DiscoveredService{
		Name:      entry.Instance,
		Host:      strings.TrimSuffix(entry.HostName, "."),
		Port:      entry.Port,
		Addresses: addrs,
		Text:      text,
	}
}

func sameHost(host string) bool {
	hostname, err := os.Hostname()
	if err != nil {
		return false
	}
	host = strings.TrimSuffix(strings.ToLower(host), ".local")
	return strings.EqualFold(host, hostname)
}

// Collision captures a discovered server instance competing with ours on
// the same host.
type Collision struct {
	Ours   ServerClaim
	Theirs ServerClaim
}

// ServerClaim is one contender in a server collision.
type ServerClaim struct {
	Started int64
	PID     int
}

// ShouldPreempt decides whether our instance wins the collision and must
// tell the other one to quit. Newer start time wins; on a tie the higher
// pid wins (the lower pid is preempted).
func ShouldPreempt(ours, theirs ServerClaim) bool {
	if ours.Started != theirs.Started {
		return ours.Started > theirs.Started
	}
	return ours.PID > theirs.PID
}

// IsLocalCollision reports whether svc is another server on this host.
func (d *Directory) IsLocalCollision(svc DiscoveredService) bool {
	return d.role == "server" && svc.Role() == "server" && svc.PID() != d.pid && sameHost(svc.Host)
}

// ResolveCollision applies the collision rule against svc. When we win, the
// older process is told to quit over its console channel; when we lose we
// do nothing and wait to be preempted.
func (d *Directory) ResolveCollision(svc DiscoveredService) {
	ours := ServerClaim{Started: d.started, PID: d.pid}
	theirs := ServerClaim{Started: svc.Started(), PID: svc.PID()}

	if !ShouldPreempt(ours, theirs) {
		logger.Infof("server collision with pid %d: they are newer, standing by", theirs.PID)
		return
	}

	addr := net.JoinHostPort("127.0.0.1", strconv.Itoa(svc.Port))
	logger.Warnf("server collision with pid %d: preempting via console at %s", theirs.PID, addr)
	client, err := console.Dial(addr, 5*time.Second)
	if err != nil {
		logger.Errorf("could not reach colliding server: %v", err)
		return
	}
	defer client.Close()
	if _, err := client.Run("quit"); err != nil {
		logger.Errorf("quit command to colliding server failed: %v", err)
	}
}
