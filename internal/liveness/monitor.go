// Package liveness polls whether each allocated reverse port has a live
// listener on the SSH gateway and turns state flips into notifications.
package liveness

import (
	"context"
	"fmt"
	"net"
	"regexp"
	"strconv"
	"strings"
	"sync"
	"time"

	"github.com/rs/zerolog"
	"golang.org/x/crypto/ssh"

	"github.com/telepy/telepy/pkg/types"
)

// Prober reports which of the given ports currently have a listener.
// Implementations must treat a probe failure as "unknown" and return an
// error rather than guessing.
type Prober interface {
	Probe(ctx context.Context, ports []int) (map[int]bool, error)
}

// PortLister yields every allocated reverse port
type PortLister interface {
	ListReversePorts(ctx context.Context) ([]int, error)
}

// Notifier publishes events to the notification fan-out
type Notifier interface {
	Broadcast(event types.Event)
}

// ssListenLine matches one LISTEN row of `ss -tlnp` output and captures
// the bound port
var ssListenLine = regexp.MustCompile(`LISTEN\s+\d+\s+\d+\s+[\d.:*\[\]]*:(\d+)`)

// ParseListeningPorts extracts the listening ports from `ss -tlnp` output
func ParseListeningPorts(out string) []int {
	var ports []int
	for _, line := range strings.Split(out, "\n") {
		m := ssListenLine.FindStringSubmatch(line)
		if m == nil {
			continue
		}
		port, err := strconv.Atoi(m[1])
		if err != nil {
			continue
		}
		ports = append(ports, port)
	}
	return ports
}

// GatewayProber asks the SSH gateway for its listener table by running
// `ss -tlnp` over an SSH session authenticated with the service key
type GatewayProber struct {
	addr        string
	config      *ssh.ClientConfig
	dialTimeout time.Duration
}

// NewGatewayProber creates a prober against gateway addr ("host:port")
func NewGatewayProber(addr, user string, signer ssh.Signer, dialTimeout time.Duration) *GatewayProber {
	return &GatewayProber{
		addr: addr,
		config: &ssh.ClientConfig{
			User:            user,
			Auth:            []ssh.AuthMethod{ssh.PublicKeys(signer)},
			HostKeyCallback: ssh.InsecureIgnoreHostKey(),
			Timeout:         dialTimeout,
		},
		dialTimeout: dialTimeout,
	}
}

func (p *GatewayProber) Probe(ctx context.Context, ports []int) (map[int]bool, error) {
	client, err := ssh.Dial("tcp", p.addr, p.config)
	if err != nil {
		return nil, &types.UpstreamError{Op: "gateway dial", Reason: err}
	}
	defer client.Close()

	session, err := client.NewSession()
	if err != nil {
		return nil, &types.UpstreamError{Op: "gateway session", Reason: err}
	}
	defer session.Close()

	out, err := session.CombinedOutput("ss -tlnp")
	if err != nil {
		return nil, &types.UpstreamError{Op: "ss -tlnp", Reason: err}
	}

	listening := make(map[int]bool, len(ports))
	for _, port := range ParseListeningPorts(string(out)) {
		listening[port] = true
	}

	status := make(map[int]bool, len(ports))
	for _, port := range ports {
		status[port] = listening[port]
	}
	return status, nil
}

// TCPProber connect-probes each port directly. Fallback for deployments
// where the broker has no shell access to the gateway. A filtered port is
// indistinguishable from a closed one, so firewalled-but-live tunnels
// read as down.
type TCPProber struct {
	host    string
	timeout time.Duration
}

func NewTCPProber(host string, timeout time.Duration) *TCPProber {
	return &TCPProber{host: host, timeout: timeout}
}

func (p *TCPProber) Probe(ctx context.Context, ports []int) (map[int]bool, error) {
	status := make(map[int]bool, len(ports))
	var mu sync.Mutex
	var wg sync.WaitGroup

	d := net.Dialer{Timeout: p.timeout}
	for _, port := range ports {
		wg.Add(1)
		go func(port int) {
			defer wg.Done()
			conn, err := d.DialContext(ctx, "tcp", net.JoinHostPort(p.host, strconv.Itoa(port)))
			if err == nil {
				conn.Close()
			}
			mu.Lock()
			status[port] = err == nil
			mu.Unlock()
		}(port)
	}
	wg.Wait()
	return status, nil
}

// Monitor runs the probe loop and diffs consecutive snapshots
type Monitor struct {
	prober   Prober
	ports    PortLister
	notifier Notifier
	interval time.Duration
	logger   zerolog.Logger

	mu       sync.RWMutex
	snapshot map[int]bool

	stop     chan struct{}
	done     chan struct{}
	stopOnce sync.Once
}

// NewMonitor creates a stopped monitor; call Start to begin polling
func NewMonitor(prober Prober, ports PortLister, notifier Notifier, interval time.Duration, logger zerolog.Logger) *Monitor {
	return &Monitor{
		prober:   prober,
		ports:    ports,
		notifier: notifier,
		interval: interval,
		logger:   logger,
		snapshot: make(map[int]bool),
		stop:     make(chan struct{}),
		done:     make(chan struct{}),
	}
}

// Start launches the polling loop
func (m *Monitor) Start() {
	go m.run()
}

// Stop terminates the loop and waits for it to exit
func (m *Monitor) Stop() {
	m.stopOnce.Do(func() { close(m.stop) })
	<-m.done
}

func (m *Monitor) run() {
	defer close(m.done)

	ticker := time.NewTicker(m.interval)
	defer ticker.Stop()

	// Prime the snapshot immediately rather than waiting one interval
	m.Tick(context.Background())

	for {
		select {
		case <-m.stop:
			return
		case <-ticker.C:
			m.Tick(context.Background())
		}
	}
}

// Tick performs one probe cycle: fetch registered ports, probe them,
// broadcast a bulk status update plus one event per flipped port. A probe
// failure keeps the previous snapshot so a transient blip does not fire
// spurious disconnect events.
func (m *Monitor) Tick(ctx context.Context) {
	ports, err := m.ports.ListReversePorts(ctx)
	if err != nil {
		m.logger.Error().Err(err).Msg("Failed to list reverse ports")
		return
	}

	now, err := m.prober.Probe(ctx, ports)
	if err != nil {
		m.logger.Warn().Err(err).Msg("Port probe failed, keeping previous snapshot")
		return
	}

	m.mu.Lock()
	previous := m.snapshot
	m.snapshot = now
	m.mu.Unlock()

	if equalSnapshots(now, previous) {
		return
	}

	var active []int
	for port, up := range now {
		if up {
			active = append(active, port)
		}
	}
	m.notifier.Broadcast(types.Event{
		Action:  types.ActionUpdateTunnelStatusData,
		Details: "Reverse server status have been updated",
		Data:    active,
	})

	for port, up := range now {
		if previous[port] == up {
			continue
		}
		verb := "disconnected"
		if up {
			verb = "connected"
		}
		m.notifier.Broadcast(types.Event{
			Action:  types.ActionUpdateTunnelStatus,
			Details: fmt.Sprintf("Port [%d] have been %s", port, verb),
		})
		m.logger.Info().Int("reverse_port", port).Str("state", verb).Msg("Tunnel status changed")
	}
}

// Status returns the latest snapshot as a port to liveness map
func (m *Monitor) Status() map[int]bool {
	m.mu.RLock()
	defer m.mu.RUnlock()

	out := make(map[int]bool, len(m.snapshot))
	for port, up := range m.snapshot {
		out[port] = up
	}
	return out
}

func equalSnapshots(a, b map[int]bool) bool {
	if len(a) != len(b) {
		return false
	}
	for port, up := range a {
		if b[port] != up {
			return false
		}
	}
	return true
}
