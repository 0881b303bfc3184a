// Package session brokers live PTY and file-manager sessions between
// browser WebSockets and tunneled hosts reached through the SSH gateway.
package session

import (
	"context"
	"fmt"
	"net"
	"os"
	"time"

	"github.com/jpillora/backoff"
	"github.com/rs/zerolog"
	"golang.org/x/crypto/ssh"

	"github.com/telepy/telepy/pkg/types"
)

const dialAttempts = 3

// Dialer opens outbound SSH connections to tunneled hosts. The route
// loops back through the gateway's forwarded reverse port, so the target
// address is always gateway_host:reverse_port; authentication uses the
// broker's service key as the requested remote username.
type Dialer struct {
	gatewayHost string
	signer      ssh.Signer
	timeout     time.Duration
	logger      zerolog.Logger
}

// LoadSigner reads and parses the service private key
func LoadSigner(path string) (ssh.Signer, error) {
	raw, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("reading service key: %w", err)
	}
	signer, err := ssh.ParsePrivateKey(raw)
	if err != nil {
		return nil, fmt.Errorf("parsing service key: %w", err)
	}
	return signer, nil
}

// NewDialer creates a dialer for hosts behind the given gateway
func NewDialer(gatewayHost string, signer ssh.Signer, timeout time.Duration, logger zerolog.Logger) *Dialer {
	return &Dialer{
		gatewayHost: gatewayHost,
		signer:      signer,
		timeout:     timeout,
		logger:      logger,
	}
}

// Dial connects to the tunneled host behind reversePort as username.
// Retries transient dial failures with jittered backoff; a handshake
// rejection (bad username, key not authorized) is returned immediately.
func (d *Dialer) Dial(ctx context.Context, reversePort int, username string) (*ssh.Client, error) {
	addr := net.JoinHostPort(d.gatewayHost, fmt.Sprintf("%d", reversePort))
	config := &ssh.ClientConfig{
		User:            username,
		Auth:            []ssh.AuthMethod{ssh.PublicKeys(d.signer)},
		HostKeyCallback: ssh.InsecureIgnoreHostKey(),
		Timeout:         d.timeout,
	}

	b := &backoff.Backoff{
		Min:    250 * time.Millisecond,
		Max:    2 * time.Second,
		Jitter: true,
	}

	var lastErr error
	for attempt := 0; attempt < dialAttempts; attempt++ {
		if attempt > 0 {
			select {
			case <-ctx.Done():
				return nil, &types.UpstreamError{Op: "ssh dial", Reason: ctx.Err()}
			case <-time.After(b.Duration()):
			}
		}

		conn, err := net.DialTimeout("tcp", addr, d.timeout)
		if err != nil {
			lastErr = err
			d.logger.Debug().Err(err).Str("addr", addr).Int("attempt", attempt+1).Msg("TCP dial failed")
			continue
		}

		sshConn, chans, reqs, err := ssh.NewClientConn(conn, addr, config)
		if err != nil {
			conn.Close()
			// Auth refusal will not heal on retry
			return nil, &types.UpstreamError{Op: "ssh handshake", Reason: err}
		}
		return ssh.NewClient(sshConn, chans, reqs), nil
	}
	return nil, &types.UpstreamError{Op: "ssh dial", Reason: lastErr}
}
