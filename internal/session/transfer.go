package session

import (
	"context"
	"errors"
	"fmt"
	"io"
	"path"

	"github.com/pkg/sftp"
	"github.com/rs/zerolog"

	"github.com/telepy/telepy/internal/ticket"
	"github.com/telepy/telepy/pkg/types"
)

// ErrGrantInvalid rejects an expired, consumed or mistyped transfer grant
var ErrGrantInvalid = errors.New("transfer grant invalid or expired")

// PortResolver maps a tunnel id to its reverse port at redemption time
type PortResolver interface {
	GetTunnel(ctx context.Context, id string) (*types.ReverseTunnel, error)
}

// Transfers redeems the one-time grants the file manager hands out and
// streams file bytes between HTTP and SFTP
type Transfers struct {
	dialer  *Dialer
	tickets *ticket.Store
	tunnels PortResolver
	logger  zerolog.Logger
}

// NewTransfers creates a transfer redeemer
func NewTransfers(dialer *Dialer, tickets *ticket.Store, tunnels PortResolver, logger zerolog.Logger) *Transfers {
	return &Transfers{dialer: dialer, tickets: tickets, tunnels: tunnels, logger: logger}
}

// Upload consumes an upload grant and streams body to the granted remote
// path. The grant is single-use; a second redemption fails regardless of
// whether the first upload succeeded.
func (t *Transfers) Upload(ctx context.Context, grantID string, body io.Reader) error {
	grant, ok := t.tickets.Redeem(grantID, ticket.PurposeUpload)
	if !ok {
		return ErrGrantInvalid
	}

	sftpClient, closer, err := t.open(ctx, grant)
	if err != nil {
		return err
	}
	defer closer()

	f, err := sftpClient.Create(grant.Path)
	if err != nil {
		return &types.UpstreamError{Op: "sftp create", Reason: err}
	}
	defer f.Close()

	if _, err := io.Copy(f, body); err != nil {
		return &types.UpstreamError{Op: "sftp write", Reason: err}
	}

	t.logger.Info().Str("tunnel_id", grant.TunnelID).Str("path", grant.Path).Msg("File uploaded")
	return nil
}

// Download consumes a download grant and opens the granted remote file.
// The base filename is returned alongside so the caller can set the
// Content-Disposition header before streaming. The caller owns closing
// the returned reader, which also tears down the SSH connection.
func (t *Transfers) Download(ctx context.Context, grantID string) (io.ReadCloser, string, error) {
	grant, ok := t.tickets.Redeem(grantID, ticket.PurposeDownload)
	if !ok {
		return nil, "", ErrGrantInvalid
	}

	sftpClient, closer, err := t.open(ctx, grant)
	if err != nil {
		return nil, "", err
	}

	f, err := sftpClient.Open(grant.Path)
	if err != nil {
		closer()
		return nil, "", &types.UpstreamError{Op: "sftp open", Reason: err}
	}

	t.logger.Info().Str("tunnel_id", grant.TunnelID).Str("path", grant.Path).Msg("File download started")
	return &downloadStream{f: f, closer: closer}, path.Base(grant.Path), nil
}

type downloadStream struct {
	f      *sftp.File
	closer func()
}

func (d *downloadStream) Read(p []byte) (int, error) { return d.f.Read(p) }

func (d *downloadStream) Close() error {
	err := d.f.Close()
	d.closer()
	return err
}

func (t *Transfers) open(ctx context.Context, grant ticket.Ticket) (*sftp.Client, func(), error) {
	tunnel, err := t.tunnels.GetTunnel(ctx, grant.TunnelID)
	if err != nil {
		return nil, nil, fmt.Errorf("resolving tunnel: %w", err)
	}

	client, err := t.dialer.Dial(ctx, tunnel.ReversePort, grant.Username)
	if err != nil {
		return nil, nil, err
	}

	sftpClient, err := sftp.NewClient(client)
	if err != nil {
		client.Close()
		return nil, nil, &types.UpstreamError{Op: "sftp open", Reason: err}
	}

	closer := func() {
		sftpClient.Close()
		client.Close()
	}
	return sftpClient, closer, nil
}
