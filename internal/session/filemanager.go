package session

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/gorilla/websocket"
	"github.com/pkg/sftp"
	"github.com/rs/zerolog"
	"golang.org/x/crypto/ssh"

	"github.com/telepy/telepy/internal/ticket"
	"github.com/telepy/telepy/pkg/types"
)

const (
	// outboundQueueCap bounds replies buffered toward one client; a
	// session that overflows it is closed rather than ballooning memory
	outboundQueueCap = 64

	transferGrantTTL = 5 * time.Minute
	fmWriteWait      = 10 * time.Second
)

// outboundFrame is the JSON envelope file-manager replies use
type outboundFrame struct {
	Action string      `json:"action"`
	Data   interface{} `json:"data,omitempty"`
}

type listFilesPayload struct {
	Path string `json:"path"`
}

type uploadFilePayload struct {
	DestinationPath string `json:"destination_path"`
}

type downloadFilePayload struct {
	Path string `json:"path"`
}

// FileManager serves the file-manager WebSocket: directory listings over
// SFTP plus signed one-time URL handoff for uploads and downloads so
// file bytes never transit the socket.
type FileManager struct {
	dialer  *Dialer
	tracker *Tracker
	tickets *ticket.Store
	logger  zerolog.Logger
}

// NewFileManager creates a file-manager broker
func NewFileManager(dialer *Dialer, tracker *Tracker, tickets *ticket.Store, logger zerolog.Logger) *FileManager {
	return &FileManager{dialer: dialer, tracker: tracker, tickets: tickets, logger: logger}
}

// Serve runs a file-manager session over an authenticated WebSocket.
// Blocks until either side closes.
func (fm *FileManager) Serve(ctx context.Context, conn *websocket.Conn, tunnelID string, reversePort int, username, userID string) error {
	client, err := fm.dialer.Dial(ctx, reversePort, username)
	if err != nil {
		fm.sendDirect(conn, outboundFrame{Action: "error", Data: map[string]string{"message": err.Error()}})
		return err
	}
	defer client.Close()

	sftpClient, err := sftp.NewClient(client)
	if err != nil {
		fm.sendDirect(conn, outboundFrame{Action: "error", Data: map[string]string{"message": "sftp subsystem unavailable"}})
		return &types.UpstreamError{Op: "sftp open", Reason: err}
	}
	defer sftpClient.Close()

	handle := fm.tracker.Register(tunnelID, func() {
		conn.Close()
	})
	defer handle.Close()

	// Writer goroutine owns the socket's write side; the bounded queue
	// keeps a stalled client from blocking SFTP work indefinitely
	outbound := make(chan outboundFrame, outboundQueueCap)
	writerDone := make(chan struct{})
	go func() {
		defer close(writerDone)
		for frame := range outbound {
			conn.SetWriteDeadline(time.Now().Add(fmWriteWait))
			if err := conn.WriteJSON(frame); err != nil {
				return
			}
		}
	}()
	defer close(outbound)

	send := func(frame outboundFrame) error {
		select {
		case outbound <- frame:
			return nil
		default:
			return errors.New("outbound queue full")
		}
	}

	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-writerDone:
			return nil
		default:
		}

		_, raw, err := conn.ReadMessage()
		if err != nil {
			return nil
		}

		var frame inboundFrame
		if err := json.Unmarshal(raw, &frame); err != nil {
			send(outboundFrame{Action: "error", Data: map[string]string{"message": "malformed frame"}})
			continue
		}

		reply, err := fm.handle(client, sftpClient, tunnelID, username, userID, frame)
		if err != nil {
			fm.logger.Warn().Err(err).Str("action", frame.Action).Str("tunnel_id", tunnelID).Msg("File manager action failed")
			reply = outboundFrame{Action: "error", Data: map[string]string{"message": err.Error()}}
		}
		if err := send(reply); err != nil {
			fm.logger.Warn().Str("tunnel_id", tunnelID).Msg("File manager client too slow, closing")
			return nil
		}
	}
}

func (fm *FileManager) handle(client *ssh.Client, sftpClient *sftp.Client, tunnelID, username, userID string, frame inboundFrame) (outboundFrame, error) {
	switch frame.Action {
	case "shell_detect":
		shell := detectShell(client)
		return outboundFrame{
			Action: "shell_detect",
			Data: map[string]string{
				"shell":        string(shell),
				"default_path": shell.DefaultRoot(),
			},
		}, nil

	case "list_files":
		var p listFilesPayload
		if err := json.Unmarshal(frame.Payload, &p); err != nil {
			return outboundFrame{}, errors.New("list_files requires a path")
		}
		files, err := fm.listFiles(sftpClient, p.Path)
		if err != nil {
			return outboundFrame{}, err
		}
		return outboundFrame{
			Action: "list_files",
			Data: map[string]interface{}{
				"status": "success",
				"files":  files,
			},
		}, nil

	case "upload_file":
		var p uploadFilePayload
		if err := json.Unmarshal(frame.Payload, &p); err != nil || p.DestinationPath == "" {
			return outboundFrame{}, errors.New("upload_file requires a destination_path")
		}
		id := fm.tickets.Issue(ticket.Ticket{
			Purpose:  ticket.PurposeUpload,
			UserID:   userID,
			TunnelID: tunnelID,
			Username: username,
			Path:     p.DestinationPath,
		}, transferGrantTTL)
		return outboundFrame{
			Action: "upload_file",
			Data:   map[string]string{"url": "/api/transfer/upload/" + id},
		}, nil

	case "download_file":
		var p downloadFilePayload
		if err := json.Unmarshal(frame.Payload, &p); err != nil || p.Path == "" {
			return outboundFrame{}, errors.New("download_file requires a path")
		}
		if _, err := sftpClient.Stat(p.Path); err != nil {
			return outboundFrame{}, fmt.Errorf("stat %s: %w", p.Path, err)
		}
		id := fm.tickets.Issue(ticket.Ticket{
			Purpose:  ticket.PurposeDownload,
			UserID:   userID,
			TunnelID: tunnelID,
			Username: username,
			Path:     p.Path,
		}, transferGrantTTL)
		return outboundFrame{
			Action: "download_file",
			Data:   map[string]string{"url": "/api/transfer/download/" + id},
		}, nil
	}
	return outboundFrame{}, fmt.Errorf("unknown action %q", frame.Action)
}

func (fm *FileManager) listFiles(sftpClient *sftp.Client, dir string) ([]types.FileEntry, error) {
	if dir == "" {
		dir = "."
	}
	infos, err := sftpClient.ReadDir(dir)
	if err != nil {
		return nil, fmt.Errorf("listing %s: %w", dir, err)
	}

	files := make([]types.FileEntry, 0, len(infos))
	for _, info := range infos {
		kind := "file"
		if info.IsDir() {
			kind = "directory"
		}
		files = append(files, types.FileEntry{
			Name: info.Name(),
			Type: kind,
			Size: info.Size(),
		})
	}
	return files, nil
}

// detectShell probes the remote shell flavor; a failing uname reads as a
// Windows host
func detectShell(client *ssh.Client) types.ShellKind {
	sess, err := client.NewSession()
	if err != nil {
		return types.ShellWindows
	}
	defer sess.Close()

	out, err := sess.CombinedOutput("uname -s")
	if err != nil || strings.TrimSpace(string(out)) == "" {
		return types.ShellWindows
	}
	return types.ShellPosix
}

// DetectShell dials the host and probes its shell flavor once. Serves
// the legacy HTTP shell endpoint.
func (fm *FileManager) DetectShell(ctx context.Context, reversePort int, username string) (types.ShellKind, error) {
	client, err := fm.dialer.Dial(ctx, reversePort, username)
	if err != nil {
		return "", err
	}
	defer client.Close()
	return detectShell(client), nil
}

// ListDir dials the host and lists one directory. Serves the legacy HTTP
// list endpoint.
func (fm *FileManager) ListDir(ctx context.Context, reversePort int, username, dir string) ([]types.FileEntry, error) {
	client, err := fm.dialer.Dial(ctx, reversePort, username)
	if err != nil {
		return nil, err
	}
	defer client.Close()

	sftpClient, err := sftp.NewClient(client)
	if err != nil {
		return nil, &types.UpstreamError{Op: "sftp open", Reason: err}
	}
	defer sftpClient.Close()

	return fm.listFiles(sftpClient, dir)
}

// sendDirect writes one frame before the writer goroutine exists
func (fm *FileManager) sendDirect(conn *websocket.Conn, frame outboundFrame) {
	conn.SetWriteDeadline(time.Now().Add(fmWriteWait))
	conn.WriteJSON(frame)
}
