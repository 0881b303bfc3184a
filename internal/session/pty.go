package session

import (
	"context"
	"encoding/json"
	"io"
	"sync"
	"time"

	"github.com/gorilla/websocket"
	"github.com/rs/zerolog"
	"golang.org/x/crypto/ssh"
)

const (
	ptyTerm      = "xterm"
	ptyReadChunk = 4096
	ptyWriteWait = 10 * time.Second
)

// inboundFrame is the JSON envelope terminal clients send
type inboundFrame struct {
	Action  string          `json:"action"`
	Payload json.RawMessage `json:"payload"`
}

type ptyInputPayload struct {
	Input string `json:"input"`
}

type ptyResizePayload struct {
	Rows   int `json:"rows"`
	Cols   int `json:"cols"`
	Height int `json:"height"`
	Width  int `json:"width"`
}

// PTY pipes browser WebSockets to remote shells. Input frames are
// applied in receipt order; shell output goes back as raw text frames.
// One Serve call per WebSocket; sessions are fully independent.
type PTY struct {
	dialer  *Dialer
	tracker *Tracker
	logger  zerolog.Logger
}

// wsWriter serializes writes to one WebSocket between the stdout and
// stderr pumps
type wsWriter struct {
	mu   sync.Mutex
	conn *websocket.Conn
}

func (w *wsWriter) writeText(data []byte) error {
	w.mu.Lock()
	defer w.mu.Unlock()
	w.conn.SetWriteDeadline(time.Now().Add(ptyWriteWait))
	return w.conn.WriteMessage(websocket.TextMessage, data)
}

func (w *wsWriter) Write(data []byte) (int, error) {
	if err := w.writeText(data); err != nil {
		return 0, err
	}
	return len(data), nil
}

// NewPTY creates a PTY broker
func NewPTY(dialer *Dialer, tracker *Tracker, logger zerolog.Logger) *PTY {
	return &PTY{dialer: dialer, tracker: tracker, logger: logger}
}

// Serve runs a full PTY session over an already-authenticated WebSocket.
// Blocks until either side closes; all SSH resources are released before
// it returns.
func (p *PTY) Serve(ctx context.Context, conn *websocket.Conn, tunnelID string, reversePort int, username string) error {
	client, err := p.dialer.Dial(ctx, reversePort, username)
	if err != nil {
		p.writeControl(conn, websocket.CloseInternalServerErr, "upstream unreachable")
		return err
	}
	defer client.Close()

	sess, err := client.NewSession()
	if err != nil {
		p.writeControl(conn, websocket.CloseInternalServerErr, "session failed")
		return err
	}
	defer sess.Close()

	modes := ssh.TerminalModes{
		ssh.ECHO:          1,
		ssh.TTY_OP_ISPEED: 14400,
		ssh.TTY_OP_OSPEED: 14400,
	}
	if err := sess.RequestPty(ptyTerm, 24, 80, modes); err != nil {
		p.writeControl(conn, websocket.CloseInternalServerErr, "pty allocation failed")
		return err
	}

	stdin, err := sess.StdinPipe()
	if err != nil {
		return err
	}
	stdout, err := sess.StdoutPipe()
	if err != nil {
		return err
	}
	out := &wsWriter{conn: conn}
	sess.Stderr = out

	if err := sess.Shell(); err != nil {
		p.writeControl(conn, websocket.CloseInternalServerErr, "shell failed")
		return err
	}

	// A tunnel delete closes the WebSocket, which unwinds both pumps
	handle := p.tracker.Register(tunnelID, func() {
		conn.Close()
	})
	defer handle.Close()

	done := make(chan struct{})

	// Shell output pump: raw text frames, no envelope. Closing the socket
	// when the shell exits unblocks the input pump's ReadMessage so a dead
	// shell tears the session down immediately instead of after the next
	// keystroke.
	go p.pumpOutput(stdout, out, tunnelID, done, func() {
		p.writeControl(conn, websocket.CloseNormalClosure, "shell exited")
		handle.Close()
	})

	// Input pump: JSON envelopes applied in receipt order
	for {
		select {
		case <-done:
			return nil
		case <-ctx.Done():
			return ctx.Err()
		default:
		}

		_, raw, err := conn.ReadMessage()
		if err != nil {
			if websocket.IsUnexpectedCloseError(err, websocket.CloseGoingAway, websocket.CloseNormalClosure) {
				p.logger.Debug().Err(err).Str("tunnel_id", tunnelID).Msg("Terminal socket closed")
			}
			return nil
		}

		var frame inboundFrame
		if err := json.Unmarshal(raw, &frame); err != nil {
			p.logger.Warn().Err(err).Str("tunnel_id", tunnelID).Msg("Malformed terminal frame")
			continue
		}

		switch frame.Action {
		case "pty_input":
			var in ptyInputPayload
			if err := json.Unmarshal(frame.Payload, &in); err != nil {
				continue
			}
			if _, err := stdin.Write([]byte(in.Input)); err != nil {
				return nil
			}
		case "pty_resize":
			var rs ptyResizePayload
			if err := json.Unmarshal(frame.Payload, &rs); err != nil {
				continue
			}
			if rs.Rows > 0 && rs.Cols > 0 {
				if err := sess.WindowChange(rs.Rows, rs.Cols); err != nil {
					p.logger.Debug().Err(err).Msg("Window change failed")
				}
			}
		default:
			p.logger.Warn().Str("action", frame.Action).Msg("Unknown terminal action")
		}
	}
}

// pumpOutput copies shell output to the socket until EOF or a write
// failure, then runs shutdown to close the session
func (p *PTY) pumpOutput(stdout io.Reader, out *wsWriter, tunnelID string, done chan<- struct{}, shutdown func()) {
	defer func() {
		close(done)
		shutdown()
	}()
	buf := make([]byte, ptyReadChunk)
	for {
		n, err := stdout.Read(buf)
		if n > 0 {
			if werr := out.writeText(buf[:n]); werr != nil {
				return
			}
		}
		if err != nil {
			if err != io.EOF {
				p.logger.Debug().Err(err).Str("tunnel_id", tunnelID).Msg("PTY stdout closed")
			}
			return
		}
	}
}

func (p *PTY) writeControl(conn *websocket.Conn, code int, reason string) {
	msg := websocket.FormatCloseMessage(code, reason)
	conn.WriteControl(websocket.CloseMessage, msg, time.Now().Add(time.Second))
}
