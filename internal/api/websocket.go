package api

import (
	"encoding/base64"
	"net/http"
	"strings"

	"github.com/gorilla/mux"
	"github.com/gorilla/websocket"

	"github.com/telepy/telepy/internal/ticket"
)

var upgrader = websocket.Upgrader{
	ReadBufferSize:  4096,
	WriteBufferSize: 4096,
	// Auth rides in the subprotocol list, not in cookies, so cross-origin
	// upgrades carry no ambient credentials
	CheckOrigin: func(r *http.Request) bool { return true },
}

// wsCredentials is the auth material a browser smuggles through the
// Sec-WebSocket-Protocol header, since the WebSocket API has no way to
// set an Authorization header.
type wsCredentials struct {
	// ticket is a server-issued single-use session ticket (auth.<id>)
	ticket string
	// token is a base64-encoded JWT (token.<b64>), accepted for the
	// notification stream only
	token string
	// tunnelID and username are advisory bindings (tunnel.<id>,
	// server.<id>, username.<name>); when present they must match what
	// the ticket was issued for
	tunnelID string
	username string
	// echo is the subprotocol the server must select on upgrade so the
	// browser handshake completes
	echo string
}

func parseWSCredentials(r *http.Request) wsCredentials {
	var creds wsCredentials
	for _, proto := range websocket.Subprotocols(r) {
		switch {
		case strings.HasPrefix(proto, "auth."):
			creds.ticket = strings.TrimPrefix(proto, "auth.")
			creds.echo = proto
		case strings.HasPrefix(proto, "token."):
			creds.token = strings.TrimPrefix(proto, "token.")
			if creds.echo == "" {
				creds.echo = proto
			}
		case strings.HasPrefix(proto, "tunnel."):
			creds.tunnelID = strings.TrimPrefix(proto, "tunnel.")
		case strings.HasPrefix(proto, "server."):
			creds.tunnelID = strings.TrimPrefix(proto, "server.")
		case strings.HasPrefix(proto, "username."):
			creds.username = strings.TrimPrefix(proto, "username.")
		}
	}
	return creds
}

func (s *Server) upgrade(w http.ResponseWriter, r *http.Request, creds wsCredentials) (*websocket.Conn, bool) {
	header := http.Header{}
	if creds.echo != "" {
		header.Set("Sec-WebSocket-Protocol", creds.echo)
	}
	conn, err := upgrader.Upgrade(w, r, header)
	if err != nil {
		s.logger.Debug().Err(err).Str("path", r.URL.Path).Msg("WebSocket upgrade failed")
		return nil, false
	}
	return conn, true
}

// redeemSessionTicket validates the single-use ticket for a PTY or file
// manager session and cross-checks any advisory bindings in the
// subprotocol list against what the ticket was issued for.
func (s *Server) redeemSessionTicket(creds wsCredentials, purpose ticket.Purpose, pathTunnelID string) (ticket.Ticket, bool) {
	grant, ok := s.tickets.Redeem(creds.ticket, purpose)
	if !ok {
		return ticket.Ticket{}, false
	}
	if creds.tunnelID != "" && creds.tunnelID != grant.TunnelID {
		return ticket.Ticket{}, false
	}
	if creds.username != "" && creds.username != grant.Username {
		return ticket.Ticket{}, false
	}
	if pathTunnelID != "" && pathTunnelID != grant.TunnelID {
		return ticket.Ticket{}, false
	}
	return grant, true
}

// handleNotificationSocket attaches the client to the broadcast hub.
// Accepts either a session ticket or a base64-encoded JWT; the JWT path
// keeps long-lived notification tabs working without a ticket round trip.
func (s *Server) handleNotificationSocket(w http.ResponseWriter, r *http.Request) {
	creds := parseWSCredentials(r)

	var userID string
	switch {
	case creds.ticket != "":
		grant, ok := s.tickets.Redeem(creds.ticket, ticket.PurposeNotification)
		if !ok {
			http.Error(w, "invalid ticket", http.StatusForbidden)
			return
		}
		userID = grant.UserID
	case creds.token != "":
		raw, err := base64.StdEncoding.DecodeString(creds.token)
		if err != nil {
			http.Error(w, "malformed token", http.StatusForbidden)
			return
		}
		user, _, err := s.auth.Verify(string(raw))
		if err != nil {
			http.Error(w, "invalid token", http.StatusForbidden)
			return
		}
		userID = user.ID
	default:
		http.Error(w, "missing credentials", http.StatusUnauthorized)
		return
	}

	conn, ok := s.upgrade(w, r, creds)
	if !ok {
		return
	}

	s.hub.Attach(conn, userID)
}

func (s *Server) handleTerminalSocket(w http.ResponseWriter, r *http.Request) {
	s.serveTerminal(w, r, "")
}

// handleTunnelConnectionSocket is the path-addressed terminal endpoint;
// the tunnel id in the URL must match the ticket's binding.
func (s *Server) handleTunnelConnectionSocket(w http.ResponseWriter, r *http.Request) {
	s.serveTerminal(w, r, mux.Vars(r)["id"])
}

func (s *Server) serveTerminal(w http.ResponseWriter, r *http.Request, pathTunnelID string) {
	creds := parseWSCredentials(r)
	if creds.ticket == "" {
		http.Error(w, "missing ticket", http.StatusUnauthorized)
		return
	}

	grant, ok := s.redeemSessionTicket(creds, ticket.PurposeTerminal, pathTunnelID)
	if !ok {
		http.Error(w, "invalid ticket", http.StatusForbidden)
		return
	}

	tunnel, err := s.store.GetTunnel(r.Context(), grant.TunnelID)
	if err != nil {
		http.Error(w, "tunnel not found", http.StatusNotFound)
		return
	}

	conn, ok := s.upgrade(w, r, creds)
	if !ok {
		return
	}

	s.metrics.SessionsOpened.WithLabelValues("terminal").Inc()
	s.metrics.SessionsActive.WithLabelValues("terminal").Inc()
	defer s.metrics.SessionsActive.WithLabelValues("terminal").Dec()

	if err := s.pty.Serve(s.ctx, conn, tunnel.ID, tunnel.ReversePort, grant.Username); err != nil {
		s.logger.Debug().Err(err).Str("tunnel_id", tunnel.ID).Msg("Terminal session ended with error")
	}
}

func (s *Server) handleFileManagerSocket(w http.ResponseWriter, r *http.Request) {
	creds := parseWSCredentials(r)
	if creds.ticket == "" {
		http.Error(w, "missing ticket", http.StatusUnauthorized)
		return
	}

	grant, ok := s.redeemSessionTicket(creds, ticket.PurposeFileManager, "")
	if !ok {
		http.Error(w, "invalid ticket", http.StatusForbidden)
		return
	}

	tunnel, err := s.store.GetTunnel(r.Context(), grant.TunnelID)
	if err != nil {
		http.Error(w, "tunnel not found", http.StatusNotFound)
		return
	}

	conn, ok := s.upgrade(w, r, creds)
	if !ok {
		return
	}

	s.metrics.SessionsOpened.WithLabelValues("filemanager").Inc()
	s.metrics.SessionsActive.WithLabelValues("filemanager").Inc()
	defer s.metrics.SessionsActive.WithLabelValues("filemanager").Dec()

	if err := s.fm.Serve(s.ctx, conn, tunnel.ID, tunnel.ReversePort, grant.Username, grant.UserID); err != nil {
		s.logger.Debug().Err(err).Str("tunnel_id", tunnel.ID).Msg("File manager session ended with error")
	}
}
