package api

import (
	"errors"
	"fmt"
	"io"
	"net/http"
	"strconv"

	"github.com/gorilla/mux"

	"github.com/telepy/telepy/internal/script"
	"github.com/telepy/telepy/internal/session"
	"github.com/telepy/telepy/internal/ticket"
	"github.com/telepy/telepy/pkg/types"
)

// ---- tunnel creation flow ----

// handleIssueToken mints the short-lived create token embedded in the
// create and duplicate-check URLs (double-submit alongside the JWT)
func (s *Server) handleIssueToken(w http.ResponseWriter, r *http.Request) {
	user, _ := GetUser(r.Context())

	id := s.tickets.Issue(ticket.Ticket{
		Purpose: ticket.PurposeCreateKey,
		UserID:  user.ID,
	}, createTokenTTL)

	s.respondJSON(w, http.StatusOK, map[string]string{"token": id})
}

func (s *Server) handleCreateKey(w http.ResponseWriter, r *http.Request) {
	user, _ := GetUser(r.Context())
	token := mux.Vars(r)["token"]

	grant, ok := s.tickets.Redeem(token, ticket.PurposeCreateKey)
	if !ok || grant.UserID != user.ID {
		s.TicketInvalidError(w)
		return
	}

	var req CreateKeyRequest
	if !s.decodeAndValidate(w, r, &req) {
		return
	}

	tunnel, err := s.registry.CreateTunnel(r.Context(), user.ID, req.HostFriendlyName, req.Key, req.SSHPort, req.Description)
	if err != nil {
		var conflict *types.ConflictError
		if errors.As(err, &conflict) {
			// Shape matches what the creation wizard expects
			s.respondJSON(w, http.StatusConflict, map[string]interface{}{
				"host_friendly_name_exists": conflict.NameExists,
				"key_exists":                conflict.KeyExists,
				"error":                     conflict.Error(),
			})
			return
		}
		s.RespondDomainError(w, err)
		return
	}

	s.metrics.TunnelCreates.Inc()
	s.respondJSON(w, http.StatusCreated, map[string]interface{}{
		"id":                 tunnel.ID,
		"host_friendly_name": tunnel.HostFriendlyName,
		"key":                tunnel.PublicKey,
		"port":               tunnel.SSHPort,
		"reverse_port":       tunnel.ReversePort,
		"description":        tunnel.Description,
		"issuer":             user.Username,
	})
}

// handleDuplicateCheck probes without consuming the create token; the
// wizard calls it ahead of the real create
func (s *Server) handleDuplicateCheck(w http.ResponseWriter, r *http.Request) {
	user, _ := GetUser(r.Context())
	token := mux.Vars(r)["token"]

	if !s.tickets.Peek(token, ticket.PurposeCreateKey) {
		s.TicketInvalidError(w)
		return
	}

	var req DuplicateCheckRequest
	if !s.decodeAndValidate(w, r, &req) {
		return
	}

	nameExists, keyExists, err := s.registry.CheckDuplicate(r.Context(), user.ID, req.HostFriendlyName, req.Key)
	if err != nil {
		s.RespondDomainError(w, err)
		return
	}

	message := "No duplicates found"
	if nameExists || keyExists {
		message = (&types.ConflictError{NameExists: nameExists, KeyExists: keyExists}).Error()
	}
	s.respondJSON(w, http.StatusOK, map[string]interface{}{
		"host_friendly_name_exists": nameExists,
		"key_exists":                keyExists,
		"message":                   message,
	})
}

// handleIssueSessionTicket mints the single-use ticket a WebSocket
// upgrade presents in its auth subprotocol
func (s *Server) handleIssueSessionTicket(w http.ResponseWriter, r *http.Request) {
	user, _ := GetUser(r.Context())

	var req struct {
		Purpose  string `json:"purpose"`
		TunnelID string `json:"tunnel_id"`
		Username string `json:"username"`
	}
	if !s.decodeAndValidate(w, r, &req) {
		return
	}

	var purpose ticket.Purpose
	switch req.Purpose {
	case "notification":
		purpose = ticket.PurposeNotification
	case "terminal", "filemanager":
		if req.Purpose == "terminal" {
			purpose = ticket.PurposeTerminal
		} else {
			purpose = ticket.PurposeFileManager
		}
		// Session tickets are bound to a tunnel and a registered username
		eff, _, err := s.sharing.Effective(r.Context(), req.TunnelID, user.ID)
		if err != nil {
			s.RespondDomainError(w, err)
			return
		}
		if !eff.Tier.AtLeast(types.TierView) {
			s.Forbidden(w, "")
			return
		}
		ok, err := s.store.HasUsername(r.Context(), req.TunnelID, req.Username)
		if err != nil {
			s.RespondDomainError(w, err)
			return
		}
		if !ok {
			s.BadRequest(w, "Username is not registered for this tunnel")
			return
		}
	default:
		s.BadRequest(w, "Unknown ticket purpose")
		return
	}

	id := s.tickets.Issue(ticket.Ticket{
		Purpose:  purpose,
		UserID:   user.ID,
		TunnelID: req.TunnelID,
		Username: req.Username,
	}, sessionTicketTTL)

	s.respondJSON(w, http.StatusOK, map[string]string{"ticket": id})
}

// ---- user keys ----

func (s *Server) handleListUserKeys(w http.ResponseWriter, r *http.Request) {
	user, _ := GetUser(r.Context())

	keys, err := s.registry.ListUserKeys(r.Context(), user.ID)
	if err != nil {
		s.RespondDomainError(w, err)
		return
	}
	s.respondJSON(w, http.StatusOK, keys)
}

func (s *Server) handleCreateUserKey(w http.ResponseWriter, r *http.Request) {
	user, _ := GetUser(r.Context())

	var req CreateUserKeyRequest
	if !s.decodeAndValidate(w, r, &req) {
		return
	}

	key, err := s.registry.CreateUserKey(r.Context(), user.ID, req.HostFriendlyName, req.Key, req.Description)
	if err != nil {
		s.RespondDomainError(w, err)
		return
	}
	s.respondJSON(w, http.StatusCreated, key)
}

func (s *Server) handleDeleteUserKey(w http.ResponseWriter, r *http.Request) {
	user, _ := GetUser(r.Context())

	if err := s.registry.DeleteUserKey(r.Context(), mux.Vars(r)["id"], user.ID); err != nil {
		s.RespondDomainError(w, err)
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

func (s *Server) handlePatchUserKey(w http.ResponseWriter, r *http.Request) {
	user, _ := GetUser(r.Context())

	var req PatchDescriptionRequest
	if !s.decodeAndValidate(w, r, &req) {
		return
	}

	if err := s.registry.PatchUserKeyDescription(r.Context(), mux.Vars(r)["id"], user.ID, req.Description); err != nil {
		s.RespondDomainError(w, err)
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

// ---- service keys ----

func (s *Server) handleListServiceKeys(w http.ResponseWriter, r *http.Request) {
	keys, err := s.registry.ListServiceKeys(r.Context())
	if err != nil {
		s.RespondDomainError(w, err)
		return
	}
	s.respondJSON(w, http.StatusOK, keys)
}

func (s *Server) handleGetServiceKey(w http.ResponseWriter, r *http.Request) {
	keys, err := s.registry.ListServiceKeys(r.Context())
	if err != nil {
		s.RespondDomainError(w, err)
		return
	}
	id := mux.Vars(r)["id"]
	for _, k := range keys {
		if k.ID == id {
			s.respondJSON(w, http.StatusOK, k)
			return
		}
	}
	s.NotFound(w, "Service key")
}

func (s *Server) handleDeleteServiceKey(w http.ResponseWriter, r *http.Request) {
	if !s.requireAdmin(w, r) {
		return
	}
	if err := s.registry.DeleteServiceKey(r.Context(), mux.Vars(r)["id"]); err != nil {
		s.RespondDomainError(w, err)
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

func (s *Server) handlePatchServiceKey(w http.ResponseWriter, r *http.Request) {
	if !s.requireAdmin(w, r) {
		return
	}
	var req PatchDescriptionRequest
	if !s.decodeAndValidate(w, r, &req) {
		return
	}
	if err := s.registry.PatchServiceKeyDescription(r.Context(), mux.Vars(r)["id"], req.Description); err != nil {
		s.RespondDomainError(w, err)
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

// requireAdmin gates service-key mutation on the JWT role claim
func (s *Server) requireAdmin(w http.ResponseWriter, r *http.Request) bool {
	user, _ := GetUser(r.Context())
	for _, role := range user.Roles {
		if role == "admin" {
			return true
		}
	}
	s.Forbidden(w, "")
	return false
}

// ---- liveness ----

func (s *Server) handlePortStatus(w http.ResponseWriter, r *http.Request) {
	status := s.monitor.Status()

	// Keyed by port number, matching what the tunnel table consumes
	out := make(map[string]bool, len(status))
	listening := 0
	for port, up := range status {
		out[strconv.Itoa(port)] = up
		if up {
			listening++
		}
	}
	s.metrics.TunnelsListening.Set(float64(listening))
	s.respondJSON(w, http.StatusOK, out)
}

// ---- tunnel usernames ----

func (s *Server) handleAddUsername(w http.ResponseWriter, r *http.Request) {
	user, _ := GetUser(r.Context())

	var req AddUsernameRequest
	if !s.decodeAndValidate(w, r, &req) {
		return
	}

	username, err := s.registry.AddUsername(r.Context(), req.ReverseTunnelID, user.ID, req.Username)
	if err != nil {
		s.RespondDomainError(w, err)
		return
	}
	s.respondJSON(w, http.StatusCreated, username)
}

func (s *Server) handleDeleteUsername(w http.ResponseWriter, r *http.Request) {
	user, _ := GetUser(r.Context())

	if err := s.registry.DeleteUsername(r.Context(), mux.Vars(r)["id"], user.ID); err != nil {
		s.RespondDomainError(w, err)
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

func (s *Server) handleListAllUsernames(w http.ResponseWriter, r *http.Request) {
	user, _ := GetUser(r.Context())

	usernames, err := s.registry.ListAllUsernames(r.Context(), user.ID)
	if err != nil {
		s.RespondDomainError(w, err)
		return
	}
	s.respondJSON(w, http.StatusOK, usernames)
}

func (s *Server) handleListUsernames(w http.ResponseWriter, r *http.Request) {
	user, _ := GetUser(r.Context())

	usernames, err := s.registry.ListUsernames(r.Context(), mux.Vars(r)["id"], user.ID)
	if err != nil {
		s.RespondDomainError(w, err)
		return
	}
	s.respondJSON(w, http.StatusOK, usernames)
}

// ---- tunnels ----

func (s *Server) handleListTunnels(w http.ResponseWriter, r *http.Request) {
	user, _ := GetUser(r.Context())

	listings, err := s.registry.ListForUser(r.Context(), user.ID)
	if err != nil {
		s.RespondDomainError(w, err)
		return
	}
	s.metrics.TunnelsRegistered.Set(float64(len(listings)))
	s.respondJSON(w, http.StatusOK, listings)
}

func (s *Server) handleDeleteTunnel(w http.ResponseWriter, r *http.Request) {
	user, _ := GetUser(r.Context())

	if err := s.registry.DeleteTunnel(r.Context(), mux.Vars(r)["id"], user.ID); err != nil {
		s.RespondDomainError(w, err)
		return
	}
	s.metrics.TunnelDeletes.Inc()
	w.WriteHeader(http.StatusNoContent)
}

func (s *Server) handlePatchTunnel(w http.ResponseWriter, r *http.Request) {
	user, _ := GetUser(r.Context())

	var req PatchDescriptionRequest
	if !s.decodeAndValidate(w, r, &req) {
		return
	}

	if err := s.registry.PatchDescription(r.Context(), mux.Vars(r)["id"], user.ID, req.Description); err != nil {
		s.RespondDomainError(w, err)
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

// ---- sharing ----

// resolveUserID accepts either a user id or a username path segment
func (s *Server) resolveUserID(r *http.Request, raw string) (string, error) {
	if _, err := s.store.GetUser(r.Context(), raw); err == nil {
		return raw, nil
	}
	users, err := s.store.ListUsers(r.Context())
	if err != nil {
		return "", err
	}
	for _, u := range users {
		if u.Username == raw {
			return u.ID, nil
		}
	}
	return "", types.NewNotFoundError("user", raw)
}

func (s *Server) handleShare(w http.ResponseWriter, r *http.Request) {
	user, _ := GetUser(r.Context())
	tunnelID := mux.Vars(r)["id"]

	var req ShareRequest
	if !s.decodeAndValidate(w, r, &req) {
		return
	}

	granteeID, err := s.resolveUserID(r, req.Username)
	if err != nil {
		s.RespondDomainError(w, err)
		return
	}

	if err := s.sharing.Share(r.Context(), tunnelID, user.ID, granteeID, types.PermissionTier(req.Tier)); err != nil {
		s.RespondDomainError(w, err)
		return
	}

	s.hub.Broadcast(types.Event{
		Action:  types.ActionTunnelShared,
		Details: fmt.Sprintf("Tunnel shared with %s (%s)", req.Username, req.Tier),
	})
	s.respondJSON(w, http.StatusOK, map[string]string{"status": "shared"})
}

func (s *Server) handleUpdatePermission(w http.ResponseWriter, r *http.Request) {
	user, _ := GetUser(r.Context())
	vars := mux.Vars(r)

	var req UpdatePermissionRequest
	if !s.decodeAndValidate(w, r, &req) {
		return
	}

	granteeID, err := s.resolveUserID(r, vars["userId"])
	if err != nil {
		s.RespondDomainError(w, err)
		return
	}

	if err := s.sharing.UpdateTier(r.Context(), vars["id"], user.ID, granteeID, types.PermissionTier(req.Tier)); err != nil {
		s.RespondDomainError(w, err)
		return
	}

	s.hub.Broadcast(types.Event{
		Action:  types.ActionTunnelPermissionUpdated,
		Details: fmt.Sprintf("Permission updated to %s", req.Tier),
	})
	s.respondJSON(w, http.StatusOK, map[string]string{"status": "updated"})
}

func (s *Server) handleUnshare(w http.ResponseWriter, r *http.Request) {
	user, _ := GetUser(r.Context())
	vars := mux.Vars(r)

	granteeID, err := s.resolveUserID(r, vars["userId"])
	if err != nil {
		s.RespondDomainError(w, err)
		return
	}

	if err := s.sharing.Unshare(r.Context(), vars["id"], user.ID, granteeID); err != nil {
		s.RespondDomainError(w, err)
		return
	}

	s.hub.Broadcast(types.Event{
		Action:  types.ActionTunnelUnshared,
		Details: "Tunnel share revoked",
	})
	w.WriteHeader(http.StatusNoContent)
}

func (s *Server) handleSharedUsers(w http.ResponseWriter, r *http.Request) {
	user, _ := GetUser(r.Context())

	shared, err := s.sharing.SharedUsers(r.Context(), mux.Vars(r)["id"], user.ID)
	if err != nil {
		s.RespondDomainError(w, err)
		return
	}
	s.respondJSON(w, http.StatusOK, shared)
}

func (s *Server) handleAvailableUsers(w http.ResponseWriter, r *http.Request) {
	user, _ := GetUser(r.Context())

	available, err := s.sharing.AvailableUsers(r.Context(), mux.Vars(r)["id"], user.ID)
	if err != nil {
		s.RespondDomainError(w, err)
		return
	}
	s.respondJSON(w, http.StatusOK, available)
}

// ---- connection scripts ----

func (s *Server) handleScript(w http.ResponseWriter, r *http.Request) {
	user, _ := GetUser(r.Context())
	vars := mux.Vars(r)

	variant := script.Variant(vars["variant"])
	sshPort, err := strconv.Atoi(vars["sshPort"])
	if err != nil {
		s.BadRequest(w, "ssh port must be numeric")
		return
	}

	tunnel, _, err := s.registry.GetTunnel(r.Context(), vars["id"], user.ID)
	if err != nil {
		s.RespondDomainError(w, err)
		return
	}

	usernames, err := s.store.ListUsernames(r.Context(), tunnel.ID)
	if err != nil {
		s.RespondDomainError(w, err)
		return
	}
	names := make([]string, len(usernames))
	for i, u := range usernames {
		names[i] = u.Username
	}

	var servicePub string
	if keys, err := s.registry.ListServiceKeys(r.Context()); err == nil && len(keys) > 0 {
		servicePub = keys[0].PublicKey
	}

	rendered, err := s.scripts.Render(variant, tunnel, sshPort, script.Params{
		KeyPath:          r.URL.Query().Get("key_path"),
		Usernames:        names,
		ServicePublicKey: servicePub,
	})
	if err != nil {
		s.RespondDomainError(w, err)
		return
	}

	s.metrics.ScriptRenders.WithLabelValues(string(variant)).Inc()
	s.respondJSON(w, http.StatusOK, rendered)
}

// ---- legacy SFTP over HTTP ----

// sftpTarget authorizes the requester and resolves the reverse port for
// the legacy SFTP endpoints
func (s *Server) sftpTarget(w http.ResponseWriter, r *http.Request) (reversePort int, username string, ok bool) {
	user, _ := GetUser(r.Context())
	vars := mux.Vars(r)

	tunnel, _, err := s.registry.GetTunnel(r.Context(), vars["serverId"], user.ID)
	if err != nil {
		s.RespondDomainError(w, err)
		return 0, "", false
	}

	username = vars["username"]
	registered, err := s.store.HasUsername(r.Context(), tunnel.ID, username)
	if err != nil {
		s.RespondDomainError(w, err)
		return 0, "", false
	}
	if !registered {
		s.BadRequest(w, "Username is not registered for this tunnel")
		return 0, "", false
	}
	return tunnel.ReversePort, username, true
}

func (s *Server) handleSFTPShell(w http.ResponseWriter, r *http.Request) {
	reversePort, username, ok := s.sftpTarget(w, r)
	if !ok {
		return
	}

	shell, err := s.fm.DetectShell(r.Context(), reversePort, username)
	if err != nil {
		s.RespondDomainError(w, err)
		return
	}
	s.respondJSON(w, http.StatusOK, map[string]string{
		"shell":        string(shell),
		"default_path": shell.DefaultRoot(),
	})
}

func (s *Server) handleSFTPList(w http.ResponseWriter, r *http.Request) {
	reversePort, username, ok := s.sftpTarget(w, r)
	if !ok {
		return
	}

	files, err := s.fm.ListDir(r.Context(), reversePort, username, r.URL.Query().Get("path"))
	if err != nil {
		s.RespondDomainError(w, err)
		return
	}
	s.respondJSON(w, http.StatusOK, map[string]interface{}{
		"status": "success",
		"files":  files,
	})
}

func (s *Server) handleSFTPDownload(w http.ResponseWriter, r *http.Request) {
	user, _ := GetUser(r.Context())
	vars := mux.Vars(r)
	path := r.URL.Query().Get("path")
	if path == "" {
		s.BadRequest(w, "path is required")
		return
	}

	_, username, ok := s.sftpTarget(w, r)
	if !ok {
		return
	}

	// Reuse the grant pipeline so streaming logic lives in one place
	grant := s.tickets.Issue(ticket.Ticket{
		Purpose:  ticket.PurposeDownload,
		UserID:   user.ID,
		TunnelID: vars["serverId"],
		Username: username,
		Path:     path,
	}, sessionTicketTTL)

	s.streamDownload(w, r, grant)
}

func (s *Server) handleSFTPUpload(w http.ResponseWriter, r *http.Request) {
	user, _ := GetUser(r.Context())
	vars := mux.Vars(r)
	dest := r.URL.Query().Get("destination_path")
	if dest == "" {
		s.BadRequest(w, "destination_path is required")
		return
	}

	_, username, ok := s.sftpTarget(w, r)
	if !ok {
		return
	}

	file, header, err := r.FormFile("file")
	if err != nil {
		s.BadRequest(w, "file is required")
		return
	}
	defer file.Close()

	grant := s.tickets.Issue(ticket.Ticket{
		Purpose:  ticket.PurposeUpload,
		UserID:   user.ID,
		TunnelID: vars["serverId"],
		Username: username,
		Path:     dest + "/" + header.Filename,
	}, sessionTicketTTL)

	if err := s.transfers.Upload(r.Context(), grant, file); err != nil {
		s.RespondDomainError(w, err)
		return
	}
	s.respondJSON(w, http.StatusOK, map[string]string{"success": "File uploaded successfully"})
}

// ---- transfer grants ----

func (s *Server) handleTransferUpload(w http.ResponseWriter, r *http.Request) {
	grant := mux.Vars(r)["grant"]

	var body io.Reader = r.Body
	// Browsers POST multipart; curl-style callers stream raw bytes
	if file, _, err := r.FormFile("file"); err == nil {
		defer file.Close()
		body = file
	}

	counted := &countingReader{r: body}
	if err := s.transfers.Upload(r.Context(), grant, counted); err != nil {
		if errors.Is(err, session.ErrGrantInvalid) {
			s.ErrorResponse(w, http.StatusForbidden, NewAPIError(ErrCodeGrantInvalid, err.Error()))
			return
		}
		s.RespondDomainError(w, err)
		return
	}
	s.metrics.TransferBytes.WithLabelValues("upload").Add(float64(counted.n))
	s.respondJSON(w, http.StatusOK, map[string]string{"success": "File uploaded successfully"})
}

func (s *Server) handleTransferDownload(w http.ResponseWriter, r *http.Request) {
	s.streamDownload(w, r, mux.Vars(r)["grant"])
}

func (s *Server) streamDownload(w http.ResponseWriter, r *http.Request, grant string) {
	stream, filename, err := s.transfers.Download(r.Context(), grant)
	if err != nil {
		if errors.Is(err, session.ErrGrantInvalid) {
			s.ErrorResponse(w, http.StatusForbidden, NewAPIError(ErrCodeGrantInvalid, err.Error()))
			return
		}
		s.RespondDomainError(w, err)
		return
	}
	defer stream.Close()

	w.Header().Set("Content-Type", "application/octet-stream")
	w.Header().Set("Content-Disposition", fmt.Sprintf("attachment; filename=%q", filename))

	n, err := io.Copy(w, stream)
	if err != nil {
		// Headers are already out; nothing left but to drop the connection
		s.logger.Error().Err(err).Str("filename", filename).Msg("Download failed mid-stream")
	}
	s.metrics.TransferBytes.WithLabelValues("download").Add(float64(n))
}

type countingReader struct {
	r io.Reader
	n int64
}

func (c *countingReader) Read(p []byte) (int, error) {
	n, err := c.r.Read(p)
	c.n += int64(n)
	return n, err
}
