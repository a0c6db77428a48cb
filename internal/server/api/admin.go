package api

import (
	"errors"
	"net/http"
	"sort"

	"github.com/go-chi/chi/v5"
	"go.uber.org/zap"

	"github.com/canonical/testflinger/internal/server/auth"
	"github.com/canonical/testflinger/internal/server/repositories"
	"github.com/canonical/testflinger/internal/server/secrets"
	"github.com/canonical/testflinger/internal/types"
)

// protectedClientID is the bootstrap administrator account. It cannot be
// modified or deleted through the API, so a misconfigured admin client can
// never lock everyone out.
const protectedClientID = "testflinger-admin"

// AdminHandler serves restricted-queue administration, client permission
// management, and the client-scoped secrets endpoints.
type AdminHandler struct {
	perms   repositories.PermissionRepository
	queues  repositories.QueueRepository
	secrets secrets.Store
	logger  *zap.Logger
}

// NewAdminHandler creates a new AdminHandler. secretStore may be nil when the
// server runs without a secrets backend.
func NewAdminHandler(
	perms repositories.PermissionRepository,
	queues repositories.QueueRepository,
	secretStore secrets.Store,
	logger *zap.Logger,
) *AdminHandler {
	return &AdminHandler{
		perms:   perms,
		queues:  queues,
		secrets: secretStore,
		logger:  logger.Named("admin_handler"),
	}
}

// -----------------------------------------------------------------------------
// Restricted queues
// -----------------------------------------------------------------------------

// restrictedQueueDoc is the wire form of one restricted queue.
type restrictedQueueDoc struct {
	Queue  string   `json:"queue"`
	Owners []string `json:"owners"`
}

// ListRestrictedQueues handles GET /v1/restricted-queues.
func (h *AdminHandler) ListRestrictedQueues(w http.ResponseWriter, r *http.Request) {
	restricted, err := h.queues.ListRestricted(r.Context())
	if err != nil {
		h.logger.Error("restricted queue list failed", zap.Error(err))
		ErrInternal(w)
		return
	}
	out := make([]restrictedQueueDoc, 0, len(restricted))
	for queue, owners := range restricted {
		out = append(out, restrictedQueueDoc{Queue: queue, Owners: owners})
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Queue < out[j].Queue })
	Ok(w, out)
}

// GetRestrictedQueue handles GET /v1/restricted-queues/{name}.
func (h *AdminHandler) GetRestrictedQueue(w http.ResponseWriter, r *http.Request) {
	name := chi.URLParam(r, "name")

	owners, err := h.queues.GetRestricted(r.Context(), name)
	if err != nil {
		if errors.Is(err, repositories.ErrNotFound) {
			ErrNotFound(w, "queue is not restricted")
			return
		}
		h.logger.Error("restricted queue get failed", zap.String("queue", name), zap.Error(err))
		ErrInternal(w)
		return
	}
	Ok(w, restrictedQueueDoc{Queue: name, Owners: owners})
}

// SetRestrictedQueue handles POST /v1/restricted-queues, marking a queue
// restricted and recording its owner set.
func (h *AdminHandler) SetRestrictedQueue(w http.ResponseWriter, r *http.Request) {
	var doc restrictedQueueDoc
	if !decodeJSON(w, r, &doc) {
		return
	}
	if doc.Queue == "" {
		ErrUnprocessable(w, "queue name is required")
		return
	}
	if err := h.queues.SetRestricted(r.Context(), doc.Queue, doc.Owners); err != nil {
		h.logger.Error("restricted queue set failed", zap.String("queue", doc.Queue), zap.Error(err))
		ErrInternal(w)
		return
	}
	Ok(w, map[string]string{})
}

// DeleteRestrictedQueue handles DELETE /v1/restricted-queues/{name}.
func (h *AdminHandler) DeleteRestrictedQueue(w http.ResponseWriter, r *http.Request) {
	name := chi.URLParam(r, "name")

	if err := h.queues.DeleteRestricted(r.Context(), name); err != nil {
		if errors.Is(err, repositories.ErrNotFound) {
			ErrNotFound(w, "queue is not restricted")
			return
		}
		h.logger.Error("restricted queue delete failed", zap.String("queue", name), zap.Error(err))
		ErrInternal(w)
		return
	}
	Ok(w, map[string]string{})
}

// -----------------------------------------------------------------------------
// Client permissions
// -----------------------------------------------------------------------------

// clientPermissionsRequest is the PUT body: a permissions document plus an
// optional secret. The secret is required when creating a new client.
type clientPermissionsRequest struct {
	types.ClientPermissions
	ClientSecret string `json:"client_secret,omitempty"`
}

// GetClientPermissions handles GET /v1/client-permissions/{id}.
func (h *AdminHandler) GetClientPermissions(w http.ResponseWriter, r *http.Request) {
	clientID := chi.URLParam(r, "id")

	rec, err := h.perms.Get(r.Context(), clientID)
	if err != nil {
		if errors.Is(err, repositories.ErrNotFound) {
			ErrNotFound(w, "client not found")
			return
		}
		h.logger.Error("permission get failed", zap.String("client_id", clientID), zap.Error(err))
		ErrInternal(w)
		return
	}
	permissions, err := auth.PermissionsFromRecord(rec)
	if err != nil {
		h.logger.Error("permission decode failed", zap.String("client_id", clientID), zap.Error(err))
		ErrInternal(w)
		return
	}
	Ok(w, permissions)
}

// PutClientPermissions handles PUT /v1/client-permissions/{id}. The caller's
// role must cover both the target's current role and any role being assigned.
func (h *AdminHandler) PutClientPermissions(w http.ResponseWriter, r *http.Request) {
	clientID := chi.URLParam(r, "id")
	claims := claimsFromCtx(r.Context())

	if clientID == protectedClientID {
		ErrForbidden(w, "this client cannot be modified")
		return
	}

	var req clientPermissionsRequest
	if !decodeJSON(w, r, &req) {
		return
	}
	if !types.ValidRole(req.Role) {
		ErrUnprocessable(w, "invalid role: "+string(req.Role))
		return
	}
	if !claims.Permissions.Role.AtLeast(req.Role) {
		ErrForbidden(w, "cannot assign a role above your own")
		return
	}

	existing, err := h.perms.Get(r.Context(), clientID)
	if err != nil && !errors.Is(err, repositories.ErrNotFound) {
		h.logger.Error("permission get failed", zap.String("client_id", clientID), zap.Error(err))
		ErrInternal(w)
		return
	}

	secretHash := ""
	if existing != nil {
		if !claims.Permissions.Role.AtLeast(types.Role(existing.Role)) {
			ErrForbidden(w, "cannot modify a client above your own role")
			return
		}
		secretHash = existing.SecretHash
	}
	if req.ClientSecret != "" {
		secretHash, err = auth.HashSecret(req.ClientSecret)
		if err != nil {
			h.logger.Error("secret hash failed", zap.Error(err))
			ErrInternal(w)
			return
		}
	}
	if secretHash == "" {
		ErrUnprocessable(w, "client_secret is required when creating a client")
		return
	}

	req.ClientPermissions.ClientID = clientID
	rec, err := auth.RecordFromPermissions(req.ClientPermissions, secretHash)
	if err != nil {
		h.logger.Error("permission encode failed", zap.String("client_id", clientID), zap.Error(err))
		ErrInternal(w)
		return
	}
	if existing != nil {
		rec.CreatedAt = existing.CreatedAt
	}
	if err := h.perms.Put(r.Context(), rec); err != nil {
		h.logger.Error("permission put failed", zap.String("client_id", clientID), zap.Error(err))
		ErrInternal(w)
		return
	}
	Ok(w, map[string]string{})
}

// DeleteClientPermissions handles DELETE /v1/client-permissions/{id}.
func (h *AdminHandler) DeleteClientPermissions(w http.ResponseWriter, r *http.Request) {
	clientID := chi.URLParam(r, "id")
	claims := claimsFromCtx(r.Context())

	if clientID == protectedClientID {
		ErrForbidden(w, "this client cannot be deleted")
		return
	}

	existing, err := h.perms.Get(r.Context(), clientID)
	if err != nil {
		if errors.Is(err, repositories.ErrNotFound) {
			ErrNotFound(w, "client not found")
			return
		}
		h.logger.Error("permission get failed", zap.String("client_id", clientID), zap.Error(err))
		ErrInternal(w)
		return
	}
	if !claims.Permissions.Role.AtLeast(types.Role(existing.Role)) {
		ErrForbidden(w, "cannot delete a client above your own role")
		return
	}
	if err := h.perms.Delete(r.Context(), clientID); err != nil {
		h.logger.Error("permission delete failed", zap.String("client_id", clientID), zap.Error(err))
		ErrInternal(w)
		return
	}
	Ok(w, map[string]string{})
}

// -----------------------------------------------------------------------------
// Client secrets
// -----------------------------------------------------------------------------

// secretRequest is the PUT body for a client secret.
type secretRequest struct {
	Value string `json:"value"`
}

// secretCaller authorizes a secrets call: the caller must be authenticated
// and may only touch its own namespace. No role grants access to another
// client's secrets.
func (h *AdminHandler) secretCaller(w http.ResponseWriter, r *http.Request) (clientID, path string, ok bool) {
	claims := claimsFromCtx(r.Context())
	if claims == nil {
		ErrUnauthorized(w, "authentication required")
		return "", "", false
	}
	clientID = chi.URLParam(r, "client_id")
	if claims.Permissions.ClientID != clientID {
		ErrForbidden(w, "clients may only manage their own secrets")
		return "", "", false
	}
	if h.secrets == nil {
		ErrBadRequest(w, "this server has no secrets store configured")
		return "", "", false
	}
	path = chi.URLParam(r, "*")
	if path == "" {
		ErrUnprocessable(w, "secret path is required")
		return "", "", false
	}
	return clientID, path, true
}

// PutSecret handles PUT /v1/secrets/{client_id}/{path...}.
func (h *AdminHandler) PutSecret(w http.ResponseWriter, r *http.Request) {
	clientID, path, ok := h.secretCaller(w, r)
	if !ok {
		return
	}

	var req secretRequest
	if !decodeJSON(w, r, &req) {
		return
	}
	if req.Value == "" {
		ErrUnprocessable(w, "value is required")
		return
	}

	if err := h.secrets.Write(r.Context(), clientID, path, req.Value); err != nil {
		var denied *secrets.AccessError
		if errors.As(err, &denied) {
			ErrForbidden(w, "the secrets backend denied the write")
			return
		}
		h.logger.Error("secret write failed",
			zap.String("client_id", clientID), zap.String("path", path), zap.Error(err))
		ErrInternal(w)
		return
	}
	Ok(w, map[string]string{})
}

// DeleteSecret handles DELETE /v1/secrets/{client_id}/{path...}. Deleting a
// secret that does not exist succeeds.
func (h *AdminHandler) DeleteSecret(w http.ResponseWriter, r *http.Request) {
	clientID, path, ok := h.secretCaller(w, r)
	if !ok {
		return
	}

	if err := h.secrets.Delete(r.Context(), clientID, path); err != nil {
		var denied *secrets.AccessError
		if errors.As(err, &denied) {
			ErrForbidden(w, "the secrets backend denied the delete")
			return
		}
		h.logger.Error("secret delete failed",
			zap.String("client_id", clientID), zap.String("path", path), zap.Error(err))
		ErrInternal(w)
		return
	}
	Ok(w, map[string]string{})
}
