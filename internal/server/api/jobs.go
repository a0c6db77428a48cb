package api

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"io"
	"net/http"
	"sort"
	"strconv"
	"strings"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/google/uuid"
	"go.uber.org/zap"

	"github.com/canonical/testflinger/internal/server/db"
	"github.com/canonical/testflinger/internal/server/metrics"
	"github.com/canonical/testflinger/internal/server/repositories"
	"github.com/canonical/testflinger/internal/server/secrets"
	"github.com/canonical/testflinger/internal/server/storage"
	"github.com/canonical/testflinger/internal/types"
)

const (
	// defaultMaxReservation is the reserve timeout anyone may request without
	// credentials, in seconds. Larger values need a per-client grant.
	defaultMaxReservation = 6 * 60 * 60

	// defaultWebhookTimeout bounds the proxied status-webhook call.
	defaultWebhookTimeout = 3 * time.Second
)

// JobHandler groups the job submission, dispatch, and lifecycle handlers.
type JobHandler struct {
	jobs    repositories.JobRepository
	queues  repositories.QueueRepository
	objects *storage.ObjectStore
	secrets secrets.Store // nil when no secrets store is configured
	webhook *http.Client
	logger  *zap.Logger
}

// NewJobHandler creates a new JobHandler. secretStore may be nil; jobs
// referencing secrets are then rejected at submission.
func NewJobHandler(
	jobs repositories.JobRepository,
	queues repositories.QueueRepository,
	objects *storage.ObjectStore,
	secretStore secrets.Store,
	webhookTimeout time.Duration,
	logger *zap.Logger,
) *JobHandler {
	if webhookTimeout <= 0 {
		webhookTimeout = defaultWebhookTimeout
	}
	return &JobHandler{
		jobs:    jobs,
		queues:  queues,
		objects: objects,
		secrets: secretStore,
		webhook: &http.Client{Timeout: webhookTimeout},
		logger:  logger.Named("job_handler"),
	}
}

// parseJobID extracts and validates the {id} path parameter. Writes a 400
// and returns false for anything that is not a well-formed UUID.
func parseJobID(w http.ResponseWriter, r *http.Request) (string, bool) {
	id := chi.URLParam(r, "id")
	if _, err := uuid.Parse(id); err != nil {
		ErrBadRequest(w, "invalid job id: must be a valid UUID")
		return "", false
	}
	return id, true
}

// jobDocument unmarshals the stored spec and stamps the job id into it.
func jobDocument(job *db.Job) (map[string]any, error) {
	doc := map[string]any{}
	if err := json.Unmarshal([]byte(job.Spec), &doc); err != nil {
		return nil, err
	}
	doc["job_id"] = job.ID
	return doc, nil
}

// -----------------------------------------------------------------------------
// Submission
// -----------------------------------------------------------------------------

// Submit handles POST /v1/job.
// Validation order matters: identity and queue checks first, then the
// policy checks that may require credentials, then secrets reachability.
func (h *JobHandler) Submit(w http.ResponseWriter, r *http.Request) {
	body, err := io.ReadAll(http.MaxBytesReader(w, r.Body, 1<<20))
	if err != nil {
		ErrBadRequest(w, "unable to read request body")
		return
	}

	var spec types.JobSpec
	if err := json.Unmarshal(body, &spec); err != nil {
		ErrBadRequest(w, "invalid job body: "+err.Error())
		return
	}
	// Keep the raw document too: unknown fields must survive the round trip
	// to the agent untouched.
	doc := map[string]any{}
	if err := json.Unmarshal(body, &doc); err != nil {
		ErrBadRequest(w, "invalid job body: "+err.Error())
		return
	}

	jobID := spec.JobID
	if jobID != "" {
		if _, err := uuid.Parse(jobID); err != nil {
			ErrBadRequest(w, "invalid job_id: must be a valid UUID")
			return
		}
	} else {
		jobID = uuid.NewString()
	}

	if strings.TrimSpace(spec.JobQueue) == "" {
		ErrUnprocessable(w, "the job has no job_queue")
		return
	}
	if spec.JobPriority < 0 {
		ErrUnprocessable(w, "job_priority must be a non-negative integer")
		return
	}

	claims := claimsFromCtx(r.Context())

	// Restricted queue: submitters must hold an entitlement for the queue.
	if _, err := h.queues.GetRestricted(r.Context(), spec.JobQueue); err == nil {
		if claims == nil {
			ErrUnauthorized(w, "authentication required to push to the restricted queue "+spec.JobQueue)
			return
		}
		if !claims.Permissions.QueueAllowed(spec.JobQueue) {
			ErrForbidden(w, "not allowed to push to the restricted queue "+spec.JobQueue)
			return
		}
	} else if !errors.Is(err, repositories.ErrNotFound) {
		h.logger.Error("restricted queue lookup failed", zap.Error(err))
		ErrInternal(w)
		return
	}

	// Priority above zero needs a matching per-client grant.
	if spec.JobPriority > 0 {
		if claims == nil {
			ErrUnauthorized(w, "authentication required to push jobs with priority")
			return
		}
		if claims.Permissions.EffectiveMaxPriority(spec.JobQueue) < spec.JobPriority {
			ErrForbidden(w, "not allowed to push jobs with priority "+strconv.Itoa(spec.JobPriority))
			return
		}
	}

	// Reservations beyond the open default need a grant as well.
	if timeout := reservationTimeout(spec.ReserveData); timeout > defaultMaxReservation {
		if claims == nil {
			ErrUnauthorized(w, "authentication required to reserve for more than "+strconv.Itoa(defaultMaxReservation)+" seconds")
			return
		}
		if claims.Permissions.EffectiveMaxReservation(spec.JobQueue) < timeout {
			ErrForbidden(w, "not allowed to reserve for "+strconv.Itoa(timeout)+" seconds")
			return
		}
	}

	owner := ""
	if paths := spec.Secrets(); len(paths) > 0 {
		if h.secrets == nil {
			ErrUnprocessable(w, "this server has no secrets store configured")
			return
		}
		if claims == nil {
			ErrUnauthorized(w, "authentication required to use secrets")
			return
		}
		owner = claims.Permissions.ClientID
		seen := map[string]bool{}
		var inaccessible []string
		for _, path := range paths {
			if seen[path] {
				continue
			}
			seen[path] = true
			if _, err := h.secrets.Read(r.Context(), owner, path); err != nil {
				var access *secrets.AccessError
				if errors.As(err, &access) {
					inaccessible = append(inaccessible, path)
					continue
				}
				h.logger.Error("secret validation failed", zap.String("path", path), zap.Error(err))
				ErrInternal(w)
				return
			}
		}
		if len(inaccessible) > 0 {
			sort.Strings(inaccessible)
			ErrUnprocessable(w, "inaccessible secret paths: "+strings.Join(inaccessible, ", "))
			return
		}
	}

	attachmentsStatus := types.AttachmentsNone
	if spec.HasAttachments() {
		attachmentsStatus = types.AttachmentsWaiting
	}

	doc["job_id"] = jobID
	stored, err := json.Marshal(doc)
	if err != nil {
		h.logger.Error("marshal job spec failed", zap.Error(err))
		ErrInternal(w)
		return
	}

	job := db.Job{
		ID:                jobID,
		Queue:             spec.JobQueue,
		Priority:          spec.JobPriority,
		State:             string(types.JobStateWaiting),
		AttachmentsStatus: string(attachmentsStatus),
		Owner:             owner,
		ParentJobID:       spec.ParentJobID,
		Spec:              string(stored),
		Result:            "{}",
	}
	if err := h.jobs.Add(r.Context(), &job, spec.Tags); err != nil {
		if errors.Is(err, repositories.ErrConflict) {
			ErrBadRequest(w, "a job with this job_id already exists")
			return
		}
		h.logger.Error("job insert failed", zap.String("job_id", jobID), zap.Error(err))
		ErrInternal(w)
		return
	}

	metrics.JobSubmitted(spec.JobQueue)
	Ok(w, map[string]string{"job_id": jobID})
}

// reservationTimeout digs the requested reserve timeout out of the reserve
// data block. Zero means none requested.
func reservationTimeout(reserveData map[string]any) int {
	if reserveData == nil {
		return 0
	}
	switch v := reserveData["timeout"].(type) {
	case float64:
		return int(v)
	case string:
		n, _ := strconv.Atoi(v)
		return n
	}
	return 0
}

// -----------------------------------------------------------------------------
// Dispatch
// -----------------------------------------------------------------------------

// Pop handles GET /v1/job?queue=...&queue=...
// Agents long-poll this endpoint anonymously. Restricted-queue entitlements
// are checked once, at submit time; dispatch trusts the queue contents and
// steers restricted work to the right agents via their advertised queues.
func (h *JobHandler) Pop(w http.ResponseWriter, r *http.Request) {
	queueList := r.URL.Query()["queue"]
	if len(queueList) == 0 {
		ErrBadRequest(w, "queue parameter is required")
		return
	}

	job, err := h.jobs.Pop(r.Context(), queueList)
	if err != nil {
		if errors.Is(err, repositories.ErrNotFound) {
			NoContent(w)
			return
		}
		h.logger.Error("job pop failed", zap.Error(err))
		ErrInternal(w)
		return
	}

	doc, err := jobDocument(job)
	if err != nil {
		h.logger.Error("stored job spec is not valid JSON", zap.String("job_id", job.ID), zap.Error(err))
		ErrInternal(w)
		return
	}
	h.resolveSecrets(r.Context(), job, doc)

	metrics.JobDispatched(job.Queue)
	Ok(w, doc)
}

// resolveSecrets substitutes secret values into the dispatched document.
// Paths that cannot be resolved become the empty string: the run proceeds
// and the failure shows up in the device logs, matching CI-platform
// convention.
func (h *JobHandler) resolveSecrets(ctx context.Context, job *db.Job, doc map[string]any) {
	td, ok := doc["test_data"].(map[string]any)
	if !ok {
		return
	}
	raw, ok := td["secrets"]
	if !ok {
		return
	}
	refs, ok := raw.(map[string]any)
	if !ok {
		return
	}
	resolved := make(map[string]string, len(refs))
	for key, rawPath := range refs {
		path, _ := rawPath.(string)
		value := ""
		if h.secrets != nil && path != "" {
			v, err := h.secrets.Read(ctx, job.Owner, path)
			if err == nil {
				value = v
			} else {
				h.logger.Warn("secret resolution failed",
					zap.String("job_id", job.ID),
					zap.String("path", path),
					zap.Error(err),
				)
			}
		}
		resolved[key] = value
	}
	td["secrets"] = resolved
}

// -----------------------------------------------------------------------------
// Retrieval
// -----------------------------------------------------------------------------

// Get handles GET /v1/job/{id}. Unknown jobs are a 204, not a 404 — pollers
// treat both "expired" and "never existed" the same way.
func (h *JobHandler) Get(w http.ResponseWriter, r *http.Request) {
	id, ok := parseJobID(w, r)
	if !ok {
		return
	}

	job, err := h.jobs.Get(r.Context(), id)
	if err != nil {
		if errors.Is(err, repositories.ErrNotFound) {
			NoContent(w)
			return
		}
		h.logger.Error("job get failed", zap.String("job_id", id), zap.Error(err))
		ErrInternal(w)
		return
	}

	doc, err := jobDocument(job)
	if err != nil {
		h.logger.Error("stored job spec is not valid JSON", zap.String("job_id", id), zap.Error(err))
		ErrInternal(w)
		return
	}
	Ok(w, doc)
}

// Position handles GET /v1/job/{id}/position. The response is a bare decimal
// so shell scripts can consume it without a JSON parser.
func (h *JobHandler) Position(w http.ResponseWriter, r *http.Request) {
	id, ok := parseJobID(w, r)
	if !ok {
		return
	}

	pos, err := h.jobs.Position(r.Context(), id)
	switch {
	case errors.Is(err, repositories.ErrNotFound):
		ErrNotFound(w, "job not found")
	case errors.Is(err, repositories.ErrGone):
		ErrGone(w, "the job is no longer waiting")
	case err != nil:
		h.logger.Error("job position failed", zap.String("job_id", id), zap.Error(err))
		ErrInternal(w)
	default:
		Text(w, http.StatusOK, strconv.Itoa(pos))
	}
}

// Search handles GET /v1/job/search?tags=...&match=any|all&state=...
func (h *JobHandler) Search(w http.ResponseWriter, r *http.Request) {
	q := r.URL.Query()

	match := q.Get("match")
	if match == "" {
		match = "any"
	}
	if match != "any" && match != "all" {
		ErrUnprocessable(w, "match must be one of: any, all")
		return
	}

	var states []string
	for _, s := range q["state"] {
		if s == "active" {
			states = append(states, activeStates()...)
			continue
		}
		if !types.ValidJobState(types.JobState(s)) {
			ErrUnprocessable(w, "invalid state filter: "+s)
			return
		}
		states = append(states, s)
	}

	jobs, err := h.jobs.Search(r.Context(), repositories.SearchOptions{
		Tags:     q["tags"],
		MatchAll: match == "all",
		States:   states,
	})
	if err != nil {
		h.logger.Error("job search failed", zap.Error(err))
		ErrInternal(w)
		return
	}

	out := make([]map[string]any, 0, len(jobs))
	for i := range jobs {
		doc, err := jobDocument(&jobs[i])
		if err != nil {
			h.logger.Error("stored job spec is not valid JSON", zap.String("job_id", jobs[i].ID), zap.Error(err))
			continue
		}
		doc["created_at"] = jobs[i].CreatedAt.UTC().Format(time.RFC3339)
		doc["job_state"] = jobs[i].State
		out = append(out, doc)
	}
	Ok(w, out)
}

// activeStates lists every non-terminal job state, for the "active" search
// shorthand.
func activeStates() []string {
	states := []string{
		string(types.JobStateWaiting),
		string(types.JobStateRunning),
		string(types.JobStateAllocated),
	}
	for _, p := range types.AllPhases {
		states = append(states, string(p))
	}
	return states
}

// -----------------------------------------------------------------------------
// Actions
// -----------------------------------------------------------------------------

// Action handles POST /v1/job/{id}/action. Cancel is the only action.
func (h *JobHandler) Action(w http.ResponseWriter, r *http.Request) {
	id, ok := parseJobID(w, r)
	if !ok {
		return
	}

	var body struct {
		Action string `json:"action"`
	}
	if !decodeJSON(w, r, &body) {
		return
	}
	if body.Action != "cancel" {
		ErrUnprocessable(w, "unsupported action: "+body.Action)
		return
	}

	job, err := h.jobs.Get(r.Context(), id)
	if err != nil {
		if errors.Is(err, repositories.ErrNotFound) {
			ErrNotFound(w, "job not found")
			return
		}
		h.logger.Error("job get failed", zap.String("job_id", id), zap.Error(err))
		ErrInternal(w)
		return
	}

	cancelled, err := h.jobs.Cancel(r.Context(), id)
	if err != nil {
		h.logger.Error("job cancel failed", zap.String("job_id", id), zap.Error(err))
		ErrInternal(w)
		return
	}
	if !cancelled {
		ErrBadRequest(w, "the job is already completed or cancelled")
		return
	}

	metrics.JobCancelled(job.Queue)
	Ok(w, map[string]string{})
}

// -----------------------------------------------------------------------------
// Attachments
// -----------------------------------------------------------------------------

// UploadAttachments handles POST /v1/job/{id}/attachments. The archive is
// streamed straight into the blob store; it is never buffered in memory.
func (h *JobHandler) UploadAttachments(w http.ResponseWriter, r *http.Request) {
	id, ok := parseJobID(w, r)
	if !ok {
		return
	}

	job, err := h.jobs.Get(r.Context(), id)
	if err != nil {
		if errors.Is(err, repositories.ErrNotFound) {
			ErrNotFound(w, "job not found")
			return
		}
		h.logger.Error("job get failed", zap.String("job_id", id), zap.Error(err))
		ErrInternal(w)
		return
	}
	if job.AttachmentsStatus != string(types.AttachmentsWaiting) {
		ErrUnprocessable(w, "the job is not awaiting attachments")
		return
	}

	mr, err := r.MultipartReader()
	if err != nil {
		ErrBadRequest(w, "expected a multipart file upload")
		return
	}
	stored := false
	for {
		part, err := mr.NextPart()
		if err == io.EOF {
			break
		}
		if err != nil {
			ErrBadRequest(w, "malformed multipart upload")
			return
		}
		if part.FormName() != "file" {
			continue
		}
		if err := h.objects.Put(r.Context(), storage.AttachmentsKey(id), part); err != nil {
			h.logger.Error("attachment store failed", zap.String("job_id", id), zap.Error(err))
			ErrInternal(w)
			return
		}
		stored = true
		break
	}
	if !stored {
		ErrBadRequest(w, "no file field in upload")
		return
	}

	flipped, err := h.jobs.AttachmentsReceived(r.Context(), id)
	if err != nil {
		h.logger.Error("attachment flag update failed", zap.String("job_id", id), zap.Error(err))
		ErrInternal(w)
		return
	}
	if !flipped {
		ErrUnprocessable(w, "the job is not awaiting attachments")
		return
	}
	Ok(w, map[string]string{})
}

// DownloadAttachments handles GET /v1/job/{id}/attachments.
func (h *JobHandler) DownloadAttachments(w http.ResponseWriter, r *http.Request) {
	id, ok := parseJobID(w, r)
	if !ok {
		return
	}

	rc, err := h.objects.Get(r.Context(), storage.AttachmentsKey(id))
	if err != nil {
		if errors.Is(err, storage.ErrNotFound) {
			NoContent(w)
			return
		}
		h.logger.Error("attachment read failed", zap.String("job_id", id), zap.Error(err))
		ErrInternal(w)
		return
	}
	defer rc.Close()

	w.Header().Set("Content-Type", "application/gzip")
	w.WriteHeader(http.StatusOK)
	if _, err := io.Copy(w, rc); err != nil {
		h.logger.Warn("attachment stream interrupted", zap.String("job_id", id), zap.Error(err))
	}
}

// -----------------------------------------------------------------------------
// Status events
// -----------------------------------------------------------------------------

// Events handles POST /v1/job/{id}/events: the agent's lifecycle events are
// forwarded to the submitter's status webhook. The webhook call is bounded by
// a short timeout so a dead webhook cannot stall the agent.
func (h *JobHandler) Events(w http.ResponseWriter, r *http.Request) {
	id, ok := parseJobID(w, r)
	if !ok {
		return
	}

	body, err := io.ReadAll(http.MaxBytesReader(w, r.Body, 1<<20))
	if err != nil {
		ErrBadRequest(w, "unable to read request body")
		return
	}
	var update map[string]any
	if err := json.Unmarshal(body, &update); err != nil {
		ErrBadRequest(w, "invalid status update: "+err.Error())
		return
	}
	webhook, _ := update["job_status_webhook"].(string)
	if webhook == "" {
		ErrUnprocessable(w, "no job_status_webhook in status update")
		return
	}

	req, err := http.NewRequestWithContext(r.Context(), http.MethodPost, webhook, bytes.NewReader(body))
	if err != nil {
		ErrUnprocessable(w, "invalid job_status_webhook URL")
		return
	}
	req.Header.Set("Content-Type", "application/json")

	resp, err := h.webhook.Do(req)
	if err != nil {
		h.logger.Warn("status webhook call failed",
			zap.String("job_id", id),
			zap.String("webhook", webhook),
			zap.Error(err),
		)
		ErrGatewayTimeout(w, "status webhook did not respond")
		return
	}
	defer resp.Body.Close()

	upstream, _ := io.ReadAll(io.LimitReader(resp.Body, 1<<20))
	Text(w, resp.StatusCode, string(upstream))
}
