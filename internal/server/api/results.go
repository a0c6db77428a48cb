package api

import (
	"encoding/json"
	"errors"
	"io"
	"net/http"
	"strconv"
	"time"

	"github.com/go-chi/chi/v5"
	"go.uber.org/zap"

	"github.com/canonical/testflinger/internal/server/db"
	"github.com/canonical/testflinger/internal/server/repositories"
	"github.com/canonical/testflinger/internal/server/storage"
	"github.com/canonical/testflinger/internal/types"
)

// maxResultBytes caps result documents at the size the document store can
// hold. Larger posts are rejected before anything is written.
const maxResultBytes = 16 << 20

// ResultHandler groups the result, artifact, and log handlers.
type ResultHandler struct {
	jobs      repositories.JobRepository
	fragments repositories.FragmentRepository
	objects   *storage.ObjectStore
	logger    *zap.Logger
}

// NewResultHandler creates a new ResultHandler.
func NewResultHandler(
	jobs repositories.JobRepository,
	fragments repositories.FragmentRepository,
	objects *storage.ObjectStore,
	logger *zap.Logger,
) *ResultHandler {
	return &ResultHandler{
		jobs:      jobs,
		fragments: fragments,
		objects:   objects,
		logger:    logger.Named("result_handler"),
	}
}

// -----------------------------------------------------------------------------
// Result document
// -----------------------------------------------------------------------------

// Post handles POST /v1/result/{id}. The body is merged by top-level key into
// the stored result document; a job_state key is lifted out and applied to
// the job's lifecycle state instead.
func (h *ResultHandler) Post(w http.ResponseWriter, r *http.Request) {
	id, ok := parseJobID(w, r)
	if !ok {
		return
	}

	body, err := io.ReadAll(http.MaxBytesReader(w, r.Body, maxResultBytes))
	if err != nil {
		var tooLarge *http.MaxBytesError
		if errors.As(err, &tooLarge) {
			ErrTooLarge(w, "result document exceeds the storage limit")
			return
		}
		ErrBadRequest(w, "unable to read request body")
		return
	}

	partial := map[string]any{}
	if err := json.Unmarshal(body, &partial); err != nil {
		ErrBadRequest(w, "invalid result document: "+err.Error())
		return
	}

	if raw, ok := partial["job_state"]; ok {
		delete(partial, "job_state")
		state, _ := raw.(string)
		if !types.ValidJobState(types.JobState(state)) {
			ErrBadRequest(w, "invalid job_state: "+state)
			return
		}
		if err := h.jobs.SetState(r.Context(), id, types.JobState(state)); err != nil {
			if errors.Is(err, repositories.ErrNotFound) {
				ErrNotFound(w, "job not found")
				return
			}
			h.logger.Error("job state update failed", zap.String("job_id", id), zap.Error(err))
			ErrInternal(w)
			return
		}
	}

	if len(partial) > 0 {
		if err := h.jobs.MergeResult(r.Context(), id, partial); err != nil {
			if errors.Is(err, repositories.ErrNotFound) {
				ErrNotFound(w, "job not found")
				return
			}
			h.logger.Error("result merge failed", zap.String("job_id", id), zap.Error(err))
			ErrInternal(w)
			return
		}
	}
	Ok(w, map[string]string{})
}

// Get handles GET /v1/result/{id}. Legacy per-phase log fields are
// reconstructed from the fragment store unless the stored document already
// carries them inline (results posted by older agents).
func (h *ResultHandler) Get(w http.ResponseWriter, r *http.Request) {
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

	result, err := h.jobs.GetResult(r.Context(), id)
	if err != nil {
		h.logger.Error("result get failed", zap.String("job_id", id), zap.Error(err))
		ErrInternal(w)
		return
	}

	if err := h.fillPhaseLogs(r, id, result, types.LogTypeOutput, types.PhaseOutputKey); err != nil {
		h.logger.Error("log reconstruction failed", zap.String("job_id", id), zap.Error(err))
		ErrInternal(w)
		return
	}
	if err := h.fillPhaseLogs(r, id, result, types.LogTypeSerial, types.PhaseSerialKey); err != nil {
		h.logger.Error("log reconstruction failed", zap.String("job_id", id), zap.Error(err))
		ErrInternal(w)
		return
	}

	result["job_state"] = job.State
	Ok(w, result)
}

// fillPhaseLogs assembles "<phase>_output" / "<phase>_serial" fields from the
// fragment store for phases the stored document does not already cover.
func (h *ResultHandler) fillPhaseLogs(r *http.Request, jobID string, result map[string]any, logType types.LogType, key func(types.Phase) string) error {
	frags, err := h.fragments.List(r.Context(), jobID, logType, repositories.FragmentFilter{})
	if err != nil {
		return err
	}
	assembled := map[string]string{}
	for _, f := range frags {
		assembled[f.Phase] += f.LogData
	}
	for _, p := range types.AllPhases {
		text, ok := assembled[string(p)]
		if !ok || text == "" {
			continue
		}
		if _, exists := result[key(p)]; exists {
			continue
		}
		result[key(p)] = text
	}
	return nil
}

// -----------------------------------------------------------------------------
// Artifacts
// -----------------------------------------------------------------------------

// PostArtifact handles POST /v1/result/{id}/artifact, streaming the uploaded
// archive into the blob store.
func (h *ResultHandler) PostArtifact(w http.ResponseWriter, r *http.Request) {
	id, ok := parseJobID(w, r)
	if !ok {
		return
	}

	if _, err := h.jobs.Get(r.Context(), id); err != nil {
		if errors.Is(err, repositories.ErrNotFound) {
			ErrNotFound(w, "job not found")
			return
		}
		h.logger.Error("job get failed", zap.String("job_id", id), zap.Error(err))
		ErrInternal(w)
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
		if err := h.objects.Put(r.Context(), storage.ArtifactKey(id), part); err != nil {
			h.logger.Error("artifact store failed", zap.String("job_id", id), zap.Error(err))
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
	Ok(w, map[string]string{})
}

// GetArtifact handles GET /v1/result/{id}/artifact.
func (h *ResultHandler) GetArtifact(w http.ResponseWriter, r *http.Request) {
	id, ok := parseJobID(w, r)
	if !ok {
		return
	}

	rc, err := h.objects.Get(r.Context(), storage.ArtifactKey(id))
	if err != nil {
		if errors.Is(err, storage.ErrNotFound) {
			NoContent(w)
			return
		}
		h.logger.Error("artifact read failed", zap.String("job_id", id), zap.Error(err))
		ErrInternal(w)
		return
	}
	defer rc.Close()

	w.Header().Set("Content-Type", "application/gzip")
	w.Header().Set("Content-Disposition", `attachment; filename="artifact.tar.gz"`)
	w.WriteHeader(http.StatusOK)
	if _, err := io.Copy(w, rc); err != nil {
		h.logger.Warn("artifact stream interrupted", zap.String("job_id", id), zap.Error(err))
	}
}

// -----------------------------------------------------------------------------
// Log fragments
// -----------------------------------------------------------------------------

// parseLogType extracts and validates the {log_type} path parameter.
func parseLogType(w http.ResponseWriter, r *http.Request) (types.LogType, bool) {
	lt := types.LogType(chi.URLParam(r, "log_type"))
	if !types.ValidLogType(lt) {
		ErrBadRequest(w, "log type must be one of: output, serial")
		return "", false
	}
	return lt, true
}

// PostLog handles POST /v1/result/{id}/log/{log_type}. Fragments may arrive
// out of order and may be retried; storage is idempotent per fragment number.
func (h *ResultHandler) PostLog(w http.ResponseWriter, r *http.Request) {
	id, ok := parseJobID(w, r)
	if !ok {
		return
	}
	logType, ok := parseLogType(w, r)
	if !ok {
		return
	}

	var frag types.LogFragment
	if !decodeJSON(w, r, &frag) {
		return
	}
	if frag.Phase == "" {
		ErrBadRequest(w, "fragment has no phase")
		return
	}
	if frag.FragmentNumber < 0 {
		ErrBadRequest(w, "fragment_number must be non-negative")
		return
	}

	if _, err := h.jobs.Get(r.Context(), id); err != nil {
		if errors.Is(err, repositories.ErrNotFound) {
			ErrNotFound(w, "job not found")
			return
		}
		h.logger.Error("job get failed", zap.String("job_id", id), zap.Error(err))
		ErrInternal(w)
		return
	}

	ts := frag.Timestamp
	if ts.IsZero() {
		ts = time.Now().UTC()
	}
	err := h.fragments.Append(r.Context(), &db.LogFragment{
		JobID:          id,
		LogType:        string(logType),
		Phase:          string(frag.Phase),
		FragmentNumber: frag.FragmentNumber,
		Timestamp:      ts,
		LogData:        frag.LogData,
	})
	if err != nil {
		h.logger.Error("fragment append failed", zap.String("job_id", id), zap.Error(err))
		ErrInternal(w)
		return
	}
	Ok(w, map[string]string{})
}

// phaseLog is one phase's assembled log in the GetLog response.
type phaseLog struct {
	LastFragmentNumber int    `json:"last_fragment_number"`
	LogData            string `json:"log_data"`
}

// GetLog handles GET /v1/result/{id}/log/{log_type}. Supported filters:
// start_fragment (inclusive), start_timestamp (exclusive, RFC 3339), phase.
func (h *ResultHandler) GetLog(w http.ResponseWriter, r *http.Request) {
	id, ok := parseJobID(w, r)
	if !ok {
		return
	}
	logType, ok := parseLogType(w, r)
	if !ok {
		return
	}

	filter := repositories.FragmentFilter{Phase: r.URL.Query().Get("phase")}
	if raw := r.URL.Query().Get("start_fragment"); raw != "" {
		n, err := strconv.Atoi(raw)
		if err != nil {
			ErrBadRequest(w, "start_fragment must be an integer")
			return
		}
		filter.StartFragment = &n
	}
	if raw := r.URL.Query().Get("start_timestamp"); raw != "" {
		ts, err := time.Parse(time.RFC3339, raw)
		if err != nil {
			ErrBadRequest(w, "start_timestamp must be an RFC 3339 timestamp")
			return
		}
		filter.StartTimestamp = &ts
	}

	frags, err := h.fragments.List(r.Context(), id, logType, filter)
	if err != nil {
		h.logger.Error("fragment list failed", zap.String("job_id", id), zap.Error(err))
		ErrInternal(w)
		return
	}

	phases := map[string]phaseLog{}
	for _, f := range frags {
		entry, ok := phases[f.Phase]
		if !ok {
			entry = phaseLog{LastFragmentNumber: -1}
		}
		entry.LogData += f.LogData
		entry.LastFragmentNumber = f.FragmentNumber
		phases[f.Phase] = entry
	}
	Ok(w, map[string]any{string(logType): phases})
}

// -----------------------------------------------------------------------------
// Legacy text endpoints
// -----------------------------------------------------------------------------

// legacyAppend serves the deprecated raw-text log posts. Chunks carry no
// numbering, so the next fragment number is assigned server-side; the phase
// is taken from the job's current state.
func (h *ResultHandler) legacyAppend(w http.ResponseWriter, r *http.Request, logType types.LogType) {
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

	body, err := io.ReadAll(http.MaxBytesReader(w, r.Body, 1<<20))
	if err != nil {
		ErrBadRequest(w, "unable to read request body")
		return
	}

	phase := types.Phase(job.State)
	if phase.Rank() < 0 {
		phase = "unknown"
	}
	if err := h.fragments.AppendNext(r.Context(), id, logType, phase, string(body)); err != nil {
		h.logger.Error("legacy log append failed", zap.String("job_id", id), zap.Error(err))
		ErrInternal(w)
		return
	}
	Text(w, http.StatusOK, "OK")
}

// legacyDrain serves the deprecated live-tail reads: each call returns the
// text that arrived since the previous call and advances a per-job cursor.
func (h *ResultHandler) legacyDrain(w http.ResponseWriter, r *http.Request, logType types.LogType) {
	id, ok := parseJobID(w, r)
	if !ok {
		return
	}

	out, err := h.fragments.Drain(r.Context(), id, logType)
	if err != nil {
		h.logger.Error("legacy log drain failed", zap.String("job_id", id), zap.Error(err))
		ErrInternal(w)
		return
	}
	if out == "" {
		NoContent(w)
		return
	}
	Text(w, http.StatusOK, out)
}

// PostOutput handles POST /v1/result/{id}/output (deprecated).
func (h *ResultHandler) PostOutput(w http.ResponseWriter, r *http.Request) {
	h.legacyAppend(w, r, types.LogTypeOutput)
}

// GetOutput handles GET /v1/result/{id}/output (deprecated).
func (h *ResultHandler) GetOutput(w http.ResponseWriter, r *http.Request) {
	h.legacyDrain(w, r, types.LogTypeOutput)
}

// PostSerialOutput handles POST /v1/result/{id}/serial_output (deprecated).
func (h *ResultHandler) PostSerialOutput(w http.ResponseWriter, r *http.Request) {
	h.legacyAppend(w, r, types.LogTypeSerial)
}

// GetSerialOutput handles GET /v1/result/{id}/serial_output (deprecated).
func (h *ResultHandler) GetSerialOutput(w http.ResponseWriter, r *http.Request) {
	h.legacyDrain(w, r, types.LogTypeSerial)
}
