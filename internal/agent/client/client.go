// Package client implements the agent's HTTP session with the Testflinger
// server. It handles:
//   - Job polling (GET /v1/job across the agent's queues, steered by the
//     restricted-queue markings on the server's own record of this agent)
//   - Agent registration and state reporting (POST /v1/agents/data/{name})
//   - Result documents, live log fragments, and provision-log entries
//   - Attachment download and artifact upload (tar.gz archives)
//   - Status events forwarded to the job's webhook
//   - Outcome transmission, leaving the rundir on disk when the server is
//     unreachable so the caller can park it for a later retry
//
// Every request goes through one retrying session: transport errors and
// gateway-class statuses (500, 502, 503, 504) are retried with exponential
// backoff, and cookies set by a load balancer are replayed on every call so
// consecutive requests land on the same backend.
package client

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/http/cookiejar"
	"net/url"
	"sort"
	"strings"
	"time"

	"github.com/hashicorp/go-retryablehttp"
	"go.uber.org/zap"

	"github.com/canonical/testflinger/internal/types"
)

const (
	// retryMax caps the retries of one logical request: with the initial
	// attempt a request hits the wire at most five times.
	retryMax     = 4
	retryWaitMin = 300 * time.Millisecond
	retryWaitMax = 10 * time.Second

	// Per-operation deadlines. Transfers get a generous budget because
	// attachment archives and artifact tarballs can run to gigabytes.
	pollTimeout     = 30 * time.Second
	resultTimeout   = 30 * time.Second
	logTimeout      = 60 * time.Second
	eventTimeout    = 3 * time.Second
	transferTimeout = 600 * time.Second

	// Probe backoff bounds for WaitForServer.
	probeBackoffInitial = 30 * time.Second
	probeBackoffMax     = 180 * time.Second

	// maxBodyBytes caps how much of a response body is read into memory.
	maxBodyBytes = 8 << 20
)

// Rundir file names shared between the client and the run loop: the job
// document is written when a job is claimed, and the outcome document
// accumulates per-phase results until the run ends and the rundir is shipped.
const (
	JobFileName     = "testflinger.json"
	OutcomeFileName = "testflinger-outcome.json"
)

// Client is the agent's session with one Testflinger server. All methods are
// safe for concurrent use.
type Client struct {
	server  string // normalized base URL without trailing slash
	agentID string
	queues  []string // configured queue list, in config order
	rc      *retryablehttp.Client
	logger  *zap.Logger
}

// New creates a Client for the given server address. queues is the agent's
// configured queue list; CheckJobs may narrow it per poll when the server
// marks some of those queues restricted.
func New(serverAddress, agentID string, queues []string, logger *zap.Logger) (*Client, error) {
	u, err := url.Parse(serverAddress)
	if err != nil {
		return nil, fmt.Errorf("client: invalid server address %q: %w", serverAddress, err)
	}
	if u.Scheme != "http" && u.Scheme != "https" {
		return nil, fmt.Errorf("client: invalid server address %q: scheme must be http or https", serverAddress)
	}

	jar, err := cookiejar.New(nil)
	if err != nil {
		return nil, fmt.Errorf("client: create cookie jar: %w", err)
	}

	log := logger.Named("client")

	rc := retryablehttp.NewClient()
	rc.RetryMax = retryMax
	rc.RetryWaitMin = retryWaitMin
	rc.RetryWaitMax = retryWaitMax
	rc.Logger = leveledLogger{log.Sugar()}
	rc.CheckRetry = retryPolicy
	// The jar lives on the inner client so retried attempts replay cookies
	// set by earlier ones.
	rc.HTTPClient.Jar = jar

	return &Client{
		server:  strings.TrimRight(u.String(), "/"),
		agentID: agentID,
		queues:  append([]string(nil), queues...),
		rc:      rc,
		logger:  log,
	}, nil
}

// retryPolicy retries transport errors and the gateway-class statuses a load
// balancer emits while the pool behind it turns over. POSTs are retried too:
// every mutating endpoint on the server is idempotent per job.
func retryPolicy(ctx context.Context, resp *http.Response, err error) (bool, error) {
	if ctx.Err() != nil {
		return false, ctx.Err()
	}
	if err != nil {
		return true, nil
	}
	switch resp.StatusCode {
	case http.StatusInternalServerError,
		http.StatusBadGateway,
		http.StatusServiceUnavailable,
		http.StatusGatewayTimeout:
		return true, nil
	}
	return false, nil
}

// leveledLogger adapts the agent's zap logger to the session's logging
// interface so retry chatter lands in the same stream as everything else.
type leveledLogger struct {
	s *zap.SugaredLogger
}

var _ retryablehttp.LeveledLogger = leveledLogger{}

func (l leveledLogger) Error(msg string, keysAndValues ...any) { l.s.Errorw(msg, keysAndValues...) }
func (l leveledLogger) Info(msg string, keysAndValues ...any)  { l.s.Infow(msg, keysAndValues...) }
func (l leveledLogger) Debug(msg string, keysAndValues ...any) { l.s.Debugw(msg, keysAndValues...) }
func (l leveledLogger) Warn(msg string, keysAndValues ...any)  { l.s.Warnw(msg, keysAndValues...) }

// url joins the server base with a path that already begins with "/".
func (c *Client) url(path string) string {
	return c.server + path
}

// do issues one request with a per-operation deadline and returns the status
// code and the response body. body may be nil, a []byte, or any rewindable
// type the session accepts.
func (c *Client) do(ctx context.Context, timeout time.Duration, method, path string, body any, contentType string) (int, []byte, error) {
	tctx, cancel := context.WithTimeout(ctx, timeout)
	defer cancel()

	req, err := retryablehttp.NewRequestWithContext(tctx, method, c.url(path), body)
	if err != nil {
		return 0, nil, err
	}
	if contentType != "" {
		req.Header.Set("Content-Type", contentType)
	}

	resp, err := c.rc.Do(req)
	if err != nil {
		return 0, nil, err
	}
	defer resp.Body.Close()

	data, err := io.ReadAll(io.LimitReader(resp.Body, maxBodyBytes))
	if err != nil {
		return resp.StatusCode, nil, err
	}
	return resp.StatusCode, data, nil
}

func (c *Client) get(ctx context.Context, timeout time.Duration, path string) (int, []byte, error) {
	return c.do(ctx, timeout, http.MethodGet, path, nil, "")
}

func (c *Client) postJSON(ctx context.Context, timeout time.Duration, path string, payload any) (int, []byte, error) {
	raw, err := json.Marshal(payload)
	if err != nil {
		return 0, nil, err
	}
	return c.do(ctx, timeout, http.MethodPost, path, raw, "application/json")
}

// apiError summarizes a non-2xx response for the caller's error wrap.
func apiError(status int, body []byte) error {
	msg := strings.TrimSpace(string(body))
	if len(msg) > 200 {
		msg = msg[:200]
	}
	if msg == "" {
		return fmt.Errorf("server returned %d", status)
	}
	return fmt.Errorf("server returned %d: %s", status, msg)
}

// -----------------------------------------------------------------------------
// Job polling
// -----------------------------------------------------------------------------

// Job pairs the decoded spec with the exact document the server sent, so
// fields the agent does not interpret survive into the rundir's
// testflinger.json untouched.
type Job struct {
	Spec types.JobSpec
	Raw  json.RawMessage
}

// CheckJobs asks the server for the next job on this agent's queues and
// returns nil when no work is waiting.
//
// The poll is steered by the server's record of this agent: when that record
// marks some of the agent's queues restricted, only the restricted ones are
// polled, so a device can be pulled aside for exclusive use without a config
// change or an agent restart.
//
// A 401 means the server no longer recognizes the agent (fresh database,
// rotated credentials). The agent re-registers and reports no work; the next
// poll runs against the new registration.
func (c *Client) CheckJobs(ctx context.Context) (*Job, error) {
	q := url.Values{}
	for _, queue := range c.pollQueues(ctx) {
		q.Add("queue", queue)
	}

	status, body, err := c.get(ctx, pollTimeout, "/v1/job?"+q.Encode())
	if err != nil {
		return nil, fmt.Errorf("client: check jobs: %w", err)
	}
	switch status {
	case http.StatusOK:
		var spec types.JobSpec
		if err := json.Unmarshal(body, &spec); err != nil {
			return nil, fmt.Errorf("client: check jobs: decode job: %w", err)
		}
		return &Job{Spec: spec, Raw: body}, nil
	case http.StatusNoContent:
		return nil, nil
	case http.StatusUnauthorized:
		c.logger.Warn("server does not recognize this agent, re-registering")
		if err := c.Register(ctx); err != nil {
			c.logger.Warn("re-registration failed", zap.Error(err))
		}
		return nil, nil
	default:
		return nil, fmt.Errorf("client: check jobs: %w", apiError(status, body))
	}
}

// pollQueues decides which queues this poll cycle requests. The server record
// wins when it marks queues restricted; otherwise the configured list is used
// as-is.
func (c *Client) pollQueues(ctx context.Context) []string {
	data, err := c.GetAgentData(ctx)
	if err != nil {
		// A missing record is normal before the first registration.
		c.logger.Debug("agent record unavailable, polling configured queues", zap.Error(err))
		return c.queues
	}
	if len(data.RestrictedTo) == 0 {
		return c.queues
	}
	restricted := make([]string, 0, len(data.RestrictedTo))
	for queue := range data.RestrictedTo {
		restricted = append(restricted, queue)
	}
	sort.Strings(restricted)
	return restricted
}

// Register creates or refreshes this agent's server-side record. The explicit
// empty job_id clears any stale assignment left over from a previous life.
func (c *Client) Register(ctx context.Context) error {
	empty := ""
	return c.PostAgentData(ctx, types.AgentData{JobID: &empty})
}

// -----------------------------------------------------------------------------
// Agent record
// -----------------------------------------------------------------------------

// GetAgentData fetches this agent's record.
func (c *Client) GetAgentData(ctx context.Context) (*types.AgentData, error) {
	status, body, err := c.get(ctx, resultTimeout, "/v1/agents/data/"+url.PathEscape(c.agentID))
	if err != nil {
		return nil, fmt.Errorf("client: get agent data: %w", err)
	}
	if status != http.StatusOK {
		return nil, fmt.Errorf("client: get agent data: %w", apiError(status, body))
	}
	var data types.AgentData
	if err := json.Unmarshal(body, &data); err != nil {
		return nil, fmt.Errorf("client: get agent data: decode: %w", err)
	}
	return &data, nil
}

// PostAgentData patches this agent's record. Zero-valued fields leave the
// stored record unchanged.
func (c *Client) PostAgentData(ctx context.Context, patch types.AgentData) error {
	status, body, err := c.postJSON(ctx, resultTimeout, "/v1/agents/data/"+url.PathEscape(c.agentID), patch)
	if err != nil {
		return fmt.Errorf("client: post agent data: %w", err)
	}
	if status != http.StatusOK {
		return fmt.Errorf("client: post agent data: %w", apiError(status, body))
	}
	return nil
}

// PostAdvertisedQueues publishes the queue descriptions this agent serves so
// they show up in queue listings for submitters.
func (c *Client) PostAdvertisedQueues(ctx context.Context, queues map[string]string) error {
	status, body, err := c.postJSON(ctx, resultTimeout, "/v1/agents/queues", queues)
	if err != nil {
		return fmt.Errorf("client: advertise queues: %w", err)
	}
	if status != http.StatusOK {
		return fmt.Errorf("client: advertise queues: %w", apiError(status, body))
	}
	return nil
}

// PostAdvertisedImages publishes the image catalogs available per queue.
func (c *Client) PostAdvertisedImages(ctx context.Context, images map[string]map[string]string) error {
	status, body, err := c.postJSON(ctx, resultTimeout, "/v1/agents/images", images)
	if err != nil {
		return fmt.Errorf("client: advertise images: %w", err)
	}
	if status != http.StatusOK {
		return fmt.Errorf("client: advertise images: %w", apiError(status, body))
	}
	return nil
}

// -----------------------------------------------------------------------------
// Results and logs
// -----------------------------------------------------------------------------

// PostJobState advances the job's lifecycle state.
func (c *Client) PostJobState(ctx context.Context, jobID string, state types.JobState) error {
	return c.PostResult(ctx, jobID, map[string]any{"job_state": string(state)})
}

// PostResult merges the given keys into the job's stored result document.
func (c *Client) PostResult(ctx context.Context, jobID string, result map[string]any) error {
	status, body, err := c.postJSON(ctx, resultTimeout, "/v1/result/"+url.PathEscape(jobID), result)
	if err != nil {
		return fmt.Errorf("client: post result: %w", err)
	}
	if status != http.StatusOK {
		return fmt.Errorf("client: post result: %w", apiError(status, body))
	}
	return nil
}

// GetResult fetches the job's result document. Unknown or expired jobs come
// back as an empty document rather than an error so pollers can treat both
// the same way.
func (c *Client) GetResult(ctx context.Context, jobID string) (types.Result, error) {
	status, body, err := c.get(ctx, resultTimeout, "/v1/result/"+url.PathEscape(jobID))
	if err != nil {
		return nil, fmt.Errorf("client: get result: %w", err)
	}
	switch status {
	case http.StatusOK:
		var res types.Result
		if err := json.Unmarshal(body, &res); err != nil {
			return nil, fmt.Errorf("client: get result: decode: %w", err)
		}
		return res, nil
	case http.StatusNoContent:
		return types.Result{}, nil
	default:
		return nil, fmt.Errorf("client: get result: %w", apiError(status, body))
	}
}

// CheckJobState returns the job's lifecycle state, or the empty string when
// the job is unknown.
func (c *Client) CheckJobState(ctx context.Context, jobID string) (types.JobState, error) {
	res, err := c.GetResult(ctx, jobID)
	if err != nil {
		return "", err
	}
	state, _ := res["job_state"].(string)
	return types.JobState(state), nil
}

// PostLog uploads one live log fragment. Fragments may be retried and may
// arrive out of order; the server stores them idempotently per number.
func (c *Client) PostLog(ctx context.Context, jobID string, logType types.LogType, frag types.LogFragment) error {
	path := "/v1/result/" + url.PathEscape(jobID) + "/log/" + url.PathEscape(string(logType))
	status, body, err := c.postJSON(ctx, logTimeout, path, frag)
	if err != nil {
		return fmt.Errorf("client: post log: %w", err)
	}
	if status != http.StatusOK {
		return fmt.Errorf("client: post log: %w", apiError(status, body))
	}
	return nil
}

// PostProvisionLog appends one entry to this agent's rolling provision
// history.
func (c *Client) PostProvisionLog(ctx context.Context, jobID string, exitCode int, detail string) error {
	entry := types.ProvisionLogEntry{
		JobID:     jobID,
		ExitCode:  exitCode,
		Detail:    detail,
		Timestamp: time.Now().UTC(),
	}
	status, body, err := c.postJSON(ctx, logTimeout, "/v1/agents/provision_logs/"+url.PathEscape(c.agentID), entry)
	if err != nil {
		return fmt.Errorf("client: post provision log: %w", err)
	}
	if status != http.StatusOK {
		return fmt.Errorf("client: post provision log: %w", apiError(status, body))
	}
	return nil
}

// PostStatusUpdate forwards lifecycle events to the job's status webhook via
// the server. Does nothing when the job has no webhook. Failures are the
// caller's to ignore: a dead webhook must never hold up a run.
func (c *Client) PostStatusUpdate(ctx context.Context, jobQueue, webhook, jobID string, events []types.StatusEvent) error {
	if webhook == "" {
		return nil
	}
	env := types.EventEnvelope{
		AgentID:          c.agentID,
		JobQueue:         jobQueue,
		JobID:            jobID,
		JobStatusWebhook: webhook,
		Events:           events,
	}
	status, body, err := c.postJSON(ctx, eventTimeout, "/v1/job/"+url.PathEscape(jobID)+"/events", env)
	if err != nil {
		return fmt.Errorf("client: post status update: %w", err)
	}
	if status != http.StatusOK {
		return fmt.Errorf("client: post status update: %w", apiError(status, body))
	}
	return nil
}

// -----------------------------------------------------------------------------
// Connectivity
// -----------------------------------------------------------------------------

// Reachable reports whether the server answers its liveness probe.
func (c *Client) Reachable(ctx context.Context) bool {
	status, _, err := c.get(ctx, pollTimeout, "/")
	return err == nil && status == http.StatusOK
}

// WaitForServer blocks until the server answers its liveness probe, backing
// off up to three minutes between probes. Returns ctx's error on cancellation.
func (c *Client) WaitForServer(ctx context.Context) error {
	backoff := probeBackoffInitial
	for {
		if c.Reachable(ctx) {
			return nil
		}
		c.logger.Warn("server unreachable, waiting", zap.Duration("backoff", backoff))
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-time.After(backoff):
		}
		backoff = nextBackoff(backoff)
	}
}

// nextBackoff doubles the wait, capped at probeBackoffMax.
func nextBackoff(current time.Duration) time.Duration {
	next := current * 2
	if next > probeBackoffMax {
		return probeBackoffMax
	}
	return next
}
