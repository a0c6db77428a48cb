package engine

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"os"
	"path/filepath"
	"sync"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"

	"github.com/canonical/testflinger/internal/agent/client"
	"github.com/canonical/testflinger/internal/agent/config"
	"github.com/canonical/testflinger/internal/agent/status"
	"github.com/canonical/testflinger/internal/types"
)

// fakeServer is an in-memory stand-in for the dispatch API: it hands out
// queued jobs, merges result posts, and records everything the agent sends.
type fakeServer struct {
	mu            sync.Mutex
	jobs          []types.JobSpec
	results       map[string]map[string]any
	agent         types.AgentData
	events        []types.StatusEvent
	provisionLogs []types.ProvisionLogEntry
	fragments     []types.LogFragment

	srv *httptest.Server
}

func newFakeServer(t *testing.T) *fakeServer {
	t.Helper()
	f := &fakeServer{results: map[string]map[string]any{}}

	mux := http.NewServeMux()
	mux.HandleFunc("GET /{$}", func(w http.ResponseWriter, _ *http.Request) {
		w.Write([]byte("Testflinger server"))
	})
	mux.HandleFunc("GET /v1/job", func(w http.ResponseWriter, _ *http.Request) {
		f.mu.Lock()
		defer f.mu.Unlock()
		if len(f.jobs) == 0 {
			w.WriteHeader(http.StatusNoContent)
			return
		}
		spec := f.jobs[0]
		f.jobs = f.jobs[1:]
		w.Header().Set("Content-Type", "application/json")
		json.NewEncoder(w).Encode(spec)
	})
	mux.HandleFunc("GET /v1/job/{id}/attachments", func(w http.ResponseWriter, _ *http.Request) {
		w.WriteHeader(http.StatusNoContent)
	})
	mux.HandleFunc("GET /v1/agents/data/{name}", func(w http.ResponseWriter, _ *http.Request) {
		f.mu.Lock()
		defer f.mu.Unlock()
		w.Header().Set("Content-Type", "application/json")
		json.NewEncoder(w).Encode(f.agent)
	})
	mux.HandleFunc("POST /v1/agents/data/{name}", func(w http.ResponseWriter, r *http.Request) {
		var patch types.AgentData
		if err := json.NewDecoder(r.Body).Decode(&patch); err != nil {
			w.WriteHeader(http.StatusBadRequest)
			return
		}
		f.mu.Lock()
		defer f.mu.Unlock()
		if patch.State != "" {
			f.agent.State = patch.State
		}
		if patch.JobID != nil {
			f.agent.JobID = patch.JobID
		}
		if patch.Comment != nil {
			f.agent.Comment = patch.Comment
		}
		w.Write([]byte("{}"))
	})
	mux.HandleFunc("POST /v1/agents/provision_logs/{name}", func(w http.ResponseWriter, r *http.Request) {
		var entry types.ProvisionLogEntry
		if err := json.NewDecoder(r.Body).Decode(&entry); err != nil {
			w.WriteHeader(http.StatusBadRequest)
			return
		}
		f.mu.Lock()
		f.provisionLogs = append(f.provisionLogs, entry)
		f.mu.Unlock()
		w.Write([]byte("{}"))
	})
	mux.HandleFunc("POST /v1/result/{id}", func(w http.ResponseWriter, r *http.Request) {
		var partial map[string]any
		if err := json.NewDecoder(r.Body).Decode(&partial); err != nil {
			w.WriteHeader(http.StatusBadRequest)
			return
		}
		id := r.PathValue("id")
		f.mu.Lock()
		if f.results[id] == nil {
			f.results[id] = map[string]any{}
		}
		for k, v := range partial {
			f.results[id][k] = v
		}
		f.mu.Unlock()
		w.Write([]byte("{}"))
	})
	mux.HandleFunc("GET /v1/result/{id}", func(w http.ResponseWriter, r *http.Request) {
		f.mu.Lock()
		defer f.mu.Unlock()
		res, ok := f.results[r.PathValue("id")]
		if !ok {
			w.WriteHeader(http.StatusNoContent)
			return
		}
		w.Header().Set("Content-Type", "application/json")
		json.NewEncoder(w).Encode(res)
	})
	mux.HandleFunc("POST /v1/result/{id}/log/{type}", func(w http.ResponseWriter, r *http.Request) {
		var frag types.LogFragment
		if err := json.NewDecoder(r.Body).Decode(&frag); err != nil {
			w.WriteHeader(http.StatusBadRequest)
			return
		}
		f.mu.Lock()
		f.fragments = append(f.fragments, frag)
		f.mu.Unlock()
		w.Write([]byte("{}"))
	})
	mux.HandleFunc("POST /v1/result/{id}/artifact", func(w http.ResponseWriter, _ *http.Request) {
		w.Write([]byte("{}"))
	})
	mux.HandleFunc("POST /v1/job/{id}/events", func(w http.ResponseWriter, r *http.Request) {
		var env types.EventEnvelope
		if err := json.NewDecoder(r.Body).Decode(&env); err != nil {
			w.WriteHeader(http.StatusBadRequest)
			return
		}
		f.mu.Lock()
		f.events = append(f.events, env.Events...)
		f.mu.Unlock()
		w.Write([]byte("OK"))
	})

	f.srv = httptest.NewServer(mux)
	t.Cleanup(f.srv.Close)
	return f
}

func (f *fakeServer) enqueue(spec types.JobSpec) {
	f.mu.Lock()
	f.jobs = append(f.jobs, spec)
	f.mu.Unlock()
}

func (f *fakeServer) queuedJobs() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return len(f.jobs)
}

func (f *fakeServer) setJobState(jobID string, state types.JobState) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.results[jobID] == nil {
		f.results[jobID] = map[string]any{}
	}
	f.results[jobID]["job_state"] = string(state)
}

func (f *fakeServer) jobState(jobID string) string {
	f.mu.Lock()
	defer f.mu.Unlock()
	state, _ := f.results[jobID]["job_state"].(string)
	return state
}

func (f *fakeServer) result(jobID string) map[string]any {
	f.mu.Lock()
	defer f.mu.Unlock()
	out := map[string]any{}
	for k, v := range f.results[jobID] {
		out[k] = v
	}
	return out
}

func (f *fakeServer) agentState() types.AgentState {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.agent.State
}

func (f *fakeServer) eventNames() []string {
	f.mu.Lock()
	defer f.mu.Unlock()
	names := make([]string, 0, len(f.events))
	for _, ev := range f.events {
		names = append(names, string(ev.EventName))
	}
	return names
}

// newTestEngine wires an Engine against the fake server with fast intervals.
func newTestEngine(t *testing.T, f *fakeServer, cfg *config.Config) (*Engine, *status.Handler) {
	t.Helper()
	base := t.TempDir()
	cfg.AgentID = "agent-1"
	cfg.ServerAddress = f.srv.URL
	if len(cfg.JobQueues) == 0 {
		cfg.JobQueues = []string{"q1"}
	}
	cfg.ExecutionBasedir = filepath.Join(base, "run")
	cfg.ResultsBasedir = filepath.Join(base, "results")
	cfg.LoggingBasedir = filepath.Join(base, "logs")
	cfg.PollingInterval = 1
	if cfg.OutputBytes == 0 {
		cfg.OutputBytes = config.DefaultOutputBytes
	}

	c, err := client.New(f.srv.URL, cfg.AgentID, cfg.JobQueues, zap.NewNop())
	require.NoError(t, err)

	st := status.New()
	e := New(cfg, c, st, zap.NewNop())
	e.pollInterval = 20 * time.Millisecond
	e.outputPollInterval = 50 * time.Millisecond
	e.allocateInterval = 50 * time.Millisecond
	return e, st
}

// runUntil drives the engine loop until cond holds, then stops it.
func runUntil(t *testing.T, e *Engine, cond func() bool) {
	t.Helper()
	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan struct{})
	go func() {
		e.Run(ctx)
		close(done)
	}()
	require.Eventually(t, cond, 15*time.Second, 20*time.Millisecond)
	cancel()
	<-done
}

func TestRunJobHappyPath(t *testing.T) {
	f := newFakeServer(t)
	jobID := uuid.NewString()
	f.enqueue(types.JobSpec{
		JobID:            jobID,
		JobQueue:         "q1",
		TestData:         map[string]any{"test_cmds": "echo hi"},
		JobStatusWebhook: "http://hooks.example/status",
	})

	e, _ := newTestEngine(t, f, &config.Config{TestCommand: "echo hi"})
	runUntil(t, e, func() bool { return f.jobState(jobID) == "complete" })

	res := f.result(jobID)
	assert.Equal(t, float64(0), res["test_status"])
	assert.Contains(t, res["test_output"], "hi")

	names := f.eventNames()
	assert.Contains(t, names, "job_start")
	assert.Contains(t, names, "test_start")
	assert.Contains(t, names, "test_success")
	assert.Contains(t, names, "job_end")

	// A shipped rundir is gone.
	assert.NoDirExists(t, filepath.Join(e.cfg.ExecutionBasedir, jobID))
}

func TestLiveOutputStreamsDuringRun(t *testing.T) {
	f := newFakeServer(t)
	jobID := uuid.NewString()
	f.enqueue(types.JobSpec{
		JobID:    jobID,
		JobQueue: "q1",
		TestData: map[string]any{"test_cmds": "echo streamed"},
	})

	e, _ := newTestEngine(t, f, &config.Config{TestCommand: "echo streamed"})
	runUntil(t, e, func() bool { return f.jobState(jobID) == "complete" })

	f.mu.Lock()
	defer f.mu.Unlock()
	require.NotEmpty(t, f.fragments)
	assert.Equal(t, types.PhaseTest, f.fragments[0].Phase)
	assert.Contains(t, f.fragments[0].LogData, "streamed")
}

func TestProvisionFailureSkipsTest(t *testing.T) {
	f := newFakeServer(t)
	jobID := uuid.NewString()
	f.enqueue(types.JobSpec{
		JobID:         jobID,
		JobQueue:      "q1",
		ProvisionData: map[string]any{"url": "http://images/x.img"},
		TestData:      map[string]any{"test_cmds": "echo hi"},
	})

	e, _ := newTestEngine(t, f, &config.Config{
		ProvisionCommand: "exit 3",
		TestCommand:      "echo hi",
		CleanupCommand:   "echo cleaned",
	})
	runUntil(t, e, func() bool { return f.jobState(jobID) == "complete" })

	res := f.result(jobID)
	assert.Equal(t, float64(3), res["provision_status"])
	assert.NotContains(t, res, "test_status")
	// Cleanup still ran.
	assert.Equal(t, float64(0), res["cleanup_status"])

	// The provision log carries the failure.
	f.mu.Lock()
	defer f.mu.Unlock()
	require.Len(t, f.provisionLogs, 1)
	assert.Equal(t, jobID, f.provisionLogs[0].JobID)
	assert.Equal(t, 3, f.provisionLogs[0].ExitCode)
}

func TestRecoveryFailedSentinelTakesAgentOffline(t *testing.T) {
	f := newFakeServer(t)
	jobID := uuid.NewString()
	f.enqueue(types.JobSpec{
		JobID:            jobID,
		JobQueue:         "q1",
		ProvisionData:    map[string]any{"url": "x"},
		JobStatusWebhook: "http://hooks.example/status",
	})
	// A second job that must not be dispatched once the agent is offline.
	f.enqueue(types.JobSpec{JobID: uuid.NewString(), JobQueue: "q1"})

	e, st := newTestEngine(t, f, &config.Config{ProvisionCommand: "exit 46"})
	runUntil(t, e, func() bool {
		return f.jobState(jobID) == "complete" && f.agentState() == types.AgentStateOffline
	})

	assert.True(t, st.NeedsOffline())
	assert.Contains(t, st.Comment(), jobID)
	assert.Contains(t, f.eventNames(), "recovery_fail")

	f.mu.Lock()
	require.Len(t, f.provisionLogs, 1)
	assert.Equal(t, recoveryFailedExitCode, f.provisionLogs[0].ExitCode)
	f.mu.Unlock()

	// The offline agent left the second job on the queue.
	assert.Equal(t, 1, f.queuedJobs())
}

func TestOutputTimeoutKillsSilentTest(t *testing.T) {
	f := newFakeServer(t)
	jobID := uuid.NewString()
	f.enqueue(types.JobSpec{
		JobID:            jobID,
		JobQueue:         "q1",
		OutputTimeout:    1,
		TestData:         map[string]any{"test_cmds": "sleep 30"},
		JobStatusWebhook: "http://hooks.example/status",
	})

	e, _ := newTestEngine(t, f, &config.Config{TestCommand: "sleep 30"})
	runUntil(t, e, func() bool { return f.jobState(jobID) == "complete" })

	res := f.result(jobID)
	// SIGKILL folds into the 0-255 range as 247.
	assert.Equal(t, float64(247), res["test_status"])
	assert.Contains(t, f.eventNames(), "output_timeout")
}

func TestCancelledJobRunsOnlyCleanup(t *testing.T) {
	f := newFakeServer(t)
	jobID := uuid.NewString()
	f.setJobState(jobID, types.JobStateCancelled)
	f.enqueue(types.JobSpec{
		JobID:            jobID,
		JobQueue:         "q1",
		TestData:         map[string]any{"test_cmds": "echo hi"},
		JobStatusWebhook: "http://hooks.example/status",
	})

	e, _ := newTestEngine(t, f, &config.Config{
		TestCommand:    "echo hi",
		CleanupCommand: "echo cleaned",
	})
	runUntil(t, e, func() bool { return f.jobState(jobID) == "complete" })

	res := f.result(jobID)
	assert.NotContains(t, res, "test_status")
	assert.Equal(t, float64(0), res["cleanup_status"])
	assert.Contains(t, f.eventNames(), "cancelled")
}

func TestPhaseSkipRules(t *testing.T) {
	f := newFakeServer(t)
	jobID := uuid.NewString()
	f.enqueue(types.JobSpec{
		JobID:    jobID,
		JobQueue: "q1",
		// provision_data absent, firmware_update flagged skip.
		FirmwareUpdateData: map[string]any{"skip": true, "version": "v2"},
		TestData:           map[string]any{"test_cmds": "echo hi"},
	})

	e, _ := newTestEngine(t, f, &config.Config{
		SetupCommand:          "echo setup",
		ProvisionCommand:      "echo provisioning",
		FirmwareUpdateCommand: "echo flashing",
		TestCommand:           "echo hi",
	})
	runUntil(t, e, func() bool { return f.jobState(jobID) == "complete" })

	res := f.result(jobID)
	// Setup needs no data block; the data phases were skipped silently.
	assert.Equal(t, float64(0), res["setup_status"])
	assert.NotContains(t, res, "provision_status")
	assert.NotContains(t, res, "firmware_update_status")
	assert.Equal(t, float64(0), res["test_status"])
}

func TestAllocatePublishesDeviceInfoAndHolds(t *testing.T) {
	f := newFakeServer(t)
	jobID := uuid.NewString()
	f.enqueue(types.JobSpec{
		JobID:        jobID,
		JobQueue:     "q1",
		AllocateData: map[string]any{},
	})

	e, _ := newTestEngine(t, f, &config.Config{
		AllocateCommand: `echo '{"device_ip":"10.1.2.3"}' > device-info.json`,
	})

	// Release the device once the job reaches allocated.
	go func() {
		for {
			if f.jobState(jobID) == "allocated" {
				f.setJobState(jobID, types.JobStateCancelled)
				return
			}
			time.Sleep(10 * time.Millisecond)
		}
	}()

	runUntil(t, e, func() bool { return f.jobState(jobID) == "complete" })

	res := f.result(jobID)
	info, ok := res["device_info"].(map[string]any)
	require.True(t, ok, "device_info missing from result")
	assert.Equal(t, "10.1.2.3", info["device_ip"])
}

func TestOperatorRestartStopsLoop(t *testing.T) {
	f := newFakeServer(t)
	e, st := newTestEngine(t, f, &config.Config{})
	st.RequestRestart("rotate kernel")

	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	err := e.Run(ctx)
	require.ErrorIs(t, err, ErrRestart)
	assert.Equal(t, types.AgentStateRestart, f.agentState())
}

func TestServerOfflineStateHaltsDispatch(t *testing.T) {
	f := newFakeServer(t)
	comment := "under repair"
	f.mu.Lock()
	f.agent.State = types.AgentStateOffline
	f.agent.Comment = &comment
	f.mu.Unlock()
	f.enqueue(types.JobSpec{JobID: uuid.NewString(), JobQueue: "q1"})

	e, st := newTestEngine(t, f, &config.Config{TestCommand: "echo hi"})
	runUntil(t, e, func() bool { return st.NeedsOffline() })

	assert.Equal(t, "under repair", st.Comment())
	assert.Equal(t, 1, f.queuedJobs())
}

func TestRetriesPreservedRundirs(t *testing.T) {
	f := newFakeServer(t)
	e, _ := newTestEngine(t, f, &config.Config{})

	// A rundir parked by an earlier failed upload.
	jobID := uuid.NewString()
	parked := filepath.Join(e.cfg.ResultsBasedir, jobID)
	require.NoError(t, os.MkdirAll(parked, 0750))
	doc, err := json.Marshal(map[string]any{"job_id": jobID, "job_queue": "q1"})
	require.NoError(t, err)
	require.NoError(t, os.WriteFile(filepath.Join(parked, client.JobFileName), doc, 0640))
	outcome, err := json.Marshal(map[string]any{"test_status": 1})
	require.NoError(t, err)
	require.NoError(t, os.WriteFile(filepath.Join(parked, client.OutcomeFileName), outcome, 0640))

	runUntil(t, e, func() bool { return f.jobState(jobID) == "complete" })

	res := f.result(jobID)
	assert.Equal(t, float64(1), res["test_status"])
	assert.NoDirExists(t, parked)
}

func TestEffectiveTimeout(t *testing.T) {
	// Job below config and ceiling.
	assert.Equal(t, 60*time.Second, effectiveTimeout(60, 3600, maxGlobalTimeout))
	// Job unset falls back to config.
	assert.Equal(t, 3600*time.Second, effectiveTimeout(0, 3600, maxGlobalTimeout))
	// Nothing set falls back to the ceiling.
	assert.Equal(t, maxOutputTimeout, effectiveTimeout(0, 0, maxOutputTimeout))
	// The ceiling wins over larger requests.
	assert.Equal(t, maxGlobalTimeout, effectiveTimeout(99999, 99999, maxGlobalTimeout))
}
