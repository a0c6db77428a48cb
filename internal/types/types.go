// Package types defines shared domain types used by both server and agent.
package types

import "time"

// ─── Phases ──────────────────────────────────────────────────────────────────

// Phase is one step of the fixed job pipeline. Each phase has its own
// configured shell command on the agent and its own data block in the job spec.
type Phase string

const (
	PhaseSetup          Phase = "setup"
	PhaseProvision      Phase = "provision"
	PhaseFirmwareUpdate Phase = "firmware_update"
	PhaseTest           Phase = "test"
	PhaseAllocate       Phase = "allocate"
	PhaseReserve        Phase = "reserve"
	PhaseCleanup        Phase = "cleanup"
)

// RunPhases is the ordered sequence the agent walks through for every job.
// Cleanup is not included — it always runs afterwards, regardless of how the
// run ended.
var RunPhases = []Phase{
	PhaseSetup,
	PhaseProvision,
	PhaseFirmwareUpdate,
	PhaseTest,
	PhaseAllocate,
	PhaseReserve,
}

// AllPhases is RunPhases plus cleanup, in execution order.
var AllPhases = append(append([]Phase{}, RunPhases...), PhaseCleanup)

// Rank returns the phase's position in execution order, or -1 for a phase
// name this code does not know. Used to order log fragments across phases.
func (p Phase) Rank() int {
	for i, known := range AllPhases {
		if p == known {
			return i
		}
	}
	return -1
}

// ─── Job states ──────────────────────────────────────────────────────────────

// JobState represents the current lifecycle state of a job.
// While a job is being executed its state tracks the active phase.
type JobState string

const (
	JobStateWaiting   JobState = "waiting"
	JobStateRunning   JobState = "running" // claimed by an agent, setup not yet reported
	JobStateAllocated JobState = "allocated"
	JobStateCancelled JobState = "cancelled"
	JobStateComplete  JobState = "complete"

	// JobStateCompleted is a legacy spelling of complete that older agents
	// reported. It is accepted as terminal but never written by this code.
	JobStateCompleted JobState = "completed"
)

// Terminal reports whether no further transitions are allowed out of s.
func (s JobState) Terminal() bool {
	return s == JobStateCancelled || s == JobStateComplete || s == JobStateCompleted
}

// ValidJobState reports whether s is a state the server accepts from clients.
func ValidJobState(s JobState) bool {
	switch s {
	case JobStateWaiting, JobStateRunning, JobStateAllocated,
		JobStateCancelled, JobStateComplete, JobStateCompleted:
		return true
	}
	for _, p := range AllPhases {
		if s == JobState(p) {
			return true
		}
	}
	return false
}

// ─── Agent states ────────────────────────────────────────────────────────────

// AgentState represents what an agent is currently doing. While running a job
// the state mirrors the active phase.
type AgentState string

const (
	AgentStateWaiting     AgentState = "waiting"
	AgentStateOffline     AgentState = "offline"
	AgentStateMaintenance AgentState = "maintenance"
	AgentStateRestart     AgentState = "restart"
	AgentStateUnknown     AgentState = "unknown"
)

// ─── Log fragments ───────────────────────────────────────────────────────────

// LogType distinguishes the two log streams an agent produces per phase.
type LogType string

const (
	LogTypeOutput LogType = "output"
	LogTypeSerial LogType = "serial"
)

// LogTypes lists the valid log types in a stable order.
var LogTypes = []LogType{LogTypeOutput, LogTypeSerial}

// ValidLogType reports whether t names a known log stream.
func ValidLogType(t LogType) bool {
	return t == LogTypeOutput || t == LogTypeSerial
}

// LogFragment is one appended chunk of log data. FragmentNumber is strictly
// monotonic per (job_id, log_type, phase); reconstructing a phase's log
// concatenates fragments in FragmentNumber order regardless of arrival order.
type LogFragment struct {
	JobID          string    `json:"job_id,omitempty"`
	LogType        LogType   `json:"log_type,omitempty"`
	Phase          Phase     `json:"phase"`
	FragmentNumber int       `json:"fragment_number"`
	Timestamp      time.Time `json:"timestamp"`
	LogData        string    `json:"log_data"`
}

// ─── Status events ───────────────────────────────────────────────────────────

// EventName identifies a job lifecycle event emitted to status webhooks.
type EventName string

const (
	EventJobStart      EventName = "job_start"
	EventJobEnd        EventName = "job_end"
	EventCancelled     EventName = "cancelled"
	EventGlobalTimeout EventName = "global_timeout"
	EventOutputTimeout EventName = "output_timeout"
	EventRecoveryFail  EventName = "recovery_fail"
	EventNormalExit    EventName = "normal_exit"
)

// PhaseStart returns the event emitted when a phase begins, e.g. "test_start".
func PhaseStart(p Phase) EventName { return EventName(string(p) + "_start") }

// PhaseSuccess returns the event emitted when a phase exits zero.
func PhaseSuccess(p Phase) EventName { return EventName(string(p) + "_success") }

// PhaseFail returns the event emitted when a phase exits non-zero.
func PhaseFail(p Phase) EventName { return EventName(string(p) + "_fail") }

// StatusEvent is a single timestamped lifecycle event.
type StatusEvent struct {
	EventName EventName `json:"event_name"`
	Timestamp time.Time `json:"timestamp"`
	Detail    string    `json:"detail,omitempty"`
}

// EventEnvelope is the body POSTed to /v1/job/{id}/events and proxied by the
// server to the webhook named inside it. The webhook travels in the envelope
// rather than being looked up server-side so the proxy works even after the
// job document has been cleaned up.
type EventEnvelope struct {
	AgentID          string        `json:"agent_id"`
	JobQueue         string        `json:"job_queue"`
	JobID            string        `json:"job_id"`
	JobStatusWebhook string        `json:"job_status_webhook,omitempty"`
	Events           []StatusEvent `json:"events"`
}

// ─── Job spec ────────────────────────────────────────────────────────────────

// JobSpec is the submitter-provided job description. Phase data blocks are
// kept as open maps for forward compatibility — the server only interprets
// a handful of well-known keys (attachments, secrets, skip) and passes the
// rest through to the agent untouched.
type JobSpec struct {
	JobID              string         `json:"job_id,omitempty"`
	JobQueue           string         `json:"job_queue"`
	Tags               []string       `json:"tags,omitempty"`
	JobPriority        int            `json:"job_priority,omitempty"`
	GlobalTimeout      int            `json:"global_timeout,omitempty"` // seconds
	OutputTimeout      int            `json:"output_timeout,omitempty"` // seconds
	SetupData          map[string]any `json:"setup_data,omitempty"`
	ProvisionData      map[string]any `json:"provision_data,omitempty"`
	FirmwareUpdateData map[string]any `json:"firmware_update_data,omitempty"`
	TestData           map[string]any `json:"test_data,omitempty"`
	AllocateData       map[string]any `json:"allocate_data,omitempty"`
	ReserveData        map[string]any `json:"reserve_data,omitempty"`
	CleanupData        map[string]any `json:"cleanup_data,omitempty"`
	JobStatusWebhook   string         `json:"job_status_webhook,omitempty"`
	ParentJobID        string         `json:"parent_job_id,omitempty"`
}

// PhaseData returns the data block for the given phase, or nil when the
// submitter did not provide one.
func (s *JobSpec) PhaseData(p Phase) map[string]any {
	switch p {
	case PhaseSetup:
		return s.SetupData
	case PhaseProvision:
		return s.ProvisionData
	case PhaseFirmwareUpdate:
		return s.FirmwareUpdateData
	case PhaseTest:
		return s.TestData
	case PhaseAllocate:
		return s.AllocateData
	case PhaseReserve:
		return s.ReserveData
	case PhaseCleanup:
		return s.CleanupData
	}
	return nil
}

// SetPhaseData replaces the data block for the given phase. A nil data map
// removes the block entirely.
func (s *JobSpec) SetPhaseData(p Phase, data map[string]any) {
	switch p {
	case PhaseSetup:
		s.SetupData = data
	case PhaseProvision:
		s.ProvisionData = data
	case PhaseFirmwareUpdate:
		s.FirmwareUpdateData = data
	case PhaseTest:
		s.TestData = data
	case PhaseAllocate:
		s.AllocateData = data
	case PhaseReserve:
		s.ReserveData = data
	case PhaseCleanup:
		s.CleanupData = data
	}
}

// Secrets returns the secret path references under test_data.secrets.
// The map is path → value; at submission time values are ignored, at dispatch
// time the server fills them in.
func (s *JobSpec) Secrets() map[string]string {
	if s.TestData == nil {
		return nil
	}
	raw, ok := s.TestData["secrets"]
	if !ok {
		return nil
	}
	out := make(map[string]string)
	switch m := raw.(type) {
	case map[string]string:
		for k, v := range m {
			out[k] = v
		}
	case map[string]any:
		for k, v := range m {
			str, _ := v.(string)
			out[k] = str
		}
	default:
		return nil
	}
	return out
}

// HasAttachments reports whether any phase data block carries a non-empty
// attachments manifest. Jobs with attachments are held back from dispatch
// until the archive has been uploaded.
func (s *JobSpec) HasAttachments() bool {
	for _, p := range AllPhases {
		data := s.PhaseData(p)
		if data == nil {
			continue
		}
		if list, ok := data["attachments"].([]any); ok && len(list) > 0 {
			return true
		}
	}
	return false
}

// ─── Results ─────────────────────────────────────────────────────────────────

// Result is the flat per-job outcome document: one "<phase>_status" entry per
// executed phase, optional "<phase>_output" / "<phase>_serial" log text,
// plus "device_info" and "job_state". It is merged by key on the server, so
// partial updates (job_state transitions, allocate device info) never clobber
// fields written earlier.
type Result map[string]any

// PhaseStatusKey returns the result key holding a phase's exit status.
func PhaseStatusKey(p Phase) string { return string(p) + "_status" }

// PhaseOutputKey returns the result key holding a phase's output log.
func PhaseOutputKey(p Phase) string { return string(p) + "_output" }

// PhaseSerialKey returns the result key holding a phase's serial log.
func PhaseSerialKey(p Phase) string { return string(p) + "_serial" }

// ─── Attachments ─────────────────────────────────────────────────────────────

// AttachmentsStatus gates dispatch of jobs submitted with an attachment
// manifest: the job stays invisible to agents until the archive arrives.
type AttachmentsStatus string

const (
	AttachmentsNone     AttachmentsStatus = ""
	AttachmentsWaiting  AttachmentsStatus = "waiting"
	AttachmentsComplete AttachmentsStatus = "complete"
)

// ─── Agent records ───────────────────────────────────────────────────────────

// AgentIdentity describes the host an agent runs on. Collected once at agent
// startup and included in the first agent-data post.
type AgentIdentity struct {
	Hostname      string `json:"hostname,omitempty"`
	OS            string `json:"os,omitempty"`
	Arch          string `json:"arch,omitempty"`
	UptimeSeconds uint64 `json:"uptime_seconds,omitempty"`
}

// AgentData is the patch an agent POSTs to /v1/agents/data/{name} and the
// document the server returns from the matching GET. Zero-valued fields are
// left unchanged on POST. JobID and Comment are pointers so an explicit empty
// string can clear the stored value (job finished, offline comment lifted).
type AgentData struct {
	Name         string              `json:"name,omitempty"`
	State        AgentState          `json:"state,omitempty"`
	Queues       []string            `json:"queues,omitempty"`
	Location     string              `json:"location,omitempty"`
	JobID        *string             `json:"job_id,omitempty"`
	Log          []string            `json:"log,omitempty"`
	Comment      *string             `json:"comment,omitempty"`
	Identity     *AgentIdentity      `json:"identity,omitempty"`
	RestrictedTo map[string][]string `json:"restricted_to,omitempty"`
	UpdatedAt    *time.Time          `json:"updated_at,omitempty"`
}

// ProvisionLogEntry is one entry of an agent's rolling provision history.
type ProvisionLogEntry struct {
	JobID     string    `json:"job_id"`
	ExitCode  int       `json:"exit_code"`
	Detail    string    `json:"detail,omitempty"`
	Timestamp time.Time `json:"timestamp,omitempty"`
}

// ─── Auth ────────────────────────────────────────────────────────────────────

// Role is the permission level of an API client. Roles form a total order;
// the agent role sits above admin because device agents may patch any agent
// record and post to any queue.
type Role string

const (
	RoleUser        Role = "user"
	RoleContributor Role = "contributor"
	RoleManager     Role = "manager"
	RoleAdmin       Role = "admin"
	RoleAgent       Role = "agent"
)

// roleRank maps each role to its position in the total order.
var roleRank = map[Role]int{
	RoleUser:        0,
	RoleContributor: 1,
	RoleManager:     2,
	RoleAdmin:       3,
	RoleAgent:       4,
}

// ValidRole reports whether r is a known role.
func ValidRole(r Role) bool {
	_, ok := roleRank[r]
	return ok
}

// AtLeast reports whether r ranks greater than or equal to other.
// Unknown roles rank below every known role.
func (r Role) AtLeast(other Role) bool {
	return roleRank[r] >= roleRank[other]
}

// ClientPermissions is the authorization document attached to an API client.
// It is embedded verbatim in access-token claims so permission checks never
// need a database round trip during the token's 30-second lifetime.
type ClientPermissions struct {
	ClientID string `json:"client_id"`
	Role     Role   `json:"role"`
	// MaxPriority caps the job_priority the client may submit per queue.
	// The "*" key applies to every queue.
	MaxPriority map[string]int `json:"max_priority,omitempty"`
	// AllowedQueues lists the restricted queues the client may target.
	AllowedQueues []string `json:"allowed_queues,omitempty"`
	// MaxReservationTime caps reserve timeouts per queue, in seconds.
	// The "*" key applies to every queue.
	MaxReservationTime map[string]int `json:"max_reservation_time,omitempty"`
}

// EffectiveMaxPriority returns the priority cap for the given queue,
// taking the larger of the wildcard and the queue-specific entry.
func (p *ClientPermissions) EffectiveMaxPriority(queue string) int {
	max := p.MaxPriority["*"]
	if v, ok := p.MaxPriority[queue]; ok && v > max {
		max = v
	}
	return max
}

// EffectiveMaxReservation returns the reservation cap in seconds for the
// given queue, taking the larger of the wildcard and the queue entry.
func (p *ClientPermissions) EffectiveMaxReservation(queue string) int {
	max := p.MaxReservationTime["*"]
	if v, ok := p.MaxReservationTime[queue]; ok && v > max {
		max = v
	}
	return max
}

// QueueAllowed reports whether the client may target the given restricted queue.
func (p *ClientPermissions) QueueAllowed(queue string) bool {
	for _, q := range p.AllowedQueues {
		if q == queue {
			return true
		}
	}
	return false
}

// ─── Queues ──────────────────────────────────────────────────────────────────

// WaitTimePercentiles summarizes observed queue wait times in seconds.
type WaitTimePercentiles map[string]float64

// PercentileKeys are the percentiles reported by the wait_times endpoint.
var PercentileKeys = []int{5, 10, 50, 90, 95}
