package db

import (
	"time"
)

// Job is the persisted form of a submitted job. The submitter's spec is kept
// verbatim as a JSON document in Spec so unknown fields survive a round trip;
// the columns only lift out what the dispatch queries need to filter and sort
// on (queue, state, priority, attachment gating).
type Job struct {
	// ID is the job UUID. Generated by the server at submission time unless
	// the submitter provided one (multi-device sub-jobs carry their own).
	ID                string `gorm:"primaryKey"`
	Queue             string `gorm:"not null;index:idx_jobs_queue_state"`
	Priority          int    `gorm:"not null;default:0"`
	State             string `gorm:"not null;default:'waiting';index:idx_jobs_queue_state"`
	AttachmentsStatus string `gorm:"not null;default:''"`
	// Owner is the authenticated client that submitted the job. Only set when
	// the job references secrets — it names the namespace to resolve them in.
	Owner       string `gorm:"not null;default:''"`
	ParentJobID string `gorm:"not null;default:''"`
	Spec        string `gorm:"type:text;not null"`       // submitted job spec, JSON
	Result      string `gorm:"type:text;default:'{}'"`   // result_data, JSON, merged by key
	CreatedAt   time.Time `gorm:"not null;index"`
	UpdatedAt   time.Time `gorm:"not null"`
	// StartedAt is set by the atomic pop when an agent claims the job.
	StartedAt *time.Time
}

// JobTag is one tag attached to a job. Tags live in their own table so
// any/all tag search stays a plain relational query.
type JobTag struct {
	JobID string `gorm:"primaryKey"`
	Tag   string `gorm:"primaryKey;index"`
}

// LogFragment is one appended chunk of a phase log. The composite primary key
// is also the uniqueness guarantee the agent relies on for idempotent retries:
// re-posting the same fragment number is a no-op.
type LogFragment struct {
	JobID          string    `gorm:"primaryKey"`
	LogType        string    `gorm:"primaryKey"`
	Phase          string    `gorm:"primaryKey"`
	FragmentNumber int       `gorm:"primaryKey;autoIncrement:false"`
	Timestamp      time.Time `gorm:"not null"`
	LogData        string    `gorm:"type:text;not null;default:''"`
}

// OutputCursor tracks how far the legacy live-output endpoints have drained a
// job's fragment stream. The high-water mark is (phase rank, fragment number)
// so late fragments below it are simply dropped from the live view; the full
// log is still assembled from the fragment table. Cursors idle for four hours
// are swept by the janitor.
type OutputCursor struct {
	JobID         string    `gorm:"primaryKey"`
	LogType       string    `gorm:"primaryKey"`
	LastPhaseRank int       `gorm:"not null;default:-1"`
	LastFragment  int       `gorm:"not null;default:-1"`
	LastAccessed  time.Time `gorm:"not null"`
}

// Agent is the server-side record of a device agent, keyed by its configured
// agent_id. Log holds the rolling ring of the last 100 reported lines as a
// JSON array; Queues are normalized into AgentQueue rows for lookups.
type Agent struct {
	Name     string `gorm:"primaryKey"`
	State    string `gorm:"not null;default:'unknown'"`
	Location string `gorm:"not null;default:''"`
	// JobID is the currently running job, or empty.
	JobID   string `gorm:"not null;default:''"`
	Comment string `gorm:"not null;default:''"`
	Log     string `gorm:"type:text;not null;default:'[]'"` // JSON array, ring of 100
	// Identity is the host identity JSON reported at agent startup.
	Identity string `gorm:"type:text;not null;default:'{}'"`
	// ProvisionStreakType/Count track consecutive provision outcomes
	// ("pass" or "fail") for health dashboards.
	ProvisionStreakType  string `gorm:"not null;default:''"`
	ProvisionStreakCount int    `gorm:"not null;default:0"`
	CreatedAt            time.Time `gorm:"not null"`
	UpdatedAt            time.Time `gorm:"not null"`
}

// AgentQueue joins agents to the queues they service. Replaced wholesale on
// every agent-data post that includes a queue list.
type AgentQueue struct {
	AgentName string `gorm:"primaryKey"`
	Queue     string `gorm:"primaryKey;index"`
}

// ProvisionLog is one entry of an agent's provision history ring. The insert
// path trims each agent's ring to the most recent 100 entries.
type ProvisionLog struct {
	ID        string    `gorm:"primaryKey"`
	AgentName string    `gorm:"not null;index:idx_provision_logs_agent"`
	JobID     string    `gorm:"not null;default:''"`
	ExitCode  int       `gorm:"not null;default:0"`
	Detail    string    `gorm:"type:text;not null;default:''"`
	Timestamp time.Time `gorm:"not null;index:idx_provision_logs_agent"`
}

// QueueDoc is an advertised queue: a human-readable description plus an
// optional image catalog (image name → provisioning data) as JSON.
type QueueDoc struct {
	Name        string `gorm:"primaryKey"`
	Description string `gorm:"not null;default:''"`
	Images      string `gorm:"type:text;not null;default:'{}'"`
	UpdatedAt   time.Time `gorm:"not null"`
}

// RestrictedQueue marks a queue as dispatch-restricted and records the owner
// set (client ids) as a JSON array.
type RestrictedQueue struct {
	Queue     string `gorm:"primaryKey"`
	Owners    string `gorm:"type:text;not null;default:'[]'"`
	UpdatedAt time.Time `gorm:"not null"`
}

// ClientPermission stores an API client's credentials and authorization
// document. SecretHash is a bcrypt hash; the JSON columns mirror the
// wire-level ClientPermissions shape.
type ClientPermission struct {
	ClientID           string `gorm:"primaryKey"`
	SecretHash         string `gorm:"not null"`
	Role               string `gorm:"not null;default:'user'"`
	MaxPriority        string `gorm:"type:text;not null;default:'{}'"`
	AllowedQueues      string `gorm:"type:text;not null;default:'[]'"`
	MaxReservationTime string `gorm:"type:text;not null;default:'{}'"`
	CreatedAt          time.Time `gorm:"not null"`
	UpdatedAt          time.Time `gorm:"not null"`
}

// RefreshToken is a stored opaque refresh token. ExpiresAt is nil for
// non-expiring tokens issued to admin and manager clients.
type RefreshToken struct {
	Token        string    `gorm:"primaryKey"`
	ClientID     string    `gorm:"not null;index"`
	IssuedAt     time.Time `gorm:"not null"`
	ExpiresAt    *time.Time
	Revoked      bool      `gorm:"not null;default:false"`
	LastAccessed time.Time `gorm:"not null"`
}

// Secret is one namespaced secret for the database-backed secrets store.
// Value is encrypted at rest with the deployment's data encryption key.
type Secret struct {
	ClientID  string          `gorm:"primaryKey"`
	Path      string          `gorm:"primaryKey"`
	Value     EncryptedString `gorm:"type:text;not null"`
	UpdatedAt time.Time       `gorm:"not null"`
}
