package runner

import (
	"context"
	"fmt"
	"os"
	"time"

	"go.uber.org/zap"

	"github.com/canonical/testflinger/internal/types"
)

// LogWriter appends drained output to a phase log file.
type LogWriter struct {
	f *os.File
}

// NewLogWriter opens (or creates) the log file at path for appending.
func NewLogWriter(path string) (*LogWriter, error) {
	f, err := os.OpenFile(path, os.O_CREATE|os.O_WRONLY|os.O_APPEND, 0640)
	if err != nil {
		return nil, fmt.Errorf("runner: open phase log: %w", err)
	}
	return &LogWriter{f: f}, nil
}

// HandleOutput implements OutputHandler. Write errors are swallowed: a full
// disk mid-phase leaves nothing useful to do, and the live stream still
// carries the output.
func (w *LogWriter) HandleOutput(data string) {
	_, _ = w.f.WriteString(data)
}

// Close releases the underlying file.
func (w *LogWriter) Close() error {
	return w.f.Close()
}

// FragmentSink accepts live log fragments. *client.Client satisfies it.
type FragmentSink interface {
	PostLog(ctx context.Context, jobID string, logType types.LogType, frag types.LogFragment) error
}

// LivePoster ships each drained chunk to the server as a numbered fragment.
// Numbers are strictly monotonic per (job, log type, phase): a failed post
// drops that fragment rather than stalling the run — the full text still
// reaches the server in the outcome document.
type LivePoster struct {
	sink     FragmentSink
	jobID    string
	logType  types.LogType
	phase    types.Phase
	sequence int
	logger   *zap.Logger
}

// NewLivePoster creates a poster with its fragment counter at zero.
func NewLivePoster(sink FragmentSink, jobID string, logType types.LogType, phase types.Phase, logger *zap.Logger) *LivePoster {
	return &LivePoster{
		sink:    sink,
		jobID:   jobID,
		logType: logType,
		phase:   phase,
		logger:  logger.Named("live_log"),
	}
}

// HandleOutput implements OutputHandler.
func (p *LivePoster) HandleOutput(data string) {
	frag := types.LogFragment{
		Phase:          p.phase,
		FragmentNumber: p.sequence,
		Timestamp:      time.Now().UTC(),
		LogData:        data,
	}
	// The number advances even when the post fails so later fragments keep
	// their places.
	p.sequence++

	if err := p.sink.PostLog(context.Background(), p.jobID, p.logType, frag); err != nil {
		p.logger.Warn("live log fragment dropped",
			zap.String("job_id", p.jobID),
			zap.Int("fragment", frag.FragmentNumber),
			zap.Error(err),
		)
	}
}
