package engine

import (
	"context"
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"time"

	"go.uber.org/zap"

	"github.com/canonical/testflinger/internal/agent/attachments"
	"github.com/canonical/testflinger/internal/agent/client"
	"github.com/canonical/testflinger/internal/agent/runner"
	"github.com/canonical/testflinger/internal/types"
)

// attachmentsArchiveName is the temporary download target for a job's
// attachment archive; it is removed once extracted.
const attachmentsArchiveName = "attachments.tar.gz"

// deviceInfoFileName is written by the allocate connector and shipped to the
// server so the parent job learns how to reach the allocated device.
const deviceInfoFileName = "device-info.json"

// connectorErrorFileName records why a phase could not run at all.
const connectorErrorFileName = "device-connector-error.json"

// dataPhases are the phases skipped when the job carries no data block for
// them (or flags the block with skip: true). Setup runs on configuration
// alone; cleanup always runs.
var dataPhases = map[types.Phase]bool{
	types.PhaseProvision:      true,
	types.PhaseFirmwareUpdate: true,
	types.PhaseTest:           true,
	types.PhaseAllocate:       true,
	types.PhaseReserve:        true,
}

// jobRun is the working state of one claimed job.
type jobRun struct {
	id      string
	spec    types.JobSpec
	raw     json.RawMessage
	rundir  string
	outcome types.Result
}

// runJob executes one claimed job end to end: rundir setup, attachments, the
// phase sequence, cleanup, outcome transmission, and the final agent-record
// reset. It never fails the loop; everything that can go wrong is recorded
// in the outcome or the log.
func (e *Engine) runJob(ctx context.Context, job *client.Job) {
	r := &jobRun{
		id:      job.Spec.JobID,
		spec:    job.Spec,
		raw:     job.Raw,
		rundir:  filepath.Join(e.cfg.ExecutionBasedir, job.Spec.JobID),
		outcome: types.Result{},
	}
	log := e.logger.With(zap.String("job_id", r.id), zap.String("queue", r.spec.JobQueue))
	log.Info("job claimed")

	if err := e.prepareRundir(ctx, r); err != nil {
		log.Error("rundir preparation failed", zap.Error(err))
		e.recordRunError(r, "rundir", err)
	} else {
		jobID := r.id
		if err := e.client.PostAgentData(ctx, types.AgentData{JobID: &jobID}); err != nil {
			log.Warn("cannot record job on agent record", zap.Error(err))
		}
		e.emit(ctx, r, types.EventJobStart, "")
		e.runPhases(ctx, r, log)
	}

	e.runCleanup(ctx, r)
	e.emit(ctx, r, types.EventJobEnd, "")

	if err := e.client.TransmitJobOutcome(ctx, r.rundir); err != nil {
		log.Warn("outcome transmission failed", zap.Error(err))
		e.preserve(r.rundir, r.id)
	} else {
		log.Info("job complete")
	}

	if err := e.client.WaitForServer(ctx); err != nil {
		return
	}
	empty := ""
	if err := e.client.PostAgentData(ctx, types.AgentData{JobID: &empty}); err != nil {
		log.Warn("cannot clear job from agent record", zap.Error(err))
	}
}

// prepareRundir creates the run directory, writes the job document verbatim,
// and unpacks the job's attachment archive when it has one.
func (e *Engine) prepareRundir(ctx context.Context, r *jobRun) error {
	if err := os.MkdirAll(r.rundir, 0750); err != nil {
		return fmt.Errorf("engine: create rundir: %w", err)
	}
	if err := os.WriteFile(filepath.Join(r.rundir, client.JobFileName), r.raw, 0640); err != nil {
		return fmt.Errorf("engine: write job document: %w", err)
	}

	archive := filepath.Join(r.rundir, attachmentsArchiveName)
	found, err := e.client.DownloadAttachments(ctx, r.id, archive)
	if err != nil {
		return fmt.Errorf("engine: download attachments: %w", err)
	}
	if !found {
		return nil
	}
	defer os.Remove(archive)

	f, err := os.Open(archive)
	if err != nil {
		return fmt.Errorf("engine: open attachment archive: %w", err)
	}
	defer f.Close()
	if err := attachments.Extract(f, filepath.Join(r.rundir, attachments.Dir)); err != nil {
		return err
	}
	return e.scrubAttachments(r)
}

// scrubAttachments removes attachment bookkeeping from the job document after
// a successful unpack, both on disk and in the in-memory spec, so phase-data
// presence means what downstream tooling expects.
func (e *Engine) scrubAttachments(r *jobRun) error {
	var doc map[string]any
	if err := json.Unmarshal(r.raw, &doc); err != nil {
		return fmt.Errorf("engine: scrub job document: %w", err)
	}
	attachments.ScrubSpec(doc)
	raw, err := json.Marshal(doc)
	if err != nil {
		return fmt.Errorf("engine: scrub job document: %w", err)
	}
	var spec types.JobSpec
	if err := json.Unmarshal(raw, &spec); err != nil {
		return fmt.Errorf("engine: scrub job document: %w", err)
	}
	if err := os.WriteFile(filepath.Join(r.rundir, client.JobFileName), raw, 0640); err != nil {
		return fmt.Errorf("engine: rewrite job document: %w", err)
	}
	r.raw = raw
	r.spec = spec
	return nil
}

// runPhases walks the ordered phase sequence, stopping early on
// cancellation, a recovery failure, or a failed non-test phase.
func (e *Engine) runPhases(ctx context.Context, r *jobRun, log *zap.Logger) {
	for _, phase := range types.RunPhases {
		if ctx.Err() != nil {
			return
		}
		if state, err := e.client.CheckJobState(ctx, r.id); err == nil && state == types.JobStateCancelled {
			log.Info("job cancelled before phase", zap.String("phase", string(phase)))
			e.emit(ctx, r, types.EventCancelled, "")
			return
		}
		// Operator requests accumulate here; the loop acts on them after
		// the job, never in the middle of it.
		e.syncServerStatus(ctx)

		res, ran := e.runPhase(ctx, r, phase)
		if !ran {
			continue
		}

		if phase == types.PhaseProvision {
			if err := e.client.PostProvisionLog(ctx, r.id, res.ExitCode, res.ExitReason); err != nil {
				log.Warn("provision log post failed", zap.Error(err))
			}
		}

		if res.ExitCode == recoveryFailedExitCode {
			comment := offlineComment(phase, r.id)
			log.Error("device recovery failed, going offline", zap.String("phase", string(phase)))
			e.status.Update(comment, false, true)
			e.reportState(ctx, types.AgentStateOffline, comment)
			e.emit(ctx, r, types.EventRecoveryFail, res.ExitReason)
			return
		}
		if res.ExitEvent == types.EventCancelled {
			return
		}
		if res.ExitCode != 0 && phase != types.PhaseTest {
			log.Info("phase failed, stopping run",
				zap.String("phase", string(phase)), zap.Int("exit_code", res.ExitCode))
			return
		}

		if phase == types.PhaseAllocate && res.ExitCode == 0 {
			e.holdAllocation(ctx, r, log)
		}
	}
}

// runPhase executes one phase and returns its result, or ran=false when the
// phase was skipped. Skipped phases leave no trace in the outcome.
func (e *Engine) runPhase(ctx context.Context, r *jobRun, phase types.Phase) (runner.Result, bool) {
	command := e.cfg.PhaseCommand(phase)
	if command == "" {
		e.logger.Debug("phase has no command, skipping", zap.String("phase", string(phase)))
		return runner.Result{}, false
	}
	if dataPhases[phase] {
		data := r.spec.PhaseData(phase)
		if data == nil {
			e.logger.Debug("phase has no data, skipping", zap.String("phase", string(phase)))
			return runner.Result{}, false
		}
		if skip, _ := data["skip"].(bool); skip {
			e.logger.Info("phase skipped by job", zap.String("phase", string(phase)))
			return runner.Result{}, false
		}
	}

	if err := e.client.PostJobState(ctx, r.id, types.JobState(phase)); err != nil {
		e.logger.Warn("job state update failed", zap.Error(err))
	}
	e.reportState(ctx, types.AgentState(phase), "")
	e.emit(ctx, r, types.PhaseStart(phase), "")

	res, err := e.execute(ctx, r, phase, command)
	if err != nil {
		// The phase never ran; report it as failed and let cleanup restore
		// the device.
		e.logger.Error("phase could not run",
			zap.String("phase", string(phase)), zap.Error(err))
		e.writeConnectorError(r, phase, err)
		res = runner.Result{ExitCode: phaseErrorExitCode, ExitReason: err.Error()}
	}

	e.recordPhase(r, phase, res)
	if res.ExitEvent != "" {
		e.emit(ctx, r, res.ExitEvent, res.ExitReason)
	}
	if res.ExitCode == 0 {
		e.emit(ctx, r, types.PhaseSuccess(phase), "")
	} else {
		e.emit(ctx, r, types.PhaseFail(phase), res.ExitReason)
	}
	return res, true
}

// execute builds a runner for one phase and supervises the command.
func (e *Engine) execute(ctx context.Context, r *jobRun, phase types.Phase, command string) (runner.Result, error) {
	run := runner.New(r.rundir, e.cfg.Env(), e.logger)
	run.SetPollInterval(e.outputPollInterval)

	lw, err := runner.NewLogWriter(filepath.Join(r.rundir, string(phase)+".log"))
	if err != nil {
		return runner.Result{}, err
	}
	defer lw.Close()
	run.AddOutputHandler(lw)
	run.AddOutputHandler(runner.NewLivePoster(e.client, r.id, types.LogTypeOutput, phase, e.logger))

	// Reserve holds a device for interactive use; its duration is bounded
	// by submit-time policy, not the global timeout.
	if phase != types.PhaseReserve {
		limit := effectiveTimeout(r.spec.GlobalTimeout, e.cfg.GlobalTimeout, maxGlobalTimeout)
		run.AddChecker(runner.NewGlobalTimeoutChecker(limit))
	}
	if phase == types.PhaseTest {
		limit := effectiveTimeout(r.spec.OutputTimeout, e.cfg.OutputTimeout, maxOutputTimeout)
		ot := runner.NewOutputTimeoutChecker(limit)
		run.AddOutputHandler(ot)
		run.AddChecker(ot)
	}
	// Provisioning must not be interrupted mid-write, and a cancelled job
	// still needs its cleanup; every other phase honours a cancel within
	// one poll interval.
	if phase != types.PhaseProvision && phase != types.PhaseCleanup {
		run.AddChecker(runner.NewJobCancelledChecker(e.client, r.id))
	}

	return run.Run(ctx, command)
}

// recordPhase folds one phase result into the outcome document and persists
// it, so a crash mid-run still leaves a shippable partial outcome on disk.
func (e *Engine) recordPhase(r *jobRun, phase types.Phase, res runner.Result) {
	r.outcome[types.PhaseStatusKey(phase)] = res.ExitCode
	if out := readTail(filepath.Join(r.rundir, string(phase)+".log"), e.cfg.OutputBytes); out != "" {
		r.outcome[types.PhaseOutputKey(phase)] = out
	}
	if serial := readTail(filepath.Join(r.rundir, string(phase)+"-serial.log"), e.cfg.OutputBytes); serial != "" {
		r.outcome[types.PhaseSerialKey(phase)] = serial
	}
	if err := writeJSON(filepath.Join(r.rundir, client.OutcomeFileName), r.outcome); err != nil {
		e.logger.Error("cannot persist outcome", zap.Error(err))
	}
}

// recordRunError marks a job that failed before its first phase so the
// uploaded outcome explains what happened.
func (e *Engine) recordRunError(r *jobRun, stage string, err error) {
	r.outcome[types.PhaseStatusKey(types.PhaseSetup)] = phaseErrorExitCode
	r.outcome[types.PhaseOutputKey(types.PhaseSetup)] = fmt.Sprintf("%s: %v\n", stage, err)
	if werr := writeJSON(filepath.Join(r.rundir, client.OutcomeFileName), r.outcome); werr != nil {
		e.logger.Error("cannot persist outcome", zap.Error(werr))
	}
}

// runCleanup runs the cleanup phase regardless of how the run ended.
func (e *Engine) runCleanup(ctx context.Context, r *jobRun) {
	if err := ctx.Err(); err != nil {
		return
	}
	e.runPhase(ctx, r, types.PhaseCleanup)
}

// holdAllocation implements the allocate phase's tail: publish the device
// info written by the connector, move the job to allocated, and hold the
// device until this job or its parent reaches a terminal state.
func (e *Engine) holdAllocation(ctx context.Context, r *jobRun, log *zap.Logger) {
	for {
		if err := e.postDeviceInfo(ctx, r); err == nil {
			break
		} else {
			log.Warn("device info post failed, retrying", zap.Error(err))
		}
		if !e.sleep(ctx, e.allocateInterval) {
			return
		}
	}

	if err := e.client.PostJobState(ctx, r.id, types.JobStateAllocated); err != nil {
		log.Warn("cannot mark job allocated", zap.Error(err))
	}
	e.reportState(ctx, types.AgentState(types.JobStateAllocated), "")
	log.Info("device allocated, holding until released")

	for {
		if state, err := e.client.CheckJobState(ctx, r.id); err == nil && state.Terminal() {
			return
		}
		if parent := r.spec.ParentJobID; parent != "" {
			if state, err := e.client.CheckJobState(ctx, parent); err == nil && state.Terminal() {
				return
			}
		}
		if !e.sleep(ctx, e.allocateInterval) {
			return
		}
	}
}

// postDeviceInfo reads the connector's device-info.json and merges it into
// the job's result document.
func (e *Engine) postDeviceInfo(ctx context.Context, r *jobRun) error {
	raw, err := os.ReadFile(filepath.Join(r.rundir, deviceInfoFileName))
	if err != nil {
		return fmt.Errorf("engine: read device info: %w", err)
	}
	var info map[string]any
	if err := json.Unmarshal(raw, &info); err != nil {
		return fmt.Errorf("engine: decode device info: %w", err)
	}
	return e.client.PostResult(ctx, r.id, map[string]any{"device_info": info})
}

// writeConnectorError records why a phase failed to run, in the rundir, for
// whoever debugs the device later.
func (e *Engine) writeConnectorError(r *jobRun, phase types.Phase, err error) {
	doc := map[string]any{
		"phase":     string(phase),
		"error":     err.Error(),
		"timestamp": time.Now().UTC().Format(time.RFC3339),
	}
	if werr := writeJSON(filepath.Join(r.rundir, connectorErrorFileName), doc); werr != nil {
		e.logger.Warn("cannot write connector error file", zap.Error(werr))
	}
}

// emit sends one lifecycle event to the job's status webhook. Webhook
// trouble never disturbs a run.
func (e *Engine) emit(ctx context.Context, r *jobRun, name types.EventName, detail string) {
	if r.spec.JobStatusWebhook == "" {
		return
	}
	ev := types.StatusEvent{EventName: name, Timestamp: time.Now().UTC(), Detail: detail}
	err := e.client.PostStatusUpdate(ctx, r.spec.JobQueue, r.spec.JobStatusWebhook, r.id, []types.StatusEvent{ev})
	if err != nil {
		e.logger.Debug("status event dropped",
			zap.String("event", string(name)), zap.Error(err))
	}
}

// writeJSON writes doc to path via temp file + rename so readers never see a
// torn document.
func writeJSON(path string, doc any) error {
	raw, err := json.MarshalIndent(doc, "", "  ")
	if err != nil {
		return err
	}
	tmp, err := os.CreateTemp(filepath.Dir(path), filepath.Base(path)+".*.tmp")
	if err != nil {
		return err
	}
	tmpPath := tmp.Name()
	ok := false
	defer func() {
		if !ok {
			os.Remove(tmpPath)
		}
	}()
	if _, err := tmp.Write(raw); err != nil {
		tmp.Close()
		return err
	}
	if err := tmp.Close(); err != nil {
		return err
	}
	if err := os.Rename(tmpPath, path); err != nil {
		return err
	}
	ok = true
	return nil
}

// readTail returns the last limit bytes of the file at path, or everything
// when the file is smaller. Missing files read as empty.
func readTail(path string, limit int) string {
	raw, err := os.ReadFile(path)
	if err != nil {
		return ""
	}
	if limit > 0 && len(raw) > limit {
		raw = raw[len(raw)-limit:]
	}
	return string(raw)
}
