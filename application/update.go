package application

import (
	"context"
	"errors"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/rs/zerolog"
)

type UpdateState int

const (
	UpdateIdle UpdateState = iota
	UpdateDownloading
	UpdateVerifying
	UpdateApplying
	UpdateFailed
	UpdateSucceeded
)

func (s UpdateState) String() string {
	switch s {
	case UpdateIdle:
		return "idle"
	case UpdateDownloading:
		return "downloading"
	case UpdateVerifying:
		return "verifying"
	case UpdateApplying:
		return "applying"
	case UpdateFailed:
		return "failed"
	case UpdateSucceeded:
		return "succeeded"
	default:
		return "unknown"
	}
}

type UpdateFailure string

const (
	FailureNone         UpdateFailure = ""
	FailureDownload     UpdateFailure = "download_error"
	FailureVerification UpdateFailure = "verification_error"
	FailureApply        UpdateFailure = "apply_error"
)

type UpdateOutcome string

const (
	OutcomeSucceeded UpdateOutcome = "succeeded"
	OutcomeFailed    UpdateOutcome = "failed"
	// OutcomeDeferred is not terminal: the verified image waits for the
	// emergency to be cleared.
	OutcomeDeferred UpdateOutcome = "deferred"
)

type UpdateRequest struct {
	URL      string
	Version  string
	Checksum string
	Size     int64
}

// Key identifies a request for deduplication of broker redeliveries. Without
// a version the checksum tells apart different images behind the same URL.
func (r UpdateRequest) Key() string {
	if r.Version != "" {
		return "version:" + r.Version
	}
	if r.Checksum != "" {
		return "url:" + r.URL + "#" + r.Checksum
	}
	return "url:" + r.URL
}

type UpdateDecision int

const (
	UpdateAccepted UpdateDecision = iota
	UpdateBusy
	UpdateDeferred
	UpdateDuplicate
	UpdateAlreadyApplied
	UpdateInvalid
)

func (d UpdateDecision) String() string {
	switch d {
	case UpdateAccepted:
		return "accepted"
	case UpdateBusy:
		return "busy"
	case UpdateDeferred:
		return "deferred"
	case UpdateDuplicate:
		return "duplicate"
	case UpdateAlreadyApplied:
		return "already_applied"
	case UpdateInvalid:
		return "invalid"
	default:
		return "unknown"
	}
}

type UpdateResult struct {
	JobID     uint64        `json:"job"`
	RequestID string        `json:"request_id,omitempty"`
	URL       string        `json:"url"`
	Version   string        `json:"version,omitempty"`
	Outcome   UpdateOutcome `json:"outcome"`
	Reason    UpdateFailure `json:"reason,omitempty"`
	Detail    string        `json:"detail,omitempty"`
	At        time.Time     `json:"at"`
}

// UpdateJob tracks one update attempt. It exists only while the update is in
// flight.
type UpdateJob struct {
	ID        uint64
	RequestID string
	Request   UpdateRequest
	State     UpdateState
	Held      bool

	stagedPath string
	cancel     context.CancelFunc
}

type updateEventKind int

const (
	updateDownloaded updateEventKind = iota + 1
	updateInstalled
)

// UpdateEvent carries the completion of an asynchronous download or install
// back into the control loop.
type UpdateEvent struct {
	JobID uint64

	kind   updateEventKind
	path   string
	size   int64
	digest ImageDigest
	err    error
}

type UpdateReporter interface {
	PublishUpdateResult(res UpdateResult) error
}

type UpdateOrchestratorParams struct {
	Fetcher   FirmwareFetcher
	Installer FirmwareInstaller
	Restarter Restarter
	Reporter  UpdateReporter

	// Post delivers asynchronous completions to the owner's loop, which hands
	// them back through HandleEvent.
	Post func(ev UpdateEvent)
	// OnResult is called before every result is published.
	OnResult func(res UpdateResult)
	// BeforeRestart runs after a successful apply, right before the restart.
	BeforeRestart func()
	// RestartFailed is called when the restart after an apply returns.
	RestartFailed func(err error)

	Settings       UpdateSettings
	StagingDir     string
	RunningVersion string
	// AppliedPath persists the key of the last applied update. Empty keeps it
	// in memory only.
	AppliedPath string
	Clock          Clock

	Log zerolog.Logger
}

type UpdateOrchestrator struct {
	params UpdateOrchestratorParams

	job        *UpdateJob
	nextID     uint64
	appliedKey string

	log zerolog.Logger
}

func NewUpdateOrchestrator(params UpdateOrchestratorParams) (*UpdateOrchestrator, error) {
	if params.Fetcher == nil {
		return nil, fmt.Errorf("Fetcher is nil")
	}
	if params.Installer == nil {
		return nil, fmt.Errorf("Installer is nil")
	}
	if params.Restarter == nil {
		return nil, fmt.Errorf("Restarter is nil")
	}
	if params.Reporter == nil {
		return nil, fmt.Errorf("Reporter is nil")
	}
	if params.Post == nil {
		return nil, fmt.Errorf("Post is nil")
	}
	if params.Clock == nil {
		params.Clock = SystemClock{}
	}
	if params.StagingDir == "" {
		params.StagingDir = os.TempDir()
	}
	o := &UpdateOrchestrator{params: params, log: params.Log}
	o.appliedKey = o.loadAppliedKey()
	return o, nil
}

// Job returns a copy of the in-flight job.
func (o *UpdateOrchestrator) Job() (UpdateJob, bool) {
	if o.job == nil {
		return UpdateJob{}, false
	}
	return *o.job, true
}

func (o *UpdateOrchestrator) State() UpdateState {
	if o.job == nil {
		return UpdateIdle
	}
	return o.job.State
}

func (o *UpdateOrchestrator) Request(ctx context.Context, requestID string, req UpdateRequest, emergency bool) UpdateDecision {
	log := o.log.With().Str("url", req.URL).Str("version", req.Version).Logger()

	if req.URL == "" {
		return UpdateInvalid
	}
	if o.job != nil {
		if o.job.Request.Key() == req.Key() {
			log.Info().Uint64("job", o.job.ID).Msg("update already in flight")
			return UpdateDuplicate
		}
		log.Warn().Uint64("job", o.job.ID).Msg("update rejected, another job in flight")
		return UpdateBusy
	}
	if req.Key() == o.appliedKey || (req.Version != "" && req.Version == o.params.RunningVersion) {
		log.Info().Msg("update already applied")
		return UpdateAlreadyApplied
	}
	if emergency {
		log.Warn().Msg("update deferred, emergency active")
		return UpdateDeferred
	}

	o.nextID++
	dctx, cancel := context.WithTimeout(ctx, o.params.Settings.DownloadTimeout)
	job := &UpdateJob{
		ID:        o.nextID,
		RequestID: requestID,
		Request:   req,
		State:     UpdateDownloading,
		cancel:    cancel,
	}
	o.job = job

	log.Info().Uint64("job", job.ID).Msg("update download started")
	go func() {
		defer cancel()
		o.params.Post(o.download(dctx, job.ID, req))
	}()

	return UpdateAccepted
}

// HandleEvent advances the job with a download or install completion.
func (o *UpdateOrchestrator) HandleEvent(ev UpdateEvent, emergency bool) {
	job := o.job
	if job == nil || job.ID != ev.JobID {
		if ev.path != "" {
			os.Remove(ev.path)
		}
		return
	}

	switch ev.kind {
	case updateDownloaded:
		if job.State != UpdateDownloading {
			return
		}
		if ev.err != nil {
			o.finish(OutcomeFailed, FailureDownload, ev.err)
			return
		}

		job.stagedPath = ev.path
		o.setState(UpdateVerifying)
		if err := verifyImage(job.Request, ev.size, ev.digest, o.params.Settings.RequireChecksum); err != nil {
			o.finish(OutcomeFailed, FailureVerification, err)
			return
		}
		o.log.Info().Uint64("job", job.ID).Int64("size", ev.size).Msg("firmware image verified")

		if emergency {
			job.Held = true
			o.report(OutcomeDeferred, FailureNone, errors.New("emergency active, apply held until cleared"))
			return
		}
		o.apply()

	case updateInstalled:
		if job.State != UpdateApplying {
			return
		}
		if ev.err != nil {
			o.finish(OutcomeFailed, FailureApply, ev.err)
			return
		}
		o.finish(OutcomeSucceeded, FailureNone, nil)
	}
}

// EmergencyCleared resumes a verified image held back by an emergency.
func (o *UpdateOrchestrator) EmergencyCleared() {
	if o.job == nil || !o.job.Held {
		return
	}
	o.log.Info().Uint64("job", o.job.ID).Msg("resuming held update")
	o.apply()
}

// Shutdown cancels an in-flight download. An apply is never interrupted.
func (o *UpdateOrchestrator) Shutdown() {
	if o.job != nil && o.job.State == UpdateDownloading && o.job.cancel != nil {
		o.job.cancel()
	}
}

func (o *UpdateOrchestrator) apply() {
	job := o.job
	job.Held = false
	o.setState(UpdateApplying)

	id, path := job.ID, job.stagedPath
	go func() {
		// applying is not abortable; only the timeout bounds it
		ctx, cancel := context.WithTimeout(context.Background(), o.params.Settings.ApplyTimeout)
		defer cancel()
		err := o.params.Installer.Install(ctx, path)
		o.params.Post(UpdateEvent{JobID: id, kind: updateInstalled, err: err})
	}()
}

func (o *UpdateOrchestrator) finish(outcome UpdateOutcome, reason UpdateFailure, err error) {
	job := o.job
	if outcome == OutcomeSucceeded {
		o.setState(UpdateSucceeded)
		o.appliedKey = job.Request.Key()
		if err := o.saveAppliedKey(o.appliedKey); err != nil {
			o.log.Warn().Err(err).Msg("applied update not recorded")
		}
	} else {
		o.setState(UpdateFailed)
	}

	o.report(outcome, reason, err)

	if job.stagedPath != "" {
		os.Remove(job.stagedPath)
	}
	if job.cancel != nil {
		job.cancel()
	}
	o.job = nil

	if outcome != OutcomeSucceeded {
		return
	}
	if o.params.BeforeRestart != nil {
		o.params.BeforeRestart()
	}
	if err := o.params.Restarter.Restart("firmware update " + job.Request.Version); err != nil {
		o.log.Error().Err(err).Msg("restart after update failed")
		if o.params.RestartFailed != nil {
			o.params.RestartFailed(err)
		}
	}
}

func (o *UpdateOrchestrator) loadAppliedKey() string {
	if o.params.AppliedPath == "" {
		return ""
	}
	data, err := os.ReadFile(o.params.AppliedPath)
	if err != nil {
		if !errors.Is(err, os.ErrNotExist) {
			o.log.Warn().Err(err).Msg("reading applied update failed")
		}
		return ""
	}
	return strings.TrimSpace(string(data))
}

func (o *UpdateOrchestrator) saveAppliedKey(key string) error {
	if o.params.AppliedPath == "" {
		return nil
	}
	tmp, err := os.CreateTemp(filepath.Dir(o.params.AppliedPath), ".applied-*")
	if err != nil {
		return err
	}
	defer os.Remove(tmp.Name())

	if _, err := tmp.WriteString(key + "\n"); err != nil {
		tmp.Close()
		return err
	}
	if err := tmp.Sync(); err != nil {
		tmp.Close()
		return err
	}
	if err := tmp.Close(); err != nil {
		return err
	}
	return os.Rename(tmp.Name(), o.params.AppliedPath)
}

func (o *UpdateOrchestrator) report(outcome UpdateOutcome, reason UpdateFailure, err error) {
	job := o.job
	res := UpdateResult{
		JobID:     job.ID,
		RequestID: job.RequestID,
		URL:       job.Request.URL,
		Version:   job.Request.Version,
		Outcome:   outcome,
		Reason:    reason,
		At:        o.params.Clock.Now(),
	}
	if err != nil {
		res.Detail = err.Error()
	}

	ev := o.log.Info()
	if outcome == OutcomeFailed {
		ev = o.log.Error()
	}
	ev.Uint64("job", job.ID).
		Str("outcome", string(outcome)).
		Str("reason", string(reason)).
		Str("detail", res.Detail).
		Msg("update result")

	if o.params.OnResult != nil {
		o.params.OnResult(res)
	}
	if err := o.params.Reporter.PublishUpdateResult(res); err != nil {
		o.log.Warn().Err(err).Uint64("job", job.ID).Msg("update result publish failed")
	}
}

func (o *UpdateOrchestrator) setState(s UpdateState) {
	o.log.Debug().Uint64("job", o.job.ID).Str("from", o.job.State.String()).Str("to", s.String()).Msg("update state")
	o.job.State = s
}

func (o *UpdateOrchestrator) download(ctx context.Context, jobID uint64, req UpdateRequest) UpdateEvent {
	ev := UpdateEvent{JobID: jobID, kind: updateDownloaded}

	f, err := os.CreateTemp(o.params.StagingDir, "firmware-*.img")
	if err != nil {
		ev.err = fmt.Errorf("create staging file: %w", err)
		return ev
	}

	digest := newImageDigest()
	var dst io.Writer = io.MultiWriter(f, digest)
	if o.params.Settings.MaxImageSize > 0 {
		dst = &limitedWriter{w: dst, remaining: o.params.Settings.MaxImageSize}
	}

	n, err := o.params.Fetcher.Fetch(ctx, req.URL, dst)
	if err == nil {
		err = f.Sync()
	}
	if cerr := f.Close(); err == nil {
		err = cerr
	}
	if err != nil {
		os.Remove(f.Name())
		ev.err = err
		return ev
	}

	ev.path = f.Name()
	ev.size = n
	ev.digest = digest.Sum()
	return ev
}

var errImageTooLarge = errors.New("update: image exceeds maximum size")

type limitedWriter struct {
	w         io.Writer
	remaining int64
}

func (l *limitedWriter) Write(p []byte) (int, error) {
	if int64(len(p)) > l.remaining {
		return 0, errImageTooLarge
	}
	n, err := l.w.Write(p)
	l.remaining -= int64(n)
	return n, err
}
