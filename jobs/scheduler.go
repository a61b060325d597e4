package jobs

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"slices"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/ruteri/device-provisioning-backend/interfaces"
	"github.com/ruteri/device-provisioning-backend/serial"
)

// DefaultMaxHistory is the number of jobs kept in memory when Config.MaxHistory is unset.
const DefaultMaxHistory = 1000

// ErrSchedulerClosed is the failure reason of jobs still queued at shutdown.
var ErrSchedulerClosed = errors.New("scheduler is shutting down")

// Config controls where artifacts land on the device and how much job
// history is retained.
type Config struct {
	RemotePrimaryPath string
	RemoteBootPath    string

	// MaxHistory bounds the number of jobs kept for inspection; the oldest
	// terminal jobs are evicted first.
	MaxHistory int
}

// Pusher copies one artifact to the device while the caller holds the link.
type Pusher interface {
	Push(ctx context.Context, token *serial.Token, artifact interfaces.Artifact, remotePath string) error
}

// Spec identifies what a job provisions.
type Spec struct {
	DeviceID   string
	Selections []interfaces.PeripheralSelection
}

// Scheduler owns every provisioning job. It runs one goroutine per job and
// serializes their use of the serial link through a FIFO permit, so jobs
// reach the device in submission order.
type Scheduler struct {
	cfg       Config
	generator interfaces.ArtifactGenerator
	link      *serial.Link
	pusher    Pusher
	archive   interfaces.StorageBackend
	observers []interfaces.EventObserver
	log       *slog.Logger
	now       func() time.Time

	ctx    context.Context
	cancel context.CancelFunc
	wg     sync.WaitGroup

	mu    sync.Mutex
	jobs  map[string]*job
	order []string
}

// Option configures optional scheduler collaborators.
type Option func(*Scheduler)

// WithArchive stores every generated artifact in backend. Archive failures
// are logged and never fail the job.
func WithArchive(backend interfaces.StorageBackend) Option {
	return func(s *Scheduler) {
		s.archive = backend
	}
}

// WithObserver registers an observer that sees every event of every job.
func WithObserver(o interfaces.EventObserver) Option {
	return func(s *Scheduler) {
		s.observers = append(s.observers, o)
	}
}

// NewScheduler creates a scheduler. Jobs run until Shutdown is called.
func NewScheduler(cfg Config, generator interfaces.ArtifactGenerator, link *serial.Link, pusher Pusher, log *slog.Logger, opts ...Option) *Scheduler {
	if cfg.RemotePrimaryPath == "" {
		cfg.RemotePrimaryPath = "main.py"
	}
	if cfg.RemoteBootPath == "" {
		cfg.RemoteBootPath = "boot.py"
	}
	if cfg.MaxHistory <= 0 {
		cfg.MaxHistory = DefaultMaxHistory
	}

	ctx, cancel := context.WithCancel(context.Background())
	s := &Scheduler{
		cfg:       cfg,
		generator: generator,
		link:      link,
		pusher:    pusher,
		log:       log,
		now:       time.Now,
		ctx:       ctx,
		cancel:    cancel,
		jobs:      make(map[string]*job),
	}
	for _, opt := range opts {
		opt(s)
	}
	return s
}

// Submit creates a job for spec and starts it. The selection is validated
// synchronously: an invalid selection yields a failed job with a single
// error event and never touches the serial link. Otherwise the job takes
// its place in the serial link queue before Submit returns.
//
// The returned error is the validation error, if any; the job snapshot is
// valid in both cases. sink may be nil.
func (s *Scheduler) Submit(spec Spec, sink Sink) (Job, error) {
	return s.submit(spec, "", 1, sink)
}

// Retry creates a new job for the device and peripherals of the failed job
// jobID. It fails with JobNotFound or JobNotRetryable.
func (s *Scheduler) Retry(jobID string, sink Sink) (Job, error) {
	s.mu.Lock()
	orig, ok := s.jobs[jobID]
	s.mu.Unlock()
	if !ok {
		return Job{}, interfaces.NewProvisionError(interfaces.CodeJobNotFound, jobID, interfaces.ErrJobNotFound)
	}

	prev := orig.snapshot()
	if prev.State != StateFailed {
		return Job{}, interfaces.NewProvisionError(interfaces.CodeJobNotRetryable, jobID,
			fmt.Errorf("%w: job is %s", interfaces.ErrJobNotRetryable, prev.State))
	}

	s.log.Info("Retrying provisioning job",
		slog.String("job_id", jobID),
		slog.String("device_id", prev.DeviceID),
		slog.Int("attempt", prev.Attempt+1))

	return s.submit(Spec{DeviceID: prev.DeviceID, Selections: prev.Selections}, jobID, prev.Attempt+1, sink)
}

func (s *Scheduler) submit(spec Spec, retryOf string, attempt int, sink Sink) (Job, error) {
	now := s.now()
	j := &job{
		id:         uuid.NewString(),
		deviceID:   spec.DeviceID,
		selections: slices.Clone(spec.Selections),
		state:      StateQueued,
		retryOf:    retryOf,
		attempt:    attempt,
		createdAt:  now,
		updatedAt:  now,
		sink:       sink,
	}

	s.mu.Lock()
	s.jobs[j.id] = j
	s.order = append(s.order, j.id)
	s.mu.Unlock()

	log := s.log.With(slog.String("job_id", j.id), slog.String("device_id", j.deviceID))

	if err := s.generator.Validate(j.selections); err != nil {
		log.Info("Rejected provisioning job", "err", err)
		s.fail(j, err)
		return j.snapshot(), err
	}

	s.mu.Lock()
	if s.ctx.Err() != nil {
		s.mu.Unlock()
		s.fail(j, ErrSchedulerClosed)
		return j.snapshot(), ErrSchedulerClosed
	}
	ticket := s.link.Enqueue()
	s.wg.Add(1)
	s.mu.Unlock()

	log.Info("Queued provisioning job",
		slog.Int("peripherals", len(j.selections)),
		slog.Int("attempt", attempt))

	go s.run(j, ticket, log)

	return j.snapshot(), nil
}

func (s *Scheduler) run(j *job, ticket *serial.Ticket, log *slog.Logger) {
	defer s.wg.Done()

	token, err := ticket.Wait(s.ctx)
	if err != nil {
		s.fail(j, ErrSchedulerClosed)
		return
	}

	// Copies are never interrupted; shutdown only fails jobs still queued.
	if err := s.drive(context.WithoutCancel(s.ctx), j, token, log); err != nil {
		log.Warn("Provisioning job failed", "err", err)
		s.fail(j, err)
		return
	}

	s.transition(j, StateFinished, interfaces.StepFinish, interfaces.StatusFinished,
		fmt.Sprintf("Device %s provisioned", j.deviceID), "")
	log.Info("Provisioning job finished")
}

// drive runs the serial-link steps of a job. The token is released before
// drive returns, whatever the outcome.
func (s *Scheduler) drive(ctx context.Context, j *job, token *serial.Token, log *slog.Logger) error {
	defer token.Release()

	s.transition(j, StateGenerating, interfaces.StepGenerate, interfaces.StatusInfo,
		fmt.Sprintf("Generating firmware for %d peripherals", len(j.selections)), "")

	artifacts, err := s.generator.Generate(j.deviceID, j.selections)
	if err != nil {
		return err
	}
	s.archiveArtifacts(ctx, artifacts, log)

	s.transition(j, StateTransferringPrimary, interfaces.StepTransferPrimary, interfaces.StatusInfo,
		fmt.Sprintf("Copying %s to the device", s.cfg.RemotePrimaryPath), "")
	if err := s.pusher.Push(ctx, token, artifacts.Primary, s.cfg.RemotePrimaryPath); err != nil {
		return err
	}

	s.transition(j, StateTransferringBoot, interfaces.StepTransferBoot, interfaces.StatusInfo,
		fmt.Sprintf("Copying %s to the device", s.cfg.RemoteBootPath), "")
	if err := s.pusher.Push(ctx, token, artifacts.Boot, s.cfg.RemoteBootPath); err != nil {
		return err
	}

	return nil
}

func (s *Scheduler) archiveArtifacts(ctx context.Context, artifacts *interfaces.Artifacts, log *slog.Logger) {
	if s.archive == nil {
		return
	}
	for _, a := range []interfaces.Artifact{artifacts.Primary, artifacts.Boot} {
		if _, err := s.archive.Store(ctx, a.Content, a.Kind); err != nil {
			log.Warn("Failed to archive artifact",
				slog.String("artifact", a.Name),
				slog.String("backend", s.archive.Name()),
				"err", err)
		}
	}
}

// fail records the failure of j at the step of its current state.
func (s *Scheduler) fail(j *job, cause error) {
	step := stateStep[j.currentState()]
	code := interfaces.CodeOf(cause)

	j.mu.Lock()
	j.lastError = cause.Error()
	j.errorCode = code
	j.mu.Unlock()

	s.transition(j, StateFailed, step, interfaces.StatusError, cause.Error(), code)
}

// transition moves j to state and emits the matching event to the job's
// sink and every observer.
func (s *Scheduler) transition(j *job, state State, step string, status interfaces.EventStatus, message string, code interfaces.ErrorCode) {
	now := s.now()

	j.mu.Lock()
	if !CanTransition(j.state, state) {
		from := j.state
		j.mu.Unlock()
		panic(fmt.Sprintf("jobs: invalid transition %s -> %s", from, state))
	}
	j.state = state
	j.updatedAt = now
	event := interfaces.ProgressEvent{
		JobID:    j.id,
		DeviceID: j.deviceID,
		Seq:      len(j.events) + 1,
		Step:     step,
		Message:  message,
		Status:   status,
		Code:     code,
		Time:     now,
	}
	j.events = append(j.events, event)
	sink := j.sink
	j.mu.Unlock()

	if sink != nil {
		sink.Deliver(event)
	}
	for _, o := range s.observers {
		o.Observe(event)
	}

	if state.Terminal() {
		s.evict()
	}
}

// evict drops the oldest terminal jobs beyond the history bound.
func (s *Scheduler) evict() {
	s.mu.Lock()
	defer s.mu.Unlock()

	excess := len(s.order) - s.cfg.MaxHistory
	if excess <= 0 {
		return
	}

	kept := s.order[:0]
	for _, id := range s.order {
		if excess > 0 && s.jobs[id].currentState().Terminal() {
			delete(s.jobs, id)
			excess--
			continue
		}
		kept = append(kept, id)
	}
	clear(s.order[len(kept):])
	s.order = kept
}

// Job returns a snapshot of the job with the given id.
func (s *Scheduler) Job(id string) (Job, bool) {
	s.mu.Lock()
	j, ok := s.jobs[id]
	s.mu.Unlock()
	if !ok {
		return Job{}, false
	}
	return j.snapshot(), true
}

// Jobs returns snapshots of the retained jobs of a device, oldest first.
func (s *Scheduler) Jobs(deviceID string) []Job {
	s.mu.Lock()
	var matching []*job
	for _, id := range s.order {
		if j := s.jobs[id]; j.deviceID == deviceID {
			matching = append(matching, j)
		}
	}
	s.mu.Unlock()

	out := make([]Job, 0, len(matching))
	for _, j := range matching {
		out = append(out, j.snapshot())
	}
	return out
}

// Shutdown stops accepting work, fails jobs still waiting for the serial
// link and waits for running jobs until ctx is done. A transfer in progress
// is allowed to complete.
func (s *Scheduler) Shutdown(ctx context.Context) error {
	s.mu.Lock()
	s.cancel()
	s.mu.Unlock()

	done := make(chan struct{})
	go func() {
		s.wg.Wait()
		close(done)
	}()

	select {
	case <-done:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}
