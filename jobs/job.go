package jobs

import (
	"slices"
	"sync"
	"time"

	"github.com/ruteri/device-provisioning-backend/interfaces"
)

// State is the lifecycle state of a provisioning job.
type State string

const (
	StateQueued              State = "queued"
	StateGenerating          State = "generating"
	StateTransferringPrimary State = "transferring-primary"
	StateTransferringBoot    State = "transferring-boot"
	StateFinished            State = "finished"
	StateFailed              State = "failed"
)

// Terminal reports whether no further transition can leave the state.
func (s State) Terminal() bool {
	return s == StateFinished || s == StateFailed
}

// stateStep maps a non-terminal state to the step name reported for it.
var stateStep = map[State]string{
	StateQueued:              interfaces.StepGenerate,
	StateGenerating:          interfaces.StepGenerate,
	StateTransferringPrimary: interfaces.StepTransferPrimary,
	StateTransferringBoot:    interfaces.StepTransferBoot,
}

// validTransitions lists the edges of the job state machine.
var validTransitions = map[State][]State{
	StateQueued:              {StateGenerating, StateFailed},
	StateGenerating:          {StateTransferringPrimary, StateFailed},
	StateTransferringPrimary: {StateTransferringBoot, StateFailed},
	StateTransferringBoot:    {StateFinished, StateFailed},
}

// CanTransition reports whether from -> to is an edge of the state machine.
func CanTransition(from, to State) bool {
	return slices.Contains(validTransitions[from], to)
}

// Job is a point-in-time snapshot of a provisioning job.
type Job struct {
	ID         string                           `json:"id"`
	DeviceID   string                           `json:"deviceId"`
	Selections []interfaces.PeripheralSelection `json:"peripherals"`
	State      State                            `json:"state"`
	LastError  string                           `json:"lastError,omitempty"`
	ErrorCode  interfaces.ErrorCode             `json:"errorCode,omitempty"`
	RetryOf    string                           `json:"retryOf,omitempty"`
	Attempt    int                              `json:"attempt"`
	CreatedAt  time.Time                        `json:"createdAt"`
	UpdatedAt  time.Time                        `json:"updatedAt"`
	Events     []interfaces.ProgressEvent       `json:"events"`
}

// Sink receives the events of the jobs it was registered for. Deliver must
// not block: it is called from the job's goroutine.
type Sink interface {
	Deliver(event interfaces.ProgressEvent)
}

// SinkFunc adapts a function to the Sink interface.
type SinkFunc func(event interfaces.ProgressEvent)

func (f SinkFunc) Deliver(event interfaces.ProgressEvent) {
	f(event)
}

// job is the scheduler-owned mutable job. Only the goroutine driving the
// job mutates it; mu guards snapshots taken concurrently.
type job struct {
	mu sync.Mutex

	id         string
	deviceID   string
	selections []interfaces.PeripheralSelection
	state      State
	lastError  string
	errorCode  interfaces.ErrorCode
	retryOf    string
	attempt    int
	createdAt  time.Time
	updatedAt  time.Time
	events     []interfaces.ProgressEvent

	sink Sink
}

func (j *job) snapshot() Job {
	j.mu.Lock()
	defer j.mu.Unlock()

	return Job{
		ID:         j.id,
		DeviceID:   j.deviceID,
		Selections: slices.Clone(j.selections),
		State:      j.state,
		LastError:  j.lastError,
		ErrorCode:  j.errorCode,
		RetryOf:    j.retryOf,
		Attempt:    j.attempt,
		CreatedAt:  j.createdAt,
		UpdatedAt:  j.updatedAt,
		Events:     slices.Clone(j.events),
	}
}

func (j *job) currentState() State {
	j.mu.Lock()
	defer j.mu.Unlock()
	return j.state
}
