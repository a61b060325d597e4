package interfaces

import (
	"crypto/sha256"
	"encoding/hex"
	"fmt"
	"time"
)

// DataType is the declared type of a constructor parameter.
type DataType string

const (
	NumberType  DataType = "Number"
	StringType  DataType = "String"
	BooleanType DataType = "Boolean"
	ObjectType  DataType = "Object"
)

// Valid reports whether the data type is one the generator knows how to render.
func (t DataType) Valid() bool {
	switch t {
	case NumberType, StringType, BooleanType, ObjectType:
		return true
	default:
		return false
	}
}

// Range bounds a numeric parameter, inclusive on both ends.
type Range struct {
	Min float64 `json:"min" yaml:"min"`
	Max float64 `json:"max" yaml:"max"`
}

// Contains reports whether v lies within the range.
func (r Range) Contains(v float64) bool {
	return v >= r.Min && v <= r.Max
}

// ParameterSpec describes one constructor parameter of a peripheral.
type ParameterSpec struct {
	Name     string   `json:"name"`
	DataType DataType `json:"dataType"`

	// Default is only meaningful when HasDefault is set; a nil Default with
	// HasDefault renders as the firmware's null value.
	Default    any  `json:"default,omitempty"`
	HasDefault bool `json:"hasDefault"`
	Required   bool `json:"required"`

	AllowedValues []any  `json:"allowedValues,omitempty"`
	Range         *Range `json:"range,omitempty"`

	// Prefix is a rendering hint; "hex" renders numbers as 0x literals.
	Prefix  string `json:"prefix,omitempty"`
	Unit    string `json:"unit,omitempty"`
	Purpose string `json:"purpose,omitempty"`
}

// PeripheralSpec is the immutable constructor schema of a peripheral.
type PeripheralSpec struct {
	Name       string          `json:"name"`
	Module     string          `json:"module"`
	Class      string          `json:"class"`
	Purpose    string          `json:"purpose,omitempty"`
	Inherits   string          `json:"inherits,omitempty"`
	Parameters []ParameterSpec `json:"parameters"`
}

// Parameter returns the named parameter spec.
func (p PeripheralSpec) Parameter(name string) (ParameterSpec, bool) {
	for _, param := range p.Parameters {
		if param.Name == name {
			return param, true
		}
	}
	return ParameterSpec{}, false
}

// PeripheralCatalog is the read-only lookup of peripheral schemas.
// It is loaded once at process start and safe for concurrent use.
type PeripheralCatalog interface {
	// Lookup returns the schema for name, or false if the peripheral is unknown.
	Lookup(name string) (PeripheralSpec, bool)

	// Names returns all peripheral names in a stable order.
	Names() []string
}

// ProvisionRequest is an operator form submission.
type ProvisionRequest struct {
	Name        string   `json:"name"`
	Location    string   `json:"location"`
	Peripherals []string `json:"peripherals"`

	// Parameters optionally supplies explicit constructor values keyed by
	// peripheral name, then parameter name.
	Parameters map[string]map[string]any `json:"parameters,omitempty"`
}

// Selections converts the request into the ordered generator input.
func (r ProvisionRequest) Selections() []PeripheralSelection {
	out := make([]PeripheralSelection, 0, len(r.Peripherals))
	for _, name := range r.Peripherals {
		out = append(out, PeripheralSelection{Name: name, Params: r.Parameters[name]})
	}
	return out
}

// PeripheralSelection is one entry of the ordered peripheral list.
type PeripheralSelection struct {
	Name   string         `json:"name"`
	Params map[string]any `json:"params,omitempty"`
}

// SelectionNames returns the peripheral names of selections, in order.
func SelectionNames(selections []PeripheralSelection) []string {
	names := make([]string, len(selections))
	for i, s := range selections {
		names[i] = s.Name
	}
	return names
}

// ArtifactKind distinguishes the two programs delivered per job.
type ArtifactKind int

const (
	// PrimaryArtifact is the main program run by the device.
	PrimaryArtifact ArtifactKind = iota
	// BootArtifact is the program executed at boot before the primary one.
	BootArtifact
)

// String returns kind name.
func (k ArtifactKind) String() string {
	switch k {
	case PrimaryArtifact:
		return "primary"
	case BootArtifact:
		return "boot"
	default:
		return "unknown"
	}
}

// Artifact is a generated firmware-side file.
type Artifact struct {
	Kind    ArtifactKind
	Name    string
	Content []byte
}

// Digest returns the hex SHA-256 of the artifact content.
func (a Artifact) Digest() string {
	sum := sha256.Sum256(a.Content)
	return hex.EncodeToString(sum[:])
}

// Artifacts is the pair of programs generated for one job.
type Artifacts struct {
	Primary Artifact
	Boot    Artifact
}

// ArtifactGenerator turns a device identity and peripheral selection into artifacts.
type ArtifactGenerator interface {
	// Validate checks the selection against the catalog without rendering.
	Validate(selections []PeripheralSelection) error

	// Generate renders both artifacts. Output is deterministic for identical inputs.
	Generate(deviceID string, selections []PeripheralSelection) (*Artifacts, error)
}

// EventStatus is the status carried by a ProgressEvent.
type EventStatus string

const (
	StatusInfo     EventStatus = "info"
	StatusSuccess  EventStatus = "success"
	StatusError    EventStatus = "error"
	StatusFinished EventStatus = "finished"
)

// Terminal reports whether the status ends a job's event stream.
func (s EventStatus) Terminal() bool {
	return s == StatusError || s == StatusFinished
}

// ProgressEvent reports one step of a provisioning job. Events are never
// mutated after emission.
type ProgressEvent struct {
	JobID    string      `json:"jobId"`
	DeviceID string      `json:"deviceId,omitempty"`
	Seq      int         `json:"seq"`
	Step     string      `json:"step"`
	Message  string      `json:"message"`
	Status   EventStatus `json:"status"`
	Code     ErrorCode   `json:"code,omitempty"`
	Time     time.Time   `json:"time"`
}

func (e ProgressEvent) String() string {
	if e.Code != "" {
		return fmt.Sprintf("%s(%s:%s)", e.Status, e.Step, e.Code)
	}
	return fmt.Sprintf("%s(%s)", e.Status, e.Step)
}

// EventObserver receives every progress event of every job. Observers must
// not block; they are invoked from the job's goroutine.
type EventObserver interface {
	Observe(event ProgressEvent)
}

// Steps reported in progress events.
const (
	StepValidate        = "validate"
	StepRegister        = "register"
	StepGenerate        = "generate"
	StepTransferPrimary = "transfer-primary"
	StepTransferBoot    = "transfer-boot"
	StepFinish          = "finish"
)
