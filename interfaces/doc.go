// Package interfaces defines core interfaces and types for the device
// provisioning backend, separating contracts from implementations.
//
// # Catalog Types
//
// PeripheralSpec and ParameterSpec describe a peripheral's constructor schema:
// parameter names, data types, defaults and constraints (a numeric Range or a
// set of AllowedValues, never both). PeripheralCatalog is the read-only lookup
// over those schemas.
//
// # Provisioning Types
//
//   - ProvisionRequest: an operator form submission (name, location, ordered peripherals)
//   - PeripheralSelection: one peripheral plus optional explicit parameter values
//   - Artifact / Artifacts: the primary and boot programs generated for a device
//   - ProgressEvent: one append-only step report for a provisioning job
//
// # Collaborator Interfaces
//
//   - DeviceRegistry: creates and lists device records
//   - ArtifactGenerator: turns a peripheral selection into artifacts
//   - StorageBackend: content-addressed artifact storage (staging and archive)
//   - EventObserver: receives every progress event (logging, metrics, audit)
//
// # Errors
//
// ProvisionError carries a stable ErrorCode that is surfaced to operators in
// error events. CodeOf maps any error returned by the orchestrator to a code.
package interfaces
