// Package jobs runs provisioning jobs.
//
// A job moves through
//
//	queued -> generating -> transferring-primary -> transferring-boot -> finished
//
// and may fail from any non-terminal state. Each transition emits exactly
// one ProgressEvent, delivered to the job's sink and to every scheduler
// observer in order. The serial link token is taken before generating and
// released before the terminal event, whatever the outcome. Failed jobs are
// never retried automatically; Retry starts a new job for the same device.
package jobs
