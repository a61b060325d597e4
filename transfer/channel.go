// Package transfer copies generated artifacts onto the device over the
// serial link by invoking an external utility (mpremote by default):
//
//	mpremote connect <endpoint> fs cp <local> :<remote>
//
// Every Push requires a live serial.Token, so two copies can never use the
// link at the same time.
package transfer

import (
	"context"
	"fmt"
	"log/slog"
	"strings"
	"time"

	"github.com/ruteri/device-provisioning-backend/interfaces"
	"github.com/ruteri/device-provisioning-backend/serial"
	"github.com/ruteri/device-provisioning-backend/storage"
)

// DefaultTool is the transfer utility used when none is configured.
const DefaultTool = "mpremote"

// TransferFailure reports a copy the external utility did not complete.
type TransferFailure struct {
	RemotePath string
	ExitCode   int
	Stdout     string
	Stderr     string

	// Err is set when the utility could not be started.
	Err error
}

func (e *TransferFailure) Error() string {
	if e.Err != nil {
		return fmt.Sprintf("transfer of %s failed: %v", e.RemotePath, e.Err)
	}
	detail := strings.TrimSpace(e.Stderr)
	if detail == "" {
		detail = strings.TrimSpace(e.Stdout)
	}
	return fmt.Sprintf("transfer of %s failed (exit code %d): %s", e.RemotePath, e.ExitCode, detail)
}

func (e *TransferFailure) Unwrap() error {
	return e.Err
}

// Is makes errors.Is(err, interfaces.ErrTransferFailure) hold.
func (e *TransferFailure) Is(target error) bool {
	return target == interfaces.ErrTransferFailure
}

// Metrics receives the duration and outcome of every push.
type Metrics interface {
	ObserveTransfer(kind interfaces.ArtifactKind, d time.Duration, err error)
}

// Channel pushes artifacts to the device.
type Channel struct {
	tool    string
	staging *storage.FileBackend
	runner  Runner
	metrics Metrics
	log     *slog.Logger
}

// NewChannel creates a channel staging artifacts in staging and running tool
// through runner. An empty tool selects DefaultTool.
func NewChannel(tool string, staging *storage.FileBackend, runner Runner, log *slog.Logger) *Channel {
	if tool == "" {
		tool = DefaultTool
	}
	return &Channel{
		tool:    tool,
		staging: staging,
		runner:  runner,
		log:     log,
	}
}

// WithMetrics attaches a metrics sink and returns the channel.
func (c *Channel) WithMetrics(m Metrics) *Channel {
	c.metrics = m
	return c
}

// Push copies artifact to remotePath on the device reachable through token's
// endpoint. It is synchronous and never retries. Calling Push without a live
// token is a programming error and panics.
func (c *Channel) Push(ctx context.Context, token *serial.Token, artifact interfaces.Artifact, remotePath string) (err error) {
	if !token.Live() {
		panic("transfer: push without a live serial link token")
	}

	start := time.Now()
	defer func() {
		if c.metrics != nil {
			c.metrics.ObserveTransfer(artifact.Kind, time.Since(start), err)
		}
	}()

	id, err := c.staging.Store(ctx, artifact.Content, artifact.Kind)
	if err != nil {
		return &TransferFailure{RemotePath: remotePath, ExitCode: -1, Err: fmt.Errorf("failed to stage artifact: %w", err)}
	}
	localPath := c.staging.PathFor(id, artifact.Kind)

	args := []string{"connect", token.Endpoint(), "fs", "cp", localPath, ":" + remotePath}
	c.log.Debug("Running transfer utility",
		slog.String("tool", c.tool),
		slog.String("args", strings.Join(args, " ")))

	res, err := c.runner.Run(ctx, c.tool, args...)
	if err != nil {
		c.log.Error("Failed to run transfer utility",
			slog.String("tool", c.tool),
			slog.String("remote_path", remotePath),
			"err", err)
		return &TransferFailure{RemotePath: remotePath, ExitCode: -1, Err: err}
	}

	if res.ExitCode != 0 || len(res.Stderr) > 0 {
		failure := &TransferFailure{
			RemotePath: remotePath,
			ExitCode:   res.ExitCode,
			Stdout:     string(res.Stdout),
			Stderr:     string(res.Stderr),
		}
		c.log.Warn("Transfer failed",
			slog.String("remote_path", remotePath),
			slog.Int("exit_code", res.ExitCode),
			slog.String("stderr", failure.Stderr))
		return failure
	}

	c.log.Info("Transferred artifact",
		slog.String("artifact", artifact.Name),
		slog.String("remote_path", remotePath),
		slog.String("digest", id.String()),
		slog.Duration("duration", time.Since(start)))

	return nil
}
