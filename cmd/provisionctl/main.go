package main

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log"
	"log/slog"
	"net/url"
	"os"
	"os/signal"
	"strings"
	"syscall"
	"text/tabwriter"
	"time"

	"github.com/ruteri/device-provisioning-backend/api/clients"
	"github.com/ruteri/device-provisioning-backend/cmd/flags"
	"github.com/ruteri/device-provisioning-backend/interfaces"
	"github.com/urfave/cli/v2"
)

var timeoutFlag = &cli.DurationFlag{
	Name:  "timeout",
	Value: 10 * time.Minute,
	Usage: "give up waiting for the job after this long",
}

func main() {
	app := &cli.App{
		Name:  "provisionctl",
		Usage: "Operator client for the provisioning server",
		Flags: []cli.Flag{
			flags.ServerAddrFlag,
			flags.LogJsonFlag,
			flags.LogDebugFlag,
			flags.LogServiceFlagFn("provisionctl"),
		},
		Commands: []*cli.Command{
			{
				Name:      "submit",
				Usage:     "Register a device and provision it with the selected peripherals",
				ArgsUsage: "<peripheral>...",
				Flags: []cli.Flag{
					&cli.StringFlag{Name: "name", Required: true, Usage: "device name"},
					&cli.StringFlag{Name: "location", Usage: "device location"},
					&cli.StringFlag{Name: "params", Usage: `explicit parameters as JSON, e.g. {"relay":{"pin":4}}`},
					&cli.IntFlag{Name: "retries", Value: 0, Usage: "retry a failed job this many times in the same session"},
					timeoutFlag,
				},
				Action: submit,
			},
			{
				Name:   "devices",
				Usage:  "List registered devices",
				Action: devices,
			},
			{
				Name:   "peripherals",
				Usage:  "List the peripheral catalog",
				Action: peripherals,
			},
			{
				Name:      "jobs",
				Usage:     "Show the provisioning jobs of a device",
				ArgsUsage: "<device-id>",
				Action:    deviceJobs,
			},
		},
	}

	if err := app.Run(os.Args); err != nil {
		log.Fatal(err)
	}
}

func sessionURL(server string) (string, error) {
	u, err := url.Parse(server)
	if err != nil {
		return "", err
	}
	switch u.Scheme {
	case "http":
		u.Scheme = "ws"
	case "https":
		u.Scheme = "wss"
	}
	u.Path = strings.TrimSuffix(u.Path, "/") + "/ws"
	return u.String(), nil
}

func withSession(cCtx *cli.Context, fn func(ctx context.Context, session *clients.SessionClient, logger *slog.Logger) error) error {
	logger := flags.SetupLogger(cCtx)

	ctx, cancel := signal.NotifyContext(cCtx.Context, os.Interrupt, syscall.SIGTERM)
	defer cancel()
	ctx, cancelTimeout := context.WithTimeout(ctx, cCtx.Duration(timeoutFlag.Name))
	defer cancelTimeout()

	endpoint, err := sessionURL(cCtx.String(flags.ServerAddrFlag.Name))
	if err != nil {
		return err
	}
	session, err := clients.DialSession(ctx, endpoint)
	if err != nil {
		return err
	}
	defer session.Close()

	return fn(ctx, session, logger)
}

func submit(cCtx *cli.Context) error {
	req := interfaces.ProvisionRequest{
		Name:        cCtx.String("name"),
		Location:    cCtx.String("location"),
		Peripherals: cCtx.Args().Slice(),
	}
	if raw := cCtx.String("params"); raw != "" {
		if err := json.Unmarshal([]byte(raw), &req.Parameters); err != nil {
			return fmt.Errorf("invalid --params: %w", err)
		}
	}

	retries := cCtx.Int("retries")

	return withSession(cCtx, func(ctx context.Context, session *clients.SessionClient, logger *slog.Logger) error {
		requestID, err := session.SubmitDevice(req)
		if err != nil {
			return err
		}
		logger.Debug("Submitted device", slog.String("request_id", requestID))

		for attempt := 0; ; attempt++ {
			result, err := follow(ctx, session, requestID)
			if err != nil {
				return err
			}
			if !result.Failed() {
				return nil
			}

			final := result.Final()
			if final.JobID == "" {
				return fmt.Errorf("request rejected (%s)", final.Code)
			}
			if attempt >= retries {
				return fmt.Errorf("provisioning failed (%s)", final.Code)
			}

			logger.Info("Retrying failed job", slog.String("job_id", final.JobID), slog.Int("attempt", attempt+2))
			requestID, err = session.RetryJob(final.JobID)
			if err != nil {
				return err
			}
		}
	})
}

func follow(ctx context.Context, session *clients.SessionClient, requestID string) (*clients.Result, error) {
	jobPrinted := false
	result, err := session.Follow(ctx, requestID, func(ev interfaces.ProgressEvent) {
		if !jobPrinted && ev.JobID != "" {
			fmt.Printf("job %s\n", ev.JobID)
			jobPrinted = true
		}
		line := fmt.Sprintf("[%s] %-16s %s", ev.Status, ev.Step, ev.Message)
		if ev.Code != "" {
			line += fmt.Sprintf(" (%s)", ev.Code)
		}
		fmt.Println(line)
	})
	if result != nil && result.Ack != nil {
		fmt.Printf("device %s\n", result.Ack.DeviceID)
	}
	return result, err
}

func newClient(cCtx *cli.Context) *clients.ProvisioningClient {
	return &clients.ProvisioningClient{ServerAddr: strings.TrimSuffix(cCtx.String(flags.ServerAddrFlag.Name), "/")}
}

func devices(cCtx *cli.Context) error {
	list, err := newClient(cCtx).Devices(cCtx.Context)
	if err != nil {
		return err
	}

	w := tabwriter.NewWriter(os.Stdout, 0, 4, 2, ' ', 0)
	fmt.Fprintln(w, "ID\tNAME\tLOCATION\tPERIPHERALS\tCREATED")
	for _, d := range list {
		fmt.Fprintf(w, "%s\t%s\t%s\t%s\t%s\n", d.ID, d.Name, d.Location,
			strings.Join(d.Peripherals, ","), d.CreatedAt.Format(time.RFC3339))
	}
	return w.Flush()
}

func peripherals(cCtx *cli.Context) error {
	list, err := newClient(cCtx).Peripherals(cCtx.Context)
	if err != nil {
		return err
	}

	w := tabwriter.NewWriter(os.Stdout, 0, 4, 2, ' ', 0)
	fmt.Fprintln(w, "NAME\tCLASS\tPARAMETERS\tPURPOSE")
	for _, p := range list {
		params := make([]string, 0, len(p.Parameters))
		for _, param := range p.Parameters {
			name := param.Name
			if param.Required {
				name += "*"
			}
			params = append(params, name)
		}
		fmt.Fprintf(w, "%s\t%s.%s\t%s\t%s\n", p.Name, p.Module, p.Class, strings.Join(params, ","), p.Purpose)
	}
	return w.Flush()
}

func deviceJobs(cCtx *cli.Context) error {
	deviceID := cCtx.Args().First()
	if deviceID == "" {
		return errors.New("device id is required")
	}
	list, err := newClient(cCtx).DeviceJobs(cCtx.Context, deviceID)
	if err != nil {
		return err
	}

	w := tabwriter.NewWriter(os.Stdout, 0, 4, 2, ' ', 0)
	fmt.Fprintln(w, "JOB\tATTEMPT\tSTATE\tCODE\tUPDATED")
	for _, j := range list {
		fmt.Fprintf(w, "%s\t%d\t%s\t%s\t%s\n", j.ID, j.Attempt, j.State, j.ErrorCode, j.UpdatedAt.Format(time.RFC3339))
	}
	return w.Flush()
}
