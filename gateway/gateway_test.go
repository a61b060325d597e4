package gateway

import (
	"context"
	"encoding/json"
	"errors"
	"io"
	"log/slog"
	"net"
	"net/http"
	"net/http/httptest"
	"strconv"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/gorilla/websocket"
	"github.com/ruteri/device-provisioning-backend/catalog"
	"github.com/ruteri/device-provisioning-backend/generator"
	"github.com/ruteri/device-provisioning-backend/interfaces"
	"github.com/ruteri/device-provisioning-backend/jobs"
	"github.com/ruteri/device-provisioning-backend/network"
	"github.com/ruteri/device-provisioning-backend/registry"
	"github.com/ruteri/device-provisioning-backend/serial"
	"github.com/ruteri/device-provisioning-backend/storage"
	"github.com/ruteri/device-provisioning-backend/transfer"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/mock"
	"github.com/stretchr/testify/require"
)

// scriptedRunner stands in for the transfer utility.
type scriptedRunner struct {
	mu    sync.Mutex
	calls [][]string

	// fail decides whether the n-th copy (from 0) to remote fails.
	fail func(remote string, n int) bool
	gate chan struct{}
}

func (r *scriptedRunner) Run(ctx context.Context, name string, args ...string) (transfer.Result, error) {
	if r.gate != nil {
		<-r.gate
	}

	r.mu.Lock()
	defer r.mu.Unlock()
	remote := strings.TrimPrefix(args[len(args)-1], ":")
	n := 0
	for _, c := range r.calls {
		if c[len(c)-1] == args[len(args)-1] {
			n++
		}
	}
	r.calls = append(r.calls, append([]string{name}, args...))

	if r.fail != nil && r.fail(remote, n) {
		return transfer.Result{ExitCode: 1, Stderr: []byte("could not enter raw repl\n")}, nil
	}
	return transfer.Result{Stdout: []byte("cp ok\n")}, nil
}

func (r *scriptedRunner) recorded() [][]string {
	r.mu.Lock()
	defer r.mu.Unlock()
	return append([][]string(nil), r.calls...)
}

type harness struct {
	url       string
	gateway   *Gateway
	registry  interfaces.DeviceRegistry
	scheduler *jobs.Scheduler
	link      *serial.Link
	runner    *scriptedRunner
}

func newHarness(t *testing.T, reg interfaces.DeviceRegistry) *harness {
	t.Helper()
	log := slog.New(slog.NewTextHandler(io.Discard, nil))

	c, err := catalog.Default()
	require.NoError(t, err)
	gen, err := generator.New(c, network.Settings{WiFiSSID: "greenhouse", WiFiPassword: "secret", MQTTBroker: "192.168.1.10"})
	require.NoError(t, err)

	staging, err := storage.NewFileBackend(t.TempDir(), log)
	require.NoError(t, err)

	runner := &scriptedRunner{}
	link := serial.NewLink("COM3")
	channel := transfer.NewChannel("mpremote", staging, runner, log)
	scheduler := jobs.NewScheduler(jobs.Config{}, gen, link, channel, log)

	if reg == nil {
		reg = registry.NewMemoryRegistry()
	}
	gw := New(Config{}, c, reg, scheduler, log)
	srv := httptest.NewServer(gw)

	t.Cleanup(func() {
		ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		_ = gw.Shutdown(ctx)
		srv.Close()
		_ = scheduler.Shutdown(ctx)
	})

	return &harness{
		url:       "ws" + strings.TrimPrefix(srv.URL, "http"),
		gateway:   gw,
		registry:  reg,
		scheduler: scheduler,
		link:      link,
		runner:    runner,
	}
}

type operator struct {
	t    *testing.T
	conn *websocket.Conn
	next int
}

func (h *harness) connect(t *testing.T) *operator {
	t.Helper()
	conn, _, err := websocket.DefaultDialer.Dial(h.url, nil)
	require.NoError(t, err)
	t.Cleanup(func() { conn.Close() })
	return &operator{t: t, conn: conn}
}

func (o *operator) request(typ string, payload any) string {
	o.t.Helper()
	o.next++
	id := "req-" + strconv.Itoa(o.next)
	raw, err := json.Marshal(payload)
	require.NoError(o.t, err)
	require.NoError(o.t, o.conn.WriteJSON(Envelope{Type: typ, ID: id, Payload: raw}))
	return id
}

func (o *operator) submit(req interfaces.ProvisionRequest) string {
	return o.request(TypeSubmitDevice, req)
}

func (o *operator) retry(jobID string) string {
	return o.request(TypeRetryJob, RetryRequest{JobID: jobID})
}

// follow reads until the terminal event of requestID. Every message read
// must belong to requestID.
func (o *operator) follow(requestID string) (*Ack, []interfaces.ProgressEvent) {
	o.t.Helper()
	var (
		ack    *Ack
		events []interfaces.ProgressEvent
	)
	for {
		require.NoError(o.t, o.conn.SetReadDeadline(time.Now().Add(5*time.Second)))
		var env Envelope
		require.NoError(o.t, o.conn.ReadJSON(&env))
		require.Equal(o.t, requestID, env.ID, "message of another request: %s", env.Type)

		switch env.Type {
		case TypeAck:
			require.Nil(o.t, ack, "duplicate ack")
			require.Empty(o.t, events, "ack after progress")
			a, err := env.Ack()
			require.NoError(o.t, err)
			ack = a
		case TypeProgress:
			ev, err := env.Progress()
			require.NoError(o.t, err)
			events = append(events, *ev)
			if ev.Status.Terminal() {
				return ack, events
			}
		default:
			o.t.Fatalf("unexpected message type %q", env.Type)
		}
	}
}

// expectSilence asserts nothing arrives for a short while.
func (o *operator) expectSilence() {
	o.t.Helper()
	require.NoError(o.t, o.conn.SetReadDeadline(time.Now().Add(200*time.Millisecond)))
	_, _, err := o.conn.ReadMessage()
	var netErr net.Error
	require.ErrorAs(o.t, err, &netErr)
	assert.True(o.t, netErr.Timeout())
}

func summary(events []interfaces.ProgressEvent) []string {
	out := make([]string, len(events))
	for i, ev := range events {
		out[i] = ev.String()
	}
	return out
}

var greenhouse = interfaces.ProvisionRequest{
	Name:        "Greenhouse",
	Location:    "Roof",
	Peripherals: []string{"dht_sensor", "relay"},
}

func TestSubmitDeviceProvisions(t *testing.T) {
	h := newHarness(t, nil)
	op := h.connect(t)

	ack, events := op.follow(op.submit(greenhouse))
	require.NotNil(t, ack)
	require.NotEmpty(t, ack.DeviceID)

	assert.Equal(t, []string{
		"info(generate)",
		"info(transfer-primary)",
		"info(transfer-boot)",
		"finished(finish)",
	}, summary(events))
	for _, ev := range events {
		assert.Equal(t, ack.DeviceID, ev.DeviceID)
		assert.Equal(t, events[0].JobID, ev.JobID)
	}

	device, err := h.registry.GetDevice(context.Background(), ack.DeviceID)
	require.NoError(t, err)
	assert.Equal(t, "Greenhouse", device.Name)
	assert.Equal(t, "Roof", device.Location)
	assert.Equal(t, []string{"dht_sensor", "relay"}, device.Peripherals)

	calls := h.runner.recorded()
	require.Len(t, calls, 2)
	assert.Equal(t, []string{"mpremote", "connect", "COM3", "fs", "cp"}, calls[0][:5])
	assert.Equal(t, ":main.py", calls[0][6])
	assert.Equal(t, ":boot.py", calls[1][6])
	assert.Equal(t, 0, h.link.Holders())
}

func TestSubmitUnknownPeripheral(t *testing.T) {
	h := newHarness(t, nil)
	op := h.connect(t)

	ack, events := op.follow(op.submit(interfaces.ProvisionRequest{
		Name:        "Greenhouse",
		Location:    "Roof",
		Peripherals: []string{"not_a_real_sensor"},
	}))
	assert.Nil(t, ack)
	require.Len(t, events, 1)
	assert.Equal(t, interfaces.StatusError, events[0].Status)
	assert.Equal(t, interfaces.CodeUnknownPeripheral, events[0].Code)
	assert.Equal(t, interfaces.StepValidate, events[0].Step)
	assert.Contains(t, events[0].Message, "not_a_real_sensor")

	devices, err := h.registry.ListDevices(context.Background())
	require.NoError(t, err)
	assert.Empty(t, devices)
	assert.Empty(t, h.runner.recorded())
	assert.Equal(t, uint64(0), h.link.Acquisitions())
	op.expectSilence()
}

func TestTransferFailureAndRetry(t *testing.T) {
	h := newHarness(t, nil)
	h.runner.fail = func(remote string, n int) bool { return remote == "main.py" && n == 0 }
	op := h.connect(t)

	ack, events := op.follow(op.submit(greenhouse))
	require.NotNil(t, ack)
	assert.Equal(t, []string{
		"info(generate)",
		"info(transfer-primary)",
		"error(transfer-primary:TransferFailure)",
	}, summary(events))
	assert.Contains(t, events[2].Message, "could not enter raw repl")
	assert.Equal(t, 0, h.link.Holders())

	failedJob := events[0].JobID
	retryAck, retryEvents := op.follow(op.retry(failedJob))
	require.NotNil(t, retryAck)
	assert.Equal(t, ack.DeviceID, retryAck.DeviceID)
	assert.Equal(t, failedJob, retryAck.RetryOf)
	assert.NotEqual(t, failedJob, retryAck.JobID)

	assert.Equal(t, []string{
		"info(generate)",
		"info(transfer-primary)",
		"info(transfer-boot)",
		"finished(finish)",
	}, summary(retryEvents))
	assert.Equal(t, retryAck.JobID, retryEvents[0].JobID)

	// staged files are content addressed: the same local path means the
	// same primary artifact
	calls := h.runner.recorded()
	require.Len(t, calls, 3)
	assert.Equal(t, calls[0][5], calls[1][5])
}

func TestRetryIsScopedToConnection(t *testing.T) {
	h := newHarness(t, nil)
	h.runner.fail = func(remote string, n int) bool { return remote == "main.py" && n == 0 }

	owner, other := h.connect(t), h.connect(t)
	_, events := owner.follow(owner.submit(greenhouse))
	jobID := events[0].JobID

	ack, rejected := other.follow(other.retry(jobID))
	assert.Nil(t, ack)
	require.Len(t, rejected, 1)
	assert.Equal(t, interfaces.CodeJobNotFound, rejected[0].Code)

	ack, _ = owner.follow(owner.retry(jobID))
	require.NotNil(t, ack)

	ack, rejected = owner.follow(owner.retry(ack.JobID))
	assert.Nil(t, ack)
	require.Len(t, rejected, 1)
	assert.Equal(t, interfaces.CodeJobNotRetryable, rejected[0].Code)
}

func TestEventsOnlyReachOwningConnection(t *testing.T) {
	h := newHarness(t, nil)
	h.runner.gate = make(chan struct{})

	a, b := h.connect(t), h.connect(t)
	reqA := a.submit(greenhouse)
	reqB := b.submit(interfaces.ProvisionRequest{Name: "Garage", Location: "Ground", Peripherals: []string{"led", "push_button"}})

	require.Eventually(t, func() bool { return h.link.Waiting() == 1 }, 2*time.Second, time.Millisecond)
	close(h.runner.gate)

	ackA, eventsA := a.follow(reqA)
	ackB, eventsB := b.follow(reqB)
	require.NotNil(t, ackA)
	require.NotNil(t, ackB)
	assert.NotEqual(t, ackA.DeviceID, ackB.DeviceID)
	for _, ev := range eventsA {
		assert.Equal(t, ackA.DeviceID, ev.DeviceID)
	}
	for _, ev := range eventsB {
		assert.Equal(t, ackB.DeviceID, ev.DeviceID)
	}

	a.expectSilence()
	b.expectSilence()
}

func TestLocalChecks(t *testing.T) {
	h := newHarness(t, nil)

	tests := []struct {
		name    string
		payload any
		typ     string
		code    interfaces.ErrorCode
		message string
	}{
		{
			name:    "empty peripherals",
			typ:     TypeSubmitDevice,
			payload: interfaces.ProvisionRequest{Name: "Greenhouse"},
			code:    interfaces.CodeInvalidRequest,
			message: "at least one peripheral",
		},
		{
			name:    "duplicate peripheral",
			typ:     TypeSubmitDevice,
			payload: interfaces.ProvisionRequest{Name: "Greenhouse", Peripherals: []string{"relay", "relay"}},
			code:    interfaces.CodeInvalidRequest,
			message: `"relay"`,
		},
		{
			name:    "missing name",
			typ:     TypeSubmitDevice,
			payload: interfaces.ProvisionRequest{Name: " ", Peripherals: []string{"relay"}},
			code:    interfaces.CodeInvalidRequest,
			message: "name is required",
		},
		{
			name: "parameters for unselected peripheral",
			typ:  TypeSubmitDevice,
			payload: interfaces.ProvisionRequest{
				Name:        "Greenhouse",
				Peripherals: []string{"relay"},
				Parameters:  map[string]map[string]any{"servo_motor": {"pin": 15}},
			},
			code:    interfaces.CodeInvalidParameter,
			message: "not selected",
		},
		{
			name:    "malformed payload",
			typ:     TypeSubmitDevice,
			payload: []int{1, 2},
			code:    interfaces.CodeInvalidRequest,
			message: "malformed submitDevice payload",
		},
		{
			name:    "unsupported type",
			typ:     "deleteDevice",
			payload: map[string]string{},
			code:    interfaces.CodeInvalidRequest,
			message: "unsupported message type",
		},
	}

	op := h.connect(t)
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			ack, events := op.follow(op.request(tt.typ, tt.payload))
			assert.Nil(t, ack)
			require.Len(t, events, 1)
			assert.Equal(t, tt.code, events[0].Code)
			assert.Equal(t, interfaces.StepValidate, events[0].Step)
			assert.Contains(t, events[0].Message, tt.message)
		})
	}

	devices, err := h.registry.ListDevices(context.Background())
	require.NoError(t, err)
	assert.Empty(t, devices)
}

func TestRegistrationFailure(t *testing.T) {
	reg := &registry.MockRegistry{}
	reg.On("CreateDevice", mock.Anything, "Greenhouse", "Roof", []string{"dht_sensor", "relay"}).
		Return("", errors.New("dial tcp 10.0.0.5:5432: connection refused"))

	h := newHarness(t, reg)
	op := h.connect(t)

	ack, events := op.follow(op.submit(greenhouse))
	assert.Nil(t, ack)
	require.Len(t, events, 1)
	assert.Equal(t, interfaces.CodeRegistrationFailure, events[0].Code)
	assert.Equal(t, interfaces.StepRegister, events[0].Step)
	assert.Contains(t, events[0].Message, "connection refused")

	reg.AssertExpectations(t)
	assert.Equal(t, uint64(0), h.link.Acquisitions())
}

func TestParameterErrorsFollowAck(t *testing.T) {
	h := newHarness(t, nil)
	op := h.connect(t)

	req := interfaces.ProvisionRequest{
		Name:        "Greenhouse",
		Peripherals: []string{"relay"},
		Parameters:  map[string]map[string]any{"relay": {"pin": "five"}},
	}
	ack, events := op.follow(op.submit(req))
	require.NotNil(t, ack)
	require.Len(t, events, 1)
	assert.Equal(t, interfaces.CodeInvalidParameter, events[0].Code)
	assert.Equal(t, interfaces.StepGenerate, events[0].Step)
	assert.Equal(t, uint64(0), h.link.Acquisitions())
}

func TestDisconnectDoesNotStopJob(t *testing.T) {
	h := newHarness(t, nil)
	h.runner.gate = make(chan struct{})
	op := h.connect(t)

	reqID := op.submit(greenhouse)
	require.NoError(t, op.conn.SetReadDeadline(time.Now().Add(5*time.Second)))
	var env Envelope
	require.NoError(t, op.conn.ReadJSON(&env))
	require.Equal(t, reqID, env.ID)
	ack, err := env.Ack()
	require.NoError(t, err)

	require.NoError(t, op.conn.Close())
	require.Eventually(t, func() bool { return h.gateway.Sessions() == 0 }, 2*time.Second, time.Millisecond)
	close(h.runner.gate)

	require.Eventually(t, func() bool {
		history := h.scheduler.Jobs(ack.DeviceID)
		return len(history) == 1 && history[0].State == jobs.StateFinished
	}, 5*time.Second, 5*time.Millisecond)
	assert.Equal(t, 0, h.link.Holders())
}

func TestMailbox(t *testing.T) {
	m := newMailbox()
	assert.True(t, m.push(Envelope{ID: "1"}))
	assert.True(t, m.push(Envelope{ID: "2"}))

	select {
	case <-m.ready:
	default:
		t.Fatal("mailbox not signalled")
	}
	assert.Equal(t, []Envelope{{ID: "1"}, {ID: "2"}}, m.drain())
	assert.Empty(t, m.drain())

	m.close()
	assert.False(t, m.push(Envelope{ID: "3"}))
	assert.Empty(t, m.drain())
}

func TestGateHoldsEventsUntilRelease(t *testing.T) {
	var sent []string
	g := gate{send: func(env Envelope) { sent = append(sent, env.ID) }}

	g.deliver(Envelope{ID: "event-1"})
	assert.Empty(t, sent)

	sent = append(sent, "ack")
	g.release()
	g.deliver(Envelope{ID: "event-2"})
	assert.Equal(t, []string{"ack", "event-1", "event-2"}, sent)
}

func TestConnectDuringShutdown(t *testing.T) {
	h := newHarness(t, nil)

	var wg sync.WaitGroup
	for i := 0; i < 20; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			conn, resp, err := websocket.DefaultDialer.Dial(h.url, nil)
			if err != nil {
				if resp != nil {
					assert.Equal(t, http.StatusServiceUnavailable, resp.StatusCode)
				}
				return
			}
			defer conn.Close()
			_ = conn.SetReadDeadline(time.Now().Add(5 * time.Second))
			for {
				if _, _, err := conn.ReadMessage(); err != nil {
					assert.True(t, websocket.IsCloseError(err, websocket.CloseNormalClosure, websocket.CloseGoingAway),
						"connection was not closed by the gateway: %v", err)
					return
				}
			}
		}()
	}

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	require.NoError(t, h.gateway.Shutdown(ctx))
	wg.Wait()

	_, resp, err := websocket.DefaultDialer.Dial(h.url, nil)
	require.ErrorIs(t, err, websocket.ErrBadHandshake)
	assert.Equal(t, http.StatusServiceUnavailable, resp.StatusCode)
	require.Eventually(t, func() bool { return h.gateway.Sessions() == 0 }, time.Second, 5*time.Millisecond)
}
