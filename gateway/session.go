package gateway

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"strings"
	"sync"
	"time"

	"github.com/gorilla/websocket"
	"github.com/ruteri/device-provisioning-backend/interfaces"
	"github.com/ruteri/device-provisioning-backend/jobs"
)

// session is one operator connection. The read loop handles requests one
// at a time; writeLoop is the only writer of conn.
type session struct {
	id   string
	conn *websocket.Conn
	gw   *Gateway
	log  *slog.Logger

	outbox   *mailbox
	done     chan struct{}
	stopOnce sync.Once

	// owned holds the ids of jobs started by this connection. Only the
	// read loop touches it.
	owned map[string]struct{}
}

func newSession(id string, conn *websocket.Conn, gw *Gateway) *session {
	return &session{
		id:     id,
		conn:   conn,
		gw:     gw,
		log:    gw.log.With(slog.String("session_id", id)),
		outbox: newMailbox(),
		done:   make(chan struct{}),
		owned:  make(map[string]struct{}),
	}
}

// stop closes the mailbox and tells the writer to close the connection.
func (s *session) stop() {
	s.stopOnce.Do(func() {
		s.outbox.close()
		close(s.done)
	})
}

// send queues env for the writer. Messages for a closed connection are
// dropped.
func (s *session) send(env Envelope) {
	if !s.outbox.push(env) {
		s.log.Debug("Dropping message for closed connection",
			slog.String("type", env.Type),
			slog.String("request_id", env.ID))
	}
}

func (s *session) sendProgress(requestID string, ev interfaces.ProgressEvent) {
	env, err := newEnvelope(TypeProgress, requestID, ev)
	if err != nil {
		s.log.Error("Failed to encode progress event", slog.String("job_id", ev.JobID), "err", err)
		return
	}
	s.send(env)
}

func (s *session) sendAck(requestID string, ack Ack) {
	env, err := newEnvelope(TypeAck, requestID, ack)
	if err != nil {
		s.log.Error("Failed to encode ack", slog.String("device_id", ack.DeviceID), "err", err)
		return
	}
	s.send(env)
}

func (s *session) reject(requestID, deviceID, step string, err error) {
	s.log.Info("Rejected request",
		slog.String("request_id", requestID),
		slog.String("step", step),
		"err", err)
	s.sendProgress(requestID, rejection(deviceID, step, err))
}

func (s *session) readLoop() {
	defer s.stop()

	s.conn.SetReadLimit(maxMessageSize)
	_ = s.conn.SetReadDeadline(time.Now().Add(pongWait))
	s.conn.SetPongHandler(func(string) error {
		return s.conn.SetReadDeadline(time.Now().Add(pongWait))
	})

	for {
		_, data, err := s.conn.ReadMessage()
		if err != nil {
			if websocket.IsUnexpectedCloseError(err, websocket.CloseGoingAway, websocket.CloseNormalClosure) {
				s.log.Warn("Connection closed unexpectedly", "err", err)
			}
			return
		}

		var env Envelope
		if err := json.Unmarshal(data, &env); err != nil {
			s.reject("", "", interfaces.StepValidate, invalidRequest("", fmt.Errorf("malformed message: %w", err)))
			continue
		}
		s.handle(env)
	}
}

func (s *session) handle(env Envelope) {
	switch env.Type {
	case TypeSubmitDevice:
		var req interfaces.ProvisionRequest
		if err := json.Unmarshal(env.Payload, &req); err != nil {
			s.reject(env.ID, "", interfaces.StepValidate, invalidRequest("", fmt.Errorf("malformed submitDevice payload: %w", err)))
			return
		}
		s.submitDevice(env.ID, req)
	case TypeRetryJob:
		var req RetryRequest
		if err := json.Unmarshal(env.Payload, &req); err != nil {
			s.reject(env.ID, "", interfaces.StepValidate, invalidRequest("", fmt.Errorf("malformed retryJob payload: %w", err)))
			return
		}
		s.retryJob(env.ID, req.JobID)
	default:
		s.reject(env.ID, "", interfaces.StepValidate, invalidRequest(env.Type, errors.New("unsupported message type")))
	}
}

func (s *session) submitDevice(requestID string, req interfaces.ProvisionRequest) {
	if err := s.checkRequest(req); err != nil {
		s.reject(requestID, "", interfaces.StepValidate, err)
		return
	}

	ctx, cancel := context.WithTimeout(context.Background(), s.gw.cfg.RegistryTimeout)
	deviceID, err := s.gw.registry.CreateDevice(ctx, req.Name, req.Location, req.Peripherals)
	cancel()
	if err != nil {
		if interfaces.CodeOf(err) != interfaces.CodeRegistrationFailure {
			err = interfaces.NewProvisionError(interfaces.CodeRegistrationFailure, req.Name, err)
		}
		s.reject(requestID, "", interfaces.StepRegister, err)
		return
	}

	log := s.log.With(slog.String("request_id", requestID), slog.String("device_id", deviceID))
	log.Info("Registered device", slog.String("name", req.Name), slog.Any("peripherals", req.Peripherals))

	s.sendAck(requestID, Ack{DeviceID: deviceID})

	sink := s.sink(requestID)
	job, err := s.gw.scheduler.Submit(jobs.Spec{DeviceID: deviceID, Selections: req.Selections()}, sink)
	if job.ID != "" {
		s.owned[job.ID] = struct{}{}
	}
	sink.release()
	if err != nil {
		log.Info("Provisioning job rejected", slog.String("job_id", job.ID), "err", err)
	}
}

func (s *session) retryJob(requestID, jobID string) {
	if _, ok := s.owned[jobID]; !ok {
		s.reject(requestID, "", interfaces.StepValidate,
			interfaces.NewProvisionError(interfaces.CodeJobNotFound, jobID, interfaces.ErrJobNotFound))
		return
	}

	sink := s.sink(requestID)
	job, err := s.gw.scheduler.Retry(jobID, sink)
	if job.ID == "" {
		s.reject(requestID, "", interfaces.StepValidate, err)
		return
	}

	s.owned[job.ID] = struct{}{}
	s.sendAck(requestID, Ack{DeviceID: job.DeviceID, JobID: job.ID, RetryOf: jobID})
	sink.release()

	s.log.Info("Retrying job",
		slog.String("request_id", requestID),
		slog.String("job_id", job.ID),
		slog.String("retry_of", jobID))
}

// checkRequest runs the fast local checks done before registration.
func (s *session) checkRequest(req interfaces.ProvisionRequest) error {
	if strings.TrimSpace(req.Name) == "" {
		return invalidRequest("name", errors.New("device name is required"))
	}
	if len(req.Peripherals) == 0 {
		return invalidRequest("peripherals", errors.New("at least one peripheral is required"))
	}

	seen := make(map[string]struct{}, len(req.Peripherals))
	for _, name := range req.Peripherals {
		if _, dup := seen[name]; dup {
			return invalidRequest(name, errors.New("peripheral selected more than once"))
		}
		seen[name] = struct{}{}
		if _, ok := s.gw.catalog.Lookup(name); !ok {
			return interfaces.NewProvisionError(interfaces.CodeUnknownPeripheral, name, interfaces.ErrUnknownPeripheral)
		}
	}
	for name := range req.Parameters {
		if _, ok := seen[name]; !ok {
			return interfaces.NewProvisionError(interfaces.CodeInvalidParameter, name,
				errors.New("parameters given for a peripheral that is not selected"))
		}
	}
	return nil
}

// sink returns a job sink relaying events with the request's correlation
// id. Events are held until release so they follow the request's ack.
func (s *session) sink(requestID string) *relay {
	r := &relay{requestID: requestID, s: s}
	r.gate.send = s.send
	return r
}

type relay struct {
	requestID string
	s         *session
	gate      gate
}

func (r *relay) Deliver(ev interfaces.ProgressEvent) {
	env, err := newEnvelope(TypeProgress, r.requestID, ev)
	if err != nil {
		r.s.log.Error("Failed to encode progress event", slog.String("job_id", ev.JobID), "err", err)
		return
	}
	r.gate.deliver(env)
}

func (r *relay) release() {
	r.gate.release()
}

func (s *session) writeLoop() {
	ticker := time.NewTicker(pingPeriod)
	defer func() {
		ticker.Stop()
		s.conn.Close()
	}()

	for {
		select {
		case <-s.outbox.ready:
			for _, env := range s.outbox.drain() {
				_ = s.conn.SetWriteDeadline(time.Now().Add(writeWait))
				if err := s.conn.WriteJSON(env); err != nil {
					s.log.Warn("Failed to write message", slog.String("type", env.Type), "err", err)
					s.stop()
					return
				}
			}
		case <-ticker.C:
			_ = s.conn.SetWriteDeadline(time.Now().Add(writeWait))
			if err := s.conn.WriteMessage(websocket.PingMessage, nil); err != nil {
				s.stop()
				return
			}
		case <-s.done:
			_ = s.conn.WriteControl(websocket.CloseMessage,
				websocket.FormatCloseMessage(websocket.CloseNormalClosure, ""),
				time.Now().Add(writeWait))
			return
		}
	}
}

func invalidRequest(subject string, err error) error {
	return interfaces.NewProvisionError(interfaces.CodeInvalidRequest, subject, err)
}
