package clients

import (
	"context"
	"errors"
	"fmt"
	"sync"

	"github.com/google/uuid"
	"github.com/gorilla/websocket"
	"github.com/ruteri/device-provisioning-backend/gateway"
	"github.com/ruteri/device-provisioning-backend/interfaces"
)

// SessionClient is an operator connection to the real-time gateway.
// Requests may be sent concurrently; Receive and Follow must be called from
// a single goroutine.
type SessionClient struct {
	conn *websocket.Conn

	writeMu sync.Mutex
}

// DialSession connects to the gateway endpoint (ws:// or wss:// URL).
func DialSession(ctx context.Context, endpoint string) (*SessionClient, error) {
	conn, resp, err := websocket.DefaultDialer.DialContext(ctx, endpoint, nil)
	if err != nil {
		if resp != nil {
			return nil, fmt.Errorf("could not connect to %s (status %d): %w", endpoint, resp.StatusCode, err)
		}
		return nil, fmt.Errorf("could not connect to %s: %w", endpoint, err)
	}
	return &SessionClient{conn: conn}, nil
}

// SubmitDevice sends a submitDevice request and returns its correlation id.
func (c *SessionClient) SubmitDevice(req interfaces.ProvisionRequest) (string, error) {
	return c.send(gateway.TypeSubmitDevice, req)
}

// RetryJob asks the gateway to retry a failed job started on this connection.
func (c *SessionClient) RetryJob(jobID string) (string, error) {
	return c.send(gateway.TypeRetryJob, gateway.RetryRequest{JobID: jobID})
}

func (c *SessionClient) send(typ string, payload any) (string, error) {
	id := uuid.NewString()
	env := map[string]any{"type": typ, "id": id, "payload": payload}

	c.writeMu.Lock()
	defer c.writeMu.Unlock()
	if err := c.conn.WriteJSON(env); err != nil {
		return "", err
	}
	return id, nil
}

// Receive blocks until the next message arrives.
func (c *SessionClient) Receive() (*gateway.Envelope, error) {
	var env gateway.Envelope
	if err := c.conn.ReadJSON(&env); err != nil {
		return nil, err
	}
	return &env, nil
}

// Result is the outcome of one request followed to its terminal event.
type Result struct {
	Ack    *gateway.Ack
	Events []interfaces.ProgressEvent
}

// Final returns the terminal event.
func (r *Result) Final() interfaces.ProgressEvent {
	return r.Events[len(r.Events)-1]
}

// Failed reports whether the request ended with an error event.
func (r *Result) Failed() bool {
	return r.Final().Status == interfaces.StatusError
}

// ErrConnectionClosed is returned by Follow when the gateway disconnects
// before the terminal event.
var ErrConnectionClosed = errors.New("connection closed before the job ended")

// Follow reads messages until the terminal progress event of requestID,
// calling onEvent for each of its progress events. Messages of other
// requests are skipped.
func (c *SessionClient) Follow(ctx context.Context, requestID string, onEvent func(interfaces.ProgressEvent)) (*Result, error) {
	stop := context.AfterFunc(ctx, func() { c.conn.Close() })
	defer stop()

	result := &Result{}
	for {
		env, err := c.Receive()
		if err != nil {
			if ctx.Err() != nil {
				return result, ctx.Err()
			}
			if websocket.IsCloseError(err, websocket.CloseNormalClosure, websocket.CloseGoingAway) {
				return result, ErrConnectionClosed
			}
			return result, err
		}
		if env.ID != requestID {
			continue
		}

		switch env.Type {
		case gateway.TypeAck:
			ack, err := env.Ack()
			if err != nil {
				return result, err
			}
			result.Ack = ack
		case gateway.TypeProgress:
			ev, err := env.Progress()
			if err != nil {
				return result, err
			}
			result.Events = append(result.Events, *ev)
			if onEvent != nil {
				onEvent(*ev)
			}
			if ev.Status.Terminal() {
				return result, nil
			}
		}
	}
}

// Close closes the connection.
func (c *SessionClient) Close() error {
	c.writeMu.Lock()
	defer c.writeMu.Unlock()
	_ = c.conn.WriteMessage(websocket.CloseMessage, websocket.FormatCloseMessage(websocket.CloseNormalClosure, ""))
	return c.conn.Close()
}
