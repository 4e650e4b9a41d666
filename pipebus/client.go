package pipebus

import (
	"bufio"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net"
	"os"
	"sync"
	"sync/atomic"
	"time"

	"github.com/cenkalti/backoff/v4"
	"github.com/google/uuid"

	"github.com/digitect38/xstatenet"
)

// ErrClientClosed is returned after Close.
var ErrClientClosed = errors.New("pipe client closed")

// EventHandler consumes events delivered to a subscribed machine id.
type EventHandler func(ev EventPayload)

// ClientOption configures a Client.
type ClientOption func(*Client)

// WithClientLogger sets the structured logger.
func WithClientLogger(logger *slog.Logger) ClientOption {
	return func(c *Client) {
		if logger != nil {
			c.logger = logger
		}
	}
}

// WithProcessName overrides the process name announced on Register.
func WithProcessName(name string) ClientOption {
	return func(c *Client) { c.processName = name }
}

// WithDialTimeout bounds the total connect retry schedule.
func WithDialTimeout(d time.Duration) ClientOption {
	return func(c *Client) { c.dialTimeout = d }
}

// WithDialSocketPath overrides the socket path derived from the pipe name.
func WithDialSocketPath(path string) ClientOption {
	return func(c *Client) { c.socketPath = path }
}

// Client is one process's connection to the bus. It supports both modes the
// protocol allows: request/reply through SendEventAndWait, and plain sends
// that never read a response.
type Client struct {
	socketPath  string
	processName string
	dialTimeout time.Duration
	logger      *slog.Logger

	conn    net.Conn
	writeMu sync.Mutex
	bw      *bufio.Writer

	mu       sync.RWMutex
	handlers map[string]EventHandler
	pending  map[string]chan ResponsePayload

	closed   atomic.Bool
	readDone chan struct{}
}

// Connect dials the bus endpoint with exponential backoff and starts the
// reader task.
func Connect(ctx context.Context, pipeName string, opts ...ClientOption) (*Client, error) {
	c := newClient(opts...)
	if c.socketPath == "" {
		c.socketPath = SocketPath(pipeName)
	}

	dial := func() (net.Conn, error) {
		var d net.Dialer
		return d.DialContext(ctx, "unix", c.socketPath)
	}
	policy := backoff.WithContext(backoff.NewExponentialBackOff(
		backoff.WithInitialInterval(50*time.Millisecond),
		backoff.WithMaxElapsedTime(c.dialTimeout),
	), ctx)
	conn, err := backoff.RetryWithData(dial, policy)
	if err != nil {
		return nil, fmt.Errorf("connect %s: %w", c.socketPath, err)
	}
	c.attach(conn)
	return c, nil
}

// NewClientConn wraps an existing connection, such as one end of a net.Pipe.
func NewClientConn(conn net.Conn, opts ...ClientOption) *Client {
	c := newClient(opts...)
	c.attach(conn)
	return c
}

func newClient(opts ...ClientOption) *Client {
	c := &Client{
		processName: fmt.Sprintf("pid-%d", os.Getpid()),
		dialTimeout: 10 * time.Second,
		logger:      slog.New(slog.NewTextHandler(io.Discard, nil)),
		handlers:    make(map[string]EventHandler),
		pending:     make(map[string]chan ResponsePayload),
		readDone:    make(chan struct{}),
	}
	for _, opt := range opts {
		opt(c)
	}
	return c
}

func (c *Client) attach(conn net.Conn) {
	c.conn = conn
	c.bw = bufio.NewWriter(conn)
	go c.readLoop()
}

// RegisterMachine announces a machine id owned by this process.
func (c *Client) RegisterMachine(machineID string) error {
	return c.writeFrame(TypeRegister, RegisterPayload{
		MachineID:    machineID,
		ProcessName:  c.processName,
		ProcessID:    os.Getpid(),
		RegisteredAt: time.Now().UTC(),
	})
}

// UnregisterMachine withdraws a registration.
func (c *Client) UnregisterMachine(machineID string) error {
	return c.writeFrame(TypeUnregister, UnregisterPayload{MachineID: machineID})
}

// Subscribe routes events targeting machineID to the handler. One
// subscription per machine id per connection.
func (c *Client) Subscribe(machineID string, handler EventHandler) error {
	c.mu.Lock()
	c.handlers[machineID] = handler
	c.mu.Unlock()
	return c.writeFrame(TypeSubscribe, SubscribePayload{MachineID: machineID})
}

// SendEvent sends without awaiting any response.
func (c *Client) SendEvent(sourceID, targetID, eventName string, payload any) error {
	return c.writeFrame(TypeSendEvent, EventPayload{
		SourceMachineID: sourceID,
		TargetMachineID: targetID,
		EventName:       eventName,
		Payload:         payload,
		Timestamp:       time.Now().UTC(),
	})
}

// SendEventAndWait opts into request/reply: a correlation id is stamped into
// the payload and the server's Response is awaited.
func (c *Client) SendEventAndWait(ctx context.Context, sourceID, targetID, eventName string, payload any) (ResponsePayload, error) {
	corrID := uuid.NewString()
	wrapped := map[string]any{CorrelationKey: corrID}
	switch p := payload.(type) {
	case nil:
	case map[string]any:
		for k, v := range p {
			wrapped[k] = v
		}
	default:
		wrapped["data"] = p
	}

	ch := make(chan ResponsePayload, 1)
	c.mu.Lock()
	c.pending[corrID] = ch
	c.mu.Unlock()
	defer func() {
		c.mu.Lock()
		delete(c.pending, corrID)
		c.mu.Unlock()
	}()

	if err := c.SendEvent(sourceID, targetID, eventName, wrapped); err != nil {
		return ResponsePayload{}, err
	}
	select {
	case resp := <-ch:
		return resp, nil
	case <-ctx.Done():
		return ResponsePayload{}, ctx.Err()
	case <-c.readDone:
		return ResponsePayload{}, ErrClientClosed
	}
}

// ForwardEvent implements orchestrator.RemoteRelay, carrying deferred sends
// whose targets live across the bus.
func (c *Client) ForwardEvent(sourceID, targetID string, ev xstatenet.Event) error {
	return c.SendEvent(sourceID, targetID, ev.Name, ev.Data)
}

// BindOrchestrator subscribes machineID and injects every delivered event
// into the orchestrator-side sink as a local send.
func (c *Client) BindOrchestrator(machineID string, inject func(sourceID, targetID, event string, payload any) error) error {
	return c.Subscribe(machineID, func(ev EventPayload) {
		if err := inject(ev.SourceMachineID, ev.TargetMachineID, ev.EventName, ev.Payload); err != nil {
			c.logger.Warn("inbound event injection failed",
				"target", ev.TargetMachineID, "event", ev.EventName, "error", err)
		}
	})
}

func (c *Client) writeFrame(msgType MessageType, payload any) error {
	if c.closed.Load() {
		return ErrClientClosed
	}
	line, err := encodeFrame(msgType, payload)
	if err != nil {
		return err
	}
	c.writeMu.Lock()
	defer c.writeMu.Unlock()
	if _, err := c.bw.Write(line); err != nil {
		return err
	}
	return c.bw.Flush()
}

func (c *Client) readLoop() {
	defer close(c.readDone)
	scanner := bufio.NewScanner(c.conn)
	scanner.Buffer(make([]byte, 64*1024), MaxFrameBytes)
	for scanner.Scan() {
		line := scanner.Bytes()
		if len(line) == 0 {
			continue
		}
		var frame Frame
		if err := json.Unmarshal(line, &frame); err != nil {
			c.logger.Warn("malformed frame from server", "error", err)
			continue
		}
		switch frame.Type {
		case TypeSendEvent:
			ev, err := decodePayload[EventPayload](frame.Payload)
			if err != nil {
				continue
			}
			c.mu.RLock()
			handler := c.handlers[ev.TargetMachineID]
			c.mu.RUnlock()
			if handler != nil {
				handler(ev)
			} else {
				c.logger.Debug("event with no subscription dropped",
					"target", ev.TargetMachineID, "event", ev.EventName)
			}
		case TypeResponse:
			resp, err := decodePayload[ResponsePayload](frame.Payload)
			if err != nil {
				continue
			}
			corrID := ""
			if resp.Data != nil {
				corrID = correlationID(resp.Data.Payload)
			}
			c.mu.RLock()
			ch := c.pending[corrID]
			c.mu.RUnlock()
			if ch != nil {
				ch <- resp
			} else {
				// A client sending without awaiting simply never sees these.
				c.logger.Debug("uncorrelated response dropped")
			}
		}
	}
	if !c.closed.Load() {
		c.logger.Debug("server connection closed", "error", scanner.Err())
	}
}

// Close tears the connection down. Pending waits fail with ErrClientClosed.
func (c *Client) Close() error {
	if !c.closed.CompareAndSwap(false, true) {
		return nil
	}
	return c.conn.Close()
}
