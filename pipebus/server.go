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

	"golang.org/x/sync/errgroup"
)

// LocalDelivery hands an event to an in-process consumer (typically
// orchestrator.InjectRemote) when no connection received it, neither a
// registration nor a subscription for the target.
type LocalDelivery func(ev EventPayload) error

// ServerOption configures a Server.
type ServerOption func(*Server)

// WithServerLogger sets the structured logger.
func WithServerLogger(logger *slog.Logger) ServerOption {
	return func(s *Server) {
		if logger != nil {
			s.logger = logger
		}
	}
}

// WithSocketPath overrides the socket path derived from the pipe name.
func WithSocketPath(path string) ServerOption {
	return func(s *Server) { s.socketPath = path }
}

// WithLocalDelivery wires in-process delivery for events that no connection
// received (no registration and no subscriber for the target).
func WithLocalDelivery(fn LocalDelivery) ServerOption {
	return func(s *Server) { s.local = fn }
}

// serverConn is one client connection. Writes are serialized per connection
// and explicitly flushed after every frame.
type serverConn struct {
	conn    net.Conn
	writeMu sync.Mutex
	bw      *bufio.Writer
	ids     map[string]struct{} // machine ids registered on this conn
}

func (sc *serverConn) writeFrame(msgType MessageType, payload any) error {
	line, err := encodeFrame(msgType, payload)
	if err != nil {
		return err
	}
	sc.writeMu.Lock()
	defer sc.writeMu.Unlock()
	if _, err := sc.bw.Write(line); err != nil {
		return err
	}
	return sc.bw.Flush()
}

// Server owns the bus endpoint: a registration table machineId→connection,
// subscription fan-out, and per-connection reader tasks. A dropped
// connection evicts its registrations; other clients are unaffected.
type Server struct {
	pipeName   string
	socketPath string
	logger     *slog.Logger
	local      LocalDelivery

	ln      net.Listener
	g       *errgroup.Group
	stopped atomic.Bool

	mu            sync.RWMutex
	registrations map[string]*serverConn
	subscribers   map[string][]*serverConn
	conns         map[*serverConn]struct{}
}

// NewServer creates a server for the given pipe name.
func NewServer(pipeName string, opts ...ServerOption) *Server {
	s := &Server{
		pipeName:      pipeName,
		logger:        slog.New(slog.NewTextHandler(io.Discard, nil)),
		registrations: make(map[string]*serverConn),
		subscribers:   make(map[string][]*serverConn),
		conns:         make(map[*serverConn]struct{}),
	}
	for _, opt := range opts {
		opt(s)
	}
	if s.socketPath == "" {
		s.socketPath = SocketPath(pipeName)
	}
	return s
}

// SocketPath returns the endpoint the server listens on.
func (s *Server) SocketPath() string { return s.socketPath }

// Start binds the endpoint and begins accepting connections. Non-blocking;
// Stop shuts the server down.
func (s *Server) Start(ctx context.Context) error {
	_ = os.Remove(s.socketPath)
	ln, err := net.Listen("unix", s.socketPath)
	if err != nil {
		return fmt.Errorf("listen %s: %w", s.socketPath, err)
	}
	s.ln = ln
	s.g, _ = errgroup.WithContext(ctx)
	s.g.Go(s.acceptLoop)
	s.logger.Info("message bus listening", "pipe", s.pipeName, "socket", s.socketPath)
	return nil
}

func (s *Server) acceptLoop() error {
	for {
		conn, err := s.ln.Accept()
		if err != nil {
			if s.stopped.Load() || errors.Is(err, net.ErrClosed) {
				return nil
			}
			return err
		}
		s.g.Go(func() error {
			s.ServeConn(conn)
			return nil
		})
	}
}

// ServeConn runs the reader task for one connection. Exported so tests can
// drive the server over net.Pipe without a listener.
func (s *Server) ServeConn(conn net.Conn) {
	sc := &serverConn{
		conn: conn,
		bw:   bufio.NewWriter(conn),
		ids:  make(map[string]struct{}),
	}
	s.mu.Lock()
	s.conns[sc] = struct{}{}
	s.mu.Unlock()

	scanner := bufio.NewScanner(conn)
	scanner.Buffer(make([]byte, 64*1024), MaxFrameBytes)
	for scanner.Scan() {
		line := scanner.Bytes()
		if len(line) == 0 {
			continue
		}
		s.handleFrame(sc, line)
	}
	if err := scanner.Err(); err != nil && !s.stopped.Load() {
		s.logger.Debug("connection read ended", "error", err)
	}
	s.evict(sc)
}

func (s *Server) handleFrame(sc *serverConn, line []byte) {
	var frame Frame
	if err := json.Unmarshal(line, &frame); err != nil {
		s.logger.Warn("rejected malformed frame", "error", err)
		_ = sc.writeFrame(TypeResponse, ResponsePayload{Success: false, Error: "malformed frame: " + err.Error()})
		return
	}

	switch frame.Type {
	case TypeRegister:
		p, err := decodePayload[RegisterPayload](frame.Payload)
		if err != nil || p.MachineID == "" {
			_ = sc.writeFrame(TypeResponse, ResponsePayload{Success: false, Error: "invalid Register payload"})
			return
		}
		s.mu.Lock()
		s.registrations[p.MachineID] = sc
		sc.ids[p.MachineID] = struct{}{}
		s.mu.Unlock()
		s.logger.Debug("machine registered on bus",
			"machine", p.MachineID, "process", p.ProcessName, "pid", p.ProcessID)

	case TypeUnregister:
		p, err := decodePayload[UnregisterPayload](frame.Payload)
		if err != nil {
			return
		}
		s.mu.Lock()
		if s.registrations[p.MachineID] == sc {
			delete(s.registrations, p.MachineID)
		}
		delete(sc.ids, p.MachineID)
		s.mu.Unlock()

	case TypeSubscribe:
		p, err := decodePayload[SubscribePayload](frame.Payload)
		if err != nil || p.MachineID == "" {
			_ = sc.writeFrame(TypeResponse, ResponsePayload{Success: false, Error: "invalid Subscribe payload"})
			return
		}
		s.mu.Lock()
		s.subscribers[p.MachineID] = append(s.subscribers[p.MachineID], sc)
		s.mu.Unlock()

	case TypeSendEvent:
		p, err := decodePayload[EventPayload](frame.Payload)
		if err != nil {
			_ = sc.writeFrame(TypeResponse, ResponsePayload{Success: false, Error: "invalid SendEvent payload"})
			return
		}
		s.routeEvent(sc, p)

	default:
		s.logger.Warn("unknown frame type", "type", frame.Type)
	}
}

// routeEvent delivers to the target's connection, fans out to subscribers,
// and, only for correlated sends, replies to the originator.
func (s *Server) routeEvent(origin *serverConn, ev EventPayload) {
	s.mu.RLock()
	target := s.registrations[ev.TargetMachineID]
	subs := append([]*serverConn(nil), s.subscribers[ev.TargetMachineID]...)
	s.mu.RUnlock()

	delivered := false
	if target != nil {
		if err := target.writeFrame(TypeSendEvent, ev); err != nil {
			s.logger.Warn("delivery failed", "target", ev.TargetMachineID, "error", err)
		} else {
			delivered = true
		}
	}
	for _, sub := range subs {
		if sub == target {
			continue
		}
		if err := sub.writeFrame(TypeSendEvent, ev); err == nil {
			delivered = true
		}
	}
	if !delivered && s.local != nil {
		if err := s.local(ev); err == nil {
			delivered = true
		}
	}

	if correlationID(ev.Payload) == "" {
		return
	}
	resp := ResponsePayload{Success: delivered, Data: &ev}
	if !delivered {
		resp.Error = fmt.Sprintf("machine %q not connected", ev.TargetMachineID)
	}
	// Flush happens inside writeFrame; a client that never reads responses
	// is tolerated because writes never depend on reads.
	if err := origin.writeFrame(TypeResponse, resp); err != nil {
		s.logger.Debug("response write failed", "error", err)
	}
}

// evict removes a dropped connection's registrations and subscriptions.
func (s *Server) evict(sc *serverConn) {
	s.mu.Lock()
	for id := range sc.ids {
		if s.registrations[id] == sc {
			delete(s.registrations, id)
		}
	}
	for id, subs := range s.subscribers {
		kept := subs[:0]
		for _, sub := range subs {
			if sub != sc {
				kept = append(kept, sub)
			}
		}
		if len(kept) == 0 {
			delete(s.subscribers, id)
		} else {
			s.subscribers[id] = kept
		}
	}
	delete(s.conns, sc)
	s.mu.Unlock()
	_ = sc.conn.Close()
	s.logger.Debug("connection evicted")
}

// RegisteredMachines returns the ids currently registered over the bus.
func (s *Server) RegisteredMachines() []string {
	s.mu.RLock()
	defer s.mu.RUnlock()
	ids := make([]string, 0, len(s.registrations))
	for id := range s.registrations {
		ids = append(ids, id)
	}
	return ids
}

// Stop closes the listener and every connection, then waits for reader
// tasks to finish.
func (s *Server) Stop() error {
	if !s.stopped.CompareAndSwap(false, true) {
		return nil
	}
	if s.ln != nil {
		_ = s.ln.Close()
	}
	s.mu.Lock()
	for sc := range s.conns {
		_ = sc.conn.Close()
	}
	s.mu.Unlock()
	var err error
	if s.g != nil {
		err = s.g.Wait()
	}
	_ = os.Remove(s.socketPath)
	s.logger.Info("message bus stopped", "pipe", s.pipeName)
	return err
}
