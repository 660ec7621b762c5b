package session

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log"
	"sync"
	"time"

	"ocppsim/ocpp"
	"ocppsim/storage"
)

// State of a protocol session. Error is absorbing and reachable from any
// non-terminal state.
type State int

const (
	StateQueued State = iota
	StateConnecting
	StateConnected
	StateBooted
	StateAuthorized
	StateStarted
	StateStopped
	StateClosed
	StateError
)

var stateNames = map[State]string{
	StateQueued:     "Queued",
	StateConnecting: "Connecting",
	StateConnected:  "Connected",
	StateBooted:     "Booted",
	StateAuthorized: "Authorized",
	StateStarted:    "Started",
	StateStopped:    "Stopped",
	StateClosed:     "Closed",
	StateError:      "Error",
}

func (s State) String() string {
	if name, ok := stateNames[s]; ok {
		return name
	}
	return fmt.Sprintf("State(%d)", int(s))
}

// Terminal reports whether the session will make no further progress.
func (s State) Terminal() bool {
	return s == StateClosed || s == StateError
}

var (
	ErrTimeout      = errors.New("call timed out")
	ErrClosed       = errors.New("session closed")
	ErrNotConnected = errors.New("transport not connected")
	ErrRejected     = errors.New("request rejected by central system")
)

// Tap observes every protocol event a session sends or receives. The
// recorder and the replayer's event collector both implement it.
type Tap interface {
	Tap(direction, chargePointID, action string, payload json.RawMessage)
}

// Config for one simulated charge point.
type Config struct {
	URL           string
	ChargePointID string
	IdTag         string

	// CallTimeout bounds every pending correlation entry; expired entries
	// are removed and the waiting caller fails with ErrTimeout.
	CallTimeout       time.Duration
	MeterInterval     time.Duration
	HoldDuration      time.Duration
	HeartbeatInterval time.Duration

	Dial Dialer
	Tap  Tap

	// OnServerCall fires for every server-initiated Call, after the
	// session has answered it.
	OnServerCall func(action string, payload json.RawMessage)

	// OnStateChange fires on every transition, outside the session lock.
	OnStateChange func(chargePointID string, state State)
}

type callOutcome struct {
	payload json.RawMessage
	err     error
}

type pendingCall struct {
	action string
	sentAt time.Time
	ch     chan callOutcome
	timer  *time.Timer
}

// Metrics aggregates per-call latencies and message counts for one session.
type Metrics struct {
	mu           sync.Mutex
	BootMs       int64
	AuthMs       int64
	StartMs      int64
	StopMs       int64
	MessageCount int64
}

func (m *Metrics) record(action string, d time.Duration) {
	m.mu.Lock()
	defer m.mu.Unlock()
	ms := d.Milliseconds()
	switch action {
	case ocpp.ActionBootNotification:
		m.BootMs = ms
	case ocpp.ActionAuthorize:
		m.AuthMs = ms
	case ocpp.ActionStartTransaction:
		m.StartMs = ms
	case ocpp.ActionStopTransaction:
		m.StopMs = ms
	}
}

func (m *Metrics) countMessage() {
	m.mu.Lock()
	m.MessageCount++
	m.mu.Unlock()
}

// Snapshot returns a copy safe to read concurrently.
func (m *Metrics) Snapshot() (bootMs, authMs, startMs, stopMs, messages int64) {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.BootMs, m.AuthMs, m.StartMs, m.StopMs, m.MessageCount
}

// Session drives one simulated charge point over one transport connection.
// Correlation ids are unique and monotonically increasing per session; a
// session has at most one live transaction at a time.
type Session struct {
	cfg Config

	mu      sync.Mutex
	writeMu sync.Mutex

	state   State
	conn    Transport
	seq     int
	pending map[string]*pendingCall
	closed  bool

	transactionID     int
	heartbeatInterval time.Duration
	energyWh          float64

	timerCancel context.CancelFunc

	Metrics Metrics
}

func New(cfg Config) *Session {
	if cfg.CallTimeout <= 0 {
		cfg.CallTimeout = 30 * time.Second
	}
	if cfg.IdTag == "" {
		cfg.IdTag = ocpp.DefaultIdTag
	}
	if cfg.Dial == nil {
		cfg.Dial = DialWebSocket
	}
	return &Session{
		cfg:     cfg,
		state:   StateQueued,
		pending: make(map[string]*pendingCall),
	}
}

func (s *Session) ChargePointID() string { return s.cfg.ChargePointID }
func (s *Session) IdTag() string         { return s.cfg.IdTag }

// TransactionID returns the live transaction id, or 0 when no transaction
// has been started in this connection.
func (s *Session) TransactionID() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.transactionID
}

func (s *Session) State() State {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.state
}

func (s *Session) setState(state State) {
	s.mu.Lock()
	if s.state == StateError || s.state == state {
		s.mu.Unlock()
		return
	}
	s.state = state
	s.mu.Unlock()
	if s.cfg.OnStateChange != nil {
		s.cfg.OnStateChange(s.cfg.ChargePointID, state)
	}
}

// Connect opens the transport and starts the inbound read loop.
func (s *Session) Connect(ctx context.Context) error {
	s.mu.Lock()
	if s.closed {
		s.mu.Unlock()
		return ErrClosed
	}
	if s.conn != nil {
		s.mu.Unlock()
		return fmt.Errorf("session %s already connected", s.cfg.ChargePointID)
	}
	s.mu.Unlock()

	s.setState(StateConnecting)
	conn, err := s.cfg.Dial(ctx, s.cfg.URL, s.cfg.ChargePointID)
	if err != nil {
		s.fail(fmt.Errorf("connect failed: %w", err))
		return err
	}

	s.mu.Lock()
	if s.closed {
		s.mu.Unlock()
		conn.Close()
		return ErrClosed
	}
	s.conn = conn
	s.mu.Unlock()

	s.setState(StateConnected)
	go s.readLoop(conn)
	return nil
}

// Call sends a request frame and waits for its correlated result. The
// pending entry expires after CallTimeout; a rejected or errored result is
// returned as an error.
func (s *Session) Call(ctx context.Context, action string, payload interface{}) (json.RawMessage, error) {
	s.mu.Lock()
	if s.closed {
		s.mu.Unlock()
		return nil, ErrClosed
	}
	if s.conn == nil {
		s.mu.Unlock()
		return nil, ErrNotConnected
	}
	s.seq++
	id := fmt.Sprintf("%s-%d", s.cfg.ChargePointID, s.seq)
	pc := &pendingCall{
		action: action,
		sentAt: time.Now(),
		ch:     make(chan callOutcome, 1),
	}
	pc.timer = time.AfterFunc(s.cfg.CallTimeout, func() { s.expire(id) })
	s.pending[id] = pc
	conn := s.conn
	s.mu.Unlock()

	data, err := ocpp.EncodeCall(id, action, payload)
	if err != nil {
		s.remove(id)
		return nil, err
	}

	s.tap(storage.DirectionOutbound, action, rawPayload(payload))
	s.Metrics.countMessage()

	s.writeMu.Lock()
	err = conn.WriteMessage(data)
	s.writeMu.Unlock()
	if err != nil {
		s.remove(id)
		werr := fmt.Errorf("send %s failed: %w", action, err)
		s.fail(werr)
		return nil, werr
	}

	select {
	case <-ctx.Done():
		s.remove(id)
		return nil, ctx.Err()
	case outcome := <-pc.ch:
		if outcome.err != nil {
			return nil, outcome.err
		}
		s.Metrics.record(action, time.Since(pc.sentAt))
		return outcome.payload, nil
	}
}

func (s *Session) readLoop(conn Transport) {
	for {
		data, err := conn.ReadMessage()
		if err != nil {
			s.mu.Lock()
			closed := s.closed
			s.mu.Unlock()
			if !closed {
				s.fail(fmt.Errorf("transport read failed: %w", err))
			}
			return
		}

		frame, err := ocpp.DecodeFrame(data)
		if err != nil {
			log.Printf("[%s] rejected malformed frame: %v", s.cfg.ChargePointID, err)
			continue
		}

		switch frame.Type {
		case ocpp.MessageTypeCallResult:
			s.handleResult(frame.Result)
		case ocpp.MessageTypeCallError:
			s.handleError(frame.Error)
		case ocpp.MessageTypeCall:
			s.handleServerCall(conn, frame.Call)
		}
	}
}

func (s *Session) handleResult(result *ocpp.CallResult) {
	s.mu.Lock()
	pc, ok := s.pending[result.ID]
	if ok {
		delete(s.pending, result.ID)
		pc.timer.Stop()
	}
	s.mu.Unlock()

	if !ok {
		// Duplicate or unmatched ids are rejected, not silently dropped.
		log.Printf("[%s] rejected CallResult with unmatched correlation id %s", s.cfg.ChargePointID, result.ID)
		return
	}

	s.Metrics.countMessage()
	s.tap(storage.DirectionInbound, pc.action, result.Payload)

	if err := s.interpret(pc.action, result.Payload); err != nil {
		pc.ch <- callOutcome{err: err}
		s.fail(err)
		return
	}
	pc.ch <- callOutcome{payload: result.Payload}
}

func (s *Session) handleError(ce *ocpp.CallError) {
	s.mu.Lock()
	pc, ok := s.pending[ce.ID]
	if ok {
		delete(s.pending, ce.ID)
		pc.timer.Stop()
	}
	s.mu.Unlock()

	if !ok {
		log.Printf("[%s] rejected CallError with unmatched correlation id %s", s.cfg.ChargePointID, ce.ID)
		return
	}

	s.Metrics.countMessage()
	err := fmt.Errorf("%s failed: %s (%s)", pc.action, ce.Code, ce.Description)
	s.tap(storage.DirectionInbound, pc.action, ce.Details)
	pc.ch <- callOutcome{err: err}

	// A protocol-level error frame moves this charge point to Error.
	s.fail(err)
}

func (s *Session) handleServerCall(conn Transport, call *ocpp.Call) {
	s.Metrics.countMessage()
	s.tap(storage.DirectionInbound, call.Action, call.Payload)

	reply := ocpp.DefaultResult(call.Action)
	data, err := ocpp.EncodeCallResult(call.ID, reply)
	if err != nil {
		log.Printf("[%s] failed to encode reply for %s: %v", s.cfg.ChargePointID, call.Action, err)
		return
	}
	s.writeMu.Lock()
	err = conn.WriteMessage(data)
	s.writeMu.Unlock()
	if err != nil {
		log.Printf("[%s] failed to answer %s: %v", s.cfg.ChargePointID, call.Action, err)
	}

	if s.cfg.OnServerCall != nil {
		s.cfg.OnServerCall(call.Action, call.Payload)
	}

	switch call.Action {
	case ocpp.ActionRemoteStartTransaction:
		var payload struct {
			IdTag string `json:"idTag"`
		}
		if json.Unmarshal(call.Payload, &payload) == nil && payload.IdTag != "" {
			go func() {
				ctx, cancel := context.WithTimeout(context.Background(), s.cfg.CallTimeout)
				defer cancel()
				if _, err := s.Call(ctx, ocpp.ActionAuthorize, ocpp.AuthorizePayload{IdTag: payload.IdTag}); err != nil {
					log.Printf("[%s] remote start authorize failed: %v", s.cfg.ChargePointID, err)
				}
			}()
		}
	case ocpp.ActionRemoteStopTransaction:
		go func() {
			ctx, cancel := context.WithTimeout(context.Background(), s.cfg.CallTimeout)
			defer cancel()
			if err := s.StopTransaction(ctx); err != nil {
				log.Printf("[%s] remote stop failed: %v", s.cfg.ChargePointID, err)
			}
		}()
	}
}

// interpret drives the state machine from a correlated result.
func (s *Session) interpret(action string, payload json.RawMessage) error {
	switch action {
	case ocpp.ActionBootNotification:
		var result ocpp.BootNotificationResult
		if err := json.Unmarshal(payload, &result); err != nil {
			return fmt.Errorf("malformed BootNotification result: %w", err)
		}
		if result.Status != "Accepted" {
			return fmt.Errorf("BootNotification %s: %w", result.Status, ErrRejected)
		}
		if result.Interval > 0 {
			s.mu.Lock()
			s.heartbeatInterval = time.Duration(result.Interval) * time.Second
			s.mu.Unlock()
		}
		s.setState(StateBooted)

	case ocpp.ActionAuthorize:
		var result ocpp.AuthorizeResult
		if err := json.Unmarshal(payload, &result); err != nil {
			return fmt.Errorf("malformed Authorize result: %w", err)
		}
		if result.IdTagInfo.Status != "Accepted" {
			return fmt.Errorf("Authorize %s: %w", result.IdTagInfo.Status, ErrRejected)
		}
		s.setState(StateAuthorized)

	case ocpp.ActionStartTransaction:
		var result ocpp.StartTransactionResult
		if err := json.Unmarshal(payload, &result); err != nil {
			return fmt.Errorf("malformed StartTransaction result: %w", err)
		}
		if result.IdTagInfo.Status != "" && result.IdTagInfo.Status != "Accepted" {
			return fmt.Errorf("StartTransaction %s: %w", result.IdTagInfo.Status, ErrRejected)
		}
		s.mu.Lock()
		s.transactionID = result.TransactionID
		s.mu.Unlock()
		s.setState(StateStarted)

	case ocpp.ActionStopTransaction:
		s.stopTimers()
		s.mu.Lock()
		s.transactionID = 0
		s.mu.Unlock()
		s.setState(StateStopped)
	}
	return nil
}

func (s *Session) tap(direction, action string, payload json.RawMessage) {
	if s.cfg.Tap != nil {
		s.cfg.Tap.Tap(direction, s.cfg.ChargePointID, action, payload)
	}
}

// remove clears a pending entry without delivering an outcome; used when the
// caller gave up (context cancel, encode failure).
func (s *Session) remove(id string) {
	s.mu.Lock()
	if pc, ok := s.pending[id]; ok {
		delete(s.pending, id)
		pc.timer.Stop()
	}
	s.mu.Unlock()
}

// expire removes a pending entry whose deadline elapsed and fails the
// waiting caller explicitly.
func (s *Session) expire(id string) {
	s.mu.Lock()
	pc, ok := s.pending[id]
	if ok {
		delete(s.pending, id)
	}
	s.mu.Unlock()
	if ok {
		pc.ch <- callOutcome{err: fmt.Errorf("%s: %w", pc.action, ErrTimeout)}
	}
}

// fail moves the session to Error and closes the connection. Pending callers
// observe the failure rather than hanging.
func (s *Session) fail(err error) {
	log.Printf("[%s] session error: %v", s.cfg.ChargePointID, err)
	s.setState(StateError)
	s.shutdown(err)
}

// Close gracefully shuts the session down, clearing timers first so no
// orphaned periodic sends survive the connection.
func (s *Session) Close() {
	s.mu.Lock()
	if !s.closed && s.state != StateError {
		s.mu.Unlock()
		s.setState(StateClosed)
	} else {
		s.mu.Unlock()
	}
	s.shutdown(ErrClosed)
}

func (s *Session) shutdown(cause error) {
	s.stopTimers()

	s.mu.Lock()
	if s.closed {
		s.mu.Unlock()
		return
	}
	s.closed = true
	conn := s.conn
	s.conn = nil
	pending := s.pending
	s.pending = make(map[string]*pendingCall)
	s.mu.Unlock()

	for _, pc := range pending {
		pc.timer.Stop()
		pc.ch <- callOutcome{err: cause}
	}
	if conn != nil {
		conn.Close()
	}
}

func rawPayload(payload interface{}) json.RawMessage {
	if payload == nil {
		return json.RawMessage(`{}`)
	}
	if raw, ok := payload.(json.RawMessage); ok {
		return raw
	}
	data, err := json.Marshal(payload)
	if err != nil {
		return json.RawMessage(`{}`)
	}
	return data
}
