package mock

import (
	"encoding/json"
	"fmt"
	"log"
	"net/http"
	"strings"
	"sync"
	"time"

	"github.com/gorilla/websocket"

	"ocppsim/ocpp"
)

// CentralSystem is an in-process OCPP 1.6 central system. It accepts charge
// point connections, answers every Call with a canned result and can inject
// server-initiated calls into connected charge points. Used for local
// development and as the backend in tests.
type CentralSystem struct {
	upgrader websocket.Upgrader

	mu            sync.RWMutex
	conns         map[string]*csConn
	nextTxID      int
	heartbeatSecs int
	rejectIdTags  map[string]bool
	received      []ReceivedCall
	seq           int
}

// ReceivedCall is one Call a charge point sent, in arrival order.
type ReceivedCall struct {
	ChargePointID string
	Action        string
	Payload       json.RawMessage
}

type csConn struct {
	chargePointID string
	ws            *websocket.Conn
	writeMu       sync.Mutex
}

func NewCentralSystem() *CentralSystem {
	return &CentralSystem{
		upgrader: websocket.Upgrader{
			Subprotocols: []string{"ocpp1.6"},
			CheckOrigin:  func(r *http.Request) bool { return true },
		},
		conns:         make(map[string]*csConn),
		nextTxID:      1,
		heartbeatSecs: 300,
		rejectIdTags:  make(map[string]bool),
	}
}

// SetHeartbeatInterval sets the interval returned in BootNotification
// results, in seconds.
func (cs *CentralSystem) SetHeartbeatInterval(secs int) {
	cs.mu.Lock()
	cs.heartbeatSecs = secs
	cs.mu.Unlock()
}

// RejectIdTag makes Authorize and StartTransaction answer "Invalid" for the
// given tag.
func (cs *CentralSystem) RejectIdTag(idTag string) {
	cs.mu.Lock()
	cs.rejectIdTags[idTag] = true
	cs.mu.Unlock()
}

// Received returns a copy of every Call seen so far.
func (cs *CentralSystem) Received() []ReceivedCall {
	cs.mu.RLock()
	defer cs.mu.RUnlock()
	out := make([]ReceivedCall, len(cs.received))
	copy(out, cs.received)
	return out
}

// Connected reports whether the given charge point currently holds a
// connection.
func (cs *CentralSystem) Connected(chargePointID string) bool {
	cs.mu.RLock()
	defer cs.mu.RUnlock()
	_, ok := cs.conns[chargePointID]
	return ok
}

// ServeHTTP upgrades the connection and serves the OCPP message loop. The
// charge point id is the last path segment.
func (cs *CentralSystem) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	parts := strings.Split(strings.TrimSuffix(r.URL.Path, "/"), "/")
	chargePointID := parts[len(parts)-1]
	if chargePointID == "" {
		http.Error(w, "missing charge point id", http.StatusBadRequest)
		return
	}

	ws, err := cs.upgrader.Upgrade(w, r, nil)
	if err != nil {
		log.Printf("mock central system: upgrade failed: %v", err)
		return
	}

	conn := &csConn{chargePointID: chargePointID, ws: ws}

	cs.mu.Lock()
	cs.conns[chargePointID] = conn
	cs.mu.Unlock()

	defer func() {
		cs.mu.Lock()
		if cs.conns[chargePointID] == conn {
			delete(cs.conns, chargePointID)
		}
		cs.mu.Unlock()
		ws.Close()
	}()

	for {
		_, data, err := ws.ReadMessage()
		if err != nil {
			return
		}
		cs.handleMessage(conn, data)
	}
}

func (cs *CentralSystem) handleMessage(conn *csConn, data []byte) {
	frame, err := ocpp.DecodeFrame(data)
	if err != nil {
		log.Printf("mock central system: bad frame from %s: %v", conn.chargePointID, err)
		return
	}

	// Results and errors for injected server calls need no bookkeeping.
	if frame.Type != ocpp.MessageTypeCall {
		return
	}
	call := frame.Call

	cs.mu.Lock()
	cs.received = append(cs.received, ReceivedCall{
		ChargePointID: conn.chargePointID,
		Action:        call.Action,
		Payload:       call.Payload,
	})
	result := cs.resultFor(call.Action, call.Payload)
	cs.mu.Unlock()

	reply, err := ocpp.EncodeCallResult(call.ID, result)
	if err != nil {
		log.Printf("mock central system: encode failed: %v", err)
		return
	}
	conn.write(reply)
}

// resultFor builds the canned result for one action. Caller holds cs.mu.
func (cs *CentralSystem) resultFor(action string, payload json.RawMessage) interface{} {
	switch action {
	case ocpp.ActionBootNotification:
		return ocpp.BootNotificationResult{
			Status:      "Accepted",
			CurrentTime: time.Now().UTC().Format(time.RFC3339),
			Interval:    cs.heartbeatSecs,
		}
	case ocpp.ActionAuthorize:
		var p ocpp.AuthorizePayload
		json.Unmarshal(payload, &p)
		return ocpp.AuthorizeResult{IdTagInfo: cs.idTagInfo(p.IdTag)}
	case ocpp.ActionStartTransaction:
		var p ocpp.StartTransactionPayload
		json.Unmarshal(payload, &p)
		txID := cs.nextTxID
		cs.nextTxID++
		return ocpp.StartTransactionResult{
			TransactionID: txID,
			IdTagInfo:     cs.idTagInfo(p.IdTag),
		}
	case ocpp.ActionStopTransaction:
		return map[string]interface{}{"idTagInfo": ocpp.IdTagInfo{Status: "Accepted"}}
	case ocpp.ActionHeartbeat:
		return map[string]string{"currentTime": time.Now().UTC().Format(time.RFC3339)}
	default:
		// MeterValues, StatusNotification and anything else take an empty
		// result.
		return map[string]interface{}{}
	}
}

func (cs *CentralSystem) idTagInfo(idTag string) ocpp.IdTagInfo {
	if cs.rejectIdTags[idTag] {
		return ocpp.IdTagInfo{Status: "Invalid"}
	}
	return ocpp.IdTagInfo{Status: "Accepted"}
}

// InjectCall sends a server-initiated Call to a connected charge point.
func (cs *CentralSystem) InjectCall(chargePointID, action string, payload interface{}) error {
	cs.mu.Lock()
	conn, ok := cs.conns[chargePointID]
	cs.seq++
	id := fmt.Sprintf("cs-%d", cs.seq)
	cs.mu.Unlock()

	if !ok {
		return fmt.Errorf("charge point %s not connected", chargePointID)
	}

	data, err := ocpp.EncodeCall(id, action, payload)
	if err != nil {
		return fmt.Errorf("encode server call: %w", err)
	}
	return conn.write(data)
}

func (c *csConn) write(data []byte) error {
	c.writeMu.Lock()
	defer c.writeMu.Unlock()
	return c.ws.WriteMessage(websocket.TextMessage, data)
}
