package ocpp

import (
	"encoding/json"
	"time"
)

// Actions driven by a simulated charging session.
const (
	ActionBootNotification   = "BootNotification"
	ActionAuthorize          = "Authorize"
	ActionStartTransaction   = "StartTransaction"
	ActionStopTransaction    = "StopTransaction"
	ActionMeterValues        = "MeterValues"
	ActionHeartbeat          = "Heartbeat"
	ActionStatusNotification = "StatusNotification"
)

// Server-initiated actions the simulator recognizes.
// DefaultIdTag is the placeholder authorization tag a session falls back to
// when no identity is configured. Recordings never treat it as a real
// driver tag.
const DefaultIdTag = "TEST-TAG-001"

const (
	ActionRemoteStartTransaction = "RemoteStartTransaction"
	ActionRemoteStopTransaction  = "RemoteStopTransaction"
	ActionGetConfiguration       = "GetConfiguration"
	ActionSetChargingProfile     = "SetChargingProfile"
	ActionClearChargingProfile   = "ClearChargingProfile"
)

type BootNotificationPayload struct {
	ChargePointVendor     string `json:"chargePointVendor"`
	ChargePointModel      string `json:"chargePointModel"`
	ChargeBoxSerialNumber string `json:"chargeBoxSerialNumber,omitempty"`
	FirmwareVersion       string `json:"firmwareVersion,omitempty"`
}

type BootNotificationResult struct {
	Status      string `json:"status"`
	CurrentTime string `json:"currentTime"`
	Interval    int    `json:"interval"`
}

type AuthorizePayload struct {
	IdTag string `json:"idTag"`
}

type IdTagInfo struct {
	Status string `json:"status"`
}

type AuthorizeResult struct {
	IdTagInfo IdTagInfo `json:"idTagInfo"`
}

type StartTransactionPayload struct {
	ConnectorID int    `json:"connectorId"`
	IdTag       string `json:"idTag"`
	MeterStart  int    `json:"meterStart"`
	Timestamp   string `json:"timestamp"`
}

type StartTransactionResult struct {
	TransactionID int       `json:"transactionId"`
	IdTagInfo     IdTagInfo `json:"idTagInfo"`
}

type StopTransactionPayload struct {
	TransactionID int    `json:"transactionId"`
	MeterStop     int    `json:"meterStop"`
	Timestamp     string `json:"timestamp"`
}

type SampledValue struct {
	Value     string `json:"value"`
	Context   string `json:"context,omitempty"`
	Measurand string `json:"measurand,omitempty"`
	Unit      string `json:"unit,omitempty"`
}

type MeterValue struct {
	Timestamp    string         `json:"timestamp"`
	SampledValue []SampledValue `json:"sampledValue"`
}

type MeterValuesPayload struct {
	ConnectorID   int          `json:"connectorId"`
	TransactionID int          `json:"transactionId,omitempty"`
	MeterValue    []MeterValue `json:"meterValue"`
}

type StatusNotificationPayload struct {
	ConnectorID int    `json:"connectorId"`
	ErrorCode   string `json:"errorCode"`
	Status      string `json:"status"`
	Timestamp   string `json:"timestamp"`
}

// NewBootNotification builds the boot payload a simulated charge point sends.
func NewBootNotification(chargePointID string) BootNotificationPayload {
	return BootNotificationPayload{
		ChargePointVendor:     "SimCorp",
		ChargePointModel:      "Go Simulator",
		ChargeBoxSerialNumber: chargePointID,
		FirmwareVersion:       "1.0.0",
	}
}

// NewStatusNotification builds a connector status update for connector 1.
func NewStatusNotification(status string, now time.Time) StatusNotificationPayload {
	return StatusNotificationPayload{
		ConnectorID: 1,
		ErrorCode:   "NoError",
		Status:      status,
		Timestamp:   now.UTC().Format(time.RFC3339),
	}
}

// NewMeterValues builds a single-sample telemetry frame. Values are reported
// in the order energy, power, SoC, matching what real charge points emit.
func NewMeterValues(transactionID int, energyWh, powerW, soc float64, now time.Time) MeterValuesPayload {
	samples := []SampledValue{
		{Value: formatFloat(energyWh), Context: "Sample.Periodic", Measurand: "Energy.Active.Import.Register", Unit: "Wh"},
		{Value: formatFloat(powerW), Context: "Sample.Periodic", Measurand: "Power.Active.Import", Unit: "W"},
		{Value: formatFloat(soc), Context: "Sample.Periodic", Measurand: "SoC", Unit: "Percent"},
	}
	return MeterValuesPayload{
		ConnectorID:   1,
		TransactionID: transactionID,
		MeterValue: []MeterValue{{
			Timestamp:    now.UTC().Format(time.RFC3339),
			SampledValue: samples,
		}},
	}
}

func formatFloat(v float64) string {
	return json.Number(trimFloat(v)).String()
}

func trimFloat(v float64) string {
	b, _ := json.Marshal(v)
	return string(b)
}

// DefaultResult is the reply sent for server-initiated calls that only need
// an acknowledgement. Actions requiring a structured reply get one.
func DefaultResult(action string) json.RawMessage {
	switch action {
	case ActionGetConfiguration:
		return json.RawMessage(`{"configurationKey":[{"key":"HeartbeatInterval","readonly":false,"value":"300"},{"key":"MeterValueSampleInterval","readonly":false,"value":"30"},{"key":"NumberOfConnectors","readonly":true,"value":"1"}]}`)
	default:
		return json.RawMessage(`{"status":"Accepted"}`)
	}
}
