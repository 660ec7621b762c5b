package session

import (
	"context"
	"fmt"
	"log"
	"time"

	"ocppsim/ocpp"
)

// Boot sends BootNotification and, when accepted, reports the connector
// available.
func (s *Session) Boot(ctx context.Context) error {
	if _, err := s.Call(ctx, ocpp.ActionBootNotification, ocpp.NewBootNotification(s.cfg.ChargePointID)); err != nil {
		return err
	}
	if _, err := s.Call(ctx, ocpp.ActionStatusNotification, ocpp.NewStatusNotification("Available", time.Now())); err != nil {
		return err
	}
	return nil
}

// Authorize presents the configured idTag.
func (s *Session) Authorize(ctx context.Context) error {
	_, err := s.Call(ctx, ocpp.ActionAuthorize, ocpp.AuthorizePayload{IdTag: s.cfg.IdTag})
	return err
}

// StartTransaction opens a charging transaction on connector 1 and reports
// the connector charging.
func (s *Session) StartTransaction(ctx context.Context) error {
	payload := ocpp.StartTransactionPayload{
		ConnectorID: 1,
		IdTag:       s.cfg.IdTag,
		MeterStart:  0,
		Timestamp:   time.Now().UTC().Format(time.RFC3339),
	}
	if _, err := s.Call(ctx, ocpp.ActionStartTransaction, payload); err != nil {
		return err
	}
	if _, err := s.Call(ctx, ocpp.ActionStatusNotification, ocpp.NewStatusNotification("Charging", time.Now())); err != nil {
		return err
	}
	return nil
}

// StopTransaction closes the live transaction. Periodic timers are cleared
// by the correlated result before the session leaves Started.
func (s *Session) StopTransaction(ctx context.Context) error {
	txID := s.TransactionID()
	if txID == 0 {
		return fmt.Errorf("session %s has no live transaction", s.cfg.ChargePointID)
	}
	payload := ocpp.StopTransactionPayload{
		TransactionID: txID,
		MeterStop:     int(s.meterReading()),
		Timestamp:     time.Now().UTC().Format(time.RFC3339),
	}
	_, err := s.Call(ctx, ocpp.ActionStopTransaction, payload)
	return err
}

// Heartbeat sends a single heartbeat.
func (s *Session) Heartbeat(ctx context.Context) error {
	_, err := s.Call(ctx, ocpp.ActionHeartbeat, nil)
	return err
}

// SendMeterValues reports one telemetry sample for the live transaction.
func (s *Session) SendMeterValues(ctx context.Context, energyWh, powerW, soc float64) error {
	payload := ocpp.NewMeterValues(s.TransactionID(), energyWh, powerW, soc, time.Now())
	_, err := s.Call(ctx, ocpp.ActionMeterValues, payload)
	return err
}

// Drive runs the full charge-point conversation: connect, boot, authorize,
// start, hold with periodic MeterValues and Heartbeat, stop, close. It
// returns once the session reaches a terminal state or ctx is cancelled.
func (s *Session) Drive(ctx context.Context) error {
	defer s.Close()

	if err := s.Connect(ctx); err != nil {
		return err
	}
	if err := s.Boot(ctx); err != nil {
		return err
	}
	if err := s.Authorize(ctx); err != nil {
		return err
	}
	if err := s.StartTransaction(ctx); err != nil {
		return err
	}

	timerCtx := s.startTimers(ctx)

	hold := s.cfg.HoldDuration
	if hold <= 0 {
		hold = 5 * time.Second
	}
	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-timerCtx.Done():
		// session failed underneath the timers
		if s.State() == StateError {
			return fmt.Errorf("session %s entered error state", s.cfg.ChargePointID)
		}
		return nil
	case <-time.After(hold):
	}

	stopCtx, cancel := context.WithTimeout(context.Background(), s.cfg.CallTimeout)
	defer cancel()
	return s.StopTransaction(stopCtx)
}

// startTimers launches the periodic MeterValues and Heartbeat senders.
// Stopping the transaction or closing the session cancels them.
func (s *Session) startTimers(parent context.Context) context.Context {
	ctx, cancel := context.WithCancel(parent)

	s.mu.Lock()
	s.timerCancel = cancel
	heartbeat := s.heartbeatInterval
	s.mu.Unlock()

	if heartbeat <= 0 {
		heartbeat = s.cfg.HeartbeatInterval
	}

	meter := s.cfg.MeterInterval
	if meter > 0 {
		go s.meterLoop(ctx, meter)
	}
	if heartbeat > 0 {
		go s.heartbeatLoop(ctx, heartbeat)
	}
	return ctx
}

func (s *Session) stopTimers() {
	s.mu.Lock()
	cancel := s.timerCancel
	s.timerCancel = nil
	s.mu.Unlock()
	if cancel != nil {
		cancel()
	}
}

// meterLoop simulates a 7.4 kW AC charge, accumulating energy each tick.
func (s *Session) meterLoop(ctx context.Context, interval time.Duration) {
	const powerW = 7360.0
	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	var energyWh float64
	soc := 20.0
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
		}
		energyWh += powerW * interval.Seconds() / 3600.0
		soc += 0.1
		if soc > 100 {
			soc = 100
		}
		s.setMeterReading(energyWh)

		callCtx, cancel := context.WithTimeout(ctx, s.cfg.CallTimeout)
		err := s.SendMeterValues(callCtx, energyWh, powerW, soc)
		cancel()
		if err != nil {
			if ctx.Err() == nil {
				log.Printf("[%s] MeterValues failed: %v", s.cfg.ChargePointID, err)
			}
			return
		}
	}
}

func (s *Session) heartbeatLoop(ctx context.Context, interval time.Duration) {
	ticker := time.NewTicker(interval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
		}
		callCtx, cancel := context.WithTimeout(ctx, s.cfg.CallTimeout)
		err := s.Heartbeat(callCtx)
		cancel()
		if err != nil {
			if ctx.Err() == nil {
				log.Printf("[%s] Heartbeat failed: %v", s.cfg.ChargePointID, err)
			}
			return
		}
	}
}

func (s *Session) meterReading() float64 {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.energyWh
}

func (s *Session) setMeterReading(wh float64) {
	s.mu.Lock()
	s.energyWh = wh
	s.mu.Unlock()
}
