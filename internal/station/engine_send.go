package station

import (
	"context"
	"encoding/json"
	"fmt"
	"reflect"
	"time"

	"github.com/google/uuid"
	"github.com/gorilla/websocket"
	"go.uber.org/zap"

	"github.com/hubertsui/e-mobility-charging-stations-simulator/internal/ocpp"
	v16 "github.com/hubertsui/e-mobility-charging-stations-simulator/internal/ocpp/v16"
	"github.com/hubertsui/e-mobility-charging-stations-simulator/internal/storage"
	"github.com/hubertsui/e-mobility-charging-stations-simulator/internal/telemetry"
)

// ocppService is the per-version strategy for building outbound payloads and
// dispatching inbound requests.
type ocppService interface {
	bootNotificationRequest(e *Engine) interface{}
	heartbeatRequest() interface{}
	statusNotificationRequest(e *Engine, connectorID int, status v16.ChargePointStatus) interface{}
	handleIncoming(e *Engine, action string, payload json.RawMessage) (interface{}, *ocpp.Error)
}

func (e *Engine) validatePayload(payload interface{}) error {
	if payload == nil || !e.tmpl.PayloadSchemaValidation {
		return nil
	}
	v := reflect.ValueOf(payload)
	for v.Kind() == reflect.Ptr {
		if v.IsNil() {
			return nil
		}
		v = v.Elem()
	}
	if v.Kind() != reflect.Struct || v.NumField() == 0 {
		return nil
	}
	return e.validate.Struct(v.Interface())
}

func (e *Engine) decodeResponse(raw json.RawMessage, out interface{}) error {
	if err := json.Unmarshal(raw, out); err != nil {
		return fmt.Errorf("malformed response payload: %w", err)
	}
	if err := e.validatePayload(out); err != nil {
		return fmt.Errorf("response payload validation failed: %w", err)
	}
	return nil
}

// sendRequest sends a CALL and waits for the matching CALLRESULT or
// CALLERROR. When the socket is down and the action tolerates buffering, the
// frame is queued instead and buffered reports true.
func (e *Engine) sendRequest(action string, payload interface{}, skipBuffering bool) (json.RawMessage, bool, *ocpp.Error) {
	if action != "BootNotification" && e.tmpl.OcppStrictCompliance && !e.Registered() {
		return nil, false, ocpp.NewError(ocpp.ErrorSecurityError,
			fmt.Sprintf("cannot send %s before the CSMS accepted registration", action))
	}
	if err := e.validatePayload(payload); err != nil {
		return nil, false, ocpp.NewError(ocpp.ErrorFormationViolation,
			fmt.Sprintf("%s request payload validation failed: %v", action, err))
	}

	id := uuid.NewString()
	data, err := ocpp.MarshalCall(id, action, payload)
	if err != nil {
		return nil, false, ocpp.NewError(ocpp.ErrorInternalError,
			fmt.Sprintf("failed to encode %s request: %v", action, err))
	}

	bufferable := !skipBuffering && action != "BootNotification" &&
		!(e.tmpl.OcppStrictCompliance && transactionRelated(action))

	ch := e.cache.add(id, action, OCPPWSCommandTimeout)
	start := time.Now()
	if err := e.writeFrame(data); err != nil {
		e.cache.remove(id)
		if bufferable {
			e.buffer.add(id, data)
			e.log.Debug("Message buffered", zap.String("action", action), zap.String("messageId", id))
			return nil, true, nil
		}
		return nil, false, ocpp.NewError(ocpp.ErrorGenericError,
			fmt.Sprintf("failed to send %s request: %v", action, err))
	}

	telemetry.OCPPMessagesTotal.WithLabelValues(string(e.info.OCPPVersion), action, "outgoing").Inc()

	outcome := <-ch
	elapsed := time.Since(start)
	telemetry.OCPPRequestDuration.WithLabelValues(action).Observe(elapsed.Seconds())
	e.storePerformanceRecord(action, "outgoing", elapsed, outcome.err)

	if outcome.err != nil {
		return nil, false, outcome.err
	}
	return outcome.payload, false, nil
}

func transactionRelated(action string) bool {
	switch action {
	case "Authorize", "StartTransaction", "StopTransaction", "MeterValues":
		return true
	}
	return false
}

func (e *Engine) writeFrame(data []byte) error {
	e.connMu.Lock()
	defer e.connMu.Unlock()
	if e.conn == nil {
		return fmt.Errorf("websocket connection is not open")
	}
	return e.conn.WriteMessage(websocket.TextMessage, data)
}

func (e *Engine) storePerformanceRecord(action, direction string, elapsed time.Duration, callErr *ocpp.Error) {
	if e.opts.Performance == nil {
		return
	}
	record := storage.PerformanceRecord{
		StationID: e.info.ChargingStationID,
		HashID:    e.info.HashID,
		Command:   action,
		Direction: direction,
		Duration:  elapsed,
		Timestamp: time.Now().UTC(),
	}
	if callErr != nil {
		record.Failed = true
		record.ErrorCode = string(callErr.Code)
	}
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	if err := e.opts.Performance.Store(ctx, record); err != nil {
		e.log.Debug("Failed to store performance record", zap.Error(err))
	}
}

func (e *Engine) handleMessage(data []byte) {
	frame, err := ocpp.ParseFrame(data)
	if err != nil {
		e.log.Warn("Discarding malformed OCPP message", zap.Error(err))
		return
	}

	switch frame.Type {
	case ocpp.CallMessage:
		telemetry.OCPPMessagesTotal.WithLabelValues(string(e.info.OCPPVersion), frame.Action, "incoming").Inc()
		// Handlers may issue requests of their own and wait for their
		// responses, so the read loop must not block on them.
		go e.handleIncomingCall(frame)
	case ocpp.CallResultMessage:
		if _, ok := e.cache.complete(frame.UniqueID, frame.Payload); !ok {
			e.log.Error("CALLRESULT for unknown request",
				zap.String("messageId", frame.UniqueID))
		}
	case ocpp.CallErrorMessage:
		callErr := &ocpp.Error{
			Code:        frame.ErrorCode,
			Description: frame.ErrorDescription,
			Details:     frame.ErrorDetails,
		}
		if action, ok := e.cache.fail(frame.UniqueID, callErr); ok {
			e.log.Warn("CALLERROR received",
				zap.String("action", action),
				zap.String("code", string(frame.ErrorCode)),
				zap.String("description", frame.ErrorDescription),
			)
		} else {
			e.log.Error("CALLERROR for unknown request",
				zap.String("messageId", frame.UniqueID))
		}
	}
}

func (e *Engine) handleIncomingCall(frame *ocpp.Frame) {
	start := time.Now()
	resp, callErr := e.service.handleIncoming(e, frame.Action, frame.Payload)
	e.storePerformanceRecord(frame.Action, "incoming", time.Since(start), callErr)

	var data []byte
	var err error
	if callErr != nil {
		e.log.Warn("Rejecting incoming request",
			zap.String("action", frame.Action),
			zap.String("code", string(callErr.Code)),
			zap.String("description", callErr.Description),
		)
		data, err = ocpp.MarshalCallError(frame.UniqueID, callErr)
	} else {
		data, err = ocpp.MarshalCallResult(frame.UniqueID, resp)
	}
	if err != nil {
		e.log.Error("Failed to encode response", zap.String("action", frame.Action), zap.Error(err))
		return
	}
	if err := e.writeFrame(data); err != nil {
		e.log.Warn("Failed to send response", zap.String("action", frame.Action), zap.Error(err))
	}
}
