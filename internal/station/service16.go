package station

import (
	"encoding/json"
	"fmt"
	"time"

	"go.uber.org/zap"

	"github.com/hubertsui/e-mobility-charging-stations-simulator/internal/ocpp"
	v16 "github.com/hubertsui/e-mobility-charging-stations-simulator/internal/ocpp/v16"
)

// service16 speaks OCPP 1.6.
type service16 struct{}

func (service16) bootNotificationRequest(e *Engine) interface{} {
	return v16.BootNotificationRequest{
		ChargePointVendor: e.info.ChargePointVendor,
		ChargePointModel:  e.info.ChargePointModel,
		FirmwareVersion:   e.info.FirmwareVersion,
	}
}

func (service16) heartbeatRequest() interface{} {
	return v16.HeartbeatRequest{}
}

func (service16) statusNotificationRequest(e *Engine, connectorID int, status v16.ChargePointStatus) interface{} {
	return v16.StatusNotificationRequest{
		ConnectorID: connectorID,
		ErrorCode:   v16.ErrorNoError,
		Status:      status,
	}
}

func (s service16) handleIncoming(e *Engine, action string, payload json.RawMessage) (interface{}, *ocpp.Error) {
	switch v16.Action(action) {
	case v16.ActionReset:
		return s.handleReset(e, payload)
	case v16.ActionClearCache:
		return s.handleClearCache(e, payload)
	case v16.ActionChangeAvailability:
		return s.handleChangeAvailability(e, payload)
	case v16.ActionUnlockConnector:
		return s.handleUnlockConnector(e, payload)
	case v16.ActionGetConfiguration:
		return s.handleGetConfiguration(e, payload)
	case v16.ActionChangeConfiguration:
		return s.handleChangeConfiguration(e, payload)
	case v16.ActionRemoteStartTransaction:
		return s.handleRemoteStartTransaction(e, payload)
	case v16.ActionRemoteStopTransaction:
		return s.handleRemoteStopTransaction(e, payload)
	case v16.ActionSetChargingProfile:
		return s.handleSetChargingProfile(e, payload)
	case v16.ActionClearChargingProfile:
		return s.handleClearChargingProfile(e, payload)
	case v16.ActionGetCompositeSchedule:
		return s.handleGetCompositeSchedule(e, payload)
	case v16.ActionGetDiagnostics:
		return s.handleGetDiagnostics(e, payload)
	case v16.ActionTriggerMessage:
		return s.handleTriggerMessage(e, payload)
	case v16.ActionUpdateFirmware:
		return s.handleUpdateFirmware(e, payload)
	case v16.ActionDataTransfer:
		return s.handleDataTransfer(e, payload)
	case v16.ActionReserveNow:
		return s.handleReserveNow(e, payload)
	case v16.ActionCancelReservation:
		return s.handleCancelReservation(e, payload)
	default:
		return nil, ocpp.NewError(ocpp.ErrorNotImplemented,
			fmt.Sprintf("action %s is not implemented", action))
	}
}

func decodeCall[T any](e *Engine, payload json.RawMessage) (*T, *ocpp.Error) {
	var req T
	if err := json.Unmarshal(payload, &req); err != nil {
		return nil, ocpp.NewError(ocpp.ErrorFormationViolation, err.Error())
	}
	if err := e.validatePayload(&req); err != nil {
		return nil, ocpp.NewError(ocpp.ErrorTypeConstraintViolation, err.Error())
	}
	return &req, nil
}

func (service16) handleReset(e *Engine, payload json.RawMessage) (interface{}, *ocpp.Error) {
	req, ocppErr := decodeCall[v16.ResetRequest](e, payload)
	if ocppErr != nil {
		return nil, ocppErr
	}
	reason := v16.ReasonSoftReset
	if req.Type == v16.ResetHard {
		reason = v16.ReasonHardReset
	}
	go func() {
		if err := e.Reset(reason); err != nil {
			e.log.Error("Reset failed", zap.String("type", string(req.Type)), zap.Error(err))
		}
	}()
	return v16.ResetResponse{Status: "Accepted"}, nil
}

func (service16) handleClearCache(e *Engine, _ json.RawMessage) (interface{}, *ocpp.Error) {
	return v16.ClearCacheResponse{Status: "Accepted"}, nil
}

func (service16) handleChangeAvailability(e *Engine, payload json.RawMessage) (interface{}, *ocpp.Error) {
	req, ocppErr := decodeCall[v16.ChangeAvailabilityRequest](e, payload)
	if ocppErr != nil {
		return nil, ocppErr
	}

	target := AvailabilityOperative
	targetStatus := v16.StatusAvailable
	if req.Type == v16.AvailabilityInoperative {
		target = AvailabilityInoperative
		targetStatus = v16.StatusUnavailable
	}

	ids := []int{req.ConnectorID}
	if req.ConnectorID == 0 {
		// Connector 0 addresses the whole station.
		ids = e.ConnectorIDs()
	}

	status := v16.AvailabilityAccepted
	for _, id := range ids {
		c := e.Connector(id)
		if c == nil {
			return nil, ocpp.NewError(ocpp.ErrorPropertyConstraintViolation,
				fmt.Sprintf("connector %d does not exist", id))
		}
		if c.TransactionStarted {
			// Applied once the transaction ends.
			status = v16.AvailabilityScheduled
			e.mu.Lock()
			c.Availability = target
			e.mu.Unlock()
			continue
		}
		e.mu.Lock()
		c.Availability = target
		e.mu.Unlock()
		if err := e.SetStatus(id, targetStatus); err != nil {
			e.log.Warn("Failed to notify availability change",
				zap.Int("connectorId", id), zap.String("error", err.Error()))
		}
	}
	if req.ConnectorID == 0 {
		e.mu.Lock()
		if c0 := e.connectors[0]; c0 != nil {
			c0.Availability = target
		}
		e.mu.Unlock()
	}
	return v16.ChangeAvailabilityResponse{Status: status}, nil
}

func (service16) handleUnlockConnector(e *Engine, payload json.RawMessage) (interface{}, *ocpp.Error) {
	req, ocppErr := decodeCall[v16.UnlockConnectorRequest](e, payload)
	if ocppErr != nil {
		return nil, ocppErr
	}
	c := e.Connector(req.ConnectorID)
	if c == nil {
		return v16.UnlockConnectorResponse{Status: "UnlockFailed"}, nil
	}
	if c.TransactionStarted {
		if err := e.StopTransaction(c.TransactionID, v16.ReasonUnlockCommand); err != nil {
			e.log.Warn("Failed to stop transaction on unlock",
				zap.Int("connectorId", req.ConnectorID), zap.Error(err))
			return v16.UnlockConnectorResponse{Status: "UnlockFailed"}, nil
		}
	}
	return v16.UnlockConnectorResponse{Status: "Unlocked"}, nil
}

func (service16) handleGetConfiguration(e *Engine, payload json.RawMessage) (interface{}, *ocpp.Error) {
	req, ocppErr := decodeCall[v16.GetConfigurationRequest](e, payload)
	if ocppErr != nil {
		return nil, ocppErr
	}

	var resp v16.GetConfigurationResponse
	e.mu.Lock()
	defer e.mu.Unlock()
	if len(req.Key) == 0 {
		for _, k := range e.ocppConfig.VisibleKeys() {
			value := k.Value
			resp.ConfigurationKey = append(resp.ConfigurationKey, v16.KeyValue{
				Key: k.Key, Readonly: k.Readonly, Value: &value,
			})
		}
		return resp, nil
	}
	for _, key := range req.Key {
		k, ok := e.ocppConfig.Get(key, true)
		if !ok || !k.Visible {
			resp.UnknownKey = append(resp.UnknownKey, key)
			continue
		}
		value := k.Value
		resp.ConfigurationKey = append(resp.ConfigurationKey, v16.KeyValue{
			Key: k.Key, Readonly: k.Readonly, Value: &value,
		})
	}
	return resp, nil
}

func (service16) handleChangeConfiguration(e *Engine, payload json.RawMessage) (interface{}, *ocpp.Error) {
	req, ocppErr := decodeCall[v16.ChangeConfigurationRequest](e, payload)
	if ocppErr != nil {
		return nil, ocppErr
	}

	e.mu.Lock()
	k, ok := e.ocppConfig.Get(req.Key, true)
	if !ok || !k.Visible {
		e.mu.Unlock()
		return v16.ChangeConfigurationResponse{Status: "NotSupported"}, nil
	}
	if k.Readonly {
		e.mu.Unlock()
		return v16.ChangeConfigurationResponse{Status: "Rejected"}, nil
	}
	e.ocppConfig.Set(k.Key, req.Value)
	reboot := k.Reboot
	key := k.Key
	// The legacy misspelled heartbeat key mirrors the canonical one.
	if key == KeyHeartbeatInterval {
		e.ocppConfig.Add(ConfigurationKey{Key: KeyHeartBeatInterval, Value: req.Value, Visible: false}, true)
	}
	if key == KeyHeartBeatInterval {
		e.ocppConfig.Add(ConfigurationKey{Key: KeyHeartbeatInterval, Value: req.Value, Visible: true}, true)
	}
	e.mu.Unlock()

	if _, err := e.persistConfiguration(); err != nil {
		e.log.Warn("Failed to persist configuration", zap.Error(err))
	}

	switch key {
	case KeyHeartbeatInterval, KeyHeartBeatInterval:
		e.startHeartbeat()
	case KeyWebSocketPingInterval:
		e.stopPing()
		e.startPing()
	}

	if reboot {
		return v16.ChangeConfigurationResponse{Status: "RebootRequired"}, nil
	}
	return v16.ChangeConfigurationResponse{Status: "Accepted"}, nil
}

func (service16) handleRemoteStartTransaction(e *Engine, payload json.RawMessage) (interface{}, *ocpp.Error) {
	req, ocppErr := decodeCall[v16.RemoteStartTransactionRequest](e, payload)
	if ocppErr != nil {
		return nil, ocppErr
	}

	connectorID := 0
	if req.ConnectorID != nil {
		connectorID = *req.ConnectorID
	} else {
		for _, id := range e.ConnectorIDs() {
			if c := e.Connector(id); c != nil && c.Available() {
				connectorID = id
				break
			}
		}
	}
	c := e.Connector(connectorID)
	if connectorID == 0 || c == nil || !c.Available() || !e.ConnectorAvailable(connectorID) {
		return v16.RemoteStartTransactionResponse{Status: "Rejected"}, nil
	}

	if req.ChargingProfile != nil {
		if req.ChargingProfile.ChargingProfilePurpose != "TxProfile" {
			return v16.RemoteStartTransactionResponse{Status: "Rejected"}, nil
		}
		e.mu.Lock()
		c.ChargingProfiles = append(c.ChargingProfiles, *req.ChargingProfile)
		e.mu.Unlock()
	}

	go func() {
		if e.authorizeRemoteTxRequests() {
			ok, err := e.Authorize(connectorID, req.IdTag)
			if err != nil || !ok {
				e.log.Info("Remote start authorization denied",
					zap.Int("connectorId", connectorID), zap.String("idTag", req.IdTag))
				return
			}
		}
		if _, err := e.StartTransaction(connectorID, req.IdTag); err != nil {
			e.log.Warn("Remote start failed",
				zap.Int("connectorId", connectorID), zap.Error(err))
		}
	}()
	return v16.RemoteStartTransactionResponse{Status: "Accepted"}, nil
}

func (service16) handleRemoteStopTransaction(e *Engine, payload json.RawMessage) (interface{}, *ocpp.Error) {
	req, ocppErr := decodeCall[v16.RemoteStopTransactionRequest](e, payload)
	if ocppErr != nil {
		return nil, ocppErr
	}
	for _, id := range e.ConnectorIDs() {
		c := e.Connector(id)
		if c != nil && c.TransactionStarted && c.TransactionID == req.TransactionID {
			go func() {
				if err := e.StopTransaction(req.TransactionID, v16.ReasonRemote); err != nil {
					e.log.Warn("Remote stop failed",
						zap.Int("transactionId", req.TransactionID), zap.Error(err))
				}
			}()
			return v16.RemoteStopTransactionResponse{Status: "Accepted"}, nil
		}
	}
	return v16.RemoteStopTransactionResponse{Status: "Rejected"}, nil
}

func (service16) handleSetChargingProfile(e *Engine, payload json.RawMessage) (interface{}, *ocpp.Error) {
	req, ocppErr := decodeCall[v16.SetChargingProfileRequest](e, payload)
	if ocppErr != nil {
		return nil, ocppErr
	}
	c := e.Connector(req.ConnectorID)
	if c == nil {
		return v16.SetChargingProfileResponse{Status: "Rejected"}, nil
	}
	if req.CSChargingProfiles.ChargingProfilePurpose == "TxProfile" && !c.TransactionStarted {
		return v16.SetChargingProfileResponse{Status: "Rejected"}, nil
	}

	e.mu.Lock()
	replaced := false
	for i := range c.ChargingProfiles {
		p := &c.ChargingProfiles[i]
		if p.ChargingProfileID == req.CSChargingProfiles.ChargingProfileID ||
			(p.StackLevel == req.CSChargingProfiles.StackLevel &&
				p.ChargingProfilePurpose == req.CSChargingProfiles.ChargingProfilePurpose) {
			*p = req.CSChargingProfiles
			replaced = true
			break
		}
	}
	if !replaced {
		c.ChargingProfiles = append(c.ChargingProfiles, req.CSChargingProfiles)
	}
	e.mu.Unlock()
	return v16.SetChargingProfileResponse{Status: "Accepted"}, nil
}

func (service16) handleClearChargingProfile(e *Engine, payload json.RawMessage) (interface{}, *ocpp.Error) {
	req, ocppErr := decodeCall[v16.ClearChargingProfileRequest](e, payload)
	if ocppErr != nil {
		return nil, ocppErr
	}

	matches := func(p *v16.ChargingProfile) bool {
		if req.ID != nil {
			return p.ChargingProfileID == *req.ID
		}
		if req.ChargingProfilePurpose != "" && p.ChargingProfilePurpose != req.ChargingProfilePurpose {
			return false
		}
		if req.StackLevel != nil && p.StackLevel != *req.StackLevel {
			return false
		}
		return true
	}

	ids := e.ConnectorIDs()
	if req.ConnectorID != nil && *req.ConnectorID > 0 {
		ids = []int{*req.ConnectorID}
	}

	cleared := false
	e.mu.Lock()
	for _, id := range ids {
		c := e.Connector(id)
		if c == nil {
			continue
		}
		kept := c.ChargingProfiles[:0]
		for i := range c.ChargingProfiles {
			if matches(&c.ChargingProfiles[i]) {
				cleared = true
				continue
			}
			kept = append(kept, c.ChargingProfiles[i])
		}
		c.ChargingProfiles = kept
	}
	e.mu.Unlock()

	if cleared {
		return v16.ClearChargingProfileResponse{Status: "Accepted"}, nil
	}
	return v16.ClearChargingProfileResponse{Status: "Unknown"}, nil
}

func (service16) handleGetCompositeSchedule(e *Engine, payload json.RawMessage) (interface{}, *ocpp.Error) {
	req, ocppErr := decodeCall[v16.GetCompositeScheduleRequest](e, payload)
	if ocppErr != nil {
		return nil, ocppErr
	}
	c := e.Connector(req.ConnectorID)
	if c == nil {
		return v16.GetCompositeScheduleResponse{Status: "Rejected"}, nil
	}

	e.mu.Lock()
	defer e.mu.Unlock()
	if len(c.ChargingProfiles) == 0 {
		return v16.GetCompositeScheduleResponse{Status: "Rejected"}, nil
	}
	// Report the highest stack level profile's schedule as the composite.
	best := &c.ChargingProfiles[0]
	for i := range c.ChargingProfiles {
		if c.ChargingProfiles[i].StackLevel > best.StackLevel {
			best = &c.ChargingProfiles[i]
		}
	}
	connectorID := req.ConnectorID
	start := v16.Now()
	schedule := best.ChargingSchedule
	return v16.GetCompositeScheduleResponse{
		Status:           "Accepted",
		ConnectorID:      &connectorID,
		ScheduleStart:    &start,
		ChargingSchedule: &schedule,
	}, nil
}

func (service16) handleGetDiagnostics(e *Engine, payload json.RawMessage) (interface{}, *ocpp.Error) {
	req, ocppErr := decodeCall[v16.GetDiagnosticsRequest](e, payload)
	if ocppErr != nil {
		return nil, ocppErr
	}
	fileName := fmt.Sprintf("%s_diagnostics_%d.log", e.info.ChargingStationID, time.Now().Unix())
	e.log.Info("Simulating diagnostics upload",
		zap.String("location", req.Location), zap.String("fileName", fileName))
	go func() {
		statuses := []v16.DiagnosticsStatus{v16.DiagnosticsUploading, v16.DiagnosticsUploaded}
		for _, status := range statuses {
			dreq := v16.DiagnosticsStatusNotificationRequest{Status: status}
			if _, _, err := e.sendRequest("DiagnosticsStatusNotification", dreq, false); err != nil {
				e.log.Warn("Diagnostics status notification failed", zap.String("error", err.Error()))
				return
			}
			time.Sleep(time.Second)
		}
	}()
	return v16.GetDiagnosticsResponse{FileName: fileName}, nil
}

func (service16) handleTriggerMessage(e *Engine, payload json.RawMessage) (interface{}, *ocpp.Error) {
	req, ocppErr := decodeCall[v16.TriggerMessageRequest](e, payload)
	if ocppErr != nil {
		return nil, ocppErr
	}

	switch req.RequestedMessage {
	case v16.ActionBootNotification:
		go func() {
			if resp, err := e.sendBootNotification(); err != nil {
				e.log.Warn("Triggered BootNotification failed", zap.Error(err))
			} else if resp.Status == v16.RegistrationAccepted {
				e.onRegistered(resp)
			}
		}()
	case v16.ActionHeartbeat:
		go func() {
			if _, _, err := e.sendRequest("Heartbeat", e.service.heartbeatRequest(), false); err != nil {
				e.log.Warn("Triggered Heartbeat failed", zap.String("error", err.Error()))
			}
		}()
	case v16.ActionStatusNotification:
		ids := e.ConnectorIDs()
		if req.ConnectorID != nil {
			ids = []int{*req.ConnectorID}
		}
		go func() {
			for _, id := range ids {
				if err := e.sendCurrentStatus(id); err != nil {
					e.log.Warn("Triggered StatusNotification failed",
						zap.Int("connectorId", id), zap.String("error", err.Error()))
				}
			}
		}()
	case v16.ActionMeterValues:
		ids := e.ConnectorIDs()
		if req.ConnectorID != nil {
			ids = []int{*req.ConnectorID}
		}
		go func() {
			for _, id := range ids {
				c := e.Connector(id)
				if c == nil || !c.TransactionStarted {
					continue
				}
				e.sendConnectorMeterValues(id, c.TransactionID, e.meterValueInterval())
			}
		}()
	case v16.ActionFirmwareStatusNotification:
		go func() {
			if err := e.SetFirmwareStatus(e.FirmwareStatus()); err != nil {
				e.log.Warn("Triggered FirmwareStatusNotification failed", zap.Error(err))
			}
		}()
	default:
		return v16.TriggerMessageResponse{Status: v16.TriggerNotImplemented}, nil
	}
	return v16.TriggerMessageResponse{Status: v16.TriggerAccepted}, nil
}

func (service16) handleUpdateFirmware(e *Engine, payload json.RawMessage) (interface{}, *ocpp.Error) {
	req, ocppErr := decodeCall[v16.UpdateFirmwareRequest](e, payload)
	if ocppErr != nil {
		return nil, ocppErr
	}
	e.log.Info("Simulating firmware update", zap.String("location", req.Location))
	go func() {
		if wait := time.Until(req.RetrieveDate.Time); wait > 0 {
			time.Sleep(wait)
		}
		e.simulateFirmwareUpdate()
	}()
	return v16.UpdateFirmwareResponse{}, nil
}

func (service16) handleDataTransfer(e *Engine, payload json.RawMessage) (interface{}, *ocpp.Error) {
	req, ocppErr := decodeCall[v16.DataTransferRequest](e, payload)
	if ocppErr != nil {
		return nil, ocppErr
	}
	if req.VendorID != e.info.ChargePointVendor {
		return v16.DataTransferResponse{Status: "UnknownVendorId"}, nil
	}
	return v16.DataTransferResponse{Status: "Accepted"}, nil
}

func (service16) handleReserveNow(e *Engine, payload json.RawMessage) (interface{}, *ocpp.Error) {
	req, ocppErr := decodeCall[v16.ReserveNowRequest](e, payload)
	if ocppErr != nil {
		return nil, ocppErr
	}
	c := e.Connector(req.ConnectorID)
	if c == nil || req.ConnectorID == 0 {
		return v16.ReserveNowResponse{Status: v16.ReservationRejected}, nil
	}
	switch {
	case c.Status == v16.StatusFaulted:
		return v16.ReserveNowResponse{Status: v16.ReservationFaulted}, nil
	case c.Status == v16.StatusUnavailable || !e.ConnectorAvailable(req.ConnectorID):
		return v16.ReserveNowResponse{Status: v16.ReservationUnavailable}, nil
	case c.TransactionStarted || (c.Reservation != nil && c.Reservation.ID != req.ReservationID):
		return v16.ReserveNowResponse{Status: v16.ReservationOccupied}, nil
	}

	err := e.AddReservation(Reservation{
		ID:          req.ReservationID,
		ConnectorID: req.ConnectorID,
		IdTag:       req.IdTag,
		ParentIdTag: req.ParentIdTag,
		ExpiryDate:  req.ExpiryDate.Time,
	})
	if err != nil {
		e.log.Warn("ReserveNow failed", zap.Int("reservationId", req.ReservationID), zap.Error(err))
		return v16.ReserveNowResponse{Status: v16.ReservationRejected}, nil
	}
	return v16.ReserveNowResponse{Status: v16.ReservationAccepted}, nil
}

func (service16) handleCancelReservation(e *Engine, payload json.RawMessage) (interface{}, *ocpp.Error) {
	req, ocppErr := decodeCall[v16.CancelReservationRequest](e, payload)
	if ocppErr != nil {
		return nil, ocppErr
	}
	if err := e.RemoveReservation(req.ReservationID, ReservationCanceled); err != nil {
		return v16.CancelReservationResponse{Status: "Rejected"}, nil
	}
	return v16.CancelReservationResponse{Status: "Accepted"}, nil
}

func (e *Engine) authorizeRemoteTxRequests() bool {
	return e.ocppConfig.Value(KeyAuthorizeRemoteTxRequests, "true") == "true"
}
