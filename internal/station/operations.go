package station

import (
	"fmt"
	"math"
	"strconv"
	"strings"
	"time"

	"go.uber.org/zap"

	v16 "github.com/hubertsui/e-mobility-charging-stations-simulator/internal/ocpp/v16"
	"github.com/hubertsui/e-mobility-charging-stations-simulator/internal/telemetry"
)

// SetStatus notifies the CSMS of a connector status change and applies it
// locally once sent. An illegal transition under the version's state diagram
// is refused and the current status kept.
func (e *Engine) SetStatus(connectorID int, status v16.ChargePointStatus) error {
	c := e.Connector(connectorID)
	if c == nil && connectorID != 0 {
		return fmt.Errorf("connector %d does not exist", connectorID)
	}
	if c == nil {
		c = e.connectors[0]
		if c == nil {
			return fmt.Errorf("station has no connector 0")
		}
	}

	e.mu.Lock()
	from := c.Status
	allowed := statusTransitionAllowed(e.info.OCPPVersion, connectorID, from, status)
	e.mu.Unlock()
	if !allowed {
		e.log.Warn("Refusing illegal status transition",
			zap.Int("connectorId", connectorID),
			zap.String("from", string(from)),
			zap.String("to", string(status)),
		)
		return fmt.Errorf("illegal status transition %s -> %s on connector %d", from, status, connectorID)
	}

	payload := e.service.statusNotificationRequest(e, connectorID, status)
	if _, _, err := e.sendRequest("StatusNotification", payload, false); err != nil {
		return err
	}

	e.mu.Lock()
	c.Status = status
	e.mu.Unlock()
	return nil
}

// sendCurrentStatus re-notifies the connector's present status, used by
// TriggerMessage and has no transition to check.
func (e *Engine) sendCurrentStatus(connectorID int) error {
	c := e.Connector(connectorID)
	if c == nil && connectorID != 0 {
		return fmt.Errorf("connector %d does not exist", connectorID)
	}
	status := v16.StatusAvailable
	if c != nil {
		e.mu.Lock()
		status = c.Status
		e.mu.Unlock()
	}
	payload := e.service.statusNotificationRequest(e, connectorID, status)
	_, _, err := e.sendRequest("StatusNotification", payload, false)
	if err != nil {
		return err
	}
	return nil
}

// SetFirmwareStatus notifies the CSMS of firmware update progress and records
// it locally.
func (e *Engine) SetFirmwareStatus(status v16.FirmwareStatus) error {
	req := v16.FirmwareStatusNotificationRequest{Status: status}
	if _, _, err := e.sendRequest("FirmwareStatusNotification", req, false); err != nil {
		return err
	}
	e.mu.Lock()
	e.firmwareStatus = status
	e.mu.Unlock()
	return nil
}

// FirmwareStatus returns the last notified firmware status.
func (e *Engine) FirmwareStatus() v16.FirmwareStatus {
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.firmwareStatus
}

// Authorize clears an id tag for charging, either against the local auth list
// or remotely. It reports whether the tag was accepted.
func (e *Engine) Authorize(connectorID int, idTag string) (bool, error) {
	c := e.Connector(connectorID)
	if c == nil {
		return false, fmt.Errorf("connector %d does not exist", connectorID)
	}

	if e.localAuthListEnabled() && e.tmpl.IdTagsFile != "" {
		tags, err := e.opts.IdTags.Tags(e.tmpl.IdTagsFile)
		if err == nil {
			for _, tag := range tags {
				if tag == idTag {
					e.mu.Lock()
					c.IDTagLocalAuthorized = true
					c.LocalAuthorizeIDTag = idTag
					e.mu.Unlock()
					return true, nil
				}
			}
		}
	}

	req := v16.AuthorizeRequest{IdTag: idTag}
	raw, buffered, sendErr := e.sendRequest("Authorize", req, true)
	if sendErr != nil {
		return false, sendErr
	}
	if buffered {
		return false, fmt.Errorf("authorize request cannot be buffered")
	}
	var resp v16.AuthorizeResponse
	if err := e.decodeResponse(raw, &resp); err != nil {
		return false, err
	}
	if resp.IdTagInfo.Status != v16.AuthorizationAccepted {
		return false, nil
	}
	e.mu.Lock()
	c.IDTagAuthorized = true
	c.AuthorizeIDTag = idTag
	e.mu.Unlock()
	return true, nil
}

func (e *Engine) localAuthListEnabled() bool {
	return strings.EqualFold(e.ocppConfig.Value(KeyLocalAuthListEnabled, "false"), "true")
}

// StartTransaction begins a charging transaction on a connector. The CSMS
// verdict is returned to the caller; a non-accepted id tag leaves the
// connector idle.
func (e *Engine) StartTransaction(connectorID int, idTag string) (*v16.StartTransactionResponse, error) {
	c := e.Connector(connectorID)
	if c == nil || connectorID == 0 {
		return nil, fmt.Errorf("cannot start a transaction on connector %d", connectorID)
	}
	if !e.Registered() {
		return nil, fmt.Errorf("station %s is not registered with the CSMS", e.info.ChargingStationID)
	}
	if !e.ChargingStationAvailable() {
		return nil, fmt.Errorf("station %s is inoperative", e.info.ChargingStationID)
	}

	e.mu.Lock()
	if c.TransactionStarted {
		e.mu.Unlock()
		return nil, fmt.Errorf("connector %d already has transaction %d running", connectorID, c.TransactionID)
	}
	if !c.Available() {
		e.mu.Unlock()
		return nil, fmt.Errorf("connector %d cannot start a transaction in status %s", connectorID, c.Status)
	}
	if evse := e.evseOf(connectorID); evse != nil {
		for id, sibling := range evse.Connectors {
			if id != connectorID && sibling.TransactionStarted {
				e.mu.Unlock()
				return nil, fmt.Errorf("connector %d shares EVSE %d with a transaction running on connector %d",
					connectorID, evse.ID, id)
			}
		}
	}
	meterStart := int(math.Round(c.EnergyActiveImportRegister))
	reservation := c.Reservation
	alreadyAuthorized := (c.IDTagAuthorized && c.AuthorizeIDTag == idTag) ||
		(c.IDTagLocalAuthorized && c.LocalAuthorizeIDTag == idTag)
	e.mu.Unlock()

	if idTag != "" && e.authorizeRemoteTxRequests() && !alreadyAuthorized {
		ok, err := e.Authorize(connectorID, idTag)
		if err != nil {
			return nil, err
		}
		if !ok {
			return nil, fmt.Errorf("id tag %s is not authorized on connector %d", idTag, connectorID)
		}
	}

	var reservationID *int
	if reservation != nil && !reservation.Expired(time.Now()) {
		if reservation.IdTag != idTag {
			e.log.Warn("Starting transaction with an id tag not matching the reservation",
				zap.Int("connectorId", connectorID),
				zap.Int("reservationId", reservation.ID),
				zap.String("reservationIdTag", reservation.IdTag),
				zap.String("idTag", idTag),
			)
		} else {
			id := reservation.ID
			reservationID = &id
		}
	}

	if err := e.SetStatus(connectorID, v16.StatusPreparing); err != nil {
		e.log.Debug("Failed to notify Preparing", zap.Int("connectorId", connectorID), zap.String("error", err.Error()))
	}

	req := v16.StartTransactionRequest{
		ConnectorID:   connectorID,
		IdTag:         idTag,
		MeterStart:    meterStart,
		ReservationID: reservationID,
		Timestamp:     v16.Now(),
	}
	raw, buffered, sendErr := e.sendRequest("StartTransaction", req, true)
	if sendErr != nil {
		e.revertToAvailable(connectorID)
		return nil, sendErr
	}
	if buffered {
		e.revertToAvailable(connectorID)
		return nil, fmt.Errorf("StartTransaction request cannot be buffered")
	}
	var resp v16.StartTransactionResponse
	if err := e.decodeResponse(raw, &resp); err != nil {
		e.revertToAvailable(connectorID)
		return nil, err
	}

	if resp.IdTagInfo.Status != v16.AuthorizationAccepted {
		e.log.Info("StartTransaction not accepted",
			zap.Int("connectorId", connectorID),
			zap.String("idTag", idTag),
			zap.String("status", string(resp.IdTagInfo.Status)),
		)
		e.revertToAvailable(connectorID)
		return &resp, nil
	}

	e.mu.Lock()
	c.TransactionStarted = true
	c.TransactionID = resp.TransactionID
	c.TransactionIDTag = idTag
	c.TransactionStart = time.Now()
	c.TransactionEnergyActiveImportRegister = 0
	if reservationID != nil {
		c.Reservation = nil
	}
	e.runningTransactions++
	e.mu.Unlock()
	telemetry.ActiveTransactions.Inc()

	if reservationID != nil {
		e.log.Info("Reservation consumed by transaction",
			zap.Int("connectorId", connectorID),
			zap.Int("reservationId", *reservationID),
			zap.String("reason", string(ReservationTransactionStarted)),
		)
	}

	if err := e.SetStatus(connectorID, v16.StatusCharging); err != nil {
		e.log.Warn("Failed to notify Charging", zap.Int("connectorId", connectorID), zap.String("error", err.Error()))
	}

	if e.tmpl.BeginEndMeterValues {
		e.sendTransactionBoundaryMeterValue(connectorID, resp.TransactionID, v16.ContextTransactionBegin)
	}

	e.startMeterValues(connectorID, resp.TransactionID)

	e.log.Info("Transaction started",
		zap.Int("connectorId", connectorID),
		zap.Int("transactionId", resp.TransactionID),
		zap.String("idTag", idTag),
	)
	return &resp, nil
}

func (e *Engine) revertToAvailable(connectorID int) {
	if err := e.SetStatus(connectorID, v16.StatusAvailable); err != nil {
		e.log.Debug("Failed to notify Available", zap.Int("connectorId", connectorID), zap.String("error", err.Error()))
	}
}

func (e *Engine) sendTransactionBoundaryMeterValue(connectorID, transactionID int, ctx v16.ReadingContext) {
	c := e.Connector(connectorID)
	if c == nil {
		return
	}
	// Boundary samples report the register without advancing it.
	opts := e.meterValueOptionsFor(ctx, 0)
	e.mu.Lock()
	mv := buildMeterValue(e.info, c, opts)
	e.mu.Unlock()

	txID := transactionID
	req := v16.MeterValuesRequest{
		ConnectorID:   connectorID,
		TransactionID: &txID,
		MeterValue:    []v16.MeterValue{mv},
	}
	if _, _, err := e.sendRequest("MeterValues", req, false); err != nil {
		e.log.Debug("Boundary MeterValues failed", zap.String("error", err.Error()))
	}
}

// StopTransaction ends a running transaction by its CSMS-assigned id.
func (e *Engine) StopTransaction(transactionID int, reason v16.Reason) error {
	var c *Connector
	for _, id := range e.ConnectorIDs() {
		candidate := e.Connector(id)
		if candidate != nil && candidate.TransactionStarted && candidate.TransactionID == transactionID {
			c = candidate
			break
		}
	}
	if c == nil {
		return fmt.Errorf("no running transaction %d", transactionID)
	}

	e.stopMeterValues(c.ID)

	e.mu.Lock()
	meterStop := int(math.Round(c.EnergyActiveImportRegister))
	idTag := c.TransactionIDTag
	e.mu.Unlock()

	var transactionData []v16.MeterValue
	var endMeterValue *v16.MeterValue
	if e.tmpl.BeginEndMeterValues {
		opts := e.meterValueOptionsFor(v16.ContextTransactionEnd, 0)
		e.mu.Lock()
		mv := buildMeterValue(e.info, c, opts)
		e.mu.Unlock()
		if e.tmpl.OutOfOrderEndMeterValues {
			endMeterValue = &mv
		} else {
			transactionData = append(transactionData, mv)
		}
	}

	req := v16.StopTransactionRequest{
		IdTag:           idTag,
		MeterStop:       meterStop,
		Timestamp:       v16.Now(),
		TransactionID:   transactionID,
		Reason:          reason,
		TransactionData: transactionData,
	}
	_, _, sendErr := e.sendRequest("StopTransaction", req, true)
	if sendErr != nil {
		return sendErr
	}

	if endMeterValue != nil {
		txID := transactionID
		mvReq := v16.MeterValuesRequest{
			ConnectorID:   c.ID,
			TransactionID: &txID,
			MeterValue:    []v16.MeterValue{*endMeterValue},
		}
		if _, _, err := e.sendRequest("MeterValues", mvReq, false); err != nil {
			e.log.Debug("Out of order end MeterValues failed", zap.String("error", err.Error()))
		}
	}

	e.mu.Lock()
	connectorID := c.ID
	c.clearTransaction()
	if e.runningTransactions > 0 {
		e.runningTransactions--
	}
	e.mu.Unlock()
	telemetry.ActiveTransactions.Dec()

	if err := e.SetStatus(connectorID, v16.StatusFinishing); err != nil {
		e.log.Debug("Failed to notify Finishing", zap.Int("connectorId", connectorID), zap.String("error", err.Error()))
	}
	e.revertToAvailable(connectorID)

	e.log.Info("Transaction stopped",
		zap.Int("connectorId", connectorID),
		zap.Int("transactionId", transactionID),
		zap.String("reason", string(reason)),
	)
	return nil
}

// AddReservation installs a reservation on its connector, replacing one with
// the same id.
func (e *Engine) AddReservation(r Reservation) error {
	c := e.Connector(r.ConnectorID)
	if c == nil || r.ConnectorID == 0 {
		return fmt.Errorf("cannot reserve connector %d", r.ConnectorID)
	}

	for _, id := range e.ConnectorIDs() {
		other := e.Connector(id)
		if other != nil && other.Reservation != nil && other.Reservation.ID == r.ID {
			if err := e.RemoveReservation(r.ID, ReservationReplaceExisting); err != nil {
				return err
			}
			break
		}
	}

	e.mu.Lock()
	c.Reservation = &r
	e.mu.Unlock()

	return e.SetStatus(r.ConnectorID, v16.StatusReserved)
}

// RemoveReservation removes a reservation by id. Unless a transaction is
// consuming it, the connector returns to Available.
func (e *Engine) RemoveReservation(reservationID int, reason ReservationTerminationReason) error {
	for _, id := range e.ConnectorIDs() {
		c := e.Connector(id)
		if c == nil || c.Reservation == nil || c.Reservation.ID != reservationID {
			continue
		}
		e.mu.Lock()
		c.Reservation = nil
		e.mu.Unlock()
		e.log.Info("Reservation removed",
			zap.Int("connectorId", id),
			zap.Int("reservationId", reservationID),
			zap.String("reason", string(reason)),
		)
		if reason == ReservationTransactionStarted {
			return nil
		}
		return e.SetStatus(id, v16.StatusAvailable)
	}
	return fmt.Errorf("reservation %d does not exist", reservationID)
}

// SetSupervisionURL replaces the CSMS endpoint used on the next connection
// attempt.
func (e *Engine) SetSupervisionURL(url string) {
	e.mu.Lock()
	e.supervisionURL = url
	if e.tmpl.SupervisionURLOcppConfiguration {
		e.ocppConfig.Add(ConfigurationKey{Key: e.supervisionURLKey(), Value: url, Visible: true}, true)
	}
	e.mu.Unlock()
	if _, err := e.persistConfiguration(); err != nil {
		e.log.Warn("Failed to persist configuration", zap.Error(err))
	}
}

// bumpFirmwareVersion advances the trailing numeric group of the firmware
// version after a simulated upgrade.
func (e *Engine) bumpFirmwareVersion() {
	step := 1
	if fu := e.tmpl.FirmwareUpgrade; fu != nil && fu.VersionUpgrade.Step > 0 {
		step = fu.VersionUpgrade.Step
	}
	e.mu.Lock()
	defer e.mu.Unlock()
	version := e.info.FirmwareVersion
	if version == "" {
		return
	}
	end := -1
	for i := len(version) - 1; i >= 0; i-- {
		if version[i] >= '0' && version[i] <= '9' {
			end = i + 1
			break
		}
	}
	if end < 0 {
		return
	}
	start := end - 1
	for start > 0 && version[start-1] >= '0' && version[start-1] <= '9' {
		start--
	}
	n, err := strconv.Atoi(version[start:end])
	if err != nil {
		return
	}
	e.info.FirmwareVersion = version[:start] + strconv.Itoa(n+step) + version[end:]
}

// simulateFirmwareUpdate walks the firmware status sequence. When the
// template does not disable it, the station reboots to finish the install and
// reports Installed after re-registration.
func (e *Engine) simulateFirmwareUpdate() {
	fu := e.tmpl.FirmwareUpgrade

	stepDelay := 2 * time.Second
	if err := e.SetFirmwareStatus(v16.FirmwareDownloading); err != nil {
		e.log.Warn("Firmware status notification failed", zap.Error(err))
		return
	}
	time.Sleep(stepDelay)

	if fu != nil && fu.FailureStatus == string(v16.FirmwareDownloadFailed) {
		_ = e.SetFirmwareStatus(v16.FirmwareDownloadFailed)
		return
	}
	if err := e.SetFirmwareStatus(v16.FirmwareDownloaded); err != nil {
		return
	}
	time.Sleep(stepDelay)

	if err := e.SetFirmwareStatus(v16.FirmwareInstalling); err != nil {
		return
	}
	time.Sleep(stepDelay)

	if fu != nil && fu.FailureStatus == string(v16.FirmwareInstallationFailed) {
		_ = e.SetFirmwareStatus(v16.FirmwareInstallationFailed)
		return
	}

	e.bumpFirmwareVersion()

	reboot := fu == nil || fu.Reset
	if reboot {
		e.mu.Lock()
		e.midFirmwareInstall = true
		e.mu.Unlock()
		if err := e.Reset(v16.ReasonReboot); err != nil {
			e.log.Error("Firmware reboot failed", zap.Error(err))
		}
		return
	}
	_ = e.SetFirmwareStatus(v16.FirmwareInstalled)
}
