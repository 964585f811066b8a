package station

import (
	"fmt"

	v16 "github.com/hubertsui/e-mobility-charging-stations-simulator/internal/ocpp/v16"
)

// Control-plane entry points for sending individual OCPP messages on demand.

// SendHeartbeat sends one heartbeat outside the timer schedule.
func (e *Engine) SendHeartbeat() error {
	if _, _, err := e.sendRequest("Heartbeat", e.service.heartbeatRequest(), false); err != nil {
		return err
	}
	return nil
}

// SendBootNotification re-sends the boot notification and applies an accepted
// response.
func (e *Engine) SendBootNotification() error {
	resp, err := e.sendBootNotification()
	if err != nil {
		return err
	}
	if resp.Status == v16.RegistrationAccepted {
		e.onRegistered(resp)
	}
	return nil
}

// SendStatusNotification re-notifies the current status of a connector.
func (e *Engine) SendStatusNotification(connectorID int) error {
	return e.sendCurrentStatus(connectorID)
}

// SendMeterValues samples and sends meter values for a connector's running
// transaction.
func (e *Engine) SendMeterValues(connectorID int) error {
	c := e.Connector(connectorID)
	if c == nil {
		return fmt.Errorf("connector %d does not exist", connectorID)
	}
	if !c.TransactionStarted {
		return fmt.Errorf("connector %d has no running transaction", connectorID)
	}
	e.sendConnectorMeterValues(connectorID, c.TransactionID, e.meterValueInterval())
	return nil
}

// SendDataTransfer sends a vendor-specific data transfer.
func (e *Engine) SendDataTransfer(vendorID, messageID, data string) error {
	if vendorID == "" {
		vendorID = e.info.ChargePointVendor
	}
	req := v16.DataTransferRequest{VendorID: vendorID, MessageID: messageID, Data: data}
	raw, buffered, sendErr := e.sendRequest("DataTransfer", req, false)
	if sendErr != nil {
		return sendErr
	}
	if buffered {
		return nil
	}
	var resp v16.DataTransferResponse
	if err := e.decodeResponse(raw, &resp); err != nil {
		return err
	}
	if resp.Status != "Accepted" {
		return fmt.Errorf("data transfer rejected with status %s", resp.Status)
	}
	return nil
}

// SendDiagnosticsStatus notifies the CSMS of diagnostics upload progress.
func (e *Engine) SendDiagnosticsStatus(status v16.DiagnosticsStatus) error {
	req := v16.DiagnosticsStatusNotificationRequest{Status: status}
	if _, _, err := e.sendRequest("DiagnosticsStatusNotification", req, false); err != nil {
		return err
	}
	return nil
}
