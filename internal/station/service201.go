package station

import (
	"encoding/json"
	"fmt"

	"github.com/hubertsui/e-mobility-charging-stations-simulator/internal/ocpp"
	v16 "github.com/hubertsui/e-mobility-charging-stations-simulator/internal/ocpp/v16"
	v201 "github.com/hubertsui/e-mobility-charging-stations-simulator/internal/ocpp/v201"
)

// service201 speaks the OCPP 2.0.1 subset the simulator implements: boot,
// heartbeat and status notification. Other incoming actions are acknowledged
// with NotImplemented.
type service201 struct{}

func (service201) bootNotificationRequest(e *Engine) interface{} {
	return v201.BootNotificationRequest{
		ChargingStation: v201.ChargingStation{
			Model:           e.info.ChargePointModel,
			VendorName:      e.info.ChargePointVendor,
			FirmwareVersion: e.info.FirmwareVersion,
		},
		Reason: v201.BootPowerUp,
	}
}

func (service201) heartbeatRequest() interface{} {
	return v201.HeartbeatRequest{}
}

func (service201) statusNotificationRequest(e *Engine, connectorID int, status v16.ChargePointStatus) interface{} {
	evseID := connectorID
	if evse := e.evseOf(connectorID); evse != nil {
		evseID = evse.ID
	}
	return v201.StatusNotificationRequest{
		Timestamp:       v201.Now(),
		ConnectorStatus: connectorStatus201(status),
		EvseID:          evseID,
		ConnectorID:     connectorID,
	}
}

func (service201) handleIncoming(e *Engine, action string, payload json.RawMessage) (interface{}, *ocpp.Error) {
	return nil, ocpp.NewError(ocpp.ErrorNotImplemented,
		fmt.Sprintf("action %s is not implemented for OCPP 2.0.1", action))
}
