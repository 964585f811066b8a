package supervisor

import (
	"context"

	"go.uber.org/zap"

	"github.com/hubertsui/e-mobility-charging-stations-simulator/internal/atg"
	"github.com/hubertsui/e-mobility-charging-stations-simulator/internal/controlbus"
	v16 "github.com/hubertsui/e-mobility-charging-stations-simulator/internal/ocpp/v16"
	"github.com/hubertsui/e-mobility-charging-stations-simulator/internal/station"
)

// stationController adapts one station engine to the control bus.
type stationController struct {
	engine    *station.Engine
	generator *atg.Generator
	log       *zap.Logger
}

func newStationController(engine *station.Engine, generator *atg.Generator, log *zap.Logger) *stationController {
	return &stationController{
		engine:    engine,
		generator: generator,
		log:       log.With(zap.String("station", engine.Info().ChargingStationID)),
	}
}

func (c *stationController) HashID() string {
	return c.engine.HashID()
}

func (c *stationController) Handle(_ context.Context, req controlbus.Request) controlbus.Response {
	p := req.Payload
	switch req.Procedure {
	case controlbus.ProcedureStartChargingStation:
		return c.verdict(c.engine.Start())
	case controlbus.ProcedureStopChargingStation:
		return c.verdict(c.engine.Stop(v16.ReasonLocal))
	case controlbus.ProcedureOpenConnection:
		return c.verdict(c.engine.OpenConnection())
	case controlbus.ProcedureCloseConnection:
		c.engine.CloseConnection()
		return controlbus.Success()
	case controlbus.ProcedureStartTransaction:
		resp, err := c.engine.StartTransaction(p.ConnectorID, p.IdTag)
		if err != nil {
			return controlbus.Failure("%v", err)
		}
		if resp.IdTagInfo.Status != v16.AuthorizationAccepted {
			return controlbus.Failure("start transaction not accepted: %s", resp.IdTagInfo.Status)
		}
		return controlbus.Success()
	case controlbus.ProcedureStopTransaction:
		return c.verdict(c.engine.StopTransaction(p.TransactionID, v16.ReasonRemote))
	case controlbus.ProcedureStartATG:
		return c.verdict(c.engine.StartATG(connectorIDsOf(p)...))
	case controlbus.ProcedureStopATG:
		return c.verdict(c.engine.StopATG(connectorIDsOf(p)...))
	case controlbus.ProcedureSetSupervisionURL:
		if p.URL == "" {
			return controlbus.Failure("setSupervisionUrl requires a url")
		}
		c.engine.SetSupervisionURL(p.URL)
		return controlbus.Success()
	case controlbus.ProcedureStatusNotification:
		if p.Status != "" {
			return c.verdict(c.engine.SetStatus(p.ConnectorID, v16.ChargePointStatus(p.Status)))
		}
		return c.verdict(c.engine.SendStatusNotification(p.ConnectorID))
	case controlbus.ProcedureHeartbeat:
		return c.verdict(c.engine.SendHeartbeat())
	case controlbus.ProcedureMeterValues:
		return c.verdict(c.engine.SendMeterValues(p.ConnectorID))
	case controlbus.ProcedureAuthorize:
		ok, err := c.engine.Authorize(p.ConnectorID, p.IdTag)
		if err != nil {
			return controlbus.Failure("%v", err)
		}
		if !ok {
			return controlbus.Failure("id tag %s not authorized", p.IdTag)
		}
		return controlbus.Success()
	case controlbus.ProcedureBootNotification:
		return c.verdict(c.engine.SendBootNotification())
	case controlbus.ProcedureDataTransfer:
		return c.verdict(c.engine.SendDataTransfer(p.VendorID, p.MessageID, string(p.Data)))
	case controlbus.ProcedureDiagnosticsStatusNotification:
		return c.verdict(c.engine.SendDiagnosticsStatus(v16.DiagnosticsStatus(p.Status)))
	case controlbus.ProcedureFirmwareStatusNotification:
		return c.verdict(c.engine.SetFirmwareStatus(v16.FirmwareStatus(p.Status)))
	default:
		return controlbus.Failure("procedure %s is not supported", req.Procedure)
	}
}

func (c *stationController) verdict(err error) controlbus.Response {
	if err != nil {
		return controlbus.Failure("%v", err)
	}
	return controlbus.Success()
}

func connectorIDsOf(p controlbus.RequestPayload) []int {
	if p.ConnectorID > 0 {
		return []int{p.ConnectorID}
	}
	return nil
}
