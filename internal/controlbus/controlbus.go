// Package controlbus routes UI procedures to charging stations: requests
// fan out to the addressed stations and their responses are aggregated into a
// single verdict.
package controlbus

import (
	"context"
	"encoding/json"
	"fmt"
	"sync"
	"time"

	"go.uber.org/zap"
)

// AggregationTimeout bounds how long a fan-out waits for station responses.
const AggregationTimeout = 120 * time.Second

// Procedure is a control-plane procedure name.
type Procedure string

const (
	ProcedureStartSimulator       Procedure = "startSimulator"
	ProcedureStopSimulator        Procedure = "stopSimulator"
	ProcedureListChargingStations Procedure = "listChargingStations"

	ProcedureStartChargingStation Procedure = "startChargingStation"
	ProcedureStopChargingStation  Procedure = "stopChargingStation"
	ProcedureOpenConnection       Procedure = "openConnection"
	ProcedureCloseConnection      Procedure = "closeConnection"
	ProcedureStartTransaction     Procedure = "startTransaction"
	ProcedureStopTransaction      Procedure = "stopTransaction"
	ProcedureStartATG             Procedure = "startAutomaticTransactionGenerator"
	ProcedureStopATG              Procedure = "stopAutomaticTransactionGenerator"
	ProcedureSetSupervisionURL    Procedure = "setSupervisionUrl"

	ProcedureStatusNotification            Procedure = "statusNotification"
	ProcedureHeartbeat                     Procedure = "heartbeat"
	ProcedureMeterValues                   Procedure = "meterValues"
	ProcedureAuthorize                     Procedure = "authorize"
	ProcedureBootNotification              Procedure = "bootNotification"
	ProcedureDataTransfer                  Procedure = "dataTransfer"
	ProcedureDiagnosticsStatusNotification Procedure = "diagnosticsStatusNotification"
	ProcedureFirmwareStatusNotification    Procedure = "firmwareStatusNotification"
)

// simulatorProcedures address the whole simulator rather than stations.
var simulatorProcedures = map[Procedure]bool{
	ProcedureStartSimulator:       true,
	ProcedureStopSimulator:        true,
	ProcedureListChargingStations: true,
}

// ResponseStatus is the verdict of a procedure.
type ResponseStatus string

const (
	StatusSuccess ResponseStatus = "success"
	StatusFailure ResponseStatus = "failure"
)

// RequestPayload carries the procedure arguments. HashIDs select the target
// stations; an empty list addresses every station.
type RequestPayload struct {
	HashIDs []string `json:"hashIds,omitempty"`

	ConnectorID   int    `json:"connectorId,omitempty"`
	TransactionID int    `json:"transactionId,omitempty"`
	IdTag         string `json:"idTag,omitempty"`
	URL           string `json:"url,omitempty"`

	Status    string          `json:"status,omitempty"`
	ErrorCode string          `json:"errorCode,omitempty"`
	VendorID  string          `json:"vendorId,omitempty"`
	MessageID string          `json:"messageId,omitempty"`
	Data      json.RawMessage `json:"data,omitempty"`
}

// Request is one control-plane procedure call.
type Request struct {
	ID        string
	Procedure Procedure
	Payload   RequestPayload
}

// Response is the verdict of one handler, or the aggregate of a fan-out.
type Response struct {
	Status ResponseStatus `json:"status"`

	HashID           string            `json:"hashId,omitempty"`
	HashIDsSucceeded []string          `json:"hashIdsSucceeded,omitempty"`
	HashIDsFailed    []string          `json:"hashIdsFailed,omitempty"`
	ResponsesFailed  []json.RawMessage `json:"responsesFailed,omitempty"`

	ErrorMessage string          `json:"errorMessage,omitempty"`
	Details      json.RawMessage `json:"details,omitempty"`
}

// Success builds a bare success response.
func Success() Response {
	return Response{Status: StatusSuccess}
}

// Failure builds a failure response with a message.
func Failure(format string, args ...interface{}) Response {
	return Response{Status: StatusFailure, ErrorMessage: fmt.Sprintf(format, args...)}
}

// StationHandler executes station-scoped procedures for one station.
type StationHandler interface {
	HashID() string
	Handle(ctx context.Context, req Request) Response
}

// SimulatorHandler executes simulator-scoped procedures.
type SimulatorHandler interface {
	HandleSimulator(ctx context.Context, req Request) Response
}

// Bus is the control-plane message bus. Station handlers register per hash
// id; one simulator handler serves the simulator-scoped procedures.
type Bus struct {
	log *zap.Logger

	mu        sync.RWMutex
	stations  map[string]StationHandler
	simulator SimulatorHandler
}

// New builds an empty bus.
func New(log *zap.Logger) *Bus {
	return &Bus{
		log:      log,
		stations: make(map[string]StationHandler),
	}
}

// SetSimulatorHandler installs the handler for simulator-scoped procedures.
func (b *Bus) SetSimulatorHandler(h SimulatorHandler) {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.simulator = h
}

// Register adds a station handler, replacing any previous one with the same
// hash id.
func (b *Bus) Register(h StationHandler) {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.stations[h.HashID()] = h
}

// Unregister removes a station handler by hash id.
func (b *Bus) Unregister(hashID string) {
	b.mu.Lock()
	defer b.mu.Unlock()
	delete(b.stations, hashID)
}

// HashIDs returns every registered station hash id.
func (b *Bus) HashIDs() []string {
	b.mu.RLock()
	defer b.mu.RUnlock()
	ids := make([]string, 0, len(b.stations))
	for id := range b.stations {
		ids = append(ids, id)
	}
	return ids
}

// Dispatch routes a request to the simulator handler or fans it out to the
// addressed stations, aggregating their verdicts.
func (b *Bus) Dispatch(ctx context.Context, req Request) Response {
	if simulatorProcedures[req.Procedure] {
		b.mu.RLock()
		h := b.simulator
		b.mu.RUnlock()
		if h == nil {
			return Failure("no simulator handler registered")
		}
		return h.HandleSimulator(ctx, req)
	}
	return b.fanOut(ctx, req)
}

type stationResult struct {
	hashID   string
	response Response
}

func (b *Bus) fanOut(ctx context.Context, req Request) Response {
	b.mu.RLock()
	var targets []StationHandler
	var unknown []string
	if len(req.Payload.HashIDs) > 0 {
		for _, id := range req.Payload.HashIDs {
			if h, ok := b.stations[id]; ok {
				targets = append(targets, h)
			} else {
				b.log.Warn("Procedure addresses unknown station",
					zap.String("procedure", string(req.Procedure)),
					zap.String("hashId", id),
				)
				unknown = append(unknown, id)
			}
		}
	} else {
		for _, h := range b.stations {
			targets = append(targets, h)
		}
	}
	b.mu.RUnlock()

	if len(targets) == 0 && len(unknown) == 0 {
		return Failure("no charging station matches the request")
	}

	// Every requested hash id counts toward the verdict; unknown ids are
	// failures, not a smaller denominator.
	aggregate := Response{Status: StatusSuccess}
	for _, id := range unknown {
		aggregate.addFailure(id, Failure("no station registered for hashId %s", id))
	}

	ctx, cancel := context.WithTimeout(ctx, AggregationTimeout)
	defer cancel()

	pending := make(map[string]bool, len(targets))
	results := make(chan stationResult, len(targets))
	for _, h := range targets {
		pending[h.HashID()] = true
		go func(h StationHandler) {
			results <- stationResult{hashID: h.HashID(), response: h.Handle(ctx, req)}
		}(h)
	}

	expected := len(targets)
	for received := 0; received < expected; received++ {
		select {
		case <-ctx.Done():
			for id := range pending {
				aggregate.addFailure(id, Failure("no response from station %s within the aggregation timeout", id))
			}
			aggregate.ErrorMessage = fmt.Sprintf(
				"timed out waiting for station responses (%d of %d received)", received, expected)
			return aggregate
		case r := <-results:
			delete(pending, r.hashID)
			if r.response.Status == StatusSuccess {
				aggregate.HashIDsSucceeded = append(aggregate.HashIDsSucceeded, r.hashID)
				continue
			}
			aggregate.addFailure(r.hashID, r.response)
		}
	}
	return aggregate
}

// addFailure records one failed responder, including a per-station failure
// object carrying its hash id.
func (r *Response) addFailure(hashID string, resp Response) {
	r.Status = StatusFailure
	r.HashIDsFailed = append(r.HashIDsFailed, hashID)
	resp.HashID = hashID
	if raw, err := json.Marshal(resp); err == nil {
		r.ResponsesFailed = append(r.ResponsesFailed, raw)
	}
}
