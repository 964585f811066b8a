package station

import (
	"testing"
	"time"

	"github.com/hubertsui/e-mobility-charging-stations-simulator/internal/ocpp"
	v16 "github.com/hubertsui/e-mobility-charging-stations-simulator/internal/ocpp/v16"
	v201 "github.com/hubertsui/e-mobility-charging-stations-simulator/internal/ocpp/v201"
)

func TestStatusTransitionAllowed_V16(t *testing.T) {
	tests := []struct {
		name    string
		from    v16.ChargePointStatus
		to      v16.ChargePointStatus
		allowed bool
	}{
		{name: "available to preparing", from: v16.StatusAvailable, to: v16.StatusPreparing, allowed: true},
		{name: "available to charging", from: v16.StatusAvailable, to: v16.StatusCharging, allowed: true},
		{name: "available to finishing", from: v16.StatusAvailable, to: v16.StatusFinishing, allowed: false},
		{name: "charging to finishing", from: v16.StatusCharging, to: v16.StatusFinishing, allowed: true},
		{name: "charging to reserved", from: v16.StatusCharging, to: v16.StatusReserved, allowed: false},
		{name: "unavailable to charging", from: v16.StatusUnavailable, to: v16.StatusCharging, allowed: false},
		{name: "faulted to anything", from: v16.StatusFaulted, to: v16.StatusCharging, allowed: true},
		{name: "same status is always legal", from: v16.StatusReserved, to: v16.StatusReserved, allowed: true},
	}
	for _, tc := range tests {
		t.Run(tc.name, func(t *testing.T) {
			got := statusTransitionAllowed(ocpp.Version16, 1, tc.from, tc.to)
			if got != tc.allowed {
				t.Errorf("expected allowed=%v for %s -> %s, got %v", tc.allowed, tc.from, tc.to, got)
			}
		})
	}
}

func TestStatusTransitionAllowed_V201StationGlobal(t *testing.T) {
	if statusTransitionAllowed(ocpp.Version201, 0, v16.StatusAvailable, v16.StatusCharging) {
		t.Error("expected station-global occupied status to be refused")
	}
	if !statusTransitionAllowed(ocpp.Version201, 0, v16.StatusAvailable, v16.StatusUnavailable) {
		t.Error("expected station-global unavailable status to be accepted")
	}
	if !statusTransitionAllowed(ocpp.Version201, 1, v16.StatusAvailable, v16.StatusCharging) {
		t.Error("expected a regular connector to accept occupied statuses")
	}
}

func TestConnectorStatus201Mapping(t *testing.T) {
	tests := []struct {
		from v16.ChargePointStatus
		want v201.ConnectorStatus
	}{
		{from: v16.StatusAvailable, want: v201.StatusAvailable},
		{from: v16.StatusReserved, want: v201.StatusReserved},
		{from: v16.StatusUnavailable, want: v201.StatusUnavailable},
		{from: v16.StatusFaulted, want: v201.StatusFaulted},
		{from: v16.StatusCharging, want: v201.StatusOccupied},
		{from: v16.StatusPreparing, want: v201.StatusOccupied},
		{from: v16.StatusFinishing, want: v201.StatusOccupied},
	}
	for _, tc := range tests {
		if got := connectorStatus201(tc.from); got != tc.want {
			t.Errorf("expected %s to map to %s, got %s", tc.from, tc.want, got)
		}
	}
}

func TestConnector_Available(t *testing.T) {
	c := newConnector(1, "", false)
	if !c.Available() {
		t.Error("expected a fresh connector to be available")
	}

	c.Status = v16.StatusPreparing
	if !c.Available() {
		t.Error("expected a preparing connector to be available")
	}

	c.Status = v16.StatusCharging
	if c.Available() {
		t.Error("expected a charging connector to be unavailable")
	}

	c.Status = v16.StatusAvailable
	c.Availability = AvailabilityInoperative
	if c.Available() {
		t.Error("expected an inoperative connector to be unavailable")
	}
}

func TestConnector_ClearTransaction(t *testing.T) {
	c := newConnector(1, "", false)
	c.TransactionStarted = true
	c.TransactionID = 42
	c.TransactionIDTag = "TAG"
	c.TransactionStart = time.Now()
	c.TransactionEnergyActiveImportRegister = 1200
	c.EnergyActiveImportRegister = 5000
	c.IDTagAuthorized = true
	c.AuthorizeIDTag = "TAG"

	c.clearTransaction()

	if c.TransactionStarted || c.TransactionID != 0 || c.TransactionIDTag != "" {
		t.Error("expected transaction fields to be cleared")
	}
	if c.TransactionEnergyActiveImportRegister != 0 {
		t.Error("expected transaction energy register to be reset")
	}
	if c.EnergyActiveImportRegister != 5000 {
		t.Error("expected the lifetime energy register to survive")
	}
	if c.IDTagAuthorized || c.AuthorizeIDTag != "" {
		t.Error("expected authorization state to be cleared")
	}
}

func TestReservation_Expired(t *testing.T) {
	r := &Reservation{ID: 1, ConnectorID: 1, IdTag: "TAG", ExpiryDate: time.Now().Add(time.Minute)}
	if r.Expired(time.Now()) {
		t.Error("expected a future reservation to be live")
	}
	if !r.Expired(time.Now().Add(2 * time.Minute)) {
		t.Error("expected a past reservation to be expired")
	}
}
