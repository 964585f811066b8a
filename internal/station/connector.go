package station

import (
	"time"

	"github.com/hubertsui/e-mobility-charging-stations-simulator/internal/ocpp"
	v16 "github.com/hubertsui/e-mobility-charging-stations-simulator/internal/ocpp/v16"
	v201 "github.com/hubertsui/e-mobility-charging-stations-simulator/internal/ocpp/v201"
)

// Availability is the operative state of a station or connector.
type Availability string

const (
	AvailabilityOperative   Availability = "Operative"
	AvailabilityInoperative Availability = "Inoperative"
)

// Reservation holds a pending connector reservation.
type Reservation struct {
	ID          int       `json:"id"`
	ConnectorID int       `json:"connectorId"`
	IdTag       string    `json:"idTag"`
	ParentIdTag string    `json:"parentIdTag,omitempty"`
	ExpiryDate  time.Time `json:"expiryDate"`
}

// Expired reports whether the reservation's expiry date has passed.
func (r *Reservation) Expired(now time.Time) bool {
	return now.After(r.ExpiryDate)
}

// ReservationTerminationReason says why a reservation was removed.
type ReservationTerminationReason string

const (
	ReservationCanceled           ReservationTerminationReason = "ReservationCanceled"
	ReservationReplaceExisting    ReservationTerminationReason = "ReplaceExisting"
	ReservationExpired            ReservationTerminationReason = "Expired"
	ReservationTransactionStarted ReservationTerminationReason = "TransactionStarted"
)

// Connector is the mutable state of one physical connector. Index 0 denotes
// the station-global pseudo-connector. All fields are owned by the station
// engine and mutated only under its lock.
type Connector struct {
	ID           int                   `json:"id"`
	Availability Availability          `json:"availability"`
	Status       v16.ChargePointStatus `json:"status"`
	BootStatus   v16.ChargePointStatus `json:"bootStatus,omitempty"`

	TransactionStarted bool      `json:"transactionStarted"`
	TransactionID      int       `json:"transactionId,omitempty"`
	TransactionIDTag   string    `json:"transactionIdTag,omitempty"`
	TransactionStart   time.Time `json:"transactionStart,omitempty"`

	// Energy registers, both in Wh.
	EnergyActiveImportRegister            float64 `json:"energyActiveImportRegisterValue"`
	TransactionEnergyActiveImportRegister float64 `json:"transactionEnergyActiveImportRegisterValue"`

	AuthorizeIDTag       string `json:"authorizeIdTag,omitempty"`
	IDTagAuthorized      bool   `json:"idTagAuthorized"`
	LocalAuthorizeIDTag  string `json:"localAuthorizeIdTag,omitempty"`
	IDTagLocalAuthorized bool   `json:"idTagLocalAuthorized"`

	Reservation      *Reservation          `json:"reservation,omitempty"`
	ChargingProfiles []v16.ChargingProfile `json:"chargingProfiles,omitempty"`

	SupportsSoC bool `json:"supportsSoC,omitempty"`
	SoC         int  `json:"soc,omitempty"`
}

func newConnector(id int, bootStatus string, supportsSoC bool) *Connector {
	c := &Connector{
		ID:           id,
		Availability: AvailabilityOperative,
		Status:       v16.StatusAvailable,
		SupportsSoC:  supportsSoC,
	}
	if bootStatus != "" {
		c.BootStatus = v16.ChargePointStatus(bootStatus)
	}
	return c
}

// Available reports whether the connector is operative and idle enough to
// start a transaction.
func (c *Connector) Available() bool {
	return c.Availability == AvailabilityOperative &&
		(c.Status == v16.StatusAvailable || c.Status == v16.StatusPreparing)
}

func (c *Connector) clearTransaction() {
	c.TransactionStarted = false
	c.TransactionID = 0
	c.TransactionIDTag = ""
	c.TransactionStart = time.Time{}
	c.TransactionEnergyActiveImportRegister = 0
	c.AuthorizeIDTag = ""
	c.IDTagAuthorized = false
	c.LocalAuthorizeIDTag = ""
	c.IDTagLocalAuthorized = false
}

// EVSE groups connectors under the OCPP 2.0 topology. A station materializes
// either a flat connectors map or an evses map, never both.
type EVSE struct {
	ID           int                `json:"id"`
	Availability Availability       `json:"availability"`
	Connectors   map[int]*Connector `json:"connectors"`
}

// connectorStatus201 maps a 1.6 connector status onto the reduced 2.0.1 set.
func connectorStatus201(s v16.ChargePointStatus) v201.ConnectorStatus {
	switch s {
	case v16.StatusAvailable:
		return v201.StatusAvailable
	case v16.StatusReserved:
		return v201.StatusReserved
	case v16.StatusUnavailable:
		return v201.StatusUnavailable
	case v16.StatusFaulted:
		return v201.StatusFaulted
	default:
		return v201.StatusOccupied
	}
}

// allowedTransitions16 is the 1.6 connector status transition table. A
// missing source status admits no transitions; identical source and target is
// always legal.
var allowedTransitions16 = map[v16.ChargePointStatus][]v16.ChargePointStatus{
	v16.StatusAvailable: {
		v16.StatusPreparing, v16.StatusCharging, v16.StatusReserved,
		v16.StatusUnavailable, v16.StatusFaulted,
	},
	v16.StatusPreparing: {
		v16.StatusAvailable, v16.StatusCharging, v16.StatusSuspendedEV,
		v16.StatusSuspendedEVSE, v16.StatusFinishing, v16.StatusFaulted,
	},
	v16.StatusCharging: {
		v16.StatusAvailable, v16.StatusSuspendedEV, v16.StatusSuspendedEVSE,
		v16.StatusFinishing, v16.StatusUnavailable, v16.StatusFaulted,
	},
	v16.StatusSuspendedEV: {
		v16.StatusAvailable, v16.StatusCharging, v16.StatusSuspendedEVSE,
		v16.StatusFinishing, v16.StatusUnavailable, v16.StatusFaulted,
	},
	v16.StatusSuspendedEVSE: {
		v16.StatusAvailable, v16.StatusCharging, v16.StatusSuspendedEV,
		v16.StatusFinishing, v16.StatusUnavailable, v16.StatusFaulted,
	},
	v16.StatusFinishing: {
		v16.StatusAvailable, v16.StatusPreparing, v16.StatusUnavailable,
		v16.StatusFaulted,
	},
	v16.StatusReserved: {
		v16.StatusAvailable, v16.StatusPreparing, v16.StatusUnavailable,
		v16.StatusFaulted,
	},
	v16.StatusUnavailable: {
		v16.StatusAvailable, v16.StatusReserved, v16.StatusFaulted,
	},
	v16.StatusFaulted: {
		v16.StatusAvailable, v16.StatusPreparing, v16.StatusCharging,
		v16.StatusSuspendedEV, v16.StatusSuspendedEVSE, v16.StatusFinishing,
		v16.StatusReserved, v16.StatusUnavailable,
	},
}

// stationStatuses201 is the subset a 2.0.1 station-global connector may take.
var stationStatuses201 = map[v201.ConnectorStatus]bool{
	v201.StatusAvailable:   true,
	v201.StatusUnavailable: true,
	v201.StatusFaulted:     true,
}

// statusTransitionAllowed applies the per-version state diagram.
func statusTransitionAllowed(version ocpp.Version, connectorID int, from, to v16.ChargePointStatus) bool {
	if from == to {
		return true
	}
	if version == ocpp.Version201 {
		target := connectorStatus201(to)
		if connectorID == 0 && !stationStatuses201[target] {
			return false
		}
		// The reduced 2.0.1 set has no illegal pairs beyond the
		// station-global restriction.
		return true
	}
	for _, allowed := range allowedTransitions16[from] {
		if allowed == to {
			return true
		}
	}
	return false
}
