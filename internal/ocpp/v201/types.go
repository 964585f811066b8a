// Package v201 holds the OCPP 2.0.1 subset the simulator speaks: boot,
// heartbeat and status notification, plus the enumerations they need.
package v201

import "time"

// Action is an OCPP 2.0.1 action name.
type Action string

const (
	ActionBootNotification   Action = "BootNotification"
	ActionHeartbeat          Action = "Heartbeat"
	ActionStatusNotification Action = "StatusNotification"

	// Incoming actions acknowledged with NotImplemented until the 2.0.1
	// surface is completed.
	ActionReset                   Action = "Reset"
	ActionRequestStartTransaction Action = "RequestStartTransaction"
	ActionRequestStopTransaction  Action = "RequestStopTransaction"
	ActionSetVariables            Action = "SetVariables"
	ActionGetVariables            Action = "GetVariables"
	ActionChangeAvailability      Action = "ChangeAvailability"
	ActionTriggerMessage          Action = "TriggerMessage"
	ActionUnlockConnector         Action = "UnlockConnector"
)

// ConnectorStatus is the reduced 2.0.1 connector status set.
type ConnectorStatus string

const (
	StatusAvailable   ConnectorStatus = "Available"
	StatusOccupied    ConnectorStatus = "Occupied"
	StatusReserved    ConnectorStatus = "Reserved"
	StatusUnavailable ConnectorStatus = "Unavailable"
	StatusFaulted     ConnectorStatus = "Faulted"
)

// RegistrationStatus is the CSMS verdict on a BootNotification.
type RegistrationStatus string

const (
	RegistrationAccepted RegistrationStatus = "Accepted"
	RegistrationPending  RegistrationStatus = "Pending"
	RegistrationRejected RegistrationStatus = "Rejected"
)

// BootReason qualifies why the station booted.
type BootReason string

const (
	BootPowerUp        BootReason = "PowerUp"
	BootRemoteReset    BootReason = "RemoteReset"
	BootScheduledReset BootReason = "ScheduledReset"
	BootFirmwareUpdate BootReason = "FirmwareUpdate"
)

// DateTime wraps time.Time with the RFC3339 encoding OCPP 2.0.1 expects.
type DateTime struct {
	time.Time
}

// Now returns the current UTC time as a DateTime.
func Now() DateTime {
	return DateTime{Time: time.Now().UTC()}
}

func (dt DateTime) MarshalJSON() ([]byte, error) {
	return []byte(`"` + dt.Time.Format(time.RFC3339) + `"`), nil
}

func (dt *DateTime) UnmarshalJSON(data []byte) error {
	if len(data) < 2 {
		return nil
	}
	t, err := time.Parse(time.RFC3339, string(data[1:len(data)-1]))
	if err != nil {
		return err
	}
	dt.Time = t
	return nil
}

// ChargingStation describes the station inside a BootNotification.
type ChargingStation struct {
	Model           string `json:"model" validate:"required,max=20"`
	VendorName      string `json:"vendorName" validate:"required,max=50"`
	SerialNumber    string `json:"serialNumber,omitempty" validate:"max=25"`
	FirmwareVersion string `json:"firmwareVersion,omitempty" validate:"max=50"`
}

type BootNotificationRequest struct {
	ChargingStation ChargingStation `json:"chargingStation" validate:"required"`
	Reason          BootReason      `json:"reason" validate:"required"`
}

type BootNotificationResponse struct {
	CurrentTime DateTime           `json:"currentTime" validate:"required"`
	Interval    int                `json:"interval" validate:"gte=0"`
	Status      RegistrationStatus `json:"status" validate:"required,oneof=Accepted Pending Rejected"`
}

type HeartbeatRequest struct{}

type HeartbeatResponse struct {
	CurrentTime DateTime `json:"currentTime" validate:"required"`
}

type StatusNotificationRequest struct {
	Timestamp       DateTime        `json:"timestamp" validate:"required"`
	ConnectorStatus ConnectorStatus `json:"connectorStatus" validate:"required"`
	EvseID          int             `json:"evseId" validate:"gte=0"`
	ConnectorID     int             `json:"connectorId" validate:"gte=0"`
}

type StatusNotificationResponse struct{}
