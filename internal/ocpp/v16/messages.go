package v16

// Request and response payloads for every OCPP 1.6 action the simulator
// exchanges, in both directions. Validation tags are enforced when the
// station's payloadSchemaValidation flag is on.

// --- Station → CSMS ---

type BootNotificationRequest struct {
	ChargePointVendor       string `json:"chargePointVendor" validate:"required,max=20"`
	ChargePointModel        string `json:"chargePointModel" validate:"required,max=20"`
	ChargePointSerialNumber string `json:"chargePointSerialNumber,omitempty" validate:"max=25"`
	ChargeBoxSerialNumber   string `json:"chargeBoxSerialNumber,omitempty" validate:"max=25"`
	FirmwareVersion         string `json:"firmwareVersion,omitempty" validate:"max=50"`
	Iccid                   string `json:"iccid,omitempty" validate:"max=20"`
	Imsi                    string `json:"imsi,omitempty" validate:"max=20"`
	MeterType               string `json:"meterType,omitempty" validate:"max=25"`
	MeterSerialNumber       string `json:"meterSerialNumber,omitempty" validate:"max=25"`
}

type BootNotificationResponse struct {
	Status      RegistrationStatus `json:"status" validate:"required,oneof=Accepted Pending Rejected"`
	CurrentTime DateTime           `json:"currentTime" validate:"required"`
	Interval    int                `json:"interval" validate:"gte=0"`
}

type HeartbeatRequest struct{}

type HeartbeatResponse struct {
	CurrentTime DateTime `json:"currentTime" validate:"required"`
}

type AuthorizeRequest struct {
	IdTag string `json:"idTag" validate:"required,max=20"`
}

type AuthorizeResponse struct {
	IdTagInfo IdTagInfo `json:"idTagInfo" validate:"required"`
}

type StartTransactionRequest struct {
	ConnectorID   int      `json:"connectorId" validate:"required,gt=0"`
	IdTag         string   `json:"idTag" validate:"required,max=20"`
	MeterStart    int      `json:"meterStart" validate:"gte=0"`
	ReservationID *int     `json:"reservationId,omitempty"`
	Timestamp     DateTime `json:"timestamp" validate:"required"`
}

type StartTransactionResponse struct {
	IdTagInfo     IdTagInfo `json:"idTagInfo" validate:"required"`
	TransactionID int       `json:"transactionId"`
}

type StopTransactionRequest struct {
	IdTag           string       `json:"idTag,omitempty" validate:"max=20"`
	MeterStop       int          `json:"meterStop" validate:"gte=0"`
	Timestamp       DateTime     `json:"timestamp" validate:"required"`
	TransactionID   int          `json:"transactionId"`
	Reason          Reason       `json:"reason,omitempty"`
	TransactionData []MeterValue `json:"transactionData,omitempty" validate:"omitempty,dive"`
}

type StopTransactionResponse struct {
	IdTagInfo *IdTagInfo `json:"idTagInfo,omitempty"`
}

type StatusNotificationRequest struct {
	ConnectorID     int                  `json:"connectorId" validate:"gte=0"`
	ErrorCode       ChargePointErrorCode `json:"errorCode" validate:"required"`
	Info            string               `json:"info,omitempty" validate:"max=50"`
	Status          ChargePointStatus    `json:"status" validate:"required"`
	Timestamp       *DateTime            `json:"timestamp,omitempty"`
	VendorID        string               `json:"vendorId,omitempty" validate:"max=255"`
	VendorErrorCode string               `json:"vendorErrorCode,omitempty" validate:"max=50"`
}

type StatusNotificationResponse struct{}

type MeterValuesRequest struct {
	ConnectorID   int          `json:"connectorId" validate:"gte=0"`
	TransactionID *int         `json:"transactionId,omitempty"`
	MeterValue    []MeterValue `json:"meterValue" validate:"required,min=1,dive"`
}

type MeterValuesResponse struct{}

type DataTransferRequest struct {
	VendorID  string `json:"vendorId" validate:"required,max=255"`
	MessageID string `json:"messageId,omitempty" validate:"max=50"`
	Data      string `json:"data,omitempty"`
}

type DataTransferResponse struct {
	Status string `json:"status" validate:"required,oneof=Accepted Rejected UnknownMessageId UnknownVendorId"`
	Data   string `json:"data,omitempty"`
}

type DiagnosticsStatusNotificationRequest struct {
	Status DiagnosticsStatus `json:"status" validate:"required"`
}

type DiagnosticsStatusNotificationResponse struct{}

type FirmwareStatusNotificationRequest struct {
	Status FirmwareStatus `json:"status" validate:"required"`
}

type FirmwareStatusNotificationResponse struct{}

// --- CSMS → Station ---

type ResetRequest struct {
	Type ResetType `json:"type" validate:"required,oneof=Hard Soft"`
}

type ResetResponse struct {
	Status string `json:"status" validate:"required,oneof=Accepted Rejected"`
}

type ClearCacheRequest struct{}

type ClearCacheResponse struct {
	Status string `json:"status" validate:"required,oneof=Accepted Rejected"`
}

type ChangeAvailabilityRequest struct {
	ConnectorID int              `json:"connectorId" validate:"gte=0"`
	Type        AvailabilityType `json:"type" validate:"required,oneof=Operative Inoperative"`
}

type ChangeAvailabilityResponse struct {
	Status AvailabilityStatus `json:"status" validate:"required"`
}

type UnlockConnectorRequest struct {
	ConnectorID int `json:"connectorId" validate:"required,gt=0"`
}

type UnlockConnectorResponse struct {
	Status string `json:"status" validate:"required,oneof=Unlocked UnlockFailed NotSupported"`
}

type GetConfigurationRequest struct {
	Key []string `json:"key,omitempty" validate:"omitempty,dive,max=50"`
}

type GetConfigurationResponse struct {
	ConfigurationKey []KeyValue `json:"configurationKey,omitempty"`
	UnknownKey       []string   `json:"unknownKey,omitempty"`
}

type ChangeConfigurationRequest struct {
	Key   string `json:"key" validate:"required,max=50"`
	Value string `json:"value" validate:"required,max=500"`
}

type ChangeConfigurationResponse struct {
	Status string `json:"status" validate:"required,oneof=Accepted Rejected RebootRequired NotSupported"`
}

type RemoteStartTransactionRequest struct {
	ConnectorID     *int             `json:"connectorId,omitempty"`
	IdTag           string           `json:"idTag" validate:"required,max=20"`
	ChargingProfile *ChargingProfile `json:"chargingProfile,omitempty"`
}

type RemoteStartTransactionResponse struct {
	Status string `json:"status" validate:"required,oneof=Accepted Rejected"`
}

type RemoteStopTransactionRequest struct {
	TransactionID int `json:"transactionId"`
}

type RemoteStopTransactionResponse struct {
	Status string `json:"status" validate:"required,oneof=Accepted Rejected"`
}

type SetChargingProfileRequest struct {
	ConnectorID        int             `json:"connectorId" validate:"gte=0"`
	CSChargingProfiles ChargingProfile `json:"csChargingProfiles" validate:"required"`
}

type SetChargingProfileResponse struct {
	Status string `json:"status" validate:"required,oneof=Accepted Rejected NotSupported"`
}

type ClearChargingProfileRequest struct {
	ID                     *int   `json:"id,omitempty"`
	ConnectorID            *int   `json:"connectorId,omitempty"`
	ChargingProfilePurpose string `json:"chargingProfilePurpose,omitempty"`
	StackLevel             *int   `json:"stackLevel,omitempty"`
}

type ClearChargingProfileResponse struct {
	Status string `json:"status" validate:"required,oneof=Accepted Unknown"`
}

type GetCompositeScheduleRequest struct {
	ConnectorID      int    `json:"connectorId" validate:"gte=0"`
	Duration         int    `json:"duration" validate:"required,gt=0"`
	ChargingRateUnit string `json:"chargingRateUnit,omitempty" validate:"omitempty,oneof=A W"`
}

type GetCompositeScheduleResponse struct {
	Status           string            `json:"status" validate:"required,oneof=Accepted Rejected"`
	ConnectorID      *int              `json:"connectorId,omitempty"`
	ScheduleStart    *DateTime         `json:"scheduleStart,omitempty"`
	ChargingSchedule *ChargingSchedule `json:"chargingSchedule,omitempty"`
}

type GetDiagnosticsRequest struct {
	Location      string    `json:"location" validate:"required"`
	Retries       *int      `json:"retries,omitempty"`
	RetryInterval *int      `json:"retryInterval,omitempty"`
	StartTime     *DateTime `json:"startTime,omitempty"`
	StopTime      *DateTime `json:"stopTime,omitempty"`
}

type GetDiagnosticsResponse struct {
	FileName string `json:"fileName,omitempty" validate:"max=255"`
}

type TriggerMessageRequest struct {
	RequestedMessage Action `json:"requestedMessage" validate:"required"`
	ConnectorID      *int   `json:"connectorId,omitempty"`
}

type TriggerMessageResponse struct {
	Status TriggerMessageStatus `json:"status" validate:"required"`
}

type UpdateFirmwareRequest struct {
	Location      string   `json:"location" validate:"required"`
	Retries       *int     `json:"retries,omitempty"`
	RetrieveDate  DateTime `json:"retrieveDate" validate:"required"`
	RetryInterval *int     `json:"retryInterval,omitempty"`
}

type UpdateFirmwareResponse struct{}

type ReserveNowRequest struct {
	ConnectorID   int      `json:"connectorId" validate:"gte=0"`
	ExpiryDate    DateTime `json:"expiryDate" validate:"required"`
	IdTag         string   `json:"idTag" validate:"required,max=20"`
	ParentIdTag   string   `json:"parentIdTag,omitempty" validate:"max=20"`
	ReservationID int      `json:"reservationId"`
}

type ReserveNowResponse struct {
	Status ReservationStatus `json:"status" validate:"required"`
}

type CancelReservationRequest struct {
	ReservationID int `json:"reservationId"`
}

type CancelReservationResponse struct {
	Status string `json:"status" validate:"required,oneof=Accepted Rejected"`
}
