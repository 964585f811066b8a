// Package template loads station template files, content-hashes them and
// caches parsed results shared by every station on the same worker host.
package template

import (
	"encoding/json"
	"fmt"
)

// StringList accepts either a JSON string or an array of strings.
type StringList []string

func (s *StringList) UnmarshalJSON(data []byte) error {
	if len(data) > 0 && data[0] == '"' {
		var single string
		if err := json.Unmarshal(data, &single); err != nil {
			return err
		}
		*s = StringList{single}
		return nil
	}
	var list []string
	if err := json.Unmarshal(data, &list); err != nil {
		return err
	}
	*s = list
	return nil
}

// PowerValues accepts either a JSON number or an array of numbers; stations
// pick the value matching their index, wrapping around.
type PowerValues []float64

func (p *PowerValues) UnmarshalJSON(data []byte) error {
	if len(data) > 0 && data[0] == '[' {
		var list []float64
		if err := json.Unmarshal(data, &list); err != nil {
			return err
		}
		*p = list
		return nil
	}
	var single float64
	if err := json.Unmarshal(data, &single); err != nil {
		return err
	}
	*p = PowerValues{single}
	return nil
}

// At returns the power value for a 1-based station index.
func (p PowerValues) At(index int) float64 {
	if len(p) == 0 {
		return 0
	}
	return p[(index-1)%len(p)]
}

// Key is one OCPP configuration key seeded from the template.
type Key struct {
	Key      string `json:"key"`
	Value    string `json:"value"`
	Readonly bool   `json:"readonly,omitempty"`
	Visible  *bool  `json:"visible,omitempty"`
	Reboot   bool   `json:"reboot,omitempty"`
}

// Configuration is the template's OCPP configuration block.
type Configuration struct {
	ConfigurationKey []Key `json:"configurationKey"`
}

// ConnectorTemplate describes one connector of a station template.
type ConnectorTemplate struct {
	BootStatus  string `json:"bootStatus,omitempty"`
	SupportsSoC bool   `json:"supportsSoC,omitempty"`
}

// EvseTemplate groups connectors under the OCPP 2.0 topology.
type EvseTemplate struct {
	Connectors map[string]ConnectorTemplate `json:"Connectors"`
}

// ATGConfiguration parameterizes the automatic transaction generator.
type ATGConfiguration struct {
	Enable                           bool     `json:"enable"`
	MinDuration                      int      `json:"minDuration"`
	MaxDuration                      int      `json:"maxDuration"`
	MinDelayBetweenTwoTransactions   int      `json:"minDelayBetweenTwoTransactions"`
	MaxDelayBetweenTwoTransactions   int      `json:"maxDelayBetweenTwoTransactions"`
	ProbabilityOfStart               float64  `json:"probabilityOfStart"`
	StopAfterHours                   float64  `json:"stopAfterHours"`
	StopOnConnectionFailure          bool     `json:"stopOnConnectionFailure"`
	RequireAuthorize                 bool     `json:"requireAuthorize"`
	IdTagDistribution                string   `json:"idTagDistribution,omitempty"`
}

// FirmwareUpgrade tunes the simulated firmware update walk.
type FirmwareUpgrade struct {
	VersionUpgrade struct {
		PatternGroup int `json:"patternGroup,omitempty"`
		Step         int `json:"step,omitempty"`
	} `json:"versionUpgrade,omitempty"`
	Reset         bool   `json:"reset,omitempty"`
	FailureStatus string `json:"failureStatus,omitempty"`
}

// Template is a parsed station template file. A template describes either a
// flat Connectors map or an Evses map, never both.
type Template struct {
	SupervisionUrls                 StringList `json:"supervisionUrls,omitempty"`
	SupervisionURLOcppConfiguration bool       `json:"supervisionUrlOcppConfiguration,omitempty"`
	SupervisionURLOcppKey           string     `json:"supervisionUrlOcppKey,omitempty"`

	OCPPVersion       string `json:"ocppVersion,omitempty"`
	BaseName          string `json:"baseName"`
	ChargePointModel  string `json:"chargePointModel"`
	ChargePointVendor string `json:"chargePointVendor"`

	FirmwareVersion        string `json:"firmwareVersion,omitempty"`
	FirmwareVersionPattern string `json:"firmwareVersionPattern,omitempty"`

	Power          PowerValues `json:"power"`
	PowerUnit      string      `json:"powerUnit,omitempty"`
	NumberOfPhases int         `json:"numberOfPhases,omitempty"`
	CurrentOutType string      `json:"currentOutType,omitempty"`
	VoltageOut     float64     `json:"voltageOut,omitempty"`

	NumberOfConnectors        int    `json:"numberOfConnectors,omitempty"`
	UseConnectorID0           bool   `json:"useConnectorId0,omitempty"`
	RandomConnectors          bool   `json:"randomConnectors,omitempty"`
	AutoRegister              bool   `json:"autoRegister,omitempty"`
	AmperageLimitationOcppKey string `json:"amperageLimitationOcppKey,omitempty"`
	PowerSharedByConnectors   bool   `json:"powerSharedByConnectors,omitempty"`

	RegistrationMaxRetries    *int `json:"registrationMaxRetries,omitempty"`
	ConnectionTimeout         int  `json:"connectionTimeout,omitempty"`
	AutoReconnectMaxRetries   *int `json:"autoReconnectMaxRetries,omitempty"`
	ReconnectExponentialDelay bool `json:"reconnectExponentialDelay,omitempty"`
	WebSocketPingInterval     int  `json:"webSocketPingInterval,omitempty"`

	IdTagsFile string `json:"idTagsFile,omitempty"`

	BeginEndMeterValues               bool  `json:"beginEndMeterValues,omitempty"`
	OutOfOrderEndMeterValues          bool  `json:"outOfOrderEndMeterValues,omitempty"`
	OcppStrictCompliance              bool  `json:"ocppStrictCompliance,omitempty"`
	PayloadSchemaValidation           bool  `json:"payloadSchemaValidation,omitempty"`
	CustomValueLimitationMeterValues  bool  `json:"customValueLimitationMeterValues,omitempty"`
	MainVoltageMeterValues            *bool `json:"mainVoltageMeterValues,omitempty"`
	PhaseLineToLineVoltageMeterValues bool  `json:"phaseLineToLineVoltageMeterValues,omitempty"`

	OcppPersistentConfiguration                          *bool `json:"ocppPersistentConfiguration,omitempty"`
	StationInfoPersistentConfiguration                   *bool `json:"stationInfoPersistentConfiguration,omitempty"`
	AutomaticTransactionGeneratorPersistentConfiguration *bool `json:"automaticTransactionGeneratorPersistentConfiguration,omitempty"`

	Connectors                    map[string]ConnectorTemplate `json:"Connectors,omitempty"`
	Evses                         map[string]EvseTemplate      `json:"Evses,omitempty"`
	Configuration                 *Configuration               `json:"Configuration,omitempty"`
	AutomaticTransactionGenerator *ATGConfiguration            `json:"AutomaticTransactionGenerator,omitempty"`
	FirmwareUpgrade               *FirmwareUpgrade             `json:"firmwareUpgrade,omitempty"`
}

// Validate enforces the structural invariants the engine relies on.
func (t *Template) Validate() error {
	if t.ChargePointModel == "" || t.ChargePointVendor == "" {
		return fmt.Errorf("template requires chargePointModel and chargePointVendor")
	}
	if len(t.Connectors) > 0 && len(t.Evses) > 0 {
		return fmt.Errorf("template declares both Connectors and Evses")
	}
	if len(t.Connectors) == 0 && len(t.Evses) == 0 && t.NumberOfConnectors <= 0 {
		return fmt.Errorf("template declares no connectors")
	}
	return nil
}

func parse(data []byte) (*Template, error) {
	var t Template
	if err := json.Unmarshal(data, &t); err != nil {
		return nil, fmt.Errorf("failed to parse station template: %w", err)
	}
	if err := t.Validate(); err != nil {
		return nil, err
	}
	return &t, nil
}
