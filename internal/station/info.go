package station

import (
	"crypto/sha256"
	"encoding/hex"
	"fmt"
	"path/filepath"
	"strings"

	"github.com/hubertsui/e-mobility-charging-stations-simulator/internal/ocpp"
	"github.com/hubertsui/e-mobility-charging-stations-simulator/internal/template"
)

// CurrentOutType distinguishes AC from DC stations.
type CurrentOutType string

const (
	CurrentAC CurrentOutType = "AC"
	CurrentDC CurrentOutType = "DC"
)

const (
	defaultVoltageOut        = 230
	defaultNumberOfPhases    = 3
	defaultConnectionTimeout = 30 // seconds
)

// Info is the identity and derived electrical characteristics of one
// simulated station, computed from (template, index).
type Info struct {
	HashID            string `json:"hashId"`
	ChargingStationID string `json:"chargingStationId"`
	Index             int    `json:"index"`

	OCPPVersion  ocpp.Version `json:"ocppVersion"`
	TemplateFile string       `json:"templateFile"`
	TemplateHash string       `json:"templateHash"`

	ChargePointModel  string `json:"chargePointModel"`
	ChargePointVendor string `json:"chargePointVendor"`
	FirmwareVersion   string `json:"firmwareVersion,omitempty"`

	MaximumPower    float64        `json:"maximumPower"`    // W
	MaximumAmperage float64        `json:"maximumAmperage"` // A
	VoltageOut      float64        `json:"voltageOut"`
	NumberOfPhases  int            `json:"numberOfPhases"`
	CurrentOutType  CurrentOutType `json:"currentOutType"`
	PowerUnitKilo   bool           `json:"powerUnitKilo,omitempty"`
}

// NewInfo derives station identity from a template, its content hash and the
// 1-based station index.
func NewInfo(tmpl *template.Template, file, templateHash string, index int) *Info {
	version := ocpp.Version(tmpl.OCPPVersion)
	if !version.Valid() {
		version = ocpp.Version16
	}

	info := &Info{
		HashID:            hashID(file, templateHash, index),
		ChargingStationID: stationID(tmpl, file, index),
		Index:             index,
		OCPPVersion:       version,
		TemplateFile:      file,
		TemplateHash:      templateHash,
		ChargePointModel:  tmpl.ChargePointModel,
		ChargePointVendor: tmpl.ChargePointVendor,
		FirmwareVersion:   tmpl.FirmwareVersion,
		VoltageOut:        tmpl.VoltageOut,
		NumberOfPhases:    tmpl.NumberOfPhases,
		CurrentOutType:    CurrentOutType(tmpl.CurrentOutType),
		PowerUnitKilo:     strings.EqualFold(tmpl.PowerUnit, "kW"),
	}

	if info.CurrentOutType == "" {
		info.CurrentOutType = CurrentAC
	}
	if info.VoltageOut <= 0 {
		if info.CurrentOutType == CurrentDC {
			info.VoltageOut = 400
		} else {
			info.VoltageOut = defaultVoltageOut
		}
	}
	if info.CurrentOutType == CurrentDC {
		info.NumberOfPhases = 0
	} else if info.NumberOfPhases != 1 && info.NumberOfPhases != 3 {
		info.NumberOfPhases = defaultNumberOfPhases
	}

	power := tmpl.Power.At(index)
	if info.PowerUnitKilo {
		power *= 1000
	}
	info.MaximumPower = power
	info.MaximumAmperage = maximumAmperage(power, info.VoltageOut, info.NumberOfPhases)

	return info
}

// hashID is the stable content-addressed identity of a station: the SHA-256
// of template path, station index and template content hash.
func hashID(file, templateHash string, index int) string {
	sum := sha256.Sum256([]byte(fmt.Sprintf("%s::%d::%s", file, index, templateHash)))
	return hex.EncodeToString(sum[:])
}

func stationID(tmpl *template.Template, file string, index int) string {
	base := tmpl.BaseName
	if base == "" {
		base = strings.TrimSuffix(filepath.Base(file), filepath.Ext(file))
	}
	return fmt.Sprintf("%s-%05d", base, index)
}

func maximumAmperage(powerW, voltage float64, phases int) float64 {
	if voltage <= 0 {
		return 0
	}
	if phases <= 0 {
		// DC output.
		return powerW / voltage
	}
	return powerW / (voltage * float64(phases))
}
