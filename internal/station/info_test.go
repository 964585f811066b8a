package station

import (
	"testing"

	"github.com/hubertsui/e-mobility-charging-stations-simulator/internal/ocpp"
	"github.com/hubertsui/e-mobility-charging-stations-simulator/internal/template"
)

func baseTemplate() *template.Template {
	return &template.Template{
		ChargePointModel:   "Wall Box",
		ChargePointVendor:  "ACME",
		Power:              template.PowerValues{22000},
		PowerUnit:          "W",
		NumberOfConnectors: 2,
	}
}

func TestNewInfo_IdentityStability(t *testing.T) {
	tmpl := baseTemplate()

	a := NewInfo(tmpl, "templates/acme.json", "deadbeef", 1)
	b := NewInfo(tmpl, "templates/acme.json", "deadbeef", 1)
	c := NewInfo(tmpl, "templates/acme.json", "deadbeef", 2)

	if a.HashID != b.HashID {
		t.Error("expected a stable hash id for identical inputs")
	}
	if a.HashID == c.HashID {
		t.Error("expected distinct hash ids per station index")
	}
	if a.ChargingStationID != "acme-00001" {
		t.Errorf("expected station id 'acme-00001', got '%s'", a.ChargingStationID)
	}
	if c.ChargingStationID != "acme-00002" {
		t.Errorf("expected station id 'acme-00002', got '%s'", c.ChargingStationID)
	}
}

func TestNewInfo_BaseNameOverride(t *testing.T) {
	tmpl := baseTemplate()
	tmpl.BaseName = "CS-TEST"

	info := NewInfo(tmpl, "templates/acme.json", "deadbeef", 3)
	if info.ChargingStationID != "CS-TEST-00003" {
		t.Errorf("expected station id 'CS-TEST-00003', got '%s'", info.ChargingStationID)
	}
}

func TestNewInfo_ACDefaults(t *testing.T) {
	tmpl := baseTemplate()

	info := NewInfo(tmpl, "templates/acme.json", "deadbeef", 1)
	if info.CurrentOutType != CurrentAC {
		t.Errorf("expected AC default, got %s", info.CurrentOutType)
	}
	if info.VoltageOut != 230 {
		t.Errorf("expected default voltage 230, got %v", info.VoltageOut)
	}
	if info.NumberOfPhases != 3 {
		t.Errorf("expected default 3 phases, got %d", info.NumberOfPhases)
	}
	if info.MaximumPower != 22000 {
		t.Errorf("expected maximum power 22000 W, got %v", info.MaximumPower)
	}
	want := 22000.0 / (230 * 3)
	if info.MaximumAmperage != want {
		t.Errorf("expected maximum amperage %v, got %v", want, info.MaximumAmperage)
	}
}

func TestNewInfo_DCDefaults(t *testing.T) {
	tmpl := baseTemplate()
	tmpl.CurrentOutType = "DC"
	tmpl.Power = template.PowerValues{50000}

	info := NewInfo(tmpl, "templates/dc.json", "deadbeef", 1)
	if info.VoltageOut != 400 {
		t.Errorf("expected DC default voltage 400, got %v", info.VoltageOut)
	}
	if info.NumberOfPhases != 0 {
		t.Errorf("expected 0 phases for DC, got %d", info.NumberOfPhases)
	}
	if info.MaximumAmperage != 50000.0/400 {
		t.Errorf("expected DC amperage 125, got %v", info.MaximumAmperage)
	}
}

func TestNewInfo_KilowattConversion(t *testing.T) {
	tmpl := baseTemplate()
	tmpl.Power = template.PowerValues{22}
	tmpl.PowerUnit = "kW"

	info := NewInfo(tmpl, "templates/acme.json", "deadbeef", 1)
	if info.MaximumPower != 22000 {
		t.Errorf("expected kW power converted to 22000 W, got %v", info.MaximumPower)
	}
}

func TestNewInfo_PowerPerStation(t *testing.T) {
	tmpl := baseTemplate()
	tmpl.Power = template.PowerValues{11000, 22000}

	first := NewInfo(tmpl, "templates/acme.json", "deadbeef", 1)
	second := NewInfo(tmpl, "templates/acme.json", "deadbeef", 2)
	third := NewInfo(tmpl, "templates/acme.json", "deadbeef", 3)

	if first.MaximumPower == second.MaximumPower {
		t.Error("expected per-index power values to differ")
	}
	if third.MaximumPower != first.MaximumPower {
		t.Error("expected power values to wrap around")
	}
}

func TestNewInfo_InvalidVersionFallsBack(t *testing.T) {
	tmpl := baseTemplate()
	tmpl.OCPPVersion = "3.0"

	info := NewInfo(tmpl, "templates/acme.json", "deadbeef", 1)
	if info.OCPPVersion != ocpp.Version16 {
		t.Errorf("expected fallback to %s, got %s", ocpp.Version16, info.OCPPVersion)
	}
}
