package station

import (
	"testing"
	"time"

	v16 "github.com/hubertsui/e-mobility-charging-stations-simulator/internal/ocpp/v16"
)

func acInfo() *Info {
	return &Info{
		MaximumPower:   22000,
		VoltageOut:     230,
		NumberOfPhases: 3,
		CurrentOutType: CurrentAC,
	}
}

func dcInfo() *Info {
	return &Info{
		MaximumPower:   50000,
		VoltageOut:     400,
		NumberOfPhases: 0,
		CurrentOutType: CurrentDC,
	}
}

func countMeasurand(mv v16.MeterValue, m v16.Measurand) int {
	n := 0
	for _, sv := range mv.SampledValue {
		if sv.Measurand == m {
			n++
		}
	}
	return n
}

func TestFluctuate_Bounds(t *testing.T) {
	for i := 0; i < 100; i++ {
		v := fluctuate(1000, 5)
		if v < 950 || v > 1050 {
			t.Fatalf("expected a value within 5%% of 1000, got %v", v)
		}
	}
	if fluctuate(1000, 0) != 1000 {
		t.Error("expected zero percent to return the base value")
	}
	if fluctuate(0, 5) != 0 {
		t.Error("expected a zero base to stay zero")
	}
}

func TestConnectorPower_PowerDivider(t *testing.T) {
	info := acInfo()
	opts := meterValueOptions{PowerDivider: 2, LimitToCapacity: true, FluctuationPercent: 5}

	for i := 0; i < 50; i++ {
		power := connectorPower(info, opts)
		if power > 11000 {
			t.Fatalf("expected power clamped to 11000 W with divider 2, got %v", power)
		}
	}
}

func TestConnectorPower_AmperageLimit(t *testing.T) {
	info := acInfo()
	opts := meterValueOptions{
		PowerDivider:       1,
		AmperageLimit:      10,
		LimitToCapacity:    true,
		FluctuationPercent: 5,
	}

	limit := 10.0 * 230 * 3
	for i := 0; i < 50; i++ {
		power := connectorPower(info, opts)
		if power > limit {
			t.Fatalf("expected power limited to %v W by amperage, got %v", limit, power)
		}
	}
}

func TestBuildMeterValue_AC3PhaseSamples(t *testing.T) {
	info := acInfo()
	c := newConnector(1, "", false)
	opts := meterValueOptions{
		Context:      v16.ContextSamplePeriodic,
		PowerDivider: 1,
		MainVoltage:  true,
	}

	mv := buildMeterValue(info, c, opts)

	if n := countMeasurand(mv, v16.MeasurandEnergyActiveImportRegister); n != 1 {
		t.Errorf("expected 1 energy sample, got %d", n)
	}
	// One line voltage plus three line-to-neutral.
	if n := countMeasurand(mv, v16.MeasurandVoltage); n != 4 {
		t.Errorf("expected 4 voltage samples, got %d", n)
	}
	if n := countMeasurand(mv, v16.MeasurandPowerActiveImport); n != 3 {
		t.Errorf("expected 3 per-phase power samples, got %d", n)
	}
	if n := countMeasurand(mv, v16.MeasurandCurrentImport); n != 3 {
		t.Errorf("expected 3 per-phase current samples, got %d", n)
	}
}

func TestBuildMeterValue_MainVoltageDisabled(t *testing.T) {
	info := acInfo()
	c := newConnector(1, "", false)
	opts := meterValueOptions{
		Context:      v16.ContextSamplePeriodic,
		PowerDivider: 1,
	}

	mv := buildMeterValue(info, c, opts)

	if n := countMeasurand(mv, v16.MeasurandVoltage); n != 3 {
		t.Errorf("expected 3 per-phase voltage samples, got %d", n)
	}
}

func TestBuildMeterValue_MainVoltageAndLineToLine(t *testing.T) {
	info := acInfo()
	c := newConnector(1, "", false)
	opts := meterValueOptions{
		Context:         v16.ContextSamplePeriodic,
		PowerDivider:    1,
		MainVoltage:     true,
		PhaseLineToLine: true,
	}

	mv := buildMeterValue(info, c, opts)

	// Main voltage plus three line-to-neutral plus three line-to-line.
	if n := countMeasurand(mv, v16.MeasurandVoltage); n != 7 {
		t.Errorf("expected 7 voltage samples, got %d", n)
	}
}

func TestBuildMeterValue_DCSingleSet(t *testing.T) {
	info := dcInfo()
	c := newConnector(1, "", false)
	opts := meterValueOptions{
		Context:      v16.ContextSamplePeriodic,
		PowerDivider: 1,
	}

	mv := buildMeterValue(info, c, opts)

	if n := countMeasurand(mv, v16.MeasurandVoltage); n != 1 {
		t.Errorf("expected 1 voltage sample for DC, got %d", n)
	}
	if n := countMeasurand(mv, v16.MeasurandPowerActiveImport); n != 1 {
		t.Errorf("expected 1 power sample for DC, got %d", n)
	}
	if n := countMeasurand(mv, v16.MeasurandCurrentImport); n != 1 {
		t.Errorf("expected 1 current sample for DC, got %d", n)
	}
	for _, sv := range mv.SampledValue {
		if sv.Phase != "" {
			t.Errorf("expected no phase annotation for DC, got '%s'", sv.Phase)
		}
	}
}

func TestBuildMeterValue_AdvancesEnergyRegisters(t *testing.T) {
	info := acInfo()
	c := newConnector(1, "", false)
	opts := meterValueOptions{
		Context:            v16.ContextSamplePeriodic,
		Interval:           time.Hour,
		PowerDivider:       1,
		LimitToCapacity:    true,
		FluctuationPercent: 5,
	}

	buildMeterValue(info, c, opts)

	// One hour at up to 22 kW, fluctuated by 5 percent.
	if c.EnergyActiveImportRegister < 22000*0.95 || c.EnergyActiveImportRegister > 22000 {
		t.Errorf("expected roughly 22 kWh on the register, got %v Wh", c.EnergyActiveImportRegister)
	}
	if c.TransactionEnergyActiveImportRegister != c.EnergyActiveImportRegister {
		t.Error("expected both registers to advance in lockstep")
	}

	before := c.EnergyActiveImportRegister
	buildMeterValue(info, c, opts)
	if c.EnergyActiveImportRegister <= before {
		t.Error("expected the register to keep increasing")
	}
}

func TestBuildMeterValue_SoC(t *testing.T) {
	info := dcInfo()
	c := newConnector(1, "", true)
	c.SoC = 40
	opts := meterValueOptions{
		Context:      v16.ContextSamplePeriodic,
		Interval:     time.Minute,
		PowerDivider: 1,
	}

	mv := buildMeterValue(info, c, opts)

	if n := countMeasurand(mv, v16.MeasurandSoC); n != 1 {
		t.Fatalf("expected 1 SoC sample, got %d", n)
	}
	if c.SoC != 41 {
		t.Errorf("expected SoC to advance to 41, got %d", c.SoC)
	}
}
