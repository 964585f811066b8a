package station

import (
	"math"
	"math/rand"
	"strconv"
	"time"

	v16 "github.com/hubertsui/e-mobility-charging-stations-simulator/internal/ocpp/v16"
)

const defaultFluctuationPercent = 5

// meterValueOptions tunes one synthesized meter value batch.
type meterValueOptions struct {
	Context            v16.ReadingContext
	Interval           time.Duration
	PowerDivider       int
	AmperageLimit      float64 // A per connector, 0 = unlimited
	LimitToCapacity    bool
	MainVoltage        bool
	PhaseLineToLine    bool
	FluctuationPercent float64
}

// fluctuate spreads a base value by up to ±pct percent.
func fluctuate(base, pct float64) float64 {
	if pct <= 0 || base == 0 {
		return base
	}
	spread := base * pct / 100
	return base - spread + rand.Float64()*2*spread
}

func formatValue(v float64) string {
	return strconv.FormatFloat(math.Round(v*100)/100, 'f', -1, 64)
}

// connectorPower returns the synthesized active power of one connector in W,
// honoring the power divider, the amperage limitation and the capacity clamp.
func connectorPower(info *Info, opts meterValueOptions) float64 {
	divider := opts.PowerDivider
	if divider < 1 {
		divider = 1
	}
	capacity := info.MaximumPower / float64(divider)
	if opts.AmperageLimit > 0 {
		phases := info.NumberOfPhases
		if phases <= 0 {
			phases = 1
		}
		limited := opts.AmperageLimit * info.VoltageOut * float64(phases)
		if limited < capacity {
			capacity = limited
		}
	}

	pct := opts.FluctuationPercent
	if pct <= 0 {
		pct = defaultFluctuationPercent
	}
	power := fluctuate(capacity, pct)
	if opts.LimitToCapacity && power > capacity {
		power = capacity
	}
	if power < 0 {
		power = 0
	}
	return power
}

// buildMeterValue synthesizes one MeterValue batch for a connector and
// advances its energy registers. AC 3-phase stations expand voltage, current
// and power into per-phase samples; DC collapses to a single reading.
func buildMeterValue(info *Info, c *Connector, opts meterValueOptions) v16.MeterValue {
	mv := v16.MeterValue{Timestamp: v16.Now()}

	energyUnit := v16.UnitWh
	powerUnit := v16.UnitW
	divider := 1.0
	if info.PowerUnitKilo {
		energyUnit = v16.UnitKWh
		powerUnit = v16.UnitKW
		divider = 1000
	}

	power := connectorPower(info, opts)

	// Energy register advances by the energy delivered over the sample
	// interval; registers never decrease within a transaction.
	if opts.Interval > 0 {
		increment := power * opts.Interval.Hours()
		c.EnergyActiveImportRegister += increment
		c.TransactionEnergyActiveImportRegister += increment
	}
	mv.SampledValue = append(mv.SampledValue, v16.SampledValue{
		Value:     formatValue(math.Round(c.EnergyActiveImportRegister) / divider),
		Context:   opts.Context,
		Measurand: v16.MeasurandEnergyActiveImportRegister,
		Unit:      energyUnit,
		Location:  v16.LocationOutlet,
	})

	if c.SupportsSoC {
		if opts.Interval > 0 && c.SoC < 100 {
			c.SoC++
		}
		mv.SampledValue = append(mv.SampledValue, v16.SampledValue{
			Value:     strconv.Itoa(c.SoC),
			Context:   opts.Context,
			Measurand: v16.MeasurandSoC,
			Unit:      v16.UnitPercent,
			Location:  v16.LocationEV,
		})
	}

	pct := opts.FluctuationPercent
	if pct <= 0 {
		pct = defaultFluctuationPercent
	}

	if info.CurrentOutType == CurrentDC || info.NumberOfPhases <= 1 {
		// Single reading covering all phases.
		mv.SampledValue = append(mv.SampledValue,
			v16.SampledValue{
				Value:     formatValue(fluctuate(info.VoltageOut, 1)),
				Context:   opts.Context,
				Measurand: v16.MeasurandVoltage,
				Unit:      v16.UnitV,
			},
			v16.SampledValue{
				Value:     formatValue(power / divider),
				Context:   opts.Context,
				Measurand: v16.MeasurandPowerActiveImport,
				Unit:      powerUnit,
			},
			v16.SampledValue{
				Value:     formatValue(power / info.VoltageOut),
				Context:   opts.Context,
				Measurand: v16.MeasurandCurrentImport,
				Unit:      v16.UnitA,
			},
		)
		return mv
	}

	// AC 3-phase expansion.
	if opts.MainVoltage {
		mv.SampledValue = append(mv.SampledValue, v16.SampledValue{
			Value:     formatValue(fluctuate(info.VoltageOut, 1)),
			Context:   opts.Context,
			Measurand: v16.MeasurandVoltage,
			Unit:      v16.UnitV,
		})
	}
	lineToNeutral := [3]v16.Phase{v16.PhaseL1N, v16.PhaseL2N, v16.PhaseL3N}
	for _, phase := range lineToNeutral {
		mv.SampledValue = append(mv.SampledValue, v16.SampledValue{
			Value:     formatValue(fluctuate(info.VoltageOut, 1)),
			Context:   opts.Context,
			Measurand: v16.MeasurandVoltage,
			Phase:     phase,
			Unit:      v16.UnitV,
		})
	}
	if opts.PhaseLineToLine {
		lineVoltage := info.VoltageOut * math.Sqrt(3)
		for _, phase := range [3]v16.Phase{v16.PhaseL1L2, v16.PhaseL2L3, v16.PhaseL3L1} {
			mv.SampledValue = append(mv.SampledValue, v16.SampledValue{
				Value:     formatValue(fluctuate(lineVoltage, 1)),
				Context:   opts.Context,
				Measurand: v16.MeasurandVoltage,
				Phase:     phase,
				Unit:      v16.UnitV,
			})
		}
	}

	perPhasePower := power / float64(info.NumberOfPhases)
	for _, phase := range [3]v16.Phase{v16.PhaseL1, v16.PhaseL2, v16.PhaseL3} {
		mv.SampledValue = append(mv.SampledValue, v16.SampledValue{
			Value:     formatValue(fluctuate(perPhasePower, pct) / divider),
			Context:   opts.Context,
			Measurand: v16.MeasurandPowerActiveImport,
			Phase:     phase,
			Unit:      powerUnit,
		})
	}
	perPhaseCurrent := perPhasePower / info.VoltageOut
	for _, phase := range [3]v16.Phase{v16.PhaseL1, v16.PhaseL2, v16.PhaseL3} {
		mv.SampledValue = append(mv.SampledValue, v16.SampledValue{
			Value:     formatValue(fluctuate(perPhaseCurrent, pct)),
			Context:   opts.Context,
			Measurand: v16.MeasurandCurrentImport,
			Phase:     phase,
			Unit:      v16.UnitA,
		})
	}

	return mv
}
