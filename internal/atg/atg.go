// Package atg generates automatic charging transactions: each enabled
// connector runs a loop of randomized idle delays and transaction durations
// until its configured horizon is reached.
package atg

import (
	"math/rand"
	"sync"
	"time"

	"go.uber.org/zap"

	v16 "github.com/hubertsui/e-mobility-charging-stations-simulator/internal/ocpp/v16"
	"github.com/hubertsui/e-mobility-charging-stations-simulator/internal/station"
)

// Generator drives automatic transactions on one station's connectors.
type Generator struct {
	engine *station.Engine
	log    *zap.Logger

	mu    sync.Mutex
	loops map[int]chan struct{}
	wg    sync.WaitGroup
}

// New builds a generator bound to a station engine and attaches itself as the
// engine's runner.
func New(engine *station.Engine, log *zap.Logger) *Generator {
	g := &Generator{
		engine: engine,
		log:    log.With(zap.String("station", engine.Info().ChargingStationID)),
		loops:  make(map[int]chan struct{}),
	}
	engine.SetATG(g)
	return g
}

// Running reports whether any connector loop is active.
func (g *Generator) Running() bool {
	g.mu.Lock()
	defer g.mu.Unlock()
	return len(g.loops) > 0
}

// Start launches the loop on the listed connectors, or on every connector
// when the list is empty. Already-running loops are left alone.
func (g *Generator) Start(connectorIDs ...int) {
	if g.engine.ATGConfig() == nil {
		g.log.Warn("Automatic transaction generator is not configured")
		return
	}
	if len(connectorIDs) == 0 {
		connectorIDs = g.engine.ConnectorIDs()
	}

	g.mu.Lock()
	defer g.mu.Unlock()
	for _, id := range connectorIDs {
		if _, running := g.loops[id]; running {
			continue
		}
		stop := make(chan struct{})
		g.loops[id] = stop
		g.wg.Add(1)
		go g.connectorLoop(id, stop)
	}
}

// Stop halts the loop on the listed connectors, or on every connector when
// the list is empty, and stops any transaction the loop left running.
func (g *Generator) Stop(connectorIDs ...int) {
	g.mu.Lock()
	if len(connectorIDs) == 0 {
		for id := range g.loops {
			connectorIDs = append(connectorIDs, id)
		}
	}
	for _, id := range connectorIDs {
		if stop, ok := g.loops[id]; ok {
			close(stop)
			delete(g.loops, id)
		}
	}
	g.mu.Unlock()
}

// Wait blocks until every loop has exited.
func (g *Generator) Wait() {
	g.wg.Wait()
}

func nowMillis() int64 {
	return time.Now().UnixMilli()
}

func (g *Generator) connectorLoop(connectorID int, stop chan struct{}) {
	defer g.wg.Done()
	defer func() {
		g.mu.Lock()
		if current, ok := g.loops[connectorID]; ok && current == stop {
			delete(g.loops, connectorID)
		}
		g.mu.Unlock()
	}()

	cfg := g.engine.ATGConfig()
	st := g.engine.ATGStatusFor(connectorID)
	log := g.log.With(zap.Int("connectorId", connectorID))

	previousRun := int64(0)
	if st.StartDate > 0 && st.LastRunDate > st.StartDate {
		previousRun = st.LastRunDate - st.StartDate
	}
	st.Start = true
	st.StartDate = nowMillis()
	st.StopDate = st.StartDate + int64(cfg.StopAfterHours*3600*1000) - previousRun

	log.Info("Automatic transaction generator started",
		zap.Int64("stopDate", st.StopDate),
		zap.Float64("stopAfterHours", cfg.StopAfterHours),
	)

	for {
		if nowMillis() >= st.StopDate {
			log.Info("Automatic transaction generator reached its horizon")
			break
		}
		if !g.engine.Started() {
			log.Info("Stopping generator, station is stopped")
			break
		}
		if !g.engine.Registered() {
			if !g.sleepOrStop(stop, time.Second) {
				break
			}
			continue
		}
		if !g.engine.ConnectorAvailable(connectorID) || !g.engine.ChargingStationAvailable() {
			if !g.sleepOrStop(stop, time.Second) {
				break
			}
			continue
		}

		delay := randomRange(cfg.MinDelayBetweenTwoTransactions, cfg.MaxDelayBetweenTwoTransactions)
		if !g.sleepOrStop(stop, time.Duration(delay)*time.Second) {
			break
		}

		st.LastRunDate = nowMillis()
		if !startDrawn(rand.Float64(), cfg.ProbabilityOfStart) {
			st.SkippedConsecutiveTransactions++
			st.SkippedTransactions++
			log.Debug("Skipped transaction start",
				zap.Uint64("skippedConsecutive", st.SkippedConsecutiveTransactions))
			continue
		}

		if !g.runTransaction(connectorID, cfg.RequireAuthorize, cfg.IdTagDistribution, st, stop, log) {
			break
		}
		st.LastRunDate = nowMillis()
	}

	st.Start = false
	st.StoppedDate = nowMillis()
	log.Info("Automatic transaction generator stopped")
}

// runTransaction performs one authorize/start/hold/stop cycle, reporting
// false when the loop should end.
func (g *Generator) runTransaction(connectorID int, requireAuthorize bool, distribution string, st *station.ATGStatus, stop chan struct{}, log *zap.Logger) bool {
	cfg := g.engine.ATGConfig()
	idTag := g.engine.IdTag(distribution, connectorID)

	if requireAuthorize {
		st.AuthorizeRequests++
		ok, err := g.engine.Authorize(connectorID, idTag)
		if err != nil {
			st.RejectedAuthorizeRequests++
			log.Warn("Authorize failed", zap.String("idTag", idTag), zap.Error(err))
			return g.sleepOrStop(stop, time.Second)
		}
		if !ok {
			st.RejectedAuthorizeRequests++
			log.Info("Authorize rejected", zap.String("idTag", idTag))
			return true
		}
		st.AcceptedAuthorizeRequests++
	}

	st.StartTransactionRequests++
	resp, err := g.engine.StartTransaction(connectorID, idTag)
	if err != nil {
		st.RejectedStartTransactionRequests++
		log.Warn("StartTransaction failed", zap.String("idTag", idTag), zap.Error(err))
		return g.sleepOrStop(stop, time.Second)
	}
	if resp.IdTagInfo.Status != v16.AuthorizationAccepted {
		st.RejectedStartTransactionRequests++
		return true
	}
	st.AcceptedStartTransactionRequests++
	st.SkippedConsecutiveTransactions = 0

	duration := randomRange(cfg.MinDuration, cfg.MaxDuration)
	interrupted := !g.sleepOrStop(stop, time.Duration(duration)*time.Second)

	st.StopTransactionRequests++
	if err := g.engine.StopTransaction(resp.TransactionID, v16.ReasonLocal); err != nil {
		st.RejectedStopTransactionRequests++
		log.Warn("StopTransaction failed", zap.Int("transactionId", resp.TransactionID), zap.Error(err))
	} else {
		st.AcceptedStopTransactionRequests++
	}
	return !interrupted
}

func (g *Generator) sleepOrStop(stop chan struct{}, d time.Duration) bool {
	if d <= 0 {
		select {
		case <-stop:
			return false
		default:
			return true
		}
	}
	timer := time.NewTimer(d)
	defer timer.Stop()
	select {
	case <-stop:
		return false
	case <-timer.C:
		return true
	}
}

// randomRange draws a whole number of seconds in [min, max].
func randomRange(min, max int) int {
	if max <= min {
		return min
	}
	return min + rand.Intn(max-min+1)
}

// startDrawn decides one transaction draw. A probability of 0 never starts
// and a probability of 1 always does.
func startDrawn(draw, probability float64) bool {
	return draw < probability
}
