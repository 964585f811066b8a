// Package station implements the per-station protocol engine: WebSocket
// connection lifecycle, OCPP message framing and correlation, connector state,
// transaction handling and meter-value synthesis.
package station

import (
	"fmt"
	"math"
	"math/rand"
	"path/filepath"
	"sort"
	"strconv"
	"strings"
	"sync"
	"time"

	"github.com/go-playground/validator/v10"
	"github.com/gorilla/websocket"
	"go.uber.org/zap"

	"github.com/hubertsui/e-mobility-charging-stations-simulator/internal/idtags"
	"github.com/hubertsui/e-mobility-charging-stations-simulator/internal/ocpp"
	v16 "github.com/hubertsui/e-mobility-charging-stations-simulator/internal/ocpp/v16"
	"github.com/hubertsui/e-mobility-charging-stations-simulator/internal/storage"
	"github.com/hubertsui/e-mobility-charging-stations-simulator/internal/telemetry"
	"github.com/hubertsui/e-mobility-charging-stations-simulator/internal/template"
)

const (
	defaultHeartbeatInterval   = 60 * time.Second
	defaultBootRetryInterval   = 60 * time.Second
	defaultMeterValueInterval  = 60 * time.Second
	defaultResetDelay          = 60 * time.Second
	defaultSupervisionURLKey   = "ConnectionUrl"
	maxReconnectExponent       = 6
)

// ATGRunner drives automatic transactions on the engine's connectors. The
// concrete runner lives in the atg package and is attached by the worker host.
type ATGRunner interface {
	Start(connectorIDs ...int)
	Stop(connectorIDs ...int)
	Running() bool
}

// Options parameterize a station engine.
type Options struct {
	TemplateFile            string
	Index                   int
	Templates               *template.Store
	IdTags                  *idtags.Cache
	Performance             storage.PerformanceStorage
	SupervisionURL          string
	ConfigurationDir        string
	AutoReconnectMaxRetries int
	ResetDelay              time.Duration
	Log                     *zap.Logger
}

// Engine owns one simulated charging station: its OCPP connection, connector
// and EVSE state, configuration keys and transaction generator handle.
type Engine struct {
	log  *zap.Logger
	opts Options

	tmpl        *template.Template
	info        *Info
	ocppConfig  *ConfigKeys
	connectors  map[int]*Connector
	evses       map[int]*EVSE
	atgConfig   *template.ATGConfiguration
	atgStatuses map[int]*ATGStatus

	validate *validator.Validate
	service  ocppService

	mu                  sync.Mutex
	started             bool
	starting            bool
	stopping            bool
	registered          bool
	bootResponse        *v16.BootNotificationResponse
	heartbeatInterval   time.Duration
	firmwareStatus      v16.FirmwareStatus
	midFirmwareInstall  bool
	runningTransactions int
	supervisionURL      string

	connMu                  sync.Mutex
	conn                    *websocket.Conn
	connGeneration          int
	wsConnectionRestarted   bool
	autoReconnectRetryCount int

	cache  *requestCache
	buffer *messageBuffer

	timersMu      sync.Mutex
	heartbeatStop chan struct{}
	pingStop      chan struct{}
	meterStops    map[int]chan struct{}

	atgMu sync.Mutex
	atg   ATGRunner

	wg sync.WaitGroup
}

// New loads the station template, merges any persisted configuration and
// returns an initialized, stopped engine.
func New(opts Options) (*Engine, error) {
	if opts.Log == nil {
		opts.Log = zap.NewNop()
	}
	if opts.ResetDelay <= 0 {
		opts.ResetDelay = defaultResetDelay
	}
	e := &Engine{
		opts:       opts,
		validate:   validator.New(),
		cache:      newRequestCache(),
		buffer:     newMessageBuffer(),
		meterStops: make(map[int]chan struct{}),
	}
	if err := e.initialize(); err != nil {
		return nil, err
	}
	return e, nil
}

// initialize (re)builds station state from the template and the persisted
// configuration, installs default OCPP keys and persists the result when it
// changed.
func (e *Engine) initialize() error {
	tmpl, hash, err := e.opts.Templates.Load(e.opts.TemplateFile)
	if err != nil {
		return err
	}
	e.tmpl = tmpl
	e.info = NewInfo(tmpl, e.opts.TemplateFile, hash, e.opts.Index)
	e.log = e.opts.Log.With(zap.String("station", e.info.ChargingStationID))
	e.ocppConfig = NewConfigKeys()
	e.atgConfig = tmpl.AutomaticTransactionGenerator
	e.atgStatuses = make(map[int]*ATGStatus)
	e.firmwareStatus = v16.FirmwareIdle
	e.supervisionURL = e.pickSupervisionURL()

	switch e.info.OCPPVersion {
	case ocpp.Version201:
		e.service = &service201{}
	default:
		e.service = &service16{}
	}

	persisted, err := LoadPersistedConfiguration(e.configurationPath())
	if err != nil {
		return err
	}
	templateChanged := persisted == nil || persisted.StationInfo == nil ||
		persisted.StationInfo.TemplateHash != e.info.TemplateHash

	if templateChanged {
		e.materializeFromTemplate()
	} else {
		e.restorePersisted(persisted)
	}

	e.installDefaultKeys()
	for _, id := range e.ConnectorIDs() {
		if _, ok := e.atgStatuses[id]; !ok {
			e.atgStatuses[id] = &ATGStatus{ConnectorID: id}
		}
	}

	if _, err := e.persistConfiguration(); err != nil {
		return err
	}

	e.log.Info("Station initialized",
		zap.String("hashId", e.info.HashID[:12]),
		zap.String("ocppVersion", string(e.info.OCPPVersion)),
		zap.Int("connectors", len(e.ConnectorIDs())),
		zap.Float64("maximumPowerW", e.info.MaximumPower),
	)
	return nil
}

func (e *Engine) materializeFromTemplate() {
	e.connectors = nil
	e.evses = nil

	if len(e.tmpl.Evses) > 0 {
		e.evses = make(map[int]*EVSE)
		nextConnector := 1
		evseIDs := sortedKeys(e.tmpl.Evses)
		for _, key := range evseIDs {
			id, err := strconv.Atoi(key)
			if err != nil {
				e.log.Warn("Skipping EVSE with non-numeric id", zap.String("id", key))
				continue
			}
			evse := &EVSE{ID: id, Availability: AvailabilityOperative, Connectors: make(map[int]*Connector)}
			ct := e.tmpl.Evses[key]
			for _, ckey := range sortedKeys(ct.Connectors) {
				tmplConn := ct.Connectors[ckey]
				c := newConnector(nextConnector, tmplConn.BootStatus, tmplConn.SupportsSoC)
				evse.Connectors[nextConnector] = c
				nextConnector++
			}
			e.evses[id] = evse
		}
		return
	}

	e.connectors = make(map[int]*Connector)
	if e.tmpl.UseConnectorID0 {
		e.connectors[0] = newConnector(0, "", false)
	}
	if len(e.tmpl.Connectors) > 0 {
		templateIDs := make([]int, 0, len(e.tmpl.Connectors))
		for key := range e.tmpl.Connectors {
			if id, err := strconv.Atoi(key); err == nil && id > 0 {
				templateIDs = append(templateIDs, id)
			}
		}
		sort.Ints(templateIDs)
		count := e.tmpl.NumberOfConnectors
		if count <= 0 {
			count = len(templateIDs)
		}
		for i := 1; i <= count; i++ {
			src := templateIDs[(i-1)%len(templateIDs)]
			if e.tmpl.RandomConnectors {
				src = templateIDs[rand.Intn(len(templateIDs))]
			}
			tmplConn := e.tmpl.Connectors[strconv.Itoa(src)]
			e.connectors[i] = newConnector(i, tmplConn.BootStatus, tmplConn.SupportsSoC)
		}
		return
	}
	for i := 1; i <= e.tmpl.NumberOfConnectors; i++ {
		e.connectors[i] = newConnector(i, "", false)
	}
}

func (e *Engine) restorePersisted(persisted *PersistedConfiguration) {
	e.materializeFromTemplate()

	if e.ocppPersistent() && len(persisted.ConfigurationKey) > 0 {
		e.ocppConfig.Replace(persisted.ConfigurationKey)
	}
	if e.atgPersistent() {
		if persisted.AutomaticTransactionGenerator != nil {
			e.atgConfig = persisted.AutomaticTransactionGenerator
		}
		for i := range persisted.AutomaticTransactionGeneratorStatuses {
			st := persisted.AutomaticTransactionGeneratorStatuses[i]
			e.atgStatuses[st.ConnectorID] = &st
		}
	}
	// Carry cumulative energy registers across restarts.
	for _, saved := range persisted.ConnectorsStatus {
		if c, ok := e.connectors[saved.ID]; ok {
			c.EnergyActiveImportRegister = saved.EnergyActiveImportRegister
			c.Availability = saved.Availability
		}
	}
	for _, savedEvse := range persisted.EvsesStatus {
		evse, ok := e.evses[savedEvse.ID]
		if !ok {
			continue
		}
		evse.Availability = savedEvse.Availability
		for id, saved := range savedEvse.Connectors {
			if c, ok := evse.Connectors[id]; ok {
				c.EnergyActiveImportRegister = saved.EnergyActiveImportRegister
				c.Availability = saved.Availability
			}
		}
	}
}

func (e *Engine) installDefaultKeys() {
	if e.tmpl.Configuration != nil {
		for _, k := range e.tmpl.Configuration.ConfigurationKey {
			visible := k.Visible == nil || *k.Visible
			e.ocppConfig.Add(ConfigurationKey{
				Key: k.Key, Value: k.Value, Readonly: k.Readonly,
				Visible: visible, Reboot: k.Reboot,
			}, false)
		}
	}

	e.ocppConfig.AddDefault(KeyHeartbeatInterval, "0")
	// Legacy misspelled duplicate kept hidden for wire compatibility.
	e.ocppConfig.Add(ConfigurationKey{Key: KeyHeartBeatInterval, Value: "0", Visible: false}, false)
	e.ocppConfig.AddDefault(KeySupportedFeatureProfiles,
		"Core,FirmwareManagement,LocalAuthListManagement,SmartCharging,RemoteTrigger,Reservation")
	e.ocppConfig.Add(ConfigurationKey{
		Key: KeyNumberOfConnectors, Value: strconv.Itoa(len(e.ConnectorIDs())),
		Readonly: true, Visible: true,
	}, true)
	e.ocppConfig.AddDefault(KeyMeterValuesSampledData, string(v16.MeasurandEnergyActiveImportRegister))
	e.ocppConfig.AddDefault(KeyConnectorPhaseRotation, e.defaultPhaseRotation())
	e.ocppConfig.AddDefault(KeyAuthorizeRemoteTxRequests, "true")
	e.ocppConfig.AddDefault(KeyConnectionTimeOut, strconv.Itoa(defaultConnectionTimeout))
	if _, ok := e.ocppConfig.Get(KeyLocalAuthListEnabled, false); !ok {
		e.ocppConfig.AddDefault(KeyLocalAuthListEnabled, "false")
	}
	if e.tmpl.SupervisionURLOcppConfiguration {
		e.ocppConfig.AddDefault(e.supervisionURLKey(), e.supervisionURL)
	}
}

func (e *Engine) defaultPhaseRotation() string {
	ids := e.ConnectorIDs()
	rotations := make([]string, 0, len(ids))
	for _, id := range ids {
		if e.info.NumberOfPhases == 1 || e.info.CurrentOutType == CurrentDC {
			rotations = append(rotations, fmt.Sprintf("%d.NotApplicable", id))
		} else {
			rotations = append(rotations, fmt.Sprintf("%d.RST", id))
		}
	}
	return strings.Join(rotations, ",")
}

func (e *Engine) supervisionURLKey() string {
	if e.tmpl.SupervisionURLOcppKey != "" {
		return e.tmpl.SupervisionURLOcppKey
	}
	return defaultSupervisionURLKey
}

func (e *Engine) pickSupervisionURL() string {
	if len(e.tmpl.SupervisionUrls) > 0 {
		return e.tmpl.SupervisionUrls[(e.opts.Index-1)%len(e.tmpl.SupervisionUrls)]
	}
	return e.opts.SupervisionURL
}

func (e *Engine) configurationPath() string {
	return filepath.Join(e.opts.ConfigurationDir, e.info.HashID+".json")
}

func (e *Engine) ocppPersistent() bool {
	return e.tmpl.OcppPersistentConfiguration == nil || *e.tmpl.OcppPersistentConfiguration
}

func (e *Engine) stationInfoPersistent() bool {
	return e.tmpl.StationInfoPersistentConfiguration == nil || *e.tmpl.StationInfoPersistentConfiguration
}

func (e *Engine) atgPersistent() bool {
	return e.tmpl.AutomaticTransactionGeneratorPersistentConfiguration == nil ||
		*e.tmpl.AutomaticTransactionGeneratorPersistentConfiguration
}

func (e *Engine) persistConfiguration() (bool, error) {
	cfg := &PersistedConfiguration{}
	if e.stationInfoPersistent() {
		cfg.StationInfo = e.info
	}
	if e.ocppPersistent() {
		cfg.ConfigurationKey = e.ocppConfig.All()
	}
	if e.atgPersistent() {
		cfg.AutomaticTransactionGenerator = e.atgConfig
		for _, id := range e.ConnectorIDs() {
			if st, ok := e.atgStatuses[id]; ok {
				cfg.AutomaticTransactionGeneratorStatuses = append(cfg.AutomaticTransactionGeneratorStatuses, *st)
			}
		}
	}
	if e.evses != nil {
		for _, id := range sortedIntKeys(e.evses) {
			cfg.EvsesStatus = append(cfg.EvsesStatus, e.evses[id])
		}
	} else {
		for _, id := range sortedIntKeys(e.connectors) {
			cfg.ConnectorsStatus = append(cfg.ConnectorsStatus, e.connectors[id])
		}
	}
	return SavePersistedConfiguration(e.configurationPath(), cfg)
}

// --- Accessors ---

// Info returns the station's identity.
func (e *Engine) Info() *Info { return e.info }

// HashID returns the station's content-addressed identity.
func (e *Engine) HashID() string { return e.info.HashID }

// ATGConfig returns the effective transaction generator configuration, nil
// when the template declares none.
func (e *Engine) ATGConfig() *template.ATGConfiguration { return e.atgConfig }

// ATGStatusFor returns the persisted ATG counters of a connector.
func (e *Engine) ATGStatusFor(connectorID int) *ATGStatus {
	e.mu.Lock()
	defer e.mu.Unlock()
	st, ok := e.atgStatuses[connectorID]
	if !ok {
		st = &ATGStatus{ConnectorID: connectorID}
		e.atgStatuses[connectorID] = st
	}
	return st
}

// IdTag issues an id tag for a connector under the template's distribution.
func (e *Engine) IdTag(distribution string, connectorID int) string {
	if e.tmpl.IdTagsFile == "" {
		return fmt.Sprintf("%s-%d", e.info.ChargingStationID, connectorID)
	}
	tag, err := e.opts.IdTags.Next(e.tmpl.IdTagsFile, distribution, connectorID)
	if err != nil {
		e.log.Warn("Failed to issue id tag", zap.Error(err))
		return fmt.Sprintf("%s-%d", e.info.ChargingStationID, connectorID)
	}
	return tag
}

// Connector returns the connector with the given id, searching EVSEs when the
// template uses the 2.0 topology.
func (e *Engine) Connector(id int) *Connector {
	if e.evses != nil {
		for _, evse := range e.evses {
			if c, ok := evse.Connectors[id]; ok {
				return c
			}
		}
		return nil
	}
	return e.connectors[id]
}

// ConnectorIDs returns every real connector id in ascending order, excluding
// the station-global pseudo-connector 0.
func (e *Engine) ConnectorIDs() []int {
	var ids []int
	if e.evses != nil {
		for _, evse := range e.evses {
			for id := range evse.Connectors {
				ids = append(ids, id)
			}
		}
	} else {
		for id := range e.connectors {
			if id > 0 {
				ids = append(ids, id)
			}
		}
	}
	sort.Ints(ids)
	return ids
}

func (e *Engine) evseOf(connectorID int) *EVSE {
	for _, evse := range e.evses {
		if _, ok := evse.Connectors[connectorID]; ok {
			return evse
		}
	}
	return nil
}

// Started reports whether the station lifecycle is running.
func (e *Engine) Started() bool {
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.started
}

// Registered reports whether the CSMS accepted the boot notification.
func (e *Engine) Registered() bool {
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.registered
}

// ChargingStationAvailable reports whether the station-global connector (0)
// is operative.
func (e *Engine) ChargingStationAvailable() bool {
	if c, ok := e.connectors[0]; ok {
		return c.Availability == AvailabilityOperative
	}
	return true
}

// ConnectorAvailable reports whether a connector is operative.
func (e *Engine) ConnectorAvailable(id int) bool {
	c := e.Connector(id)
	if c == nil {
		return false
	}
	if e.evses != nil {
		if evse := e.evseOf(id); evse != nil && evse.Availability != AvailabilityOperative {
			return false
		}
	}
	return c.Availability == AvailabilityOperative
}

func (e *Engine) currentPowerDivider() int {
	if e.tmpl.PowerSharedByConnectors {
		if e.runningTransactions > 0 {
			return e.runningTransactions
		}
		return 1
	}
	if e.evses != nil {
		if n := len(e.evses); n > 0 {
			return n
		}
		return 1
	}
	if n := len(e.ConnectorIDs()); n > 0 {
		return n
	}
	return 1
}

// SetATG attaches the automatic transaction generator runner.
func (e *Engine) SetATG(r ATGRunner) {
	e.atgMu.Lock()
	defer e.atgMu.Unlock()
	e.atg = r
}

func (e *Engine) atgRunner() ATGRunner {
	e.atgMu.Lock()
	defer e.atgMu.Unlock()
	return e.atg
}

// StartATG starts the transaction generator on the listed connectors, or on
// every connector when the list is empty.
func (e *Engine) StartATG(connectorIDs ...int) error {
	r := e.atgRunner()
	if r == nil {
		return fmt.Errorf("station %s has no automatic transaction generator", e.info.ChargingStationID)
	}
	r.Start(connectorIDs...)
	return nil
}

// StopATG stops the transaction generator on the listed connectors, or on
// every connector when the list is empty.
func (e *Engine) StopATG(connectorIDs ...int) error {
	r := e.atgRunner()
	if r == nil {
		return fmt.Errorf("station %s has no automatic transaction generator", e.info.ChargingStationID)
	}
	r.Stop(connectorIDs...)
	return nil
}

func sortedKeys[V any](m map[string]V) []string {
	keys := make([]string, 0, len(m))
	for k := range m {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	return keys
}

func sortedIntKeys[V any](m map[int]V) []int {
	keys := make([]int, 0, len(m))
	for k := range m {
		keys = append(keys, k)
	}
	sort.Ints(keys)
	return keys
}

// --- Lifecycle ---

// Start begins the station lifecycle: connect, boot, message sequence.
func (e *Engine) Start() error {
	e.mu.Lock()
	if e.started || e.starting {
		e.mu.Unlock()
		return fmt.Errorf("station %s already started", e.info.ChargingStationID)
	}
	e.starting = true
	if e.tmpl.AutoRegister {
		e.registered = true
	}
	e.mu.Unlock()

	if err := e.OpenConnection(); err != nil {
		e.mu.Lock()
		e.starting = false
		e.mu.Unlock()
		return err
	}

	e.mu.Lock()
	e.starting = false
	e.started = true
	e.mu.Unlock()
	telemetry.StationsRunning.Inc()
	return nil
}

// Stop ends the station lifecycle: stop the ATG, stop outstanding
// transactions, cancel timers and close the socket.
func (e *Engine) Stop(reason v16.Reason) error {
	e.mu.Lock()
	if !e.started || e.stopping {
		e.mu.Unlock()
		return fmt.Errorf("station %s not started", e.info.ChargingStationID)
	}
	e.stopping = true
	e.mu.Unlock()

	if r := e.atgRunner(); r != nil && r.Running() {
		r.Stop()
	}

	if reason == "" {
		reason = v16.ReasonLocal
	}
	for _, id := range e.ConnectorIDs() {
		c := e.Connector(id)
		if c != nil && c.TransactionStarted {
			if err := e.StopTransaction(c.TransactionID, reason); err != nil {
				e.log.Warn("Failed to stop transaction on shutdown",
					zap.Int("connectorId", id), zap.Error(err))
			}
		}
	}

	e.stopHeartbeat()
	e.stopPing()
	e.stopAllMeterValues()
	e.CloseConnection()
	e.cache.cancelAll(ocpp.NewError(ocpp.ErrorGenericError, "connection closed by station stop"))

	e.mu.Lock()
	e.started = false
	e.stopping = false
	e.registered = false
	e.bootResponse = nil
	e.mu.Unlock()

	if _, err := e.persistConfiguration(); err != nil {
		e.log.Warn("Failed to persist configuration on stop", zap.Error(err))
	}
	telemetry.StationsRunning.Dec()
	e.log.Info("Station stopped", zap.String("reason", string(reason)))
	return nil
}

// Reset stops the station, waits the reset delay, re-initializes from the
// template and starts again.
func (e *Engine) Reset(reason v16.Reason) error {
	if err := e.Stop(reason); err != nil {
		return err
	}
	time.Sleep(e.opts.ResetDelay)
	if err := e.initialize(); err != nil {
		return err
	}
	return e.Start()
}

// --- Connection ---

// OpenConnection dials the supervision URL, closing any previously opened
// socket first.
func (e *Engine) OpenConnection() error {
	e.mu.Lock()
	if !e.started && !e.starting {
		e.mu.Unlock()
		return fmt.Errorf("station %s is not started", e.info.ChargingStationID)
	}
	base := e.supervisionURL
	if e.tmpl.SupervisionURLOcppConfiguration {
		if k, ok := e.ocppConfig.Get(e.supervisionURLKey(), false); ok && k.Value != "" {
			base = k.Value
		}
	}
	e.mu.Unlock()

	wsURL := strings.TrimSuffix(base, "/") + "/" + e.info.ChargingStationID

	handshakeTimeout := time.Duration(e.connectionTimeout()) * time.Second
	if handshakeTimeout > time.Second {
		// One second withdrawn so the reconnect delay stays the pacing bound.
		handshakeTimeout -= time.Second
	}
	dialer := websocket.Dialer{
		Subprotocols:     []string{e.info.OCPPVersion.Subprotocol()},
		HandshakeTimeout: handshakeTimeout,
	}

	conn, _, err := dialer.Dial(wsURL, nil)
	if err != nil {
		return fmt.Errorf("failed to connect to %s: %w", wsURL, err)
	}

	e.connMu.Lock()
	if e.conn != nil {
		e.conn.Close()
	}
	e.conn = conn
	e.connGeneration++
	generation := e.connGeneration
	e.connMu.Unlock()

	e.log.Info("Connected to CSMS",
		zap.String("url", wsURL),
		zap.String("subprotocol", e.info.OCPPVersion.Subprotocol()),
	)

	e.wg.Add(1)
	go e.readLoop(conn, generation)
	go e.bootNotificationSequence(generation)
	return nil
}

// CloseConnection closes the socket with a normal close code.
func (e *Engine) CloseConnection() {
	e.connMu.Lock()
	conn := e.conn
	e.conn = nil
	e.connGeneration++
	e.connMu.Unlock()
	if conn != nil {
		deadline := time.Now().Add(time.Second)
		_ = conn.WriteControl(websocket.CloseMessage,
			websocket.FormatCloseMessage(websocket.CloseNormalClosure, ""), deadline)
		conn.Close()
	}
}

func (e *Engine) connectionTimeout() int {
	if e.tmpl.ConnectionTimeout > 0 {
		return e.tmpl.ConnectionTimeout
	}
	if v, err := strconv.Atoi(e.ocppConfig.Value(KeyConnectionTimeOut, "")); err == nil && v > 0 {
		return v
	}
	return defaultConnectionTimeout
}

func (e *Engine) autoReconnectMaxRetries() int {
	if e.tmpl.AutoReconnectMaxRetries != nil {
		return *e.tmpl.AutoReconnectMaxRetries
	}
	return e.opts.AutoReconnectMaxRetries
}

func (e *Engine) readLoop(conn *websocket.Conn, generation int) {
	defer e.wg.Done()
	for {
		_, data, err := conn.ReadMessage()
		if err != nil {
			e.onConnectionClosed(generation, err)
			return
		}
		e.handleMessage(data)
	}
}

func (e *Engine) onConnectionClosed(generation int, err error) {
	e.connMu.Lock()
	stale := generation != e.connGeneration
	e.connMu.Unlock()
	if stale {
		return
	}

	e.cache.cancelAll(ocpp.NewError(ocpp.ErrorGenericError, "websocket connection closed"))
	e.stopHeartbeat()
	e.stopPing()

	closeCode := websocket.CloseAbnormalClosure
	if ce, ok := err.(*websocket.CloseError); ok {
		closeCode = ce.Code
	}

	e.mu.Lock()
	started := e.started
	stopping := e.stopping
	e.registered = e.registered && e.tmpl.AutoRegister
	e.mu.Unlock()

	if closeCode == websocket.CloseNormalClosure || closeCode == websocket.CloseNoStatusReceived {
		e.connMu.Lock()
		e.autoReconnectRetryCount = 0
		e.connMu.Unlock()
		e.log.Info("Connection closed", zap.Int("code", closeCode))
		return
	}

	e.log.Warn("Connection lost", zap.Int("code", closeCode), zap.Error(err))
	if started && !stopping {
		go e.reconnect()
	}
}

func (e *Engine) reconnect() {
	if cfg := e.atgConfig; cfg != nil && cfg.StopOnConnectionFailure {
		if r := e.atgRunner(); r != nil && r.Running() {
			r.Stop()
		}
	}

	e.connMu.Lock()
	e.autoReconnectRetryCount++
	count := e.autoReconnectRetryCount
	e.wsConnectionRestarted = true
	e.connMu.Unlock()

	max := e.autoReconnectMaxRetries()
	if max == 0 || (max > 0 && count > max) {
		e.log.Error("Reconnect attempts exhausted", zap.Int("retries", count-1))
		return
	}

	var delay time.Duration
	if e.tmpl.ReconnectExponentialDelay {
		exponent := count
		if exponent > maxReconnectExponent {
			exponent = maxReconnectExponent
		}
		delay = time.Duration(math.Pow(2, float64(exponent))) * 500 * time.Millisecond
	} else {
		delay = time.Duration(e.connectionTimeout()) * time.Second
	}

	telemetry.ReconnectsTotal.Inc()
	e.log.Info("Reconnecting",
		zap.Int("attempt", count),
		zap.Duration("delay", delay),
	)
	time.Sleep(delay)

	if !e.Started() {
		return
	}
	if err := e.OpenConnection(); err != nil {
		e.log.Warn("Reconnect failed", zap.Error(err))
		go e.reconnect()
	}
}

// --- Boot sequence ---

func (e *Engine) bootNotificationSequence(generation int) {
	attempts := 0
	maxRetries := -1
	if e.tmpl.RegistrationMaxRetries != nil {
		maxRetries = *e.tmpl.RegistrationMaxRetries
	}

	for {
		e.connMu.Lock()
		stale := generation != e.connGeneration
		e.connMu.Unlock()
		if stale {
			return
		}

		attempts++
		resp, err := e.sendBootNotification()
		if err == nil && resp.Status == v16.RegistrationAccepted {
			e.onRegistered(resp)
			return
		}

		interval := defaultBootRetryInterval
		if err != nil {
			e.log.Warn("BootNotification failed", zap.Error(err))
		} else {
			e.log.Info("BootNotification not accepted",
				zap.String("status", string(resp.Status)),
				zap.Int("interval", resp.Interval),
			)
			if resp.Interval > 0 {
				interval = time.Duration(resp.Interval) * time.Second
			}
		}

		if maxRetries >= 0 && attempts > maxRetries {
			e.log.Error("Registration retries exhausted", zap.Int("attempts", attempts))
			return
		}
		time.Sleep(interval)
	}
}

func (e *Engine) sendBootNotification() (*v16.BootNotificationResponse, error) {
	payload := e.service.bootNotificationRequest(e)
	raw, buffered, ocppErr := e.sendRequest("BootNotification", payload, true)
	if ocppErr != nil {
		return nil, ocppErr
	}
	if buffered {
		return nil, fmt.Errorf("BootNotification cannot be buffered")
	}
	// 1.6 and 2.0.1 boot responses share field names.
	var resp v16.BootNotificationResponse
	if err := e.decodeResponse(raw, &resp); err != nil {
		return nil, err
	}
	return &resp, nil
}

func (e *Engine) onRegistered(resp *v16.BootNotificationResponse) {
	e.mu.Lock()
	e.registered = true
	e.bootResponse = resp
	if resp.Interval > 0 {
		interval := strconv.Itoa(resp.Interval)
		e.ocppConfig.Add(ConfigurationKey{Key: KeyHeartbeatInterval, Value: interval, Visible: true}, true)
		e.ocppConfig.Add(ConfigurationKey{Key: KeyHeartBeatInterval, Value: interval, Visible: false}, true)
		e.heartbeatInterval = time.Duration(resp.Interval) * time.Second
	}
	midInstall := e.midFirmwareInstall
	e.midFirmwareInstall = false
	e.connMu.Lock()
	restarted := e.wsConnectionRestarted
	e.wsConnectionRestarted = false
	e.autoReconnectRetryCount = 0
	e.connMu.Unlock()
	e.mu.Unlock()

	e.log.Info("Registration accepted", zap.Int("heartbeatInterval", resp.Interval))

	e.startHeartbeat()
	e.startPing()

	for _, id := range e.ConnectorIDs() {
		c := e.Connector(id)
		status := e.bootConnectorStatus(c)
		if err := e.SetStatus(id, status); err != nil {
			e.log.Warn("Failed to send boot status", zap.Int("connectorId", id), zap.Error(err))
		}
	}

	if midInstall {
		if err := e.SetFirmwareStatus(v16.FirmwareInstalled); err != nil {
			e.log.Warn("Failed to notify firmware installed", zap.Error(err))
		}
	}

	if cfg := e.atgConfig; cfg != nil && cfg.Enable {
		if r := e.atgRunner(); r != nil && !r.Running() {
			r.Start()
		}
	}

	if restarted {
		e.flushMessageBuffer()
	}
}

func (e *Engine) bootConnectorStatus(c *Connector) v16.ChargePointStatus {
	if c == nil {
		return v16.StatusAvailable
	}
	if c.Availability == AvailabilityInoperative || !e.ChargingStationAvailable() {
		return v16.StatusUnavailable
	}
	if c.BootStatus != "" {
		return c.BootStatus
	}
	if c.TransactionStarted {
		return v16.StatusCharging
	}
	return v16.StatusAvailable
}

func (e *Engine) flushMessageBuffer() {
	entries := e.buffer.drain()
	if len(entries) == 0 {
		return
	}
	e.log.Info("Flushing message buffer", zap.Int("messages", len(entries)))
	for _, entry := range entries {
		if err := e.writeFrame(entry.data); err != nil {
			// Back in the buffer; the next reconnect retries.
			e.buffer.add(entry.id, entry.data)
			e.log.Warn("Failed to flush buffered message", zap.Error(err))
			return
		}
	}
}

// --- Timers ---

func (e *Engine) effectiveHeartbeatInterval() time.Duration {
	if v, err := strconv.Atoi(e.ocppConfig.Value(KeyHeartbeatInterval, "")); err == nil && v > 0 {
		return time.Duration(v) * time.Second
	}
	return defaultHeartbeatInterval
}

func (e *Engine) startHeartbeat() {
	e.timersMu.Lock()
	defer e.timersMu.Unlock()
	if e.heartbeatStop != nil {
		close(e.heartbeatStop)
	}
	stop := make(chan struct{})
	e.heartbeatStop = stop
	interval := e.effectiveHeartbeatInterval()

	go func() {
		ticker := time.NewTicker(interval)
		defer ticker.Stop()
		for {
			select {
			case <-stop:
				return
			case <-ticker.C:
				if _, _, err := e.sendRequest("Heartbeat", e.service.heartbeatRequest(), false); err != nil {
					e.log.Debug("Heartbeat failed", zap.String("error", err.Error()))
				}
			}
		}
	}()
}

func (e *Engine) stopHeartbeat() {
	e.timersMu.Lock()
	defer e.timersMu.Unlock()
	if e.heartbeatStop != nil {
		close(e.heartbeatStop)
		e.heartbeatStop = nil
	}
}

func (e *Engine) webSocketPingInterval() time.Duration {
	if v, err := strconv.Atoi(e.ocppConfig.Value(KeyWebSocketPingInterval, "")); err == nil && v > 0 {
		return time.Duration(v) * time.Second
	}
	if e.tmpl.WebSocketPingInterval > 0 {
		return time.Duration(e.tmpl.WebSocketPingInterval) * time.Second
	}
	return 0
}

func (e *Engine) startPing() {
	interval := e.webSocketPingInterval()
	if interval <= 0 {
		return
	}
	e.timersMu.Lock()
	defer e.timersMu.Unlock()
	if e.pingStop != nil {
		close(e.pingStop)
	}
	stop := make(chan struct{})
	e.pingStop = stop

	go func() {
		ticker := time.NewTicker(interval)
		defer ticker.Stop()
		for {
			select {
			case <-stop:
				return
			case <-ticker.C:
				e.connMu.Lock()
				conn := e.conn
				e.connMu.Unlock()
				if conn != nil {
					_ = conn.WriteControl(websocket.PingMessage, nil, time.Now().Add(time.Second))
				}
			}
		}
	}()
}

func (e *Engine) stopPing() {
	e.timersMu.Lock()
	defer e.timersMu.Unlock()
	if e.pingStop != nil {
		close(e.pingStop)
		e.pingStop = nil
	}
}

func (e *Engine) meterValueInterval() time.Duration {
	if v, err := strconv.Atoi(e.ocppConfig.Value(KeyMeterValueSampleInterval, "")); err == nil && v > 0 {
		return time.Duration(v) * time.Second
	}
	return defaultMeterValueInterval
}

func (e *Engine) startMeterValues(connectorID, transactionID int) {
	interval := e.meterValueInterval()

	e.timersMu.Lock()
	if stop, ok := e.meterStops[connectorID]; ok {
		close(stop)
	}
	stop := make(chan struct{})
	e.meterStops[connectorID] = stop
	e.timersMu.Unlock()

	go func() {
		ticker := time.NewTicker(interval)
		defer ticker.Stop()
		for {
			select {
			case <-stop:
				return
			case <-ticker.C:
				e.sendConnectorMeterValues(connectorID, transactionID, interval)
			}
		}
	}()
}

func (e *Engine) stopMeterValues(connectorID int) {
	e.timersMu.Lock()
	defer e.timersMu.Unlock()
	if stop, ok := e.meterStops[connectorID]; ok {
		close(stop)
		delete(e.meterStops, connectorID)
	}
}

func (e *Engine) stopAllMeterValues() {
	e.timersMu.Lock()
	defer e.timersMu.Unlock()
	for id, stop := range e.meterStops {
		close(stop)
		delete(e.meterStops, id)
	}
}

func (e *Engine) amperageLimit() float64 {
	if e.tmpl.AmperageLimitationOcppKey == "" {
		return 0
	}
	if v, err := strconv.ParseFloat(e.ocppConfig.Value(e.tmpl.AmperageLimitationOcppKey, ""), 64); err == nil && v > 0 {
		return v
	}
	return 0
}

func (e *Engine) meterValueOptionsFor(ctx v16.ReadingContext, interval time.Duration) meterValueOptions {
	e.mu.Lock()
	divider := e.currentPowerDivider()
	e.mu.Unlock()
	// The line voltage sample is emitted unless the template disables it.
	mainVoltage := e.tmpl.MainVoltageMeterValues == nil || *e.tmpl.MainVoltageMeterValues
	return meterValueOptions{
		Context:         ctx,
		Interval:        interval,
		PowerDivider:    divider,
		AmperageLimit:   e.amperageLimit(),
		LimitToCapacity: e.tmpl.CustomValueLimitationMeterValues,
		MainVoltage:     mainVoltage,
		PhaseLineToLine: e.tmpl.PhaseLineToLineVoltageMeterValues,
	}
}

func (e *Engine) sendConnectorMeterValues(connectorID, transactionID int, interval time.Duration) {
	c := e.Connector(connectorID)
	if c == nil || !c.TransactionStarted || c.TransactionID != transactionID {
		return
	}

	opts := e.meterValueOptionsFor(v16.ContextSamplePeriodic, interval)
	e.mu.Lock()
	before := c.TransactionEnergyActiveImportRegister
	mv := buildMeterValue(e.info, c, opts)
	delivered := c.TransactionEnergyActiveImportRegister - before
	e.mu.Unlock()
	if delivered > 0 {
		telemetry.EnergyDeliveredWh.Add(delivered)
	}

	txID := transactionID
	req := v16.MeterValuesRequest{
		ConnectorID:   connectorID,
		TransactionID: &txID,
		MeterValue:    []v16.MeterValue{mv},
	}
	if _, _, err := e.sendRequest("MeterValues", req, false); err != nil {
		e.log.Debug("MeterValues failed", zap.String("error", err.Error()))
	}
}
