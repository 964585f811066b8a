package config

import "time"

// Config is the top-level simulator configuration.
type Config struct {
	SupervisionUrls            []string             `mapstructure:"supervision_urls"`
	SupervisionURLDistribution string               `mapstructure:"supervision_url_distribution"`
	StationTemplateUrls        []StationTemplateURL `mapstructure:"station_template_urls"`
	AutoReconnectMaxRetries    int                  `mapstructure:"auto_reconnect_max_retries"`
	Worker                     WorkerConfig         `mapstructure:"worker"`
	UIServer                   UIServerConfig       `mapstructure:"ui_server"`
	PerformanceStorage         StorageConfig        `mapstructure:"performance_storage"`
	Log                        LogConfig            `mapstructure:"log"`
}

// StationTemplateURL binds a station template file to the number of stations
// spawned from it.
type StationTemplateURL struct {
	File             string `mapstructure:"file"`
	NumberOfStations int    `mapstructure:"number_of_stations"`
}

// Supervision URL distribution policies.
const (
	DistributionRoundRobin              = "ROUND_ROBIN"
	DistributionRandom                  = "RANDOM"
	DistributionChargingStationAffinity = "CHARGING_STATION_AFFINITY"
)

// Worker process modes.
const (
	WorkerModeSet         = "workerSet"
	WorkerModeStaticPool  = "staticPool"
	WorkerModeDynamicPool = "dynamicPool"
)

// WorkerConfig controls how station instances are spread across worker hosts.
type WorkerConfig struct {
	Mode                string        `mapstructure:"mode"`
	ElementsPerWorker   int           `mapstructure:"elements_per_worker"`
	PoolMinSize         int           `mapstructure:"pool_min_size"`
	PoolMaxSize         int           `mapstructure:"pool_max_size"`
	PoolMaxInactiveTime time.Duration `mapstructure:"pool_max_inactive_time"`
	WorkerStartDelay    time.Duration `mapstructure:"worker_start_delay"`
	ElementStartDelay   time.Duration `mapstructure:"element_start_delay"`
	RestartOnError      bool          `mapstructure:"restart_worker_on_error"`
}

// UI server application protocols.
const (
	ProtocolWS   = "ws"
	ProtocolHTTP = "http"
)

// UIServerConfig controls the control-plane endpoint.
type UIServerConfig struct {
	Enabled             bool                 `mapstructure:"enabled"`
	Host                string               `mapstructure:"host"`
	Port                int                  `mapstructure:"port"`
	ApplicationProtocol string               `mapstructure:"application_protocol"`
	Authentication      AuthenticationConfig `mapstructure:"authentication"`
	AssetsPath          string               `mapstructure:"assets_path"`
}

// AuthenticationConfig enables HTTP Basic authentication on the UI server.
type AuthenticationConfig struct {
	Enabled  bool   `mapstructure:"enabled"`
	Username string `mapstructure:"username"`
	Password string `mapstructure:"password"`
}

// Performance storage backends.
const (
	StorageNone     = "none"
	StorageJSONFile = "jsonfile"
	StorageMongoDB  = "mongodb"
)

// StorageConfig selects and parameterizes the performance-records sink.
type StorageConfig struct {
	Enabled  bool   `mapstructure:"enabled"`
	Type     string `mapstructure:"type"`
	URI      string `mapstructure:"uri"`
	Database string `mapstructure:"database"`
	File     string `mapstructure:"file"`
}

// LogConfig controls structured logging.
type LogConfig struct {
	Level  string `mapstructure:"level"`
	Format string `mapstructure:"format"`
	File   string `mapstructure:"file"`
}

// WithDefaults fills unset fields with their documented defaults.
func (c *Config) WithDefaults() *Config {
	if c.SupervisionURLDistribution == "" {
		c.SupervisionURLDistribution = DistributionChargingStationAffinity
	}
	if c.AutoReconnectMaxRetries == 0 {
		c.AutoReconnectMaxRetries = -1
	}
	if c.Worker.Mode == "" {
		c.Worker.Mode = WorkerModeSet
	}
	if c.Worker.ElementsPerWorker <= 0 {
		c.Worker.ElementsPerWorker = 1
	}
	if c.Worker.PoolMinSize <= 0 {
		c.Worker.PoolMinSize = 4
	}
	if c.Worker.PoolMaxSize <= 0 {
		c.Worker.PoolMaxSize = 16
	}
	if c.Worker.PoolMaxInactiveTime <= 0 {
		c.Worker.PoolMaxInactiveTime = time.Minute
	}
	if c.UIServer.Host == "" {
		c.UIServer.Host = "localhost"
	}
	if c.UIServer.Port == 0 {
		c.UIServer.Port = 8080
	}
	if c.UIServer.ApplicationProtocol == "" {
		c.UIServer.ApplicationProtocol = ProtocolWS
	}
	if c.UIServer.AssetsPath == "" {
		c.UIServer.AssetsPath = "./dist"
	}
	if c.PerformanceStorage.Type == "" {
		c.PerformanceStorage.Type = StorageJSONFile
	}
	if c.PerformanceStorage.File == "" {
		c.PerformanceStorage.File = "performanceRecords.json"
	}
	if c.Log.Level == "" {
		c.Log.Level = "info"
	}
	return c
}
