package station

import (
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"sync"

	"github.com/hubertsui/e-mobility-charging-stations-simulator/internal/template"
)

// ATGStatus is the persisted counter set of one connector's automatic
// transaction generator run.
type ATGStatus struct {
	ConnectorID                      int    `json:"connectorId"`
	Start                            bool   `json:"start"`
	StartDate                        int64  `json:"startDate,omitempty"`
	LastRunDate                      int64  `json:"lastRunDate,omitempty"`
	StopDate                         int64  `json:"stopDate,omitempty"`
	StoppedDate                      int64  `json:"stoppedDate,omitempty"`
	AuthorizeRequests                uint64 `json:"authorizeRequests"`
	AcceptedAuthorizeRequests        uint64 `json:"acceptedAuthorizeRequests"`
	RejectedAuthorizeRequests        uint64 `json:"rejectedAuthorizeRequests"`
	StartTransactionRequests         uint64 `json:"startTransactionRequests"`
	AcceptedStartTransactionRequests uint64 `json:"acceptedStartTransactionRequests"`
	RejectedStartTransactionRequests uint64 `json:"rejectedStartTransactionRequests"`
	StopTransactionRequests          uint64 `json:"stopTransactionRequests"`
	AcceptedStopTransactionRequests  uint64 `json:"acceptedStopTransactionRequests"`
	RejectedStopTransactionRequests  uint64 `json:"rejectedStopTransactionRequests"`
	SkippedConsecutiveTransactions   uint64 `json:"skippedConsecutiveTransactions"`
	SkippedTransactions              uint64 `json:"skippedTransactions"`
}

// PersistedConfiguration is the on-disk per-station configuration, gated by
// the template's persistence flags. ConnectorsStatus and EvsesStatus are
// mutually exclusive.
type PersistedConfiguration struct {
	ConfigurationHash                     string                     `json:"configurationHash"`
	StationInfo                           *Info                      `json:"stationInfo,omitempty"`
	ConfigurationKey                      []ConfigurationKey         `json:"configurationKey,omitempty"`
	AutomaticTransactionGenerator         *template.ATGConfiguration `json:"automaticTransactionGenerator,omitempty"`
	AutomaticTransactionGeneratorStatuses []ATGStatus                `json:"automaticTransactionGeneratorStatuses,omitempty"`
	ConnectorsStatus                      []*Connector               `json:"connectorsStatus,omitempty"`
	EvsesStatus                           []*EVSE                    `json:"evsesStatus,omitempty"`
}

// configurationHash is the SHA-256 of the canonical JSON of the hash-covered
// sections (station info, configuration keys, ATG configuration).
func configurationHash(cfg *PersistedConfiguration) (string, error) {
	canonical := struct {
		StationInfo                   *Info                      `json:"stationInfo,omitempty"`
		ConfigurationKey              []ConfigurationKey         `json:"configurationKey,omitempty"`
		AutomaticTransactionGenerator *template.ATGConfiguration `json:"automaticTransactionGenerator,omitempty"`
	}{cfg.StationInfo, cfg.ConfigurationKey, cfg.AutomaticTransactionGenerator}

	data, err := json.Marshal(canonical)
	if err != nil {
		return "", fmt.Errorf("failed to hash station configuration: %w", err)
	}
	sum := sha256.Sum256(data)
	return hex.EncodeToString(sum[:]), nil
}

// configFileLocks serializes writes per configuration file across every
// station on the host.
var configFileLocks sync.Map // path -> *sync.Mutex

func lockConfigFile(path string) *sync.Mutex {
	mu, _ := configFileLocks.LoadOrStore(path, &sync.Mutex{})
	return mu.(*sync.Mutex)
}

// LoadPersistedConfiguration reads a station configuration file. A missing
// file yields (nil, nil).
func LoadPersistedConfiguration(path string) (*PersistedConfiguration, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		if errors.Is(err, os.ErrNotExist) {
			return nil, nil
		}
		return nil, fmt.Errorf("failed to read station configuration %s: %w", path, err)
	}
	var cfg PersistedConfiguration
	if err := json.Unmarshal(data, &cfg); err != nil {
		return nil, fmt.Errorf("invalid station configuration %s: %w", path, err)
	}
	return &cfg, nil
}

// SavePersistedConfiguration writes the configuration atomically, skipping
// the write when the configuration hash is unchanged on disk. It reports
// whether a write happened.
func SavePersistedConfiguration(path string, cfg *PersistedConfiguration) (bool, error) {
	hash, err := configurationHash(cfg)
	if err != nil {
		return false, err
	}
	cfg.ConfigurationHash = hash

	mu := lockConfigFile(path)
	mu.Lock()
	defer mu.Unlock()

	if existing, err := LoadPersistedConfiguration(path); err == nil && existing != nil &&
		existing.ConfigurationHash == hash {
		return false, nil
	}

	data, err := json.MarshalIndent(cfg, "", "  ")
	if err != nil {
		return false, fmt.Errorf("failed to encode station configuration: %w", err)
	}

	if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
		return false, fmt.Errorf("failed to create configuration directory: %w", err)
	}

	tmp, err := os.CreateTemp(filepath.Dir(path), filepath.Base(path)+".tmp*")
	if err != nil {
		return false, fmt.Errorf("failed to create configuration temp file: %w", err)
	}
	if _, err := tmp.Write(data); err != nil {
		tmp.Close()
		os.Remove(tmp.Name())
		return false, fmt.Errorf("failed to write station configuration: %w", err)
	}
	if err := tmp.Close(); err != nil {
		os.Remove(tmp.Name())
		return false, fmt.Errorf("failed to close station configuration: %w", err)
	}
	if err := os.Rename(tmp.Name(), path); err != nil {
		os.Remove(tmp.Name())
		return false, fmt.Errorf("failed to replace station configuration: %w", err)
	}
	return true, nil
}
