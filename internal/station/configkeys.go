package station

import (
	"strings"
	"sync"
)

// Well-known OCPP configuration keys the engine reads or installs.
const (
	KeyHeartbeatInterval         = "HeartbeatInterval"
	KeyHeartBeatInterval         = "HeartBeatInterval" // legacy spelling, kept hidden for wire compatibility
	KeySupportedFeatureProfiles  = "SupportedFeatureProfiles"
	KeyNumberOfConnectors        = "NumberOfConnectors"
	KeyMeterValuesSampledData    = "MeterValuesSampledData"
	KeyMeterValueSampleInterval  = "MeterValueSampleInterval"
	KeyConnectorPhaseRotation    = "ConnectorPhaseRotation"
	KeyAuthorizeRemoteTxRequests = "AuthorizeRemoteTxRequests"
	KeyLocalAuthListEnabled      = "LocalAuthListEnabled"
	KeyConnectionTimeOut         = "ConnectionTimeOut"
	KeyWebSocketPingInterval     = "WebSocketPingInterval"
)

// ConfigurationKey is one entry of the per-station OCPP configuration store.
type ConfigurationKey struct {
	Key      string `json:"key"`
	Value    string `json:"value"`
	Readonly bool   `json:"readonly"`
	Visible  bool   `json:"visible"`
	Reboot   bool   `json:"reboot"`
}

// ConfigKeys is an insertion-ordered OCPP configuration key store with
// case-sensitive and case-insensitive lookup. Incoming CALL handlers mutate
// it while timer goroutines read it, so access is guarded internally.
type ConfigKeys struct {
	mu   sync.RWMutex
	keys []ConfigurationKey
}

// NewConfigKeys returns an empty store.
func NewConfigKeys() *ConfigKeys {
	return &ConfigKeys{}
}

func (ck *ConfigKeys) index(key string, caseInsensitive bool) int {
	for i := range ck.keys {
		if ck.keys[i].Key == key {
			return i
		}
		if caseInsensitive && strings.EqualFold(ck.keys[i].Key, key) {
			return i
		}
	}
	return -1
}

// Get looks up a key. The returned entry is a detached copy; updates go
// through Set or Add.
func (ck *ConfigKeys) Get(key string, caseInsensitive bool) (*ConfigurationKey, bool) {
	ck.mu.RLock()
	defer ck.mu.RUnlock()
	i := ck.index(key, caseInsensitive)
	if i < 0 {
		return nil, false
	}
	k := ck.keys[i]
	return &k, true
}

// Value returns the value of a key, or the given default when absent.
func (ck *ConfigKeys) Value(key, fallback string) string {
	if k, ok := ck.Get(key, false); ok {
		return k.Value
	}
	return fallback
}

// Add inserts a key, preserving insertion order. When the key exists, it is
// left untouched unless overwrite is set; adding an existing key without
// overwrite reports false.
func (ck *ConfigKeys) Add(k ConfigurationKey, overwrite bool) bool {
	ck.mu.Lock()
	defer ck.mu.Unlock()
	if i := ck.index(k.Key, false); i >= 0 {
		if !overwrite {
			return false
		}
		ck.keys[i] = k
		return true
	}
	ck.keys = append(ck.keys, k)
	return true
}

// AddDefault installs a key only if absent (visible, writable, no reboot).
func (ck *ConfigKeys) AddDefault(key, value string) {
	ck.Add(ConfigurationKey{Key: key, Value: value, Visible: true}, false)
}

// Set updates the value of an existing key, reporting whether it existed.
func (ck *ConfigKeys) Set(key, value string) bool {
	ck.mu.Lock()
	defer ck.mu.Unlock()
	i := ck.index(key, false)
	if i < 0 {
		return false
	}
	ck.keys[i].Value = value
	return true
}

// Delete removes a key, reporting whether it existed.
func (ck *ConfigKeys) Delete(key string, caseInsensitive bool) bool {
	ck.mu.Lock()
	defer ck.mu.Unlock()
	i := ck.index(key, caseInsensitive)
	if i < 0 {
		return false
	}
	ck.keys = append(ck.keys[:i], ck.keys[i+1:]...)
	return true
}

// All returns a copy of every entry in insertion order.
func (ck *ConfigKeys) All() []ConfigurationKey {
	ck.mu.RLock()
	defer ck.mu.RUnlock()
	out := make([]ConfigurationKey, len(ck.keys))
	copy(out, ck.keys)
	return out
}

// VisibleKeys returns a copy of the entries exposed over GetConfiguration.
func (ck *ConfigKeys) VisibleKeys() []ConfigurationKey {
	ck.mu.RLock()
	defer ck.mu.RUnlock()
	out := make([]ConfigurationKey, 0, len(ck.keys))
	for _, k := range ck.keys {
		if k.Visible {
			out = append(out, k)
		}
	}
	return out
}

// Replace swaps the whole key set, used when restoring a persisted
// configuration.
func (ck *ConfigKeys) Replace(keys []ConfigurationKey) {
	ck.mu.Lock()
	defer ck.mu.Unlock()
	ck.keys = make([]ConfigurationKey, len(keys))
	copy(ck.keys, keys)
}

// Len returns the number of stored keys.
func (ck *ConfigKeys) Len() int {
	ck.mu.RLock()
	defer ck.mu.RUnlock()
	return len(ck.keys)
}
