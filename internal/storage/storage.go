// Package storage persists performance records produced by the simulator to
// a configurable backend.
package storage

import (
	"context"
	"fmt"
	"time"

	"go.uber.org/zap"

	"github.com/hubertsui/e-mobility-charging-stations-simulator/pkg/config"
)

// PerformanceRecord is one timed OCPP command measurement.
type PerformanceRecord struct {
	StationID   string        `json:"stationId" bson:"station_id"`
	HashID      string        `json:"hashId" bson:"hash_id"`
	Command     string        `json:"command" bson:"command"`
	Direction   string        `json:"direction" bson:"direction"`
	Duration    time.Duration `json:"durationNs" bson:"duration_ns"`
	Failed      bool          `json:"failed" bson:"failed"`
	ErrorCode   string        `json:"errorCode,omitempty" bson:"error_code,omitempty"`
	Timestamp   time.Time     `json:"timestamp" bson:"timestamp"`
}

// PerformanceStorage is the sink performance records are appended to. Write
// failures are non-fatal for the caller and must only be logged.
type PerformanceStorage interface {
	Store(ctx context.Context, record PerformanceRecord) error
	Close(ctx context.Context) error
}

// New builds the storage backend selected by the configuration.
func New(cfg config.StorageConfig, log *zap.Logger) (PerformanceStorage, error) {
	if !cfg.Enabled {
		return NopStorage{}, nil
	}
	switch cfg.Type {
	case config.StorageNone:
		return NopStorage{}, nil
	case config.StorageJSONFile:
		return NewJSONFileStorage(cfg.File, log)
	case config.StorageMongoDB:
		return NewMongoStorage(cfg.URI, cfg.Database, log)
	default:
		return nil, fmt.Errorf("unknown performance storage type %q", cfg.Type)
	}
}

// NopStorage discards every record.
type NopStorage struct{}

func (NopStorage) Store(context.Context, PerformanceRecord) error { return nil }
func (NopStorage) Close(context.Context) error                    { return nil }
