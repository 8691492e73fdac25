package metrics

import (
	"database/sql"

	"github.com/prometheus/client_golang/prometheus/collectors"
)

// RegisterDB exports connection pool statistics for db under the given name.
// It is safe to call once per database handle.
func RegisterDB(db *sql.DB, name string) error {
	if db == nil {
		return nil
	}
	return Registry.Register(collectors.NewDBStatsCollector(db, name))
}

// PoolStats is the JSON view of a connection pool served by the health endpoint.
type PoolStats struct {
	OpenConnections int   `json:"open_connections"`
	InUse           int   `json:"in_use"`
	Idle            int   `json:"idle"`
	WaitCount       int64 `json:"wait_count"`
	WaitDurationMS  int64 `json:"wait_duration_ms"`
}

// DBPoolStats reads pool statistics from db.
func DBPoolStats(db *sql.DB) PoolStats {
	if db == nil {
		return PoolStats{}
	}
	s := db.Stats()
	return PoolStats{
		OpenConnections: s.OpenConnections,
		InUse:           s.InUse,
		Idle:            s.Idle,
		WaitCount:       s.WaitCount,
		WaitDurationMS:  s.WaitDuration.Milliseconds(),
	}
}

