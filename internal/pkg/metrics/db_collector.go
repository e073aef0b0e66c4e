package metrics

import (
	"database/sql"

	"github.com/jackc/pgx/v5/pgxpool"
)

// RecordDBPoolMetrics samples a pgx pool.
func RecordDBPoolMetrics(pool *pgxpool.Pool) {
	stats := pool.Stat()
	setPool("postgres", float64(stats.AcquiredConns()), float64(stats.IdleConns()), float64(stats.MaxConns()))
}

// RecordSQLDBMetrics samples a database/sql handle, used for SQLite.
func RecordSQLDBMetrics(db *sql.DB) {
	stats := db.Stats()
	setPool("sqlite", float64(stats.InUse), float64(stats.Idle), float64(stats.MaxOpenConnections))
}

func setPool(driver string, inUse, idle, limit float64) {
	DBPoolConnections.WithLabelValues(driver, "in_use").Set(inUse)
	DBPoolConnections.WithLabelValues(driver, "idle").Set(idle)
	DBPoolConnections.WithLabelValues(driver, "max").Set(limit)
}
