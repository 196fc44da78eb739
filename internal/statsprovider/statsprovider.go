// Package statsprovider implements the consumed contract (C4) for reading
// cumulative query execution statistics out of a SQL Server instance. It
// distinguishes transient I/O failures from "this capability doesn't
// exist here" so callers can fall back rather than treat absence as an error.
package statsprovider

import (
	"context"
	"database/sql"
	"errors"
	"strings"
	"sync"
	"time"

	_ "github.com/microsoft/go-mssqldb"
	"go.uber.org/zap"

	"github.com/dbwatch/queryguard/internal/model"
)

// ErrFeatureNotAvailable is the typed "feature not present" signal from §7:
// Query Store views absent, a DMV missing on older engine editions, and
// similar. Upstream falls back silently to the DMV path rather than
// treating this as a transient failure worth retrying.
var ErrFeatureNotAvailable = errors.New("statsprovider: feature not available")

// ErrPermissionDenied is returned when the DMV query is refused for lack of
// permission. The provider does not cache this outcome: the next call
// issues the query again.
var ErrPermissionDenied = errors.New("statsprovider: permission denied")

// RawQueryStats is one row of cumulative counters as read straight from a
// DMV or Query Store view, before fingerprinting or delta computation.
type RawQueryStats struct {
	ServerHash        []byte
	PlanHash          []byte
	QueryStoreQueryID *int64
	QueryStorePlanID  *int64
	SQLText           string
	ExecutionCount    int64
	TotalCPUUs        int64
	TotalDurationUs   int64
	TotalLogicalReads int64
	TotalLogicalWrites int64
	TotalPhysicalReads int64
	LastExecutionUtc  time.Time
}

// OrderBy selects which cumulative counter ranks the top-N query.
type OrderBy string

const (
	OrderByCPU      OrderBy = "cpu"
	OrderByDuration OrderBy = "duration"
	OrderByReads    OrderBy = "reads"
	OrderByExecCount OrderBy = "executions"
)

// StatsProvider is the consumed contract (C4). Implementations must not
// raise for "feature not present"; they fall back to the DMV path
// themselves, using ErrFeatureNotAvailable as the internal signal to do so.
type StatsProvider interface {
	GetTopQueries(ctx context.Context, instanceName, databaseName string, topN int, window model.Window, orderBy OrderBy) ([]RawQueryStats, error)
	IsQueryStoreEnabled(ctx context.Context, instanceName, databaseName string) (bool, error)
}

// SQLServer is the production StatsProvider, one *sql.DB per monitored
// instance. It prefers Query Store views and falls back to
// sys.dm_exec_query_stats when Query Store is unavailable, exactly the
// fallback behavior called for in §7's feature-detection taxonomy.
type SQLServer struct {
	db     *sql.DB
	logger *zap.Logger

	mu                    sync.RWMutex
	queryStoreUnavailable map[string]bool
}

// New wraps an already-open *sql.DB connected to a single SQL Server
// instance. Queries run in the database the connection itself selects;
// the databaseName arguments of the methods do not switch database context.
func New(db *sql.DB, logger *zap.Logger) *SQLServer {
	return &SQLServer{db: db, logger: logger, queryStoreUnavailable: make(map[string]bool)}
}

// NewFromConnectionString is the "second overload" from §6: a
// self-contained constructor for one-off invocations (e.g. validation
// tooling) that doesn't need a shared, pooled connection.
func NewFromConnectionString(ctx context.Context, connectionString string, logger *zap.Logger) (*SQLServer, error) {
	db, err := sql.Open("sqlserver", connectionString)
	if err != nil {
		return nil, err
	}
	if err := db.PingContext(ctx); err != nil {
		db.Close()
		return nil, err
	}
	return New(db, logger), nil
}

func (s *SQLServer) Close() error { return s.db.Close() }

// Ping verifies the underlying connection is still reachable, for use by
// the daemon's readiness probe.
func (s *SQLServer) Ping(ctx context.Context) error { return s.db.PingContext(ctx) }

func (s *SQLServer) IsQueryStoreEnabled(ctx context.Context, instanceName, databaseName string) (bool, error) {
	var actualState int
	err := s.db.QueryRowContext(ctx, `SELECT actual_state FROM sys.database_query_store_options`).Scan(&actualState)
	if err != nil {
		if isObjectNotFound(err) {
			return false, nil
		}
		return false, err
	}
	// actual_state: 0 = Off, everything else is some flavor of On.
	return actualState != 0, nil
}

// GetTopQueries prefers Query Store and falls back to the DMV path. Once
// Query Store is found unavailable for an (instance, database) pair, that
// outcome is cached for the process lifetime rather than re-probed every
// cycle. A permission failure on the DMV path is returned as
// ErrPermissionDenied and is not cached.
func (s *SQLServer) GetTopQueries(ctx context.Context, instanceName, databaseName string, topN int, window model.Window, orderBy OrderBy) ([]RawQueryStats, error) {
	key := instanceName + "/" + databaseName

	if !s.isMarkedUnavailable(key) {
		enabled, err := s.IsQueryStoreEnabled(ctx, instanceName, databaseName)
		if err == nil && enabled {
			stats, err := s.getTopQueriesFromQueryStore(ctx, topN, window, orderBy)
			if err == nil {
				return stats, nil
			}
			if !errors.Is(err, ErrFeatureNotAvailable) {
				return nil, err
			}
			s.logger.Debug("query store path unavailable, falling back to dmv",
				zap.String("instance", instanceName), zap.String("database", databaseName), zap.Error(err))
			s.markUnavailable(key)
		} else if err == nil {
			s.markUnavailable(key)
		}
	}

	return s.getTopQueriesFromDMV(ctx, topN, orderBy)
}

func (s *SQLServer) isMarkedUnavailable(key string) bool {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.queryStoreUnavailable[key]
}

func (s *SQLServer) markUnavailable(key string) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.queryStoreUnavailable[key] = true
}

func (s *SQLServer) getTopQueriesFromQueryStore(ctx context.Context, topN int, window model.Window, orderBy OrderBy) ([]RawQueryStats, error) {
	orderColumn := queryStoreOrderColumn(orderBy)
	query := `
		SELECT TOP (@p1) q.query_id, p.plan_id, qt.query_sql_text,
			SUM(rs.count_executions) AS execution_count,
			SUM(rs.avg_cpu_time * rs.count_executions) AS total_cpu_us,
			SUM(rs.avg_duration * rs.count_executions) AS total_duration_us,
			SUM(rs.avg_logical_io_reads * rs.count_executions) AS total_logical_reads,
			SUM(rs.avg_logical_io_writes * rs.count_executions) AS total_logical_writes,
			SUM(rs.avg_physical_io_reads * rs.count_executions) AS total_physical_reads,
			MAX(rs.last_execution_time) AS last_execution_utc
		FROM sys.query_store_query q
		JOIN sys.query_store_query_text qt ON q.query_text_id = qt.query_text_id
		JOIN sys.query_store_plan p ON p.query_id = q.query_id
		JOIN sys.query_store_runtime_stats rs ON rs.plan_id = p.plan_id
		WHERE rs.last_execution_time >= @p2 AND rs.last_execution_time < @p3
		GROUP BY q.query_id, p.plan_id, qt.query_sql_text
		ORDER BY ` + orderColumn + ` DESC
	`
	rows, err := s.db.QueryContext(ctx, query, topN, window.Start, window.End)
	if err != nil {
		if isObjectNotFound(err) {
			return nil, ErrFeatureNotAvailable
		}
		return nil, err
	}
	defer rows.Close()

	var result []RawQueryStats
	for rows.Next() {
		var r RawQueryStats
		if err := rows.Scan(&r.QueryStoreQueryID, &r.QueryStorePlanID, &r.SQLText, &r.ExecutionCount, &r.TotalCPUUs,
			&r.TotalDurationUs, &r.TotalLogicalReads, &r.TotalLogicalWrites, &r.TotalPhysicalReads, &r.LastExecutionUtc); err != nil {
			return nil, err
		}
		result = append(result, r)
	}
	return result, rows.Err()
}

func (s *SQLServer) getTopQueriesFromDMV(ctx context.Context, topN int, orderBy OrderBy) ([]RawQueryStats, error) {
	orderColumn := dmvOrderColumn(orderBy)
	query := `
		SELECT TOP (@p1) qs.query_hash, qs.query_plan_hash, st.text,
			qs.execution_count, qs.total_worker_time, qs.total_elapsed_time,
			qs.total_logical_reads, qs.total_logical_writes, qs.total_physical_reads, qs.last_execution_time
		FROM sys.dm_exec_query_stats qs
		CROSS APPLY sys.dm_exec_sql_text(qs.sql_handle) st
		ORDER BY ` + orderColumn + ` DESC
	`
	rows, err := s.db.QueryContext(ctx, query, topN)
	if err != nil {
		if isPermissionDenied(err) {
			return nil, ErrPermissionDenied
		}
		return nil, err
	}
	defer rows.Close()

	var result []RawQueryStats
	for rows.Next() {
		var r RawQueryStats
		if err := rows.Scan(&r.ServerHash, &r.PlanHash, &r.SQLText, &r.ExecutionCount, &r.TotalCPUUs,
			&r.TotalDurationUs, &r.TotalLogicalReads, &r.TotalLogicalWrites, &r.TotalPhysicalReads, &r.LastExecutionUtc); err != nil {
			return nil, err
		}
		result = append(result, r)
	}
	return result, rows.Err()
}

func queryStoreOrderColumn(orderBy OrderBy) string {
	switch orderBy {
	case OrderByDuration:
		return "total_duration_us"
	case OrderByReads:
		return "total_logical_reads"
	case OrderByExecCount:
		return "execution_count"
	default:
		return "total_cpu_us"
	}
}

func dmvOrderColumn(orderBy OrderBy) string {
	switch orderBy {
	case OrderByDuration:
		return "qs.total_elapsed_time"
	case OrderByReads:
		return "qs.total_logical_reads"
	case OrderByExecCount:
		return "qs.execution_count"
	default:
		return "qs.total_worker_time"
	}
}

// isObjectNotFound recognizes SQL Server error 208 ("Invalid object name")
// which is what querying a Query Store view on a database where Query
// Store is disabled (or absent on an older compatibility level) produces.
func isObjectNotFound(err error) bool {
	return strings.Contains(err.Error(), "Invalid object name") || strings.Contains(err.Error(), "mssql: error 208")
}

func isPermissionDenied(err error) bool {
	return strings.Contains(err.Error(), "permission") || strings.Contains(err.Error(), "mssql: error 229") || strings.Contains(err.Error(), "mssql: error 300")
}

var _ StatsProvider = (*SQLServer)(nil)
