//go:build integration

package store_test

import (
	"context"
	"database/sql"
	"fmt"
	"testing"
	"time"

	"github.com/google/uuid"
	_ "github.com/lib/pq"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"github.com/testcontainers/testcontainers-go"
	"github.com/testcontainers/testcontainers-go/wait"

	"github.com/dbwatch/queryguard/internal/model"
	"github.com/dbwatch/queryguard/internal/store"
)

func startPostgresContainer(t *testing.T, ctx context.Context) string {
	t.Helper()

	pg, err := testcontainers.GenericContainer(ctx, testcontainers.GenericContainerRequest{
		ContainerRequest: testcontainers.ContainerRequest{
			Image:        "postgres:15-alpine",
			ExposedPorts: []string{"5432/tcp"},
			Env: map[string]string{
				"POSTGRES_PASSWORD": "test",
				"POSTGRES_DB":       "queryguard",
			},
			WaitingFor: wait.ForListeningPort("5432/tcp"),
		},
		Started: true,
	})
	require.NoError(t, err)
	t.Cleanup(func() { pg.Terminate(ctx) })

	host, err := pg.Host(ctx)
	require.NoError(t, err)
	port, err := pg.MappedPort(ctx, "5432")
	require.NoError(t, err)

	return fmt.Sprintf("postgres://postgres:test@%s:%s/queryguard?sslmode=disable", host, port.Port())
}

func TestPostgres_RoundTripsSnapshotAndBaseline(t *testing.T) {
	ctx := context.Background()
	dsn := startPostgresContainer(t, ctx)

	db, err := sql.Open("postgres", dsn)
	require.NoError(t, err)
	defer db.Close()

	_, err = db.ExecContext(ctx, store.Schema)
	require.NoError(t, err)

	s := store.NewPostgres(db, nil)

	fpID, err := s.GetOrCreateFingerprint(ctx, [8]byte{1, 2, 3, 4, 5, 6, 7, 8}, "SELECT 1", "SELECT #", "inst1", "db1", time.Now().UTC())
	require.NoError(t, err)

	// Round-trip: upsertSnapshot(x); getLast() == x (testable property, §8).
	snap := model.CumulativeSnapshot{
		InstanceName: "inst1", DatabaseName: "db1", FingerprintID: fpID,
		ExecutionCount: 10, TotalCPUUs: 100, TotalDurationUs: 200, SnapshotTimeUtc: time.Now().UTC(),
	}
	require.NoError(t, s.Upsert(ctx, snap))

	got, err := s.GetLast(ctx, snap.Key())
	require.NoError(t, err)
	require.NotNil(t, got)
	assert.Equal(t, snap.ExecutionCount, got.ExecutionCount)
	assert.Equal(t, snap.TotalCPUUs, got.TotalCPUUs)

	// Round-trip: supersedeActive; save(new); getActive() == new; prior readable but inactive.
	b1 := model.Baseline{ID: uuid.New(), FingerprintID: fpID, InstanceName: "inst1", DatabaseName: "db1", SampleCount: 10, IsActive: true, ComputedAtUtc: time.Now().UTC()}
	require.NoError(t, s.SupersedeAndSaveBaseline(ctx, b1))

	b2 := model.Baseline{ID: uuid.New(), FingerprintID: fpID, InstanceName: "inst1", DatabaseName: "db1", SampleCount: 20, IsActive: true, ComputedAtUtc: time.Now().UTC()}
	require.NoError(t, s.SupersedeAndSaveBaseline(ctx, b2))

	active, err := s.GetActiveBaseline(ctx, fpID)
	require.NoError(t, err)
	require.NotNil(t, active)
	assert.Equal(t, b2.ID, active.ID)
}

// TestPostgres_ConcurrentSupersedeAndSaveBaselineLeavesExactlyOneActive
// exercises the race the unique partial index and the transactional
// SupersedeAndSaveBaseline exist to close: two callers refreshing the same
// fingerprint's baseline at the same time must never both end up active.
func TestPostgres_ConcurrentSupersedeAndSaveBaselineLeavesExactlyOneActive(t *testing.T) {
	ctx := context.Background()
	dsn := startPostgresContainer(t, ctx)

	db, err := sql.Open("postgres", dsn)
	require.NoError(t, err)
	defer db.Close()

	_, err = db.ExecContext(ctx, store.Schema)
	require.NoError(t, err)

	s := store.NewPostgres(db, nil)

	fpID, err := s.GetOrCreateFingerprint(ctx, [8]byte{1, 2, 3, 4, 5, 6, 7, 8}, "SELECT 1", "SELECT #", "inst1", "db1", time.Now().UTC())
	require.NoError(t, err)

	seed := model.Baseline{ID: uuid.New(), FingerprintID: fpID, InstanceName: "inst1", DatabaseName: "db1", SampleCount: 5, IsActive: true, ComputedAtUtc: time.Now().UTC()}
	require.NoError(t, s.SupersedeAndSaveBaseline(ctx, seed))

	// Fire concurrent refreshes for the same fingerprint. Under the unique
	// partial index (and serializable isolation) overlapping writers either
	// run one after another or fail their transaction; at least one succeeds
	// and none may leave a second active row behind.
	const n = 10
	errs := make(chan error, n)
	for i := 0; i < n; i++ {
		go func(i int) {
			errs <- s.SupersedeAndSaveBaseline(ctx, model.Baseline{
				ID: uuid.New(), FingerprintID: fpID, InstanceName: "inst1", DatabaseName: "db1",
				SampleCount: 10 + i, IsActive: true, ComputedAtUtc: time.Now().UTC(),
			})
		}(i)
	}
	succeeded := 0
	for i := 0; i < n; i++ {
		if err := <-errs; err == nil {
			succeeded++
		}
	}
	assert.GreaterOrEqual(t, succeeded, 1)

	var activeCount int
	require.NoError(t, db.QueryRowContext(ctx, `SELECT count(*) FROM baselines WHERE fingerprint_id = $1 AND is_active`, fpID).Scan(&activeCount))
	assert.Equal(t, 1, activeCount)
}
