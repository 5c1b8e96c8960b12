package store

import (
	"context"
	"encoding/json"
	"errors"
	"regexp"
	"testing"
	"time"

	"github.com/DATA-DOG/go-sqlmock"
	"github.com/FairForge/siterecovery/internal/policy"
	"github.com/FairForge/siterecovery/internal/protection"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"
)

var created = time.Date(2026, 3, 1, 8, 0, 0, 0, time.UTC)

func sampleItem() protection.ProtectedItem {
	return protection.ProtectedItem{
		ID:               "item-1",
		VaultID:          "pmk-rsv",
		SourceWorkloadID: "vm-pmk-01",
		SourceRegion:     "eastus",
		PolicyID:         "pol-1",
		MappingID:        "map-1",
		Disks:            []protection.DiskMapping{{SourceDiskID: "os", StagingStorageID: "stagingeast"}},
		State:            protection.StateReplicating,
		Generation:       1,
		CreatedAt:        created,
		UpdatedAt:        created.Add(time.Minute),
	}
}

func samplePoint(seq uint64) protection.RecoveryPoint {
	return protection.RecoveryPoint{
		ID:              "rp-" + string(rune('0'+seq)),
		ProtectedItemID: "item-1",
		Timestamp:       created.Add(time.Duration(seq) * 5 * time.Minute),
		Consistency:     protection.CrashConsistent,
		SequenceNumber:  seq,
		Disks:           []protection.DiskSnapshot{{SourceDiskID: "os", StagingStorageID: "stagingeast", Ref: "os/1", Bytes: 4096}},
	}
}

func TestMemory_RoundTrip(t *testing.T) {
	ctx := context.Background()
	m := NewMemory()

	item := sampleItem()
	require.NoError(t, m.SaveItem(ctx, item))
	item.State = protection.StateReadyForFailover
	require.NoError(t, m.SaveItem(ctx, item))

	items, err := m.LoadItems(ctx)
	require.NoError(t, err)
	require.Len(t, items, 1)
	assert.Equal(t, protection.StateReadyForFailover, items[0].State)

	for _, seq := range []uint64{3, 1, 2} {
		require.NoError(t, m.SavePoint(ctx, samplePoint(seq)))
	}
	require.NoError(t, m.DeletePoints(ctx, "item-1", []string{"rp-2", "missing"}))

	points, err := m.LoadPoints(ctx, "item-1")
	require.NoError(t, err)
	require.Len(t, points, 2)
	assert.Equal(t, uint64(1), points[0].SequenceNumber)
	assert.Equal(t, uint64(3), points[1].SequenceNumber)

	none, err := m.LoadPoints(ctx, "other")
	require.NoError(t, err)
	assert.Empty(t, none)
}

func samplePolicy() policy.ReplicationPolicy {
	return policy.ReplicationPolicy{
		ID:                              "pol-1",
		Name:                            "api-policy",
		AppConsistentFrequencyMinutes:   60,
		CrashConsistentFrequencyMinutes: 5,
		RecoveryPointRetentionMinutes:   120,
		Version:                         2,
		UpdatedAt:                       created,
	}
}

func TestMemory_Policies(t *testing.T) {
	ctx := context.Background()
	m := NewMemory()

	p := samplePolicy()
	require.NoError(t, m.SavePolicy(ctx, p))
	other := p
	other.ID, other.Name = "pol-2", "aaa"
	require.NoError(t, m.SavePolicy(ctx, other))
	require.NoError(t, m.DeletePolicy(ctx, "missing"))

	got, err := m.LoadPolicies(ctx)
	require.NoError(t, err)
	require.Len(t, got, 2)
	assert.Equal(t, "pol-2", got[0].ID)
	assert.Equal(t, p, got[1])

	require.NoError(t, m.DeletePolicy(ctx, "pol-2"))
	got, err = m.LoadPolicies(ctx)
	require.NoError(t, err)
	assert.Len(t, got, 1)
}

func newMock(t *testing.T) (*Postgres, sqlmock.Sqlmock) {
	t.Helper()
	db, mock, err := sqlmock.New()
	require.NoError(t, err)
	t.Cleanup(func() { _ = db.Close() })
	return NewPostgres(db, zap.NewNop()), mock
}

func TestPostgres_CreateTables(t *testing.T) {
	p, mock := newMock(t)
	mock.ExpectExec(regexp.QuoteMeta("CREATE TABLE IF NOT EXISTS protected_items")).WillReturnResult(sqlmock.NewResult(0, 0))
	mock.ExpectExec(regexp.QuoteMeta("CREATE INDEX IF NOT EXISTS idx_protected_items_vault")).WillReturnResult(sqlmock.NewResult(0, 0))
	mock.ExpectExec(regexp.QuoteMeta("CREATE TABLE IF NOT EXISTS recovery_points")).WillReturnResult(sqlmock.NewResult(0, 0))
	mock.ExpectExec(regexp.QuoteMeta("CREATE TABLE IF NOT EXISTS replication_policies")).WillReturnResult(sqlmock.NewResult(0, 0))

	require.NoError(t, p.CreateTables(context.Background()))
	assert.NoError(t, mock.ExpectationsWereMet())
}

func TestPostgres_SaveItem(t *testing.T) {
	p, mock := newMock(t)
	item := sampleItem()

	mock.ExpectExec(regexp.QuoteMeta("INSERT INTO protected_items")).
		WithArgs(item.ID, item.VaultID, item.SourceWorkloadID, "Replicating", 1, sqlmock.AnyArg(), item.CreatedAt, item.UpdatedAt).
		WillReturnResult(sqlmock.NewResult(0, 1))
	require.NoError(t, p.SaveItem(context.Background(), item))

	mock.ExpectExec(regexp.QuoteMeta("INSERT INTO protected_items")).
		WillReturnError(errors.New("connection reset"))
	err := p.SaveItem(context.Background(), item)
	require.Error(t, err)
	assert.Contains(t, err.Error(), "upsert item")

	assert.NoError(t, mock.ExpectationsWereMet())
}

func TestPostgres_Points(t *testing.T) {
	ctx := context.Background()
	p, mock := newMock(t)
	rp := samplePoint(1)

	mock.ExpectExec(regexp.QuoteMeta("INSERT INTO recovery_points")).
		WithArgs(rp.ID, rp.ProtectedItemID, int64(1), "CrashConsistent", rp.Timestamp, sqlmock.AnyArg()).
		WillReturnResult(sqlmock.NewResult(0, 1))
	require.NoError(t, p.SavePoint(ctx, rp))

	disks, err := json.Marshal(rp.Disks)
	require.NoError(t, err)
	mock.ExpectQuery(regexp.QuoteMeta("FROM recovery_points WHERE item_id = $1")).
		WithArgs("item-1").
		WillReturnRows(sqlmock.NewRows([]string{"id", "sequence_number", "consistency", "taken_at", "disks"}).
			AddRow(rp.ID, int64(1), "CrashConsistent", rp.Timestamp, disks))
	points, err := p.LoadPoints(ctx, "item-1")
	require.NoError(t, err)
	require.Len(t, points, 1)
	assert.Equal(t, rp, points[0])

	mock.ExpectExec(regexp.QuoteMeta("DELETE FROM recovery_points")).
		WithArgs("item-1", sqlmock.AnyArg()).
		WillReturnResult(sqlmock.NewResult(0, 1))
	require.NoError(t, p.DeletePoints(ctx, "item-1", []string{rp.ID}))
	require.NoError(t, p.DeletePoints(ctx, "item-1", nil), "empty delete is a no-op")

	assert.NoError(t, mock.ExpectationsWereMet())
}

func TestPostgres_LoadItems(t *testing.T) {
	p, mock := newMock(t)
	item := sampleItem()
	doc, err := json.Marshal(item)
	require.NoError(t, err)

	mock.ExpectQuery(regexp.QuoteMeta("SELECT document FROM protected_items")).
		WillReturnRows(sqlmock.NewRows([]string{"document"}).AddRow(doc))
	items, err := p.LoadItems(context.Background())
	require.NoError(t, err)
	require.Len(t, items, 1)
	assert.Equal(t, item.ID, items[0].ID)
	assert.Equal(t, item.Disks, items[0].Disks)
	assert.True(t, item.CreatedAt.Equal(items[0].CreatedAt))

	mock.ExpectQuery(regexp.QuoteMeta("SELECT document FROM protected_items")).
		WillReturnRows(sqlmock.NewRows([]string{"document"}).AddRow([]byte("{not json")))
	_, err = p.LoadItems(context.Background())
	assert.Error(t, err)

	assert.NoError(t, mock.ExpectationsWereMet())
}

func TestPostgres_Policies(t *testing.T) {
	p, mock := newMock(t)
	rp := samplePolicy()

	mock.ExpectExec(regexp.QuoteMeta("INSERT INTO replication_policies")).
		WithArgs(rp.ID, rp.Name, rp.Version, sqlmock.AnyArg(), rp.UpdatedAt).
		WillReturnResult(sqlmock.NewResult(0, 1))
	require.NoError(t, p.SavePolicy(context.Background(), rp))

	doc, err := json.Marshal(rp)
	require.NoError(t, err)
	mock.ExpectQuery(regexp.QuoteMeta("SELECT document FROM replication_policies")).
		WillReturnRows(sqlmock.NewRows([]string{"document"}).AddRow(doc))
	got, err := p.LoadPolicies(context.Background())
	require.NoError(t, err)
	require.Len(t, got, 1)
	assert.Equal(t, rp.Name, got[0].Name)
	assert.Equal(t, 120, got[0].RecoveryPointRetentionMinutes)
	assert.True(t, rp.UpdatedAt.Equal(got[0].UpdatedAt))

	mock.ExpectExec(regexp.QuoteMeta("DELETE FROM replication_policies")).
		WithArgs(rp.ID).
		WillReturnError(errors.New("connection reset"))
	assert.Error(t, p.DeletePolicy(context.Background(), rp.ID))

	assert.NoError(t, mock.ExpectationsWereMet())
}

func TestPostgresConfig_DSN(t *testing.T) {
	cfg := PostgresConfig{Host: "db", Port: 5432, Database: "siterecovery", User: "sr", Password: "pw"}
	assert.Equal(t, "host=db port=5432 user=sr password=pw dbname=siterecovery sslmode=disable", cfg.DSN())
	cfg.SSLMode = "require"
	assert.Contains(t, cfg.DSN(), "sslmode=require")
}
