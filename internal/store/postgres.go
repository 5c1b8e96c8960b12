package store

import (
	"context"
	"database/sql"
	"encoding/json"
	"fmt"
	"time"

	"github.com/FairForge/siterecovery/internal/policy"
	"github.com/FairForge/siterecovery/internal/protection"
	"github.com/lib/pq"
	"go.uber.org/zap"
)

// PostgresConfig holds database configuration
type PostgresConfig struct {
	Host     string `yaml:"host" env:"HOST"`
	Port     int    `yaml:"port" env:"PORT"`
	Database string `yaml:"database" env:"NAME"`
	User     string `yaml:"user" env:"USER"`
	Password string `yaml:"password" env:"PASSWORD"`
	SSLMode  string `yaml:"sslmode" env:"SSLMODE"`
}

// DSN renders the lib/pq connection string.
func (c PostgresConfig) DSN() string {
	sslMode := c.SSLMode
	if sslMode == "" {
		sslMode = "disable"
	}
	return fmt.Sprintf("host=%s port=%d user=%s password=%s dbname=%s sslmode=%s",
		c.Host, c.Port, c.User, c.Password, c.Database, sslMode)
}

// Postgres persists tracker state in PostgreSQL. Items and points are stored
// as JSONB documents next to the columns used for lookups.
type Postgres struct {
	db     *sql.DB
	logger *zap.Logger
}

var (
	_ protection.Store = (*Postgres)(nil)
	_ policy.Persister = (*Postgres)(nil)
)

// OpenPostgres opens a connection pool to PostgreSQL
func OpenPostgres(cfg PostgresConfig, logger *zap.Logger) (*Postgres, error) {
	db, err := sql.Open("postgres", cfg.DSN())
	if err != nil {
		return nil, fmt.Errorf("open database: %w", err)
	}

	db.SetMaxOpenConns(25)
	db.SetMaxIdleConns(5)
	db.SetConnMaxLifetime(5 * time.Minute)

	return NewPostgres(db, logger), nil
}

// NewPostgres wraps an existing *sql.DB.
func NewPostgres(db *sql.DB, logger *zap.Logger) *Postgres {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Postgres{db: db, logger: logger.Named("store")}
}

// Close closes the database connection
func (p *Postgres) Close() error {
	return p.db.Close()
}

// Ping verifies the database connection
func (p *Postgres) Ping(ctx context.Context) error {
	return p.db.PingContext(ctx)
}

// CreateTables creates the tracker tables
func (p *Postgres) CreateTables(ctx context.Context) error {
	queries := []string{
		`CREATE TABLE IF NOT EXISTS protected_items (
			id VARCHAR(64) PRIMARY KEY,
			vault_id VARCHAR(255) NOT NULL,
			workload_id VARCHAR(255) NOT NULL,
			state VARCHAR(32) NOT NULL,
			generation INTEGER NOT NULL,
			document JSONB NOT NULL,
			created_at TIMESTAMPTZ NOT NULL,
			updated_at TIMESTAMPTZ NOT NULL
		)`,
		`CREATE INDEX IF NOT EXISTS idx_protected_items_vault ON protected_items(vault_id)`,
		`CREATE TABLE IF NOT EXISTS recovery_points (
			id VARCHAR(64) PRIMARY KEY,
			item_id VARCHAR(64) NOT NULL REFERENCES protected_items(id) ON DELETE CASCADE,
			sequence_number BIGINT NOT NULL,
			consistency VARCHAR(32) NOT NULL,
			taken_at TIMESTAMPTZ NOT NULL,
			disks JSONB NOT NULL,
			UNIQUE(item_id, sequence_number)
		)`,
		`CREATE TABLE IF NOT EXISTS replication_policies (
			id VARCHAR(64) PRIMARY KEY,
			name VARCHAR(255) NOT NULL,
			version INTEGER NOT NULL,
			document JSONB NOT NULL,
			updated_at TIMESTAMPTZ NOT NULL
		)`,
	}

	for _, query := range queries {
		if _, err := p.db.ExecContext(ctx, query); err != nil {
			return fmt.Errorf("create table: %w", err)
		}
	}
	return nil
}

// SaveItem upserts a protected item.
func (p *Postgres) SaveItem(ctx context.Context, item protection.ProtectedItem) error {
	doc, err := json.Marshal(item)
	if err != nil {
		return fmt.Errorf("encode item: %w", err)
	}

	query := `INSERT INTO protected_items (id, vault_id, workload_id, state, generation, document, created_at, updated_at)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8)
		ON CONFLICT (id) DO UPDATE SET
			workload_id = EXCLUDED.workload_id,
			state = EXCLUDED.state,
			generation = EXCLUDED.generation,
			document = EXCLUDED.document,
			updated_at = EXCLUDED.updated_at`
	_, err = p.db.ExecContext(ctx, query,
		item.ID, item.VaultID, item.SourceWorkloadID, string(item.State), item.Generation,
		doc, item.CreatedAt, item.UpdatedAt)
	if err != nil {
		return fmt.Errorf("upsert item: %w", err)
	}
	return nil
}

// SavePoint inserts a recovery point.
func (p *Postgres) SavePoint(ctx context.Context, rp protection.RecoveryPoint) error {
	disks, err := json.Marshal(rp.Disks)
	if err != nil {
		return fmt.Errorf("encode disks: %w", err)
	}

	query := `INSERT INTO recovery_points (id, item_id, sequence_number, consistency, taken_at, disks)
		VALUES ($1, $2, $3, $4, $5, $6)`
	_, err = p.db.ExecContext(ctx, query,
		rp.ID, rp.ProtectedItemID, int64(rp.SequenceNumber), string(rp.Consistency), rp.Timestamp, disks)
	if err != nil {
		return fmt.Errorf("insert recovery point: %w", err)
	}
	return nil
}

// DeletePoints removes recovery points of an item.
func (p *Postgres) DeletePoints(ctx context.Context, itemID string, pointIDs []string) error {
	if len(pointIDs) == 0 {
		return nil
	}
	query := `DELETE FROM recovery_points WHERE item_id = $1 AND id = ANY($2)`
	res, err := p.db.ExecContext(ctx, query, itemID, pq.Array(pointIDs))
	if err != nil {
		return fmt.Errorf("delete recovery points: %w", err)
	}
	if n, err := res.RowsAffected(); err == nil {
		p.logger.Debug("recovery points deleted",
			zap.String("item_id", itemID), zap.Int64("rows", n))
	}
	return nil
}

// LoadItems returns every stored item.
func (p *Postgres) LoadItems(ctx context.Context) ([]protection.ProtectedItem, error) {
	rows, err := p.db.QueryContext(ctx, `SELECT document FROM protected_items ORDER BY created_at`)
	if err != nil {
		return nil, fmt.Errorf("query items: %w", err)
	}
	defer func() { _ = rows.Close() }()

	var items []protection.ProtectedItem
	for rows.Next() {
		var doc []byte
		if err := rows.Scan(&doc); err != nil {
			return nil, fmt.Errorf("scan item: %w", err)
		}
		var item protection.ProtectedItem
		if err := json.Unmarshal(doc, &item); err != nil {
			return nil, fmt.Errorf("decode item: %w", err)
		}
		items = append(items, item)
	}
	return items, rows.Err()
}

// LoadPoints returns an item's recovery points ordered by sequence number.
func (p *Postgres) LoadPoints(ctx context.Context, itemID string) ([]protection.RecoveryPoint, error) {
	query := `SELECT id, sequence_number, consistency, taken_at, disks
		FROM recovery_points WHERE item_id = $1 ORDER BY sequence_number`
	rows, err := p.db.QueryContext(ctx, query, itemID)
	if err != nil {
		return nil, fmt.Errorf("query recovery points: %w", err)
	}
	defer func() { _ = rows.Close() }()

	var points []protection.RecoveryPoint
	for rows.Next() {
		var (
			rp          protection.RecoveryPoint
			seq         int64
			consistency string
			disks       []byte
		)
		if err := rows.Scan(&rp.ID, &seq, &consistency, &rp.Timestamp, &disks); err != nil {
			return nil, fmt.Errorf("scan recovery point: %w", err)
		}
		if err := json.Unmarshal(disks, &rp.Disks); err != nil {
			return nil, fmt.Errorf("decode disks: %w", err)
		}
		rp.ProtectedItemID = itemID
		rp.SequenceNumber = uint64(seq)
		rp.Consistency = protection.Consistency(consistency)
		rp.Timestamp = rp.Timestamp.UTC()
		points = append(points, rp)
	}
	return points, rows.Err()
}

// SavePolicy upserts a replication policy.
func (p *Postgres) SavePolicy(ctx context.Context, rp policy.ReplicationPolicy) error {
	doc, err := json.Marshal(rp)
	if err != nil {
		return fmt.Errorf("encode policy: %w", err)
	}

	query := `INSERT INTO replication_policies (id, name, version, document, updated_at)
		VALUES ($1, $2, $3, $4, $5)
		ON CONFLICT (id) DO UPDATE SET
			name = EXCLUDED.name,
			version = EXCLUDED.version,
			document = EXCLUDED.document,
			updated_at = EXCLUDED.updated_at`
	if _, err := p.db.ExecContext(ctx, query, rp.ID, rp.Name, rp.Version, doc, rp.UpdatedAt); err != nil {
		return fmt.Errorf("upsert policy: %w", err)
	}
	return nil
}

// DeletePolicy removes a replication policy.
func (p *Postgres) DeletePolicy(ctx context.Context, id string) error {
	if _, err := p.db.ExecContext(ctx, `DELETE FROM replication_policies WHERE id = $1`, id); err != nil {
		return fmt.Errorf("delete policy: %w", err)
	}
	return nil
}

// LoadPolicies returns every stored policy ordered by name.
func (p *Postgres) LoadPolicies(ctx context.Context) ([]policy.ReplicationPolicy, error) {
	rows, err := p.db.QueryContext(ctx, `SELECT document FROM replication_policies ORDER BY name`)
	if err != nil {
		return nil, fmt.Errorf("query policies: %w", err)
	}
	defer func() { _ = rows.Close() }()

	var out []policy.ReplicationPolicy
	for rows.Next() {
		var doc []byte
		if err := rows.Scan(&doc); err != nil {
			return nil, fmt.Errorf("scan policy: %w", err)
		}
		var rp policy.ReplicationPolicy
		if err := json.Unmarshal(doc, &rp); err != nil {
			return nil, fmt.Errorf("decode policy: %w", err)
		}
		out = append(out, rp)
	}
	return out, rows.Err()
}
