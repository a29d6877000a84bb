package etl

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"

	"github.com/fiberstack/fabric/internal/sample"
	"github.com/fiberstack/fabric/pkg/database"
	"github.com/fiberstack/fabric/pkg/telemetry"
)

// Store is the ETL's persistence boundary: node registry upsert and
// transactional sample persistence with per-row conflict routing.
type Store interface {
	// UpsertNode inserts a node on first sighting or advances last_seen_at
	// on an already-registered one; it never overwrites operator-set fields
	// (country, region, lat, lng, status, metadata).
	UpsertNode(ctx context.Context, node sample.Node) (created bool, err error)

	// PersistBatch writes every sample in one transaction, routing rows
	// that collide with the (time, node_id) unique constraint to the
	// conflicts table instead of failing the whole batch.
	PersistBatch(ctx context.Context, samples []sample.Sample, ingestRegion string) ([]sample.Conflict, error)

	// QueryMetrics serves the gateway's paged/filtered metrics read path,
	// each row a JSON-shaped sample record.
	QueryMetrics(ctx context.Context, nodeID, region string, since, until time.Time, limit, offset int) ([]map[string]any, error)

	// Ping reports whether storage is reachable, backing GET /ready.
	Ping(ctx context.Context) error
}

// PostgresStore is the PostgreSQL-backed Store.
type PostgresStore struct {
	db database.DB
}

// NewPostgresStore constructs a PostgresStore over db.
func NewPostgresStore(db database.DB) *PostgresStore {
	return &PostgresStore{db: db}
}

func (s *PostgresStore) UpsertNode(ctx context.Context, node sample.Node) (bool, error) {
	ctx, span := telemetry.StartSpan(ctx, "PostgresStore.UpsertNode")
	defer span.End()

	if node.Status == "" {
		node.Status = sample.StatusRegistered
	}
	if node.LastSeenAt.IsZero() {
		node.LastSeenAt = time.Now().UTC()
	}
	metadata, err := marshalMetadata(node.Metadata)
	if err != nil {
		return false, fmt.Errorf("marshal node metadata: %w", err)
	}

	query := `
		INSERT INTO nodes (node_id, country, region, lat, lng, status, last_seen_at, metadata)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8)
		ON CONFLICT (node_id) DO UPDATE
		SET last_seen_at = GREATEST(nodes.last_seen_at, EXCLUDED.last_seen_at),
		    updated_at = now()
		RETURNING (xmax = 0)
	`

	var inserted bool
	err = s.db.QueryRow(ctx, query,
		node.NodeID, node.Country, node.Region, node.Lat, node.Lng, node.Status, node.LastSeenAt, metadata,
	).Scan(&inserted)
	if err != nil {
		return false, fmt.Errorf("upsert node %s: %w", node.NodeID, err)
	}
	return inserted, nil
}

func (s *PostgresStore) PersistBatch(ctx context.Context, samples []sample.Sample, ingestRegion string) ([]sample.Conflict, error) {
	ctx, span := telemetry.StartSpan(ctx, "PostgresStore.PersistBatch")
	defer span.End()

	var conflicts []sample.Conflict
	err := database.WithTransaction(ctx, s.db, func(tx pgx.Tx) error {
		for i := range samples {
			s := samples[i]
			ok, err := insertSample(ctx, tx, s, ingestRegion)
			if err != nil {
				return fmt.Errorf("sample %d (%s @ %s): %w", i, s.NodeID, s.Timestamp, err)
			}
			if !ok {
				conflicts = append(conflicts, sample.Conflict{
					Time:         s.Timestamp,
					NodeID:       s.NodeID,
					Payload:      sampleToMap(s),
					ConflictAt:   time.Now().UTC(),
					IngestRegion: ingestRegion,
				})
				if err := insertConflict(ctx, tx, conflicts[len(conflicts)-1]); err != nil {
					return fmt.Errorf("record conflict for sample %d: %w", i, err)
				}
			}
		}
		return nil
	})
	if err != nil {
		return nil, err
	}
	return conflicts, nil
}

// insertSample inserts one sample within a savepoint nested in tx, so a
// unique-violation on this row alone can be absorbed without aborting the
// rest of the batch's transaction.
func insertSample(ctx context.Context, tx pgx.Tx, s sample.Sample, ingestRegion string) (bool, error) {
	nested, err := tx.Begin(ctx)
	if err != nil {
		return false, fmt.Errorf("begin savepoint: %w", err)
	}

	metadata, err := marshalMetadata(s.Metadata)
	if err != nil {
		_ = nested.Rollback(ctx)
		return false, fmt.Errorf("marshal sample metadata: %w", err)
	}

	query := `
		INSERT INTO samples (time, node_id, latency_ms, uptime_pct, packet_loss, target_host, probe_type, country, region, metadata, ingest_region)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11)
	`
	_, err = nested.Exec(ctx, query,
		s.Timestamp, s.NodeID, s.LatencyMs, s.UptimePct, s.PacketLossPct,
		s.TargetHost, s.ProbeType, s.Country, s.Region, metadata, ingestRegion,
	)
	if err != nil {
		_ = nested.Rollback(ctx)
		if isUniqueViolation(err) {
			return false, nil
		}
		return false, err
	}

	if err := nested.Commit(ctx); err != nil {
		return false, fmt.Errorf("commit savepoint: %w", err)
	}
	return true, nil
}

func insertConflict(ctx context.Context, tx pgx.Tx, c sample.Conflict) error {
	payload, err := json.Marshal(c.Payload)
	if err != nil {
		return fmt.Errorf("marshal conflict payload: %w", err)
	}
	query := `
		INSERT INTO conflicts (time, node_id, payload, conflict_at, ingest_region)
		VALUES ($1, $2, $3, $4, $5)
	`
	_, err = tx.Exec(ctx, query, c.Time, c.NodeID, payload, c.ConflictAt, c.IngestRegion)
	return err
}

func sampleToMap(s sample.Sample) map[string]any {
	data, _ := json.Marshal(s)
	var m map[string]any
	_ = json.Unmarshal(data, &m)
	return m
}

func marshalMetadata(m map[string]any) ([]byte, error) {
	if m == nil {
		return []byte("{}"), nil
	}
	return json.Marshal(m)
}

// QueryMetrics returns samples matching the given filters, newest first,
// for the gateway's GET /metrics read path. node_id and region are
// optional exact-match filters; an empty string skips them.
func (s *PostgresStore) QueryMetrics(ctx context.Context, nodeID, region string, since, until time.Time, limit, offset int) ([]map[string]any, error) {
	ctx, span := telemetry.StartSpan(ctx, "PostgresStore.QueryMetrics")
	defer span.End()

	query := `
		SELECT time, node_id, latency_ms, uptime_pct, packet_loss, target_host, probe_type, country, region, metadata, ingest_region
		FROM samples
		WHERE time >= $1 AND time <= $2
		  AND ($3 = '' OR node_id = $3)
		  AND ($4 = '' OR region = $4)
		ORDER BY time DESC
		LIMIT $5 OFFSET $6
	`
	rows, err := s.db.Query(ctx, query, since, until, nodeID, region, limit, offset)
	if err != nil {
		return nil, fmt.Errorf("query metrics: %w", err)
	}
	defer rows.Close()

	var out []map[string]any
	for rows.Next() {
		var (
			t                                        time.Time
			id, targetHost, probeType, cty, rgn, ing string
			latency, uptime, loss                    float64
			metadata                                 []byte
		)
		if err := rows.Scan(&t, &id, &latency, &uptime, &loss, &targetHost, &probeType, &cty, &rgn, &metadata, &ing); err != nil {
			return nil, fmt.Errorf("scan metric row: %w", err)
		}
		var meta map[string]any
		_ = json.Unmarshal(metadata, &meta)
		out = append(out, map[string]any{
			"time":          t,
			"node_id":       id,
			"latency_ms":    latency,
			"uptime_pct":    uptime,
			"packet_loss":   loss,
			"target_host":   targetHost,
			"probe_type":    probeType,
			"country":       cty,
			"region":        rgn,
			"ingest_region": ing,
			"metadata":      meta,
		})
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterate metric rows: %w", err)
	}
	return out, nil
}

// Ping reports whether the underlying connection pool is reachable.
func (s *PostgresStore) Ping(ctx context.Context) error {
	return s.db.Ping(ctx)
}

// isUniqueViolation reports whether err is a PostgreSQL unique-constraint
// violation (SQLSTATE 23505).
func isUniqueViolation(err error) bool {
	var pgErr *pgconn.PgError
	if errors.As(err, &pgErr) {
		return pgErr.Code == "23505"
	}
	return false
}
