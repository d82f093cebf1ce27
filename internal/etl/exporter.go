// Package etl exports metric rows and allocation changes to the Snowflake
// warehouse on a schedule. Exports are incremental: a per-table watermark
// in Postgres records the newest exported timestamp and advances only
// after the warehouse write commits, so a failed run re-exports the same
// window instead of skipping it.
package etl

import (
	"context"
	"database/sql"
	"fmt"
	"time"

	_ "github.com/snowflakedb/gosnowflake" // snowflake driver

	"github.com/ignite/budget-optimizer/internal/pkg/logger"
)

const (
	metricsStream = "metrics"
	changesStream = "allocation_changes"
)

// Exporter copies engine history into the warehouse.
type Exporter struct {
	source    *sql.DB
	warehouse *sql.DB
	batchSize int
	interval  time.Duration
}

// New opens the warehouse connection and returns the exporter.
func New(source *sql.DB, dsn string, batchSize int, interval time.Duration) (*Exporter, error) {
	wh, err := sql.Open("snowflake", dsn)
	if err != nil {
		return nil, fmt.Errorf("opening snowflake connection: %w", err)
	}
	wh.SetMaxOpenConns(2)
	wh.SetConnMaxLifetime(5 * time.Minute)

	if batchSize <= 0 {
		batchSize = 5000
	}
	if interval <= 0 {
		interval = 6 * time.Hour
	}
	return &Exporter{source: source, warehouse: wh, batchSize: batchSize, interval: interval}, nil
}

// NewWithWarehouse injects an already-open warehouse handle. Tests use it.
func NewWithWarehouse(source, warehouse *sql.DB, batchSize int, interval time.Duration) *Exporter {
	return &Exporter{source: source, warehouse: warehouse, batchSize: batchSize, interval: interval}
}

// Close releases the warehouse connection.
func (e *Exporter) Close() error {
	return e.warehouse.Close()
}

// Run exports on the configured interval until ctx ends.
func (e *Exporter) Run(ctx context.Context) {
	logger.Info("warehouse exporter starting", "interval", e.interval.String())
	e.runOnce(ctx)

	ticker := time.NewTicker(e.interval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			logger.Info("warehouse exporter stopping")
			return
		case <-ticker.C:
			e.runOnce(ctx)
		}
	}
}

func (e *Exporter) runOnce(ctx context.Context) {
	if n, err := e.ExportMetrics(ctx); err != nil {
		logger.Error("metric export failed", "error", err)
	} else if n > 0 {
		logger.Info("metrics exported", "rows", n)
	}
	if n, err := e.ExportChanges(ctx); err != nil {
		logger.Error("change export failed", "error", err)
	} else if n > 0 {
		logger.Info("changes exported", "rows", n)
	}
}

// ExportMetrics copies metric rows newer than the watermark, batch by
// batch, and returns the total exported.
func (e *Exporter) ExportMetrics(ctx context.Context) (int, error) {
	total := 0
	for {
		since, err := e.watermark(ctx, metricsStream)
		if err != nil {
			return total, err
		}

		rows, err := e.source.QueryContext(ctx, `
			SELECT arm_id, ts, source, impressions, clicks, conversions, cost, revenue, quality
			FROM metrics
			WHERE ts > $1
			ORDER BY ts, arm_id, source
			LIMIT $2
		`, since, e.batchSize)
		if err != nil {
			return total, fmt.Errorf("reading metrics: %w", err)
		}

		type metricRow struct {
			armID                           int64
			ts                              time.Time
			source, quality                 string
			impressions, clicks, conversions int64
			cost, revenue                   float64
		}
		var batch []metricRow
		for rows.Next() {
			var r metricRow
			if err := rows.Scan(&r.armID, &r.ts, &r.source, &r.impressions, &r.clicks,
				&r.conversions, &r.cost, &r.revenue, &r.quality); err != nil {
				rows.Close()
				return total, fmt.Errorf("scanning metric: %w", err)
			}
			batch = append(batch, r)
		}
		if err := rows.Err(); err != nil {
			rows.Close()
			return total, err
		}
		rows.Close()
		if len(batch) == 0 {
			return total, nil
		}

		tx, err := e.warehouse.BeginTx(ctx, nil)
		if err != nil {
			return total, fmt.Errorf("warehouse tx: %w", err)
		}
		newest := since
		for _, r := range batch {
			if _, err := tx.ExecContext(ctx, `
				INSERT INTO ENGINE_METRICS
					(ARM_ID, TS, SOURCE, IMPRESSIONS, CLICKS, CONVERSIONS, COST, REVENUE, QUALITY)
				VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?)
			`, r.armID, r.ts, r.source, r.impressions, r.clicks, r.conversions,
				r.cost, r.revenue, r.quality); err != nil {
				tx.Rollback()
				return total, fmt.Errorf("inserting metric: %w", err)
			}
			if r.ts.After(newest) {
				newest = r.ts
			}
		}
		if err := tx.Commit(); err != nil {
			return total, fmt.Errorf("warehouse commit: %w", err)
		}

		if err := e.advance(ctx, metricsStream, newest); err != nil {
			return total, err
		}
		total += len(batch)
		if len(batch) < e.batchSize {
			return total, nil
		}
	}
}

// ExportChanges copies change-log rows newer than the watermark. The
// factor maps travel as their stored JSON.
func (e *Exporter) ExportChanges(ctx context.Context) (int, error) {
	total := 0
	for {
		since, err := e.watermark(ctx, changesStream)
		if err != nil {
			return total, err
		}

		rows, err := e.source.QueryContext(ctx, `
			SELECT id, campaign_id, arm_id, ts, old_alloc, new_alloc, change_pct,
			       reason, factors_json, mmm_json, initiated_by, state_snapshot_json
			FROM allocation_changes
			WHERE ts > $1
			ORDER BY ts, id
			LIMIT $2
		`, since, e.batchSize)
		if err != nil {
			return total, fmt.Errorf("reading changes: %w", err)
		}

		type changeRow struct {
			id, campaignID                int64
			armID                         sql.NullInt64
			ts                            time.Time
			oldAlloc, newAlloc, changePct float64
			reason, initiatedBy           string
			factors, mmm                  []byte
			snapshot                      sql.NullString
		}
		var batch []changeRow
		for rows.Next() {
			var r changeRow
			if err := rows.Scan(&r.id, &r.campaignID, &r.armID, &r.ts, &r.oldAlloc,
				&r.newAlloc, &r.changePct, &r.reason, &r.factors, &r.mmm,
				&r.initiatedBy, &r.snapshot); err != nil {
				rows.Close()
				return total, fmt.Errorf("scanning change: %w", err)
			}
			batch = append(batch, r)
		}
		if err := rows.Err(); err != nil {
			rows.Close()
			return total, err
		}
		rows.Close()
		if len(batch) == 0 {
			return total, nil
		}

		tx, err := e.warehouse.BeginTx(ctx, nil)
		if err != nil {
			return total, fmt.Errorf("warehouse tx: %w", err)
		}
		newest := since
		for _, r := range batch {
			if _, err := tx.ExecContext(ctx, `
				INSERT INTO ENGINE_ALLOCATION_CHANGES
					(ID, CAMPAIGN_ID, ARM_ID, TS, OLD_ALLOC, NEW_ALLOC, CHANGE_PCT,
					 REASON, FACTORS, MMM_FACTORS, INITIATED_BY, STATE_SNAPSHOT)
				VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)
			`, r.id, r.campaignID, r.armID, r.ts, r.oldAlloc, r.newAlloc, r.changePct,
				r.reason, string(r.factors), string(r.mmm), r.initiatedBy, r.snapshot); err != nil {
				tx.Rollback()
				return total, fmt.Errorf("inserting change: %w", err)
			}
			if r.ts.After(newest) {
				newest = r.ts
			}
		}
		if err := tx.Commit(); err != nil {
			return total, fmt.Errorf("warehouse commit: %w", err)
		}

		if err := e.advance(ctx, changesStream, newest); err != nil {
			return total, err
		}
		total += len(batch)
		if len(batch) < e.batchSize {
			return total, nil
		}
	}
}

func (e *Exporter) watermark(ctx context.Context, stream string) (time.Time, error) {
	var ts time.Time
	err := e.source.QueryRowContext(ctx, `
		SELECT exported_ts FROM etl_watermarks WHERE table_name = $1
	`, stream).Scan(&ts)
	if err == sql.ErrNoRows {
		return time.Time{}, nil
	}
	if err != nil {
		return time.Time{}, fmt.Errorf("reading watermark %s: %w", stream, err)
	}
	return ts, nil
}

func (e *Exporter) advance(ctx context.Context, stream string, ts time.Time) error {
	_, err := e.source.ExecContext(ctx, `
		INSERT INTO etl_watermarks (table_name, exported_ts)
		VALUES ($1, $2)
		ON CONFLICT (table_name) DO UPDATE SET exported_ts = EXCLUDED.exported_ts
	`, stream, ts)
	if err != nil {
		return fmt.Errorf("advancing watermark %s: %w", stream, err)
	}
	return nil
}
