// Package sqlite is a local, single-file domain.AuditStore.
package sqlite

import (
	"context"
	"database/sql"
	"encoding/json"
	"fmt"
	"time"

	_ "github.com/glebarez/go-sqlite"

	"github.com/alanyoungcy/convbot/internal/domain"
)

// Store persists arbitration records and execution receipts in SQLite.
// Timestamps are stored as Unix nanoseconds so they order correctly.
type Store struct {
	db *sql.DB
}

var _ domain.AuditStore = (*Store)(nil)

// Open opens (creating if needed) the database at path with WAL enabled.
func Open(path string) (*Store, error) {
	db, err := sql.Open("sqlite", path)
	if err != nil {
		return nil, fmt.Errorf("sqlite: open %s: %w", path, err)
	}
	// One writer; WAL lets readers proceed alongside it.
	db.SetMaxOpenConns(1)

	pragmas := []string{
		"PRAGMA journal_mode=WAL;",
		"PRAGMA synchronous=NORMAL;",
		"PRAGMA busy_timeout=5000;",
	}
	for _, p := range pragmas {
		if _, err := db.Exec(p); err != nil {
			db.Close()
			return nil, fmt.Errorf("sqlite: pragma %s: %w", p, err)
		}
	}

	const schema = `
		CREATE TABLE IF NOT EXISTS arbitrations (
			id                  TEXT PRIMARY KEY,
			cycle               INTEGER NOT NULL,
			symbol              TEXT NOT NULL,
			winning_layer_id    TEXT NOT NULL,
			winning_proposal_id TEXT NOT NULL,
			losing_layer_ids    TEXT NOT NULL,
			decision_at         INTEGER NOT NULL
		);
		CREATE INDEX IF NOT EXISTS idx_arbitrations_decision_at ON arbitrations (decision_at);
		CREATE TABLE IF NOT EXISTS executions (
			proposal_id     TEXT PRIMARY KEY,
			layer_id        TEXT NOT NULL,
			client_order_id TEXT NOT NULL,
			venue_order_id  TEXT NOT NULL,
			venue           TEXT NOT NULL,
			from_asset      TEXT NOT NULL,
			to_asset        TEXT NOT NULL,
			qty_in          TEXT NOT NULL,
			qty_out         TEXT NOT NULL,
			price           TEXT NOT NULL,
			fee             TEXT NOT NULL,
			status          TEXT NOT NULL,
			error           TEXT NOT NULL,
			executed_at     INTEGER NOT NULL
		);
		CREATE INDEX IF NOT EXISTS idx_executions_executed_at ON executions (executed_at);`
	if _, err := db.Exec(schema); err != nil {
		db.Close()
		return nil, fmt.Errorf("sqlite: create schema: %w", err)
	}
	return &Store{db: db}, nil
}

// Close closes the database.
func (s *Store) Close() error {
	return s.db.Close()
}

// RecordArbitration appends a record; an existing id is ignored.
func (s *Store) RecordArbitration(ctx context.Context, rec domain.ArbitrationRecord) error {
	losers := rec.LosingLayerIDs
	if losers == nil {
		losers = []string{}
	}
	losersJSON, err := json.Marshal(losers)
	if err != nil {
		return fmt.Errorf("sqlite: marshal losers: %w", err)
	}
	_, err = s.db.ExecContext(ctx, `
		INSERT OR IGNORE INTO arbitrations (id, cycle, symbol, winning_layer_id, winning_proposal_id, losing_layer_ids, decision_at)
		VALUES (?, ?, ?, ?, ?, ?, ?)`,
		rec.ID, int64(rec.Cycle), rec.Symbol, rec.WinningLayerID, rec.WinningProposalID, string(losersJSON), rec.DecisionAt.UnixNano(),
	)
	if err != nil {
		return fmt.Errorf("sqlite: record arbitration %s: %w", rec.ID, err)
	}
	return nil
}

// RecordExecution appends a receipt; an existing proposal id is ignored.
func (s *Store) RecordExecution(ctx context.Context, r domain.ExecutionReceipt) error {
	_, err := s.db.ExecContext(ctx, `
		INSERT OR IGNORE INTO executions (proposal_id, layer_id, client_order_id, venue_order_id, venue, from_asset, to_asset,
		                                  qty_in, qty_out, price, fee, status, error, executed_at)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`,
		r.ProposalID, r.LayerID, r.ClientOrderID, r.VenueOrderID, r.Venue, r.FromAsset, r.ToAsset,
		r.QtyIn.String(), r.QtyOut.String(), r.Price.String(), r.Fee.String(), string(r.Status), r.Error, r.ExecutedAt.UnixNano(),
	)
	if err != nil {
		return fmt.Errorf("sqlite: record execution %s: %w", r.ProposalID, err)
	}
	return nil
}

const arbitrationColumns = `id, cycle, symbol, winning_layer_id, winning_proposal_id, losing_layer_ids, decision_at`

// ListArbitrations returns records newest first.
func (s *Store) ListArbitrations(ctx context.Context, opts domain.ListOpts) ([]domain.ArbitrationRecord, error) {
	query, args := listQuery(`SELECT `+arbitrationColumns+` FROM arbitrations`, "decision_at", opts)
	rows, err := s.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("sqlite: list arbitrations: %w", err)
	}
	return scanArbitrations(rows)
}

// ArbitrationsBefore returns up to limit records decided before the cutoff,
// oldest first.
func (s *Store) ArbitrationsBefore(ctx context.Context, before time.Time, limit int) ([]domain.ArbitrationRecord, error) {
	if limit <= 0 {
		limit = -1
	}
	rows, err := s.db.QueryContext(ctx,
		`SELECT `+arbitrationColumns+` FROM arbitrations WHERE decision_at < ? ORDER BY decision_at ASC, id ASC LIMIT ?`,
		before.UnixNano(), limit,
	)
	if err != nil {
		return nil, fmt.Errorf("sqlite: arbitrations before: %w", err)
	}
	return scanArbitrations(rows)
}

// DeleteArbitrationsBefore removes records decided before the cutoff.
func (s *Store) DeleteArbitrationsBefore(ctx context.Context, before time.Time) (int64, error) {
	res, err := s.db.ExecContext(ctx, `DELETE FROM arbitrations WHERE decision_at < ?`, before.UnixNano())
	if err != nil {
		return 0, fmt.Errorf("sqlite: delete arbitrations: %w", err)
	}
	return res.RowsAffected()
}

// ListExecutions returns receipts newest first.
func (s *Store) ListExecutions(ctx context.Context, opts domain.ListOpts) ([]domain.ExecutionReceipt, error) {
	query, args := listQuery(`
		SELECT proposal_id, layer_id, client_order_id, venue_order_id, venue, from_asset, to_asset,
		       qty_in, qty_out, price, fee, status, error, executed_at
		FROM executions`, "executed_at", opts)
	rows, err := s.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("sqlite: list executions: %w", err)
	}
	defer rows.Close()

	var out []domain.ExecutionReceipt
	for rows.Next() {
		var r domain.ExecutionReceipt
		var status string
		var executedAt int64
		if err := rows.Scan(&r.ProposalID, &r.LayerID, &r.ClientOrderID, &r.VenueOrderID, &r.Venue,
			&r.FromAsset, &r.ToAsset, &r.QtyIn, &r.QtyOut, &r.Price, &r.Fee, &status, &r.Error, &executedAt,
		); err != nil {
			return nil, fmt.Errorf("sqlite: scan execution: %w", err)
		}
		r.Status = domain.ExecutionStatus(status)
		r.ExecutedAt = time.Unix(0, executedAt)
		out = append(out, r)
	}
	return out, rows.Err()
}

func scanArbitrations(rows *sql.Rows) ([]domain.ArbitrationRecord, error) {
	defer rows.Close()

	var out []domain.ArbitrationRecord
	for rows.Next() {
		var r domain.ArbitrationRecord
		var cycle, decisionAt int64
		var losers string
		if err := rows.Scan(&r.ID, &cycle, &r.Symbol, &r.WinningLayerID, &r.WinningProposalID, &losers, &decisionAt); err != nil {
			return nil, fmt.Errorf("sqlite: scan arbitration: %w", err)
		}
		if err := json.Unmarshal([]byte(losers), &r.LosingLayerIDs); err != nil {
			return nil, fmt.Errorf("sqlite: unmarshal losers of %s: %w", r.ID, err)
		}
		r.Cycle = uint64(cycle)
		r.DecisionAt = time.Unix(0, decisionAt)
		out = append(out, r)
	}
	return out, rows.Err()
}

func listQuery(base, timeCol string, opts domain.ListOpts) (string, []any) {
	query := base + ` WHERE 1=1`
	var args []any
	if opts.Since != nil {
		query += " AND " + timeCol + " >= ?"
		args = append(args, opts.Since.UnixNano())
	}
	if opts.Until != nil {
		query += " AND " + timeCol + " <= ?"
		args = append(args, opts.Until.UnixNano())
	}
	query += " ORDER BY " + timeCol + " DESC"
	if opts.Limit > 0 || opts.Offset > 0 {
		limit := opts.Limit
		if limit <= 0 {
			limit = -1
		}
		query += " LIMIT ? OFFSET ?"
		args = append(args, limit, opts.Offset)
	}
	return query, args
}
