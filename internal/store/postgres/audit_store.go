package postgres

import (
	"context"
	"fmt"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"

	"github.com/alanyoungcy/convbot/internal/domain"
)

// AuditStore implements domain.AuditStore using PostgreSQL. Both tables are
// append-only; re-recording an existing id is a no-op.
type AuditStore struct {
	pool *pgxpool.Pool
}

var _ domain.AuditStore = (*AuditStore)(nil)

// NewAuditStore creates a new AuditStore backed by the given connection pool.
func NewAuditStore(pool *pgxpool.Pool) *AuditStore {
	return &AuditStore{pool: pool}
}

// RecordArbitration appends an arbitration record.
func (s *AuditStore) RecordArbitration(ctx context.Context, rec domain.ArbitrationRecord) error {
	losers := rec.LosingLayerIDs
	if losers == nil {
		losers = []string{}
	}
	const query = `
		INSERT INTO arbitrations (id, cycle, symbol, winning_layer_id, winning_proposal_id, losing_layer_ids, decision_at)
		VALUES ($1, $2, $3, $4, $5, $6, $7)
		ON CONFLICT (id) DO NOTHING`
	_, err := s.pool.Exec(ctx, query,
		rec.ID, int64(rec.Cycle), rec.Symbol, rec.WinningLayerID, rec.WinningProposalID, losers, rec.DecisionAt,
	)
	if err != nil {
		return fmt.Errorf("postgres: record arbitration %s: %w", rec.ID, err)
	}
	return nil
}

// RecordExecution appends an execution receipt.
func (s *AuditStore) RecordExecution(ctx context.Context, r domain.ExecutionReceipt) error {
	const query = `
		INSERT INTO executions (proposal_id, layer_id, client_order_id, venue_order_id, venue, from_asset, to_asset,
		                        qty_in, qty_out, price, fee, status, error, executed_at)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11, $12, $13, $14)
		ON CONFLICT (proposal_id) DO NOTHING`
	_, err := s.pool.Exec(ctx, query,
		r.ProposalID, r.LayerID, r.ClientOrderID, r.VenueOrderID, r.Venue, r.FromAsset, r.ToAsset,
		r.QtyIn, r.QtyOut, r.Price, r.Fee, string(r.Status), r.Error, r.ExecutedAt,
	)
	if err != nil {
		return fmt.Errorf("postgres: record execution %s: %w", r.ProposalID, err)
	}
	return nil
}

const arbitrationColumns = `id, cycle, symbol, winning_layer_id, winning_proposal_id, losing_layer_ids, decision_at`

// ListArbitrations returns records newest first.
func (s *AuditStore) ListArbitrations(ctx context.Context, opts domain.ListOpts) ([]domain.ArbitrationRecord, error) {
	query, args := listQuery(`SELECT `+arbitrationColumns+` FROM arbitrations`, "decision_at", opts)
	rows, err := s.pool.Query(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("postgres: list arbitrations: %w", err)
	}
	return collectArbitrations(rows)
}

// ArbitrationsBefore returns up to limit records decided before the cutoff,
// oldest first.
func (s *AuditStore) ArbitrationsBefore(ctx context.Context, before time.Time, limit int) ([]domain.ArbitrationRecord, error) {
	query := `SELECT ` + arbitrationColumns + ` FROM arbitrations WHERE decision_at < $1 ORDER BY decision_at ASC, id ASC`
	args := []any{before}
	if limit > 0 {
		query += ` LIMIT $2`
		args = append(args, limit)
	}
	rows, err := s.pool.Query(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("postgres: arbitrations before %s: %w", before.Format(time.RFC3339), err)
	}
	return collectArbitrations(rows)
}

// DeleteArbitrationsBefore removes records decided before the cutoff.
func (s *AuditStore) DeleteArbitrationsBefore(ctx context.Context, before time.Time) (int64, error) {
	tag, err := s.pool.Exec(ctx, `DELETE FROM arbitrations WHERE decision_at < $1`, before)
	if err != nil {
		return 0, fmt.Errorf("postgres: delete arbitrations: %w", err)
	}
	return tag.RowsAffected(), nil
}

// ListExecutions returns receipts newest first.
func (s *AuditStore) ListExecutions(ctx context.Context, opts domain.ListOpts) ([]domain.ExecutionReceipt, error) {
	query, args := listQuery(`
		SELECT proposal_id, layer_id, client_order_id, venue_order_id, venue, from_asset, to_asset,
		       qty_in, qty_out, price, fee, status, error, executed_at
		FROM executions`, "executed_at", opts)
	rows, err := s.pool.Query(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("postgres: list executions: %w", err)
	}
	defer rows.Close()

	var out []domain.ExecutionReceipt
	for rows.Next() {
		var r domain.ExecutionReceipt
		var status string
		if err := rows.Scan(&r.ProposalID, &r.LayerID, &r.ClientOrderID, &r.VenueOrderID, &r.Venue,
			&r.FromAsset, &r.ToAsset, &r.QtyIn, &r.QtyOut, &r.Price, &r.Fee, &status, &r.Error, &r.ExecutedAt,
		); err != nil {
			return nil, fmt.Errorf("postgres: scan execution: %w", err)
		}
		r.Status = domain.ExecutionStatus(status)
		out = append(out, r)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("postgres: list executions rows: %w", err)
	}
	return out, nil
}

func collectArbitrations(rows pgx.Rows) ([]domain.ArbitrationRecord, error) {
	defer rows.Close()

	var out []domain.ArbitrationRecord
	for rows.Next() {
		var r domain.ArbitrationRecord
		var cycle int64
		if err := rows.Scan(&r.ID, &cycle, &r.Symbol, &r.WinningLayerID, &r.WinningProposalID,
			&r.LosingLayerIDs, &r.DecisionAt,
		); err != nil {
			return nil, fmt.Errorf("postgres: scan arbitration: %w", err)
		}
		r.Cycle = uint64(cycle)
		out = append(out, r)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("postgres: list arbitrations rows: %w", err)
	}
	return out, nil
}

// listQuery appends time filters, newest-first ordering and pagination.
func listQuery(base, timeCol string, opts domain.ListOpts) (string, []any) {
	query := base + ` WHERE 1=1`
	args := []any{}
	argIdx := 1

	if opts.Since != nil {
		query += fmt.Sprintf(" AND %s >= $%d", timeCol, argIdx)
		args = append(args, *opts.Since)
		argIdx++
	}
	if opts.Until != nil {
		query += fmt.Sprintf(" AND %s <= $%d", timeCol, argIdx)
		args = append(args, *opts.Until)
		argIdx++
	}

	query += fmt.Sprintf(" ORDER BY %s DESC", timeCol)

	if opts.Limit > 0 {
		query += fmt.Sprintf(" LIMIT $%d", argIdx)
		args = append(args, opts.Limit)
		argIdx++
	}
	if opts.Offset > 0 {
		query += fmt.Sprintf(" OFFSET $%d", argIdx)
		args = append(args, opts.Offset)
	}
	return query, args
}
