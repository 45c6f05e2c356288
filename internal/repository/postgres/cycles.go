package postgres

import (
	"context"
	"errors"
	"fmt"
	"strings"

	"github.com/openbuilders/reward-disburser/internal/repository"
	"github.com/openbuilders/reward-disburser/internal/repository/postgres/model"
	"github.com/openbuilders/reward-disburser/internal/types"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"
)

const cycleColumns = `id, name, starts_at, ends_at, total_pool, pool_per_member, pool_cap,
	currency, tier_share_bp, winners_per_tier, status, active_batch_id, disbursed_at,
	created_at, updated_at`

func (p *Postgres) CreateCycle(ctx context.Context, cycle *types.Cycle) error {
	if cycle.Status == "" {
		cycle.Status = types.CycleOpen
	}

	args := []any{
		cycle.Name, cycle.StartsAt, cycle.EndsAt,
		int64(cycle.TotalPool), int64(cycle.PoolPerMember), int64(cycle.PoolCap),
		cycle.Currency, model.FromTriple(cycle.TierShareBP), model.FromTriple(cycle.WinnersPerTier),
		string(cycle.Status),
	}

	query := `INSERT INTO cycle (name, starts_at, ends_at, total_pool, pool_per_member, pool_cap,
		currency, tier_share_bp, winners_per_tier, status)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10)
		RETURNING id, created_at, updated_at`
	if cycle.ID != 0 {
		query = `INSERT INTO cycle (name, starts_at, ends_at, total_pool, pool_per_member, pool_cap,
			currency, tier_share_bp, winners_per_tier, status, id)
			VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11)
			RETURNING id, created_at, updated_at`
		args = append(args, cycle.ID)
	}

	err := p.pg.QueryRow(ctx, query, args...).Scan(&cycle.ID, &cycle.CreatedAt, &cycle.UpdatedAt)
	if err != nil {
		return fmt.Errorf("insert cycle: %w", err)
	}
	return nil
}

func (p *Postgres) UpsertParticipants(ctx context.Context, participants []types.Participant) error {
	if len(participants) == 0 {
		return nil
	}

	batch := &pgx.Batch{}
	for _, pt := range participants {
		batch.Queue(`INSERT INTO participant (cycle_id, member_id, points, active, payout_destination)
			VALUES ($1, $2, $3, $4, NULLIF($5, ''))
			ON CONFLICT (cycle_id, member_id) DO UPDATE
			SET points = EXCLUDED.points,
				active = EXCLUDED.active,
				payout_destination = COALESCE(EXCLUDED.payout_destination, participant.payout_destination)`,
			pt.CycleID, strings.TrimSpace(pt.ID), pt.Points, pt.Active, strings.TrimSpace(pt.Destination))
	}

	return p.inTx(ctx, func(tx pgx.Tx) error {
		results := tx.SendBatch(ctx, batch)
		for range participants {
			if _, err := results.Exec(); err != nil {
				results.Close()
				if pgCode(err) == ForeignKeyViolation {
					return repository.ErrNotFound
				}
				return fmt.Errorf("upsert participant: %w", err)
			}
		}
		return results.Close()
	})
}

func (p *Postgres) GetCycle(ctx context.Context, cycleID int64) (*types.Cycle, error) {
	return getCycle(ctx, p.pg, cycleID)
}

func getCycle(ctx context.Context, q querier, cycleID int64) (*types.Cycle, error) {
	rows, err := q.Query(ctx, `SELECT `+cycleColumns+` FROM cycle WHERE id = $1`, cycleID)
	if err != nil {
		return nil, fmt.Errorf("select cycle: %w", err)
	}

	row, err := pgx.CollectExactlyOneRow(rows, pgx.RowToStructByName[model.Cycle])
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, repository.ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("scan cycle: %w", err)
	}
	return row.ToDomain(), nil
}

// ListParticipants falls back to the legacy email column for members
// without a payout destination.
func (p *Postgres) ListParticipants(ctx context.Context, cycleID int64) ([]types.Participant, error) {
	if _, err := p.GetCycle(ctx, cycleID); err != nil {
		return nil, err
	}

	rows, err := p.pg.Query(ctx, `SELECT member_id, cycle_id, points, active,
		COALESCE(NULLIF(TRIM(payout_destination), ''), TRIM(email), '') AS destination
		FROM participant WHERE cycle_id = $1 ORDER BY member_id`, cycleID)
	if err != nil {
		return nil, fmt.Errorf("select participants: %w", err)
	}

	list, err := pgx.CollectRows(rows, pgx.RowToStructByName[model.Participant])
	if err != nil {
		return nil, fmt.Errorf("scan participants: %w", err)
	}

	out := make([]types.Participant, len(list))
	for i, row := range list {
		out[i] = row.ToDomain()
	}
	return out, nil
}

func (p *Postgres) UpdateCycleStatus(ctx context.Context, cycleID int64,
	from, to types.CycleStatus) error {

	tag, err := p.pg.Exec(ctx, `UPDATE cycle SET status = $3, updated_at = now()
		WHERE id = $1 AND status = $2`, cycleID, string(from), string(to))
	if err != nil {
		return fmt.Errorf("update cycle status: %w", err)
	}
	if tag.RowsAffected() == 1 {
		return nil
	}

	if _, err := p.GetCycle(ctx, cycleID); err != nil {
		return err
	}
	return repository.ErrVersionConflict
}

// MarkCycleDisbursed records that the given batch settled the cycle. It is a
// no-op when already recorded and a conflict when another batch is active.
// stamps only the first settlement, later calls must not touch updated_at
const markDisbursedQuery = `UPDATE cycle
	SET disbursed_at = now(), updated_at = now()
	WHERE id = $1 AND active_batch_id = $2 AND disbursed_at IS NULL`

func (p *Postgres) MarkCycleDisbursed(ctx context.Context, cycleID int64,
	batchID uuid.UUID) error {

	tag, err := p.pg.Exec(ctx, markDisbursedQuery, cycleID, batchID)
	if err != nil {
		return fmt.Errorf("mark cycle disbursed: %w", err)
	}
	if tag.RowsAffected() == 1 {
		return nil
	}

	cycle, err := p.GetCycle(ctx, cycleID)
	if err != nil {
		return err
	}
	return alreadyDisbursed(cycle, batchID)
}

// alreadyDisbursed tells a repeated mark of the same batch apart from a cycle
// that moved on to another batch.
func alreadyDisbursed(cycle *types.Cycle, batchID uuid.UUID) error {
	if cycle.ActiveBatchID != nil && *cycle.ActiveBatchID == batchID && cycle.DisbursedAt != nil {
		return nil
	}
	return repository.ErrVersionConflict
}
