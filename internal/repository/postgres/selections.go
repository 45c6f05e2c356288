package postgres

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/openbuilders/reward-disburser/internal/repository"
	"github.com/openbuilders/reward-disburser/internal/repository/postgres/model"
	"github.com/openbuilders/reward-disburser/internal/types"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"
)

const selectionColumns = `id, cycle_id, participant_id, destination, points, tier, tier_rank,
	computed_amount, override_amount, status, sealed, version, created_at, updated_at`

var selectionFields = []string{
	"id", "cycle_id", "participant_id", "destination", "points", "tier", "tier_rank",
	"computed_amount", "override_amount", "status", "sealed", "version", "created_at", "updated_at",
}

func (p *Postgres) ListSelections(ctx context.Context, cycleID int64) ([]types.WinnerSelection, error) {
	rows, err := p.pg.Query(ctx, `SELECT `+selectionColumns+` FROM winner_selection
		WHERE cycle_id = $1 ORDER BY tier, tier_rank`, cycleID)
	if err != nil {
		return nil, fmt.Errorf("select selections: %w", err)
	}

	list, err := pgx.CollectRows(rows, pgx.RowToStructByName[model.Selection])
	if err != nil {
		return nil, fmt.Errorf("scan selections: %w", err)
	}

	out := make([]types.WinnerSelection, len(list))
	for i, row := range list {
		out[i] = row.ToDomain()
	}
	return out, nil
}

func (p *Postgres) GetSelection(ctx context.Context, id uuid.UUID) (*types.WinnerSelection, error) {
	rows, err := p.pg.Query(ctx, `SELECT `+selectionColumns+` FROM winner_selection
		WHERE id = $1`, id)
	if err != nil {
		return nil, fmt.Errorf("select selection: %w", err)
	}

	row, err := pgx.CollectExactlyOneRow(rows, pgx.RowToStructByName[model.Selection])
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, repository.ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("scan selection: %w", err)
	}

	sel := row.ToDomain()
	return &sel, nil
}

// SaveDraw replaces the unsealed selections of a cycle and marks the cycle
// selection_complete.
func (p *Postgres) SaveDraw(ctx context.Context, cycleID int64,
	selections []types.WinnerSelection) error {

	now := time.Now().UTC()

	err := p.inTx(ctx, func(tx pgx.Tx) error {
		var status string
		err := tx.QueryRow(ctx, `SELECT status FROM cycle WHERE id = $1 FOR UPDATE`, cycleID).
			Scan(&status)
		if errors.Is(err, pgx.ErrNoRows) {
			return repository.ErrNotFound
		}
		if err != nil {
			return fmt.Errorf("lock cycle: %w", err)
		}

		st := types.CycleStatus(status)
		if st != types.CycleOpen && st != types.CycleSelectionComplete {
			return repository.ErrVersionConflict
		}

		var sealed bool
		err = tx.QueryRow(ctx, `SELECT EXISTS (SELECT 1 FROM winner_selection
			WHERE cycle_id = $1 AND sealed)`, cycleID).Scan(&sealed)
		if err != nil {
			return fmt.Errorf("check sealed: %w", err)
		}
		if sealed {
			return repository.ErrSealed
		}

		if _, err := tx.Exec(ctx, `DELETE FROM winner_selection WHERE cycle_id = $1`, cycleID); err != nil {
			return fmt.Errorf("delete previous draw: %w", err)
		}

		rows := make([][]any, len(selections))
		for i, s := range selections {
			var override *int64
			if s.OverrideAmount != nil {
				v := int64(*s.OverrideAmount)
				override = &v
			}
			rows[i] = []any{
				s.ID, cycleID, s.ParticipantID, s.Destination, s.Points,
				int16(s.Tier), int32(s.TierRank), int64(s.ComputedAmount), override,
				string(s.Status), false, int64(1), now, now,
			}
		}

		if _, err := tx.CopyFrom(ctx, pgx.Identifier{"winner_selection"}, selectionFields,
			pgx.CopyFromRows(rows)); err != nil {

			return fmt.Errorf("copy selections: %w", err)
		}

		_, err = tx.Exec(ctx, `UPDATE cycle SET status = $2, updated_at = $3
			WHERE id = $1 AND status = $4`,
			cycleID, string(types.CycleSelectionComplete), now, string(types.CycleOpen))
		if err != nil {
			return fmt.Errorf("update cycle status: %w", err)
		}
		return nil
	})
	if err != nil {
		return err
	}

	for i := range selections {
		selections[i].CycleID = cycleID
		selections[i].Version = 1
		selections[i].CreatedAt, selections[i].UpdatedAt = now, now
	}
	return nil
}

func (p *Postgres) UpdateSelectionOverride(ctx context.Context, sel *types.WinnerSelection) error {
	var override *int64
	if sel.OverrideAmount != nil {
		v := int64(*sel.OverrideAmount)
		override = &v
	}

	err := p.pg.QueryRow(ctx, `UPDATE winner_selection
		SET override_amount = $2, version = version + 1, updated_at = now()
		WHERE id = $1 AND version = $3 AND NOT sealed
		RETURNING version, updated_at`, sel.ID, override, sel.Version).
		Scan(&sel.Version, &sel.UpdatedAt)
	if err == nil {
		return nil
	}
	if !errors.Is(err, pgx.ErrNoRows) {
		return fmt.Errorf("update override: %w", err)
	}

	stored, err := p.GetSelection(ctx, sel.ID)
	if err != nil {
		return err
	}
	if stored.Sealed {
		return repository.ErrSealed
	}
	return repository.ErrVersionConflict
}

// SealSelections seals the cycle's draw only when it still is exactly the set
// of selections and versions the caller checked.
func (p *Postgres) SealSelections(ctx context.Context, cycleID int64,
	versions map[uuid.UUID]int64) (int, error) {

	var sealed int
	err := p.inTx(ctx, func(tx pgx.Tx) error {
		var exists bool
		err := tx.QueryRow(ctx, `SELECT true FROM cycle WHERE id = $1 FOR UPDATE`, cycleID).
			Scan(&exists)
		if errors.Is(err, pgx.ErrNoRows) {
			return repository.ErrNotFound
		}
		if err != nil {
			return fmt.Errorf("lock cycle: %w", err)
		}

		rows, err := tx.Query(ctx, `SELECT id, version FROM winner_selection
			WHERE cycle_id = $1 FOR UPDATE`, cycleID)
		if err != nil {
			return fmt.Errorf("lock selections: %w", err)
		}
		stored, err := pgx.CollectRows(rows, pgx.RowToStructByPos[selectionVersion])
		if err != nil {
			return fmt.Errorf("scan selections: %w", err)
		}

		if len(stored) != len(versions) {
			return repository.ErrVersionConflict
		}
		for _, s := range stored {
			if v, ok := versions[s.ID]; !ok || v != s.Version {
				return repository.ErrVersionConflict
			}
		}

		tag, err := tx.Exec(ctx, `UPDATE winner_selection
			SET sealed = true, version = version + 1, updated_at = now()
			WHERE cycle_id = $1 AND NOT sealed`, cycleID)
		if err != nil {
			return fmt.Errorf("seal selections: %w", err)
		}
		sealed = int(tag.RowsAffected())
		return nil
	})
	if err != nil {
		return 0, err
	}
	return sealed, nil
}

type selectionVersion struct {
	ID      uuid.UUID
	Version int64
}
