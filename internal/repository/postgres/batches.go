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

const batchColumns = `id, cycle_id, admin_id, sender_batch_id, request_checksum, attempt, status,
	provider_batch_id, currency, total_amount, version, created_at, updated_at,
	submitted_at, completed_at, cancelled_at`

const itemColumns = `id, batch_id, selection_id, position, participant_id, destination, amount,
	currency, provider_item_id, status, failure_reason, version, updated_at`

var itemFields = []string{
	"id", "batch_id", "selection_id", "position", "participant_id", "destination", "amount",
	"currency", "provider_item_id", "status", "failure_reason", "version", "updated_at",
}

var inFlightStatuses = []string{
	string(types.BatchIntent), string(types.BatchSubmitted), string(types.BatchProcessing),
}

func (p *Postgres) FindBatchesByChecksum(ctx context.Context, cycleID int64,
	checksum string) ([]types.PayoutBatch, error) {

	return p.queryBatches(ctx, `SELECT `+batchColumns+` FROM payout_batch
		WHERE cycle_id = $1 AND request_checksum = $2 ORDER BY attempt`, cycleID, checksum)
}

func (p *Postgres) GetBatch(ctx context.Context, id uuid.UUID) (*types.PayoutBatch, error) {
	return p.getBatch(ctx, `SELECT `+batchColumns+` FROM payout_batch WHERE id = $1`, id)
}

func (p *Postgres) GetBatchBySenderID(ctx context.Context, senderBatchID string) (
	*types.PayoutBatch, error) {

	return p.getBatch(ctx, `SELECT `+batchColumns+` FROM payout_batch
		WHERE sender_batch_id = $1`, senderBatchID)
}

func (p *Postgres) ListBatches(ctx context.Context, cycleID int64) ([]types.PayoutBatch, error) {
	return p.queryBatches(ctx, `SELECT `+batchColumns+` FROM payout_batch
		WHERE cycle_id = $1 ORDER BY created_at, attempt`, cycleID)
}

// ListBatchesByStatus returns the least recently touched batches first. A
// limit of zero returns all of them.
func (p *Postgres) ListBatchesByStatus(ctx context.Context,
	statuses []types.BatchStatus, limit int) ([]types.PayoutBatch, error) {

	wanted := make([]string, len(statuses))
	for i, s := range statuses {
		wanted[i] = string(s)
	}

	return p.queryBatches(ctx, `SELECT `+batchColumns+` FROM payout_batch
		WHERE status = ANY($1) ORDER BY updated_at LIMIT NULLIF($2::int, 0)`, wanted, limit)
}

// InsertBatch persists a new intent batch with its items, queues the
// selections it pays and makes it the cycle's active batch, all or nothing.
// Concurrent inserts for one cycle serialize on an advisory lock, the partial
// unique index on in-flight batches backs it up.
func (p *Postgres) InsertBatch(ctx context.Context, batch *types.PayoutBatch) error {
	now := time.Now().UTC()

	selectionIDs := make([]uuid.UUID, len(batch.Items))
	for i, it := range batch.Items {
		selectionIDs[i] = it.SelectionID
	}

	err := p.inTx(ctx, func(tx pgx.Tx) error {
		if _, err := tx.Exec(ctx, `SELECT pg_advisory_xact_lock($1)`, batch.CycleID); err != nil {
			return fmt.Errorf("lock cycle: %w", err)
		}

		var status string
		err := tx.QueryRow(ctx, `SELECT status FROM cycle WHERE id = $1 FOR UPDATE`, batch.CycleID).
			Scan(&status)
		if errors.Is(err, pgx.ErrNoRows) {
			return repository.ErrNotFound
		}
		if err != nil {
			return fmt.Errorf("select cycle: %w", err)
		}
		st := types.CycleStatus(status)
		if st != types.CycleSelectionComplete && st != types.CycleDisbursing {
			return repository.ErrVersionConflict
		}

		var inFlight bool
		err = tx.QueryRow(ctx, `SELECT EXISTS (SELECT 1 FROM payout_batch
			WHERE cycle_id = $1 AND status = ANY($2))`, batch.CycleID, inFlightStatuses).
			Scan(&inFlight)
		if err != nil {
			return fmt.Errorf("check in-flight batches: %w", err)
		}
		if inFlight {
			return repository.ErrInFlightBatch
		}

		var overlapping bool
		err = tx.QueryRow(ctx, `SELECT EXISTS (SELECT 1 FROM payout_item i
			JOIN payout_batch b ON b.id = i.batch_id
			WHERE b.cycle_id = $1 AND b.status <> $2
			AND i.status IN ($3, $4) AND i.selection_id = ANY($5))`,
			batch.CycleID, string(types.BatchCancelled),
			string(types.ItemPending), string(types.ItemSuccess), selectionIDs).Scan(&overlapping)
		if err != nil {
			return fmt.Errorf("check live items: %w", err)
		}
		if overlapping {
			return repository.ErrOverlappingItems
		}

		var known int
		err = tx.QueryRow(ctx, `SELECT count(*) FROM winner_selection WHERE id = ANY($1)`,
			selectionIDs).Scan(&known)
		if err != nil {
			return fmt.Errorf("count selections: %w", err)
		}
		if known != distinct(selectionIDs) {
			return repository.ErrNotFound
		}

		_, err = tx.Exec(ctx, `INSERT INTO payout_batch (id, cycle_id, admin_id, sender_batch_id,
			request_checksum, attempt, status, provider_batch_id, currency, total_amount, version,
			created_at, updated_at)
			VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, 1, $11, $11)`,
			batch.ID, batch.CycleID, batch.AdminID, batch.SenderBatchID, batch.RequestChecksum,
			batch.Attempt, string(batch.Status), batch.ProviderBatchID, batch.Currency,
			int64(batch.TotalAmount), now)
		if err != nil {
			return fmt.Errorf("insert batch: %w", err)
		}

		rows := make([][]any, len(batch.Items))
		for i, it := range batch.Items {
			rows[i] = []any{
				it.ID, batch.ID, it.SelectionID, int32(i), it.ParticipantID, it.Destination,
				int64(it.Amount), it.Currency, it.ProviderItemID, string(it.Status),
				it.FailureReason, int64(1), now,
			}
		}
		if _, err := tx.CopyFrom(ctx, pgx.Identifier{"payout_item"}, itemFields,
			pgx.CopyFromRows(rows)); err != nil {

			return fmt.Errorf("copy items: %w", err)
		}

		_, err = tx.Exec(ctx, `UPDATE winner_selection
			SET status = $2, version = version + 1, updated_at = $3
			WHERE id = ANY($1)`, selectionIDs, string(types.PayoutQueued), now)
		if err != nil {
			return fmt.Errorf("queue selections: %w", err)
		}

		_, err = tx.Exec(ctx, `UPDATE cycle SET active_batch_id = $2, status = $3, updated_at = $4
			WHERE id = $1`, batch.CycleID, batch.ID, string(types.CycleDisbursing), now)
		if err != nil {
			return fmt.Errorf("activate batch: %w", err)
		}
		return nil
	})
	if pgCode(err) == DuplicateKeyValue {
		return repository.ErrInFlightBatch
	}
	if err != nil {
		return err
	}

	batch.Version = 1
	batch.CreatedAt, batch.UpdatedAt = now, now
	for i := range batch.Items {
		batch.Items[i].BatchID = batch.ID
		batch.Items[i].Version = 1
		batch.Items[i].UpdatedAt = now
	}
	return nil
}

func (p *Postgres) SaveBatchState(ctx context.Context, u repository.BatchUpdate) error {
	now := time.Now().UTC()

	err := p.inTx(ctx, func(tx pgx.Tx) error {
		var cycleID int64
		err := tx.QueryRow(ctx, `UPDATE payout_batch
			SET status = $3, provider_batch_id = $4, submitted_at = $5, completed_at = $6,
				cancelled_at = $7, version = version + 1, updated_at = $8
			WHERE id = $1 AND version = $2
			RETURNING cycle_id`,
			u.Batch.ID, u.Batch.Version, string(u.Batch.Status), u.Batch.ProviderBatchID,
			u.Batch.SubmittedAt, u.Batch.CompletedAt, u.Batch.CancelledAt, now).Scan(&cycleID)
		if errors.Is(err, pgx.ErrNoRows) {
			return missingOrConflict(ctx, tx, `SELECT EXISTS (SELECT 1 FROM payout_batch
				WHERE id = $1)`, u.Batch.ID)
		}
		if err != nil {
			return fmt.Errorf("update batch: %w", err)
		}

		for _, it := range u.Items {
			tag, err := tx.Exec(ctx, `UPDATE payout_item
				SET status = $4, provider_item_id = $5, failure_reason = $6,
					version = version + 1, updated_at = $7
				WHERE id = $1 AND batch_id = $2 AND version = $3`,
				it.ID, u.Batch.ID, it.Version, string(it.Status), it.ProviderItemID,
				it.FailureReason, now)
			if err != nil {
				return fmt.Errorf("update item %s: %w", it.ID, err)
			}
			if tag.RowsAffected() == 0 {
				return missingOrConflict(ctx, tx, `SELECT EXISTS (SELECT 1 FROM payout_item
					WHERE id = $1)`, it.ID)
			}
		}

		if len(u.Selections) > 0 {
			ids := make([]uuid.UUID, 0, len(u.Selections))
			for id := range u.Selections {
				ids = append(ids, id)
			}

			var known int
			err := tx.QueryRow(ctx, `SELECT count(*) FROM winner_selection WHERE id = ANY($1)`,
				ids).Scan(&known)
			if err != nil {
				return fmt.Errorf("count selections: %w", err)
			}
			if known != len(ids) {
				return repository.ErrNotFound
			}

			for id, status := range u.Selections {
				_, err := tx.Exec(ctx, `UPDATE winner_selection
					SET status = $2, version = version + 1, updated_at = $3
					WHERE id = $1 AND status <> $2`, id, string(status), now)
				if err != nil {
					return fmt.Errorf("update selection %s: %w", id, err)
				}
			}
		}

		if u.ReleaseCycle {
			_, err := tx.Exec(ctx, `UPDATE cycle SET active_batch_id = NULL, updated_at = $3
				WHERE id = $1 AND active_batch_id = $2`, cycleID, u.Batch.ID, now)
			if err != nil {
				return fmt.Errorf("release cycle: %w", err)
			}
		}
		return nil
	})
	if err != nil {
		return err
	}

	u.Batch.Version++
	u.Batch.UpdatedAt = now
	for n := range u.Items {
		u.Items[n].Version++
		u.Items[n].UpdatedAt = now
		for k := range u.Batch.Items {
			if u.Batch.Items[k].ID == u.Items[n].ID {
				u.Batch.Items[k] = u.Items[n]
			}
		}
	}
	return nil
}

func (p *Postgres) getBatch(ctx context.Context, query string, args ...any) (
	*types.PayoutBatch, error) {

	list, err := p.queryBatches(ctx, query, args...)
	if err != nil {
		return nil, err
	}
	if len(list) == 0 {
		return nil, repository.ErrNotFound
	}
	return &list[0], nil
}

// queryBatches loads the batches selected by query together with their items.
func (p *Postgres) queryBatches(ctx context.Context, query string, args ...any) (
	[]types.PayoutBatch, error) {

	rows, err := p.pg.Query(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("select batches: %w", err)
	}

	list, err := pgx.CollectRows(rows, pgx.RowToStructByName[model.Batch])
	if err != nil {
		return nil, fmt.Errorf("scan batches: %w", err)
	}
	if len(list) == 0 {
		return []types.PayoutBatch{}, nil
	}

	ids := make([]uuid.UUID, len(list))
	for i, b := range list {
		ids[i] = b.ID
	}

	itemRows, err := p.pg.Query(ctx, `SELECT `+itemColumns+` FROM payout_item
		WHERE batch_id = ANY($1) ORDER BY batch_id, position`, ids)
	if err != nil {
		return nil, fmt.Errorf("select items: %w", err)
	}

	items, err := pgx.CollectRows(itemRows, pgx.RowToStructByName[model.Item])
	if err != nil {
		return nil, fmt.Errorf("scan items: %w", err)
	}

	byBatch := make(map[uuid.UUID][]types.PayoutItem, len(list))
	for _, it := range items {
		byBatch[it.BatchID] = append(byBatch[it.BatchID], it.ToDomain())
	}

	out := make([]types.PayoutBatch, len(list))
	for i, b := range list {
		out[i] = b.ToDomain(byBatch[b.ID])
	}
	return out, nil
}

// missingOrConflict tells a row that is gone from one that moved on.
func missingOrConflict(ctx context.Context, q querier, query string, id uuid.UUID) error {
	var exists bool
	if err := q.QueryRow(ctx, query, id).Scan(&exists); err != nil {
		return fmt.Errorf("check existence: %w", err)
	}
	if !exists {
		return repository.ErrNotFound
	}
	return repository.ErrVersionConflict
}

func distinct(ids []uuid.UUID) int {
	seen := make(map[uuid.UUID]struct{}, len(ids))
	for _, id := range ids {
		seen[id] = struct{}{}
	}
	return len(seen)
}
