// Package draw runs the selection side of a cycle: tiering, the weighted draw,
// payout amounts, admin overrides and sealing.
package draw

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	svcerr "github.com/openbuilders/reward-disburser/internal/errors"
	"github.com/openbuilders/reward-disburser/internal/payout"
	"github.com/openbuilders/reward-disburser/internal/repository"
	"github.com/openbuilders/reward-disburser/internal/selector"
	"github.com/openbuilders/reward-disburser/internal/tier"
	"github.com/openbuilders/reward-disburser/internal/types"

	"github.com/google/uuid"
)

var (
	DefaultTierShareBP    = [3]int{5000, 3000, 2000}
	DefaultWinnersPerTier = [3]int{1, 1, 1}
)

type Config struct {
	DBTimeout time.Duration
}

type Repository interface {
	GetCycle(context.Context, int64) (*types.Cycle, error)
	ListParticipants(context.Context, int64) ([]types.Participant, error)
	ListSelections(context.Context, int64) ([]types.WinnerSelection, error)
	GetSelection(context.Context, uuid.UUID) (*types.WinnerSelection, error)
	SaveDraw(ctx context.Context, cycleID int64, selections []types.WinnerSelection) error
	UpdateSelectionOverride(context.Context, *types.WinnerSelection) error
	// SealSelections fails with repository.ErrVersionConflict when the draw
	// no longer matches versions.
	SealSelections(ctx context.Context, cycleID int64, versions map[uuid.UUID]int64) (int, error)
}

type Service struct {
	config     *Config
	repo       Repository
	classifier *tier.Classifier
	selector   *selector.Selector
	calculator *payout.Calculator
	log        *slog.Logger
}

func New(config *Config, repo Repository, classifier *tier.Classifier,
	sel *selector.Selector, calculator *payout.Calculator) *Service {

	return &Service{
		config:     config,
		repo:       repo,
		classifier: classifier,
		selector:   sel,
		calculator: calculator,
		log:        slog.With("component", "draw"),
	}
}

// Outcome describes one draw. Thresholds and pools are recomputed on every
// run from the current participants.
type Outcome struct {
	CycleID      int64                   `json:"cycleId"`
	Participants int                     `json:"participants"`
	Pool         types.Money             `json:"pool"`
	TierPools    [3]types.Money          `json:"tierPools"`
	Thresholds   tier.Thresholds         `json:"thresholds"`
	Selections   []types.WinnerSelection `json:"selections"`
}

type Summary struct {
	Cycle      *types.Cycle            `json:"cycle"`
	Total      types.Money             `json:"total"`
	Selections []types.WinnerSelection `json:"selections"`
}

// RunSelection classifies the cycle's active participants, draws the winners
// of every tier and computes their amounts. Running it again before sealing
// replaces the previous draw. A nil seed draws from the clock.
func (s *Service) RunSelection(ctx context.Context, cycleID int64, seed *uint64) (
	*Outcome, error) {

	ctxWithTimeout, cancel := s.dbContext(ctx)
	defer cancel()

	cycle, err := s.repo.GetCycle(ctxWithTimeout, cycleID)
	if err != nil {
		return nil, repoError(err, "load cycle %d", cycleID)
	}

	if cycle.Status != types.CycleOpen && cycle.Status != types.CycleSelectionComplete {
		return nil, svcerr.New(svcerr.CodeInvalidState,
			"cycle %d is %s, selection is only possible before disbursement", cycle.ID, cycle.Status)
	}

	active, err := s.activeParticipants(ctxWithTimeout, cycleID)
	if err != nil {
		return nil, err
	}
	if len(active) == 0 {
		return nil, svcerr.Validation("cycle has no active participants",
			svcerr.Offender{Field: "participants", Reason: "empty"})
	}

	pool := cycle.ResolvePool(len(active))
	tierPools, err := payout.TierPools(pool, shareOf(cycle))
	if err != nil {
		return nil, svcerr.Wrap(svcerr.CodeValidation, err, "cycle %d has an invalid pool split", cycle.ID)
	}

	tiers := s.classifier.Classify(active)
	members := [3][]types.Participant{}
	for _, p := range active {
		t := tiers[p.ID]
		members[t.Index()] = append(members[t.Index()], p)
	}

	winnersPerTier := winnersOf(cycle)
	var selections []types.WinnerSelection
	for _, t := range types.Tiers {
		idx := t.Index()

		winners := s.selector.Select(members[idx], winnersPerTier[idx], tierSeed(seed, t))
		for i := range winners {
			winners[i].ID = uuid.New()
			winners[i].CycleID = cycle.ID
			winners[i].Tier = t
		}

		priced, err := s.calculator.ComputeAmounts(tierPools[idx], winners)
		if err != nil {
			return nil, err
		}
		selections = append(selections, priced...)
	}

	if err := s.repo.SaveDraw(ctxWithTimeout, cycle.ID, selections); err != nil {
		return nil, repoError(err, "save draw of cycle %d", cycle.ID)
	}

	outcome := &Outcome{
		CycleID:      cycle.ID,
		Participants: len(active),
		Pool:         pool,
		TierPools:    tierPools,
		Thresholds:   s.classifier.Thresholds(active),
		Selections:   selections,
	}

	s.log.Info("Selection finished",
		"cycle", cycle.ID,
		"participants", len(active),
		"winners", len(selections),
		"pool", pool.String(),
		"lower", outcome.Thresholds.Lower,
		"upper", outcome.Thresholds.Upper,
	)

	return outcome, nil
}

// Override sets or clears the admin amount of an unsealed selection. version
// must match the stored selection.
func (s *Service) Override(ctx context.Context, selectionID uuid.UUID, version int64,
	amount *types.Money) (*types.WinnerSelection, error) {

	ctxWithTimeout, cancel := s.dbContext(ctx)
	defer cancel()

	sel, err := s.repo.GetSelection(ctxWithTimeout, selectionID)
	if err != nil {
		return nil, repoError(err, "load selection %s", selectionID)
	}

	if version != 0 && sel.Version != version {
		return nil, svcerr.New(svcerr.CodeConflict,
			"selection %s changed (version %d, expected %d)", sel.ID, sel.Version, version)
	}

	if err := payout.SetOverride(sel, amount); err != nil {
		return nil, err
	}

	if err := s.repo.UpdateSelectionOverride(ctxWithTimeout, sel); err != nil {
		return nil, repoError(err, "override selection %s", sel.ID)
	}

	s.log.Info("Selection amount overridden",
		"selection", sel.ID,
		"computed", sel.ComputedAmount.String(),
		"final", sel.FinalAmount().String(),
	)
	return sel, nil
}

// Seal freezes the cycle's selections once their final amounts fit the pool.
func (s *Service) Seal(ctx context.Context, cycleID int64) (*Summary, error) {
	ctxWithTimeout, cancel := s.dbContext(ctx)
	defer cancel()

	cycle, err := s.repo.GetCycle(ctxWithTimeout, cycleID)
	if err != nil {
		return nil, repoError(err, "load cycle %d", cycleID)
	}
	if cycle.Status != types.CycleSelectionComplete {
		return nil, svcerr.New(svcerr.CodeInvalidState,
			"cycle %d is %s, sealing needs a finished selection", cycle.ID, cycle.Status)
	}

	selections, err := s.repo.ListSelections(ctxWithTimeout, cycleID)
	if err != nil {
		return nil, repoError(err, "list selections of cycle %d", cycleID)
	}
	if len(selections) == 0 {
		return nil, svcerr.Validation("cycle has no selections to seal",
			svcerr.Offender{Field: "selections", Reason: "empty"})
	}

	active, err := s.activeParticipants(ctxWithTimeout, cycleID)
	if err != nil {
		return nil, err
	}

	if err := payout.CheckSealable(selections, cycle.ResolvePool(len(active))); err != nil {
		return nil, err
	}

	n, err := s.repo.SealSelections(ctxWithTimeout, cycleID, repository.Versions(selections))
	if err != nil {
		return nil, repoError(err, "seal cycle %d", cycleID)
	}
	s.log.Info("Selections sealed", "cycle", cycleID, "sealed", n)

	return s.summary(ctxWithTimeout, cycleID)
}

func (s *Service) List(ctx context.Context, cycleID int64) (*Summary, error) {
	ctxWithTimeout, cancel := s.dbContext(ctx)
	defer cancel()

	return s.summary(ctxWithTimeout, cycleID)
}

func (s *Service) summary(ctx context.Context, cycleID int64) (*Summary, error) {
	cycle, err := s.repo.GetCycle(ctx, cycleID)
	if err != nil {
		return nil, repoError(err, "load cycle %d", cycleID)
	}

	selections, err := s.repo.ListSelections(ctx, cycleID)
	if err != nil {
		return nil, repoError(err, "list selections of cycle %d", cycleID)
	}

	var total types.Money
	for i := range selections {
		total += selections[i].FinalAmount()
	}

	return &Summary{Cycle: cycle, Total: total, Selections: selections}, nil
}

func (s *Service) activeParticipants(ctx context.Context, cycleID int64) (
	[]types.Participant, error) {

	all, err := s.repo.ListParticipants(ctx, cycleID)
	if err != nil {
		return nil, repoError(err, "list participants of cycle %d", cycleID)
	}

	active := make([]types.Participant, 0, len(all))
	for _, p := range all {
		if p.Active {
			active = append(active, p)
		}
	}
	return active, nil
}

func (s *Service) dbContext(ctx context.Context) (context.Context, context.CancelFunc) {
	if s.config.DBTimeout <= 0 {
		return context.WithCancel(ctx)
	}
	return context.WithTimeout(ctx, s.config.DBTimeout)
}

func shareOf(cycle *types.Cycle) [3]int {
	if cycle.TierShareBP == [3]int{} {
		return DefaultTierShareBP
	}
	return cycle.TierShareBP
}

func winnersOf(cycle *types.Cycle) [3]int {
	if cycle.WinnersPerTier == [3]int{} {
		return DefaultWinnersPerTier
	}
	return cycle.WinnersPerTier
}

// tierSeed derives an independent seed per tier so that adding a winner to
// one tier does not reshuffle the others.
func tierSeed(seed *uint64, t types.Tier) *uint64 {
	if seed == nil {
		return nil
	}
	v := *seed + uint64(t)*0x9e3779b97f4a7c15
	return &v
}

func repoError(err error, format string, args ...any) error {
	msg := fmt.Sprintf(format, args...)
	switch {
	case errors.Is(err, repository.ErrNotFound):
		return svcerr.Wrap(svcerr.CodeNotFound, err, "%s: not found", msg)
	case errors.Is(err, repository.ErrSealed):
		return svcerr.Wrap(svcerr.CodeInvalidState, err, "%s: selections are sealed", msg)
	case errors.Is(err, repository.ErrVersionConflict):
		return svcerr.Wrap(svcerr.CodeConflict, err, "%s: concurrent update", msg)
	}
	return svcerr.Wrap(svcerr.CodeInternal, err, "%s", msg)
}
