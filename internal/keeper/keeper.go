package keeper

import (
	"context"
	"errors"
	"fmt"

	"github.com/google/uuid"
	"github.com/robfig/cron/v3"
	"github.com/rs/zerolog"

	"HedgeVault/internal/core"
	"HedgeVault/internal/observability"
	"HedgeVault/internal/vaulterr"
)

// Engine is the part of core.Engine the keeper drives.
type Engine interface {
	Vaults() []uuid.UUID
	RefreshVault(ctx context.Context, cmd core.Command) error
	CheckRebalance(ctx context.Context, vaultID uuid.UUID) (core.RebalanceCheck, error)
	RebalanceMarket(ctx context.Context, cmd core.Command) (core.MarketRebalance, error)
	RebalanceHedge(ctx context.Context, cmd core.Command) (core.HedgeRebalance, error)
}

// Outcome is what CheckVault did for one vault.
type Outcome struct {
	Check           core.RebalanceCheck
	MarketRebalance bool
	HedgeRebalance  bool
}

// Keeper runs periodic vault maintenance: refreshing accrued growth and
// rebalancing vaults whose price has left their ranges.
type Keeper struct {
	engine       Engine
	cron         *cron.Cron
	staleRetries int
	metrics      *observability.Metrics
	logger       zerolog.Logger
	ctx          context.Context
}

func New(ctx context.Context, engine Engine, staleRetries int, metrics *observability.Metrics, logger zerolog.Logger) *Keeper {
	return &Keeper{
		engine: engine,
		cron: cron.New(
			cron.WithSeconds(),
			cron.WithChain(cron.SkipIfStillRunning(cron.PrintfLogger(&logger))),
		),
		staleRetries: staleRetries,
		metrics:      metrics,
		logger:       logger,
		ctx:          ctx,
	}
}

// Register schedules the refresh and rebalance jobs.
func (k *Keeper) Register(refreshCron, rebalanceCron string) error {
	if _, err := k.cron.AddFunc(refreshCron, func() { k.run("refresh", k.RefreshAll) }); err != nil {
		return fmt.Errorf("register refresh job: %w", err)
	}
	if _, err := k.cron.AddFunc(rebalanceCron, func() { k.run("rebalance", k.RebalanceAll) }); err != nil {
		return fmt.Errorf("register rebalance job: %w", err)
	}
	return nil
}

func (k *Keeper) Start() {
	k.cron.Start()
	k.logger.Info().Msg("keeper started")
}

// Stop stops scheduling and waits for running jobs.
func (k *Keeper) Stop() {
	<-k.cron.Stop().Done()
	k.logger.Info().Msg("keeper stopped")
}

func (k *Keeper) run(job string, fn func(context.Context) error) {
	status := "ok"
	if err := fn(k.ctx); err != nil {
		status = "error"
		k.logger.Error().Err(err).Str("job", job).Msg("keeper job failed")
	}
	if k.metrics != nil {
		k.metrics.KeeperRuns.WithLabelValues(job, status).Inc()
	}
}

// RefreshAll refreshes every vault's accrued fee and interest growth.
func (k *Keeper) RefreshAll(ctx context.Context) error {
	var errs []error
	for _, id := range k.engine.Vaults() {
		err := core.RetryStale(ctx, k.staleRetries, func() error {
			return k.engine.RefreshVault(ctx, core.Command{VaultID: id})
		})
		if err != nil {
			errs = append(errs, fmt.Errorf("refresh %s: %w", id, err))
		}
	}
	return errors.Join(errs...)
}

// RebalanceAll checks every vault and rebalances the ones that are due.
func (k *Keeper) RebalanceAll(ctx context.Context) error {
	var errs []error
	for _, id := range k.engine.Vaults() {
		if _, err := k.CheckVault(ctx, id); err != nil {
			errs = append(errs, err)
		}
	}
	return errors.Join(errs...)
}

// CheckVault rebalances the market position and then the hedge if the
// current price calls for it. A rebalance that another caller already
// committed is not an error.
func (k *Keeper) CheckVault(ctx context.Context, vaultID uuid.UUID) (Outcome, error) {
	var out Outcome
	check, err := k.engine.CheckRebalance(ctx, vaultID)
	if err != nil {
		return out, fmt.Errorf("check %s: %w", vaultID, err)
	}
	out.Check = check
	cmd := core.Command{VaultID: vaultID}

	if check.Market {
		err := core.RetryStale(ctx, k.staleRetries, func() error {
			res, err := k.engine.RebalanceMarket(ctx, cmd)
			if err == nil {
				k.logger.Info().
					Str("vault_id", vaultID.String()).
					Uint64("epoch_id", res.OpenedEpochID).
					Str("diff", res.Diff.String()).
					Msg("market rebalanced")
			}
			return err
		})
		switch {
		case err == nil:
			out.MarketRebalance = true
		case !errors.Is(err, vaulterr.ErrPriceNotOutOfBounds):
			return out, fmt.Errorf("rebalance market %s: %w", vaultID, err)
		}
	}

	if check.Hedge {
		err := core.RetryStale(ctx, k.staleRetries, func() error {
			res, err := k.engine.RebalanceHedge(ctx, cmd)
			if err == nil {
				k.logger.Info().
					Str("vault_id", vaultID.String()).
					Uint64("hedge_epoch_id", res.EpochID).
					Int("slot", res.Slot).
					Int64("borrowed_diff", res.BorrowedDiff).
					Msg("hedge rebalanced")
			}
			return err
		})
		switch {
		case err == nil:
			out.HedgeRebalance = true
		case !errors.Is(err, vaulterr.ErrHedgeNotOutOfRange):
			return out, fmt.Errorf("rebalance hedge %s: %w", vaultID, err)
		}
	}
	return out, nil
}
