package persistence

import (
	"bytes"
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"strconv"

	"github.com/google/uuid"
	"github.com/holiman/uint256"

	vmath "HedgeVault/internal/math"
	"HedgeVault/internal/state"
)

// Snapshot is the persisted state the engine resumes from. The state tables
// are rewritten by every flush, so they always match the last persisted
// event.
type Snapshot struct {
	Vaults       []*state.Vault
	Participants []*state.Participant

	// NextSequence is one past the last persisted event.
	NextSequence int64
	// ChainTip is the state hash of the last persisted event, zero when the
	// log is empty.
	ChainTip [32]byte
}

// SnapshotLoader reads the materialized state back into memory.
type SnapshotLoader struct {
	db *sql.DB
}

func NewSnapshotLoader(db *sql.DB) *SnapshotLoader {
	return &SnapshotLoader{db: db}
}

// Load reads every vault with its epoch history and every participant.
func (l *SnapshotLoader) Load(ctx context.Context) (*Snapshot, error) {
	vaults, err := l.loadVaults(ctx)
	if err != nil {
		return nil, fmt.Errorf("load vaults: %w", err)
	}
	market, err := l.loadMarketEpochs(ctx)
	if err != nil {
		return nil, fmt.Errorf("load market epochs: %w", err)
	}
	hedge, err := l.loadHedgeEpochs(ctx)
	if err != nil {
		return nil, fmt.Errorf("load hedge epochs: %w", err)
	}

	snap := &Snapshot{}
	for _, v := range vaults {
		store, err := state.RestoreEpochStore(v.ID, v.Config.SlotCapacity, market[v.ID], hedge[v.ID])
		if err != nil {
			return nil, fmt.Errorf("restore epochs of vault %s: %w", v.ID, err)
		}
		v.Epochs = store
		snap.Vaults = append(snap.Vaults, v)
	}

	if snap.Participants, err = l.loadParticipants(ctx); err != nil {
		return nil, fmt.Errorf("load participants: %w", err)
	}

	var (
		seq  int64
		hash []byte
	)
	err = l.db.QueryRowContext(ctx,
		`SELECT sequence, state_hash FROM vault_ledger.events ORDER BY sequence DESC LIMIT 1`,
	).Scan(&seq, &hash)
	switch {
	case errors.Is(err, sql.ErrNoRows):
	case err != nil:
		return nil, fmt.Errorf("load chain tip: %w", err)
	default:
		if len(hash) != 32 {
			return nil, fmt.Errorf("state hash of sequence %d has %d bytes", seq, len(hash))
		}
		snap.NextSequence = seq + 1
		copy(snap.ChainTip[:], hash)
	}
	return snap, nil
}

func (l *SnapshotLoader) loadVaults(ctx context.Context) ([]*state.Vault, error) {
	rows, err := l.db.QueryContext(ctx, `
		SELECT vault_id, config, market_position_id, total_liquidity,
		       fee_growth_a, fee_growth_b, position_fee_checkpoint_a, position_fee_checkpoint_b,
		       fees_collected_a, fees_collected_b, collateral_amount,
		       collateral_interest_growth, collateral_interest_growth_checkpoint, collateral_interest_baseline,
		       hedge_adjustment_sqrt_price, hedge_adjustment_tick, version
		FROM vault_ledger.vaults
		ORDER BY vault_id
	`)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var vaults []*state.Vault
	for rows.Next() {
		var (
			v       state.Vault
			cfg     []byte
			version int64
			n       [12]string
		)
		if err := rows.Scan(&v.ID, &cfg, &v.MarketPositionID, &n[0],
			&n[1], &n[2], &n[3], &n[4],
			&n[5], &n[6], &n[7],
			&n[8], &n[9], &n[10],
			&n[11], &v.Accumulator.HedgeAdjustmentTick, &version,
		); err != nil {
			return nil, err
		}
		if err := json.Unmarshal(cfg, &v.Config); err != nil {
			return nil, fmt.Errorf("vault %s config: %w", v.ID, err)
		}
		var d decoder
		a := &v.Accumulator
		a.TotalLiquidity = d.u128(n[0])
		a.FeeGrowthA = d.u128(n[1])
		a.FeeGrowthB = d.u128(n[2])
		a.PositionFeeCheckpointA = d.u128(n[3])
		a.PositionFeeCheckpointB = d.u128(n[4])
		a.FeesCollectedA = d.u64(n[5])
		a.FeesCollectedB = d.u64(n[6])
		a.CollateralAmount = d.u64(n[7])
		a.CollateralInterestGrowth = d.u128(n[8])
		a.CollateralInterestGrowthCheckpoint = d.u128(n[9])
		a.CollateralInterestBaseline = d.u64(n[10])
		a.HedgeAdjustmentSqrtPrice = d.u128(n[11])
		if d.err != nil {
			return nil, fmt.Errorf("vault %s: %w", v.ID, d.err)
		}
		v.Version = uint64(version)
		vaults = append(vaults, &v)
	}
	return vaults, rows.Err()
}

func (l *SnapshotLoader) loadMarketEpochs(ctx context.Context) (map[uuid.UUID][]*state.MarketEpoch, error) {
	rows, err := l.db.QueryContext(ctx, `
		SELECT vault_id, epoch_id, liquidity, liquidity_diff, fee_growth_a, fee_growth_b,
		       position_lower_tick, position_upper_tick, position_lower_sqrt, position_upper_sqrt,
		       working_lower_tick, working_upper_tick, working_lower_sqrt, working_upper_sqrt,
		       middle_sqrt_price, closed
		FROM vault_ledger.market_epochs
		ORDER BY vault_id, epoch_id
	`)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	out := make(map[uuid.UUID][]*state.MarketEpoch)
	for rows.Next() {
		var (
			ep state.MarketEpoch
			id int64
			n  [9]string
		)
		if err := rows.Scan(&ep.VaultID, &id, &n[0], &n[1], &n[2], &n[3],
			&ep.Position.LowerTick, &ep.Position.UpperTick, &n[4], &n[5],
			&ep.Working.LowerTick, &ep.Working.UpperTick, &n[6], &n[7],
			&n[8], &ep.Closed,
		); err != nil {
			return nil, err
		}
		var d decoder
		ep.ID = uint64(id)
		ep.Liquidity = d.u128(n[0])
		ep.LiquidityDiff = d.diff(n[1])
		ep.FeeGrowthA = d.u128(n[2])
		ep.FeeGrowthB = d.u128(n[3])
		ep.Position.LowerSqrtPrice = d.u128(n[4])
		ep.Position.UpperSqrtPrice = d.u128(n[5])
		ep.Working.LowerSqrtPrice = d.u128(n[6])
		ep.Working.UpperSqrtPrice = d.u128(n[7])
		ep.MiddleSqrtPrice = d.u128(n[8])
		if d.err != nil {
			return nil, fmt.Errorf("market epoch %s/%d: %w", ep.VaultID, ep.ID, d.err)
		}
		out[ep.VaultID] = append(out[ep.VaultID], &ep)
	}
	return out, rows.Err()
}

func (l *SnapshotLoader) loadHedgeEpochs(ctx context.Context) (map[uuid.UUID][]*state.HedgeEpoch, error) {
	rows, err := l.db.QueryContext(ctx, `
		SELECT vault_id, epoch_id, capacity, current_slot, closed
		FROM vault_ledger.hedge_epochs
		ORDER BY vault_id, epoch_id
	`)
	if err != nil {
		return nil, err
	}
	out := make(map[uuid.UUID][]*state.HedgeEpoch)
	index := make(map[epochKey]*state.HedgeEpoch)
	for rows.Next() {
		var (
			ep state.HedgeEpoch
			id int64
		)
		if err := rows.Scan(&ep.VaultID, &id, &ep.Capacity, &ep.CurrentSlot, &ep.Closed); err != nil {
			rows.Close()
			return nil, err
		}
		ep.ID = uint64(id)
		ep.Slots = make([]state.BorrowSlot, 0, ep.Capacity)
		out[ep.VaultID] = append(out[ep.VaultID], &ep)
		index[epochKey{ep.VaultID, ep.ID}] = &ep
	}
	rows.Close()
	if err := rows.Err(); err != nil {
		return nil, err
	}

	slots, err := l.db.QueryContext(ctx, `
		SELECT vault_id, epoch_id, slot, borrowed_amount, borrowed_amount_diff,
		       borrowed_notional, borrowed_notional_diff, interest_growth,
		       interest_growth_checkpoint, interest_baseline, closed
		FROM vault_ledger.borrow_slots
		ORDER BY vault_id, epoch_id, slot
	`)
	if err != nil {
		return nil, err
	}
	defer slots.Close()

	for slots.Next() {
		var (
			vaultID uuid.UUID
			epochID int64
			idx     int
			s       state.BorrowSlot
			n       [5]string
		)
		if err := slots.Scan(&vaultID, &epochID, &idx, &n[0], &s.BorrowedAmountDiff,
			&n[1], &s.BorrowedNotionalDiff, &n[2], &n[3], &n[4], &s.Closed,
		); err != nil {
			return nil, err
		}
		ep, ok := index[epochKey{vaultID, uint64(epochID)}]
		if !ok || idx != len(ep.Slots) {
			return nil, fmt.Errorf("borrow slot %s/%d/%d out of order", vaultID, epochID, idx)
		}
		var d decoder
		s.BorrowedAmount = d.u64(n[0])
		s.BorrowedNotional = d.u64(n[1])
		s.InterestGrowth = d.u128(n[2])
		s.InterestGrowthCheckpoint = d.u128(n[3])
		s.InterestBaseline = d.u64(n[4])
		if d.err != nil {
			return nil, fmt.Errorf("borrow slot %s/%d/%d: %w", vaultID, epochID, idx, d.err)
		}
		ep.Slots = append(ep.Slots, s)
	}
	return out, slots.Err()
}

func (l *SnapshotLoader) loadParticipants(ctx context.Context) ([]*state.Participant, error) {
	rows, err := l.db.QueryContext(ctx, `
		SELECT participant_id, vault_id, liquidity, fee_checkpoint_a, fee_checkpoint_b,
		       fee_unclaimed_a, fee_unclaimed_b, collateral_amount, borrow_amount, borrow_notional,
		       collateral_interest_checkpoint, collateral_interest_unclaimed,
		       borrow_interest_checkpoint, borrow_interest_unclaimed,
		       market_epoch_cursor, hedge_epoch_cursor, borrow_slot_cursor, version
		FROM vault_ledger.participants
		ORDER BY participant_id
	`)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var out []*state.Participant
	for rows.Next() {
		var (
			p                   state.Participant
			marketCur, hedgeCur int64
			version             int64
			n                   [12]string
		)
		if err := rows.Scan(&p.ID, &p.VaultID, &n[0], &n[1], &n[2],
			&n[3], &n[4], &n[5], &n[6], &n[7],
			&n[8], &n[9], &n[10], &n[11],
			&marketCur, &hedgeCur, &p.BorrowSlotCursor, &version,
		); err != nil {
			return nil, err
		}
		var d decoder
		p.Liquidity = d.u128(n[0])
		p.FeeCheckpointA = d.u128(n[1])
		p.FeeCheckpointB = d.u128(n[2])
		p.FeeUnclaimedA = d.u64(n[3])
		p.FeeUnclaimedB = d.u64(n[4])
		p.CollateralAmount = d.u64(n[5])
		p.BorrowAmount = d.u64(n[6])
		p.BorrowNotional = d.u64(n[7])
		p.CollateralInterestCheckpoint = d.u128(n[8])
		p.CollateralInterestUnclaimed = d.u64(n[9])
		p.BorrowInterestCheckpoint = d.u128(n[10])
		p.BorrowInterestUnclaimed = d.u64(n[11])
		if d.err != nil {
			return nil, fmt.Errorf("participant %s: %w", p.ID, d.err)
		}
		p.MarketEpochCursor = uint64(marketCur)
		p.HedgeEpochCursor = uint64(hedgeCur)
		p.Version = uint64(version)
		out = append(out, &p)
	}
	return out, rows.Err()
}

// LoadEventsFrom returns up to limit events starting at fromSequence.
func (l *SnapshotLoader) LoadEventsFrom(ctx context.Context, fromSequence int64, limit int) ([]EventRow, error) {
	rows, err := l.db.QueryContext(ctx, `
		SELECT sequence, event_type, idempotency_key, vault_id, participant_id,
		       payload, state_hash, prev_hash, timestamp
		FROM vault_ledger.events
		WHERE sequence >= $1
		ORDER BY sequence ASC
		LIMIT $2
	`, fromSequence, limit)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var events []EventRow
	for rows.Next() {
		var e EventRow
		if err := rows.Scan(
			&e.Sequence, &e.EventType, &e.IdempotencyKey, &e.VaultID, &e.ParticipantID,
			&e.Payload, &e.StateHash, &e.PrevHash, &e.Timestamp,
		); err != nil {
			return nil, err
		}
		events = append(events, e)
	}
	return events, rows.Err()
}

// VerifyChain checks that events are contiguous and that each one links to
// the state hash of its predecessor, starting from prev.
func VerifyChain(prev []byte, events []EventRow) error {
	for i, e := range events {
		if i > 0 && e.Sequence != events[i-1].Sequence+1 {
			return fmt.Errorf("sequence gap between %d and %d", events[i-1].Sequence, e.Sequence)
		}
		if prev != nil && !bytes.Equal(e.PrevHash, prev) {
			return fmt.Errorf("event %d does not link to its predecessor", e.Sequence)
		}
		prev = e.StateHash
	}
	return nil
}

// decoder parses NUMERIC text columns, keeping the first error.
type decoder struct {
	err error
}

func (d *decoder) u128(s string) uint256.Int {
	if d.err != nil {
		return uint256.Int{}
	}
	v, err := vmath.ParseU128(s)
	d.err = err
	return v
}

func (d *decoder) u64(s string) uint64 {
	if d.err != nil {
		return 0
	}
	v, err := strconv.ParseUint(s, 10, 64)
	d.err = err
	return v
}

func (d *decoder) diff(s string) vmath.Diff128 {
	if d.err != nil {
		return vmath.Diff128{}
	}
	v, err := vmath.ParseDiff128(s)
	d.err = err
	return v
}
