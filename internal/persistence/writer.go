package persistence

import (
	"context"
	"database/sql"
	"encoding/json"
	"fmt"
	"sort"
	"strconv"
	"strings"
	"time"

	"github.com/google/uuid"
	"github.com/holiman/uint256"

	"HedgeVault/internal/core"
	"HedgeVault/internal/event"
	"HedgeVault/internal/state"
)

// execer is satisfied by *sql.DB and *sql.Tx.
type execer interface {
	ExecContext(ctx context.Context, query string, args ...any) (sql.Result, error)
}

// EventRow is one row of vault_ledger.events.
type EventRow struct {
	Sequence       int64
	EventType      string
	IdempotencyKey string
	VaultID        uuid.UUID
	ParticipantID  *uuid.UUID
	Payload        []byte
	StateHash      []byte
	PrevHash       []byte
	Timestamp      time.Time
}

func eventRowFrom(env *event.EventEnvelope) EventRow {
	return EventRow{
		Sequence:       env.Sequence,
		EventType:      env.EventType.String(),
		IdempotencyKey: env.IdempotencyKey,
		VaultID:        env.VaultID,
		ParticipantID:  env.ParticipantID,
		Payload:        env.Payload,
		StateHash:      env.StateHash[:],
		PrevHash:       env.PrevHash[:],
		Timestamp:      env.Timestamp,
	}
}

type epochKey struct {
	vault uuid.UUID
	id    uint64
}

// Batch folds a run of committed outputs into the rows to write. Only the
// last committed version of each vault, epoch and participant is kept.
type Batch struct {
	Events []EventRow

	vaults       map[uuid.UUID]vaultWrite
	market       map[epochKey]*state.MarketEpoch
	hedge        map[epochKey]*state.HedgeEpoch
	participants map[uuid.UUID]participantWrite
}

type vaultWrite struct {
	vault    *state.Vault
	sequence int64
}

type participantWrite struct {
	participant *state.Participant
	removed     bool
	sequence    int64
}

func NewBatch() *Batch {
	b := &Batch{}
	b.Reset()
	return b
}

// Add appends one output. Outputs must be added in sequence order.
func (b *Batch) Add(out core.CoreOutput) {
	seq := out.Envelope.Sequence
	b.Events = append(b.Events, eventRowFrom(out.Envelope))
	if out.Vault != nil {
		b.vaults[out.Vault.ID] = vaultWrite{vault: out.Vault, sequence: seq}
	}
	for _, ep := range out.MarketEpochs {
		b.market[epochKey{ep.VaultID, ep.ID}] = ep
	}
	for _, ep := range out.HedgeEpochs {
		b.hedge[epochKey{ep.VaultID, ep.ID}] = ep
	}
	if out.Participant != nil {
		b.participants[out.Participant.ID] = participantWrite{
			participant: out.Participant,
			removed:     out.ParticipantRemoved,
			sequence:    seq,
		}
	}
}

func (b *Batch) Len() int { return len(b.Events) }

// LastSequence is the sequence of the newest event, or -1 when empty.
func (b *Batch) LastSequence() int64 {
	if len(b.Events) == 0 {
		return -1
	}
	return b.Events[len(b.Events)-1].Sequence
}

func (b *Batch) Reset() {
	b.Events = b.Events[:0]
	b.vaults = make(map[uuid.UUID]vaultWrite)
	b.market = make(map[epochKey]*state.MarketEpoch)
	b.hedge = make(map[epochKey]*state.HedgeEpoch)
	b.participants = make(map[uuid.UUID]participantWrite)
}

// StateWriter writes events and the materialized state they produced.
type StateWriter struct {
	db *sql.DB
}

func NewStateWriter(db *sql.DB) *StateWriter {
	return &StateWriter{db: db}
}

// Write stores a batch atomically. Rows are written parents first and in a
// stable order so concurrent writers cannot deadlock.
func (w *StateWriter) Write(ctx context.Context, b *Batch) error {
	tx, err := w.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("begin: %w", err)
	}
	defer tx.Rollback() //nolint:errcheck

	if err := writeEvents(ctx, tx, b.Events); err != nil {
		return fmt.Errorf("write events: %w", err)
	}
	for _, vw := range sortedVaults(b.vaults) {
		if err := upsertVault(ctx, tx, vw.vault, vw.sequence); err != nil {
			return fmt.Errorf("upsert vault %s: %w", vw.vault.ID, err)
		}
	}
	for _, ep := range sortedMarket(b.market) {
		if err := upsertMarketEpoch(ctx, tx, ep); err != nil {
			return fmt.Errorf("upsert market epoch %s/%d: %w", ep.VaultID, ep.ID, err)
		}
	}
	for _, ep := range sortedHedge(b.hedge) {
		if err := upsertHedgeEpoch(ctx, tx, ep); err != nil {
			return fmt.Errorf("upsert hedge epoch %s/%d: %w", ep.VaultID, ep.ID, err)
		}
	}
	for _, pw := range sortedParticipants(b.participants) {
		if pw.removed {
			_, err = tx.ExecContext(ctx,
				`DELETE FROM vault_ledger.participants WHERE participant_id = $1`, pw.participant.ID)
		} else {
			err = upsertParticipant(ctx, tx, pw.participant, pw.sequence)
		}
		if err != nil {
			return fmt.Errorf("write participant %s: %w", pw.participant.ID, err)
		}
	}
	return tx.Commit()
}

func writeEvents(ctx context.Context, ex execer, events []EventRow) error {
	if len(events) == 0 {
		return nil
	}
	const cols = 9
	values := make([]string, 0, len(events))
	args := make([]any, 0, len(events)*cols)
	for i, e := range events {
		values = append(values, placeholders(i*cols, cols))
		args = append(args,
			e.Sequence, e.EventType, e.IdempotencyKey, e.VaultID, e.ParticipantID,
			string(e.Payload), e.StateHash, e.PrevHash, e.Timestamp,
		)
	}
	query := `INSERT INTO vault_ledger.events
		(sequence, event_type, idempotency_key, vault_id, participant_id, payload, state_hash, prev_hash, timestamp)
		VALUES ` + strings.Join(values, ", ") + `
		ON CONFLICT (sequence) DO NOTHING`
	_, err := ex.ExecContext(ctx, query, args...)
	return err
}

func upsertVault(ctx context.Context, ex execer, v *state.Vault, seq int64) error {
	cfg, err := json.Marshal(v.Config)
	if err != nil {
		return err
	}
	a := &v.Accumulator
	_, err = ex.ExecContext(ctx, `
		INSERT INTO vault_ledger.vaults (
			vault_id, config, market_position_id, total_liquidity,
			fee_growth_a, fee_growth_b, position_fee_checkpoint_a, position_fee_checkpoint_b,
			fees_collected_a, fees_collected_b, collateral_amount,
			collateral_interest_growth, collateral_interest_growth_checkpoint, collateral_interest_baseline,
			hedge_adjustment_sqrt_price, hedge_adjustment_tick, version, last_sequence
		) VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11, $12, $13, $14, $15, $16, $17, $18)
		ON CONFLICT (vault_id) DO UPDATE SET
			market_position_id = EXCLUDED.market_position_id,
			total_liquidity = EXCLUDED.total_liquidity,
			fee_growth_a = EXCLUDED.fee_growth_a,
			fee_growth_b = EXCLUDED.fee_growth_b,
			position_fee_checkpoint_a = EXCLUDED.position_fee_checkpoint_a,
			position_fee_checkpoint_b = EXCLUDED.position_fee_checkpoint_b,
			fees_collected_a = EXCLUDED.fees_collected_a,
			fees_collected_b = EXCLUDED.fees_collected_b,
			collateral_amount = EXCLUDED.collateral_amount,
			collateral_interest_growth = EXCLUDED.collateral_interest_growth,
			collateral_interest_growth_checkpoint = EXCLUDED.collateral_interest_growth_checkpoint,
			collateral_interest_baseline = EXCLUDED.collateral_interest_baseline,
			hedge_adjustment_sqrt_price = EXCLUDED.hedge_adjustment_sqrt_price,
			hedge_adjustment_tick = EXCLUDED.hedge_adjustment_tick,
			version = EXCLUDED.version,
			last_sequence = EXCLUDED.last_sequence
		WHERE vault_ledger.vaults.version < EXCLUDED.version`,
		v.ID, string(cfg), v.MarketPositionID, dec(a.TotalLiquidity),
		dec(a.FeeGrowthA), dec(a.FeeGrowthB), dec(a.PositionFeeCheckpointA), dec(a.PositionFeeCheckpointB),
		u64(a.FeesCollectedA), u64(a.FeesCollectedB), u64(a.CollateralAmount),
		dec(a.CollateralInterestGrowth), dec(a.CollateralInterestGrowthCheckpoint), u64(a.CollateralInterestBaseline),
		dec(a.HedgeAdjustmentSqrtPrice), a.HedgeAdjustmentTick, int64(v.Version), seq,
	)
	return err
}

func upsertMarketEpoch(ctx context.Context, ex execer, ep *state.MarketEpoch) error {
	_, err := ex.ExecContext(ctx, `
		INSERT INTO vault_ledger.market_epochs (
			vault_id, epoch_id, liquidity, liquidity_diff, fee_growth_a, fee_growth_b,
			position_lower_tick, position_upper_tick, position_lower_sqrt, position_upper_sqrt,
			working_lower_tick, working_upper_tick, working_lower_sqrt, working_upper_sqrt,
			middle_sqrt_price, closed
		) VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11, $12, $13, $14, $15, $16)
		ON CONFLICT (vault_id, epoch_id) DO UPDATE SET
			liquidity = EXCLUDED.liquidity,
			liquidity_diff = EXCLUDED.liquidity_diff,
			fee_growth_a = EXCLUDED.fee_growth_a,
			fee_growth_b = EXCLUDED.fee_growth_b,
			closed = EXCLUDED.closed
		WHERE NOT vault_ledger.market_epochs.closed`,
		ep.VaultID, int64(ep.ID), dec(ep.Liquidity), ep.LiquidityDiff.String(),
		dec(ep.FeeGrowthA), dec(ep.FeeGrowthB),
		ep.Position.LowerTick, ep.Position.UpperTick, dec(ep.Position.LowerSqrtPrice), dec(ep.Position.UpperSqrtPrice),
		ep.Working.LowerTick, ep.Working.UpperTick, dec(ep.Working.LowerSqrtPrice), dec(ep.Working.UpperSqrtPrice),
		dec(ep.MiddleSqrtPrice), ep.Closed,
	)
	return err
}

func upsertHedgeEpoch(ctx context.Context, ex execer, ep *state.HedgeEpoch) error {
	_, err := ex.ExecContext(ctx, `
		INSERT INTO vault_ledger.hedge_epochs (vault_id, epoch_id, capacity, current_slot, closed)
		VALUES ($1, $2, $3, $4, $5)
		ON CONFLICT (vault_id, epoch_id) DO UPDATE SET
			current_slot = EXCLUDED.current_slot,
			closed = EXCLUDED.closed`,
		ep.VaultID, int64(ep.ID), ep.Capacity, ep.CurrentSlot, ep.Closed,
	)
	if err != nil {
		return err
	}
	for i := range ep.Slots {
		s := &ep.Slots[i]
		_, err := ex.ExecContext(ctx, `
			INSERT INTO vault_ledger.borrow_slots (
				vault_id, epoch_id, slot, borrowed_amount, borrowed_amount_diff,
				borrowed_notional, borrowed_notional_diff, interest_growth,
				interest_growth_checkpoint, interest_baseline, closed
			) VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11)
			ON CONFLICT (vault_id, epoch_id, slot) DO UPDATE SET
				borrowed_amount = EXCLUDED.borrowed_amount,
				borrowed_amount_diff = EXCLUDED.borrowed_amount_diff,
				borrowed_notional = EXCLUDED.borrowed_notional,
				borrowed_notional_diff = EXCLUDED.borrowed_notional_diff,
				interest_growth = EXCLUDED.interest_growth,
				interest_growth_checkpoint = EXCLUDED.interest_growth_checkpoint,
				interest_baseline = EXCLUDED.interest_baseline,
				closed = EXCLUDED.closed
			WHERE NOT vault_ledger.borrow_slots.closed`,
			ep.VaultID, int64(ep.ID), i, u64(s.BorrowedAmount), s.BorrowedAmountDiff,
			u64(s.BorrowedNotional), s.BorrowedNotionalDiff, dec(s.InterestGrowth),
			dec(s.InterestGrowthCheckpoint), u64(s.InterestBaseline), s.Closed,
		)
		if err != nil {
			return fmt.Errorf("slot %d: %w", i, err)
		}
	}
	return nil
}

func upsertParticipant(ctx context.Context, ex execer, p *state.Participant, seq int64) error {
	_, err := ex.ExecContext(ctx, `
		INSERT INTO vault_ledger.participants (
			participant_id, vault_id, liquidity, fee_checkpoint_a, fee_checkpoint_b,
			fee_unclaimed_a, fee_unclaimed_b, collateral_amount, borrow_amount, borrow_notional,
			collateral_interest_checkpoint, collateral_interest_unclaimed,
			borrow_interest_checkpoint, borrow_interest_unclaimed,
			market_epoch_cursor, hedge_epoch_cursor, borrow_slot_cursor, version, last_sequence
		) VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11, $12, $13, $14, $15, $16, $17, $18, $19)
		ON CONFLICT (participant_id) DO UPDATE SET
			liquidity = EXCLUDED.liquidity,
			fee_checkpoint_a = EXCLUDED.fee_checkpoint_a,
			fee_checkpoint_b = EXCLUDED.fee_checkpoint_b,
			fee_unclaimed_a = EXCLUDED.fee_unclaimed_a,
			fee_unclaimed_b = EXCLUDED.fee_unclaimed_b,
			collateral_amount = EXCLUDED.collateral_amount,
			borrow_amount = EXCLUDED.borrow_amount,
			borrow_notional = EXCLUDED.borrow_notional,
			collateral_interest_checkpoint = EXCLUDED.collateral_interest_checkpoint,
			collateral_interest_unclaimed = EXCLUDED.collateral_interest_unclaimed,
			borrow_interest_checkpoint = EXCLUDED.borrow_interest_checkpoint,
			borrow_interest_unclaimed = EXCLUDED.borrow_interest_unclaimed,
			market_epoch_cursor = EXCLUDED.market_epoch_cursor,
			hedge_epoch_cursor = EXCLUDED.hedge_epoch_cursor,
			borrow_slot_cursor = EXCLUDED.borrow_slot_cursor,
			version = EXCLUDED.version,
			last_sequence = EXCLUDED.last_sequence
		WHERE vault_ledger.participants.version < EXCLUDED.version`,
		p.ID, p.VaultID, dec(p.Liquidity), dec(p.FeeCheckpointA), dec(p.FeeCheckpointB),
		u64(p.FeeUnclaimedA), u64(p.FeeUnclaimedB), u64(p.CollateralAmount), u64(p.BorrowAmount), u64(p.BorrowNotional),
		dec(p.CollateralInterestCheckpoint), u64(p.CollateralInterestUnclaimed),
		dec(p.BorrowInterestCheckpoint), u64(p.BorrowInterestUnclaimed),
		int64(p.MarketEpochCursor), int64(p.HedgeEpochCursor), p.BorrowSlotCursor, int64(p.Version), seq,
	)
	return err
}

// placeholders renders "($base+1, ..., $base+n)".
func placeholders(base, n int) string {
	var sb strings.Builder
	sb.WriteByte('(')
	for i := 1; i <= n; i++ {
		if i > 1 {
			sb.WriteString(", ")
		}
		sb.WriteByte('$')
		sb.WriteString(strconv.Itoa(base + i))
	}
	sb.WriteByte(')')
	return sb.String()
}

func dec(v uint256.Int) string { return v.Dec() }

func u64(v uint64) string { return strconv.FormatUint(v, 10) }

func sortedVaults(m map[uuid.UUID]vaultWrite) []vaultWrite {
	out := make([]vaultWrite, 0, len(m))
	for _, v := range m {
		out = append(out, v)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].vault.ID.String() < out[j].vault.ID.String() })
	return out
}

func sortedMarket(m map[epochKey]*state.MarketEpoch) []*state.MarketEpoch {
	out := make([]*state.MarketEpoch, 0, len(m))
	for _, ep := range m {
		out = append(out, ep)
	}
	sort.Slice(out, func(i, j int) bool { return lessEpoch(out[i].VaultID, out[i].ID, out[j].VaultID, out[j].ID) })
	return out
}

func sortedHedge(m map[epochKey]*state.HedgeEpoch) []*state.HedgeEpoch {
	out := make([]*state.HedgeEpoch, 0, len(m))
	for _, ep := range m {
		out = append(out, ep)
	}
	sort.Slice(out, func(i, j int) bool { return lessEpoch(out[i].VaultID, out[i].ID, out[j].VaultID, out[j].ID) })
	return out
}

func sortedParticipants(m map[uuid.UUID]participantWrite) []participantWrite {
	out := make([]participantWrite, 0, len(m))
	for _, p := range m {
		out = append(out, p)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].participant.ID.String() < out[j].participant.ID.String() })
	return out
}

func lessEpoch(va uuid.UUID, a uint64, vb uuid.UUID, b uint64) bool {
	if va != vb {
		return va.String() < vb.String()
	}
	return a < b
}
