package query

import (
	"context"
	"fmt"

	"github.com/google/uuid"

	"HedgeVault/internal/core"
	"HedgeVault/internal/persistence"
	"HedgeVault/internal/state"
	"HedgeVault/internal/vaulterr"
)

// StateReader is the read side of the engine. Returned values are
// snapshots the caller may keep.
type StateReader interface {
	Vault(id uuid.UUID) (*state.Vault, bool)
	Vaults() []uuid.UUID
	Participant(id uuid.UUID) (*state.Participant, bool)
	Participants(vaultID uuid.UUID) []*state.Participant
	Sequence() int64
}

// EventLog reads committed transactions back from storage.
type EventLog interface {
	LoadEventsFrom(ctx context.Context, fromSequence int64, limit int) ([]persistence.EventRow, error)
}

const (
	defaultPageSize = 50
	maxPageSize     = 500
	verifyPageSize  = 1000
)

// QueryService serves read models. Vault and participant state come from
// the engine and are always current; event history comes from the
// persisted log and may trail the engine by the persistence batch window.
// All responses include as_of_sequence for freshness semantics.
type QueryService struct {
	reader StateReader
	events EventLog
}

func NewQueryService(reader StateReader, events EventLog) *QueryService {
	return &QueryService{reader: reader, events: events}
}

func (qs *QueryService) ListVaults() []*VaultResponse {
	asOf := qs.asOf()
	ids := qs.reader.Vaults()
	out := make([]*VaultResponse, 0, len(ids))
	for _, id := range ids {
		if v, ok := qs.reader.Vault(id); ok {
			out = append(out, vaultResponse(v, asOf))
		}
	}
	return out
}

func (qs *QueryService) GetVault(vaultID uuid.UUID) (*VaultResponse, error) {
	asOf := qs.asOf()
	v, ok := qs.reader.Vault(vaultID)
	if !ok {
		return nil, vaulterr.Wrap(vaulterr.ErrUnknownVault, "vault %s", vaultID)
	}
	return vaultResponse(v, asOf), nil
}

// ListMarketEpochs returns market epochs starting at fromEpoch.
func (qs *QueryService) ListMarketEpochs(vaultID uuid.UUID, fromEpoch uint64, limit int) (*EpochPage[MarketEpochResponse], error) {
	asOf := qs.asOf()
	v, ok := qs.reader.Vault(vaultID)
	if !ok {
		return nil, vaulterr.Wrap(vaulterr.ErrUnknownVault, "vault %s", vaultID)
	}
	limit = pageSize(limit)
	epochs := v.Epochs.MarketEpochsSince(fromEpoch)

	page := &EpochPage[MarketEpochResponse]{VaultID: vaultID, AsOfSequence: asOf}
	if len(epochs) > limit {
		next := epochs[limit].ID
		page.NextEpochID = &next
		epochs = epochs[:limit]
	}
	page.Epochs = make([]MarketEpochResponse, len(epochs))
	for i, e := range epochs {
		page.Epochs[i] = marketEpochResponse(e)
	}
	return page, nil
}

// ListHedgeEpochs returns hedge epochs with their borrow slots starting
// at fromEpoch.
func (qs *QueryService) ListHedgeEpochs(vaultID uuid.UUID, fromEpoch uint64, limit int) (*EpochPage[HedgeEpochResponse], error) {
	asOf := qs.asOf()
	v, ok := qs.reader.Vault(vaultID)
	if !ok {
		return nil, vaulterr.Wrap(vaulterr.ErrUnknownVault, "vault %s", vaultID)
	}
	limit = pageSize(limit)
	epochs := v.Epochs.HedgeEpochsSince(fromEpoch)

	page := &EpochPage[HedgeEpochResponse]{VaultID: vaultID, AsOfSequence: asOf}
	if len(epochs) > limit {
		next := epochs[limit].ID
		page.NextEpochID = &next
		epochs = epochs[:limit]
	}
	page.Epochs = make([]HedgeEpochResponse, len(epochs))
	for i, h := range epochs {
		page.Epochs[i] = hedgeEpochResponse(h)
	}
	return page, nil
}

func (qs *QueryService) GetParticipant(participantID uuid.UUID) (*ParticipantResponse, error) {
	asOf := qs.asOf()
	p, ok := qs.reader.Participant(participantID)
	if !ok {
		return nil, vaulterr.Wrap(vaulterr.ErrUnknownParticipant, "participant %s", participantID)
	}
	v, ok := qs.reader.Vault(p.VaultID)
	if !ok {
		return nil, vaulterr.Wrap(vaulterr.ErrUnknownVault, "vault %s", p.VaultID)
	}
	return participantResponse(p, v, asOf), nil
}

func (qs *QueryService) ListParticipants(vaultID uuid.UUID) ([]*ParticipantResponse, error) {
	asOf := qs.asOf()
	v, ok := qs.reader.Vault(vaultID)
	if !ok {
		return nil, vaulterr.Wrap(vaulterr.ErrUnknownVault, "vault %s", vaultID)
	}
	ps := qs.reader.Participants(vaultID)
	out := make([]*ParticipantResponse, len(ps))
	for i, p := range ps {
		out[i] = participantResponse(p, v, asOf)
	}
	return out, nil
}

// ListEvents returns persisted events starting at fromSequence, optionally
// filtered to one vault. Filtering happens after the page is read, so a
// filtered page may be shorter than limit.
func (qs *QueryService) ListEvents(ctx context.Context, fromSequence int64, limit int, vaultID *uuid.UUID) ([]EventResponse, error) {
	rows, err := qs.events.LoadEventsFrom(ctx, fromSequence, pageSize(limit))
	if err != nil {
		return nil, fmt.Errorf("load events: %w", err)
	}
	out := make([]EventResponse, 0, len(rows))
	for _, r := range rows {
		if vaultID != nil && r.VaultID != *vaultID {
			continue
		}
		out = append(out, eventResponse(r))
	}
	return out, nil
}

// --- Admin APIs ---

// VerifyIntegrity walks the persisted event log from the start and checks
// the hash chain links back to genesis.
func (qs *QueryService) VerifyIntegrity(ctx context.Context) (*IntegrityReport, error) {
	report := &IntegrityReport{LastSequence: -1}
	genesis := core.GenesisHash()
	prev := genesis[:]

	var from int64
	for {
		rows, err := qs.events.LoadEventsFrom(ctx, from, verifyPageSize)
		if err != nil {
			return nil, fmt.Errorf("load events from %d: %w", from, err)
		}
		if len(rows) == 0 {
			break
		}
		if rows[0].Sequence != from {
			report.ErrorDetail = fmt.Sprintf("log starts at %d, expected %d", rows[0].Sequence, from)
			return report, nil
		}
		if err := persistence.VerifyChain(prev, rows); err != nil {
			report.ErrorDetail = err.Error()
			return report, nil
		}
		last := rows[len(rows)-1]
		report.EventsChecked += int64(len(rows))
		report.LastSequence = last.Sequence
		prev = last.StateHash
		from = last.Sequence + 1
		if len(rows) < verifyPageSize {
			break
		}
	}
	report.Passed = true
	return report, nil
}

func pageSize(limit int) int {
	if limit <= 0 {
		return defaultPageSize
	}
	return min(limit, maxPageSize)
}

// asOf is the last committed sequence, -1 before the first commit.
func (qs *QueryService) asOf() int64 {
	return qs.reader.Sequence() - 1
}
