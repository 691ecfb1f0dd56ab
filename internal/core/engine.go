package core

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"sort"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/rs/zerolog"

	"HedgeVault/internal/collab"
	"HedgeVault/internal/event"
	"HedgeVault/internal/observability"
	"HedgeVault/internal/state"
	"HedgeVault/internal/vaulterr"
)

// Collaborators are the external services backing one vault.
type Collaborators struct {
	Market collab.MarketMaker
	Lender collab.Lender
}

// CollaboratorResolver returns the collaborators for a vault. It is called
// once per vault, when the vault is initialized or restored.
type CollaboratorResolver interface {
	Resolve(vaultID uuid.UUID, cfg state.VaultConfig) (Collaborators, error)
}

// ResolverFunc adapts a function to CollaboratorResolver.
type ResolverFunc func(vaultID uuid.UUID, cfg state.VaultConfig) (Collaborators, error)

func (f ResolverFunc) Resolve(vaultID uuid.UUID, cfg state.VaultConfig) (Collaborators, error) {
	return f(vaultID, cfg)
}

// CoreOutput is one committed transaction handed to persistence and to the
// outbound publisher. Vault and Participant are committed snapshots and must
// not be mutated.
type CoreOutput struct {
	Envelope *event.EventEnvelope
	Event    event.Event

	Vault              *state.Vault
	Participant        *state.Participant
	ParticipantRemoved bool

	// Epoch records created or modified by the transaction.
	MarketEpochs []*state.MarketEpoch
	HedgeEpochs  []*state.HedgeEpoch
}

// Command carries the identity and idempotency key of a request.
type Command struct {
	VaultID        uuid.UUID `json:"vault_id"`
	ParticipantID  uuid.UUID `json:"participant_id"`
	IdempotencyKey string    `json:"idempotency_key,omitempty"`
}

// Options configures an Engine.
type Options struct {
	// Sequence and chain tip to resume from. A zero PrevHash starts at genesis.
	StartSequence int64
	PrevHash      [32]byte

	IdempotencyCapacity int
	DBChecker           DBIdempotencyChecker

	Resolver  CollaboratorResolver
	RangeMath collab.RangeMath

	Metrics *observability.Metrics
	Logger  zerolog.Logger
	Clock   func() time.Time

	// PersistChan receives every committed output with a blocking send.
	// PublishChan is best effort: outputs are dropped when it is full.
	PersistChan chan<- CoreOutput
	PublishChan chan<- CoreOutput
}

// Engine runs vault transactions.
//
// State is guarded by mu, which is never held across a collaborator call.
// A transaction reserves its vault and clones what it reads, releases the
// lock, calls collaborators and mutates its clones, then re-acquires the
// lock and commits. A second writer on a reserved vault fails in begin with
// ErrStaleTransaction before it touches a collaborator; retrying is the
// caller's job. Commit still checks the versions it read.
type Engine struct {
	mu sync.Mutex

	sequence    int64
	hasher      *StateHasher
	idempotency *IdempotencyChecker
	// inflight holds idempotency keys of transactions between begin and
	// release.
	inflight map[string]struct{}

	vaults       map[uuid.UUID]*vaultEntry
	participants map[uuid.UUID]*state.Participant

	resolver CollaboratorResolver
	rm       collab.RangeMath
	metrics  *observability.Metrics
	logger   zerolog.Logger
	now      func() time.Time

	persistChan chan<- CoreOutput
	publishChan chan<- CoreOutput
}

type vaultEntry struct {
	vault  *state.Vault
	collab Collaborators

	// busy is set while a transaction holds the vault's reservation.
	busy bool
}

func NewEngine(opts Options) *Engine {
	if opts.IdempotencyCapacity <= 0 {
		opts.IdempotencyCapacity = 100_000
	}
	if opts.Clock == nil {
		opts.Clock = time.Now
	}
	return &Engine{
		sequence:     opts.StartSequence,
		hasher:       NewStateHasher(opts.PrevHash),
		idempotency:  NewIdempotencyChecker(opts.IdempotencyCapacity, opts.DBChecker, opts.Metrics),
		inflight:     make(map[string]struct{}),
		vaults:       make(map[uuid.UUID]*vaultEntry),
		participants: make(map[uuid.UUID]*state.Participant),
		resolver:     opts.Resolver,
		rm:           opts.RangeMath,
		metrics:      opts.Metrics,
		logger:       opts.Logger,
		now:          opts.Clock,
		persistChan:  opts.PersistChan,
		publishChan:  opts.PublishChan,
	}
}

// Sequence returns the sequence the next commit will use.
func (e *Engine) Sequence() int64 {
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.sequence
}

// ChainTip returns the hash of the last committed transaction.
func (e *Engine) ChainTip() [32]byte {
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.hasher.Tip()
}

// WarmIdempotency preloads recently used idempotency keys.
func (e *Engine) WarmIdempotency(keys []string) {
	e.mu.Lock()
	defer e.mu.Unlock()
	e.idempotency.Warm(keys)
}

// Restore installs persisted state. It must be called before the engine
// serves requests.
func (e *Engine) Restore(vaults []*state.Vault, participants []*state.Participant) error {
	e.mu.Lock()
	defer e.mu.Unlock()
	for _, v := range vaults {
		c, err := e.resolver.Resolve(v.ID, v.Config)
		if err != nil {
			return fmt.Errorf("resolve collaborators for vault %s: %w", v.ID, err)
		}
		e.vaults[v.ID] = &vaultEntry{vault: v, collab: e.instrument(c)}
	}
	for _, p := range participants {
		if _, ok := e.vaults[p.VaultID]; !ok {
			return fmt.Errorf("participant %s references unknown vault %s", p.ID, p.VaultID)
		}
		e.participants[p.ID] = p
	}
	e.logger.Info().Int("vaults", len(vaults)).Int("participants", len(participants)).Msg("state restored")
	return nil
}

// Vault returns a snapshot of a vault.
func (e *Engine) Vault(id uuid.UUID) (*state.Vault, bool) {
	e.mu.Lock()
	defer e.mu.Unlock()
	entry, ok := e.vaults[id]
	if !ok {
		return nil, false
	}
	return entry.vault.Clone(), true
}

// Vaults returns the ids of all vaults in a stable order.
func (e *Engine) Vaults() []uuid.UUID {
	e.mu.Lock()
	defer e.mu.Unlock()
	ids := make([]uuid.UUID, 0, len(e.vaults))
	for id := range e.vaults {
		ids = append(ids, id)
	}
	sort.Slice(ids, func(i, j int) bool { return ids[i].String() < ids[j].String() })
	return ids
}

// Participant returns a snapshot of a participant.
func (e *Engine) Participant(id uuid.UUID) (*state.Participant, bool) {
	e.mu.Lock()
	defer e.mu.Unlock()
	p, ok := e.participants[id]
	if !ok {
		return nil, false
	}
	return p.Clone(), true
}

// Participants returns snapshots of a vault's participants ordered by id.
func (e *Engine) Participants(vaultID uuid.UUID) []*state.Participant {
	e.mu.Lock()
	defer e.mu.Unlock()
	out := make([]*state.Participant, 0)
	for _, p := range e.participants {
		if p.VaultID == vaultID {
			out = append(out, p.Clone())
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].ID.String() < out[j].ID.String() })
	return out
}

// InitializeVault creates a vault with no epochs.
func (e *Engine) InitializeVault(ctx context.Context, cmd Command, cfg state.VaultConfig) (err error) {
	start := time.Now()
	defer func() { e.observe(event.EventTypeVaultInitialized, start, err) }()

	v, err := state.NewVault(cmd.VaultID, cfg)
	if err != nil {
		return err
	}
	c, err := e.resolver.Resolve(cmd.VaultID, cfg)
	if err != nil {
		return fmt.Errorf("resolve collaborators: %w", err)
	}

	e.mu.Lock()
	defer e.mu.Unlock()
	if _, ok := e.vaults[cmd.VaultID]; ok {
		return vaulterr.Wrap(vaulterr.ErrVaultExists, "vault %s", cmd.VaultID)
	}
	if err := e.checkDuplicate(event.EventTypeVaultInitialized, cmd.IdempotencyKey); err != nil {
		return err
	}

	evt := &event.VaultInitialized{
		VaultRef:       event.VaultRef{Vault: v.ID},
		TokenA:         cfg.TokenA,
		TokenB:         cfg.TokenB,
		TickSpacing:    cfg.TickSpacing,
		FullTickRange:  cfg.FullTickRange,
		VaultTickRange: cfg.VaultTickRange,
		HedgeTickRange: cfg.HedgeTickRange,
		SlotCapacity:   cfg.SlotCapacity,
	}
	payload, err := json.Marshal(evt)
	if err != nil {
		return fmt.Errorf("encode %s: %w", evt.EventType(), err)
	}
	v.Version = 1
	e.vaults[cmd.VaultID] = &vaultEntry{vault: v, collab: e.instrument(c)}
	e.emit(cmd.IdempotencyKey, evt, payload, CoreOutput{Vault: v})
	return nil
}

// --- Transactions ---

// txn is the working copy of one transaction.
type txn struct {
	eventType event.EventType
	cmd       Command

	vault        *state.Vault
	vaultVersion uint64
	writesVault  bool

	participant        *state.Participant
	participantVersion uint64
	newParticipant     bool
	removeParticipant  bool

	collab      Collaborators
	reserved    bool
	inflightKey string

	marketBase int
	hedgeBase  int
}

type txnScope int

const (
	scopeVault            txnScope = iota // vault only
	scopeParticipant                      // participant only, vault read
	scopeVaultParticipant                 // both written
	scopeNewParticipant                   // participant created, vault read
)

// begin snapshots the state a transaction reads and claims its
// idempotency key. Unless it only creates a participant it also reserves
// the vault. Callers hand both back with release once begin succeeds.
func (e *Engine) begin(eventType event.EventType, cmd Command, scope txnScope) (*txn, error) {
	e.mu.Lock()
	defer e.mu.Unlock()

	if err := e.checkDuplicate(eventType, cmd.IdempotencyKey); err != nil {
		return nil, err
	}
	var key string
	if cmd.IdempotencyKey != "" {
		key = compositeKey(eventType.String(), cmd.IdempotencyKey)
		if _, ok := e.inflight[key]; ok {
			return nil, vaulterr.Wrap(vaulterr.ErrDuplicateRequest, "%s %q in flight", eventType, cmd.IdempotencyKey)
		}
	}
	entry, ok := e.vaults[cmd.VaultID]
	if !ok {
		return nil, vaulterr.Wrap(vaulterr.ErrUnknownVault, "vault %s", cmd.VaultID)
	}
	t := &txn{
		eventType:    eventType,
		cmd:          cmd,
		vault:        entry.vault.Clone(),
		vaultVersion: entry.vault.Version,
		writesVault:  scope == scopeVault || scope == scopeVaultParticipant,
		collab:       entry.collab,
		marketBase:   entry.vault.Epochs.MarketEpochCount(),
		hedgeBase:    entry.vault.Epochs.HedgeEpochCount(),
	}

	switch scope {
	case scopeParticipant, scopeVaultParticipant:
		p, ok := e.participants[cmd.ParticipantID]
		if !ok {
			return nil, vaulterr.Wrap(vaulterr.ErrUnknownParticipant, "participant %s", cmd.ParticipantID)
		}
		if p.VaultID != cmd.VaultID {
			return nil, vaulterr.Wrap(vaulterr.ErrInvalidPosition,
				"participant %s belongs to vault %s", p.ID, p.VaultID)
		}
		t.participant = p.Clone()
		t.participantVersion = p.Version
	case scopeNewParticipant:
		if _, ok := e.participants[cmd.ParticipantID]; ok {
			return nil, vaulterr.Wrap(vaulterr.ErrParticipantExists, "participant %s", cmd.ParticipantID)
		}
		t.participant = state.NewParticipant(cmd.ParticipantID, t.vault)
		t.newParticipant = true
	}

	if scope != scopeNewParticipant {
		if entry.busy {
			return nil, vaulterr.Wrap(vaulterr.ErrStaleTransaction, "vault %s busy", cmd.VaultID)
		}
		entry.busy = true
		t.reserved = true
	}

	if key != "" {
		e.inflight[key] = struct{}{}
		t.inflightKey = key
	}
	return t, nil
}

// release drops the transaction's vault reservation and idempotency key
// claim. It is safe to call more than once and on a nil transaction.
func (e *Engine) release(t *txn) {
	if t == nil || (!t.reserved && t.inflightKey == "") {
		return
	}
	e.mu.Lock()
	defer e.mu.Unlock()
	if t.reserved {
		if entry, ok := e.vaults[t.cmd.VaultID]; ok {
			entry.busy = false
		}
		t.reserved = false
	}
	if t.inflightKey != "" {
		delete(e.inflight, t.inflightKey)
		t.inflightKey = ""
	}
}

// commit installs the transaction's working copies if nothing it read has
// changed, then appends it to the hash chain and emits it.
func (e *Engine) commit(t *txn, evt event.Event) error {
	e.mu.Lock()
	defer e.mu.Unlock()

	entry, ok := e.vaults[t.cmd.VaultID]
	if !ok {
		return vaulterr.Wrap(vaulterr.ErrUnknownVault, "vault %s", t.cmd.VaultID)
	}
	if t.writesVault && entry.vault.Version != t.vaultVersion {
		return vaulterr.Wrap(vaulterr.ErrStaleTransaction,
			"vault %s at version %d, read %d", t.cmd.VaultID, entry.vault.Version, t.vaultVersion)
	}
	if t.participant != nil {
		cur, exists := e.participants[t.participant.ID]
		switch {
		case t.newParticipant && exists:
			return vaulterr.Wrap(vaulterr.ErrParticipantExists, "participant %s", t.participant.ID)
		case !t.newParticipant && (!exists || cur.Version != t.participantVersion):
			return vaulterr.Wrap(vaulterr.ErrStaleTransaction,
				"participant %s changed during transaction", t.participant.ID)
		}
		// A participant transaction that read vault-current state must not
		// commit against a vault that has since moved to a new epoch.
		if !t.writesVault && !t.newParticipant && !sameEpochs(entry.vault, t) {
			return vaulterr.Wrap(vaulterr.ErrStaleTransaction,
				"vault %s rebalanced during transaction", t.cmd.VaultID)
		}
	}
	if err := e.checkDuplicate(t.eventType, t.cmd.IdempotencyKey); err != nil {
		return err
	}
	payload, err := json.Marshal(evt)
	if err != nil {
		return fmt.Errorf("encode %s: %w", evt.EventType(), err)
	}

	out := CoreOutput{}
	if t.writesVault {
		t.vault.Version++
		entry.vault = t.vault
		out.MarketEpochs = touchedMarket(t.vault, t.marketBase)
		out.HedgeEpochs = touchedHedge(t.vault, t.hedgeBase)
	}
	out.Vault = entry.vault

	if t.participant != nil {
		t.participant.Version++
		if t.removeParticipant {
			delete(e.participants, t.participant.ID)
			out.ParticipantRemoved = true
		} else {
			e.participants[t.participant.ID] = t.participant
		}
		out.Participant = t.participant
	}

	e.emit(t.cmd.IdempotencyKey, evt, payload, out)
	return nil
}

// commitVaultOnly commits the vault half of a participant transaction that
// failed after an irreversible collaborator call. The participant is left
// as it was and the idempotency key stays unused.
func (e *Engine) commitVaultOnly(t *txn, evt event.Event) error {
	t.participant = nil
	t.cmd.IdempotencyKey = ""
	return e.commit(t, evt)
}

// sameEpochs reports whether the committed vault still has the epoch
// layout the transaction read.
func sameEpochs(v *state.Vault, t *txn) bool {
	if v.Epochs.MarketEpochCount() != t.marketBase || v.Epochs.HedgeEpochCount() != t.hedgeBase {
		return false
	}
	_, slotNow, _ := v.Epochs.CurrentHedge()
	_, slotRead, _ := t.vault.Epochs.CurrentHedge()
	return slotNow == slotRead
}

func touchedMarket(v *state.Vault, base int) []*state.MarketEpoch {
	from := max(base-1, 0)
	return v.Epochs.MarketEpochsSince(uint64(from))
}

func touchedHedge(v *state.Vault, base int) []*state.HedgeEpoch {
	from := max(base-1, 0)
	return v.Epochs.HedgeEpochsSince(uint64(from))
}

// emit appends a committed transaction to the hash chain and hands it to
// persistence and publishing. Caller holds mu and has installed the state.
func (e *Engine) emit(idempotencyKey string, evt event.Event, payload []byte, out CoreOutput) {
	hashStart := time.Now()
	prev := e.hasher.Tip()
	hash := e.hasher.Append(e.sequence, stateDigest(payload, out))
	if e.metrics != nil {
		e.metrics.StateHashDur.Observe(time.Since(hashStart).Seconds())
	}

	out.Event = evt
	out.Envelope = &event.EventEnvelope{
		Sequence:       e.sequence,
		IdempotencyKey: idempotencyKey,
		EventType:      evt.EventType(),
		VaultID:        evt.VaultID(),
		ParticipantID:  evt.ParticipantID(),
		Timestamp:      e.now().UTC(),
		Payload:        payload,
		StateHash:      hash,
		PrevHash:       prev,
	}
	e.sequence++
	if idempotencyKey != "" {
		e.idempotency.MarkProcessed(evt.EventType().String(), idempotencyKey)
	}

	if e.persistChan != nil {
		select {
		case e.persistChan <- out:
		default:
			if e.metrics != nil {
				e.metrics.PersistBackpressure.Inc()
			}
			e.persistChan <- out
		}
	}
	if e.publishChan != nil {
		select {
		case e.publishChan <- out:
		default:
			if e.metrics != nil {
				e.metrics.PublishDrops.Inc()
			}
		}
	}

	if e.metrics != nil {
		e.metrics.TxApplied.WithLabelValues(evt.EventType().String()).Inc()
		e.metrics.EngineSeq.Set(float64(e.sequence))
	}
	e.logger.Debug().
		Int64("sequence", out.Envelope.Sequence).
		Str("event_type", evt.EventType().String()).
		Str("vault_id", evt.VaultID().String()).
		Msg("transaction committed")
}

func (e *Engine) checkDuplicate(eventType event.EventType, key string) error {
	if key == "" {
		return nil
	}
	if e.idempotency.IsDuplicate(eventType.String(), key) {
		return vaulterr.Wrap(vaulterr.ErrDuplicateRequest, "%s %q", eventType, key)
	}
	return nil
}

// observe records the outcome of a public operation.
func (e *Engine) observe(eventType event.EventType, start time.Time, err error) {
	label := eventType.String()
	if err == nil {
		if e.metrics != nil {
			e.metrics.TxDuration.WithLabelValues(label).Observe(time.Since(start).Seconds())
		}
		return
	}
	if e.metrics != nil {
		e.metrics.TxRejected.WithLabelValues(label, vaulterr.KindOf(err).String()).Inc()
		if errors.Is(err, vaulterr.ErrStaleTransaction) {
			e.metrics.TxStale.WithLabelValues(label).Inc()
		}
	}
	e.logger.Debug().Err(err).Str("event_type", label).Msg("transaction rejected")
}
