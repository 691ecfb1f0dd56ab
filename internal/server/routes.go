package server

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"strconv"
	"time"

	"github.com/google/uuid"
	"github.com/grpc-ecosystem/grpc-gateway/v2/runtime"
	"github.com/holiman/uint256"

	"HedgeVault/internal/collab"
	"HedgeVault/internal/core"
	vmath "HedgeVault/internal/math"
	"HedgeVault/internal/state"
)

type apiFunc func(r *http.Request, p map[string]string) (any, error)

type route struct {
	method  string
	pattern string
	fn      apiFunc
}

func (s *Server) registerRoutes(gw *runtime.ServeMux) error {
	routes := []route{
		// queries
		{"GET", "/v1/vaults", s.listVaults},
		{"GET", "/v1/vaults/{vault_id}", s.getVault},
		{"GET", "/v1/vaults/{vault_id}/market_epochs", s.listMarketEpochs},
		{"GET", "/v1/vaults/{vault_id}/hedge_epochs", s.listHedgeEpochs},
		{"GET", "/v1/vaults/{vault_id}/participants", s.listParticipants},
		{"GET", "/v1/vaults/{vault_id}/participants/{participant_id}", s.getParticipant},
		{"GET", "/v1/vaults/{vault_id}/rebalance_check", s.checkRebalance},
		{"GET", "/v1/events", s.listEvents},
		{"GET", "/v1/admin/integrity", s.verifyIntegrity},

		// vault commands
		{"POST", "/v1/vaults", s.initializeVault},
		{"POST", "/v1/vaults/{vault_id}/market_position", s.openMarketPosition},
		{"POST", "/v1/vaults/{vault_id}/hedge_position", s.openHedgePosition},
		{"POST", "/v1/vaults/{vault_id}/refresh", s.refreshVault},
		{"POST", "/v1/vaults/{vault_id}/rebalance", s.rebalance},
		{"POST", "/v1/vaults/{vault_id}/rebalance/market", s.rebalanceMarket},
		{"POST", "/v1/vaults/{vault_id}/rebalance/hedge", s.rebalanceHedge},

		// participant commands
		{"POST", "/v1/vaults/{vault_id}/participants", s.openParticipant},
		{"DELETE", "/v1/vaults/{vault_id}/participants/{participant_id}", s.closeParticipant},
		{"POST", "/v1/vaults/{vault_id}/participants/{participant_id}/deposit", s.depositLiquidity},
		{"POST", "/v1/vaults/{vault_id}/participants/{participant_id}/withdraw", s.withdrawLiquidity},
		{"POST", "/v1/vaults/{vault_id}/participants/{participant_id}/claim_fees", s.claimFees},
		{"POST", "/v1/vaults/{vault_id}/participants/{participant_id}/claim_collateral_interest", s.claimCollateralInterest},
		{"POST", "/v1/vaults/{vault_id}/participants/{participant_id}/repay_borrow_interest", s.repayBorrowInterest},
		{"POST", "/v1/vaults/{vault_id}/participants/{participant_id}/hedge/increase", s.increaseHedge},
		{"POST", "/v1/vaults/{vault_id}/participants/{participant_id}/hedge/decrease", s.decreaseHedge},
		{"POST", "/v1/vaults/{vault_id}/participants/{participant_id}/sync", s.sync},
	}
	for _, rt := range routes {
		if err := gw.HandlePath(rt.method, rt.pattern, s.wrap(rt)); err != nil {
			return fmt.Errorf("register %s %s: %w", rt.method, rt.pattern, err)
		}
	}
	return nil
}

func (s *Server) wrap(rt route) runtime.HandlerFunc {
	label := rt.method + " " + rt.pattern
	return func(w http.ResponseWriter, r *http.Request, p map[string]string) {
		start := time.Now()
		var (
			res any
			err error
		)
		if rt.method != http.MethodGet && !s.limiter.allow() {
			err = errRateLimited
		} else {
			res, err = rt.fn(r, p)
		}

		status := http.StatusOK
		if err != nil {
			status = writeError(w, err)
			ev := s.logger.Debug()
			if status >= http.StatusInternalServerError {
				ev = s.logger.Error()
			}
			ev.Err(err).Str("route", label).Int("status", status).Msg("request failed")
		} else {
			writeJSON(w, status, res)
		}

		if m := s.deps.Metrics; m != nil {
			m.APIRequests.WithLabelValues(label, strconv.Itoa(status)).Inc()
			m.APIDuration.WithLabelValues(label).Observe(time.Since(start).Seconds())
		}
	}
}

// retry re-runs fn when another transaction committed against the same
// state first.
func (s *Server) retry(ctx context.Context, fn func() error) error {
	return core.RetryStale(ctx, s.deps.StaleRetries, fn)
}

// --- request helpers ---

func badRequest(format string, args ...any) error {
	return fmt.Errorf("%w: %s", errBadRequest, fmt.Sprintf(format, args...))
}

func pathUUID(p map[string]string, name string) (uuid.UUID, error) {
	id, err := uuid.Parse(p[name])
	if err != nil {
		return uuid.Nil, badRequest("%s: %v", name, err)
	}
	return id, nil
}

func queryUint(r *http.Request, name string) (uint64, error) {
	v := r.URL.Query().Get(name)
	if v == "" {
		return 0, nil
	}
	n, err := strconv.ParseUint(v, 10, 64)
	if err != nil {
		return 0, badRequest("%s: %v", name, err)
	}
	return n, nil
}

// decodeBody reads an optional JSON body into dst.
func decodeBody(r *http.Request, dst any) error {
	dec := json.NewDecoder(r.Body)
	dec.DisallowUnknownFields()
	if err := dec.Decode(dst); err != nil && !errors.Is(err, io.EOF) {
		return badRequest("body: %v", err)
	}
	return nil
}

// command builds the engine command from the path and the
// Idempotency-Key header.
func command(r *http.Request, p map[string]string, withParticipant bool) (core.Command, error) {
	cmd := core.Command{IdempotencyKey: r.Header.Get("Idempotency-Key")}
	var err error
	if cmd.VaultID, err = pathUUID(p, "vault_id"); err != nil {
		return cmd, err
	}
	if withParticipant {
		if cmd.ParticipantID, err = pathUUID(p, "participant_id"); err != nil {
			return cmd, err
		}
	}
	return cmd, nil
}

func parseLiquidity(s string) (uint256.Int, error) {
	if s == "" {
		return uint256.Int{}, badRequest("liquidity is required")
	}
	v, err := vmath.ParseU128(s)
	if err != nil {
		return v, badRequest("liquidity: %v", err)
	}
	return v, nil
}

// --- queries ---

func (s *Server) listVaults(_ *http.Request, _ map[string]string) (any, error) {
	return s.deps.Query.ListVaults(), nil
}

func (s *Server) getVault(_ *http.Request, p map[string]string) (any, error) {
	id, err := pathUUID(p, "vault_id")
	if err != nil {
		return nil, err
	}
	return s.deps.Query.GetVault(id)
}

func (s *Server) listMarketEpochs(r *http.Request, p map[string]string) (any, error) {
	id, err := pathUUID(p, "vault_id")
	if err != nil {
		return nil, err
	}
	from, err := queryUint(r, "from_epoch")
	if err != nil {
		return nil, err
	}
	limit, err := queryUint(r, "limit")
	if err != nil {
		return nil, err
	}
	return s.deps.Query.ListMarketEpochs(id, from, int(min(limit, 1<<20)))
}

func (s *Server) listHedgeEpochs(r *http.Request, p map[string]string) (any, error) {
	id, err := pathUUID(p, "vault_id")
	if err != nil {
		return nil, err
	}
	from, err := queryUint(r, "from_epoch")
	if err != nil {
		return nil, err
	}
	limit, err := queryUint(r, "limit")
	if err != nil {
		return nil, err
	}
	return s.deps.Query.ListHedgeEpochs(id, from, int(min(limit, 1<<20)))
}

func (s *Server) listParticipants(_ *http.Request, p map[string]string) (any, error) {
	id, err := pathUUID(p, "vault_id")
	if err != nil {
		return nil, err
	}
	return s.deps.Query.ListParticipants(id)
}

func (s *Server) getParticipant(r *http.Request, p map[string]string) (any, error) {
	cmd, err := command(r, p, true)
	if err != nil {
		return nil, err
	}
	res, err := s.deps.Query.GetParticipant(cmd.ParticipantID)
	if err != nil {
		return nil, err
	}
	if res.VaultID != cmd.VaultID {
		return nil, badRequest("participant %s belongs to vault %s", res.ParticipantID, res.VaultID)
	}
	return res, nil
}

type rebalanceCheckResponse struct {
	Tick   int32 `json:"tick"`
	Market bool  `json:"market"`
	Hedge  bool  `json:"hedge"`
}

func (s *Server) checkRebalance(r *http.Request, p map[string]string) (any, error) {
	id, err := pathUUID(p, "vault_id")
	if err != nil {
		return nil, err
	}
	c, err := s.deps.Engine.CheckRebalance(r.Context(), id)
	if err != nil {
		return nil, err
	}
	return rebalanceCheckResponse{Tick: c.Tick, Market: c.Market, Hedge: c.Hedge}, nil
}

func (s *Server) listEvents(r *http.Request, _ map[string]string) (any, error) {
	from, err := queryUint(r, "from_sequence")
	if err != nil {
		return nil, err
	}
	limit, err := queryUint(r, "limit")
	if err != nil {
		return nil, err
	}
	var vaultID *uuid.UUID
	if v := r.URL.Query().Get("vault_id"); v != "" {
		id, err := uuid.Parse(v)
		if err != nil {
			return nil, badRequest("vault_id: %v", err)
		}
		vaultID = &id
	}
	return s.deps.Query.ListEvents(r.Context(), int64(min(from, 1<<62)), int(min(limit, 1<<20)), vaultID)
}

func (s *Server) verifyIntegrity(r *http.Request, _ map[string]string) (any, error) {
	return s.deps.Query.VerifyIntegrity(r.Context())
}

// --- vault commands ---

type initializeVaultRequest struct {
	VaultID string            `json:"vault_id"`
	Config  state.VaultConfig `json:"config"`
}

type epochResponse struct {
	EpochID uint64 `json:"epoch_id"`
}

type okResponse struct {
	OK bool `json:"ok"`
}

func (s *Server) initializeVault(r *http.Request, _ map[string]string) (any, error) {
	var req initializeVaultRequest
	if err := decodeBody(r, &req); err != nil {
		return nil, err
	}
	id, err := uuid.Parse(req.VaultID)
	if err != nil {
		return nil, badRequest("vault_id: %v", err)
	}
	cmd := core.Command{VaultID: id, IdempotencyKey: r.Header.Get("Idempotency-Key")}
	if err := s.deps.Engine.InitializeVault(r.Context(), cmd, req.Config); err != nil {
		return nil, err
	}
	return s.deps.Query.GetVault(id)
}

func (s *Server) openMarketPosition(r *http.Request, p map[string]string) (any, error) {
	cmd, err := command(r, p, false)
	if err != nil {
		return nil, err
	}
	var id uint64
	err = s.retry(r.Context(), func() (err error) {
		id, err = s.deps.Engine.OpenMarketPosition(r.Context(), cmd)
		return err
	})
	if err != nil {
		return nil, err
	}
	return epochResponse{EpochID: id}, nil
}

func (s *Server) openHedgePosition(r *http.Request, p map[string]string) (any, error) {
	cmd, err := command(r, p, false)
	if err != nil {
		return nil, err
	}
	var id uint64
	err = s.retry(r.Context(), func() (err error) {
		id, err = s.deps.Engine.OpenHedgePosition(r.Context(), cmd)
		return err
	})
	if err != nil {
		return nil, err
	}
	return epochResponse{EpochID: id}, nil
}

func (s *Server) refreshVault(r *http.Request, p map[string]string) (any, error) {
	cmd, err := command(r, p, false)
	if err != nil {
		return nil, err
	}
	if err := s.retry(r.Context(), func() error { return s.deps.Engine.RefreshVault(r.Context(), cmd) }); err != nil {
		return nil, err
	}
	return s.deps.Query.GetVault(cmd.VaultID)
}

type rebalanceResponse struct {
	Tick            int32 `json:"tick"`
	MarketRebalance bool  `json:"market_rebalanced"`
	HedgeRebalance  bool  `json:"hedge_rebalanced"`
}

func (s *Server) rebalance(r *http.Request, p map[string]string) (any, error) {
	id, err := pathUUID(p, "vault_id")
	if err != nil {
		return nil, err
	}
	out, err := s.deps.Checker.CheckVault(r.Context(), id)
	if err != nil {
		return nil, err
	}
	return rebalanceResponse{
		Tick:            out.Check.Tick,
		MarketRebalance: out.MarketRebalance,
		HedgeRebalance:  out.HedgeRebalance,
	}, nil
}

type marketRebalanceResponse struct {
	ClosedEpochID   uint64 `json:"closed_epoch_id"`
	OpenedEpochID   uint64 `json:"opened_epoch_id"`
	Above           bool   `json:"above"`
	LiquidityBefore string `json:"liquidity_before"`
	LiquidityAfter  string `json:"liquidity_after"`
	LiquidityDiff   string `json:"liquidity_diff"`
	SwapAToB        bool   `json:"swap_a_to_b"`
	SwapAmountIn    uint64 `json:"swap_amount_in"`
	SwapAmountOut   uint64 `json:"swap_amount_out"`
	LowerTick       int32  `json:"lower_tick"`
	UpperTick       int32  `json:"upper_tick"`
}

func (s *Server) rebalanceMarket(r *http.Request, p map[string]string) (any, error) {
	cmd, err := command(r, p, false)
	if err != nil {
		return nil, err
	}
	var res core.MarketRebalance
	err = s.retry(r.Context(), func() (err error) {
		res, err = s.deps.Engine.RebalanceMarket(r.Context(), cmd)
		return err
	})
	if err != nil {
		return nil, err
	}
	return marketRebalanceResponse{
		ClosedEpochID:   res.ClosedEpochID,
		OpenedEpochID:   res.OpenedEpochID,
		Above:           res.Above,
		LiquidityBefore: res.LiquidityBefore.Dec(),
		LiquidityAfter:  res.LiquidityAfter.Dec(),
		LiquidityDiff:   res.Diff.String(),
		SwapAToB:        res.SwapAToB,
		SwapAmountIn:    res.Swap.AmountIn,
		SwapAmountOut:   res.Swap.AmountOut,
		LowerTick:       res.Position.LowerTick,
		UpperTick:       res.Position.UpperTick,
	}, nil
}

type hedgeRebalanceResponse struct {
	ClosedEpochID  uint64 `json:"closed_epoch_id"`
	ClosedSlot     int    `json:"closed_slot"`
	EpochID        uint64 `json:"epoch_id"`
	Slot           int    `json:"slot"`
	RolledOver     bool   `json:"rolled_over"`
	Above          bool   `json:"above"`
	BorrowedBefore uint64 `json:"borrowed_before"`
	BorrowedDiff   int64  `json:"borrowed_diff"`
	NotionalDiff   int64  `json:"notional_diff"`
}

func (s *Server) rebalanceHedge(r *http.Request, p map[string]string) (any, error) {
	cmd, err := command(r, p, false)
	if err != nil {
		return nil, err
	}
	var res core.HedgeRebalance
	err = s.retry(r.Context(), func() (err error) {
		res, err = s.deps.Engine.RebalanceHedge(r.Context(), cmd)
		return err
	})
	if err != nil {
		return nil, err
	}
	return hedgeRebalanceResponse(res), nil
}

// --- participant commands ---

type openParticipantRequest struct {
	ParticipantID string `json:"participant_id"`
}

func (s *Server) openParticipant(r *http.Request, p map[string]string) (any, error) {
	cmd, err := command(r, p, false)
	if err != nil {
		return nil, err
	}
	var req openParticipantRequest
	if err := decodeBody(r, &req); err != nil {
		return nil, err
	}
	if req.ParticipantID == "" {
		cmd.ParticipantID = uuid.New()
	} else if cmd.ParticipantID, err = uuid.Parse(req.ParticipantID); err != nil {
		return nil, badRequest("participant_id: %v", err)
	}
	err = s.retry(r.Context(), func() error {
		_, err := s.deps.Engine.OpenParticipant(r.Context(), cmd)
		return err
	})
	if err != nil {
		return nil, err
	}
	return s.deps.Query.GetParticipant(cmd.ParticipantID)
}

func (s *Server) closeParticipant(r *http.Request, p map[string]string) (any, error) {
	cmd, err := command(r, p, true)
	if err != nil {
		return nil, err
	}
	if err := s.retry(r.Context(), func() error { return s.deps.Engine.CloseParticipant(r.Context(), cmd) }); err != nil {
		return nil, err
	}
	return okResponse{OK: true}, nil
}

type liquidityRequest struct {
	Liquidity string `json:"liquidity"`
	// Maximum paid on deposit, minimum received on withdrawal.
	LimitA uint64 `json:"limit_a"`
	LimitB uint64 `json:"limit_b"`
}

func (s *Server) liquidityCommand(r *http.Request, p map[string]string) (core.LiquidityRequest, error) {
	var out core.LiquidityRequest
	cmd, err := command(r, p, true)
	if err != nil {
		return out, err
	}
	var req liquidityRequest
	if err := decodeBody(r, &req); err != nil {
		return out, err
	}
	liq, err := parseLiquidity(req.Liquidity)
	if err != nil {
		return out, err
	}
	return core.LiquidityRequest{
		Command:   cmd,
		Liquidity: liq,
		Limit:     collab.TokenAmounts{A: req.LimitA, B: req.LimitB},
	}, nil
}

func (s *Server) depositLiquidity(r *http.Request, p map[string]string) (any, error) {
	req, err := s.liquidityCommand(r, p)
	if err != nil {
		return nil, err
	}
	var paid collab.TokenAmounts
	err = s.retry(r.Context(), func() (err error) {
		paid, err = s.deps.Engine.DepositLiquidity(r.Context(), req)
		return err
	})
	if err != nil {
		return nil, err
	}
	return paid, nil
}

func (s *Server) withdrawLiquidity(r *http.Request, p map[string]string) (any, error) {
	req, err := s.liquidityCommand(r, p)
	if err != nil {
		return nil, err
	}
	var received collab.TokenAmounts
	err = s.retry(r.Context(), func() (err error) {
		received, err = s.deps.Engine.WithdrawLiquidity(r.Context(), req)
		return err
	})
	if err != nil {
		return nil, err
	}
	return received, nil
}

func (s *Server) claimFees(r *http.Request, p map[string]string) (any, error) {
	cmd, err := command(r, p, true)
	if err != nil {
		return nil, err
	}
	var paid collab.TokenAmounts
	err = s.retry(r.Context(), func() (err error) {
		paid, err = s.deps.Engine.ClaimFees(r.Context(), cmd)
		return err
	})
	if err != nil {
		return nil, err
	}
	return paid, nil
}

type amountResponse struct {
	Amount uint64 `json:"amount"`
}

func (s *Server) claimCollateralInterest(r *http.Request, p map[string]string) (any, error) {
	cmd, err := command(r, p, true)
	if err != nil {
		return nil, err
	}
	var amount uint64
	err = s.retry(r.Context(), func() (err error) {
		amount, err = s.deps.Engine.ClaimCollateralInterest(r.Context(), cmd)
		return err
	})
	if err != nil {
		return nil, err
	}
	return amountResponse{Amount: amount}, nil
}

func (s *Server) repayBorrowInterest(r *http.Request, p map[string]string) (any, error) {
	cmd, err := command(r, p, true)
	if err != nil {
		return nil, err
	}
	var amount uint64
	err = s.retry(r.Context(), func() (err error) {
		amount, err = s.deps.Engine.RepayBorrowInterest(r.Context(), cmd)
		return err
	})
	if err != nil {
		return nil, err
	}
	return amountResponse{Amount: amount}, nil
}

type hedgeRequest struct {
	Collateral uint64 `json:"collateral"`
	Borrow     uint64 `json:"borrow"`
}

type increaseHedgeResponse struct {
	Notional uint64 `json:"notional"`
}

func (s *Server) hedgeCommand(r *http.Request, p map[string]string) (core.HedgeRequest, error) {
	cmd, err := command(r, p, true)
	if err != nil {
		return core.HedgeRequest{}, err
	}
	var req hedgeRequest
	if err := decodeBody(r, &req); err != nil {
		return core.HedgeRequest{}, err
	}
	return core.HedgeRequest{Command: cmd, Collateral: req.Collateral, Borrow: req.Borrow}, nil
}

func (s *Server) increaseHedge(r *http.Request, p map[string]string) (any, error) {
	req, err := s.hedgeCommand(r, p)
	if err != nil {
		return nil, err
	}
	var notional uint64
	err = s.retry(r.Context(), func() (err error) {
		notional, err = s.deps.Engine.IncreaseHedge(r.Context(), req)
		return err
	})
	if err != nil {
		return nil, err
	}
	return increaseHedgeResponse{Notional: notional}, nil
}

func (s *Server) decreaseHedge(r *http.Request, p map[string]string) (any, error) {
	req, err := s.hedgeCommand(r, p)
	if err != nil {
		return nil, err
	}
	var rec core.UnhedgeReceipt
	err = s.retry(r.Context(), func() (err error) {
		rec, err = s.deps.Engine.DecreaseHedge(r.Context(), req)
		return err
	})
	if err != nil {
		return nil, err
	}
	return rec, nil
}

type syncRequest struct {
	MarketEpochs []uint64 `json:"market_epochs"`
	HedgeEpochs  []uint64 `json:"hedge_epochs"`
}

// sync applies the listed epochs, or everything outstanding when the body
// lists none.
func (s *Server) sync(r *http.Request, p map[string]string) (any, error) {
	cmd, err := command(r, p, true)
	if err != nil {
		return nil, err
	}
	var req syncRequest
	if err := decodeBody(r, &req); err != nil {
		return nil, err
	}
	var res core.SyncResult
	err = s.retry(r.Context(), func() (err error) {
		if len(req.MarketEpochs) == 0 && len(req.HedgeEpochs) == 0 {
			res, err = s.deps.Engine.SyncAll(r.Context(), cmd)
			return err
		}
		res, err = s.deps.Engine.Sync(r.Context(), core.SyncRequest{
			Command:      cmd,
			MarketEpochs: req.MarketEpochs,
			HedgeEpochs:  req.HedgeEpochs,
		})
		return err
	})
	if err != nil {
		return nil, err
	}
	return res, nil
}
