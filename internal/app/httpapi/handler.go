package httpapi

import (
	"context"
	"fmt"
	"math"
	"math/big"
	"net/http"
	"strconv"
	"strings"
	"time"

	"github.com/gorilla/mux"

	"github.com/R3E-Network/sessionpay/internal/app/domain/session"
	"github.com/R3E-Network/sessionpay/internal/app/domain/settlement"
	"github.com/R3E-Network/sessionpay/internal/app/services/sessionpay"
	settlementsvc "github.com/R3E-Network/sessionpay/internal/app/services/settlement"
	"github.com/R3E-Network/sessionpay/internal/app/services/token"
	"github.com/R3E-Network/sessionpay/internal/chain"
	svcerrors "github.com/R3E-Network/sessionpay/internal/errors"
	"github.com/R3E-Network/sessionpay/internal/httputil"
	"github.com/R3E-Network/sessionpay/internal/middleware"
)

type sessionView struct {
	session.Session
	AmountFormatted string `json:"amount_formatted"`
}

func (h *handler) viewSession(ctx context.Context, s session.Session) sessionView {
	decimals := uint8(token.MockUSDCDecimals)
	if meta, err := h.app.Tokens.Metadata(ctx, s.Token); err == nil {
		decimals = meta.Decimals
	}
	return sessionView{Session: s, AmountFormatted: token.FormatUnits(s.Amount, decimals)}
}

func (h *handler) prepareSession(w http.ResponseWriter, r *http.Request) {
	var req settlementsvc.PrepareRequest
	if err := httputil.DecodeJSON(r, &req); err != nil {
		httputil.WriteError(w, err)
		return
	}
	job, err := h.app.Orchestrator.Prepare(r.Context(), req)
	if err != nil {
		httputil.WriteError(w, err)
		return
	}
	httputil.WriteSuccess(w, http.StatusCreated, job)
}

func (h *handler) listSessions(w http.ResponseWriter, r *http.Request) {
	q := r.URL.Query()
	var filter session.Filter
	var err error
	if filter.Payer, err = optionalAddress("payer", q.Get("payer")); err != nil {
		httputil.WriteError(w, err)
		return
	}
	if filter.Provider, err = optionalAddress("provider", q.Get("provider")); err != nil {
		httputil.WriteError(w, err)
		return
	}
	if raw := q.Get("settled"); raw != "" {
		settled, perr := strconv.ParseBool(raw)
		if perr != nil {
			httputil.WriteError(w, svcerrors.Validation("settled must be true or false"))
			return
		}
		filter.Settled = &settled
	}
	if filter.Limit, err = queryLimit(q.Get("limit")); err != nil {
		httputil.WriteError(w, err)
		return
	}

	list, err := h.app.Engine.ListSessions(r.Context(), filter)
	if err != nil {
		httputil.WriteError(w, err)
		return
	}
	out := make([]sessionView, 0, len(list))
	for _, s := range list {
		out = append(out, h.viewSession(r.Context(), s))
	}
	httputil.WriteSuccess(w, http.StatusOK, out)
}

func (h *handler) sessionStatus(w http.ResponseWriter, r *http.Request) {
	id, err := pathHash(r, "id")
	if err != nil {
		httputil.WriteError(w, err)
		return
	}
	job, err := h.app.Orchestrator.Status(r.Context(), id)
	if err != nil {
		httputil.WriteError(w, err)
		return
	}
	httputil.WriteSuccess(w, http.StatusOK, job)
}

// openSession escrows funds as the caller. Fields omitted from the body are
// taken from the prepared job when one exists.
func (h *handler) openSession(w http.ResponseWriter, r *http.Request) {
	id, err := pathHash(r, "id")
	if err != nil {
		httputil.WriteError(w, err)
		return
	}
	caller, err := requireCaller(r)
	if err != nil {
		httputil.WriteError(w, err)
		return
	}
	var payload struct {
		Provider  string `json:"provider"`
		Token     string `json:"token"`
		Amount    string `json:"amount"`
		Model     string `json:"model"`
		InputHash string `json:"input_hash"`
	}
	if err := httputil.DecodeJSON(r, &payload); err != nil {
		httputil.WriteError(w, err)
		return
	}

	req := sessionpay.OpenRequest{RequestID: id, Token: h.app.TokenAddress}
	if job, err := h.app.Orchestrator.Status(r.Context(), id); err == nil && job.Status == settlement.StatusPending {
		req.Provider = job.Provider
		req.Amount = job.Amount
		req.Model = job.Model
		req.InputHash = job.InputHash
	}
	if payload.Provider != "" {
		if req.Provider, err = settlementsvc.NormalizeAddress("provider", payload.Provider); err != nil {
			httputil.WriteError(w, err)
			return
		}
	}
	if payload.Token != "" {
		if req.Token, err = settlementsvc.NormalizeAddress("token", payload.Token); err != nil {
			httputil.WriteError(w, err)
			return
		}
	}
	if payload.Amount != "" {
		if req.Amount, err = parseAmount(payload.Amount); err != nil {
			httputil.WriteError(w, err)
			return
		}
	}
	if payload.Model != "" {
		req.Model = payload.Model
	}
	if payload.InputHash != "" {
		if req.InputHash, err = chain.ParseHash(payload.InputHash); err != nil {
			httputil.WriteError(w, svcerrors.Validation("invalid input_hash").WithCause(err))
			return
		}
	}
	if req.Amount == nil {
		req.Amount = new(big.Int)
	}

	rcpt, err := h.app.Engine.OpenSession(r.Context(), caller, req)
	if err != nil {
		httputil.WriteError(w, err)
		return
	}
	httputil.WriteSuccess(w, http.StatusCreated, rcpt)
}

func (h *handler) processSession(w http.ResponseWriter, r *http.Request) {
	id, err := pathHash(r, "id")
	if err != nil {
		httputil.WriteError(w, err)
		return
	}
	job, err := h.app.Orchestrator.Process(r.Context(), id)
	if err != nil {
		httputil.WriteError(w, err)
		return
	}
	httputil.WriteSuccess(w, http.StatusAccepted, job)
}

func (h *handler) confirmSession(w http.ResponseWriter, r *http.Request) {
	id, err := pathHash(r, "id")
	if err != nil {
		httputil.WriteError(w, err)
		return
	}
	caller, err := requireCaller(r)
	if err != nil {
		httputil.WriteError(w, err)
		return
	}
	var payload struct {
		OutputRef string `json:"output_ref"`
	}
	if err := httputil.DecodeJSON(r, &payload); err != nil {
		httputil.WriteError(w, err)
		return
	}
	rcpt, err := h.app.Engine.ConfirmSuccess(r.Context(), caller, id, payload.OutputRef)
	if err != nil {
		httputil.WriteError(w, err)
		return
	}
	httputil.WriteSuccess(w, http.StatusOK, rcpt)
}

func (h *handler) refundSession(w http.ResponseWriter, r *http.Request) {
	id, err := pathHash(r, "id")
	if err != nil {
		httputil.WriteError(w, err)
		return
	}
	caller, err := requireCaller(r)
	if err != nil {
		httputil.WriteError(w, err)
		return
	}
	rcpt, err := h.app.Engine.Refund(r.Context(), caller, id)
	if err != nil {
		httputil.WriteError(w, err)
		return
	}
	httputil.WriteSuccess(w, http.StatusOK, rcpt)
}

func (h *handler) sessionState(w http.ResponseWriter, r *http.Request) {
	id, err := pathHash(r, "id")
	if err != nil {
		httputil.WriteError(w, err)
		return
	}
	ctx := r.Context()
	exists, err := h.app.Engine.SessionExists(ctx, id)
	if err != nil {
		httputil.WriteError(w, err)
		return
	}
	settled, err := h.app.Engine.IsSettled(ctx, id)
	if err != nil {
		httputil.WriteError(w, err)
		return
	}
	canRefund, err := h.app.Engine.CanRefund(ctx, id)
	if err != nil {
		httputil.WriteError(w, err)
		return
	}
	httputil.WriteSuccess(w, http.StatusOK, map[string]any{
		"request_id": id,
		"exists":     exists,
		"settled":    settled,
		"can_refund": canRefund,
	})
}

// sessionEvents reads the persisted log, or the in-memory feed newest first
// when ?recent=N is given.
func (h *handler) sessionEvents(w http.ResponseWriter, r *http.Request) {
	id, err := pathHash(r, "id")
	if err != nil {
		httputil.WriteError(w, err)
		return
	}
	if raw := r.URL.Query().Get("recent"); raw != "" {
		n, err := queryLimit(raw)
		if err != nil {
			httputil.WriteError(w, err)
			return
		}
		httputil.WriteSuccess(w, http.StatusOK, nonNilEvents(h.app.Feed.RecentByRequest(id, n)))
		return
	}
	events, err := h.app.Engine.Events(r.Context(), session.EventFilter{RequestID: id})
	if err != nil {
		httputil.WriteError(w, err)
		return
	}
	httputil.WriteSuccess(w, http.StatusOK, events)
}

func (h *handler) listEvents(w http.ResponseWriter, r *http.Request) {
	filter, err := eventFilter(r)
	if err != nil {
		httputil.WriteError(w, err)
		return
	}
	events, err := h.app.Engine.Events(r.Context(), filter)
	if err != nil {
		httputil.WriteError(w, err)
		return
	}
	httputil.WriteSuccess(w, http.StatusOK, events)
}

// recentEvents serves the in-memory feed, newest first.
func (h *handler) recentEvents(w http.ResponseWriter, r *http.Request) {
	filter, err := eventFilter(r)
	if err != nil {
		httputil.WriteError(w, err)
		return
	}
	n := filter.Limit
	if n == 0 {
		n = 50
	}
	var events []session.Event
	switch {
	case !filter.RequestID.IsZero():
		events = h.app.Feed.RecentByRequest(filter.RequestID, n)
	case filter.Type != "":
		events = h.app.Feed.RecentByType(filter.Type, n)
	default:
		events = h.app.Feed.Recent(n)
	}
	httputil.WriteSuccess(w, http.StatusOK, nonNilEvents(events))
}

func nonNilEvents(events []session.Event) []session.Event {
	if events == nil {
		return []session.Event{}
	}
	return events
}

func (h *handler) adminConfig(w http.ResponseWriter, r *http.Request) {
	state := h.app.Engine.State(r.Context())
	httputil.WriteSuccess(w, http.StatusOK, map[string]any{
		"address":              h.app.Engine.Address(),
		"owner":                state.Owner,
		"paused":               state.Paused,
		"refund_delay_seconds": int64(state.RefundDelay.Seconds()),
		"token":                h.app.TokenAddress,
		"schema_uid":           h.app.SchemaUID,
	})
}

func (h *handler) setRefundDelay(w http.ResponseWriter, r *http.Request) {
	caller, err := requireCaller(r)
	if err != nil {
		httputil.WriteError(w, err)
		return
	}
	var payload struct {
		Seconds *int64 `json:"seconds"`
	}
	if err := httputil.DecodeJSON(r, &payload); err != nil {
		httputil.WriteError(w, err)
		return
	}
	if payload.Seconds == nil || *payload.Seconds < 0 {
		httputil.WriteError(w, svcerrors.Validation("seconds must be a non-negative integer"))
		return
	}
	rcpt, err := h.app.Engine.SetRefundDelay(r.Context(), caller, secondsDuration(*payload.Seconds))
	if err != nil {
		httputil.WriteError(w, err)
		return
	}
	httputil.WriteSuccess(w, http.StatusOK, rcpt)
}

func (h *handler) pause(w http.ResponseWriter, r *http.Request) {
	caller, err := requireCaller(r)
	if err != nil {
		httputil.WriteError(w, err)
		return
	}
	rcpt, err := h.app.Engine.Pause(r.Context(), caller)
	if err != nil {
		httputil.WriteError(w, err)
		return
	}
	httputil.WriteSuccess(w, http.StatusOK, rcpt)
}

func (h *handler) unpause(w http.ResponseWriter, r *http.Request) {
	caller, err := requireCaller(r)
	if err != nil {
		httputil.WriteError(w, err)
		return
	}
	rcpt, err := h.app.Engine.Unpause(r.Context(), caller)
	if err != nil {
		httputil.WriteError(w, err)
		return
	}
	httputil.WriteSuccess(w, http.StatusOK, rcpt)
}

func (h *handler) transferOwnership(w http.ResponseWriter, r *http.Request) {
	caller, err := requireCaller(r)
	if err != nil {
		httputil.WriteError(w, err)
		return
	}
	var payload struct {
		NewOwner string `json:"new_owner"`
	}
	if err := httputil.DecodeJSON(r, &payload); err != nil {
		httputil.WriteError(w, err)
		return
	}
	newOwner, err := settlementsvc.NormalizeAddress("new_owner", payload.NewOwner)
	if err != nil {
		httputil.WriteError(w, err)
		return
	}
	rcpt, err := h.app.Engine.TransferOwnership(r.Context(), caller, newOwner)
	if err != nil {
		httputil.WriteError(w, err)
		return
	}
	httputil.WriteSuccess(w, http.StatusOK, rcpt)
}

func pathHash(r *http.Request, key string) (chain.Hash, error) {
	raw := mux.Vars(r)[key]
	id, err := chain.ParseHash(raw)
	if err != nil {
		return chain.Hash{}, svcerrors.Validation(fmt.Sprintf("invalid %s %q", key, raw)).WithCause(err)
	}
	return id, nil
}

func pathAddress(r *http.Request, key string) (chain.Address, error) {
	return settlementsvc.NormalizeAddress(key, mux.Vars(r)[key])
}

func optionalAddress(field, raw string) (chain.Address, error) {
	if strings.TrimSpace(raw) == "" {
		return chain.Address{}, nil
	}
	return settlementsvc.NormalizeAddress(field, raw)
}

func requireCaller(r *http.Request) (chain.Address, error) {
	caller, ok := middleware.Caller(r.Context())
	if !ok {
		return chain.Address{}, svcerrors.Unauthorized("caller address required")
	}
	return caller, nil
}

// parseAmount reads a positive integer in smallest token units.
func parseAmount(raw string) (*big.Int, error) {
	v, ok := new(big.Int).SetString(strings.TrimSpace(raw), 10)
	if !ok || v.Sign() <= 0 {
		return nil, svcerrors.Validation("amount must be a positive integer in smallest units")
	}
	return v, nil
}

// secondsDuration saturates instead of overflowing.
func secondsDuration(n int64) time.Duration {
	if n > math.MaxInt64/int64(time.Second) {
		return time.Duration(math.MaxInt64)
	}
	return time.Duration(n) * time.Second
}

func queryLimit(raw string) (int, error) {
	if raw == "" {
		return 0, nil
	}
	n, err := strconv.Atoi(raw)
	if err != nil || n < 0 {
		return 0, svcerrors.Validation("limit must be a non-negative integer")
	}
	if n > 1000 {
		n = 1000
	}
	return n, nil
}

func eventFilter(r *http.Request) (session.EventFilter, error) {
	q := r.URL.Query()
	var filter session.EventFilter
	if raw := q.Get("since"); raw != "" {
		since, err := strconv.ParseUint(raw, 10, 64)
		if err != nil {
			return filter, svcerrors.Validation("since must be an event sequence number")
		}
		filter.SinceSeq = since
	}
	if raw := q.Get("request_id"); raw != "" {
		id, err := chain.ParseHash(raw)
		if err != nil {
			return filter, svcerrors.Validation("invalid request_id").WithCause(err)
		}
		filter.RequestID = id
	}
	filter.Type = session.EventType(q.Get("type"))
	limit, err := queryLimit(q.Get("limit"))
	if err != nil {
		return filter, err
	}
	filter.Limit = limit
	return filter, nil
}
