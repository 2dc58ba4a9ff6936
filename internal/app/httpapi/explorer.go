package httpapi

import (
	"context"
	"math/big"
	"net/http"
	"strings"

	"github.com/R3E-Network/sessionpay/internal/app/domain/attestation"
	"github.com/R3E-Network/sessionpay/internal/app/domain/session"
	attestationsvc "github.com/R3E-Network/sessionpay/internal/app/services/attestation"
	"github.com/R3E-Network/sessionpay/internal/chain"
	svcerrors "github.com/R3E-Network/sessionpay/internal/errors"
	"github.com/R3E-Network/sessionpay/internal/httputil"
)

type attestationView struct {
	Attestation attestation.Attestation   `json:"attestation"`
	Claim       *attestationsvc.ClaimView `json:"claim,omitempty"`
}

func viewAttestation(att attestation.Attestation) attestationView {
	out := attestationView{Attestation: att}
	if claim, err := attestationsvc.DecodeClaim(att.Data); err == nil {
		v := claim.View()
		out.Claim = &v
	}
	return out
}

func viewAttestations(list []attestation.Attestation) []attestationView {
	out := make([]attestationView, 0, len(list))
	for _, att := range list {
		out = append(out, viewAttestation(att))
	}
	return out
}

func (h *handler) listAttestations(w http.ResponseWriter, r *http.Request) {
	recipient, err := optionalAddress("recipient", r.URL.Query().Get("recipient"))
	if err != nil {
		httputil.WriteError(w, err)
		return
	}
	list, err := h.app.Attestations.List(r.Context(), recipient)
	if err != nil {
		httputil.WriteError(w, err)
		return
	}
	httputil.WriteSuccess(w, http.StatusOK, viewAttestations(list))
}

// createAttestation records a paid-inference claim signed by the caller as
// provider.
func (h *handler) createAttestation(w http.ResponseWriter, r *http.Request) {
	caller, err := requireCaller(r)
	if err != nil {
		httputil.WriteError(w, err)
		return
	}
	var payload struct {
		Payer     string `json:"payer"`
		RequestID string `json:"request_id"`
		Model     string `json:"model"`
		PriceUSDC string `json:"price_usdc"`
		InputHash string `json:"input_hash"`
		OutputRef string `json:"output_ref"`
		Status    string `json:"status"`
		TxHash    string `json:"tx_hash"`
	}
	if err := httputil.DecodeJSON(r, &payload); err != nil {
		httputil.WriteError(w, err)
		return
	}

	claim := attestationsvc.Claim{
		Provider:  caller,
		Model:     strings.TrimSpace(payload.Model),
		OutputRef: payload.OutputRef,
		Status:    attestation.ClaimCompleted,
	}
	if claim.Payer, err = optionalAddress("payer", payload.Payer); err != nil {
		httputil.WriteError(w, err)
		return
	}
	if claim.RequestID, err = optionalHash("request_id", payload.RequestID); err != nil {
		httputil.WriteError(w, err)
		return
	}
	if claim.InputHash, err = optionalHash("input_hash", payload.InputHash); err != nil {
		httputil.WriteError(w, err)
		return
	}
	if claim.TxHash, err = optionalHash("tx_hash", payload.TxHash); err != nil {
		httputil.WriteError(w, err)
		return
	}
	if payload.PriceUSDC != "" {
		price, ok := new(big.Int).SetString(strings.TrimSpace(payload.PriceUSDC), 10)
		if !ok || price.Sign() < 0 {
			httputil.WriteError(w, svcerrors.Validation("price_usdc must be a non-negative integer"))
			return
		}
		claim.PriceUSDC = price
	}
	if payload.Status != "" {
		status, ok := attestation.ParseClaimStatus(strings.ToLower(payload.Status))
		if !ok {
			httputil.WriteError(w, svcerrors.Validation("unknown claim status").WithDetails("status", payload.Status))
			return
		}
		claim.Status = status
	}

	uid, err := h.app.Orchestrator.AttestClaim(r.Context(), claim)
	if err != nil {
		httputil.WriteError(w, err)
		return
	}
	att, err := h.app.Attestations.GetAttestation(r.Context(), uid)
	if err != nil {
		httputil.WriteSuccess(w, http.StatusCreated, map[string]any{"uid": uid})
		return
	}
	httputil.WriteSuccess(w, http.StatusCreated, viewAttestation(att))
}

type addressHistory struct {
	Address      chain.Address     `json:"address"`
	Attestations []attestationView `json:"attestations"`
	Paid         []sessionView     `json:"paid_sessions"`
	Served       []sessionView     `json:"served_sessions"`
}

func (h *handler) history(ctx context.Context, addr chain.Address, limit int) (addressHistory, error) {
	out := addressHistory{Address: addr}
	atts, err := h.app.Attestations.List(ctx, addr)
	if err != nil {
		return out, err
	}
	out.Attestations = viewAttestations(atts)

	paid, err := h.app.Engine.ListSessions(ctx, session.Filter{Payer: addr, Limit: limit})
	if err != nil {
		return out, err
	}
	served, err := h.app.Engine.ListSessions(ctx, session.Filter{Provider: addr, Limit: limit})
	if err != nil {
		return out, err
	}
	out.Paid = make([]sessionView, 0, len(paid))
	for _, s := range paid {
		out.Paid = append(out.Paid, h.viewSession(ctx, s))
	}
	out.Served = make([]sessionView, 0, len(served))
	for _, s := range served {
		out.Served = append(out.Served, h.viewSession(ctx, s))
	}
	return out, nil
}

func (h *handler) userHistory(w http.ResponseWriter, r *http.Request) {
	addr, err := pathAddress(r, "address")
	if err != nil {
		httputil.WriteError(w, err)
		return
	}
	limit, err := queryLimit(r.URL.Query().Get("limit"))
	if err != nil {
		httputil.WriteError(w, err)
		return
	}
	out, err := h.history(r.Context(), addr, limit)
	if err != nil {
		httputil.WriteError(w, err)
		return
	}
	httputil.WriteSuccess(w, http.StatusOK, out)
}

// explore resolves q as an attestation UID, a session request id or an
// address, in that order.
func (h *handler) explore(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()
	q := strings.TrimSpace(r.URL.Query().Get("q"))
	if q == "" {
		httputil.WriteError(w, svcerrors.Validation("query parameter q is required"))
		return
	}

	if id, err := chain.ParseHash(q); err == nil {
		att, aerr := h.app.Attestations.GetAttestation(ctx, id)
		if aerr == nil {
			httputil.WriteSuccess(w, http.StatusOK, map[string]any{"type": "attestation", "result": viewAttestation(att)})
			return
		}
		if svcerrors.CodeOf(aerr) != svcerrors.CodeNotFound {
			httputil.WriteError(w, aerr)
			return
		}
		sess, serr := h.app.Engine.GetSession(ctx, id)
		if serr == nil {
			httputil.WriteSuccess(w, http.StatusOK, map[string]any{"type": "session", "result": h.viewSession(ctx, sess)})
			return
		}
		if svcerrors.CodeOf(serr) != svcerrors.CodeSessionNotFound {
			httputil.WriteError(w, serr)
			return
		}
		httputil.WriteError(w, svcerrors.NotFound("attestation or session", q))
		return
	}

	if addr, err := chain.ParseAddress(q); err == nil {
		out, err := h.history(ctx, addr, 50)
		if err != nil {
			httputil.WriteError(w, err)
			return
		}
		httputil.WriteSuccess(w, http.StatusOK, map[string]any{"type": "address", "result": out})
		return
	}

	httputil.WriteError(w, svcerrors.Validation("q must be a 32-byte identifier or a 20-byte address"))
}

func optionalHash(field, raw string) (chain.Hash, error) {
	if strings.TrimSpace(raw) == "" {
		return chain.Hash{}, nil
	}
	id, err := chain.ParseHash(raw)
	if err != nil {
		return chain.Hash{}, svcerrors.Validation("invalid " + field).WithCause(err)
	}
	return id, nil
}
