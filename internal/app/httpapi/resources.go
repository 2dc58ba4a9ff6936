package httpapi

import (
	"net/http"
	"strings"

	"github.com/gorilla/mux"

	"github.com/R3E-Network/sessionpay/internal/app/services/token"
	"github.com/R3E-Network/sessionpay/internal/chain"
	"github.com/R3E-Network/sessionpay/internal/httputil"
)

func (h *handler) listTokens(w http.ResponseWriter, _ *http.Request) {
	httputil.WriteSuccess(w, http.StatusOK, h.app.Tokens.Tokens())
}

func (h *handler) mint(w http.ResponseWriter, r *http.Request) {
	tok, err := pathAddress(r, "token")
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
		To     string `json:"to"`
		Amount string `json:"amount"`
	}
	if err := httputil.DecodeJSON(r, &payload); err != nil {
		httputil.WriteError(w, err)
		return
	}
	to := caller
	if payload.To != "" {
		if to, err = optionalAddress("to", payload.To); err != nil {
			httputil.WriteError(w, err)
			return
		}
	}
	amount, err := parseAmount(payload.Amount)
	if err != nil {
		httputil.WriteError(w, err)
		return
	}
	if err := h.app.Tokens.Mint(r.Context(), tok, caller, to, amount); err != nil {
		httputil.WriteError(w, err)
		return
	}
	h.writeBalance(w, r, tok, to)
}

// approve sets the caller's allowance for spender, defaulting to the escrow.
func (h *handler) approve(w http.ResponseWriter, r *http.Request) {
	tok, err := pathAddress(r, "token")
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
		Spender string `json:"spender"`
		Amount  string `json:"amount"`
	}
	if err := httputil.DecodeJSON(r, &payload); err != nil {
		httputil.WriteError(w, err)
		return
	}
	spender := h.app.Engine.Address()
	if payload.Spender != "" {
		if spender, err = optionalAddress("spender", payload.Spender); err != nil {
			httputil.WriteError(w, err)
			return
		}
	}
	amount, err := parseAmount(payload.Amount)
	if err != nil {
		httputil.WriteError(w, err)
		return
	}
	if err := h.app.Tokens.Approve(r.Context(), tok, caller, spender, amount); err != nil {
		httputil.WriteError(w, err)
		return
	}
	h.writeBalance(w, r, tok, caller)
}

func (h *handler) burn(w http.ResponseWriter, r *http.Request) {
	tok, err := pathAddress(r, "token")
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
		Amount string `json:"amount"`
	}
	if err := httputil.DecodeJSON(r, &payload); err != nil {
		httputil.WriteError(w, err)
		return
	}
	amount, err := parseAmount(payload.Amount)
	if err != nil {
		httputil.WriteError(w, err)
		return
	}
	if err := h.app.Tokens.Burn(r.Context(), tok, caller, amount); err != nil {
		httputil.WriteError(w, err)
		return
	}
	h.writeBalance(w, r, tok, caller)
}

func (h *handler) balance(w http.ResponseWriter, r *http.Request) {
	tok, err := pathAddress(r, "token")
	if err != nil {
		httputil.WriteError(w, err)
		return
	}
	holder, err := pathAddress(r, "address")
	if err != nil {
		httputil.WriteError(w, err)
		return
	}
	h.writeBalance(w, r, tok, holder)
}

// writeBalance reports holder's balance and allowance towards the spender
// query parameter, or the escrow when absent.
func (h *handler) writeBalance(w http.ResponseWriter, r *http.Request, tok, holder chain.Address) {
	ctx := r.Context()
	spender, err := optionalAddress("spender", r.URL.Query().Get("spender"))
	if err != nil {
		httputil.WriteError(w, err)
		return
	}
	if spender.IsZero() {
		spender = h.app.Engine.Address()
	}
	meta, err := h.app.Tokens.Metadata(ctx, tok)
	if err != nil {
		httputil.WriteError(w, err)
		return
	}
	bal, err := h.app.Tokens.BalanceOf(ctx, tok, holder)
	if err != nil {
		httputil.WriteError(w, err)
		return
	}
	allowance, err := h.app.Tokens.Allowance(ctx, tok, holder, spender)
	if err != nil {
		httputil.WriteError(w, err)
		return
	}
	httputil.WriteSuccess(w, http.StatusOK, map[string]any{
		"token":               tok,
		"symbol":              meta.Symbol,
		"holder":              holder,
		"balance":             bal.String(),
		"balance_formatted":   token.FormatUnits(bal, meta.Decimals),
		"spender":             spender,
		"allowance":           allowance.String(),
		"allowance_formatted": token.FormatUnits(allowance, meta.Decimals),
	})
}

func (h *handler) getAttestation(w http.ResponseWriter, r *http.Request) {
	uid, err := pathHash(r, "uid")
	if err != nil {
		httputil.WriteError(w, err)
		return
	}
	att, err := h.app.Attestations.GetAttestation(r.Context(), uid)
	if err != nil {
		httputil.WriteError(w, err)
		return
	}
	httputil.WriteSuccess(w, http.StatusOK, viewAttestation(att))
}

func (h *handler) getSchema(w http.ResponseWriter, r *http.Request) {
	uid, err := pathHash(r, "uid")
	if err != nil {
		httputil.WriteError(w, err)
		return
	}
	schema, err := h.app.Attestations.GetSchema(r.Context(), uid)
	if err != nil {
		httputil.WriteError(w, err)
		return
	}
	httputil.WriteSuccess(w, http.StatusOK, schema)
}

// pathPair accepts pairs as BASE-QUOTE or BASE_QUOTE since the slash cannot
// appear in a path segment.
func pathPair(r *http.Request) string {
	return strings.NewReplacer("-", "/", "_", "/").Replace(mux.Vars(r)["pair"])
}

func (h *handler) latestPrice(w http.ResponseWriter, r *http.Request) {
	overview, err := h.app.PriceFeeds.Overview(r.Context(), pathPair(r))
	if err != nil {
		httputil.WriteError(w, err)
		return
	}
	httputil.WriteSuccess(w, http.StatusOK, overview)
}

func (h *handler) priceHistory(w http.ResponseWriter, r *http.Request) {
	limit, err := queryLimit(r.URL.Query().Get("limit"))
	if err != nil {
		httputil.WriteError(w, err)
		return
	}
	if limit == 0 {
		limit = 100
	}
	history, err := h.app.PriceFeeds.History(r.Context(), pathPair(r), limit)
	if err != nil {
		httputil.WriteError(w, err)
		return
	}
	httputil.WriteSuccess(w, http.StatusOK, history)
}
