// Package token implements an in-process fungible token ledger with the
// allowance model the escrow engine relies on.
package token

import (
	"context"
	"fmt"
	"math/big"
	"net/http"
	"sort"
	"strings"
	"sync"

	"github.com/R3E-Network/sessionpay/internal/chain"
	svcerrors "github.com/R3E-Network/sessionpay/internal/errors"
	"github.com/R3E-Network/sessionpay/pkg/logger"
)

var (
	ErrInsufficientBalance   = svcerrors.New(svcerrors.CodeInsufficientBalance, "insufficient balance", http.StatusUnprocessableEntity)
	ErrInsufficientAllowance = svcerrors.New(svcerrors.CodeInsufficientAllowance, "insufficient allowance", http.StatusUnprocessableEntity)
	ErrUnknownToken          = svcerrors.New(svcerrors.CodeUnknownToken, "unknown token", http.StatusNotFound)
	ErrNotTokenOwner         = svcerrors.New(svcerrors.CodeNotTokenOwner, "caller is not the token owner", http.StatusForbidden)
	ErrInvalidAmount         = svcerrors.New(svcerrors.CodeInvalidAmount, "amount must be positive", http.StatusBadRequest)
)

// Mock USDC parameters.
const (
	MockUSDCName     = "Mock USDC"
	MockUSDCSymbol   = "mUSDC"
	MockUSDCDecimals = 6
)

// Metadata describes a registered token.
type Metadata struct {
	Address     chain.Address `json:"address"`
	Name        string        `json:"name"`
	Symbol      string        `json:"symbol"`
	Decimals    uint8         `json:"decimals"`
	Owner       chain.Address `json:"owner"`
	TotalSupply *big.Int      `json:"total_supply"`
}

type tokenState struct {
	meta       Metadata
	balances   map[chain.Address]*big.Int
	allowances map[chain.Address]map[chain.Address]*big.Int
}

// Ledger holds balances and allowances for any number of tokens.
type Ledger struct {
	mu     sync.RWMutex
	tokens map[chain.Address]*tokenState
	log    *logger.Logger
}

// NewLedger creates an empty ledger.
func NewLedger(log *logger.Logger) *Ledger {
	if log == nil {
		log = logger.NewDefault("token")
	}
	return &Ledger{tokens: make(map[chain.Address]*tokenState), log: log}
}

// Register adds a token. Registering an existing address returns its metadata
// unchanged.
func (l *Ledger) Register(token chain.Address, name, symbol string, decimals uint8, owner chain.Address) (Metadata, error) {
	if token.IsZero() {
		return Metadata{}, svcerrors.Validation("token address is required")
	}
	if owner.IsZero() {
		return Metadata{}, svcerrors.Validation("token owner is required")
	}
	l.mu.Lock()
	defer l.mu.Unlock()

	if st, ok := l.tokens[token]; ok {
		return cloneMeta(st.meta), nil
	}
	st := &tokenState{
		meta: Metadata{
			Address:     token,
			Name:        strings.TrimSpace(name),
			Symbol:      strings.TrimSpace(symbol),
			Decimals:    decimals,
			Owner:       owner,
			TotalSupply: new(big.Int),
		},
		balances:   make(map[chain.Address]*big.Int),
		allowances: make(map[chain.Address]map[chain.Address]*big.Int),
	}
	l.tokens[token] = st
	l.log.WithField("token", token.Hex()).WithField("symbol", st.meta.Symbol).Info("token registered")
	return cloneMeta(st.meta), nil
}

// RegisterMockUSDC registers a 6-decimal mock stablecoin.
func (l *Ledger) RegisterMockUSDC(token, owner chain.Address) (Metadata, error) {
	return l.Register(token, MockUSDCName, MockUSDCSymbol, MockUSDCDecimals, owner)
}

func cloneMeta(m Metadata) Metadata {
	m.TotalSupply = new(big.Int).Set(m.TotalSupply)
	return m
}

func (l *Ledger) stateLocked(token chain.Address) (*tokenState, *svcerrors.ServiceError) {
	st, ok := l.tokens[token]
	if !ok {
		return nil, ErrUnknownToken.WithDetails("token", token.Hex())
	}
	return st, nil
}

func checkAmount(amount *big.Int) *svcerrors.ServiceError {
	if amount == nil || amount.Sign() <= 0 {
		return ErrInvalidAmount
	}
	return nil
}

func (st *tokenState) balance(holder chain.Address) *big.Int {
	if b, ok := st.balances[holder]; ok {
		return b
	}
	return new(big.Int)
}

func (st *tokenState) allowance(owner, spender chain.Address) *big.Int {
	if m, ok := st.allowances[owner]; ok {
		if a, ok := m[spender]; ok {
			return a
		}
	}
	return new(big.Int)
}

func (st *tokenState) move(from, to chain.Address, amount *big.Int) error {
	fromBal := st.balance(from)
	if fromBal.Cmp(amount) < 0 {
		return ErrInsufficientBalance.WithDetails("holder", from.Hex())
	}
	st.balances[from] = new(big.Int).Sub(fromBal, amount)
	st.balances[to] = new(big.Int).Add(st.balance(to), amount)
	return nil
}

// Transfer moves amount from from to to.
func (l *Ledger) Transfer(_ context.Context, token, from, to chain.Address, amount *big.Int) error {
	if err := checkAmount(amount); err != nil {
		return err.WithOp("transfer")
	}
	l.mu.Lock()
	defer l.mu.Unlock()

	st, err := l.stateLocked(token)
	if err != nil {
		return err.WithOp("transfer")
	}
	if err := st.move(from, to, amount); err != nil {
		return fmt.Errorf("transfer: %w", err)
	}
	return nil
}

// TransferFrom moves amount from from to to, spending spender's allowance.
func (l *Ledger) TransferFrom(_ context.Context, token, spender, from, to chain.Address, amount *big.Int) error {
	if err := checkAmount(amount); err != nil {
		return err.WithOp("transferFrom")
	}
	l.mu.Lock()
	defer l.mu.Unlock()

	st, err := l.stateLocked(token)
	if err != nil {
		return err.WithOp("transferFrom")
	}
	allowed := st.allowance(from, spender)
	if allowed.Cmp(amount) < 0 {
		return ErrInsufficientAllowance.WithOp("transferFrom").WithDetails("spender", spender.Hex())
	}
	if err := st.move(from, to, amount); err != nil {
		return fmt.Errorf("transferFrom: %w", err)
	}
	st.setAllowance(from, spender, new(big.Int).Sub(allowed, amount))
	return nil
}

func (st *tokenState) setAllowance(owner, spender chain.Address, amount *big.Int) {
	m, ok := st.allowances[owner]
	if !ok {
		m = make(map[chain.Address]*big.Int)
		st.allowances[owner] = m
	}
	m[spender] = amount
}

// BalanceOf returns holder's balance.
func (l *Ledger) BalanceOf(_ context.Context, token, holder chain.Address) (*big.Int, error) {
	l.mu.RLock()
	defer l.mu.RUnlock()

	st, err := l.stateLocked(token)
	if err != nil {
		return nil, err.WithOp("balanceOf")
	}
	return new(big.Int).Set(st.balance(holder)), nil
}

// Approve sets spender's allowance over owner's balance. Zero revokes.
func (l *Ledger) Approve(_ context.Context, token, owner, spender chain.Address, amount *big.Int) error {
	if amount == nil || amount.Sign() < 0 {
		return ErrInvalidAmount.WithOp("approve")
	}
	l.mu.Lock()
	defer l.mu.Unlock()

	st, err := l.stateLocked(token)
	if err != nil {
		return err.WithOp("approve")
	}
	st.setAllowance(owner, spender, new(big.Int).Set(amount))
	return nil
}

// Allowance returns how much spender may still pull from owner.
func (l *Ledger) Allowance(_ context.Context, token, owner, spender chain.Address) (*big.Int, error) {
	l.mu.RLock()
	defer l.mu.RUnlock()

	st, err := l.stateLocked(token)
	if err != nil {
		return nil, err.WithOp("allowance")
	}
	return new(big.Int).Set(st.allowance(owner, spender)), nil
}

// Mint creates new units for to. Only the token owner may mint.
func (l *Ledger) Mint(_ context.Context, token, caller, to chain.Address, amount *big.Int) error {
	if err := checkAmount(amount); err != nil {
		return err.WithOp("mint")
	}
	if to.IsZero() {
		return svcerrors.Validation("mint recipient is required").WithOp("mint")
	}
	l.mu.Lock()
	defer l.mu.Unlock()

	st, err := l.stateLocked(token)
	if err != nil {
		return err.WithOp("mint")
	}
	if caller != st.meta.Owner {
		return ErrNotTokenOwner.WithOp("mint")
	}
	st.balances[to] = new(big.Int).Add(st.balance(to), amount)
	st.meta.TotalSupply = new(big.Int).Add(st.meta.TotalSupply, amount)
	l.log.WithField("token", token.Hex()).WithField("to", to.Hex()).WithField("amount", amount.String()).Info("minted")
	return nil
}

// Burn destroys units from holder's own balance.
func (l *Ledger) Burn(_ context.Context, token, holder chain.Address, amount *big.Int) error {
	if err := checkAmount(amount); err != nil {
		return err.WithOp("burn")
	}
	l.mu.Lock()
	defer l.mu.Unlock()

	st, err := l.stateLocked(token)
	if err != nil {
		return err.WithOp("burn")
	}
	bal := st.balance(holder)
	if bal.Cmp(amount) < 0 {
		return ErrInsufficientBalance.WithOp("burn")
	}
	st.balances[holder] = new(big.Int).Sub(bal, amount)
	st.meta.TotalSupply = new(big.Int).Sub(st.meta.TotalSupply, amount)
	return nil
}

// Metadata returns a token's description.
func (l *Ledger) Metadata(_ context.Context, token chain.Address) (Metadata, error) {
	l.mu.RLock()
	defer l.mu.RUnlock()

	st, err := l.stateLocked(token)
	if err != nil {
		return Metadata{}, err.WithOp("metadata")
	}
	return cloneMeta(st.meta), nil
}

// Tokens lists registered tokens ordered by symbol.
func (l *Ledger) Tokens() []Metadata {
	l.mu.RLock()
	defer l.mu.RUnlock()

	out := make([]Metadata, 0, len(l.tokens))
	for _, st := range l.tokens {
		out = append(out, cloneMeta(st.meta))
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Symbol < out[j].Symbol })
	return out
}
