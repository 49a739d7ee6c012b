// Package memchain is an in-memory ledger implementing the chain adapter
// interfaces. It backs the devnet mode and the engine's tests, and can inject
// the failures a real network produces.
package memchain

import (
	"context"
	"crypto/rand"
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"fmt"
	"sync"

	"github.com/vreid/kakeru/internal/pkg/chain"
	"github.com/vreid/kakeru/internal/pkg/keys"
	"go.uber.org/atomic"
)

type Config struct {
	Name   string
	Family chain.Family
	Scheme string

	// Fee is charged per transaction, FeePerOutput for each output on top.
	Fee          chain.Amount
	FeePerOutput chain.Amount
	Reserve      chain.Amount

	// MaxOutputs below 2 disables multi-output transfers.
	MaxOutputs int
	// Attribution enables CreditedFrom.
	Attribution bool
}

type BroadcastFault int

const (
	// FaultNone lets the broadcast through.
	FaultNone BroadcastFault = iota
	// FaultUnavailable drops the transaction and reports the adapter down.
	FaultUnavailable
	// FaultReject refuses the transaction.
	FaultReject
	// FaultLandThenUnavailable applies the transaction, then reports the
	// adapter down, as a timeout after submission would.
	FaultLandThenUnavailable
	// FaultHang blocks until the caller's context ends.
	FaultHang
)

type txRecord struct {
	request chain.TransferRequest
	status  chain.TxStatus
	deposit bool
}

type payload struct {
	Request   chain.TransferRequest `json:"request"`
	Signature []byte                `json:"signature"`
}

type Ledger struct {
	cfg    Config
	scheme keys.Scheme

	mu       sync.Mutex
	units    map[string][]chain.Unit
	balances map[string]chain.Amount
	nonces   map[string]uint64
	credits  map[string]map[string]chain.Amount
	txs      map[chain.TxRef]*txRecord
	seq      uint64

	failReads  int
	faults     []BroadcastFault
	broadcasts *atomic.Int64
	reads      *atomic.Int64
}

var (
	_ chain.Adapter           = (*Ledger)(nil)
	_ chain.UTXOSource        = (*Ledger)(nil)
	_ chain.AccountSource     = (*Ledger)(nil)
	_ chain.MultiOutput       = (*Ledger)(nil)
	_ chain.DepositAttributor = (*Ledger)(nil)
)

func New(cfg Config) (*Ledger, error) {
	switch cfg.Family {
	case chain.FamilyUTXO, chain.FamilyAccount, chain.FamilyContract:
	default:
		return nil, fmt.Errorf("unknown chain family %q", cfg.Family)
	}

	scheme, err := keys.Lookup(cfg.Scheme)
	if err != nil {
		return nil, err
	}

	if cfg.Name == "" {
		cfg.Name = "devnet-" + string(cfg.Family)
	}

	return &Ledger{
		cfg:        cfg,
		scheme:     scheme,
		units:      map[string][]chain.Unit{},
		balances:   map[string]chain.Amount{},
		nonces:     map[string]uint64{},
		credits:    map[string]map[string]chain.Amount{},
		txs:        map[chain.TxRef]*txRecord{},
		broadcasts: atomic.NewInt64(0),
		reads:      atomic.NewInt64(0),
	}, nil
}

func (l *Ledger) Name() string { return l.cfg.Name }

func (l *Ledger) Family() chain.Family { return l.cfg.Family }

func (l *Ledger) KeyScheme() string { return l.cfg.Scheme }

func (l *Ledger) MinimumReserve() chain.Amount { return l.cfg.Reserve }

func (l *Ledger) MaxOutputs() int {
	if l.cfg.MaxOutputs < 2 {
		return 1
	}

	return l.cfg.MaxOutputs
}

func (l *Ledger) ValidateAddress(address string) error {
	err := l.scheme.ValidateAddress(address)
	if err != nil {
		return fmt.Errorf("%w: %w", chain.ErrInvalidAddress, err)
	}

	return nil
}

func (l *Ledger) NormalizeAddress(address string) (string, error) {
	canonical, err := l.scheme.NormalizeAddress(address)
	if err != nil {
		return "", fmt.Errorf("%w: %w", chain.ErrInvalidAddress, err)
	}

	return canonical, nil
}

// NewAddress returns a fresh valid address nobody holds the key for.
func (l *Ledger) NewAddress() string {
	secret, address, err := l.scheme.Generate(rand.Reader)
	if err != nil {
		panic(err)
	}

	keys.Zero(secret)

	return address
}

// Deposit credits amount from sender to address, outside any escrow flow.
func (l *Ledger) Deposit(from, to string, amount chain.Amount) chain.TxRef {
	l.mu.Lock()
	defer l.mu.Unlock()

	l.seq++
	ref := chain.TxRef(fmt.Sprintf("deposit-%08d", l.seq))

	l.credit(ref, 0, to, amount)

	if l.credits[to] == nil {
		l.credits[to] = map[string]chain.Amount{}
	}

	l.credits[to][from] += amount

	//nolint:exhaustruct
	l.txs[ref] = &txRecord{
		request: chain.TransferRequest{From: from, Outputs: []chain.Output{{Address: to, Amount: amount}}},
		status:  chain.TxConfirmed,
		deposit: true,
	}

	return ref
}

// FailReads makes the next n reads report the adapter unavailable.
func (l *Ledger) FailReads(n int) {
	l.mu.Lock()
	defer l.mu.Unlock()

	l.failReads = n
}

// FailBroadcasts queues faults consumed by the next broadcasts, in order.
func (l *Ledger) FailBroadcasts(faults ...BroadcastFault) {
	l.mu.Lock()
	defer l.mu.Unlock()

	l.faults = append(l.faults, faults...)
}

// Broadcasts counts broadcast calls, including failed ones.
func (l *Ledger) Broadcasts() int64 { return l.broadcasts.Load() }

// Reads counts balance, unit, state and status queries.
func (l *Ledger) Reads() int64 { return l.reads.Load() }

// Transactions returns the requests of every applied transfer, deposits excluded.
func (l *Ledger) Transactions() []chain.TransferRequest {
	l.mu.Lock()
	defer l.mu.Unlock()

	out := []chain.TransferRequest{}

	for _, rec := range l.txs {
		if rec.status.Landed() && !rec.deposit {
			out = append(out, rec.request)
		}
	}

	return out
}

func (l *Ledger) Balance(ctx context.Context, address string) (chain.Amount, error) {
	l.mu.Lock()
	defer l.mu.Unlock()

	err := l.readFault(ctx)
	if err != nil {
		return 0, err
	}

	return l.balance(address), nil
}

func (l *Ledger) SpendableUnits(ctx context.Context, address string) ([]chain.Unit, error) {
	l.mu.Lock()
	defer l.mu.Unlock()

	if l.cfg.Family != chain.FamilyUTXO {
		return nil, fmt.Errorf("spendable units on %s chain: %w", l.cfg.Family, chain.ErrUnsupported)
	}

	err := l.readFault(ctx)
	if err != nil {
		return nil, err
	}

	return append([]chain.Unit(nil), l.units[address]...), nil
}

func (l *Ledger) AccountState(ctx context.Context, address string) (chain.AccountState, error) {
	l.mu.Lock()
	defer l.mu.Unlock()

	if l.cfg.Family == chain.FamilyUTXO {
		return chain.AccountState{}, fmt.Errorf("account state on utxo chain: %w", chain.ErrUnsupported)
	}

	err := l.readFault(ctx)
	if err != nil {
		return chain.AccountState{}, err
	}

	return chain.AccountState{Balance: l.balances[address], Nonce: l.nonces[address]}, nil
}

func (l *Ledger) CreditedFrom(ctx context.Context, escrow, from string) (chain.Amount, error) {
	if !l.cfg.Attribution {
		return 0, fmt.Errorf("credited from: %w", chain.ErrUnsupported)
	}

	l.mu.Lock()
	defer l.mu.Unlock()

	err := l.readFault(ctx)
	if err != nil {
		return 0, err
	}

	return l.credits[escrow][from], nil
}

func (l *Ledger) EstimateFee(_ context.Context, outputs int) (chain.Amount, error) {
	//nolint:gosec
	return l.cfg.Fee + l.cfg.FeePerOutput*chain.Amount(outputs), nil
}

func (l *Ledger) BuildAndSignTransfer(_ context.Context, secret []byte, req chain.TransferRequest) (*chain.SignedTx, error) {
	owner, err := l.scheme.Address(secret)
	if err != nil {
		return nil, fmt.Errorf("%w: %w", chain.ErrRejected, err)
	}

	if owner != req.From {
		return nil, fmt.Errorf("%w: secret does not control %s", chain.ErrRejected, req.From)
	}

	if len(req.Outputs) == 0 {
		return nil, fmt.Errorf("%w: no outputs", chain.ErrRejected)
	}

	if len(req.Outputs) > l.MaxOutputs() {
		return nil, fmt.Errorf("%w: %d outputs exceed limit %d", chain.ErrRejected, len(req.Outputs), l.MaxOutputs())
	}

	if l.cfg.Family == chain.FamilyContract && len(req.CoSignatures) == 0 {
		return nil, fmt.Errorf("%w: contract escrow requires co-signatures", chain.ErrRejected)
	}

	body, err := json.Marshal(req)
	if err != nil {
		return nil, fmt.Errorf("failed to encode transfer: %w", err)
	}

	digest := sha256.Sum256(body)

	signature, err := l.scheme.Sign(secret, digest[:])
	if err != nil {
		return nil, fmt.Errorf("failed to sign transfer: %w", err)
	}

	raw, err := json.Marshal(payload{Request: req, Signature: signature})
	if err != nil {
		return nil, fmt.Errorf("failed to encode signed transfer: %w", err)
	}

	return &chain.SignedTx{
		ID:  chain.TxRef(hex.EncodeToString(digest[:])),
		Raw: raw,
	}, nil
}

func (l *Ledger) Broadcast(ctx context.Context, tx *chain.SignedTx) (chain.TxRef, error) {
	l.broadcasts.Inc()

	var p payload

	err := json.Unmarshal(tx.Raw, &p)
	if err != nil {
		return "", fmt.Errorf("%w: malformed transaction: %w", chain.ErrRejected, err)
	}

	l.mu.Lock()

	var fault BroadcastFault
	if len(l.faults) > 0 {
		fault = l.faults[0]
		l.faults = l.faults[1:]
	}

	switch fault {
	case FaultUnavailable:
		l.mu.Unlock()

		return "", fmt.Errorf("broadcast: %w", chain.ErrUnavailable)
	case FaultReject:
		l.mu.Unlock()

		return "", fmt.Errorf("broadcast: %w: injected", chain.ErrRejected)
	case FaultHang:
		l.mu.Unlock()
		<-ctx.Done()

		return "", fmt.Errorf("broadcast: %w: %w", chain.ErrUnavailable, ctx.Err())
	}

	defer l.mu.Unlock()

	if rec, ok := l.txs[tx.ID]; ok && rec.status.Landed() {
		// Re-broadcast of a landed transaction is accepted as a no-op.
		return tx.ID, nil
	}

	err = l.apply(tx.ID, p.Request)
	if err != nil {
		return "", err
	}

	if fault == FaultLandThenUnavailable {
		return "", fmt.Errorf("broadcast: %w: timed out after submission", chain.ErrUnavailable)
	}

	return tx.ID, nil
}

func (l *Ledger) TransactionStatus(ctx context.Context, ref chain.TxRef) (chain.TxStatus, error) {
	l.mu.Lock()
	defer l.mu.Unlock()

	err := l.readFault(ctx)
	if err != nil {
		return chain.TxUnknown, err
	}

	rec, ok := l.txs[ref]
	if !ok {
		return chain.TxNotFound, nil
	}

	return rec.status, nil
}

func (l *Ledger) readFault(ctx context.Context) error {
	l.reads.Inc()

	if err := ctx.Err(); err != nil {
		return err
	}

	if l.failReads > 0 {
		l.failReads--

		return fmt.Errorf("read: %w", chain.ErrUnavailable)
	}

	return nil
}

func (l *Ledger) balance(address string) chain.Amount {
	if l.cfg.Family != chain.FamilyUTXO {
		return l.balances[address]
	}

	var total chain.Amount
	for _, u := range l.units[address] {
		total += u.Amount
	}

	return total
}

func (l *Ledger) credit(ref chain.TxRef, vout int, address string, amount chain.Amount) {
	if l.cfg.Family == chain.FamilyUTXO {
		l.units[address] = append(l.units[address], chain.Unit{
			ID:     fmt.Sprintf("%s:%d", ref, vout),
			Amount: amount,
		})

		return
	}

	l.balances[address] += amount
}

func (l *Ledger) apply(ref chain.TxRef, req chain.TransferRequest) error {
	fee, _ := l.EstimateFee(context.Background(), len(req.Outputs))
	if req.Fee < fee {
		return fmt.Errorf("%w: fee %d below %d", chain.ErrRejected, req.Fee, fee)
	}

	spend := req.Total() + req.Fee

	if l.cfg.Family == chain.FamilyUTXO {
		if l.balance(req.From) < spend+l.cfg.Reserve {
			return fmt.Errorf("%w: insufficient balance for %d plus reserve %d", chain.ErrRejected, spend, l.cfg.Reserve)
		}

		err := l.spendUnits(ref, req, spend)
		if err != nil {
			return err
		}
	} else {
		if req.Nonce != l.nonces[req.From] {
			return fmt.Errorf("%w: nonce %d, expected %d", chain.ErrRejected, req.Nonce, l.nonces[req.From])
		}

		balance := l.balances[req.From]
		if balance < spend || balance-spend < l.cfg.Reserve {
			return fmt.Errorf("%w: insufficient balance %d for %d plus reserve %d", chain.ErrRejected, balance, spend, l.cfg.Reserve)
		}

		l.balances[req.From] = balance - spend
		l.nonces[req.From]++
	}

	for i, o := range req.Outputs {
		l.credit(ref, i, o.Address, o.Amount)
	}

	//nolint:exhaustruct
	l.txs[ref] = &txRecord{request: req, status: chain.TxConfirmed}

	return nil
}

func (l *Ledger) spendUnits(ref chain.TxRef, req chain.TransferRequest, spend chain.Amount) error {
	available := l.units[req.From]
	index := make(map[string]int, len(available))

	for i, u := range available {
		index[u.ID] = i
	}

	spent := make(map[int]bool, len(req.Inputs))

	var in chain.Amount

	for _, u := range req.Inputs {
		i, ok := index[u.ID]
		if !ok || spent[i] {
			return fmt.Errorf("%w: input %s is not spendable", chain.ErrRejected, u.ID)
		}

		spent[i] = true
		in += available[i].Amount
	}

	if in < spend {
		return fmt.Errorf("%w: inputs %d below outputs plus fee %d", chain.ErrRejected, in, spend)
	}

	remaining := make([]chain.Unit, 0, len(available)-len(spent))
	for i, u := range available {
		if !spent[i] {
			remaining = append(remaining, u)
		}
	}

	l.units[req.From] = remaining

	if change := in - spend; change > 0 {
		l.units[req.From] = append(l.units[req.From], chain.Unit{
			ID:     fmt.Sprintf("%s:%d", ref, len(req.Outputs)),
			Amount: change,
		})
	}

	return nil
}
