// Package chain defines the capability interfaces the escrow engine consumes
// from a blockchain family. Implementations own serialization, signing and
// network access; the engine only moves amounts between addresses.
package chain

import "context"

// Amount is a quantity in the chain's smallest indivisible unit.
type Amount uint64

type Family string

const (
	FamilyUTXO     Family = "utxo"
	FamilyAccount  Family = "account"
	FamilyContract Family = "contract"
)

// TxRef identifies a transaction on chain.
type TxRef string

// Unit is one spendable output on a UTXO chain, identified as "txid:vout".
type Unit struct {
	ID     string `json:"id"`
	Amount Amount `json:"amount"`
}

type Output struct {
	Address string `json:"address"`
	Amount  Amount `json:"amount"`
}

// CoSignature is a hex encoded public key and signature over a payout digest.
type CoSignature struct {
	PublicKey string `json:"public_key"`
	Signature string `json:"signature"`
}

type TransferRequest struct {
	From    string   `json:"from"`
	Inputs  []Unit   `json:"inputs,omitempty"`
	Outputs []Output `json:"outputs"`
	Fee     Amount   `json:"fee"`
	Nonce   uint64   `json:"nonce,omitempty"`

	CoSignatures []CoSignature `json:"co_signatures,omitempty"`
}

// Total is the sum of all outputs.
func (r TransferRequest) Total() Amount {
	var total Amount
	for _, o := range r.Outputs {
		total += o.Amount
	}

	return total
}

// SignedTx carries its reference before broadcast so that a caller can ask
// the chain about it after an ambiguous submission.
type SignedTx struct {
	ID  TxRef  `json:"id"`
	Raw []byte `json:"raw"`
}

type TxStatus int

const (
	TxUnknown TxStatus = iota
	TxNotFound
	TxPending
	TxConfirmed
)

func (s TxStatus) String() string {
	switch s {
	case TxNotFound:
		return "not-found"
	case TxPending:
		return "pending"
	case TxConfirmed:
		return "confirmed"
	default:
		return "unknown"
	}
}

// Landed reports whether the transaction is known to the network.
func (s TxStatus) Landed() bool {
	return s == TxPending || s == TxConfirmed
}

type AccountState struct {
	Balance Amount `json:"balance"`
	Nonce   uint64 `json:"nonce"`
}

type Adapter interface {
	Name() string
	Family() Family
	// KeyScheme names the keys.Scheme used to mint escrow accounts.
	KeyScheme() string
	ValidateAddress(address string) error
	// NormalizeAddress validates address and returns the spelling the
	// engine stores and compares.
	NormalizeAddress(address string) (string, error)

	Balance(ctx context.Context, address string) (Amount, error)
	// MinimumReserve is zero for chains without a reserve concept.
	MinimumReserve() Amount
	EstimateFee(ctx context.Context, outputs int) (Amount, error)

	BuildAndSignTransfer(ctx context.Context, secret []byte, req TransferRequest) (*SignedTx, error)
	Broadcast(ctx context.Context, tx *SignedTx) (TxRef, error)
	TransactionStatus(ctx context.Context, ref TxRef) (TxStatus, error)
}

type UTXOSource interface {
	SpendableUnits(ctx context.Context, address string) ([]Unit, error)
}

type AccountSource interface {
	AccountState(ctx context.Context, address string) (AccountState, error)
}

// MultiOutput is implemented by adapters that can pay several recipients in
// one transaction.
type MultiOutput interface {
	MaxOutputs() int
}

// DepositAttributor is implemented by adapters that can tell how much a given
// sender credited to an address.
type DepositAttributor interface {
	CreditedFrom(ctx context.Context, escrow, from string) (Amount, error)
}

type unwrapper interface {
	Unwrap() Adapter
}

// AsUTXOSource reports whether a, or the adapter it wraps, can enumerate units.
func AsUTXOSource(a Adapter) (UTXOSource, bool) {
	s, ok := a.(UTXOSource)
	if !ok || !innerSupports(a, func(in Adapter) bool { _, ok := in.(UTXOSource); return ok }) {
		return nil, false
	}

	return s, true
}

func AsAccountSource(a Adapter) (AccountSource, bool) {
	s, ok := a.(AccountSource)
	if !ok || !innerSupports(a, func(in Adapter) bool { _, ok := in.(AccountSource); return ok }) {
		return nil, false
	}

	return s, true
}

func AsMultiOutput(a Adapter) (MultiOutput, bool) {
	s, ok := a.(MultiOutput)
	if !ok || !innerSupports(a, func(in Adapter) bool { _, ok := in.(MultiOutput); return ok }) {
		return nil, false
	}

	return s, true
}

func AsDepositAttributor(a Adapter) (DepositAttributor, bool) {
	s, ok := a.(DepositAttributor)
	if !ok || !innerSupports(a, func(in Adapter) bool { _, ok := in.(DepositAttributor); return ok }) {
		return nil, false
	}

	return s, true
}

func innerSupports(a Adapter, has func(Adapter) bool) bool {
	for {
		u, ok := a.(unwrapper)
		if !ok {
			return true
		}

		a = u.Unwrap()
		if !has(a) {
			return false
		}
	}
}
