package settlement

import (
	"context"
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"fmt"
	"slices"
	"strings"

	"github.com/vreid/kakeru/internal/pkg/chain"
	"github.com/vreid/kakeru/internal/pkg/keys"
	"github.com/vreid/kakeru/internal/pkg/match"
)

const digestDomain = "kakeru/payout/v1"

// PayoutDigest is what co-signers sign: SHA-256 over the canonical JSON of
// the transfer, bound to the match.
func PayoutDigest(matchID string, req chain.TransferRequest) ([]byte, error) {
	canonical := struct {
		Domain  string         `json:"domain"`
		Match   string         `json:"match"`
		From    string         `json:"from"`
		Inputs  []chain.Unit   `json:"inputs"`
		Outputs []chain.Output `json:"outputs"`
		Fee     chain.Amount   `json:"fee"`
		Nonce   uint64         `json:"nonce"`
	}{
		Domain:  digestDomain,
		Match:   matchID,
		From:    req.From,
		Inputs:  req.Inputs,
		Outputs: req.Outputs,
		Fee:     req.Fee,
		Nonce:   req.Nonce,
	}

	marshaled, err := json.Marshal(canonical)
	if err != nil {
		return nil, fmt.Errorf("failed to marshal payout: %w", err)
	}

	digest := sha256.Sum256(marshaled)

	return digest[:], nil
}

func (e *Engine) propose(ctx context.Context, txn *match.Txn, adapter chain.Adapter, winner string) (*Result, error) {
	m := txn.Match

	if m.Proposal != nil {
		if m.Proposal.Winner != winner {
			return nil, match.Precondition("distribute", m, "open proposal pays "+m.Proposal.Winner, ErrProposalConflict)
		}

		result := proposalResult(m)
		result.Replayed = true

		return result, nil
	}

	f, err := e.fund(ctx, adapter, m.EscrowAccount, 1)
	if err != nil {
		return nil, err
	}

	payout, ok := f.Available()
	if !ok {
		e.metrics.Settlement("proposal", "insufficient")

		return nil, match.Precondition("distribute", m, f.Describe(), ErrInsufficientFunds)
	}

	req := f.Request(m.EscrowAccount, []chain.Output{{Address: winner, Amount: payout}})

	digest, err := PayoutDigest(m.ID, req)
	if err != nil {
		return nil, err
	}

	m.Proposal = &match.Proposal{
		Winner:    winner,
		Payout:    payout,
		Fee:       f.Fee,
		Digest:    hex.EncodeToString(digest),
		Request:   req,
		Approvals: []match.Approval{},
		CreatedAt: e.Registry.Now(),
	}

	txn.Note(match.EventProposal, winner, "")

	err = txn.Commit()
	if err != nil {
		return nil, err
	}

	e.metrics.Settlement("proposal", "ok")
	e.log.Info().
		Str("match", m.ID).
		Str("winner", winner).
		Str("digest", txn.Match.Proposal.Digest).
		Int("required", m.Quorum.M).
		Msg("payout proposed")

	return proposalResult(txn.Match), nil
}

// Approve records a co-signer's signature over the open proposal's digest
// and broadcasts the payout once the quorum is reached.
//
//nolint:cyclop,funlen
func (e *Engine) Approve(ctx context.Context, id, coSigner, signature string) (*Result, error) {
	txn, err := e.Registry.Acquire(ctx, id)
	if err != nil {
		return nil, err
	}
	defer txn.Release()

	m := txn.Match

	if m.State == match.StateSettled {
		result := settledResult(m)
		result.Replayed = true

		return result, nil
	}

	if m.State != match.StateStarted {
		return nil, match.Precondition("approve", m, "match must be started", match.ErrInvalidState)
	}

	if !m.Threshold() {
		return nil, match.Precondition("approve", m, "match must have a quorum", ErrNotThreshold)
	}

	if m.Proposal == nil {
		return nil, match.Precondition("approve", m, "a payout must be proposed", ErrNoProposal)
	}

	if m.Fault != "" {
		return nil, match.Precondition("approve", m, "escrow secret must be intact", match.ErrFaulted)
	}

	adapter, err := e.Registry.Adapter(m)
	if err != nil {
		return nil, err
	}

	if m.Pending != nil {
		return e.reconcilePayout(ctx, txn, adapter, m.Pending.Winner)
	}

	key, err := keys.CompressedPublicKey(coSigner)
	if err != nil {
		return nil, match.Precondition("approve", m, "co-signer key must parse", fmt.Errorf("%w: %w", ErrNotCoSigner, err))
	}

	if !slices.Contains(m.Quorum.CoSigners, key) {
		return nil, match.Precondition("approve", m, "key must be a designated co-signer", fmt.Errorf("%w: %s", ErrNotCoSigner, key))
	}

	digest, err := hex.DecodeString(m.Proposal.Digest)
	if err != nil {
		return nil, fmt.Errorf("failed to decode proposal digest: %w", err)
	}

	rawSignature, err := hex.DecodeString(strings.TrimPrefix(signature, "0x"))
	if err != nil {
		return nil, match.Precondition("approve", m, "signature must be hex", fmt.Errorf("%w: %w", ErrInvalidSignature, err))
	}

	err = keys.VerifyECDSA(key, digest, rawSignature)
	if err != nil {
		return nil, match.Precondition("approve", m, "signature must verify", fmt.Errorf("%w: %w", ErrInvalidSignature, err))
	}

	if !m.Proposal.ApprovedBy(key) {
		m.Proposal.Approvals = append(m.Proposal.Approvals, match.Approval{
			CoSigner:  key,
			Signature: hex.EncodeToString(rawSignature),
			At:        e.Registry.Now(),
		})

		txn.Note(match.EventApproval, key, "")
	}

	if len(m.Proposal.Approvals) < m.Quorum.M {
		err = txn.Commit()
		if err != nil {
			return nil, err
		}

		return proposalResult(txn.Match), nil
	}

	proposal := m.Proposal
	req := proposal.Request

	req.CoSignatures = make([]chain.CoSignature, 0, len(proposal.Approvals))
	for _, a := range proposal.Approvals {
		req.CoSignatures = append(req.CoSignatures, chain.CoSignature{
			PublicKey: a.CoSigner,
			Signature: a.Signature,
		})
	}

	e.log.Info().Str("match", m.ID).Int("approvals", len(proposal.Approvals)).Msg("quorum reached")

	tx, err := e.sign(ctx, txn, adapter, "payout", req)
	if err != nil {
		return nil, err
	}

	//nolint:exhaustruct
	return e.submitPayout(ctx, txn, adapter, match.PendingBroadcast{
		Purpose: match.PurposePayout,
		Winner:  proposal.Winner,
		Payout:  proposal.Payout,
		Fee:     proposal.Fee,
		Tx:      *tx,
	})
}
