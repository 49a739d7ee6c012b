package chain

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/rs/zerolog"
	"github.com/sethvargo/go-retry"
	"github.com/sony/gobreaker"
	"github.com/vreid/kakeru/internal/pkg/common"
)

type GuardConfig struct {
	// CallTimeout bounds every read.
	CallTimeout time.Duration
	// BroadcastTimeout bounds a broadcast. Broadcasts are never retried here.
	BroadcastTimeout time.Duration

	ReadRetries uint64
	RetryBase   time.Duration

	// BreakerFailures consecutive failures open the breaker for BreakerCooldown.
	BreakerFailures uint32
	BreakerCooldown time.Duration
}

//nolint:gochecknoglobals,mnd
var DefaultGuardConfig = GuardConfig{
	CallTimeout:      5 * time.Second,
	BroadcastTimeout: 30 * time.Second,
	ReadRetries:      3,
	RetryBase:        200 * time.Millisecond,
	BreakerFailures:  5,
	BreakerCooldown:  30 * time.Second,
}

// Guard wraps an adapter so that no call can hang the per-match lock: each
// call gets a deadline, reads are retried with backoff, and a circuit breaker
// fails fast while the adapter is down. Timeouts and an open breaker surface
// as ErrUnavailable.
type Guard struct {
	inner   Adapter
	cfg     GuardConfig
	breaker *gobreaker.CircuitBreaker
	metrics *common.Metrics
	log     zerolog.Logger
}

var (
	_ Adapter           = (*Guard)(nil)
	_ UTXOSource        = (*Guard)(nil)
	_ AccountSource     = (*Guard)(nil)
	_ MultiOutput       = (*Guard)(nil)
	_ DepositAttributor = (*Guard)(nil)
)

func NewGuard(inner Adapter, cfg GuardConfig, metrics *common.Metrics, logger zerolog.Logger) (*Guard, error) {
	if cfg.CallTimeout <= 0 || cfg.BroadcastTimeout <= 0 {
		return nil, errors.New("guard timeouts must be positive")
	}

	if cfg.RetryBase <= 0 {
		return nil, errors.New("guard retry base must be positive")
	}

	if cfg.BreakerFailures == 0 {
		cfg.BreakerFailures = DefaultGuardConfig.BreakerFailures
	}

	logger = logger.With().Str("component", "chain").Str("chain", inner.Name()).Logger()

	//nolint:exhaustruct
	breaker := gobreaker.NewCircuitBreaker(gobreaker.Settings{
		Name:        inner.Name(),
		MaxRequests: 1,
		Timeout:     cfg.BreakerCooldown,
		ReadyToTrip: func(counts gobreaker.Counts) bool {
			return counts.ConsecutiveFailures >= cfg.BreakerFailures
		},
		OnStateChange: func(name string, from, to gobreaker.State) {
			logger.Warn().Str("from", from.String()).Str("to", to.String()).Msg("adapter circuit breaker changed state")
		},
		IsSuccessful: func(err error) bool {
			// A refusal means the adapter answered.
			return err == nil ||
				errors.Is(err, ErrRejected) ||
				errors.Is(err, ErrInvalidAddress) ||
				errors.Is(err, ErrUnsupported)
		},
	})

	return &Guard{
		inner:   inner,
		cfg:     cfg,
		breaker: breaker,
		metrics: metrics,
		log:     logger,
	}, nil
}

func (g *Guard) Unwrap() Adapter { return g.inner }

func (g *Guard) Name() string { return g.inner.Name() }

func (g *Guard) Family() Family { return g.inner.Family() }

func (g *Guard) KeyScheme() string { return g.inner.KeyScheme() }

func (g *Guard) ValidateAddress(address string) error { return g.inner.ValidateAddress(address) }

func (g *Guard) NormalizeAddress(address string) (string, error) {
	return g.inner.NormalizeAddress(address)
}

func (g *Guard) MinimumReserve() Amount { return g.inner.MinimumReserve() }

func (g *Guard) Balance(ctx context.Context, address string) (Amount, error) {
	return read(ctx, g, "balance", func(ctx context.Context) (Amount, error) {
		return g.inner.Balance(ctx, address)
	})
}

func (g *Guard) EstimateFee(ctx context.Context, outputs int) (Amount, error) {
	return read(ctx, g, "estimate_fee", func(ctx context.Context) (Amount, error) {
		return g.inner.EstimateFee(ctx, outputs)
	})
}

func (g *Guard) TransactionStatus(ctx context.Context, ref TxRef) (TxStatus, error) {
	return read(ctx, g, "transaction_status", func(ctx context.Context) (TxStatus, error) {
		return g.inner.TransactionStatus(ctx, ref)
	})
}

func (g *Guard) SpendableUnits(ctx context.Context, address string) ([]Unit, error) {
	src, ok := g.inner.(UTXOSource)
	if !ok {
		return nil, fmt.Errorf("spendable units: %w", ErrUnsupported)
	}

	return read(ctx, g, "spendable_units", func(ctx context.Context) ([]Unit, error) {
		return src.SpendableUnits(ctx, address)
	})
}

func (g *Guard) AccountState(ctx context.Context, address string) (AccountState, error) {
	src, ok := g.inner.(AccountSource)
	if !ok {
		return AccountState{}, fmt.Errorf("account state: %w", ErrUnsupported)
	}

	return read(ctx, g, "account_state", func(ctx context.Context) (AccountState, error) {
		return src.AccountState(ctx, address)
	})
}

func (g *Guard) CreditedFrom(ctx context.Context, escrow, from string) (Amount, error) {
	src, ok := g.inner.(DepositAttributor)
	if !ok {
		return 0, fmt.Errorf("credited from: %w", ErrUnsupported)
	}

	return read(ctx, g, "credited_from", func(ctx context.Context) (Amount, error) {
		return src.CreditedFrom(ctx, escrow, from)
	})
}

func (g *Guard) MaxOutputs() int {
	if m, ok := g.inner.(MultiOutput); ok {
		return m.MaxOutputs()
	}

	return 1
}

// BuildAndSignTransfer is local work for most adapters, so it gets the read
// deadline but no retries.
func (g *Guard) BuildAndSignTransfer(ctx context.Context, secret []byte, req TransferRequest) (*SignedTx, error) {
	return call(ctx, g, "build_and_sign", g.cfg.CallTimeout, func(ctx context.Context) (*SignedTx, error) {
		return g.inner.BuildAndSignTransfer(ctx, secret, req)
	})
}

func (g *Guard) Broadcast(ctx context.Context, tx *SignedTx) (TxRef, error) {
	return call(ctx, g, "broadcast", g.cfg.BroadcastTimeout, func(ctx context.Context) (TxRef, error) {
		return g.inner.Broadcast(ctx, tx)
	})
}

func read[T any](ctx context.Context, g *Guard, op string, fn func(context.Context) (T, error)) (T, error) {
	var out T

	backoff := retry.WithMaxRetries(g.cfg.ReadRetries, retry.NewExponential(g.cfg.RetryBase))

	err := retry.Do(ctx, backoff, func(ctx context.Context) error {
		res, err := call(ctx, g, op, g.cfg.CallTimeout, fn)
		if err != nil {
			if IsTransient(err) && !errors.Is(err, gobreaker.ErrOpenState) {
				g.log.Debug().Err(err).Str("op", op).Msg("retrying adapter read")

				return retry.RetryableError(err)
			}

			return err
		}

		out = res

		return nil
	})

	return out, err
}

func call[T any](ctx context.Context, g *Guard, op string, timeout time.Duration, fn func(context.Context) (T, error)) (T, error) {
	var zero T

	started := time.Now()

	callCtx, cancel := context.WithTimeout(ctx, timeout)
	defer cancel()

	res, err := g.breaker.Execute(func() (interface{}, error) {
		return fn(callCtx)
	})

	g.metrics.AdapterCall(g.inner.Name(), op, started, err)

	if err != nil {
		return zero, g.classify(op, err)
	}

	//nolint:forcetypeassert
	return res.(T), nil
}

func (g *Guard) classify(op string, err error) error {
	switch {
	case errors.Is(err, ErrUnavailable):
		return fmt.Errorf("%s: %w", op, err)
	case errors.Is(err, gobreaker.ErrOpenState), errors.Is(err, gobreaker.ErrTooManyRequests):
		return fmt.Errorf("%s: %w: %w", op, ErrUnavailable, err)
	case errors.Is(err, context.DeadlineExceeded):
		return fmt.Errorf("%s: %w: %w", op, ErrUnavailable, err)
	default:
		return fmt.Errorf("%s: %w", op, err)
	}
}
