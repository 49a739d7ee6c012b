package memchain

import (
	"fmt"
	"net/http"
	"time"

	"github.com/labstack/echo/v4"
	"github.com/rs/zerolog"
	"github.com/samber/do/v2"
	"github.com/vreid/kakeru/internal/pkg/chain"
	"github.com/vreid/kakeru/internal/pkg/common"
	"github.com/vreid/kakeru/internal/pkg/keys"
)

const devnetMaxOutputs = 16

// Devnets are the in-memory chains the server can run against, one per
// adapter family.
//
//nolint:gochecknoglobals
var Devnets = map[string]Config{
	"devnet-utxo": {
		Name:         "devnet-utxo",
		Family:       chain.FamilyUTXO,
		Scheme:       keys.SchemeP2WPKHRegtest,
		FeePerOutput: 1,
		MaxOutputs:   devnetMaxOutputs,
	},
	"devnet-account": {
		Name:        "devnet-account",
		Family:      chain.FamilyAccount,
		Scheme:      keys.SchemeEVM,
		Attribution: true,
	},
	"devnet-contract": {
		Name:   "devnet-contract",
		Family: chain.FamilyContract,
		Scheme: keys.SchemeEVM,
	},
}

type DepositRequest struct {
	From   string       `json:"from"`
	To     string       `json:"to"`
	Amount chain.Amount `json:"amount"`
}

// NewDirectoryService builds the configured devnets, each behind a Guard, and
// registers a faucet route for crediting escrow accounts by hand.
func NewDirectoryService(i do.Injector) (*chain.Directory, error) {
	names := do.MustInvokeNamed[[]string](i, "chains")
	fee := do.MustInvokeNamed[int](i, "devnet-fee")
	reserve := do.MustInvokeNamed[int](i, "devnet-reserve")
	adapterTimeout := do.MustInvokeNamed[time.Duration](i, "adapter-timeout")
	broadcastTimeout := do.MustInvokeNamed[time.Duration](i, "broadcast-timeout")
	metrics := do.MustInvoke[*common.Metrics](i)
	logger := do.MustInvoke[zerolog.Logger](i)

	guardConfig := chain.DefaultGuardConfig
	guardConfig.CallTimeout = adapterTimeout
	guardConfig.BroadcastTimeout = broadcastTimeout

	ledgers := map[string]*Ledger{}
	adapters := make([]chain.Adapter, 0, len(names))

	for _, name := range names {
		cfg, ok := Devnets[name]
		if !ok {
			return nil, fmt.Errorf("%w: %q", chain.ErrUnknownChain, name)
		}

		//nolint:gosec
		cfg.Fee = chain.Amount(fee)
		//nolint:gosec
		cfg.Reserve = chain.Amount(reserve)

		ledger, err := New(cfg)
		if err != nil {
			return nil, fmt.Errorf("failed to create %s: %w", name, err)
		}

		guard, err := chain.NewGuard(ledger, guardConfig, metrics, logger)
		if err != nil {
			return nil, fmt.Errorf("failed to guard %s: %w", name, err)
		}

		ledgers[name] = ledger
		adapters = append(adapters, guard)
	}

	directory, err := chain.NewDirectory(adapters...)
	if err != nil {
		return nil, fmt.Errorf("failed to create chain directory: %w", err)
	}

	echoService, err := do.Invoke[*common.EchoService](i)
	if err != nil {
		return nil, fmt.Errorf("failed to create echo service: %w", err)
	}

	echoService.Register(func(e *echo.Echo) {
		e.POST("/api/devnet/:chain/deposits", func(c echo.Context) error {
			ledger, ok := ledgers[c.Param("chain")]
			if !ok {
				return echo.NewHTTPError(http.StatusNotFound, "unknown chain")
			}

			var request DepositRequest

			err := c.Bind(&request)
			if err != nil || request.Amount == 0 {
				return echo.NewHTTPError(http.StatusBadRequest, "invalid request body")
			}

			to, err := ledger.NormalizeAddress(request.To)
			if err != nil {
				return echo.NewHTTPError(http.StatusBadRequest, err.Error())
			}

			ref := ledger.Deposit(request.From, to, request.Amount)

			//nolint:wrapcheck
			return c.JSONPretty(http.StatusCreated, map[string]chain.TxRef{"tx_ref": ref}, "  ")
		})
	})

	return directory, nil
}
