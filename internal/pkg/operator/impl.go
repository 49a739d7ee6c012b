// Package operator exposes the escrow engine over HTTP.
package operator

import (
	"errors"
	"fmt"
	"net/http"

	"github.com/labstack/echo/v4"
	"github.com/rs/zerolog"
	"github.com/samber/do/v2"
	"github.com/vreid/kakeru/internal/pkg/audit"
	"github.com/vreid/kakeru/internal/pkg/chain"
	"github.com/vreid/kakeru/internal/pkg/common"
	"github.com/vreid/kakeru/internal/pkg/keys"
	"github.com/vreid/kakeru/internal/pkg/match"
	"github.com/vreid/kakeru/internal/pkg/settlement"
	"github.com/vreid/kakeru/internal/pkg/tracker"
	"github.com/vreid/kakeru/internal/pkg/vault"
)

type OperatorService struct {
	Registry *match.Registry
	Tracker  *tracker.TrackerService
	Engine   *settlement.Engine
	Audit    *audit.AuditService

	log zerolog.Logger
}

func NewOperatorService(i do.Injector) (*OperatorService, error) {
	result := New(
		do.MustInvoke[*match.Registry](i),
		do.MustInvoke[*tracker.TrackerService](i),
		do.MustInvoke[*settlement.Engine](i),
		do.MustInvoke[*audit.AuditService](i),
		do.MustInvoke[zerolog.Logger](i),
	)

	echoService, err := do.Invoke[*common.EchoService](i)
	if err != nil {
		return nil, fmt.Errorf("failed to create echo service: %w", err)
	}

	echoService.Register(result.Routes)

	return result, nil
}

func New(
	registry *match.Registry,
	trackerService *tracker.TrackerService,
	engine *settlement.Engine,
	auditService *audit.AuditService,
	logger zerolog.Logger,
) *OperatorService {
	return &OperatorService{
		Registry: registry,
		Tracker:  trackerService,
		Engine:   engine,
		Audit:    auditService,
		log:      logger.With().Str("component", "operator").Logger(),
	}
}

func (s *OperatorService) Routes(e *echo.Echo) {
	apiGroup := e.Group("/api")

	matchesGroup := apiGroup.Group("/matches")

	matchesGroup.POST("", s.PostMatch)
	matchesGroup.GET("", s.GetMatches)
	matchesGroup.GET("/:id", s.GetMatch)
	matchesGroup.GET("/:id/events", s.GetEvents)
	matchesGroup.POST("/:id/players", s.PostPlayer)
	matchesGroup.POST("/:id/deposits/check", s.PostDepositCheck)
	matchesGroup.POST("/:id/start", s.PostStart)
	matchesGroup.POST("/:id/winner", s.PostWinner)
	matchesGroup.POST("/:id/approvals", s.PostApproval)
	matchesGroup.POST("/:id/refund", s.PostRefund)
}

func (s *OperatorService) PostMatch(c echo.Context) error {
	var params match.CreateParams

	err := c.Bind(&params)
	if err != nil {
		return echo.NewHTTPError(http.StatusBadRequest, "invalid request body")
	}

	m, err := s.Registry.Create(c.Request().Context(), params)
	if err != nil {
		return s.fail(c, err)
	}

	//nolint:wrapcheck
	return c.JSONPretty(http.StatusCreated, NewMatchView(m), "  ")
}

func (s *OperatorService) GetMatches(c echo.Context) error {
	states := []match.State{}

	for _, raw := range c.QueryParams()["state"] {
		state, err := match.ParseState(raw)
		if err != nil {
			return s.fail(c, err)
		}

		states = append(states, state)
	}

	matches := s.Registry.List(states...)

	views := make([]MatchView, 0, len(matches))
	for _, m := range matches {
		views = append(views, NewMatchView(m))
	}

	//nolint:wrapcheck
	return c.JSONPretty(http.StatusOK, views, "  ")
}

func (s *OperatorService) GetMatch(c echo.Context) error {
	m, err := s.Registry.Get(c.Param("id"))
	if err != nil {
		return s.fail(c, err)
	}

	//nolint:wrapcheck
	return c.JSONPretty(http.StatusOK, NewMatchView(m), "  ")
}

func (s *OperatorService) GetEvents(c echo.Context) error {
	id := c.Param("id")

	_, err := s.Registry.Get(id)
	if err != nil {
		return s.fail(c, err)
	}

	records, err := s.Audit.List(id)
	if err != nil {
		return s.fail(c, err)
	}

	//nolint:wrapcheck
	return c.JSONPretty(http.StatusOK, records, "  ")
}

func (s *OperatorService) PostPlayer(c echo.Context) error {
	var request JoinRequest

	err := c.Bind(&request)
	if err != nil {
		return echo.NewHTTPError(http.StatusBadRequest, "invalid request body")
	}

	m, err := s.Registry.Join(c.Request().Context(), c.Param("id"), request.Address)
	if err != nil {
		return s.fail(c, err)
	}

	//nolint:wrapcheck
	return c.JSONPretty(http.StatusOK, NewMatchView(m), "  ")
}

func (s *OperatorService) PostDepositCheck(c echo.Context) error {
	id := c.Param("id")

	ready, err := s.Tracker.CheckDeposits(c.Request().Context(), id)
	if err != nil {
		return s.fail(c, err)
	}

	m, err := s.Registry.Get(id)
	if err != nil {
		return s.fail(c, err)
	}

	//nolint:wrapcheck
	return c.JSONPretty(http.StatusOK, ReadinessResponse{MatchID: id, Ready: ready, State: m.State}, "  ")
}

func (s *OperatorService) PostStart(c echo.Context) error {
	m, err := s.Registry.Start(c.Request().Context(), c.Param("id"))
	if err != nil {
		return s.fail(c, err)
	}

	//nolint:wrapcheck
	return c.JSONPretty(http.StatusOK, NewMatchView(m), "  ")
}

func (s *OperatorService) PostWinner(c echo.Context) error {
	var request WinnerRequest

	err := c.Bind(&request)
	if err != nil {
		return echo.NewHTTPError(http.StatusBadRequest, "invalid request body")
	}

	result, err := s.Engine.Distribute(c.Request().Context(), c.Param("id"), request.Winner)
	if err != nil {
		return s.fail(c, err)
	}

	status := http.StatusOK
	if result.Status == settlement.StatusAwaitingQuorum {
		status = http.StatusAccepted
	}

	//nolint:wrapcheck
	return c.JSONPretty(status, result, "  ")
}

func (s *OperatorService) PostApproval(c echo.Context) error {
	var request ApprovalRequest

	err := c.Bind(&request)
	if err != nil {
		return echo.NewHTTPError(http.StatusBadRequest, "invalid request body")
	}

	result, err := s.Engine.Approve(c.Request().Context(), c.Param("id"), request.CoSigner, request.Signature)
	if err != nil {
		return s.fail(c, err)
	}

	status := http.StatusOK
	if result.Status == settlement.StatusAwaitingQuorum {
		status = http.StatusAccepted
	}

	//nolint:wrapcheck
	return c.JSONPretty(status, result, "  ")
}

func (s *OperatorService) PostRefund(c echo.Context) error {
	result, err := s.Engine.Refund(c.Request().Context(), c.Param("id"))
	if err != nil {
		return s.fail(c, err)
	}

	//nolint:wrapcheck
	return c.JSONPretty(http.StatusOK, result, "  ")
}

func (s *OperatorService) fail(c echo.Context, err error) error {
	status := StatusFor(err)

	response := ErrorResponse{State: "", Error: err.Error()}
	if state, ok := match.StateOf(err); ok {
		response.State = state
	}

	if status >= http.StatusInternalServerError {
		s.log.Error().Err(err).Str("path", c.Path()).Str("match", c.Param("id")).Msg("operation failed")
	}

	//nolint:wrapcheck
	return c.JSONPretty(status, response, "  ")
}

// StatusFor maps engine errors to HTTP status codes. Broadcast and adapter
// failures are checked first since they may wrap other conditions.
//
//nolint:cyclop
func StatusFor(err error) int {
	switch {
	case errors.Is(err, vault.ErrIntegrity),
		errors.Is(err, match.ErrFaulted),
		errors.Is(err, match.ErrInvariant):
		return http.StatusInternalServerError
	case errors.Is(err, settlement.ErrBroadcast),
		errors.Is(err, settlement.ErrReconciliationPending),
		errors.Is(err, chain.ErrUnavailable):
		return http.StatusServiceUnavailable
	case errors.Is(err, match.ErrNotFound):
		return http.StatusNotFound
	case errors.Is(err, settlement.ErrInsufficientFunds):
		return http.StatusPaymentRequired
	case errors.Is(err, match.ErrInvalidStake),
		errors.Is(err, match.ErrInvalidPlayers),
		errors.Is(err, match.ErrInvalidQuorum),
		errors.Is(err, match.ErrInvalidAddress),
		errors.Is(err, match.ErrUnknownPlayer),
		errors.Is(err, match.ErrInvalidRefundPolicy),
		errors.Is(err, match.ErrUnknownState),
		errors.Is(err, chain.ErrUnknownChain),
		errors.Is(err, chain.ErrInvalidAddress),
		errors.Is(err, keys.ErrUnknownScheme),
		errors.Is(err, settlement.ErrNotCoSigner),
		errors.Is(err, settlement.ErrInvalidSignature):
		return http.StatusBadRequest
	case errors.Is(err, match.ErrInvalidState),
		errors.Is(err, match.ErrMatchFull),
		errors.Is(err, match.ErrDuplicatePlayer),
		errors.Is(err, match.ErrAlreadySettled),
		errors.Is(err, settlement.ErrRefundRejected),
		errors.Is(err, settlement.ErrNotThreshold),
		errors.Is(err, settlement.ErrNoProposal),
		errors.Is(err, settlement.ErrProposalConflict):
		return http.StatusConflict
	default:
		return http.StatusInternalServerError
	}
}
