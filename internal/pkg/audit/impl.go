// Package audit keeps an append-only trail of match events.
package audit

import (
	"cmp"
	"encoding/json"
	"fmt"
	"slices"
	"sync"

	lru "github.com/hashicorp/golang-lru/v2"
	"github.com/rs/zerolog"
	"github.com/samber/do/v2"
	"github.com/vreid/kakeru/internal/pkg/common"
	"github.com/vreid/kakeru/internal/pkg/match"
	"go.uber.org/atomic"
)

// Without a database the trail is kept in memory for the most recently
// active matches only.
const (
	recentMatches        = 1024
	recentEventsPerMatch = 256
)

type Record struct {
	Seq uint64 `json:"seq"`
	match.Event
}

type AuditService struct {
	// DatabaseService is optional. Without it events go to a bounded
	// in-memory trail.
	DatabaseService *common.DatabaseService

	EventSource <-chan match.Event

	recentMu sync.Mutex
	recent   *lru.Cache[string, []Record]
	seq      *atomic.Uint64

	log zerolog.Logger
}

func NewAuditService(i do.Injector) (*AuditService, error) {
	eventSource := do.MustInvokeNamed[<-chan match.Event](i, "event-source")
	logger := do.MustInvoke[zerolog.Logger](i)

	var databaseService *common.DatabaseService

	if do.MustInvokeNamed[bool](i, "persist") {
		databaseService = do.MustInvoke[*common.DatabaseService](i)
	}

	return New(databaseService, eventSource, logger), nil
}

func New(databaseService *common.DatabaseService, eventSource <-chan match.Event, logger zerolog.Logger) *AuditService {
	//nolint:errcheck
	recent, _ := lru.New[string, []Record](recentMatches)

	//nolint:exhaustruct
	return &AuditService{
		DatabaseService: databaseService,
		EventSource:     eventSource,
		recent:          recent,
		seq:             atomic.NewUint64(0),
		log:             logger.With().Str("component", "audit").Logger(),
	}
}

// Start consumes events until the source is closed.
func (s *AuditService) Start() {
	go s.processEvents()
}

func (s *AuditService) HandleEvent(event match.Event) error {
	s.log.Info().
		Str("match", event.MatchID).
		Str("kind", string(event.Kind)).
		Str("state", string(event.State)).
		Str("detail", event.Detail).
		Str("tx", string(event.TxRef)).
		Time("at", event.At).
		Msg("match event")

	if s.DatabaseService == nil {
		s.remember(event)

		return nil
	}

	marshaledEvent, err := json.Marshal(event)
	if err != nil {
		return fmt.Errorf("failed to marshal event: %w", err)
	}

	_, err = s.DatabaseService.Append(common.AuditBucket, marshaledEvent)
	if err != nil {
		return fmt.Errorf("failed to record event: %w", err)
	}

	return nil
}

// List returns recorded events in the order they happened, optionally only
// those of one match.
func (s *AuditService) List(matchID string) ([]Record, error) {
	records := []Record{}

	if s.DatabaseService == nil {
		return s.recall(matchID), nil
	}

	err := s.DatabaseService.ForEach(common.AuditBucket, func(key, value []byte) error {
		var event match.Event

		err := json.Unmarshal(value, &event)
		if err != nil {
			return fmt.Errorf("failed to unmarshal event %x: %w", key, err)
		}

		if matchID != "" && event.MatchID != matchID {
			return nil
		}

		records = append(records, Record{Seq: common.BytesToUint64(key, 0), Event: event})

		return nil
	})
	if err != nil {
		return nil, fmt.Errorf("failed to list events: %w", err)
	}

	return records, nil
}

func (s *AuditService) remember(event match.Event) {
	s.recentMu.Lock()
	defer s.recentMu.Unlock()

	trail, _ := s.recent.Get(event.MatchID)
	trail = append(trail, Record{Seq: s.seq.Inc(), Event: event})

	if len(trail) > recentEventsPerMatch {
		trail = slices.Clone(trail[len(trail)-recentEventsPerMatch:])
	}

	s.recent.Add(event.MatchID, trail)
}

func (s *AuditService) recall(matchID string) []Record {
	s.recentMu.Lock()
	defer s.recentMu.Unlock()

	records := []Record{}

	if matchID != "" {
		trail, _ := s.recent.Peek(matchID)

		return append(records, trail...)
	}

	for _, key := range s.recent.Keys() {
		trail, _ := s.recent.Peek(key)
		records = append(records, trail...)
	}

	slices.SortFunc(records, func(a, b Record) int {
		return cmp.Compare(a.Seq, b.Seq)
	})

	return records
}

func (s *AuditService) processEvents() {
	for event := range s.EventSource {
		err := s.HandleEvent(event)
		if err != nil {
			s.log.Error().Err(err).Str("match", event.MatchID).Msg("failed to audit event")
		}
	}
}
