package match

import (
	"encoding/json"
	"fmt"

	"github.com/vreid/kakeru/internal/pkg/common"
)

// BoltStore keeps one JSON snapshot per match in the matches bucket.
type BoltStore struct {
	db *common.DatabaseService
}

func NewBoltStore(db *common.DatabaseService) *BoltStore {
	return &BoltStore{db: db}
}

func (s *BoltStore) SaveMatch(m *Match) error {
	marshaledMatch, err := json.Marshal(m)
	if err != nil {
		return fmt.Errorf("failed to marshal match: %w", err)
	}

	//nolint:wrapcheck
	return s.db.Put(common.MatchesBucket, []byte(m.ID), marshaledMatch)
}

func (s *BoltStore) LoadMatches() ([]*Match, error) {
	matches := []*Match{}

	err := s.db.ForEach(common.MatchesBucket, func(key, value []byte) error {
		var m Match

		err := json.Unmarshal(value, &m)
		if err != nil {
			return fmt.Errorf("failed to unmarshal match %s: %w", key, err)
		}

		matches = append(matches, &m)

		return nil
	})
	if err != nil {
		return nil, fmt.Errorf("failed to load matches: %w", err)
	}

	return matches, nil
}
