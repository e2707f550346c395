// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.

package history

import (
	"context"
	"fmt"
	"sort"
	"sync"

	"github.com/RusieckiRoland/LocalAI-RAG-sub000/services/pipeline/datatypes"
)

// MemorySessionStore is the in-process SessionStore, used by tests and
// the pipelinectl dry runner.
type MemorySessionStore struct {
	mu      sync.Mutex
	opts    Options
	records map[string]*SessionRecord
}

func NewMemorySessionStore(opts Options) *MemorySessionStore {
	opts.applyDefaults()
	return &MemorySessionStore{opts: opts, records: map[string]*SessionRecord{}}
}

func (s *MemorySessionStore) StartTurn(_ context.Context, turn datatypes.ConversationTurn) (string, bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	rec := s.record(turn.SessionID)
	return recordStartTurn(rec, turn, s.opts.MaxTurns)
}

func (s *MemorySessionStore) FinalizeTurn(_ context.Context, sessionID string, update FinalizeUpdate) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	return recordFinalizeTurn(s.record(sessionID), update)
}

func (s *MemorySessionStore) GetRecord(_ context.Context, sessionID string) (SessionRecord, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	rec, ok := s.records[sessionID]
	if !ok {
		return SessionRecord{ByRequest: map[string]string{}}, nil
	}
	out := SessionRecord{
		IdentityID: rec.IdentityID,
		ByRequest:  make(map[string]string, len(rec.ByRequest)),
		Turns:      append([]datatypes.ConversationTurn{}, rec.Turns...),
	}
	for k, v := range rec.ByRequest {
		out.ByRequest[k] = v
	}
	return out, nil
}

func (s *MemorySessionStore) record(sessionID string) *SessionRecord {
	rec, ok := s.records[sessionID]
	if !ok {
		rec = &SessionRecord{ByRequest: map[string]string{}}
		s.records[sessionID] = rec
	}
	return rec
}

// MemoryDurableStore is the in-process DurableStore. The production
// deployment swaps in a database-backed implementation behind the same
// contract; the engine and finalize action only see the interface.
type MemoryDurableStore struct {
	mu    sync.Mutex
	turns []datatypes.ConversationTurn
}

func NewMemoryDurableStore() *MemoryDurableStore {
	return &MemoryDurableStore{}
}

func (s *MemoryDurableStore) InsertTurn(_ context.Context, turn datatypes.ConversationTurn) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.turns = append(s.turns, turn)
	return nil
}

func (s *MemoryDurableStore) UpsertTurnFinal(_ context.Context, turn datatypes.ConversationTurn) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	for i := range s.turns {
		if s.turns[i].TurnID == turn.TurnID && s.turns[i].SessionID == turn.SessionID {
			s.turns[i].AnswerNeutral = turn.AnswerNeutral
			s.turns[i].AnswerTranslated = turn.AnswerTranslated
			s.turns[i].AnswerTranslatedIsFallback = turn.AnswerTranslatedIsFallback
			s.turns[i].FinalizedAtUTC = turn.FinalizedAtUTC
			return nil
		}
	}
	return fmt.Errorf("%w: turn %q in session %q", ErrTurnNotFound, turn.TurnID, turn.SessionID)
}

func (s *MemoryDurableStore) ListRecentFinalizedBySession(_ context.Context, sessionID string, limit int) ([]datatypes.ConversationTurn, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	var out []datatypes.ConversationTurn
	for _, t := range s.turns {
		if t.SessionID == sessionID && t.Finalized() {
			out = append(out, t)
		}
	}
	sort.SliceStable(out, func(i, j int) bool {
		return out[i].FinalizedAtUTC.Before(*out[j].FinalizedAtUTC)
	})
	if limit > 0 && len(out) > limit {
		out = out[len(out)-limit:]
	}
	return out, nil
}
