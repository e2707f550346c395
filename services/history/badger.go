// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.

package history

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"

	"github.com/dgraph-io/badger/v4"

	"github.com/RusieckiRoland/LocalAI-RAG-sub000/services/pipeline/datatypes"
)

// BadgerSessionStore keeps session records in an embedded BadgerDB.
//
// # Thread Safety
//
// Safe for concurrent use. Every mutation runs inside one badger
// update transaction, which gives the atomic read-modify-write the
// SessionStore contract requires; conflicting transactions retry.
type BadgerSessionStore struct {
	db   *badger.DB
	opts Options
}

// NewBadgerSessionStore wraps an open badger database.
func NewBadgerSessionStore(db *badger.DB, opts Options) *BadgerSessionStore {
	opts.applyDefaults()
	return &BadgerSessionStore{db: db, opts: opts}
}

func (s *BadgerSessionStore) StartTurn(_ context.Context, turn datatypes.ConversationTurn) (string, bool, error) {
	var turnID string
	var existing bool
	err := s.update(turn.SessionID, func(rec *SessionRecord) error {
		var err error
		turnID, existing, err = recordStartTurn(rec, turn, s.opts.MaxTurns)
		return err
	})
	if err != nil {
		return "", false, err
	}
	return turnID, existing, nil
}

func (s *BadgerSessionStore) FinalizeTurn(_ context.Context, sessionID string, update FinalizeUpdate) error {
	return s.update(sessionID, func(rec *SessionRecord) error {
		return recordFinalizeTurn(rec, update)
	})
}

func (s *BadgerSessionStore) GetRecord(_ context.Context, sessionID string) (SessionRecord, error) {
	rec := SessionRecord{ByRequest: map[string]string{}}
	err := s.db.View(func(txn *badger.Txn) error {
		item, err := txn.Get([]byte(sessionKey(sessionID)))
		if errors.Is(err, badger.ErrKeyNotFound) {
			return nil
		}
		if err != nil {
			return err
		}
		return item.Value(func(val []byte) error {
			return json.Unmarshal(val, &rec)
		})
	})
	if err != nil {
		return SessionRecord{}, fmt.Errorf("badger session %q: %w", sessionID, err)
	}
	return rec, nil
}

// update loads, mutates, and stores one session record inside a single
// transaction. The TTL is refreshed on every write.
func (s *BadgerSessionStore) update(sessionID string, mutate func(*SessionRecord) error) error {
	key := []byte(sessionKey(sessionID))
	err := s.db.Update(func(txn *badger.Txn) error {
		rec := SessionRecord{ByRequest: map[string]string{}}
		item, err := txn.Get(key)
		switch {
		case errors.Is(err, badger.ErrKeyNotFound):
			// New session.
		case err != nil:
			return err
		default:
			if err := item.Value(func(val []byte) error {
				return json.Unmarshal(val, &rec)
			}); err != nil {
				return err
			}
		}

		if err := mutate(&rec); err != nil {
			return err
		}

		raw, err := json.Marshal(rec)
		if err != nil {
			return err
		}
		entry := badger.NewEntry(key, raw)
		if s.opts.TTL > 0 {
			entry = entry.WithTTL(s.opts.TTL)
		}
		return txn.SetEntry(entry)
	})
	if err != nil {
		return fmt.Errorf("badger session %q: %w", sessionID, err)
	}
	return nil
}
