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

	"github.com/redis/go-redis/v9"

	"github.com/RusieckiRoland/LocalAI-RAG-sub000/services/pipeline/datatypes"
)

// redisTxnRetries bounds optimistic-lock retries on a contended
// session key.
const redisTxnRetries = 8

// RedisSessionStore keeps session records in Redis.
//
// # Thread Safety
//
// Safe for concurrent use. Mutations run under WATCH/MULTI optimistic
// locking on the session key, retried on conflict, so concurrent
// writers to the same session serialize correctly.
type RedisSessionStore struct {
	client *redis.Client
	opts   Options
}

// NewRedisSessionStore wraps a connected redis client.
func NewRedisSessionStore(client *redis.Client, opts Options) *RedisSessionStore {
	opts.applyDefaults()
	return &RedisSessionStore{client: client, opts: opts}
}

func (s *RedisSessionStore) StartTurn(ctx context.Context, turn datatypes.ConversationTurn) (string, bool, error) {
	var turnID string
	var existing bool
	err := s.update(ctx, turn.SessionID, func(rec *SessionRecord) error {
		var err error
		turnID, existing, err = recordStartTurn(rec, turn, s.opts.MaxTurns)
		return err
	})
	if err != nil {
		return "", false, err
	}
	return turnID, existing, nil
}

func (s *RedisSessionStore) FinalizeTurn(ctx context.Context, sessionID string, update FinalizeUpdate) error {
	return s.update(ctx, sessionID, func(rec *SessionRecord) error {
		return recordFinalizeTurn(rec, update)
	})
}

func (s *RedisSessionStore) GetRecord(ctx context.Context, sessionID string) (SessionRecord, error) {
	rec := SessionRecord{ByRequest: map[string]string{}}
	raw, err := s.client.Get(ctx, sessionKey(sessionID)).Bytes()
	if errors.Is(err, redis.Nil) {
		return rec, nil
	}
	if err != nil {
		return SessionRecord{}, fmt.Errorf("redis session %q: %w", sessionID, err)
	}
	if err := json.Unmarshal(raw, &rec); err != nil {
		return SessionRecord{}, fmt.Errorf("redis session %q: %w", sessionID, err)
	}
	return rec, nil
}

// update performs one optimistic read-modify-write on the session key.
func (s *RedisSessionStore) update(ctx context.Context, sessionID string, mutate func(*SessionRecord) error) error {
	key := sessionKey(sessionID)
	txf := func(tx *redis.Tx) error {
		rec := SessionRecord{ByRequest: map[string]string{}}
		raw, err := tx.Get(ctx, key).Bytes()
		switch {
		case errors.Is(err, redis.Nil):
			// New session.
		case err != nil:
			return err
		default:
			if err := json.Unmarshal(raw, &rec); err != nil {
				return err
			}
		}

		if err := mutate(&rec); err != nil {
			return err
		}

		out, err := json.Marshal(rec)
		if err != nil {
			return err
		}
		_, err = tx.TxPipelined(ctx, func(pipe redis.Pipeliner) error {
			pipe.Set(ctx, key, out, s.opts.TTL)
			return nil
		})
		return err
	}

	for attempt := 0; attempt < redisTxnRetries; attempt++ {
		err := s.client.Watch(ctx, txf, key)
		if err == nil {
			return nil
		}
		if errors.Is(err, redis.TxFailedErr) {
			continue
		}
		return fmt.Errorf("redis session %q: %w", sessionID, err)
	}
	return fmt.Errorf("redis session %q: watch conflict persisted after %d attempts", sessionID, redisTxnRetries)
}
