// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.

// Package history stores conversation turns in two tiers: a KV-backed
// session store (badger or redis) keyed by session id, and a durable
// user-scoped store that is authoritative for authenticated users.
package history

import (
	"context"
	"errors"
	"fmt"
	"os"
	"strconv"
	"time"

	"github.com/RusieckiRoland/LocalAI-RAG-sub000/services/pipeline/datatypes"
)

// Environment flags for the session store.
const (
	EnvTTLSeconds = "APP_CONV_HIST_TTL_S"
	EnvMaxTurns   = "APP_CONV_HIST_MAX_TURNS"

	// DefaultMaxTurns is the hard per-session turn cap.
	DefaultMaxTurns = 200

	sessionKeyPrefix = "conv_hist:"
)

// Sentinel errors shared by all store implementations.
var (
	// ErrTurnNotFound is returned by finalize when the turn id does not
	// exist in the session record or durable store.
	ErrTurnNotFound = errors.New("conversation turn not found")

	// ErrIdentityMismatch is returned when a session would be re-bound
	// to a different identity.
	ErrIdentityMismatch = errors.New("session is bound to a different identity")
)

// Options tune the session store.
type Options struct {
	// TTL is the best-effort session expiry; zero disables it.
	TTL time.Duration
	// MaxTurns caps the turns kept per session (default 200). Enforced
	// on every write.
	MaxTurns int
}

func (o *Options) applyDefaults() {
	if o.MaxTurns <= 0 {
		o.MaxTurns = DefaultMaxTurns
	}
}

// OptionsFromEnv reads APP_CONV_HIST_TTL_S and APP_CONV_HIST_MAX_TURNS.
func OptionsFromEnv() Options {
	opts := Options{MaxTurns: DefaultMaxTurns}
	if v, err := strconv.Atoi(os.Getenv(EnvTTLSeconds)); err == nil && v > 0 {
		opts.TTL = time.Duration(v) * time.Second
	}
	if v, err := strconv.Atoi(os.Getenv(EnvMaxTurns)); err == nil && v > 0 {
		opts.MaxTurns = v
	}
	return opts
}

// SessionRecord is the JSON value stored under conv_hist:<session_id>.
type SessionRecord struct {
	// IdentityID is the identity the session is bound to, set on the
	// first authenticated turn.
	IdentityID string `json:"identity_id,omitempty"`
	// ByRequest maps request_id to turn_id; it is what makes start_turn
	// idempotent.
	ByRequest map[string]string            `json:"by_request"`
	Turns     []datatypes.ConversationTurn `json:"turns"`
}

// FinalizeUpdate carries the answer fields written into an existing
// turn on finalize.
type FinalizeUpdate struct {
	TurnID                     string
	AnswerNeutral              string
	AnswerTranslated           string
	AnswerTranslatedIsFallback bool
	FinalizedAtUTC             time.Time
}

// SessionStore is the KV tier. Implementations must make StartTurn and
// FinalizeTurn atomic read-modify-write operations per session id.
type SessionStore interface {
	// StartTurn registers the turn, returning the existing turn id when
	// (session_id, request_id) was seen before. The bool reports whether
	// the turn already existed.
	StartTurn(ctx context.Context, turn datatypes.ConversationTurn) (string, bool, error)

	// FinalizeTurn writes the answer into the matching turn.
	// ErrTurnNotFound when the turn id is absent.
	FinalizeTurn(ctx context.Context, sessionID string, update FinalizeUpdate) error

	// GetRecord returns the session record; a missing session yields an
	// empty record, not an error.
	GetRecord(ctx context.Context, sessionID string) (SessionRecord, error)
}

// DurableStore is the user-scoped tier, authoritative for
// authenticated users.
type DurableStore interface {
	InsertTurn(ctx context.Context, turn datatypes.ConversationTurn) error

	// UpsertTurnFinal finds the turn by (turn_id, session_id) and writes
	// the final answer fields. ErrTurnNotFound when absent.
	UpsertTurnFinal(ctx context.Context, turn datatypes.ConversationTurn) error

	// ListRecentFinalizedBySession returns finalized turns for the
	// session ordered by finalized_at_utc ascending, limited.
	ListRecentFinalizedBySession(ctx context.Context, sessionID string, limit int) ([]datatypes.ConversationTurn, error)
}

// sessionKey builds the KV key for a session.
func sessionKey(sessionID string) string {
	return sessionKeyPrefix + sessionID
}

// recordStartTurn applies start_turn semantics to a loaded record:
// idempotent by request id, identity binding enforced, turn cap
// applied. Returns the effective turn id and whether it pre-existed.
func recordStartTurn(rec *SessionRecord, turn datatypes.ConversationTurn, maxTurns int) (string, bool, error) {
	if rec.ByRequest == nil {
		rec.ByRequest = map[string]string{}
	}
	if turn.IdentityID != "" {
		if rec.IdentityID != "" && rec.IdentityID != turn.IdentityID {
			return "", false, fmt.Errorf("%w: session %q", ErrIdentityMismatch, turn.SessionID)
		}
		rec.IdentityID = turn.IdentityID
	}
	if existing, ok := rec.ByRequest[turn.RequestID]; ok {
		return existing, true, nil
	}
	rec.ByRequest[turn.RequestID] = turn.TurnID
	rec.Turns = append(rec.Turns, turn)
	capTurns(rec, maxTurns)
	return turn.TurnID, false, nil
}

// recordFinalizeTurn applies finalize_turn semantics in place.
func recordFinalizeTurn(rec *SessionRecord, update FinalizeUpdate) error {
	for i := range rec.Turns {
		if rec.Turns[i].TurnID != update.TurnID {
			continue
		}
		finalized := update.FinalizedAtUTC
		rec.Turns[i].AnswerNeutral = update.AnswerNeutral
		rec.Turns[i].AnswerTranslated = update.AnswerTranslated
		rec.Turns[i].AnswerTranslatedIsFallback = update.AnswerTranslatedIsFallback
		rec.Turns[i].FinalizedAtUTC = &finalized
		return nil
	}
	return fmt.Errorf("%w: turn %q", ErrTurnNotFound, update.TurnID)
}

// capTurns drops the oldest turns past the cap, keeping ByRequest
// consistent with the surviving turns.
func capTurns(rec *SessionRecord, maxTurns int) {
	if maxTurns <= 0 || len(rec.Turns) <= maxTurns {
		return
	}
	dropped := rec.Turns[:len(rec.Turns)-maxTurns]
	rec.Turns = append([]datatypes.ConversationTurn{}, rec.Turns[len(rec.Turns)-maxTurns:]...)
	for _, t := range dropped {
		if rec.ByRequest[t.RequestID] == t.TurnID {
			delete(rec.ByRequest, t.RequestID)
		}
	}
}
