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
	"time"

	"github.com/google/uuid"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"

	"github.com/RusieckiRoland/LocalAI-RAG-sub000/pkg/logging"
	"github.com/RusieckiRoland/LocalAI-RAG-sub000/services/pipeline/datatypes"
	"github.com/RusieckiRoland/LocalAI-RAG-sub000/services/pipeline/engine"
)

// Service orchestrates the two history tiers.
//
// # Description
//
// The session store answers every read and takes every write; the
// durable store additionally records turns of authenticated users
// (non-empty identity id). Identity binding is enforced in the session
// record: the first authenticated turn binds the session, later turns
// with a different identity are rejected.
//
// # Thread Safety
//
// Safe for concurrent use; both stores synchronize internally.
type Service struct {
	sessions SessionStore
	durable  DurableStore
	logger   *logging.Logger
}

// NewService builds the history service. durable may be nil for
// anonymous-only deployments.
func NewService(sessions SessionStore, durable DurableStore, logger *logging.Logger) *Service {
	if logger == nil {
		logger = logging.Default()
	}
	return &Service{sessions: sessions, durable: durable, logger: logger}
}

// OnRequestStarted creates the turn for (sessionID, requestID), or
// returns the existing turn id: the same pair always yields the same
// turn.
func (s *Service) OnRequestStarted(ctx context.Context, sessionID, requestID, identityID, questionNeutral string) (string, error) {
	ctx, span := otel.Tracer("localai.history").Start(ctx, "history.on_request_started")
	defer span.End()
	span.SetAttributes(attribute.String("session_id", sessionID))

	turn := datatypes.ConversationTurn{
		TurnID:          uuid.New().String(),
		SessionID:       sessionID,
		RequestID:       requestID,
		IdentityID:      identityID,
		QuestionNeutral: questionNeutral,
		CreatedAtUTC:    time.Now().UTC(),
	}
	turnID, existing, err := s.sessions.StartTurn(ctx, turn)
	if err != nil {
		return "", fmt.Errorf("start turn: %w", err)
	}
	if !existing && identityID != "" && s.durable != nil {
		turn.TurnID = turnID
		if err := s.durable.InsertTurn(ctx, turn); err != nil {
			return "", fmt.Errorf("start turn (durable): %w", err)
		}
	}
	return turnID, nil
}

// OnRequestFinalized writes the answer into both tiers. A missing turn
// id is fatal; the caller decides whether to swallow.
func (s *Service) OnRequestFinalized(ctx context.Context, req engine.FinalizeTurnRequest) error {
	ctx, span := otel.Tracer("localai.history").Start(ctx, "history.on_request_finalized")
	defer span.End()
	span.SetAttributes(attribute.String("session_id", req.SessionID))

	finalizedAt := time.Now().UTC()
	update := FinalizeUpdate{
		TurnID:                     req.TurnID,
		AnswerNeutral:              req.AnswerNeutral,
		AnswerTranslated:           req.AnswerTranslated,
		AnswerTranslatedIsFallback: req.AnswerTranslatedIsFallback,
		FinalizedAtUTC:             finalizedAt,
	}
	if err := s.sessions.FinalizeTurn(ctx, req.SessionID, update); err != nil {
		return fmt.Errorf("finalize turn: %w", err)
	}

	if req.IdentityID != "" && s.durable != nil {
		turn := datatypes.ConversationTurn{
			TurnID:                     req.TurnID,
			SessionID:                  req.SessionID,
			RequestID:                  req.RequestID,
			IdentityID:                 req.IdentityID,
			AnswerNeutral:              req.AnswerNeutral,
			AnswerTranslated:           req.AnswerTranslated,
			AnswerTranslatedIsFallback: req.AnswerTranslatedIsFallback,
			FinalizedAtUTC:             &finalizedAt,
		}
		if err := s.durable.UpsertTurnFinal(ctx, turn); err != nil {
			return fmt.Errorf("finalize turn (durable): %w", err)
		}
	}
	return nil
}

// GetRecentQANeutral returns up to limit finalized question/answer
// pairs for the session, oldest first. Turns missing either field are
// skipped.
func (s *Service) GetRecentQANeutral(ctx context.Context, sessionID string, limit int) ([]datatypes.QAPair, error) {
	ctx, span := otel.Tracer("localai.history").Start(ctx, "history.get_recent_qa_neutral")
	defer span.End()

	rec, err := s.sessions.GetRecord(ctx, sessionID)
	if err != nil {
		return nil, fmt.Errorf("recent qa: %w", err)
	}
	var pairs []datatypes.QAPair
	for _, t := range rec.Turns {
		if !t.Finalized() || t.QuestionNeutral == "" || t.AnswerNeutral == "" {
			continue
		}
		pairs = append(pairs, datatypes.QAPair{Question: t.QuestionNeutral, Answer: t.AnswerNeutral})
	}
	if limit > 0 && len(pairs) > limit {
		pairs = pairs[len(pairs)-limit:]
	}
	return pairs, nil
}
