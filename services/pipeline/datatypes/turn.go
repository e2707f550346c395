// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.

package datatypes

import "time"

// ConversationTurn is one stored question/answer unit.
//
// Identity: (SessionID, RequestID) is idempotent; the same pair always
// yields the same TurnID. A turn is created on request start and
// finalized once the answer is known; it is never deleted, though the
// session store may evict old turns past its max-turns cap.
type ConversationTurn struct {
	TurnID       string    `json:"turn_id"`
	SessionID    string    `json:"session_id"`
	RequestID    string    `json:"request_id"`
	CreatedAtUTC time.Time `json:"created_at_utc"`
	IdentityID   string    `json:"identity_id,omitempty"`

	FinalizedAtUTC *time.Time `json:"finalized_at_utc,omitempty"`

	QuestionNeutral    string `json:"question_neutral"`
	AnswerNeutral      string `json:"answer_neutral,omitempty"`
	QuestionTranslated string `json:"question_translated,omitempty"`
	AnswerTranslated   string `json:"answer_translated,omitempty"`
	// AnswerTranslatedIsFallback marks a translated answer that was
	// copied from the neutral answer because no translation existed.
	AnswerTranslatedIsFallback bool `json:"answer_translated_is_fallback,omitempty"`

	Metadata map[string]any `json:"metadata,omitempty"`
}

// Finalized reports whether the turn has been completed with an answer.
func (t *ConversationTurn) Finalized() bool {
	return t.FinalizedAtUTC != nil
}
