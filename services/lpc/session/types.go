// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.
//
// NOTE: This work is subject to additional terms under AGPL v3 Section 7.
// See the NOTICE.txt file for details regarding AI system attribution.

package session

import (
	"context"
	"time"

	"github.com/AleutianAI/AleutianLPC/services/lpc/location"
	"github.com/AleutianAI/AleutianLPC/services/lpc/offsets"
	"github.com/AleutianAI/AleutianLPC/services/lpc/protocol"
)

// RunRecord is everything a session needs from a run: its protocol
// analysis and the offsets embedded in the run.
type RunRecord struct {
	RunID    string                  `json:"runId"`
	Analysis protocol.Analysis       `json:"analysis"`
	Offsets  []offsets.LabwareOffset `json:"labwareOffsets"`
}

// Persister stores a confirmed offset and returns the stored record.
type Persister interface {
	SaveOffset(ctx context.Context, offset offsets.NewOffset) (offsets.LabwareOffset, error)
}

// RunSource fetches run records.
type RunSource interface {
	FetchRun(ctx context.Context, runID string) (RunRecord, error)
}

// OffsetSource lists the offsets stored in the database.
type OffsetSource interface {
	ListOffsets(ctx context.Context) ([]offsets.LabwareOffset, error)
}

// Prompter asks the operator to pick an authoritative source when the run
// and database offsets diverge. It blocks until the operator answers or ctx
// ends.
type Prompter interface {
	ChooseSource(ctx context.Context, runID string, run, database []offsets.LabwareOffset) (offsets.Source, error)
}

// PromptFunc adapts a function to Prompter.
type PromptFunc func(ctx context.Context, runID string, run, database []offsets.LabwareOffset) (offsets.Source, error)

// ChooseSource implements Prompter.
func (f PromptFunc) ChooseSource(ctx context.Context, runID string, run, database []offsets.LabwareOffset) (offsets.Source, error) {
	return f(ctx, runID, run, database)
}

// Recorder receives session metrics. All methods must be safe for
// concurrent use.
type Recorder interface {
	SessionOpened()
	SessionClosed()
	ConflictDetected(conflicts int)
	SourceChosen(source offsets.Source)
	JogStep()
	SaveCompleted(result string, elapsed time.Duration)
}

type nopRecorder struct{}

func (nopRecorder) SessionOpened()                      {}
func (nopRecorder) SessionClosed()                      {}
func (nopRecorder) ConflictDetected(int)                {}
func (nopRecorder) SourceChosen(offsets.Source)         {}
func (nopRecorder) JogStep()                            {}
func (nopRecorder) SaveCompleted(string, time.Duration) {}

// Save results reported to Recorder.SaveCompleted.
const (
	SaveResultOK         = "ok"
	SaveResultFailed     = "failed"
	SaveResultAbandoned  = "abandoned"
	SaveResultSuperseded = "superseded"
)

// EventType names a session event.
type EventType string

// Event types published by a Session.
const (
	EventSourceChosen  EventType = "sourceChosen"
	EventJogged        EventType = "jogged"
	EventConfirmed     EventType = "confirmed"
	EventSaved         EventType = "saved"
	EventSaveFailed    EventType = "saveFailed"
	EventDiscarded     EventType = "discarded"
	EventSessionClosed EventType = "sessionClosed"
)

// Event is a change notification published to subscribers.
type Event struct {
	Type       EventType             `json:"type"`
	RunID      string                `json:"runId"`
	LabwareURI string                `json:"labwareUri,omitempty"`
	Sequence   *location.Sequence    `json:"locationSequence,omitempty"`
	Detail     *offsets.OffsetDetail `json:"detail,omitempty"`
	Source     offsets.Source        `json:"source,omitempty"`
	Error      string                `json:"error,omitempty"`
	Time       time.Time             `json:"time"`
}
