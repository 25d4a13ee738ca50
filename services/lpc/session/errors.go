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

import "errors"

var (
	// ErrConflictUnresolved indicates the run and database offsets diverge
	// and no source has been chosen yet.
	ErrConflictUnresolved = errors.New("offset source conflict is unresolved")

	// ErrSessionClosed indicates the session has been closed.
	ErrSessionClosed = errors.New("session closed")

	// ErrSessionNotFound indicates no open session exists for the run.
	ErrSessionNotFound = errors.New("session not found")

	// ErrSaveSuperseded indicates the offset source was switched while a
	// save was in flight. The save result was not applied.
	ErrSaveSuperseded = errors.New("save superseded by source change")

	// ErrNoPersister indicates the session was opened without a persister.
	ErrNoPersister = errors.New("no offset persister configured")

	// ErrInvalidRunRecord indicates a run record without a run id.
	ErrInvalidRunRecord = errors.New("invalid run record")
)
