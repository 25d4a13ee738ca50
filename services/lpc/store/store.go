// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.
//
// NOTE: This work is subject to additional terms under AGPL v3 Section 7.
// See the NOTICE.txt file for details regarding AI system attribution.

package store

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"sort"
	"time"

	"github.com/dgraph-io/badger/v4"
	"github.com/google/uuid"

	"github.com/AleutianAI/AleutianLPC/services/lpc/offsets"
)

// ErrNotFound indicates no offset exists with the given id.
var ErrNotFound = errors.New("offset not found")

const offsetPrefix = "lpc/offset/"

func offsetKey(id string) []byte {
	return []byte(offsetPrefix + id)
}

// Store persists labware offsets.
//
// # Thread Safety
//
// Store is safe for concurrent use.
type Store struct {
	db     *DB
	logger *slog.Logger
	now    func() time.Time
}

// New wraps an open database.
func New(db *DB, logger *slog.Logger) *Store {
	if logger == nil {
		logger = slog.Default()
	}
	return &Store{
		db:     db,
		logger: logger.With(slog.String("component", "offset_store")),
		now:    func() time.Time { return time.Now().UTC() },
	}
}

// SaveOffset stores a new offset with a fresh id and creation time.
func (s *Store) SaveOffset(ctx context.Context, in offsets.NewOffset) (offsets.LabwareOffset, error) {
	if err := ctx.Err(); err != nil {
		return offsets.LabwareOffset{}, err
	}
	if in.DefinitionURI == "" {
		return offsets.LabwareOffset{}, errors.New("offset definition URI is required")
	}
	rec := offsets.StoredLabwareOffset{
		ID:               uuid.NewString(),
		DefinitionURI:    in.DefinitionURI,
		LocationSequence: in.LocationSequence,
		Vector:           in.Vector,
		CreatedAt:        s.now(),
	}
	if err := s.put(rec); err != nil {
		return offsets.LabwareOffset{}, err
	}
	s.logger.Debug("offset stored",
		slog.String("offset_id", rec.ID),
		slog.String("labware_uri", rec.DefinitionURI),
		slog.String("location", rec.LocationSequence.Key()))
	return rec, nil
}

func (s *Store) put(rec offsets.StoredLabwareOffset) error {
	data, err := json.Marshal(rec)
	if err != nil {
		return fmt.Errorf("encode offset %s: %w", rec.ID, err)
	}
	err = s.db.Update(func(txn *badger.Txn) error {
		return txn.Set(offsetKey(rec.ID), data)
	})
	if err != nil {
		return fmt.Errorf("write offset %s: %w", rec.ID, err)
	}
	return nil
}

// Get returns the offset with the given id.
func (s *Store) Get(ctx context.Context, id string) (offsets.StoredLabwareOffset, error) {
	var rec offsets.StoredLabwareOffset
	if err := ctx.Err(); err != nil {
		return rec, err
	}
	err := s.db.View(func(txn *badger.Txn) error {
		item, err := txn.Get(offsetKey(id))
		if errors.Is(err, badger.ErrKeyNotFound) {
			return fmt.Errorf("%w: %s", ErrNotFound, id)
		}
		if err != nil {
			return err
		}
		return item.Value(func(val []byte) error {
			return json.Unmarshal(val, &rec)
		})
	})
	return rec, err
}

// ListOffsets returns every stored offset, oldest first.
func (s *Store) ListOffsets(ctx context.Context) ([]offsets.LabwareOffset, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	var out []offsets.LabwareOffset
	err := s.db.View(func(txn *badger.Txn) error {
		opts := badger.DefaultIteratorOptions
		opts.Prefix = []byte(offsetPrefix)
		it := txn.NewIterator(opts)
		defer it.Close()
		for it.Rewind(); it.Valid(); it.Next() {
			var rec offsets.StoredLabwareOffset
			err := it.Item().Value(func(val []byte) error {
				return json.Unmarshal(val, &rec)
			})
			if err != nil {
				return fmt.Errorf("decode %s: %w", it.Item().Key(), err)
			}
			out = append(out, rec)
		}
		return nil
	})
	if err != nil {
		return nil, fmt.Errorf("list offsets: %w", err)
	}
	sort.SliceStable(out, func(i, j int) bool {
		return out[i].CreatedAt.Before(out[j].CreatedAt)
	})
	return out, nil
}

// DeleteOffset removes the offset with the given id.
func (s *Store) DeleteOffset(ctx context.Context, id string) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	err := s.db.Update(func(txn *badger.Txn) error {
		if _, err := txn.Get(offsetKey(id)); err != nil {
			if errors.Is(err, badger.ErrKeyNotFound) {
				return fmt.Errorf("%w: %s", ErrNotFound, id)
			}
			return err
		}
		return txn.Delete(offsetKey(id))
	})
	if err != nil {
		return err
	}
	s.logger.Info("offset deleted", slog.String("offset_id", id))
	return nil
}

// Clear removes every stored offset.
func (s *Store) Clear(ctx context.Context) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	if err := s.db.DropPrefix([]byte(offsetPrefix)); err != nil {
		return fmt.Errorf("clear offsets: %w", err)
	}
	s.logger.Info("offset database cleared")
	return nil
}

// Export writes every offset to w as a JSON array.
func (s *Store) Export(ctx context.Context, w io.Writer) (int, error) {
	offs, err := s.ListOffsets(ctx)
	if err != nil {
		return 0, err
	}
	if offs == nil {
		offs = []offsets.LabwareOffset{}
	}
	enc := json.NewEncoder(w)
	enc.SetIndent("", "  ")
	if err := enc.Encode(offs); err != nil {
		return 0, fmt.Errorf("export offsets: %w", err)
	}
	return len(offs), nil
}

// Import reads a JSON array written by Export and stores every record
// unchanged, keeping ids and creation times.
func (s *Store) Import(ctx context.Context, r io.Reader) (int, error) {
	var offs []offsets.StoredLabwareOffset
	if err := json.NewDecoder(r).Decode(&offs); err != nil {
		return 0, fmt.Errorf("import offsets: %w", err)
	}
	for i, rec := range offs {
		if err := ctx.Err(); err != nil {
			return i, err
		}
		if rec.ID == "" {
			rec.ID = uuid.NewString()
		}
		if err := s.put(rec); err != nil {
			return i, err
		}
	}
	return len(offs), nil
}
