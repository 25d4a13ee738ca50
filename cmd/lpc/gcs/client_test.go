// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.
//
// NOTE: This work is subject to additional terms under AGPL v3 Section 7.
// See the NOTICE.txt file for details regarding AI system attribution.

package gcs

import (
	"context"
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"
)

// ============================================================================
// NewClient Tests
// ============================================================================

func TestNewClient_NonExistentSAKeyPath(t *testing.T) {
	ctx := context.Background()

	_, err := NewClient(ctx, "test-project", "test-bucket", "/nonexistent/path/to/key.json")
	if err == nil {
		t.Fatal("NewClient with non-existent SA key should return error")
	}
	if !strings.Contains(err.Error(), "service account key not found") {
		t.Errorf("Error should mention SA key not found, got: %v", err)
	}
	if !strings.Contains(err.Error(), "/nonexistent/path/to/key.json") {
		t.Errorf("Error should contain the path, got: %v", err)
	}
}

func TestNewClient_NoBucket(t *testing.T) {
	_, err := NewClient(context.Background(), "test-project", "", "/nonexistent/key.json")
	if err == nil || !strings.Contains(err.Error(), "no backup bucket") {
		t.Fatalf("expected missing bucket error, got %v", err)
	}
}

func TestNewClient_InvalidCredentialsFile(t *testing.T) {
	ctx := context.Background()

	tmpDir := t.TempDir()
	invalidKeyPath := filepath.Join(tmpDir, "invalid_key.json")
	if err := os.WriteFile(invalidKeyPath, []byte("not valid json"), 0644); err != nil {
		t.Fatalf("Failed to create temp file: %v", err)
	}

	_, err := NewClient(ctx, "test-project", "test-bucket", invalidKeyPath)
	if err == nil {
		t.Fatal("NewClient with invalid credentials file should return error")
	}
	if !strings.Contains(err.Error(), "failed to create GCS storage client") {
		t.Errorf("Error should mention failed to create client, got: %v", err)
	}
}

// ============================================================================
// ObjectName Tests
// ============================================================================

func TestObjectName(t *testing.T) {
	at := time.Date(2025, 7, 4, 10, 0, 0, 0, time.FixedZone("PDT", -7*3600))
	tests := []struct {
		prefix string
		want   string
	}{
		{"", "offsets-20250704T170000Z.json"},
		{"lpc/backups", "lpc/backups/offsets-20250704T170000Z.json"},
		{"/lpc/backups/", "lpc/backups/offsets-20250704T170000Z.json"},
	}
	for _, tt := range tests {
		if got := ObjectName(tt.prefix, at); got != tt.want {
			t.Errorf("ObjectName(%q) = %q, want %q", tt.prefix, got, tt.want)
		}
	}
}
