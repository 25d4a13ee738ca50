// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.
//
// NOTE: This work is subject to additional terms under AGPL v3 Section 7.
// See the NOTICE.txt file for details regarding AI system attribution.

package extensions

import (
	"context"
	"crypto/subtle"
	"errors"
	"fmt"
	"slices"
)

// ErrUnauthorized is returned when authentication fails.
var ErrUnauthorized = errors.New("unauthorized")

// ErrForbidden is returned when an authenticated caller lacks permission.
var ErrForbidden = errors.New("forbidden")

// Roles understood by RoleAuthzProvider.
const (
	RoleAdmin    = "admin"
	RoleOperator = "operator"
	RoleViewer   = "viewer"
)

// Actions checked by AuthzProvider.
const (
	// ActionRead covers listing and resolving offsets.
	ActionRead = "read"

	// ActionWrite covers opening sessions, jogging, confirming and saving.
	ActionWrite = "write"

	// ActionDelete covers deleting stored offsets and reading the audit
	// trail.
	ActionDelete = "delete"
)

// AuthInfo is the identity returned after successful authentication.
type AuthInfo struct {
	// UserID identifies the operator. Never empty.
	UserID string `json:"userId"`

	// Roles drive authorization decisions.
	Roles []string `json:"roles"`
}

// HasRole checks if the user has a specific role.
func (a *AuthInfo) HasRole(role string) bool {
	return slices.Contains(a.Roles, role)
}

// AuthProvider validates authentication tokens and returns user identity.
//
// Implementations must be safe for concurrent use by multiple goroutines.
type AuthProvider interface {
	// Validate checks the bearer token and returns the caller's identity.
	//
	// Returns ErrUnauthorized (or wrapped) if the token is not accepted.
	Validate(ctx context.Context, token string) (*AuthInfo, error)
}

// AuthzRequest describes an authorization check as (subject, action,
// resource).
type AuthzRequest struct {
	User         *AuthInfo
	Action       string
	ResourceType string
	ResourceID   string
}

// AuthzProvider checks if a user is authorized to perform an action.
type AuthzProvider interface {
	// Authorize returns nil if permitted, ErrForbidden (or wrapped) if not.
	Authorize(ctx context.Context, req AuthzRequest) error
}

// NopAuthProvider authenticates every request as the local operator.
type NopAuthProvider struct{}

// Validate ignores the token and returns the local operator with admin
// privileges.
func (p *NopAuthProvider) Validate(_ context.Context, _ string) (*AuthInfo, error) {
	return &AuthInfo{UserID: "local-operator", Roles: []string{RoleAdmin}}, nil
}

// NopAuthzProvider allows every action.
type NopAuthzProvider struct{}

// Authorize always returns nil.
func (p *NopAuthzProvider) Authorize(_ context.Context, _ AuthzRequest) error {
	return nil
}

// TokenAuthProvider accepts a fixed set of bearer tokens, each bound to an
// identity.
//
// # Thread Safety
//
// Immutable after construction.
type TokenAuthProvider struct {
	tokens []tokenEntry
}

type tokenEntry struct {
	token []byte
	info  AuthInfo
}

// NewTokenAuthProvider builds a provider from token -> identity pairs.
// Entries with an empty token or user are skipped.
func NewTokenAuthProvider(tokens map[string]AuthInfo) *TokenAuthProvider {
	p := &TokenAuthProvider{}
	for tok, info := range tokens {
		if tok == "" || info.UserID == "" {
			continue
		}
		p.tokens = append(p.tokens, tokenEntry{token: []byte(tok), info: info})
	}
	return p
}

// Validate compares token against every configured token in constant time.
func (p *TokenAuthProvider) Validate(_ context.Context, token string) (*AuthInfo, error) {
	if token == "" {
		return nil, fmt.Errorf("missing bearer token: %w", ErrUnauthorized)
	}
	var match *AuthInfo
	for i := range p.tokens {
		if subtle.ConstantTimeCompare(p.tokens[i].token, []byte(token)) == 1 {
			info := p.tokens[i].info
			info.Roles = slices.Clone(info.Roles)
			match = &info
		}
	}
	if match == nil {
		return nil, fmt.Errorf("unknown bearer token: %w", ErrUnauthorized)
	}
	return match, nil
}

// RoleAuthzProvider grants viewers read access, operators read and write
// access, and admins everything.
type RoleAuthzProvider struct{}

// Authorize implements AuthzProvider.
func (RoleAuthzProvider) Authorize(_ context.Context, req AuthzRequest) error {
	if req.User == nil {
		return ErrUnauthorized
	}
	u := req.User
	switch {
	case u.HasRole(RoleAdmin):
		return nil
	case req.Action == ActionRead && (u.HasRole(RoleOperator) || u.HasRole(RoleViewer)):
		return nil
	case req.Action == ActionWrite && u.HasRole(RoleOperator):
		return nil
	}
	return fmt.Errorf("user %s cannot %s %s: %w", u.UserID, req.Action, req.ResourceType, ErrForbidden)
}

type authInfoKey struct{}

// WithAuthInfo returns a context carrying info.
func WithAuthInfo(ctx context.Context, info *AuthInfo) context.Context {
	return context.WithValue(ctx, authInfoKey{}, info)
}

// AuthInfoFromContext returns the identity stored by WithAuthInfo.
func AuthInfoFromContext(ctx context.Context) (*AuthInfo, bool) {
	info, ok := ctx.Value(authInfoKey{}).(*AuthInfo)
	return info, ok && info != nil
}

// UserID returns the caller's user id, or "anonymous" if the context
// carries no identity.
func UserID(ctx context.Context) string {
	if info, ok := AuthInfoFromContext(ctx); ok {
		return info.UserID
	}
	return "anonymous"
}

var (
	_ AuthProvider  = (*NopAuthProvider)(nil)
	_ AuthProvider  = (*TokenAuthProvider)(nil)
	_ AuthzProvider = (*NopAuthzProvider)(nil)
	_ AuthzProvider = RoleAuthzProvider{}
)
