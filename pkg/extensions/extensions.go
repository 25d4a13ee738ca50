// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.
//
// NOTE: This work is subject to additional terms under AGPL v3 Section 7.
// See the NOTICE.txt file for details regarding AI system attribution.

// Package extensions defines the extension points of the LPC service.
//
// Offsets are calibration data: a wrong vector crashes a pipette into
// labware. Deployments that share a robot between operators plug in
// authentication, authorization and an audit trail of every offset change
// through these interfaces. A local single-operator install uses the no-op
// defaults.
//
// # Extension Categories
//
//   - auth.go: Authentication and authorization (AuthProvider, AuthzProvider)
//   - audit.go: Audit trail of offset changes (AuditLogger)
//
// # Usage
//
//	opts := extensions.DefaultOptions().
//	    WithAuth(extensions.NewTokenAuthProvider(tokens)).
//	    WithAuthz(extensions.RoleAuthzProvider{}).
//	    WithAudit(extensions.NewMemoryAuditLogger(1000, logger))
//	svc := lpc.NewService(lpc.ServiceConfig{Extensions: opts}, manager, db)
//
// # Thread Safety
//
// All interface implementations must be safe for concurrent use.
package extensions

// ServiceOptions groups all extension points for service configuration.
//
// All fields are optional. Nil values are replaced with no-op defaults by
// Complete.
type ServiceOptions struct {
	// AuthProvider validates bearer tokens.
	// Default: NopAuthProvider (always returns the local operator)
	AuthProvider AuthProvider

	// AuthzProvider checks permissions.
	// Default: NopAuthzProvider (always allows)
	AuthzProvider AuthzProvider

	// AuditLogger records offset changes.
	// Default: NopAuditLogger (discards events)
	AuditLogger AuditLogger
}

// DefaultOptions returns ServiceOptions with no-op implementations.
func DefaultOptions() ServiceOptions {
	return ServiceOptions{
		AuthProvider:  &NopAuthProvider{},
		AuthzProvider: &NopAuthzProvider{},
		AuditLogger:   &NopAuditLogger{},
	}
}

// Complete returns a copy of opts with nil fields set to their defaults.
func (opts ServiceOptions) Complete() ServiceOptions {
	d := DefaultOptions()
	if opts.AuthProvider == nil {
		opts.AuthProvider = d.AuthProvider
	}
	if opts.AuthzProvider == nil {
		opts.AuthzProvider = d.AuthzProvider
	}
	if opts.AuditLogger == nil {
		opts.AuditLogger = d.AuditLogger
	}
	return opts
}

// WithAuth returns a copy of opts with the given AuthProvider.
func (opts ServiceOptions) WithAuth(provider AuthProvider) ServiceOptions {
	opts.AuthProvider = provider
	return opts
}

// WithAuthz returns a copy of opts with the given AuthzProvider.
func (opts ServiceOptions) WithAuthz(provider AuthzProvider) ServiceOptions {
	opts.AuthzProvider = provider
	return opts
}

// WithAudit returns a copy of opts with the given AuditLogger.
func (opts ServiceOptions) WithAudit(logger AuditLogger) ServiceOptions {
	opts.AuditLogger = logger
	return opts
}
