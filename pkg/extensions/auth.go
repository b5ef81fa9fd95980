// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.
//
// NOTE: This work is subject to additional terms under AGPL v3 Section 7.
// See the NOTICE.txt file for details regarding AI system attribution.

// Package extensions defines the authentication and authorization seams of
// the board service.
//
// The wire authentication scheme is deployment-specific. The service only
// needs a token turned into a user id (AuthProvider) and a yes/no on a
// session action (AuthzProvider). Defaults allow everything.
package extensions

import (
	"context"
	"crypto/subtle"
	"errors"
	"fmt"
	"slices"
	"sync/atomic"
)

// ErrUnauthorized is returned when a token is missing or invalid.
var ErrUnauthorized = errors.New("unauthorized")

// ErrForbidden is returned when an authenticated user may not perform an
// action.
var ErrForbidden = errors.New("forbidden")

// AuthInfo is the identity behind a validated token.
type AuthInfo struct {
	// UserID is the unique identifier for the user. Never empty.
	UserID string

	// Roles lists role memberships, e.g. "tutor", "student", "agent".
	Roles []string
}

// HasRole reports whether the user has role.
func (a *AuthInfo) HasRole(role string) bool {
	return slices.Contains(a.Roles, role)
}

// AuthProvider validates bearer tokens.
//
// Implementations must be safe for concurrent use.
type AuthProvider interface {
	// Validate returns the identity behind token, or an error wrapping
	// ErrUnauthorized.
	Validate(ctx context.Context, token string) (*AuthInfo, error)
}

// Session actions checked by AuthzProvider.
const (
	ActionJoin     = "join"
	ActionRead     = "read"
	ActionSnapshot = "snapshot"
	ActionRestore  = "restore"
	ActionDestroy  = "destroy"
)

// AuthzRequest asks whether User may perform Action on SessionID.
type AuthzRequest struct {
	User      *AuthInfo
	Action    string
	SessionID string
}

// AuthzProvider decides session access.
type AuthzProvider interface {
	// Authorize returns nil to allow, or an error wrapping ErrForbidden.
	Authorize(ctx context.Context, req AuthzRequest) error
}

// NopAuthProvider accepts any token as "local-user". For local single-user
// deployments.
type NopAuthProvider struct{}

// Validate always succeeds.
func (p *NopAuthProvider) Validate(_ context.Context, _ string) (*AuthInfo, error) {
	return &AuthInfo{UserID: "local-user", Roles: []string{"tutor"}}, nil
}

// NopAuthzProvider allows every action.
type NopAuthzProvider struct{}

// Authorize always returns nil.
func (p *NopAuthzProvider) Authorize(_ context.Context, _ AuthzRequest) error {
	return nil
}

// StaticTokenProvider maps fixed API tokens to identities.
//
// # Thread Safety
//
// Immutable after construction; safe for concurrent use.
type StaticTokenProvider struct {
	tokens []staticToken
}

type staticToken struct {
	token []byte
	info  AuthInfo
}

// NewStaticTokenProvider builds a provider from token -> user id pairs.
// Empty tokens or user ids are rejected.
func NewStaticTokenProvider(tokens map[string]string) (*StaticTokenProvider, error) {
	p := &StaticTokenProvider{}
	for token, userID := range tokens {
		if token == "" || userID == "" {
			return nil, errors.New("static token provider: empty token or user id")
		}
		p.tokens = append(p.tokens, staticToken{token: []byte(token), info: AuthInfo{UserID: userID}})
	}
	return p, nil
}

// Validate compares token against every configured token in constant time.
func (p *StaticTokenProvider) Validate(_ context.Context, token string) (*AuthInfo, error) {
	if token == "" {
		return nil, fmt.Errorf("missing token: %w", ErrUnauthorized)
	}
	candidate := []byte(token)

	var match *AuthInfo
	for i := range p.tokens {
		if subtle.ConstantTimeCompare(p.tokens[i].token, candidate) == 1 {
			info := p.tokens[i].info
			match = &info
		}
	}
	if match == nil {
		return nil, fmt.Errorf("unknown token: %w", ErrUnauthorized)
	}
	return match, nil
}

// ReloadableTokenProvider is a StaticTokenProvider whose token set can be
// replaced while serving.
//
// # Thread Safety
//
// Safe for concurrent use. Validate sees either the old or the new set,
// never a mix.
type ReloadableTokenProvider struct {
	current atomic.Pointer[StaticTokenProvider]
}

// NewReloadableTokenProvider builds a provider from token -> user id pairs.
func NewReloadableTokenProvider(tokens map[string]string) (*ReloadableTokenProvider, error) {
	p := &ReloadableTokenProvider{}
	if err := p.Update(tokens); err != nil {
		return nil, err
	}
	return p, nil
}

// Update swaps in a new token set. An invalid set leaves the current one.
func (p *ReloadableTokenProvider) Update(tokens map[string]string) error {
	next, err := NewStaticTokenProvider(tokens)
	if err != nil {
		return err
	}
	p.current.Store(next)
	return nil
}

// Validate checks token against the current set.
func (p *ReloadableTokenProvider) Validate(ctx context.Context, token string) (*AuthInfo, error) {
	return p.current.Load().Validate(ctx, token)
}

var (
	_ AuthProvider  = (*NopAuthProvider)(nil)
	_ AuthProvider  = (*StaticTokenProvider)(nil)
	_ AuthProvider  = (*ReloadableTokenProvider)(nil)
	_ AuthzProvider = (*NopAuthzProvider)(nil)
)
