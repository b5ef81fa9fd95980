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
	"errors"
	"testing"
)

// ============================================================================
// ServiceOptions Tests
// ============================================================================

type denyAll struct{}

func (denyAll) Authorize(context.Context, AuthzRequest) error { return ErrForbidden }

func TestDefaultOptions(t *testing.T) {
	opts := DefaultOptions()

	if _, ok := opts.AuthProvider.(*NopAuthProvider); !ok {
		t.Error("DefaultOptions().AuthProvider should be *NopAuthProvider")
	}
	if _, ok := opts.AuthzProvider.(*NopAuthzProvider); !ok {
		t.Error("DefaultOptions().AuthzProvider should be *NopAuthzProvider")
	}
}

func TestServiceOptions_WithDefaults(t *testing.T) {
	opts := ServiceOptions{}.WithAuthz(denyAll{}).WithDefaults()

	if opts.AuthProvider == nil {
		t.Error("WithDefaults should fill AuthProvider")
	}
	if _, ok := opts.AuthzProvider.(denyAll); !ok {
		t.Error("WithDefaults must keep an explicit AuthzProvider")
	}
}

func TestServiceOptions_WithAuthDoesNotMutate(t *testing.T) {
	original := DefaultOptions()
	custom, err := NewStaticTokenProvider(map[string]string{"t": "u"})
	if err != nil {
		t.Fatal(err)
	}

	updated := original.WithAuth(custom)
	if updated.AuthProvider != custom {
		t.Error("WithAuth should set the provider")
	}
	if _, ok := original.AuthProvider.(*NopAuthProvider); !ok {
		t.Error("WithAuth must not modify the original options")
	}
}

// ============================================================================
// Auth Tests
// ============================================================================

func TestNopProviders(t *testing.T) {
	info, err := (&NopAuthProvider{}).Validate(context.Background(), "")
	if err != nil {
		t.Fatalf("Validate failed: %v", err)
	}
	if info.UserID != "local-user" {
		t.Errorf("UserID = %q, want local-user", info.UserID)
	}
	if !info.HasRole("tutor") || info.HasRole("admin") {
		t.Errorf("unexpected roles %v", info.Roles)
	}
	if err := (&NopAuthzProvider{}).Authorize(context.Background(), AuthzRequest{Action: ActionDestroy}); err != nil {
		t.Errorf("Authorize = %v, want nil", err)
	}
}

func TestStaticTokenProvider(t *testing.T) {
	provider, err := NewStaticTokenProvider(map[string]string{
		"tok-alice": "alice",
		"tok-bob":   "bob",
	})
	if err != nil {
		t.Fatalf("NewStaticTokenProvider failed: %v", err)
	}

	info, err := provider.Validate(context.Background(), "tok-bob")
	if err != nil {
		t.Fatalf("Validate failed: %v", err)
	}
	if info.UserID != "bob" {
		t.Errorf("UserID = %q, want bob", info.UserID)
	}

	for _, token := range []string{"", "tok-carol", "tok-alic"} {
		if _, err := provider.Validate(context.Background(), token); !errors.Is(err, ErrUnauthorized) {
			t.Errorf("Validate(%q) = %v, want ErrUnauthorized", token, err)
		}
	}
}

func TestStaticTokenProvider_RejectsEmpty(t *testing.T) {
	if _, err := NewStaticTokenProvider(map[string]string{"": "x"}); err == nil {
		t.Error("empty token should be rejected")
	}
	if _, err := NewStaticTokenProvider(map[string]string{"t": ""}); err == nil {
		t.Error("empty user id should be rejected")
	}
}

func TestReloadableTokenProvider(t *testing.T) {
	provider, err := NewReloadableTokenProvider(map[string]string{"old": "alice"})
	if err != nil {
		t.Fatalf("NewReloadableTokenProvider failed: %v", err)
	}
	ctx := context.Background()

	if _, err := provider.Validate(ctx, "old"); err != nil {
		t.Fatalf("Validate(old) = %v", err)
	}

	if err := provider.Update(map[string]string{"new": "bob"}); err != nil {
		t.Fatalf("Update failed: %v", err)
	}
	if _, err := provider.Validate(ctx, "old"); !errors.Is(err, ErrUnauthorized) {
		t.Errorf("Validate(old) after update = %v, want ErrUnauthorized", err)
	}
	info, err := provider.Validate(ctx, "new")
	if err != nil || info.UserID != "bob" {
		t.Errorf("Validate(new) = %v, %v", info, err)
	}

	if err := provider.Update(map[string]string{"": "x"}); err == nil {
		t.Error("invalid update should fail")
	}
	if _, err := provider.Validate(ctx, "new"); err != nil {
		t.Errorf("failed update must keep the current set, got %v", err)
	}
}
