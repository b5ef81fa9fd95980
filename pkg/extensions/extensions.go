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

// ServiceOptions groups the extension points passed to the service.
//
// Nil fields are replaced with no-op defaults by WithDefaults.
type ServiceOptions struct {
	AuthProvider  AuthProvider
	AuthzProvider AuthzProvider
}

// DefaultOptions returns options that allow everything.
func DefaultOptions() ServiceOptions {
	return ServiceOptions{
		AuthProvider:  &NopAuthProvider{},
		AuthzProvider: &NopAuthzProvider{},
	}
}

// WithDefaults fills nil fields with no-op implementations.
func (o ServiceOptions) WithDefaults() ServiceOptions {
	if o.AuthProvider == nil {
		o.AuthProvider = &NopAuthProvider{}
	}
	if o.AuthzProvider == nil {
		o.AuthzProvider = &NopAuthzProvider{}
	}
	return o
}

// WithAuth returns a copy with provider as the AuthProvider.
func (o ServiceOptions) WithAuth(provider AuthProvider) ServiceOptions {
	o.AuthProvider = provider
	return o
}

// WithAuthz returns a copy with provider as the AuthzProvider.
func (o ServiceOptions) WithAuthz(provider AuthzProvider) ServiceOptions {
	o.AuthzProvider = provider
	return o
}
