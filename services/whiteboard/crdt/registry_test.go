// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.
//
// NOTE: This work is subject to additional terms under AGPL v3 Section 7.
// See the NOTICE.txt file for details regarding AI system attribution.

package crdt

import (
	"fmt"
	"sync"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestRegistry_GetOrCreateReturnsSameDocument(t *testing.T) {
	r := NewRegistry()

	first, created := r.GetOrCreate("s1")
	require.True(t, created)
	second, created := r.GetOrCreate("s1")
	require.False(t, created)

	assert.Same(t, first, second)
	assert.Equal(t, 1, r.Len())
}

func TestRegistry_DestroyYieldsFreshDocument(t *testing.T) {
	r := NewRegistry()
	doc, _ := r.GetOrCreate("s1")
	set(t, doc, MapObjects, "a", 1)

	assert.True(t, r.Destroy("s1"))
	assert.False(t, r.Destroy("s1"))
	assert.True(t, doc.Closed())

	fresh, created := r.GetOrCreate("s1")
	assert.True(t, created)
	assert.NotSame(t, doc, fresh)
	assert.Equal(t, 0, fresh.Objects().Len())
}

func TestRegistry_SessionsSorted(t *testing.T) {
	r := NewRegistry()
	r.GetOrCreate("charlie")
	r.GetOrCreate("alpha")
	r.GetOrCreate("bravo")

	assert.Equal(t, []string{"alpha", "bravo", "charlie"}, r.Sessions())

	_, ok := r.Get("alpha")
	assert.True(t, ok)
	_, ok = r.Get("delta")
	assert.False(t, ok)
}

func TestRegistry_OnCreateRunsOncePerDocument(t *testing.T) {
	r := NewRegistry()
	var mu sync.Mutex
	created := map[string]int{}
	r.OnCreate(func(doc *Document) {
		mu.Lock()
		created[doc.SessionID()]++
		mu.Unlock()
	})

	var wg sync.WaitGroup
	for i := 0; i < 50; i++ {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			r.GetOrCreate(fmt.Sprintf("s%d", i%5))
		}(i)
	}
	wg.Wait()

	assert.Len(t, created, 5)
	for id, n := range created {
		assert.Equal(t, 1, n, id)
	}
}

func TestRegistry_CloseClosesDocuments(t *testing.T) {
	r := NewRegistry()
	doc, _ := r.GetOrCreate("s1")

	r.Close()

	assert.True(t, doc.Closed())
	assert.Zero(t, r.Len())
}
