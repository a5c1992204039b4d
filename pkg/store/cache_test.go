/*
 * Copyright (c) 2021. Ant Financial. All rights reserved.
 * Copyright (c) 2022. Nydus Developers. All rights reserved.
 *
 * SPDX-License-Identifier: Apache-2.0
 */

package store

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/crashutils/trace-extract/pkg/errdefs"
	"github.com/crashutils/trace-extract/pkg/layout"
)

func TestProbeCacheMiss(t *testing.T) {
	c, err := Open(t.TempDir())
	require.NoError(t, err)
	defer c.Close()

	_, err = c.Get("5.10.0-amd64", "abc123")
	assert.ErrorIs(t, err, errdefs.ErrNotFound)
}

func TestProbeCachePutGet(t *testing.T) {
	c, err := Open(t.TempDir())
	require.NoError(t, err)
	defer c.Close()

	want := &layout.Probe{
		TraceArrayBuffer:   8,
		RingBufferPages:    16,
		LocklessRingBuffer: true,
		FieldsStrategy:     layout.FieldsViaClass,
	}

	require.NoError(t, c.Put("5.10.0-amd64", "abc123", want))

	got, err := c.Get("5.10.0-amd64", "abc123")
	require.NoError(t, err)
	assert.Equal(t, want, got)

	// A different build-id under the same release is a distinct entry.
	_, err = c.Get("5.10.0-amd64", "def456")
	assert.ErrorIs(t, err, errdefs.ErrNotFound)
}

func TestProbeCacheKeyWithoutBuildID(t *testing.T) {
	c, err := Open(t.TempDir())
	require.NoError(t, err)
	defer c.Close()

	want := &layout.Probe{TraceArrayBuffer: 8}
	require.NoError(t, c.Put("5.10.0-amd64", "", want))

	got, err := c.Get("5.10.0-amd64", "")
	require.NoError(t, err)
	assert.Equal(t, want, got)
}
