/*
 * Copyright (c) 2022. Nydus Developers. All rights reserved.
 *
 * SPDX-License-Identifier: Apache-2.0
 */

// Package backend pushes a finished trace-archive file to wherever it
// should be retained: a local directory, an S3-compatible bucket, or an
// Aliyun OSS bucket. Every backend addresses the archive by its content
// digest, not a name, so re-running a dump against the same kernel
// build is a no-op unless forcePush is set.
package backend

import (
	"context"

	"github.com/opencontainers/go-digest"
	"github.com/pkg/errors"
)

// MultipartsUploadThreshold is the blob size above which S3 and OSS
// backends split the upload into parts.
const MultipartsUploadThreshold = 100 * 1024 * 1024

const (
	BackendTypeLocalFS = "localfs"
	BackendTypeS3      = "s3"
	BackendTypeOSS     = "oss"
)

// Backend pushes one local file, identified by its digest, to storage.
type Backend interface {
	// Push uploads the file at localPath, whose content hashes to dgst,
	// unless an object already exists for dgst and forcePush was not set.
	Push(ctx context.Context, localPath string, dgst digest.Digest) error
	// Check reports whether dgst already exists in the backend, returning
	// its local identifier (a path or object key) when it does.
	Check(dgst digest.Digest) (string, error)
	Type() string
}

// NewBackend constructs the Backend named by backendType from its raw
// JSON configuration.
func NewBackend(backendType string, rawConfig []byte, forcePush bool) (Backend, error) {
	switch backendType {
	case BackendTypeLocalFS:
		return newLocalFSBackend(rawConfig, forcePush)
	case BackendTypeS3:
		return newS3Backend(rawConfig, forcePush)
	case BackendTypeOSS:
		return newOSSBackend(rawConfig, forcePush)
	default:
		return nil, errors.Errorf("unknown backend type %q", backendType)
	}
}
