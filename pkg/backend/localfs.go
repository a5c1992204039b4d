/*
 * Copyright (c) 2022. Nydus Developers. All rights reserved.
 *
 * SPDX-License-Identifier: Apache-2.0
 */

package backend

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"os"
	"path"

	"github.com/opencontainers/go-digest"
	"github.com/pkg/errors"

	"github.com/crashutils/trace-extract/pkg/errdefs"
)

type LocalFSBackend struct {
	dir       string
	forcePush bool
}

func newLocalFSBackend(rawConfig []byte, forcePush bool) (*LocalFSBackend, error) {
	var configMap map[string]string
	if err := json.Unmarshal(rawConfig, &configMap); err != nil {
		return nil, errors.Wrap(err, "parse LocalFS storage backend configuration")
	}

	dir, ok := configMap["dir"]
	if !ok {
		return nil, fmt.Errorf("no `dir` option is specified")
	}

	return &LocalFSBackend{
		dir:       dir,
		forcePush: forcePush,
	}, nil
}

func (b *LocalFSBackend) dstPath(objectID string) string {
	return path.Join(b.dir, objectID)
}

func (b *LocalFSBackend) Push(ctx context.Context, localPath string, dgst digest.Digest) error {
	if _, err := b.Check(dgst); err == nil && !b.forcePush {
		return nil
	}

	if err := os.MkdirAll(b.dir, 0755); err != nil {
		return errors.Wrap(err, "create directory in localfs backend")
	}

	src, err := os.Open(localPath)
	if err != nil {
		return errors.Wrapf(err, "open %s", localPath)
	}
	defer src.Close()

	dstPath := b.dstPath(dgst.Hex())
	dstFile, err := os.Create(dstPath)
	if err != nil {
		return errors.Wrapf(err, "create destination file: %s", dstPath)
	}
	defer dstFile.Close()

	if _, err := io.Copy(dstFile, src); err != nil {
		return errors.Wrapf(err, "copy archive to %s", dstPath)
	}

	return nil
}

func (b *LocalFSBackend) Check(dgst digest.Digest) (string, error) {
	dstPath := b.dstPath(dgst.Hex())

	info, err := os.Stat(dstPath)
	if err != nil {
		if os.IsNotExist(err) {
			return "", errdefs.ErrNotFound
		}
		return "", err
	}

	if !info.IsDir() {
		return dstPath, nil
	}

	return "", errdefs.ErrNotFound
}

func (b *LocalFSBackend) Type() string {
	return BackendTypeLocalFS
}
