/*
 * Copyright (c) 2022. Nydus Developers. All rights reserved.
 *
 * SPDX-License-Identifier: Apache-2.0
 */

// Package ociexport pushes a finished trace-archive as a single-layer
// OCI artifact, so a trace captured off a crash dump can be stored and
// pulled with the same registry tooling used for container images.
package ociexport

import (
	"os"

	v1 "github.com/google/go-containerregistry/pkg/v1"
	"github.com/google/go-containerregistry/pkg/v1/empty"
	"github.com/google/go-containerregistry/pkg/v1/mutate"
	"github.com/google/go-containerregistry/pkg/v1/static"
	"github.com/google/go-containerregistry/pkg/v1/types"

	"github.com/google/go-containerregistry/pkg/authn"
	"github.com/google/go-containerregistry/pkg/name"
	"github.com/google/go-containerregistry/pkg/v1/remote"
	"github.com/opencontainers/go-digest"
	ocispec "github.com/opencontainers/image-spec/specs-go/v1"
	"github.com/pkg/errors"
)

// ArchiveLayerMediaType identifies a trace-archive v6 container as an
// OCI image layer, in the same vein as a registry artifact's custom
// media type.
const ArchiveLayerMediaType types.MediaType = "application/vnd.trace-extract.archive.v6"

// Push wraps the archive at archivePath in a single-layer, config-less
// OCI image and writes it to ref.
func Push(ref string, archivePath string) (digest.Digest, error) {
	data, err := os.ReadFile(archivePath)
	if err != nil {
		return "", errors.Wrapf(err, "read %s", archivePath)
	}

	layer := static.NewLayer(data, ArchiveLayerMediaType)

	img, err := mutate.AppendLayers(empty.Image, layer)
	if err != nil {
		return "", errors.Wrap(err, "append archive layer")
	}
	img = mutate.MediaType(img, types.OCIManifestSchema1)
	img = mutate.ConfigMediaType(img, ocispec.MediaTypeImageConfig)

	dgst, err := layer.Digest()
	if err != nil {
		return "", errors.Wrap(err, "compute layer digest")
	}

	tagged, err := name.ParseReference(ref)
	if err != nil {
		return "", errors.Wrapf(err, "parse reference %q", ref)
	}

	if err := remote.Write(tagged, img, remote.WithAuthFromKeychain(authn.DefaultKeychain)); err != nil {
		return "", errors.Wrapf(err, "push %s", ref)
	}

	return digest.NewDigestFromEncoded(digest.SHA256, dgst.Hex), nil
}

// Pull retrieves the archive layer of an OCI artifact previously
// written by Push, and reports it as a v1.Image the caller can further
// inspect (e.g. to read its layer digest before extracting).
func Pull(ref string) (v1.Image, error) {
	parsed, err := name.ParseReference(ref)
	if err != nil {
		return nil, errors.Wrapf(err, "parse reference %q", ref)
	}

	img, err := remote.Image(parsed, remote.WithAuthFromKeychain(authn.DefaultKeychain))
	if err != nil {
		return nil, errors.Wrapf(err, "pull %s", ref)
	}
	return img, nil
}
