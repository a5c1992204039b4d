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
	"time"

	"github.com/aliyun/aliyun-oss-go-sdk/oss"
	"github.com/opencontainers/go-digest"
	"github.com/pkg/errors"
	"golang.org/x/sync/errgroup"

	"github.com/crashutils/trace-extract/pkg/errdefs"
)

const (
	splitPartsCount = 4
)

type OSSBackend struct {
	// OSS storage does not support directory. Therefore add a prefix to each object
	// to make it a path-like object.
	objectPrefix string
	bucket       *oss.Bucket
	forcePush    bool
}

func newOSSBackend(rawConfig []byte, forcePush bool) (*OSSBackend, error) {
	var configMap map[string]string
	if err := json.Unmarshal(rawConfig, &configMap); err != nil {
		return nil, errors.Wrap(err, "Parse OSS storage backend configuration")
	}

	endpoint, ok1 := configMap["endpoint"]
	bucketName, ok2 := configMap["bucket_name"]

	// Below fields are not mandatory.
	accessKeyID := configMap["access_key_id"]
	accessKeySecret := configMap["access_key_secret"]
	objectPrefix := configMap["object_prefix"]

	if !ok1 || !ok2 {
		return nil, fmt.Errorf("no endpoint or bucket is specified")
	}

	client, err := oss.New(endpoint, accessKeyID, accessKeySecret)
	if err != nil {
		return nil, errors.Wrap(err, "Create client")
	}

	bucket, err := client.Bucket(bucketName)
	if err != nil {
		return nil, errors.Wrap(err, "Create bucket")
	}

	return &OSSBackend{
		objectPrefix: objectPrefix,
		bucket:       bucket,
		forcePush:    forcePush,
	}, nil
}

// Ported from https://github.com/aliyun/aliyun-oss-go-sdk/blob/c82fb81e272d84f716d3f13c36fe0542a49adfeb/oss/utils.go#L207.
func splitFileByPartNum(fileSize int64, chunkNum int) ([]oss.FileChunk, error) {
	if chunkNum <= 0 || chunkNum > 10000 {
		return nil, errors.New("chunkNum invalid")
	}

	if int64(chunkNum) > fileSize {
		return nil, errors.New("oss: chunkNum invalid")
	}

	var chunks []oss.FileChunk
	var chunk = oss.FileChunk{}
	var chunkN = (int64)(chunkNum)
	for i := int64(0); i < chunkN; i++ {
		chunk.Number = int(i + 1)
		chunk.Offset = i * (fileSize / chunkN)
		if i == chunkN-1 {
			chunk.Size = fileSize/chunkN + fileSize%chunkN
		} else {
			chunk.Size = fileSize / chunkN
		}
		chunks = append(chunks, chunk)
	}

	return chunks, nil
}

// push uploads the archive at localPath to oss storage backend.
func (b *OSSBackend) push(localPath string, dgst digest.Digest) error {
	objectKey := b.objectPrefix + dgst.Hex()

	if exist, err := b.bucket.IsObjectExist(objectKey); err != nil {
		return errors.Wrap(err, "check object existence")
	} else if exist && !b.forcePush {
		return nil
	}

	info, err := os.Stat(localPath)
	if err != nil {
		return errors.Wrapf(err, "stat %s", localPath)
	}
	fileSize := info.Size()

	if fileSize >= MultipartsUploadThreshold {
		return b.pushMultipart(localPath, objectKey, fileSize)
	}

	f, err := os.Open(localPath)
	if err != nil {
		return errors.Wrapf(err, "open %s", localPath)
	}
	defer f.Close()

	if err := b.bucket.PutObject(objectKey, f); err != nil {
		return errors.Wrap(err, "put archive object")
	}
	return nil
}

func (b *OSSBackend) pushMultipart(localPath, objectKey string, fileSize int64) error {
	chunks, err := splitFileByPartNum(fileSize, splitPartsCount)
	if err != nil {
		return errors.Wrap(err, "split file by part num")
	}

	imur, err := b.bucket.InitiateMultipartUpload(objectKey)
	if err != nil {
		return errors.Wrap(err, "initiate multipart upload")
	}

	partsChan := make(chan oss.UploadPart, splitPartsCount)

	g := new(errgroup.Group)
	for _, chunk := range chunks {
		ck := chunk
		g.Go(func() error {
			f, err := os.Open(localPath)
			if err != nil {
				return errors.Wrapf(err, "open %s", localPath)
			}
			defer f.Close()

			p, err := b.bucket.UploadPart(imur, io.NewSectionReader(f, ck.Offset, ck.Size), ck.Size, ck.Number)
			if err != nil {
				return errors.Wrap(err, "upload part")
			}
			partsChan <- p
			return nil
		})
	}

	if err := g.Wait(); err != nil {
		close(partsChan)
		if abortErr := b.bucket.AbortMultipartUpload(imur); abortErr != nil {
			return errors.Wrap(abortErr, "aborting upload")
		}
		return errors.Wrap(err, "upload parts")
	}
	close(partsChan)

	var parts []oss.UploadPart
	for p := range partsChan {
		parts = append(parts, p)
	}

	if _, err := b.bucket.CompleteMultipartUpload(imur, parts); err != nil {
		return errors.Wrap(err, "complete multipart upload")
	}
	return nil
}

func (b *OSSBackend) Push(ctx context.Context, localPath string, dgst digest.Digest) error {
	backoff := time.Second
	for {
		err := b.push(localPath, dgst)
		if err != nil {
			select {
			case <-ctx.Done():
				return err
			default:
			}
		} else {
			return nil
		}
		if backoff >= 8*time.Second {
			return err
		}
		time.Sleep(backoff)
		backoff *= 2
	}
}

func (b *OSSBackend) Check(dgst digest.Digest) (string, error) {
	objectKey := b.objectPrefix + dgst.Hex()
	if exist, err := b.bucket.IsObjectExist(objectKey); err != nil {
		return "", err
	} else if exist {
		return dgst.Hex(), nil
	}
	return "", errdefs.ErrNotFound
}

func (b *OSSBackend) Type() string {
	return BackendTypeOSS
}
