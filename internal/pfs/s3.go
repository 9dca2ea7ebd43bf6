/*
Copyright (C) 2024-2026  Carl-Philip Hänsch

	This program is free software: you can redistribute it and/or modify
	it under the terms of the GNU General Public License as published by
	the Free Software Foundation, either version 3 of the License, or
	(at your option) any later version.

	This program is distributed in the hope that it will be useful,
	but WITHOUT ANY WARRANTY; without even the implied warranty of
	MERCHANTABILITY or FITNESS FOR A PARTICULAR PURPOSE.  See the
	GNU General Public License for more details.

	You should have received a copy of the GNU General Public License
	along with this program.  If not, see <https://www.gnu.org/licenses/>.
*/

package pfs

import (
	"bytes"
	"context"
	"io"
	"strings"
	"sync"

	"github.com/aws/aws-sdk-go-v2/aws"
	"github.com/aws/aws-sdk-go-v2/config"
	"github.com/aws/aws-sdk-go-v2/credentials"
	"github.com/aws/aws-sdk-go-v2/service/s3"
)

// S3Factory mirrors storage.S3Factory's configuration shape -- static
// credentials plus an optional custom endpoint for S3-compatible
// storage such as MinIO.
type S3Factory struct {
	AccessKeyID     string
	SecretAccessKey string
	Region          string
	Endpoint        string
	Bucket          string
	ForcePathStyle  bool
}

func (f *S3Factory) Open(prefix string) Backend {
	return &S3Backend{factory: f, prefix: strings.TrimSuffix(prefix, "/")}
}

// S3Backend stores every dataset file as one S3 object keyed by
// "<prefix>/<path>"; there is no native directory or symlink concept,
// so MkdirAll is a no-op and the `current` pointer is a tiny object
// holding the target name as its body.
type S3Backend struct {
	factory *S3Factory
	prefix  string

	mu     sync.Mutex
	client *s3.Client
	opened bool
}

func (b *S3Backend) ensureOpen() *s3.Client {
	b.mu.Lock()
	defer b.mu.Unlock()
	if b.opened {
		return b.client
	}

	ctx := context.Background()
	var opts []func(*config.LoadOptions) error
	if b.factory.Region != "" {
		opts = append(opts, config.WithRegion(b.factory.Region))
	}
	if b.factory.AccessKeyID != "" && b.factory.SecretAccessKey != "" {
		opts = append(opts, config.WithCredentialsProvider(
			credentials.NewStaticCredentialsProvider(b.factory.AccessKeyID, b.factory.SecretAccessKey, ""),
		))
	}
	cfg, err := config.LoadDefaultConfig(ctx, opts...)
	if err != nil {
		panic(err)
	}

	var s3Opts []func(*s3.Options)
	if b.factory.Endpoint != "" {
		s3Opts = append(s3Opts, func(o *s3.Options) { o.BaseEndpoint = aws.String(b.factory.Endpoint) })
	}
	if b.factory.ForcePathStyle {
		s3Opts = append(s3Opts, func(o *s3.Options) { o.UsePathStyle = true })
	}

	b.client = s3.NewFromConfig(cfg, s3Opts...)
	b.opened = true
	return b.client
}

func (b *S3Backend) key(path string) string {
	return b.prefix + "/" + path
}

func (b *S3Backend) MkdirAll(path string) error { return nil }

func (b *S3Backend) Create(path string) (io.WriteCloser, error) {
	return &s3Writer{b: b, key: b.key(path)}, nil
}

func (b *S3Backend) Open(path string) (io.ReadCloser, error) {
	client := b.ensureOpen()
	resp, err := client.GetObject(context.Background(), &s3.GetObjectInput{
		Bucket: aws.String(b.factory.Bucket),
		Key:    aws.String(b.key(path)),
	})
	if err != nil {
		return nil, err
	}
	return resp.Body, nil
}

func (b *S3Backend) Remove(path string) error {
	client := b.ensureOpen()
	_, err := client.DeleteObject(context.Background(), &s3.DeleteObjectInput{
		Bucket: aws.String(b.factory.Bucket),
		Key:    aws.String(b.key(path)),
	})
	return err
}

func (b *S3Backend) RemoveAll(path string) error {
	client := b.ensureOpen()
	prefix := b.key(path)
	resp, err := client.ListObjectsV2(context.Background(), &s3.ListObjectsV2Input{
		Bucket: aws.String(b.factory.Bucket),
		Prefix: aws.String(prefix),
	})
	if err != nil {
		return err
	}
	for _, obj := range resp.Contents {
		client.DeleteObject(context.Background(), &s3.DeleteObjectInput{
			Bucket: aws.String(b.factory.Bucket),
			Key:    obj.Key,
		})
	}
	return nil
}

func (b *S3Backend) Exists(path string) bool {
	client := b.ensureOpen()
	_, err := client.HeadObject(context.Background(), &s3.HeadObjectInput{
		Bucket: aws.String(b.factory.Bucket),
		Key:    aws.String(b.key(path)),
	})
	return err == nil
}

func (b *S3Backend) Symlink(target, linkName string) error {
	client := b.ensureOpen()
	_, err := client.PutObject(context.Background(), &s3.PutObjectInput{
		Bucket: aws.String(b.factory.Bucket),
		Key:    aws.String(b.key(linkName)),
		Body:   bytes.NewReader([]byte(target)),
	})
	return err
}

func (b *S3Backend) ReadLink(linkName string) (string, bool) {
	r, err := b.Open(linkName)
	if err != nil {
		return "", false
	}
	defer r.Close()
	data, err := io.ReadAll(r)
	if err != nil {
		return "", false
	}
	return string(data), true
}

type s3Writer struct {
	b   *S3Backend
	key string
	buf bytes.Buffer
}

func (w *s3Writer) Write(p []byte) (int, error) { return w.buf.Write(p) }

func (w *s3Writer) Close() error {
	client := w.b.ensureOpen()
	_, err := client.PutObject(context.Background(), &s3.PutObjectInput{
		Bucket: aws.String(w.b.factory.Bucket),
		Key:    aws.String(w.key),
		Body:   bytes.NewReader(w.buf.Bytes()),
	})
	return err
}
