// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.
//
// NOTE: This work is subject to additional terms under AGPL v3 Section 7.
// See the NOTICE.txt file for details regarding AI system attribution.

package snapshot

import (
	"context"
	"errors"
	"fmt"
	"io"
	"os"
	"time"

	"cloud.google.com/go/storage"
	badgerdb "github.com/dgraph-io/badger/v4"
	"github.com/redis/go-redis/v9"
	"google.golang.org/api/option"

	"github.com/AleutianAI/boardsync/services/whiteboard/storage/badger"
)

// =============================================================================
// Badger
// =============================================================================

// BadgerStore keeps snapshots in an embedded BadgerDB.
type BadgerStore struct {
	db *badger.DB
}

// NewBadgerStore wraps an open database. The caller owns db.
func NewBadgerStore(db *badger.DB) *BadgerStore {
	return &BadgerStore{db: db}
}

// Get implements Store.
func (s *BadgerStore) Get(ctx context.Context, key string) ([]byte, error) {
	var value []byte
	err := s.db.WithReadTxn(ctx, func(txn *badgerdb.Txn) error {
		item, err := txn.Get([]byte(key))
		if err != nil {
			return err
		}
		value, err = item.ValueCopy(nil)
		return err
	})
	if errors.Is(err, badgerdb.ErrKeyNotFound) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, &StoreError{Op: "get", Key: key, Err: err}
	}
	return value, nil
}

// Set implements Store.
func (s *BadgerStore) Set(ctx context.Context, key string, value []byte) error {
	err := s.db.WithTxn(ctx, func(txn *badgerdb.Txn) error {
		return txn.Set([]byte(key), value)
	})
	if err != nil {
		return &StoreError{Op: "set", Key: key, Err: err}
	}
	return nil
}

// =============================================================================
// Redis
// =============================================================================

// RedisClient is the subset of *redis.Client the store uses.
type RedisClient interface {
	Get(ctx context.Context, key string) *redis.StringCmd
	Set(ctx context.Context, key string, value interface{}, expiration time.Duration) *redis.StatusCmd
}

// RedisStore keeps snapshots in Redis, optionally with a TTL.
type RedisStore struct {
	client RedisClient
	ttl    time.Duration
}

// NewRedisStore wraps client. A zero ttl keeps values forever.
func NewRedisStore(client RedisClient, ttl time.Duration) *RedisStore {
	return &RedisStore{client: client, ttl: ttl}
}

// DialRedis parses url, connects and pings.
func DialRedis(ctx context.Context, url string) (*redis.Client, error) {
	opts, err := redis.ParseURL(url)
	if err != nil {
		return nil, fmt.Errorf("failed to parse redis url: %w", err)
	}
	client := redis.NewClient(opts)
	if err := client.Ping(ctx).Err(); err != nil {
		_ = client.Close()
		return nil, fmt.Errorf("failed to connect to redis: %w", err)
	}
	return client, nil
}

// Get implements Store.
func (s *RedisStore) Get(ctx context.Context, key string) ([]byte, error) {
	value, err := s.client.Get(ctx, key).Bytes()
	if errors.Is(err, redis.Nil) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, &StoreError{Op: "get", Key: key, Err: err}
	}
	return value, nil
}

// Set implements Store.
func (s *RedisStore) Set(ctx context.Context, key string, value []byte) error {
	if err := s.client.Set(ctx, key, value, s.ttl).Err(); err != nil {
		return &StoreError{Op: "set", Key: key, Err: err}
	}
	return nil
}

// =============================================================================
// Google Cloud Storage
// =============================================================================

// GCSStore keeps snapshots as objects in a bucket, under an optional
// prefix.
type GCSStore struct {
	client *storage.Client
	bucket string
	prefix string
}

// NewGCSStore creates a client. An empty credentialsFile uses application
// default credentials.
func NewGCSStore(ctx context.Context, bucket, prefix, credentialsFile string) (*GCSStore, error) {
	if bucket == "" {
		return nil, errors.New("gcs bucket is required")
	}
	var opts []option.ClientOption
	if credentialsFile != "" {
		if _, err := os.Stat(credentialsFile); err != nil {
			return nil, fmt.Errorf("service account key not found at path %s: %w", credentialsFile, err)
		}
		opts = append(opts, option.WithCredentialsFile(credentialsFile))
	}

	client, err := storage.NewClient(ctx, opts...)
	if err != nil {
		return nil, fmt.Errorf("failed to create GCS storage client: %w", err)
	}
	return &GCSStore{client: client, bucket: bucket, prefix: prefix}, nil
}

func (s *GCSStore) objectName(key string) string {
	return s.prefix + key
}

// Get implements Store.
func (s *GCSStore) Get(ctx context.Context, key string) ([]byte, error) {
	reader, err := s.client.Bucket(s.bucket).Object(s.objectName(key)).NewReader(ctx)
	if errors.Is(err, storage.ErrObjectNotExist) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, &StoreError{Op: "get", Key: key, Err: err}
	}
	defer reader.Close()

	value, err := io.ReadAll(io.LimitReader(reader, MaxRawBytes+headerSize+1))
	if err != nil {
		return nil, &StoreError{Op: "get", Key: key, Err: err}
	}
	return value, nil
}

// Set implements Store.
func (s *GCSStore) Set(ctx context.Context, key string, value []byte) error {
	writer := s.client.Bucket(s.bucket).Object(s.objectName(key)).NewWriter(ctx)
	writer.ContentType = "application/octet-stream"
	writer.CacheControl = "no-cache, no-store, must-revalidate"

	if _, err := writer.Write(value); err != nil {
		_ = writer.Close()
		return &StoreError{Op: "set", Key: key, Err: err}
	}
	if err := writer.Close(); err != nil {
		return &StoreError{Op: "set", Key: key, Err: err}
	}
	return nil
}

// Close releases the GCS client.
func (s *GCSStore) Close() error {
	return s.client.Close()
}
