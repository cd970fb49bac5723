// Package artifacts copies produced media into a NATS JetStream object store
// bucket so downstream consumers can fetch them after the response is sent.
package artifacts

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"io"

	"github.com/nats-io/nats.go"
	"github.com/nats-io/nats.go/jetstream"
)

// Store implements encode.Sink on a JetStream object store.
type Store struct {
	conn   *nats.Conn
	bucket string
	store  nats.ObjectStore
}

// Connect dials url and binds the bucket. Close releases the connection.
func Connect(url, bucket string) (*Store, error) {
	nc, err := nats.Connect(url, nats.Name("mediagw"))
	if err != nil {
		return nil, fmt.Errorf("connect nats: %w", err)
	}
	js, err := nc.JetStream()
	if err != nil {
		nc.Close()
		return nil, fmt.Errorf("jetstream: %w", err)
	}
	s, err := New(js, bucket)
	if err != nil {
		nc.Close()
		return nil, err
	}
	s.conn = nc
	return s, nil
}

// New creates the bucket, or binds to it when it already exists.
func New(js nats.JetStreamContext, bucket string) (*Store, error) {
	store, err := js.CreateObjectStore(&nats.ObjectStoreConfig{
		Bucket:      bucket,
		Description: fmt.Sprintf("Artifacts produced by mediagw (%s).", bucket),
		Storage:     nats.FileStorage,
		Replicas:    1,
	})
	if err != nil {
		if !errors.Is(err, jetstream.ErrBucketExists) && !errors.Is(err, nats.ErrStreamNameAlreadyInUse) {
			return nil, fmt.Errorf("create object store bucket '%s': %w", bucket, err)
		}
		store, err = js.ObjectStore(bucket)
		if err != nil {
			return nil, fmt.Errorf("bind object store bucket '%s': %w", bucket, err)
		}
	}
	return &Store{bucket: bucket, store: store}, nil
}

// Put saves data under key.
func (s *Store) Put(ctx context.Context, key string, data []byte) error {
	_, err := s.store.Put(&nats.ObjectMeta{Name: key}, bytes.NewReader(data), nats.Context(ctx))
	if err != nil {
		return fmt.Errorf("put object '%s' to bucket '%s': %w", key, s.bucket, err)
	}
	return nil
}

// Get retrieves the object stored under key.
func (s *Store) Get(ctx context.Context, key string) ([]byte, error) {
	obj, err := s.store.Get(key, nats.Context(ctx))
	if err != nil {
		return nil, fmt.Errorf("get object '%s' from bucket '%s': %w", key, s.bucket, err)
	}
	data, readErr := io.ReadAll(obj)
	closeErr := obj.Close()
	if readErr != nil {
		return nil, fmt.Errorf("read object '%s': %w", key, readErr)
	}
	if closeErr != nil {
		return data, fmt.Errorf("close object '%s': %w", key, closeErr)
	}
	return data, nil
}

// Close drops the connection opened by Connect.
func (s *Store) Close() {
	if s.conn != nil {
		s.conn.Close()
	}
}
