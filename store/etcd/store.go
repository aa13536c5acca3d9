// Package etcd provides a job store backed by an etcd cluster. Each
// job is a JSON document under /codes/jobs/{id}; optimistic concurrency
// comes from transactions compared against the key's mod revision, so
// the claim in Lease is exclusive without any locking.
package etcd

import (
	"context"
	"fmt"
	"log/slog"
	"time"

	clientv3 "go.etcd.io/etcd/client/v3"

	"github.com/codyaverett/container-codes/id"
	"github.com/codyaverett/container-codes/job"
)

const (
	jobKeyPrefix = "/codes/jobs/"

	dialTimeout = 5 * time.Second
)

var _ job.Store = (*Store)(nil)

// Store implements job.Store on top of an etcd key-value cluster.
type Store struct {
	client *clientv3.Client
	logger *slog.Logger
	owned  bool
}

// Option customises the store.
type Option func(*Store)

// WithLogger sets the logger used for store diagnostics.
func WithLogger(logger *slog.Logger) Option {
	return func(s *Store) { s.logger = logger }
}

// New wraps an existing etcd client. The caller keeps ownership of the
// client and is responsible for closing it.
func New(client *clientv3.Client, opts ...Option) *Store {
	s := &Store{
		client: client,
		logger: slog.Default(),
	}
	for _, opt := range opts {
		opt(s)
	}
	return s
}

// Open connects to the given endpoints and returns an owned store.
func Open(endpoints []string, opts ...Option) (*Store, error) {
	cli, err := clientv3.New(clientv3.Config{
		Endpoints:   endpoints,
		DialTimeout: dialTimeout,
	})
	if err != nil {
		return nil, fmt.Errorf("containercodes/etcd: connect: %w", err)
	}
	s := New(cli, opts...)
	s.owned = true
	return s, nil
}

// Client exposes the underlying etcd client.
func (s *Store) Client() *clientv3.Client { return s.client }

// ──────────────────────────────────────────────────
// Lifecycle — Migrate / Ping / Close
// ──────────────────────────────────────────────────

// Migrate is a no-op; etcd needs no schema.
func (s *Store) Migrate(_ context.Context) error { return nil }

// Ping verifies the cluster answers reads.
func (s *Store) Ping(ctx context.Context) error {
	if _, err := s.client.Get(ctx, jobKeyPrefix, clientv3.WithCountOnly()); err != nil {
		return fmt.Errorf("containercodes/etcd: ping: %w", err)
	}
	return nil
}

// Close closes the client when the store opened it.
func (s *Store) Close() error {
	if !s.owned {
		return nil
	}
	return s.client.Close()
}

func jobKey(jobID id.JobID) string { return jobKeyPrefix + jobID.String() }
