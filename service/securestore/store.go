// Package securestore persists credentials through the platform secure
// storage, with optional expiry and biometric gating per entry.
package securestore

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"sync/atomic"
	"time"

	"github.com/cenkalti/backoff/v4"
	"github.com/go-logr/logr"
	"github.com/layer-3/credkeeper/core"
	"github.com/layer-3/credkeeper/internal/clock"
	"github.com/layer-3/credkeeper/ports"
	"github.com/layer-3/credkeeper/service/biometric"
)

// DefaultPrompt is shown when a gated read needs a biometric challenge
const DefaultPrompt = "Authenticate to continue your session"

var (
	// ErrNotFound means the key holds no value, or the value has expired
	ErrNotFound = ports.ErrNotFound

	// ErrBiometricDenied matches every *DeniedError
	ErrBiometricDenied = errors.New("secure store: biometric verification denied")
)

// DeniedError is returned when a gated value exists but the biometric
// challenge did not succeed
type DeniedError struct {
	Key    string
	Result biometric.Result
}

func (e *DeniedError) Error() string {
	return fmt.Sprintf("secure store: read of %q denied: %s", e.Key, e.Result.Outcome)
}

func (e *DeniedError) Is(target error) bool {
	return target == ErrBiometricDenied
}

func (e *DeniedError) Unwrap() error {
	return e.Result.Err
}

// PutOptions control how an entry is stored
type PutOptions struct {
	// ExpiresAt makes the entry read as absent from that instant on
	ExpiresAt time.Time
	// RequiresBiometric gates every read behind a fresh challenge
	RequiresBiometric bool
}

type envelope struct {
	Value     string     `json:"value"`
	ExpiresAt *time.Time `json:"exp,omitempty"`
	Biometric bool       `json:"bio,omitempty"`
}

type batchKey struct{}

type batchWindow struct {
	store *Store
	open  atomic.Bool
}

// Store is the secure credential store. It never caches values: every Get
// reads the platform storage.
type Store struct {
	platform ports.SecureStorage
	gate     *biometric.Gate
	clock    clock.Clock
	log      logr.Logger

	retryDelay time.Duration
}

// New creates a store over the platform storage
func New(platform ports.SecureStorage, gate *biometric.Gate, clk clock.Clock, log logr.Logger) *Store {
	return &Store{
		platform:   platform,
		gate:       gate,
		clock:      clk,
		log:        log.WithName("securestore"),
		retryDelay: 50 * time.Millisecond,
	}
}

// Put stores value under key
func (s *Store) Put(ctx context.Context, key, value string, opts PutOptions) error {
	env := envelope{Value: value, Biometric: opts.RequiresBiometric}
	if !opts.ExpiresAt.IsZero() {
		exp := opts.ExpiresAt.UTC()
		env.ExpiresAt = &exp
	}

	raw, err := json.Marshal(env)
	if err != nil {
		return core.Wrap(core.CodeStorageError, "encode entry", err)
	}

	err = s.withRetry(ctx, "put", key, func() error {
		return s.platform.Set(ctx, key, string(raw))
	})
	if err != nil {
		return core.Wrap(core.CodeStorageError, fmt.Sprintf("put %q", key), err)
	}
	return nil
}

// Get returns the value stored under key. Missing or expired entries return
// ErrNotFound. Gated entries run a biometric challenge unless the call is
// part of a Batch; a denied challenge returns a BIOMETRIC_ERROR wrapping a
// *DeniedError.
func (s *Store) Get(ctx context.Context, key string) (string, error) {
	env, err := s.load(ctx, key)
	if err != nil {
		return "", err
	}

	if env.Biometric && !s.inBatch(ctx) {
		res := s.gate.Challenge(ctx, DefaultPrompt)
		if !res.Success() {
			return "", core.Wrap(core.CodeBiometricError, "biometric gate denied access", &DeniedError{Key: key, Result: res})
		}
	}

	return env.Value, nil
}

// Has reports whether an unexpired value exists under key. It never prompts.
func (s *Store) Has(ctx context.Context, key string) (bool, error) {
	_, err := s.load(ctx, key)
	if errors.Is(err, ErrNotFound) {
		return false, nil
	}
	if err != nil {
		return false, err
	}
	return true, nil
}

// Remove deletes key. Removing a missing key is not an error.
func (s *Store) Remove(ctx context.Context, key string) error {
	err := s.withRetry(ctx, "remove", key, func() error {
		return s.platform.Delete(ctx, key)
	})
	if err != nil {
		return core.Wrap(core.CodeStorageError, fmt.Sprintf("remove %q", key), err)
	}
	return nil
}

// Batch runs one biometric challenge and lets every gated Get made with the
// context passed to fn skip its own challenge. The window closes when fn
// returns.
func (s *Store) Batch(ctx context.Context, prompt string, fn func(ctx context.Context) error) error {
	if prompt == "" {
		prompt = DefaultPrompt
	}
	res := s.gate.Challenge(ctx, prompt)
	if !res.Success() {
		return core.Wrap(core.CodeBiometricError, "biometric gate denied access", &DeniedError{Key: "*", Result: res})
	}

	window := &batchWindow{store: s}
	window.open.Store(true)
	defer window.open.Store(false)

	return fn(context.WithValue(ctx, batchKey{}, window))
}

func (s *Store) inBatch(ctx context.Context) bool {
	window, ok := ctx.Value(batchKey{}).(*batchWindow)
	return ok && window.store == s && window.open.Load()
}

func (s *Store) load(ctx context.Context, key string) (envelope, error) {
	var raw string
	err := s.withRetry(ctx, "get", key, func() error {
		var err error
		raw, err = s.platform.Get(ctx, key)
		return err
	})
	if errors.Is(err, ports.ErrNotFound) {
		return envelope{}, ErrNotFound
	}
	if err != nil {
		return envelope{}, core.Wrap(core.CodeStorageError, fmt.Sprintf("get %q", key), err)
	}

	var env envelope
	if err := json.Unmarshal([]byte(raw), &env); err != nil {
		return envelope{}, core.Wrap(core.CodeStorageError, fmt.Sprintf("decode %q", key), err)
	}

	if env.ExpiresAt != nil && !s.clock.Now().Before(*env.ExpiresAt) {
		if err := s.platform.Delete(ctx, key); err != nil {
			s.log.Error(err, "failed to remove expired entry", "key", key)
		}
		return envelope{}, ErrNotFound
	}

	return env, nil
}

// withRetry retries a failed platform call once. Not-found is final.
func (s *Store) withRetry(ctx context.Context, op, key string, fn func() error) error {
	attempt := 0
	policy := backoff.WithContext(backoff.WithMaxRetries(backoff.NewConstantBackOff(s.retryDelay), 1), ctx)

	return backoff.Retry(func() error {
		attempt++
		err := fn()
		if err == nil {
			return nil
		}
		if errors.Is(err, ports.ErrNotFound) {
			return backoff.Permanent(err)
		}
		s.log.V(1).Info("platform storage call failed", "op", op, "key", key, "attempt", attempt, "error", err.Error())
		return err
	}, policy)
}
