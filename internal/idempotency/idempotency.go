// Package idempotency replays stored responses for repeated write requests
// that carry the same Idempotency-Key.
package idempotency

import (
	"context"
	"encoding/hex"
	"time"

	"github.com/cockroachdb/errors"
	redisadapter "github.com/robertarktes/parchi/internal/adapters/redis"
	"github.com/zeebo/blake3"
)

var (
	// ErrInProgress means a request with the same key has not finished yet.
	ErrInProgress = errors.New("idempotent request in progress")
	// ErrKeyReused means the key was first used with a different request body.
	ErrKeyReused = errors.New("idempotency key reused with different request")
)

// Backend is the storage the replay cache runs on.
type Backend interface {
	Get(ctx context.Context, key string) (*redisadapter.IdempResponse, error)
	Set(ctx context.Context, key string, resp redisadapter.IdempResponse, ttl time.Duration) error
	Lock(ctx context.Context, key string, ttl time.Duration) (bool, error)
	Unlock(ctx context.Context, key string) error
}

type Idempotency struct {
	backend Backend
	ttl     time.Duration
	lockTTL time.Duration
}

func NewIdempotency(backend Backend, ttl time.Duration) *Idempotency {
	return &Idempotency{backend: backend, ttl: ttl, lockTTL: 30 * time.Second}
}

type Response struct {
	Status int
	Result []byte
}

// Fingerprint identifies a request body.
func Fingerprint(body []byte) string {
	sum := blake3.Sum256(body)
	return hex.EncodeToString(sum[:])
}

// Begin returns the stored response for key when one exists. Otherwise it
// takes the in-flight lock and returns nil; the caller must then call
// Complete or Abort.
func (i *Idempotency) Begin(ctx context.Context, key, fingerprint string) (*Response, error) {
	stored, err := i.backend.Get(ctx, key)
	if err != nil {
		return nil, err
	}
	if stored != nil {
		if stored.Fingerprint != fingerprint {
			return nil, ErrKeyReused
		}
		return &Response{Status: stored.Status, Result: stored.Result}, nil
	}

	ok, err := i.backend.Lock(ctx, key, i.lockTTL)
	if err != nil {
		return nil, err
	}
	if !ok {
		return nil, ErrInProgress
	}
	return nil, nil
}

func (i *Idempotency) Complete(ctx context.Context, key, fingerprint string, resp Response) error {
	err := i.backend.Set(ctx, key, redisadapter.IdempResponse{
		Status:      resp.Status,
		Result:      resp.Result,
		Fingerprint: fingerprint,
	}, i.ttl)
	if unlockErr := i.backend.Unlock(ctx, key); err == nil {
		err = unlockErr
	}
	return err
}

// Abort releases the lock without storing a response so the client may retry.
func (i *Idempotency) Abort(ctx context.Context, key string) error {
	return i.backend.Unlock(ctx, key)
}
