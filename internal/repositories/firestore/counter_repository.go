package firestore

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"cloud.google.com/go/firestore"
	"google.golang.org/grpc/codes"
	"google.golang.org/grpc/status"

	pfirestore "github.com/bookline/api/internal/platform/firestore"
	"github.com/bookline/api/internal/repositories"
)

const countersCollection = "counters"

type counterDocument struct {
	CurrentValue int64     `firestore:"currentValue"`
	Step         int64     `firestore:"step"`
	MaxValue     *int64    `firestore:"maxValue,omitempty"`
	UpdatedAt    time.Time `firestore:"updatedAt"`
}

// CounterRepository allocates monotonically increasing sequence values, one
// document per sequence. Order numbers come from here, so every increment runs
// inside a Firestore transaction to keep values unique under concurrent
// checkouts.
type CounterRepository struct {
	provider *pfirestore.Provider
	counters *pfirestore.BaseRepository[counterDocument]
}

// NewCounterRepository constructs a Firestore-backed counter repository.
func NewCounterRepository(provider *pfirestore.Provider) (*CounterRepository, error) {
	if provider == nil {
		return nil, errors.New("counter repository requires firestore provider")
	}
	return &CounterRepository{
		provider: provider,
		counters: pfirestore.NewBaseRepository[counterDocument](provider, countersCollection),
	}, nil
}

// Next advances the sequence identified by counterID by step and returns the
// new value. A missing counter document is created on first use, so sequences
// need no provisioning. Passing step 0 uses the counter's stored step, or 1.
func (r *CounterRepository) Next(ctx context.Context, counterID string, step int64) (int64, error) {
	if r == nil || r.provider == nil {
		return 0, errors.New("counter repository not initialised")
	}
	id := strings.TrimSpace(counterID)
	if id == "" {
		return 0, repositories.NewCounterError(repositories.CounterErrorInvalidInput, "counter id is required", nil)
	}
	if step < 0 {
		return 0, repositories.NewCounterError(repositories.CounterErrorInvalidInput, fmt.Sprintf("step must be positive, got %d", step), nil)
	}

	var nextValue int64
	err := r.provider.RunTransaction(ctx, func(ctx context.Context, tx *firestore.Transaction) error {
		ref, err := r.counters.DocumentRef(ctx, id)
		if err != nil {
			return err
		}

		snapshot, err := tx.Get(ref)
		if status.Code(err) == codes.NotFound {
			nextValue, err = r.seedCounter(tx, ref, step)
			return err
		}
		if err != nil {
			return err
		}

		nextValue, err = r.advanceCounter(tx, ref, snapshot, id, step)
		return err
	})
	if err != nil {
		var counterErr *repositories.CounterError
		if errors.As(err, &counterErr) {
			return 0, counterErr
		}
		return 0, pfirestore.WrapError("counters.next", err)
	}
	return nextValue, nil
}

// seedCounter creates the sequence document on first allocation. The first
// value returned equals the increment, so a step-1 sequence starts at 1.
func (r *CounterRepository) seedCounter(tx *firestore.Transaction, ref *firestore.DocumentRef, step int64) (int64, error) {
	increment := step
	if increment <= 0 {
		increment = 1
	}
	doc := counterDocument{
		CurrentValue: increment,
		Step:         increment,
		UpdatedAt:    time.Now().UTC(),
	}
	if err := tx.Create(ref, doc); err != nil {
		return 0, err
	}
	return doc.CurrentValue, nil
}

// advanceCounter bumps an existing sequence, honouring its stored step when
// the caller passes 0 and refusing to cross a configured maximum.
func (r *CounterRepository) advanceCounter(tx *firestore.Transaction, ref *firestore.DocumentRef, snapshot *firestore.DocumentSnapshot, id string, step int64) (int64, error) {
	var doc counterDocument
	if err := snapshot.DataTo(&doc); err != nil {
		return 0, fmt.Errorf("firestore counters decode %s: %w", id, err)
	}

	increment := step
	if increment <= 0 {
		increment = doc.Step
	}
	if increment <= 0 {
		increment = 1
	}

	newValue := doc.CurrentValue + increment
	if doc.MaxValue != nil && newValue > *doc.MaxValue {
		return 0, repositories.NewCounterError(repositories.CounterErrorExhausted, fmt.Sprintf("counter %s exceeded max value %d", id, *doc.MaxValue), nil)
	}

	doc.CurrentValue = newValue
	doc.Step = increment
	doc.UpdatedAt = time.Now().UTC()
	if err := tx.Set(ref, doc, firestore.MergeAll); err != nil {
		return 0, err
	}
	return newValue, nil
}

// Configure adjusts a sequence's step, ceiling, or current position. Only the
// fields present in cfg are written; a merge keeps the rest untouched.
func (r *CounterRepository) Configure(ctx context.Context, counterID string, cfg repositories.CounterConfig) error {
	if r == nil || r.provider == nil {
		return errors.New("counter repository not initialised")
	}
	id := strings.TrimSpace(counterID)
	if id == "" {
		return repositories.NewCounterError(repositories.CounterErrorInvalidInput, "counter id is required", nil)
	}

	payload := map[string]any{"updatedAt": time.Now().UTC()}
	if cfg.Step > 0 {
		payload["step"] = cfg.Step
	}
	if cfg.MaxValue != nil {
		payload["maxValue"] = *cfg.MaxValue
	}
	if cfg.InitialValue != nil {
		payload["currentValue"] = *cfg.InitialValue
	}

	ref, err := r.counters.DocumentRef(ctx, id)
	if err != nil {
		return err
	}
	if _, err := ref.Set(ctx, payload, firestore.MergeAll); err != nil {
		return pfirestore.WrapError("counters.configure", err)
	}
	return nil
}
