package sagaorch

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/puzpuzpuz/xsync/v3"
	"github.com/sethvargo/go-retry"
	"golang.org/x/sync/errgroup"
)

const waitInterval = 20 * time.Millisecond

// Orchestrator is the entry point of the saga engine: it starts sagas,
// answers status queries and runs the workers that advance them.
type Orchestrator struct {
	registry *Registry
	store    Store
	executor *Executor
	opts     options

	queue  chan string
	claims *xsync.MapOf[string, struct{}]
}

// NewOrchestrator creates an Orchestrator. The registry must hold every saga
// type found in the store before Run or Recover is called.
func NewOrchestrator(registry *Registry, store Store, gateway Gateway, opts ...Option) *Orchestrator {
	o := defaultOptions()
	for _, opt := range opts {
		opt(&o)
	}
	return &Orchestrator{
		registry: registry,
		store:    store,
		executor: newExecutor(registry, store, gateway, o),
		opts:     o,
		queue:    make(chan string, o.workers*16),
		claims:   xsync.NewMapOf[string, struct{}](),
	}
}

// Start creates a saga and returns its ID without waiting for any step.
// The saga is advanced by Run.
func (o *Orchestrator) Start(ctx context.Context, sagaType string, payload json.RawMessage) (string, error) {
	inst, err := o.create(ctx, sagaType, payload)
	if err != nil {
		return "", err
	}
	o.enqueue(inst.SagaID)
	return inst.SagaID, nil
}

// StartAndWait creates a saga and advances it in the calling goroutine until
// it is terminal. If a worker takes the saga over, it waits for that worker.
func (o *Orchestrator) StartAndWait(ctx context.Context, sagaType string, payload json.RawMessage) (StatusView, error) {
	inst, err := o.create(ctx, sagaType, payload)
	if err != nil {
		return StatusView{}, err
	}
	view, err := o.Execute(ctx, inst.SagaID)
	if err == nil || !errors.Is(err, ErrOwnershipLost) {
		return view, err
	}
	return o.Wait(ctx, inst.SagaID)
}

func (o *Orchestrator) create(ctx context.Context, sagaType string, payload json.RawMessage) (*SagaInstance, error) {
	if _, err := o.registry.Lookup(sagaType); err != nil {
		return nil, err
	}
	if len(payload) > 0 && !json.Valid(payload) {
		return nil, ErrInvalidPayload
	}
	now := o.opts.now()
	inst := &SagaInstance{
		SagaID:        o.opts.newID(),
		SagaType:      sagaType,
		Status:        StatusRunning,
		Payload:       append(json.RawMessage(nil), payload...),
		ExecutedSteps: []string{},
		CreatedAt:     now,
		UpdatedAt:     now,
	}
	if err := o.store.Create(ctx, inst); err != nil {
		return nil, err
	}
	o.executor.observer.SagaStarted(viewOf(inst))
	return inst, nil
}

// Execute advances one saga in the calling goroutine. It returns an error
// wrapping ErrOwnershipLost if a worker of this Orchestrator or of another
// process is advancing the same saga.
func (o *Orchestrator) Execute(ctx context.Context, sagaID string) (StatusView, error) {
	if _, claimed := o.claims.LoadOrStore(sagaID, struct{}{}); claimed {
		return StatusView{}, fmt.Errorf("%w: %s is being advanced by a local worker", ErrOwnershipLost, sagaID)
	}
	defer o.claims.Delete(sagaID)

	inst, err := o.executor.Advance(ctx, sagaID)
	if inst == nil {
		return StatusView{}, err
	}
	return viewOf(inst), err
}

// Wait polls the store until the saga is terminal or ctx is done.
func (o *Orchestrator) Wait(ctx context.Context, sagaID string) (StatusView, error) {
	ticker := time.NewTicker(waitInterval)
	defer ticker.Stop()
	for {
		view, err := o.GetStatus(ctx, sagaID)
		if err != nil || view.Status.IsTerminal() {
			return view, err
		}
		select {
		case <-ctx.Done():
			return view, ctx.Err()
		case <-ticker.C:
		}
	}
}

// GetStatus returns the status of a saga.
func (o *Orchestrator) GetStatus(ctx context.Context, sagaID string) (StatusView, error) {
	inst, err := o.store.LoadForUpdate(ctx, sagaID)
	if err != nil {
		return StatusView{}, err
	}
	return viewOf(inst), nil
}

// Records returns the step execution records of a saga, for operators.
func (o *Orchestrator) Records(ctx context.Context, sagaID string) ([]StepExecutionRecord, error) {
	if _, err := o.store.LoadForUpdate(ctx, sagaID); err != nil {
		return nil, err
	}
	return o.store.StepRecords(ctx, sagaID)
}

// Cancel asks for a running saga to be compensated. A step already in flight
// runs to completion first; if it succeeds it is compensated too.
func (o *Orchestrator) Cancel(ctx context.Context, sagaID string) error {
	b := retry.WithMaxRetries(maxCommitRetries, retry.NewExponential(5*time.Millisecond))
	err := retry.Do(ctx, b, func(ctx context.Context) error {
		inst, err := o.store.LoadForUpdate(ctx, sagaID)
		if err != nil {
			return err
		}
		if inst.Status.IsTerminal() {
			return fmt.Errorf("%w: %s is %s", ErrSagaTerminal, sagaID, inst.Status)
		}
		if inst.CancelRequested {
			return nil
		}
		expected := inst.Version
		inst.CancelRequested = true
		inst.UpdatedAt = o.opts.now()
		if err := o.store.Save(ctx, inst, expected); err != nil {
			if errors.Is(err, ErrVersionConflict) {
				return retry.RetryableError(err)
			}
			return err
		}
		return nil
	})
	if err != nil {
		return err
	}
	o.opts.logger.Info("saga cancellation requested", "sagaID", sagaID)
	o.enqueue(sagaID)
	return nil
}

// Recover advances every incomplete saga found in the store, one after the
// other. It returns the number of sagas it brought to a terminal status.
func (o *Orchestrator) Recover(ctx context.Context) (int, error) {
	pending, err := o.store.ListIncomplete(ctx)
	if err != nil {
		return 0, fmt.Errorf("failed to list incomplete sagas: %w", err)
	}
	o.opts.logger.Info("recovering sagas", "count", len(pending))

	var errs []error
	done := 0
	for _, inst := range pending {
		view, err := o.Execute(ctx, inst.SagaID)
		switch {
		case err == nil:
			if view.Status.IsTerminal() {
				done++
			}
		case ctx.Err() != nil:
			return done, ctx.Err()
		case errors.Is(err, ErrOwnershipLost):
			o.opts.logger.V(1).Info("skipping saga owned elsewhere", "sagaID", inst.SagaID)
		default:
			errs = append(errs, fmt.Errorf("saga %s: %w", inst.SagaID, err))
		}
	}
	return done, errors.Join(errs...)
}

// Run advances sagas with a pool of workers until ctx is done. Workers are
// fed by Start, Cancel and a periodic sweep of incomplete sagas; the first
// sweep runs immediately and resumes sagas interrupted by a crash.
func (o *Orchestrator) Run(ctx context.Context) error {
	o.opts.logger.Info("starting saga workers", "workers", o.opts.workers, "pollInterval", o.opts.pollInterval)
	g, ctx := errgroup.WithContext(ctx)
	for i := 0; i < o.opts.workers; i++ {
		g.Go(func() error {
			o.work(ctx)
			return nil
		})
	}
	g.Go(func() error {
		o.poll(ctx)
		return nil
	})
	err := g.Wait()
	o.opts.logger.Info("saga workers stopped")
	return err
}

func (o *Orchestrator) enqueue(sagaID string) {
	select {
	case o.queue <- sagaID:
	default:
		// Queue full: the next sweep picks the saga up.
	}
}

func (o *Orchestrator) poll(ctx context.Context) {
	ticker := time.NewTicker(o.opts.pollInterval)
	defer ticker.Stop()
	for {
		o.sweep(ctx)
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
		}
	}
}

func (o *Orchestrator) sweep(ctx context.Context) {
	pending, err := o.store.ListIncomplete(ctx)
	if err != nil {
		if ctx.Err() == nil {
			o.opts.logger.Error(err, "failed to list incomplete sagas")
		}
		return
	}
	for _, inst := range pending {
		if _, claimed := o.claims.Load(inst.SagaID); claimed {
			continue
		}
		select {
		case o.queue <- inst.SagaID:
		case <-ctx.Done():
			return
		}
	}
}

func (o *Orchestrator) work(ctx context.Context) {
	for {
		select {
		case <-ctx.Done():
			return
		case id := <-o.queue:
			o.process(ctx, id)
		}
	}
}

func (o *Orchestrator) process(ctx context.Context, sagaID string) {
	_, err := o.Execute(ctx, sagaID)
	switch {
	case err == nil, ctx.Err() != nil:
	case errors.Is(err, ErrOwnershipLost):
		o.opts.logger.V(1).Info("saga owned elsewhere", "sagaID", sagaID)
	default:
		o.opts.logger.Error(err, "failed to advance saga", "sagaID", sagaID)
	}
}
