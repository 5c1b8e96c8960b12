package replication

import (
	"context"
	"errors"
	"fmt"

	"github.com/FairForge/siterecovery/internal/drerrors"
	"github.com/FairForge/siterecovery/internal/protection"
	"go.uber.org/zap"
)

type worker struct {
	cancel context.CancelFunc
}

// Start launches the supervisor. It reconciles one worker goroutine per
// syncable item; each worker runs a cycle immediately and then on every tick.
func (e *Engine) Start(ctx context.Context) error {
	e.mu.Lock()
	defer e.mu.Unlock()

	if e.running {
		return fmt.Errorf("replication engine already running")
	}
	if e.config.TickInterval <= 0 || e.config.SupervisorInterval <= 0 {
		return fmt.Errorf("tick and supervisor intervals must be positive")
	}

	ctx, cancel := context.WithCancel(ctx)
	e.running = true
	e.stopCh = make(chan struct{})

	e.wg.Add(1)
	go func() {
		defer e.wg.Done()
		defer cancel()
		e.supervise(ctx)
	}()

	e.logger.Info("replication engine started",
		zap.Duration("tick_interval", e.config.TickInterval),
		zap.Duration("supervisor_interval", e.config.SupervisorInterval))
	return nil
}

// Stop stops the supervisor and every worker and waits for them to exit.
func (e *Engine) Stop() {
	e.mu.Lock()
	if !e.running {
		e.mu.Unlock()
		return
	}
	e.running = false
	close(e.stopCh)
	e.mu.Unlock()

	e.wg.Wait()
	e.logger.Info("replication engine stopped")
}

// Workers returns the ids of items with a running worker.
func (e *Engine) Workers() []string {
	e.mu.Lock()
	defer e.mu.Unlock()
	ids := make([]string, 0, len(e.workers))
	for id := range e.workers {
		ids = append(ids, id)
	}
	return ids
}

func (e *Engine) supervise(ctx context.Context) {
	e.mu.Lock()
	stopCh := e.stopCh
	e.mu.Unlock()

	for {
		e.reconcile(ctx)
		select {
		case <-ctx.Done():
			e.stopWorkers()
			return
		case <-stopCh:
			e.stopWorkers()
			return
		case <-e.clock.After(e.config.SupervisorInterval):
		}
	}
}

// reconcile starts workers for new syncable items and stops workers whose
// item left the syncable states.
func (e *Engine) reconcile(ctx context.Context) {
	active := make(map[string]bool)
	for _, item := range e.tracker.List() {
		if item.State.Syncable() {
			active[item.ID] = true
		}
	}

	e.mu.Lock()
	defer e.mu.Unlock()

	for id, w := range e.workers {
		if !active[id] {
			w.cancel()
			delete(e.workers, id)
			delete(e.throttle, id)
			e.metrics.ForgetItem(id)
		}
	}
	for id := range active {
		if _, ok := e.workers[id]; ok {
			continue
		}
		wctx, cancel := context.WithCancel(ctx)
		w := &worker{cancel: cancel}
		e.workers[id] = w
		e.wg.Add(1)
		go func(itemID string) {
			defer e.wg.Done()
			defer e.retire(itemID, w)
			e.work(wctx, itemID)
		}(id)
	}
}

func (e *Engine) stopWorkers() {
	e.mu.Lock()
	defer e.mu.Unlock()
	for id, w := range e.workers {
		w.cancel()
		delete(e.workers, id)
	}
}

// retire forgets a worker that exited on its own so the next reconcile can
// start a fresh one.
func (e *Engine) retire(itemID string, w *worker) {
	w.cancel()
	e.mu.Lock()
	defer e.mu.Unlock()
	if e.workers[itemID] == w {
		delete(e.workers, itemID)
	}
}

// work runs cycles for one item until ctx ends or the item stops syncing.
// Workers share no locks; a failure here never reaches another item.
func (e *Engine) work(ctx context.Context, itemID string) {
	logger := e.logger.With(zap.String("item_id", itemID))
	logger.Debug("worker started")
	defer logger.Debug("worker stopped")

	for {
		res, err := e.RunCycle(ctx, itemID)
		switch {
		case err == nil:
		case drerrors.IsNotFound(err):
			return
		case drerrors.IsBusy(err):
			logger.Debug("item busy, retrying next tick")
		case errors.Is(err, protection.ErrSyncCancelled), errors.Is(err, context.Canceled):
			logger.Debug("sync cycle cancelled")
		default:
			logger.Warn("sync cycle failed, retrying next tick", zap.Error(err))
		}
		if err == nil && !res.State.Syncable() {
			return
		}
		if st, err := e.tracker.Status(itemID); err == nil && st.Item.State.Syncable() {
			e.metrics.SetLag(itemID, st.Lag)
		}

		select {
		case <-ctx.Done():
			return
		case <-e.clock.After(e.config.TickInterval):
		}
	}
}
