// Package dispatch drives pending outbound messages through delivery with a
// bounded retry budget.
package dispatch

import (
	"context"
	"database/sql"
	"encoding/json"
	"fmt"
	"log"
	"sync"
	"time"

	"docketline/internal/adapters"
	"docketline/internal/domain"
	"docketline/internal/engine"
	"docketline/internal/events"
	"docketline/internal/repo"
)

const (
	DefaultMaxAttempts = 5
	DefaultBatch       = 100

	exhaustedErrorLog = "Max retry attempts exceeded"
)

type Dispatcher struct {
	DB       *sql.DB
	Repo     repo.Repo
	Events   events.Writer
	Notifier *events.Notifier
	Registry *adapters.Registry
	Now      func() time.Time

	// MaxAttempts is the sole retry-cap authority; attempt N == MaxAttempts is the
	// last one tried.
	MaxAttempts int
	// Workers > 1 runs deliveries through a bounded pool. Each message's state
	// machine is self-contained, so parallelism changes throughput, not outcomes.
	Workers int
	Batch   int
}

// New builds a dispatcher sharing the engine's stores and dispatch tuning.
func New(e engine.Engine, registry *adapters.Registry) Dispatcher {
	d := Dispatcher{
		DB:          e.DB,
		Repo:        e.Repo,
		Events:      e.Events,
		Notifier:    e.Notifier,
		Registry:    registry,
		Now:         e.Now,
		MaxAttempts: DefaultMaxAttempts,
		Workers:     1,
		Batch:       DefaultBatch,
	}
	if e.Config != nil {
		if e.Config.Dispatch.MaxAttempts > 0 {
			d.MaxAttempts = e.Config.Dispatch.MaxAttempts
		}
		if e.Config.Dispatch.Workers > 0 {
			d.Workers = e.Config.Dispatch.Workers
		}
		if e.Config.Dispatch.Batch > 0 {
			d.Batch = e.Config.Dispatch.Batch
		}
	}
	return d
}

func (d Dispatcher) now() time.Time {
	if d.Now != nil {
		return d.Now()
	}
	return time.Now()
}

// PassResult summarizes one dispatch pass.
type PassResult struct {
	Processed int `json:"processed"`
	Delivered int `json:"delivered"`
	Retried   int `json:"retried"`
	Exhausted int `json:"exhausted"`
	Skipped   int `json:"skipped"`
}

// ProcessPending runs one pass over pending and dispatching messages. Rows stuck in
// dispatching belong to a crashed prior pass and are retried rather than abandoned.
// Delivery failures become state transitions and never stop the pass; only
// configuration-class errors (unknown target) surface, after the rest of the batch
// has been processed.
func (d Dispatcher) ProcessPending(ctx context.Context) (PassResult, error) {
	msgs, err := d.Repo.ProcessableMessages(ctx, d.Batch)
	if err != nil {
		return PassResult{}, err
	}
	var (
		mu        sync.Mutex
		result    PassResult
		configErr error
	)
	apply := func(out outcome, err error) {
		mu.Lock()
		defer mu.Unlock()
		result.Processed++
		switch out {
		case outcomeDelivered:
			result.Delivered++
		case outcomeRetried:
			result.Retried++
		case outcomeExhausted:
			result.Exhausted++
		case outcomeSkipped:
			result.Skipped++
		}
		if err != nil && configErr == nil {
			configErr = err
		}
	}

	workers := d.Workers
	if workers <= 1 || len(msgs) <= 1 {
		for _, m := range msgs {
			apply(d.processMessage(ctx, m))
		}
		return result, configErr
	}

	jobs := make(chan domain.OutboundMessage)
	var wg sync.WaitGroup
	for i := 0; i < workers; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			for m := range jobs {
				apply(d.processMessage(ctx, m))
			}
		}()
	}
	for _, m := range msgs {
		jobs <- m
	}
	close(jobs)
	wg.Wait()
	return result, configErr
}

type outcome int

const (
	outcomeSkipped outcome = iota
	outcomeDelivered
	outcomeRetried
	outcomeExhausted
)

// processMessage runs the per-message state machine. The attempt is spent via a
// conditional claim before the network call so a crash mid-call still counts on
// recovery, and so a racing pass is rejected instead of double-dispatching.
func (d Dispatcher) processMessage(ctx context.Context, m domain.OutboundMessage) (outcome, error) {
	dist, err := d.Repo.GetDistribution(ctx, m.DistributionID)
	if err != nil {
		log.Printf("dispatch: distribution %s for message %s: %v", m.DistributionID, m.ID, err)
		return outcomeSkipped, nil
	}
	env, err := d.Repo.GetEnvelope(ctx, dist.EnvelopeID)
	if err != nil {
		log.Printf("dispatch: envelope %s for distribution %s: %v", dist.EnvelopeID, dist.ID, err)
		return outcomeSkipped, nil
	}

	// Cap is enforced before attempting, so attempt MaxAttempts is the last one.
	if m.AttemptCount >= d.MaxAttempts {
		if err := d.markExhausted(ctx, m, dist, env); err != nil {
			log.Printf("dispatch: mark exhausted %s: %v", m.ID, err)
		}
		return outcomeExhausted, nil
	}

	// Unknown targets are configuration bugs; they bubble up instead of burning
	// retry attempts.
	adapter, err := d.Registry.Adapter(dist.Target)
	if err != nil {
		return outcomeSkipped, err
	}

	claimed, err := d.Repo.ClaimOutboundMessage(ctx, m.ID, m.AttemptCount, d.now().UTC().Format(time.RFC3339))
	if err != nil {
		log.Printf("dispatch: claim %s: %v", m.ID, err)
		return outcomeSkipped, nil
	}
	if !claimed {
		return outcomeSkipped, nil
	}
	attempts := m.AttemptCount + 1

	var payload adapters.Payload
	if err := json.Unmarshal([]byte(m.Payload), &payload); err != nil {
		// A corrupt snapshot cannot succeed on retry; count it like any failure so
		// the cap eventually closes it out.
		if err := d.markFailedAttempt(ctx, m, dist, env, attempts, fmt.Sprintf("invalid payload snapshot: %v", err)); err != nil {
			log.Printf("dispatch: record payload error %s: %v", m.ID, err)
		}
		return outcomeRetried, nil
	}

	res, err := adapter.Deliver(ctx, payload)
	if err != nil {
		if err := d.markFailedAttempt(ctx, m, dist, env, attempts, err.Error()); err != nil {
			log.Printf("dispatch: record failure %s: %v", m.ID, err)
		}
		return outcomeRetried, nil
	}
	if !res.Success {
		if err := d.markFailedAttempt(ctx, m, dist, env, attempts, res.Message); err != nil {
			log.Printf("dispatch: record failure %s: %v", m.ID, err)
		}
		return outcomeRetried, nil
	}
	if err := d.markDelivered(ctx, m, dist, env, attempts, res); err != nil {
		log.Printf("dispatch: record delivery %s: %v", m.ID, err)
		return outcomeSkipped, nil
	}
	return outcomeDelivered, nil
}

func (d Dispatcher) markDelivered(ctx context.Context, m domain.OutboundMessage, dist domain.Distribution, env domain.Envelope, attempts int, res adapters.Result) error {
	now := d.now().UTC().Format(time.RFC3339)
	tx, err := d.DB.BeginTx(ctx, nil)
	if err != nil {
		return err
	}
	defer tx.Rollback()
	if err := d.Repo.MarkMessageDelivered(ctx, tx, m.ID, now, res.RawBody); err != nil {
		return err
	}
	var externalID *string
	if res.ExternalID != "" {
		externalID = &res.ExternalID
	}
	// The distribution mirrors the message's terminal state with the same attempt
	// total, so the two records cannot drift apart.
	if err := d.Repo.MarkDistributionDispatched(ctx, tx, dist.ID, now, now, externalID, attempts); err != nil {
		return err
	}
	if err := d.Events.Append(ctx, tx, events.TypeDispatchCompleted, env.CaseID, "distribution", dist.ID, "dispatcher", events.EventPayload{
		"envelope_id": env.ID,
		"target":      dist.Target,
		"attempts":    attempts,
		"external_id": res.ExternalID,
	}); err != nil {
		return err
	}
	if err := tx.Commit(); err != nil {
		return err
	}
	d.Notifier.Publish(events.DispatchEvent{
		Type:           events.TypeDispatchCompleted,
		EnvelopeID:     env.ID,
		DistributionID: dist.ID,
		Target:         dist.Target,
		Detail:         map[string]any{"attempts": attempts, "external_id": res.ExternalID},
	})
	return nil
}

func (d Dispatcher) markFailedAttempt(ctx context.Context, m domain.OutboundMessage, dist domain.Distribution, env domain.Envelope, attempts int, errorLog string) error {
	tx, err := d.DB.BeginTx(ctx, nil)
	if err != nil {
		return err
	}
	defer tx.Rollback()
	// Back to pending: the message stays eligible for the next pass until the cap
	// closes it out.
	if err := d.Repo.MarkMessageRetryable(ctx, tx, m.ID, errorLog); err != nil {
		return err
	}
	if err := d.Repo.MarkDistributionFailed(ctx, tx, dist.ID, errorLog, attempts); err != nil {
		return err
	}
	if err := d.Events.Append(ctx, tx, events.TypeDispatchFailed, env.CaseID, "distribution", dist.ID, "dispatcher", events.EventPayload{
		"envelope_id": env.ID,
		"target":      dist.Target,
		"attempts":    attempts,
		"error":       errorLog,
	}); err != nil {
		return err
	}
	if err := tx.Commit(); err != nil {
		return err
	}
	d.Notifier.Publish(events.DispatchEvent{
		Type:           events.TypeDispatchFailed,
		EnvelopeID:     env.ID,
		DistributionID: dist.ID,
		Target:         dist.Target,
		Detail:         map[string]any{"attempts": attempts, "error": errorLog},
	})
	return nil
}

func (d Dispatcher) markExhausted(ctx context.Context, m domain.OutboundMessage, dist domain.Distribution, env domain.Envelope) error {
	tx, err := d.DB.BeginTx(ctx, nil)
	if err != nil {
		return err
	}
	defer tx.Rollback()
	if err := d.Repo.MarkMessageFailed(ctx, tx, m.ID, exhaustedErrorLog); err != nil {
		return err
	}
	if err := d.Repo.MarkDistributionFailed(ctx, tx, dist.ID, exhaustedErrorLog, m.AttemptCount); err != nil {
		return err
	}
	if err := d.Events.Append(ctx, tx, events.TypeDispatchFailed, env.CaseID, "distribution", dist.ID, "dispatcher", events.EventPayload{
		"envelope_id": env.ID,
		"target":      dist.Target,
		"attempts":    m.AttemptCount,
		"error":       exhaustedErrorLog,
		"terminal":    true,
	}); err != nil {
		return err
	}
	if err := tx.Commit(); err != nil {
		return err
	}
	d.Notifier.Publish(events.DispatchEvent{
		Type:           events.TypeDispatchFailed,
		EnvelopeID:     env.ID,
		DistributionID: dist.ID,
		Target:         dist.Target,
		Detail:         map[string]any{"attempts": m.AttemptCount, "error": exhaustedErrorLog, "terminal": true},
	})
	return nil
}
