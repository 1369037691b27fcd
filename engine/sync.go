package engine

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
	"golang.org/x/sync/errgroup"

	"github.com/jkoelker/ffsclient/api"
	"github.com/jkoelker/ffsclient/crypt"
	"github.com/jkoelker/ffsclient/log"
	"github.com/jkoelker/ffsclient/metrics"
	"github.com/jkoelker/ffsclient/record"
	"github.com/jkoelker/ffsclient/tracing"
)

// run is the state of one Sync call.
type run struct {
	engine *Engine
	result *SyncResult
	state  State
}

func (r *run) enter(ctx context.Context, state State, kind ErrorKind) {
	if r.state == state {
		return
	}

	transition := Transition{
		RunID:      r.result.RunID,
		Collection: r.result.Collection,
		From:       r.state,
		To:         state,
		Kind:       kind,
		At:         time.Now(),
	}

	r.state = state
	r.result.State = state

	log.Debug(ctx, "Sync state changed", "from", transition.From.String(), "to", state.String())
	tracing.AddEvent(ctx, "sync."+state.String())

	if r.engine.observer != nil {
		r.engine.observer(ctx, transition)
	}
}

func (r *run) fail(ctx context.Context, err error) error {
	kind := Classify(err)
	r.result.Failure = kind
	r.enter(ctx, Failed, kind)

	return fmt.Errorf("sync %s: %w", r.result.Collection, err)
}

// Sync runs one pass over collection. The committed mark only moves when
// the run completes; on failure the result reports the unchanged mark and
// the error is returned alongside it.
func (e *Engine) Sync(ctx context.Context, collection string, mode Mode) (*SyncResult, error) {
	result := &SyncResult{
		RunID:      uuid.NewString(),
		Collection: collection,
		Mode:       mode,
		Started:    time.Now(),
		Records:    []record.Record{},
		Deletions:  []Deletion{},
		Warnings:   []Warning{},
	}

	ctx = log.WithValues(ctx, "run_id", result.RunID, "collection", collection, "mode", mode.String())

	ctx, span := tracing.StartSpan(ctx, "engine.sync")
	defer span.End()

	tracing.SetAttributes(ctx,
		tracing.AttrRunID, result.RunID,
		tracing.AttrCollection, collection,
		tracing.AttrMode, mode.String(),
	)

	unlock := e.lock(collection)
	defer unlock()

	r := &run{engine: e, result: result, state: Idle}

	err := r.execute(ctx)

	result.Finished = time.Now()

	outcome := result.State.String()
	metrics.RecordSyncRun(ctx, collection, mode.String(), outcome, len(result.Records)+len(result.Deletions), result.Duration())

	if err != nil {
		tracing.SetError(ctx, err)
		log.Warn(ctx, "Sync failed", "kind", string(result.Failure), "error", err.Error())

		return result, err
	}

	tracing.SetOK(ctx)
	log.Info(ctx, "Sync completed",
		"records", len(result.Records),
		"deletions", len(result.Deletions),
		"warnings", len(result.Warnings),
		"pages", result.Pages,
		"mark", result.Mark.String(),
		"duration", result.Duration(),
	)

	return result, nil
}

func (r *run) execute(ctx context.Context) error {
	e := r.engine
	result := r.result

	kind, err := record.ParseKind(result.Collection)
	if err != nil {
		return r.fail(ctx, err)
	}

	stored, err := e.marks.Mark(ctx, result.Collection)
	if err != nil {
		return r.fail(ctx, fmt.Errorf("failed to read mark: %w", err))
	}

	result.PreviousMark = api.Timestamp(stored)
	result.Mark = result.PreviousMark

	r.enter(ctx, Authenticating, KindNone)

	if _, err := e.tokens.Token(ctx); err != nil {
		return r.fail(ctx, err)
	}

	ring, err := e.Keys(ctx)
	if err != nil {
		return r.fail(ctx, err)
	}

	// A rejected token moves the run to Reauthenticating until the next page
	// arrives.
	ctx = api.WithReauthHook(ctx, func(ctx context.Context) {
		r.enter(ctx, Reauthenticating, KindNone)
	})

	fetch := api.FetchRequest{Limit: e.pageSize}
	if result.Mode == Incremental {
		fetch.Since = result.PreviousMark
	}

	mark := result.PreviousMark

	for {
		if err := ctx.Err(); err != nil {
			return r.fail(ctx, err)
		}

		r.enter(ctx, Fetching, KindNone)

		page, err := e.transport.FetchBSOs(ctx, result.Collection, fetch)
		if err != nil {
			return r.fail(ctx, err)
		}

		if r.state == Reauthenticating {
			r.enter(ctx, Fetching, KindNone)
		}

		result.Pages++
		result.Fetched += len(page.BSOs)

		r.enter(ctx, Decrypting, KindNone)

		mark = max(mark, r.decryptPage(ctx, ring, kind, page.BSOs))

		if page.NextOffset == "" {
			break
		}

		if fetch.UnmodifiedSince == 0 {
			fetch.UnmodifiedSince = page.LastModified
		}

		fetch.Offset = page.NextOffset
	}

	if err := ctx.Err(); err != nil {
		return r.fail(ctx, err)
	}

	if mark != result.PreviousMark {
		if err := e.marks.SetMark(ctx, result.Collection, int64(mark)); err != nil {
			return r.fail(ctx, fmt.Errorf("failed to commit mark: %w", err))
		}
	}

	result.Mark = mark
	r.enter(ctx, Completed, KindNone)

	return nil
}

// decryptPage adds the records of one page to the result and returns the
// newest modified time among the BSOs it accepted.
func (r *run) decryptPage(ctx context.Context, ring *crypt.KeyRing, kind record.Kind, bsos []api.BSO) api.Timestamp {
	var newest api.Timestamp

	for _, bso := range bsos {
		rec, err := r.engine.decode(ring, string(kind), bso)
		if err != nil {
			warning := Warning{ID: bso.ID, Kind: Classify(err), Message: err.Error()}
			r.result.Warnings = append(r.result.Warnings, warning)

			metrics.RecordSkipped(ctx, string(kind), string(warning.Kind))
			log.Warn(ctx, "Skipped record", "id", bso.ID, "kind", string(warning.Kind), "error", err.Error())

			continue
		}

		if rec.Deleted {
			r.result.Deletions = append(r.result.Deletions, Deletion{ID: rec.ID, Modified: rec.Modified})
		} else {
			r.result.Records = append(r.result.Records, rec)
		}

		newest = max(newest, bso.Modified)
	}

	return newest
}

// SyncAll syncs collections in parallel, bounded by the configured
// concurrency. Every collection runs to its own end; the results are in
// the order of collections and the errors of failed runs are joined.
func (e *Engine) SyncAll(ctx context.Context, collections []string, mode Mode) ([]*SyncResult, error) {
	results := make([]*SyncResult, len(collections))
	errs := make([]error, len(collections))

	var group errgroup.Group

	group.SetLimit(e.concurrency)

	for i, collection := range collections {
		group.Go(func() error {
			results[i], errs[i] = e.Sync(ctx, collection, mode)

			return nil
		})
	}

	_ = group.Wait()

	return results, errors.Join(errs...)
}
