// Copyright Peton Labs, 2026. All rights reserved.

package ledger

import (
	"context"
	"errors"
	"fmt"
	"path/filepath"
	"sync"
	"testing"

	"github.com/petonlabs/systematic-review-data-extraction/pkg/types"
)

func openTestStore(t *testing.T) *Store {
	t.Helper()
	s, err := Open(types.LedgerConfig{Path: filepath.Join(t.TempDir(), "ledger.db")})
	if err != nil {
		t.Fatalf("Open: %v", err)
	}
	t.Cleanup(func() { s.Close() })
	return s
}

func seedItems(t *testing.T, s *Store, n int) []types.WorkItem {
	t.Helper()
	items := make([]types.WorkItem, 0, n)
	for i := 0; i < n; i++ {
		items = append(items, types.WorkItem{
			ID:    fmt.Sprintf("w%d", i+1),
			Title: fmt.Sprintf("Study %d", i+1),
			DOI:   fmt.Sprintf("10.1000/study.%d", i+1),
		})
	}
	inserted, err := s.Seed(context.Background(), items)
	if err != nil {
		t.Fatalf("Seed: %v", err)
	}
	if inserted != n {
		t.Fatalf("Seed inserted %d, want %d", inserted, n)
	}
	return items
}

func mustClaim(t *testing.T, s *Store, id string) {
	t.Helper()
	ok, err := s.Claim(context.Background(), id)
	if err != nil {
		t.Fatalf("Claim(%s): %v", id, err)
	}
	if !ok {
		t.Fatalf("Claim(%s) = false, want true", id)
	}
}

func TestSeedPreservesExistingRows(t *testing.T) {
	ctx := context.Background()
	s := openTestStore(t)
	items := seedItems(t, s, 2)

	mustClaim(t, s, items[0].ID)
	if err := s.MarkExtracting(ctx, items[0].ID); err != nil {
		t.Fatalf("MarkExtracting: %v", err)
	}
	if err := s.MarkDone(ctx, items[0].ID); err != nil {
		t.Fatalf("MarkDone: %v", err)
	}

	// Re-seeding the same worklist plus one new row inserts only the new row.
	again := append(items, types.WorkItem{ID: "w3", Title: "Study 3"})
	inserted, err := s.Seed(ctx, again)
	if err != nil {
		t.Fatalf("re-Seed: %v", err)
	}
	if inserted != 1 {
		t.Errorf("re-Seed inserted %d, want 1", inserted)
	}

	rec, err := s.Get(ctx, items[0].ID)
	if err != nil {
		t.Fatalf("Get: %v", err)
	}
	if rec.State != types.StateDone {
		t.Errorf("done item reset to %s by re-seed", rec.State)
	}
}

func TestClaimIsExclusive(t *testing.T) {
	ctx := context.Background()
	s := openTestStore(t)
	items := seedItems(t, s, 1)

	mustClaim(t, s, items[0].ID)
	ok, err := s.Claim(ctx, items[0].ID)
	if err != nil {
		t.Fatalf("second Claim: %v", err)
	}
	if ok {
		t.Error("second Claim succeeded on an already-claimed item")
	}

	rec, err := s.Get(ctx, items[0].ID)
	if err != nil {
		t.Fatalf("Get: %v", err)
	}
	if rec.State != types.StateFetching {
		t.Errorf("state = %s, want %s", rec.State, types.StateFetching)
	}
	if rec.Attempts != 1 {
		t.Errorf("attempts = %d, want 1", rec.Attempts)
	}
}

func TestConcurrentClaimsYieldOneWinner(t *testing.T) {
	s := openTestStore(t)
	items := seedItems(t, s, 1)

	const claimers = 8
	var wg sync.WaitGroup
	wins := make(chan bool, claimers)
	for i := 0; i < claimers; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			ok, err := s.Claim(context.Background(), items[0].ID)
			if err != nil {
				t.Errorf("Claim: %v", err)
				return
			}
			wins <- ok
		}()
	}
	wg.Wait()
	close(wins)

	won := 0
	for ok := range wins {
		if ok {
			won++
		}
	}
	if won != 1 {
		t.Errorf("%d claimers won, want exactly 1", won)
	}
}

func TestLifecycleToDone(t *testing.T) {
	ctx := context.Background()
	s := openTestStore(t)
	items := seedItems(t, s, 1)
	id := items[0].ID

	mustClaim(t, s, id)
	if err := s.SetStrategy(ctx, id, types.StrategyContentFirst); err != nil {
		t.Fatalf("SetStrategy: %v", err)
	}
	if err := s.MarkExtracting(ctx, id); err != nil {
		t.Fatalf("MarkExtracting: %v", err)
	}
	// Re-marking is allowed so a retried item can pass through fetch again.
	if err := s.MarkExtracting(ctx, id); err != nil {
		t.Fatalf("MarkExtracting (re-mark): %v", err)
	}
	if err := s.MarkDone(ctx, id); err != nil {
		t.Fatalf("MarkDone: %v", err)
	}

	rec, err := s.Get(ctx, id)
	if err != nil {
		t.Fatalf("Get: %v", err)
	}
	if rec.State != types.StateDone {
		t.Errorf("state = %s, want %s", rec.State, types.StateDone)
	}
	if rec.Strategy != types.StrategyContentFirst {
		t.Errorf("strategy = %s, want %s", rec.Strategy, types.StrategyContentFirst)
	}
	if rec.ErrorKind != "" || rec.Error != "" {
		t.Errorf("done item carries error %q/%q", rec.ErrorKind, rec.Error)
	}
}

func TestInvalidTransitionsRejected(t *testing.T) {
	ctx := context.Background()
	s := openTestStore(t)
	items := seedItems(t, s, 1)
	id := items[0].ID

	if err := s.MarkExtracting(ctx, id); err == nil {
		t.Error("MarkExtracting succeeded on a pending item")
	}
	if err := s.MarkDone(ctx, id); err == nil {
		t.Error("MarkDone succeeded on a pending item")
	}
	if err := s.Release(ctx, id); err == nil {
		t.Error("Release succeeded on a pending item")
	}
}

func TestMarkFailedAndResetFailed(t *testing.T) {
	ctx := context.Background()
	s := openTestStore(t)
	items := seedItems(t, s, 1)
	id := items[0].ID

	mustClaim(t, s, id)
	cause := errors.New("no source produced a document")
	if err := s.MarkFailed(ctx, id, types.KindSourceNotFound, cause); err != nil {
		t.Fatalf("MarkFailed: %v", err)
	}

	rec, err := s.Get(ctx, id)
	if err != nil {
		t.Fatalf("Get: %v", err)
	}
	if rec.State != types.StateFailed {
		t.Errorf("state = %s, want %s", rec.State, types.StateFailed)
	}
	if rec.ErrorKind != types.KindSourceNotFound {
		t.Errorf("error kind = %s, want %s", rec.ErrorKind, types.KindSourceNotFound)
	}
	if rec.Error != cause.Error() {
		t.Errorf("error = %q, want %q", rec.Error, cause.Error())
	}

	n, err := s.ResetFailed(ctx)
	if err != nil {
		t.Fatalf("ResetFailed: %v", err)
	}
	if n != 1 {
		t.Errorf("ResetFailed reset %d, want 1", n)
	}
	rec, err = s.Get(ctx, id)
	if err != nil {
		t.Fatalf("Get after reset: %v", err)
	}
	if rec.State != types.StatePending {
		t.Errorf("state after reset = %s, want %s", rec.State, types.StatePending)
	}
	if rec.ErrorKind != "" || rec.Error != "" {
		t.Errorf("reset item carries error %q/%q", rec.ErrorKind, rec.Error)
	}
	if rec.Attempts != 1 {
		t.Errorf("attempts after reset = %d, want 1 (kept)", rec.Attempts)
	}
}

func TestReleaseReturnsTheAttempt(t *testing.T) {
	ctx := context.Background()
	s := openTestStore(t)
	items := seedItems(t, s, 1)
	id := items[0].ID

	mustClaim(t, s, id)
	if err := s.Release(ctx, id); err != nil {
		t.Fatalf("Release: %v", err)
	}

	rec, err := s.Get(ctx, id)
	if err != nil {
		t.Fatalf("Get: %v", err)
	}
	if rec.State != types.StatePending {
		t.Errorf("state = %s, want %s", rec.State, types.StatePending)
	}
	if rec.Attempts != 0 {
		t.Errorf("attempts = %d, want 0 after release", rec.Attempts)
	}

	// The item can be claimed again.
	mustClaim(t, s, id)
}

func TestRecoverAbandoned(t *testing.T) {
	ctx := context.Background()
	s := openTestStore(t)
	items := seedItems(t, s, 3)

	mustClaim(t, s, items[0].ID)
	mustClaim(t, s, items[1].ID)
	if err := s.MarkExtracting(ctx, items[1].ID); err != nil {
		t.Fatalf("MarkExtracting: %v", err)
	}

	n, err := s.RecoverAbandoned(ctx)
	if err != nil {
		t.Fatalf("RecoverAbandoned: %v", err)
	}
	if n != 2 {
		t.Errorf("recovered %d, want 2", n)
	}

	for _, id := range []string{items[0].ID, items[1].ID} {
		rec, err := s.Get(ctx, id)
		if err != nil {
			t.Fatalf("Get(%s): %v", id, err)
		}
		if rec.State != types.StatePending {
			t.Errorf("item %s state = %s, want %s", id, rec.State, types.StatePending)
		}
		if rec.Attempts != 1 {
			t.Errorf("item %s attempts = %d, want 1 (kept)", id, rec.Attempts)
		}
	}
}

func TestAttemptTrailKeepsOrder(t *testing.T) {
	ctx := context.Background()
	s := openTestStore(t)
	items := seedItems(t, s, 1)
	id := items[0].ID

	trail := []types.FetchAttempt{
		{Source: "doi-direct", Outcome: types.AttemptMiss, Detail: "landing page had no PDF"},
		{Source: "unpaywall", Outcome: types.AttemptError, Detail: "HTTP 503"},
		{Source: "europepmc-pmc", Outcome: types.AttemptHit},
	}
	for _, att := range trail {
		if err := s.RecordAttempt(ctx, id, att); err != nil {
			t.Fatalf("RecordAttempt: %v", err)
		}
	}

	got, err := s.Attempts(ctx, id)
	if err != nil {
		t.Fatalf("Attempts: %v", err)
	}
	if len(got) != len(trail) {
		t.Fatalf("got %d attempts, want %d", len(got), len(trail))
	}
	for i, att := range trail {
		if got[i].Source != att.Source || got[i].Outcome != att.Outcome || got[i].Detail != att.Detail {
			t.Errorf("attempt %d = %+v, want %+v", i, got[i], att)
		}
	}
}

func TestSummaryCountsStatesAndFailureKinds(t *testing.T) {
	ctx := context.Background()
	s := openTestStore(t)
	items := seedItems(t, s, 3)

	mustClaim(t, s, items[0].ID)
	if err := s.MarkExtracting(ctx, items[0].ID); err != nil {
		t.Fatalf("MarkExtracting: %v", err)
	}
	if err := s.MarkDone(ctx, items[0].ID); err != nil {
		t.Fatalf("MarkDone: %v", err)
	}
	mustClaim(t, s, items[1].ID)
	if err := s.MarkFailed(ctx, items[1].ID, types.KindUnreadableDoc, errors.New("no extractable text")); err != nil {
		t.Fatalf("MarkFailed: %v", err)
	}

	sum, err := s.Summary(ctx)
	if err != nil {
		t.Fatalf("Summary: %v", err)
	}
	if sum.Total != 3 {
		t.Errorf("total = %d, want 3", sum.Total)
	}
	if sum.States[types.StateDone] != 1 || sum.States[types.StateFailed] != 1 || sum.States[types.StatePending] != 1 {
		t.Errorf("state counts = %v", sum.States)
	}
	if sum.FailureKinds[types.KindUnreadableDoc] != 1 {
		t.Errorf("failure kinds = %v", sum.FailureKinds)
	}
}

func TestGetUnknownItem(t *testing.T) {
	s := openTestStore(t)
	_, err := s.Get(context.Background(), "nope")
	if !errors.Is(err, ErrNotFound) {
		t.Fatalf("err = %v, want ErrNotFound", err)
	}
}

func TestListFiltersByState(t *testing.T) {
	ctx := context.Background()
	s := openTestStore(t)
	items := seedItems(t, s, 3)
	mustClaim(t, s, items[1].ID)

	pending, err := s.List(ctx, types.StatePending)
	if err != nil {
		t.Fatalf("List: %v", err)
	}
	if len(pending) != 2 {
		t.Fatalf("got %d pending, want 2", len(pending))
	}
	// Worklist order is preserved.
	if pending[0].Item.ID != items[0].ID || pending[1].Item.ID != items[2].ID {
		t.Errorf("pending order = %s, %s", pending[0].Item.ID, pending[1].Item.ID)
	}

	all, err := s.List(ctx, "")
	if err != nil {
		t.Fatalf("List all: %v", err)
	}
	if len(all) != 3 {
		t.Errorf("got %d items, want 3", len(all))
	}
}
