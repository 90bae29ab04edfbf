package match

import (
	"context"
	"path/filepath"
	"testing"
	"time"

	apperrors "github.com/louisbranch/dispatch/internal/platform/errors"
	"github.com/louisbranch/dispatch/internal/services/dispatch/domain"
	"github.com/louisbranch/dispatch/internal/services/dispatch/pool"
	"github.com/louisbranch/dispatch/internal/services/dispatch/storage"
	"github.com/louisbranch/dispatch/internal/services/dispatch/storage/sqlite"
)

var now = time.Date(2026, 4, 1, 9, 0, 0, 0, time.UTC)

func openStore(t *testing.T) *sqlite.Store {
	t.Helper()
	store, err := sqlite.Open(filepath.Join(t.TempDir(), "dispatch.db"))
	if err != nil {
		t.Fatalf("open store: %v", err)
	}
	t.Cleanup(func() { _ = store.Close() })
	return store
}

func seed(t *testing.T, store *sqlite.Store) {
	t.Helper()
	request := testRequest()
	request.Status = domain.StatusDraft
	request.RequesterID = "requester-1"
	request.ItemID = "item-1"
	request.CreatedAt = now
	snapshot := testSnapshot()
	snapshot.CreatedAt = now
	err := store.CreateRequest(context.Background(), request, snapshot, []domain.AuditEntry{{
		RequestID:  request.ID,
		Actor:      request.RequesterID,
		Action:     domain.ActionRequestCreated,
		EntityType: domain.EntityRequest,
		EntityID:   request.ID,
		Metadata:   domain.AuditMetadata{Kind: domain.AuditKindCreation, To: domain.StatusDraft},
		CreatedAt:  now,
	}})
	if err != nil {
		t.Fatalf("create request: %v", err)
	}
}

func newService(t *testing.T, store *sqlite.Store, source pool.Source) *Service {
	t.Helper()
	service, err := NewService(ServiceConfig{Store: store, Pool: source, Clock: func() time.Time { return now }})
	if err != nil {
		t.Fatalf("new service: %v", err)
	}
	return service
}

func TestServiceRunPersistsGenerations(t *testing.T) {
	t.Parallel()
	store := openStore(t)
	seed(t, store)
	ineligible := profile("cp-3", 5)
	ineligible.MinTerms = terms("50")
	source := pool.NewStatic(profile("cp-1", 4), profile("cp-2", 4.5), ineligible)
	service := newService(t, store, source)
	ctx := context.Background()

	first, err := service.Run(ctx, "req-1")
	if err != nil {
		t.Fatalf("first run: %v", err)
	}
	second, err := service.Run(ctx, "req-1")
	if err != nil {
		t.Fatalf("second run: %v", err)
	}
	if first.Generation != 1 || second.Generation != 2 {
		t.Fatalf("generations = %d, %d", first.Generation, second.Generation)
	}
	if len(second.Eligible()) != 2 {
		t.Fatalf("eligible = %+v", second.Eligible())
	}

	stored, err := store.ListCandidates(ctx, "req-1")
	if err != nil {
		t.Fatalf("list candidates: %v", err)
	}
	if len(stored) != 3 {
		t.Fatalf("stored = %d candidates", len(stored))
	}
	for i, candidate := range stored {
		if candidate.Generation != 2 {
			t.Fatalf("expected newest generation, got %d", candidate.Generation)
		}
		if candidate.CounterpartyID != second.Candidates[i].CounterpartyID {
			t.Fatalf("stored order differs from ranked order at %d", i)
		}
	}
	if stored[0].CounterpartyID != "cp-2" || stored[2].Reason == "" {
		t.Fatalf("stored = %+v", stored)
	}

	entries, err := store.ListAudit(ctx, "req-1")
	if err != nil {
		t.Fatalf("list audit: %v", err)
	}
	var generated int
	for _, entry := range entries {
		if entry.Action == domain.ActionCandidatesGenerated {
			generated++
			if entry.Metadata.Total != 3 || entry.Metadata.Eligible != 2 {
				t.Fatalf("audit metadata = %+v", entry.Metadata)
			}
		}
	}
	if generated != 2 {
		t.Fatalf("candidate audit entries = %d", generated)
	}
}

func TestServiceRunEmptyPoolIsNotAnError(t *testing.T) {
	t.Parallel()
	store := openStore(t)
	seed(t, store)
	result, err := newService(t, store, pool.NewStatic()).Run(context.Background(), "req-1")
	if err != nil {
		t.Fatalf("run: %v", err)
	}
	if len(result.Candidates) != 0 || result.Generation != 1 {
		t.Fatalf("result = %+v", result)
	}
}

func TestServiceRunRejectsTerminalAndMissingRequests(t *testing.T) {
	t.Parallel()
	store := openStore(t)
	seed(t, store)
	ctx := context.Background()
	request, err := store.GetRequest(ctx, "req-1")
	if err != nil {
		t.Fatalf("get request: %v", err)
	}
	searching, err := store.ApplyTransition(ctx, transition(request, domain.StatusSearching))
	if err != nil {
		t.Fatalf("to searching: %v", err)
	}
	if _, err := store.ApplyTransition(ctx, transition(searching, domain.StatusExpired)); err != nil {
		t.Fatalf("to expired: %v", err)
	}

	service := newService(t, store, pool.NewStatic(profile("cp-1", 4)))
	if _, err := service.Run(ctx, "req-1"); apperrors.CodeOf(err) != apperrors.CodeRequestTerminal {
		t.Fatalf("terminal err = %v", err)
	}
	if _, err := service.Run(ctx, "missing"); apperrors.CodeOf(err) != apperrors.CodeNotFound {
		t.Fatalf("missing err = %v", err)
	}
	if _, err := service.Run(ctx, " "); apperrors.CodeOf(err) != apperrors.CodeValidation {
		t.Fatalf("blank err = %v", err)
	}
}

func TestServiceRunReportsPoolFailure(t *testing.T) {
	t.Parallel()
	store := openStore(t)
	seed(t, store)
	failing := pool.SourceFunc(func(context.Context, string, string) ([]domain.Counterparty, error) {
		return nil, context.DeadlineExceeded
	})
	if _, err := newService(t, store, failing).Run(context.Background(), "req-1"); apperrors.CodeOf(err) != apperrors.CodeServiceUnavailable {
		t.Fatalf("err = %v", err)
	}
}

func transition(request domain.Request, next domain.Status) storage.Transition {
	return storage.Transition{
		RequestID:       request.ID,
		ExpectedVersion: request.Version,
		ExpectedStatus:  request.Status,
		NextStatus:      next,
		UpdatedAt:       now,
		Audit:           []domain.AuditEntry{domain.TransitionEntry(request.ID, "test", request.Status, next, "", "", now)},
	}
}
