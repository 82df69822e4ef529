// SPDX-License-Identifier: Apache-2.0

package provisioning

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"testing"

	"github.com/adiadia/account-vending/internal/domain"
	"github.com/adiadia/account-vending/internal/guardrail"
	"github.com/adiadia/account-vending/internal/logging"
)

// fakeBackend provisions each account name once and reports later calls for
// the same name as already existing.
type fakeBackend struct {
	mu       sync.Mutex
	accounts map[string]string
	calls    int
	errs     map[string]error
}

func newFakeBackend() *fakeBackend {
	return &fakeBackend{accounts: map[string]string{}, errs: map[string]error{}}
}

func (f *fakeBackend) Provision(_ context.Context, req domain.ProvisionRequest) (domain.ProvisionResult, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.calls++
	if err := f.errs[req.AccountName]; err != nil {
		return domain.ProvisionResult{}, err
	}
	if id, ok := f.accounts[req.AccountName]; ok {
		return domain.ProvisionResult{AccountID: id, AlreadyExisted: true}, nil
	}
	id := fmt.Sprintf("%012d", len(f.accounts)+1)
	f.accounts[req.AccountName] = id
	return domain.ProvisionResult{ProvisionedProductID: "pp-" + req.AccountName, AccountID: id}, nil
}

type fakeBudgets struct {
	mu      sync.Mutex
	creates map[string]int
}

func (f *fakeBudgets) CreateGuardrail(_ context.Context, g domain.BudgetGuardrail) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.creates[g.AccountID]++
	return nil
}

func (f *fakeBudgets) DescribeGuardrail(context.Context, string, string) (domain.GuardrailStatus, error) {
	return domain.GuardrailStatus{}, guardrail.ErrGuardrailNotFound
}

type memoryLedger struct {
	mu         sync.Mutex
	events     map[string]string
	guardrails map[string]bool
}

func newMemoryLedger() *memoryLedger {
	return &memoryLedger{events: map[string]string{}, guardrails: map[string]bool{}}
}

func (l *memoryLedger) IsProcessed(_ context.Context, eventID string) (bool, error) {
	l.mu.Lock()
	defer l.mu.Unlock()
	_, ok := l.events[eventID]
	return ok, nil
}

func (l *memoryLedger) MarkProcessed(_ context.Context, eventID, accountID string) (bool, error) {
	l.mu.Lock()
	defer l.mu.Unlock()
	if _, ok := l.events[eventID]; ok {
		return false, nil
	}
	l.events[eventID] = accountID
	return true, nil
}

func (l *memoryLedger) ClaimGuardrail(_ context.Context, g domain.BudgetGuardrail) (bool, error) {
	l.mu.Lock()
	defer l.mu.Unlock()
	if l.guardrails[g.AccountID] {
		return false, nil
	}
	l.guardrails[g.AccountID] = true
	return true, nil
}

func (l *memoryLedger) ConfirmGuardrail(context.Context, string) error { return nil }

func (l *memoryLedger) ReleaseGuardrail(_ context.Context, accountID string) error {
	l.mu.Lock()
	defer l.mu.Unlock()
	delete(l.guardrails, accountID)
	return nil
}

type recordingNotifier struct {
	mu       sync.Mutex
	subjects []string
}

func (n *recordingNotifier) Publish(_ context.Context, subject, _ string) error {
	n.mu.Lock()
	defer n.mu.Unlock()
	n.subjects = append(n.subjects, subject)
	return nil
}

func (n *recordingNotifier) count() int {
	n.mu.Lock()
	defer n.mu.Unlock()
	return len(n.subjects)
}

type harness struct {
	backend  *fakeBackend
	budgets  *fakeBudgets
	ledger   *memoryLedger
	operator *recordingNotifier
	orch     *Orchestrator
}

func newHarness(withEventLedger bool) *harness {
	h := &harness{
		backend:  newFakeBackend(),
		budgets:  &fakeBudgets{creates: map[string]int{}},
		ledger:   newMemoryLedger(),
		operator: &recordingNotifier{},
	}

	guardrails := guardrail.NewService(guardrail.Deps{
		Backend: h.budgets,
		Ledger:  h.ledger,
		Logger:  logging.Discard(),
	})

	deps := Deps{
		Provisioner:        h.backend,
		Guardrails:         guardrails,
		Operator:           h.operator,
		Logger:             logging.Discard(),
		ProductID:          "prod-1",
		ArtifactID:         "pa-1",
		OrganizationalUnit: "Sandbox (ou-1)",
		MonthlyLimit:       50000,
		Concurrency:        3,
	}
	if withEventLedger {
		deps.Ledger = h.ledger
	}
	h.orch = New(deps)
	return h
}

func created(email string, seq int64) domain.ChangeEvent {
	return domain.ChangeEvent{
		SequenceNumber: domain.SequenceFromInt(seq),
		Kind:           domain.EventCreated,
		Key:            email,
		AfterImage: &domain.IdentityRecord{
			Email:            email,
			FirstName:        "First",
			LastName:         "Last",
			RegistrationDate: "2024-01-01",
		},
	}
}

func TestHandleEventProvisionsAccount(t *testing.T) {
	h := newHarness(true)

	outcome, err := h.orch.HandleEvent(context.Background(), created("alice@example.com", 1))
	if err != nil {
		t.Fatalf("handle: %v", err)
	}
	if outcome != OutcomeProvisioned {
		t.Fatalf("expected provisioned, got %s", outcome)
	}

	id, ok := h.backend.accounts["alice"]
	if !ok {
		t.Fatalf("expected account named alice, got %v", h.backend.accounts)
	}
	if h.budgets.creates[id] != 1 {
		t.Fatalf("expected guardrail on backend account id %s, got %v", id, h.budgets.creates)
	}
	if h.operator.count() != 0 {
		t.Fatalf("expected no notifications, got %v", h.operator.subjects)
	}
}

func TestHandleEventIgnoresOtherKinds(t *testing.T) {
	h := newHarness(true)

	for _, kind := range []domain.EventKind{domain.EventModified, domain.EventRemoved} {
		ev := created("alice@example.com", 2)
		ev.Kind = kind
		outcome, err := h.orch.HandleEvent(context.Background(), ev)
		if err != nil || outcome != OutcomeIgnored {
			t.Fatalf("expected %s to be ignored, got %s (%v)", kind, outcome, err)
		}
	}
	if h.backend.calls != 0 {
		t.Fatalf("expected no backend calls, got %d", h.backend.calls)
	}
}

func TestHandleEventRejectsMalformedImage(t *testing.T) {
	h := newHarness(true)

	ev := created("alice@example.com", 1)
	ev.AfterImage = nil
	outcome, err := h.orch.HandleEvent(context.Background(), ev)
	if outcome != OutcomeRejected || !errors.Is(err, domain.ErrInvalidChangeEvent) {
		t.Fatalf("expected rejected invalid event, got %s (%v)", outcome, err)
	}

	ev = created("@example.com", 2)
	outcome, err = h.orch.HandleEvent(context.Background(), ev)
	if outcome != OutcomeRejected || !errors.Is(err, domain.ErrInvalidAccountName) {
		t.Fatalf("expected rejected account name, got %s (%v)", outcome, err)
	}
	if !IsFatal(err) {
		t.Fatal("expected invalid account name to be fatal")
	}
	if h.operator.count() != 2 {
		t.Fatalf("expected 2 operator notifications, got %d", h.operator.count())
	}
}

func TestHandleEventBackendRejectionNotifiesOperator(t *testing.T) {
	h := newHarness(true)
	h.backend.errs["alice"] = fmt.Errorf("%w: LimitExceededException", domain.ErrProvisioningRejected)

	outcome, err := h.orch.HandleEvent(context.Background(), created("alice@example.com", 1))
	if outcome != OutcomeRejected || !IsFatal(err) {
		t.Fatalf("expected fatal rejection, got %s (%v)", outcome, err)
	}
	if h.operator.count() != 1 {
		t.Fatalf("expected one operator notification, got %d", h.operator.count())
	}
	if len(h.budgets.creates) != 0 {
		t.Fatalf("expected no guardrail, got %v", h.budgets.creates)
	}
}

func TestRedeliveryYieldsExactlyNSuccesses(t *testing.T) {
	for _, withLedger := range []bool{true, false} {
		t.Run(fmt.Sprintf("event_ledger=%v", withLedger), func(t *testing.T) {
			h := newHarness(withLedger)
			ctx := context.Background()

			first := []domain.ChangeEvent{
				created("alice@example.com", 1),
				created("bob@x.y.com", 2),
				created("carol@example.org", 3),
			}
			redelivered := []domain.ChangeEvent{first[0], first[2], first[0]}

			successes := 0
			var mu sync.Mutex
			var wg sync.WaitGroup
			for _, batch := range [][]domain.ChangeEvent{first, redelivered} {
				res := h.orch.HandleBatch(ctx, batch)
				if res.Retryable() {
					t.Fatalf("unexpected retryable batch: %+v", res.Results)
				}
				successes += res.Counts()[OutcomeProvisioned]
			}
			for i := 0; i < 4; i++ {
				wg.Add(1)
				go func() {
					defer wg.Done()
					res := h.orch.HandleBatch(ctx, redelivered)
					mu.Lock()
					successes += res.Counts()[OutcomeProvisioned]
					mu.Unlock()
				}()
			}
			wg.Wait()

			if successes != 3 {
				t.Fatalf("expected exactly 3 provisioning successes, got %d", successes)
			}
			if len(h.backend.accounts) != 3 {
				t.Fatalf("expected 3 accounts, got %v", h.backend.accounts)
			}
			for name, id := range h.backend.accounts {
				if h.budgets.creates[id] != 1 {
					t.Fatalf("expected one guardrail create for %s, got %d", name, h.budgets.creates[id])
				}
			}
			if h.operator.count() != 0 {
				t.Fatalf("expected no notifications, got %v", h.operator.subjects)
			}
		})
	}
}

func TestHandleBatchHoldsKeyAfterTransientFailure(t *testing.T) {
	h := newHarness(true)
	h.backend.errs["alice"] = errors.New("throttled")

	alice := created("alice@example.com", 1)
	aliceLater := alice
	aliceLater.SequenceNumber = domain.SequenceFromInt(5)
	aliceLater.Kind = domain.EventModified
	bob := created("bob@example.com", 2)

	res := h.orch.HandleBatch(context.Background(), []domain.ChangeEvent{alice, bob, aliceLater})

	if len(res.Results) != 3 {
		t.Fatalf("expected 3 results, got %d", len(res.Results))
	}
	if res.Results[0].Event.ID() != alice.ID() || res.Results[1].Event.ID() != bob.ID() || res.Results[2].Event.ID() != aliceLater.ID() {
		t.Fatal("expected results in input order")
	}
	if res.Results[0].Outcome != OutcomeRetry || IsFatal(res.Results[0].Err) {
		t.Fatalf("expected transient failure, got %+v", res.Results[0])
	}
	if res.Results[1].Outcome != OutcomeProvisioned {
		t.Fatalf("expected other key to proceed, got %+v", res.Results[1])
	}
	if res.Results[2].Outcome != OutcomeRetry || !errors.Is(res.Results[2].Err, ErrPredecessorFailed) {
		t.Fatalf("expected later event held back, got %+v", res.Results[2])
	}
	if !res.Retryable() {
		t.Fatal("expected batch to be retryable")
	}
	if h.operator.count() != 0 {
		t.Fatalf("transient failures must not notify, got %v", h.operator.subjects)
	}
}

func TestIsFatal(t *testing.T) {
	cases := map[error]bool{
		domain.ErrInvalidChangeEvent:                         true,
		fmt.Errorf("wrap: %w", domain.ErrInvalidAccountName): true,
		domain.ErrProvisioningRejected:                       true,
		errors.New("timeout"):                                false,
		context.DeadlineExceeded:                             false,
	}
	for err, want := range cases {
		if got := IsFatal(err); got != want {
			t.Fatalf("IsFatal(%v) = %v, want %v", err, got, want)
		}
	}
}
