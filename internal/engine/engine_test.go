package engine

import (
	"context"
	"errors"
	"strings"
	"sync"
	"testing"
	"time"

	"workyield/internal/config"
	"workyield/internal/db"
	"workyield/internal/domain"
	"workyield/internal/ledger"
	"workyield/internal/migrate"
	"workyield/internal/repo"
)

func testEnv(t *testing.T) (Engine, *ledger.StubGateway) {
	t.Helper()
	workspace := t.TempDir()
	conn, err := db.Open(db.Config{Workspace: workspace})
	if err != nil {
		t.Fatalf("open db: %v", err)
	}
	t.Cleanup(func() { conn.Close() })
	if err := migrate.Migrate(conn); err != nil {
		t.Fatalf("migrate: %v", err)
	}
	stub := ledger.NewStub(0)
	e := New(conn, config.Default(), stub)
	e.Now = func() time.Time {
		return time.Date(2026, 3, 14, 9, 0, 0, 0, time.UTC)
	}
	return e, stub
}

func createTokenizable(t *testing.T, e Engine, cost float64) domain.WorkOrder {
	t.Helper()
	o, err := e.CreateOrder(context.Background(), OrderCreateOptions{
		Number:        "WO-1042",
		Customer:      domain.Customer{Name: "Marisol Vega"},
		ServiceType:   "maintenance",
		Cost:          cost,
		ToBeTokenized: true,
		MarginPercent: 30,
		ActorID:       "dispatcher",
	})
	if err != nil {
		t.Fatalf("create order: %v", err)
	}
	return o
}

func readyForApproval(t *testing.T, e Engine, cost float64) domain.WorkOrder {
	t.Helper()
	ctx := context.Background()
	o := createTokenizable(t, e, cost)
	if _, err := e.StartOrder(ctx, o.ID, "tech"); err != nil {
		t.Fatalf("start: %v", err)
	}
	if _, err := e.CompleteOrder(ctx, o.ID, "tech"); err != nil {
		t.Fatalf("complete: %v", err)
	}
	o, err := e.AttachReport(ctx, o.ID, "reports/1042.pdf", "tech")
	if err != nil {
		t.Fatalf("attach report: %v", err)
	}
	return o
}

func session() *ledger.Session {
	return &ledger.Session{Holder: "0xclimateworks", Token: "tok"}
}

func TestCreateOrderDefaults(t *testing.T) {
	e, _ := testEnv(t)
	o := createTokenizable(t, e, 1000)
	if o.JobStatus != domain.JobScheduled {
		t.Fatalf("job status = %s, want scheduled", o.JobStatus)
	}
	if o.TokenStatus != domain.TokenPending {
		t.Fatalf("token status = %s, want pending", o.TokenStatus)
	}
	if o.CustomerPrice != 1428.57 {
		t.Fatalf("customer price = %v, want 1428.57", o.CustomerPrice)
	}

	plain, err := e.CreateOrder(context.Background(), OrderCreateOptions{
		Number:   "WO-1043",
		Customer: domain.Customer{Name: "Dee Okafor"},
		Cost:     200,
	})
	if err != nil {
		t.Fatalf("create plain order: %v", err)
	}
	if plain.TokenStatus != domain.TokenNotApplicable {
		t.Fatalf("token status = %s, want not_applicable", plain.TokenStatus)
	}
}

func TestCreateOrderValidation(t *testing.T) {
	e, _ := testEnv(t)
	ctx := context.Background()
	var verr ValidationError

	_, err := e.CreateOrder(ctx, OrderCreateOptions{Customer: domain.Customer{Name: "x"}, Cost: 100})
	if !errors.As(err, &verr) || verr.Field != "number" {
		t.Fatalf("missing number: got %v", err)
	}
	_, err = e.CreateOrder(ctx, OrderCreateOptions{Number: "WO-1", Cost: 100})
	if !errors.As(err, &verr) || verr.Field != "customer.name" {
		t.Fatalf("missing customer: got %v", err)
	}
	_, err = e.CreateOrder(ctx, OrderCreateOptions{
		Number: "WO-2", Customer: domain.Customer{Name: "x"}, ToBeTokenized: true,
	})
	if !errors.As(err, &verr) || verr.Field != "cost" {
		t.Fatalf("tokenizable zero cost: got %v", err)
	}
}

func TestJobTransitions(t *testing.T) {
	e, _ := testEnv(t)
	ctx := context.Background()

	o := createTokenizable(t, e, 500)
	var terr StateTransitionError
	if _, err := e.CompleteOrder(ctx, o.ID, ""); !errors.As(err, &terr) {
		t.Fatalf("scheduled -> completed should fail, got %v", err)
	}
	if _, err := e.StartOrder(ctx, o.ID, ""); err != nil {
		t.Fatalf("start: %v", err)
	}
	if _, err := e.StartOrder(ctx, o.ID, ""); !errors.As(err, &terr) {
		t.Fatalf("double start should fail, got %v", err)
	}
	done, err := e.CompleteOrder(ctx, o.ID, "")
	if err != nil {
		t.Fatalf("complete: %v", err)
	}
	if done.CompletedAt == nil || *done.CompletedAt == "" {
		t.Fatal("completed_at not stamped")
	}
	if done.TokenStatus != domain.TokenPending {
		t.Fatalf("completion must not advance token status, got %s", done.TokenStatus)
	}
	if _, err := e.CancelOrder(ctx, o.ID, ""); !errors.As(err, &terr) {
		t.Fatalf("completed -> cancelled should fail, got %v", err)
	}

	other := createTokenizable(t, e, 500)
	cancelled, err := e.CancelOrder(ctx, other.ID, "")
	if err != nil {
		t.Fatalf("cancel scheduled: %v", err)
	}
	if _, err := e.StartOrder(ctx, cancelled.ID, ""); !errors.As(err, &terr) {
		t.Fatalf("cancelled is absorbing, got %v", err)
	}
}

func TestAttachReportGating(t *testing.T) {
	e, _ := testEnv(t)
	ctx := context.Background()

	o := createTokenizable(t, e, 500)
	var terr StateTransitionError
	if _, err := e.AttachReport(ctx, o.ID, "reports/x.pdf", ""); !errors.As(err, &terr) {
		t.Fatalf("report before completion should fail, got %v", err)
	}

	ready := readyForApproval(t, e, 500)
	if ready.TokenStatus != domain.TokenAwaitingApproval {
		t.Fatalf("token status = %s, want awaiting_approval", ready.TokenStatus)
	}
	if ready.ReportRef == nil || *ready.ReportRef != "reports/1042.pdf" {
		t.Fatalf("report ref = %v", ready.ReportRef)
	}
	if _, err := e.AttachReport(ctx, ready.ID, "reports/y.pdf", ""); !errors.As(err, &terr) {
		t.Fatalf("second report should fail, got %v", err)
	}

	plain, err := e.CreateOrder(ctx, OrderCreateOptions{
		Number: "WO-2001", Customer: domain.Customer{Name: "x"}, Cost: 300,
	})
	if err != nil {
		t.Fatalf("create: %v", err)
	}
	e.StartOrder(ctx, plain.ID, "")
	e.CompleteOrder(ctx, plain.ID, "")
	if _, err := e.AttachReport(ctx, plain.ID, "reports/z.pdf", ""); !errors.As(err, &terr) {
		t.Fatalf("not_applicable order should reject reports, got %v", err)
	}
}

func TestApproveAndMint(t *testing.T) {
	e, stub := testEnv(t)
	ctx := context.Background()
	o := readyForApproval(t, e, 12500)

	minted, err := e.ApproveAndMint(ctx, o.ID, session(), "owner")
	if err != nil {
		t.Fatalf("approve and mint: %v", err)
	}
	if minted.TokenStatus != domain.TokenTokenized {
		t.Fatalf("token status = %s, want tokenized", minted.TokenStatus)
	}
	if minted.MintedQuantity == nil || *minted.MintedQuantity != 12.5 {
		t.Fatalf("minted quantity = %v, want 12.5", minted.MintedQuantity)
	}
	if minted.TokenMemo == nil || !strings.Contains(*minted.TokenMemo, "WO-1042") {
		t.Fatalf("memo %v should contain the order number", minted.TokenMemo)
	}
	if minted.TokenizedAt == nil {
		t.Fatal("tokenized_at not stamped")
	}
	supply, _ := stub.AvailableSupply(ctx)
	if supply != 12.5 {
		t.Fatalf("ledger supply = %v, want 12.5", supply)
	}
	evts, err := e.Repo.LatestEvents(ctx, 1, "token.minted", "order", o.ID)
	if err != nil || len(evts) != 1 {
		t.Fatalf("token.minted event missing: %v %d", err, len(evts))
	}

	var terr StateTransitionError
	if _, err := e.ApproveAndMint(ctx, o.ID, session(), "owner"); !errors.As(err, &terr) {
		t.Fatalf("second mint should fail, got %v", err)
	}
}

func TestApproveAndMintRequiresSession(t *testing.T) {
	e, _ := testEnv(t)
	o := readyForApproval(t, e, 1000)

	var aerr ledger.AuthenticationRequiredError
	if _, err := e.ApproveAndMint(context.Background(), o.ID, nil, ""); !errors.As(err, &aerr) {
		t.Fatalf("unauthenticated mint: got %v", err)
	}
	got, _ := e.Repo.GetOrder(context.Background(), o.ID)
	if got.TokenStatus != domain.TokenAwaitingApproval {
		t.Fatalf("status moved to %s on auth failure", got.TokenStatus)
	}
}

func TestApproveAndMintGatewayFailure(t *testing.T) {
	e, stub := testEnv(t)
	ctx := context.Background()
	o := readyForApproval(t, e, 1000)

	stub.Fail = ledger.NetworkError{Err: errors.New("connection reset")}
	_, err := e.ApproveAndMint(ctx, o.ID, session(), "owner")
	if !ledger.Retryable(err) {
		t.Fatalf("network failure should be retryable, got %v", err)
	}
	got, _ := e.Repo.GetOrder(ctx, o.ID)
	if got.TokenStatus != domain.TokenAwaitingApproval {
		t.Fatalf("status = %s after failure, want awaiting_approval", got.TokenStatus)
	}

	minted, err := e.ApproveAndMint(ctx, o.ID, session(), "owner")
	if err != nil {
		t.Fatalf("retry after transient failure: %v", err)
	}
	if minted.TokenStatus != domain.TokenTokenized {
		t.Fatalf("retry status = %s, want tokenized", minted.TokenStatus)
	}
}

// slowGateway holds the first Mint open until released so a second
// approval can race into the in-flight window.
type slowGateway struct {
	*ledger.StubGateway
	entered chan struct{}
	release chan struct{}
	mu      sync.Mutex
	calls   int
}

func (g *slowGateway) Mint(ctx context.Context, s *ledger.Session, quantity float64, memo string) (ledger.Receipt, error) {
	g.mu.Lock()
	g.calls++
	first := g.calls == 1
	g.mu.Unlock()
	if first {
		close(g.entered)
		<-g.release
	}
	return g.StubGateway.Mint(ctx, s, quantity, memo)
}

func TestConcurrentMintSingleSubmission(t *testing.T) {
	e, _ := testEnv(t)
	ctx := context.Background()
	o := readyForApproval(t, e, 1000)

	gw := &slowGateway{
		StubGateway: ledger.NewStub(0),
		entered:     make(chan struct{}),
		release:     make(chan struct{}),
	}
	e.Ledger = gw
	e.Snapshots = ledger.NewSnapshotCache(gw)

	firstErr := make(chan error, 1)
	go func() {
		_, err := e.ApproveAndMint(ctx, o.ID, session(), "owner")
		firstErr <- err
	}()
	<-gw.entered

	var terr StateTransitionError
	_, err := e.ApproveAndMint(ctx, o.ID, session(), "owner")
	if !errors.As(err, &terr) {
		t.Fatalf("concurrent approval should be rejected, got %v", err)
	}
	close(gw.release)
	if err := <-firstErr; err != nil {
		t.Fatalf("first approval: %v", err)
	}
	if gw.calls != 1 {
		t.Fatalf("gateway mint called %d times, want 1", gw.calls)
	}
}

func TestUpdateOrder(t *testing.T) {
	e, _ := testEnv(t)
	ctx := context.Background()
	o := createTokenizable(t, e, 1000)

	cost := 12500.0
	updated, err := e.UpdateOrder(ctx, OrderUpdateOptions{ID: o.ID, Cost: &cost})
	if err != nil {
		t.Fatalf("update: %v", err)
	}
	if updated.CustomerPrice != 17857.14 {
		t.Fatalf("reprice = %v, want 17857.14", updated.CustomerPrice)
	}

	ready := readyForApproval(t, e, 2000)
	if _, err := e.ApproveAndMint(ctx, ready.ID, session(), ""); err != nil {
		t.Fatalf("mint: %v", err)
	}
	desc := "edited"
	var terr StateTransitionError
	if _, err := e.UpdateOrder(ctx, OrderUpdateOptions{ID: ready.ID, Description: &desc}); !errors.As(err, &terr) {
		t.Fatalf("tokenized order must be immutable, got %v", err)
	}
}

func TestDeleteOrder(t *testing.T) {
	e, _ := testEnv(t)
	ctx := context.Background()

	o := createTokenizable(t, e, 500)
	var terr StateTransitionError
	var verr ValidationError
	if err := e.DeleteOrder(ctx, o.ID, true, ""); !errors.As(err, &terr) {
		t.Fatalf("delete scheduled should fail, got %v", err)
	}
	if _, err := e.CancelOrder(ctx, o.ID, ""); err != nil {
		t.Fatalf("cancel: %v", err)
	}
	if err := e.DeleteOrder(ctx, o.ID, false, ""); !errors.As(err, &verr) {
		t.Fatalf("unconfirmed delete should fail, got %v", err)
	}
	if err := e.DeleteOrder(ctx, o.ID, true, ""); err != nil {
		t.Fatalf("delete cancelled: %v", err)
	}
	if _, err := e.Repo.GetOrder(ctx, o.ID); !errors.Is(err, repo.ErrNotFound) {
		t.Fatalf("order should be gone, got %v", err)
	}

	minted := readyForApproval(t, e, 1000)
	if _, err := e.ApproveAndMint(ctx, minted.ID, session(), ""); err != nil {
		t.Fatalf("mint: %v", err)
	}
	if err := e.DeleteOrder(ctx, minted.ID, true, ""); !errors.As(err, &terr) {
		t.Fatalf("tokenized order must not be deletable, got %v", err)
	}
}

func TestBuyAndRedeem(t *testing.T) {
	e, stub := testEnv(t)
	ctx := context.Background()
	stub.Supply = 100

	snap, err := e.Buy(ctx, session(), 40, "owner")
	if err != nil {
		t.Fatalf("buy: %v", err)
	}
	if snap.Balance != 40 || snap.AvailableSupply != 60 {
		t.Fatalf("snapshot after buy = %+v", snap)
	}

	var ierr ledger.InsufficientBalanceError
	if _, err := e.Redeem(ctx, session(), 50, "owner"); !errors.As(err, &ierr) {
		t.Fatalf("over-redeem should fail locally, got %v", err)
	}
	if ierr.Requested != 50 || ierr.Available != 40 {
		t.Fatalf("insufficient balance detail = %+v", ierr)
	}

	snap, err = e.Redeem(ctx, session(), 15, "owner")
	if err != nil {
		t.Fatalf("redeem: %v", err)
	}
	if snap.Balance != 25 || snap.AvailableSupply != 75 {
		t.Fatalf("snapshot after redeem = %+v", snap)
	}

	cached, ok := e.Snapshots.Cached("0xclimateworks")
	if !ok || cached.Balance != 25 {
		t.Fatalf("cache not refreshed: %v %v", ok, cached)
	}
}
