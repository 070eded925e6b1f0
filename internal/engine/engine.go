package engine

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/google/uuid"

	"workyield/internal/config"
	"workyield/internal/domain"
	"workyield/internal/events"
	"workyield/internal/ledger"
	"workyield/internal/pricing"
	"workyield/internal/repo"
)

// ValidationError reports a rejected input; no state is mutated.
type ValidationError struct {
	Field  string
	Reason string
}

func (e ValidationError) Error() string {
	return fmt.Sprintf("%s: %s", e.Field, e.Reason)
}

// StateTransitionError reports an illegal job- or token-status move,
// including re-entrant mint attempts. The machine is left untouched.
type StateTransitionError struct {
	Machine string
	From    string
	To      string
	Reason  string
}

func (e StateTransitionError) Error() string {
	if e.Reason != "" {
		return fmt.Sprintf("invalid %s transition %s -> %s: %s", e.Machine, e.From, e.To, e.Reason)
	}
	return fmt.Sprintf("invalid %s transition %s -> %s", e.Machine, e.From, e.To)
}

type Engine struct {
	DB        *sql.DB
	Repo      repo.Repo
	Events    events.Writer
	Config    *config.Config
	Ledger    ledger.Gateway
	Snapshots *ledger.SnapshotCache
	Now       func() time.Time

	mints *inflight
}

func New(db *sql.DB, cfg *config.Config, gw ledger.Gateway) Engine {
	return Engine{
		DB:        db,
		Repo:      repo.Repo{DB: db},
		Events:    events.Writer{DB: db},
		Config:    cfg,
		Ledger:    gw,
		Snapshots: ledger.NewSnapshotCache(gw),
		Now:       time.Now,
		mints:     newInflight(),
	}
}

func (e Engine) now() time.Time {
	if e.Now != nil {
		return e.Now()
	}
	return time.Now()
}

// inflight tracks orders with a mint submitted but not yet resolved.
// Orders are independent units of concurrency; the guard is per id.
type inflight struct {
	mu  sync.Mutex
	ids map[string]struct{}
}

func newInflight() *inflight {
	return &inflight{ids: map[string]struct{}{}}
}

func (f *inflight) acquire(id string) bool {
	f.mu.Lock()
	defer f.mu.Unlock()
	if _, held := f.ids[id]; held {
		return false
	}
	f.ids[id] = struct{}{}
	return true
}

func (f *inflight) release(id string) {
	f.mu.Lock()
	delete(f.ids, id)
	f.mu.Unlock()
}

// OrderCreateOptions are parameters for creating a work order. Number
// is a caller-supplied label and is not checked for uniqueness; order
// identity is the generated internal id.
type OrderCreateOptions struct {
	Number        string
	Customer      domain.Customer
	ServiceType   string
	Priority      string
	Category      string
	Description   string
	Instructions  string
	Cost          float64
	ScheduledDate string
	ToBeTokenized bool
	Units         []domain.Unit
	Misc          domain.MiscCosts
	Labor         domain.Labor
	MarginPercent float64
	CustomerPrice float64
	ActorID       string
}

func (e Engine) CreateOrder(ctx context.Context, opts OrderCreateOptions) (domain.WorkOrder, error) {
	if e.Config == nil {
		return domain.WorkOrder{}, errors.New("config not loaded")
	}
	if opts.Number == "" {
		return domain.WorkOrder{}, ValidationError{Field: "number", Reason: "required"}
	}
	if opts.Customer.Name == "" {
		return domain.WorkOrder{}, ValidationError{Field: "customer.name", Reason: "required"}
	}
	if opts.Cost < 0 {
		return domain.WorkOrder{}, ValidationError{Field: "cost", Reason: "must not be negative"}
	}
	if opts.ToBeTokenized && opts.Cost <= 0 {
		return domain.WorkOrder{}, ValidationError{Field: "cost", Reason: "must be positive for a tokenizable order"}
	}
	price := opts.CustomerPrice
	if price == 0 && opts.Cost > 0 {
		var err error
		price, err = pricing.CustomerPrice(opts.Cost, opts.MarginPercent)
		if err != nil {
			return domain.WorkOrder{}, ValidationError{Field: "margin_percent", Reason: err.Error()}
		}
	}
	tokenStatus := domain.TokenNotApplicable
	if opts.ToBeTokenized {
		tokenStatus = domain.TokenPending
	}
	now := e.now().UTC().Format(time.RFC3339)
	o := domain.WorkOrder{
		ID:            uuid.NewString(),
		Number:        opts.Number,
		Customer:      opts.Customer,
		ServiceType:   opts.ServiceType,
		Priority:      opts.Priority,
		Category:      opts.Category,
		Description:   opts.Description,
		Instructions:  opts.Instructions,
		Cost:          opts.Cost,
		ScheduledDate: opts.ScheduledDate,
		JobStatus:     domain.JobScheduled,
		ToBeTokenized: opts.ToBeTokenized,
		TokenStatus:   tokenStatus,
		Units:         opts.Units,
		Misc:          opts.Misc,
		Labor:         opts.Labor,
		MarginPercent: opts.MarginPercent,
		CustomerPrice: price,
		CreatedAt:     now,
		UpdatedAt:     now,
	}
	tx, err := e.DB.BeginTx(ctx, nil)
	if err != nil {
		return domain.WorkOrder{}, err
	}
	defer tx.Rollback()
	if err := e.Repo.InsertOrder(ctx, tx, o); err != nil {
		return domain.WorkOrder{}, fmt.Errorf("insert order: %w", err)
	}
	if err := e.Events.Append(ctx, tx, "order.created", "order", o.ID, opts.ActorID, events.EventPayload{
		"number":          o.Number,
		"job_status":      o.JobStatus,
		"token_status":    o.TokenStatus,
		"cost":            o.Cost,
		"to_be_tokenized": o.ToBeTokenized,
	}); err != nil {
		return domain.WorkOrder{}, err
	}
	if err := tx.Commit(); err != nil {
		return domain.WorkOrder{}, err
	}
	return o, nil
}

func ensureJobTransition(from, to string) error {
	switch from {
	case domain.JobScheduled:
		if to == domain.JobInProgress || to == domain.JobCancelled {
			return nil
		}
	case domain.JobInProgress:
		if to == domain.JobCompleted || to == domain.JobCancelled {
			return nil
		}
	}
	return StateTransitionError{Machine: "job status", From: from, To: to}
}

// StartOrder moves a scheduled order into execution.
func (e Engine) StartOrder(ctx context.Context, id, actorID string) (domain.WorkOrder, error) {
	return e.jobTransition(ctx, id, domain.JobInProgress, "order.started", actorID)
}

// CompleteOrder finishes execution and stamps the completion time.
// Token status is never auto-advanced.
func (e Engine) CompleteOrder(ctx context.Context, id, actorID string) (domain.WorkOrder, error) {
	return e.jobTransition(ctx, id, domain.JobCompleted, "order.completed", actorID)
}

// CancelOrder is legal from scheduled or in_progress only.
func (e Engine) CancelOrder(ctx context.Context, id, actorID string) (domain.WorkOrder, error) {
	return e.jobTransition(ctx, id, domain.JobCancelled, "order.cancelled", actorID)
}

func (e Engine) jobTransition(ctx context.Context, id, to, evtType, actorID string) (domain.WorkOrder, error) {
	o, err := e.Repo.GetOrder(ctx, id)
	if err != nil {
		return o, err
	}
	from := o.JobStatus
	if err := ensureJobTransition(from, to); err != nil {
		return o, err
	}
	nowStr := e.now().UTC().Format(time.RFC3339)
	o.JobStatus = to
	o.UpdatedAt = nowStr
	if to == domain.JobCompleted {
		o.CompletedAt = &nowStr
	}
	tx, err := e.DB.BeginTx(ctx, nil)
	if err != nil {
		return o, err
	}
	defer tx.Rollback()
	if err := e.Repo.UpdateOrder(ctx, tx, o); err != nil {
		return o, err
	}
	if err := e.Events.Append(ctx, tx, evtType, "order", o.ID, actorID, events.EventPayload{
		"from_status": from,
		"to_status":   to,
	}); err != nil {
		return o, err
	}
	if err := tx.Commit(); err != nil {
		return o, err
	}
	return o, nil
}

// OrderUpdateOptions encapsulates allowed edits. Nil fields are left
// unchanged.
type OrderUpdateOptions struct {
	ID            string
	Description   *string
	Instructions  *string
	Cost          *float64
	ScheduledDate *string
	Priority      *string
	MarginPercent *float64
	ActorID       string
}

// UpdateOrder edits free fields. A tokenized order is immutable: the
// minted claim is backed by the cost and description as approved.
func (e Engine) UpdateOrder(ctx context.Context, opts OrderUpdateOptions) (domain.WorkOrder, error) {
	o, err := e.Repo.GetOrder(ctx, opts.ID)
	if err != nil {
		return o, err
	}
	if o.TokenStatus == domain.TokenTokenized {
		return o, StateTransitionError{Machine: "tokenization", From: domain.TokenTokenized, To: domain.TokenTokenized, Reason: "tokenized orders are immutable"}
	}
	if opts.Description != nil {
		o.Description = *opts.Description
	}
	if opts.Instructions != nil {
		o.Instructions = *opts.Instructions
	}
	if opts.ScheduledDate != nil {
		o.ScheduledDate = *opts.ScheduledDate
	}
	if opts.Priority != nil {
		o.Priority = *opts.Priority
	}
	repriced := false
	if opts.Cost != nil {
		if *opts.Cost < 0 {
			return o, ValidationError{Field: "cost", Reason: "must not be negative"}
		}
		if o.ToBeTokenized && *opts.Cost <= 0 {
			return o, ValidationError{Field: "cost", Reason: "must be positive for a tokenizable order"}
		}
		o.Cost = *opts.Cost
		repriced = true
	}
	if opts.MarginPercent != nil {
		o.MarginPercent = *opts.MarginPercent
		repriced = true
	}
	if repriced {
		price, err := pricing.CustomerPrice(o.Cost, o.MarginPercent)
		if err != nil {
			return o, ValidationError{Field: "margin_percent", Reason: err.Error()}
		}
		o.CustomerPrice = price
	}
	o.UpdatedAt = e.now().UTC().Format(time.RFC3339)
	tx, err := e.DB.BeginTx(ctx, nil)
	if err != nil {
		return o, err
	}
	defer tx.Rollback()
	if err := e.Repo.UpdateOrder(ctx, tx, o); err != nil {
		return o, err
	}
	if err := e.Events.Append(ctx, tx, "order.updated", "order", o.ID, opts.ActorID, events.EventPayload{
		"cost":           o.Cost,
		"customer_price": o.CustomerPrice,
	}); err != nil {
		return o, err
	}
	if err := tx.Commit(); err != nil {
		return o, err
	}
	return o, nil
}

// DeleteOrder permanently removes a cancelled order. Deletion is not a
// state transition: it needs explicit confirmation, and an order whose
// mint is on the ledger can never be orphaned by deleting its source.
func (e Engine) DeleteOrder(ctx context.Context, id string, confirmed bool, actorID string) error {
	o, err := e.Repo.GetOrder(ctx, id)
	if err != nil {
		return err
	}
	if !confirmed {
		return ValidationError{Field: "confirm", Reason: "deletion requires explicit confirmation"}
	}
	if o.TokenStatus == domain.TokenTokenized {
		return StateTransitionError{Machine: "tokenization", From: domain.TokenTokenized, To: "deleted", Reason: "tokenized orders cannot be deleted"}
	}
	if o.JobStatus != domain.JobCancelled {
		return StateTransitionError{Machine: "job status", From: o.JobStatus, To: "deleted", Reason: "only cancelled orders can be deleted"}
	}
	tx, err := e.DB.BeginTx(ctx, nil)
	if err != nil {
		return err
	}
	defer tx.Rollback()
	if err := e.Repo.DeleteOrder(ctx, tx, id); err != nil {
		return err
	}
	if err := e.Events.Append(ctx, tx, "order.deleted", "order", id, actorID, events.EventPayload{
		"number": o.Number,
	}); err != nil {
		return err
	}
	return tx.Commit()
}

// AttachReport records the service report for a completed order and
// moves its tokenization status to awaiting_approval.
func (e Engine) AttachReport(ctx context.Context, id, reportRef, actorID string) (domain.WorkOrder, error) {
	if reportRef == "" {
		return domain.WorkOrder{}, ValidationError{Field: "report_ref", Reason: "required"}
	}
	o, err := e.Repo.GetOrder(ctx, id)
	if err != nil {
		return o, err
	}
	if o.JobStatus != domain.JobCompleted {
		return o, StateTransitionError{Machine: "tokenization", From: o.TokenStatus, To: domain.TokenAwaitingApproval, Reason: "job not completed"}
	}
	if o.TokenStatus != domain.TokenPending {
		return o, StateTransitionError{Machine: "tokenization", From: o.TokenStatus, To: domain.TokenAwaitingApproval}
	}
	nowStr := e.now().UTC().Format(time.RFC3339)
	o.ReportRef = &reportRef
	o.TokenStatus = domain.TokenAwaitingApproval
	o.UpdatedAt = nowStr
	tx, err := e.DB.BeginTx(ctx, nil)
	if err != nil {
		return o, err
	}
	defer tx.Rollback()
	if err := e.Repo.UpdateOrder(ctx, tx, o); err != nil {
		return o, err
	}
	if err := e.Events.Append(ctx, tx, "report.attached", "order", o.ID, actorID, events.EventPayload{
		"report_ref": reportRef,
	}); err != nil {
		return o, err
	}
	if err := tx.Commit(); err != nil {
		return o, err
	}
	return o, nil
}

// ApproveAndMint approves the report and mints the yield tokens for an
// order awaiting approval. The in-flight window is locked per order: a
// second call while a mint is unresolved is rejected, so an order can
// be minted at most once. On gateway failure the status stays at
// awaiting_approval and the error is surfaced for retry.
func (e Engine) ApproveAndMint(ctx context.Context, id string, session *ledger.Session, actorID string) (domain.WorkOrder, error) {
	if e.Config == nil {
		return domain.WorkOrder{}, errors.New("config not loaded")
	}
	if !e.mints.acquire(id) {
		return domain.WorkOrder{}, StateTransitionError{Machine: "tokenization", From: domain.TokenAwaitingApproval, To: domain.TokenTokenized, Reason: "mint already in flight"}
	}
	defer e.mints.release(id)

	o, err := e.Repo.GetOrder(ctx, id)
	if err != nil {
		return o, err
	}
	if o.TokenStatus != domain.TokenAwaitingApproval {
		return o, StateTransitionError{Machine: "tokenization", From: o.TokenStatus, To: domain.TokenTokenized}
	}
	if !session.Authenticated() {
		return o, ledger.AuthenticationRequiredError{Op: "mint"}
	}
	if o.Cost <= 0 {
		return o, ValidationError{Field: "cost", Reason: "must be positive to mint"}
	}
	quantity, err := pricing.MintQuantity(o.Cost, e.Config.Tokenization.ScaleFactor)
	if err != nil {
		return o, ValidationError{Field: "scale_factor", Reason: err.Error()}
	}
	memo := fmt.Sprintf("yield for work order %s", o.Number)

	receipt, err := e.Ledger.Mint(ctx, session, quantity, memo)
	if err != nil {
		return o, err
	}

	nowStr := e.now().UTC().Format(time.RFC3339)
	o.TokenStatus = domain.TokenTokenized
	o.TokenizedAt = &nowStr
	o.UpdatedAt = nowStr
	o.MintedQuantity = &quantity
	o.TokenMemo = &memo
	tx, err := e.DB.BeginTx(ctx, nil)
	if err != nil {
		return o, err
	}
	defer tx.Rollback()
	if err := e.Repo.UpdateOrder(ctx, tx, o); err != nil {
		return o, err
	}
	if err := e.Events.Append(ctx, tx, "token.minted", "order", o.ID, actorID, events.EventPayload{
		"quantity": quantity,
		"memo":     memo,
		"token_id": receipt.TokenID,
	}); err != nil {
		return o, err
	}
	if err := tx.Commit(); err != nil {
		return o, err
	}
	// Cache refresh is best effort; the mint itself is already durable.
	_, _ = e.Snapshots.Refresh(ctx, session.Holder)
	return o, nil
}

// Buy purchases tokens for the session holder and refreshes the cached
// snapshot on success.
func (e Engine) Buy(ctx context.Context, session *ledger.Session, quantity float64, actorID string) (domain.Snapshot, error) {
	if !session.Authenticated() {
		return domain.Snapshot{}, ledger.AuthenticationRequiredError{Op: "buy"}
	}
	if quantity <= 0 {
		return domain.Snapshot{}, ValidationError{Field: "quantity", Reason: "must be positive"}
	}
	if err := e.Ledger.Buy(ctx, session, quantity); err != nil {
		return domain.Snapshot{}, err
	}
	snap, err := e.Snapshots.Refresh(ctx, session.Holder)
	if err != nil {
		return domain.Snapshot{}, err
	}
	e.appendLedgerEvent(ctx, "ledger.purchase", session.Holder, actorID, quantity)
	return snap, nil
}

// Redeem validates the quantity against the freshest available balance
// snapshot before submitting anything, so a doomed transaction is never
// sent to the ledger.
func (e Engine) Redeem(ctx context.Context, session *ledger.Session, quantity float64, actorID string) (domain.Snapshot, error) {
	if !session.Authenticated() {
		return domain.Snapshot{}, ledger.AuthenticationRequiredError{Op: "redeem"}
	}
	if quantity <= 0 {
		return domain.Snapshot{}, ValidationError{Field: "quantity", Reason: "must be positive"}
	}
	snap, err := e.Snapshots.Refresh(ctx, session.Holder)
	if err != nil {
		cached, ok := e.Snapshots.Cached(session.Holder)
		if !ok {
			return domain.Snapshot{}, err
		}
		snap = cached
	}
	if quantity > snap.Balance {
		return snap, ledger.InsufficientBalanceError{Requested: quantity, Available: snap.Balance}
	}
	if err := e.Ledger.Redeem(ctx, session, quantity); err != nil {
		return snap, err
	}
	snap, err = e.Snapshots.Refresh(ctx, session.Holder)
	if err != nil {
		return domain.Snapshot{}, err
	}
	e.appendLedgerEvent(ctx, "ledger.redemption", session.Holder, actorID, quantity)
	return snap, nil
}

func (e Engine) appendLedgerEvent(ctx context.Context, evtType, holder, actorID string, quantity float64) {
	tx, err := e.DB.BeginTx(ctx, nil)
	if err != nil {
		return
	}
	defer tx.Rollback()
	if err := e.Events.Append(ctx, tx, evtType, "ledger", holder, actorID, events.EventPayload{
		"quantity": quantity,
	}); err != nil {
		return
	}
	_ = tx.Commit()
}
