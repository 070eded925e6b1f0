package ledger

import (
	"context"
	"sync"

	"github.com/google/uuid"
)

// StubGateway is an in-memory ledger for development and tests. It
// honors the same session and error contract as the HTTP client.
type StubGateway struct {
	mu       sync.Mutex
	Supply   float64
	balances map[string]float64

	// Fail, when set, is returned by the next mutating call.
	Fail error
}

var _ Gateway = (*StubGateway)(nil)

func NewStub(initialSupply float64) *StubGateway {
	return &StubGateway{
		Supply:   initialSupply,
		balances: map[string]float64{},
	}
}

func (g *StubGateway) AvailableSupply(ctx context.Context) (float64, error) {
	g.mu.Lock()
	defer g.mu.Unlock()
	return g.Supply, nil
}

func (g *StubGateway) BalanceOf(ctx context.Context, holder string) (float64, error) {
	g.mu.Lock()
	defer g.mu.Unlock()
	return g.balances[holder], nil
}

func (g *StubGateway) Mint(ctx context.Context, session *Session, quantity float64, memo string) (Receipt, error) {
	if !session.Authenticated() {
		return Receipt{}, AuthenticationRequiredError{Op: "mint"}
	}
	g.mu.Lock()
	defer g.mu.Unlock()
	if g.Fail != nil {
		err := g.Fail
		g.Fail = nil
		return Receipt{}, err
	}
	if quantity <= 0 {
		return Receipt{}, ContractError{Reason: "quantity must be positive"}
	}
	g.Supply += quantity
	return Receipt{
		TokenID:  uuid.NewString(),
		Quantity: quantity,
		Memo:     memo,
	}, nil
}

func (g *StubGateway) Buy(ctx context.Context, session *Session, quantity float64) error {
	if !session.Authenticated() {
		return AuthenticationRequiredError{Op: "buy"}
	}
	g.mu.Lock()
	defer g.mu.Unlock()
	if g.Fail != nil {
		err := g.Fail
		g.Fail = nil
		return err
	}
	if quantity <= 0 || quantity > g.Supply {
		return ContractError{Reason: "quantity exceeds available supply"}
	}
	g.Supply -= quantity
	g.balances[session.Holder] += quantity
	return nil
}

func (g *StubGateway) Redeem(ctx context.Context, session *Session, quantity float64) error {
	if !session.Authenticated() {
		return AuthenticationRequiredError{Op: "redeem"}
	}
	g.mu.Lock()
	defer g.mu.Unlock()
	if g.Fail != nil {
		err := g.Fail
		g.Fail = nil
		return err
	}
	if quantity <= 0 || quantity > g.balances[session.Holder] {
		return ContractError{Reason: "quantity exceeds holder balance"}
	}
	g.balances[session.Holder] -= quantity
	g.Supply += quantity
	return nil
}

// SetBalance seeds a holder balance; test helper.
func (g *StubGateway) SetBalance(holder string, quantity float64) {
	g.mu.Lock()
	defer g.mu.Unlock()
	g.balances[holder] = quantity
}
