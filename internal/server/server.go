package server

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"strings"
	"time"

	"github.com/danielgtaylor/huma/v2"
	humachi "github.com/danielgtaylor/huma/v2/adapters/humachi"
	"github.com/go-chi/chi/v5"

	"workyield/internal/domain"
	"workyield/internal/engine"
	"workyield/internal/export"
	"workyield/internal/ledger"
	"workyield/internal/quote"
	"workyield/internal/repo"
)

// Config for the HTTP API handler.
type Config struct {
	Engine   engine.Engine
	BasePath string
	Auth     AuthConfig
}

type apiErrorBody struct {
	Code    string         `json:"code" example:"invalid_transition"`
	Message string         `json:"message" example:"invalid job status transition scheduled -> completed"`
	Details map[string]any `json:"details,omitempty" jsonschema:"type=object,additionalProperties=true"`
}

// apiError models the error envelope.
type apiError struct {
	status int
	Body   apiErrorBody `json:"error"`
}

func (e *apiError) GetStatus() int { return e.status }
func (e *apiError) Error() string  { return e.Body.Message }

// New returns an HTTP handler exposing the Workyield API.
func New(cfg Config) (http.Handler, error) {
	basePath := cfg.BasePath
	if basePath == "" {
		basePath = "/v0"
	}
	if !strings.HasPrefix(basePath, "/") {
		basePath = "/" + basePath
	}
	huma.DefaultArrayNullable = false
	huma.NewError = func(status int, msg string, errs ...error) huma.StatusError {
		return newAPIError(status, "", msg, nil)
	}
	huma.NewErrorWithContext = func(_ huma.Context, status int, msg string, errs ...error) huma.StatusError {
		if status == http.StatusUnprocessableEntity && strings.Contains(strings.ToLower(msg), "validation") {
			status = http.StatusBadRequest
		}
		var details map[string]any
		if len(errs) > 0 {
			details = map[string]any{"errors": errs}
		}
		return newAPIError(status, "", msg, details)
	}

	router := chi.NewRouter()
	router.Use(newAuthMiddleware(basePath, cfg.Auth))
	hcfg := huma.DefaultConfig("Workyield API", "0.1.0")
	hcfg.OpenAPIPath = "/openapi"
	api := humachi.New(router, hcfg)
	group := huma.NewGroup(api, basePath)

	registerHealth(group)
	registerStatus(group, cfg.Engine)
	registerCatalog(group, cfg.Engine)
	registerOrders(group, cfg.Engine)
	registerTokenization(group, cfg.Engine)
	registerQuotes(group, cfg.Engine)
	registerLedger(group, cfg.Engine)
	registerEvents(group, cfg.Engine)

	startWebhookDispatcher(cfg.Engine)

	return router, nil
}

func newAPIError(status int, code, message string, details map[string]any) huma.StatusError {
	if code == "" {
		code = defaultCodeForStatus(status)
	}
	return &apiError{
		status: status,
		Body: apiErrorBody{
			Code:    code,
			Message: message,
			Details: details,
		},
	}
}

func handleError(err error) huma.StatusError {
	if err == nil {
		return nil
	}
	var ve engine.ValidationError
	if errors.As(err, &ve) {
		return newAPIError(http.StatusBadRequest, "bad_request", err.Error(), map[string]any{"field": ve.Field})
	}
	var te engine.StateTransitionError
	if errors.As(err, &te) {
		return newAPIError(http.StatusConflict, "invalid_transition", err.Error(), map[string]any{
			"machine": te.Machine,
			"from":    te.From,
			"to":      te.To,
		})
	}
	var ae ledger.AuthenticationRequiredError
	if errors.As(err, &ae) {
		return newAPIError(http.StatusUnauthorized, "unauthorized", err.Error(), nil)
	}
	var ie ledger.InsufficientBalanceError
	if errors.As(err, &ie) {
		return newAPIError(http.StatusUnprocessableEntity, "insufficient_balance", err.Error(), map[string]any{
			"requested": ie.Requested,
			"available": ie.Available,
		})
	}
	var re ledger.RejectedError
	if errors.As(err, &re) {
		return newAPIError(http.StatusUnprocessableEntity, "rejected", err.Error(), nil)
	}
	var ce ledger.ContractError
	if errors.As(err, &ce) {
		return newAPIError(http.StatusBadGateway, "contract_reverted", err.Error(), map[string]any{"retryable": true})
	}
	var ne ledger.NetworkError
	if errors.As(err, &ne) {
		return newAPIError(http.StatusBadGateway, "ledger_unreachable", err.Error(), map[string]any{"retryable": true})
	}
	if errors.Is(err, repo.ErrNotFound) {
		return newAPIError(http.StatusNotFound, "not_found", err.Error(), nil)
	}
	msg := err.Error()
	lowered := strings.ToLower(msg)
	if strings.Contains(lowered, "invalid") || strings.Contains(lowered, "required") || strings.Contains(lowered, "not in catalog") {
		return newAPIError(http.StatusBadRequest, "bad_request", msg, nil)
	}
	return newAPIError(http.StatusInternalServerError, "internal_error", "internal error", map[string]any{"error": msg})
}

func defaultCodeForStatus(status int) string {
	switch status {
	case http.StatusBadRequest:
		return "bad_request"
	case http.StatusUnauthorized:
		return "unauthorized"
	case http.StatusNotFound:
		return "not_found"
	case http.StatusConflict:
		return "conflict"
	case http.StatusUnprocessableEntity:
		return "validation_failed"
	case http.StatusBadGateway:
		return "ledger_unreachable"
	case http.StatusInternalServerError:
		return "internal_error"
	default:
		return strings.ToLower(strings.ReplaceAll(http.StatusText(status), " ", "_"))
	}
}

func registerHealth(api huma.API) {
	huma.Register(api, huma.Operation{
		OperationID: "health",
		Method:      http.MethodGet,
		Path:        "/health",
		Summary:     "Health check",
	}, func(ctx context.Context, _ *struct{}) (*struct {
		Body map[string]string `json:"body"`
	}, error) {
		return &struct {
			Body map[string]string `json:"body"`
		}{Body: map[string]string{"status": "ok"}}, nil
	})
}

func registerStatus(api huma.API, e engine.Engine) {
	huma.Register(api, huma.Operation{
		OperationID: "status",
		Method:      http.MethodGet,
		Path:        "/status",
		Summary:     "Workspace status",
	}, func(ctx context.Context, _ *struct{}) (*struct {
		Body map[string]any `json:"body"`
	}, error) {
		counts, err := e.Repo.CountOrdersByJobStatus(ctx)
		if err != nil {
			return nil, handleError(err)
		}
		return &struct {
			Body map[string]any `json:"body"`
		}{Body: map[string]any{
			"business":     e.Config.Business.Name,
			"order_counts": counts,
		}}, nil
	})
}

func registerCatalog(api huma.API, e engine.Engine) {
	huma.Register(api, huma.Operation{
		OperationID: "list-catalog",
		Method:      http.MethodGet,
		Path:        "/catalog",
		Summary:     "List service catalog",
	}, func(ctx context.Context, _ *struct{}) (*struct {
		Body []domain.Service `json:"body"`
	}, error) {
		return &struct {
			Body []domain.Service `json:"body"`
		}{Body: e.Config.Catalog}, nil
	})
}

func registerOrders(api huma.API, e engine.Engine) {
	huma.Register(api, huma.Operation{
		OperationID:   "create-order",
		Method:        http.MethodPost,
		Path:          "/orders",
		Summary:       "Create work order",
		DefaultStatus: http.StatusCreated,
		Errors:        []int{http.StatusBadRequest, http.StatusUnprocessableEntity},
	}, func(ctx context.Context, input *struct {
		Body CreateOrderRequest `json:"body"`
	}) (*struct {
		Body OrderResponse `json:"body"`
	}, error) {
		margin := e.Config.Pricing.DefaultMarginPercent
		if input.Body.MarginPercent != nil {
			margin = *input.Body.MarginPercent
		}
		o, err := e.CreateOrder(ctx, engine.OrderCreateOptions{
			Number:        input.Body.Number,
			Customer:      input.Body.Customer,
			ServiceType:   input.Body.ServiceType,
			Priority:      input.Body.Priority,
			Category:      input.Body.Category,
			Description:   input.Body.Description,
			Instructions:  input.Body.Instructions,
			Cost:          input.Body.Cost,
			ScheduledDate: input.Body.ScheduledDate,
			ToBeTokenized: input.Body.ToBeTokenized,
			Units:         input.Body.Units,
			Misc:          input.Body.Misc,
			Labor:         input.Body.Labor,
			MarginPercent: margin,
			ActorID:       actorFromContext(ctx, e.Config.Business.DefaultActor),
		})
		if err != nil {
			return nil, handleError(err)
		}
		return &struct {
			Body OrderResponse `json:"body"`
		}{Body: orderResponse(o)}, nil
	})

	huma.Register(api, huma.Operation{
		OperationID: "list-orders",
		Method:      http.MethodGet,
		Path:        "/orders",
		Summary:     "List work orders",
		Errors:      []int{http.StatusBadRequest},
	}, func(ctx context.Context, input *struct {
		JobStatus   string `query:"job_status"`
		TokenStatus string `query:"token_status"`
		Customer    string `query:"customer"`
		Number      string `query:"number"`
		Tokenizable bool   `query:"tokenizable"`
		Limit       int    `query:"limit" default:"50"`
		Cursor      string `query:"cursor"`
	}) (*struct {
		Body paginatedOrders `json:"body"`
	}, error) {
		limit := normalizeLimit(input.Limit)
		cursorCreated, cursorID, err := parseCompositeCursor(input.Cursor)
		if err != nil {
			return nil, newAPIError(http.StatusBadRequest, "bad_request", "invalid cursor", map[string]any{"cursor": input.Cursor})
		}
		orders, err := e.Repo.ListOrders(ctx, repo.OrderFilters{
			JobStatus:       input.JobStatus,
			TokenStatus:     input.TokenStatus,
			Customer:        input.Customer,
			Number:          input.Number,
			Tokenizable:     input.Tokenizable,
			Limit:           limit + 1,
			CursorCreatedAt: cursorCreated,
			CursorID:        cursorID,
		})
		if err != nil {
			return nil, handleError(err)
		}
		resp := paginatedOrders{Items: []OrderResponse{}}
		if len(orders) > limit {
			resp.NextCursor = composeCursor(orders[limit].CreatedAt, orders[limit].ID)
			orders = orders[:limit]
		}
		resp.Items = mapOrders(orders)
		return &struct {
			Body paginatedOrders `json:"body"`
		}{Body: resp}, nil
	})

	huma.Register(api, huma.Operation{
		OperationID: "get-order",
		Method:      http.MethodGet,
		Path:        "/orders/{id}",
		Summary:     "Get work order",
		Errors:      []int{http.StatusNotFound},
	}, func(ctx context.Context, input *struct {
		ID string `path:"id"`
	}) (*struct {
		Body OrderResponse `json:"body"`
	}, error) {
		o, err := e.Repo.GetOrder(ctx, input.ID)
		if err != nil {
			return nil, handleError(err)
		}
		return &struct {
			Body OrderResponse `json:"body"`
		}{Body: orderResponse(o)}, nil
	})

	huma.Register(api, huma.Operation{
		OperationID: "update-order",
		Method:      http.MethodPatch,
		Path:        "/orders/{id}",
		Summary:     "Update work order",
		Errors:      []int{http.StatusBadRequest, http.StatusNotFound, http.StatusConflict},
	}, func(ctx context.Context, input *struct {
		ID   string             `path:"id"`
		Body UpdateOrderRequest `json:"body"`
	}) (*struct {
		Body OrderResponse `json:"body"`
	}, error) {
		o, err := e.UpdateOrder(ctx, engine.OrderUpdateOptions{
			ID:            input.ID,
			Description:   input.Body.Description,
			Instructions:  input.Body.Instructions,
			Cost:          input.Body.Cost,
			ScheduledDate: input.Body.ScheduledDate,
			Priority:      input.Body.Priority,
			MarginPercent: input.Body.MarginPercent,
			ActorID:       actorFromContext(ctx, e.Config.Business.DefaultActor),
		})
		if err != nil {
			return nil, handleError(err)
		}
		return &struct {
			Body OrderResponse `json:"body"`
		}{Body: orderResponse(o)}, nil
	})

	huma.Register(api, huma.Operation{
		OperationID: "delete-order",
		Method:      http.MethodDelete,
		Path:        "/orders/{id}",
		Summary:     "Delete cancelled work order",
		Errors:      []int{http.StatusBadRequest, http.StatusNotFound, http.StatusConflict},
	}, func(ctx context.Context, input *struct {
		ID      string `path:"id"`
		Confirm bool   `query:"confirm"`
	}) (*struct{}, error) {
		if err := e.DeleteOrder(ctx, input.ID, input.Confirm, actorFromContext(ctx, e.Config.Business.DefaultActor)); err != nil {
			return nil, handleError(err)
		}
		return &struct{}{}, nil
	})

	type transition struct {
		opID, path, summary string
		fn                  func(context.Context, string, string) (domain.WorkOrder, error)
	}
	for _, tr := range []transition{
		{"start-order", "/orders/{id}/start", "Start work order", e.StartOrder},
		{"complete-order", "/orders/{id}/complete", "Complete work order", e.CompleteOrder},
		{"cancel-order", "/orders/{id}/cancel", "Cancel work order", e.CancelOrder},
	} {
		tr := tr
		huma.Register(api, huma.Operation{
			OperationID: tr.opID,
			Method:      http.MethodPost,
			Path:        tr.path,
			Summary:     tr.summary,
			Errors:      []int{http.StatusNotFound, http.StatusConflict},
		}, func(ctx context.Context, input *struct {
			ID string `path:"id"`
		}) (*struct {
			Body OrderResponse `json:"body"`
		}, error) {
			o, err := tr.fn(ctx, input.ID, actorFromContext(ctx, e.Config.Business.DefaultActor))
			if err != nil {
				return nil, handleError(err)
			}
			return &struct {
				Body OrderResponse `json:"body"`
			}{Body: orderResponse(o)}, nil
		})
	}

	huma.Register(api, huma.Operation{
		OperationID: "order-document",
		Method:      http.MethodGet,
		Path:        "/orders/{id}/document",
		Summary:     "Customer document for a work order",
		Errors:      []int{http.StatusBadRequest, http.StatusNotFound},
	}, func(ctx context.Context, input *struct {
		ID   string `path:"id"`
		Mode string `query:"mode" enum:"flat_rate,itemized,hidden"`
	}) (*struct {
		Body DocumentResponse `json:"body"`
	}, error) {
		mode, err := export.ParseMode(input.Mode)
		if err != nil {
			return nil, newAPIError(http.StatusBadRequest, "bad_request", err.Error(), nil)
		}
		o, err := e.Repo.GetOrder(ctx, input.ID)
		if err != nil {
			return nil, handleError(err)
		}
		doc, err := export.Build(e.Config, o, mode, time.Now())
		if err != nil {
			return nil, handleError(err)
		}
		return &struct {
			Body DocumentResponse `json:"body"`
		}{Body: DocumentResponse{Document: doc}}, nil
	})
}

func registerTokenization(api huma.API, e engine.Engine) {
	huma.Register(api, huma.Operation{
		OperationID: "attach-report",
		Method:      http.MethodPost,
		Path:        "/orders/{id}/report",
		Summary:     "Attach service report",
		Errors:      []int{http.StatusBadRequest, http.StatusNotFound, http.StatusConflict},
	}, func(ctx context.Context, input *struct {
		ID   string              `path:"id"`
		Body AttachReportRequest `json:"body"`
	}) (*struct {
		Body OrderResponse `json:"body"`
	}, error) {
		o, err := e.AttachReport(ctx, input.ID, input.Body.ReportRef, actorFromContext(ctx, e.Config.Business.DefaultActor))
		if err != nil {
			return nil, handleError(err)
		}
		return &struct {
			Body OrderResponse `json:"body"`
		}{Body: orderResponse(o)}, nil
	})

	huma.Register(api, huma.Operation{
		OperationID: "approve-order",
		Method:      http.MethodPost,
		Path:        "/orders/{id}/approve",
		Summary:     "Approve report and mint yield tokens",
		Errors: []int{
			http.StatusUnauthorized,
			http.StatusNotFound,
			http.StatusConflict,
			http.StatusUnprocessableEntity,
			http.StatusBadGateway,
		},
	}, func(ctx context.Context, input *struct {
		ID string `path:"id"`
	}) (*struct {
		Body OrderResponse `json:"body"`
	}, error) {
		session := sessionFromContext(ctx)
		o, err := e.ApproveAndMint(ctx, input.ID, session, actorFromContext(ctx, e.Config.Business.DefaultActor))
		if err != nil {
			return nil, handleError(err)
		}
		return &struct {
			Body OrderResponse `json:"body"`
		}{Body: orderResponse(o)}, nil
	})
}

func registerQuotes(api huma.API, e engine.Engine) {
	b := quote.NewBuilder(e.Config)

	buildDraft := func(req QuoteRequest) (quote.Draft, error) {
		d := b.NewDraft()
		d.Number = req.Number
		d.Customer = req.Customer
		d.ServiceType = req.ServiceType
		d.Description = req.Description
		d.Misc = req.Misc
		d.ToBeTokenized = req.ToBeTokenized
		d.ScheduledDate = req.ScheduledDate
		if req.Labor.Hours > 0 {
			d.Labor.Hours = req.Labor.Hours
			if req.Labor.Rate > 0 {
				d.Labor.Rate = req.Labor.Rate
			}
		}
		if req.MarginPercent != nil {
			d.MarginPercent = *req.MarginPercent
		}
		for i, u := range req.Units {
			d.AddUnit(domain.Unit{Name: u.Name, Type: u.Type, Brand: u.Brand, Model: u.Model, Serial: u.Serial})
			for _, id := range u.Services {
				if err := b.SelectService(&d, i, id); err != nil {
					return quote.Draft{}, err
				}
			}
		}
		return d, nil
	}

	huma.Register(api, huma.Operation{
		OperationID: "price-quote",
		Method:      http.MethodPost,
		Path:        "/quotes/price",
		Summary:     "Price a quote",
		Errors:      []int{http.StatusBadRequest},
	}, func(ctx context.Context, input *struct {
		Body QuoteRequest `json:"body"`
	}) (*struct {
		Body QuoteTotalsResponse `json:"body"`
	}, error) {
		d, err := buildDraft(input.Body)
		if err != nil {
			return nil, handleError(err)
		}
		totals, err := b.Totals(d)
		if err != nil {
			return nil, handleError(fmt.Errorf("invalid quote: %w", err))
		}
		return &struct {
			Body QuoteTotalsResponse `json:"body"`
		}{Body: QuoteTotalsResponse{Totals: totals, TokenSymbol: e.Config.Tokenization.TokenSymbol}}, nil
	})

	huma.Register(api, huma.Operation{
		OperationID:   "submit-quote",
		Method:        http.MethodPost,
		Path:          "/quotes/submit",
		Summary:       "Finalize a quote into a work order",
		DefaultStatus: http.StatusCreated,
		Errors:        []int{http.StatusBadRequest, http.StatusUnprocessableEntity},
	}, func(ctx context.Context, input *struct {
		Body QuoteRequest `json:"body"`
	}) (*struct {
		Body OrderResponse `json:"body"`
	}, error) {
		d, err := buildDraft(input.Body)
		if err != nil {
			return nil, handleError(err)
		}
		opts, err := b.Finalize(d, actorFromContext(ctx, e.Config.Business.DefaultActor))
		if err != nil {
			return nil, handleError(fmt.Errorf("invalid quote: %w", err))
		}
		o, err := e.CreateOrder(ctx, opts)
		if err != nil {
			return nil, handleError(err)
		}
		return &struct {
			Body OrderResponse `json:"body"`
		}{Body: orderResponse(o)}, nil
	})
}

func registerLedger(api huma.API, e engine.Engine) {
	huma.Register(api, huma.Operation{
		OperationID: "ledger-snapshot",
		Method:      http.MethodGet,
		Path:        "/ledger/snapshot",
		Summary:     "Ledger supply and balance snapshot",
		Errors:      []int{http.StatusBadGateway},
	}, func(ctx context.Context, input *struct {
		Refresh bool `query:"refresh" default:"true"`
	}) (*struct {
		Body domain.Snapshot `json:"body"`
	}, error) {
		holder := ""
		if s := sessionFromContext(ctx); s != nil {
			holder = s.Holder
		}
		if !input.Refresh {
			if snap, ok := e.Snapshots.Cached(holder); ok {
				return &struct {
					Body domain.Snapshot `json:"body"`
				}{Body: snap}, nil
			}
		}
		snap, err := e.Snapshots.Refresh(ctx, holder)
		if err != nil {
			return nil, handleError(err)
		}
		return &struct {
			Body domain.Snapshot `json:"body"`
		}{Body: snap}, nil
	})

	type ledgerOp struct {
		opID, path, summary string
		fn                  func(context.Context, *ledger.Session, float64, string) (domain.Snapshot, error)
	}
	for _, op := range []ledgerOp{
		{"ledger-buy", "/ledger/buy", "Buy tokens", e.Buy},
		{"ledger-redeem", "/ledger/redeem", "Redeem tokens", e.Redeem},
	} {
		op := op
		huma.Register(api, huma.Operation{
			OperationID: op.opID,
			Method:      http.MethodPost,
			Path:        op.path,
			Summary:     op.summary,
			Errors: []int{
				http.StatusBadRequest,
				http.StatusUnauthorized,
				http.StatusUnprocessableEntity,
				http.StatusBadGateway,
			},
		}, func(ctx context.Context, input *struct {
			Body LedgerAmountRequest `json:"body"`
		}) (*struct {
			Body domain.Snapshot `json:"body"`
		}, error) {
			session := sessionFromContext(ctx)
			snap, err := op.fn(ctx, session, input.Body.Quantity, actorFromContext(ctx, e.Config.Business.DefaultActor))
			if err != nil {
				return nil, handleError(err)
			}
			return &struct {
				Body domain.Snapshot `json:"body"`
			}{Body: snap}, nil
		})
	}
}

func registerEvents(api huma.API, e engine.Engine) {
	huma.Register(api, huma.Operation{
		OperationID: "list-events",
		Method:      http.MethodGet,
		Path:        "/events",
		Summary:     "Latest events",
		Errors:      []int{http.StatusBadRequest},
	}, func(ctx context.Context, input *struct {
		Limit      int    `query:"limit" default:"50"`
		Type       string `query:"type"`
		EntityKind string `query:"entity_kind"`
		EntityID   string `query:"entity_id"`
	}) (*struct {
		Body []domain.Event `json:"body"`
	}, error) {
		evts, err := e.Repo.LatestEvents(ctx, normalizeLimit(input.Limit), input.Type, input.EntityKind, input.EntityID)
		if err != nil {
			return nil, handleError(err)
		}
		if evts == nil {
			evts = []domain.Event{}
		}
		return &struct {
			Body []domain.Event `json:"body"`
		}{Body: evts}, nil
	})
}

func normalizeLimit(in int) int {
	if in <= 0 {
		return 50
	}
	if in > 200 {
		return 200
	}
	return in
}

func parseCompositeCursor(cursor string) (string, string, error) {
	if cursor == "" {
		return "", "", nil
	}
	parts := strings.SplitN(cursor, "|", 2)
	if len(parts) != 2 || parts[0] == "" || parts[1] == "" {
		return "", "", fmt.Errorf("invalid cursor")
	}
	return parts[0], parts[1], nil
}

func composeCursor(ts, id string) string {
	if ts == "" || id == "" {
		return ""
	}
	return ts + "|" + id
}
