package server

import (
	"workyield/internal/domain"
	"workyield/internal/export"
	"workyield/internal/quote"
)

type CreateOrderRequest struct {
	Number        string           `json:"number"`
	Customer      domain.Customer  `json:"customer"`
	ServiceType   string           `json:"service_type,omitempty"`
	Priority      string           `json:"priority,omitempty"`
	Category      string           `json:"category,omitempty"`
	Description   string           `json:"description,omitempty"`
	Instructions  string           `json:"instructions,omitempty"`
	Cost          float64          `json:"cost"`
	ScheduledDate string           `json:"scheduled_date,omitempty"`
	ToBeTokenized bool             `json:"to_be_tokenized,omitempty"`
	Units         []domain.Unit    `json:"units,omitempty"`
	Misc          domain.MiscCosts `json:"misc,omitempty"`
	Labor         domain.Labor     `json:"labor,omitempty"`
	MarginPercent *float64         `json:"margin_percent,omitempty"`
}

type UpdateOrderRequest struct {
	Description   *string  `json:"description,omitempty"`
	Instructions  *string  `json:"instructions,omitempty"`
	Cost          *float64 `json:"cost,omitempty"`
	ScheduledDate *string  `json:"scheduled_date,omitempty"`
	Priority      *string  `json:"priority,omitempty"`
	MarginPercent *float64 `json:"margin_percent,omitempty"`
}

type AttachReportRequest struct {
	ReportRef string `json:"report_ref"`
}

type QuoteRequest struct {
	Number        string           `json:"number,omitempty"`
	Customer      domain.Customer  `json:"customer,omitempty"`
	ServiceType   string           `json:"service_type,omitempty"`
	Description   string           `json:"description,omitempty"`
	Units         []QuoteUnit      `json:"units,omitempty"`
	Misc          domain.MiscCosts `json:"misc,omitempty"`
	Labor         domain.Labor     `json:"labor,omitempty"`
	MarginPercent *float64         `json:"margin_percent,omitempty"`
	ToBeTokenized bool             `json:"to_be_tokenized,omitempty"`
	ScheduledDate string           `json:"scheduled_date,omitempty"`
}

type QuoteUnit struct {
	Name     string   `json:"name"`
	Type     string   `json:"type,omitempty"`
	Brand    string   `json:"brand,omitempty"`
	Model    string   `json:"model,omitempty"`
	Serial   string   `json:"serial,omitempty"`
	Services []string `json:"services,omitempty"`
}

type LedgerAmountRequest struct {
	Quantity float64 `json:"quantity"`
}

type OrderResponse struct {
	domain.WorkOrder
}

type paginatedOrders struct {
	Items      []OrderResponse `json:"items"`
	NextCursor string          `json:"next_cursor,omitempty"`
}

type QuoteTotalsResponse struct {
	quote.Totals
	TokenSymbol string `json:"token_symbol,omitempty"`
}

type DocumentResponse struct {
	export.Document
}

func orderResponse(o domain.WorkOrder) OrderResponse {
	return OrderResponse{WorkOrder: o}
}

func mapOrders(orders []domain.WorkOrder) []OrderResponse {
	out := make([]OrderResponse, 0, len(orders))
	for _, o := range orders {
		out = append(out, orderResponse(o))
	}
	return out
}
