package domain

// Job execution status for a work order.
const (
	JobScheduled  = "scheduled"
	JobInProgress = "in_progress"
	JobCompleted  = "completed"
	JobCancelled  = "cancelled"
)

// Tokenization pipeline status, independent of job status.
const (
	TokenNotApplicable    = "not_applicable"
	TokenPending          = "pending"
	TokenAwaitingApproval = "awaiting_approval"
	TokenTokenized        = "tokenized"
)

type Customer struct {
	Name    string `json:"name"`
	Address string `json:"address,omitempty"`
	Phone   string `json:"phone,omitempty"`
}

// ServiceLine is a catalog service copied by value onto a unit when
// selected; later catalog edits never alter it.
type ServiceLine struct {
	ServiceID string  `json:"service_id"`
	Name      string  `json:"name"`
	Category  string  `json:"category,omitempty"`
	Cost      float64 `json:"cost"`
}

// Unit is one piece of equipment on a quote or work order.
type Unit struct {
	Name     string        `json:"name"`
	Type     string        `json:"type,omitempty"`
	Brand    string        `json:"brand,omitempty"`
	Model    string        `json:"model,omitempty"`
	Serial   string        `json:"serial,omitempty"`
	Services []ServiceLine `json:"services,omitempty"`
}

type Labor struct {
	Hours float64 `json:"hours"`
	Rate  float64 `json:"rate"`
}

// MiscCosts are the named cost buckets outside unit services and labor.
type MiscCosts struct {
	Delivery    float64 `json:"delivery,omitempty"`
	Rental      float64 `json:"rental,omitempty"`
	Trip        float64 `json:"trip,omitempty"`
	Consumables float64 `json:"consumables,omitempty"`
}

// WorkOrder identity is the internal ID. Number is a caller-supplied
// label and is not guaranteed unique across orders.
type WorkOrder struct {
	ID             string    `json:"id"`
	Number         string    `json:"number"`
	Customer       Customer  `json:"customer"`
	ServiceType    string    `json:"service_type,omitempty"`
	Priority       string    `json:"priority,omitempty" enum:"low,normal,high,urgent"`
	Category       string    `json:"category,omitempty"`
	Description    string    `json:"description,omitempty"`
	Instructions   string    `json:"instructions,omitempty"`
	Cost           float64   `json:"cost"`
	ScheduledDate  string    `json:"scheduled_date,omitempty"`
	JobStatus      string    `json:"job_status" enum:"scheduled,in_progress,completed,cancelled"`
	ToBeTokenized  bool      `json:"to_be_tokenized"`
	TokenStatus    string    `json:"token_status" enum:"not_applicable,pending,awaiting_approval,tokenized"`
	ReportRef      *string   `json:"report_ref,omitempty"`
	MintedQuantity *float64  `json:"minted_quantity,omitempty"`
	TokenMemo      *string   `json:"token_memo,omitempty"`
	Units          []Unit    `json:"units,omitempty"`
	Misc           MiscCosts `json:"misc"`
	Labor          Labor     `json:"labor"`
	MarginPercent  float64   `json:"margin_percent"`
	CustomerPrice  float64   `json:"customer_price"`
	CreatedAt      string    `json:"created_at" format:"date-time"`
	UpdatedAt      string    `json:"updated_at" format:"date-time"`
	CompletedAt    *string   `json:"completed_at,omitempty" format:"date-time"`
	TokenizedAt    *string   `json:"tokenized_at,omitempty" format:"date-time"`
}

// Service is an immutable catalog entry.
type Service struct {
	ID       string  `json:"id" yaml:"id"`
	Name     string  `json:"name" yaml:"name"`
	Category string  `json:"category" yaml:"category"`
	Cost     float64 `json:"cost" yaml:"cost"`
}

type Event struct {
	ID         int64  `json:"id"`
	TS         string `json:"ts" format:"date-time"`
	Type       string `json:"type"`
	EntityKind string `json:"entity_kind"`
	EntityID   string `json:"entity_id,omitempty"`
	ActorID    string `json:"actor_id"`
	Payload    string `json:"payload_json"`
}

// Snapshot is a cached view of ledger balances; stale between refreshes.
type Snapshot struct {
	AvailableSupply float64 `json:"available_supply"`
	Balance         float64 `json:"balance"`
	Holder          string  `json:"holder,omitempty"`
	RefreshedAt     string  `json:"refreshed_at" format:"date-time"`
}
