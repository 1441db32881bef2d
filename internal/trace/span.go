// Package trace persists one span per relay delivery attempt and serves the
// queries behind /api/relay/trace and /api/relay/metrics.
package trace

import "time"

// Status is the lifecycle of a span.
type Status string

const (
	StatusPending      Status = "pending"
	StatusDelivered    Status = "delivered"
	StatusProcessed    Status = "processed"
	StatusFailed       Status = "failed"
	StatusDeadLettered Status = "dead_lettered"
)

// Span is one trace-store row. The parent span of an envelope has an empty
// ParentSpanID; each delivery attempt is a child span.
type Span struct {
	SpanID       string `json:"spanId"`
	MessageID    string `json:"messageId"`
	TraceID      string `json:"traceId"` // root message id
	ParentSpanID string `json:"parentSpanId,omitempty"`

	Subject      string `json:"subject"`
	FromEndpoint string `json:"fromEndpoint,omitempty"`
	ToEndpoint   string `json:"toEndpoint,omitempty"`

	Status               Status `json:"status"`
	BudgetHopsUsed       int    `json:"budgetHopsUsed"`
	BudgetTTLRemainingMs int64  `json:"budgetTtlRemainingMs"`

	SentAt      time.Time  `json:"sentAt"`
	DeliveredAt *time.Time `json:"deliveredAt,omitempty"`
	ProcessedAt *time.Time `json:"processedAt,omitempty"`
	Error       string     `json:"error,omitempty"`
}

// SpanPatch is a partial update of the mutable span fields.
type SpanPatch struct {
	Status               *Status
	DeliveredAt          *time.Time
	ProcessedAt          *time.Time
	Error                *string
	BudgetHopsUsed       *int
	BudgetTTLRemainingMs *int64
}

// Metrics aggregates the store. Latency fields are nil when no span has a
// delivery timestamp yet.
type Metrics struct {
	TotalMessages         int64    `json:"totalMessages"`
	DeliveredCount        int64    `json:"deliveredCount"`
	FailedCount           int64    `json:"failedCount"`
	DeadLetteredCount     int64    `json:"deadLetteredCount"`
	AvgDeliveryLatencyMs  *float64 `json:"avgDeliveryLatencyMs"`
	P95DeliveryLatencyMs  *float64 `json:"p95DeliveryLatencyMs"`
	ActiveEndpoints       int      `json:"activeEndpoints"`
}

// MessageFilter narrows QueryMessages. Cursor pages backwards through
// sentAt (unix ms); zero means newest.
type MessageFilter struct {
	Subject string
	Status  Status
	From    string
	Cursor  int64
	Limit   int
}
