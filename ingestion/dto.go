package ingestion

import (
	"bytes"
	"encoding/json"
	"fmt"
	"time"

	"github.com/octup/fulfillment-core/core"
	"github.com/octup/fulfillment-core/domain"
	"github.com/santhosh-tekuri/jsonschema/v6"
)

// EventRequest is the wire shape shared by all three ingestion endpoints
// (spec.md §6 "Event schemas"). Payload carries source-specific
// extension fields and, for shopify order_paid, the embedded order
// document the Order Analyzer inspects.
type EventRequest struct {
	Source         domain.Source          `json:"source"`
	EventType      string                 `json:"event_type"`
	EventID        string                 `json:"event_id"`
	OrderID        string                 `json:"order_id"`
	OccurredAt     time.Time              `json:"occurred_at"`
	IdempotencyKey string                 `json:"idempotency_key,omitempty"`
	Payload        map[string]interface{} `json:"payload,omitempty"`

	Carrier          string `json:"carrier,omitempty"`
	TrackingNumber   string `json:"tracking_number,omitempty"`
	AddressHash      string `json:"address_hash,omitempty"`
	Station          string `json:"station,omitempty"`
	WorkerID         string `json:"worker_id,omitempty"`
	ItemsCount       int    `json:"items_count,omitempty"`
	Location         string `json:"location,omitempty"`
	DeliveryNotes    string `json:"delivery_notes,omitempty"`
}

// BatchRequest is the body of POST /ingest/v2/events/batch.
type BatchRequest struct {
	Events   []EventRequest `json:"events"`
	BatchID  string         `json:"batch_id,omitempty"`
	Priority string         `json:"priority,omitempty"`
}

// Status is the outcome of one IngestEvent call, spec.md §6.
type Status string

const (
	StatusProcessed          Status = "processed"
	StatusDuplicate          Status = "duplicate"
	StatusDuplicateInFlight  Status = "duplicate_in_flight"
	StatusAcceptedWithErrors Status = "accepted_with_errors"
)

// IngestResult is the response to one IngestEvent call.
type IngestResult struct {
	OK               bool       `json:"ok"`
	Status           Status     `json:"status"`
	EventID          string     `json:"event_id"`
	OrderID          string     `json:"order_id"`
	ProcessedAt      time.Time  `json:"processed_at"`
	ExceptionCreated bool       `json:"exception_created"`
	ExceptionIDs     []string   `json:"exception_ids,omitempty"`
	CorrelationID    string     `json:"correlation_id"`
}

// BatchResult is the response to IngestBatch.
type BatchResult struct {
	ProcessedCount   int      `json:"processed_count"`
	EventIDs         []string `json:"event_ids"`
	Status           string   `json:"status"`
	Message          string   `json:"message,omitempty"`
	ProcessingTimeMs int64    `json:"processing_time_ms"`
}

// allowedEventTypes is the per-source event_type enumeration, spec.md §6.
var allowedEventTypes = map[domain.Source]map[string]bool{
	domain.SourceShopify: setOf("order_paid", "order_fulfilled", "fulfillment_update", "order_cancelled"),
	domain.SourceWMS: setOf("pick_started", "pick_completed", "pack_started", "pack_completed",
		"ship_label_printed", "label_created", "manifested", "exception_reported"),
	domain.SourceCarrier: setOf("pickup_scheduled", "picked_up", "shipment_dispatched", "in_transit",
		"out_for_delivery", "delivered", "delivery_failed", "returned"),
}

func setOf(values ...string) map[string]bool {
	out := make(map[string]bool, len(values))
	for _, v := range values {
		out[v] = true
	}
	return out
}

// commonEventSchema is the draft 2020-12 JSON Schema enforcing the fields
// every event shares. event_type's enum is source-specific and checked
// separately since one schema document is reused for all three sources.
const commonEventSchema = `{
  "$schema": "https://json-schema.org/draft/2020-12/schema",
  "type": "object",
  "required": ["source", "event_type", "event_id", "order_id", "occurred_at"],
  "properties": {
    "source": {"type": "string", "minLength": 1},
    "event_type": {"type": "string", "minLength": 1},
    "event_id": {"type": "string", "minLength": 1, "maxLength": 200},
    "order_id": {"type": "string", "minLength": 1, "maxLength": 200},
    "occurred_at": {"type": "string", "minLength": 1},
    "idempotency_key": {"type": "string", "maxLength": 200},
    "carrier": {"type": "string", "maxLength": 100},
    "tracking_number": {"type": "string", "maxLength": 100},
    "address_hash": {"type": "string", "maxLength": 200},
    "station": {"type": "string", "maxLength": 100},
    "worker_id": {"type": "string", "maxLength": 100},
    "location": {"type": "string", "maxLength": 200},
    "delivery_notes": {"type": "string", "maxLength": 2000}
  }
}`

// SchemaValidator compiles the common event schema once and additionally
// enforces the source-specific event_type enum, per spec.md §4.1 step 1.
// A validation failure never reaches the DLQ (spec.md §7).
type SchemaValidator struct {
	schema *jsonschema.Schema
}

// NewSchemaValidator compiles commonEventSchema. Failing to compile the
// schema is a startup error, not a runtime one.
func NewSchemaValidator() (*SchemaValidator, error) {
	compiler := jsonschema.NewCompiler()
	if err := compiler.AddResource("event.json", bytes.NewReader([]byte(commonEventSchema))); err != nil {
		return nil, fmt.Errorf("ingestion: add schema resource: %w", err)
	}
	schema, err := compiler.Compile("event.json")
	if err != nil {
		return nil, fmt.Errorf("ingestion: compile event schema: %w", err)
	}
	return &SchemaValidator{schema: schema}, nil
}

// Validate checks raw (the decoded request body) against the common
// schema and the source's event_type enum.
func (v *SchemaValidator) Validate(source domain.Source, raw map[string]interface{}) error {
	if !source.Valid() {
		return core.NewDomainError("ingestion.Validate", core.KindValidation,
			fmt.Errorf("%w: unrecognized source %q", core.ErrValidation, source))
	}
	if err := v.schema.Validate(raw); err != nil {
		return core.NewDomainError("ingestion.Validate", core.KindValidation, fmt.Errorf("%w: %v", core.ErrValidation, err))
	}
	eventType, _ := raw["event_type"].(string)
	if !allowedEventTypes[source][eventType] {
		return core.NewDomainError("ingestion.Validate", core.KindValidation,
			fmt.Errorf("%w: event_type %q not valid for source %q", core.ErrValidation, eventType, source))
	}
	return nil
}

// DecodeRaw re-marshals an EventRequest into the generic map shape
// SchemaValidator.Validate expects. Used by orchestrator tests and any
// caller that already has a typed request instead of a raw body.
func DecodeRaw(req EventRequest) (map[string]interface{}, error) {
	b, err := json.Marshal(req)
	if err != nil {
		return nil, err
	}
	var raw map[string]interface{}
	if err := json.Unmarshal(b, &raw); err != nil {
		return nil, err
	}
	return raw, nil
}
