package ai

import (
	"testing"

	"github.com/stretchr/testify/assert"
)

// TestRedactor_StripsClosedFieldNameSet covers testable property 8: a
// field whose name is in the sensitive set is blanked outright,
// regardless of what it contains.
func TestRedactor_StripsClosedFieldNameSet(t *testing.T) {
	r := NewRedactor()
	input := map[string]interface{}{
		"email":        "jane@example.com",
		"customer_name": "Jane Doe",
		"order_id":     "ord-123",
	}

	out := r.Redact(input)

	assert.Equal(t, "[REDACTED]", out["email"])
	assert.Equal(t, "[REDACTED]", out["customer_name"])
	assert.Equal(t, "ord-123", out["order_id"], "non-sensitive fields pass through untouched")
}

// TestRedactor_ScrubsEmbeddedPIIInFreeText covers the pattern-matching
// half of property 8: PII embedded inside an otherwise-ordinary string
// field is scrubbed even though the field name itself isn't sensitive.
func TestRedactor_ScrubsEmbeddedPIIInFreeText(t *testing.T) {
	r := NewRedactor()
	input := map[string]interface{}{
		"delivery_notes": "Contact the recipient at jane.doe@example.com or 555-123-4567 before redelivery.",
	}

	out := r.Redact(input)

	notes := out["delivery_notes"].(string)
	assert.NotContains(t, notes, "jane.doe@example.com")
	assert.Contains(t, notes, "[REDACTED_EMAIL]")
	assert.Contains(t, notes, "[REDACTED_PHONE]")
}

// TestRedactor_TruncatesLongFreeText ensures an overlong string field is
// bounded rather than forwarded verbatim to the model.
func TestRedactor_TruncatesLongFreeText(t *testing.T) {
	r := NewRedactor()
	long := make([]byte, 600)
	for i := range long {
		long[i] = 'a'
	}
	input := map[string]interface{}{"delivery_notes": string(long)}

	out := r.Redact(input)

	notes := out["delivery_notes"].(string)
	assert.LessOrEqual(t, len(notes), defaultMaxFreeTextLen+len("...[TRUNCATED]"))
	assert.Contains(t, notes, "[TRUNCATED]")
}

// TestRedactor_RecursesThroughNestedStructures confirms redaction reaches
// nested maps and slices, not just the top level of the payload.
func TestRedactor_RecursesThroughNestedStructures(t *testing.T) {
	r := NewRedactor()
	input := map[string]interface{}{
		"shipping_address": map[string]interface{}{
			"street": "1 Example Ave",
			"email":  "jane@example.com",
		},
		"items": []interface{}{
			map[string]interface{}{"sku": "abc", "customer_name": "Jane Doe"},
		},
	}

	out := r.Redact(input)

	assert.Equal(t, "[REDACTED]", out["shipping_address"], "shipping_address itself is in the sensitive field set")

	items := out["items"].([]interface{})
	first := items[0].(map[string]interface{})
	assert.Equal(t, "[REDACTED]", first["customer_name"])
	assert.Equal(t, "abc", first["sku"])
}

// TestRedactor_DoesNotMutateInput ensures the original payload survives
// redaction untouched (callers may still need it for audit logging).
func TestRedactor_DoesNotMutateInput(t *testing.T) {
	r := NewRedactor()
	input := map[string]interface{}{"email": "jane@example.com"}

	_ = r.Redact(input)

	assert.Equal(t, "jane@example.com", input["email"])
}
