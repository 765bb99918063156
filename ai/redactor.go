package ai

import (
	"regexp"
	"strings"
)

// sensitiveFieldNames is the closed set of field names spec.md §4.6 calls
// out as carrying personal data outright: any value under one of these
// keys is replaced wholesale rather than pattern-matched.
var sensitiveFieldNames = map[string]bool{
	"email":           true,
	"email_address":   true,
	"customer_email":  true,
	"phone":           true,
	"phone_number":    true,
	"customer_phone":  true,
	"ssn":             true,
	"national_id":     true,
	"tax_id":          true,
	"credit_card":     true,
	"card_number":     true,
	"cvv":             true,
	"customer_name":   true,
	"full_name":       true,
	"first_name":      true,
	"last_name":       true,
	"address":         true,
	"street_address":  true,
	"shipping_address": true,
	"billing_address": true,
	"date_of_birth":   true,
	"dob":             true,
	"password":        true,
	"api_key":         true,
}

var (
	emailPattern      = regexp.MustCompile(`[a-zA-Z0-9._%+\-]+@[a-zA-Z0-9.\-]+\.[a-zA-Z]{2,}`)
	cardNumberPattern = regexp.MustCompile(`\b(?:\d[ \-]?){13,19}\b`)
	nationalIDPattern = regexp.MustCompile(`\b\d{3}[\-\s]\d{2}[\-\s]\d{4}\b`)
	phonePattern      = regexp.MustCompile(`\+?\d[\d\-\s().]{7,}\d`)
)

const defaultMaxFreeTextLen = 500

// Redactor strips personally identifiable information out of the order
// and context payloads before anything reaches the AI Adapter's HTTP
// client, per spec.md §4.6 and testable property 8. It works in two
// passes: field names in the closed sensitive set are blanked outright,
// then every remaining string value is scanned for embedded emails,
// card numbers, national IDs, and phone numbers.
type Redactor struct {
	maxFreeTextLen int
}

// NewRedactor builds a Redactor with the default free-text truncation
// length.
func NewRedactor() *Redactor {
	return &Redactor{maxFreeTextLen: defaultMaxFreeTextLen}
}

// Redact returns a redacted deep copy of data. The input is never
// mutated, so a caller holding onto the original (e.g. for audit
// logging) is unaffected.
func (r *Redactor) Redact(data map[string]interface{}) map[string]interface{} {
	if data == nil {
		return nil
	}
	return r.redactMap(data).(map[string]interface{})
}

func (r *Redactor) redactMap(m map[string]interface{}) interface{} {
	out := make(map[string]interface{}, len(m))
	for k, v := range m {
		if sensitiveFieldNames[strings.ToLower(k)] {
			out[k] = "[REDACTED]"
			continue
		}
		out[k] = r.redactValue(v)
	}
	return out
}

func (r *Redactor) redactValue(v interface{}) interface{} {
	switch val := v.(type) {
	case map[string]interface{}:
		return r.redactMap(val)
	case []interface{}:
		out := make([]interface{}, len(val))
		for i, item := range val {
			out[i] = r.redactValue(item)
		}
		return out
	case string:
		return r.redactString(val)
	default:
		return v
	}
}

// redactString scrubs embedded PII patterns and truncates long free text.
// Order matters: emails and card-like digit runs are replaced before the
// broader phone pattern, which would otherwise swallow card numbers.
func (r *Redactor) redactString(s string) string {
	s = emailPattern.ReplaceAllString(s, "[REDACTED_EMAIL]")
	s = cardNumberPattern.ReplaceAllString(s, "[REDACTED_CARD]")
	s = nationalIDPattern.ReplaceAllString(s, "[REDACTED_ID]")
	s = phonePattern.ReplaceAllString(s, "[REDACTED_PHONE]")
	if len(s) > r.maxFreeTextLen {
		s = s[:r.maxFreeTextLen] + "...[TRUNCATED]"
	}
	return s
}
