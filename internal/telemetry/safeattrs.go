package telemetry

import (
	"maps"
	"slices"

	"go.opentelemetry.io/otel/attribute"
)

// Field keys the emergency monitor sink sends. Anything else is dropped so
// message text and client details never reach the exporter.
const (
	FieldType           = "emergency.type"
	FieldKind           = "emergency.kind"
	FieldSeverity       = "emergency.severity"
	FieldSessionID      = "emergency.session_id"
	FieldUserID         = "emergency.user_id"
	FieldRiskLevel      = "emergency.risk_level"
	FieldMatchedPhrases = "emergency.matched_phrases"
	FieldMatchedCount   = "emergency.matched_count"
)

const (
	maxAttrLen     = 128
	maxPhraseAttrs = 16
)

var exportedFields = map[string]bool{
	FieldType:           true,
	FieldKind:           true,
	FieldSeverity:       true,
	FieldSessionID:      true,
	FieldUserID:         true,
	FieldRiskLevel:      true,
	FieldMatchedPhrases: true,
	FieldMatchedCount:   true,
}

// SafeAttributes converts emergency monitor fields to span attributes in key
// order. Unknown keys, empty strings and unsupported value types are skipped.
func SafeAttributes(fields map[string]any) []attribute.KeyValue {
	if len(fields) == 0 {
		return nil
	}
	var attrs []attribute.KeyValue
	for _, k := range slices.Sorted(maps.Keys(fields)) {
		if !exportedFields[k] {
			continue
		}
		if kv, ok := toAttribute(k, fields[k]); ok {
			attrs = append(attrs, kv)
		}
	}
	return attrs
}

func toAttribute(k string, v any) (attribute.KeyValue, bool) {
	switch val := v.(type) {
	case string:
		if val == "" {
			return attribute.KeyValue{}, false
		}
		return attribute.String(k, clip(val)), true
	case bool:
		return attribute.Bool(k, val), true
	case int:
		return attribute.Int(k, val), true
	case int64:
		return attribute.Int64(k, val), true
	case []string:
		return attribute.StringSlice(k, clipPhrases(val)), true
	}
	return attribute.KeyValue{}, false
}

func clip(s string) string {
	if len(s) <= maxAttrLen {
		return s
	}
	return s[:maxAttrLen]
}

func clipPhrases(in []string) []string {
	if len(in) > maxPhraseAttrs {
		in = in[:maxPhraseAttrs]
	}
	out := make([]string, len(in))
	for i, p := range in {
		out[i] = clip(p)
	}
	return out
}
