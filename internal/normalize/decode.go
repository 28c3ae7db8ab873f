package normalize

import (
	"bytes"

	"github.com/tidwall/gjson"
)

// Decode interprets an HTTP response body: an empty body is null, a valid
// JSON document is parsed, and anything else is kept as raw text.
func Decode(body []byte) *Value {
	trimmed := bytes.TrimSpace(body)
	if len(trimmed) == 0 {
		return Null()
	}
	if !gjson.ValidBytes(trimmed) {
		return String(string(body))
	}
	return FromResult(gjson.ParseBytes(trimmed))
}

// FromResult converts a gjson result into a Value tree in document order.
func FromResult(r gjson.Result) *Value {
	switch r.Type {
	case gjson.False:
		return Bool(false)
	case gjson.True:
		return Bool(true)
	case gjson.Number:
		return &Value{kind: KindNumber, number: r.Num, raw: r.Raw}
	case gjson.String:
		return String(r.Str)
	case gjson.JSON:
		if r.IsArray() {
			arr := Array()
			r.ForEach(func(_, item gjson.Result) bool {
				arr.Append(FromResult(item))
				return true
			})
			return arr
		}
		obj := Object()
		r.ForEach(func(key, item gjson.Result) bool {
			obj.Set(key.Str, FromResult(item))
			return true
		})
		return obj
	default:
		return Null()
	}
}

// Stringify renders v as a human-readable error text: strings verbatim,
// empty values as "Unknown error", everything else as compact JSON.
func Stringify(v *Value) string {
	if v.empty() {
		return "Unknown error"
	}
	if s, ok := v.Str(); ok {
		return s
	}
	out, err := v.MarshalJSON()
	if err != nil {
		return v.Kind().String()
	}
	return string(out)
}
