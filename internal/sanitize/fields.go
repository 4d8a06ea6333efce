package sanitize

import (
	"encoding/json"
	"math"
	"strconv"
	"strings"
	"time"

	"cloud.google.com/go/civil"
	"github.com/shopspring/decimal"
	"golang.org/x/text/unicode/norm"
)

// cleanModelJSON strips markdown fences and any prose around the first JSON
// value in the model output.
func cleanModelJSON(raw string) string {
	s := stripFences(raw)

	// Keep only the outermost object or array.
	obj, hasObj := span(s, "{", "}")
	arr, hasArr := span(s, "[", "]")
	switch {
	case hasArr && (!hasObj || strings.Index(s, "[") < strings.Index(s, "{")):
		return arr
	case hasObj:
		return obj
	}
	return s
}

// parseModelJSON decodes the model output into an object. Prose with brackets
// before the object can make the first span an invalid array, so the object
// span is tried next.
func parseModelJSON(raw string) (map[string]interface{}, bool) {
	if obj, ok := decodeObject(cleanModelJSON(raw)); ok {
		return obj, true
	}
	if s, ok := span(stripFences(raw), "{", "}"); ok {
		return decodeObject(s)
	}
	return nil, false
}

// span cuts s from the first open to the last closer.
func span(s, open, closer string) (string, bool) {
	start := strings.Index(s, open)
	if start == -1 {
		return "", false
	}
	end := strings.LastIndex(s, closer)
	if end <= start {
		return "", false
	}
	return strings.TrimSpace(s[start : end+1]), true
}

func stripFences(raw string) string {
	s := strings.TrimSpace(raw)

	if strings.HasPrefix(s, "```") {
		if idx := strings.Index(s, "\n"); idx != -1 {
			s = s[idx+1:]
		} else {
			s = strings.TrimLeft(s, "`")
		}
		s = strings.TrimSpace(s)
	}
	if idx := strings.LastIndex(s, "```"); idx != -1 {
		s = s[:idx]
	}
	return strings.TrimSpace(s)
}

// decodeObject parses cleaned text into a map. A top-level array yields its
// first object element.
func decodeObject(text string) (map[string]interface{}, bool) {
	dec := json.NewDecoder(strings.NewReader(text))
	dec.UseNumber()

	var parsed interface{}
	if err := dec.Decode(&parsed); err != nil {
		return nil, false
	}
	switch v := parsed.(type) {
	case map[string]interface{}:
		return v, true
	case []interface{}:
		for _, el := range v {
			if obj, ok := el.(map[string]interface{}); ok {
				return obj, true
			}
		}
	}
	return nil, false
}

// lookup returns the first present key.
func lookup(m map[string]interface{}, keys ...string) (interface{}, bool) {
	for _, k := range keys {
		if v, ok := m[k]; ok && v != nil {
			return v, true
		}
	}
	return nil, false
}

// getDecimal coerces JSON numbers and numeric strings such as "$1,234.50"
// or "45,50".
func getDecimal(v interface{}) (decimal.Decimal, bool) {
	switch val := v.(type) {
	case json.Number:
		d, err := decimal.NewFromString(val.String())
		return d, err == nil
	case float64:
		if math.IsNaN(val) || math.IsInf(val, 0) {
			return decimal.Zero, false
		}
		return decimal.NewFromFloat(val), true
	case int:
		return decimal.NewFromInt(int64(val)), true
	case string:
		return parseMoneyString(val)
	default:
		return decimal.Zero, false
	}
}

func parseMoneyString(s string) (decimal.Decimal, bool) {
	var b strings.Builder
	digits := 0
	for _, r := range s {
		switch {
		case r >= '0' && r <= '9':
			digits++
			b.WriteRune(r)
		case r == '.', r == ',', r == '-':
			b.WriteRune(r)
		}
	}
	if digits == 0 {
		return decimal.Zero, false
	}
	num := b.String()

	commas, dots := strings.Count(num, ","), strings.Count(num, ".")
	switch {
	case commas > 0 && dots > 0:
		if strings.LastIndex(num, ",") > strings.LastIndex(num, ".") {
			// 1.234,56
			num = strings.ReplaceAll(num, ".", "")
			num = strings.Replace(num, ",", ".", 1)
		} else {
			num = strings.ReplaceAll(num, ",", "")
		}
	case commas == 1 && len(num)-strings.Index(num, ",") <= 3:
		num = strings.Replace(num, ",", ".", 1)
	case commas > 0:
		num = strings.ReplaceAll(num, ",", "")
	}

	d, err := decimal.NewFromString(num)
	if err != nil {
		return decimal.Zero, false
	}
	return d, true
}

func getFloat(v interface{}) (float64, bool) {
	switch val := v.(type) {
	case json.Number:
		f, err := val.Float64()
		return f, err == nil && !math.IsNaN(f)
	case float64:
		return val, !math.IsNaN(val)
	case string:
		f, err := strconv.ParseFloat(strings.TrimSuffix(strings.TrimSpace(val), "%"), 64)
		if err != nil || math.IsNaN(f) {
			return 0, false
		}
		if strings.HasSuffix(strings.TrimSpace(val), "%") {
			f /= 100
		}
		return f, true
	default:
		return 0, false
	}
}

// getString returns trimmed, NFC-normalized text with internal whitespace
// collapsed. Numbers are rendered as their literal text.
func getString(v interface{}) (string, bool) {
	var s string
	switch val := v.(type) {
	case string:
		s = val
	case json.Number:
		s = val.String()
	default:
		return "", false
	}
	s = strings.Join(strings.Fields(norm.NFC.String(s)), " ")
	return s, s != ""
}

var dateLayouts = []string{
	"2006-01-02",
	"2006/01/02",
	"02/01/2006",
	"02.01.2006",
	"2006-01-02T15:04:05Z07:00",
	"2006-01-02 15:04:05",
}

// getDate parses the supported layouts. Times are dropped without zone
// conversion.
func getDate(v interface{}) (civil.Date, bool) {
	s, ok := v.(string)
	if !ok {
		return civil.Date{}, false
	}
	s = strings.TrimSpace(s)
	for _, layout := range dateLayouts {
		if t, err := time.Parse(layout, s); err == nil {
			d := civil.DateOf(t)
			if d.IsValid() && d.Year >= 1970 {
				return d, true
			}
		}
	}
	return civil.Date{}, false
}
