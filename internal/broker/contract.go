package broker

import (
	"fmt"
	"sort"
	"strconv"
	"strings"
)

// Kind is the JSON type a contract field must have.
type Kind string

const (
	KindString  Kind = "string"
	KindNumber  Kind = "number"
	KindNumeric Kind = "numeric" // number, or a string that parses as one
	KindBool    Kind = "bool"
	KindArray   Kind = "array"
	KindObject  Kind = "object"
)

type Field struct {
	Name     string
	Kind     Kind
	Optional bool // may be absent or null
}

// Contract declares the fields a response object must carry.
type Contract struct {
	Name   string
	Fields []Field
}

var (
	AccountContract = Contract{Name: "account", Fields: []Field{
		{Name: "id", Kind: KindString},
		{Name: "status", Kind: KindString},
		{Name: "cash", Kind: KindNumeric},
		{Name: "equity", Kind: KindNumeric},
		{Name: "buying_power", Kind: KindNumeric},
	}}
	PositionContract = Contract{Name: "position", Fields: []Field{
		{Name: "symbol", Kind: KindString},
		{Name: "side", Kind: KindString},
		{Name: "qty", Kind: KindNumeric},
		{Name: "avg_entry_price", Kind: KindNumeric},
		{Name: "current_price", Kind: KindNumeric, Optional: true},
	}}
	OrderContract = Contract{Name: "order", Fields: []Field{
		{Name: "id", Kind: KindString},
		{Name: "client_order_id", Kind: KindString, Optional: true},
		{Name: "symbol", Kind: KindString},
		{Name: "side", Kind: KindString},
		{Name: "qty", Kind: KindNumeric, Optional: true},
		{Name: "status", Kind: KindString},
		{Name: "filled_qty", Kind: KindNumeric, Optional: true},
		{Name: "filled_avg_price", Kind: KindNumeric, Optional: true},
	}}
)

// Violation is one field that failed its contract.
type Violation struct {
	Field string
	Want  Kind
	Got   string
}

func (v Violation) String() string {
	return fmt.Sprintf("%s: want %s, got %s", v.Field, v.Want, v.Got)
}

// Check returns every violation of raw against c, ordered by field name.
func (c Contract) Check(raw map[string]any) []Violation {
	var out []Violation
	for _, f := range c.Fields {
		v, ok := raw[f.Name]
		if !ok || v == nil {
			if !f.Optional {
				got := "missing"
				if ok {
					got = "null"
				}
				out = append(out, Violation{Field: f.Name, Want: f.Kind, Got: got})
			}
			continue
		}
		if !matches(f.Kind, v) {
			out = append(out, Violation{Field: f.Name, Want: f.Kind, Got: typeName(v)})
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Field < out[j].Field })
	return out
}

// Validate returns a SCHEMA_ERROR *Error listing every violation, or nil.
func (c Contract) Validate(raw map[string]any) error {
	vs := c.Check(raw)
	if len(vs) == 0 {
		return nil
	}
	parts := make([]string, len(vs))
	for i, v := range vs {
		parts[i] = v.String()
	}
	return &Error{
		Class: ClassSchema,
		Op:    c.Name,
		Err:   fmt.Errorf("%w: %s", ErrSchema, strings.Join(parts, "; ")),
	}
}

func matches(k Kind, v any) bool {
	switch k {
	case KindString:
		_, ok := v.(string)
		return ok
	case KindNumber:
		_, ok := v.(float64)
		return ok
	case KindNumeric:
		_, err := toFloat(v)
		return err == nil
	case KindBool:
		_, ok := v.(bool)
		return ok
	case KindArray:
		_, ok := v.([]any)
		return ok
	case KindObject:
		_, ok := v.(map[string]any)
		return ok
	}
	return false
}

func typeName(v any) string {
	switch v.(type) {
	case string:
		return "string"
	case float64:
		return "number"
	case bool:
		return "bool"
	case []any:
		return "array"
	case map[string]any:
		return "object"
	}
	return fmt.Sprintf("%T", v)
}

func toFloat(v any) (float64, error) {
	switch x := v.(type) {
	case float64:
		return x, nil
	case string:
		return strconv.ParseFloat(strings.TrimSpace(x), 64)
	}
	return 0, fmt.Errorf("not numeric: %T", v)
}

// num reads a field already validated as numeric; absent or null yields 0.
func num(raw map[string]any, key string) float64 {
	v, ok := raw[key]
	if !ok || v == nil {
		return 0
	}
	f, _ := toFloat(v)
	return f
}

func str(raw map[string]any, key string) string {
	s, _ := raw[key].(string)
	return s
}
