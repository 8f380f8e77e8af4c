package testutils

import (
	"encoding/json"
	"fmt"
	"sort"

	"github.com/mcuadros/go-defaults"
	"github.com/yudai/gojsondiff"
	"github.com/yudai/gojsondiff/formatter"
)

// PresencePlaceholder in an expected document matches any actual value
const PresencePlaceholder = "<<PRESENCE>>"

// JSONAssertOptions control how JSONAsserter prepares both documents
type JSONAssertOptions struct {
	// IgnoreExtraKeys drops keys of actual objects that the expected object does not name
	IgnoreExtraKeys          bool `default:"true"`
	AllowPresencePlaceholder bool `default:"true"`
	// IgnoredFields are removed from objects at any depth on both sides
	IgnoredFields    []string
	IgnoreArrayOrder bool `default:"false"`
}

// Option is a functional option for configuring JSONAsserter
type Option func(*JSONAssertOptions)

// JSONAsserter compares JSON documents structurally and reports a gojsondiff listing
type JSONAsserter struct {
	t       TestingT
	options JSONAssertOptions
}

func NewJSONAsserter(t TestingT) *JSONAsserter {
	ja := &JSONAsserter{t: t}
	defaults.SetDefaults(&ja.options)
	return ja
}

func (ja *JSONAsserter) WithOptions(opts ...Option) *JSONAsserter {
	for _, opt := range opts {
		opt(&ja.options)
	}
	return ja
}

// Assert reports a failure when actualJSON does not match expectedJSON
func (ja *JSONAsserter) Assert(actualJSON, expectedJSON string) {
	if diff := ja.Diff(actualJSON, expectedJSON); diff != "" {
		ja.t.Errorf("JSON assertion failed:\n%s", diff)
	}
}

// Diff returns a description of the differences, or "" when the documents match
func (ja *JSONAsserter) Diff(actualJSON, expectedJSON string) string {
	var expected, actual any
	if err := json.Unmarshal([]byte(expectedJSON), &expected); err != nil {
		return fmt.Sprintf("invalid expected JSON: %v", err)
	}
	if err := json.Unmarshal([]byte(actualJSON), &actual); err != nil {
		return fmt.Sprintf("invalid actual JSON: %v", err)
	}

	// gojsondiff compares objects only
	if _, ok := expected.([]any); ok {
		if _, ok := actual.([]any); ok {
			expected = map[string]any{"array": expected}
			actual = map[string]any{"array": actual}
		}
	}

	if ja.options.AllowPresencePlaceholder {
		walkObjects(expected, actual, func(exp, act map[string]any) {
			for k, v := range exp {
				if v == PresencePlaceholder {
					if present, ok := act[k]; ok {
						exp[k] = present
					}
				}
			}
		})
	}
	// Ignored fields go before sorting so they cannot change the element order
	if len(ja.options.IgnoredFields) > 0 {
		walkObjects(expected, actual, func(exp, act map[string]any) {
			for _, f := range ja.options.IgnoredFields {
				delete(exp, f)
				delete(act, f)
			}
		})
	}
	if ja.options.IgnoreArrayOrder {
		sortArrays(expected)
		sortArrays(actual)
	}
	if ja.options.IgnoreExtraKeys {
		walkObjects(expected, actual, func(exp, act map[string]any) {
			for k := range act {
				if _, ok := exp[k]; !ok {
					delete(act, k)
				}
			}
		})
	}

	expectedBytes, _ := json.Marshal(expected)
	actualBytes, _ := json.Marshal(actual)
	diff, err := gojsondiff.New().Compare(expectedBytes, actualBytes)
	if err != nil {
		return fmt.Sprintf("JSON comparison failed: %v", err)
	}
	if !diff.Modified() {
		return ""
	}

	f := formatter.NewAsciiFormatter(expected, formatter.AsciiFormatterConfig{ShowArrayIndex: true})
	out, _ := f.Format(diff)
	return out
}

// walkObjects calls fn for every pair of objects found at the same path of
// both documents, parents before children
func walkObjects(expected, actual any, fn func(exp, act map[string]any)) {
	switch exp := expected.(type) {
	case map[string]any:
		act, ok := actual.(map[string]any)
		if !ok {
			return
		}
		fn(exp, act)
		for k, v := range exp {
			walkObjects(v, act[k], fn)
		}
	case []any:
		act, ok := actual.([]any)
		if !ok {
			return
		}
		for i := 0; i < len(exp) && i < len(act); i++ {
			walkObjects(exp[i], act[i], fn)
		}
	}
}

// sortArrays orders every array by the JSON encoding of its elements
func sortArrays(v any) {
	switch val := v.(type) {
	case map[string]any:
		for _, child := range val {
			sortArrays(child)
		}
	case []any:
		for _, child := range val {
			sortArrays(child)
		}
		sort.Slice(val, func(i, j int) bool {
			a, _ := json.Marshal(val[i])
			b, _ := json.Marshal(val[j])
			return string(a) < string(b)
		})
	}
}

func WithIgnoreExtraKeys(ignore bool) Option {
	return func(opts *JSONAssertOptions) { opts.IgnoreExtraKeys = ignore }
}

func WithAllowPresencePlaceholder(allow bool) Option {
	return func(opts *JSONAssertOptions) { opts.AllowPresencePlaceholder = allow }
}

func WithIgnoredFields(fields ...string) Option {
	return func(opts *JSONAssertOptions) { opts.IgnoredFields = fields }
}

func WithIgnoreArrayOrder(ignore bool) Option {
	return func(opts *JSONAssertOptions) { opts.IgnoreArrayOrder = ignore }
}
