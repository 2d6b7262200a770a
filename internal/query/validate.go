package query

import (
	"errors"
	"fmt"
	"sort"
	"strings"
	"time"

	"github.com/danielgtaylor/huma/v2"
)

// RuleSchema is the rule set evaluated against one field path of a
// filter's value: a JSON Schema fragment, checked with huma's validator.
type RuleSchema = huma.Schema

// validator checks declared rules and kind contracts for every filter in
// a request before anything is applied. One instance serves one request.
type validator struct {
	registry huma.Registry
	result   huma.ValidateResult
}

func newValidator() *validator {
	return &validator{
		registry: huma.NewMapRegistry("#/components/schemas/", huma.DefaultSchemaNamer),
	}
}

// check validates one filter's payload: declared rules first, then the
// kind contract. Kind normalization results are cached on the value so
// apply functions never re-parse.
func (v *validator) check(def *Filter, val *Value, verr *ValidationError) {
	paths := make([]string, 0, len(def.Rules))
	for path := range def.Rules {
		paths = append(paths, path)
	}
	sort.Strings(paths)
	for _, path := range paths {
		schema := def.Rules[path]
		data := val.Input(path, nil)
		pb := huma.NewPathBuffer([]byte(""), 0)
		v.result.Reset()
		huma.Validate(v.registry, schema, pb, huma.ModeWriteToServer, data, &v.result)
		for _, issue := range v.result.Errors {
			verr.add(fieldPath(def.Key, path), issueMessage(issue))
		}
	}
	normalize(def, val, verr)
}

func fieldPath(filterKey, rulePath string) string {
	if rulePath == "" {
		return filterKey
	}
	return filterKey + "." + rulePath
}

func issueMessage(issue error) string {
	var detail *huma.ErrorDetail
	if errors.As(issue, &detail) {
		if detail.Location != "" {
			return detail.Location + ": " + detail.Message
		}
		return detail.Message
	}
	return issue.Error()
}

// normalize enforces the kind contract and stores the normalized value.
// Generic filters pass through untouched.
func normalize(def *Filter, val *Value, verr *ValidationError) {
	switch def.Kind {
	case KindTimestamp:
		ts, err := parseTimestamp(val.raw)
		if err != nil {
			verr.add(def.Key, err.Error())
			return
		}
		val.ts = ts
	case KindSelect:
		chosen, ok := matchOption(def.Options, val.raw)
		if !ok {
			verr.add(def.Key, "must be one of "+optionValues(def.Options))
			return
		}
		val.selected = chosen
	case KindBoolean:
		flags, err := booleanFlags(def.Options, val.raw)
		if err != nil {
			verr.add(def.Key, err.Error())
			return
		}
		val.flags = flags
	}
}

func parseTimestamp(raw any) (time.Time, error) {
	s, ok := raw.(string)
	if !ok {
		return time.Time{}, errors.New("expected a timestamp string")
	}
	if ts, err := time.Parse(time.RFC3339, s); err == nil {
		return ts, nil
	}
	ts, err := time.Parse("2006-01-02", s)
	if err != nil {
		return time.Time{}, fmt.Errorf("invalid timestamp %q: expected RFC 3339 or YYYY-MM-DD", s)
	}
	return ts, nil
}

// matchOption resolves the raw value to a declared option's underlying
// value. JSON numbers arrive as float64, so numeric options compare by
// their printed form as a fallback.
func matchOption(options []Option, raw any) (any, bool) {
	for _, opt := range options {
		if sameScalar(opt.Value, raw) {
			return opt.Value, true
		}
	}
	return nil, false
}

func sameScalar(a, b any) bool {
	if a == nil || b == nil {
		return a == nil && b == nil
	}
	return fmt.Sprint(a) == fmt.Sprint(b)
}

func optionValues(options []Option) string {
	values := make([]string, 0, len(options))
	for _, opt := range options {
		values = append(values, fmt.Sprint(opt.Value))
	}
	return "[" + strings.Join(values, ", ") + "]"
}

// booleanFlags projects the payload onto the declared flag names. Every
// declared flag is present in the result; flags the client omitted stay
// false, undeclared payload keys are dropped.
func booleanFlags(options []Option, raw any) (map[string]bool, error) {
	record, ok := raw.(map[string]any)
	if !ok {
		return nil, errors.New("expected an object of boolean flags")
	}
	flags := make(map[string]bool, len(options))
	for _, opt := range options {
		name, _ := opt.Value.(string)
		if name == "" {
			continue
		}
		flags[name] = false
		if v, present := record[name]; present {
			b, ok := v.(bool)
			if !ok {
				return nil, fmt.Errorf("flag %q must be a boolean", name)
			}
			flags[name] = b
		}
	}
	return flags, nil
}
