package query

import (
	"encoding/base64"
	"encoding/json"
	"fmt"
	"strings"
)

// FilterRequest is one decoded element of the filters parameter. Order is
// significant: filters apply in the order the client listed them.
type FilterRequest struct {
	Key   string `json:"key"`
	Value any    `json:"value"`
}

// SortRequest is the decoded sort parameter. Relation and Column are split
// out of relation-qualified tokens; Key keeps the full token for registry
// lookup.
type SortRequest struct {
	Key       string
	Relation  string
	Column    string
	Direction Direction
}

// Request is the decoded filter/sort specification of one incoming call.
type Request struct {
	Filters []FilterRequest
	Sort    *SortRequest
}

// Decode parses the raw filters and sort parameters of a request.
func Decode(filters, sort string) (Request, error) {
	fr, err := DecodeFilters(filters)
	if err != nil {
		return Request{}, err
	}
	return Request{Filters: fr, Sort: DecodeSort(sort)}, nil
}

type filterElement struct {
	Key   *string         `json:"key"`
	Value json.RawMessage `json:"value"`
}

// DecodeFilters parses the filters parameter: a base64-encoded UTF-8 JSON
// array of {key, value} objects. The value field is optional and defaults
// to null. An empty parameter decodes to no filters.
func DecodeFilters(raw string) ([]FilterRequest, error) {
	raw = strings.TrimSpace(raw)
	if raw == "" {
		return nil, nil
	}
	data, err := base64.StdEncoding.DecodeString(raw)
	if err != nil {
		// Some clients emit the URL-safe alphabet.
		urlData, urlErr := base64.URLEncoding.DecodeString(raw)
		if urlErr != nil {
			return nil, &MalformedFilterPayloadError{cause: err}
		}
		data = urlData
	}
	var elements []filterElement
	if err := json.Unmarshal(data, &elements); err != nil {
		return nil, &MalformedFilterPayloadError{cause: err}
	}
	requests := make([]FilterRequest, 0, len(elements))
	for i, el := range elements {
		if el.Key == nil || *el.Key == "" {
			return nil, &MalformedFilterPayloadError{cause: fmt.Errorf("element %d: key is required", i)}
		}
		var value any
		if len(el.Value) > 0 {
			if err := json.Unmarshal(el.Value, &value); err != nil {
				return nil, &MalformedFilterPayloadError{cause: fmt.Errorf("element %d: %w", i, err)}
			}
		}
		requests = append(requests, FilterRequest{Key: *el.Key, Value: value})
	}
	return requests, nil
}

// EncodeFilters produces the wire token for an ordered filter sequence.
// Decoding the result yields an equivalent sequence.
func EncodeFilters(requests []FilterRequest) (string, error) {
	elements := make([]filterPayload, 0, len(requests))
	for _, fr := range requests {
		elements = append(elements, filterPayload{Key: fr.Key, Value: fr.Value})
	}
	data, err := json.Marshal(elements)
	if err != nil {
		return "", fmt.Errorf("encode filters: %w", err)
	}
	return base64.StdEncoding.EncodeToString(data), nil
}

type filterPayload struct {
	Key   string `json:"key"`
	Value any    `json:"value"`
}

// DecodeSort parses the sort parameter: a single token with an optional
// leading "-" (descending) or "+" (ascending, the default). A remainder
// with at least three dot-separated segments reads as
// "relation.attributes.column" and splits into relation and column;
// anything else is a bare column key. Unknown keys are the resolver's
// concern, so decoding never fails; an empty token means no sort.
func DecodeSort(raw string) *SortRequest {
	token := strings.TrimSpace(raw)
	if token == "" {
		return nil
	}
	direction := Ascending
	switch {
	case strings.HasPrefix(token, "-"):
		direction = Descending
		token = token[1:]
	case strings.HasPrefix(token, "+"):
		token = token[1:]
	}
	if token == "" {
		return nil
	}
	req := &SortRequest{Key: token, Direction: direction}
	if parts := strings.Split(token, "."); len(parts) >= 3 {
		req.Relation = parts[0]
		req.Column = parts[len(parts)-1]
	} else {
		req.Column = token
	}
	return req
}

// DecodeInclude parses the inclusion directive of a discovery request:
// a comma-separated list of extra catalog groups. Unrecognized names are
// ignored; duplicates collapse.
func DecodeInclude(raw string) []string {
	if strings.TrimSpace(raw) == "" {
		return nil
	}
	var groups []string
	seen := make(map[string]bool, 3)
	for _, part := range strings.Split(raw, ",") {
		name := strings.TrimSpace(part)
		switch name {
		case GroupMatches, GroupSearchables, GroupSortables:
			if !seen[name] {
				seen[name] = true
				groups = append(groups, name)
			}
		}
	}
	return groups
}
