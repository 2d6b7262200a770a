package query

// Extra catalog groups a discovery request may ask for via the inclusion
// directive. They describe resource metadata outside the registries:
// which fields match by equality, which are text-searchable, and which
// sort keys exist.
const (
	GroupMatches     = "matches"
	GroupSearchables = "searchables"
	GroupSortables   = "sortables"
)

// Meta carries the resource-declared metadata for the extra catalog
// groups. Sortables may be left nil to advertise the sort registry keys.
type Meta struct {
	Matches     map[string]string
	Searchables []string
	Sortables   []string
}

// CatalogEntry describes one registered filter for discovery clients.
// Options is always present and empty for kinds without an option
// catalog.
type CatalogEntry struct {
	Key         string   `json:"key"`
	Kind        Kind     `json:"kind"`
	Description string   `json:"description,omitempty"`
	Options     []Option `json:"options"`
}

// CatalogResponse is the machine-readable listing of a resource's
// available filters, plus the requested extra groups. Filters is absent
// when the restrictive directive asked for groups alone.
type CatalogResponse struct {
	Filters     []CatalogEntry    `json:"filters,omitempty"`
	Matches     map[string]string `json:"matches,omitempty"`
	Searchables []string          `json:"searchables,omitempty"`
	Sortables   []string          `json:"sortables,omitempty"`
}

// Catalog produces the discovery listing: every registered filter in
// registration order, augmented with the extra groups named by the
// inclusion directive.
func (p *Pipeline) Catalog(meta Meta, include []string) CatalogResponse {
	defs := p.filters.List()
	entries := make([]CatalogEntry, 0, len(defs))
	for _, def := range defs {
		options := def.Options
		if options == nil {
			options = []Option{}
		}
		entries = append(entries, CatalogEntry{
			Key:         def.Key,
			Kind:        def.Kind,
			Description: def.Description,
			Options:     options,
		})
	}
	res := CatalogResponse{Filters: entries}
	for _, group := range include {
		switch group {
		case GroupMatches:
			res.Matches = meta.Matches
		case GroupSearchables:
			res.Searchables = meta.Searchables
		case GroupSortables:
			if meta.Sortables != nil {
				res.Sortables = meta.Sortables
			} else {
				res.Sortables = p.sorts.Keys()
			}
		}
	}
	return res
}

// CatalogOnly answers the restrictive directive: just the named groups,
// with the filter entries omitted.
func (p *Pipeline) CatalogOnly(meta Meta, only []string) CatalogResponse {
	res := p.Catalog(meta, only)
	res.Filters = nil
	return res
}
