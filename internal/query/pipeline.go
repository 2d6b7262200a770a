package query

import (
	sq "github.com/Masterminds/squirrel"
	"go.uber.org/zap"
)

// Pipeline owns one resource's filter and sort registries and resolves
// decoded requests against them. Construct one per resource at startup,
// register definitions, then share it across requests; Apply never
// mutates pipeline state.
type Pipeline struct {
	filters *Registry
	sorts   *SortRegistry
	logger  *zap.Logger
}

// NewPipeline creates an empty pipeline.
func NewPipeline(logger *zap.Logger) *Pipeline {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Pipeline{
		filters: NewRegistry(),
		sorts:   NewSortRegistry(),
		logger:  logger,
	}
}

// RegisterFilter adds a filter definition to the pipeline's registry.
func (p *Pipeline) RegisterFilter(def *Filter) error {
	if err := p.filters.Register(def); err != nil {
		return err
	}
	p.logger.Info("registered filter", zap.String("filter", def.Key), zap.String("kind", string(def.Kind)))
	return nil
}

// RegisterSort adds a sort definition to the pipeline's registry.
func (p *Pipeline) RegisterSort(def *Sort) error {
	if err := p.sorts.Register(def); err != nil {
		return err
	}
	p.logger.Info("registered sort", zap.String("sort", def.Key))
	return nil
}

// Filters exposes the filter registry, mainly for introspection.
func (p *Pipeline) Filters() *Registry { return p.filters }

// Sorts exposes the sort registry.
func (p *Pipeline) Sorts() *SortRegistry { return p.sorts }

type resolvedFilter struct {
	def *Filter
	val *Value
}

// Apply resolves a decoded request against the registries and applies it
// onto the supplied builder, filters first in original wire order, then
// the sort. On any error the original builder is returned with zero
// mutations: unknown keys and validation failures are all-or-nothing.
// Unauthorized filters are the one silent case; they are dropped without
// error so a caller cannot probe for capabilities it lacks. The same key
// listed twice applies twice; nothing deduplicates.
func (p *Pipeline) Apply(query sq.SelectBuilder, caller Caller, req Request) (sq.SelectBuilder, error) {
	pending := make([]resolvedFilter, 0, len(req.Filters))
	for _, fr := range req.Filters {
		def, err := p.filters.Lookup(fr.Key)
		if err != nil {
			return query, err
		}
		pending = append(pending, resolvedFilter{def: def, val: newValue(fr.Value, def.Kind, def.Options)})
	}
	var sortDef *Sort
	if req.Sort != nil {
		def, err := p.sorts.Lookup(req.Sort.Key)
		if err != nil {
			return query, err
		}
		sortDef = def
	}

	authorized := pending[:0]
	for _, rf := range pending {
		if rf.def.Authorize != nil && !rf.def.Authorize(caller) {
			p.logger.Debug("filter dropped by authorization",
				zap.String("filter", rf.def.Key),
				zap.String("actor", caller.ActorID))
			continue
		}
		authorized = append(authorized, rf)
	}

	verr := newValidationError()
	v := newValidator()
	for _, rf := range authorized {
		v.check(rf.def, rf.val, verr)
	}
	if len(verr.Fields) > 0 {
		return query, verr
	}

	out := query
	for _, rf := range authorized {
		out = rf.def.Apply(out, rf.val)
		p.logger.Debug("filter applied", zap.String("filter", rf.def.Key))
	}
	if sortDef != nil {
		out = applySort(out, sortDef, req.Sort.Direction)
		p.logger.Debug("sort applied",
			zap.String("sort", sortDef.Key),
			zap.String("direction", string(req.Sort.Direction)))
	}
	return out, nil
}

// applySort orders the query by one resolved definition. A custom
// transform wins outright; a relation binding joins the relation before
// ordering by the bound column; otherwise the bare column orders
// directly.
func applySort(query sq.SelectBuilder, def *Sort, direction Direction) sq.SelectBuilder {
	if def.Transform != nil {
		return def.Transform(query, direction)
	}
	column := def.Column
	if def.Relation != nil {
		query = query.Join(def.Relation.Join)
		if column == "" {
			column = def.Relation.Column
		}
	}
	if column == "" {
		column = def.Key
	}
	return query.OrderBy(column + " " + direction.SQL())
}
