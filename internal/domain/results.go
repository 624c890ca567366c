package domain

import (
	"maps"
	"slices"
)

type Issue struct {
	Key    string         `json:"key"`
	Fields map[string]any `json:"fields,omitempty"`
}

// ResultList is the outcome of a query. Groups is populated when the query
// was grouped by a field; each group keeps its own issues and total.
type ResultList struct {
	Issues  []Issue                `json:"issues"`
	Total   int                    `json:"total"`
	GroupBy string                 `json:"group_by,omitempty"`
	Groups  map[string]*ResultList `json:"groups,omitempty"`
	// Value holds the scalar produced by a collation, if any.
	Value any `json:"value,omitempty"`
}

// Clone returns a deep copy that shares no slices or maps with r.
func (r *ResultList) Clone() *ResultList {
	if r == nil {
		return nil
	}
	out := &ResultList{
		Total:   r.Total,
		GroupBy: r.GroupBy,
		Value:   r.Value,
	}
	if r.Issues != nil {
		out.Issues = make([]Issue, len(r.Issues))
		for i, is := range r.Issues {
			out.Issues[i] = Issue{Key: is.Key, Fields: maps.Clone(is.Fields)}
		}
	}
	if r.Groups != nil {
		out.Groups = make(map[string]*ResultList, len(r.Groups))
		for k, g := range r.Groups {
			out.Groups[k] = g.Clone()
		}
	}
	return out
}

// Distinct drops issues whose key was already seen, keeping first occurrences.
func (r *ResultList) Distinct() *ResultList {
	if r == nil {
		return nil
	}
	seen := make(map[string]struct{}, len(r.Issues))
	issues := r.Issues[:0:0]
	for _, is := range r.Issues {
		if _, ok := seen[is.Key]; ok {
			continue
		}
		seen[is.Key] = struct{}{}
		issues = append(issues, is)
	}
	r.Issues = issues
	if r.Total > len(issues) {
		r.Total = len(issues)
	}
	for _, g := range r.Groups {
		g.Distinct()
	}
	return r
}

func (r *ResultList) Len() int {
	if r == nil {
		return 0
	}
	return len(r.Issues)
}

// GroupNames returns the group keys in sorted order.
func (r *ResultList) GroupNames() []string {
	if r == nil {
		return nil
	}
	return slices.Sorted(maps.Keys(r.Groups))
}
