package registry

import (
	"context"

	"github.com/blueshiftlabs-ai/bedrock-agent-system-sub003/pkg/schema"
)

// List returns copies of the processes matching the filter, sorted and
// paginated. The second return value is the match count before pagination.
func (r *Registry) List(ctx context.Context, filter schema.ProcessFilter) ([]*schema.Process, int, error) {
	r.mu.RLock()
	entries := make([]*entry, 0, len(r.entries))
	for _, e := range r.entries {
		entries = append(entries, e)
	}
	r.mu.RUnlock()

	matched := make([]*schema.Process, 0, len(entries))
	for _, e := range entries {
		e.mu.Lock()
		if matches(e.proc, filter) {
			matched = append(matched, cloneProcess(e.proc))
		}
		e.mu.Unlock()
	}

	sortBy := filter.SortBy
	if sortBy == "" {
		sortBy = schema.SortByCreatedAt
	}
	order := filter.SortOrder
	if order == "" {
		order = "desc"
	}
	sortProcesses(matched, sortBy, order)

	total := len(matched)
	if filter.Offset > 0 {
		if filter.Offset >= len(matched) {
			matched = nil
		} else {
			matched = matched[filter.Offset:]
		}
	}
	if filter.Limit > 0 && len(matched) > filter.Limit {
		matched = matched[:filter.Limit]
	}
	return matched, total, nil
}

func matches(p *schema.Process, f schema.ProcessFilter) bool {
	if len(f.Status) > 0 && !containsStatus(f.Status, p.Status) {
		return false
	}
	if len(f.Type) > 0 && !containsType(f.Type, p.Type) {
		return false
	}
	if len(f.Priority) > 0 && !containsPriority(f.Priority, p.Priority) {
		return false
	}
	if f.OwnerID != "" && p.OwnerID != f.OwnerID {
		return false
	}
	if f.CreatedAfter != nil && !p.CreatedAt.After(*f.CreatedAfter) {
		return false
	}
	if f.CreatedBefore != nil && !p.CreatedAt.Before(*f.CreatedBefore) {
		return false
	}
	// Tag filter is conjunctive: the process must carry every requested tag.
	for _, want := range f.Tags {
		found := false
		for _, have := range p.Tags {
			if have == want {
				found = true
				break
			}
		}
		if !found {
			return false
		}
	}
	return true
}

func containsStatus(set []schema.ProcessStatus, s schema.ProcessStatus) bool {
	for _, v := range set {
		if v == s {
			return true
		}
	}
	return false
}

func containsType(set []schema.ProcessType, t schema.ProcessType) bool {
	for _, v := range set {
		if v == t {
			return true
		}
	}
	return false
}

func containsPriority(set []schema.ProcessPriority, p schema.ProcessPriority) bool {
	for _, v := range set {
		if v == p {
			return true
		}
	}
	return false
}
