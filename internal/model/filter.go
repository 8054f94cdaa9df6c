package model

import "fmt"

// EligibilityFilter narrows the contacts eligible for a reply-dependent
// step to those who exhibited a named engagement — and not a stronger one —
// on the referenced step. Modeled as a small variant type rather than
// branching on strings at every call site, so new engagement kinds only
// need a new variant.
type EligibilityFilter interface {
	// Name is the wire/database value of the filter.
	Name() string
	// Predicate returns a SQL predicate over a delivery-record alias that
	// selects contacts matching this engagement exactly. A reply always
	// supersedes: a contact who replied is handled by the reply branch of
	// the sequence, not by clicked/opened follow-ups.
	Predicate(alias string) string
}

// ClickedFilter matches contacts who clicked but did not reply.
type ClickedFilter struct{}

func (ClickedFilter) Name() string { return "clicked" }

func (ClickedFilter) Predicate(alias string) string {
	return fmt.Sprintf("%s.clicked_at IS NOT NULL AND %s.replied_at IS NULL", alias, alias)
}

// OpenedFilter matches contacts who opened but neither clicked nor replied.
type OpenedFilter struct{}

func (OpenedFilter) Name() string { return "opened" }

func (OpenedFilter) Predicate(alias string) string {
	return fmt.Sprintf("%s.opened_at IS NOT NULL AND %s.clicked_at IS NULL AND %s.replied_at IS NULL",
		alias, alias, alias)
}

// FilterFor resolves a stored filter name to its variant.
func FilterFor(name string) (EligibilityFilter, error) {
	switch name {
	case "clicked":
		return ClickedFilter{}, nil
	case "opened":
		return OpenedFilter{}, nil
	default:
		return nil, fmt.Errorf("unknown reply filter: %q", name)
	}
}
