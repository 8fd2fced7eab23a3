package hub

import "testing"

func TestFilterMatchesMatchKind(t *testing.T) {
	f := Filter{Kind: FilterMatch, Body: "ALARM hot"}
	if !filterMatches(f, "ALARM hot") {
		t.Error("exact match should accept")
	}
	if filterMatches(f, "ALARM hot now") {
		t.Error("MATCH should reject a longer string")
	}
}

func TestFilterMatchesActionKind(t *testing.T) {
	f := Filter{Kind: FilterAction, Body: "ALARM"}
	if !filterMatches(f, "ALARMIST") {
		t.Error("ACTION is a plain byte prefix, ALARMIST should match")
	}
	if !filterMatches(f, "ALARM hot") {
		t.Error("ACTION should match ALARM hot")
	}
	if filterMatches(f, "NOT-ALARM") {
		t.Error("ACTION should not match a non-prefix")
	}
}

func TestFilterMatchesPrefixKind(t *testing.T) {
	f := Filter{Kind: FilterPrefix, Body: "ALARM"}

	if !filterMatches(f, "ALARM hot") {
		t.Error("PREFIX should match a leading token followed by a space")
	}
	if !filterMatches(f, "ALARM") {
		t.Error("PREFIX should match when body equals the filter exactly")
	}
	if filterMatches(f, "ALARMIST") {
		t.Error("PREFIX must not match when the next character isn't a space (scenario E)")
	}
}

func TestEmptyFilterSetDropsEverything(t *testing.T) {
	s := &Session{}
	if s.checkFilters("anything") {
		t.Error("a session with no filters must accept nothing (default-drop)")
	}
}

func TestAddFilterOrInsertionOrderShortCircuits(t *testing.T) {
	s := &Session{}
	s.addFilter(FilterMatch, "no-match")
	s.addFilter(FilterAction, "yes")

	if !s.checkFilters("yes-this-matches") {
		t.Error("second filter (ACTION) should have matched")
	}
	if s.checkFilters("neither") {
		t.Error("should not match when no filter applies")
	}
}
