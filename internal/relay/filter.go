package relay

import (
	"encoding/json"
	"fmt"

	nostr "github.com/nbd-wtf/go-nostr"
)

// parseFilterFromRaw decodes a filter object and merges any "#p", "#e",
// etc. keys into Filter.Tags so tag constraints survive the decode.
func parseFilterFromRaw(data json.RawMessage) (nostr.Filter, error) {
	var f nostr.Filter
	if err := json.Unmarshal(data, &f); err != nil {
		return f, fmt.Errorf("failed to decode filter: %w", err)
	}

	var partial map[string]json.RawMessage
	if err := json.Unmarshal(data, &partial); err != nil {
		return f, fmt.Errorf("failed to decode partial: %w", err)
	}

	if f.Tags == nil {
		f.Tags = make(nostr.TagMap)
	}
	for k, v := range partial {
		if len(k) > 1 && k[0] == '#' {
			var terms []string
			if err := json.Unmarshal(v, &terms); err == nil {
				f.Tags[k[1:]] = terms
			}
		}
	}
	return f, nil
}

// MatchesFilter reports whether an event satisfies a filter. Clauses are
// checked in order and short-circuit on the first failure; an empty
// filter matches every event.
func MatchesFilter(evt *nostr.Event, f nostr.Filter) bool {
	if len(f.IDs) > 0 && !containsString(f.IDs, evt.ID) {
		return false
	}
	if f.Since != nil && evt.CreatedAt < *f.Since {
		return false
	}
	if f.Until != nil && evt.CreatedAt > *f.Until {
		return false
	}
	if len(f.Authors) > 0 && !containsString(f.Authors, evt.PubKey) {
		return false
	}
	if len(f.Kinds) > 0 && !containsKind(f.Kinds, evt.Kind) {
		return false
	}

	// Conjunction across tag keys, disjunction across terms within a
	// key. An empty term list is vacuously satisfied.
	for tagName, terms := range f.Tags {
		if len(terms) == 0 {
			continue
		}
		if !eventHasTagTerm(evt, tagName, terms) {
			return false
		}
	}
	return true
}

// eventHasTagTerm reports whether any tag named tagName carries at least
// one parameter present in terms.
func eventHasTagTerm(evt *nostr.Event, tagName string, terms []string) bool {
	for _, tag := range evt.Tags {
		if len(tag) < 2 || tag[0] != tagName {
			continue
		}
		for _, param := range tag[1:] {
			if containsString(terms, param) {
				return true
			}
		}
	}
	return false
}

func containsString(haystack []string, needle string) bool {
	for _, s := range haystack {
		if s == needle {
			return true
		}
	}
	return false
}

func containsKind(kinds []int, kind int) bool {
	for _, k := range kinds {
		if k == kind {
			return true
		}
	}
	return false
}
