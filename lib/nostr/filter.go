package nostr

import (
	"fmt"
	"sort"
	"strings"

	jsoniter "github.com/json-iterator/go"
)

// Filter is a conjunction of optional predicates over the event space. The
// same filter drives both the storage query and live subscription matching;
// Matches and ToQuery must agree on which events pass.
type Filter struct {
	IDs     []string
	Authors []string
	Kinds   []int
	Since   *int64
	Until   *int64
	Limit   int
	// Tags maps a single-letter tag name to the set of acceptable values,
	// e.g. "e" -> ["abc..."] for the wire key "#e".
	Tags map[string][]string

	// SubscriptionID is assigned when the filter is installed for live
	// delivery. Not part of the wire filter object.
	SubscriptionID string
}

// filterJSON is the wire shape minus the dynamic #<letter> keys.
type filterJSON struct {
	IDs     []string `json:"ids,omitempty"`
	Authors []string `json:"authors,omitempty"`
	Kinds   []int    `json:"kinds,omitempty"`
	Since   *int64   `json:"since,omitempty"`
	Until   *int64   `json:"until,omitempty"`
	Limit   int      `json:"limit,omitempty"`
}

var json = jsoniter.ConfigCompatibleWithStandardLibrary

// UnmarshalJSON decodes the wire filter object, collecting "#x" keys for
// any single-letter x into Tags.
func (f *Filter) UnmarshalJSON(data []byte) error {
	var known filterJSON
	if err := json.Unmarshal(data, &known); err != nil {
		return err
	}

	var raw map[string]jsoniter.RawMessage
	if err := json.Unmarshal(data, &raw); err != nil {
		return err
	}

	f.IDs = lowercaseAll(known.IDs)
	f.Authors = lowercaseAll(known.Authors)
	f.Kinds = known.Kinds
	f.Since = known.Since
	f.Until = known.Until
	f.Limit = known.Limit
	f.Tags = nil

	for key, value := range raw {
		if len(key) != 2 || key[0] != '#' {
			continue
		}
		var values []string
		if err := json.Unmarshal(value, &values); err != nil {
			return fmt.Errorf("tag filter %s: %w", key, err)
		}
		if f.Tags == nil {
			f.Tags = make(map[string][]string)
		}
		f.Tags[key[1:]] = values
	}

	return nil
}

// MarshalJSON emits the wire filter object including "#x" tag keys.
func (f Filter) MarshalJSON() ([]byte, error) {
	out := make(map[string]interface{})
	if len(f.IDs) > 0 {
		out["ids"] = f.IDs
	}
	if len(f.Authors) > 0 {
		out["authors"] = f.Authors
	}
	if len(f.Kinds) > 0 {
		out["kinds"] = f.Kinds
	}
	if f.Since != nil {
		out["since"] = *f.Since
	}
	if f.Until != nil {
		out["until"] = *f.Until
	}
	if f.Limit > 0 {
		out["limit"] = f.Limit
	}
	for name, values := range f.Tags {
		out["#"+name] = values
	}
	return json.Marshal(out)
}

// IsEmpty reports whether the filter carries no predicates at all. Empty
// filters are refused by the destructive store operations.
func (f *Filter) IsEmpty() bool {
	return len(f.IDs) == 0 &&
		len(f.Authors) == 0 &&
		len(f.Kinds) == 0 &&
		f.Since == nil &&
		f.Until == nil &&
		len(f.Tags) == 0
}

// Matches reports whether every populated predicate is satisfied by the
// event. ids and authors match on hex prefixes; #<letter> predicates match
// if the event carries at least one tag with that name whose value is in
// the predicate's set.
func (f *Filter) Matches(ev *Event) bool {
	if ev == nil {
		return false
	}
	if len(f.IDs) > 0 && !matchesAnyPrefix(f.IDs, ev.ID) {
		return false
	}
	if len(f.Authors) > 0 && !matchesAnyPrefix(f.Authors, ev.PubKey) {
		return false
	}
	if len(f.Kinds) > 0 && !containsInt(f.Kinds, ev.Kind) {
		return false
	}
	if f.Since != nil && ev.CreatedAt < *f.Since {
		return false
	}
	if f.Until != nil && ev.CreatedAt > *f.Until {
		return false
	}
	for name, accepted := range f.Tags {
		if !eventHasTagValue(ev, name, accepted) {
			return false
		}
	}
	return true
}

// ToQuery lowers the filter to storage clauses: one inner join against the
// tag index per tag letter, LIKE clauses for hex prefixes, IN clauses for
// exact values. The emitted query must return exactly the events Matches
// accepts (soft-deletion is excluded by the caller, not here, since the
// destructive operations also go through this lowering).
func (f *Filter) ToQuery(relayID string) (joins []string, where []string, values []interface{}) {
	where = append(where, "events.relay_id = ?")
	values = append(values, relayID)

	if len(f.IDs) > 0 {
		clause, vals := prefixClause("events.id", f.IDs)
		where = append(where, clause)
		values = append(values, vals...)
	}
	if len(f.Authors) > 0 {
		clause, vals := prefixClause("events.pubkey", f.Authors)
		where = append(where, clause)
		values = append(values, vals...)
	}
	if len(f.Kinds) > 0 {
		where = append(where, "events.kind IN ("+placeholders(len(f.Kinds))+")")
		for _, k := range f.Kinds {
			values = append(values, k)
		}
	}
	if f.Since != nil {
		where = append(where, "events.created_at >= ?")
		values = append(values, *f.Since)
	}
	if f.Until != nil {
		where = append(where, "events.created_at <= ?")
		values = append(values, *f.Until)
	}

	// Sort tag letters so the generated SQL is stable.
	var letters []string
	for name := range f.Tags {
		letters = append(letters, name)
	}
	sort.Strings(letters)

	for i, name := range letters {
		alias := fmt.Sprintf("t%d", i)
		joins = append(joins, fmt.Sprintf(
			"INNER JOIN event_tags %s ON %s.relay_id = events.relay_id AND %s.event_id = events.id",
			alias, alias, alias,
		))
		accepted := f.Tags[name]
		where = append(where, fmt.Sprintf(
			"%s.name = ? AND %s.value IN (%s)", alias, alias, placeholders(len(accepted)),
		))
		values = append(values, name)
		for _, v := range accepted {
			values = append(values, v)
		}
	}

	return joins, where, values
}

// prefixClause builds the OR group for a multi-prefix predicate: exact
// 64-char hex values use equality via IN, shorter values become LIKE
// prefix matches. LIKE metacharacters in the prefix are escaped, so a
// client-supplied "%" or "_" is matched literally (against hex columns
// that means matching nothing), keeping the query aligned with Matches.
func prefixClause(column string, prefixes []string) (string, []interface{}) {
	var exact []string
	var partial []string
	for _, p := range prefixes {
		p = strings.ToLower(p)
		if len(p) == 64 {
			exact = append(exact, p)
		} else {
			partial = append(partial, p)
		}
	}

	var parts []string
	var values []interface{}
	if len(exact) > 0 {
		parts = append(parts, column+" IN ("+placeholders(len(exact))+")")
		for _, v := range exact {
			values = append(values, v)
		}
	}
	for _, p := range partial {
		parts = append(parts, column+` LIKE ? ESCAPE '\'`)
		values = append(values, escapeLike(p)+"%")
	}

	return "(" + strings.Join(parts, " OR ") + ")", values
}

var likeEscaper = strings.NewReplacer(`\`, `\\`, `%`, `\%`, `_`, `\_`)

func escapeLike(s string) string {
	return likeEscaper.Replace(s)
}

func placeholders(n int) string {
	return strings.TrimSuffix(strings.Repeat("?,", n), ",")
}

func matchesAnyPrefix(prefixes []string, value string) bool {
	value = strings.ToLower(value)
	for _, p := range prefixes {
		if strings.HasPrefix(value, strings.ToLower(p)) {
			return true
		}
	}
	return false
}

func containsInt(list []int, v int) bool {
	for _, x := range list {
		if x == v {
			return true
		}
	}
	return false
}

func eventHasTagValue(ev *Event, name string, accepted []string) bool {
	for _, tag := range ev.Tags {
		if len(tag) < 2 || tag[0] != name {
			continue
		}
		for _, v := range accepted {
			if tag[1] == v {
				return true
			}
		}
	}
	return false
}

func lowercaseAll(list []string) []string {
	if list == nil {
		return nil
	}
	out := make([]string, len(list))
	for i, s := range list {
		out[i] = strings.ToLower(s)
	}
	return out
}
