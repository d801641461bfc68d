package pyrus

import "fmt"

// BuildMentionSpan renders the exact markup Pyrus uses to display a person
// mention inside a formatted comment.
func BuildMentionSpan(personID uint64, fullname string) string {
	return fmt.Sprintf(`<span data-personid="%d" data-type="user-mention">%s</span>`, personID, fullname)
}

// collectManagerIDs returns the manager ids to subscribe. The escalation
// chain is all-or-nothing: a single unresolved manager voids the list so the
// caller fails loudly instead of subscribing half the chain.
func collectManagerIDs(managers []MemberInfo) []uint64 {
	if len(managers) == 0 {
		return nil
	}
	ids := make([]uint64, 0, len(managers))
	for _, m := range managers {
		if m.ID == 0 {
			return nil
		}
		ids = append(ids, m.ID)
	}
	return ids
}

// collectManagerMentions builds mention spans for every manager that carries
// both an id and a name.
func collectManagerMentions(managers []MemberInfo) []string {
	var mentions []string
	for _, m := range managers {
		if m.ID != 0 && m.Fullname != "" {
			mentions = append(mentions, BuildMentionSpan(m.ID, m.Fullname))
		}
	}
	return mentions
}
