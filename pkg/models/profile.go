package models

// UserProfile holds the mutable per-user relationship data. It persists
// across turns and is mutated only by an explicitly detected change
// (analyzer output or answer-embedded fields), never in place: callers
// copy, modify, and emit the updated value.
type UserProfile struct {
	Nickname      string `json:"nickname"`
	RelationType  string `json:"relation_type"`
	FirstMeetDate string `json:"first_meet_date"` // RFC 3339
}

// WithNickname returns a copy with the nickname replaced.
func (p UserProfile) WithNickname(nick string) UserProfile {
	p.Nickname = nick
	return p
}

// WithRelation returns a copy with the relation type replaced.
func (p UserProfile) WithRelation(rel string) UserProfile {
	p.RelationType = rel
	return p
}

// ClampAffinity bounds an affinity level to [0, 100]. Applied after
// every adjustment regardless of source.
func ClampAffinity(level int) int {
	if level < 0 {
		return 0
	}
	if level > 100 {
		return 100
	}
	return level
}
