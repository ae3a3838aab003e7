package messages

import (
	"net/netip"
	"slices"
)

// ChangeRecords returns the state-change records a host sends when the
// filter of group moves from (oldMode, oldSources) to (newMode,
// newSources), per RFC 3376 Section 5.1. A group the host was not a
// member of is INCLUDE({}). Source lists must be normalized.
//
//	INCLUDE(A) -> INCLUDE(B)  ALLOW(B-A), BLOCK(A-B)
//	EXCLUDE(A) -> EXCLUDE(B)  ALLOW(A-B), BLOCK(B-A)
//	INCLUDE(A) -> EXCLUDE(B)  TO_EX(B)
//	EXCLUDE(A) -> INCLUDE(B)  TO_IN(B)
//
// Empty ALLOW and BLOCK records are omitted.
func ChangeRecords(group netip.Addr, oldMode FilterMode, oldSources []netip.Addr, newMode FilterMode, newSources []netip.Addr) []GroupRecord {
	if oldMode != newMode {
		t := ChangeToExcludeMode
		if newMode == Include {
			t = ChangeToIncludeMode
		}
		return []GroupRecord{{Type: t, Group: group, Sources: slices.Clone(newSources)}}
	}

	allow, block := Difference(newSources, oldSources), Difference(oldSources, newSources)
	if oldMode == Exclude {
		allow, block = block, allow
	}
	var recs []GroupRecord
	if len(allow) > 0 {
		recs = append(recs, GroupRecord{Type: AllowNewSources, Group: group, Sources: allow})
	}
	if len(block) > 0 {
		recs = append(recs, GroupRecord{Type: BlockOldSources, Group: group, Sources: block})
	}
	return recs
}

// CurrentStateRecord returns the record answering a query about the whole
// group: IS_IN(sources) or IS_EX(sources).
func CurrentStateRecord(group netip.Addr, mode FilterMode, sources []netip.Addr) GroupRecord {
	t := ModeIsInclude
	if mode == Exclude {
		t = ModeIsExclude
	}
	return GroupRecord{Type: t, Group: group, Sources: slices.Clone(sources)}
}

// SourceQueryRecord returns the record answering a group-and-source
// specific query for queried: IS_IN(A*B) in INCLUDE mode and IS_IN(B-A)
// in EXCLUDE mode. ok is false when the answer is empty and nothing
// should be sent.
func SourceQueryRecord(group netip.Addr, mode FilterMode, sources, queried []netip.Addr) (rec GroupRecord, ok bool) {
	var answer []netip.Addr
	if mode == Include {
		answer = Intersect(sources, queried)
	} else {
		answer = Difference(queried, sources)
	}
	if len(answer) == 0 {
		return GroupRecord{}, false
	}
	return GroupRecord{Type: ModeIsInclude, Group: group, Sources: answer}, true
}
