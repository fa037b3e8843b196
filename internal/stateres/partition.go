package stateres

import "github.com/roach88/roomgraph/internal/pdu"

// Partition splits the keys of the input sets. A key is unconflicted when
// every set holding it holds the same event, including the case where only
// one set holds it. Conflicted candidates are deduplicated and sorted.
func Partition(sets []pdu.StateMap) (pdu.StateMap, map[pdu.StateKey][]pdu.EventID) {
	candidates := make(map[pdu.StateKey]map[pdu.EventID]bool)
	for _, set := range sets {
		for k, id := range set {
			ids, ok := candidates[k]
			if !ok {
				ids = make(map[pdu.EventID]bool, 1)
				candidates[k] = ids
			}
			ids[id] = true
		}
	}

	unconflicted := make(pdu.StateMap)
	conflicted := make(map[pdu.StateKey][]pdu.EventID)
	for k, ids := range candidates {
		if len(ids) == 1 {
			for id := range ids {
				unconflicted[k] = id
			}
			continue
		}
		list := make([]pdu.EventID, 0, len(ids))
		for id := range ids {
			list = append(list, id)
		}
		pdu.SortEventIDs(list)
		conflicted[k] = list
	}
	return unconflicted, conflicted
}
