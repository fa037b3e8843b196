package harness

// permutations returns up to limit orderings of items, the identity first,
// generated by Heap's algorithm so the sequence is deterministic.
func permutations(items []string, limit int) [][]string {
	if limit < 1 {
		limit = 1
	}
	a := append([]string(nil), items...)
	out := [][]string{append([]string(nil), a...)}

	c := make([]int, len(a))
	for i := 0; i < len(a) && len(out) < limit; {
		if c[i] < i {
			if i%2 == 0 {
				a[0], a[i] = a[i], a[0]
			} else {
				a[c[i]], a[i] = a[i], a[c[i]]
			}
			out = append(out, append([]string(nil), a...))
			c[i]++
			i = 0
		} else {
			c[i] = 0
			i++
		}
	}
	return out
}
