package geocube

import "sort"

// Remainder computes Q \ (union of covered), expressed as a disjoint cover
// of axis-aligned sub-cubes of Q. It uses the standard subtractive
// decomposition: at most 6 boxes remain after removing one interior box
// from a 3-D box, so iteratively subtracting each covered cube from the
// current remainder set keeps the result small.
//
// Per the Open Question resolution recorded in SPEC_FULL.md, the returned
// cubes are sorted ascending by (X1, Y1, T1) so callers get a canonical,
// test-friendly order.
func Remainder(q QueryCube, covered []QueryCube) []QueryCube {
	remaining := []QueryCube{q}
	for _, c := range covered {
		if !q.Intersects(c) {
			continue
		}
		var next []QueryCube
		for _, r := range remaining {
			next = append(next, subtract(r, c)...)
		}
		remaining = next
		if len(remaining) == 0 {
			break
		}
	}
	sort.Slice(remaining, func(i, j int) bool {
		a, b := remaining[i], remaining[j]
		if a.X1 != b.X1 {
			return a.X1 < b.X1
		}
		if a.Y1 != b.Y1 {
			return a.Y1 < b.Y1
		}
		return a.T1 < b.T1
	})
	return remaining
}

// subtract removes c from r, returning up to 6 axis-aligned boxes that
// together make up r \ c. If r and c do not intersect, r is returned
// unchanged.
func subtract(r, c QueryCube) []QueryCube {
	if !r.Intersects(c) {
		return []QueryCube{r}
	}
	ix := r.Intersection(c)
	var out []QueryCube

	// Slab below the intersection on X.
	if ix.X1 > r.X1 {
		b := r
		b.X2 = ix.X1
		out = append(out, b)
	}
	// Slab above the intersection on X.
	if ix.X2 < r.X2 {
		b := r
		b.X1 = ix.X2
		out = append(out, b)
	}
	// Slab below/above on Y, restricted to the X range of the intersection.
	if ix.Y1 > r.Y1 {
		b := r
		b.X1, b.X2 = ix.X1, ix.X2
		b.Y2 = ix.Y1
		out = append(out, b)
	}
	if ix.Y2 < r.Y2 {
		b := r
		b.X1, b.X2 = ix.X1, ix.X2
		b.Y1 = ix.Y2
		out = append(out, b)
	}
	// Slab below/above on T, restricted to the X,Y range of the intersection.
	if ix.T1 > r.T1 {
		b := r
		b.X1, b.X2 = ix.X1, ix.X2
		b.Y1, b.Y2 = ix.Y1, ix.Y2
		b.T2 = ix.T1
		out = append(out, b)
	}
	if ix.T2 < r.T2 {
		b := r
		b.X1, b.X2 = ix.X1, ix.X2
		b.Y1, b.Y2 = ix.Y1, ix.Y2
		b.T1 = ix.T2
		out = append(out, b)
	}

	filtered := out[:0]
	for _, b := range out {
		if !b.degenerate() {
			filtered = append(filtered, b)
		}
	}
	return filtered
}
