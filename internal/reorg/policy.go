package reorg

import (
	"math"
	"time"

	"golang.org/x/exp/slices"

	"github.com/dreamware/geocache/internal/index"
)

// hotScore ranks a directory entry for the balance step (spec.md §4.5:
// "hot is access_count * size decayed by last_access"). The decay halves
// the score every halfLife of wall-clock time since the entry was last
// touched, so a once-popular entry cools off instead of pinning itself to
// its node forever.
func hotScore(e index.DirectoryEntry, now time.Time, halfLife time.Duration) float64 {
	age := now.Sub(time.Unix(0, e.LastAccess))
	if age < 0 {
		age = 0
	}
	decay := math.Pow(0.5, age.Seconds()/halfLife.Seconds())
	return float64(e.AccessCount) * float64(e.SizeBytes) * decay
}

// colocationScore scores how concentrated a fingerprint's entries already
// are across nodes: 1.0 when every entry for the fingerprint sits on one
// node, trending to 0 as it spreads evenly, per spec.md §4.5's "prefer
// concentrating entries on one node to maximise puzzle local-hit rate".
func colocationScore(entries []index.DirectoryEntry) (bestNode string, score float64) {
	if len(entries) == 0 {
		return "", 0
	}
	byNode := map[string]int64{}
	var total int64
	for _, e := range entries {
		byNode[e.NodeID] += e.SizeBytes
		total += e.SizeBytes
	}
	if total == 0 {
		return "", 0
	}
	for node, sz := range byNode {
		if s := float64(sz) / float64(total); s > score || bestNode == "" {
			bestNode, score = node, s
		}
	}
	return bestNode, score
}

// rankByHotnessAsc sorts entries coldest-first, used to pick capacity-
// correction victims (LRU: read from the front, coldest removed first) and
// balance candidates (hottest moved first, taken from the back).
func rankByHotnessAsc(entries []index.DirectoryEntry, now time.Time, halfLife time.Duration) {
	slices.SortFunc(entries, func(a, b index.DirectoryEntry) int {
		sa, sb := hotScore(a, now, halfLife), hotScore(b, now, halfLife)
		switch {
		case sa < sb:
			return -1
		case sa > sb:
			return 1
		default:
			return 0
		}
	})
}
