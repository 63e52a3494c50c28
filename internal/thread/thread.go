// Package thread turns the parent-pointer graph of a conversation into the
// single ordered transcript fed to the generation backend.
//
// Stored data is not trusted: parents may be missing, several roots may exist
// and cycles may appear. None of these are errors. Orphans become roots,
// roots are ordered by creation time, and a cycle is cut by promoting its
// earliest member to a root. Traversal is iterative and every message is
// visited at most once, so malformed input can neither loop nor blow the stack.
package thread

import (
	"sort"

	"github.com/wuwenbin0122/copilot/internal/models"
)

// Report lists the repairs applied while reconstructing.
type Report struct {
	// Orphans are messages whose parent is not part of the set.
	Orphans []string
	// CycleBreaks are messages promoted to root to cut a parent cycle.
	CycleBreaks []string
}

// Malformed reports whether any repair was needed.
func (r Report) Malformed() bool {
	return len(r.Orphans) > 0 || len(r.CycleBreaks) > 0
}

// Reconstruct returns every message exactly once in transcript order.
func Reconstruct(messages []models.Message) []models.Message {
	out, _ := ReconstructWithReport(messages)
	return out
}

// ReconstructWithReport is Reconstruct plus the list of repairs it made.
func ReconstructWithReport(messages []models.Message) ([]models.Message, Report) {
	var report Report
	if len(messages) == 0 {
		return []models.Message{}, report
	}

	// Arena sorted by (CreatedAt, ID) so the result does not depend on input order.
	arena := make([]models.Message, len(messages))
	copy(arena, messages)
	sort.SliceStable(arena, func(i, j int) bool { return before(arena[i], arena[j]) })

	index := make(map[string]int, len(arena))
	for i, msg := range arena {
		if _, dup := index[msg.ID]; !dup {
			index[msg.ID] = i
		}
	}

	// children[i] holds arena positions, already in (CreatedAt, ID) order.
	children := make([][]int, len(arena))
	roots := make([]int, 0, 1)
	for i, msg := range arena {
		if msg.ParentMessageID == "" {
			roots = append(roots, i)
			continue
		}
		parent, ok := index[msg.ParentMessageID]
		if !ok {
			report.Orphans = append(report.Orphans, msg.ID)
			roots = append(roots, i)
			continue
		}
		if parent == i {
			// self reference is the shortest cycle
			report.CycleBreaks = append(report.CycleBreaks, msg.ID)
			roots = append(roots, i)
			continue
		}
		children[parent] = append(children[parent], i)
	}

	visited := make([]bool, len(arena))
	out := make([]models.Message, 0, len(arena))
	walk := func(root int) {
		if visited[root] {
			return
		}
		visited[root] = true
		queue := []int{root}
		for len(queue) > 0 {
			cur := queue[0]
			queue = queue[1:]
			out = append(out, arena[cur])
			for _, child := range children[cur] {
				if visited[child] {
					continue
				}
				visited[child] = true
				queue = append(queue, child)
			}
		}
	}

	// roots were collected in arena order, which is already (CreatedAt, ID).
	for _, root := range roots {
		walk(root)
	}

	// Whatever is left hangs off a cycle. Follow parent pointers from the
	// earliest unvisited message until a position repeats, then cut the cycle
	// at its earliest member.
	parentOf := func(i int) int {
		p, ok := index[arena[i].ParentMessageID]
		if !ok {
			return -1
		}
		return p
	}
	for i := range arena {
		if visited[i] {
			continue
		}
		cut := findCycle(i, parentOf, visited)
		report.CycleBreaks = append(report.CycleBreaks, arena[cut].ID)
		walk(cut)
	}

	return out, report
}

// findCycle walks up from start and returns the smallest arena position on
// the cycle it runs into. If the chain ends without repeating, the last
// unvisited position reached is returned.
func findCycle(start int, parentOf func(int) int, visited []bool) int {
	seen := map[int]bool{}
	cur := start
	last := start
	for cur >= 0 && !visited[cur] && !seen[cur] {
		seen[cur] = true
		last = cur
		cur = parentOf(cur)
	}
	if cur < 0 || visited[cur] {
		return last
	}
	cut := cur
	for p := parentOf(cur); p != cur; p = parentOf(p) {
		if p < cut {
			cut = p
		}
	}
	return cut
}

func before(a, b models.Message) bool {
	if !a.CreatedAt.Equal(b.CreatedAt) {
		return a.CreatedAt.Before(b.CreatedAt)
	}
	if a.ID != b.ID {
		return a.ID < b.ID
	}
	// identical keys keep a content-based order so duplicates stay deterministic
	if a.ParentMessageID != b.ParentMessageID {
		return a.ParentMessageID < b.ParentMessageID
	}
	if a.Role != b.Role {
		return a.Role < b.Role
	}
	return a.Content < b.Content
}

// Latest returns the last message of a reconstructed transcript, which is
// the parent a new user turn attaches to.
func Latest(transcript []models.Message) (models.Message, bool) {
	if len(transcript) == 0 {
		return models.Message{}, false
	}
	return transcript[len(transcript)-1], true
}
