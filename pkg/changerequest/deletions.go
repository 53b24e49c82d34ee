package changerequest

import (
	"strings"

	"ford/pkg/capability"
)

// CountDeletedLines returns how many existing lines changes remove. originals maps change paths
// to current content. A deleted file counts all its lines; a rewrite counts the old lines that no
// longer appear in the new content (as a multiset).
func CountDeletedLines(changes []capability.FileChange, originals map[string]string) int {
	total := 0
	for _, ch := range changes {
		old, ok := originals[ch.Path]
		if !ok {
			continue
		}
		if ch.Delete {
			total += len(splitLines(old))
			continue
		}
		remaining := make(map[string]int)
		for _, l := range splitLines(ch.Content) {
			remaining[l]++
		}
		for _, l := range splitLines(old) {
			if remaining[l] > 0 {
				remaining[l]--
				continue
			}
			total++
		}
	}
	return total
}

func splitLines(s string) []string {
	if s == "" {
		return nil
	}
	return strings.Split(strings.TrimSuffix(s, "\n"), "\n")
}
