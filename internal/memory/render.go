package memory

import (
	"sort"
	"strings"
	"unicode/utf8"
)

const (
	blockLead      = "Use the following memory only when it is relevant to the user's message."
	factsHeader    = "Known facts about the user:"
	episodicHeader = "Relevant notes from earlier conversations:"
)

type renderEntry struct {
	text  string
	score float64
	user  bool
	seq   int
}

// Render builds the memory context block. Items are admitted in descending
// score order until the next one would push the block past maxChars, so
// lower-scored items are the ones dropped. It returns "" when nothing fits.
func Render(facts, episodic []ScoredItem, maxChars int) string {
	if maxChars <= 0 || len(facts)+len(episodic) == 0 {
		return ""
	}

	all := make([]renderEntry, 0, len(facts)+len(episodic))
	for _, it := range facts {
		all = append(all, renderEntry{text: it.Text, score: it.Score, user: true, seq: len(all)})
	}
	for _, it := range episodic {
		all = append(all, renderEntry{text: it.Text, score: it.Score, seq: len(all)})
	}
	order := append([]renderEntry(nil), all...)
	sort.SliceStable(order, func(i, j int) bool { return order[i].score > order[j].score })

	var (
		kept  []renderEntry
		block string
	)
	for _, e := range order {
		candidate := format(append(kept[:len(kept):len(kept)], e))
		if utf8.RuneCountInString(candidate) > maxChars {
			break
		}
		kept = append(kept, e)
		block = candidate
	}
	return block
}

// format lays entries out in their original retrieval order, grouped by kind.
func format(entries []renderEntry) string {
	sorted := append([]renderEntry(nil), entries...)
	sort.Slice(sorted, func(i, j int) bool { return sorted[i].seq < sorted[j].seq })

	var facts, episodic []string
	for _, e := range sorted {
		if e.user {
			facts = append(facts, e.text)
		} else {
			episodic = append(episodic, e.text)
		}
	}

	var sb strings.Builder
	sb.WriteString(blockLead)
	if len(facts) > 0 {
		sb.WriteString("\n\n")
		sb.WriteString(factsHeader)
		for _, f := range facts {
			sb.WriteString("\n- ")
			sb.WriteString(f)
		}
	}
	if len(episodic) > 0 {
		sb.WriteString("\n\n")
		sb.WriteString(episodicHeader)
		for _, e := range episodic {
			sb.WriteString("\n- ")
			sb.WriteString(e)
		}
	}
	return sb.String()
}
