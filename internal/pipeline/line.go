package pipeline

import (
	"sort"
	"strconv"
	"strings"

	"github.com/ymatsuda/keirin-data/internal/provider/winticket"
)

// Separators of the line formation string: entries within a group are joined
// with the middle dot, groups with the full-width em-dash.
const (
	lineEntrySep = "・"
	lineGroupSep = "―"
)

// ComposeLineFormation renders the predicted line structure as its compact
// string form. A group is either a bare singleton ({numbers:[n]} → "n") or a
// list of entries where multi-number entries sort ascending inside brackets:
// [{entries:[{numbers:[1]},{numbers:[2]}]}, {entries:[{numbers:[4,7]}]},
// {entries:[{numbers:[6]}]}] → "1・2―[4・7]―6".
func ComposeLineFormation(lines []winticket.LineGroup) string {
	groups := make([]string, 0, len(lines))
	for _, group := range lines {
		var parts []string
		switch {
		case len(group.Entries) > 0:
			parts = make([]string, 0, len(group.Entries))
			for _, entry := range group.Entries {
				parts = append(parts, formatLineEntry(entry.Numbers))
			}
		case len(group.Numbers) > 0:
			parts = []string{formatLineEntry(group.Numbers)}
		default:
			continue
		}
		groups = append(groups, strings.Join(parts, lineEntrySep))
	}
	return strings.Join(groups, lineGroupSep)
}

func formatLineEntry(numbers []int) string {
	if len(numbers) == 1 {
		return strconv.Itoa(numbers[0])
	}
	sorted := append([]int(nil), numbers...)
	sort.Ints(sorted)
	parts := make([]string, len(sorted))
	for i, n := range sorted {
		parts[i] = strconv.Itoa(n)
	}
	return "[" + strings.Join(parts, lineEntrySep) + "]"
}
