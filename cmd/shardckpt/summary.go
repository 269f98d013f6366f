package main

import (
	"fmt"
	"strings"

	"github.com/charmbracelet/lipgloss"
	"github.com/dustin/go-humanize"

	"github.com/gomlx/shardckpt/pkg/ml/checkpoints"
	"github.com/gomlx/shardckpt/pkg/support/sets"
)

// checkpointStats of the latest checkpoint in a directory, aggregated over its ranks.
type checkpointStats struct {
	numCheckpoints int
	count          int
	id             string
	worldSize      int
	ranks          sets.Set[int]
	modes          sets.Set[string]
	entries        sets.Set[string]
	numShards      int
	bytes          int
	consistent     bool
}

func statsOf(all []*checkpoints.Metadata) checkpointStats {
	stats := checkpointStats{
		ranks:      sets.Make[int](),
		modes:      sets.Make[string](),
		entries:    sets.Make[string](),
		consistent: true,
	}
	counts := sets.Make[int]()
	for _, metadata := range all {
		counts.Insert(metadata.Count)
	}
	stats.numCheckpoints = len(counts)
	ranks := latest(all)
	if len(ranks) == 0 {
		return stats
	}
	stats.count = ranks[0].Count
	stats.id = ranks[0].ID
	stats.worldSize = ranks[0].WorldSize
	for _, metadata := range ranks {
		stats.ranks.Insert(metadata.Rank)
		stats.modes.Insert(metadata.Mode.String())
		names := sets.Make[string](len(metadata.Entries))
		for _, entry := range metadata.Entries {
			names.Insert(entry.Name)
			if entry.AliasOf != "" {
				continue
			}
			stats.bytes += entry.Length
			for _, shard := range entry.Shards {
				if shard.Local {
					stats.numShards++
				}
			}
		}
		stats.entries = stats.entries.Union(names)
		if metadata.ID != stats.id || metadata.WorldSize != stats.worldSize {
			stats.consistent = false
		}
	}
	if len(stats.ranks) != stats.worldSize {
		stats.consistent = false
	}
	return stats
}

// Summary prints one column per checkpoint directory, describing its latest checkpoint.
func Summary(all [][]*checkpoints.Metadata, names []string) {
	fmt.Println(titleStyle.Render("Summary"))
	table := newTable(lipgloss.Right, lipgloss.Left)
	table.Headers(append([]string{"directory"}, names...)...)

	stats := make([]checkpointStats, len(all))
	for ii, metadata := range all {
		stats[ii] = statsOf(metadata)
	}
	row := func(isRed bool, label string, fn func(s checkpointStats) string) {
		values := []string{label}
		for _, s := range stats {
			values = append(values, fn(s))
		}
		table.Row(isRed, values...)
	}
	anyInconsistent := false
	for _, s := range stats {
		anyInconsistent = anyInconsistent || !s.consistent
	}
	row(false, "# checkpoints", func(s checkpointStats) string { return humanize.Comma(int64(s.numCheckpoints)) })
	row(false, "latest", func(s checkpointStats) string { return fmt.Sprintf("#%d", s.count) })
	row(false, "id", func(s checkpointStats) string { return s.id })
	row(anyInconsistent, "ranks", func(s checkpointStats) string {
		return fmt.Sprintf("%d/%d", len(s.ranks), s.worldSize)
	})
	row(false, "modes", func(s checkpointStats) string { return strings.Join(sets.Sorted(s.modes), ", ") })
	row(false, "# entries", func(s checkpointStats) string { return humanize.Comma(int64(len(s.entries))) })
	row(false, "# local shards", func(s checkpointStats) string { return humanize.Comma(int64(s.numShards)) })
	row(false, "# bytes", func(s checkpointStats) string { return humanize.Bytes(uint64(s.bytes)) })
	fmt.Println(table.Render())
	if anyInconsistent {
		fmt.Printf("  %s: latest checkpoint is missing ranks or mixes different saves\n",
			emphasisStyle.Render("Warning"))
	}
}

// ListEntries prints the entries of the given ranks' files of one checkpoint. If rank >= 0, only
// that rank is listed.
func ListEntries(name string, ranks []*checkpoints.Metadata, rank int) {
	fmt.Println(titleStyle.Render(fmt.Sprintf("Entries of %q", name)))
	table := newTable(lipgloss.Right, lipgloss.Left, lipgloss.Left, lipgloss.Left, lipgloss.Left, lipgloss.Right)
	table.Headers("Rank", "Name", "Kind", "Shape", "Shards", "Bytes")
	for _, metadata := range ranks {
		if rank >= 0 && metadata.Rank != rank {
			continue
		}
		for _, entry := range metadata.Entries {
			kind := entry.Kind
			if entry.AliasOf != "" {
				kind = "alias of " + entry.AliasOf
			}
			var shards []string
			for _, shard := range entry.Shards {
				if shard.Local {
					shards = append(shards, fmt.Sprintf("%v+%v", shard.Offsets, shard.Sizes))
				}
			}
			if len(entry.Shards) > 0 {
				shards = append(shards, fmt.Sprintf("(%d ranks)", len(entry.Shards)))
			}
			table.Row(false, fmt.Sprint(metadata.Rank), entry.Name, kind, entry.Shape().String(),
				strings.Join(shards, " "), humanize.Bytes(uint64(entry.Length)))
		}
	}
	fmt.Println(table.Render())
}
