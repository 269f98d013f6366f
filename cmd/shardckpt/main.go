// shardckpt inspects sharded checkpoint directories, and simulates multi-rank conversions through them.
//
// Usage:
//
//	shardckpt -summary -entries <checkpoint_dir> [<checkpoint_dir> ...]
//	shardckpt -simulate -world_size=8 -nodes=2 -rows=1000 [<checkpoint_dir>]
package main

import (
	"flag"
	"os"

	"github.com/charmbracelet/lipgloss"
	"github.com/janpfeifer/must"
	"github.com/muesli/termenv"
	"k8s.io/klog/v2"

	"github.com/gomlx/shardckpt/pkg/ml/checkpoints"
)

var (
	flagSummary = flag.Bool("summary", false, "Display a summary of the checkpoints in the directories: "+
		"ranks, modes, number of entries and sizes.")
	flagEntries = flag.Bool("entries", false, "Lists the entries of the latest checkpoint, with their shards.")
	flagRank    = flag.Int("rank", -1, "Restrict -entries to the files of the given rank. -1 lists all ranks.")
	flagNoColor = flag.Bool("no_color", false, "Disable colors in the output.")

	titleStyle    = lipgloss.NewStyle().Bold(true).Padding(1, 4, 1, 4)
	emphasisStyle = lipgloss.NewStyle().Bold(true)
)

func main() {
	klog.InitFlags(nil)
	flag.Parse()
	if *flagNoColor {
		lipgloss.SetColorProfile(termenv.Ascii)
	}

	args := flag.Args()
	if *flagSimulate {
		if len(args) > 1 {
			klog.Errorf("-simulate takes at most one directory. See 'shardckpt -help'.")
			os.Exit(1)
		}
		var dir string
		if len(args) == 1 {
			dir = args[0]
		}
		if err := simulate(dir); err != nil {
			klog.Errorf("Simulation failed: %+v", err)
			os.Exit(1)
		}
		return
	}

	if len(args) == 0 {
		klog.Errorf("Missing checkpoint directory to read from. See 'shardckpt -help'.")
		os.Exit(1)
	}
	if !*flagSummary && !*flagEntries {
		*flagSummary = true
	}
	names := MinimalUniquePaths(args...)
	all := make([][]*checkpoints.Metadata, len(args))
	for ii, dir := range args {
		all[ii] = must.M1(checkpoints.Scan(dir))
		if len(all[ii]) == 0 {
			klog.Warningf("No checkpoints found in %q", dir)
		}
	}
	if *flagSummary {
		Summary(all, names)
	}
	if *flagEntries {
		for ii, metadata := range all {
			ListEntries(names[ii], latest(metadata), *flagRank)
		}
	}
}

// latest returns the metadata of the ranks of the checkpoint with the highest count.
func latest(all []*checkpoints.Metadata) []*checkpoints.Metadata {
	if len(all) == 0 {
		return nil
	}
	count := all[len(all)-1].Count
	var ranks []*checkpoints.Metadata
	for _, metadata := range all {
		if metadata.Count == count {
			ranks = append(ranks, metadata)
		}
	}
	return ranks
}
