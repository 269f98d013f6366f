package main

import (
	"context"
	"flag"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/charmbracelet/lipgloss"
	"github.com/dustin/go-humanize"
	"github.com/gomlx/gopjrt/dtypes"
	"github.com/pkg/errors"
	"github.com/schollz/progressbar/v3"
	"k8s.io/klog/v2"

	"github.com/gomlx/shardckpt/pkg/core/buffers"
	"github.com/gomlx/shardckpt/pkg/core/distributed"
	"github.com/gomlx/shardckpt/pkg/core/shapes"
	"github.com/gomlx/shardckpt/pkg/ml/checkpoints"
	"github.com/gomlx/shardckpt/pkg/ml/flatparam"
	"github.com/gomlx/shardckpt/pkg/ml/statedict"
	"github.com/gomlx/shardckpt/pkg/support/sets"
)

var (
	flagSimulate = flag.Bool("simulate", false, "Simulates a process group in-process: every rank saves its "+
		"state dict, persists it, loads it back and restores it, and the restored parameters are verified. "+
		"Checkpoints are written to the given directory, or to a temporary one.")
	flagWorldSize   = flag.Int("world_size", 4, "Number of ranks simulated by -simulate.")
	flagNodes       = flag.Int("nodes", 1, "Number of nodes the -world_size ranks are spread over.")
	flagRows        = flag.Int("rows", 10, "Number of rows of the simulated parameters.")
	flagModes       = flag.String("modes", "", "Comma-separated modes simulated. Defaults to all of them.")
	flagCompression = flag.String("compression", checkpoints.BinGZIP.String(),
		"Compression of the checkpoint data files: gzip, zstd or uncompressed.")
	flagKeep    = flag.Int("keep", 1, "Number of checkpoints kept per rank. -1 keeps all of them.")
	flagOffload = flag.Bool("offload", false, "Offload full values to the host when saving in full mode.")
	flagTimeout = flag.Duration("timeout", time.Minute, "Timeout of each simulated mode.")
)

// simulationConfig holds the parameters of a simulation, normally taken from the flags.
type simulationConfig struct {
	dir                    string
	worldSize, nodes, rows int
	modes                  []statedict.Mode
	compression            checkpoints.BinFormat
	keep                   int
	offload                bool
	timeout                time.Duration
}

// simulationResult of one mode.
type simulationResult struct {
	mode      statedict.Mode
	rounds    int
	bytes     int
	entries   int
	elapsed   time.Duration
	err       error
	baseNames []string
}

// mesh of the simulated process group.
func (config *simulationConfig) mesh() (*distributed.ProcessMesh, error) {
	if config.worldSize < 1 || config.nodes < 1 || config.worldSize%config.nodes != 0 {
		return nil, errors.Errorf("world size %d cannot be split in %d nodes", config.worldSize, config.nodes)
	}
	return distributed.NewNodeMesh(config.nodes, config.worldSize/config.nodes)
}

func configFromFlags(dir string) (*simulationConfig, error) {
	config := &simulationConfig{
		dir:       dir,
		worldSize: *flagWorldSize,
		nodes:     *flagNodes,
		rows:      *flagRows,
		keep:      *flagKeep,
		offload:   *flagOffload,
		timeout:   *flagTimeout,
	}
	if _, err := config.mesh(); err != nil {
		return nil, err
	}
	var err error
	if config.compression, err = checkpoints.ParseBinFormat(*flagCompression); err != nil {
		return nil, err
	}
	if *flagModes == "" {
		config.modes = statedict.ModeValues()
	} else {
		for _, name := range splitList(*flagModes) {
			mode, err := statedict.ModeString(name)
			if err != nil {
				return nil, errors.Wrapf(err, "-modes=%q", *flagModes)
			}
			config.modes = append(config.modes, mode)
		}
	}
	return config, nil
}

// splitList splits a comma-separated list, dropping empty and repeated names.
func splitList(list string) []string {
	seen := sets.Make[string]()
	var names []string
	for _, name := range strings.Split(list, ",") {
		name = strings.TrimSpace(name)
		if name != "" && !seen.Has(name) {
			seen.Insert(name)
			names = append(names, name)
		}
	}
	return names
}

// simulate runs the simulation configured by the flags and prints a report.
func simulate(dir string) error {
	config, err := configFromFlags(dir)
	if err != nil {
		return err
	}
	if config.dir == "" {
		if config.dir, err = os.MkdirTemp("", "shardckpt_simulation_"); err != nil {
			return errors.Wrap(err, "creating temporary directory")
		}
		klog.Infof("Simulation checkpoints saved to %q", config.dir)
	}
	bar := progressbar.NewOptions(config.worldSize*len(config.modes),
		progressbar.OptionSetDescription("Simulating ranks"),
		progressbar.OptionSetTheme(progressbar.ThemeASCII),
		progressbar.OptionShowCount(),
		progressbar.OptionClearOnFinish(),
	)
	results := runSimulation(config, func() { _ = bar.Add(1) })
	_ = bar.Finish()
	return report(config, results)
}

// report prints the results, and returns an error if any mode failed.
func report(config *simulationConfig, results []simulationResult) error {
	mesh, err := config.mesh()
	if err != nil {
		return err
	}
	nodeGroups, err := mesh.ComputeReplicaGroups([]string{distributed.LocalAxis})
	if err != nil {
		return err
	}
	fmt.Println(titleStyle.Render(fmt.Sprintf("Simulation of %s", mesh)))
	fmt.Printf("  %s: %v\n", emphasisStyle.Render("Ranks per node"), nodeGroups)
	table := newTable(lipgloss.Left, lipgloss.Right, lipgloss.Right, lipgloss.Right, lipgloss.Right, lipgloss.Left)
	table.Headers("Mode", "Collective rounds", "Entries", "Bytes saved", "Elapsed", "Result")
	var failed error
	for _, result := range results {
		status := "ok"
		if result.err != nil {
			status = result.err.Error()
			if failed == nil {
				failed = errors.WithMessagef(result.err, "mode %s", result.mode)
			}
		}
		table.Row(result.err != nil, result.mode.String(), humanize.Comma(int64(result.rounds)),
			humanize.Comma(int64(result.entries)), humanize.Bytes(uint64(result.bytes)),
			result.elapsed.Round(time.Millisecond).String(), status)
	}
	fmt.Println(table.Render())
	return failed
}

// runSimulation runs every configured mode. rankDone is called every time a rank finishes a mode.
func runSimulation(config *simulationConfig, rankDone func()) []simulationResult {
	results := make([]simulationResult, 0, len(config.modes))
	for _, mode := range config.modes {
		start := time.Now()
		result := simulationResult{mode: mode, baseNames: make([]string, config.worldSize)}
		result.err = simulateMode(config, mode, &result, rankDone)
		result.elapsed = time.Since(start)
		results = append(results, result)
	}
	return results
}

// simulatedInfos are the parameters of the simulated unit.
func simulatedInfos(rows int) []flatparam.ParamInfo {
	return []flatparam.ParamInfo{
		{FQN: "layer.weight", Shape: shapes.Make(dtypes.Float32, rows, 3)},
		{FQN: "layer.bias", Shape: shapes.Make(dtypes.Float32, rows)},
	}
}

// simulatedUnit creates rank's unit. If zero, parameters and buffers are zero-filled, otherwise they
// are deterministic ramps.
func simulatedUnit(config *simulationConfig, mesh *distributed.ProcessMesh, rank int, zero bool) (*statedict.Unit, error) {
	infos := simulatedInfos(config.rows)
	values := make([]*buffers.Buffer, len(infos))
	start := float32(1)
	for ii, info := range infos {
		data := make([]float32, info.Shape.Size())
		if !zero {
			for jj := range data {
				data[jj] = start + float32(jj)
			}
		}
		start += float32(len(data))
		values[ii] = buffers.FromFlatDataAndDimensions(data, info.Shape.Dimensions...)
	}
	fp, err := flatparam.New(flatparam.Config{
		Infos:     infos,
		Shared:    []flatparam.SharedParamInfo{{FQN: "head.weight", CanonicalFQN: "layer.weight"}},
		Rank:      rank,
		WorldSize: config.worldSize,
		Sharded:   true,
	}, values)
	if err != nil {
		return nil, err
	}
	step := int64(1000)
	if zero {
		step = 0
	}
	return &statedict.Unit{
		Prefix: "model." + statedict.WrappedModulePrefix,
		Param:  fp,
		Buffers: map[string]*buffers.Buffer{
			"step": buffers.FromFlatDataAndDimensions([]int64{step}),
		},
		Mesh: mesh,
	}, nil
}

// simulateMode runs all ranks through save, persist, load and restore in the given mode.
func simulateMode(config *simulationConfig, mode statedict.Mode, result *simulationResult, rankDone func()) error {
	mesh, err := config.mesh()
	if err != nil {
		return err
	}
	dir := filepath.Join(config.dir, mode.String())
	ctx, cancel := context.WithTimeout(context.Background(), config.timeout)
	defer cancel()
	group := distributed.NewLocalGroup(config.worldSize)
	entries := make([]int, config.worldSize)
	err = group.Run(ctx, func(ctx context.Context, coll distributed.Collective) error {
		rank := coll.Rank()
		src, err := simulatedUnit(config, mesh, rank, false)
		if err != nil {
			return err
		}
		saver, err := statedict.Build(src, coll).Mode(mode).OffloadToCPU(config.offload).Done()
		if err != nil {
			return err
		}
		sd, err := saver.Save(ctx)
		if err != nil {
			return err
		}
		handler, err := checkpoints.Build(rank, config.worldSize).Dir(dir).Keep(config.keep).
			WithCompression(config.compression).Done()
		if err != nil {
			return err
		}
		if result.baseNames[rank], err = handler.Save(ctx, coll, sd, mode); err != nil {
			return err
		}

		ckpt, err := handler.Load(result.baseNames[rank])
		if err != nil {
			return err
		}
		entries[rank] = len(ckpt.Entries)
		dst, err := simulatedUnit(config, mesh, rank, true)
		if err != nil {
			return err
		}
		loader, err := statedict.Build(dst, coll).Mode(mode).Done()
		if err != nil {
			return err
		}
		if err = loader.Restore(ctx, ckpt.StateDict); err != nil {
			return err
		}
		if !dst.Param.Local().Equal(src.Param.Local()) {
			return errors.Errorf("rank %d: restored parameters %s differ from saved %s", rank,
				dst.Param.Local(), src.Param.Local())
		}
		if !dst.Buffers["step"].Equal(src.Buffers["step"]) {
			return errors.Errorf("rank %d: restored buffer %s differs from saved %s", rank,
				dst.Buffers["step"], src.Buffers["step"])
		}
		rankDone()
		return nil
	})
	result.rounds = group.NumRounds()
	for _, n := range entries {
		result.entries += n
	}
	if err != nil {
		return err
	}
	all, err := checkpoints.Scan(dir)
	if err != nil {
		return err
	}
	for _, metadata := range latest(all) {
		for _, entry := range metadata.Entries {
			result.bytes += entry.Length
		}
	}
	return nil
}
