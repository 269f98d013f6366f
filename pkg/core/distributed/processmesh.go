package distributed

import (
	"fmt"
	"slices"
	"strings"

	"github.com/pkg/errors"

	"github.com/gomlx/shardckpt/pkg/support/sets"
)

// ProcessMesh defines the logical topology of the processes (ranks) of a process group.
//
// The usual mesh has two axes: NodeAxis (machines) and LocalAxis (processes within a machine). Ranks are numbered
// row-major, so the last axis varies fastest.
type ProcessMesh struct {
	name string

	// axesNames are the names of the mesh axes.
	axesNames []string

	// axesSizes defines the number of processes along each mesh axis.
	axesSizes []int

	// nameToAxis maps axis names to their index.
	nameToAxis map[string]int

	// numProcesses is the total number of processes in the mesh: the world size.
	numProcesses int
}

const (
	DefaultMeshName = "mesh"

	// NodeAxis is the name of the mesh axis enumerating machines.
	NodeAxis = "node"

	// LocalAxis is the name of the mesh axis enumerating processes within a machine.
	LocalAxis = "local"
)

// IsNameValid checks whether a name is a valid identifier for a mesh name or axis name.
func IsNameValid(name string) bool {
	if name == "" {
		return false
	}
	if name[0] >= '0' && name[0] <= '9' {
		return false
	}
	for _, r := range name {
		if (r >= 'a' && r <= 'z') || (r >= 'A' && r <= 'Z') || (r >= '0' && r <= '9') || r == '_' {
			continue
		}
		return false
	}
	return true
}

// NewProcessMesh creates a new logical topology of a set of processes.
//
//   - axesSizes: defines the number of processes along each mesh axis, one value per axis, each >= 1.
//   - axesNames: the names of the mesh axes. One value per axis, each a valid identifier (see IsNameValid).
func NewProcessMesh(axesSizes []int, axesNames []string) (*ProcessMesh, error) {
	if len(axesSizes) != len(axesNames) {
		return nil, errors.Errorf("axesSizes and axesNames must have the same length, got %d and %d",
			len(axesSizes), len(axesNames))
	}
	if len(axesSizes) == 0 {
		return nil, errors.New("ProcessMesh axesSizes cannot be empty")
	}

	axesNames = slices.Clone(axesNames)
	for i, axisName := range axesNames {
		if !IsNameValid(axisName) {
			return nil, errors.Errorf(
				"ProcessMesh axis name %q at index %d is not a valid identifier, it must start with a ASCII letter "+
					"and be followed only by letters, numbers or underscore", axisName, i)
		}
	}

	numProcesses := 1
	nameToAxis := make(map[string]int, len(axesSizes))
	for i, name := range axesNames {
		if _, found := nameToAxis[name]; found {
			return nil, errors.Errorf("ProcessMesh axis name %q is duplicated", name)
		}
		if axesSizes[i] < 1 {
			return nil, errors.Errorf("ProcessMesh axis %q has size %d, it must be >= 1", name, axesSizes[i])
		}
		nameToAxis[name] = i
		numProcesses *= axesSizes[i]
	}

	return &ProcessMesh{
		name:         DefaultMeshName,
		axesNames:    axesNames,
		axesSizes:    slices.Clone(axesSizes),
		nameToAxis:   nameToAxis,
		numProcesses: numProcesses,
	}, nil
}

// NewNodeMesh creates the usual 2-axes mesh of numNodes machines with processesPerNode processes each.
func NewNodeMesh(numNodes, processesPerNode int) (*ProcessMesh, error) {
	return NewProcessMesh([]int{numNodes, processesPerNode}, []string{NodeAxis, LocalAxis})
}

// SetName of the mesh.
func (m *ProcessMesh) SetName(name string) {
	m.name = name
}

// Name returns the mesh name.
func (m *ProcessMesh) Name() string {
	return m.name
}

// NumProcesses returns the total number of processes in the mesh.
func (m *ProcessMesh) NumProcesses() int {
	return m.numProcesses
}

// NumAxes returns the number of axes in the mesh.
func (m *ProcessMesh) NumAxes() int {
	return len(m.axesSizes)
}

// AxesNames returns a copy of the mesh's axis names.
func (m *ProcessMesh) AxesNames() []string {
	return slices.Clone(m.axesNames)
}

// AxesSizes returns a copy of the mesh's axesSizes.
func (m *ProcessMesh) AxesSizes() []int {
	return slices.Clone(m.axesSizes)
}

// AxisSize returns the number of processes along the given mesh axis.
func (m *ProcessMesh) AxisSize(axisName string) (int, error) {
	idx, found := m.nameToAxis[axisName]
	if !found {
		return 0, errors.Errorf("mesh axis %q not found", axisName)
	}
	return m.axesSizes[idx], nil
}

// NodeWidth returns the number of processes per machine: the size of LocalAxis, or NumProcesses if the mesh
// has no such axis.
func (m *ProcessMesh) NodeWidth() int {
	if size, err := m.AxisSize(LocalAxis); err == nil {
		return size
	}
	return m.numProcesses
}

// Coordinates returns the position of rank along each of the mesh axes.
func (m *ProcessMesh) Coordinates(rank int) ([]int, error) {
	if rank < 0 || rank >= m.numProcesses {
		return nil, errors.Errorf("rank %d out of range for %s", rank, m)
	}
	coords := make([]int, len(m.axesSizes))
	for i := len(m.axesSizes) - 1; i >= 0; i-- {
		coords[i] = rank % m.axesSizes[i]
		rank /= m.axesSizes[i]
	}
	return coords, nil
}

// String implements the fmt.Stringer interface.
func (m *ProcessMesh) String() string {
	var sb strings.Builder
	sb.WriteString("ProcessMesh(axesSizes={")
	for i, name := range m.axesNames {
		if i > 0 {
			sb.WriteString(", ")
		}
		_, _ = fmt.Fprintf(&sb, "%s: %d", name, m.axesSizes[i])
	}
	sb.WriteString("})")
	return sb.String()
}

// ComputeReplicaGroups returns the groups of ranks that vary only along the given axes.
//
// Each group (a []int) includes the ranks along the axes specified. The other axes will be split into different
// groups.
//
// Example:
//
//	m, _ := NewNodeMesh(2, 2)
//	nodeGroups, _ := m.ComputeReplicaGroups([]string{"node"})  // -> [][]int{{0, 2}, {1, 3}}
//	localGroups, _ := m.ComputeReplicaGroups([]string{"local"})  // -> [][]int{{0, 1}, {2, 3}}
//	worldGroups, _ := m.ComputeReplicaGroups([]string{"node", "local"})  // -> [][]int{{0, 1, 2, 3}}
func (m *ProcessMesh) ComputeReplicaGroups(axes []string) ([][]int, error) {
	axisIndices := make([]int, 0, len(axes))
	axisSet := sets.Make[int](len(axes))
	for _, axis := range axes {
		idx, found := m.nameToAxis[axis]
		if !found {
			return nil, errors.Errorf("axis %q not found in mesh", axis)
		}
		if axisSet.Has(idx) {
			return nil, errors.Errorf("axis %q is duplicated: each axis can only appear once", axis)
		}
		axisIndices = append(axisIndices, idx)
		axisSet.Insert(idx)
	}

	nonAxisIndices := make([]int, 0, len(m.axesSizes)-len(axisIndices))
	for i := range m.axesSizes {
		if !axisSet.Has(i) {
			nonAxisIndices = append(nonAxisIndices, i)
		}
	}

	groupSize := 1
	for _, idx := range axisIndices {
		groupSize *= m.axesSizes[idx]
	}
	numGroups := m.numProcesses / groupSize
	groups := make([][]int, numGroups)
	for i := range groups {
		groups[i] = make([]int, groupSize)
	}

	for rank := range m.numProcesses {
		coords, _ := m.Coordinates(rank)

		groupIdx := 0
		multiplier := 1
		for i := len(nonAxisIndices) - 1; i >= 0; i-- {
			axisIdx := nonAxisIndices[i]
			groupIdx += coords[axisIdx] * multiplier
			multiplier *= m.axesSizes[axisIdx]
		}

		posInGroup := 0
		multiplier = 1
		for i := len(axisIndices) - 1; i >= 0; i-- {
			axisIdx := axisIndices[i]
			posInGroup += coords[axisIdx] * multiplier
			multiplier *= m.axesSizes[axisIdx]
		}

		groups[groupIdx][posInGroup] = rank
	}
	return groups, nil
}
