package main

import (
	"path/filepath"
	"slices"
	"strings"

	"github.com/gomlx/shardckpt/pkg/support/sets"
)

// MinimalUniquePaths returns a short name for each path, made of the path parts that distinguish it
// from the others. Used as column headers when reporting several checkpoint directories.
func MinimalUniquePaths(paths ...string) []string {
	if len(paths) <= 1 {
		return paths
	}
	parts := make([][]string, len(paths))
	for ii, p := range paths {
		parts[ii] = strings.Split(filepath.Clean(p), string(filepath.Separator))
	}

	result := make([]string, len(paths))
	for ii, components := range parts {
		differ := sets.Make[int]()
		for jj, other := range parts {
			if ii == jj {
				continue
			}
			for k := range min(len(components), len(other)) {
				if components[k] != other[k] {
					differ.Insert(k)
				}
			}
		}
		indices := sets.Sorted(differ)
		switch len(indices) {
		case 0:
			result[ii] = components[len(components)-1]
		case 1:
			result[ii] = components[indices[0]]
		default:
			result[ii] = components[indices[0]] + "..." + components[slices.Max(indices)]
		}
	}
	return result
}
