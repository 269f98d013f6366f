// Copyright 2023-2026 The GoMLX Authors. SPDX-License-Identifier: Apache-2.0

package buffers

// Device is where a buffer resides.
//
// Transfers between devices are modeled as copies: Buffer.ToDevice returns a new buffer with its own storage,
// leaving the original (and its storage) untouched.
type Device int

const (
	// Host is the process (CPU) memory. Checkpoints offloaded with "offload to CPU" end up here.
	Host Device = iota

	// Accelerator is the device memory used by the collective operations.
	Accelerator
)

// String implements fmt.Stringer.
func (d Device) String() string {
	switch d {
	case Host:
		return "host"
	case Accelerator:
		return "accelerator"
	default:
		return "unknown"
	}
}

// ParseDevice converts the output of Device.String back to a Device.
func ParseDevice(name string) (Device, bool) {
	switch name {
	case "host", "cpu":
		return Host, true
	case "accelerator":
		return Accelerator, true
	}
	return Host, false
}
