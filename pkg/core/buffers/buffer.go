// Copyright 2023-2026 The GoMLX Authors. SPDX-License-Identifier: Apache-2.0

// Package buffers implements Buffer: a typed, shaped, contiguous memory region on a Device.
//
// Buffers can be views into another buffer's storage (see Narrow, Reshape and Flatten). Once the storage is
// released (see Release), every view of it becomes invalid: that is how the full-materialization scope
// invalidates the unsharded parameters it handed out, and why values escaping such a scope must be cloned.
package buffers

import (
	"bytes"
	"fmt"
	"unsafe"

	"github.com/gomlx/exceptions"
	"github.com/gomlx/gopjrt/dtypes"
	"github.com/pkg/errors"

	"github.com/gomlx/shardckpt/pkg/core/shapes"
)

// ErrReleased is returned when accessing a buffer whose storage has been released.
var ErrReleased = errors.New("buffer storage was released")

// storage is shared by a buffer and all of its views.
type storage struct {
	data     []byte
	released bool
}

// Buffer is a shaped view over a contiguous byte storage.
//
// The data is stored in the native (little-endian) layout, row-major.
type Buffer struct {
	shape  shapes.Shape
	device Device
	st     *storage

	// start is the byte offset of this view in st.data.
	start int
}

// New returns a zero-initialized buffer with the given shape on the given device.
//
// It panics if the shape is invalid.
func New(device Device, shape shapes.Shape) *Buffer {
	if !shape.Ok() {
		exceptions.Panicf("buffers.New(%s): invalid shape", shape)
	}
	return &Buffer{
		shape:  shape.Clone(),
		device: device,
		st:     &storage{data: make([]byte, shape.Memory())},
	}
}

// FromShape returns a zero-initialized buffer on the Host.
func FromShape(shape shapes.Shape) *Buffer {
	return New(Host, shape)
}

// FromFlatDataAndDimensions creates a Host buffer with the given dimensions, filled with a copy of data.
//
// It panics if the number of elements in data doesn't match the dimensions.
func FromFlatDataAndDimensions[T dtypes.Supported](data []T, dimensions ...int) *Buffer {
	dtype := dtypes.FromGenericsType[T]()
	shape := shapes.Make(dtype, dimensions...)
	if len(data) != shape.Size() {
		exceptions.Panicf("FromFlatDataAndDimensions: %d elements given, but shape %s requires %d",
			len(data), shape, shape.Size())
	}
	b := FromShape(shape)
	if len(data) > 0 {
		var dummy T
		src := unsafe.Slice((*byte)(unsafe.Pointer(unsafe.SliceData(data))), uintptr(len(data))*unsafe.Sizeof(dummy))
		copy(b.st.data, src)
	}
	return b
}

// CopyFlatData returns a copy of the buffer contents as a flat slice of T.
// T must match the buffer's dtype.
func CopyFlatData[T dtypes.Supported](b *Buffer) ([]T, error) {
	if want := dtypes.FromGenericsType[T](); want != b.shape.DType {
		return nil, errors.Errorf("CopyFlatData[%s] called on buffer with dtype %s", want, b.shape.DType)
	}
	var flat []T
	err := b.ConstBytes(func(data []byte) {
		flat = make([]T, b.Size())
		copy(flat, unsafeSliceOf[T](data))
	})
	return flat, err
}

// unsafeSliceOf reinterprets data as a slice of T, without copying.
func unsafeSliceOf[T any](data []byte) []T {
	if len(data) == 0 {
		return nil
	}
	var dummy T
	return unsafe.Slice((*T)(unsafe.Pointer(unsafe.SliceData(data))), uintptr(len(data))/unsafe.Sizeof(dummy))
}

// Shape returns the buffer's shape. It should not be changed.
func (b *Buffer) Shape() shapes.Shape { return b.shape }

// DType returns the buffer's dtype.
func (b *Buffer) DType() dtypes.DType { return b.shape.DType }

// Size returns the number of elements of the buffer.
func (b *Buffer) Size() int { return b.shape.Size() }

// Device where the buffer resides.
func (b *Buffer) Device() Device { return b.device }

// IsReleased returns whether the storage of this buffer was released.
func (b *Buffer) IsReleased() bool { return b.st.released }

// String implements fmt.Stringer.
func (b *Buffer) String() string {
	if b.IsReleased() {
		return fmt.Sprintf("Buffer%s@%s<released>", b.shape, b.device)
	}
	return fmt.Sprintf("Buffer%s@%s", b.shape, b.device)
}

func (b *Buffer) bytesView() []byte {
	return b.st.data[b.start : b.start+int(b.shape.Memory())]
}

// ConstBytes calls accessFn with the raw bytes of the buffer. accessFn must not change the contents or keep a reference
// to the slice after it returns.
func (b *Buffer) ConstBytes(accessFn func(data []byte)) error {
	if b.st.released {
		return errors.Wrapf(ErrReleased, "reading %s", b)
	}
	accessFn(b.bytesView())
	return nil
}

// MutableBytes calls accessFn with the raw bytes of the buffer, which it can change in place.
// Changes are seen by all views sharing the same storage.
func (b *Buffer) MutableBytes(accessFn func(data []byte)) error {
	if b.st.released {
		return errors.Wrapf(ErrReleased, "writing %s", b)
	}
	accessFn(b.bytesView())
	return nil
}

// Clone returns a deep copy of the buffer, with its own storage, on the same device.
//
// It panics if the buffer storage was released: cloning is how values escape the storage lifetime, and cloning
// an invalid value is a bug.
func (b *Buffer) Clone() *Buffer {
	if b.st.released {
		exceptions.Panicf("cannot Clone() %s: %v", b, ErrReleased)
	}
	clone := New(b.device, b.shape)
	copy(clone.st.data, b.bytesView())
	return clone
}

// Release the storage of this buffer: this buffer and every view sharing its storage become invalid.
// Releasing an already released buffer is a no-op.
func (b *Buffer) Release() {
	b.st.released = true
	b.st.data = nil
}

// SharesStorage returns whether b and other are views over the same storage.
func (b *Buffer) SharesStorage(other *Buffer) bool {
	return b.st == other.st
}

// Flatten returns a 1-D view of the buffer, sharing its storage.
func (b *Buffer) Flatten() *Buffer {
	return &Buffer{shape: b.shape.Flat(), device: b.device, st: b.st, start: b.start}
}

// Reshape returns a view of the buffer with the given dimensions, sharing its storage.
// The number of elements must be preserved.
func (b *Buffer) Reshape(dimensions ...int) (*Buffer, error) {
	shape := shapes.Make(b.shape.DType, dimensions...)
	if shape.Size() != b.Size() {
		return nil, errors.Errorf("cannot reshape %s to dimensions %v: size %d != %d",
			b.shape, dimensions, b.Size(), shape.Size())
	}
	return &Buffer{shape: shape, device: b.device, st: b.st, start: b.start}, nil
}

// Narrow returns a 1-D view of the flat elements [start, start+length) of the buffer, sharing its storage.
func (b *Buffer) Narrow(start, length int) (*Buffer, error) {
	if start < 0 || length < 0 || start+length > b.Size() {
		return nil, errors.Errorf("Narrow(start=%d, length=%d) out of bounds for %s with %d elements",
			start, length, b, b.Size())
	}
	if b.st.released {
		return nil, errors.Wrapf(ErrReleased, "narrowing %s", b)
	}
	return &Buffer{
		shape:  shapes.Make(b.shape.DType, length),
		device: b.device,
		st:     b.st,
		start:  b.start + start*b.shape.DType.Size(),
	}, nil
}

// PadRight returns a new flat buffer with the elements of b followed by numPadding zeros.
func (b *Buffer) PadRight(numPadding int) (*Buffer, error) {
	if numPadding < 0 {
		return nil, errors.Errorf("PadRight(%d): padding cannot be negative", numPadding)
	}
	padded := New(b.device, shapes.Make(b.shape.DType, b.Size()+numPadding))
	err := b.ConstBytes(func(data []byte) {
		copy(padded.st.data, data)
	})
	if err != nil {
		return nil, err
	}
	return padded, nil
}

// ToDevice returns the buffer on the given device: b itself if it's already there, or a copy otherwise.
func (b *Buffer) ToDevice(device Device) (*Buffer, error) {
	if b.device == device {
		return b, nil
	}
	if b.st.released {
		return nil, errors.Wrapf(ErrReleased, "transferring %s to %s", b, device)
	}
	moved := b.Clone()
	moved.device = device
	return moved, nil
}

// CopyFrom copies the contents of src into b, in place. Both must have the same number of elements.
// If the dtypes differ, the values are converted (see CastTo).
func (b *Buffer) CopyFrom(src *Buffer) error {
	if src.Size() != b.Size() {
		return errors.Errorf("cannot copy %s into %s: different number of elements (%d != %d)",
			src, b, src.Size(), b.Size())
	}
	if src.DType() != b.DType() {
		var err error
		src, err = src.CastTo(b.DType())
		if err != nil {
			return err
		}
	}
	var srcData []byte
	if err := src.ConstBytes(func(data []byte) { srcData = data }); err != nil {
		return err
	}
	return b.MutableBytes(func(data []byte) {
		copy(data, srcData)
	})
}

// Equal returns whether both buffers have the same shape and contents. The device is not compared.
func (b *Buffer) Equal(other *Buffer) bool {
	if !b.shape.Equal(other.shape) || b.IsReleased() || other.IsReleased() {
		return false
	}
	return bytes.Equal(b.bytesView(), other.bytesView())
}

// Concatenate returns a new flat buffer with the elements of all buffers, in order.
// All buffers must have the same dtype. The result is placed on the device of the first buffer.
func Concatenate(dtype dtypes.DType, parts ...*Buffer) (*Buffer, error) {
	total := 0
	device := Host
	for ii, part := range parts {
		if part.DType() != dtype {
			return nil, errors.Errorf("Concatenate(%s): part #%d has dtype %s", dtype, ii, part.DType())
		}
		if ii == 0 {
			device = part.Device()
		}
		total += part.Size()
	}
	result := New(device, shapes.Make(dtype, total))
	pos := 0
	for ii, part := range parts {
		err := part.ConstBytes(func(data []byte) {
			pos += copy(result.st.data[pos:], data)
		})
		if err != nil {
			return nil, errors.WithMessagef(err, "Concatenate part #%d", ii)
		}
	}
	return result, nil
}
