// Copyright 2023-2026 The GoMLX Authors. SPDX-License-Identifier: Apache-2.0

package buffers

import (
	"github.com/gomlx/gopjrt/dtypes"
	"github.com/gomlx/gopjrt/dtypes/bfloat16"
	"github.com/pkg/errors"
	"github.com/x448/float16"
)

// CastTo returns a new buffer (same shape and device) with the values converted to dtype.
// If dtype is already the buffer's dtype, it returns a clone.
//
// Conversions go through float64, so 64-bit integers beyond 2^53 lose precision. It's meant for parameters and
// auxiliary buffers (mixed precision), not for arbitrary data.
func (b *Buffer) CastTo(dtype dtypes.DType) (*Buffer, error) {
	if b.IsReleased() {
		return nil, errors.Wrapf(ErrReleased, "casting %s to %s", b, dtype)
	}
	if dtype == b.DType() {
		return b.Clone(), nil
	}
	values, err := decodeAsFloat64(b.DType(), b.bytesView())
	if err != nil {
		return nil, err
	}
	result := New(b.device, b.shape.WithDType(dtype))
	if err = encodeFromFloat64(dtype, values, result.st.data); err != nil {
		return nil, err
	}
	return result, nil
}

func convertTo[T any](data []byte, fn func(T) float64) []float64 {
	src := unsafeSliceOf[T](data)
	values := make([]float64, len(src))
	for ii, v := range src {
		values[ii] = fn(v)
	}
	return values
}

func convertFrom[T any](values []float64, data []byte, fn func(float64) T) {
	dst := unsafeSliceOf[T](data)
	for ii, v := range values {
		dst[ii] = fn(v)
	}
}

func decodeAsFloat64(dtype dtypes.DType, data []byte) ([]float64, error) {
	switch dtype {
	case dtypes.Float64:
		return convertTo(data, func(v float64) float64 { return v }), nil
	case dtypes.Float32:
		return convertTo(data, func(v float32) float64 { return float64(v) }), nil
	case dtypes.Float16:
		return convertTo(data, func(v float16.Float16) float64 { return float64(v.Float32()) }), nil
	case dtypes.BFloat16:
		return convertTo(data, func(v bfloat16.BFloat16) float64 { return float64(v.Float32()) }), nil
	case dtypes.Int64:
		return convertTo(data, func(v int64) float64 { return float64(v) }), nil
	case dtypes.Int32:
		return convertTo(data, func(v int32) float64 { return float64(v) }), nil
	case dtypes.Int16:
		return convertTo(data, func(v int16) float64 { return float64(v) }), nil
	case dtypes.Int8:
		return convertTo(data, func(v int8) float64 { return float64(v) }), nil
	case dtypes.Uint8:
		return convertTo(data, func(v uint8) float64 { return float64(v) }), nil
	}
	return nil, errors.Errorf("conversion from dtype %s not supported", dtype)
}

func encodeFromFloat64(dtype dtypes.DType, values []float64, data []byte) error {
	switch dtype {
	case dtypes.Float64:
		convertFrom(values, data, func(v float64) float64 { return v })
	case dtypes.Float32:
		convertFrom(values, data, func(v float64) float32 { return float32(v) })
	case dtypes.Float16:
		convertFrom(values, data, func(v float64) float16.Float16 { return float16.Fromfloat32(float32(v)) })
	case dtypes.BFloat16:
		convertFrom(values, data, func(v float64) bfloat16.BFloat16 { return bfloat16.FromFloat32(float32(v)) })
	case dtypes.Int64:
		convertFrom(values, data, func(v float64) int64 { return int64(v) })
	case dtypes.Int32:
		convertFrom(values, data, func(v float64) int32 { return int32(v) })
	case dtypes.Int16:
		convertFrom(values, data, func(v float64) int16 { return int16(v) })
	case dtypes.Int8:
		convertFrom(values, data, func(v float64) int8 { return int8(v) })
	case dtypes.Uint8:
		convertFrom(values, data, func(v float64) uint8 { return uint8(v) })
	default:
		return errors.Errorf("conversion to dtype %s not supported", dtype)
	}
	return nil
}
