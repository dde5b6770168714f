package model

import (
	"encoding/binary"
	"errors"
	"fmt"
	"math"
	"sort"

	"google.golang.org/protobuf/encoding/protowire"
)

// DType is the storage type of a tensor.
type DType int32

const (
	Float32 DType = iota + 1
	QInt8
	QUInt8
	Int32
)

func (d DType) String() string {
	switch d {
	case Float32:
		return "float32"
	case QInt8:
		return "qint8"
	case QUInt8:
		return "quint8"
	case Int32:
		return "int32"
	default:
		return fmt.Sprintf("dtype(%d)", int32(d))
	}
}

// Size returns the width of one element in bytes.
func (d DType) Size() int {
	switch d {
	case Float32, Int32:
		return 4
	case QInt8, QUInt8:
		return 1
	default:
		return 0
	}
}

// Tensor is a serialized tensor. Quantized dtypes carry their affine parameters.
type Tensor struct {
	DType     DType
	Shape     []int
	Data      []byte
	Scale     float64
	ZeroPoint int64
}

// NumElements is the product of the shape.
func (t Tensor) NumElements() int {
	n := 1
	for _, d := range t.Shape {
		n *= d
	}
	return n
}

func (t Tensor) validate() error {
	if t.DType.Size() == 0 {
		return fmt.Errorf("unknown %s", t.DType)
	}
	if want := t.NumElements() * t.DType.Size(); len(t.Data) != want {
		return fmt.Errorf("%s tensor %v holds %d bytes, want %d", t.DType, t.Shape, len(t.Data), want)
	}
	return nil
}

// FloatTensor packs float32 values.
func FloatTensor(shape []int, v []float32) Tensor {
	data := make([]byte, 4*len(v))
	for i, x := range v {
		binary.LittleEndian.PutUint32(data[4*i:], math.Float32bits(x))
	}
	return Tensor{DType: Float32, Shape: append([]int(nil), shape...), Data: data}
}

// ScalarTensor packs a single float32.
func ScalarTensor(v float32) Tensor {
	return FloatTensor([]int{1}, []float32{v})
}

// Int8Tensor packs qint8 values with their quantization parameters.
func Int8Tensor(shape []int, v []int8, scale float64, zeroPoint int64) Tensor {
	data := make([]byte, len(v))
	for i, x := range v {
		data[i] = byte(x)
	}
	return Tensor{DType: QInt8, Shape: append([]int(nil), shape...), Data: data, Scale: scale, ZeroPoint: zeroPoint}
}

// Uint8Tensor packs quint8 values with their quantization parameters.
func Uint8Tensor(shape []int, v []uint8, scale float64, zeroPoint int64) Tensor {
	return Tensor{DType: QUInt8, Shape: append([]int(nil), shape...), Data: append([]byte(nil), v...), Scale: scale, ZeroPoint: zeroPoint}
}

// Int32Tensor packs int32 values.
func Int32Tensor(shape []int, v []int32, scale float64) Tensor {
	data := make([]byte, 4*len(v))
	for i, x := range v {
		binary.LittleEndian.PutUint32(data[4*i:], uint32(x))
	}
	return Tensor{DType: Int32, Shape: append([]int(nil), shape...), Data: data, Scale: scale}
}

// Float32s unpacks a float32 tensor.
func (t Tensor) Float32s() ([]float32, error) {
	if t.DType != Float32 {
		return nil, fmt.Errorf("tensor is %s, want float32", t.DType)
	}
	if err := t.validate(); err != nil {
		return nil, err
	}
	out := make([]float32, len(t.Data)/4)
	for i := range out {
		out[i] = math.Float32frombits(binary.LittleEndian.Uint32(t.Data[4*i:]))
	}
	return out, nil
}

// StateDict maps names to tensors.
type StateDict map[string]Tensor

// Names returns the tensor names in encoding order.
func (sd StateDict) Names() []string {
	names := make([]string, 0, len(sd))
	for name := range sd {
		names = append(names, name)
	}
	sort.Strings(names)
	return names
}

// Wire layout (protobuf encoding, no generated code):
//
//	StateDict { repeated Entry entries = 1; }
//	Entry     { string name = 1; Tensor tensor = 2; }
//	Tensor    { int32 dtype = 1; repeated int64 shape = 2 [packed]; bytes data = 3;
//	            double scale = 4; sint64 zero_point = 5; }
const (
	fieldEntries = 1

	fieldEntryName   = 1
	fieldEntryTensor = 2

	fieldTensorDType     = 1
	fieldTensorShape     = 2
	fieldTensorData      = 3
	fieldTensorScale     = 4
	fieldTensorZeroPoint = 5
)

var errTruncated = errors.New("model: truncated state dict")

// EncodeStateDict serializes sd. Entries are written in sorted name order so the
// output is deterministic for a fixed state.
func EncodeStateDict(sd StateDict) []byte {
	var out []byte
	for _, name := range sd.Names() {
		var entry []byte
		entry = protowire.AppendTag(entry, fieldEntryName, protowire.BytesType)
		entry = protowire.AppendString(entry, name)
		entry = protowire.AppendTag(entry, fieldEntryTensor, protowire.BytesType)
		entry = protowire.AppendBytes(entry, encodeTensor(sd[name]))

		out = protowire.AppendTag(out, fieldEntries, protowire.BytesType)
		out = protowire.AppendBytes(out, entry)
	}
	return out
}

func encodeTensor(t Tensor) []byte {
	var b []byte
	b = protowire.AppendTag(b, fieldTensorDType, protowire.VarintType)
	b = protowire.AppendVarint(b, uint64(t.DType))
	if len(t.Shape) > 0 {
		var packed []byte
		for _, d := range t.Shape {
			packed = protowire.AppendVarint(packed, uint64(d))
		}
		b = protowire.AppendTag(b, fieldTensorShape, protowire.BytesType)
		b = protowire.AppendBytes(b, packed)
	}
	b = protowire.AppendTag(b, fieldTensorData, protowire.BytesType)
	b = protowire.AppendBytes(b, t.Data)
	if t.Scale != 0 {
		b = protowire.AppendTag(b, fieldTensorScale, protowire.Fixed64Type)
		b = protowire.AppendFixed64(b, math.Float64bits(t.Scale))
	}
	if t.ZeroPoint != 0 {
		b = protowire.AppendTag(b, fieldTensorZeroPoint, protowire.VarintType)
		b = protowire.AppendVarint(b, protowire.EncodeZigZag(t.ZeroPoint))
	}
	return b
}

// DecodeStateDict parses the output of EncodeStateDict.
func DecodeStateDict(b []byte) (StateDict, error) {
	sd := make(StateDict)
	for len(b) > 0 {
		num, typ, n := protowire.ConsumeTag(b)
		if n < 0 {
			return nil, protowire.ParseError(n)
		}
		b = b[n:]
		if num != fieldEntries || typ != protowire.BytesType {
			n = protowire.ConsumeFieldValue(num, typ, b)
			if n < 0 {
				return nil, protowire.ParseError(n)
			}
			b = b[n:]
			continue
		}
		entry, n := protowire.ConsumeBytes(b)
		if n < 0 {
			return nil, protowire.ParseError(n)
		}
		b = b[n:]
		name, t, err := decodeEntry(entry)
		if err != nil {
			return nil, err
		}
		if err := t.validate(); err != nil {
			return nil, fmt.Errorf("model: tensor %q: %w", name, err)
		}
		sd[name] = t
	}
	return sd, nil
}

func decodeEntry(b []byte) (string, Tensor, error) {
	var (
		name   string
		t      Tensor
		hasT   bool
		hasNam bool
	)
	for len(b) > 0 {
		num, typ, n := protowire.ConsumeTag(b)
		if n < 0 {
			return "", Tensor{}, protowire.ParseError(n)
		}
		b = b[n:]
		switch {
		case num == fieldEntryName && typ == protowire.BytesType:
			v, n := protowire.ConsumeString(b)
			if n < 0 {
				return "", Tensor{}, protowire.ParseError(n)
			}
			name, hasNam = v, true
			b = b[n:]
		case num == fieldEntryTensor && typ == protowire.BytesType:
			v, n := protowire.ConsumeBytes(b)
			if n < 0 {
				return "", Tensor{}, protowire.ParseError(n)
			}
			var err error
			if t, err = decodeTensor(v); err != nil {
				return "", Tensor{}, err
			}
			hasT = true
			b = b[n:]
		default:
			n = protowire.ConsumeFieldValue(num, typ, b)
			if n < 0 {
				return "", Tensor{}, protowire.ParseError(n)
			}
			b = b[n:]
		}
	}
	if !hasNam || !hasT {
		return "", Tensor{}, errTruncated
	}
	return name, t, nil
}

func decodeTensor(b []byte) (Tensor, error) {
	var t Tensor
	for len(b) > 0 {
		num, typ, n := protowire.ConsumeTag(b)
		if n < 0 {
			return Tensor{}, protowire.ParseError(n)
		}
		b = b[n:]
		switch {
		case num == fieldTensorDType && typ == protowire.VarintType:
			v, n := protowire.ConsumeVarint(b)
			if n < 0 {
				return Tensor{}, protowire.ParseError(n)
			}
			t.DType = DType(v)
			b = b[n:]
		case num == fieldTensorShape && typ == protowire.BytesType:
			packed, n := protowire.ConsumeBytes(b)
			if n < 0 {
				return Tensor{}, protowire.ParseError(n)
			}
			for len(packed) > 0 {
				d, m := protowire.ConsumeVarint(packed)
				if m < 0 {
					return Tensor{}, protowire.ParseError(m)
				}
				t.Shape = append(t.Shape, int(d))
				packed = packed[m:]
			}
			b = b[n:]
		case num == fieldTensorData && typ == protowire.BytesType:
			v, n := protowire.ConsumeBytes(b)
			if n < 0 {
				return Tensor{}, protowire.ParseError(n)
			}
			t.Data = append([]byte(nil), v...)
			b = b[n:]
		case num == fieldTensorScale && typ == protowire.Fixed64Type:
			v, n := protowire.ConsumeFixed64(b)
			if n < 0 {
				return Tensor{}, protowire.ParseError(n)
			}
			t.Scale = math.Float64frombits(v)
			b = b[n:]
		case num == fieldTensorZeroPoint && typ == protowire.VarintType:
			v, n := protowire.ConsumeVarint(b)
			if n < 0 {
				return Tensor{}, protowire.ParseError(n)
			}
			t.ZeroPoint = protowire.DecodeZigZag(v)
			b = b[n:]
		default:
			n = protowire.ConsumeFieldValue(num, typ, b)
			if n < 0 {
				return Tensor{}, protowire.ParseError(n)
			}
			b = b[n:]
		}
	}
	return t, nil
}
