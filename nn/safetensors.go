package nn

import (
	"encoding/binary"
	"encoding/json"
	"fmt"
	"math"
	"os"
	"sort"
)

// TensorInfo describes a tensor's properties
type TensorInfo struct {
	DType  string `json:"dtype"`
	Shape  []int  `json:"shape"`
	Offset []int  `json:"data_offsets"`
}

// Safetensors holds the float tensors of one file, converted to float32.
type Safetensors struct {
	Tensors map[string][]float32
	Shapes  map[string][]int
	Skipped []string // non-float tensors (e.g. integer buffers), sorted
}

// LoadSafetensors reads a safetensors file from disk.
func LoadSafetensors(path string) (*Safetensors, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("failed to read safetensors: %w", err)
	}
	return LoadSafetensorsFromBytes(data)
}

// LoadSafetensorsFromBytes parses safetensors data. F32, F16 and BF16 tensors
// are converted to float32; other dtypes are listed in Skipped.
func LoadSafetensorsFromBytes(data []byte) (*Safetensors, error) {
	if len(data) < 8 {
		return nil, fmt.Errorf("data too short: need at least 8 bytes for header size")
	}

	// Header size: first 8 bytes, little-endian
	headerSize := binary.LittleEndian.Uint64(data[0:8])
	if headerSize > uint64(len(data)-8) {
		return nil, fmt.Errorf("data too short: header size %d but only %d bytes available", headerSize, len(data)-8)
	}

	var rawHeader map[string]json.RawMessage
	if err := json.Unmarshal(data[8:8+headerSize], &rawHeader); err != nil {
		return nil, fmt.Errorf("failed to parse header: %w", err)
	}

	allData := data[8+headerSize:]
	st := &Safetensors{
		Tensors: make(map[string][]float32),
		Shapes:  make(map[string][]int),
	}

	for name, raw := range rawHeader {
		if name == "__metadata__" {
			continue
		}

		var info TensorInfo
		if err := json.Unmarshal(raw, &info); err != nil {
			return nil, fmt.Errorf("tensor %s: bad header entry: %w", name, err)
		}
		if len(info.Offset) != 2 {
			return nil, fmt.Errorf("tensor %s: data_offsets must have 2 entries", name)
		}

		var width int
		switch info.DType {
		case "F32":
			width = 4
		case "F16", "BF16":
			width = 2
		default:
			st.Skipped = append(st.Skipped, name)
			continue
		}

		begin, end := info.Offset[0], info.Offset[1]
		if begin < 0 || end < begin || end > len(allData) {
			return nil, fmt.Errorf("tensor %s: data_offsets [%d, %d] out of bounds", name, begin, end)
		}
		if (end-begin)%width != 0 {
			return nil, fmt.Errorf("tensor %s: %d bytes is not a multiple of %s width %d", name, end-begin, info.DType, width)
		}

		// The product is capped by the data length, so it cannot overflow.
		numElements, limit := 1, (end-begin)/width
		for _, dim := range info.Shape {
			if dim < 0 {
				return nil, fmt.Errorf("tensor %s: negative dimension in shape %v", name, info.Shape)
			}
			if dim > 0 && numElements > limit/dim {
				return nil, fmt.Errorf("tensor %s: shape %v exceeds its %d bytes of data", name, info.Shape, end-begin)
			}
			numElements *= dim
		}
		if numElements != limit {
			return nil, fmt.Errorf("tensor %s: shape %v needs %d bytes, data_offsets give %d", name, info.Shape, numElements*width, end-begin)
		}
		raw := allData[begin:end]

		tensor := make([]float32, numElements)
		for i := range tensor {
			switch info.DType {
			case "F32":
				tensor[i] = math.Float32frombits(binary.LittleEndian.Uint32(raw[i*4:]))
			case "F16":
				tensor[i] = float16ToFloat32(binary.LittleEndian.Uint16(raw[i*2:]))
			case "BF16":
				tensor[i] = bfloat16ToFloat32(binary.LittleEndian.Uint16(raw[i*2:]))
			}
		}

		st.Tensors[name] = tensor
		st.Shapes[name] = info.Shape
	}

	sort.Strings(st.Skipped)
	return st, nil
}

// float16ToFloat32 converts a float16 (half precision) to float32
func float16ToFloat32(f16 uint16) float32 {
	sign := uint32((f16 >> 15) & 0x1)
	exponent := uint32((f16 >> 10) & 0x1F)
	mantissa := uint32(f16 & 0x3FF)

	var f32bits uint32
	switch {
	case exponent == 0 && mantissa == 0:
		f32bits = sign << 31
	case exponent == 0:
		// Subnormal: renormalize
		e := int32(1)
		for mantissa&0x400 == 0 {
			mantissa <<= 1
			e--
		}
		mantissa &= 0x3FF
		f32bits = (sign << 31) | (uint32(e+127-15) << 23) | (mantissa << 13)
	case exponent == 0x1F:
		// Inf or NaN
		f32bits = (sign << 31) | (0xFF << 23) | (mantissa << 13)
	default:
		f32bits = (sign << 31) | ((exponent + (127 - 15)) << 23) | (mantissa << 13)
	}

	return math.Float32frombits(f32bits)
}

// bfloat16ToFloat32 converts a bfloat16 to float32
func bfloat16ToFloat32(bf16 uint16) float32 {
	// bfloat16 is the top 16 bits of float32
	return math.Float32frombits(uint32(bf16) << 16)
}
