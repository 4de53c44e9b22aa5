package nn

import (
	"encoding/binary"
	"encoding/json"
	"fmt"
	"math"
	"os"
	"path/filepath"
	"sort"
)

// TensorWithShape is one named tensor ready to be serialized.
type TensorWithShape struct {
	DType  string // F32, F16 or BF16
	Shape  []int
	Values []float32
}

// SaveSafetensors writes tensors to a safetensors file
func SaveSafetensors(path string, tensors map[string]TensorWithShape) error {
	data, err := SerializeSafetensors(tensors)
	if err != nil {
		return err
	}
	return os.WriteFile(path, data, 0644)
}

// SerializeSafetensors converts tensors to safetensors format bytes.
// Tensors are laid out in name order so the output is deterministic.
func SerializeSafetensors(tensors map[string]TensorWithShape) ([]byte, error) {
	names := make([]string, 0, len(tensors))
	for name := range tensors {
		names = append(names, name)
	}
	sort.Strings(names)

	header := make(map[string]TensorInfo, len(names))
	offset := 0
	for _, name := range names {
		tensor := tensors[name]
		width := bytesPerElement(tensor.DType)
		if width == 0 {
			return nil, fmt.Errorf("tensor %s: unsupported dtype %q", name, tensor.DType)
		}
		numElements := 1
		for _, dim := range tensor.Shape {
			numElements *= dim
		}
		if numElements != len(tensor.Values) {
			return nil, fmt.Errorf("tensor %s: shape %v does not match %d values", name, tensor.Shape, len(tensor.Values))
		}
		header[name] = TensorInfo{
			DType:  tensor.DType,
			Shape:  tensor.Shape,
			Offset: []int{offset, offset + numElements*width},
		}
		offset += numElements * width
	}

	headerJSON, err := json.Marshal(header)
	if err != nil {
		return nil, fmt.Errorf("failed to marshal header: %w", err)
	}

	// [header_size (8 bytes)] [header JSON] [tensor data]
	headerSize := len(headerJSON)
	result := make([]byte, 8+headerSize+offset)
	binary.LittleEndian.PutUint64(result[0:8], uint64(headerSize))
	copy(result[8:], headerJSON)

	data := result[8+headerSize:]
	for _, name := range names {
		tensor := tensors[name]
		writeTensorData(data[header[name].Offset[0]:], tensor)
	}
	return result, nil
}

func bytesPerElement(dtype string) int {
	switch dtype {
	case "F32":
		return 4
	case "F16", "BF16":
		return 2
	default:
		return 0
	}
}

func writeTensorData(dest []byte, tensor TensorWithShape) {
	for i, val := range tensor.Values {
		switch tensor.DType {
		case "F32":
			binary.LittleEndian.PutUint32(dest[i*4:], math.Float32bits(val))
		case "F16":
			binary.LittleEndian.PutUint16(dest[i*2:], float32ToFloat16(val))
		case "BF16":
			binary.LittleEndian.PutUint16(dest[i*2:], float32ToBFloat16(val))
		}
	}
}

// float32ToFloat16 converts with round-to-nearest-even; values outside the
// half range saturate to infinity.
func float32ToFloat16(f float32) uint16 {
	bits := math.Float32bits(f)
	sign := uint16((bits >> 16) & 0x8000)
	exp := int32((bits >> 23) & 0xFF)
	mant := bits & 0x7FFFFF

	switch {
	case exp == 0xFF:
		if mant != 0 {
			return sign | 0x7E00
		}
		return sign | 0x7C00
	case exp-127+15 >= 0x1F:
		return sign | 0x7C00
	case exp-127+15 <= 0:
		// Subnormal or zero
		shift := uint32(14 - (exp - 127 + 15))
		if shift > 24 {
			return sign
		}
		m := mant | 0x800000
		half := uint16(m >> shift)
		if (m>>(shift-1))&1 == 1 && (m&((1<<(shift-1))-1) != 0 || half&1 == 1) {
			half++
		}
		return sign | half
	}

	half := sign | uint16(exp-127+15)<<10 | uint16(mant>>13)
	round := mant & 0x1FFF
	if round > 0x1000 || (round == 0x1000 && half&1 == 1) {
		half++
	}
	return half
}

// float32ToBFloat16 keeps the top 16 bits, rounding to nearest even.
func float32ToBFloat16(f float32) uint16 {
	bits := math.Float32bits(f)
	if bits&0x7FFFFFFF > 0x7F800000 {
		return uint16(bits>>16) | 0x40
	}
	bits += 0x7FFF + (bits>>16)&1
	return uint16(bits >> 16)
}

// ExportHuggingFace writes config.json and model.safetensors in the layout
// LoadTransformerFromSafetensors reads. Matrices go back to the PyTorch
// [out, in] orientation. Tied heads are not written.
func ExportHuggingFace(t *Transformer, dir string, dtype string) error {
	if dtype == "" {
		dtype = "F32"
	}
	if bytesPerElement(dtype) == 0 {
		return fmt.Errorf("export: unsupported dtype %q", dtype)
	}
	if err := os.MkdirAll(dir, 0755); err != nil {
		return fmt.Errorf("export: %w", err)
	}

	cfg := t.Config
	hidden := cfg.HiddenSize
	inter := cfg.IntermediateSize
	kvDim := cfg.KVDim()

	tensors := make(map[string]TensorWithShape)
	add := func(name string, values []float32, shape ...int) {
		tensors[name] = TensorWithShape{DType: dtype, Shape: shape, Values: values}
	}
	// [in, out] -> [out, in]
	addLinear := func(name string, values []float32, in, out int) {
		add(name, transposeWeights(values, in, out), out, in)
	}

	add("model.embed_tokens.weight", t.Embeddings, cfg.VocabSize, hidden)
	for i := range t.Blocks {
		b := &t.Blocks[i]
		prefix := fmt.Sprintf("model.layers.%d", i)

		add(prefix+".input_layernorm.weight", b.InputNorm.Gamma, hidden)
		addLinear(prefix+".self_attn.q_proj.weight", b.Attention.QWeights, hidden, hidden)
		addLinear(prefix+".self_attn.k_proj.weight", b.Attention.KWeights, hidden, kvDim)
		addLinear(prefix+".self_attn.v_proj.weight", b.Attention.VWeights, hidden, kvDim)
		addLinear(prefix+".self_attn.o_proj.weight", b.Attention.OutputWeight, hidden, hidden)
		if hasNonZero(b.Attention.QBias) || hasNonZero(b.Attention.KBias) || hasNonZero(b.Attention.VBias) {
			add(prefix+".self_attn.q_proj.bias", b.Attention.QBias, hidden)
			add(prefix+".self_attn.k_proj.bias", b.Attention.KBias, kvDim)
			add(prefix+".self_attn.v_proj.bias", b.Attention.VBias, kvDim)
		}
		if hasNonZero(b.Attention.OutputBias) {
			add(prefix+".self_attn.o_proj.bias", b.Attention.OutputBias, hidden)
		}
		add(prefix+".post_attention_layernorm.weight", b.PostAttentionNorm.Gamma, hidden)
		addLinear(prefix+".mlp.gate_proj.weight", b.MLP.GateWeights, hidden, inter)
		addLinear(prefix+".mlp.up_proj.weight", b.MLP.UpWeights, hidden, inter)
		addLinear(prefix+".mlp.down_proj.weight", b.MLP.DownWeights, inter, hidden)
	}
	add("model.norm.weight", t.FinalNorm.Gamma, hidden)

	cfg.TieWordEmbeddings = true
	if p, ok := t.LMHead.(*CPUProjector); ok && len(p.Weights) > 0 && len(t.Embeddings) > 0 && &p.Weights[0] != &t.Embeddings[0] {
		add("lm_head.weight", p.Weights, cfg.VocabSize, hidden)
		cfg.TieWordEmbeddings = false
	}

	configJSON, err := json.MarshalIndent(cfg, "", "  ")
	if err != nil {
		return fmt.Errorf("export: %w", err)
	}
	if err := os.WriteFile(filepath.Join(dir, "config.json"), configJSON, 0644); err != nil {
		return fmt.Errorf("export: %w", err)
	}
	if err := SaveSafetensors(filepath.Join(dir, "model.safetensors"), tensors); err != nil {
		return fmt.Errorf("export: %w", err)
	}
	return nil
}

func hasNonZero(values []float32) bool {
	for _, v := range values {
		if v != 0 {
			return true
		}
	}
	return false
}
