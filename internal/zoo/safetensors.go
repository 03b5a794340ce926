package zoo

import (
	"encoding/binary"
	"errors"
	"fmt"
	"math"
	"os"

	"github.com/bytedance/sonic"

	"tipburn/internal/tensor"
)

// ErrSafetensors is wrapped by malformed-file errors.
var ErrSafetensors = errors.New("zoo: invalid safetensors file")

type safetensorsEntry struct {
	DType   string   `json:"dtype"`
	Shape   []int    `json:"shape"`
	Offsets [2]int64 `json:"data_offsets"`
}

// ReadSafetensorsFile loads every floating point tensor stored at path.
func ReadSafetensorsFile(path string) (map[string]*tensor.Tensor, error) {
	buf, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("read weights: %w", err)
	}
	state, err := ParseSafetensors(buf)
	if err != nil {
		return nil, fmt.Errorf("%s: %w", path, err)
	}
	return state, nil
}

// ParseSafetensors decodes a safetensors blob: an 8-byte little-endian header
// length, a JSON header and the raw tensor bytes. Floating point tensors are
// converted to float32; integer tensors (batch-norm counters) are skipped.
func ParseSafetensors(buf []byte) (map[string]*tensor.Tensor, error) {
	if len(buf) < 8 {
		return nil, fmt.Errorf("%w: truncated header", ErrSafetensors)
	}
	n := binary.LittleEndian.Uint64(buf[:8])
	if n > uint64(len(buf)-8) {
		return nil, fmt.Errorf("%w: header length %d exceeds file size", ErrSafetensors, n)
	}
	var header map[string]safetensorsEntry
	if err := sonic.Unmarshal(buf[8:8+n], &header); err != nil {
		return nil, fmt.Errorf("%w: header: %v", ErrSafetensors, err)
	}
	body := buf[8+n:]

	state := make(map[string]*tensor.Tensor, len(header))
	for name, e := range header {
		if name == "__metadata__" {
			continue
		}
		size, ok := dtypeSize[e.DType]
		if !ok {
			continue
		}
		count := tensor.Numel(e.Shape)
		if count < 0 {
			return nil, fmt.Errorf("%w: %s: negative shape %v", ErrSafetensors, name, e.Shape)
		}
		start, end := e.Offsets[0], e.Offsets[1]
		if start < 0 || start > end || end > int64(len(body)) || end-start != int64(count*size) {
			return nil, fmt.Errorf("%w: %s: offsets %v do not fit %s%v", ErrSafetensors, name, e.Offsets, e.DType, e.Shape)
		}
		data := decodeFloats(body[start:end], e.DType, count)
		t, err := tensor.FromData(data, e.Shape...)
		if err != nil {
			return nil, fmt.Errorf("%w: %s: %v", ErrSafetensors, name, err)
		}
		state[name] = t
	}
	return state, nil
}

var dtypeSize = map[string]int{"F64": 8, "F32": 4, "F16": 2, "BF16": 2}

func decodeFloats(raw []byte, dtype string, count int) []float32 {
	out := make([]float32, count)
	le := binary.LittleEndian
	switch dtype {
	case "F64":
		for i := range out {
			out[i] = float32(math.Float64frombits(le.Uint64(raw[i*8:])))
		}
	case "F32":
		for i := range out {
			out[i] = math.Float32frombits(le.Uint32(raw[i*4:]))
		}
	case "F16":
		for i := range out {
			out[i] = halfToFloat(le.Uint16(raw[i*2:]))
		}
	case "BF16":
		for i := range out {
			out[i] = math.Float32frombits(uint32(le.Uint16(raw[i*2:])) << 16)
		}
	}
	return out
}

// halfToFloat widens an IEEE 754 binary16 value.
func halfToFloat(h uint16) float32 {
	sign := uint32(h>>15) << 31
	exp := uint32(h>>10) & 0x1f
	frac := uint32(h) & 0x3ff
	switch {
	case exp == 0 && frac == 0:
		return math.Float32frombits(sign)
	case exp == 0:
		// subnormal: renormalise
		e := uint32(127 - 15 + 1)
		for frac&0x400 == 0 {
			frac <<= 1
			e--
		}
		frac &= 0x3ff
		return math.Float32frombits(sign | e<<23 | frac<<13)
	case exp == 0x1f:
		return math.Float32frombits(sign | 0xff<<23 | frac<<13)
	default:
		return math.Float32frombits(sign | (exp+127-15)<<23 | frac<<13)
	}
}
