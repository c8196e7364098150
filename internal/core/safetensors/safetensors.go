package safetensors

import (
	"bytes"
	"encoding/binary"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"math"
	"os"
	"path/filepath"
	"slices"
	"sort"

	"gorgonia.org/tensor"
)

type DType string

const (
	F32  DType = "F32"
	F64  DType = "F64"
	F16  DType = "F16"
	BF16 DType = "BF16"
)

const (
	metadataKey   = "__metadata__"
	maxHeaderSize = 100 << 20
)

var ErrInvalidFile = errors.New("invalid safetensors file")

func (d DType) size() (int, error) {
	switch d {
	case F32:
		return 4, nil
	case F64:
		return 8, nil
	case F16, BF16:
		return 2, nil
	}
	return 0, fmt.Errorf("%w: unsupported dtype '%s'", ErrInvalidFile, d)
}

type tensorInfo struct {
	DType       DType  `json:"dtype"`
	Shape       []int  `json:"shape"`
	DataOffsets [2]int `json:"data_offsets"`
}

type File struct {
	Metadata map[string]string
	Tensors  map[string]*tensor.Dense
	DTypes   map[string]DType
}

func (f *File) Names() []string {
	names := make([]string, 0, len(f.Tensors))
	for name := range f.Tensors {
		names = append(names, name)
	}
	sort.Strings(names)
	return names
}

// Encode writes tensors in the given dtype. Tensors are laid out in name
// order so identical inputs produce identical bytes.
func Encode(w io.Writer, tensors map[string]*tensor.Dense, metadata map[string]string, dtype DType) error {
	elemSize, err := dtype.size()
	if err != nil {
		return err
	}

	names := make([]string, 0, len(tensors))
	for name := range tensors {
		if name == metadataKey {
			return fmt.Errorf("tensor name '%s' is reserved", metadataKey)
		}
		names = append(names, name)
	}
	sort.Strings(names)

	header := make(map[string]any, len(names)+1)
	if len(metadata) > 0 {
		header[metadataKey] = metadata
	}
	offset := 0
	for _, name := range names {
		t := tensors[name]
		if t.Dtype() != tensor.Float32 {
			return fmt.Errorf("tensor '%s' has dtype %v, only float32 tensors can be encoded", name, t.Dtype())
		}
		size := t.Size() * elemSize
		header[name] = tensorInfo{DType: dtype, Shape: []int(t.Shape().Clone()), DataOffsets: [2]int{offset, offset + size}}
		offset += size
	}

	headerBytes, err := json.Marshal(header)
	if err != nil {
		return fmt.Errorf("error encoding header: %w", err)
	}
	if pad := len(headerBytes) % 8; pad != 0 {
		headerBytes = append(headerBytes, bytes.Repeat([]byte{' '}, 8-pad)...)
	}

	buf := make([]byte, 8, 8+len(headerBytes)+offset)
	binary.LittleEndian.PutUint64(buf, uint64(len(headerBytes)))
	buf = append(buf, headerBytes...)
	for _, name := range names {
		buf = appendValues(buf, float32s(tensors[name]), dtype)
	}

	if _, err := w.Write(buf); err != nil {
		return fmt.Errorf("error writing tensors: %w", err)
	}
	return nil
}

func float32s(t *tensor.Dense) []float32 {
	if v, ok := t.Data().(float32); ok {
		return []float32{v}
	}
	return t.Data().([]float32)
}

func appendValues(buf []byte, values []float32, dtype DType) []byte {
	for _, v := range values {
		switch dtype {
		case F32:
			buf = binary.LittleEndian.AppendUint32(buf, math.Float32bits(v))
		case F64:
			buf = binary.LittleEndian.AppendUint64(buf, math.Float64bits(float64(v)))
		case F16:
			buf = binary.LittleEndian.AppendUint16(buf, Float32ToF16(v))
		case BF16:
			buf = binary.LittleEndian.AppendUint16(buf, Float32ToBF16(v))
		}
	}
	return buf
}

// Save writes an F32 safetensors file, replacing path atomically.
func Save(path string, tensors map[string]*tensor.Dense, metadata map[string]string) error {
	dir := filepath.Dir(path)
	if err := os.MkdirAll(dir, 0755); err != nil {
		return fmt.Errorf("error creating directory %s: %w", dir, err)
	}

	tmp, err := os.CreateTemp(dir, filepath.Base(path)+".tmp-*")
	if err != nil {
		return fmt.Errorf("error creating temp file: %w", err)
	}
	defer os.Remove(tmp.Name())

	if err := Encode(tmp, tensors, metadata, F32); err != nil {
		tmp.Close()
		return err
	}
	if err := tmp.Close(); err != nil {
		return fmt.Errorf("error closing temp file: %w", err)
	}
	if err := os.Rename(tmp.Name(), path); err != nil {
		return fmt.Errorf("error moving weights to %s: %w", path, err)
	}
	return nil
}

func Load(path string) (*File, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("error reading %s: %w", path, err)
	}
	return Decode(data)
}

// Decode parses a safetensors buffer, converting every tensor to float32.
func Decode(data []byte) (*File, error) {
	if len(data) < 8 {
		return nil, fmt.Errorf("%w: file is %d bytes, too short for header length", ErrInvalidFile, len(data))
	}
	headerLen := binary.LittleEndian.Uint64(data[:8])
	if headerLen > maxHeaderSize || headerLen > uint64(len(data)-8) {
		return nil, fmt.Errorf("%w: header length %d exceeds file size %d", ErrInvalidFile, headerLen, len(data))
	}
	payload := data[8+headerLen:]

	var raw map[string]json.RawMessage
	if err := json.Unmarshal(data[8:8+headerLen], &raw); err != nil {
		return nil, fmt.Errorf("%w: malformed header: %v", ErrInvalidFile, err)
	}

	file := &File{
		Metadata: map[string]string{},
		Tensors:  make(map[string]*tensor.Dense, len(raw)),
		DTypes:   make(map[string]DType, len(raw)),
	}

	type span struct {
		name       string
		begin, end int
	}
	spans := make([]span, 0, len(raw))

	for name, msg := range raw {
		if name == metadataKey {
			if err := json.Unmarshal(msg, &file.Metadata); err != nil {
				return nil, fmt.Errorf("%w: malformed metadata: %v", ErrInvalidFile, err)
			}
			continue
		}

		var info tensorInfo
		if err := json.Unmarshal(msg, &info); err != nil {
			return nil, fmt.Errorf("%w: malformed entry for '%s': %v", ErrInvalidFile, name, err)
		}
		elemSize, err := info.DType.size()
		if err != nil {
			return nil, fmt.Errorf("tensor '%s': %w", name, err)
		}

		begin, end := info.DataOffsets[0], info.DataOffsets[1]
		if begin < 0 || end < begin || end > len(payload) {
			return nil, fmt.Errorf("%w: tensor '%s' offsets [%d, %d) outside data of %d bytes", ErrInvalidFile, name, begin, end, len(payload))
		}
		count := 1
		for _, d := range info.Shape {
			if d <= 0 {
				return nil, fmt.Errorf("%w: tensor '%s' has non-positive dimension in shape %v", ErrInvalidFile, name, info.Shape)
			}
			if count > len(payload)/d {
				return nil, fmt.Errorf("%w: tensor '%s' shape %v exceeds the data section", ErrInvalidFile, name, info.Shape)
			}
			count *= d
		}
		if count*elemSize != end-begin {
			return nil, fmt.Errorf("%w: tensor '%s' shape %v needs %d bytes, offsets cover %d", ErrInvalidFile, name, info.Shape, count*elemSize, end-begin)
		}

		values := decodeValues(payload[begin:end], info.DType, count)
		file.Tensors[name] = newDense(info.Shape, values)
		file.DTypes[name] = info.DType
		spans = append(spans, span{name: name, begin: begin, end: end})
	}

	slices.SortFunc(spans, func(a, b span) int { return a.begin - b.begin })
	for i := 1; i < len(spans); i++ {
		if spans[i].begin < spans[i-1].end {
			return nil, fmt.Errorf("%w: tensors '%s' and '%s' overlap", ErrInvalidFile, spans[i-1].name, spans[i].name)
		}
	}

	return file, nil
}

func newDense(shape []int, values []float32) *tensor.Dense {
	if len(shape) == 0 {
		return tensor.New(tensor.FromScalar(values[0]))
	}
	return tensor.New(tensor.WithShape(slices.Clone(shape)...), tensor.WithBacking(values))
}

func decodeValues(b []byte, dtype DType, count int) []float32 {
	out := make([]float32, count)
	for i := range out {
		switch dtype {
		case F32:
			out[i] = math.Float32frombits(binary.LittleEndian.Uint32(b[4*i:]))
		case F64:
			out[i] = float32(math.Float64frombits(binary.LittleEndian.Uint64(b[8*i:])))
		case F16:
			out[i] = F16ToFloat32(binary.LittleEndian.Uint16(b[2*i:]))
		case BF16:
			out[i] = BF16ToFloat32(binary.LittleEndian.Uint16(b[2*i:]))
		}
	}
	return out
}
