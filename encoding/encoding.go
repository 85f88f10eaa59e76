// Package encoding provides the plain JSON/text/numeric-array convenience
// encoders layered on top of the kachery facade's StoreFile/LoadFile: they
// compose trivially, writing a temp file and delegating to the core
// library rather than duplicating any of its cache or remote logic.
package encoding

import (
	"context"
	"encoding/binary"
	"encoding/json"
	"errors"
	"fmt"
	"math"
	"os"
	"strconv"
	"strings"

	"github.com/scratchrealm/kachery"
	"github.com/scratchrealm/kachery/internal/digest"
)

// ErrNotFound is returned when a uri resolves to nothing in either the
// local cache or the configured read-remote.
var ErrNotFound = errors.New("encoding: not found")

// StoreText stores text as a UTF-8 file and returns its uri.
func StoreText(ctx context.Context, text string) (string, error) {
	return storeTemp(ctx, "file.txt", []byte(text))
}

// LoadText resolves uriStr and returns its contents as a string.
func LoadText(ctx context.Context, uriStr string) (string, error) {
	data, err := loadAll(ctx, uriStr)
	if err != nil {
		return "", err
	}

	return string(data), nil
}

// StoreObject canonically JSON-encodes v and stores it, returning its uri.
// store_object(o) -> load_object is the identity on JSON-serializable
// objects.
func StoreObject(ctx context.Context, v any) (string, error) {
	data, err := digest.CanonicalJSON(v)
	if err != nil {
		return "", fmt.Errorf("error marshaling object: %w", err)
	}

	return storeTemp(ctx, "file.json", data)
}

// LoadObject resolves uriStr and JSON-decodes its contents into v.
func LoadObject(ctx context.Context, uriStr string, v any) error {
	data, err := loadAll(ctx, uriStr)
	if err != nil {
		return err
	}

	if err := json.Unmarshal(data, v); err != nil {
		return fmt.Errorf("error unmarshaling object: %w", err)
	}

	return nil
}

func storeTemp(ctx context.Context, basename string, data []byte) (string, error) {
	tmp, err := os.CreateTemp("", "kachery-encoding-*")
	if err != nil {
		return "", fmt.Errorf("error creating temp file: %w", err)
	}

	tmpPath := tmp.Name()
	defer os.Remove(tmpPath)

	if _, err := tmp.Write(data); err != nil {
		tmp.Close()

		return "", fmt.Errorf("error writing temp file: %w", err)
	}

	if err := tmp.Close(); err != nil {
		return "", fmt.Errorf("error closing temp file: %w", err)
	}

	return kachery.StoreFile(ctx, tmpPath, basename, false, false)
}

func loadAll(ctx context.Context, uriStr string) ([]byte, error) {
	path, err := kachery.LoadFile(ctx, uriStr, "")
	if err != nil {
		return nil, err
	}

	if path == "" {
		return nil, fmt.Errorf("%w: %s", ErrNotFound, uriStr)
	}

	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("error reading %q: %w", path, err)
	}

	return data, nil
}

// NpyArray is a dense, C-order (row-major) float64 array, the only dtype
// spec.md's round-trip case exercises.
type NpyArray struct {
	Shape []int
	Data  []float64
}

const (
	npyMagic        = "\x93NUMPY"
	npyVersionMajor = 1
	npyVersionMinor = 0
	npyHeaderAlign  = 64
)

// StoreNpy encodes arr in NumPy's .npy v1.0 format (descr '<f8', C order)
// and stores it, returning its uri.
func StoreNpy(ctx context.Context, arr NpyArray) (string, error) {
	data, err := marshalNpy(arr)
	if err != nil {
		return "", err
	}

	return storeTemp(ctx, "file.npy", data)
}

// LoadNpy resolves uriStr and decodes it as a NumPy .npy float64 array.
func LoadNpy(ctx context.Context, uriStr string) (NpyArray, error) {
	data, err := loadAll(ctx, uriStr)
	if err != nil {
		return NpyArray{}, err
	}

	return unmarshalNpy(data)
}

func marshalNpy(arr NpyArray) ([]byte, error) {
	header := npyHeaderDict(arr.Shape)

	// Magic + version (8 bytes) + 2-byte header length must land the data
	// start on a 64-byte boundary, padded with spaces and a trailing '\n'.
	unpadded := len(npyMagic) + 2 + 2 + len(header) + 1
	pad := (npyHeaderAlign - unpadded%npyHeaderAlign) % npyHeaderAlign
	header += strings.Repeat(" ", pad) + "\n"

	buf := make([]byte, 0, len(npyMagic)+2+2+len(header)+len(arr.Data)*8)
	buf = append(buf, npyMagic...)
	buf = append(buf, npyVersionMajor, npyVersionMinor)
	buf = binary.LittleEndian.AppendUint16(buf, uint16(len(header)))
	buf = append(buf, header...)

	for _, v := range arr.Data {
		buf = binary.LittleEndian.AppendUint64(buf, math.Float64bits(v))
	}

	return buf, nil
}

func npyHeaderDict(shape []int) string {
	parts := make([]string, len(shape))
	for i, d := range shape {
		parts[i] = strconv.Itoa(d)
	}

	tuple := strings.Join(parts, ", ")
	if len(shape) == 1 {
		tuple += ","
	}

	return fmt.Sprintf("{'descr': '<f8', 'fortran_order': False, 'shape': (%s), }", tuple)
}

func unmarshalNpy(data []byte) (NpyArray, error) {
	if len(data) < 10 || string(data[:6]) != npyMagic {
		return NpyArray{}, fmt.Errorf("%w: not a npy file", kachery.ErrUsage)
	}

	headerLen := int(binary.LittleEndian.Uint16(data[8:10]))
	headerStart := 10

	if len(data) < headerStart+headerLen {
		return NpyArray{}, fmt.Errorf("%w: truncated npy header", kachery.ErrUsage)
	}

	header := string(data[headerStart : headerStart+headerLen])

	shape, err := parseNpyShape(header)
	if err != nil {
		return NpyArray{}, err
	}

	body := data[headerStart+headerLen:]

	n := 1
	for _, d := range shape {
		n *= d
	}

	if len(body) < n*8 {
		return NpyArray{}, fmt.Errorf("%w: truncated npy body", kachery.ErrUsage)
	}

	out := make([]float64, n)
	for i := range out {
		out[i] = math.Float64frombits(binary.LittleEndian.Uint64(body[i*8 : i*8+8]))
	}

	return NpyArray{Shape: shape, Data: out}, nil
}

func parseNpyShape(header string) ([]int, error) {
	const key = "'shape':"

	i := strings.Index(header, key)
	if i < 0 {
		return nil, fmt.Errorf("%w: npy header missing shape", kachery.ErrUsage)
	}

	rest := header[i+len(key):]

	open := strings.Index(rest, "(")
	closeIdx := strings.Index(rest, ")")

	if open < 0 || closeIdx < 0 || closeIdx < open {
		return nil, fmt.Errorf("%w: malformed npy shape", kachery.ErrUsage)
	}

	inner := strings.TrimSpace(rest[open+1 : closeIdx])
	if inner == "" {
		return []int{}, nil
	}

	fields := strings.Split(inner, ",")

	shape := make([]int, 0, len(fields))

	for _, f := range fields {
		f = strings.TrimSpace(f)
		if f == "" {
			continue
		}

		d, err := strconv.Atoi(f)
		if err != nil {
			return nil, fmt.Errorf("%w: malformed npy dimension %q", kachery.ErrUsage, f)
		}

		shape = append(shape, d)
	}

	return shape, nil
}
