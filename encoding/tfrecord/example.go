package tfrecord

import (
	"errors"
	"fmt"
	"math"

	"golang.org/x/exp/maps"
	"golang.org/x/exp/slices"
	"google.golang.org/protobuf/encoding/protowire"
)

var ErrFeature = errors.New("tfrecord: missing or mistyped feature")

// Kind is the populated list of a Feature. Values match the field numbers
// of the tf.Feature oneof.
type Kind int

const (
	KindNone  Kind = 0
	KindBytes Kind = 1
	KindFloat Kind = 2
	KindInt64 Kind = 3
)

func (k Kind) String() string {
	switch k {
	case KindBytes:
		return "bytes"
	case KindFloat:
		return "float"
	case KindInt64:
		return "int64"
	default:
		return "none"
	}
}

type Feature struct {
	Kind  Kind
	Bytes [][]byte
	Float []float32
	Int64 []int64
}

func Int64s[T ~int | ~int32 | ~int64](v []T) Feature {
	f := Feature{Kind: KindInt64, Int64: make([]int64, len(v))}
	for i, x := range v {
		f.Int64[i] = int64(x)
	}
	return f
}

func Floats[T ~float32 | ~float64](v []T) Feature {
	f := Feature{Kind: KindFloat, Float: make([]float32, len(v))}
	for i, x := range v {
		f.Float[i] = float32(x)
	}
	return f
}

// Example is a tf.Example: a map of named features.
type Example map[string]Feature

// Int64s returns the int64 list stored under name.
func (e Example) Int64s(name string) ([]int64, error) {
	f, ok := e[name]
	if !ok || (f.Kind != KindInt64 && f.Kind != KindNone) {
		return nil, fmt.Errorf("%w: %q is not an int64 list", ErrFeature, name)
	}
	return f.Int64, nil
}

// Floats returns the float list stored under name.
func (e Example) Floats(name string) ([]float32, error) {
	f, ok := e[name]
	if !ok || (f.Kind != KindFloat && f.Kind != KindNone) {
		return nil, fmt.Errorf("%w: %q is not a float list", ErrFeature, name)
	}
	return f.Float, nil
}

// Marshal encodes e in protobuf wire format. Features are written in name
// order so equal examples encode to equal bytes.
func (e Example) Marshal() []byte {
	names := maps.Keys(e)
	slices.Sort(names)

	var features []byte
	for _, name := range names {
		var entry []byte
		entry = protowire.AppendTag(entry, 1, protowire.BytesType)
		entry = protowire.AppendString(entry, name)
		entry = protowire.AppendTag(entry, 2, protowire.BytesType)
		entry = protowire.AppendBytes(entry, e[name].marshal())

		features = protowire.AppendTag(features, 1, protowire.BytesType)
		features = protowire.AppendBytes(features, entry)
	}

	var b []byte
	b = protowire.AppendTag(b, 1, protowire.BytesType)
	return protowire.AppendBytes(b, features)
}

func (f Feature) marshal() []byte {
	var list []byte
	switch f.Kind {
	case KindBytes:
		for _, v := range f.Bytes {
			list = protowire.AppendTag(list, 1, protowire.BytesType)
			list = protowire.AppendBytes(list, v)
		}
	case KindFloat:
		if len(f.Float) > 0 {
			var packed []byte
			for _, v := range f.Float {
				packed = protowire.AppendFixed32(packed, math.Float32bits(v))
			}
			list = protowire.AppendTag(list, 1, protowire.BytesType)
			list = protowire.AppendBytes(list, packed)
		}
	case KindInt64:
		if len(f.Int64) > 0 {
			var packed []byte
			for _, v := range f.Int64 {
				packed = protowire.AppendVarint(packed, uint64(v))
			}
			list = protowire.AppendTag(list, 1, protowire.BytesType)
			list = protowire.AppendBytes(list, packed)
		}
	default:
		return nil
	}

	var b []byte
	b = protowire.AppendTag(b, protowire.Number(f.Kind), protowire.BytesType)
	return protowire.AppendBytes(b, list)
}

// Unmarshal decodes a tf.Example. Unknown fields are skipped.
func Unmarshal(b []byte) (Example, error) {
	e := Example{}
	err := walk(b, func(num protowire.Number, typ protowire.Type, raw []byte) error {
		if num != 1 || typ != protowire.BytesType {
			return nil
		}

		features, _ := protowire.ConsumeBytes(raw)
		return walk(features, func(num protowire.Number, typ protowire.Type, raw []byte) error {
			if num != 1 || typ != protowire.BytesType {
				return nil
			}

			entry, _ := protowire.ConsumeBytes(raw)
			name, f, err := unmarshalEntry(entry)
			if err != nil {
				return err
			}

			e[name] = f
			return nil
		})
	})
	if err != nil {
		return nil, fmt.Errorf("%w: %w", ErrCorrupt, err)
	}

	return e, nil
}

func unmarshalEntry(b []byte) (name string, f Feature, err error) {
	err = walk(b, func(num protowire.Number, typ protowire.Type, raw []byte) error {
		if typ != protowire.BytesType {
			return nil
		}

		v, _ := protowire.ConsumeBytes(raw)
		switch num {
		case 1:
			name = string(v)
		case 2:
			f, err = unmarshalFeature(v)
			return err
		}
		return nil
	})
	return name, f, err
}

func unmarshalFeature(b []byte) (Feature, error) {
	var f Feature
	err := walk(b, func(num protowire.Number, typ protowire.Type, raw []byte) error {
		if typ != protowire.BytesType || num < 1 || num > 3 {
			return nil
		}

		f.Kind = Kind(num)
		list, _ := protowire.ConsumeBytes(raw)
		return walk(list, func(num protowire.Number, typ protowire.Type, raw []byte) error {
			if num != 1 {
				return nil
			}

			switch {
			case f.Kind == KindBytes && typ == protowire.BytesType:
				v, _ := protowire.ConsumeBytes(raw)
				f.Bytes = append(f.Bytes, append([]byte(nil), v...))
			case f.Kind == KindFloat && typ == protowire.Fixed32Type:
				v, _ := protowire.ConsumeFixed32(raw)
				f.Float = append(f.Float, math.Float32frombits(v))
			case f.Kind == KindFloat && typ == protowire.BytesType:
				packed, _ := protowire.ConsumeBytes(raw)
				for len(packed) > 0 {
					v, n := protowire.ConsumeFixed32(packed)
					if n < 0 {
						return protowire.ParseError(n)
					}
					f.Float = append(f.Float, math.Float32frombits(v))
					packed = packed[n:]
				}
			case f.Kind == KindInt64 && typ == protowire.VarintType:
				v, _ := protowire.ConsumeVarint(raw)
				f.Int64 = append(f.Int64, int64(v))
			case f.Kind == KindInt64 && typ == protowire.BytesType:
				packed, _ := protowire.ConsumeBytes(raw)
				for len(packed) > 0 {
					v, n := protowire.ConsumeVarint(packed)
					if n < 0 {
						return protowire.ParseError(n)
					}
					f.Int64 = append(f.Int64, int64(v))
					packed = packed[n:]
				}
			default:
				return fmt.Errorf("%s list has wire type %d", f.Kind, typ)
			}
			return nil
		})
	})
	return f, err
}

// walk calls fn with the number, type and raw value bytes of every field
// in b.
func walk(b []byte, fn func(protowire.Number, protowire.Type, []byte) error) error {
	for len(b) > 0 {
		num, typ, n := protowire.ConsumeTag(b)
		if n < 0 {
			return protowire.ParseError(n)
		}
		b = b[n:]

		m := protowire.ConsumeFieldValue(num, typ, b)
		if m < 0 {
			return protowire.ParseError(m)
		}

		if err := fn(num, typ, b[:m]); err != nil {
			return err
		}
		b = b[m:]
	}
	return nil
}
