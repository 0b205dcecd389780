package ml

import (
	"fmt"
	"math"
	"strings"

	"github.com/d4l3k/go-bfloat16"
	"github.com/x448/float16"
	"gonum.org/v1/gonum/mat"
)

// MaskValue is added to masked attention logits. It is large and negative
// but finite so that reduced-precision scores never become -Inf or NaN.
const MaskValue = -1e30

// DType is the storage precision of values that outlive a forward pass,
// such as segment memory.
type DType int

const (
	DTypeF64 DType = iota
	DTypeF32
	DTypeBF16
	DTypeF16
)

func (d DType) String() string {
	switch d {
	case DTypeF64:
		return "f64"
	case DTypeF32:
		return "f32"
	case DTypeBF16:
		return "bf16"
	case DTypeF16:
		return "f16"
	default:
		return fmt.Sprintf("DType(%d)", int(d))
	}
}

func ParseDType(s string) (DType, error) {
	switch strings.ToLower(s) {
	case "", "f64", "float64":
		return DTypeF64, nil
	case "f32", "float32":
		return DTypeF32, nil
	case "bf16", "bfloat16":
		return DTypeBF16, nil
	case "f16", "float16":
		return DTypeF16, nil
	default:
		return DTypeF64, fmt.Errorf("unknown dtype %q", s)
	}
}

// Round returns x after a round trip through d.
func (d DType) Round(x float64) float64 {
	switch d {
	case DTypeF32:
		return float64(float32(x))
	case DTypeBF16:
		return float64(bfloat16.ToFloat32(bfloat16.FromFloat32(float32(x))))
	case DTypeF16:
		return float64(float16.Fromfloat32(float32(x)).Float32())
	default:
		return x
	}
}

// MaskValue returns the masking bias representable in d. float16 cannot hold
// MaskValue so its most negative finite value is used instead.
func (d DType) MaskValue() float64 {
	if d == DTypeF16 {
		return float64(float16.Fromfloat32(-65504).Float32())
	}
	return MaskValue
}

// Quantize rounds every element of m through d in place.
func Quantize(m *mat.Dense, d DType) {
	if d == DTypeF64 || m == nil {
		return
	}

	m.Apply(func(_, _ int, v float64) float64 {
		return d.Round(v)
	}, m)
}

type DumpOptions struct {
	// Items is the number of elements to print at the beginning and end of each dimension.
	Items int

	// Precision is the number of decimal places to print.
	Precision int
}

// Dump formats a matrix, eliding the middle of long rows and columns.
func Dump(m mat.Matrix, opts ...DumpOptions) string {
	if len(opts) < 1 {
		opts = append(opts, DumpOptions{
			Items:     3,
			Precision: 4,
		})
	}

	o := opts[0]
	rows, cols := m.Dims()

	var sb strings.Builder
	fmt.Fprint(&sb, "[")
	for i := 0; i < rows; i++ {
		if i >= o.Items && i < rows-o.Items {
			fmt.Fprint(&sb, "...,\n ")
			i = rows - o.Items - 1
			continue
		}

		fmt.Fprint(&sb, "[")
		for j := 0; j < cols; j++ {
			if j >= o.Items && j < cols-o.Items {
				fmt.Fprint(&sb, "..., ")
				j = cols - o.Items - 1
				continue
			}

			v := m.At(i, j)
			switch {
			case math.IsInf(v, 0), math.IsNaN(v):
				fmt.Fprint(&sb, v)
			default:
				fmt.Fprintf(&sb, "%.*f", o.Precision, v)
			}
			if j < cols-1 {
				fmt.Fprint(&sb, ", ")
			}
		}
		fmt.Fprint(&sb, "]")
		if i < rows-1 {
			fmt.Fprint(&sb, ",\n ")
		}
	}
	fmt.Fprint(&sb, "]")

	return sb.String()
}
