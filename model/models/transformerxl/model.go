// Package transformerxl implements a segment-recurrent transformer with
// relative positional attention and an adaptive embedding and softmax.
package transformerxl

import (
	"errors"
	"fmt"
	"math/rand"

	"github.com/mitchellh/mapstructure"
	"gonum.org/v1/gonum/mat"

	"github.com/jmorganca/txl/kvcache"
	"github.com/jmorganca/txl/ml"
	"github.com/jmorganca/txl/ml/nn"
	"github.com/jmorganca/txl/model"
	"github.com/jmorganca/txl/model/adaptive"
	"github.com/jmorganca/txl/model/input"
)

var ErrOptions = errors.New("invalid model options")

type Options struct {
	NumTokens int `mapstructure:"n_token"`
	NumLayers int `mapstructure:"n_layer"`
	DModel    int `mapstructure:"d_model"`
	DEmbed    int `mapstructure:"d_embed"`
	NumHeads  int `mapstructure:"n_head"`
	DHead     int `mapstructure:"d_head"`
	DInner    int `mapstructure:"d_inner"`

	MemLen     int  `mapstructure:"mem_len"`
	ClampLen   int  `mapstructure:"clamp_len"`
	SameLength bool `mapstructure:"same_length"`
	UntieR     bool `mapstructure:"untie_r"`

	// Cutoffs is the full partition [0, c1, ..., n_token]. Empty means a
	// single bucket.
	Cutoffs              []int `mapstructure:"cutoffs"`
	DivVal               int   `mapstructure:"div_val"`
	ProjShareAllButFirst bool  `mapstructure:"proj_share_all_but_first"`
	ProjSameDim          bool  `mapstructure:"proj_same_dim"`

	InitStd     float64 `mapstructure:"init_std"`
	ProjInitStd float64 `mapstructure:"proj_init_std"`
	Eps         float64 `mapstructure:"eps"`

	// Precision is the storage type of segment memory.
	Precision string `mapstructure:"precision"`

	// Static selects the permutation-driven adaptive strategy.
	Static bool `mapstructure:"static"`
}

func DefaultOptions() Options {
	return Options{
		NumLayers:   2,
		DModel:      16,
		DEmbed:      16,
		NumHeads:    2,
		DHead:       8,
		DInner:      32,
		MemLen:      16,
		ClampLen:    -1,
		DivVal:      1,
		ProjSameDim: true,
		InitStd:     0.02,
		ProjInitStd: 0.01,
		Eps:         1e-12,
		Precision:   "f64",
	}
}

// DecodeOptions overlays values from m, such as a [model] table of a
// config file, onto the defaults.
func DecodeOptions(m map[string]any) (Options, error) {
	opts := DefaultOptions()

	dec, err := mapstructure.NewDecoder(&mapstructure.DecoderConfig{
		Result:           &opts,
		WeaklyTypedInput: true,
		ErrorUnused:      true,
	})
	if err != nil {
		return Options{}, err
	}

	if err := dec.Decode(m); err != nil {
		return Options{}, fmt.Errorf("%w: %w", ErrOptions, err)
	}

	return opts, nil
}

// FullCutoffs returns the configured cutoffs, defaulting to one bucket.
func (o Options) FullCutoffs() model.Cutoffs {
	if len(o.Cutoffs) == 0 {
		return model.Cutoffs{0, o.NumTokens}
	}
	return model.Cutoffs(o.Cutoffs)
}

func (o Options) DType() (ml.DType, error) {
	return ml.ParseDType(o.Precision)
}

func (o Options) Validate() error {
	switch {
	case o.NumTokens < 1:
		return fmt.Errorf("%w: n_token must be positive", ErrOptions)
	case o.NumLayers < 1:
		return fmt.Errorf("%w: n_layer must be positive", ErrOptions)
	case o.DModel < 2 || o.DModel%2 != 0:
		return fmt.Errorf("%w: d_model must be a positive even number, got %d", ErrOptions, o.DModel)
	case o.NumHeads < 1 || o.DHead < 1:
		return fmt.Errorf("%w: n_head and d_head must be positive", ErrOptions)
	case o.DInner < 1:
		return fmt.Errorf("%w: d_inner must be positive", ErrOptions)
	case o.MemLen < 0:
		return fmt.Errorf("%w: mem_len must not be negative", ErrOptions)
	}

	if _, err := o.DType(); err != nil {
		return fmt.Errorf("%w: %w", ErrOptions, err)
	}

	return o.FullCutoffs().Validate(o.NumTokens)
}

type Layer struct {
	Attention   *nn.RelPartialAttention
	FeedForward *nn.FeedForward

	// Bias is shared by all layers unless untie_r is set.
	Bias nn.RelativeBias
}

type Model struct {
	Embedding *adaptive.Layer
	Layers    []Layer

	strategy adaptive.Strategy
	dtype    ml.DType

	*Options
}

var _ model.Predictor = (*Model)(nil)

// New initializes a model from opts. Parameters are drawn from rng so
// equal seeds give equal models.
func New(opts Options, rng *rand.Rand) (*Model, error) {
	if err := opts.Validate(); err != nil {
		return nil, err
	}

	dtype, _ := opts.DType()

	cutoffs := opts.FullCutoffs()
	tie := make([]bool, cutoffs.NumBuckets())
	if opts.ProjShareAllButFirst {
		for i := 1; i < len(tie); i++ {
			tie[i] = true
		}
	}

	emb, err := adaptive.New(adaptive.Options{
		NumTokens:   opts.NumTokens,
		DEmbed:      opts.DEmbed,
		DModel:      opts.DModel,
		DivVal:      opts.DivVal,
		Cutoffs:     cutoffs,
		TieProjs:    tie,
		ProjSameDim: opts.ProjSameDim,
		InitStd:     opts.InitStd,
		ProjInitStd: opts.ProjInitStd,
	}, rng)
	if err != nil {
		return nil, err
	}

	m := Model{
		Embedding: emb,
		Layers:    make([]Layer, opts.NumLayers),
		strategy:  adaptive.ForMode(opts.Static),
		dtype:     dtype,
		Options:   &opts,
	}

	hd := opts.NumHeads * opts.DHead
	shared := nn.NewRelativeBias(opts.NumHeads, opts.DHead, opts.InitStd, rng)
	for i := range m.Layers {
		bias := shared
		if opts.UntieR {
			bias = nn.NewRelativeBias(opts.NumHeads, opts.DHead, opts.InitStd, rng)
		}

		m.Layers[i] = Layer{
			Attention: &nn.RelPartialAttention{
				QKV:      nn.NewLinear(opts.DModel, 3*hd, false, opts.InitStd, rng),
				Position: nn.NewLinear(opts.DModel, hd, false, opts.InitStd, rng),
				Output:   nn.NewLinear(hd, opts.DModel, false, opts.InitStd, rng),
				Norm:     nn.NewLayerNorm(opts.DModel),
				NumHeads: opts.NumHeads,
				HeadDim:  opts.DHead,
			},
			FeedForward: &nn.FeedForward{
				Up:   nn.NewLinear(opts.DModel, opts.DInner, true, opts.InitStd, rng),
				Down: nn.NewLinear(opts.DInner, opts.DModel, true, opts.InitStd, rng),
				Norm: nn.NewLayerNorm(opts.DModel),
			},
			Bias: bias,
		}
	}

	return &m, nil
}

// NewMemory returns empty segment memory sized for m.
func (m *Model) NewMemory() *kvcache.Memory {
	return kvcache.NewMemory(m.NumLayers, m.MemLen, m.dtype)
}

// Forward runs one segment. Every layer attends over its memory from the
// previous segment, and the memory is then replaced by that layer's input.
func (m *Model) Forward(batch *input.Batch, cache kvcache.Cache) (model.Output, error) {
	hidden, _, err := m.run(batch, cache, false)
	if err != nil {
		return model.Output{}, err
	}

	loss, err := m.strategy.Loss(m.Embedding, batch, hidden)
	if err != nil {
		return model.Output{}, err
	}

	return model.Output{Hidden: hidden, Loss: loss}, nil
}

// Predict runs one segment like Forward and additionally returns the
// next-token distribution over the whole vocabulary and the attention
// probabilities of every layer.
func (m *Model) Predict(batch *input.Batch, cache kvcache.Cache) (*model.Prediction, error) {
	seen := cache.Tokens()

	hidden, attention, err := m.run(batch, cache, true)
	if err != nil {
		return nil, err
	}

	loss, err := m.strategy.Loss(m.Embedding, batch, hidden)
	if err != nil {
		return nil, err
	}

	p := &model.Prediction{
		Output:    model.Output{Hidden: hidden, Loss: loss},
		LogProbs:  make([]*mat.Dense, len(hidden)),
		Attention: attention,
		Context:   seen,
	}

	for r, h := range hidden {
		p.LogProbs[r] = m.Embedding.LogProbs(h)
	}

	return p, nil
}

// run embeds the batch and applies every layer, updating cache. The
// attention probabilities are collected when probs is set.
func (m *Model) run(batch *input.Batch, cache kvcache.Cache, probs bool) ([]*mat.Dense, [][][]*mat.Dense, error) {
	if err := batch.Validate(); err != nil {
		return nil, nil, err
	}

	rows, qlen := batch.Size()
	if n := cache.Rows(); n != 0 && n != rows {
		return nil, nil, fmt.Errorf("%w: memory holds %d rows, batch has %d", kvcache.ErrBatchSize, n, rows)
	}

	hidden := make([]*mat.Dense, rows)
	for r := range rows {
		h, err := m.strategy.Embed(m.Embedding, batch, r)
		if err != nil {
			return nil, nil, err
		}
		hidden[r] = h
	}

	mlen := cache.Len()
	pos := ml.PositionalEmbedding(mlen+qlen, m.DModel, m.ClampLen)
	mask := ml.AttentionMask(qlen, mlen, m.SameLength)
	maskValue := m.dtype.MaskValue()

	if err := cache.PutTokens(batch.Inputs); err != nil {
		return nil, nil, err
	}

	var attention [][][]*mat.Dense
	for i, layer := range m.Layers {
		mems := cache.Get(i)
		if err := cache.Put(i, hidden); err != nil {
			return nil, nil, err
		}

		next := make([]*mat.Dense, rows)
		heads := make([][]*mat.Dense, rows)
		for r, h := range hidden {
			var mem *mat.Dense
			if mems != nil {
				mem = mems[r]
			}

			if probs {
				h, heads[r] = layer.Attention.ForwardWithProbs(h, mem, pos, layer.Bias, mask, maskValue, m.Eps)
			} else {
				h = layer.Attention.Forward(h, mem, pos, layer.Bias, mask, maskValue, m.Eps)
			}
			next[r] = layer.FeedForward.Forward(h, m.Eps)
		}

		if probs {
			attention = append(attention, heads)
		}
		hidden = next
	}

	return hidden, attention, nil
}
