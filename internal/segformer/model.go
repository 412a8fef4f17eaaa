package segformer

import (
	"context"
	"errors"
	"fmt"
	"math/rand/v2"
	"runtime"
	"slices"
	"sort"
	"strings"
	"sync"

	"golang.org/x/sync/errgroup"

	"github.com/samcharles93/segformer/internal/tensor"
)

var ErrInput = errors.New("invalid input")

// ForwardOptions override the config's output switches for one call. Nil
// fields fall back to the config.
type ForwardOptions struct {
	OutputAttentions   *bool
	OutputHiddenStates *bool
}

// Bool returns a pointer to v, for filling ForwardOptions.
func Bool(v bool) *bool { return &v }

// EncoderOutput is the result of the bare encoder.
type EncoderOutput struct {
	// LastHiddenState is (B, C, h, w), or (B, h*w, C) when the config
	// disables ReshapeLastStage.
	LastHiddenState *tensor.Tensor
	// HiddenStates holds every stage output, shallowest first.
	HiddenStates []*tensor.Tensor
	// Attentions holds every layer's probabilities as (B, heads, N, M).
	Attentions []*tensor.Tensor
}

// Tuple returns the populated outputs in positional order.
func (o *EncoderOutput) Tuple() []any {
	return tuple(o.LastHiddenState, o.HiddenStates, o.Attentions)
}

// SegmentationOutput holds per-pixel logits at a quarter of the input size.
type SegmentationOutput struct {
	Logits       *tensor.Tensor
	HiddenStates []*tensor.Tensor
	Attentions   []*tensor.Tensor
}

// Tuple returns the populated outputs in positional order.
func (o *SegmentationOutput) Tuple() []any {
	return tuple(o.Logits, o.HiddenStates, o.Attentions)
}

// ClassificationOutput holds per-image logits (B, num_labels).
type ClassificationOutput struct {
	Logits       *tensor.Tensor
	HiddenStates []*tensor.Tensor
	Attentions   []*tensor.Tensor
}

// Tuple returns the populated outputs in positional order.
func (o *ClassificationOutput) Tuple() []any {
	return tuple(o.Logits, o.HiddenStates, o.Attentions)
}

func tuple(first *tensor.Tensor, hidden, attn []*tensor.Tensor) []any {
	out := []any{first}
	if hidden != nil {
		out = append(out, hidden)
	}
	if attn != nil {
		out = append(out, attn)
	}
	return out
}

// backbone owns the encoder and the state shared by every model flavour.
type backbone struct {
	cfg     Config
	Encoder *Encoder

	mu       sync.Mutex
	training bool
	rng      *rand.Rand
}

func (b *backbone) init(cfg Config) error {
	cfg = cfg.Clone()
	if err := cfg.Validate(); err != nil {
		return err
	}
	enc, err := newEncoder(&cfg)
	if err != nil {
		return err
	}
	b.cfg, b.Encoder, b.rng = cfg, enc, newRNG(0)
	return nil
}

func newRNG(seed int64) *rand.Rand {
	return rand.New(rand.NewPCG(uint64(seed), 0x5e6f0a3))
}

// Config returns a copy of the model configuration.
func (b *backbone) Config() Config {
	return b.cfg.Clone()
}

// SetTraining switches dropout and drop path on or off.
func (b *backbone) SetTraining(on bool) {
	b.mu.Lock()
	b.training = on
	b.mu.Unlock()
}

// Training reports whether the model is in training mode.
func (b *backbone) Training() bool {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.training
}

// Seed resets the generator behind dropout and drop path.
func (b *backbone) Seed(seed int64) {
	b.mu.Lock()
	b.rng = newRNG(seed)
	b.mu.Unlock()
}

func (b *backbone) resolve(opts ForwardOptions) (attn, hidden bool) {
	attn, hidden = b.cfg.OutputAttentions, b.cfg.OutputHiddenStates
	if opts.OutputAttentions != nil {
		attn = *opts.OutputAttentions
	}
	if opts.OutputHiddenStates != nil {
		hidden = *opts.OutputHiddenStates
	}
	return attn, hidden
}

// runStates hands every sample its own mode and generator so a batch gives the
// same result however its samples are scheduled.
func (b *backbone) runStates(n int) []*runState {
	b.mu.Lock()
	defer b.mu.Unlock()
	out := make([]*runState, n)
	for i := range out {
		out[i] = &runState{training: b.training}
		if b.training {
			out[i].rng = rand.New(rand.NewPCG(b.rng.Uint64(), b.rng.Uint64()))
		}
	}
	return out
}

func (b *backbone) checkInput(pixels *tensor.Tensor) error {
	if pixels == nil || pixels.Rank() != 4 {
		var shape []int
		if pixels != nil {
			shape = pixels.Shape
		}
		return fmt.Errorf("segformer: %w: pixel values must be (B, C, H, W), got %v", ErrInput, shape)
	}
	if c := pixels.Dim(1); c != b.cfg.NumChannels {
		return fmt.Errorf("segformer: %w: got %d channels, config has %d", ErrInput, c, b.cfg.NumChannels)
	}
	if pixels.Dim(0) == 0 || pixels.Dim(2) == 0 || pixels.Dim(3) == 0 {
		return fmt.Errorf("segformer: %w: empty batch %v", ErrInput, pixels.Shape)
	}
	return nil
}

// encode runs the encoder over every sample of the batch concurrently and
// then calls post, also concurrently, on each sample's result.
func (b *backbone) encode(ctx context.Context, pixels *tensor.Tensor, wantAttn bool, post func(i int, out *sampleOutput, rs *runState) error) ([]*sampleOutput, error) {
	if err := b.checkInput(pixels); err != nil {
		return nil, err
	}
	n, c, h, w := pixels.Dim(0), pixels.Dim(1), pixels.Dim(2), pixels.Dim(3)
	states := b.runStates(n)
	outs := make([]*sampleOutput, n)

	g, gctx := errgroup.WithContext(ctx)
	g.SetLimit(max(1, min(n, runtime.GOMAXPROCS(0))))
	for i := range n {
		g.Go(func() error {
			if err := gctx.Err(); err != nil {
				return err
			}
			img := tensor.FeatureMapFrom(c, h, w, pixels.Sample(i))
			out, err := b.Encoder.forward(&img, states[i], wantAttn)
			if err != nil {
				return fmt.Errorf("segformer: sample %d: %w", i, err)
			}
			outs[i] = out
			if post != nil {
				return post(i, out, states[i])
			}
			return nil
		})
	}
	if err := g.Wait(); err != nil {
		return nil, err
	}
	return outs, nil
}

// stack joins one feature map per sample into a (B, C, H, W) tensor.
func stack(maps []tensor.FeatureMap) *tensor.Tensor {
	first := maps[0]
	t := tensor.New(len(maps), first.C, first.H, first.W)
	for i, fm := range maps {
		copy(t.Sample(i), fm.Data)
	}
	return t
}

// stackTokens joins one feature map per sample into a (B, H*W, C) tensor.
func stackTokens(maps []tensor.FeatureMap) *tensor.Tensor {
	first := maps[0]
	t := tensor.New(len(maps), first.H*first.W, first.C)
	for i, fm := range maps {
		tokens := fm.Tokens()
		copy(t.Sample(i), tokens.Data)
	}
	return t
}

func (b *backbone) stageTensor(outs []*sampleOutput, stage int) *tensor.Tensor {
	maps := make([]tensor.FeatureMap, len(outs))
	for i, o := range outs {
		maps[i] = o.stages[stage]
	}
	if stage == len(b.Encoder.Stages)-1 && !b.cfg.ReshapeLastStage {
		return stackTokens(maps)
	}
	return stack(maps)
}

func (b *backbone) hiddenStates(outs []*sampleOutput) []*tensor.Tensor {
	hs := make([]*tensor.Tensor, len(b.Encoder.Stages))
	for s := range hs {
		hs[s] = b.stageTensor(outs, s)
	}
	return hs
}

func attentions(outs []*sampleOutput) []*tensor.Tensor {
	if len(outs[0].probs) == 0 {
		return nil
	}
	attn := make([]*tensor.Tensor, len(outs[0].probs))
	for l := range attn {
		t := tensor.New(append([]int{len(outs)}, outs[0].shapes[l]...)...)
		for i, o := range outs {
			copy(t.Sample(i), o.probs[l])
		}
		attn[l] = t
	}
	return attn
}

// extras collects the optional outputs. Attention outputs are non-nil but
// possibly empty when requested on a model without layers.
func (b *backbone) extras(outs []*sampleOutput, wantAttn, wantHidden bool) (hidden, attn []*tensor.Tensor) {
	if wantHidden {
		hidden = b.hiddenStates(outs)
	}
	if wantAttn {
		attn = attentions(outs)
		if attn == nil {
			attn = []*tensor.Tensor{}
		}
	}
	return hidden, attn
}

// Model is the bare encoder producing hidden states.
type Model struct {
	backbone
}

// New builds an encoder with freshly initialised weights.
func New(cfg Config) (*Model, error) {
	m := &Model{}
	if err := m.init(cfg); err != nil {
		return nil, err
	}
	initParams(m, cfg.InitializerRange, newRNG(0))
	return m, nil
}

func (m *Model) Params(prefix string, visit func(string, *tensor.Tensor)) {
	m.Encoder.Params(join(prefix, "encoder"), visit)
}

// Forward encodes pixel values shaped (B, C, H, W).
func (m *Model) Forward(ctx context.Context, pixels *tensor.Tensor, opts ForwardOptions) (*EncoderOutput, error) {
	wantAttn, wantHidden := m.resolve(opts)
	outs, err := m.encode(ctx, pixels, wantAttn, nil)
	if err != nil {
		return nil, err
	}
	out := &EncoderOutput{LastHiddenState: m.stageTensor(outs, len(m.Encoder.Stages)-1)}
	out.HiddenStates, out.Attentions = m.extras(outs, wantAttn, wantHidden)
	return out, nil
}

// SemanticSegmentation is the encoder with the all-MLP decode head.
type SemanticSegmentation struct {
	backbone
	DecodeHead *DecodeHead
}

// NewSemanticSegmentation builds a segmentation model with freshly
// initialised weights.
func NewSemanticSegmentation(cfg Config) (*SemanticSegmentation, error) {
	m := &SemanticSegmentation{}
	if err := m.init(cfg); err != nil {
		return nil, err
	}
	m.DecodeHead = newDecodeHead(&m.cfg)
	initParams(m, cfg.InitializerRange, newRNG(0))
	return m, nil
}

func (m *SemanticSegmentation) Params(prefix string, visit func(string, *tensor.Tensor)) {
	m.Encoder.Params(join(prefix, "segformer.encoder"), visit)
	m.DecodeHead.Params(join(prefix, "decode_head"), visit)
}

// Forward returns logits shaped (B, num_labels, h, w) at the first stage's
// resolution.
func (m *SemanticSegmentation) Forward(ctx context.Context, pixels *tensor.Tensor, opts ForwardOptions) (*SegmentationOutput, error) {
	if err := m.checkInput(pixels); err != nil {
		return nil, err
	}
	wantAttn, wantHidden := m.resolve(opts)
	logits := make([]tensor.FeatureMap, pixels.Dim(0))
	outs, err := m.encode(ctx, pixels, wantAttn, func(i int, out *sampleOutput, rs *runState) error {
		fm, err := m.DecodeHead.Forward(out.stages, rs)
		if err != nil {
			return fmt.Errorf("segformer: sample %d: %w", i, err)
		}
		logits[i] = fm
		return nil
	})
	if err != nil {
		return nil, err
	}
	res := &SegmentationOutput{Logits: stack(logits)}
	res.HiddenStates, res.Attentions = m.extras(outs, wantAttn, wantHidden)
	return res, nil
}

// Size is an output resolution in pixels.
type Size struct {
	Height, Width int
}

// ClassMap is a per-pixel class id map stored row by row.
type ClassMap struct {
	Width, Height int
	Classes       []int
}

// Segment runs the model and turns the logits of every sample into a class
// map. Logits are bilinearly resized to targets[i] first; a nil targets keeps
// the logit resolution.
func (m *SemanticSegmentation) Segment(ctx context.Context, pixels *tensor.Tensor, targets []Size) ([]ClassMap, error) {
	out, err := m.Forward(ctx, pixels, ForwardOptions{OutputAttentions: Bool(false), OutputHiddenStates: Bool(false)})
	if err != nil {
		return nil, err
	}
	return PostProcess(out.Logits, targets)
}

// PostProcess converts (B, L, h, w) logits into class maps, resizing sample i
// to targets[i] when targets is non-nil.
func PostProcess(logits *tensor.Tensor, targets []Size) ([]ClassMap, error) {
	if logits.Rank() != 4 {
		return nil, fmt.Errorf("segformer: %w: logits must be rank 4, got %v", ErrInput, logits.Shape)
	}
	n, l, h, w := logits.Dim(0), logits.Dim(1), logits.Dim(2), logits.Dim(3)
	if targets != nil && len(targets) != n {
		return nil, fmt.Errorf("segformer: %w: %d target sizes for %d samples", ErrInput, len(targets), n)
	}
	maps := make([]ClassMap, n)
	for i := range maps {
		fm := tensor.FeatureMapFrom(l, h, w, logits.Sample(i))
		if targets != nil && (targets[i].Height != h || targets[i].Width != w) {
			if targets[i].Height <= 0 || targets[i].Width <= 0 {
				return nil, fmt.Errorf("segformer: %w: target size %dx%d", ErrInput, targets[i].Width, targets[i].Height)
			}
			fm = tensor.ResizeBilinear(&fm, targets[i].Height, targets[i].Width)
		}
		maps[i] = ClassMap{Width: fm.W, Height: fm.H, Classes: tensor.ArgmaxChannels(&fm)}
	}
	return maps, nil
}

// ImageClassification is the encoder with a linear head over the mean of
// the final stage tokens.
type ImageClassification struct {
	backbone
	Classifier *Linear
}

// NewImageClassification builds a classifier with freshly initialised weights.
func NewImageClassification(cfg Config) (*ImageClassification, error) {
	m := &ImageClassification{}
	if err := m.init(cfg); err != nil {
		return nil, err
	}
	m.Classifier = newLinear(cfg.HiddenSizes[len(cfg.HiddenSizes)-1], m.cfg.NumLabels())
	initParams(m, cfg.InitializerRange, newRNG(0))
	return m, nil
}

func (m *ImageClassification) Params(prefix string, visit func(string, *tensor.Tensor)) {
	m.Encoder.Params(join(prefix, "segformer.encoder"), visit)
	m.Classifier.Params(join(prefix, "classifier"), visit)
}

// Forward returns logits shaped (B, num_labels).
func (m *ImageClassification) Forward(ctx context.Context, pixels *tensor.Tensor, opts ForwardOptions) (*ClassificationOutput, error) {
	wantAttn, wantHidden := m.resolve(opts)
	outs, err := m.encode(ctx, pixels, wantAttn, nil)
	if err != nil {
		return nil, err
	}
	last := len(m.Encoder.Stages) - 1
	c := m.cfg.HiddenSizes[last]
	pooled := tensor.NewMat(len(outs), c)
	for i, o := range outs {
		fm := o.stages[last]
		row := pooled.Row(i)
		hw := fm.H * fm.W
		for ch := 0; ch < c; ch++ {
			var sum float32
			for _, v := range fm.Plane(ch) {
				sum += v
			}
			row[ch] = sum / float32(hw)
		}
	}
	logits := m.Classifier.Forward(&pooled)
	res := &ClassificationOutput{Logits: &tensor.Tensor{Shape: []int{logits.R, logits.C}, Data: logits.Data}}
	res.HiddenStates, res.Attentions = m.extras(outs, wantAttn, wantHidden)
	return res, nil
}

// LoadReport lists the keys that did not line up during LoadStateDict.
type LoadReport struct {
	Missing    []string
	Unexpected []string
	Mismatched []string
}

// Clean reports whether every key matched.
func (r LoadReport) Clean() bool {
	return len(r.Missing) == 0 && len(r.Unexpected) == 0 && len(r.Mismatched) == 0
}

func (r LoadReport) String() string {
	var parts []string
	add := func(label string, keys []string) {
		if len(keys) == 0 {
			return
		}
		shown := keys
		if len(shown) > 5 {
			shown = shown[:5]
		}
		parts = append(parts, fmt.Sprintf("%d %s (%s)", len(keys), label, strings.Join(shown, ", ")))
	}
	add("missing", r.Missing)
	add("unexpected", r.Unexpected)
	add("mismatched", r.Mismatched)
	if len(parts) == 0 {
		return "all keys matched"
	}
	return strings.Join(parts, "; ")
}

var ErrStateDict = errors.New("state dict does not match model")

// LoadStateDict copies the tensors of sd into m. BatchNorm step counters are
// ignored. In strict mode any missing, unexpected or mismatched key is an
// error and m is left unchanged.
func LoadStateDict(m Module, sd map[string]*tensor.Tensor, strict bool) (LoadReport, error) {
	var rep LoadReport
	seen := make(map[string]bool, len(sd))
	type pending struct {
		dst *tensor.Tensor
		src *tensor.Tensor
	}
	var copies []pending
	m.Params("", func(name string, t *tensor.Tensor) {
		src, ok := sd[name]
		if !ok {
			rep.Missing = append(rep.Missing, name)
			return
		}
		seen[name] = true
		if !slices.Equal(src.Shape, t.Shape) {
			rep.Mismatched = append(rep.Mismatched, fmt.Sprintf("%s: checkpoint %v, model %v", name, src.Shape, t.Shape))
			return
		}
		copies = append(copies, pending{dst: t, src: src})
	})
	for name := range sd {
		if !seen[name] && !strings.HasSuffix(name, "num_batches_tracked") {
			rep.Unexpected = append(rep.Unexpected, name)
		}
	}
	sort.Strings(rep.Missing)
	sort.Strings(rep.Unexpected)
	sort.Strings(rep.Mismatched)

	if strict && !rep.Clean() {
		return rep, fmt.Errorf("segformer: %w: %s", ErrStateDict, rep)
	}
	for _, c := range copies {
		copy(c.dst.Data, c.src.Data)
	}
	return rep, nil
}

// StateDict returns a copy of every parameter of m keyed by checkpoint name.
func StateDict(m Module) map[string]*tensor.Tensor {
	out := make(map[string]*tensor.Tensor)
	m.Params("", func(name string, t *tensor.Tensor) {
		out[name] = t.Clone()
	})
	return out
}

// NumParams counts the parameters and buffers of m.
func NumParams(m Module) int {
	n := 0
	m.Params("", func(_ string, t *tensor.Tensor) {
		n += t.Len()
	})
	return n
}
