package segformer

import (
	"context"
	"errors"
	"math"
	"math/rand/v2"
	"slices"
	"strings"
	"testing"

	"github.com/google/go-cmp/cmp"

	"github.com/samcharles93/segformer/internal/checkpoint"
	"github.com/samcharles93/segformer/internal/tensor"
)

// tinyConfig is a four-stage network small enough to run in tests.
func tinyConfig() Config {
	cfg := DefaultConfig()
	cfg.HiddenSizes = []int{8, 16, 24, 32}
	cfg.NumAttentionHeads = []int{1, 2, 3, 4}
	cfg.DecoderHiddenSize = 16
	cfg.ImageSize = 64
	cfg.SetLabels([]string{"sky", "road", "tree"})
	return cfg
}

func randomPixels(seed uint64, shape ...int) *tensor.Tensor {
	x := tensor.New(shape...)
	tensor.FillNormal(x.Data, rand.New(rand.NewPCG(seed, 1)), 0, 1)
	return x
}

func TestConfigRejectsIndivisibleHeads(t *testing.T) {
	t.Parallel()
	cfg := tinyConfig()
	cfg.HiddenSizes[1] = 63
	err := cfg.Validate()
	if !errors.Is(err, ErrInvalidConfig) {
		t.Fatalf("Validate = %v, want ErrInvalidConfig", err)
	}
	if !strings.Contains(err.Error(), "hidden size (63)") || !strings.Contains(err.Error(), "attention heads (2)") {
		t.Fatalf("error does not name sizes: %v", err)
	}
	if _, err := NewSemanticSegmentation(cfg); !errors.Is(err, ErrInvalidConfig) {
		t.Fatalf("NewSemanticSegmentation = %v, want ErrInvalidConfig", err)
	}
}

func TestConfigValidation(t *testing.T) {
	t.Parallel()
	cases := map[string]func(*Config){
		"short list":      func(c *Config) { c.Depths = c.Depths[:3] },
		"bad activation":  func(c *Config) { c.HiddenAct = "tanhshrink" },
		"drop path of 1":  func(c *Config) { c.DropPathRate = 1 },
		"zero stride":     func(c *Config) { c.Strides[2] = 0 },
		"bad label id":    func(c *Config) { c.ID2Label["x"] = "x" },
		"no decoder size": func(c *Config) { c.DecoderHiddenSize = 0 },
	}
	for name, mutate := range cases {
		t.Run(name, func(t *testing.T) {
			t.Parallel()
			cfg := tinyConfig()
			mutate(&cfg)
			if err := cfg.Validate(); !errors.Is(err, ErrInvalidConfig) {
				t.Fatalf("Validate = %v", err)
			}
		})
	}
	cfg := tinyConfig()
	if err := cfg.Validate(); err != nil {
		t.Fatalf("tiny config invalid: %v", err)
	}
}

func TestVariants(t *testing.T) {
	t.Parallel()
	for _, name := range []string{"b0", "b1", "mit-b2", "B3", "b4", "b5"} {
		cfg, err := Variant(name)
		if err != nil {
			t.Fatalf("Variant(%q): %v", name, err)
		}
		if err := cfg.Validate(); err != nil {
			t.Fatalf("Variant(%q) invalid: %v", name, err)
		}
	}
	b5, _ := Variant("b5")
	if diff := cmp.Diff([]int{3, 6, 40, 3}, b5.Depths); diff != "" {
		t.Fatalf("b5 depths (-want +got):\n%s", diff)
	}
	if _, err := Variant("b9"); !errors.Is(err, ErrInvalidConfig) {
		t.Fatalf("Variant(b9) = %v", err)
	}
}

func TestConfigSaveLoad(t *testing.T) {
	t.Parallel()
	cfg := tinyConfig()
	path := t.TempDir() + "/config.json"
	if err := cfg.Save(path); err != nil {
		t.Fatalf("Save: %v", err)
	}
	got, err := LoadConfig(path)
	if err != nil {
		t.Fatalf("LoadConfig: %v", err)
	}
	if diff := cmp.Diff(cfg, got); diff != "" {
		t.Fatalf("config round trip (-want +got):\n%s", diff)
	}
	if diff := cmp.Diff([]string{"sky", "road", "tree"}, got.Labels()); diff != "" {
		t.Fatalf("labels (-want +got):\n%s", diff)
	}
}

func TestDropPathRates(t *testing.T) {
	t.Parallel()
	cfg := tinyConfig()
	cfg.Depths = []int{1, 1, 1, 2}
	cfg.DropPathRate = 0.3
	got := cfg.DropPathRates()
	if len(got) != 5 {
		t.Fatalf("got %d rates", len(got))
	}
	for i, r := range []float64{0, 0.075, 0.15, 0.225, 0.3} {
		if math.Abs(got[i]-r) > 1e-12 {
			t.Fatalf("rate %d = %g, want %g", i, got[i], r)
		}
	}
}

func TestPatchEmbeddingsDims(t *testing.T) {
	t.Parallel()
	cases := []struct {
		patch, stride, in, hidden, size int
	}{
		{7, 4, 3, 8, 64},
		{3, 2, 8, 16, 16},
		{3, 2, 16, 24, 8},
	}
	rng := rand.New(rand.NewPCG(3, 3))
	for _, tc := range cases {
		p := newPatchEmbeddings(tc.patch, tc.stride, tc.in, tc.hidden)
		initParams(p, 0.02, rng)
		x := tensor.NewFeatureMap(tc.in, tc.size, tc.size)
		tensor.FillNormal(x.Data, rng, 0, 1)
		tokens, h, w, err := p.Forward(&x)
		if err != nil {
			t.Fatalf("Forward: %v", err)
		}
		want := tc.size / tc.stride
		if h != want || w != want {
			t.Fatalf("patch %d stride %d: grid %dx%d, want %dx%d", tc.patch, tc.stride, h, w, want, want)
		}
		if tokens.R != want*want || tokens.C != tc.hidden {
			t.Fatalf("tokens %dx%d, want %dx%d", tokens.R, tokens.C, want*want, tc.hidden)
		}
		if oh, ow := p.OutputSize(tc.size, tc.size); oh != h || ow != w {
			t.Fatalf("OutputSize = %dx%d, Forward gave %dx%d", oh, ow, h, w)
		}
	}
}

func TestAttentionPreservesShape(t *testing.T) {
	t.Parallel()
	cfg := tinyConfig()
	const hidden, heads, side = 16, 2, 8
	for _, sr := range []int{1, 2, 4, 8} {
		a := newEfficientSelfAttention(hidden, heads, sr, &cfg)
		initParams(a, 0.02, rand.New(rand.NewPCG(uint64(sr), 0)))
		x := tensor.NewMat(side*side, hidden)
		tensor.FillRand(&x, int64(sr))

		m := a.ReducedLen(side, side)
		probs := make([]float32, heads*side*side*m)
		out, err := a.Forward(&x, side, side, &runState{}, probs)
		if err != nil {
			t.Fatalf("sr %d: %v", sr, err)
		}
		if out.R != x.R || out.C != x.C {
			t.Fatalf("sr %d: output %dx%d, want %dx%d", sr, out.R, out.C, x.R, x.C)
		}
		if want := (side / sr) * (side / sr); m != want {
			t.Fatalf("sr %d: %d key tokens, want %d", sr, m, want)
		}
		for row := 0; row < heads*side*side; row++ {
			var sum float64
			for _, p := range probs[row*m : (row+1)*m] {
				sum += float64(p)
			}
			if math.Abs(sum-1) > 1e-4 {
				t.Fatalf("sr %d: probability row %d sums to %g", sr, row, sum)
			}
		}
	}
}

// naiveAttention computes spatial-reduction attention one output element at
// a time in float64.
func naiveAttention(a *EfficientSelfAttention, x *tensor.Mat, h, w int) []float64 {
	c := x.C
	linear := func(l *Linear, in []float64, rows int) []float64 {
		out := make([]float64, rows*c)
		for r := 0; r < rows; r++ {
			for o := 0; o < c; o++ {
				s := float64(l.Bias.Data[o])
				for i := 0; i < c; i++ {
					s += float64(l.Weight.Data[o*c+i]) * in[r*c+i]
				}
				out[r*c+o] = s
			}
		}
		return out
	}
	src := make([]float64, len(x.Data))
	for i, v := range x.Data {
		src[i] = float64(v)
	}

	kvSrc, m := src, h*w
	if a.SR != nil {
		sr := a.SRRatio
		oh, ow := h/sr, w/sr
		m = oh * ow
		kvSrc = make([]float64, m*c)
		for oy := 0; oy < oh; oy++ {
			for ox := 0; ox < ow; ox++ {
				tok := oy*ow + ox
				for co := 0; co < c; co++ {
					s := float64(a.SR.Bias.Data[co])
					for ci := 0; ci < c; ci++ {
						for ky := 0; ky < sr; ky++ {
							for kx := 0; kx < sr; kx++ {
								wt := a.SR.Weight.Data[((co*c+ci)*sr+ky)*sr+kx]
								s += float64(wt) * src[((oy*sr+ky)*w+ox*sr+kx)*c+ci]
							}
						}
					}
					kvSrc[tok*c+co] = s
				}
				row := kvSrc[tok*c : (tok+1)*c]
				var mean, variance float64
				for _, v := range row {
					mean += v
				}
				mean /= float64(c)
				for _, v := range row {
					variance += (v - mean) * (v - mean)
				}
				variance /= float64(c)
				for i, v := range row {
					norm := (v - mean) / math.Sqrt(variance+float64(a.LayerNorm.Eps))
					row[i] = norm*float64(a.LayerNorm.Weight.Data[i]) + float64(a.LayerNorm.Bias.Data[i])
				}
			}
		}
	}

	n := h * w
	q := linear(a.Query, src, n)
	k := linear(a.Key, kvSrc, m)
	v := linear(a.Value, kvSrc, m)
	dh := c / a.Heads
	ctx := make([]float64, n*c)
	for hd := 0; hd < a.Heads; hd++ {
		for i := 0; i < n; i++ {
			scores := make([]float64, m)
			peak := math.Inf(-1)
			for j := 0; j < m; j++ {
				var dot float64
				for d := hd * dh; d < (hd+1)*dh; d++ {
					dot += q[i*c+d] * k[j*c+d]
				}
				scores[j] = dot / math.Sqrt(float64(dh))
				peak = math.Max(peak, scores[j])
			}
			var total float64
			for j := range scores {
				scores[j] = math.Exp(scores[j] - peak)
				total += scores[j]
			}
			for d := hd * dh; d < (hd+1)*dh; d++ {
				var s float64
				for j := 0; j < m; j++ {
					s += scores[j] / total * v[j*c+d]
				}
				ctx[i*c+d] = s
			}
		}
	}
	return linear(a.Output, ctx, n)
}

func TestAttentionMatchesNaiveReference(t *testing.T) {
	t.Parallel()
	cfg := tinyConfig()
	const hidden, heads, side = 8, 2, 6
	for _, sr := range []int{1, 2} {
		a := newEfficientSelfAttention(hidden, heads, sr, &cfg)
		rng := rand.New(rand.NewPCG(11, uint64(sr)))
		a.Params("", func(_ string, p *tensor.Tensor) {
			tensor.FillNormal(p.Data, rng, 0, 0.3)
		})
		x := tensor.NewMat(side*side, hidden)
		tensor.FillNormal(x.Data, rng, 0, 1)

		got, err := a.Forward(&x, side, side, &runState{}, nil)
		if err != nil {
			t.Fatalf("sr %d: %v", sr, err)
		}
		want := naiveAttention(a, &x, side, side)
		for i, g := range got.Data {
			if d := math.Abs(float64(g) - want[i]); d > 1e-4*(1+math.Abs(want[i])) {
				t.Fatalf("sr %d: element %d = %g, reference %g", sr, i, g, want[i])
			}
		}
	}
}

func TestMixFFNShape(t *testing.T) {
	t.Parallel()
	f := newMixFFN(8, 32, tensor.GELU, 0)
	initParams(f, 0.02, rand.New(rand.NewPCG(5, 5)))
	x := tensor.NewMat(6*4, 8)
	tensor.FillRand(&x, 5)
	out, err := f.Forward(&x, 6, 4, &runState{})
	if err != nil {
		t.Fatalf("Forward: %v", err)
	}
	if out.R != 24 || out.C != 8 {
		t.Fatalf("output %dx%d", out.R, out.C)
	}
}

func TestDropPathIdentity(t *testing.T) {
	t.Parallel()
	x := []float32{1.5, -2, float32(math.Pi), 1e-30}
	want := slices.Clone(x)
	states := map[string]struct {
		p  float64
		rs *runState
	}{
		"eval":        {0.5, &runState{}},
		"zero rate":   {0, &runState{training: true, rng: rand.New(rand.NewPCG(1, 1))}},
		"no state":    {0.9, nil},
		"eval, p=0.0": {0, &runState{}},
	}
	for name, s := range states {
		got := DropPath{Prob: s.p}.Apply(x, s.rs)
		if &got[0] != &x[0] {
			t.Fatalf("%s: result does not share the input", name)
		}
		for i := range want {
			if math.Float32bits(got[i]) != math.Float32bits(want[i]) {
				t.Fatalf("%s: element %d changed from %v to %v", name, i, want[i], got[i])
			}
		}
	}
}

func TestDropPathTraining(t *testing.T) {
	t.Parallel()
	rs := &runState{training: true, rng: rand.New(rand.NewPCG(9, 9))}
	dropped, kept := 0, 0
	for range 200 {
		x := []float32{1, 2, 3}
		DropPath{Prob: 0.5}.Apply(x, rs)
		switch {
		case x[0] == 0 && x[1] == 0 && x[2] == 0:
			dropped++
		case x[0] == 2 && x[1] == 4 && x[2] == 6:
			kept++
		default:
			t.Fatalf("branch partially dropped: %v", x)
		}
	}
	if dropped == 0 || kept == 0 {
		t.Fatalf("dropped %d kept %d of 200", dropped, kept)
	}
}

func TestEncoderEndToEnd(t *testing.T) {
	t.Parallel()
	cfg := tinyConfig()
	m, err := New(cfg)
	if err != nil {
		t.Fatalf("New: %v", err)
	}
	pixels := tensor.New(2, 3, cfg.ImageSize, cfg.ImageSize)
	out, err := m.Forward(context.Background(), pixels, ForwardOptions{
		OutputAttentions:   Bool(true),
		OutputHiddenStates: Bool(true),
	})
	if err != nil {
		t.Fatalf("Forward: %v", err)
	}
	side := cfg.ImageSize / cfg.OutputStride()
	if diff := cmp.Diff([]int{2, 32, side, side}, out.LastHiddenState.Shape); diff != "" {
		t.Fatalf("last hidden state (-want +got):\n%s", diff)
	}
	wantStages := [][]int{{2, 8, 16, 16}, {2, 16, 8, 8}, {2, 24, 4, 4}, {2, 32, 2, 2}}
	if len(out.HiddenStates) != 4 {
		t.Fatalf("%d hidden states", len(out.HiddenStates))
	}
	for i, hs := range out.HiddenStates {
		if diff := cmp.Diff(wantStages[i], hs.Shape); diff != "" {
			t.Errorf("stage %d (-want +got):\n%s", i, diff)
		}
	}
	if len(out.Attentions) != 8 {
		t.Fatalf("%d attention maps, want 8", len(out.Attentions))
	}
	if diff := cmp.Diff([]int{2, 1, 256, 4}, out.Attentions[0].Shape); diff != "" {
		t.Errorf("first attention (-want +got):\n%s", diff)
	}
	if diff := cmp.Diff([]int{2, 4, 4, 4}, out.Attentions[7].Shape); diff != "" {
		t.Errorf("last attention (-want +got):\n%s", diff)
	}
	if !tensor.AllFinite(out.LastHiddenState.Data) {
		t.Fatal("non-finite hidden state")
	}
	if got := len(out.Tuple()); got != 3 {
		t.Fatalf("tuple has %d entries", got)
	}
}

func TestForwardOptionsDefaultToConfig(t *testing.T) {
	t.Parallel()
	cfg := tinyConfig()
	cfg.OutputHiddenStates = true
	m, err := New(cfg)
	if err != nil {
		t.Fatalf("New: %v", err)
	}
	out, err := m.Forward(context.Background(), tensor.New(1, 3, 32, 32), ForwardOptions{})
	if err != nil {
		t.Fatalf("Forward: %v", err)
	}
	if out.Attentions != nil || len(out.HiddenStates) != 4 {
		t.Fatalf("attentions %v, %d hidden states", out.Attentions != nil, len(out.HiddenStates))
	}
	if len(out.Tuple()) != 2 {
		t.Fatalf("tuple has %d entries", len(out.Tuple()))
	}
}

func TestLastStageWithoutReshape(t *testing.T) {
	t.Parallel()
	cfg := tinyConfig()
	cfg.ReshapeLastStage = false
	m, err := New(cfg)
	if err != nil {
		t.Fatalf("New: %v", err)
	}
	out, err := m.Forward(context.Background(), tensor.New(1, 3, 64, 64), ForwardOptions{})
	if err != nil {
		t.Fatalf("Forward: %v", err)
	}
	if diff := cmp.Diff([]int{1, 4, 32}, out.LastHiddenState.Shape); diff != "" {
		t.Fatalf("last hidden state (-want +got):\n%s", diff)
	}
}

func TestForwardRejectsBadInput(t *testing.T) {
	t.Parallel()
	m, err := New(tinyConfig())
	if err != nil {
		t.Fatalf("New: %v", err)
	}
	for _, x := range []*tensor.Tensor{nil, tensor.New(3, 64, 64), tensor.New(1, 1, 64, 64)} {
		if _, err := m.Forward(context.Background(), x, ForwardOptions{}); !errors.Is(err, ErrInput) {
			t.Fatalf("Forward(%v) = %v", x, err)
		}
	}
}

func TestForwardHonoursCancellation(t *testing.T) {
	t.Parallel()
	m, err := New(tinyConfig())
	if err != nil {
		t.Fatalf("New: %v", err)
	}
	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	if _, err := m.Forward(ctx, tensor.New(2, 3, 32, 32), ForwardOptions{}); !errors.Is(err, context.Canceled) {
		t.Fatalf("Forward = %v, want context.Canceled", err)
	}
}

func TestSemanticSegmentation(t *testing.T) {
	t.Parallel()
	cfg := tinyConfig()
	m, err := NewSemanticSegmentation(cfg)
	if err != nil {
		t.Fatalf("NewSemanticSegmentation: %v", err)
	}
	pixels := randomPixels(1, 2, 3, 64, 64)
	out, err := m.Forward(context.Background(), pixels, ForwardOptions{})
	if err != nil {
		t.Fatalf("Forward: %v", err)
	}
	if diff := cmp.Diff([]int{2, 3, 16, 16}, out.Logits.Shape); diff != "" {
		t.Fatalf("logits (-want +got):\n%s", diff)
	}
	if !tensor.AllFinite(out.Logits.Data) {
		t.Fatal("non-finite logits")
	}

	maps, err := m.Segment(context.Background(), pixels, []Size{{64, 64}, {16, 16}})
	if err != nil {
		t.Fatalf("Segment: %v", err)
	}
	if maps[0].Width != 64 || len(maps[0].Classes) != 64*64 || maps[1].Height != 16 {
		t.Fatalf("class maps %dx%d and %dx%d", maps[0].Width, maps[0].Height, maps[1].Width, maps[1].Height)
	}
	for _, c := range maps[0].Classes {
		if c < 0 || c >= 3 {
			t.Fatalf("class %d out of range", c)
		}
	}
	if _, err := m.Segment(context.Background(), pixels, []Size{{64, 64}}); !errors.Is(err, ErrInput) {
		t.Fatalf("Segment with one target for two samples = %v", err)
	}
}

func TestBatchMatchesSingleSamples(t *testing.T) {
	t.Parallel()
	m, err := NewSemanticSegmentation(tinyConfig())
	if err != nil {
		t.Fatalf("NewSemanticSegmentation: %v", err)
	}
	batch := randomPixels(2, 3, 3, 32, 32)
	out, err := m.Forward(context.Background(), batch, ForwardOptions{})
	if err != nil {
		t.Fatalf("Forward: %v", err)
	}
	for i := range 3 {
		one, _ := tensor.FromData(slices.Clone(batch.Sample(i)), 1, 3, 32, 32)
		single, err := m.Forward(context.Background(), one, ForwardOptions{})
		if err != nil {
			t.Fatalf("Forward sample %d: %v", i, err)
		}
		if diff := cmp.Diff(single.Logits.Data, out.Logits.Sample(i)); diff != "" {
			t.Fatalf("sample %d differs from batched result", i)
		}
	}
}

func TestImageClassification(t *testing.T) {
	t.Parallel()
	m, err := NewImageClassification(tinyConfig())
	if err != nil {
		t.Fatalf("NewImageClassification: %v", err)
	}
	out, err := m.Forward(context.Background(), randomPixels(3, 2, 3, 64, 64), ForwardOptions{})
	if err != nil {
		t.Fatalf("Forward: %v", err)
	}
	if diff := cmp.Diff([]int{2, 3}, out.Logits.Shape); diff != "" {
		t.Fatalf("logits (-want +got):\n%s", diff)
	}
}

func TestTrainingIsSeeded(t *testing.T) {
	t.Parallel()
	cfg := tinyConfig()
	cfg.HiddenDropoutProb = 0.2
	cfg.DropPathRate = 0.5
	m, err := NewSemanticSegmentation(cfg)
	if err != nil {
		t.Fatalf("NewSemanticSegmentation: %v", err)
	}
	pixels := randomPixels(4, 2, 3, 32, 32)
	run := func() []float32 {
		out, err := m.Forward(context.Background(), pixels, ForwardOptions{})
		if err != nil {
			t.Fatalf("Forward: %v", err)
		}
		return out.Logits.Data
	}
	eval := run()
	if diff := cmp.Diff(eval, run()); diff != "" {
		t.Fatal("eval forward is not deterministic")
	}

	m.SetTraining(true)
	if !m.Training() {
		t.Fatal("Training() = false after SetTraining(true)")
	}
	m.Seed(11)
	a := run()
	m.Seed(11)
	b := run()
	if diff := cmp.Diff(a, b); diff != "" {
		t.Fatal("training forward differs under the same seed")
	}
	if cmp.Equal(a, eval) {
		t.Fatal("training forward matches eval forward")
	}
}

func TestStateDictRoundTrip(t *testing.T) {
	t.Parallel()
	cfg := tinyConfig()
	src, err := NewSemanticSegmentation(cfg)
	if err != nil {
		t.Fatalf("NewSemanticSegmentation: %v", err)
	}
	sd := StateDict(src)
	rng := rand.New(rand.NewPCG(21, 21))
	for _, v := range sd {
		tensor.FillNormal(v.Data, rng, 0, 0.1)
	}
	sd["decode_head.batch_norm.num_batches_tracked"] = tensor.New()

	dst, err := NewSemanticSegmentation(cfg)
	if err != nil {
		t.Fatalf("NewSemanticSegmentation: %v", err)
	}
	rep, err := LoadStateDict(dst, sd, true)
	if err != nil {
		t.Fatalf("LoadStateDict: %v", err)
	}
	if !rep.Clean() {
		t.Fatalf("report: %s", rep)
	}
	for name, v := range StateDict(dst) {
		if diff := cmp.Diff(sd[name].Data, v.Data); diff != "" {
			t.Fatalf("%s not loaded", name)
		}
	}
	if NumParams(dst) != checkpoint.StateDict(StateDict(dst)).NumParams() {
		t.Fatal("parameter counts disagree")
	}
}

func TestLoadStateDictStrict(t *testing.T) {
	t.Parallel()
	cfg := tinyConfig()
	m, err := NewImageClassification(cfg)
	if err != nil {
		t.Fatalf("NewImageClassification: %v", err)
	}
	before := StateDict(m)

	sd := StateDict(m)
	for _, v := range sd {
		tensor.Fill(v.Data, 7)
	}
	delete(sd, "classifier.bias")
	sd["classifier.scale"] = tensor.New(1)
	sd["segformer.encoder.layer_norm.3.weight"] = tensor.New(5)

	rep, err := LoadStateDict(m, sd, true)
	if !errors.Is(err, ErrStateDict) {
		t.Fatalf("LoadStateDict = %v, want ErrStateDict", err)
	}
	want := LoadReport{
		Missing:    []string{"classifier.bias"},
		Unexpected: []string{"classifier.scale"},
		Mismatched: []string{"segformer.encoder.layer_norm.3.weight: checkpoint [5], model [32]"},
	}
	if diff := cmp.Diff(want, rep); diff != "" {
		t.Fatalf("report (-want +got):\n%s", diff)
	}
	if diff := cmp.Diff(before["classifier.weight"].Data, m.Classifier.Weight.Data); diff != "" {
		t.Fatal("strict failure modified the model")
	}

	if _, err := LoadStateDict(m, sd, false); err != nil {
		t.Fatalf("non-strict LoadStateDict: %v", err)
	}
	if m.Classifier.Weight.Data[0] != 7 {
		t.Fatal("non-strict load skipped matching keys")
	}
}

func TestParamNamesMatchRenameTable(t *testing.T) {
	t.Parallel()
	cfg := tinyConfig()
	cfg.SRRatios = []int{4, 2, 1, 1}

	seg, err := NewSemanticSegmentation(cfg)
	if err != nil {
		t.Fatalf("NewSemanticSegmentation: %v", err)
	}
	table := checkpoint.RenameTable(cfg.Depths, cfg.NumEncoderBlocks, checkpoint.RenameOptions{
		SRRatios:     cfg.SRRatios,
		Head:         checkpoint.HeadSegmentation,
		TargetPrefix: "segformer.",
	})
	assertNames(t, seg, table)

	cls, err := NewImageClassification(cfg)
	if err != nil {
		t.Fatalf("NewImageClassification: %v", err)
	}
	table = checkpoint.RenameTable(cfg.Depths, 0, checkpoint.RenameOptions{
		SRRatios:     cfg.SRRatios,
		Head:         checkpoint.HeadClassification,
		TargetPrefix: "segformer.",
	})
	assertNames(t, cls, table)

	bare, err := New(cfg)
	if err != nil {
		t.Fatalf("New: %v", err)
	}
	assertNames(t, bare, checkpoint.RenameTable(cfg.Depths, 0, checkpoint.RenameOptions{SRRatios: cfg.SRRatios}))
}

func assertNames(t *testing.T, m Module, table *checkpoint.Table) {
	t.Helper()
	var want []string
	for _, d := range table.Destinations() {
		if !strings.HasSuffix(d, "num_batches_tracked") {
			want = append(want, d)
		}
	}
	var got []string
	m.Params("", func(name string, _ *tensor.Tensor) { got = append(got, name) })
	slices.Sort(want)
	slices.Sort(got)
	if diff := cmp.Diff(want, got); diff != "" {
		t.Fatalf("parameter names (-table +model):\n%s", diff)
	}
}

func TestStageSizesRoundUp(t *testing.T) {
	t.Parallel()
	cfg := DefaultConfig()
	if diff := cmp.Diff([]int{128, 64, 32, 16}, cfg.StageSizes(512)); diff != "" {
		t.Fatalf("512 (-want +got):\n%s", diff)
	}
	if diff := cmp.Diff([]int{130, 65, 33, 17}, cfg.StageSizes(520)); diff != "" {
		t.Fatalf("520 (-want +got):\n%s", diff)
	}
}
