package api

import (
	"bytes"
	"context"
	"encoding/base64"
	"encoding/json"
	"image"
	"image/color"
	"image/png"
	"math"
	"mime/multipart"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"

	"github.com/labstack/echo/v5"

	"github.com/samcharles93/segformer/internal/checkpoint"
	"github.com/samcharles93/segformer/internal/convert"
	"github.com/samcharles93/segformer/internal/preprocess"
	"github.com/samcharles93/segformer/internal/segformer"
)

type testProvider struct {
	bundle *convert.Bundle
	err    error
}

func (p testProvider) WithModel(ctx context.Context, modelID string, fn func(b *convert.Bundle) error) error {
	if p.err != nil {
		return p.err
	}
	return fn(p.bundle)
}

func (p testProvider) ListModels() ([]string, error) {
	return []string{"tiny"}, nil
}

func tinyConfig() segformer.Config {
	cfg := segformer.DefaultConfig()
	cfg.HiddenSizes = []int{8, 16, 24, 32}
	cfg.NumAttentionHeads = []int{1, 2, 3, 4}
	cfg.DecoderHiddenSize = 16
	cfg.ImageSize = 64
	cfg.SetLabels([]string{"sky", "road", "tree"})
	return cfg
}

func segmentationBundle(t *testing.T) *convert.Bundle {
	t.Helper()
	cfg := tinyConfig()
	cfg.Architectures = []string{"SegformerForSemanticSegmentation"}
	m, err := segformer.NewSemanticSegmentation(cfg)
	if err != nil {
		t.Fatalf("NewSemanticSegmentation: %v", err)
	}
	pre := preprocess.DefaultConfig()
	pre.Size = cfg.ImageSize
	return &convert.Bundle{Model: m, Head: checkpoint.HeadSegmentation, Config: cfg, Preprocess: pre}
}

func classificationBundle(t *testing.T) *convert.Bundle {
	t.Helper()
	cfg := tinyConfig()
	cfg.Architectures = []string{"SegformerForImageClassification"}
	m, err := segformer.NewImageClassification(cfg)
	if err != nil {
		t.Fatalf("NewImageClassification: %v", err)
	}
	pre := preprocess.DefaultConfig()
	pre.Size = cfg.ImageSize
	return &convert.Bundle{Model: m, Head: checkpoint.HeadClassification, Config: cfg, Preprocess: pre}
}

func newTestEcho(provider ModelProvider, mw ...echo.MiddlewareFunc) *echo.Echo {
	server := NewServer(NewResultStore(8), provider)
	e := echo.New()
	e.Use(mw...)
	server.Register(e)
	return e
}

func testPNG(t *testing.T, w, h int) []byte {
	t.Helper()
	img := image.NewRGBA(image.Rect(0, 0, w, h))
	for y := 0; y < h; y++ {
		for x := 0; x < w; x++ {
			img.SetRGBA(x, y, color.RGBA{uint8(x * 7), uint8(y * 5), uint8(x + y), 255})
		}
	}
	var buf bytes.Buffer
	if err := png.Encode(&buf, img); err != nil {
		t.Fatalf("encode png: %v", err)
	}
	return buf.Bytes()
}

func do(t *testing.T, e *echo.Echo, method, path, contentType string, body []byte) *httptest.ResponseRecorder {
	t.Helper()
	req := httptest.NewRequest(method, path, bytes.NewReader(body))
	if contentType != "" {
		req.Header.Set(echo.HeaderContentType, contentType)
	}
	rec := httptest.NewRecorder()
	e.ServeHTTP(rec, req)
	return rec
}

func decode[T any](t *testing.T, rec *httptest.ResponseRecorder) T {
	t.Helper()
	var out T
	if err := json.Unmarshal(rec.Body.Bytes(), &out); err != nil {
		t.Fatalf("decode body %q: %v", rec.Body.String(), err)
	}
	return out
}

func TestHealthz(t *testing.T) {
	t.Parallel()
	rec := do(t, newTestEcho(nil), http.MethodGet, "/healthz", "", nil)
	if rec.Code != http.StatusOK || !strings.Contains(rec.Body.String(), `"ok"`) {
		t.Fatalf("healthz: %d %s", rec.Code, rec.Body.String())
	}
}

func TestIndexPage(t *testing.T) {
	t.Parallel()
	rec := do(t, newTestEcho(nil), http.MethodGet, "/", "", nil)
	if rec.Code != http.StatusOK || !strings.Contains(rec.Body.String(), "<form") {
		t.Fatalf("index: %d", rec.Code)
	}
}

func TestLabels(t *testing.T) {
	t.Parallel()
	e := newTestEcho(nil)

	rec := do(t, e, http.MethodGet, "/v1/labels", "", nil)
	if rec.Code != http.StatusOK {
		t.Fatalf("status %d body=%s", rec.Code, rec.Body.String())
	}
	table := decode[LabelTable](t, rec)
	if table.Dataset != "ade20k" || len(table.Labels) != 150 {
		t.Fatalf("dataset %q with %d labels", table.Dataset, len(table.Labels))
	}
	if table.Labels[0].Label != "wall" || table.Labels[0].Color != "#787878" {
		t.Fatalf("first label %+v", table.Labels[0])
	}

	rec = do(t, e, http.MethodGet, "/v1/labels?dataset=cityscapes", "", nil)
	if got := decode[LabelTable](t, rec); len(got.Labels) != 19 {
		t.Fatalf("cityscapes has %d labels", len(got.Labels))
	}

	rec = do(t, e, http.MethodGet, "/v1/labels?dataset=coco", "", nil)
	if rec.Code != http.StatusNotFound {
		t.Fatalf("unknown dataset: got %d", rec.Code)
	}
}

func TestListModels(t *testing.T) {
	t.Parallel()
	rec := do(t, newTestEcho(testProvider{}), http.MethodGet, "/v1/models", "", nil)
	list := decode[ModelList](t, rec)
	if len(list.Data) != 1 || list.Data[0].ID != "tiny" {
		t.Fatalf("models %+v", list.Data)
	}
}

func TestSegmentationLifecycle(t *testing.T) {
	t.Parallel()
	e := newTestEcho(testProvider{bundle: segmentationBundle(t)})

	rec := do(t, e, http.MethodPost, "/v1/segment?model=tiny", "image/png", testPNG(t, 40, 30))
	if rec.Code != http.StatusOK {
		t.Fatalf("segment status %d body=%s", rec.Code, rec.Body.String())
	}
	created := decode[SegmentationResponse](t, rec)
	if created.ID == "" || created.Model != "tiny" {
		t.Fatalf("unexpected response %+v", created)
	}
	if created.Width != 40 || created.Height != 30 {
		t.Fatalf("mask is %dx%d, want the input size 40x30", created.Width, created.Height)
	}
	var pixels int
	var frac float64
	for _, l := range created.Labels {
		pixels += l.Pixels
		frac += l.Fraction
		if l.Label == "" || l.Color == "" {
			t.Fatalf("label entry incomplete: %+v", l)
		}
	}
	if pixels != 40*30 || math.Abs(frac-1) > 1e-9 {
		t.Fatalf("label counts cover %d pixels, fraction %v", pixels, frac)
	}

	rec = do(t, e, http.MethodGet, "/v1/segmentations/"+created.ID, "", nil)
	if rec.Code != http.StatusOK {
		t.Fatalf("get status %d", rec.Code)
	}

	rec = do(t, e, http.MethodGet, created.MaskURL, "", nil)
	if rec.Code != http.StatusOK || rec.Header().Get(echo.HeaderContentType) != "image/png" {
		t.Fatalf("mask status %d type %q", rec.Code, rec.Header().Get(echo.HeaderContentType))
	}
	mask, err := png.Decode(rec.Body)
	if err != nil {
		t.Fatalf("decode mask: %v", err)
	}
	if b := mask.Bounds(); b.Dx() != 40 || b.Dy() != 30 {
		t.Fatalf("mask bounds %v", b)
	}

	rec = do(t, e, http.MethodDelete, "/v1/segmentations/"+created.ID, "", nil)
	if rec.Code != http.StatusOK || !strings.Contains(rec.Body.String(), `"deleted":true`) {
		t.Fatalf("delete: %d %s", rec.Code, rec.Body.String())
	}
	rec = do(t, e, http.MethodGet, "/v1/segmentations/"+created.ID, "", nil)
	if rec.Code != http.StatusNotFound {
		t.Fatalf("expected 404 after delete, got %d", rec.Code)
	}
}

func TestSegmentPNGFormat(t *testing.T) {
	t.Parallel()
	e := newTestEcho(testProvider{bundle: segmentationBundle(t)})
	rec := do(t, e, http.MethodPost, "/v1/segment?format=png", "application/octet-stream", testPNG(t, 16, 16))
	if rec.Code != http.StatusOK {
		t.Fatalf("status %d body=%s", rec.Code, rec.Body.String())
	}
	if rec.Header().Get("X-Segmentation-Id") == "" {
		t.Fatal("missing X-Segmentation-Id")
	}
	if _, err := png.Decode(rec.Body); err != nil {
		t.Fatalf("body is not a png: %v", err)
	}
}

func TestSegmentJSONBody(t *testing.T) {
	t.Parallel()
	e := newTestEcho(testProvider{bundle: segmentationBundle(t)})
	body, _ := json.Marshal(map[string]string{
		"model": "tiny",
		"image": base64.StdEncoding.EncodeToString(testPNG(t, 20, 20)),
	})
	rec := do(t, e, http.MethodPost, "/v1/segment", echo.MIMEApplicationJSON, body)
	if rec.Code != http.StatusOK {
		t.Fatalf("status %d body=%s", rec.Code, rec.Body.String())
	}
	if got := decode[SegmentationResponse](t, rec); got.Model != "tiny" || got.Width != 20 {
		t.Fatalf("unexpected response %+v", got)
	}
}

func TestSegmentMultipart(t *testing.T) {
	t.Parallel()
	e := newTestEcho(testProvider{bundle: segmentationBundle(t)})

	var body bytes.Buffer
	mw := multipart.NewWriter(&body)
	fw, err := mw.CreateFormFile("image", "scene.png")
	if err != nil {
		t.Fatal(err)
	}
	if _, err := fw.Write(testPNG(t, 24, 12)); err != nil {
		t.Fatal(err)
	}
	if err := mw.WriteField("model", "tiny"); err != nil {
		t.Fatal(err)
	}
	if err := mw.Close(); err != nil {
		t.Fatal(err)
	}

	rec := do(t, e, http.MethodPost, "/v1/segment", mw.FormDataContentType(), body.Bytes())
	if rec.Code != http.StatusOK {
		t.Fatalf("status %d body=%s", rec.Code, rec.Body.String())
	}
	if got := decode[SegmentationResponse](t, rec); got.Width != 24 || got.Height != 12 {
		t.Fatalf("mask %dx%d", got.Width, got.Height)
	}
}

func TestSegmentValidationErrors(t *testing.T) {
	t.Parallel()
	e := newTestEcho(testProvider{bundle: segmentationBundle(t)})

	cases := []struct {
		name, path, ct string
		body           []byte
		want           string
	}{
		{"empty", "/v1/segment", "image/png", nil, "request body is empty"},
		{"not an image", "/v1/segment", "image/png", []byte("hello"), "cannot decode image"},
		{"bad format", "/v1/segment?format=gif", "image/png", testPNG(t, 8, 8), "unknown format"},
		{"bad json", "/v1/segment", echo.MIMEApplicationJSON, []byte("{"), "invalid JSON body"},
		{"bad base64", "/v1/segment", echo.MIMEApplicationJSON, []byte(`{"image":"***"}`), "base64"},
		{"classify on segmentation model", "/v1/classify", "image/png", testPNG(t, 8, 8), "not a classification head"},
	}
	for _, tc := range cases {
		rec := do(t, e, http.MethodPost, tc.path, tc.ct, tc.body)
		if rec.Code != http.StatusBadRequest {
			t.Errorf("%s: status %d body=%s", tc.name, rec.Code, rec.Body.String())
			continue
		}
		if !strings.Contains(rec.Body.String(), tc.want) {
			t.Errorf("%s: body %s does not mention %q", tc.name, rec.Body.String(), tc.want)
		}
	}
}

func TestSegmentModelNotFound(t *testing.T) {
	t.Parallel()
	e := newTestEcho(testProvider{err: ErrModelNotFound})
	rec := do(t, e, http.MethodPost, "/v1/segment?model=missing", "image/png", testPNG(t, 8, 8))
	if rec.Code != http.StatusNotFound || !strings.Contains(rec.Body.String(), "model_not_found") {
		t.Fatalf("status %d body=%s", rec.Code, rec.Body.String())
	}
}

func TestClassify(t *testing.T) {
	t.Parallel()
	e := newTestEcho(testProvider{bundle: classificationBundle(t)})

	rec := do(t, e, http.MethodPost, "/v1/classify?top_k=2", "image/png", testPNG(t, 32, 32))
	if rec.Code != http.StatusOK {
		t.Fatalf("status %d body=%s", rec.Code, rec.Body.String())
	}
	got := decode[ClassificationResponse](t, rec)
	if len(got.Classes) != 2 {
		t.Fatalf("got %d classes, want 2", len(got.Classes))
	}
	if got.Classes[0].Score < got.Classes[1].Score {
		t.Fatalf("classes not sorted by score: %+v", got.Classes)
	}
	if got.Classes[0].Label == "" {
		t.Fatal("class label missing")
	}

	rec = do(t, e, http.MethodPost, "/v1/classify", "image/png", testPNG(t, 32, 32))
	if got := decode[ClassificationResponse](t, rec); len(got.Classes) != 3 {
		t.Fatalf("default top_k should cap at the label count, got %d", len(got.Classes))
	}

	rec = do(t, e, http.MethodPost, "/v1/segment", "image/png", testPNG(t, 8, 8))
	if rec.Code != http.StatusBadRequest {
		t.Fatalf("segment on classification model: status %d", rec.Code)
	}
}

func TestTopK(t *testing.T) {
	t.Parallel()
	got := topK([]float32{0, 2, 1}, []string{"a", "b", "c"}, 2)
	if len(got) != 2 || got[0].Label != "b" || got[1].Label != "c" {
		t.Fatalf("topK = %+v", got)
	}
	var sum float32
	for _, c := range topK([]float32{0, 2, 1}, nil, 10) {
		sum += c.Score
	}
	if math.Abs(float64(sum-1)) > 1e-5 {
		t.Fatalf("scores sum to %v", sum)
	}
}
