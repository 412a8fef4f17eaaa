package checkpoint

import (
	"context"
	"errors"
	"net/http"
	"net/http/httptest"
	"os"
	"path/filepath"
	"sync/atomic"
	"testing"

	"github.com/google/go-cmp/cmp"

	"github.com/samcharles93/segformer/internal/safetensors"
	"github.com/samcharles93/segformer/internal/tensor"
)

func TestStateDictOps(t *testing.T) {
	t.Parallel()
	sd := StateDict{}
	sd.Set("b", tensor.New(2, 3))
	sd.Set("a", tensor.New(4))

	if diff := cmp.Diff([]string{"a", "b"}, sd.Keys()); diff != "" {
		t.Fatalf("keys mismatch (-want +got):\n%s", diff)
	}
	if sd.NumParams() != 10 {
		t.Fatalf("NumParams = %d", sd.NumParams())
	}
	if _, err := sd.Get("missing"); !errors.Is(err, ErrKeyNotFound) {
		t.Fatalf("expected ErrKeyNotFound, got %v", err)
	}
	x, err := sd.Pop("a")
	if err != nil || x.Len() != 4 || sd.Len() != 1 {
		t.Fatalf("Pop: %v len=%d", err, sd.Len())
	}
	if err := CheckShape("b", sd["b"], 3, 2); !errors.Is(err, ErrShapeMismatch) {
		t.Fatalf("expected ErrShapeMismatch, got %v", err)
	}
	if err := CheckShape("b", sd["b"], 2, 3); err != nil {
		t.Fatalf("CheckShape: %v", err)
	}
}

func TestStripPrefixCollision(t *testing.T) {
	t.Parallel()
	sd := StateDict{
		"backbone.x": tensor.New(1),
		"x":          tensor.New(1),
	}
	if err := sd.StripPrefix("backbone."); !errors.Is(err, ErrDuplicateKey) {
		t.Fatalf("expected ErrDuplicateKey, got %v", err)
	}
}

func TestSplitRows(t *testing.T) {
	t.Parallel()
	w, _ := tensor.FromData([]float32{
		1, 2, 3,
		4, 5, 6,
		7, 8, 9,
		10, 11, 12,
		13, 14, 15,
		16, 17, 18,
	}, 6, 3)
	parts, err := SplitRows(w, 3)
	if err != nil {
		t.Fatalf("SplitRows: %v", err)
	}
	want := []*tensor.Tensor{
		{Shape: []int{2, 3}, Data: []float32{1, 2, 3, 4, 5, 6}},
		{Shape: []int{2, 3}, Data: []float32{7, 8, 9, 10, 11, 12}},
		{Shape: []int{2, 3}, Data: []float32{13, 14, 15, 16, 17, 18}},
	}
	if diff := cmp.Diff(want, parts); diff != "" {
		t.Fatalf("split mismatch (-want +got):\n%s", diff)
	}

	// Conv-shaped weights split along the output channels too.
	conv := tensor.New(4, 2, 1, 1)
	for i := range conv.Data {
		conv.Data[i] = float32(i)
	}
	halves, err := SplitRows(conv, 2)
	if err != nil {
		t.Fatalf("SplitRows conv: %v", err)
	}
	if diff := cmp.Diff([]float32{4, 5, 6, 7}, halves[1].Data); diff != "" {
		t.Fatalf("conv split mismatch (-want +got):\n%s", diff)
	}

	if _, err := SplitRows(tensor.New(5, 2), 2); !errors.Is(err, ErrShapeMismatch) {
		t.Fatalf("expected ErrShapeMismatch, got %v", err)
	}
}

func TestSaveLoadSafetensors(t *testing.T) {
	t.Parallel()
	path := filepath.Join(t.TempDir(), "model.safetensors")
	sd := StateDict{
		"encoder.layer_norm.0.weight": {Shape: []int{3}, Data: []float32{1, 1, 1}},
		"encoder.layer_norm.0.bias":   {Shape: []int{3}, Data: []float32{0, 0.5, -0.5}},
	}
	if err := Save(path, sd, safetensors.DTypeF32); err != nil {
		t.Fatalf("Save: %v", err)
	}
	got, err := Load(path)
	if err != nil {
		t.Fatalf("Load: %v", err)
	}
	if diff := cmp.Diff(sd, got); diff != "" {
		t.Fatalf("round trip mismatch (-want +got):\n%s", diff)
	}
}

func TestFetchLocalPath(t *testing.T) {
	t.Parallel()
	path := filepath.Join(t.TempDir(), "w.pth")
	if err := os.WriteFile(path, []byte("x"), 0o644); err != nil {
		t.Fatal(err)
	}
	got, err := Fetch(context.Background(), path, "")
	if err != nil || got != path {
		t.Fatalf("Fetch = %q, %v", got, err)
	}
	got, err = Fetch(context.Background(), "file://"+path, "")
	if err != nil || got != path {
		t.Fatalf("Fetch file URL = %q, %v", got, err)
	}
	if _, err := Fetch(context.Background(), filepath.Join(t.TempDir(), "missing.pth"), ""); err == nil {
		t.Fatal("expected error for missing file")
	}
}

func TestFetchDownloadsOnce(t *testing.T) {
	t.Parallel()
	var hits atomic.Int32
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.URL.Path != "/mit_b0.pth" {
			http.NotFound(w, r)
			return
		}
		hits.Add(1)
		_, _ = w.Write([]byte("weights"))
	}))
	defer srv.Close()

	cache := t.TempDir()
	ctx := context.Background()
	first, err := Fetch(ctx, srv.URL+"/mit_b0.pth", cache)
	if err != nil {
		t.Fatalf("Fetch: %v", err)
	}
	second, err := Fetch(ctx, srv.URL+"/mit_b0.pth", cache)
	if err != nil {
		t.Fatalf("Fetch (cached): %v", err)
	}
	if first != second {
		t.Fatalf("cache path changed: %q vs %q", first, second)
	}
	if hits.Load() != 1 {
		t.Fatalf("server hit %d times, want 1", hits.Load())
	}
	data, err := os.ReadFile(first)
	if err != nil || string(data) != "weights" {
		t.Fatalf("cached content %q, %v", data, err)
	}

	if _, err := Fetch(ctx, srv.URL+"/missing.pth", cache); err == nil {
		t.Fatal("expected error for 404")
	}
}
