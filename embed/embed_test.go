package embed

import (
	"context"
	"math"
	"testing"
)

func TestCosine(t *testing.T) {
	cases := []struct {
		name string
		a, b []float32
		want float64
	}{
		{"identical", []float32{1, 2, 3}, []float32{1, 2, 3}, 1},
		{"orthogonal", []float32{1, 0}, []float32{0, 1}, 0},
		{"opposite clamps to zero", []float32{1, 0}, []float32{-1, 0}, 0},
		{"zero vector", []float32{0, 0}, []float32{1, 1}, 0},
		{"empty", nil, []float32{1}, 0},
	}
	for _, tc := range cases {
		got := Cosine(tc.a, tc.b)
		if math.Abs(got-tc.want) > 1e-6 {
			t.Errorf("%s: Cosine = %v, want %v", tc.name, got, tc.want)
		}
	}
}

func TestHashEmbedder(t *testing.T) {
	h := NewHashEmbedder(0)
	ctx := context.Background()

	a, err := h.Embed(ctx, "price of product X")
	if err != nil {
		t.Fatalf("Embed: %v", err)
	}
	if len(a) != DefaultHashDimensions {
		t.Fatalf("len = %d, want %d", len(a), DefaultHashDimensions)
	}
	b, _ := h.Embed(ctx, "PRICE of product x!")
	if sim := Cosine(a, b); sim < 0.999 {
		t.Errorf("case/punctuation variants similarity = %v, want ~1", sim)
	}
	c, _ := h.Embed(ctx, "price of X")
	d, _ := h.Embed(ctx, "warehouse shipping schedule")
	if Cosine(a, c) <= Cosine(a, d) {
		t.Errorf("overlapping text should be closer than unrelated text")
	}

	empty, _ := h.Embed(ctx, "   ")
	for _, v := range empty {
		if v != 0 {
			t.Fatalf("empty text produced non-zero vector")
		}
	}
}

func TestNew_UnknownProvider(t *testing.T) {
	if _, err := New(context.Background(), Config{Provider: "word2vec"}); err == nil {
		t.Fatal("expected error for unsupported provider")
	}
	if _, err := New(context.Background(), Config{Provider: ProviderOpenAI}); err == nil {
		t.Fatal("expected error for openai without API key")
	}
	e, err := New(context.Background(), Config{})
	if err != nil {
		t.Fatalf("New default: %v", err)
	}
	if _, ok := e.(*HashEmbedder); !ok {
		t.Errorf("default embedder = %T, want *HashEmbedder", e)
	}
}
