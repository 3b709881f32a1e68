package analysis

import (
	"bytes"
	"context"
	"image"
	"image/color"
	"image/png"
	"testing"
)

func encodePNG(t *testing.T, c color.RGBA, w, h int) []byte {
	t.Helper()
	img := image.NewRGBA(image.Rect(0, 0, w, h))
	for y := 0; y < h; y++ {
		for x := 0; x < w; x++ {
			img.Set(x, y, c)
		}
	}
	var buf bytes.Buffer
	if err := png.Encode(&buf, img); err != nil {
		t.Fatalf("Failed to encode test image: %v", err)
	}
	return buf.Bytes()
}

func TestAnalyzeReturnsOrderedTopK(t *testing.T) {
	engine := NewLabelScorer()
	data := encodePNG(t, color.RGBA{R: 40, G: 180, B: 60, A: 255}, 320, 200)

	preds, err := engine.Analyze(context.Background(), data)
	if err != nil {
		t.Fatalf("Analyze failed: %v", err)
	}

	if len(preds) != 8 {
		t.Fatalf("Expected top 8 predictions, got %d", len(preds))
	}

	for i, p := range preds {
		if p.Confidence < 0 || p.Confidence > 100 {
			t.Errorf("Confidence out of range: %s=%f", p.Label, p.Confidence)
		}
		if i > 0 && preds[i-1].Confidence < p.Confidence {
			t.Errorf("Predictions not ordered: %f before %f", preds[i-1].Confidence, p.Confidence)
		}
	}
}

func TestAnalyzeDeterministic(t *testing.T) {
	engine := NewLabelScorer()
	data := encodePNG(t, color.RGBA{R: 20, G: 60, B: 200, A: 255}, 100, 100)

	first, err := engine.Analyze(context.Background(), data)
	if err != nil {
		t.Fatalf("Analyze failed: %v", err)
	}
	second, err := engine.Analyze(context.Background(), data)
	if err != nil {
		t.Fatalf("Analyze failed: %v", err)
	}

	if len(first) != len(second) {
		t.Fatalf("Prediction counts differ: %d vs %d", len(first), len(second))
	}
	for i := range first {
		if first[i] != second[i] {
			t.Errorf("Prediction %d differs: %+v vs %+v", i, first[i], second[i])
		}
	}
}

func TestAnalyzeRejectsGarbage(t *testing.T) {
	engine := NewLabelScorer()

	if _, err := engine.Analyze(context.Background(), []byte("not an image")); err == nil {
		t.Error("Expected decode error for garbage input")
	}
}

func TestAnalyzeHonorsCancellation(t *testing.T) {
	engine := NewLabelScorer()
	ctx, cancel := context.WithCancel(context.Background())
	cancel()

	data := encodePNG(t, color.RGBA{R: 1, G: 2, B: 3, A: 255}, 10, 10)
	if _, err := engine.Analyze(ctx, data); err == nil {
		t.Error("Expected error from cancelled context")
	}
}
