// Package analysis defines the image-analysis engine boundary. The
// pipeline only ever calls Analyze; any scoring backend can sit behind
// it.
package analysis

import (
	"bytes"
	"context"
	"fmt"
	"image"
	"math"
	"sort"

	_ "image/gif"
	_ "image/jpeg"
	_ "image/png"

	"github.com/imageflow/analysis-service/internal/models"
)

// Engine scores decoded image bytes into an ordered list of
// (label, confidence) pairs, highest confidence first.
type Engine interface {
	Analyze(ctx context.Context, img []byte) ([]models.Prediction, error)
}

var candidateLabels = []string{
	"person", "landscape", "animal", "food", "building", "vehicle",
	"nature", "technology", "art", "sports", "water", "mountains",
	"city", "beach", "flowers", "cat", "dog", "bird", "text",
	"clothing", "furniture", "electronics", "toys", "tools",
	"outdoor scene", "indoor scene", "abstract art",
}

// LabelScorer is a self-contained Engine: it decodes the image, pulls a
// handful of global features and scores the candidate labels against
// them. Deterministic for a given input, which is what the pipeline
// tests need.
type LabelScorer struct {
	TopK int
}

func NewLabelScorer() *LabelScorer {
	return &LabelScorer{TopK: 8}
}

func (s *LabelScorer) Analyze(ctx context.Context, img []byte) ([]models.Prediction, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}

	decoded, _, err := image.Decode(bytes.NewReader(img))
	if err != nil {
		return nil, fmt.Errorf("failed to decode image: %w", err)
	}

	f := extractFeatures(decoded)

	scores := make([]float64, len(candidateLabels))
	for i, label := range candidateLabels {
		scores[i] = scoreLabel(label, f)
	}

	// Softmax over raw scores so confidences land in [0,100] and keep
	// their ordering.
	var sum float64
	exps := make([]float64, len(scores))
	for i, sc := range scores {
		exps[i] = math.Exp(sc)
		sum += exps[i]
	}

	preds := make([]models.Prediction, len(candidateLabels))
	for i, label := range candidateLabels {
		preds[i] = models.Prediction{
			Label:      label,
			Confidence: round2(exps[i] / sum * 100),
		}
	}

	sort.SliceStable(preds, func(i, j int) bool {
		return preds[i].Confidence > preds[j].Confidence
	})

	k := s.TopK
	if k <= 0 || k > len(preds) {
		k = len(preds)
	}
	return preds[:k], nil
}

// features are global image statistics in [0,1].
type features struct {
	luma     float64 // overall brightness
	colorful float64 // mean channel spread
	green    float64 // green dominance
	blue     float64 // blue dominance
	warm     float64 // red dominance
	wide     float64 // landscape-ish aspect ratio
}

func extractFeatures(img image.Image) features {
	b := img.Bounds()
	w, h := b.Dx(), b.Dy()
	if w == 0 || h == 0 {
		return features{}
	}

	// Sample a coarse grid; exact pixel coverage does not matter for
	// global statistics.
	stepX, stepY := w/64, h/64
	if stepX < 1 {
		stepX = 1
	}
	if stepY < 1 {
		stepY = 1
	}

	var rSum, gSum, bSum, spread float64
	var n float64
	for y := b.Min.Y; y < b.Max.Y; y += stepY {
		for x := b.Min.X; x < b.Max.X; x += stepX {
			r, g, bl, _ := img.At(x, y).RGBA()
			rf := float64(r) / 65535
			gf := float64(g) / 65535
			bf := float64(bl) / 65535
			rSum += rf
			gSum += gf
			bSum += bf
			mx := math.Max(rf, math.Max(gf, bf))
			mn := math.Min(rf, math.Min(gf, bf))
			spread += mx - mn
			n++
		}
	}

	rMean, gMean, bMean := rSum/n, gSum/n, bSum/n
	var f features
	f.luma = 0.299*rMean + 0.587*gMean + 0.114*bMean
	f.colorful = spread / n
	f.green = clamp01(gMean - (rMean+bMean)/2 + 0.5)
	f.blue = clamp01(bMean - (rMean+gMean)/2 + 0.5)
	f.warm = clamp01(rMean - (gMean+bMean)/2 + 0.5)
	if float64(w) > float64(h)*1.2 {
		f.wide = 1
	}
	return f
}

// scoreLabel weights the features per label. The numbers are arbitrary
// but fixed; ordering stability is the contract, not accuracy.
func scoreLabel(label string, f features) float64 {
	switch label {
	case "landscape":
		return 1.5*f.wide + f.green + 0.5*f.luma
	case "nature":
		return 2*f.green + 0.5*f.colorful
	case "water", "beach":
		return 2*f.blue + 0.5*f.luma
	case "mountains", "outdoor scene":
		return f.wide + f.blue + 0.3*f.luma
	case "flowers", "art", "abstract art", "toys":
		return 2 * f.colorful
	case "food":
		return f.warm + 0.5*f.colorful
	case "person", "animal", "cat", "dog", "bird":
		return f.warm + 0.3*f.luma
	case "city", "building", "indoor scene", "furniture":
		return (1 - f.colorful) + 0.3*(1-f.luma)
	case "text":
		return 1.5 * f.luma * (1 - f.colorful)
	case "technology", "electronics", "tools", "vehicle":
		return (1 - f.warm) + 0.2*f.blue
	default:
		return 0.5 * f.luma
	}
}

func clamp01(v float64) float64 {
	return math.Max(0, math.Min(1, v))
}

func round2(v float64) float64 {
	return math.Round(v*100) / 100
}
