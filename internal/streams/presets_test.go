package streams

import (
	"errors"
	"testing"
)

func TestResolvePreset_known(t *testing.T) {
	for _, q := range []QualityPreset{QualityLow, QualityMedium, QualityHigh} {
		p, err := ResolvePreset(q)
		if err != nil {
			t.Fatalf("ResolvePreset(%s): %v", q, err)
		}
		if p.VideoCodec == "" || p.VideoBitrate == "" || p.AudioCodec == "" {
			t.Errorf("ResolvePreset(%s): incomplete params %+v", q, p)
		}
	}
}

func TestResolvePreset_heights_increase_with_quality(t *testing.T) {
	low, _ := ResolvePreset(QualityLow)
	med, _ := ResolvePreset(QualityMedium)
	high, _ := ResolvePreset(QualityHigh)

	if !(low.ScaleHeight < med.ScaleHeight && med.ScaleHeight < high.ScaleHeight) {
		t.Errorf("expected increasing heights, got %d %d %d",
			low.ScaleHeight, med.ScaleHeight, high.ScaleHeight)
	}
}

func TestResolvePreset_unknown(t *testing.T) {
	_, err := ResolvePreset("ultra")
	if !errors.Is(err, ErrUnknownPreset) {
		t.Errorf("expected ErrUnknownPreset, got %v", err)
	}
}

func TestResolvePreset_empty(t *testing.T) {
	_, err := ResolvePreset("")
	if !errors.Is(err, ErrUnknownPreset) {
		t.Errorf("expected ErrUnknownPreset for empty name, got %v", err)
	}
}
