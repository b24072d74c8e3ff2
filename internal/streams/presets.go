package streams

import (
	"errors"
	"fmt"
)

// QualityPreset is one of the closed, stable set of encode quality names
// consumed by the start API. Adding a preset is backward compatible;
// removing one is not.
type QualityPreset string

const (
	QualityLow    QualityPreset = "low"
	QualityMedium QualityPreset = "medium"
	QualityHigh   QualityPreset = "high"
)

// ErrUnknownPreset is returned when a start request names a preset outside
// the supported set.
var ErrUnknownPreset = errors.New("unknown quality preset")

// EncodeParams are the resolved transcoder parameters for a preset.
type EncodeParams struct {
	VideoCodec   string
	VideoBitrate string
	MaxRate      string
	BufSize      string
	// ScaleHeight is the target frame height; width follows the source
	// aspect ratio. Zero means no scaling.
	ScaleHeight  int
	Preset       string // encoder speed/quality tradeoff
	AudioCodec   string
	AudioBitrate string
}

var presets = map[QualityPreset]EncodeParams{
	QualityLow: {
		VideoCodec:   "libx264",
		VideoBitrate: "800k",
		MaxRate:      "1000k",
		BufSize:      "2000k",
		ScaleHeight:  480,
		Preset:       "veryfast",
		AudioCodec:   "aac",
		AudioBitrate: "64k",
	},
	QualityMedium: {
		VideoCodec:   "libx264",
		VideoBitrate: "2000k",
		MaxRate:      "2500k",
		BufSize:      "5000k",
		ScaleHeight:  720,
		Preset:       "veryfast",
		AudioCodec:   "aac",
		AudioBitrate: "96k",
	},
	QualityHigh: {
		VideoCodec:   "libx264",
		VideoBitrate: "4000k",
		MaxRate:      "5000k",
		BufSize:      "10000k",
		ScaleHeight:  1080,
		Preset:       "veryfast",
		AudioCodec:   "aac",
		AudioBitrate: "128k",
	},
}

// ResolvePreset maps a preset name to its encode parameters. It is a pure
// lookup with no state.
func ResolvePreset(q QualityPreset) (EncodeParams, error) {
	p, ok := presets[q]
	if !ok {
		return EncodeParams{}, fmt.Errorf("%w: %q", ErrUnknownPreset, q)
	}
	return p, nil
}
