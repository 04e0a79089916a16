package airplay

import (
	"strconv"
	"strings"
)

// Feature bits from TXT "features" record
const (
	FeatureVideo              = 0
	FeaturePhoto              = 1
	FeatureFairPlay           = 3
	FeatureVideoVolumeControl = 5
	FeatureHTTPLiveStreams    = 7
	FeatureSlideshow          = 8
	FeatureLegacyPairing      = 10
	FeatureScreen             = 11
	FeatureScreenRotate       = 12
	FeatureTransientPairing   = 15
	FeatureAudio              = 17 // also seen as "has requested pairing", treated as audio
	FeatureAudioRedundant     = 19
	FeaturePasswordRequired   = 25
	FeatureAuthRequired       = 31
)

// Status bits from TXT "flags" record
const (
	FlagPINRequired      = 3
	FlagPasswordRequired = 7
	FlagOneTimePairing   = 9
)

// ParseFeatures - "0x5A7FFFF7,0x1E" => all words OR-combined.
// Empty and broken words are skipped.
func ParseFeatures(s string) uint64 {
	var mask uint64
	for _, word := range strings.Split(s, ",") {
		word = strings.TrimSpace(word)
		if len(word) > 1 && (word[1] == 'x' || word[1] == 'X') && word[0] == '0' {
			word = word[2:]
		}
		if word == "" {
			continue
		}
		if v, err := strconv.ParseUint(word, 16, 64); err == nil {
			mask |= v
		}
	}
	return mask
}

// ParseFlags has the same format as features.
func ParseFlags(s string) uint64 {
	return ParseFeatures(s)
}

type Capabilities struct {
	Video              bool `json:"video"`
	Photo              bool `json:"photo"`
	FairPlay           bool `json:"fair_play"`
	VideoVolumeControl bool `json:"video_volume_control"`
	HTTPLiveStreams    bool `json:"http_live_streams"`
	Slideshow          bool `json:"slideshow"`
	LegacyPairing      bool `json:"legacy_pairing"`
	Screen             bool `json:"screen"`
	ScreenRotate       bool `json:"screen_rotate"`
	TransientPairing   bool `json:"transient_pairing"`
	Audio              bool `json:"audio"`
	AudioRedundant     bool `json:"audio_redundant"`
	PasswordRequired   bool `json:"password_required"`
	AuthRequired       bool `json:"auth_required"`
	PINRequired        bool `json:"pin_required"`
	OneTimePairing     bool `json:"one_time_pairing"`
}

// NewCapabilities derives booleans from the features mask and the flags mask.
// Password is required by feature bit 25 or by flags bit 7.
func NewCapabilities(features, flags uint64) Capabilities {
	return Capabilities{
		Video:              bit(features, FeatureVideo),
		Photo:              bit(features, FeaturePhoto),
		FairPlay:           bit(features, FeatureFairPlay),
		VideoVolumeControl: bit(features, FeatureVideoVolumeControl),
		HTTPLiveStreams:    bit(features, FeatureHTTPLiveStreams),
		Slideshow:          bit(features, FeatureSlideshow),
		LegacyPairing:      bit(features, FeatureLegacyPairing),
		Screen:             bit(features, FeatureScreen),
		ScreenRotate:       bit(features, FeatureScreenRotate),
		TransientPairing:   bit(features, FeatureTransientPairing),
		Audio:              bit(features, FeatureAudio),
		AudioRedundant:     bit(features, FeatureAudioRedundant),
		PasswordRequired:   bit(features, FeaturePasswordRequired) || bit(flags, FlagPasswordRequired),
		AuthRequired:       bit(features, FeatureAuthRequired),
		PINRequired:        bit(flags, FlagPINRequired),
		OneTimePairing:     bit(flags, FlagOneTimePairing),
	}
}

// NeedsAuth - device will answer 401/403 without credentials
func (c Capabilities) NeedsAuth() bool {
	return c.AuthRequired || c.PasswordRequired || c.PINRequired || c.OneTimePairing
}

func bit(mask uint64, n uint) bool {
	return mask&(1<<n) != 0
}
