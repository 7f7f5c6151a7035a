package pricing

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/palettelabs/credits/internal/catalog"
)

func newTestResolver(t *testing.T) *Resolver {
	t.Helper()
	cat, err := catalog.Default()
	require.NoError(t, err)
	return NewResolver(catalog.NewTable(cat))
}

func TestResolveFlatImage(t *testing.T) {
	rs := newTestResolver(t)

	res, err := rs.Resolve(Request{ModelID: "gen4_image", Type: catalog.TypeImage, ItemCount: 1})
	require.NoError(t, err)
	assert.Equal(t, int64(180), res.Credits)
	assert.Equal(t, "flat", res.MatchedKey)
}

func TestResolveFreeModel(t *testing.T) {
	rs := newTestResolver(t)

	res, err := rs.Resolve(Request{ModelID: "chatgpt-prompt-enhancer", Type: catalog.TypeImage, ItemCount: 1})
	require.NoError(t, err)
	assert.Equal(t, int64(0), res.Credits)
	assert.Equal(t, "free", res.MatchedKey)
}

func TestResolveUnknownModel(t *testing.T) {
	rs := newTestResolver(t)

	_, err := rs.Resolve(Request{ModelID: "does-not-exist", Type: catalog.TypeImage, ItemCount: 1})
	assert.ErrorIs(t, err, ErrUnknownModel)

	// A known model under the wrong generation type is equally unknown.
	_, err = rs.Resolve(Request{ModelID: "gen4_image", Type: catalog.TypeVideo, ItemCount: 1})
	assert.ErrorIs(t, err, ErrUnknownModel)
}

func TestResolveVariantTable(t *testing.T) {
	rs := newTestResolver(t)

	res, err := rs.Resolve(Request{
		ModelID:         "wan-2.5-t2v",
		Type:            catalog.TypeVideo,
		DurationSeconds: 5,
		Resolution:      "720p",
		ItemCount:       1,
	})
	require.NoError(t, err)
	assert.Equal(t, int64(900), res.Credits)
	assert.Equal(t, "5s-720p", res.MatchedKey)

	// Omitting the resolution resolves to the identical price through
	// the default-variant fallback.
	res, err = rs.Resolve(Request{
		ModelID:         "wan-2.5-t2v",
		Type:            catalog.TypeVideo,
		DurationSeconds: 5,
		ItemCount:       1,
	})
	require.NoError(t, err)
	assert.Equal(t, int64(900), res.Credits)
	assert.Equal(t, "5s-720p", res.MatchedKey)
}

func TestResolveUnsupportedResolution(t *testing.T) {
	rs := newTestResolver(t)

	// An explicitly requested resolution the model does not price must
	// stay a miss; the fallback never overrides a caller's choice.
	_, err := rs.Resolve(Request{
		ModelID:         "wan-2.5-t2v",
		Type:            catalog.TypeVideo,
		DurationSeconds: 5,
		Resolution:      "4k",
		ItemCount:       1,
	})
	assert.ErrorIs(t, err, ErrInvalidParameters)
}

func TestResolveDurationSnapsUp(t *testing.T) {
	rs := newTestResolver(t)

	// 6.2s is not a declared bucket; it bills as the 10s SKU, never the
	// cheaper 5s one.
	res, err := rs.Resolve(Request{
		ModelID:         "wan-2.5-t2v",
		Type:            catalog.TypeVideo,
		DurationSeconds: 6.2,
		Resolution:      "720p",
		ItemCount:       1,
	})
	require.NoError(t, err)
	assert.Equal(t, int64(1740), res.Credits)
	assert.Equal(t, "10s-720p", res.MatchedKey)
}

func TestResolveResolutionTable(t *testing.T) {
	rs := newTestResolver(t)

	res, err := rs.Resolve(Request{
		ModelID:    "google/nano-banana-pro",
		Type:       catalog.TypeImage,
		Resolution: "4K",
		ItemCount:  1,
	})
	require.NoError(t, err)
	assert.Equal(t, int64(500), res.Credits)
	assert.Equal(t, "4k", res.MatchedKey)

	// This model has no 720p bucket, so an omitted resolution has no
	// default to fall back to.
	_, err = rs.Resolve(Request{
		ModelID:   "google/nano-banana-pro",
		Type:      catalog.TypeImage,
		ItemCount: 1,
	})
	assert.ErrorIs(t, err, ErrInvalidParameters)
}

func TestResolveCharacterTiers(t *testing.T) {
	rs := newTestResolver(t)

	cases := []struct {
		textLength int
		credits    int64
		matchedKey string
	}{
		{800, 220, "chars<=1000"},
		{1000, 220, "chars<=1000"},
		{1500, 420, "chars<=2000"},
		{2500, 420, "chars<=2000"}, // past the top tier, clamps
	}
	for _, tc := range cases {
		res, err := rs.Resolve(Request{
			ModelID:    "elevenlabs-tts",
			Type:       catalog.TypeSpeech,
			TextLength: tc.textLength,
			ItemCount:  1,
		})
		require.NoError(t, err)
		assert.Equal(t, tc.credits, res.Credits, "textLength=%d", tc.textLength)
		assert.Equal(t, tc.matchedKey, res.MatchedKey, "textLength=%d", tc.textLength)
	}

	_, err := rs.Resolve(Request{ModelID: "elevenlabs-tts", Type: catalog.TypeSpeech, ItemCount: 1})
	assert.ErrorIs(t, err, ErrInvalidParameters)
}

func TestResolvePerSecond(t *testing.T) {
	rs := newTestResolver(t)

	// Fractional seconds round up before multiplying.
	res, err := rs.Resolve(Request{
		ModelID:         "elevenlabs-sfx",
		Type:            catalog.TypeSpeech,
		DurationSeconds: 2.4,
		ItemCount:       1,
	})
	require.NoError(t, err)
	assert.Equal(t, int64(3*98), res.Credits)
	assert.Equal(t, "per-second:3s", res.MatchedKey)

	// Sub-second requests pay the documented minimum.
	res, err = rs.Resolve(Request{
		ModelID:         "elevenlabs-sfx",
		Type:            catalog.TypeSpeech,
		DurationSeconds: 0.3,
		ItemCount:       1,
	})
	require.NoError(t, err)
	assert.Equal(t, int64(98), res.Credits)

	_, err = rs.Resolve(Request{ModelID: "elevenlabs-sfx", Type: catalog.TypeSpeech, ItemCount: 1})
	assert.ErrorIs(t, err, ErrInvalidParameters)
}

func TestResolveImageToImageFlip(t *testing.T) {
	rs := newTestResolver(t)

	res, err := rs.Resolve(Request{
		ModelID:   "gemini-25-flash-image",
		Type:      catalog.TypeImage,
		ItemCount: 1,
	})
	require.NoError(t, err)
	assert.Equal(t, int64(98), res.Credits)
	assert.Equal(t, "flat", res.MatchedKey)

	res, err = rs.Resolve(Request{
		ModelID:            "gemini-25-flash-image",
		Type:               catalog.TypeImage,
		UploadedImageCount: 1,
		ItemCount:          1,
	})
	require.NoError(t, err)
	assert.Equal(t, int64(108), res.Credits)
	assert.Equal(t, "i2i", res.MatchedKey)
}

func TestResolveModeDerivation(t *testing.T) {
	rs := newTestResolver(t)

	res, err := rs.Resolve(Request{
		ModelID:         "kling-v2.5-turbo-pro",
		Type:            catalog.TypeVideo,
		DurationSeconds: 5,
		ItemCount:       1,
	})
	require.NoError(t, err)
	assert.Equal(t, int64(900), res.Credits)
	assert.Equal(t, "t2v-5s", res.MatchedKey)

	// An uploaded reference image flips the same request to the
	// image-to-video tier.
	res, err = rs.Resolve(Request{
		ModelID:            "kling-v2.5-turbo-pro",
		Type:               catalog.TypeVideo,
		DurationSeconds:    5,
		UploadedImageCount: 1,
		ItemCount:          1,
	})
	require.NoError(t, err)
	assert.Equal(t, int64(960), res.Credits)
	assert.Equal(t, "i2v-5s", res.MatchedKey)
}

func TestResolveItemCount(t *testing.T) {
	rs := newTestResolver(t)

	_, err := rs.Resolve(Request{ModelID: "gen4_image", Type: catalog.TypeImage, ItemCount: 0})
	assert.ErrorIs(t, err, ErrInvalidParameters)

	_, err = rs.Resolve(Request{ModelID: "gen4_image", Type: catalog.TypeImage, ItemCount: -2})
	assert.ErrorIs(t, err, ErrInvalidParameters)

	res, err := rs.Resolve(Request{ModelID: "gen4_image", Type: catalog.TypeImage, ItemCount: 2})
	require.NoError(t, err)
	assert.Equal(t, int64(360), res.Credits)

	// Counts above the cap clamp to it rather than failing.
	res, err = rs.Resolve(Request{ModelID: "gen4_image", Type: catalog.TypeImage, ItemCount: 9})
	require.NoError(t, err)
	assert.Equal(t, int64(720), res.Credits)
}

func TestResolveAudioSurcharge(t *testing.T) {
	rs := newTestResolver(t)

	res, err := rs.Resolve(Request{
		ModelID:         "veo3-t2v",
		Type:            catalog.TypeVideo,
		DurationSeconds: 8,
		ItemCount:       1,
	})
	require.NoError(t, err)
	assert.Equal(t, int64(6460), res.Credits)

	res, err = rs.Resolve(Request{
		ModelID:         "veo3-t2v",
		Type:            catalog.TypeVideo,
		DurationSeconds: 8,
		GenerateAudio:   true,
		ItemCount:       1,
	})
	require.NoError(t, err)
	assert.Equal(t, int64(6460+640), res.Credits)
}

func TestResolveNegativeInputs(t *testing.T) {
	rs := newTestResolver(t)

	_, err := rs.Resolve(Request{
		ModelID:         "wan-2.5-t2v",
		Type:            catalog.TypeVideo,
		DurationSeconds: -5,
		ItemCount:       1,
	})
	assert.ErrorIs(t, err, ErrInvalidParameters)

	_, err = rs.Resolve(Request{
		ModelID:    "elevenlabs-tts",
		Type:       catalog.TypeSpeech,
		TextLength: -1,
		ItemCount:  1,
	})
	assert.ErrorIs(t, err, ErrInvalidParameters)
}

func TestResolveDeterministic(t *testing.T) {
	rs := newTestResolver(t)

	req := Request{
		ModelID:         "seedance-1.0-pro",
		Type:            catalog.TypeVideo,
		DurationSeconds: 10,
		Resolution:      "1080p",
		ItemCount:       3,
	}
	first, err := rs.Resolve(req)
	require.NoError(t, err)
	assert.Equal(t, int64(3*3060), first.Credits)
	assert.Equal(t, "t2v-10s-1080p", first.MatchedKey)

	for i := 0; i < 10; i++ {
		again, err := rs.Resolve(req)
		require.NoError(t, err)
		assert.Equal(t, first, again)
	}
}
