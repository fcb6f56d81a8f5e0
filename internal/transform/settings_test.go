package transform

import (
	"context"
	"errors"
	"testing"

	"github.com/stretchr/testify/require"
)

func TestParseSettings_DefaultsAndOverrides(t *testing.T) {
	s, err := ParseSettings(KindRotate, nil)
	require.NoError(t, err)
	require.Equal(t, RotateSettings{Angle: 90}, s)

	s, err = ParseSettings(KindCompress, map[string]any{"quality": 0.3})
	require.NoError(t, err)
	require.Equal(t, CompressSettings{Quality: 0.3}, s)

	s, err = ParseSettings(KindWatermark, map[string]any{"text": "DRAFT"})
	require.NoError(t, err)
	wm := s.(WatermarkSettings)
	require.Equal(t, "DRAFT", wm.Text)
	require.Equal(t, 0.5, wm.Opacity)
	require.Equal(t, 48, wm.FontSize)
}

func TestParseSettings_Validation(t *testing.T) {
	cases := []struct {
		kind Kind
		raw  map[string]any
	}{
		{KindRotate, map[string]any{"angle": 45}},
		{KindCompress, map[string]any{"quality": 1.5}},
		{KindWatermark, map[string]any{"text": "  "}},
		{KindExtract, map[string]any{"pages": "0-2"}},
		{KindExtract, nil},
		{KindSplit, map[string]any{"pagesPerDocument": 0}},
		{KindAddPageNumbers, map[string]any{"position": "middle"}},
		{KindAddPassword, nil},
		{KindRedact, map[string]any{"terms": []any{"("}, "useRegex": true}},
		{KindConvertToImage, map[string]any{"format": "gif"}},
		{KindSign, nil},
		{KindRotate, map[string]any{"angle": "ninety"}},
	}
	for _, c := range cases {
		_, err := ParseSettings(c.kind, c.raw)
		require.Error(t, err, "kind=%s raw=%v", c.kind, c.raw)
		require.True(t, errors.Is(err, ErrInvalidOption), "kind=%s err=%v", c.kind, err)
	}
}

func TestParseSettings_UnknownKind(t *testing.T) {
	_, err := ParseSettings(Kind("teleport"), nil)
	require.ErrorIs(t, err, ErrUnknownKind)
	require.False(t, Kind("teleport").Known())
	require.True(t, KindMerge.Known())
	require.True(t, KindMerge.Combining())
	require.False(t, KindRotate.Combining())
}

func TestExtractSettings_Selection(t *testing.T) {
	s, err := ParseSettings(KindExtract, map[string]any{"pages": "1-3, 5,8-"})
	require.NoError(t, err)
	require.Equal(t, []string{"1-3", "5", "8-"}, s.(ExtractSettings).Selection())
}

func TestRegistry_Execute(t *testing.T) {
	r := NewRegistry()
	_, err := r.Execute(context.Background(), KindOCR, Input{})
	require.ErrorIs(t, err, ErrNoTransform)

	r.Register(KindOCR, func(_ context.Context, in Input) (Output, error) {
		return Output{Data: in.Document()}, nil
	})
	require.True(t, r.Has(KindOCR))

	out, err := r.Execute(context.Background(), KindOCR, Input{Documents: [][]byte{[]byte("x")}})
	require.NoError(t, err)
	require.Equal(t, []byte("x"), out.Data)

	_, err = r.Execute(context.Background(), KindOCR, Input{Settings: RotateSettings{Angle: 90}})
	require.ErrorIs(t, err, ErrSettingsKind)

	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	_, err = r.Execute(ctx, KindOCR, Input{})
	require.ErrorIs(t, err, context.Canceled)
}

func TestMaskSecrets(t *testing.T) {
	raw := map[string]any{"userPassword": "hunter2", "ownerPassword": "s3cret"}
	masked := MaskSecrets(KindAddPassword, raw)
	require.Equal(t, map[string]any{"userPassword": Redacted, "ownerPassword": Redacted}, masked)
	require.Equal(t, "hunter2", raw["userPassword"])

	require.Equal(t, map[string]any{"angle": 90}, MaskSecrets(KindRotate, map[string]any{"angle": 90}))
	require.Nil(t, MaskSecrets(KindAddPassword, nil))
}
