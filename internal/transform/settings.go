package transform

import (
	"fmt"
	"maps"
	"regexp"
	"strings"

	"github.com/bytedance/sonic"
)

// Settings is the typed configuration of one step. Each kind has its own
// variant; ParseSettings picks the variant from the step type.
type Settings interface {
	Kind() Kind
	Validate() error
}

// Redacted replaces secret setting values in job records.
const Redacted = "[redacted]"

var secretKeys = map[Kind][]string{
	KindAddPassword: {"userPassword", "ownerPassword"},
}

// MaskSecrets returns a copy of raw with the secret values of kind replaced
// by Redacted.
func MaskSecrets(kind Kind, raw map[string]any) map[string]any {
	out := maps.Clone(raw)
	for _, key := range secretKeys[kind] {
		if _, ok := out[key]; ok {
			out[key] = Redacted
		}
	}
	return out
}

type RotateSettings struct {
	Angle int `json:"angle"`
}

func (RotateSettings) Kind() Kind { return KindRotate }

func (s RotateSettings) Validate() error {
	if s.Angle%90 != 0 {
		return invalid(KindRotate, "angle %d is not a multiple of 90", s.Angle)
	}
	if s.Angle <= -360 || s.Angle >= 360 {
		return invalid(KindRotate, "angle %d out of range", s.Angle)
	}
	return nil
}

// CompressSettings carries a quality hint in (0,1]. Lower means more
// aggressive optimization.
type CompressSettings struct {
	Quality float64 `json:"quality"`
}

func (CompressSettings) Kind() Kind { return KindCompress }

func (s CompressSettings) Validate() error {
	if s.Quality <= 0 || s.Quality > 1 {
		return invalid(KindCompress, "quality %.2f must be in (0,1]", s.Quality)
	}
	return nil
}

type WatermarkSettings struct {
	Text     string  `json:"text"`
	Opacity  float64 `json:"opacity"`
	FontSize int     `json:"fontSize"`
	Rotation float64 `json:"rotation"`
}

func (WatermarkSettings) Kind() Kind { return KindWatermark }

func (s WatermarkSettings) Validate() error {
	if strings.TrimSpace(s.Text) == "" {
		return invalid(KindWatermark, "text is required")
	}
	if s.Opacity <= 0 || s.Opacity > 1 {
		return invalid(KindWatermark, "opacity %.2f must be in (0,1]", s.Opacity)
	}
	if s.FontSize < 1 {
		return invalid(KindWatermark, "fontSize must be positive")
	}
	return nil
}

type SplitSettings struct {
	PagesPerDocument int `json:"pagesPerDocument"`
}

func (SplitSettings) Kind() Kind { return KindSplit }

func (s SplitSettings) Validate() error {
	if s.PagesPerDocument < 1 {
		return invalid(KindSplit, "pagesPerDocument must be >= 1")
	}
	return nil
}

type MergeSettings struct {
	Divider bool `json:"divider"`
}

func (MergeSettings) Kind() Kind { return KindMerge }
func (MergeSettings) Validate() error { return nil }

var pageRangePart = regexp.MustCompile(`^\d+(-\d*)?$`)

// ExtractSettings keeps the selected pages, e.g. "1-3,5,8-".
type ExtractSettings struct {
	Pages string `json:"pages"`
}

func (ExtractSettings) Kind() Kind { return KindExtract }

func (s ExtractSettings) Validate() error {
	if _, err := parsePageSelection(s.Pages); err != nil {
		return invalid(KindExtract, "%v", err)
	}
	return nil
}

// Selection returns the page selection split into pdfcpu form.
func (s ExtractSettings) Selection() []string {
	sel, _ := parsePageSelection(s.Pages)
	return sel
}

func parsePageSelection(raw string) ([]string, error) {
	if strings.TrimSpace(raw) == "" {
		return nil, fmt.Errorf("pages is required")
	}
	parts := strings.Split(raw, ",")
	out := make([]string, 0, len(parts))
	for _, p := range parts {
		p = strings.TrimSpace(p)
		if !pageRangePart.MatchString(p) || strings.HasPrefix(p, "0") {
			return nil, fmt.Errorf("bad page range %q", p)
		}
		out = append(out, p)
	}
	return out, nil
}

var pagePositions = map[string]struct{}{
	"tl": {}, "tc": {}, "tr": {}, "l": {}, "c": {}, "r": {}, "bl": {}, "bc": {}, "br": {},
}

// PageNumbersSettings stamps a page label. Format accepts {n} and {total}.
type PageNumbersSettings struct {
	Position string `json:"position"`
	Format   string `json:"format"`
	FontSize int    `json:"fontSize"`
}

func (PageNumbersSettings) Kind() Kind { return KindAddPageNumbers }

func (s PageNumbersSettings) Validate() error {
	if _, ok := pagePositions[s.Position]; !ok {
		return invalid(KindAddPageNumbers, "unknown position %q", s.Position)
	}
	if !strings.Contains(s.Format, "{n}") {
		return invalid(KindAddPageNumbers, "format must contain {n}")
	}
	if s.FontSize < 1 {
		return invalid(KindAddPageNumbers, "fontSize must be positive")
	}
	return nil
}

type PasswordSettings struct {
	UserPassword  string `json:"userPassword"`
	OwnerPassword string `json:"ownerPassword"`
}

func (PasswordSettings) Kind() Kind { return KindAddPassword }

func (s PasswordSettings) Validate() error {
	if s.UserPassword == "" && s.OwnerPassword == "" {
		return invalid(KindAddPassword, "a user or owner password is required")
	}
	return nil
}

type RedactSettings struct {
	Terms    []string `json:"terms"`
	UseRegex bool     `json:"useRegex"`
}

func (RedactSettings) Kind() Kind { return KindRedact }

func (s RedactSettings) Validate() error {
	if len(s.Terms) == 0 {
		return invalid(KindRedact, "at least one term is required")
	}
	if s.UseRegex {
		for _, t := range s.Terms {
			if _, err := regexp.Compile(t); err != nil {
				return invalid(KindRedact, "term %q: %v", t, err)
			}
		}
	}
	return nil
}

type SignSettings struct {
	Name     string `json:"name"`
	Reason   string `json:"reason"`
	Location string `json:"location"`
}

func (SignSettings) Kind() Kind { return KindSign }

func (s SignSettings) Validate() error {
	if strings.TrimSpace(s.Name) == "" {
		return invalid(KindSign, "name is required")
	}
	return nil
}

type ConvertToImageSettings struct {
	Format string `json:"format"`
	DPI    int    `json:"dpi"`
}

func (ConvertToImageSettings) Kind() Kind { return KindConvertToImage }

func (s ConvertToImageSettings) Validate() error {
	if s.Format != "png" && s.Format != "jpeg" {
		return invalid(KindConvertToImage, "format %q must be png or jpeg", s.Format)
	}
	if s.DPI < 72 || s.DPI > 600 {
		return invalid(KindConvertToImage, "dpi %d must be in [72,600]", s.DPI)
	}
	return nil
}

type OCRSettings struct {
	Languages []string `json:"languages"`
}

func (OCRSettings) Kind() Kind { return KindOCR }

func (s OCRSettings) Validate() error {
	if len(s.Languages) == 0 {
		return invalid(KindOCR, "at least one language is required")
	}
	return nil
}

type ExtractTextSettings struct{}

func (ExtractTextSettings) Kind() Kind { return KindExtractText }
func (ExtractTextSettings) Validate() error { return nil }

type NoopSettings struct{}

func (NoopSettings) Kind() Kind { return KindNoop }
func (NoopSettings) Validate() error { return nil }

// defaults returns a pointer to the kind's settings variant pre-filled with
// default values.
func defaults(kind Kind) (any, error) {
	switch kind {
	case KindRotate:
		return &RotateSettings{Angle: 90}, nil
	case KindCompress:
		return &CompressSettings{Quality: 0.7}, nil
	case KindWatermark:
		return &WatermarkSettings{Opacity: 0.5, FontSize: 48, Rotation: 45}, nil
	case KindSplit:
		return &SplitSettings{PagesPerDocument: 1}, nil
	case KindMerge:
		return &MergeSettings{}, nil
	case KindExtract:
		return &ExtractSettings{}, nil
	case KindAddPageNumbers:
		return &PageNumbersSettings{Position: "bc", Format: "{n}", FontSize: 10}, nil
	case KindAddPassword:
		return &PasswordSettings{}, nil
	case KindRedact:
		return &RedactSettings{}, nil
	case KindSign:
		return &SignSettings{}, nil
	case KindConvertToImage:
		return &ConvertToImageSettings{Format: "png", DPI: 150}, nil
	case KindOCR:
		return &OCRSettings{Languages: []string{"eng"}}, nil
	case KindExtractText:
		return &ExtractTextSettings{}, nil
	case KindNoop:
		return &NoopSettings{}, nil
	default:
		return nil, fmt.Errorf("%w: %q", ErrUnknownKind, kind)
	}
}

// ParseSettings decodes a free-form settings map into the typed variant for
// kind, applying defaults for absent keys, and validates it.
func ParseSettings(kind Kind, raw map[string]any) (Settings, error) {
	target, err := defaults(kind)
	if err != nil {
		return nil, err
	}
	if len(raw) > 0 {
		data, err := sonic.Marshal(raw)
		if err != nil {
			return nil, fmt.Errorf("encode %s settings: %w", kind, err)
		}
		if err := sonic.Unmarshal(data, target); err != nil {
			return nil, fmt.Errorf("%w: %s: %v", ErrInvalidOption, kind, err)
		}
	}
	settings := deref(target)
	if err := settings.Validate(); err != nil {
		return nil, err
	}
	return settings, nil
}

func deref(target any) Settings {
	switch s := target.(type) {
	case *RotateSettings:
		return *s
	case *CompressSettings:
		return *s
	case *WatermarkSettings:
		return *s
	case *SplitSettings:
		return *s
	case *MergeSettings:
		return *s
	case *ExtractSettings:
		return *s
	case *PageNumbersSettings:
		return *s
	case *PasswordSettings:
		return *s
	case *RedactSettings:
		return *s
	case *SignSettings:
		return *s
	case *ConvertToImageSettings:
		return *s
	case *OCRSettings:
		return *s
	case *ExtractTextSettings:
		return *s
	default:
		return NoopSettings{}
	}
}
