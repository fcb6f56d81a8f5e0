package transform

import "context"

// Kind tags a transform operation. Steps and pool tasks share this vocabulary.
type Kind string

const (
	KindRedact         Kind = "redact"
	KindSign           Kind = "sign"
	KindSplit          Kind = "split"
	KindWatermark      Kind = "watermark"
	KindRotate         Kind = "rotate"
	KindCompress       Kind = "compress"
	KindMerge          Kind = "merge"
	KindExtract        Kind = "extract"
	KindAddPageNumbers Kind = "add-page-numbers"
	KindConvertToImage Kind = "convert-to-image"
	KindAddPassword    Kind = "add-password"
	KindExtractText    Kind = "extract-text"
	KindOCR            Kind = "ocr"

	// KindNoop is pipeline-only; it is never submitted to the pool.
	KindNoop Kind = "noop"
)

// AllKinds lists every known kind in a stable order.
var AllKinds = []Kind{
	KindRedact, KindSign, KindSplit, KindWatermark, KindRotate, KindCompress,
	KindMerge, KindExtract, KindAddPageNumbers, KindConvertToImage,
	KindAddPassword, KindExtractText, KindOCR, KindNoop,
}

func (k Kind) String() string { return string(k) }

// Known reports whether k is part of the vocabulary.
func (k Kind) Known() bool {
	for _, known := range AllKinds {
		if k == known {
			return true
		}
	}
	return false
}

// Combining reports whether the kind consumes the whole file set as one unit.
func (k Kind) Combining() bool { return k == KindMerge }

// Input is the payload handed to a transform. Non-combining kinds read only
// Documents[0].
type Input struct {
	Name      string
	Documents [][]byte
	Settings  Settings
}

// Document returns the first document or nil.
func (in Input) Document() []byte {
	if len(in.Documents) == 0 {
		return nil
	}
	return in.Documents[0]
}

// Output is what a transform produces. Data feeds the next step.
type Output struct {
	Data []byte
	// Ext overrides the artifact extension (e.g. ".zip" for split output).
	Ext  string
	Meta map[string]string
}

// Func is a single transform implementation.
type Func func(ctx context.Context, in Input) (Output, error)
