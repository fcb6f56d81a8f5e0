package transform

import (
	"bytes"
	"context"
	"fmt"
	"io"
	"path"
	"strconv"
	"strings"

	"github.com/pdfcpu/pdfcpu/pkg/api"
	"github.com/pdfcpu/pdfcpu/pkg/pdfcpu/model"
	"github.com/pdfcpu/pdfcpu/pkg/pdfcpu/types"

	"docpipe/internal/archive"
)

func init() {
	// No user fonts or config files; the core font set is enough.
	api.DisableConfigDir()
}

// pdfcpu mutates its configuration while processing, so every call gets a
// fresh one.
func newConf() *model.Configuration {
	cfg := model.NewDefaultConfiguration()
	cfg.ValidationMode = model.ValidationRelaxed
	return cfg
}

// settingsAs returns the input settings as variant T, falling back to the
// kind's defaults when none were supplied.
func settingsAs[T Settings](in Input) (T, error) {
	var zero T
	if in.Settings == nil {
		parsed, err := ParseSettings(zero.Kind(), nil)
		if err != nil {
			return zero, err
		}
		return parsed.(T), nil
	}
	s, ok := in.Settings.(T)
	if !ok {
		return zero, fmt.Errorf("%w: got %s for %s", ErrSettingsKind, in.Settings.Kind(), zero.Kind())
	}
	return s, nil
}

func document(in Input) (io.ReadSeeker, error) {
	doc := in.Document()
	if len(doc) == 0 {
		return nil, ErrNoDocument
	}
	return bytes.NewReader(doc), nil
}

func Rotate(_ context.Context, in Input) (Output, error) {
	s, err := settingsAs[RotateSettings](in)
	if err != nil {
		return Output{}, err
	}
	rs, err := document(in)
	if err != nil {
		return Output{}, err
	}
	var buf bytes.Buffer
	if err := api.Rotate(rs, &buf, s.Angle, nil, newConf()); err != nil {
		return Output{}, fmt.Errorf("rotate: %w", err)
	}
	return Output{Data: buf.Bytes()}, nil
}

// Compress runs pdfcpu's optimizer. The quality hint is recorded in the
// output metadata; pdfcpu does not resample images.
func Compress(_ context.Context, in Input) (Output, error) {
	s, err := settingsAs[CompressSettings](in)
	if err != nil {
		return Output{}, err
	}
	rs, err := document(in)
	if err != nil {
		return Output{}, err
	}
	var buf bytes.Buffer
	if err := api.Optimize(rs, &buf, newConf()); err != nil {
		return Output{}, fmt.Errorf("optimize: %w", err)
	}
	return Output{
		Data: buf.Bytes(),
		Meta: map[string]string{
			"quality":        strconv.FormatFloat(s.Quality, 'f', 2, 64),
			"original_bytes": strconv.Itoa(len(in.Document())),
		},
	}, nil
}

func Merge(_ context.Context, in Input) (Output, error) {
	s, err := settingsAs[MergeSettings](in)
	if err != nil {
		return Output{}, err
	}
	if len(in.Documents) == 0 {
		return Output{}, ErrNoDocument
	}
	if len(in.Documents) == 1 {
		return Output{Data: in.Documents[0]}, nil
	}
	readers := make([]io.ReadSeeker, 0, len(in.Documents))
	for i, doc := range in.Documents {
		if len(doc) == 0 {
			return Output{}, fmt.Errorf("merge: document %d: %w", i+1, ErrNoDocument)
		}
		readers = append(readers, bytes.NewReader(doc))
	}
	var buf bytes.Buffer
	if err := api.MergeRaw(readers, &buf, s.Divider, newConf()); err != nil {
		return Output{}, fmt.Errorf("merge: %w", err)
	}
	return Output{
		Data: buf.Bytes(),
		Meta: map[string]string{"merged_documents": strconv.Itoa(len(readers))},
	}, nil
}

func Extract(_ context.Context, in Input) (Output, error) {
	s, err := settingsAs[ExtractSettings](in)
	if err != nil {
		return Output{}, err
	}
	rs, err := document(in)
	if err != nil {
		return Output{}, err
	}
	var buf bytes.Buffer
	if err := api.Trim(rs, &buf, s.Selection(), newConf()); err != nil {
		return Output{}, fmt.Errorf("extract pages: %w", err)
	}
	return Output{Data: buf.Bytes()}, nil
}

// Split cuts the document into chunks of PagesPerDocument pages and bundles
// them into a zip.
func Split(_ context.Context, in Input) (Output, error) {
	s, err := settingsAs[SplitSettings](in)
	if err != nil {
		return Output{}, err
	}
	rs, err := document(in)
	if err != nil {
		return Output{}, err
	}
	pageCount, err := api.PageCount(rs, newConf())
	if err != nil {
		return Output{}, fmt.Errorf("page count: %w", err)
	}

	stem := strings.TrimSuffix(path.Base(in.Name), path.Ext(in.Name))
	if stem == "" || stem == "." {
		stem = "document"
	}
	entries := make([]archive.Entry, 0, pageCount/s.PagesPerDocument+1)
	for from := 1; from <= pageCount; from += s.PagesPerDocument {
		thru := min(from+s.PagesPerDocument-1, pageCount)
		var part bytes.Buffer
		selection := []string{fmt.Sprintf("%d-%d", from, thru)}
		if err := api.Trim(bytes.NewReader(in.Document()), &part, selection, newConf()); err != nil {
			return Output{}, fmt.Errorf("split pages %d-%d: %w", from, thru, err)
		}
		entries = append(entries, archive.Entry{
			Name: fmt.Sprintf("%s_%d-%d.pdf", stem, from, thru),
			Data: part.Bytes(),
		})
	}

	data, _, err := archive.Build(entries)
	if err != nil {
		return Output{}, fmt.Errorf("split archive: %w", err)
	}
	return Output{
		Data: data,
		Ext:  ".zip",
		Meta: map[string]string{"documents": strconv.Itoa(len(entries))},
	}, nil
}

func Watermark(_ context.Context, in Input) (Output, error) {
	s, err := settingsAs[WatermarkSettings](in)
	if err != nil {
		return Output{}, err
	}
	rs, err := document(in)
	if err != nil {
		return Output{}, err
	}
	desc := fmt.Sprintf("fontname:Helvetica, points:%d, opacity:%.2f, rotation:%.0f, scalefactor:1 abs",
		s.FontSize, s.Opacity, s.Rotation)
	wm, err := api.TextWatermark(s.Text, desc, true, false, types.POINTS)
	if err != nil {
		return Output{}, fmt.Errorf("watermark description: %w", err)
	}
	var buf bytes.Buffer
	if err := api.AddWatermarks(rs, &buf, nil, wm, newConf()); err != nil {
		return Output{}, fmt.Errorf("watermark: %w", err)
	}
	return Output{Data: buf.Bytes()}, nil
}

// AddPageNumbers stamps every page; {n} and {total} map to pdfcpu's %p and %P.
func AddPageNumbers(_ context.Context, in Input) (Output, error) {
	s, err := settingsAs[PageNumbersSettings](in)
	if err != nil {
		return Output{}, err
	}
	rs, err := document(in)
	if err != nil {
		return Output{}, err
	}
	text := strings.NewReplacer("{n}", "%p", "{total}", "%P").Replace(s.Format)
	offset := "0 0"
	switch s.Position[0] {
	case 't':
		offset = "0 -10"
	case 'b':
		offset = "0 10"
	}
	desc := fmt.Sprintf("fontname:Helvetica, points:%d, position:%s, offset:%s, rotation:0, opacity:1, scalefactor:1 abs",
		s.FontSize, s.Position, offset)
	stamp, err := api.TextWatermark(text, desc, true, false, types.POINTS)
	if err != nil {
		return Output{}, fmt.Errorf("page number description: %w", err)
	}
	var buf bytes.Buffer
	if err := api.AddWatermarks(rs, &buf, nil, stamp, newConf()); err != nil {
		return Output{}, fmt.Errorf("add page numbers: %w", err)
	}
	return Output{Data: buf.Bytes()}, nil
}

// AddPassword encrypts with AES-256. A missing owner password defaults to the
// user password.
func AddPassword(_ context.Context, in Input) (Output, error) {
	s, err := settingsAs[PasswordSettings](in)
	if err != nil {
		return Output{}, err
	}
	rs, err := document(in)
	if err != nil {
		return Output{}, err
	}
	owner := s.OwnerPassword
	if owner == "" {
		owner = s.UserPassword
	}
	cfg := model.NewAESConfiguration(s.UserPassword, owner, 256)
	var buf bytes.Buffer
	if err := api.Encrypt(rs, &buf, cfg); err != nil {
		return Output{}, fmt.Errorf("encrypt: %w", err)
	}
	return Output{Data: buf.Bytes()}, nil
}
