package transform

import (
	"bytes"
	"context"
	"fmt"
	"strconv"
	"strings"

	"github.com/ledongthuc/pdf"
)

// ExtractText passes the document through unchanged and reports its plain
// text in Meta["text"].
func ExtractText(ctx context.Context, in Input) (Output, error) {
	doc := in.Document()
	if len(doc) == 0 {
		return Output{}, ErrNoDocument
	}
	reader, err := pdf.NewReader(bytes.NewReader(doc), int64(len(doc)))
	if err != nil {
		return Output{}, fmt.Errorf("open pdf: %w", err)
	}

	totalPages := reader.NumPage()
	var sb strings.Builder
	for pageIndex := 1; pageIndex <= totalPages; pageIndex++ {
		if err := ctx.Err(); err != nil {
			return Output{}, err
		}
		p := reader.Page(pageIndex)
		if p.V.IsNull() {
			continue
		}
		text, err := p.GetPlainText(nil)
		if err != nil {
			return Output{}, fmt.Errorf("failed to extract text from page %d: %w", pageIndex, err)
		}
		if sb.Len() > 0 {
			sb.WriteString("\n")
		}
		sb.WriteString(text)
	}

	return Output{
		Data: doc,
		Meta: map[string]string{
			"text":  sb.String(),
			"pages": strconv.Itoa(totalPages),
		},
	}, nil
}
