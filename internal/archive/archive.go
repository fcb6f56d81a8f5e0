package archive

import (
	"archive/zip"
	"bytes"
	"errors"
	"fmt"
	"io"
	"path"
	"strings"

	"github.com/rs/zerolog/log"
)

// Entry is one named blob to put into the archive.
type Entry struct {
	Name string
	Data []byte
}

// Result describes outcome of writing a single entry into the zip
type Result struct {
	Filename string
	Err      string
}

var ErrNoEntries = errors.New("no entries provided")

// Write streams entries as files of a zip archive into w.
// It always returns a results slice of the same length as entries. Entries
// that cannot be written get Result.Err set and are omitted from the archive;
// the archive is still valid.
func Write(w io.Writer, entries []Entry) ([]Result, error) {
	if len(entries) == 0 {
		return nil, ErrNoEntries
	}

	zipWriter := zip.NewWriter(w)
	used := make(map[string]int, len(entries))

	results := make([]Result, len(entries))
	for i, entry := range entries {
		results[i] = writeEntry(zipWriter, entry, i, used)
	}

	if err := zipWriter.Close(); err != nil {
		log.Error().Err(err).Msg("closing zip writer failed")
		return results, fmt.Errorf("close zip writer: %w", err)
	}
	return results, nil
}

// Build is Write into memory.
func Build(entries []Entry) ([]byte, []Result, error) {
	var buf bytes.Buffer
	results, err := Write(&buf, entries)
	if err != nil {
		return nil, results, err
	}
	return buf.Bytes(), results, nil
}

func writeEntry(zipWriter *zip.Writer, entry Entry, index int, used map[string]int) Result {
	filename := UniqueName(deriveFilename(entry.Name, index), used)
	result := Result{Filename: filename}

	if len(entry.Data) == 0 {
		result.Err = "empty entry"
		log.Warn().Str("name", filename).Msg("skipping empty archive entry")
		return result
	}

	zipEntryWriter, err := zipWriter.Create(filename)
	if err != nil {
		result.Err = err.Error()
		log.Warn().Str("name", filename).Err(err).Msg("zip entry create failed")
		return result
	}
	if _, err := zipEntryWriter.Write(entry.Data); err != nil {
		result.Err = err.Error()
		log.Warn().Str("name", filename).Err(err).Msg("write into zip failed")
		return result
	}
	return result
}

// deriveFilename strips any directory part from name or falls back to index-based naming
func deriveFilename(name string, index int) string {
	trimmed := strings.TrimSpace(strings.ReplaceAll(name, "\\", "/"))
	if trimmed == "" {
		return fmt.Sprintf("file-%d", index+1)
	}
	base := path.Base(trimmed)
	if base == "/" || base == "." || base == ".." || base == "" {
		return fmt.Sprintf("file-%d", index+1)
	}
	return base
}

// UniqueName appends " (n)" before the extension when name was already used.
// used tracks the names handed out so far.
func UniqueName(name string, used map[string]int) string {
	count := used[name]
	used[name] = count + 1
	if count == 0 {
		return name
	}
	ext := path.Ext(name)
	candidate := fmt.Sprintf("%s (%d)%s", strings.TrimSuffix(name, ext), count+1, ext)
	return UniqueName(candidate, used)
}
