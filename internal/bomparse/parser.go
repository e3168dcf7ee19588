// Package bomparse turns vendor-specific PCB design export archives into
// BOM documents. Parsing is read-only: the caller decides whether to
// persist the result, so a failed parse leaves nothing behind.
package bomparse

import (
	"archive/zip"
	"bytes"
	"errors"
	"fmt"
	"io"
	"regexp"
	"strconv"
	"strings"

	"github.com/rs/zerolog/log"

	"github.com/hydrogen602/ElectronicsInventorySystem/internal/models"
)

// Source discriminates the originating design-tool format of an upload.
type Source string

// SourceFusion360 is an Autodesk Fusion 360 Gerber-export bundle.
const SourceFusion360 Source = "fusion360"

var (
	// ErrUnsupportedFormat means the src tag names no known parser. It is
	// returned before the archive bytes are touched.
	ErrUnsupportedFormat = errors.New("unsupported BOM source format")

	// ErrMalformedArchive means the upload is not a valid zip, or the
	// expected partlist manifest is missing or ambiguous.
	ErrMalformedArchive = errors.New("malformed design-export archive")

	// ErrMalformedBom means the manifest was found but a row or header
	// violates the partlist structure.
	ErrMalformedBom = errors.New("malformed BOM manifest")
)

// Parser extracts an unsaved BOM from archive bytes of one specific format.
type Parser interface {
	Parse(archive []byte) (models.Bom, error)
}

var parsers = map[Source]func() Parser{
	SourceFusion360: func() Parser { return fusion360Parser{} },
}

// Sources lists the supported src tags.
func Sources() []Source {
	out := make([]Source, 0, len(parsers))
	for src := range parsers {
		out = append(out, src)
	}
	return out
}

// ParseArchive dispatches to the parser for src.
func ParseArchive(archive []byte, src Source) (models.Bom, error) {
	factory, ok := parsers[src]
	if !ok {
		return models.Bom{}, fmt.Errorf("%w: %q", ErrUnsupportedFormat, src)
	}
	return factory().Parse(archive)
}

// --- Fusion 360 ---

const (
	assemblyDir     = "CAMOutputs/Assembly/"
	partlistMagic   = "Partlist exported from Fusion Hub"
	minPartlistRows = 3 // info line, blank line, header line
)

type fusion360Parser struct{}

// Parse locates the partlist inside the Gerber bundle. Fusion writes it
// under CAMOutputs/Assembly/ next to the pick-and-place files; the file
// name varies with the project, so files are recognized by content.
func (fusion360Parser) Parse(archive []byte) (models.Bom, error) {
	reader, err := zip.NewReader(bytes.NewReader(archive), int64(len(archive)))
	if err != nil {
		return models.Bom{}, fmt.Errorf("%w: not a zip file: %v", ErrMalformedArchive, err)
	}

	var partlists []string
	for _, f := range reader.File {
		if !strings.Contains(f.Name, assemblyDir) || strings.HasSuffix(f.Name, "/") {
			continue
		}
		content, err := readZipFile(f)
		if err != nil {
			return models.Bom{}, fmt.Errorf("%w: reading %s: %v", ErrMalformedArchive, f.Name, err)
		}
		if strings.HasPrefix(content, partlistMagic) {
			partlists = append(partlists, content)
		}
	}

	switch len(partlists) {
	case 0:
		return models.Bom{}, fmt.Errorf("%w: no partlist found under %s", ErrMalformedArchive, assemblyDir)
	case 1:
	default:
		return models.Bom{}, fmt.Errorf("%w: %d partlist files found, expected one", ErrMalformedArchive, len(partlists))
	}

	bom, err := parseFusionPartlist(partlists[0])
	if err != nil {
		return models.Bom{}, err
	}
	log.Info().Int("rows", len(bom.Rows)).Msg("Parsed Fusion 360 partlist")
	return bom, nil
}

func readZipFile(f *zip.File) (string, error) {
	rc, err := f.Open()
	if err != nil {
		return "", err
	}
	defer rc.Close()
	data, err := io.ReadAll(rc)
	if err != nil {
		return "", err
	}
	return string(data), nil
}

// column is one fixed-width column of the partlist table. The table is
// neatly padded, so every column starts and ends at the same index in
// every line; the last column runs to the end of each line.
type column struct {
	name  string
	start int
	end   int // -1 = rest of line
}

func (c column) extract(line string) string {
	if c.start >= len(line) {
		return ""
	}
	end := c.end
	if end < 0 || end > len(line) {
		end = len(line)
	}
	return strings.TrimSpace(line[c.start:end])
}

var headerWordRe = regexp.MustCompile(`\w+`)

func parseHeader(headerLine string) []column {
	matches := headerWordRe.FindAllStringIndex(headerLine, -1)
	cols := make([]column, len(matches))
	for i, m := range matches {
		end := -1
		if i+1 < len(matches) {
			end = matches[i+1][0]
		}
		cols[i] = column{
			name:  headerLine[m[0]:m[1]],
			start: m[0],
			end:   end,
		}
	}
	return cols
}

func findColumn(cols []column, name string) (column, error) {
	for _, c := range cols {
		if c.name == name {
			return c, nil
		}
	}
	return column{}, fmt.Errorf("%w: header %q not found", ErrMalformedBom, name)
}

func splitParts(cell string) []string {
	fields := strings.FieldsFunc(cell, func(r rune) bool {
		return r == ',' || r == ';'
	})
	out := make([]string, 0, len(fields))
	for _, f := range fields {
		if trimmed := strings.TrimSpace(f); trimmed != "" {
			out = append(out, trimmed)
		}
	}
	return out
}

// parseFusionPartlist parses the exported text: line 0 is the info line,
// line 2 is the column header, everything after is data.
func parseFusionPartlist(text string) (models.Bom, error) {
	text = strings.ReplaceAll(text, "\r\n", "\n")
	lines := strings.Split(strings.TrimSpace(text), "\n")
	if len(lines) < minPartlistRows {
		return models.Bom{}, fmt.Errorf("%w: partlist too short to parse", ErrMalformedBom)
	}

	infoLine := lines[0]
	cols := parseHeader(lines[2])
	dataLines := lines[3:]

	var (
		qtyCol, valueCol, deviceCol, packageCol, partsCol column
		descCol, categoryCol, mfrCol, mfrPNCol, mpnCol    column
		err                                               error
	)
	required := []struct {
		dst  *column
		name string
	}{
		{&qtyCol, "Qty"},
		{&valueCol, "Value"},
		{&deviceCol, "Device"},
		{&packageCol, "Package"},
		{&partsCol, "Parts"},
		{&descCol, "Description"},
		{&categoryCol, "CATEGORY"},
		{&mfrCol, "MANUFACTURER"},
		{&mfrPNCol, "MANUFACTURER_PART_NUMBER"},
		{&mpnCol, "MPN"},
	}
	for _, r := range required {
		if *r.dst, err = findColumn(cols, r.name); err != nil {
			return models.Bom{}, err
		}
	}

	rows := make([]models.BomEntry, 0, len(dataLines))
	for _, line := range dataLines {
		if strings.TrimSpace(line) == "" {
			continue
		}

		qtyStr := qtyCol.extract(line)
		if qtyStr == "" {
			return models.Bom{}, fmt.Errorf("%w: missing Qty in line %q", ErrMalformedBom, line)
		}
		qty, err := strconv.Atoi(qtyStr)
		if err != nil {
			return models.Bom{}, fmt.Errorf("%w: invalid Qty %q in line %q", ErrMalformedBom, qtyStr, line)
		}

		device := deviceCol.extract(line)
		if device == "" {
			return models.Bom{}, fmt.Errorf("%w: missing Device in line %q", ErrMalformedBom, line)
		}
		pkg := packageCol.extract(line)
		if pkg == "" {
			return models.Bom{}, fmt.Errorf("%w: missing Package in line %q", ErrMalformedBom, line)
		}
		partsCell := partsCol.extract(line)
		if partsCell == "" {
			return models.Bom{}, fmt.Errorf("%w: missing Parts in line %q", ErrMalformedBom, line)
		}

		rows = append(rows, models.BomEntry{
			Qty:                     qty,
			Device:                  device,
			Value:                   optional(valueCol.extract(line)),
			Description:             optional(descCol.extract(line)),
			Manufacturer:            optional(mfrCol.extract(line)),
			Parts:                   splitParts(partsCell),
			Comments:                "",
			InventoryItemMappingIDs: []string{},
			Fusion360Ext: &models.FusionExt{
				Package:                pkg,
				Category:               optional(categoryCol.extract(line)),
				ManufacturerPartNumber: optional(mfrPNCol.extract(line)),
				MPN:                    optional(mpnCol.extract(line)),
			},
		})
	}

	return models.Bom{
		InfoLine: &infoLine,
		Project:  models.EmptyProjectInfo(),
		Rows:     rows,
	}, nil
}

func optional(s string) *string {
	if s == "" {
		return nil
	}
	return &s
}
