package ingest

import (
	"context"
	"encoding/csv"
	"errors"
	"fmt"
	"io"
	"strings"

	"github.com/cloudwego/eino/components/document/parser"
	"github.com/cloudwego/eino/schema"
)

// csvParser renders each record as "column: value" pairs on its own line, so a
// row read back out of memory still names its fields.
type csvParser struct{}

func (csvParser) Parse(ctx context.Context, r io.Reader, opts ...parser.Option) ([]*schema.Document, error) {
	opt := parser.GetCommonOptions(&parser.Options{}, opts...)

	reader := csv.NewReader(r)
	reader.FieldsPerRecord = -1
	reader.TrimLeadingSpace = true

	header, err := reader.Read()
	if errors.Is(err, io.EOF) {
		return []*schema.Document{{Content: "", MetaData: map[string]any{parser.MetaKeySource: opt.URI}}}, nil
	}
	if err != nil {
		return nil, fmt.Errorf("read csv header: %w", err)
	}

	var b strings.Builder
	for {
		if err := ctx.Err(); err != nil {
			return nil, err
		}
		record, err := reader.Read()
		if errors.Is(err, io.EOF) {
			break
		}
		if err != nil {
			return nil, fmt.Errorf("read csv: %w", err)
		}

		fields := make([]string, 0, len(record))
		for i, value := range record {
			value = strings.TrimSpace(value)
			if value == "" {
				continue
			}
			if i < len(header) && strings.TrimSpace(header[i]) != "" {
				fields = append(fields, strings.TrimSpace(header[i])+": "+value)
			} else {
				fields = append(fields, value)
			}
		}
		if len(fields) > 0 {
			b.WriteString(strings.Join(fields, "; "))
			// A blank line lets the splitter treat each row as a paragraph.
			b.WriteString("\n\n")
		}
	}

	meta := map[string]any{parser.MetaKeySource: opt.URI}
	for k, v := range opt.ExtraMeta {
		meta[k] = v
	}
	return []*schema.Document{{Content: b.String(), MetaData: meta}}, nil
}
