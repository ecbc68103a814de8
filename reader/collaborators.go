package reader

import "context"

// DocumentTextProvider renders a fetched PDF document into plain text. The
// delivery reports are published as positional-text PDFs; rendering them is
// delegated so the extraction logic stays testable against plain strings.
type DocumentTextProvider interface {
	Text(ctx context.Context, doc []byte) (string, error)
}

// TableReader decodes a fetched spreadsheet into rows of cell strings.
type TableReader interface {
	Rows(ctx context.Context, doc []byte) ([][]string, error)
}
