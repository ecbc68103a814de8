package reader

import (
	"bytes"
	"context"
	"encoding/csv"
	"fmt"
	"os/exec"
)

// CommandTextProvider decodes a document to plain text by piping it through
// an external converter (pdftotext for the CME delivery PDFs).
type CommandTextProvider struct {
	command string
	args    []string
}

// NewPdfTextProvider returns a provider backed by pdftotext reading from
// stdin and writing layout-preserved text to stdout.
func NewPdfTextProvider() *CommandTextProvider {
	return &CommandTextProvider{command: "pdftotext", args: []string{"-layout", "-", "-"}}
}

// NewCommandTextProvider builds a provider for an arbitrary converter. The
// command must read the document on stdin and print text on stdout.
func NewCommandTextProvider(command string, args ...string) *CommandTextProvider {
	return &CommandTextProvider{command: command, args: args}
}

func (p *CommandTextProvider) Text(ctx context.Context, doc []byte) (string, error) {
	out, err := runFilter(ctx, p.command, p.args, doc)
	if err != nil {
		return "", err
	}
	return string(out), nil
}

// CommandTableReader decodes a spreadsheet to rows by piping it through an
// external converter that emits CSV.
type CommandTableReader struct {
	command string
	args    []string
}

// NewXlsTableReader returns a reader backed by xls2csv reading the
// spreadsheet from stdin.
func NewXlsTableReader() *CommandTableReader {
	return &CommandTableReader{command: "xls2csv", args: []string{"-"}}
}

// NewCommandTableReader builds a reader for an arbitrary converter. The
// command must read the spreadsheet on stdin and print CSV on stdout.
func NewCommandTableReader(command string, args ...string) *CommandTableReader {
	return &CommandTableReader{command: command, args: args}
}

func (r *CommandTableReader) Rows(ctx context.Context, doc []byte) ([][]string, error) {
	out, err := runFilter(ctx, r.command, r.args, doc)
	if err != nil {
		return nil, err
	}

	reader := csv.NewReader(bytes.NewReader(out))
	reader.FieldsPerRecord = -1
	rows, err := reader.ReadAll()
	if err != nil {
		return nil, fmt.Errorf("parse converter output: %w", err)
	}
	return rows, nil
}

func runFilter(ctx context.Context, command string, args []string, input []byte) ([]byte, error) {
	cmd := exec.CommandContext(ctx, command, args...)
	cmd.Stdin = bytes.NewReader(input)

	var stdout, stderr bytes.Buffer
	cmd.Stdout = &stdout
	cmd.Stderr = &stderr

	if err := cmd.Run(); err != nil {
		if stderr.Len() > 0 {
			return nil, fmt.Errorf("%s: %w: %s", command, err, stderr.String())
		}
		return nil, fmt.Errorf("%s: %w", command, err)
	}
	return stdout.Bytes(), nil
}
