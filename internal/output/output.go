// Package output renders CLI results as tables, JSON or YAML.
package output

import (
	"encoding/json"
	"fmt"
	"io"
	"os"
	"strings"

	"github.com/fatih/color"
	"gopkg.in/yaml.v3"
)

var (
	successColor = color.New(color.FgGreen, color.Bold)
	errorColor   = color.New(color.FgRed, color.Bold)
	infoColor    = color.New(color.FgCyan)
	warnColor    = color.New(color.FgYellow)
	headerColor  = color.New(color.FgWhite, color.Bold)
)

// Stdout is where results are written. Tests replace it.
var Stdout io.Writer = os.Stdout

func Success(format string, a ...any) {
	successColor.Fprintf(Stdout, "✓ "+format+"\n", a...)
}

func Error(format string, a ...any) {
	errorColor.Fprintf(os.Stderr, "✗ "+format+"\n", a...)
}

func Info(format string, a ...any) {
	infoColor.Fprintf(Stdout, format+"\n", a...)
}

func Warn(format string, a ...any) {
	warnColor.Fprintf(Stdout, "⚠ "+format+"\n", a...)
}

func JSON(v any) error {
	enc := json.NewEncoder(Stdout)
	enc.SetIndent("", "  ")
	return enc.Encode(v)
}

func YAML(v any) error {
	enc := yaml.NewEncoder(Stdout)
	enc.SetIndent(2)
	defer enc.Close()
	return enc.Encode(v)
}

// Render writes v as json or yaml. It reports false for the table format so
// the caller can draw its own table.
func Render(format string, v any) (bool, error) {
	switch format {
	case "json":
		return true, JSON(v)
	case "yaml":
		return true, YAML(v)
	case "", "table":
		return false, nil
	default:
		return true, fmt.Errorf("unknown output format %q (supported: table, json, yaml)", format)
	}
}

type Table struct {
	headers []string
	rows    [][]string
}

func NewTable(headers []string) *Table {
	return &Table{headers: headers}
}

func (t *Table) AddRow(row []string) {
	t.rows = append(t.rows, row)
}

func (t *Table) Render() {
	widths := make([]int, len(t.headers))
	for i, header := range t.headers {
		widths[i] = len(header)
	}
	for _, row := range t.rows {
		for i, cell := range row {
			if i < len(widths) && len(cell) > widths[i] {
				widths[i] = len(cell)
			}
		}
	}

	for i, header := range t.headers {
		headerColor.Fprintf(Stdout, "%-*s  ", widths[i], header)
	}
	fmt.Fprintln(Stdout)

	for i := range t.headers {
		fmt.Fprint(Stdout, strings.Repeat("-", widths[i])+"  ")
	}
	fmt.Fprintln(Stdout)

	for _, row := range t.rows {
		for i, cell := range row {
			if i < len(widths) {
				fmt.Fprintf(Stdout, "%-*s  ", widths[i], cell)
			}
		}
		fmt.Fprintln(Stdout)
	}
}
