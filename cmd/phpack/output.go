package main

import (
	"fmt"
	"io"
	"strings"

	"github.com/fatih/color"
	"github.com/mattn/go-runewidth"
)

// table prints left-aligned columns padded by display width
type table struct {
	header []string
	rows   [][]string
}

func newTable(header ...string) *table {
	return &table{header: header}
}

func (t *table) add(cells ...string) {
	t.rows = append(t.rows, cells)
}

func (t *table) render(w io.Writer) {
	widths := make([]int, len(t.header))
	for i, h := range t.header {
		widths[i] = runewidth.StringWidth(h)
	}
	for _, row := range t.rows {
		for i, c := range row {
			if i < len(widths) {
				widths[i] = max(widths[i], runewidth.StringWidth(c))
			}
		}
	}

	bold := color.New(color.Bold).SprintFunc()
	fmt.Fprintln(w, bold(t.line(t.header, widths)))
	for _, row := range t.rows {
		fmt.Fprintln(w, t.line(row, widths))
	}
}

func (t *table) line(cells []string, widths []int) string {
	parts := make([]string, len(cells))
	for i, c := range cells {
		if i == len(cells)-1 || i >= len(widths) {
			parts[i] = c
			continue
		}
		parts[i] = runewidth.FillRight(c, widths[i])
	}
	return strings.TrimRight(strings.Join(parts, "  "), " ")
}

// humanBytes formats a size with binary units
func humanBytes(n int64) string {
	const unit = 1024
	if n < unit {
		return fmt.Sprintf("%d B", n)
	}
	div, exp := int64(unit), 0
	for v := n / unit; v >= unit; v /= unit {
		div *= unit
		exp++
	}
	return fmt.Sprintf("%.1f %ciB", float64(n)/float64(div), "KMGTPE"[exp])
}
