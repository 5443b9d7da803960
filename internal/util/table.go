package util

import (
	"fmt"
	"io"
	"strings"
)

// TableColumn represents a column in a table
type TableColumn struct {
	Header string
	Key    string // key to extract from row map
	width  int
}

// RenderTable writes rows as aligned columns. Cell widths ignore ANSI color codes.
func RenderTable(w io.Writer, columns []TableColumn, rows []map[string]string) {
	if len(rows) == 0 {
		fmt.Fprintln(w, "No data to display")
		return
	}

	for i := range columns {
		columns[i].width = len(columns[i].Header)
		for _, row := range rows {
			if n := displayWidth(row[columns[i].Key]); n > columns[i].width {
				columns[i].width = n
			}
		}
	}

	cells := make([]string, len(columns))
	for i, col := range columns {
		cells[i] = padToWidth(col.Header, col.width)
	}
	fmt.Fprintln(w, strings.TrimRight(strings.Join(cells, "  "), " "))

	for i, col := range columns {
		cells[i] = strings.Repeat("-", col.width)
	}
	fmt.Fprintln(w, strings.Join(cells, "  "))

	for _, row := range rows {
		for i, col := range columns {
			cells[i] = padToWidth(row[col.Key], col.width)
		}
		fmt.Fprintln(w, strings.TrimRight(strings.Join(cells, "  "), " "))
	}
}

// stripANSI removes SGR escape sequences such as the ones emitted by fatih/color.
func stripANSI(s string) string {
	for {
		start := strings.Index(s, "\033[")
		if start == -1 {
			return s
		}
		end := strings.Index(s[start:], "m")
		if end == -1 {
			return s
		}
		s = s[:start] + s[start+end+1:]
	}
}

func displayWidth(s string) int {
	return len([]rune(stripANSI(s)))
}

func padToWidth(s string, width int) string {
	if n := displayWidth(s); n < width {
		return s + strings.Repeat(" ", width-n)
	}
	return s
}
