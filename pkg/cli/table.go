package cli

import (
	"fmt"
	"io"
	"os"
	"regexp"
	"strings"
	"unicode/utf8"

	"golang.org/x/term"
)

const columnGap = 2

// Table renders column-aligned rows. Rows are buffered and written on
// Flush, so empty tables produce no output. When writing to a terminal,
// columns are narrowed to fit its width and long cells wrap.
type Table struct {
	out     io.Writer
	headers []string
	rows    [][]string
	prefix  string
	width   int
}

// NewTable creates a table with the given column headers, written to
// stdout.
func NewTable(headers ...string) *Table {
	t := &Table{out: os.Stdout, headers: headers}
	if fd := int(os.Stdout.Fd()); term.IsTerminal(fd) {
		if w, _, err := term.GetSize(fd); err == nil {
			t.width = w
		}
	}
	return t
}

// WithWriter redirects output to w. Width capping is turned off.
func (t *Table) WithWriter(w io.Writer) *Table {
	t.out = w
	t.width = 0
	return t
}

// WithPrefix sets a string prepended to each line (headers, divider, rows).
// Useful for indenting sub-tables within larger output.
func (t *Table) WithPrefix(prefix string) *Table {
	t.prefix = prefix
	return t
}

// Row adds a row. Missing trailing cells render empty.
func (t *Table) Row(values ...string) {
	t.rows = append(t.rows, values)
}

// Flush writes the table. If no rows were added, nothing is printed.
func (t *Table) Flush() {
	if len(t.rows) == 0 {
		return
	}

	widths := make([]int, len(t.headers))
	for i, h := range t.headers {
		widths[i] = visualLen(h)
	}
	for _, row := range t.rows {
		for i := 0; i < len(widths) && i < len(row); i++ {
			if n := visualLen(row[i]); n > widths[i] {
				widths[i] = n
			}
		}
	}
	if t.width > 0 {
		widths = capWidths(widths, t.headers, t.width, visualLen(t.prefix))
	}

	t.line(widths, t.headers)
	dividers := make([]string, len(t.headers))
	for i, h := range t.headers {
		dividers[i] = strings.Repeat("-", visualLen(h))
	}
	t.line(widths, dividers)

	for _, row := range t.rows {
		cells := make([][]string, len(widths))
		height := 1
		for i := range widths {
			v := ""
			if i < len(row) {
				v = row[i]
			}
			cells[i] = wrapCell(v, widths[i])
			if len(cells[i]) > height {
				height = len(cells[i])
			}
		}
		for l := 0; l < height; l++ {
			vals := make([]string, len(widths))
			for i := range widths {
				if l < len(cells[i]) {
					vals[i] = cells[i][l]
				}
			}
			t.line(widths, vals)
		}
	}
	t.rows = nil
}

func (t *Table) line(widths []int, vals []string) {
	var b strings.Builder
	b.WriteString(t.prefix)
	for i, v := range vals {
		b.WriteString(v)
		if i < len(vals)-1 {
			b.WriteString(strings.Repeat(" ", max(widths[i]-visualLen(v), 0)+columnGap))
		}
	}
	fmt.Fprintln(t.out, strings.TrimRight(b.String(), " "))
}

// capWidths narrows the widest columns until the table fits termWidth.
// No column goes below the width of its header.
func capWidths(widths []int, headers []string, termWidth, prefix int) []int {
	out := append([]int(nil), widths...)
	minWidth := func(i int) int {
		if i < len(headers) {
			return visualLen(headers[i])
		}
		return 1
	}
	for {
		total := prefix + columnGap*(len(out)-1)
		for _, w := range out {
			total += w
		}
		excess := total - termWidth
		if excess <= 0 {
			return out
		}
		widest := -1
		for i, w := range out {
			if w > minWidth(i) && (widest < 0 || w > out[widest]) {
				widest = i
			}
		}
		if widest < 0 {
			return out
		}
		out[widest] -= min(excess, out[widest]-minWidth(widest))
	}
}

// wrapCell splits s into lines of at most width characters, breaking at
// spaces and hard-breaking words longer than width. Color codes are kept
// when s fits and dropped when it wraps.
func wrapCell(s string, width int) []string {
	if width <= 0 || visualLen(s) <= width {
		return []string{s}
	}
	var lines []string
	cur := ""
	for _, word := range strings.Fields(ansiCode.ReplaceAllString(s, "")) {
		for utf8.RuneCountInString(word) > width {
			if cur != "" {
				lines = append(lines, cur)
				cur = ""
			}
			r := []rune(word)
			lines = append(lines, string(r[:width]))
			word = string(r[width:])
		}
		switch {
		case cur == "":
			cur = word
		case utf8.RuneCountInString(cur)+1+utf8.RuneCountInString(word) <= width:
			cur += " " + word
		default:
			lines = append(lines, cur)
			cur = word
		}
	}
	if cur != "" || len(lines) == 0 {
		lines = append(lines, cur)
	}
	return lines
}

var ansiCode = regexp.MustCompile("\x1b\\[[0-9;]*m")

// visualLen is the printed width of s, ignoring color codes.
func visualLen(s string) int {
	return utf8.RuneCountInString(ansiCode.ReplaceAllString(s, ""))
}
