// Package markdown degrades Markdown to plain text for platforms that
// render none of it (WeCom text messages, QQ without markdown approval),
// and converts tables for platforms that render everything except tables.
//
// The pipeline is a fixed sequence of regex passes. The order matters:
// fenced code is lifted out first so later passes never rewrite code
// content, and links run before images so the image pass only sees
// `![..](..)` forms the link pass skipped.
package markdown

import (
	"fmt"
	"regexp"
	"strings"
	"unicode/utf8"

	"github.com/olekukonko/tablewriter"
)

// TableMode selects how markdown tables are rewritten.
type TableMode string

const (
	// TableBullets rewrites each data row as a bullet of "Header: cell"
	// pairs. Readable on narrow phone screens.
	TableBullets TableMode = "bullets"
	// TableColumns rewrites the table as space-padded columns. Only
	// useful where the client uses a monospace font.
	TableColumns TableMode = "columns"
)

var (
	fencedCodeRe = regexp.MustCompile("(?s)```([a-zA-Z0-9_+.-]*)[ \t]*\n?(.*?)```")
	headingRe    = regexp.MustCompile(`(?m)^#{1,6}[ \t]+(.+?)[ \t]*#*[ \t]*$`)
	boldStarRe   = regexp.MustCompile(`\*\*([^*\n]+)\*\*`)
	boldUnderRe  = regexp.MustCompile(`__([^_\n]+)__`)
	italStarRe   = regexp.MustCompile(`\*([^*\n]+)\*`)
	italUnderRe  = regexp.MustCompile(`(^|[\s(（])_([^_\n]+)_([\s).,!?:;）。，]|$)`)
	bulletRe     = regexp.MustCompile(`(?m)^([ \t]*)[-*+][ \t]+`)
	orderedRe    = regexp.MustCompile(`(?m)^([ \t]*)(\d+)\.[ \t]+`)
	inlineCodeRe = regexp.MustCompile("`([^`\n]+)`")
	strikeRe     = regexp.MustCompile(`~~([^~\n]+)~~`)
	linkRe       = regexp.MustCompile(`(^|[^!])\[([^\]\n]*)\]\(([^)\n]+)\)`)
	imageRe      = regexp.MustCompile(`!\[([^\]\n]*)\]\(([^)\n]+)\)`)
	quoteRe      = regexp.MustCompile(`(?m)^>[ \t]?`)
	ruleRe       = regexp.MustCompile(`(?m)^[ \t]*([-*_][ \t]*){3,}$`)
	blankRunRe   = regexp.MustCompile(`\n{3,}`)
	trailWSRe    = regexp.MustCompile(`(?m)[ \t]+$`)

	tableSepRe = regexp.MustCompile(`^[ \t]*\|?[ \t:|-]+\|?[ \t]*$`)
)

// Degrade rewrites markdown source as plain text. The result is stable:
// degrading already degraded text changes nothing.
func Degrade(s string) string {
	s = fencedCodeRe.ReplaceAllStringFunc(s, degradeCodeBlock)
	s = headingRe.ReplaceAllString(s, "【$1】")
	s = boldStarRe.ReplaceAllString(s, "$1")
	s = boldUnderRe.ReplaceAllString(s, "$1")
	s = italStarRe.ReplaceAllString(s, "$1")
	s = italUnderRe.ReplaceAllString(s, "$1$2$3")
	s = bulletRe.ReplaceAllString(s, "$1• ")
	s = orderedRe.ReplaceAllString(s, "$1$2. ")
	s = inlineCodeRe.ReplaceAllString(s, "$1")
	s = strikeRe.ReplaceAllString(s, "$1")
	s = linkRe.ReplaceAllString(s, "$1$2 ($3)")
	s = imageRe.ReplaceAllString(s, "[image: $1]")
	s = ConvertTables(s, TableColumns)
	s = quoteRe.ReplaceAllString(s, "")
	s = ruleRe.ReplaceAllString(s, "")
	s = blankRunRe.ReplaceAllString(s, "\n\n")
	s = trailWSRe.ReplaceAllString(s, "")
	return strings.TrimSpace(s)
}

func degradeCodeBlock(block string) string {
	m := fencedCodeRe.FindStringSubmatch(block)
	lang, body := m[1], strings.TrimRight(m[2], "\n")
	var b strings.Builder
	if lang != "" {
		b.WriteString(lang)
		b.WriteString(":\n")
	}
	for i, line := range strings.Split(body, "\n") {
		if i > 0 {
			b.WriteByte('\n')
		}
		if line != "" {
			b.WriteString("    ")
			b.WriteString(line)
		}
	}
	return b.String()
}

// ConvertTables rewrites every markdown table in s according to mode.
// Non-table lines pass through untouched.
func ConvertTables(s string, mode TableMode) string {
	lines := strings.Split(s, "\n")
	var out []string
	for i := 0; i < len(lines); {
		if !isTableRow(lines[i]) {
			out = append(out, lines[i])
			i++
			continue
		}
		j := i
		for j < len(lines) && isTableRow(lines[j]) {
			j++
		}
		out = append(out, renderTable(lines[i:j], mode)...)
		i = j
	}
	return strings.Join(out, "\n")
}

func isTableRow(line string) bool {
	t := strings.TrimSpace(line)
	return strings.HasPrefix(t, "|") && strings.Count(t, "|") >= 2
}

func renderTable(rows []string, mode TableMode) []string {
	var header []string
	var data [][]string
	for idx, row := range rows {
		if tableSepRe.MatchString(row) {
			continue
		}
		cells := splitTableRow(row)
		if idx == 0 {
			header = cells
			continue
		}
		data = append(data, cells)
	}
	if header == nil {
		return rows
	}
	if mode == TableBullets {
		return renderBullets(header, data)
	}
	return renderColumns(header, data)
}

func splitTableRow(row string) []string {
	t := strings.TrimSpace(row)
	t = strings.TrimPrefix(t, "|")
	t = strings.TrimSuffix(t, "|")
	parts := strings.Split(t, "|")
	for i := range parts {
		parts[i] = strings.TrimSpace(parts[i])
	}
	return parts
}

func renderBullets(header []string, data [][]string) []string {
	out := make([]string, 0, len(data))
	for _, row := range data {
		var pairs []string
		for c, cell := range row {
			if cell == "" {
				continue
			}
			if c < len(header) && header[c] != "" {
				pairs = append(pairs, header[c]+": "+cell)
			} else {
				pairs = append(pairs, cell)
			}
		}
		out = append(out, "• "+strings.Join(pairs, "; "))
	}
	return out
}

func renderColumns(header []string, data [][]string) []string {
	var buf strings.Builder
	w := tablewriter.NewWriter(&buf)
	w.SetHeader(header)
	w.SetAutoFormatHeaders(false)
	w.SetAutoWrapText(false)
	w.SetHeaderAlignment(tablewriter.ALIGN_LEFT)
	w.SetAlignment(tablewriter.ALIGN_LEFT)
	w.SetBorder(false)
	w.SetHeaderLine(false)
	w.SetRowSeparator("")
	w.SetColumnSeparator("")
	w.SetCenterSeparator("")
	w.SetTablePadding("  ")
	w.SetNoWhiteSpace(true)
	w.AppendBulk(data)
	w.Render()
	rendered := strings.TrimRight(buf.String(), "\n")
	return strings.Split(rendered, "\n")
}

// Chunk splits s into pieces of at most limit bytes, cutting at the last
// paragraph break, line break, or space inside the window when one
// exists, and at a rune boundary otherwise. Concatenating the chunks
// reproduces s byte for byte.
func Chunk(s string, limit int) []string {
	if limit <= 0 || len(s) <= limit {
		return []string{s}
	}
	var chunks []string
	for len(s) > limit {
		cut := chunkCut(s, limit)
		chunks = append(chunks, s[:cut])
		s = s[cut:]
	}
	if s != "" {
		chunks = append(chunks, s)
	}
	return chunks
}

func chunkCut(s string, limit int) int {
	window := s[:limit]
	if i := strings.LastIndex(window, "\n\n"); i > 0 {
		return i + 2
	}
	if i := strings.LastIndex(window, "\n"); i > 0 {
		return i + 1
	}
	if i := strings.LastIndex(window, " "); i > 0 {
		return i + 1
	}
	cut := limit
	for cut > 0 && !utf8.RuneStart(s[cut]) {
		cut--
	}
	if cut == 0 {
		cut = limit
	}
	return cut
}

// FileFallbackText is the notice sent when a platform rejects a direct
// file upload and the file is delivered as a link instead.
func FileFallbackText(name, url string) string {
	return fmt.Sprintf("说明：%s 暂时无法直接发送，已为你附上文件链接：%s", name, url)
}
