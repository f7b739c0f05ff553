package markdown

import (
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
)

func TestDegradeHeadingsAndEmphasis(t *testing.T) {
	got := Degrade("# 标题\n\nsome **bold** and *italic* and ~~gone~~ text")
	assert.Equal(t, "【标题】\n\nsome bold and italic and gone text", got)
}

func TestDegradeCodeBlock(t *testing.T) {
	got := Degrade("before\n```go\nfmt.Println(\"hi\")\n```\nafter")
	assert.Contains(t, got, "go:\n    fmt.Println(\"hi\")")
	assert.NotContains(t, got, "```")
}

func TestDegradeLinksAndImages(t *testing.T) {
	got := Degrade("see [docs](https://example.com) and ![diagram](https://example.com/d.png)")
	assert.Equal(t, "see docs (https://example.com) and [image: diagram]", got)
}

func TestDegradeLists(t *testing.T) {
	got := Degrade("- one\n- two\n1. first\n2. second")
	assert.Equal(t, "• one\n• two\n1. first\n2. second", got)
}

func TestDegradeQuoteAndRule(t *testing.T) {
	got := Degrade("> quoted line\n\n---\n\ntail")
	assert.Equal(t, "quoted line\n\ntail", got)
}

func TestDegradeInlineCode(t *testing.T) {
	assert.Equal(t, "run go build now", Degrade("run `go build` now"))
}

func TestDegradeIdempotent(t *testing.T) {
	inputs := []string{
		"# Title\n**bold** `code` [a](b)\n\n| h1 | h2 |\n|---|---|\n| x | y |",
		"plain text, nothing to do",
		"```\nraw\n```",
		"> q\n- item\n~~s~~",
	}
	for _, in := range inputs {
		once := Degrade(in)
		assert.Equal(t, once, Degrade(once), "input: %q", in)
	}
}

func TestConvertTablesBullets(t *testing.T) {
	md := "| Name | Role |\n| --- | --- |\n| Alice | admin |\n| Bob | user |"
	got := ConvertTables(md, TableBullets)
	assert.Equal(t, "• Name: Alice; Role: admin\n• Name: Bob; Role: user", got)
}

func TestConvertTablesColumns(t *testing.T) {
	md := "| Name | Role |\n| --- | --- |\n| Alice | admin |"
	got := ConvertTables(md, TableColumns)
	assert.NotContains(t, got, "|")
	assert.Contains(t, got, "Alice")
	assert.Contains(t, got, "admin")
}

func TestConvertTablesLeavesProseAlone(t *testing.T) {
	md := "intro\n\n| a | b |\n|---|---|\n| 1 | 2 |\n\noutro"
	got := ConvertTables(md, TableBullets)
	assert.True(t, strings.HasPrefix(got, "intro\n\n"))
	assert.True(t, strings.HasSuffix(got, "\n\noutro"))
}

func TestChunkPreservesBytes(t *testing.T) {
	inputs := []string{
		strings.Repeat("word ", 1000),
		strings.Repeat("第一行\n第二行\n\n段落\n", 200),
		strings.Repeat("无空格的很长的中文文本", 100),
	}
	for _, in := range inputs {
		for _, limit := range []int{64, 1500, 4096} {
			chunks := Chunk(in, limit)
			assert.Equal(t, in, strings.Join(chunks, ""))
			for _, c := range chunks {
				assert.LessOrEqual(t, len(c), limit)
			}
		}
	}
}

func TestChunkShortInput(t *testing.T) {
	assert.Equal(t, []string{"short"}, Chunk("short", 100))
}

func TestChunkRuneBoundary(t *testing.T) {
	in := strings.Repeat("中", 10)
	for _, c := range Chunk(in, 7) {
		assert.True(t, strings.HasPrefix(in, c) || strings.HasSuffix(in, c) || strings.Contains(in, c))
		for _, r := range c {
			assert.Equal(t, '中', r)
		}
	}
}
