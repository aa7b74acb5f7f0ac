package main

import (
	"bytes"
	"testing"

	"github.com/stretchr/testify/assert"
)

func TestTruncate(t *testing.T) {
	t.Parallel()

	assert.Equal(t, "short", truncate("short", 10))
	assert.Equal(t, "exactly-10", truncate("exactly-10", 10))
	assert.Equal(t, "longer-...", truncate("longer-string", 10))
	assert.Equal(t, "ab", truncate("abcdef", 2))
}

func TestPrintTable_AlignsColumns(t *testing.T) {
	t.Parallel()

	var buf bytes.Buffer

	printTable(&buf, []string{"ID", "PATH"}, [][]string{
		{"1", "/sync/a.txt"},
		{"42", "/s"},
	})

	assert.Equal(t, "ID  PATH\n1   /sync/a.txt\n42  /s\n", buf.String())
}

func TestStatusf_RespectsQuiet(t *testing.T) {
	// No parallel: statusf writes to the real stderr; this only checks the
	// quiet gate does not panic either way.
	statusf(true, "hidden %d\n", 1)
}
