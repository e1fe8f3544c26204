package output

import (
	"bytes"
	"strings"
	"testing"

	"github.com/fatih/color"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func capture(t *testing.T) *bytes.Buffer {
	t.Helper()
	var buf bytes.Buffer
	old, oldNoColor := Stdout, color.NoColor
	Stdout, color.NoColor = &buf, true
	t.Cleanup(func() { Stdout, color.NoColor = old, oldNoColor })
	return &buf
}

func TestRender(t *testing.T) {
	value := map[string]any{"topic": "test-url-1204", "offset": 41}

	tests := []struct {
		format   string
		handled  bool
		wantErr  bool
		contains string
	}{
		{format: "json", handled: true, contains: `"offset": 41`},
		{format: "yaml", handled: true, contains: "topic: test-url-1204"},
		{format: "table", handled: false},
		{format: "", handled: false},
		{format: "xml", handled: true, wantErr: true},
	}

	for _, tt := range tests {
		t.Run(tt.format, func(t *testing.T) {
			buf := capture(t)
			handled, err := Render(tt.format, value)
			assert.Equal(t, tt.handled, handled)
			if tt.wantErr {
				require.Error(t, err)
				return
			}
			require.NoError(t, err)
			assert.Contains(t, buf.String(), tt.contains)
		})
	}
}

func TestTable_Render(t *testing.T) {
	buf := capture(t)

	table := NewTable([]string{"PARTITION", "OFFSET"})
	table.AddRow([]string{"0", "41"})
	table.AddRow([]string{"12", "1000000"})
	table.Render()

	lines := strings.Split(strings.TrimRight(buf.String(), "\n"), "\n")
	require.Len(t, lines, 4)
	assert.Equal(t, "PARTITION  OFFSET   ", lines[0])
	assert.Equal(t, "---------  -------  ", lines[1])
	assert.Equal(t, "12         1000000  ", lines[3])
}

func TestMessages(t *testing.T) {
	buf := capture(t)
	Success("purged %d entries", 3)
	Info("plain")
	Warn("careful")

	out := buf.String()
	assert.Contains(t, out, "✓ purged 3 entries")
	assert.Contains(t, out, "plain")
	assert.Contains(t, out, "⚠ careful")
}
