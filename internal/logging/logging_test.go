package logging

import (
	"bytes"
	"log/slog"
	"testing"

	"github.com/stretchr/testify/assert"
)

func TestCategoryAndFormatting(t *testing.T) {
	var buf bytes.Buffer
	SetOutput(&buf, "debug")

	Info(CategorySession, "session started groupID=%s", "g1")
	Success(CategoryMixdown, "artifact written")

	out := buf.String()
	assert.Contains(t, out, "session started groupID=g1")
	assert.Contains(t, out, "category=Session")
	assert.Contains(t, out, "level=SUCCESS")
}

func TestLevelFiltering(t *testing.T) {
	var buf bytes.Buffer
	SetOutput(&buf, "warn")

	Debug(CategoryApp, "hidden")
	Info(CategoryApp, "hidden too")
	Warning(CategoryApp, "shown")

	assert.NotContains(t, buf.String(), "hidden")
	assert.Contains(t, buf.String(), "shown")
}

func TestParseLevel(t *testing.T) {
	assert.Equal(t, slog.LevelDebug, ParseLevel("DEBUG"))
	assert.Equal(t, slog.LevelWarn, ParseLevel("warning"))
	assert.Equal(t, slog.LevelInfo, ParseLevel("bogus"))
}
