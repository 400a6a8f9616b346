package cli

import (
	"bytes"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/communityorg-discord/CO-Gov-Utils-sub000/internal/audio"
	"github.com/communityorg-discord/CO-Gov-Utils-sub000/internal/mixdown"
	"github.com/communityorg-discord/CO-Gov-Utils-sub000/internal/version"
)

func execute(t *testing.T, args ...string) (string, error) {
	t.Helper()
	cmd := NewRootCmd()
	var out bytes.Buffer
	cmd.SetOut(&out)
	cmd.SetErr(&out)
	cmd.SetArgs(args)
	err := cmd.Execute()
	return out.String(), err
}

func TestVersionCommand(t *testing.T) {
	out, err := execute(t, "version")
	require.NoError(t, err)
	assert.Equal(t, version.Full()+"\n", out)
}

func TestMixdownCommand(t *testing.T) {
	dir := filepath.Join(t.TempDir(), "guild-1")
	require.NoError(t, os.Mkdir(dir, 0o755))
	samples := make([]int16, audio.FramesFor(time.Second)*audio.Channels)
	data := audio.PutSamples(make([]byte, len(samples)*2), samples)
	require.NoError(t, os.WriteFile(filepath.Join(dir, "alice-1.raw"), data, 0o644))
	require.NoError(t, mixdown.WriteMetadata(dir, &mixdown.Metadata{
		SessionID: "s1",
		Format:    audio.Raw,
		Segments:  []mixdown.Source{{Filename: "alice-1.raw", SpeakerID: "alice", Bytes: int64(len(data))}},
	}))

	out, err := execute(t, "mixdown", "--format", "wav", "--keep-sources", dir)
	require.NoError(t, err)

	assert.Contains(t, out, "Recording ready: guild-1.wav")
	assert.FileExists(t, filepath.Join(dir, "guild-1.wav"))
	assert.FileExists(t, filepath.Join(dir, "alice-1.raw"))
}

func TestMixdownCommandReportsNoAudio(t *testing.T) {
	dir := t.TempDir()
	require.NoError(t, mixdown.WriteMetadata(dir, &mixdown.Metadata{SessionID: "s1", Format: audio.Raw}))

	_, err := execute(t, "mixdown", "--format", "wav", dir)
	require.Error(t, err)
	assert.ErrorIs(t, err, mixdown.ErrNoAudioCaptured)
	assert.Contains(t, err.Error(), "Nobody spoke")
}

func TestMixdownCommandNeedsDir(t *testing.T) {
	_, err := execute(t, "mixdown")
	assert.Error(t, err)
}

func TestServeRejectsBadMaxDuration(t *testing.T) {
	_, err := execute(t, "serve", "--max-duration=-1h")
	assert.ErrorContains(t, err, "--max-duration")
}

func TestParseDuration(t *testing.T) {
	d, err := parseDuration("90m")
	require.NoError(t, err)
	assert.Equal(t, 90*time.Minute, d)

	_, err = parseDuration("0s")
	assert.Error(t, err)
	_, err = parseDuration("soon")
	assert.Error(t, err)
}
