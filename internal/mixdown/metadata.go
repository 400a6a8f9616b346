package mixdown

import (
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"time"

	"github.com/communityorg-discord/CO-Gov-Utils-sub000/internal/audio"
)

// MetadataFile is the name of the timing record inside a session directory.
const MetadataFile = "metadata.json"

// Source is one raw segment and its offset from session start.
type Source struct {
	Filename  string `json:"filename"`
	SpeakerID string `json:"speaker_id"`
	OffsetMS  int64  `json:"offset_ms"`
	Bytes     int64  `json:"bytes"`
}

// Offset returns the offset as a duration.
func (s Source) Offset() time.Duration {
	return time.Duration(s.OffsetMS) * time.Millisecond
}

// Duration is the playback length implied by the recorded size.
func (s Source) Duration() time.Duration {
	return audio.DurationOf(s.Bytes)
}

// Metadata is persisted next to the raw files so a mixdown can be rebuilt
// from the directory alone.
type Metadata struct {
	SessionID string       `json:"session_id"`
	GroupID   string       `json:"group_id"`
	ChannelID string       `json:"channel_id"`
	Requester string       `json:"requester"`
	StartedAt time.Time    `json:"started_at"`
	StoppedAt time.Time    `json:"stopped_at"`
	Reason    string       `json:"reason,omitempty"`
	Format    audio.Format `json:"format"`
	Segments  []Source     `json:"segments"`
}

// WriteMetadata writes m to dir, replacing any previous record atomically.
func WriteMetadata(dir string, m *Metadata) error {
	data, err := json.MarshalIndent(m, "", "  ")
	if err != nil {
		return fmt.Errorf("encode metadata: %w", err)
	}
	tmp, err := os.CreateTemp(dir, MetadataFile+".*")
	if err != nil {
		return fmt.Errorf("create metadata: %w", err)
	}
	if _, err := tmp.Write(data); err != nil {
		tmp.Close()
		os.Remove(tmp.Name())
		return fmt.Errorf("write metadata: %w", err)
	}
	if err := tmp.Close(); err != nil {
		os.Remove(tmp.Name())
		return fmt.Errorf("close metadata: %w", err)
	}
	if err := os.Rename(tmp.Name(), filepath.Join(dir, MetadataFile)); err != nil {
		os.Remove(tmp.Name())
		return fmt.Errorf("rename metadata: %w", err)
	}
	return nil
}

// ReadMetadata loads the record from dir.
func ReadMetadata(dir string) (*Metadata, error) {
	data, err := os.ReadFile(filepath.Join(dir, MetadataFile))
	if err != nil {
		return nil, fmt.Errorf("read metadata: %w", err)
	}
	var m Metadata
	if err := json.Unmarshal(data, &m); err != nil {
		return nil, fmt.Errorf("decode metadata: %w", err)
	}
	return &m, nil
}
