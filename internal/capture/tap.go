package capture

// Tap observes decoded PCM per speaker before it is written to disk.
// Frames are interleaved 48kHz stereo int16 and only valid during the call.
type Tap interface {
	OnFrame(speakerID string, frame []int16)
}

// NoopTap is a no-op implementation that does nothing.
type NoopTap struct{}

// OnFrame implements Tap interface (no-op).
func (NoopTap) OnFrame(string, []int16) {}

// TapFunc adapts a function to Tap.
type TapFunc func(speakerID string, frame []int16)

// OnFrame calls f.
func (f TapFunc) OnFrame(speakerID string, frame []int16) { f(speakerID, frame) }
