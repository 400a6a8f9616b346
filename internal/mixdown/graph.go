package mixdown

import (
	"fmt"
	"strings"
	"time"
)

// MixLabel is the output pad of the graph built by BuildFilterGraph.
const MixLabel = "mix"

// BuildFilterGraph delays input i by offsets[i] on both channels and mixes
// every delayed input, ending with the longest one and without normalizing.
func BuildFilterGraph(offsets []time.Duration) string {
	var b strings.Builder
	for i, off := range offsets {
		ms := off.Milliseconds()
		if ms < 0 {
			ms = 0
		}
		fmt.Fprintf(&b, "[%d:a]adelay=%d|%d[d%d];", i, ms, ms, i)
	}
	for i := range offsets {
		fmt.Fprintf(&b, "[d%d]", i)
	}
	fmt.Fprintf(&b, "amix=inputs=%d:duration=longest:dropout_transition=0:normalize=0[%s]", len(offsets), MixLabel)
	return b.String()
}
