package schedule

import "hash/fnv"

// DefaultPalette is used when no palette is configured.
var DefaultPalette = []string{
	"#4e79a7", "#f28e2b", "#e15759", "#76b7b2", "#59a14f",
	"#edc948", "#b07aa1", "#ff9da7", "#9c755f", "#bab0ac",
}

// ColorTag derives a stable presentation color for an agent.
func ColorTag(agentID string, palette []string) string {
	if len(palette) == 0 {
		palette = DefaultPalette
	}
	return palette[fnv32a(agentID)%uint32(len(palette))]
}

func fnv32a(s string) uint32 {
	h := fnv.New32a()
	_, _ = h.Write([]byte(s))
	return h.Sum32()
}
