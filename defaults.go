package httpcache

import (
	_ "embed"
	"fmt"
	"time"

	"gopkg.in/yaml.v3"
)

//go:embed defaults.yaml
var defaultsYAML []byte

// LoadHeuristicDefaults parses the module's built-in per-status-code
// heuristic freshness table. It is loaded directly with yaml.v3 rather than
// through viper, since it ships as a fixed module asset rather than an
// operator setting.
func LoadHeuristicDefaults() (map[int]time.Duration, error) {
	var raw map[int]string
	if err := yaml.Unmarshal(defaultsYAML, &raw); err != nil {
		return nil, fmt.Errorf("httpcache: parsing embedded defaults.yaml: %w", err)
	}

	out := make(map[int]time.Duration, len(raw))
	for status, durationString := range raw {
		d, err := time.ParseDuration(durationString)
		if err != nil {
			return nil, fmt.Errorf("httpcache: parsing heuristic lifetime for status %d: %w", status, err)
		}
		out[status] = d
	}
	return out, nil
}
