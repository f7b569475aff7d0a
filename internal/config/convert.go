package config

import "github.com/danmuck/hostlink/internal/protocol/fragment"

// FragmentLimits maps the fragment section onto the engine's config. The
// reassembly ceiling follows the link's per-message bound.
func FragmentLimits(cfg Config) fragment.Config {
	return fragment.Config{
		Threshold:       cfg.Fragment.Threshold,
		MaxChunkPayload: cfg.Fragment.MaxChunkPayload,
		MaxConcurrent:   cfg.Fragment.MaxConcurrent,
		Timeout:         cfg.Fragment.Timeout,
		MaxTotal:        uint32(cfg.Link.MaxPayload),
	}
}
