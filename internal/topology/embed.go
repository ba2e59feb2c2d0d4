package topology

import (
	_ "embed"

	"github.com/Punky2280/dat-bitch-cartrita-sub004/internal/types"
)

// defaultManifest embeds the built-in fleet manifest. It models the full
// agent roster across the intelligence, multimodal, and system domains and
// is used whenever no manifest path is configured.
//
//go:embed manifests/default.yaml
var defaultManifest []byte

// DefaultYAML returns the raw embedded manifest, for display and for
// seeding user manifests.
func DefaultYAML() []byte {
	out := make([]byte, len(defaultManifest))
	copy(out, defaultManifest)
	return out
}

// Default resolves the embedded fleet manifest.
func Default(root types.AgentID) (*Topology, error) {
	m, err := Parse(defaultManifest)
	if err != nil {
		return nil, err
	}
	return m.Resolve(root)
}
