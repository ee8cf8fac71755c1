package worker

// scene.go — scene-id fingerprinting and the anonymous/ directory layout.
//
// Every scene is addressed by a free-form client id; the service never
// stores that id itself, only its 64-bit fingerprint, which doubles as the
// name of the scene's directory under anonymous/.

import (
	"fmt"
	"os"
	"path/filepath"

	"github.com/cespare/xxhash/v2"
)

// fingerprint derives the stable 64-bit directory name for a scene id.
func fingerprint(id string) uint64 {
	return xxhash.Sum64String(id)
}

// sceneDir returns anonymous/<fingerprint> under root.
func sceneDir(root string, fp uint64) string {
	return filepath.Join(root, "anonymous", fmt.Sprintf("%d", fp))
}

// sceneFile returns anonymous/<fingerprint>/<fingerprint>.blend under root.
func sceneFile(root string, fp uint64) string {
	return filepath.Join(sceneDir(root, fp), fmt.Sprintf("%d.blend", fp))
}

// renderDir returns anonymous/<fingerprint>/render under root.
func renderDir(root string, fp uint64) string {
	return filepath.Join(sceneDir(root, fp), "render")
}

// ensureDir creates dir (and any parents) if absent, tolerating an
// already-exists race, and fails loudly on anything else.
func ensureDir(dir string) error {
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return fmt.Errorf("create %s: %w", dir, err)
	}
	return nil
}
