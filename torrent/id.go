package torrent

import (
	"crypto/rand"
	"os"
	"path/filepath"
)

var emptyBytes [20]byte

// GetOrCreatePeerID loads the node id stored at p, creating a new random one
// on first run.
func GetOrCreatePeerID(p string) ([20]byte, error) {
	idb, err := os.ReadFile(p)
	if err == nil {
		var out [20]byte
		copy(out[:], idb)

		return out, nil
	}

	if !os.IsNotExist(err) {
		return emptyBytes, err
	}

	var out [20]byte
	copy(out[:], "-MS0001-")
	if _, err := rand.Read(out[8:]); err != nil {
		return emptyBytes, err
	}

	if err := os.MkdirAll(filepath.Dir(p), 0744); err != nil {
		return emptyBytes, err
	}

	return out, os.WriteFile(p, out[:], 0644)
}
