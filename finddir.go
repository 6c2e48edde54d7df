package wormhole

import (
	"os"
	"path"

	"github.com/mjl-/wormhole/internal/errs"
)

// NearestWormholeDir locates the nearest directory named ".wormhole", starting
// at the current directory, walking up to the root. If no directory was found,
// ErrNoWormholeDir is returned.
func NearestWormholeDir() (string, error) {
	dir, err := os.Getwd()
	if err != nil {
		return "", err
	}

	for lastDir := ""; dir != lastDir; lastDir, dir = dir, path.Dir(dir) {
		filename := dir + "/.wormhole"
		info, err := os.Stat(filename)
		if err != nil && os.IsNotExist(err) {
			continue
		}
		if err == nil && !info.Mode().IsDir() {
			return filename, errs.Prefix(ErrNoWormholeDir, "%s not a directory", filename)
		}
		return filename, err
	}
	return "", ErrNoWormholeDir
}
