package artifact

import (
	"encoding/json"
	"os"
	"path/filepath"

	"github.com/notargets/tilefab/fabric"
	"github.com/pkg/errors"
)

// LocatorFile is written by the compile step and read by the run step
const LocatorFile = "artifact_path.json"

// Locator records where the compiler left its artifact
type Locator struct {
	ArtifactPath string `json:"artifact_path"`
}

// WriteLocator stores artifactPath in dir/artifact_path.json
func WriteLocator(dir, artifactPath string) error {
	buf, err := json.Marshal(Locator{ArtifactPath: artifactPath})
	if err != nil {
		return errors.Wrap(err, "encoding artifact locator")
	}
	path := filepath.Join(dir, LocatorFile)
	if err := os.WriteFile(path, buf, 0o644); err != nil {
		return errors.Wrapf(err, "writing %s", path)
	}
	return nil
}

// ReadLocator returns the artifact path recorded in dir. A missing file
// means nothing was compiled yet.
func ReadLocator(dir string) (string, error) {
	path := filepath.Join(dir, LocatorFile)
	buf, err := os.ReadFile(path)
	if os.IsNotExist(err) {
		return "", errors.Wrapf(fabric.ErrConfiguration, "%s could not be found, compile first", path)
	}
	if err != nil {
		return "", errors.Wrapf(err, "reading %s", path)
	}
	var loc Locator
	if err := json.Unmarshal(buf, &loc); err != nil {
		return "", errors.Wrapf(fabric.ErrConfiguration, "%s is not a valid locator: %v", path, err)
	}
	if loc.ArtifactPath == "" {
		return "", errors.Wrapf(fabric.ErrConfiguration, "%s has no artifact_path", path)
	}
	return loc.ArtifactPath, nil
}
