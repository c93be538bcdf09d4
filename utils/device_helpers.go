package utils

import (
	"github.com/notargets/gocca"
	"github.com/pkg/errors"
	"k8s.io/klog/v2"
)

// DefaultBackends are tried in order, parallel backends first
var DefaultBackends = []string{
	`{"mode": "OpenMP"}`,
	`{"mode": "CUDA", "device_id": 0}`,
	`{"mode": "Serial"}`,
}

// OpenDevice returns the first OCCA device that can be created from the
// given property strings, or from DefaultBackends when none are given.
func OpenDevice(props ...string) (*gocca.OCCADevice, error) {
	if len(props) == 0 {
		props = DefaultBackends
	}
	var lastErr error
	for _, p := range props {
		device, err := gocca.NewDevice(p)
		if err == nil {
			klog.V(1).Infof("Created %s Device", device.Mode())
			return device, nil
		}
		lastErr = err
	}
	return nil, errors.Wrapf(lastErr, "no OCCA backend available from %d candidates", len(props))
}
