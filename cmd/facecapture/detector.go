package main

import (
	"errors"
	"fmt"

	"go.uber.org/zap"

	"github.com/example/facepay/internal/config"
	"github.com/example/facepay/internal/detector"
	"github.com/example/facepay/internal/grpcclient"
)

// dlibLoader is set by detector_dlib.go when built with -tags dlib.
var dlibLoader func(modelsDir string) detector.Loader

var errNoDlib = errors.New("facecapture was built without dlib support; rebuild with -tags dlib")

func detectorLoader(c config.Detector, log *zap.Logger) (detector.Loader, error) {
	switch c.Backend {
	case "grpc":
		return grpcclient.DialDetector(c.Addr, log), nil
	case "dlib":
		if dlibLoader == nil {
			return nil, errNoDlib
		}
		return dlibLoader(c.ModelsDir), nil
	}
	return nil, fmt.Errorf("unknown detector backend %q", c.Backend)
}
