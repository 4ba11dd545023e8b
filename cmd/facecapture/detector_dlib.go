//go:build dlib

package main

import "github.com/example/facepay/internal/detector/dlib"

func init() {
	dlibLoader = dlib.Loader
}
