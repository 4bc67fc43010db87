//go:build cgo && (ORT || ALL) && (linux || darwin)

package main

import (
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/require"
	"go.uber.org/zap"
)

func TestNewORTSessionFromFlags(t *testing.T) {
	backend = "ORT"
	sharedLibraryPath = filepath.Dir(onnxRuntimeSharedLibrary)
	device = "cpu"
	deviceMemoryLimit = 1 << 30

	session, err := newSession(zap.NewNop())
	require.NoError(t, err)
	require.NoError(t, session.Destroy())
}
