//go:build NODOWNLOAD

package sdengine

import (
	"errors"

	"go.uber.org/zap"
)

type DownloadOptions struct {
	Logger                *zap.Logger
	AuthToken             string
	Branch                string
	MaxRetries            int
	RetryInterval         int
	ConcurrentConnections int
	SkipSha               bool
	Verbose               bool
}

func NewDownloadOptions() DownloadOptions {
	return DownloadOptions{Logger: zap.NewNop()}
}

func DownloadModel(_ string, _ string, _ DownloadOptions) (string, error) {
	return "", errors.New("model download is disabled in builds with the NODOWNLOAD tag")
}
