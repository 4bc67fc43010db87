//go:build !cgo || (!ORT && !ALL)

package backends

import (
	"errors"

	"github.com/knights-analytics/sdengine/options"
)

func createORTSession(_ []byte, _ *options.Options) (Session, error) {
	return nil, errors.New("ORT is not enabled")
}
