//go:build !tflite

package detector

import (
	"context"
	"errors"
)

func init() {
	Register(TFLite, func(context.Context, Options) (Engine, error) {
		return nil, errors.New("tflite backend not compiled in, rebuild with -tags tflite")
	})
}
