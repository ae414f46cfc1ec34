// Package jsoncodec is the JSON codec used for message bodies.
package jsoncodec

import (
	"github.com/bytedance/sonic"
)

// ContentType is stamped on every published JSON body.
const ContentType = "application/json"

var defaultConfig = sonic.ConfigStd

func Marshal(v any) ([]byte, error) {
	return defaultConfig.Marshal(v)
}

func Unmarshal(data []byte, v any) error {
	return defaultConfig.Unmarshal(data, v)
}

// DecodeAs unmarshals data into a fresh T.
func DecodeAs[T any](data []byte) (T, error) {
	var out T
	err := defaultConfig.Unmarshal(data, &out)
	return out, err
}
