//go:build jsoncodec

package tifs

import (
	"encoding/json"
)

// A human readable codec for debugging with tifs-debug dump. Not wire
// compatible with the default cbor build.
const Encoding = "json"

func encodeRecord(v interface{}) ([]byte, error) {
	return json.Marshal(v)
}

func decodeRecord(data []byte, v interface{}) error {
	return json.Unmarshal(data, v)
}
