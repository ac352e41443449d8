//go:build !jsoncodec

package tifs

import (
	"github.com/fxamacker/cbor/v2"
)

// Encoding names the record codec compiled into this build. Records written
// by one codec are not readable by the other, so operators must not mix
// builds on a live filesystem.
const Encoding = "cbor"

func encodeRecord(v interface{}) ([]byte, error) {
	return cbor.Marshal(v)
}

func decodeRecord(data []byte, v interface{}) error {
	return cbor.Unmarshal(data, v)
}
