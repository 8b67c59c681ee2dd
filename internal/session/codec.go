package session

import (
	"errors"
	"fmt"
	"reflect"

	"github.com/fxamacker/cbor/v2"
	"github.com/klauspost/compress/zstd"
)

// recordFormat prefixes every stored value so the layout can change later
// without misreading old records.
const recordFormat byte = 1

var (
	encMode cbor.EncMode
	decMode cbor.DecMode

	// zstd encoder and decoder are safe for concurrent EncodeAll/DecodeAll.
	zstdEncoder *zstd.Encoder
	zstdDecoder *zstd.Decoder
)

func init() {
	var err error

	encOptions := cbor.CoreDetEncOptions()
	encOptions.Time = cbor.TimeRFC3339Nano
	encMode, err = encOptions.EncMode()
	if err != nil {
		panic("session: CBOR encoder initialization failed: " + err.Error())
	}

	decMode, err = cbor.DecOptions{
		DefaultMapType: reflect.TypeOf(map[string]any(nil)),
	}.DecMode()
	if err != nil {
		panic("session: CBOR decoder initialization failed: " + err.Error())
	}

	zstdEncoder, err = zstd.NewWriter(nil, zstd.WithEncoderLevel(zstd.SpeedDefault))
	if err != nil {
		panic("session: zstd encoder initialization failed: " + err.Error())
	}
	zstdDecoder, err = zstd.NewReader(nil)
	if err != nil {
		panic("session: zstd decoder initialization failed: " + err.Error())
	}
}

var errBadFormat = errors.New("session: unknown record format")

func encodeRecord(rec Record) ([]byte, error) {
	raw, err := encMode.Marshal(rec)
	if err != nil {
		return nil, fmt.Errorf("session: encode record: %w", err)
	}
	out := make([]byte, 1, 1+len(raw)/2)
	out[0] = recordFormat
	return zstdEncoder.EncodeAll(raw, out), nil
}

func decodeRecord(b []byte) (Record, error) {
	if len(b) == 0 || b[0] != recordFormat {
		return Record{}, errBadFormat
	}
	raw, err := zstdDecoder.DecodeAll(b[1:], nil)
	if err != nil {
		return Record{}, fmt.Errorf("session: zstd decompress: %w", err)
	}
	var rec Record
	if err := decMode.Unmarshal(raw, &rec); err != nil {
		return Record{}, fmt.Errorf("session: decode record: %w", err)
	}
	return rec, nil
}
