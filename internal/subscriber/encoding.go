package subscriber

import (
	"github.com/vmihailenco/msgpack/v5"

	"caterva2/internal/b2"
	"caterva2/internal/wire"
)

// fetchPayload is the language-neutral pickled representation spec.md §4.3
// describes: the decoded slice bytes plus enough metadata for a client to
// reconstruct the array.
type fetchPayload struct {
	Shape []int64 `msgpack:"shape"`
	DType string  `msgpack:"dtype"`
	Data  []byte  `msgpack:"data"`
}

// encodeSlice picks between the msgpack pickled representation and a
// self-describing container frame, per spec.md §4.3 and §9's resolved open
// question (default 128 KiB threshold, configurable). Container-frame
// transport is only offered for container datasets; opaque files always use
// the pickled representation, since a whole-file "frame" would just be the
// file's own bytes with no container semantics to preserve.
func encodeSlice(kind b2.Kind, container *b2.Container, data []byte, shape []int64, dtype string, preferSchunk bool, thresholdBytes int64) ([]byte, string, error) {
	if preferSchunk && kind != b2.KindFile && int64(len(data)) > thresholdBytes {
		frame, err := container.SerializeCFrame()
		if err != nil {
			return nil, "", err
		}
		return frame, wire.EncodingSchunk, nil
	}
	payload := fetchPayload{Shape: shape, DType: dtype, Data: data}
	out, err := msgpack.Marshal(payload)
	if err != nil {
		return nil, "", err
	}
	return out, wire.EncodingMsgpack, nil
}
