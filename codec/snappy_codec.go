package codec

import (
	"fmt"

	"github.com/golang/snappy"
)

// SnappyCodec is JSONCodec with a snappy block-compressed body. Worth it for
// large argument lists, where the tagged text compresses well.
type SnappyCodec struct {
	JSONCodec
}

func (c *SnappyCodec) Encode(v any) ([]byte, error) {
	data, err := c.JSONCodec.Encode(v)
	if err != nil {
		return nil, err
	}
	return snappy.Encode(nil, data), nil
}

func (c *SnappyCodec) Decode(data []byte, v any) error {
	raw, err := snappy.Decode(nil, data)
	if err != nil {
		return fmt.Errorf("codec: snappy: %w", err)
	}
	return c.JSONCodec.Decode(raw, v)
}

func (c *SnappyCodec) Type() CodecType {
	return CodecTypeSnappy
}
