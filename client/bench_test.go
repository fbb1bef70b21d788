package client

import (
	"context"
	"testing"

	"tunnel-rpc/codec"
)

func benchClient(b *testing.B, ct codec.CodecType) *Client {
	b.Helper()
	url, _ := startTCP(b)
	c, err := Dial(context.Background(), url, WithCodec(ct), WithHeartbeat(0), WithPoolSize(8))
	if err != nil {
		b.Fatal(err)
	}
	b.Cleanup(func() { c.Close() })
	return c
}

func BenchmarkSerialCall(b *testing.B) {
	for _, ct := range []codec.CodecType{codec.CodecTypeJSON, codec.CodecTypeBinary, codec.CodecTypeSnappy} {
		b.Run(ct.String(), func(b *testing.B) {
			c := benchClient(b, ct)
			ctx := context.Background()
			b.ResetTimer()
			for i := 0; i < b.N; i++ {
				if _, err := c.Call(ctx, "add", []any{1, 2}, nil); err != nil {
					b.Fatal(err)
				}
			}
		})
	}
}

func BenchmarkConcurrentCall(b *testing.B) {
	c := benchClient(b, codec.CodecTypeBinary)
	ctx := context.Background()
	b.ResetTimer()
	b.RunParallel(func(pb *testing.PB) {
		for pb.Next() {
			if _, err := c.Call(ctx, "multiply", []any{int64(1) << 40, 3}, nil); err != nil {
				b.Error(err)
				return
			}
		}
	})
}
