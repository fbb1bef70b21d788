package codec

import (
	"errors"
	"math"
	"math/big"
	"reflect"
	"testing"

	"tunnel-rpc/message"
	"tunnel-rpc/value"
)

func allCodecs() []Codec {
	return []Codec{&JSONCodec{}, &BinaryCodec{}, &SnappyCodec{}}
}

func TestCodecRoundTrip(t *testing.T) {
	original := &message.RPCMessage{
		ServiceMethod: "add",
		Params: []any{
			1, -2, 2.5, "s", true, nil,
			[]any{int32(7), map[string]any{"k": false}},
		},
		Result: map[string]any{"list": value.Tuple{"a", uint16(9)}},
		Error:  "",
	}
	want := &message.RPCMessage{
		ServiceMethod: "add",
		Params: []any{
			1, -2, 2.5, "s", true, nil,
			[]any{7, map[string]any{"k": false}},
		},
		Result: map[string]any{"list": []any{"a", 9}},
	}

	for _, c := range allCodecs() {
		t.Run(c.Type().String(), func(t *testing.T) {
			data, err := c.Encode(original)
			if err != nil {
				t.Fatalf("%s Encode failed: %v", c.Type(), err)
			}

			var decoded message.RPCMessage
			if err := c.Decode(data, &decoded); err != nil {
				t.Fatalf("%s Decode failed: %v", c.Type(), err)
			}
			if !reflect.DeepEqual(&decoded, want) {
				t.Fatalf("got %#v\nwant %#v", decoded, *want)
			}
		})
	}
}

func TestCodecCarriesEnvelope(t *testing.T) {
	huge, _ := new(big.Int).SetString("340282366920938463463374607431768211456", 10)
	req := &message.RPCMessage{
		ServiceMethod: "multiply",
		Params:        []any{message.NewRequest([]any{huge, math.Inf(1)}, map[string]any{"y": int64(1) << 50})},
	}

	for _, c := range allCodecs() {
		t.Run(c.Type().String(), func(t *testing.T) {
			data, err := c.Encode(req)
			if err != nil {
				t.Fatalf("Encode: %v", err)
			}
			var got message.RPCMessage
			if err := c.Decode(data, &got); err != nil {
				t.Fatalf("Decode: %v", err)
			}

			env, ok := message.ParseEnvelope(got.Params[0])
			if !ok {
				t.Fatalf("envelope lost: %#v", got.Params[0])
			}
			args := env.Args()
			if b, ok := args[0].(*big.Int); !ok || b.Cmp(huge) != 0 {
				t.Fatalf("big int arg: %#v", args[0])
			}
			if f, ok := args[1].(float64); !ok || !math.IsInf(f, 1) {
				t.Fatalf("inf arg: %#v", args[1])
			}
			if env.Kwargs()["y"] != int64(1)<<50 {
				t.Fatalf("kwarg: %#v", env.Kwargs())
			}
		})
	}
}

func TestCodecRejectsOutOfRangeValues(t *testing.T) {
	huge, _ := new(big.Int).SetString("100000000000000000000", 10)
	cases := []struct {
		name string
		in   any
		want error
	}{
		{"int64 beyond 32 bits", int64(math.MaxInt32) + 1, ErrIntOverflow},
		{"negative beyond 32 bits", math.MinInt32 - 1, ErrIntOverflow},
		{"uint64", uint64(1) << 40, ErrIntOverflow},
		{"nan", math.NaN(), ErrNonFiniteFloat},
		{"inf", math.Inf(-1), ErrNonFiniteFloat},
		{"big int", huge, ErrUnsupportedValue},
		{"struct", struct{ A int }{1}, ErrUnsupportedValue},
		{"nested", []any{map[string]any{"x": math.Inf(1)}}, ErrNonFiniteFloat},
	}

	for _, c := range allCodecs() {
		for _, tc := range cases {
			t.Run(c.Type().String()+"/"+tc.name, func(t *testing.T) {
				_, err := c.Encode(&message.RPCMessage{ServiceMethod: "m", Params: []any{tc.in}})
				if !errors.Is(err, tc.want) {
					t.Fatalf("Encode err = %v, want %v", err, tc.want)
				}
			})
		}
	}
}

func TestWireRangeBoundaries(t *testing.T) {
	for _, n := range []int64{math.MaxInt32, math.MinInt32} {
		got, err := Normalize(n)
		if err != nil || got != int(n) {
			t.Fatalf("Normalize(%d) = %v, %v", n, got, err)
		}
	}
}

func TestBinaryCodecTruncated(t *testing.T) {
	c := &BinaryCodec{}
	data, err := c.Encode(&message.RPCMessage{ServiceMethod: "add", Params: []any{"abc", 1.5}, Error: "x"})
	if err != nil {
		t.Fatal(err)
	}
	for n := 0; n < len(data); n++ {
		var msg message.RPCMessage
		if err := c.Decode(data[:n], &msg); err == nil {
			t.Fatalf("Decode of %d/%d bytes succeeded", n, len(data))
		}
	}
}

func TestBinaryCodecBogusCount(t *testing.T) {
	// method "" | array tag | count 0xFFFFFFFF
	data := []byte{0, 0, 0, 0, 1, 0, 0xff, 0xff, 0xff, 0xff}
	var msg message.RPCMessage
	if err := (&BinaryCodec{}).Decode(data, &msg); !errors.Is(err, ErrShortBuffer) {
		t.Fatalf("err = %v, want ErrShortBuffer", err)
	}
}

func TestBinaryCodecNeedsMessage(t *testing.T) {
	if _, err := (&BinaryCodec{}).Encode("nope"); !errors.Is(err, ErrNotMessage) {
		t.Fatalf("err = %v", err)
	}
}

func TestFaultRoundTrip(t *testing.T) {
	for _, c := range allCodecs() {
		data, err := c.Encode(&message.RPCMessage{ServiceMethod: "add", Error: "rate limit exceeded"})
		if err != nil {
			t.Fatal(err)
		}
		var msg message.RPCMessage
		if err := c.Decode(data, &msg); err != nil {
			t.Fatal(err)
		}
		if msg.Error != "rate limit exceeded" || msg.Result != nil || msg.Params != nil {
			t.Fatalf("%s: %#v", c.Type(), msg)
		}
	}
}

func TestGetCodec(t *testing.T) {
	for _, ct := range []CodecType{CodecTypeJSON, CodecTypeBinary, CodecTypeSnappy} {
		if got := GetCodec(ct).Type(); got != ct {
			t.Fatalf("GetCodec(%d).Type() = %d", ct, got)
		}
	}
	if _, err := ParseCodecType("xml"); err == nil {
		t.Fatal("expected error for unknown codec name")
	}
	if ct, err := ParseCodecType("snappy"); err != nil || ct != CodecTypeSnappy {
		t.Fatalf("ParseCodecType(snappy) = %v, %v", ct, err)
	}
}
