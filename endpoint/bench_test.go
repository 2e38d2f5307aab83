package endpoint

import (
	"context"
	"testing"

	"lithium/codec"
	"lithium/transport"
)

type benchArgs struct {
	A, B int
}

func benchPair(b *testing.B, opts ...Option) *Conn {
	ca, cb := transport.Pipe()
	caller := New(ca, opts...)
	callee := New(cb, opts...)
	callee.Implement("add", Handle(func(ctx context.Context, args benchArgs, c *Conn) (int, error) {
		return args.A + args.B, nil
	}))
	b.Cleanup(func() {
		caller.Close()
		callee.Close()
	})
	return caller
}

// 场景1: 单 goroutine 串行调用
func BenchmarkSerialCall(b *testing.B) {
	c := benchPair(b)
	ctx := context.Background()
	args := benchArgs{A: 1, B: 2}
	var reply int
	b.ResetTimer()

	for i := 0; i < b.N; i++ {
		if err := c.Call(ctx, "add", args, &reply); err != nil {
			b.Fatal(err)
		}
	}
}

// 场景2: 多 goroutine 并发调用（体现多路复用优势）
func BenchmarkConcurrentCall(b *testing.B) {
	c := benchPair(b)
	ctx := context.Background()
	b.ResetTimer()

	b.RunParallel(func(pb *testing.PB) {
		args := benchArgs{A: 1, B: 2}
		var reply int
		for pb.Next() {
			if err := c.Call(ctx, "add", args, &reply); err != nil {
				b.Error(err)
				return
			}
		}
	})
}

func BenchmarkConcurrentCallBinary(b *testing.B) {
	c := benchPair(b, WithCodec(&codec.BinaryCodec{}))
	ctx := context.Background()
	b.ResetTimer()

	b.RunParallel(func(pb *testing.PB) {
		args := benchArgs{A: 1, B: 2}
		var reply int
		for pb.Next() {
			if err := c.Call(ctx, "add", args, &reply); err != nil {
				b.Error(err)
				return
			}
		}
	})
}
