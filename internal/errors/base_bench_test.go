package errors

import (
	"errors"
	"testing"
)

var errGateway = errors.New("gateway unavailable")

func BenchmarkWrap(b *testing.B) {
	b.Run("nil cause", func(b *testing.B) {
		for b.Loop() {
			_ = Wrap(nil, "fetch price")
		}
	})

	b.Run("wrapped cause", func(b *testing.B) {
		for b.Loop() {
			err := Wrap(errGateway, "fetch price")
			_ = err.Error()
		}
	})
}

func BenchmarkWrapf(b *testing.B) {
	for b.Loop() {
		err := Wrapf(errGateway, "fetch price for %s", "BNB/USDT")
		_ = err.Error()
	}
}
