package wiremux

import "testing"

func TestBytePool_RentReturnsRequestedLength(t *testing.T) {
	p := NewBytePool(nil)
	buf := p.Rent(100)
	if len(buf) != 100 {
		t.Errorf("len(buf) = %d, want 100", len(buf))
	}
}

func TestBytePool_RentAfterReturnSameClass(t *testing.T) {
	p := NewBytePool(nil)
	buf := p.Rent(100)
	buf[0] = 0x42
	p.Return(buf)

	again := p.Rent(90) // same size class (128)
	if cap(again) < 90 {
		t.Errorf("cap(again) = %d, want >= 90", cap(again))
	}
}

func TestBytePool_OversizeBypassesPool(t *testing.T) {
	p := NewBytePool(nil)
	buf := p.Rent(maxPoolClass + 1)
	if len(buf) != maxPoolClass+1 {
		t.Errorf("len(buf) = %d, want %d", len(buf), maxPoolClass+1)
	}
	// Returning an oversize buffer must not panic; it is simply dropped.
	p.Return(buf)
}

func TestPoolClassFor_RoundsToPowerOfTwo(t *testing.T) {
	cases := map[int]int{
		1:   minPoolClass,
		64:  64,
		65:  128,
		100: 128,
		128: 128,
	}
	for n, want := range cases {
		if got := poolClassFor(n); got != want {
			t.Errorf("poolClassFor(%d) = %d, want %d", n, got, want)
		}
	}
}
