//go:build amd64 || arm64

package engine

import (
	"encoding/hex"
	"hash/fnv"
	"io"
	"runtime"
	"strconv"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// trampolineOf hooks target with replacement for the rest of the test and
// returns the trampoline.
func trampolineOf[F any](t *testing.T, e *Engine, target, replacement F) F {
	t.Helper()

	trampoline, err := e.Hook(addrOf(target), addrOf(replacement))
	require.NoError(t, err)
	t.Cleanup(func() {
		assert.NoError(t, e.Unhook(addrOf(target)))
	})
	return funcAt[F](trampoline)
}

//go:noinline
func trampSimple(v uint8) uint16 {
	return uint16(v)<<8 | uint16(v)
}

//go:noinline
func trampData() string {
	return "something static"
}

//go:noinline
func trampOneCall(v int) string {
	return strconv.Itoa(v + 1)
}

//go:noinline
func trampLotsOfCalls(v int) string {
	h := fnv.New32()
	io.WriteString(h, strconv.Itoa(v))
	return hex.EncodeToString(h.Sum(nil))
}

//go:noinline
func trampMultipleReturns(v int) (int, error) {
	if v < 0 {
		return 0, io.ErrUnexpectedEOF
	}
	return v * 2, nil
}

//go:noinline
func trampFloat(f float64) float64 {
	return f * 3.14159
}

//go:noinline
func trampConditional(v int) string {
	if v > 100 {
		return "large"
	} else if v > 10 {
		return "medium"
	}
	return "small"
}

//go:noinline
func trampSwitch(v int) string {
	switch v {
	case 0:
		return "zero"
	case 1:
		return "one"
	case 2:
		return "two"
	case 3:
		return "three"
	case 4:
		return "four"
	default:
		return "many"
	}
}

//go:noinline
func trampPointer(p *int) int {
	if p == nil {
		return 0
	}
	return *p * 10
}

//go:noinline
func trampVariadic(vals ...int) int {
	sum := 0
	for _, v := range vals {
		sum += v
	}
	return sum
}

//go:noinline
func trampGeneric[T int | float64](v T) T {
	return v + v
}

//go:noinline
func trampComplex(c complex128) complex128 {
	return c * complex(2, 3)
}

func TestTrampoline_VariousFunctions(t *testing.T) {
	e := New()

	cases := map[string]func(t *testing.T){
		"leaf": func(t *testing.T) {
			want := trampSimple(0xf)
			original := trampolineOf(t, e, trampSimple, func(uint8) uint16 { return 1 })
			assert.Equal(t, uint16(1), trampSimple(0xf))
			assert.Equal(t, want, original(0xf))
		},
		"static data": func(t *testing.T) {
			original := trampolineOf(t, e, trampData, func() string { return "replaced" })
			assert.Equal(t, "replaced", trampData())
			assert.Equal(t, "something static", original())
		},
		"one call": func(t *testing.T) {
			original := trampolineOf(t, e, trampOneCall, func(int) string { return "" })
			assert.Equal(t, "", trampOneCall(42))
			assert.Equal(t, "43", original(42))
		},
		"lots of calls": func(t *testing.T) {
			want := trampLotsOfCalls(25)
			original := trampolineOf(t, e, trampLotsOfCalls, func(int) string { return "" })
			assert.Equal(t, want, original(25))
		},
		"multiple returns": func(t *testing.T) {
			original := trampolineOf(t, e, trampMultipleReturns, func(int) (int, error) { return -1, nil })

			v, err := original(25)
			assert.NoError(t, err)
			assert.Equal(t, 50, v)

			_, err = original(-1)
			assert.ErrorIs(t, err, io.ErrUnexpectedEOF)
		},
		"float64": func(t *testing.T) {
			want := trampFloat(2.5)
			original := trampolineOf(t, e, trampFloat, func(float64) float64 { return 0 })
			assert.Equal(t, want, original(2.5))
		},
		"conditional": func(t *testing.T) {
			original := trampolineOf(t, e, trampConditional, func(int) string { return "" })
			assert.Equal(t, []string{"small", "medium", "large"}, []string{original(5), original(50), original(500)})
		},
		"switch": func(t *testing.T) {
			original := trampolineOf(t, e, trampSwitch, func(int) string { return "" })
			assert.Equal(t, []string{"zero", "three", "many"}, []string{original(0), original(3), original(9)})
		},
		"pointer": func(t *testing.T) {
			original := trampolineOf(t, e, trampPointer, func(*int) int { return -1 })
			v := 7
			assert.Equal(t, []int{0, 70}, []int{original(nil), original(&v)})
		},
		"variadic": func(t *testing.T) {
			original := trampolineOf(t, e, trampVariadic, func(...int) int { return -1 })
			assert.Equal(t, []int{0, 42, 15}, []int{original(), original(42), original(1, 2, 3, 4, 5)})
		},
		"generic": func(t *testing.T) {
			original := trampolineOf(t, e, trampGeneric[int], func(int) int { return -1 })
			assert.Equal(t, 42, original(21))
		},
		"complex128": func(t *testing.T) {
			want := trampComplex(complex(1, 2))
			original := trampolineOf(t, e, trampComplex, func(complex128) complex128 { return 0 })
			assert.Equal(t, want, original(complex(1, 2)))
		},
	}

	for name, run := range cases {
		t.Run(name, run)
	}
}

var gcSink []byte

//go:noinline
func allocAndCollect(size int) int {
	buf := make([]byte, size)
	gcSink = buf
	runtime.GC()
	return len(gcSink)
}

func TestTrampoline_GC(t *testing.T) {
	e := New()

	var original func(int) int
	original = trampolineOf(t, e, allocAndCollect, func(size int) int {
		return original(size) + 1
	})

	for i := 0; i < 3; i++ {
		assert.Equal(t, 1<<10+1, allocAndCollect(1<<10))
	}
	assert.Equal(t, 1<<10, original(1<<10))
}

//go:noinline
func parked(ch chan int) int {
	return <-ch + 1
}

func TestTrampoline_ParkedDuringGC(t *testing.T) {
	e := New()
	original := trampolineOf(t, e, parked, func(chan int) int { return -1 })

	ch := make(chan int)
	done := make(chan int)
	go func() {
		done <- original(ch)
	}()

	// The goroutine is blocked in the original body while its stack is
	// scanned.
	time.Sleep(10 * time.Millisecond)
	for i := 0; i < 3; i++ {
		runtime.GC()
	}

	ch <- 41
	assert.Equal(t, 42, <-done)
}

type bigFrame [64]int

//go:noinline
func fillFrame(n int) bigFrame {
	var f bigFrame
	f[n%len(f)] = n
	return f
}

//go:noinline
func descend(n int, acc *int) int {
	f := fillFrame(n)
	*acc += f[n%len(f)]
	if n == 0 {
		return 0
	}
	return descend(n-1, acc) + 1
}

func TestTrampoline_StackGrowth(t *testing.T) {
	e := New()

	calls := 0
	var original func(int, *int) int
	original = trampolineOf(t, e, descend, func(n int, acc *int) int {
		calls++
		return original(n, acc)
	})

	done := make(chan [2]int)
	go func() {
		// acc is on this goroutine's stack, which moves every time it
		// grows.
		acc := 0
		depth := descend(200, &acc)
		done <- [2]int{depth, acc}
	}()

	got := <-done
	assert.Equal(t, 200, got[0])
	assert.Equal(t, 200*201/2, got[1])
	assert.Equal(t, 201, calls)
}

func TestAnalyze(t *testing.T) {
	prologueOf := func(t *testing.T, fn Address) *prologue {
		entry := entryOf(fn)
		code, _, err := funcCode(entry)
		require.NoError(t, err)
		p, err := analyze(entry, code)
		require.NoError(t, err)
		return p
	}

	t.Run("leaf", func(t *testing.T) {
		p := prologueOf(t, addrOf(trampSimple))
		assert.True(t, p.leaf)
		assert.False(t, p.resumable())

		require.NoError(t, p.displace(16))
		assert.Len(t, p.moved, len(p.insts))
	})

	t.Run("stack check", func(t *testing.T) {
		p := prologueOf(t, addrOf(descend))
		assert.False(t, p.leaf)
		require.True(t, p.resumable())

		assert.Equal(t, morestackName, funcName(p.split.morestack))
		assert.NotEmpty(t, p.split.spill)
		assert.Less(t, p.split.start, p.split.call)

		patchLen := len(jumpCode(addrOf(trampData), true, true))
		require.NoError(t, p.displace(patchLen))
		assert.GreaterOrEqual(t, p.n, patchLen)
		assert.Less(t, p.n, p.split.start)
	})
}
