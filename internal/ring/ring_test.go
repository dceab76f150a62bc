package ring

import (
	"math/rand"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestFIFO(t *testing.T) {
	t.Parallel()
	rnd := rand.New(rand.NewSource(time.Now().UnixNano()))
	r := New(16)
	expect := make([]byte, 0, 1000)
	actual := make([]byte, 0, 1000)
	// interleaved push/drain, never more than cap-1 unread
	for len(expect) < 1000 {
		n := rnd.Intn(r.Cap() - r.Len())
		for i := 0; i < n; i++ {
			b := byte(rnd.Intn(256))
			r.Push(b)
			expect = append(expect, b)
		}
		var buf [8]byte
		k := r.Drain(buf[:rnd.Intn(len(buf)+1)])
		actual = append(actual, buf[:k]...)
	}
	for {
		b, ok := r.TryPop()
		if !ok {
			break
		}
		actual = append(actual, b)
	}
	assert.Equal(t, expect, actual)
}

func TestOverwrite(t *testing.T) {
	t.Parallel()
	r := New(8)
	for i := 0; i < 8+3; i++ {
		r.Push(byte(i))
	}
	var buf [16]byte
	n := r.Drain(buf[:])
	// oldest unread bytes lost, no indicator, only newest remain visible
	assert.Equal(t, []byte{8, 9, 10}, buf[:n])
	_, ok := r.TryPop()
	assert.False(t, ok)
}

func TestOverwriteExactCapacityLooksEmpty(t *testing.T) {
	t.Parallel()
	r := New(4)
	for i := 0; i < 4; i++ {
		r.Push(byte(i))
	}
	assert.Equal(t, 0, r.Len())
	_, ok := r.TryPop()
	assert.False(t, ok)
}

func TestResync(t *testing.T) {
	t.Parallel()
	r := New(8)
	r.Push('x')
	r.Push('y')
	r.Resync()
	assert.Equal(t, 0, r.Len())
	r.Push('z')
	b, ok := r.TryPop()
	require.True(t, ok)
	assert.Equal(t, byte('z'), b)
}

func TestConcurrentProducer(t *testing.T) {
	t.Parallel()
	const total = 100000
	r := New(DefaultCapacity)
	wg := sync.WaitGroup{}
	wg.Add(1)
	go func() {
		defer wg.Done()
		for i := 0; i < total; i++ {
			// keep producer behind consumer to stay in no-overflow regime
			for r.Len() >= r.Cap()-1 {
				time.Sleep(time.Microsecond)
			}
			r.Push(byte(i))
		}
	}()
	got := 0
	for got < total {
		b, ok := r.TryPop()
		if !ok {
			continue
		}
		require.Equal(t, byte(got), b)
		got++
	}
	wg.Wait()
}
