package idem

import (
	"math/rand/v2"
	"strconv"
	"sync"
	"sync/atomic"

	"github.com/google/uuid"
)

// KeyGenerator produces the idempotency key for the i-th dispatched
// invocation. Implementations must be safe for concurrent use.
type KeyGenerator interface {
	Key(i int) string
}

// KeyGeneratorFunc adapts a function to KeyGenerator.
type KeyGeneratorFunc func(i int) string

// Key calls f.
func (f KeyGeneratorFunc) Key(i int) string {
	return f(i)
}

// UniqueKeys returns a generator of random UUIDs; keys never collide.
func UniqueKeys() KeyGenerator {
	return KeyGeneratorFunc(func(int) string {
		return uuid.NewString()
	})
}

// SequentialKeys returns prefix0, prefix1, ... in call order.
func SequentialKeys(prefix string) KeyGenerator {
	var next atomic.Int64
	return KeyGeneratorFunc(func(int) string {
		return prefix + strconv.FormatInt(next.Add(1)-1, 10)
	})
}

// RandomKeys returns keys drawn uniformly from [0, maxID), so invocations
// collide once more than maxID are dispatched. The same seed yields the
// same sequence of draws.
func RandomKeys(maxID int, seed uint64) KeyGenerator {
	if maxID <= 0 {
		maxID = 1
	}
	var mu sync.Mutex
	rnd := rand.New(rand.NewPCG(seed, seed^0x9e3779b97f4a7c15))
	return KeyGeneratorFunc(func(int) string {
		mu.Lock()
		n := rnd.IntN(maxID)
		mu.Unlock()
		return strconv.Itoa(n)
	})
}

// PayloadFor returns the request payload dispatched for key.
func PayloadFor(key string) string {
	return "value-" + key
}
