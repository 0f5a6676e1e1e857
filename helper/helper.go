package helper

import (
	"math/rand"
	"sync"
	"time"
)

var (
	rngMu sync.Mutex
	rng   = rand.New(rand.NewSource(time.Now().UnixNano()))
)

const symbols = "abcdefghijklmnopqrstuvwxyzABCDEFGHIJKLMNOPQRSTUVWXYZ1234567890"

// GeneratePeerID returns a fresh 20-byte peer id with the client
// prefix -TD0001- followed by random alphanumerics.
func GeneratePeerID() [20]byte {
	prefix := "-TD0001-"
	peerID := [20]byte{}
	copy(peerID[:], prefix)

	rngMu.Lock()
	defer rngMu.Unlock()
	for i := len(prefix); i < 20; i++ {
		peerID[i] = symbols[rng.Intn(len(symbols))]
	}
	return peerID
}

// GenerateRandomID returns size random bytes for transaction/key
// fields of tracker packets.
func GenerateRandomID(size int) []byte {
	id := make([]byte, size)

	rngMu.Lock()
	defer rngMu.Unlock()
	for i := 0; i < size; i++ {
		id[i] = symbols[rng.Intn(len(symbols))]
	}
	return id
}

// Intn exposes the shared source for shuffle decisions.
func Intn(n int) int {
	rngMu.Lock()
	defer rngMu.Unlock()
	return rng.Intn(n)
}
