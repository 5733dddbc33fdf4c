// Package rngstate captures the random-number-generator state of a training
// run as an explicit, serializable value.
//
// The base seed is chosen once per run, carried through checkpoints, and
// per-worker seeds are derived from it deterministically so dataloader
// workers never share a stream. Applying the state to the process-global
// generator is a single explicit call, the only place global randomness is
// mutated.
package rngstate

import (
	"crypto/rand"
	"encoding/binary"
	"math/big"
	mathrand "math/rand"
	"sync"

	"github.com/pkg/errors"
	"k8s.io/klog/v2"
)

// MaxSeed bounds freshly drawn base seeds so derived worker seeds cannot
// overflow.
const MaxSeed = 1<<62 - 1

// State is the serializable RNG state of a run.
type State struct {
	// BaseSeed is the run's base seed. Worker seeds derive from it.
	BaseSeed int64 `json:"base_seed"`
}

// New draws a fresh base seed from the OS entropy source.
func New() (State, error) {
	max := big.NewInt(MaxSeed)
	n, err := rand.Int(rand.Reader, max)
	if err != nil {
		return State{}, errors.Wrapf(err, "drawing a base seed")
	}
	return State{BaseSeed: n.Int64()}, nil
}

// FromSeed builds a State with a caller-chosen base seed, for reproducible
// runs.
func FromSeed(seed int64) State { return State{BaseSeed: seed} }

// DeriveWorkerSeed returns the seed for the given dataloader worker. The
// derivation is a fixed mix of the base seed and the worker ID, so it is
// stable across restarts of the same run.
func (s State) DeriveWorkerSeed(workerID int) int64 {
	var buf [16]byte
	binary.LittleEndian.PutUint64(buf[:8], uint64(s.BaseSeed))
	binary.LittleEndian.PutUint64(buf[8:], uint64(workerID))
	// splitmix64 over the concatenated words.
	z := binary.LittleEndian.Uint64(buf[:8]) + 0x9e3779b97f4a7c15*(uint64(workerID)+1)
	z = (z ^ (z >> 30)) * 0xbf58476d1ce4e5b9
	z = (z ^ (z >> 27)) * 0x94d049bb133111eb
	z ^= z >> 31
	return int64(z & MaxSeed)
}

// NewSource returns a rand source seeded for the given worker, preferred
// over ApplyToProcess for code that can take a local generator.
func (s State) NewSource(workerID int) *mathrand.Rand {
	return mathrand.New(mathrand.NewSource(s.DeriveWorkerSeed(workerID)))
}

var (
	processMu  sync.Mutex
	processRNG *mathrand.Rand
)

// ApplyToProcess installs the base seed as the process default generator
// returned by Process. It is the only place the package mutates shared
// state; call it once at the start of a run or right after restoring a
// checkpoint.
func (s State) ApplyToProcess() {
	klog.V(1).Infof("Seeding the process default RNG with base seed %d", s.BaseSeed)
	processMu.Lock()
	defer processMu.Unlock()
	processRNG = mathrand.New(mathrand.NewSource(s.BaseSeed))
}

// Process returns the process default generator installed by
// ApplyToProcess, or an unseeded one when no state was ever applied.
func Process() *mathrand.Rand {
	processMu.Lock()
	defer processMu.Unlock()
	if processRNG == nil {
		processRNG = mathrand.New(mathrand.NewSource(1))
	}
	return processRNG
}
