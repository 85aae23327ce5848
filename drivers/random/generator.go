package random

import (
	"crypto/rand"
	"encoding/binary"
	"fmt"
	"math"
	mathrand "math/rand"
	"strings"
	"time"
)

// entropy abstracts the random number generator used by the driver.
type entropy interface {
	Uint63() (uint64, error)
}

// pseudoEntropy wraps math/rand to provide reproducible event streams.
type pseudoEntropy struct {
	rng *mathrand.Rand
}

func newPseudoEntropy(seed *int64) *pseudoEntropy {
	value := time.Now().UnixNano()
	if seed != nil {
		value = *seed
	}
	return &pseudoEntropy{rng: mathrand.New(mathrand.NewSource(value))}
}

func (p *pseudoEntropy) Uint63() (uint64, error) {
	return uint64(p.rng.Int63()), nil
}

// secureEntropy draws from crypto/rand.
type secureEntropy struct{}

func (secureEntropy) Uint63() (uint64, error) {
	var buf [8]byte
	if _, err := rand.Read(buf[:]); err != nil {
		return 0, fmt.Errorf("secure source: %w", err)
	}
	return binary.BigEndian.Uint64(buf[:]) & math.MaxInt64, nil
}

func newEntropy(source string, seed *int64) (entropy, error) {
	switch strings.TrimSpace(strings.ToLower(source)) {
	case "", "pseudo", "math":
		return newPseudoEntropy(seed), nil
	case "secure", "crypto":
		if seed != nil {
			return nil, fmt.Errorf("secure source does not accept a seed")
		}
		return secureEntropy{}, nil
	default:
		return nil, fmt.Errorf("unknown random source %q", source)
	}
}

// chance reports true with the given probability.
func chance(src entropy, probability float64) (bool, error) {
	if probability <= 0 {
		return false, nil
	}
	if probability >= 1 {
		return true, nil
	}
	sample, err := src.Uint63()
	if err != nil {
		return false, err
	}
	return float64(sample)/float64(math.MaxInt64) < probability, nil
}

// pick returns a uniform index in [0, n) without modulo bias.
func pick(src entropy, n int) (int, error) {
	if n <= 1 {
		return 0, nil
	}
	span := uint64(n)
	limit := (math.MaxInt64 / span) * span
	for {
		value, err := src.Uint63()
		if err != nil {
			return 0, err
		}
		if value < limit {
			return int(value % span), nil
		}
	}
}
