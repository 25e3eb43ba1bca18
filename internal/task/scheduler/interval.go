package scheduler

import (
	"math"
	"time"
)

// DefaultFloor is the shortest interval any monitor is polled at.
const DefaultFloor = 10 * time.Second

// Interval returns how often one account's monitor of one kind may poll:
//
//	max(floor, ceil(60 * totalWeight / (ratePerMinute * credentials * weight))) seconds
//
// The per-minute budget of all credentials is shared among the accounts of a
// kind in proportion to their weight. Invalid inputs yield the floor.
func Interval(ratePerMinute, credentials, weight, totalWeight int, floor time.Duration) time.Duration {
	if floor <= 0 {
		floor = DefaultFloor
	}
	if ratePerMinute <= 0 || credentials <= 0 || weight <= 0 || totalWeight <= 0 {
		return floor
	}
	secs := math.Ceil(60 * float64(totalWeight) / (float64(ratePerMinute) * float64(credentials) * float64(weight)))
	return max(floor, time.Duration(secs)*time.Second)
}

// Allocator sums weights per monitor kind and hands out intervals.
type Allocator struct {
	rates       map[string]int
	credentials int
	floor       time.Duration
	total       map[string]int
}

// NewAllocator takes the per-minute call budget of one credential for each kind.
func NewAllocator(rates map[string]int, credentials int, floor time.Duration) *Allocator {
	return &Allocator{rates: rates, credentials: credentials, floor: floor, total: map[string]int{}}
}

// Add counts one enabled monitor of kind with the given weight.
func (a *Allocator) Add(kind string, weight int) {
	if weight > 0 {
		a.total[kind] += weight
	}
}

// TotalWeight is the summed weight of kind.
func (a *Allocator) TotalWeight(kind string) int { return a.total[kind] }

// Interval is the polling interval of one monitor of kind with weight.
func (a *Allocator) Interval(kind string, weight int) time.Duration {
	return Interval(a.rates[kind], a.credentials, weight, a.total[kind], a.floor)
}
