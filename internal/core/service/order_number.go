package service

import (
	"fmt"
	"sync/atomic"
	"time"
)

// OrderNumberGenerator produces human-readable order numbers from a
// wall-clock component plus a monotonically increasing counter. No
// global lock across orders; uniqueness is empirical within one
// deployment, not guaranteed across machine clock skew.
type OrderNumberGenerator struct {
	seq atomic.Uint64
}

func NewOrderNumberGenerator() *OrderNumberGenerator {
	return &OrderNumberGenerator{}
}

func (g *OrderNumberGenerator) Next() string {
	n := g.seq.Add(1)
	return fmt.Sprintf("ORD-%d-%04d", time.Now().UnixMilli(), n%10000)
}
