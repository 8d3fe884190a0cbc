package generic

import (
	"testing"

	"github.com/stretchr/testify/assert"
)

type item struct {
	n    int
	tags []string
}

func TestPoolResetsOnPut(t *testing.T) {
	p := NewPool(func() *item { return &item{} }, func(i *item) {
		i.n = 0
		i.tags = i.tags[:0]
	})

	it := p.Get()
	it.n = 7
	it.tags = append(it.tags, "x")
	p.Put(it)

	assert.Zero(t, it.n)
	assert.Empty(t, it.tags)
}

func TestHotPoolServesValues(t *testing.T) {
	created := 0
	p := NewHotPool(func() *item { created++; return &item{} }, nil, 4)
	assert.Equal(t, 4, created)
	assert.NotNil(t, p.Get())
}
