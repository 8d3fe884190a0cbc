package log

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestParseLevel(t *testing.T) {
	assert.Equal(t, LevelDebug, ParseLevel("debug"))
	assert.Equal(t, LevelWarn, ParseLevel("warning"))
	assert.Equal(t, LevelError, ParseLevel("error"))
	assert.Equal(t, LevelInfo, ParseLevel("bogus"))
}

func TestSetLevelIsSharedWithChildren(t *testing.T) {
	l := New(LevelInfo)
	child := l.With(String("component", "test"))

	l.SetLevel(LevelError)
	assert.Equal(t, LevelError, l.GetLevel())
	assert.Equal(t, LevelError, child.GetLevel())
}

func TestFieldConversion(t *testing.T) {
	fields := toZapFields(
		Bool("b", true),
		Duration("d", time.Second),
		Float64("f", 1.5),
		Int("i", 3),
		String("s", "x"),
		Strings("ss", []string{"a"}),
		Uint32("u", 7),
		Error(errors.New("boom")),
		Any("a", struct{}{}),
	)
	require.Len(t, fields, 9)
	assert.Equal(t, "b", fields[0].Key)
	assert.Equal(t, "error", fields[7].Key)
}

func TestWithContextAddsPeer(t *testing.T) {
	l := NewNop()
	ctx := ContextWithPeer(context.Background(), "peer-1")
	assert.NotSame(t, l, l.WithContext(ctx))
	assert.Same(t, l, l.WithContext(context.Background()))
}
