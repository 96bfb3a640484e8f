package browser

import (
	"context"
	"errors"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
)

func TestFindFirst(t *testing.T) {
	chain := []Locator{CSS("#a"), CSS("#b"), ButtonText("Go")}

	t.Run("PrefersEarlierLocators", func(t *testing.T) {
		probe := func(_ context.Context, l Locator) (bool, error) {
			return l.Expr != "#a", nil
		}
		loc, ok := FindFirst(context.Background(), probe, chain, time.Second, time.Millisecond)
		assert.True(t, ok)
		assert.Equal(t, CSS("#b"), loc)
	})

	t.Run("ProbeErrorsCountAsMiss", func(t *testing.T) {
		probe := func(_ context.Context, l Locator) (bool, error) {
			if l.Kind == ByCSS {
				return true, errors.New("execution context destroyed")
			}
			return true, nil
		}
		loc, ok := FindFirst(context.Background(), probe, chain, time.Second, time.Millisecond)
		assert.True(t, ok)
		assert.Equal(t, ButtonText("Go"), loc)
	})

	t.Run("WaitsForLateElement", func(t *testing.T) {
		var polls int32
		probe := func(_ context.Context, l Locator) (bool, error) {
			if l.Expr == "#b" {
				return atomic.AddInt32(&polls, 1) >= 3, nil
			}
			return false, nil
		}
		loc, ok := FindFirst(context.Background(), probe, chain, time.Second, time.Millisecond)
		assert.True(t, ok)
		assert.Equal(t, "#b", loc.Expr)
	})

	t.Run("TimesOut", func(t *testing.T) {
		never := func(context.Context, Locator) (bool, error) { return false, nil }
		start := time.Now()
		_, ok := FindFirst(context.Background(), never, chain, 30*time.Millisecond, 5*time.Millisecond)
		assert.False(t, ok)
		assert.Less(t, time.Since(start), time.Second)
	})

	t.Run("CanceledContext", func(t *testing.T) {
		ctx, cancel := context.WithCancel(context.Background())
		cancel()
		always := func(context.Context, Locator) (bool, error) { return true, nil }
		_, ok := FindFirst(ctx, always, chain, time.Second, time.Millisecond)
		assert.False(t, ok)
	})

	t.Run("EmptyChain", func(t *testing.T) {
		always := func(context.Context, Locator) (bool, error) { return true, nil }
		_, ok := FindFirst(context.Background(), always, nil, time.Second, time.Millisecond)
		assert.False(t, ok)
	})
}

func TestLocatorString(t *testing.T) {
	assert.Equal(t, `input[type="email"]`, CSS(`input[type="email"]`).String())
	assert.Equal(t, `button:has-text("继续")`, ButtonText("继续").String())
}

func TestQuery(t *testing.T) {
	sel, opts := query(ButtonText("Continue"))
	assert.Equal(t, `//button[contains(normalize-space(.), "Continue")]`, sel)
	assert.Len(t, opts, 2)

	sel, _ = query(CSS("#log-in-button"))
	assert.Equal(t, "#log-in-button", sel)
}

func TestJSArgs(t *testing.T) {
	assert.Equal(t, `"css", "input[name=\"x\"]", ["a","b"]`, jsArgs("css", `input[name="x"]`, []string{"a", "b"}))
}
