package backoff

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
)

func TestConstant(t *testing.T) {
	c := Constant{Interval: 3 * time.Second}
	assert.Equal(t, 3*time.Second, c.Delay(1))
	assert.Equal(t, 3*time.Second, c.Delay(10))
}

func TestExponential(t *testing.T) {
	e := Exponential{Initial: time.Second, Max: 10 * time.Second}

	tests := []struct {
		attempt int
		want    time.Duration
	}{
		{0, time.Second},
		{1, time.Second},
		{2, 2 * time.Second},
		{3, 4 * time.Second},
		{4, 8 * time.Second},
		{5, 10 * time.Second},
		{100, 10 * time.Second},
	}
	for _, tt := range tests {
		assert.Equal(t, tt.want, e.Delay(tt.attempt), "attempt %d", tt.attempt)
	}
}

func TestExponential_Uncapped(t *testing.T) {
	e := Exponential{Initial: time.Millisecond}
	assert.Equal(t, 1024*time.Millisecond, e.Delay(11))
	assert.Equal(t, time.Duration(1<<63-1), e.Delay(200))
}

func TestJittered_StaysWithinBounds(t *testing.T) {
	j := Jittered{Strategy: Constant{Interval: time.Second}}
	for i := 0; i < 200; i++ {
		d := j.Delay(1)
		assert.GreaterOrEqual(t, d, 500*time.Millisecond)
		assert.LessOrEqual(t, d, time.Second)
	}
}

func TestJittered_Zero(t *testing.T) {
	j := Jittered{Strategy: Constant{}}
	assert.Equal(t, time.Duration(0), j.Delay(1))
}

func TestDefault(t *testing.T) {
	s := Default(time.Second, 4*time.Second)
	d := s.Delay(10)
	assert.GreaterOrEqual(t, d, 2*time.Second)
	assert.LessOrEqual(t, d, 4*time.Second)
}
