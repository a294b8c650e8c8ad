package replication

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
)

func at(hh, mm int) time.Time {
	return time.Date(2026, 1, 1, hh, mm, 0, 0, time.Local)
}

func TestWindowActiveSimpleRange(t *testing.T) {
	assert.True(t, WindowActive("02:00-06:00", at(3, 0)))
	assert.False(t, WindowActive("02:00-06:00", at(14, 0)))
	assert.False(t, WindowActive("02:00-06:00", at(6, 0)), "end is exclusive")
}

func TestWindowActiveWrapsMidnight(t *testing.T) {
	assert.True(t, WindowActive("22:00-02:00", at(23, 30)))
	assert.True(t, WindowActive("22:00-02:00", at(1, 0)))
	assert.False(t, WindowActive("22:00-02:00", at(12, 0)))
}

func TestWindowActiveEmptyMeansAlways(t *testing.T) {
	assert.True(t, WindowActive("", at(3, 0)))
}
