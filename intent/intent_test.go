package intent

import (
	"testing"

	"github.com/stretchr/testify/assert"
)

func TestFilterMatch(t *testing.T) {
	f := NewFilter("mini.intent.BOOT", "mini.intent.TICK")

	assert.True(t, f.Match(New("mini.intent.TICK")))
	assert.False(t, f.Match(New("mini.intent.OTHER")))
	assert.False(t, f.Match(nil))
	assert.False(t, Filter{}.Match(New("")))
}

func TestFilterMerge(t *testing.T) {
	a := NewFilter("x", "y")
	merged := a.Merge(NewFilter("y", "z"))

	assert.Equal(t, []string{"x", "y", "z"}, merged.Actions)
	assert.Equal(t, []string{"x", "y"}, a.Actions, "merge must not modify the receiver")
}

func TestExtras(t *testing.T) {
	in := New("mini.intent.TICK").WithExtra("n", "1")
	assert.Equal(t, "1", in.Extra("n"))
	assert.Equal(t, "", in.Extra("missing"))
}
