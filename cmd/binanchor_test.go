package cmd

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
)

func TestBinAnchorLocksToFirstObservation(t *testing.T) {
	var a binAnchor
	first := time.Date(2026, 1, 2, 3, 0, 0, 0, time.UTC)
	width := 5 * time.Minute

	a.observe(first, width)
	a.observe(first.Add(time.Hour), width) // later observations must not move the anchor

	assert.True(t, a.startOf(0).Equal(first))
	assert.True(t, a.startOf(3).Equal(first.Add(15*time.Minute)))
}
