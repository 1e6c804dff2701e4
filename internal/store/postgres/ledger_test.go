package postgres

import (
	"testing"

	"github.com/stretchr/testify/assert"
)

func TestSortedUniqueOrdersLockTargets(t *testing.T) {
	assert.Equal(t, []string{"P-A", "P-B", "P-C"}, sortedUnique([]string{"P-C", "P-A", "", "P-B", "P-A"}))
	assert.Empty(t, sortedUnique(nil))
}
