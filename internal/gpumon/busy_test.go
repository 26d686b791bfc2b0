package gpumon

import (
	"testing"

	"github.com/stretchr/testify/assert"
)

func TestNameExcluded(t *testing.T) {
	excluded := []string{"excavator"}

	assert.True(t, nameExcluded("excavator", excluded))
	assert.True(t, nameExcluded("Excavator", excluded), "case must not matter")
	assert.False(t, nameExcluded("blender", excluded))
	assert.False(t, nameExcluded("excavator", nil), "no exclusions, everything is foreign")
}
