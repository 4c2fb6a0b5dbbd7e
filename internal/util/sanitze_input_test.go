package util

import (
	"testing"

	"github.com/stretchr/testify/assert"
)

func TestCleanText(t *testing.T) {
	assert.Equal(t, "line one\nline\ttwo", CleanText(" line one\n\x00line\ttwo\x07 "))
}

func TestContainsSuspicious(t *testing.T) {
	tests := []struct {
		in   string
		want bool
	}{
		{"Blog, Shop", false},
		{"Budget in $ and {braces}", false},
		{"<SCRIPT>alert(1)</script>", true},
		{"<img onerror=x>", true},
		{"javascript:void(0)", true},
	}
	for _, tt := range tests {
		assert.Equal(t, tt.want, ContainsSuspicious(tt.in), tt.in)
	}
}
