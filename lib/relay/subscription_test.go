package relay

import (
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
)

func TestValidateSubID(t *testing.T) {
	tests := []struct {
		name  string
		subID string
		valid bool
	}{
		{"simple", "sub1", true},
		{"single char", "x", true},
		{"with space", "my sub", true},
		{"punctuation", "a-b_c.d!", true},
		{"max length", strings.Repeat("a", 64), true},
		{"too long", strings.Repeat("a", 65), false},
		{"empty", "", false},
		{"control char", "ab\x01cd", false},
		{"newline", "ab\ncd", false},
		{"quote", `with"quote`, false},
		{"backslash", `back\slash`, false},
		{"delete char", "ab\x7fcd", false},
		{"non-ascii", "caf\xc3\xa9", false},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			err := ValidateSubID(tt.subID)
			if tt.valid {
				assert.NoError(t, err)
			} else {
				assert.Error(t, err)
			}
		})
	}
}

func TestSubscriptionCancel(t *testing.T) {
	sub := NewSubscription(1, "sub", nil)
	assert.False(t, sub.Cancelled())
	sub.Cancel()
	assert.True(t, sub.Cancelled())
}

func TestSubscriptionLatestQuad(t *testing.T) {
	sub := NewSubscription(1, "sub", nil)
	assert.Equal(t, uint64(0), sub.LatestQuad())
	sub.SetLatestQuad(42)
	assert.Equal(t, uint64(42), sub.LatestQuad())
}
