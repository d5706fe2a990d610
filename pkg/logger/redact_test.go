package logger

import (
	"testing"

	"github.com/stretchr/testify/assert"
)

func TestRedact(t *testing.T) {
	assert.Equal(t, "auth failed for [REDACTED]", Redact("auth failed for sk-abcdefghijklmnop1234"))
	assert.Equal(t, "short ids stay", Redact("short ids stay"))
}
