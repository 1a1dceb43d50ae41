package version

import (
	"testing"

	"github.com/stretchr/testify/assert"
)

func TestInfoMatchesGetters(t *testing.T) {
	v, c, d := Info()

	assert.NotEmpty(t, v)
	assert.Equal(t, v, GetVersion())
	assert.Equal(t, c, GetCommit())
	assert.Equal(t, d, GetDate())
}

func TestString(t *testing.T) {
	s := String()

	assert.Contains(t, s, "version="+GetVersion())
	assert.Contains(t, s, "commit="+GetCommit())
	assert.Contains(t, s, "date="+GetDate())
}

func TestString_UsesOverriddenValues(t *testing.T) {
	prevVersion, prevCommit := version, commit
	t.Cleanup(func() { version, commit = prevVersion, prevCommit })

	version, commit = "1.2.3", "abc123"
	assert.Equal(t, "order-service version=1.2.3 commit=abc123 date="+GetDate(), String())
}
