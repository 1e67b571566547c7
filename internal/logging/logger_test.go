package logging

import (
	"testing"

	"github.com/hashicorp/go-hclog"
	"github.com/stretchr/testify/assert"
)

func TestNewDefaultsToInfo(t *testing.T) {
	l := New(Options{Name: "test", Level: "bogus"})
	assert.Equal(t, hclog.Info, l.GetLevel())
	assert.Equal(t, "test", l.Name())
}

func TestNewParsesLevel(t *testing.T) {
	l := New(Options{Name: "test", Level: "debug"})
	assert.Equal(t, hclog.Debug, l.GetLevel())
}

func TestSetLoggerOverridesRoot(t *testing.T) {
	custom := hclog.NewNullLogger()
	SetLogger(custom)
	defer SetLogger(nil)

	assert.Same(t, custom, GetLogger())
}
