package main

import (
	"testing"

	"github.com/stretchr/testify/assert"

	"github.com/dreamware/edgestore/internal/config"
)

func TestRootCommandRegistersAllSubcommands(t *testing.T) {
	root := newRootCmd()

	names := make(map[string]bool)
	for _, c := range root.Commands() {
		names[c.Name()] = true
	}

	for _, want := range []string{"serve", "migrate", "gid", "stats", "lock"} {
		assert.True(t, names[want], "missing subcommand %q", want)
	}
}

func TestGidCommandDefaultsToRandomColo(t *testing.T) {
	cmd := newGidCmd()
	flag := cmd.Flags().Lookup("colo")
	assert.NotNil(t, flag)
	assert.Equal(t, "0", flag.DefValue)
}

func TestLockCommandRequiresColo(t *testing.T) {
	cmd := newLockCmd()
	cmd.SetArgs(nil)
	err := cmd.RunE(cmd, nil)
	assert.Error(t, err)
}

func TestNewLoggerRejectsInvalidLevel(t *testing.T) {
	cfg := config.Default()
	cfg.LogLevel = "not-a-level"
	_, err := newLogger(cfg)
	assert.Error(t, err)
}
