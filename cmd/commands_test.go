package main

import (
	"bytes"
	"testing"

	"agrimater/internal/llm"

	"github.com/spf13/cobra"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestFirstNonEmpty(t *testing.T) {
	assert.Equal(t, "b", firstNonEmpty("", "b", "c"))
	assert.Equal(t, "", firstNonEmpty("", ""))
	assert.Equal(t, "", firstNonEmpty())
}

func TestFlagOrEnv(t *testing.T) {
	newCmd := func() (*cobra.Command, *string) {
		var level string
		cmd := &cobra.Command{Use: "x"}
		cmd.Flags().StringVar(&level, "log-level", "info", "")
		return cmd, &level
	}

	t.Setenv("LOG_LEVEL", "debug")

	cmd, level := newCmd()
	assert.Equal(t, "debug", flagOrEnv(cmd, "log-level", "LOG_LEVEL", *level))

	cmd, level = newCmd()
	require.NoError(t, cmd.Flags().Set("log-level", "error"))
	assert.Equal(t, "error", flagOrEnv(cmd, "log-level", "LOG_LEVEL", *level))
}

func TestRunToken(t *testing.T) {
	var out bytes.Buffer
	cmd := &cobra.Command{}
	cmd.SetOut(&out)

	tokenEmail, tokenSecret = "grower@example.com", "cli-secret"
	t.Cleanup(func() { tokenEmail, tokenSecret = "", "" })

	require.NoError(t, runToken(cmd, nil))
	claims, err := llm.ValidateSessionToken(string(bytes.TrimSpace(out.Bytes())), "cli-secret")
	require.NoError(t, err)
	assert.Equal(t, "grower@example.com", claims.Email)

	tokenEmail = "not-an-email"
	assert.Error(t, runToken(cmd, nil))
}
