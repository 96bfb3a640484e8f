package cmd

import (
	"bytes"
	"context"
	"testing"

	"github.com/spf13/cobra"

	"github.com/EvanDbg/refresh-gemini-business/internal/config"
	"github.com/EvanDbg/refresh-gemini-business/internal/observability"
	"github.com/EvanDbg/refresh-gemini-business/internal/service"
	"go.uber.org/zap"
)

// resetForTest clears package state shared between command instances.
func resetForTest(t *testing.T) {
	t.Helper()
	cfgFile = ""
	envFile = ""
	observability.ResetForTest()
	t.Cleanup(observability.ResetForTest)
}

// fakeFactory records whether the command got as far as building components.
type fakeFactory struct {
	calls int
	err   error
}

func (f *fakeFactory) Create(context.Context, config.Interface, *zap.Logger) (*service.Components, error) {
	f.calls++
	return nil, f.err
}

// runCommand executes args against a pristine root command.
func runCommand(t *testing.T, factory service.ComponentFactory, args ...string) (string, error) {
	t.Helper()
	resetForTest(t)
	root := newRootCommand(factory)
	var out bytes.Buffer
	root.SetOut(&out)
	root.SetErr(&out)
	// --env-file must be explicit so a stray .env never leaks into tests.
	root.SetArgs(append([]string{"--env-file", ""}, args...))
	err := root.ExecuteContext(context.Background())
	return out.String(), err
}

func findCommand(root *cobra.Command, name string) *cobra.Command {
	for _, c := range root.Commands() {
		if c.Name() == name {
			return c
		}
	}
	return nil
}
