package main

import (
	"context"
	"errors"
	"fmt"
	"testing"
	"time"

	tea "github.com/charmbracelet/bubbletea"
	"github.com/stretchr/testify/assert"
)

// blockingUI stands in for the dashboard until its context ends.
func blockingUI(ctx context.Context) error {
	<-ctx.Done()
	return fmt.Errorf("%w: %w", tea.ErrProgramKilled, ctx.Err())
}

func TestRunWithDashboardServerFailureStopsUI(t *testing.T) {
	serveErr := errors.New("serve failed")
	done := make(chan error, 1)
	go func() {
		done <- runWithDashboard(context.Background(),
			func(context.Context) error { return serveErr },
			blockingUI,
		)
	}()

	select {
	case err := <-done:
		assert.ErrorIs(t, err, serveErr)
	case <-time.After(2 * time.Second):
		t.Fatal("dashboard kept running after the server stopped")
	}
}

func TestRunWithDashboardQuitStopsServer(t *testing.T) {
	stopped := make(chan struct{})
	err := runWithDashboard(context.Background(),
		func(ctx context.Context) error {
			<-ctx.Done()
			close(stopped)
			return nil
		},
		func(context.Context) error { return nil },
	)
	assert.NoError(t, err)

	select {
	case <-stopped:
	default:
		t.Fatal("server still running after the dashboard quit")
	}
}

func TestRunWithDashboardUIError(t *testing.T) {
	uiErr := errors.New("no tty")
	err := runWithDashboard(context.Background(),
		func(ctx context.Context) error {
			<-ctx.Done()
			return nil
		},
		func(context.Context) error { return uiErr },
	)
	assert.ErrorIs(t, err, uiErr)
}
