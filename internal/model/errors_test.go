package model_test

import (
	"errors"
	"fmt"
	"io/fs"
	"testing"

	"github.com/kimiz-org/kimiz-sub002/internal/model"
	"github.com/stretchr/testify/require"
)

func TestHighCPUError(t *testing.T) {
	err := fmt.Errorf("admission: %w", model.HighCPUError{Utilization: 97.5})
	require.ErrorIs(t, err, model.ErrHighCPU)

	var hc model.HighCPUError
	require.ErrorAs(t, err, &hc)
	require.Equal(t, 97.5, hc.Utilization)
}

func TestLaunchError(t *testing.T) {
	err := &model.LaunchError{Path: "/missing.exe", Err: fs.ErrNotExist}
	require.ErrorIs(t, err, fs.ErrNotExist)
	require.Contains(t, err.Error(), "/missing.exe")

	var le *model.LaunchError
	require.ErrorAs(t, fmt.Errorf("launch: %w", err), &le)
	require.False(t, errors.Is(err, model.ErrHighCPU))
}
