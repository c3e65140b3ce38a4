package observability_test

import (
	"testing"

	"github.com/stretchr/testify/require"

	"github.com/fairyhunter13/compute-marketplace/internal/adapter/observability"
	"github.com/fairyhunter13/compute-marketplace/internal/config"
)

func TestSetupTracing_DisabledWithoutEndpoint(t *testing.T) {
	shutdown, err := observability.SetupTracing(config.Config{})
	require.NoError(t, err)
	require.Nil(t, shutdown)
}
