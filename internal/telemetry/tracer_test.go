// SPDX-License-Identifier: MIT

package telemetry

import (
	"context"
	"testing"

	"github.com/stretchr/testify/require"
)

func TestDisabledProviderIsNoop(t *testing.T) {
	p, err := NewProvider(context.Background(), Config{Enabled: false})
	require.NoError(t, err)
	require.NoError(t, p.Shutdown(context.Background()))

	// Spans must be creatable against the noop provider.
	_, span := Tracer("test").Start(context.Background(), "op")
	span.End()
}

func TestUnknownExporterRejected(t *testing.T) {
	_, err := NewProvider(context.Background(), Config{
		Enabled:      true,
		ServiceName:  "userpool",
		ExporterType: "carrier-pigeon",
	})
	require.Error(t, err)
}
