package main

import (
	"context"
	"testing"

	"github.com/stretchr/testify/require"

	"github.com/imaging-tech-hub/dicom-proxy/control"
	"github.com/imaging-tech-hub/dicom-proxy/events"
)

func TestControlChannelURL_HTTPBecomesWS(t *testing.T) {
	u, err := controlChannelURL("http://resolver.example.com/api", "secret-key")
	require.NoError(t, err)
	require.Equal(t, "ws://resolver.example.com/api/api/v1/proxy/ws?proxy_key=secret-key", u)
}

func TestControlChannelURL_HTTPSBecomesWSS(t *testing.T) {
	u, err := controlChannelURL("https://resolver.example.com", "secret-key")
	require.NoError(t, err)
	require.Equal(t, "wss://resolver.example.com/api/v1/proxy/ws?proxy_key=secret-key", u)
}

func TestControlChannelURL_RejectsUnparseableURL(t *testing.T) {
	_, err := controlChannelURL("://not-a-url", "key")
	require.Error(t, err)
}

func TestLazyEventDispatcher_NoOpBeforeRegistrySet(t *testing.T) {
	d := &lazyEventDispatcher{}
	err := d.Dispatch(context.Background(), "config_update", control.Envelope{})
	require.NoError(t, err)
}

func TestLazyEventDispatcher_ForwardsOnceRegistrySet(t *testing.T) {
	d := &lazyEventDispatcher{}
	registry := events.NewRegistry(events.Dependencies{})
	d.registry = registry

	err := d.Dispatch(context.Background(), "unknown_event_type", control.Envelope{})
	require.NoError(t, err)
}
