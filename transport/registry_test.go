package transport

import (
	"context"
	"errors"
	"testing"

	"github.com/ThreeDotsLabs/watermill"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func okBuilder(ctx context.Context, cfg Config, logger watermill.LoggerAdapter) (Transport, error) {
	return Transport{
		Publisher:   &mockPublisher{},
		Subscriber:  &mockSubscriber{},
		ListenTopic: cfg.GetSystemName(),
	}, nil
}

func TestNewRegistry(t *testing.T) {
	reg := NewRegistry()
	assert.NotNil(t, reg)
	assert.Empty(t, reg.Names())
}

func TestRegistry_RegisterWithCapabilities(t *testing.T) {
	reg := NewRegistry()
	reg.RegisterWithCapabilities("test-transport", okBuilder, Capabilities{Name: "test-transport", ReportsUnreachable: true})

	assert.True(t, reg.Has("test-transport"))
	assert.True(t, reg.Has(" Test-Transport "))
	caps := reg.GetCapabilities("test-transport")
	assert.True(t, caps.ReportsUnreachable)
}

func TestRegistry_GetCapabilities_Unknown(t *testing.T) {
	caps := NewRegistry().GetCapabilities("unknown")
	assert.Equal(t, Capabilities{Name: "unknown"}, caps)
}

func TestRegistry_Build(t *testing.T) {
	reg := NewRegistry()
	reg.Register("test-transport", okBuilder)

	tr, err := reg.Build(context.Background(), StaticConfig{Transport: "test-transport", SystemName: "oms"}, nil)
	require.NoError(t, err)
	assert.NotNil(t, tr.Publisher)
	assert.NotNil(t, tr.Subscriber)
	assert.Equal(t, "oms", tr.ListenTopic)
}

func TestRegistry_BuildDefaultsToHTTP(t *testing.T) {
	reg := NewRegistry()
	reg.Register(DefaultName, okBuilder)

	_, err := reg.Build(context.Background(), StaticConfig{}, nil)
	require.NoError(t, err)
}

func TestRegistry_BuildErrors(t *testing.T) {
	reg := NewRegistry()

	_, err := reg.Build(context.Background(), nil, nil)
	assert.ErrorContains(t, err, "config is required")

	_, err = reg.Build(context.Background(), StaticConfig{Transport: "pigeon"}, nil)
	assert.ErrorContains(t, err, `unknown transport: "pigeon"`)

	expectedErr := errors.New("builder error")
	reg.Register("failing", func(context.Context, Config, watermill.LoggerAdapter) (Transport, error) {
		return Transport{}, expectedErr
	})
	_, err = reg.Build(context.Background(), StaticConfig{Transport: "failing"}, nil)
	assert.Equal(t, expectedErr, err)
}

func TestRegistry_NamesSorted(t *testing.T) {
	reg := NewRegistry()
	reg.Register("nats", okBuilder)
	reg.Register("channel", okBuilder)
	reg.Register("kafka", okBuilder)

	assert.Equal(t, []string{"channel", "kafka", "nats"}, reg.Names())
}

func TestRegistry_ConcurrentAccess(t *testing.T) {
	reg := NewRegistry()

	done := make(chan bool)
	for i := 0; i < 10; i++ {
		go func() {
			for j := 0; j < 100; j++ {
				reg.Register("transport", okBuilder)
				reg.Has("transport")
				reg.Names()
				reg.GetCapabilities("transport")
			}
			done <- true
		}()
	}
	for i := 0; i < 10; i++ {
		<-done
	}

	assert.True(t, reg.Has("transport"))
}
