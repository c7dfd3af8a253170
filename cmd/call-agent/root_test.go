package main

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestSignalingURL(t *testing.T) {
	tests := []struct {
		base string
		want string
	}{
		{"http://localhost:8083", "ws://localhost:8083/v1/ws/signaling"},
		{"https://calls.example.com/", "wss://calls.example.com/v1/ws/signaling"},
		{"https://example.com/call-service", "wss://example.com/call-service/v1/ws/signaling"},
	}
	for _, tt := range tests {
		t.Run(tt.base, func(t *testing.T) {
			got, err := signalingURL(tt.base)
			require.NoError(t, err)
			assert.Equal(t, tt.want, got)
		})
	}
}
