// SPDX-License-Identifier: MIT

package log

import (
	"context"
	"testing"
)

func TestContextWithRequestID(t *testing.T) {
	tests := []struct {
		name      string
		ctx       context.Context
		requestID string
		want      string
	}{
		{
			name:      "nil context",
			ctx:       nil,
			requestID: "test-id-123",
			want:      "test-id-123",
		},
		{
			name:      "background context",
			ctx:       context.Background(),
			requestID: "req-456",
			want:      "req-456",
		},
		{
			name:      "empty request ID",
			ctx:       context.Background(),
			requestID: "",
			want:      "",
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			ctx := ContextWithRequestID(tt.ctx, tt.requestID)
			got := RequestIDFromContext(ctx)
			if got != tt.want {
				t.Errorf("RequestIDFromContext() = %v, want %v", got, tt.want)
			}
		})
	}
}

func TestContextWithBroadcastID(t *testing.T) {
	tests := []struct {
		name        string
		ctx         context.Context
		broadcastID string
		want        string
	}{
		{
			name:        "nil context",
			ctx:         nil,
			broadcastID: "bc-123",
			want:        "bc-123",
		},
		{
			name:        "background context",
			ctx:         context.Background(),
			broadcastID: "bc-456",
			want:        "bc-456",
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			ctx := ContextWithBroadcastID(tt.ctx, tt.broadcastID)
			got := BroadcastIDFromContext(ctx)
			if got != tt.want {
				t.Errorf("BroadcastIDFromContext() = %v, want %v", got, tt.want)
			}
		})
	}
}

func TestBroadcastIDFromContextEmpty(t *testing.T) {
	tests := []struct {
		name string
		ctx  context.Context
		want string
	}{
		{
			name: "nil context",
			ctx:  nil,
			want: "",
		},
		{
			name: "context without broadcast ID",
			ctx:  context.Background(),
			want: "",
		},
		{
			name: "context with wrong type",
			ctx:  context.WithValue(context.Background(), broadcastIDKey, 123),
			want: "",
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			got := BroadcastIDFromContext(tt.ctx)
			if got != tt.want {
				t.Errorf("BroadcastIDFromContext() = %v, want %v", got, tt.want)
			}
		})
	}
}

func TestWithContext(t *testing.T) {
	baseLogger := WithComponent("test")

	ctx1 := ContextWithRequestID(context.Background(), "req-123")
	logger1 := WithContext(ctx1, baseLogger)
	if logger1.GetLevel() != baseLogger.GetLevel() {
		t.Error("Logger level should be preserved")
	}

	ctx2 := ContextWithBroadcastID(ctx1, "bc-456")
	logger2 := WithContext(ctx2, baseLogger)
	if logger2.GetLevel() != baseLogger.GetLevel() {
		t.Error("Logger level should be preserved")
	}

	// Empty context should return original logger
	logger3 := WithContext(context.Background(), baseLogger)
	if logger3.GetLevel() != baseLogger.GetLevel() {
		t.Error("Logger level should be preserved")
	}
}
