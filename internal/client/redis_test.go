package client

import (
	"context"
	"testing"
	"time"

	"github.com/alicebob/miniredis/v2"

	"github.com/yourusername/orion/safetynet/internal/logging"
)

func TestRedisClientConnectSuccess(t *testing.T) {
	mr, err := miniredis.Run()
	if err != nil {
		t.Fatalf("Failed to start miniredis: %v", err)
	}
	defer mr.Close()

	client := NewRedisClient(mr.Addr(), "", logging.Discard())

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	if err := client.Connect(ctx); err != nil {
		t.Fatalf("Expected successful connection, got error: %v", err)
	}

	if err := client.Ping(ctx); err != nil {
		t.Errorf("Expected ping to succeed, got error: %v", err)
	}

	if err := client.Client().Set(ctx, "k", "v", 0).Err(); err != nil {
		t.Errorf("Expected raw client to be usable, got error: %v", err)
	}
	if got, _ := mr.Get("k"); got != "v" {
		t.Errorf("Expected value 'v' in miniredis, got %q", got)
	}

	if err := client.Close(); err != nil {
		t.Errorf("Expected close to succeed, got error: %v", err)
	}
}

func TestRedisClientConnectFailure(t *testing.T) {
	client := NewRedisClient("localhost:59999", "", logging.Discard())

	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()

	err := client.Connect(ctx)
	if err == nil {
		t.Error("Expected connection to fail with invalid address")
		client.Close()
		return
	}

	if !containsAny(err.Error(), "failed to connect", "connection refused", "refused") {
		t.Errorf("Unexpected error: %v", err)
	}
}

func TestRedisClientPingAfterServerStops(t *testing.T) {
	mr := miniredis.RunT(t)

	client := NewRedisClient(mr.Addr(), "", logging.Discard())
	defer client.Close()

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	if err := client.Connect(ctx); err != nil {
		t.Fatalf("Failed to connect: %v", err)
	}

	mr.Close()

	if err := client.Ping(ctx); err == nil {
		t.Error("Expected ping to fail after server stopped")
	}
}
