package notify

import (
	"context"
	"os"
	"path/filepath"
	"testing"
	"time"
)

func TestOutboxNotifierCreatesFile(t *testing.T) {
	dir := t.TempDir()
	n := NewOutboxNotifier(dir)

	if err := n.Deliver(context.Background(), "user-1", "drink water"); err != nil {
		t.Fatalf("Deliver failed: %v", err)
	}

	entries, err := os.ReadDir(filepath.Join(dir, "outbox"))
	if err != nil {
		t.Fatalf("ReadDir failed: %v", err)
	}
	if len(entries) != 1 {
		t.Fatalf("expected 1 delivery file, got %d", len(entries))
	}
	if filepath.Ext(entries[0].Name()) != ".msg" {
		t.Errorf("expected .msg extension, got %s", entries[0].Name())
	}
}

func TestOutboxWatcherReceivesDelivery(t *testing.T) {
	dir := t.TempDir()

	received := make(chan Delivery, 1)
	watcher := NewOutboxWatcher(dir, func(d Delivery) {
		received <- d
	})
	if err := watcher.Start(); err != nil {
		t.Fatalf("Start failed: %v", err)
	}
	defer watcher.Stop()

	// Give fsnotify a moment to register
	time.Sleep(50 * time.Millisecond)

	n := NewOutboxNotifier(dir)
	if err := n.Deliver(context.Background(), "user-1", "call the dentist"); err != nil {
		t.Fatalf("Deliver failed: %v", err)
	}

	select {
	case d := <-received:
		if d.UserID != "user-1" {
			t.Errorf("expected user-1, got %s", d.UserID)
		}
		if d.Message != "call the dentist" {
			t.Errorf("expected message to survive round-trip, got %q", d.Message)
		}
	case <-time.After(3 * time.Second):
		t.Fatal("timeout waiting for delivery")
	}
}

func TestOutboxWatcherDrainsExisting(t *testing.T) {
	dir := t.TempDir()

	// Write deliveries BEFORE starting the watcher
	n := NewOutboxNotifier(dir)
	_ = n.Deliver(context.Background(), "user-1", "first")
	_ = n.Deliver(context.Background(), "user-2", "second")

	received := make(chan Delivery, 10)
	watcher := NewOutboxWatcher(dir, func(d Delivery) {
		received <- d
	})
	if err := watcher.Start(); err != nil {
		t.Fatalf("Start failed: %v", err)
	}
	defer watcher.Stop()

	// Drain should have processed both files synchronously during Start
	time.Sleep(100 * time.Millisecond)

	if len(received) != 2 {
		t.Fatalf("expected 2 drained deliveries, got %d", len(received))
	}
}

func TestSanitizeID(t *testing.T) {
	got := sanitizeID("whatsapp:+15551234567/x")
	if got != "whatsapp_+15551234567_x" {
		t.Errorf("expected whatsapp_+15551234567_x, got %s", got)
	}
}
