package events

import (
	"context"
	"testing"

	"github.com/alivehq/agentpool/internal/common/logger"
	"github.com/alivehq/agentpool/internal/events/bus"
)

func providerLogger(t *testing.T) *logger.Logger {
	t.Helper()
	log, err := logger.NewLogger(logger.LoggingConfig{Level: "error", Format: "console", OutputPath: "stderr"})
	if err != nil {
		t.Fatalf("failed to build logger: %v", err)
	}
	return log
}

func TestProvideDefaultsToMemoryBus(t *testing.T) {
	provided, cleanup, err := Provide(bus.NATSConfig{}, providerLogger(t))
	if err != nil {
		t.Fatalf("Provide() error = %v", err)
	}
	if provided.Memory == nil {
		t.Fatal("expected the in-memory bus without a NATS URL")
	}
	if provided.NATS != nil {
		t.Error("NATS bus should not be constructed without a URL")
	}
	if provided.Bus == nil || !provided.Bus.IsConnected() {
		t.Fatal("provided bus must be live")
	}

	// The provided bus must actually deliver pool events.
	got := make(chan string, 1)
	sub, err := provided.Bus.Subscribe(BuildWorkerWildcardSubject(), func(ctx context.Context, ev *bus.Event) error {
		got <- ev.Type
		return nil
	})
	if err != nil {
		t.Fatalf("Subscribe() error = %v", err)
	}
	defer sub.Unsubscribe()

	ev := bus.NewEvent(WorkerReady, "pool", nil)
	if err := provided.Bus.Publish(context.Background(), SubjectFor(WorkerReady), ev); err != nil {
		t.Fatalf("Publish() error = %v", err)
	}
	select {
	case eventType := <-got:
		if eventType != WorkerReady {
			t.Errorf("delivered type = %s, want %s", eventType, WorkerReady)
		}
	default:
		t.Fatal("event was not delivered")
	}

	if err := cleanup(); err != nil {
		t.Fatalf("cleanup() error = %v", err)
	}
	if provided.Bus.IsConnected() {
		t.Error("cleanup must close the bus")
	}
}

func TestProvideTreatsBlankURLAsMemory(t *testing.T) {
	provided, cleanup, err := Provide(bus.NATSConfig{URL: "   "}, providerLogger(t))
	if err != nil {
		t.Fatalf("Provide() error = %v", err)
	}
	defer cleanup()

	if provided.Memory == nil || provided.NATS != nil {
		t.Errorf("blank URL should select the in-memory bus, got %+v", provided)
	}
}
