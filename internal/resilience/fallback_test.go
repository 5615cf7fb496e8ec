package resilience

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/MrWong99/hyperlive/pkg/provider/s2s"
	s2smock "github.com/MrWong99/hyperlive/pkg/provider/s2s/mock"
)

func newStringGroup(maxFailures int) *FallbackGroup[string] {
	fg := NewFallbackGroup("primary", "primary", FallbackConfig{
		CircuitBreaker: CircuitBreakerConfig{MaxFailures: maxFailures, ResetTimeout: time.Hour},
	})
	fg.AddFallback("secondary", "secondary")
	return fg
}

func TestFallbackGroup_PrimarySuccess(t *testing.T) {
	fg := newStringGroup(3)

	var called string
	err := fg.Execute(context.Background(), func(_ context.Context, v string) error {
		called = v
		return nil
	})
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if called != "primary" {
		t.Fatalf("called = %q, want primary", called)
	}
	if got := fg.Names(); len(got) != 2 || got[0] != "primary" || got[1] != "secondary" {
		t.Errorf("Names() = %v", got)
	}
}

func TestFallbackGroup_PrimaryFailFallbackSuccess(t *testing.T) {
	fg := newStringGroup(3)

	var called string
	err := fg.Execute(context.Background(), func(_ context.Context, v string) error {
		if v == "primary" {
			return errTest
		}
		called = v
		return nil
	})
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if called != "secondary" {
		t.Fatalf("called = %q, want secondary", called)
	}
}

func TestFallbackGroup_AllFail(t *testing.T) {
	fg := newStringGroup(3)

	err := fg.Execute(context.Background(), func(context.Context, string) error {
		return errTest
	})
	if !errors.Is(err, ErrAllFailed) {
		t.Fatalf("err = %v, want ErrAllFailed", err)
	}
	if !errors.Is(err, errTest) {
		t.Errorf("err = %v, want wrapped errTest", err)
	}
}

func TestFallbackGroup_CircuitBreakerSkipsOpenProvider(t *testing.T) {
	fg := newStringGroup(2)
	ctx := context.Background()

	for range 2 {
		_ = fg.Execute(ctx, func(_ context.Context, v string) error {
			if v == "primary" {
				return errTest
			}
			return nil
		})
	}

	var called []string
	err := fg.Execute(ctx, func(_ context.Context, v string) error {
		called = append(called, v)
		return nil
	})
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if len(called) != 1 || called[0] != "secondary" {
		t.Fatalf("called = %v, want [secondary] (primary circuit should be open)", called)
	}
}

func TestFallbackGroup_StopsOnCancelledContext(t *testing.T) {
	fg := newStringGroup(3)
	ctx, cancel := context.WithCancel(context.Background())

	var called []string
	err := fg.Execute(ctx, func(ctx context.Context, v string) error {
		called = append(called, v)
		cancel()
		return ctx.Err()
	})
	if !errors.Is(err, context.Canceled) {
		t.Fatalf("err = %v, want context.Canceled", err)
	}
	if len(called) != 1 {
		t.Errorf("called = %v, want only primary", called)
	}
}

func TestExecuteWithResult_Failover(t *testing.T) {
	fg := NewFallbackGroup(10, "ten", FallbackConfig{
		CircuitBreaker: CircuitBreakerConfig{MaxFailures: 3},
	})
	fg.AddFallback("twenty", 20)

	result, err := ExecuteWithResult(context.Background(), fg, func(_ context.Context, v int) (string, error) {
		if v == 10 {
			return "", errTest
		}
		return "from-twenty", nil
	})
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if result != "from-twenty" {
		t.Fatalf("result = %q, want from-twenty", result)
	}
}

func TestS2SFallback_Connect(t *testing.T) {
	primary := &s2smock.Provider{ConnectErr: errTest}
	secondary := &s2smock.Provider{}

	f := NewS2SFallback(primary, "gemini-live", FallbackConfig{})
	f.AddFallback("openai-realtime", secondary)

	cfg := s2s.SessionConfig{Voice: "Puck"}
	sess, err := f.Connect(context.Background(), cfg)
	if err != nil {
		t.Fatalf("Connect: %v", err)
	}
	if sess == nil {
		t.Fatal("nil session")
	}
	if primary.ConnectCount() != 1 || secondary.ConnectCount() != 1 {
		t.Errorf("connect counts = %d/%d, want 1/1", primary.ConnectCount(), secondary.ConnectCount())
	}
	if got := secondary.LastConnect(); got.Cfg.Voice != "Puck" {
		t.Errorf("forwarded config = %+v", got)
	}
}

func TestS2SFallback_CapabilitiesFromPrimary(t *testing.T) {
	primary := &s2smock.Provider{ProviderCapabilities: s2s.Capabilities{Voices: []string{"Zephyr"}}}
	secondary := &s2smock.Provider{ProviderCapabilities: s2s.Capabilities{Voices: []string{"alloy"}}}

	f := NewS2SFallback(primary, "a", FallbackConfig{})
	f.AddFallback("b", secondary)

	if got := f.Capabilities().Voices; len(got) != 1 || got[0] != "Zephyr" {
		t.Errorf("Voices = %v, want [Zephyr]", got)
	}
}
