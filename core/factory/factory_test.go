package factory

import (
	"strings"
	"testing"
	"time"
)

type influxConf struct {
	URL       string `json:"url"`
	TimeoutMS int    `json:"timeout_ms"`
}

type sink struct {
	url     string
	timeout time.Duration
}

func TestRegistry_Create(t *testing.T) {
	reg := NewRegistry[*sink]()
	if err := reg.Register("influx", func(conf map[string]any) (*sink, error) {
		var c influxConf
		if err := Decode(conf, &c); err != nil {
			return nil, err
		}
		return &sink{url: c.URL, timeout: time.Duration(c.TimeoutMS) * time.Millisecond}, nil
	}); err != nil {
		t.Fatalf("register: %v", err)
	}
	// string values arrive from env overrides
	inst, err := reg.Create(ModuleConfig{Type: "influx", Conf: map[string]any{"url": "http://x", "timeout_ms": "250"}})
	if err != nil {
		t.Fatalf("create: %v", err)
	}
	if inst.url != "http://x" || inst.timeout != 250*time.Millisecond {
		t.Fatalf("unexpected sink %+v", inst)
	}
}

func TestRegistry_NilConf(t *testing.T) {
	reg := NewRegistry[int]()
	_ = reg.Register("n", func(conf map[string]any) (int, error) {
		if conf == nil {
			t.Fatal("conf should never be nil")
		}
		return len(conf), nil
	})
	if _, err := reg.Create(ModuleConfig{Type: "n"}); err != nil {
		t.Fatalf("create: %v", err)
	}
}

// Test duplicate registration and unknown type errors.
func TestRegistry_Errors(t *testing.T) {
	reg := NewRegistry[int]()
	if err := reg.Register("x", func(map[string]any) (int, error) { return 1, nil }); err != nil {
		t.Fatalf("register: %v", err)
	}
	if err := reg.Register("x", func(map[string]any) (int, error) { return 2, nil }); err == nil {
		t.Fatal("expected duplicate error")
	}
	if err := reg.Register("z", nil); err == nil {
		t.Fatal("expected nil factory error")
	}
	_, err := reg.Create(ModuleConfig{Type: "y"})
	if err == nil || !strings.Contains(err.Error(), "known: x") {
		t.Fatalf("expected unknown type error listing known types, got %v", err)
	}
}
