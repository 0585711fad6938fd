package config_test

import (
	"errors"
	"testing"

	"github.com/kot0fey/Asterisk-AI-Voice-Agent-sub000/internal/config"
	"github.com/kot0fey/Asterisk-AI-Voice-Agent-sub000/pkg/provider/stt"
	sttmock "github.com/kot0fey/Asterisk-AI-Voice-Agent-sub000/pkg/provider/stt/mock"
)

// ─── TestRegistry ────────────────────────────────────────────────────────────

func TestRegistryCreate(t *testing.T) {
	t.Parallel()

	r := config.NewRegistry()
	want := &sttmock.Provider{}
	r.RegisterSTT("mock", func(entry config.ProviderEntry) (stt.Provider, error) {
		if entry.APIKey != "key" {
			t.Errorf("entry not passed through: %+v", entry)
		}
		return want, nil
	})

	got, err := r.CreateSTT(config.ProviderEntry{Kind: config.KindSTT, Impl: "mock", APIKey: "key"})
	if err != nil {
		t.Fatalf("CreateSTT: %v", err)
	}
	if got != want {
		t.Fatal("factory result not returned")
	}
}

func TestRegistryUnregistered(t *testing.T) {
	t.Parallel()

	r := config.NewRegistry()
	_, err := r.CreateLLM(config.ProviderEntry{Kind: config.KindLLM, Impl: "nope"})
	if !errors.Is(err, config.ErrProviderNotRegistered) {
		t.Fatalf("want ErrProviderNotRegistered, got %v", err)
	}
	if _, err := r.CreateAgent(config.ProviderEntry{Impl: "nope"}); !errors.Is(err, config.ErrProviderNotRegistered) {
		t.Fatalf("want ErrProviderNotRegistered, got %v", err)
	}
}

func TestRegistryOverwrite(t *testing.T) {
	t.Parallel()

	r := config.NewRegistry()
	first := &sttmock.Provider{}
	second := &sttmock.Provider{}
	r.RegisterSTT("mock", func(config.ProviderEntry) (stt.Provider, error) { return first, nil })
	r.RegisterSTT("mock", func(config.ProviderEntry) (stt.Provider, error) { return second, nil })

	got, err := r.CreateSTT(config.ProviderEntry{Impl: "mock"})
	if err != nil {
		t.Fatalf("CreateSTT: %v", err)
	}
	if got != second {
		t.Fatal("later registration should win")
	}
}
