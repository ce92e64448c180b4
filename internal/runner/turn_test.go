package runner_test

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/basket/clawtask/internal/budget"
	"github.com/basket/clawtask/internal/runner"
)

type fixedGuard struct {
	steps int
	err   error
}

func (g *fixedGuard) Step(context.Context, budget.Snapshot) error {
	g.steps++
	return g.err
}

func (g *fixedGuard) AllowTool(context.Context, string) bool { return true }

func TestHTTPTurn_PostsRequestAndDecodesResult(t *testing.T) {
	var got runner.TurnRequest
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.Header.Get("Authorization") != "Bearer s3cret" {
			t.Errorf("missing bearer token")
		}
		if err := json.NewDecoder(r.Body).Decode(&got); err != nil {
			t.Errorf("decode: %v", err)
		}
		_, _ = w.Write([]byte(`{"responseText":"hi","budgetSnapshot":{"tokensUsed":7,"toolCalls":0},"model":"gpt-4o-mini"}`))
	}))
	defer srv.Close()

	guard := &fixedGuard{}
	turn := runner.NewHTTPTurn(srv.URL, "s3cret", 5*time.Second)
	res, err := turn.RunTurn(context.Background(), runner.TurnRequest{
		TaskID:    "t1",
		Prompt:    "ping",
		ToolAllow: [][]string{{"web.search"}},
		Budget:    budget.Budget{MaxToolCalls: budget.Int(0)},
		Guard:     guard,
	})
	if err != nil {
		t.Fatalf("RunTurn: %v", err)
	}
	if res.ResponseText != "hi" || res.Snapshot.TokensUsed != 7 || res.Model != "gpt-4o-mini" {
		t.Fatalf("result = %+v", res)
	}
	if got.Prompt != "ping" || got.Budget.MaxToolCalls == nil || *got.Budget.MaxToolCalls != 0 {
		t.Fatalf("request = %+v", got)
	}
	if guard.steps != 2 {
		t.Fatalf("guard steps = %d, want 2 (before and after)", guard.steps)
	}
}

func TestHTTPTurn_GuardStopsBeforeCall(t *testing.T) {
	called := false
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		called = true
	}))
	defer srv.Close()

	turn := runner.NewHTTPTurn(srv.URL, "", time.Second)
	_, err := turn.RunTurn(context.Background(), runner.TurnRequest{Guard: &fixedGuard{err: runner.ErrCancelled}})
	if err != runner.ErrCancelled {
		t.Fatalf("err = %v, want ErrCancelled", err)
	}
	if called {
		t.Fatal("cancelled turn must not reach the agent service")
	}
}

func TestHTTPTurn_ErrorStatusIsRedacted(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		http.Error(w, "bad key api_key=abcdefghijklmnopqrstuvwxyz", http.StatusBadGateway)
	}))
	defer srv.Close()

	_, err := runner.NewHTTPTurn(srv.URL, "", time.Second).RunTurn(context.Background(), runner.TurnRequest{})
	if err == nil || !strings.Contains(err.Error(), "status 502") {
		t.Fatalf("err = %v, want status 502", err)
	}
	if strings.Contains(err.Error(), "abcdefghijklmnopqrstuvwxyz") {
		t.Fatalf("secret leaked into error: %v", err)
	}
}

func TestHTTPTurn_EstimatesTokensWhenUnreported(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		_, _ = w.Write([]byte(`{"responseText":"The quick brown fox jumps over the lazy dog near the river bank"}`))
	}))
	defer srv.Close()

	res, err := runner.NewHTTPTurn(srv.URL, "", time.Second).RunTurn(context.Background(), runner.TurnRequest{Prompt: "hello"})
	if err != nil {
		t.Fatalf("RunTurn: %v", err)
	}
	if res.PromptTokens != 1 || res.CompletionTokens != 17 {
		t.Fatalf("estimated tokens = %d/%d, want 1/17", res.PromptTokens, res.CompletionTokens)
	}
	if res.Snapshot.TokensUsed != 18 {
		t.Fatalf("snapshot tokens = %d, want 18", res.Snapshot.TokensUsed)
	}
}
