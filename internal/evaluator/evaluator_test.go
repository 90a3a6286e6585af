package evaluator_test

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"go.uber.org/zap"

	"github.com/atlas-desktop/trading-backend/internal/evaluator"
	"github.com/atlas-desktop/trading-backend/pkg/types"
)

func TestEvaluateDecodesSuccessfulResponse(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		var req types.EvaluatorRequest
		if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
			t.Fatalf("decode request: %v", err)
		}
		if req.StrategyID != "s1" {
			t.Fatalf("expected strategyId s1, got %q", req.StrategyID)
		}
		w.Header().Set("Content-Type", "application/json")
		json.NewEncoder(w).Encode(types.EvaluatorResponse{
			Recommendation: types.RecommendationSwap,
			Reason:         "underperforming",
		})
	}))
	defer srv.Close()

	c := evaluator.NewHTTPClient(srv.URL, zap.NewNop(), evaluator.WithRetryMax(0))
	resp, err := c.Evaluate(context.Background(), types.EvaluatorRequest{StrategyID: "s1", Symbol: "AAPL"})
	if err != nil {
		t.Fatalf("Evaluate: %v", err)
	}
	if resp.Recommendation != types.RecommendationSwap {
		t.Fatalf("expected swap recommendation, got %s", resp.Recommendation)
	}
}

func TestEvaluateReturnsErrorOnNon200(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusInternalServerError)
		w.Write([]byte("boom"))
	}))
	defer srv.Close()

	c := evaluator.NewHTTPClient(srv.URL, zap.NewNop(), evaluator.WithRetryMax(0))
	_, err := c.Evaluate(context.Background(), types.EvaluatorRequest{StrategyID: "s1"})
	if err == nil {
		t.Fatal("expected an error for a 500 response")
	}
}

func TestEvaluateRespectsTimeout(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		time.Sleep(50 * time.Millisecond)
		w.Header().Set("Content-Type", "application/json")
		json.NewEncoder(w).Encode(types.EvaluatorResponse{Recommendation: types.RecommendationKeep})
	}))
	defer srv.Close()

	c := evaluator.NewHTTPClient(srv.URL, zap.NewNop(), evaluator.WithTimeout(5*time.Millisecond), evaluator.WithRetryMax(0))
	_, err := c.Evaluate(context.Background(), types.EvaluatorRequest{StrategyID: "s1"})
	if err == nil {
		t.Fatal("expected the call to time out")
	}
}
