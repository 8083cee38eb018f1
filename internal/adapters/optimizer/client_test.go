package optimizer

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"net/http/httptest"
	"reflect"
	"testing"

	"fleetsync.live/internal/core/domain"
)

func TestClient_Optimize(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		var req request
		if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
			http.Error(w, err.Error(), http.StatusBadRequest)
			return
		}
		// reverse the input
		order := make([]string, len(req.Stops))
		for i, st := range req.Stops {
			order[len(order)-1-i] = st.ID
		}
		json.NewEncoder(w).Encode(order)
	}))
	defer srv.Close()

	got, err := New(srv.URL).Optimize(context.Background(), domain.Coordinates{}, []*domain.Stop{{ID: "a"}, {ID: "b"}, {ID: "c"}})
	if err != nil {
		t.Fatalf("Optimize() error = %v", err)
	}
	if want := []string{"c", "b", "a"}; !reflect.DeepEqual(got, want) {
		t.Errorf("Optimize() = %v, want %v", got, want)
	}
}

func TestClient_FailuresAreUnreachable(t *testing.T) {
	tests := []struct {
		name    string
		handler http.HandlerFunc
	}{
		{"server error", func(w http.ResponseWriter, r *http.Request) {
			http.Error(w, "quota exceeded", http.StatusTooManyRequests)
		}},
		{"garbage answer", func(w http.ResponseWriter, r *http.Request) {
			w.Write([]byte("Here is the best order: a, b"))
		}},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			srv := httptest.NewServer(tt.handler)
			defer srv.Close()
			_, err := New(srv.URL).Optimize(context.Background(), domain.Coordinates{}, []*domain.Stop{{ID: "a"}})
			if !errors.Is(err, domain.ErrUnreachable) {
				t.Errorf("Optimize() error = %v, want unreachable", err)
			}
		})
	}
}
