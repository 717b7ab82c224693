package vectorstore

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"testing"
)

func TestEnsureCollectionCreatesMissingCollection(t *testing.T) {
	var sawGet, sawPut bool
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		switch r.Method {
		case http.MethodGet:
			sawGet = true
			w.WriteHeader(http.StatusNotFound)
		case http.MethodPut:
			sawPut = true
			var body map[string]interface{}
			json.NewDecoder(r.Body).Decode(&body)
			w.WriteHeader(http.StatusOK)
		}
	}))
	defer srv.Close()

	s := NewQdrantStore(srv.URL, srv.Client())
	if err := s.EnsureCollection(context.Background(), "notes", 1536); err != nil {
		t.Fatalf("EnsureCollection: %v", err)
	}
	if !sawGet || !sawPut {
		t.Fatalf("expected a GET (miss) followed by a PUT (create), got GET=%v PUT=%v", sawGet, sawPut)
	}
}

func TestEnsureCollectionNoopsWhenAlreadyPresent(t *testing.T) {
	var putCalled bool
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.Method == http.MethodPut {
			putCalled = true
		}
		w.WriteHeader(http.StatusOK)
	}))
	defer srv.Close()

	s := NewQdrantStore(srv.URL, srv.Client())
	if err := s.EnsureCollection(context.Background(), "notes", 1536); err != nil {
		t.Fatalf("EnsureCollection: %v", err)
	}
	if putCalled {
		t.Fatal("did not expect a create call when the collection already exists")
	}
}

func TestSearchParsesPointsAndScores(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		resp := qdrantQueryResponse{}
		resp.Result.Points = []qdrantPoint{
			{ID: "a", Score: 0.9, Payload: map[string]interface{}{"file_path": "Notes/a.md", "file_name": "a.md"}},
			{ID: "b", Score: 0.4, Payload: map[string]interface{}{"file_path": "Notes/b.md", "file_name": "b.md"}},
		}
		json.NewEncoder(w).Encode(resp)
	}))
	defer srv.Close()

	s := NewQdrantStore(srv.URL, srv.Client())
	matches, err := s.Search(context.Background(), "notes", []float64{0.1, 0.2}, 5)
	if err != nil {
		t.Fatalf("Search: %v", err)
	}
	if len(matches) != 2 {
		t.Fatalf("len(matches) = %d, want 2", len(matches))
	}
	if matches[0].Point.FilePath != "Notes/a.md" || matches[0].Score != 0.9 {
		t.Fatalf("matches[0] = %+v", matches[0])
	}
}

func TestSearchRejectsPointMissingFilePath(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		resp := qdrantQueryResponse{}
		resp.Result.Points = []qdrantPoint{{ID: "a", Score: 0.9, Payload: map[string]interface{}{}}}
		json.NewEncoder(w).Encode(resp)
	}))
	defer srv.Close()

	s := NewQdrantStore(srv.URL, srv.Client())
	if _, err := s.Search(context.Background(), "notes", []float64{0.1}, 5); err == nil {
		t.Fatal("expected an error for a search result missing file_path")
	}
}
