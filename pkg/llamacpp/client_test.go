package llamacpp

import (
	"context"
	"errors"
	"io"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"

	"github.com/menta2k/facesense/pkg/client"
	"github.com/menta2k/facesense/pkg/types"
)

func newTestServer(t *testing.T, answer string) *httptest.Server {
	t.Helper()
	mux := http.NewServeMux()
	mux.HandleFunc("/health", func(w http.ResponseWriter, r *http.Request) {
		io.WriteString(w, `{"status":"ok"}`)
	})
	mux.HandleFunc("/v1/models", func(w http.ResponseWriter, r *http.Request) {
		io.WriteString(w, `{"data":[{"id":"minicpm-v4.5-q4.gguf"}]}`)
	})
	mux.HandleFunc("/v1/chat/completions", func(w http.ResponseWriter, r *http.Request) {
		body, _ := io.ReadAll(r.Body)
		if !strings.Contains(string(body), "data:image/jpeg;base64,aGVsbG8=") {
			http.Error(w, "missing image", http.StatusBadRequest)
			return
		}
		resp := map[string]any{
			"id": "1",
			"choices": []map[string]any{
				{"index": 0, "message": map[string]any{"role": "assistant", "content": answer}},
			},
		}
		b, _ := json.Marshal(resp)
		w.Write(b)
	})
	srv := httptest.NewServer(mux)
	t.Cleanup(srv.Close)
	return srv
}

func TestLoadModels(t *testing.T) {
	srv := newTestServer(t, "")

	c, _ := NewClient(srv.URL, "minicpm-v4.5")
	if err := c.LoadModels(context.Background(), ""); err != nil {
		t.Errorf("LoadModels failed: %v", err)
	}

	missing, _ := NewClient(srv.URL, "llava")
	if err := missing.LoadModels(context.Background(), ""); err == nil {
		t.Error("Expected error for a model the server does not serve")
	}
}

func TestLoadModelsServerDown(t *testing.T) {
	srv := newTestServer(t, "")
	url := srv.URL
	srv.Close()

	c, _ := NewClient(url, "")
	if err := c.LoadModels(context.Background(), "/models"); err == nil {
		t.Error("Expected error when the server is unreachable")
	}
}

func TestDetectFaces(t *testing.T) {
	answer := `{"faces":[{"box":{"x":0.1,"y":0.1,"w":0.2,"h":0.3},"score":0.95,"expressions":{"happy":0.9,"neutral":0.1}}]}`
	srv := newTestServer(t, answer)

	c, _ := NewClient(srv.URL+"/", "minicpm")
	faces, err := c.DetectFaces(context.Background(), "aGVsbG8=", types.DetectOptions{Prompt: "find faces"})
	if err != nil {
		t.Fatalf("DetectFaces failed: %v", err)
	}
	if len(faces) != 1 {
		t.Fatalf("Expected 1 face, got %d", len(faces))
	}
	if faces[0].Expressions["happy"] != 0.9 {
		t.Errorf("Expected happy 0.9, got %f", faces[0].Expressions["happy"])
	}
}

func TestDetectFacesMalformed(t *testing.T) {
	srv := newTestServer(t, "no faces here, sorry")

	c, _ := NewClient(srv.URL, "minicpm")
	_, err := c.DetectFaces(context.Background(), "aGVsbG8=", types.DetectOptions{})
	if !errors.Is(err, client.ErrMalformedResponse) {
		t.Errorf("Expected ErrMalformedResponse, got %v", err)
	}
}
