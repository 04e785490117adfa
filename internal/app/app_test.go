package app

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"net/http/httptest"
	"sync/atomic"
	"testing"
	"time"

	"petechoes/pkg/bfl"
	"petechoes/pkg/domain"
	"petechoes/pkg/store"
)

func newTestApp(t *testing.T, st store.Store, upstream http.Handler) *App {
	t.Helper()
	srv := httptest.NewServer(upstream)
	t.Cleanup(srv.Close)
	client, err := bfl.NewClient("test-key", bfl.WithBaseURL(srv.URL), bfl.WithHTTPClient(srv.Client()))
	if err != nil {
		t.Fatalf("new bfl client: %v", err)
	}
	a, err := New(Config{
		Store:           st,
		Generator:       client,
		PublicURL:       "https://petecho.example.com",
		PollInterval:    time.Millisecond,
		MaxPollAttempts: 5,
		MaxConcurrent:   2,
	})
	if err != nil {
		t.Fatalf("new app: %v", err)
	}
	return a
}

// waitForTerminal polls the store until the record reaches a terminal
// status or the deadline expires.
func waitForTerminal(t *testing.T, st store.Store, id int64) domain.StatusInfo {
	t.Helper()
	deadline := time.Now().Add(5 * time.Second)
	for time.Now().Before(deadline) {
		info, ok, err := st.GetStatus(id)
		if err != nil {
			t.Fatalf("get status: %v", err)
		}
		if ok && info.Status.Terminal() {
			return info
		}
		time.Sleep(5 * time.Millisecond)
	}
	t.Fatalf("image %d never reached a terminal status", id)
	return domain.StatusInfo{}
}

func TestUploadImageCompletesAfterPolling(t *testing.T) {
	var polls int32
	mux := http.NewServeMux()
	mux.HandleFunc("/", func(w http.ResponseWriter, r *http.Request) {
		var payload map[string]any
		_ = json.NewDecoder(r.Body).Decode(&payload)
		if payload["aspect_ratio"] != "9:20" {
			t.Errorf("aspect_ratio = %v, want 9:20", payload["aspect_ratio"])
		}
		if payload["reference_image"] != "https://petecho.example.com/studio-background" {
			t.Errorf("reference_image = %v", payload["reference_image"])
		}
		host := "http://" + r.Host
		_ = json.NewEncoder(w).Encode(map[string]string{
			"id":          "task-1",
			"polling_url": host + "/poll/task-1",
		})
	})
	mux.HandleFunc("/poll/task-1", func(w http.ResponseWriter, r *http.Request) {
		if atomic.AddInt32(&polls, 1) < 3 {
			_ = json.NewEncoder(w).Encode(map[string]string{"status": "Pending"})
			return
		}
		host := "http://" + r.Host
		_ = json.NewEncoder(w).Encode(map[string]any{
			"status": "Ready",
			"result": map[string]string{"sample": host + "/result/task-1"},
		})
	})
	mux.HandleFunc("/result/task-1", func(w http.ResponseWriter, r *http.Request) {
		_, _ = w.Write([]byte("generated-jpeg"))
	})

	st := store.NewMemoryStore()
	a := newTestApp(t, st, mux)

	id, err := a.UploadImage(context.Background(), []byte("original-jpeg"))
	if err != nil {
		t.Fatalf("upload: %v", err)
	}

	info := waitForTerminal(t, st, id)
	if info.Status != domain.StatusCompleted {
		t.Fatalf("status = %q, want completed", info.Status)
	}
	if !info.HasGeneratedImage {
		t.Fatalf("expected generated image to be stored")
	}
	data, ok, err := st.GetImage(id, domain.KindGenerated)
	if err != nil || !ok {
		t.Fatalf("get generated image: ok=%v err=%v", ok, err)
	}
	if string(data) != "generated-jpeg" {
		t.Fatalf("generated bytes = %q", data)
	}
	if got := atomic.LoadInt32(&polls); got != 3 {
		t.Fatalf("polls = %d, want 3", got)
	}
}

func TestUploadMemoryPhotoUsesSquareFramingWithoutBackground(t *testing.T) {
	mux := http.NewServeMux()
	mux.HandleFunc("/", func(w http.ResponseWriter, r *http.Request) {
		var payload map[string]any
		_ = json.NewDecoder(r.Body).Decode(&payload)
		if payload["aspect_ratio"] != "1:1" {
			t.Errorf("aspect_ratio = %v, want 1:1", payload["aspect_ratio"])
		}
		if _, ok := payload["reference_image"]; ok {
			t.Errorf("memory photo should not carry a studio background reference")
		}
		host := "http://" + r.Host
		_ = json.NewEncoder(w).Encode(map[string]string{"url": host + "/result"})
	})
	mux.HandleFunc("/result", func(w http.ResponseWriter, r *http.Request) {
		_, _ = w.Write([]byte("stylized"))
	})

	st := store.NewMemoryStore()
	a := newTestApp(t, st, mux)

	id, err := a.UploadMemoryPhoto(context.Background(), []byte("photo"), 2)
	if err != nil {
		t.Fatalf("upload memory photo: %v", err)
	}
	info := waitForTerminal(t, st, id)
	if info.Status != domain.StatusCompleted {
		t.Fatalf("status = %q, want completed", info.Status)
	}
}

func TestRejectedSubmissionFailsWithoutPolling(t *testing.T) {
	var polls int32
	mux := http.NewServeMux()
	mux.HandleFunc("/", func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusUnprocessableEntity)
		_, _ = w.Write([]byte(`{"detail":"moderated"}`))
	})
	mux.HandleFunc("/poll/", func(w http.ResponseWriter, r *http.Request) {
		atomic.AddInt32(&polls, 1)
	})

	st := store.NewMemoryStore()
	a := newTestApp(t, st, mux)

	id, err := a.UploadImage(context.Background(), []byte("original"))
	if err != nil {
		t.Fatalf("upload: %v", err)
	}
	info := waitForTerminal(t, st, id)
	if info.Status != domain.StatusFailed {
		t.Fatalf("status = %q, want failed", info.Status)
	}
	if info.HasGeneratedImage {
		t.Fatalf("rejected task must not have a generated image")
	}
	if atomic.LoadInt32(&polls) != 0 {
		t.Fatalf("rejected submission should never poll")
	}
}

func TestPollingExhaustionFailsTask(t *testing.T) {
	mux := http.NewServeMux()
	mux.HandleFunc("/", func(w http.ResponseWriter, r *http.Request) {
		host := "http://" + r.Host
		_ = json.NewEncoder(w).Encode(map[string]string{
			"id":          "task-slow",
			"polling_url": host + "/poll",
		})
	})
	mux.HandleFunc("/poll", func(w http.ResponseWriter, r *http.Request) {
		_ = json.NewEncoder(w).Encode(map[string]string{"status": "Pending"})
	})

	st := store.NewMemoryStore()
	a := newTestApp(t, st, mux)

	id, err := a.UploadImage(context.Background(), []byte("original"))
	if err != nil {
		t.Fatalf("upload: %v", err)
	}
	info := waitForTerminal(t, st, id)
	if info.Status != domain.StatusFailed {
		t.Fatalf("status = %q, want failed", info.Status)
	}
}

func TestTransientPollErrorsAreRetried(t *testing.T) {
	var polls int32
	mux := http.NewServeMux()
	mux.HandleFunc("/", func(w http.ResponseWriter, r *http.Request) {
		host := "http://" + r.Host
		_ = json.NewEncoder(w).Encode(map[string]string{
			"id":          "task-flaky",
			"polling_url": host + "/poll",
		})
	})
	mux.HandleFunc("/poll", func(w http.ResponseWriter, r *http.Request) {
		if atomic.AddInt32(&polls, 1) < 3 {
			w.WriteHeader(http.StatusBadGateway)
			return
		}
		host := "http://" + r.Host
		_ = json.NewEncoder(w).Encode(map[string]any{
			"status": "Ready",
			"result": map[string]string{"sample": host + "/result"},
		})
	})
	mux.HandleFunc("/result", func(w http.ResponseWriter, r *http.Request) {
		_, _ = w.Write([]byte("generated"))
	})

	st := store.NewMemoryStore()
	a := newTestApp(t, st, mux)

	id, err := a.UploadImage(context.Background(), []byte("original"))
	if err != nil {
		t.Fatalf("upload: %v", err)
	}
	info := waitForTerminal(t, st, id)
	if info.Status != domain.StatusCompleted {
		t.Fatalf("status = %q, want completed", info.Status)
	}
}

func TestDownloadFailureFailsTask(t *testing.T) {
	mux := http.NewServeMux()
	mux.HandleFunc("/", func(w http.ResponseWriter, r *http.Request) {
		host := "http://" + r.Host
		_ = json.NewEncoder(w).Encode(map[string]string{"url": host + "/result"})
	})
	mux.HandleFunc("/result", func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusForbidden)
	})

	st := store.NewMemoryStore()
	a := newTestApp(t, st, mux)

	id, err := a.UploadImage(context.Background(), []byte("original"))
	if err != nil {
		t.Fatalf("upload: %v", err)
	}
	info := waitForTerminal(t, st, id)
	if info.Status != domain.StatusFailed {
		t.Fatalf("status = %q, want failed", info.Status)
	}
}

func TestGenerationParamsAreRecorded(t *testing.T) {
	mux := http.NewServeMux()
	mux.HandleFunc("/", func(w http.ResponseWriter, r *http.Request) {
		host := "http://" + r.Host
		_ = json.NewEncoder(w).Encode(map[string]string{"url": host + "/result"})
	})
	mux.HandleFunc("/result", func(w http.ResponseWriter, r *http.Request) {
		_, _ = w.Write([]byte("generated"))
	})

	st := store.NewMemoryStore()
	a := newTestApp(t, st, mux)

	id, err := a.UploadImage(context.Background(), []byte("original"))
	if err != nil {
		t.Fatalf("upload: %v", err)
	}
	waitForTerminal(t, st, id)

	params, ok := st.GenerationParams(id)
	if !ok {
		t.Fatalf("expected generation params to be recorded")
	}
	var req bfl.GenerationRequest
	if err := json.Unmarshal(params, &req); err != nil {
		t.Fatalf("unmarshal params: %v", err)
	}
	if req.Seed != 42 || req.OutputFormat != "jpeg" || req.SafetyTolerance != 2 {
		t.Fatalf("unexpected recorded params: %+v", req)
	}
	if req.InputImage == "" {
		t.Fatalf("recorded params missing input image url")
	}
}

// flakyResultStore fails the first SetResult call to exercise the
// persist retry after a successful download.
type flakyResultStore struct {
	*store.MemoryStore
	failures int32
}

func (s *flakyResultStore) SetResult(id int64, generated []byte) error {
	if atomic.AddInt32(&s.failures, -1) >= 0 {
		return errors.New("transient store error")
	}
	return s.MemoryStore.SetResult(id, generated)
}

func TestPersistRetryAfterSuccessfulDownload(t *testing.T) {
	mux := http.NewServeMux()
	mux.HandleFunc("/", func(w http.ResponseWriter, r *http.Request) {
		host := "http://" + r.Host
		_ = json.NewEncoder(w).Encode(map[string]string{"url": host + "/result"})
	})
	mux.HandleFunc("/result", func(w http.ResponseWriter, r *http.Request) {
		_, _ = w.Write([]byte("generated"))
	})

	st := &flakyResultStore{MemoryStore: store.NewMemoryStore(), failures: 1}
	a := newTestApp(t, st, mux)

	id, err := a.UploadImage(context.Background(), []byte("original"))
	if err != nil {
		t.Fatalf("upload: %v", err)
	}
	info := waitForTerminal(t, st, id)
	if info.Status != domain.StatusCompleted {
		t.Fatalf("status = %q, want completed after retry", info.Status)
	}
	if !info.HasGeneratedImage {
		t.Fatalf("expected generated image after retried persist")
	}
}

func TestGeneratedImageURL(t *testing.T) {
	st := store.NewMemoryStore()
	a := newTestApp(t, st, http.NewServeMux())
	if got := a.GeneratedImageURL(7); got != "https://petecho.example.com/image/7?type=generated" {
		t.Fatalf("url = %q", got)
	}
}
