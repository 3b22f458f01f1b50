package main

import (
	"bytes"
	"encoding/json"
	"io"
	"net/http"
	"net/http/httptest"
	"os"
	"path/filepath"
	"strings"
	"sync/atomic"
	"testing"
	"time"

	"github.com/smallwat3r/codedrop/internal/domain"
	"github.com/smallwat3r/codedrop/internal/utility"
)

var pngBytes = []byte("\x89PNG\r\n\x1a\n\x00\x00\x00\rIHDR\x00\x00\x00\x01\x00\x00\x00\x01")

func captureStdout(t *testing.T, fn func()) string {
	t.Helper()
	oldStdout := os.Stdout
	r, w, _ := os.Pipe()
	os.Stdout = w

	fn()

	w.Close()
	var buf bytes.Buffer
	io.Copy(&buf, r)
	os.Stdout = oldStdout
	return buf.String()
}

func createdResponse(w http.ResponseWriter) {
	w.WriteHeader(http.StatusCreated)
	json.NewEncoder(w).Encode(domain.CreateRes{
		Code:      "482913",
		ExpiresIn: 60,
		ExpiresAt: time.Now().Add(time.Minute),
	})
}

func TestSendText(t *testing.T) {
	var got domain.CreateReq
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.URL.Path != "/api/transfers" {
			t.Errorf("Expected to request '/api/transfers', got: %s", r.URL.Path)
		}
		if r.Method != http.MethodPost {
			t.Errorf("Expected 'POST' method, got: %s", r.Method)
		}
		json.NewDecoder(r.Body).Decode(&got)
		createdResponse(w)
	}))
	defer server.Close()

	var err error
	out := captureStdout(t, func() {
		err = sendText(server.URL, "hello", "sender@example.com")
	})
	if err != nil {
		t.Fatalf("sendText() error = %v", err)
	}

	if got.Content != "hello" || got.Type != "text" || got.Email != "sender@example.com" {
		t.Errorf("unexpected request %+v", got)
	}
	if !strings.Contains(out, "Code: 482913") {
		t.Errorf("Expected output to contain the code, got '%s'", out)
	}
	if !strings.Contains(out, "Expires in: 60s") {
		t.Errorf("Expected output to contain the expiry, got '%s'", out)
	}
}

func TestSendImage(t *testing.T) {
	path := filepath.Join(t.TempDir(), "dot.png")
	if err := os.WriteFile(path, pngBytes, 0o600); err != nil {
		t.Fatal(err)
	}

	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if err := r.ParseMultipartForm(1 << 20); err != nil {
			t.Errorf("expected multipart body: %v", err)
			w.WriteHeader(http.StatusBadRequest)
			return
		}
		if r.FormValue("type") != "image" {
			t.Errorf("expected type image, got %q", r.FormValue("type"))
		}
		file, header, err := r.FormFile("image")
		if err != nil {
			t.Errorf("expected image part: %v", err)
			w.WriteHeader(http.StatusBadRequest)
			return
		}
		defer file.Close()
		data, _ := io.ReadAll(file)
		if header.Filename != "dot.png" || !bytes.Equal(data, pngBytes) {
			t.Errorf("unexpected upload %s (%d bytes)", header.Filename, len(data))
		}
		createdResponse(w)
	}))
	defer server.Close()

	var err error
	out := captureStdout(t, func() {
		err = sendImage(server.URL, path, "")
	})
	if err != nil {
		t.Fatalf("sendImage() error = %v", err)
	}
	if !strings.Contains(out, "Code: 482913") {
		t.Errorf("Expected output to contain the code, got '%s'", out)
	}

	if err := sendImage(server.URL, filepath.Join(t.TempDir(), "missing.png"), ""); err == nil {
		t.Error("expected error for missing file")
	}
}

func TestReceive(t *testing.T) {
	mux := http.NewServeMux()
	server := httptest.NewServer(mux)
	defer server.Close()

	mux.HandleFunc("/api/transfers/111111", func(w http.ResponseWriter, r *http.Request) {
		if r.Header.Get("Accept") != "application/json" {
			t.Errorf("Expected 'Accept' header to be 'application/json', got: %s", r.Header.Get("Accept"))
		}
		json.NewEncoder(w).Encode(domain.ReadRes{Code: "111111", Content: "test-text", Type: domain.TypeText})
	})
	mux.HandleFunc("/api/transfers/222222", func(w http.ResponseWriter, r *http.Request) {
		json.NewEncoder(w).Encode(domain.ReadRes{
			Code:     "222222",
			Content:  server.URL + "/uploads/dot.png",
			Type:     domain.TypeImage,
			Checksum: utility.Checksum(pngBytes),
		})
	})
	mux.HandleFunc("/api/transfers/444444", func(w http.ResponseWriter, r *http.Request) {
		json.NewEncoder(w).Encode(domain.ReadRes{
			Code:     "444444",
			Content:  server.URL + "/uploads/dot.png",
			Type:     domain.TypeImage,
			Checksum: utility.Checksum([]byte("something else")),
		})
	})
	mux.HandleFunc("/uploads/dot.png", func(w http.ResponseWriter, r *http.Request) {
		w.Write(pngBytes)
	})
	mux.HandleFunc("/api/transfers/333333", func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", "application/json")
		w.WriteHeader(http.StatusGone)
		w.Write([]byte(`{"error":"transfer has expired"}`))
	})

	t.Run("text", func(t *testing.T) {
		var err error
		out := captureStdout(t, func() {
			err = receive(server.URL, "111111", "")
		})
		if err != nil {
			t.Fatalf("receive() error = %v", err)
		}
		if out != "test-text\n" {
			t.Errorf("Expected output to be 'test-text\\n', got '%s'", out)
		}
	})

	t.Run("image URL", func(t *testing.T) {
		out := captureStdout(t, func() {
			receive(server.URL, "222222", "")
		})
		if !strings.Contains(out, "Image: "+server.URL+"/uploads/dot.png") {
			t.Errorf("Expected output to contain the image URL, got '%s'", out)
		}
	})

	t.Run("image saved to file", func(t *testing.T) {
		output := filepath.Join(t.TempDir(), "out.png")
		var err error
		captureStdout(t, func() {
			err = receive(server.URL, "222222", output)
		})
		if err != nil {
			t.Fatalf("receive() error = %v", err)
		}
		data, _ := os.ReadFile(output)
		if !bytes.Equal(data, pngBytes) {
			t.Errorf("expected saved image bytes, got %d bytes", len(data))
		}
	})

	t.Run("image with mismatched checksum", func(t *testing.T) {
		output := filepath.Join(t.TempDir(), "out.png")
		err := receive(server.URL, "444444", output)
		if err == nil || !strings.Contains(err.Error(), "checksum") {
			t.Fatalf("expected checksum error, got %v", err)
		}
		if _, err := os.Stat(output); !os.IsNotExist(err) {
			t.Errorf("expected no file to be written, got %v", err)
		}
	})

	t.Run("expired", func(t *testing.T) {
		err := receive(server.URL, "333333", "")
		if err == nil || !strings.Contains(err.Error(), "transfer has expired") {
			t.Errorf("expected expired error, got %v", err)
		}
	})

	t.Run("malformed code", func(t *testing.T) {
		if err := receive(server.URL, "12ab", ""); err == nil {
			t.Error("expected error for malformed code")
		}
	})
}

func TestDoRequestWithRetry(t *testing.T) {
	oldDelay := retryDelay
	retryDelay = time.Millisecond
	defer func() { retryDelay = oldDelay }()

	var calls atomic.Int32
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		body, _ := io.ReadAll(r.Body)
		if string(body) != `{"content":"x"}` {
			t.Errorf("expected body to be replayed, got %q", body)
		}
		if calls.Add(1) < 3 {
			w.WriteHeader(http.StatusBadGateway)
			return
		}
		createdResponse(w)
	}))
	defer server.Close()

	out := captureStdout(t, func() {
		if err := send(server.URL, "application/json", []byte(`{"content":"x"}`)); err != nil {
			t.Errorf("send() error = %v", err)
		}
	})
	if calls.Load() != 3 {
		t.Errorf("expected 3 attempts, got %d", calls.Load())
	}
	if !strings.Contains(out, "482913") {
		t.Errorf("Expected output to contain the code, got '%s'", out)
	}
}

func TestPrintUsage(t *testing.T) {
	out := captureStdout(t, printUsage)

	for _, want := range []string{"Usage:", "send", "send-image", "receive", "help", "CODEDROP_API_URL"} {
		if !strings.Contains(out, want) {
			t.Errorf("Expected output to contain '%s', got '%s'", want, out)
		}
	}
}
