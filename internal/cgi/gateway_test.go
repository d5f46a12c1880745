package cgi

import (
	"net/http/httptest"
	"testing"
)

func TestWriteCGIResponseHonorsStatusHeader(t *testing.T) {
	raw := []byte("Status: 404 Not Found\r\nContent-Type: text/plain\r\n\r\nnot here")
	rec := httptest.NewRecorder()
	if err := writeCGIResponse(rec, raw); err != nil {
		t.Fatalf("writeCGIResponse: %v", err)
	}
	if rec.Code != 404 {
		t.Fatalf("expected 404, got %d", rec.Code)
	}
	if got := rec.Header().Get("Content-Type"); got != "text/plain" {
		t.Fatalf("expected text/plain, got %q", got)
	}
	if rec.Body.String() != "not here" {
		t.Fatalf("unexpected body: %q", rec.Body.String())
	}
}

func TestWriteCGIResponseDefaultsTo200(t *testing.T) {
	raw := []byte("Content-Type: application/x-git-upload-pack-result\n\nPACK-DATA")
	rec := httptest.NewRecorder()
	if err := writeCGIResponse(rec, raw); err != nil {
		t.Fatalf("writeCGIResponse: %v", err)
	}
	if rec.Code != 200 {
		t.Fatalf("expected default 200, got %d", rec.Code)
	}
	if rec.Body.String() != "PACK-DATA" {
		t.Fatalf("unexpected body: %q", rec.Body.String())
	}
}

func TestWriteCGIResponseNoHeaderSeparatorPassesThroughRaw(t *testing.T) {
	raw := []byte("no-separator-here")
	rec := httptest.NewRecorder()
	if err := writeCGIResponse(rec, raw); err != nil {
		t.Fatalf("writeCGIResponse: %v", err)
	}
	if rec.Code != 200 {
		t.Fatalf("expected 200, got %d", rec.Code)
	}
	if rec.Body.String() != "no-separator-here" {
		t.Fatalf("unexpected body: %q", rec.Body.String())
	}
}
