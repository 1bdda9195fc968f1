package tools

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"net/http/httptest"
	"reflect"
	"strings"
	"testing"
)

func TestRegistryGet(t *testing.T) {
	r := NewRegistry()
	RegisterBuiltins(r)

	tests := []struct {
		name    string
		tool    string
		allowed []string
		wantErr bool
	}{
		{"registered tool", "echo", nil, false},
		{"empty allowlist permits all", "now", nil, false},
		{"on allowlist", "echo", []string{"echo", "now"}, false},
		{"off allowlist", "http_fetch", []string{"echo"}, true},
		{"unregistered", "rm_rf", nil, true},
		{"unregistered but allowlisted", "rm_rf", []string{"rm_rf"}, true},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			_, err := r.Get(tt.tool, tt.allowed)
			if tt.wantErr {
				if !errors.Is(err, ErrUnknownTool) {
					t.Errorf("err = %v, want ErrUnknownTool", err)
				}
				return
			}
			if err != nil {
				t.Errorf("unexpected error: %v", err)
			}
		})
	}
}

func TestRegistryNames(t *testing.T) {
	r := NewRegistry()
	RegisterBuiltins(r)
	want := []string{"echo", "http_fetch", "now"}
	if got := r.Names(); !reflect.DeepEqual(got, want) {
		t.Errorf("Names() = %v, want %v", got, want)
	}
}

func TestEcho(t *testing.T) {
	r := NewRegistry()
	RegisterBuiltins(r)
	echo, _ := r.Get("echo", nil)

	out, err := echo.Run(context.Background(), json.RawMessage(`{"text":"hello"}`))
	if err != nil {
		t.Fatal(err)
	}
	if out != "hello" {
		t.Errorf("echo = %q", out)
	}

	out, err = echo.Run(context.Background(), nil)
	if err != nil || out != "" {
		t.Errorf("echo(nil) = %q, %v", out, err)
	}
}

func TestHTTPFetch(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		switch r.URL.Path {
		case "/ok":
			w.Write([]byte("payload"))
		case "/big":
			w.Write([]byte(strings.Repeat("x", fetchBodyLimit+1000)))
		default:
			http.NotFound(w, r)
		}
	}))
	defer srv.Close()

	fetch := NewHTTPFetchTool(srv.Client())

	out, err := fetch.Run(context.Background(), json.RawMessage(`{"url":"`+srv.URL+`/ok"}`))
	if err != nil {
		t.Fatal(err)
	}
	if out != "payload" {
		t.Errorf("body = %q", out)
	}

	out, err = fetch.Run(context.Background(), json.RawMessage(`{"url":"`+srv.URL+`/big"}`))
	if err != nil {
		t.Fatal(err)
	}
	if len(out) != fetchBodyLimit {
		t.Errorf("body length = %d, want truncated to %d", len(out), fetchBodyLimit)
	}

	if _, err := fetch.Run(context.Background(), json.RawMessage(`{"url":"`+srv.URL+`/missing"}`)); err == nil {
		t.Error("expected error for 404 response")
	}
	if _, err := fetch.Run(context.Background(), json.RawMessage(`{}`)); err == nil {
		t.Error("expected error for missing url")
	}
}
