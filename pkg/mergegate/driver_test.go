package mergegate

import (
	"context"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"
)

func TestHTTPHealthProbe_Healthy(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusOK)
	}))
	defer srv.Close()

	p := NewHTTPHealthProbe(srv.URL, 5*time.Second)
	if err := p.Check(context.Background()); err != nil {
		t.Errorf("Check() error = %v, want nil", err)
	}
}

func TestHTTPHealthProbe_Unhealthy(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusInternalServerError)
	}))
	defer srv.Close()

	p := NewHTTPHealthProbe(srv.URL, 5*time.Second)
	err := p.Check(context.Background())
	if err == nil {
		t.Fatal("Check() = nil, want error for 500 response")
	}
	if !strings.Contains(err.Error(), "500") {
		t.Errorf("error %q should mention the status code", err)
	}
}

func TestHTTPHealthProbe_Unreachable(t *testing.T) {
	p := NewHTTPHealthProbe("http://127.0.0.1:1/healthz", 500*time.Millisecond)
	if err := p.Check(context.Background()); err == nil {
		t.Error("Check() = nil, want error for unreachable endpoint")
	}
}

func TestExecHealthProbe(t *testing.T) {
	tests := []struct {
		name    string
		command string
		wantErr bool
	}{
		{"zero exit", "true", false},
		{"non-zero exit", "false", true},
		{"unconfigured", "", true},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			p := NewExecHealthProbe(tt.command, 5*time.Second)
			err := p.Check(context.Background())
			if (err != nil) != tt.wantErr {
				t.Errorf("Check() error = %v, wantErr %v", err, tt.wantErr)
			}
		})
	}
}

func TestExecDeployDriver_Deploy(t *testing.T) {
	d := NewExecDeployDriver("echo reloading", 5*time.Second)

	out, err := d.Deploy(context.Background(), "abc123")
	if err != nil {
		t.Fatalf("Deploy() error = %v", err)
	}
	// The release ID is appended as the command's final argument.
	if !strings.Contains(out, "reloading abc123") {
		t.Errorf("output = %q, want it to contain %q", out, "reloading abc123")
	}
}

func TestExecDeployDriver_NonZeroExit(t *testing.T) {
	d := NewExecDeployDriver("false", 5*time.Second)

	if _, err := d.Deploy(context.Background(), "abc123"); err == nil {
		t.Error("Deploy() = nil, want error for non-zero exit")
	}
}

func TestExecDeployDriver_Unconfigured(t *testing.T) {
	d := NewExecDeployDriver("", 5*time.Second)

	if _, err := d.Deploy(context.Background(), "abc123"); err == nil {
		t.Error("Deploy() = nil, want error for unconfigured command")
	}
}
