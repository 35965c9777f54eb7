package policy

import (
	"context"
	"errors"
	"net/http"
	"net/url"
	"testing"

	"github.com/jjgmckenzie/hocuspocus/pkg/server"
)

func TestNewRejectsInvalidExpressions(t *testing.T) {
	tests := []struct {
		name   string
		config Config
	}{
		{"syntax", Config{Connect: `documentName ==`}},
		{"not bool", Config{Connect: `documentName`}},
		{"unknown field", Config{Authenticate: `password == "x"`}},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if _, err := New(tt.config); err == nil {
				t.Error("New() error = nil")
			}
		})
	}
}

func TestConnect(t *testing.T) {
	ext, err := New(Config{
		Connect: `documentName startsWith "public/" || parameters.key == "letmein" || headers["x-role"] == "admin"`,
	})
	if err != nil {
		t.Fatal(err)
	}

	tests := []struct {
		name    string
		payload server.ConnectPayload
		allowed bool
	}{
		{"public prefix", server.ConnectPayload{DocumentName: "public/readme"}, true},
		{"parameter", server.ConnectPayload{DocumentName: "secret", RequestParameters: url.Values{"key": {"letmein"}}}, true},
		{"header", server.ConnectPayload{DocumentName: "secret", RequestHeaders: http.Header{"X-Role": {"admin"}}}, true},
		{"refused", server.ConnectPayload{DocumentName: "secret", RequestParameters: url.Values{"key": {"nope"}}}, false},
		{"nothing", server.ConnectPayload{DocumentName: "secret"}, false},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			_, err := ext.OnConnect(context.Background(), &tt.payload)
			if tt.allowed && err != nil {
				t.Errorf("OnConnect() error = %v, want nil", err)
			}
			if !tt.allowed && !errors.Is(err, server.ErrVeto) {
				t.Errorf("OnConnect() error = %v, want ErrVeto", err)
			}
		})
	}
}

func TestAuthenticateSeesContext(t *testing.T) {
	ext, err := New(Config{Authenticate: `token != "" && context.role != "banned"`})
	if err != nil {
		t.Fatal(err)
	}

	ok := &server.AuthenticatePayload{Token: "t", Context: server.Context{"role": "editor"}}
	if _, err := ext.OnAuthenticate(context.Background(), ok); err != nil {
		t.Errorf("OnAuthenticate() error = %v", err)
	}

	banned := &server.AuthenticatePayload{Token: "t", Context: server.Context{"role": "banned"}}
	if _, err := ext.OnAuthenticate(context.Background(), banned); !errors.Is(err, server.ErrVeto) {
		t.Errorf("OnAuthenticate() error = %v, want ErrVeto", err)
	}

	empty := &server.AuthenticatePayload{}
	if _, err := ext.OnAuthenticate(context.Background(), empty); !errors.Is(err, server.ErrVeto) {
		t.Errorf("OnAuthenticate() empty token error = %v, want ErrVeto", err)
	}
}

func TestConnectTokenIsEmpty(t *testing.T) {
	ext, err := New(Config{Connect: `token == ""`})
	if err != nil {
		t.Fatal(err)
	}
	p := &server.ConnectPayload{DocumentName: "doc", RequestParameters: url.Values{"token": {"t"}}}
	if _, err := ext.OnConnect(context.Background(), p); err != nil {
		t.Errorf("OnConnect() error = %v, want token unset during connect", err)
	}
}

func TestEmptyExpressionsAllow(t *testing.T) {
	ext, err := New(Config{})
	if err != nil {
		t.Fatal(err)
	}
	if _, err := ext.OnConnect(context.Background(), &server.ConnectPayload{}); err != nil {
		t.Errorf("OnConnect() error = %v", err)
	}
	if _, err := ext.OnAuthenticate(context.Background(), &server.AuthenticatePayload{}); err != nil {
		t.Errorf("OnAuthenticate() error = %v", err)
	}
}
