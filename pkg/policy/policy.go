// Package policy admits connections with boolean expressions written in
// the expr language (github.com/expr-lang/expr).
//
//	ext, err := policy.New(policy.Config{
//		Connect:      `documentName startsWith "public/" || parameters.key == "letmein"`,
//		Authenticate: `token != "" && context.role != "banned"`,
//	})
//
// Expressions see the fields of Env by their expr names. An expression
// that evaluates to false vetoes the connection.
package policy

import (
	"context"
	"fmt"
	"log/slog"
	"net/http"
	"net/url"
	"strings"

	"github.com/expr-lang/expr"
	"github.com/expr-lang/expr/vm"

	"github.com/jjgmckenzie/hocuspocus/pkg/server"
)

// Env is the environment expressions are evaluated against.
type Env struct {
	DocumentName string            `expr:"documentName"`
	Parameters   map[string]string `expr:"parameters"`
	Headers      map[string]string `expr:"headers"` // lower-cased names
	SocketID     string            `expr:"socketId"`
	ClientIP     string            `expr:"clientIp"`
	Token        string            `expr:"token"` // Authenticate only
	Context      map[string]any    `expr:"context"`
}

// Config holds the expressions. Empty expressions allow everything.
type Config struct {
	// Connect is evaluated in OnConnect, before the client has sent its
	// token, so token is always empty here. Check tokens in Authenticate.
	Connect string

	// Authenticate is evaluated when a client sends a token.
	Authenticate string

	Logger *slog.Logger
}

// Extension evaluates compiled policy expressions.
type Extension struct {
	connect      *vm.Program
	authenticate *vm.Program
	logger       *slog.Logger
}

var (
	_ server.ConnectHook      = (*Extension)(nil)
	_ server.AuthenticateHook = (*Extension)(nil)
)

// New compiles the configured expressions. Both must evaluate to a bool.
func New(config Config) (*Extension, error) {
	if config.Logger == nil {
		config.Logger = slog.Default()
	}
	e := &Extension{logger: config.Logger.With("component", "policy")}

	var err error
	if e.connect, err = compile(config.Connect); err != nil {
		return nil, fmt.Errorf("policy: connect: %w", err)
	}
	if e.authenticate, err = compile(config.Authenticate); err != nil {
		return nil, fmt.Errorf("policy: authenticate: %w", err)
	}
	return e, nil
}

func compile(source string) (*vm.Program, error) {
	if strings.TrimSpace(source) == "" {
		return nil, nil
	}
	return expr.Compile(source, expr.Env(Env{}), expr.AsBool())
}

// allow evaluates program against env. A nil program allows.
func allow(program *vm.Program, env Env) (bool, error) {
	if program == nil {
		return true, nil
	}
	out, err := expr.Run(program, env)
	if err != nil {
		return false, err
	}
	ok, _ := out.(bool)
	return ok, nil
}

// OnConnect vetoes connections the Connect expression rejects.
func (e *Extension) OnConnect(_ context.Context, p *server.ConnectPayload) (server.Context, error) {
	ok, err := allow(e.connect, Env{
		DocumentName: p.DocumentName,
		Parameters:   flatten(p.RequestParameters),
		Headers:      lower(p.RequestHeaders),
		SocketID:     p.SocketID,
		ClientIP:     p.ClientIP,
		Context:      p.Context,
	})
	if err != nil {
		return nil, fmt.Errorf("policy: evaluate connect: %w", err)
	}
	if !ok {
		e.logger.Debug("connection refused", "document", p.DocumentName, "socket_id", p.SocketID)
		return nil, server.ErrVeto
	}
	return nil, nil
}

// OnAuthenticate vetoes tokens the Authenticate expression rejects.
func (e *Extension) OnAuthenticate(_ context.Context, p *server.AuthenticatePayload) (server.Context, error) {
	ok, err := allow(e.authenticate, Env{
		DocumentName: p.DocumentName,
		Parameters:   flatten(p.RequestParameters),
		Headers:      lower(p.RequestHeaders),
		SocketID:     p.SocketID,
		Token:        p.Token,
		Context:      p.Context,
	})
	if err != nil {
		return nil, fmt.Errorf("policy: evaluate authenticate: %w", err)
	}
	if !ok {
		e.logger.Debug("token refused", "document", p.DocumentName, "socket_id", p.SocketID)
		return nil, server.ErrVeto
	}
	return nil, nil
}

func flatten(v url.Values) map[string]string {
	out := make(map[string]string, len(v))
	for k := range v {
		out[k] = v.Get(k)
	}
	return out
}

func lower(h http.Header) map[string]string {
	out := make(map[string]string, len(h))
	for k, v := range h {
		if len(v) > 0 {
			out[strings.ToLower(k)] = v[0]
		}
	}
	return out
}
