package secrets

import (
	"context"
	"encoding/json"
	"fmt"
	"strings"
	"sync"
)

const (
	SchemeEnv = "env"
	SchemeAWS = "aws-sm"
)

// Ref names a secret: "env:NAME", "aws-sm:ID" or "aws-sm:ID#field". The
// field form reads one string member of a JSON secret. A bare "NAME" is an
// env ref.
type Ref struct {
	Scheme string
	Name   string
	Field  string
}

// ParseRef parses a secret reference.
func ParseRef(s string) (Ref, error) {
	s = strings.TrimSpace(s)
	if s == "" {
		return Ref{}, fmt.Errorf("%w: empty secret ref", ErrInvalidConfig)
	}
	scheme, rest, ok := strings.Cut(s, ":")
	if !ok {
		return Ref{Scheme: SchemeEnv, Name: s}, nil
	}
	switch scheme {
	case SchemeEnv:
		if rest == "" {
			return Ref{}, fmt.Errorf("%w: empty env name", ErrInvalidConfig)
		}
		return Ref{Scheme: SchemeEnv, Name: rest}, nil
	case SchemeAWS:
		// Secret ARNs contain ':'; only '#' separates the field.
		id, field, _ := strings.Cut(rest, "#")
		if id == "" {
			return Ref{}, fmt.Errorf("%w: empty secret id", ErrInvalidConfig)
		}
		return Ref{Scheme: SchemeAWS, Name: id, Field: field}, nil
	default:
		return Ref{}, fmt.Errorf("%w: unknown secret scheme %q", ErrInvalidConfig, scheme)
	}
}

// String renders r in the form ParseRef accepts.
func (r Ref) String() string {
	s := r.Scheme + ":" + r.Name
	if r.Field != "" {
		s += "#" + r.Field
	}
	return s
}

// Resolver dispatches refs to providers. The AWS provider is built on first use.
type Resolver struct {
	Env Provider
	// NewAWS builds the AWS provider; defaults to NewAWS.
	NewAWS func(ctx context.Context) (Provider, error)

	mu  sync.Mutex
	aws Provider
}

// Resolve returns the secret value ref points at.
func (r *Resolver) Resolve(ctx context.Context, ref string) (string, error) {
	parsed, err := ParseRef(ref)
	if err != nil {
		return "", err
	}
	p, err := r.provider(ctx, parsed.Scheme)
	if err != nil {
		return "", err
	}
	v, err := p.Get(ctx, parsed.Name)
	if err != nil {
		return "", err
	}
	if parsed.Field == "" {
		return v, nil
	}
	var obj map[string]any
	if err := json.Unmarshal([]byte(v), &obj); err != nil {
		return "", fmt.Errorf("%w: secret %s is not a JSON object", ErrInvalidConfig, parsed.Name)
	}
	field, ok := obj[parsed.Field].(string)
	if !ok || strings.TrimSpace(field) == "" {
		return "", fmt.Errorf("%w: field %q in secret %s", ErrNotFound, parsed.Field, parsed.Name)
	}
	return strings.TrimSpace(field), nil
}

func (r *Resolver) provider(ctx context.Context, scheme string) (Provider, error) {
	if scheme == SchemeEnv {
		if r.Env != nil {
			return r.Env, nil
		}
		return NewEnv(), nil
	}

	r.mu.Lock()
	defer r.mu.Unlock()
	if r.aws != nil {
		return r.aws, nil
	}
	build := r.NewAWS
	if build == nil {
		build = func(ctx context.Context) (Provider, error) { return NewAWS(ctx) }
	}
	p, err := build(ctx)
	if err != nil {
		return nil, err
	}
	r.aws = p
	return p, nil
}
