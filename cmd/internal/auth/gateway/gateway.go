// Package gateway orchestrates the credential and session lifecycle: register,
// login, refresh rotation, logout and the account operations that touch sessions.
//
// Every operation goes through the repository; the gateway never talks to a store
// or the cache directly.
package gateway

import (
	"context"
	"errors"
	"strings"

	"warden/cmd/identity"
	"warden/cmd/internal/auth/events"
	"warden/cmd/internal/auth/repository"
	"warden/cmd/internal/auth/token"
	"warden/cmd/security/password"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/codes"
	"go.uber.org/zap"
)

var (
	tracer = otel.Tracer("warden/auth/gateway")

	opsTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "warden_auth_operations_total",
		Help: "Identity gateway operations by outcome.",
	}, []string{"op", "outcome"})
)

const dummyPassword = "warden-timing-equalizer"

// TokenPair is returned by every successful authentication.
type TokenPair struct {
	AccessToken  string `json:"access_token"`
	RefreshToken string `json:"refresh_token"`
	TokenType    string `json:"token_type"`
}

// Service is the identity gateway.
type Service struct {
	codec  *token.Codec
	repo   *repository.Repository
	hasher *password.Hasher
	events events.Publisher
	log    *zap.Logger

	dummyHash string
}

// New wires a Service. A nil publisher discards events.
func New(codec *token.Codec, repo *repository.Repository, hasher *password.Hasher, pub events.Publisher, log *zap.Logger) (*Service, error) {
	switch {
	case codec == nil:
		return nil, errors.New("gateway: nil codec")
	case repo == nil:
		return nil, errors.New("gateway: nil repository")
	case hasher == nil:
		return nil, errors.New("gateway: nil hasher")
	}
	if pub == nil {
		pub = events.Nop{}
	}
	if log == nil {
		log = zap.NewNop()
	}

	dummy, err := hasher.Config().Hash(dummyPassword)
	if err != nil {
		return nil, err
	}

	return &Service{
		codec:     codec,
		repo:      repo,
		hasher:    hasher,
		events:    pub,
		log:       log.Named("gateway"),
		dummyHash: dummy,
	}, nil
}

// begin opens a span for op. The returned func records the outcome; call it with the
// operation's final error.
func (s *Service) begin(ctx context.Context, op string) (context.Context, func(error)) {
	ctx, span := tracer.Start(ctx, "gateway."+op)
	return ctx, func(err error) {
		out := outcome(err)
		opsTotal.WithLabelValues(op, out).Inc()
		if err != nil {
			span.RecordError(err)
			span.SetStatus(codes.Error, out)
		}
		span.End()
	}
}

func outcome(err error) string {
	switch {
	case err == nil:
		return "ok"
	case identity.IsAuth(err):
		return "unauthenticated"
	case identity.IsPermission(err):
		return "forbidden"
	case identity.IsConflict(err):
		return "conflict"
	case identity.IsNotFound(err):
		return "not_found"
	case identity.IsInvalidInput(err):
		return "invalid"
	case identity.IsTransient(err):
		return "unavailable"
	}
	return "error"
}

// issue mints a pair for userID and records the refresh session. If the access token
// cannot be minted after the insert, the session is deleted again.
func (s *Service) issue(ctx context.Context, op, userID string, userAgent *string) (TokenPair, error) {
	refresh, _, err := s.codec.IssueRefresh(0)
	if err != nil {
		return TokenPair{}, err
	}
	sess, err := s.repo.CreateSession(ctx, userID, refresh, userAgent)
	if err != nil {
		return TokenPair{}, err
	}

	access, _, err := s.codec.IssueAccess(userID, 0)
	if err != nil {
		s.compensate(ctx, op, refresh)
		return TokenPair{}, err
	}

	s.emit(ctx, events.SessionCreated, userID, map[string]any{"session_id": sess.ID})
	return TokenPair{AccessToken: access, RefreshToken: refresh, TokenType: "bearer"}, nil
}

func (s *Service) compensate(ctx context.Context, op, refresh string) {
	if _, _, err := s.repo.DeleteSession(context.WithoutCancel(ctx), refresh); err != nil {
		s.log.Error("auth.session.compensate.fail", zap.String("op", op), zap.Error(err))
	}
}

func (s *Service) emit(ctx context.Context, typ, userID string, data map[string]any) {
	ev := events.New(typ, userID, s.repo.Now(), data)
	if err := s.events.Publish(context.WithoutCancel(ctx), ev); err != nil {
		s.log.Warn("events.publish.fail", zap.String("type", typ), zap.Error(err))
	}
}

func agent(ua string) *string {
	ua = strings.TrimSpace(ua)
	if ua == "" {
		return nil
	}
	return &ua
}

func invalid(op, msg string) error {
	return identity.OpError{Op: op, Kind: identity.ErrInvalidInput, Msg: msg}
}

// hashPassword maps policy failures to invalid input and everything else to transient.
func (s *Service) hashPassword(ctx context.Context, op, pw string) (string, error) {
	h, err := s.hasher.Hash(ctx, pw)
	switch {
	case err == nil:
		return h, nil
	case password.IsPolicy(err):
		return "", invalid(op, err.Error())
	}
	return "", identity.Transient(op, err)
}
