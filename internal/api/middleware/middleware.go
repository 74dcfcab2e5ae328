// Package middleware provides HTTP middleware for the pharmacy API.
package middleware

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"strings"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/golang-jwt/jwt/v5"
	"github.com/google/uuid"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/propagation"
	"go.opentelemetry.io/otel/trace"
	"go.uber.org/zap"
)

type contextKey string

const (
	RequestIDKey     contextKey = "request_id"
	SubjectKey       contextKey = "subject"
	AuthenticatedKey contextKey = "authenticated"
)

// ActorHeader names the caller when authentication is disabled.
const ActorHeader = "X-Actor-ID"

// RequestID adds a unique request ID to each request
func RequestID(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		requestID := r.Header.Get("X-Request-ID")
		if requestID == "" {
			requestID = uuid.New().String()
		}
		ctx := context.WithValue(r.Context(), RequestIDKey, requestID)
		w.Header().Set("X-Request-ID", requestID)
		next.ServeHTTP(w, r.WithContext(ctx))
	})
}

// GetRequestID extracts request ID from context
func GetRequestID(ctx context.Context) string {
	if id, ok := ctx.Value(RequestIDKey).(string); ok {
		return id
	}
	return ""
}

// WithSubject returns a context carrying the authenticated caller.
func WithSubject(ctx context.Context, subject string) context.Context {
	return context.WithValue(ctx, SubjectKey, subject)
}

// Authenticate returns a context carrying a caller proven by a credential.
func Authenticate(ctx context.Context, subject string) context.Context {
	return context.WithValue(WithSubject(ctx, subject), AuthenticatedKey, true)
}

// IsAuthenticated reports whether the subject came from a verified credential
// rather than the X-Actor-ID header.
func IsAuthenticated(ctx context.Context) bool {
	ok, _ := ctx.Value(AuthenticatedKey).(bool)
	return ok
}

// GetSubject extracts the authenticated caller from context
func GetSubject(ctx context.Context) string {
	if s, ok := ctx.Value(SubjectKey).(string); ok {
		return s
	}
	return ""
}

// Anonymous trusts the X-Actor-ID header. It is meant for local development.
func Anonymous(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		ctx := r.Context()
		if actor := strings.TrimSpace(r.Header.Get(ActorHeader)); actor != "" {
			ctx = WithSubject(ctx, actor)
		}
		next.ServeHTTP(w, r.WithContext(ctx))
	})
}

// ParseAPIKeys turns "client:key" entries into a key to client map. A bare
// key is assigned a numbered client name.
func ParseAPIKeys(entries []string) map[string]string {
	keys := make(map[string]string, len(entries))
	for i, e := range entries {
		client, key, ok := strings.Cut(e, ":")
		if !ok {
			client, key = fmt.Sprintf("client-%d", i+1), e
		}
		if key = strings.TrimSpace(key); key != "" {
			keys[key] = strings.TrimSpace(client)
		}
	}
	return keys
}

// APIKeyAuth validates API key authentication
func APIKeyAuth(validKeys map[string]string) func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			apiKey := r.Header.Get("X-API-Key")
			if apiKey == "" {
				apiKey = bearer(r)
			}
			if apiKey == "" {
				unauthorized(w, "missing API key")
				return
			}

			clientID, valid := validKeys[apiKey]
			if !valid {
				unauthorized(w, "invalid API key")
				return
			}
			next.ServeHTTP(w, r.WithContext(Authenticate(r.Context(), clientID)))
		})
	}
}

// JWTConfig configures bearer token validation.
type JWTConfig struct {
	Secret   []byte
	Issuer   string
	Audience string
}

// JWTAuth validates HS256 bearer tokens and uses the sub claim as the caller.
func JWTAuth(cfg JWTConfig, logger *zap.Logger) func(http.Handler) http.Handler {
	opts := []jwt.ParserOption{
		jwt.WithValidMethods([]string{jwt.SigningMethodHS256.Alg()}),
		jwt.WithExpirationRequired(),
		jwt.WithLeeway(30 * time.Second),
	}
	if cfg.Issuer != "" {
		opts = append(opts, jwt.WithIssuer(cfg.Issuer))
	}
	if cfg.Audience != "" {
		opts = append(opts, jwt.WithAudience(cfg.Audience))
	}
	keyFunc := func(*jwt.Token) (interface{}, error) { return cfg.Secret, nil }

	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			raw := bearer(r)
			if raw == "" {
				unauthorized(w, "missing bearer token")
				return
			}
			token, err := jwt.Parse(raw, keyFunc, opts...)
			if err != nil {
				logger.Debug("token rejected",
					zap.String("request_id", GetRequestID(r.Context())),
					zap.Error(err))
				if errors.Is(err, jwt.ErrTokenExpired) {
					unauthorized(w, "token expired")
					return
				}
				unauthorized(w, "invalid token")
				return
			}
			sub, err := token.Claims.GetSubject()
			if err != nil || sub == "" {
				unauthorized(w, "token has no subject")
				return
			}
			next.ServeHTTP(w, r.WithContext(Authenticate(r.Context(), sub)))
		})
	}
}

func bearer(r *http.Request) string {
	h := r.Header.Get("Authorization")
	if token, ok := strings.CutPrefix(h, "Bearer "); ok {
		return strings.TrimSpace(token)
	}
	return ""
}

// Logger logs HTTP requests
func Logger(logger *zap.Logger) func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			start := time.Now()
			wrapped := wrap(w)

			next.ServeHTTP(wrapped, r)

			logger.Info("http request",
				zap.String("method", r.Method),
				zap.String("path", r.URL.Path),
				zap.Int("status", wrapped.statusCode),
				zap.Duration("duration", time.Since(start)),
				zap.String("request_id", GetRequestID(r.Context())),
				zap.String("subject", GetSubject(r.Context())),
			)
		})
	}
}

// Tracing adds OpenTelemetry tracing. Spans are renamed to the matched route
// once routing is done.
func Tracing(serviceName string) func(http.Handler) http.Handler {
	tracer := otel.Tracer(serviceName)

	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			ctx := otel.GetTextMapPropagator().Extract(r.Context(), propagation.HeaderCarrier(r.Header))

			ctx, span := tracer.Start(ctx, r.Method+" "+r.URL.Path,
				trace.WithSpanKind(trace.SpanKindServer),
				trace.WithAttributes(
					attribute.String("http.method", r.Method),
					attribute.String("http.url", r.URL.String()),
					attribute.String("http.user_agent", r.UserAgent()),
				))
			defer span.End()

			wrapped := wrap(w)
			next.ServeHTTP(wrapped, r.WithContext(ctx))

			if route := routePattern(r); route != "" {
				span.SetName(r.Method + " " + route)
				span.SetAttributes(attribute.String("http.route", route))
			}
			span.SetAttributes(attribute.Int("http.status_code", wrapped.statusCode))
			if wrapped.statusCode >= http.StatusInternalServerError {
				span.SetStatus(codes.Error, http.StatusText(wrapped.statusCode))
			}
		})
	}
}

// HTTPObserver records request measurements.
type HTTPObserver interface {
	ObserveHTTP(route, method string, status int, d time.Duration)
}

// Metrics records one observation per request, labelled by route pattern.
func Metrics(obs HTTPObserver) func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			start := time.Now()
			wrapped := wrap(w)
			next.ServeHTTP(wrapped, r)

			route := routePattern(r)
			if route == "" {
				route = "unmatched"
			}
			obs.ObserveHTTP(route, r.Method, wrapped.statusCode, time.Since(start))
		})
	}
}

func routePattern(r *http.Request) string {
	if rctx := chi.RouteContext(r.Context()); rctx != nil {
		return rctx.RoutePattern()
	}
	return ""
}

// Recover handles panics
func Recover(logger *zap.Logger) func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			defer func() {
				if err := recover(); err != nil {
					if err == http.ErrAbortHandler {
						panic(err)
					}
					logger.Error("panic recovered",
						zap.Any("error", err),
						zap.String("request_id", GetRequestID(r.Context())),
						zap.Stack("stack"),
					)
					writeError(w, http.StatusInternalServerError, "internal_error", "internal server error")
				}
			}()
			next.ServeHTTP(w, r)
		})
	}
}

// CORS adds CORS headers for the allowed origins. "*" allows any origin.
func CORS(origins []string) func(http.Handler) http.Handler {
	anyOrigin := false
	allowed := make(map[string]bool, len(origins))
	for _, o := range origins {
		if o == "*" {
			anyOrigin = true
		}
		allowed[o] = true
	}

	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			origin := r.Header.Get("Origin")
			switch {
			case anyOrigin:
				w.Header().Set("Access-Control-Allow-Origin", "*")
			case origin != "" && allowed[origin]:
				w.Header().Set("Access-Control-Allow-Origin", origin)
				w.Header().Add("Vary", "Origin")
			}
			w.Header().Set("Access-Control-Allow-Methods", "GET, POST, PATCH, OPTIONS")
			w.Header().Set("Access-Control-Allow-Headers", "Content-Type, X-API-Key, X-Request-ID, X-Actor-ID, Authorization")

			if r.Method == http.MethodOptions {
				w.WriteHeader(http.StatusNoContent)
				return
			}
			next.ServeHTTP(w, r)
		})
	}
}

func unauthorized(w http.ResponseWriter, msg string) {
	writeError(w, http.StatusUnauthorized, "unauthorized", msg)
}

func writeError(w http.ResponseWriter, code int, kind, msg string) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(code)
	json.NewEncoder(w).Encode(map[string]map[string]string{
		"error": {"kind": kind, "message": msg},
	})
}

type responseWriter struct {
	http.ResponseWriter
	statusCode  int
	wroteHeader bool
}

func wrap(w http.ResponseWriter) *responseWriter {
	return &responseWriter{ResponseWriter: w, statusCode: http.StatusOK}
}

func (w *responseWriter) WriteHeader(code int) {
	if !w.wroteHeader {
		w.statusCode = code
		w.wroteHeader = true
	}
	w.ResponseWriter.WriteHeader(code)
}

func (w *responseWriter) Write(b []byte) (int, error) {
	w.wroteHeader = true
	return w.ResponseWriter.Write(b)
}
