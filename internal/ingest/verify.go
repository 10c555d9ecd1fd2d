// Package ingest accepts usage events pushed by the agent platform:
// it authenticates the webhook, validates the payload and stores the event
// with retries, dead-lettering what cannot be stored.
package ingest

import (
	"bytes"
	"crypto/hmac"
	"crypto/sha256"
	"encoding/hex"
	"errors"
	"io"
	"log/slog"
	"net/http"
	"strconv"
	"strings"
	"time"

	"github.com/gin-gonic/gin"
)

// Webhook headers set by the agent platform.
const (
	HeaderSignature = "X-Genesis-Signature"
	HeaderTimestamp = "X-Genesis-Timestamp"
)

const signaturePrefix = "sha256="

var (
	ErrInvalidSignature = errors.New("ingest: invalid webhook signature")
	ErrStaleTimestamp   = errors.New("ingest: webhook timestamp outside tolerance")
)

// Verifier checks webhook authenticity against a shared secret.
type Verifier struct {
	secret    []byte
	tolerance time.Duration
	now       func() time.Time
}

// NewVerifier creates a verifier. tolerance <= 0 means 300s.
func NewVerifier(secret string, tolerance time.Duration) *Verifier {
	if tolerance <= 0 {
		tolerance = 300 * time.Second
	}
	return &Verifier{secret: []byte(secret), tolerance: tolerance, now: time.Now}
}

// Sign returns the signature header value for body.
func (v *Verifier) Sign(body []byte) string {
	mac := hmac.New(sha256.New, v.secret)
	mac.Write(body)
	return signaturePrefix + hex.EncodeToString(mac.Sum(nil))
}

// VerifySignature checks header against the HMAC-SHA256 of the raw body.
func (v *Verifier) VerifySignature(body []byte, header string) error {
	if !strings.HasPrefix(header, signaturePrefix) {
		return ErrInvalidSignature
	}
	got, err := hex.DecodeString(header[len(signaturePrefix):])
	if err != nil {
		return ErrInvalidSignature
	}
	mac := hmac.New(sha256.New, v.secret)
	mac.Write(body)
	if !hmac.Equal(got, mac.Sum(nil)) {
		return ErrInvalidSignature
	}
	return nil
}

// VerifyTimestamp accepts an absent header. A present one must be unix
// seconds within tolerance of now, in either direction.
func (v *Verifier) VerifyTimestamp(header string) error {
	if header == "" {
		return nil
	}
	secs, err := strconv.ParseInt(strings.TrimSpace(header), 10, 64)
	if err != nil {
		return ErrStaleTimestamp
	}
	diff := v.now().Sub(time.Unix(secs, 0))
	if diff < 0 {
		diff = -diff
	}
	if diff > v.tolerance {
		return ErrStaleTimestamp
	}
	return nil
}

// Verify runs both checks.
func (v *Verifier) Verify(body []byte, signature, timestamp string) error {
	if err := v.VerifySignature(body, signature); err != nil {
		return err
	}
	return v.VerifyTimestamp(timestamp)
}

const rawBodyKey = "ingest.raw_body"

// Middleware authenticates the request and keeps the raw body for the
// handler. The body is read once; handlers get it from RawBody.
func Middleware(v *Verifier, logger *slog.Logger) gin.HandlerFunc {
	return func(c *gin.Context) {
		body, err := io.ReadAll(c.Request.Body)
		if err != nil {
			c.AbortWithStatusJSON(http.StatusRequestEntityTooLarge, gin.H{
				"error":   "body_too_large",
				"message": "Request body could not be read",
			})
			return
		}
		c.Request.Body = io.NopCloser(bytes.NewReader(body))

		if err := v.Verify(body, c.GetHeader(HeaderSignature), c.GetHeader(HeaderTimestamp)); err != nil {
			logger.Warn("webhook rejected", "error", err, "client_ip", c.ClientIP())
			msg := "Invalid webhook signature"
			if errors.Is(err, ErrStaleTimestamp) {
				msg = "Webhook timestamp is invalid or expired"
			}
			c.AbortWithStatusJSON(http.StatusUnauthorized, gin.H{
				"error":   "unauthorized",
				"message": msg,
			})
			return
		}
		c.Set(rawBodyKey, body)
		c.Next()
	}
}

// RawBody returns the body captured by Middleware, or reads it.
func RawBody(c *gin.Context) ([]byte, error) {
	if v, ok := c.Get(rawBodyKey); ok {
		if b, ok := v.([]byte); ok {
			return b, nil
		}
	}
	return io.ReadAll(c.Request.Body)
}
