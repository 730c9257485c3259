// Package webhook relays accepted inbox requests to user configured URLs.
package webhook

import (
	"crypto/hmac"
	"crypto/sha256"
	"encoding/hex"
	"strings"
	"time"

	"hookinbox/internal/classify"
	"hookinbox/internal/payload"
)

// EventInboxRequest is the only event type currently emitted.
const EventInboxRequest = "inbox.request"

// Envelope is the JSON body POSTed to receivers.
type Envelope struct {
	Event    string      `json:"event"`
	Endpoint EndpointRef `json:"endpoint"`
	Request  RequestInfo `json:"request"`
	Meta     Meta        `json:"meta"`
}

type EndpointRef struct {
	ID       uint   `json:"id"`
	Identity string `json:"identity"`
	Path     string `json:"path"`
}

type RequestInfo struct {
	Method    string            `json:"method"`
	Headers   map[string]string `json:"headers"`
	Data      payload.Value     `json:"data"`
	Timestamp time.Time         `json:"timestamp"`
	SourceIP  string            `json:"sourceIp"`
}

type Meta struct {
	RecordID       string          `json:"recordId"`
	APIKeyID       *uint           `json:"apiKeyId,omitempty"`
	Classification classify.Result `json:"classification"`
}

const signaturePrefix = "sha256="

// Sign returns the X-Signature value for body: sha256=<hex HMAC-SHA256>.
// An empty secret yields an empty signature.
func Sign(secret string, body []byte) string {
	if secret == "" {
		return ""
	}
	mac := hmac.New(sha256.New, []byte(secret))
	mac.Write(body)
	return signaturePrefix + hex.EncodeToString(mac.Sum(nil))
}

// Verify checks a received X-Signature in constant time. Receivers can
// use it as is.
func Verify(secret string, body []byte, signature string) bool {
	if secret == "" || !strings.HasPrefix(signature, signaturePrefix) {
		return false
	}
	return hmac.Equal([]byte(Sign(secret, body)), []byte(signature))
}
