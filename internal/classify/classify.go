// Package classify tags inbound payloads with a semantic type, a likely
// sender and a set of tags. Classification is advisory and never rejects
// a request.
package classify

import (
	"context"
	"math"
	"sort"
	"strings"

	"hookinbox/internal/payload"
)

const (
	TypeEvent   = "event"
	TypeSensor  = "sensor"
	TypeMessage = "message"
	TypeAlert   = "alert"
	TypeJSON    = "json"
	TypeText    = "text"
	TypeForm    = "form"
	TypeEmpty   = "empty"

	SourceUnknown = "unknown"
	TypeUnknown   = "unknown"
)

// Input is what a classifier may inspect. Header names are lower case.
type Input struct {
	Payload     payload.Value
	ContentType string
	Headers     map[string]string
}

// Result is attached to the stored record.
type Result struct {
	Type       string   `json:"type"`
	Source     string   `json:"source"`
	Tags       []string `json:"tags"`
	Confidence float64  `json:"confidence"`
}

// Unknown is the result used when classification fails.
func Unknown() Result {
	return Result{Type: TypeUnknown, Source: SourceUnknown, Tags: []string{}, Confidence: 0}
}

// Classifier may be backed by an external service.
type Classifier interface {
	Classify(ctx context.Context, in Input) (Result, error)
}

// RuleClassifier is a deterministic header and shape based classifier.
type RuleClassifier struct{}

func NewRuleClassifier() *RuleClassifier { return &RuleClassifier{} }

type sourceRule struct {
	source string
	header string
	// tag, when set, records the header value under this tag prefix.
	tag string
}

var headerRules = []sourceRule{
	{source: "github", header: "x-github-event", tag: "event"},
	{source: "gitlab", header: "x-gitlab-event", tag: "event"},
	{source: "stripe", header: "stripe-signature"},
	{source: "slack", header: "x-slack-signature"},
	{source: "slack", header: "x-slack-request-timestamp"},
	{source: "shopify", header: "x-shopify-topic", tag: "topic"},
	{source: "shopify", header: "x-shopify-hmac-sha256"},
	{source: "twilio", header: "x-twilio-signature"},
}

var agentRules = []struct{ source, needle string }{
	{"ifttt", "ifttt"},
	{"zapier", "zapier"},
	{"curl", "curl/"},
	{"browser", "mozilla/"},
}

var (
	alertKeys   = []string{"alert", "alarm", "severity", "incident"}
	sensorKeys  = []string{"temperature", "humidity", "pressure", "sensor", "sensor_id", "device_id", "reading", "battery", "voltage", "lat", "lng"}
	eventKeys   = []string{"event", "event_type", "eventtype", "action", "topic", "type"}
	messageKeys = []string{"message", "text", "body", "content", "subject", "msg"}
)

// Classify never returns an error.
func (RuleClassifier) Classify(_ context.Context, in Input) (Result, error) {
	tags := map[string]struct{}{}
	source := SourceUnknown
	for _, r := range headerRules {
		v, ok := in.Headers[r.header]
		if !ok {
			continue
		}
		source = r.source
		if r.tag != "" && v != "" {
			tags[r.tag+":"+strings.ToLower(v)] = struct{}{}
		}
		break
	}
	if source == SourceUnknown {
		ua := strings.ToLower(in.Headers["user-agent"])
		for _, r := range agentRules {
			if strings.Contains(ua, r.needle) {
				source = r.source
				break
			}
		}
	}

	typ, confidence := shape(in)
	if source != SourceUnknown {
		confidence += 0.1
	}
	tags["type:"+typ] = struct{}{}
	tags["source:"+source] = struct{}{}

	return Result{
		Type:       typ,
		Source:     source,
		Tags:       sortedTags(tags),
		Confidence: math.Round(min(confidence, 1)*100) / 100,
	}, nil
}

func shape(in Input) (string, float64) {
	ct := strings.ToLower(in.ContentType)
	if strings.HasPrefix(ct, "application/x-www-form-urlencoded") || strings.HasPrefix(ct, "multipart/form-data") {
		if isEmpty(in.Payload) {
			return TypeEmpty, 1
		}
		return TypeForm, 0.9
	}

	switch v := in.Payload.(type) {
	case nil, payload.Null:
		return TypeEmpty, 1
	case payload.String:
		if strings.TrimSpace(string(v)) == "" {
			return TypeEmpty, 1
		}
		return TypeText, 0.7
	case payload.Array:
		if len(v) == 0 {
			return TypeEmpty, 1
		}
		return TypeJSON, 0.5
	case payload.Object:
		if len(v) == 0 {
			return TypeEmpty, 1
		}
		keys := lowerKeys(v)
		switch {
		case hasAny(keys, alertKeys) || levelIsAlert(v):
			return TypeAlert, 0.8
		case countAny(keys, sensorKeys) >= 1:
			return TypeSensor, 0.6 + 0.1*float64(min(countAny(keys, sensorKeys)-1, 3))
		case hasAny(keys, eventKeys):
			return TypeEvent, 0.8
		case hasAny(keys, messageKeys):
			return TypeMessage, 0.7
		}
		return TypeJSON, 0.5
	}
	return TypeJSON, 0.5
}

func isEmpty(v payload.Value) bool {
	switch v := v.(type) {
	case nil, payload.Null:
		return true
	case payload.Object:
		return len(v) == 0
	case payload.String:
		return v == ""
	}
	return false
}

func levelIsAlert(obj payload.Object) bool {
	for _, key := range []string{"level", "status"} {
		v, ok := obj.Get(key)
		if !ok {
			continue
		}
		if s, ok := v.(payload.String); ok {
			switch strings.ToLower(string(s)) {
			case "critical", "error", "fatal", "emergency", "warning", "firing":
				return true
			}
		}
	}
	return false
}

func lowerKeys(obj payload.Object) map[string]struct{} {
	keys := make(map[string]struct{}, len(obj))
	for _, m := range obj {
		keys[strings.ToLower(m.Key)] = struct{}{}
	}
	return keys
}

func hasAny(keys map[string]struct{}, names []string) bool {
	return countAny(keys, names) > 0
}

func countAny(keys map[string]struct{}, names []string) int {
	n := 0
	for _, name := range names {
		if _, ok := keys[name]; ok {
			n++
		}
	}
	return n
}

func sortedTags(set map[string]struct{}) []string {
	tags := make([]string, 0, len(set))
	for t := range set {
		tags = append(tags, t)
	}
	sort.Strings(tags)
	return tags
}
