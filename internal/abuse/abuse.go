// Package abuse computes an advisory suspicion score for inbound requests.
package abuse

import (
	"bytes"
	"net/netip"
	"strings"
)

// Input is everything the scorer looks at.
type Input struct {
	Payload        []byte
	SourceIP       string
	UserAgent      string
	RecentRequests int
}

const (
	MinScore = 0
	MaxScore = 100
)

var suspicious = [][]byte{
	[]byte("<script"),
	[]byte("javascript:"),
	[]byte("eval("),
	[]byte("union select"),
	[]byte("drop table"),
	[]byte("${jndi:"),
	[]byte("../"),
	[]byte("onerror="),
}

var botAgents = []string{
	"bot", "crawler", "spider", "scrapy", "curl", "wget",
	"python-requests", "go-http-client", "httpclient",
}

// Score is pure and always within [MinScore, MaxScore].
func Score(in Input) int {
	score := 0

	switch n := len(in.Payload); {
	case n > 100<<10:
		score += 20
	case n > 10<<10:
		score += 10
	}

	if containsSuspicious(in.Payload) {
		score += 30
	}

	switch {
	case in.RecentRequests > 100:
		score += 20
	case in.RecentRequests > 20:
		score += 10
	}

	ua := strings.ToLower(strings.TrimSpace(in.UserAgent))
	if ua == "" {
		score += 15
	} else {
		for _, b := range botAgents {
			if strings.Contains(ua, b) {
				score += 5
				break
			}
		}
	}

	if internalAddr(in.SourceIP) {
		score -= 10
	}

	return min(max(score, MinScore), MaxScore)
}

func containsSuspicious(payload []byte) bool {
	if len(payload) == 0 {
		return false
	}
	lower := bytes.ToLower(payload)
	for _, s := range suspicious {
		if bytes.Contains(lower, s) {
			return true
		}
	}
	return false
}

func internalAddr(ip string) bool {
	addr, err := netip.ParseAddr(strings.TrimSpace(ip))
	if err != nil {
		return false
	}
	addr = addr.Unmap()
	return addr.IsPrivate() || addr.IsLoopback() || addr.IsLinkLocalUnicast()
}
