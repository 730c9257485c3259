package ingest

import (
	"context"
	"errors"
	"fmt"
	"strings"
)

// Description is the public, informational view of an endpoint.
type Description struct {
	Identity        string    `json:"identity"`
	Path            string    `json:"path"`
	Name            string    `json:"name,omitempty"`
	Description     string    `json:"description,omitempty"`
	URL             string    `json:"url"`
	Methods         []string  `json:"methods"`
	RequireAPIKey   bool      `json:"requireApiKey"`
	MaxPayloadBytes int       `json:"maxPayloadBytes"`
	RateLimit       RateLimit `json:"rateLimit"`
	Examples        Examples  `json:"examples"`
}

type RateLimit struct {
	Hourly int `json:"hourly"`
	Daily  int `json:"daily"`
}

type Examples struct {
	Curl       string `json:"curl"`
	JavaScript string `json:"javascript"`
	Python     string `json:"python"`
}

// Describe resolves identity/path for a GET. It has no side effects and
// fails with the same not_found error as Process.
func (p *Pipeline) Describe(ctx context.Context, identity, path, baseURL string) (*Description, error) {
	res, err := p.deps.Resolver.Resolve(ctx, identity, path)
	if err != nil {
		return nil, reject(Received, CodeNotFound, err)
	}
	ep := res.Endpoint
	if !ep.IsActive {
		return nil, reject(Received, CodeNotFound, errors.New("endpoint inactive"))
	}

	maxBytes := p.cfg.MaxPayloadBytes
	if ep.MaxPayloadBytes > 0 {
		maxBytes = ep.MaxPayloadBytes
	}
	limits := p.limits(&ep)
	url := strings.TrimRight(baseURL, "/") + "/" + identity + "/" + ep.URLPath

	return &Description{
		Identity:        identity,
		Path:            ep.URLPath,
		Name:            ep.Name,
		Description:     ep.Description,
		URL:             url,
		Methods:         []string{"POST"},
		RequireAPIKey:   ep.RequireAPIKey,
		MaxPayloadBytes: maxBytes,
		RateLimit:       RateLimit{Hourly: limits.PerHour, Daily: limits.PerDay},
		Examples:        examples(url, ep.RequireAPIKey),
	}, nil
}

func examples(url string, withKey bool) Examples {
	const body = `{"message":"hello"}`
	curlAuth, jsAuth, pyAuth := "", "", ""
	if withKey {
		curlAuth = ` -H "X-Api-Key: $API_KEY"`
		jsAuth = `, "X-Api-Key": process.env.API_KEY`
		pyAuth = `, "X-Api-Key": os.environ["API_KEY"]`
	}
	return Examples{
		Curl: fmt.Sprintf(`curl -X POST %s -H "Content-Type: application/json"%s -d '%s'`, url, curlAuth, body),
		JavaScript: fmt.Sprintf(`await fetch("%s", { method: "POST", headers: { "Content-Type": "application/json"%s }, body: JSON.stringify(%s) })`,
			url, jsAuth, body),
		Python: fmt.Sprintf(`requests.post("%s", headers={"Content-Type": "application/json"%s}, json=%s)`, url, pyAuth, body),
	}
}
