package agent

import (
	"fmt"
	"net/url"
	"strings"
)

// Classifier maps a request URL to its cache policy. The dataset endpoint is a
// single scheme+host+path prefix; everything else is app shell.
type Classifier struct {
	scheme string
	host   string
	path   string
}

func NewClassifier(prefix string) (Classifier, error) {
	u, err := url.Parse(strings.TrimSpace(prefix))
	if err != nil {
		return Classifier{}, fmt.Errorf("dataset prefix: %w", err)
	}
	if !u.IsAbs() || u.Host == "" {
		return Classifier{}, fmt.Errorf("dataset prefix %q is not absolute", prefix)
	}
	p := u.EscapedPath()
	if p == "" {
		p = "/"
	}
	return Classifier{
		scheme: strings.ToLower(u.Scheme),
		host:   strings.ToLower(u.Host),
		path:   p,
	}, nil
}

// Classify never fails: anything that cannot be parsed or is relative is static.
func (c Classifier) Classify(rawURL string) Policy {
	u, err := url.Parse(strings.TrimSpace(rawURL))
	if err != nil || !u.IsAbs() {
		return PolicyStatic
	}
	if strings.ToLower(u.Scheme) != c.scheme || strings.ToLower(u.Host) != c.host {
		return PolicyStatic
	}
	p := u.EscapedPath()
	if p == "" {
		p = "/"
	}
	if strings.HasPrefix(p, c.path) {
		return PolicyDynamic
	}
	return PolicyStatic
}
