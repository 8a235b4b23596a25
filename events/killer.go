package events

import (
	"bytes"
	"context"
	"crypto/tls"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"strings"
	"time"

	"github.com/guseggert/flowcluster/flow"
	"github.com/hashicorp/go-retryablehttp"
	"go.uber.org/zap"
)

type logAdapter struct {
	*zap.SugaredLogger
}

func (a *logAdapter) Printf(msg string, args ...interface{}) { a.Debugf(msg, args...) }

// HTTPKiller asks the workflow engine to kill flows through its REST API.
type HTTPKiller struct {
	baseURL string
	client  *retryablehttp.Client
	log     *zap.SugaredLogger

	customizeRetryableClient func(*retryablehttp.Client)
	tlsConfig                *tls.Config
}

type KillerOption func(k *HTTPKiller)

func WithCustomizeRetryableClient(f func(r *retryablehttp.Client)) KillerOption {
	return func(k *HTTPKiller) {
		k.customizeRetryableClient = f
	}
}

// WithClientTLSConfig is used to reach an engine requiring client certificates.
func WithClientTLSConfig(c *tls.Config) KillerOption {
	return func(k *HTTPKiller) {
		k.tlsConfig = c
	}
}

func NewHTTPKiller(log *zap.SugaredLogger, baseURL string, opts ...KillerOption) *HTTPKiller {
	k := &HTTPKiller{
		baseURL: strings.TrimSuffix(baseURL, "/"),
		log:     log.Named("killer"),
	}
	for _, o := range opts {
		o(k)
	}

	retryClient := retryablehttp.NewClient()
	retryClient.HTTPClient = &http.Client{
		Timeout:   30 * time.Second,
		Transport: &http.Transport{TLSClientConfig: k.tlsConfig},
	}
	retryClient.RetryMax = 3
	retryClient.RetryWaitMin = 500 * time.Millisecond
	retryClient.RetryWaitMax = 5 * time.Second
	retryClient.Logger = &logAdapter{SugaredLogger: k.log}

	if k.customizeRetryableClient != nil {
		k.customizeRetryableClient(retryClient)
	}
	k.client = retryClient
	return k
}

type killRequest struct {
	Reason string `json:"reason"`
}

func (k *HTTPKiller) KillFlow(ctx context.Context, fl *flow.Flow, reason string) error {
	body, err := json.Marshal(killRequest{Reason: reason})
	if err != nil {
		return fmt.Errorf("marshaling kill request: %w", err)
	}
	url := fmt.Sprintf("%s/executions/%d/kill", k.baseURL, fl.ExecutionID)
	req, err := retryablehttp.NewRequest(http.MethodPost, url, bytes.NewReader(body))
	if err != nil {
		return fmt.Errorf("building kill request: %w", err)
	}
	req = req.WithContext(ctx)
	req.Header.Set("Content-Type", "application/json")

	resp, err := k.client.Do(req)
	if err != nil {
		return fmt.Errorf("killing flow %s: %w", fl, err)
	}
	defer resp.Body.Close()
	if resp.StatusCode/100 != 2 {
		msg, _ := io.ReadAll(io.LimitReader(resp.Body, 4096))
		return fmt.Errorf("killing flow %s: engine returned %d: %s", fl, resp.StatusCode, strings.TrimSpace(string(msg)))
	}
	k.log.Infow("flow killed", "execution_id", fl.ExecutionID, "reason", reason)
	return nil
}
