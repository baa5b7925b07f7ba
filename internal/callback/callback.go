// Package callback delivers the final job result to the submitter's URL.
// Delivery is best effort: failures are logged and never affect the job
// verdict.
package callback

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"net/url"
	"time"

	"go.uber.org/zap"
)

const requestTimeout = 10 * time.Second

// Fire POSTs the job result as JSON to callbackURL. Only http and https
// schemes are accepted.
func Fire(ctx context.Context, callbackURL string, result any, log *zap.Logger) {
	parsed, err := url.Parse(callbackURL)
	if err != nil || (parsed.Scheme != "http" && parsed.Scheme != "https") {
		log.Warn("refusing callback to non-http url", zap.String("url", callbackURL))
		return
	}

	body, err := json.Marshal(result)
	if err != nil {
		log.Warn("cannot encode callback body", zap.Error(err))
		return
	}

	ctx, cancel := context.WithTimeout(ctx, requestTimeout)
	defer cancel()

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, callbackURL, bytes.NewReader(body))
	if err != nil {
		log.Warn("cannot build callback request", zap.Error(err))
		return
	}
	req.Header.Set("Content-Type", "application/json")

	resp, err := http.DefaultClient.Do(req)
	if err != nil {
		log.Warn("callback delivery failed", zap.String("url", callbackURL), zap.Error(err))
		return
	}
	defer resp.Body.Close()
	if resp.StatusCode >= 300 {
		log.Warn("callback rejected", zap.String("url", callbackURL),
			zap.String("status", fmt.Sprintf("%d", resp.StatusCode)))
		return
	}
	log.Info("callback delivered", zap.String("url", callbackURL))
}
