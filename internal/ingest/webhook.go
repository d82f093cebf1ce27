package ingest

import (
	"context"
	"crypto/hmac"
	"crypto/sha256"
	"encoding/hex"
	"errors"
	"io"
	"net/http"
	"strings"
	"time"

	"github.com/go-chi/chi/v5"

	"github.com/ignite/budget-optimizer/internal/domain"
	"github.com/ignite/budget-optimizer/internal/pkg/httputil"
	"github.com/ignite/budget-optimizer/internal/pkg/logger"
	"github.com/ignite/budget-optimizer/internal/telemetry"
)

// ArmResolver maps the arm key carried in a webhook payload onto an arm.
type ArmResolver interface {
	ArmByKey(ctx context.Context, campaignID int64, armKey string) (*domain.Arm, error)
}

// signatureHeaders names each platform's signature header. All three sign
// the raw body with HMAC-SHA256 over the shared webhook secret; Meta
// prefixes the hex digest with "sha256=".
var signatureHeaders = map[domain.Platform]string{
	domain.PlatformGoogleAds: "X-Google-Signature",
	domain.PlatformMeta:      "X-Hub-Signature-256",
	domain.PlatformTradeDesk: "X-Trade-Desk-Signature",
}

// WebhookServer accepts signed metric pushes at POST /webhook/{platform}.
// Verified payloads join the same pipeline as poll results.
type WebhookServer struct {
	pipeline *Pipeline
	resolver ArmResolver
	secrets  map[domain.Platform]string
}

// NewWebhookServer builds the webhook surface. Platforms without a secret
// configured reject every post with 401.
func NewWebhookServer(pipeline *Pipeline, resolver ArmResolver, secrets map[domain.Platform]string) *WebhookServer {
	return &WebhookServer{pipeline: pipeline, resolver: resolver, secrets: secrets}
}

// Routes mounts the webhook endpoints on a chi router.
func (ws *WebhookServer) Routes(r chi.Router) {
	r.Post("/webhook/{platform}", ws.handle)
}

func (ws *WebhookServer) handle(w http.ResponseWriter, r *http.Request) {
	platform := domain.Platform(chi.URLParam(r, "platform"))
	if !platform.Valid() {
		httputil.NotFound(w, "unknown platform")
		return
	}

	body, err := io.ReadAll(io.LimitReader(r.Body, 1<<20))
	if err != nil {
		httputil.BadRequest(w, "unreadable body")
		return
	}

	// Signature verification is a hard precondition: nothing unsigned is
	// ever parsed.
	if !ws.verifySignature(platform, r, body) {
		telemetry.WebhookRejected.WithLabelValues(string(platform), "signature").Inc()
		httputil.Unauthorized(w, "signature verification failed")
		return
	}

	campaignID, metrics, err := parseWebhookPayload(platform, body)
	if err != nil {
		telemetry.WebhookRejected.WithLabelValues(string(platform), "malformed").Inc()
		httputil.BadRequest(w, "malformed payload: "+err.Error())
		return
	}

	accepted := 0
	for i := range metrics {
		event := &metrics[i]
		arm, err := ws.resolver.ArmByKey(r.Context(), campaignID, event.armKey)
		if err != nil {
			logger.Warn("webhook references unknown arm",
				"platform", platform, "campaign_id", campaignID, "arm_key", event.armKey)
			continue
		}
		event.metric.ArmID = arm.ID
		err = ws.pipeline.Ingest(r.Context(), campaignID, &event.metric)
		switch {
		case errors.Is(err, ErrBackpressure):
			telemetry.WebhookRejected.WithLabelValues(string(platform), "backpressure").Inc()
			httputil.ServiceUnavailable(w, "intake paused, retry later")
			return
		case errors.Is(err, ErrValidation):
			telemetry.WebhookRejected.WithLabelValues(string(platform), "validation").Inc()
			httputil.BadRequest(w, err.Error())
			return
		case err != nil:
			httputil.InternalError(w, err)
			return
		}
		accepted++
	}
	httputil.OK(w, map[string]any{"accepted": accepted})
}

func (ws *WebhookServer) verifySignature(platform domain.Platform, r *http.Request, body []byte) bool {
	secret := ws.secrets[platform]
	if secret == "" {
		return false
	}
	header := signatureHeaders[platform]
	got := r.Header.Get(header)
	if got == "" {
		return false
	}
	got = strings.TrimPrefix(got, "sha256=")

	mac := hmac.New(sha256.New, []byte(secret))
	mac.Write(body)
	want := hex.EncodeToString(mac.Sum(nil))
	return hmac.Equal([]byte(got), []byte(want))
}

// Sign computes the signature header value for a payload. Exported for
// tests and for the stub platform in local development.
func Sign(secret string, body []byte) string {
	mac := hmac.New(sha256.New, []byte(secret))
	mac.Write(body)
	return hex.EncodeToString(mac.Sum(nil))
}

// webhookEvent is one parsed row plus the arm key it referenced; the arm
// ID is resolved by the handler.
type webhookEvent struct {
	armKey string
	metric domain.Metric
}

// parseTS accepts RFC3339 with or without sub-second precision.
func parseTS(s string) (time.Time, error) {
	t, err := time.Parse(time.RFC3339, s)
	if err != nil {
		return time.Time{}, err
	}
	return t.UTC(), nil
}
