package platform

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"time"

	"github.com/ignite/budget-optimizer/internal/config"
	"github.com/ignite/budget-optimizer/internal/domain"
	"github.com/ignite/budget-optimizer/internal/pkg/httpretry"
)

// TradeDesk is The Trade Desk API adapter.
type TradeDesk struct {
	baseURL    string
	apiKey     string
	partnerID  string
	httpClient httpretry.HTTPDoer
}

// NewTradeDesk builds the adapter from config.
func NewTradeDesk(cfg config.TradeDeskConfig) *TradeDesk {
	return &TradeDesk{
		baseURL:   cfg.BaseURL,
		apiKey:    cfg.APIKey,
		partnerID: cfg.PartnerID,
		httpClient: httpretry.NewRetryClient(&http.Client{
			Timeout: cfg.Timeout(),
		}, 5),
	}
}

func (t *TradeDesk) Name() domain.Platform { return domain.PlatformTradeDesk }

// ttdReportRow is one row of the hourly performance report.
type ttdReportRow struct {
	AdGroupID   string  `json:"AdGroupId"`
	CreativeID  string  `json:"CreativeId"`
	HourUTC     string  `json:"ReportHourUtc"`
	Impressions int64   `json:"Impressions"`
	Clicks      int64   `json:"Clicks"`
	Conversions int64   `json:"Conversions"`
	SpendUSD    float64 `json:"AdvertiserCostInUSD"`
	RevenueUSD  float64 `json:"RevenueInUSD"`
}

type ttdReportResponse struct {
	Result []ttdReportRow `json:"Result"`
}

// FetchMetrics requests an hourly performance report since the watermark.
func (t *TradeDesk) FetchMetrics(ctx context.Context, accountID string, bindings []ArmBinding, since time.Time) ([]domain.Metric, error) {
	payload := map[string]any{
		"AdvertiserId": accountID,
		"StartDateUtc": since.UTC().Format(time.RFC3339),
		"Granularity":  "Hourly",
	}
	body, err := t.doRequest(ctx, http.MethodPost, t.baseURL+"/reports/performance", payload)
	if err != nil {
		return nil, err
	}

	var parsed ttdReportResponse
	if err := json.Unmarshal(body, &parsed); err != nil {
		return nil, fmt.Errorf("tradedesk: decoding report: %w", err)
	}

	idx := indexBindings(bindings)
	metrics := make([]domain.Metric, 0, len(parsed.Result))
	for _, row := range parsed.Result {
		b, ok := idx.lookup(row.AdGroupID, row.CreativeID)
		if !ok {
			continue
		}
		ts, err := time.Parse(time.RFC3339, row.HourUTC)
		if err != nil || ts.Before(since) {
			continue
		}
		metrics = append(metrics, domain.Metric{
			ArmID:       b.ArmID,
			TS:          ts.UTC(),
			Source:      domain.SourcePoll,
			Impressions: row.Impressions,
			Clicks:      row.Clicks,
			Conversions: row.Conversions,
			Cost:        row.SpendUSD,
			Revenue:     row.RevenueUSD,
		})
	}
	return metrics, nil
}

// SetBid updates the ad group base bid. The PUT carries the full target
// value, so retries are idempotent.
func (t *TradeDesk) SetBid(ctx context.Context, binding ArmBinding, newBid float64) error {
	payload := map[string]any{
		"AdGroupId":         binding.RemoteID,
		"BaseBidCPMInUSD":   newBid,
		"PartnerId":         t.partnerID,
	}
	_, err := t.doRequest(ctx, http.MethodPut, t.baseURL+"/adgroup", payload)
	return err
}

// ListCampaigns queries the advertiser's campaigns for discovery.
func (t *TradeDesk) ListCampaigns(ctx context.Context, accountID string) ([]RemoteCampaign, error) {
	payload := map[string]any{"AdvertiserId": accountID, "PageSize": 100}
	body, err := t.doRequest(ctx, http.MethodPost, t.baseURL+"/campaign/query/advertiser", payload)
	if err != nil {
		return nil, err
	}
	var parsed struct {
		Result []struct {
			CampaignID   string `json:"CampaignId"`
			CampaignName string `json:"CampaignName"`
			Availability string `json:"Availability"`
		} `json:"Result"`
	}
	if err := json.Unmarshal(body, &parsed); err != nil {
		return nil, fmt.Errorf("tradedesk: decoding campaign list: %w", err)
	}
	out := make([]RemoteCampaign, 0, len(parsed.Result))
	for _, c := range parsed.Result {
		out = append(out, RemoteCampaign{ID: c.CampaignID, Name: c.CampaignName, Status: c.Availability})
	}
	return out, nil
}

func (t *TradeDesk) doRequest(ctx context.Context, method, url string, payload any) ([]byte, error) {
	data, err := json.Marshal(payload)
	if err != nil {
		return nil, fmt.Errorf("tradedesk: marshaling request: %w", err)
	}
	req, err := http.NewRequestWithContext(ctx, method, url, bytes.NewReader(data))
	if err != nil {
		return nil, fmt.Errorf("tradedesk: creating request: %w", err)
	}
	req.GetBody = func() (io.ReadCloser, error) {
		return io.NopCloser(bytes.NewReader(data)), nil
	}
	req.Header.Set("TTD-Auth", t.apiKey)
	req.Header.Set("Content-Type", "application/json")

	resp, err := t.httpClient.Do(req)
	if err != nil {
		return nil, fmt.Errorf("tradedesk: executing request: %w", err)
	}
	defer resp.Body.Close()
	body, err := io.ReadAll(resp.Body)
	if err != nil {
		return nil, fmt.Errorf("tradedesk: reading response: %w", err)
	}
	if resp.StatusCode != http.StatusOK {
		return nil, &APIError{Platform: domain.PlatformTradeDesk, Status: resp.StatusCode, Body: string(body)}
	}
	return body, nil
}
