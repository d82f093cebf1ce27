package platform

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strings"
	"time"

	"github.com/ignite/budget-optimizer/internal/config"
	"github.com/ignite/budget-optimizer/internal/domain"
	"github.com/ignite/budget-optimizer/internal/pkg/httpretry"
)

// Meta is the Meta Marketing API (Graph Insights) adapter.
type Meta struct {
	baseURL     string
	accessToken string
	accountID   string
	httpClient  httpretry.HTTPDoer
}

// NewMeta builds the adapter from config.
func NewMeta(cfg config.MetaConfig) *Meta {
	return &Meta{
		baseURL:     cfg.BaseURL,
		accessToken: cfg.AccessToken,
		accountID:   cfg.AccountID,
		httpClient: httpretry.NewRetryClient(&http.Client{
			Timeout: cfg.Timeout(),
		}, 5),
	}
}

func (m *Meta) Name() domain.Platform { return domain.PlatformMeta }

// metaInsightsRow is one ad-level insights row. Spend arrives as a string
// in currency units; actions carry conversions and their value.
type metaInsightsRow struct {
	AdID        string `json:"ad_id"`
	AdName      string `json:"ad_name"`
	Impressions int64  `json:"impressions,string"`
	Clicks      int64  `json:"clicks,string"`
	Spend       string `json:"spend"`
	DateStart   string `json:"date_start"`
	HourlyRange string `json:"hourly_stats_aggregated_by_advertiser_time_zone"`
	Actions     []struct {
		ActionType string `json:"action_type"`
		Value      string `json:"value"`
	} `json:"actions"`
	ActionValues []struct {
		ActionType string `json:"action_type"`
		Value      string `json:"value"`
	} `json:"action_values"`
}

type metaInsightsResponse struct {
	Data []metaInsightsRow `json:"data"`
}

// FetchMetrics pulls ad-level insights since the watermark.
func (m *Meta) FetchMetrics(ctx context.Context, accountID string, bindings []ArmBinding, since time.Time) ([]domain.Metric, error) {
	if accountID == "" {
		accountID = m.accountID
	}
	params := url.Values{}
	params.Set("access_token", m.accessToken)
	params.Set("level", "ad")
	params.Set("fields", "ad_id,ad_name,impressions,clicks,spend,actions,action_values")
	params.Set("time_range", fmt.Sprintf(`{"since":"%s","until":"%s"}`,
		since.UTC().Format("2006-01-02"), time.Now().UTC().Format("2006-01-02")))
	params.Set("breakdowns", "hourly_stats_aggregated_by_advertiser_time_zone")

	body, err := m.doRequest(ctx, fmt.Sprintf("%s/act_%s/insights?%s", m.baseURL, accountID, params.Encode()))
	if err != nil {
		return nil, err
	}

	var parsed metaInsightsResponse
	if err := json.Unmarshal(body, &parsed); err != nil {
		return nil, fmt.Errorf("meta: decoding insights: %w", err)
	}

	idx := indexBindings(bindings)
	metrics := make([]domain.Metric, 0, len(parsed.Data))
	for _, row := range parsed.Data {
		b, ok := idx.lookup(row.AdID, row.AdName)
		if !ok {
			continue
		}
		ts, err := parseMetaWindow(row.DateStart, row.HourlyRange)
		if err != nil || ts.Before(since) {
			continue
		}
		var conversions int64
		var revenue float64
		for _, a := range row.Actions {
			if a.ActionType == "purchase" || a.ActionType == "offsite_conversion" {
				conversions += parseInt(a.Value)
			}
		}
		for _, a := range row.ActionValues {
			if a.ActionType == "purchase" {
				revenue += parseFloat(a.Value)
			}
		}
		metrics = append(metrics, domain.Metric{
			ArmID:       b.ArmID,
			TS:          ts,
			Source:      domain.SourcePoll,
			Impressions: row.Impressions,
			Clicks:      row.Clicks,
			Conversions: conversions,
			Cost:        parseFloat(row.Spend),
			Revenue:     revenue,
		})
	}
	return metrics, nil
}

// SetBid updates the ad set bid amount (in cents). Posting the same value
// twice is a no-op on the Graph API.
func (m *Meta) SetBid(ctx context.Context, binding ArmBinding, newBid float64) error {
	form := url.Values{}
	form.Set("access_token", m.accessToken)
	form.Set("bid_amount", fmt.Sprintf("%d", int64(newBid*100)))

	req, err := http.NewRequestWithContext(ctx, http.MethodPost,
		fmt.Sprintf("%s/%s", m.baseURL, binding.RemoteID),
		strings.NewReader(form.Encode()))
	if err != nil {
		return fmt.Errorf("meta: creating bid request: %w", err)
	}
	req.Header.Set("Content-Type", "application/x-www-form-urlencoded")
	req.GetBody = func() (io.ReadCloser, error) {
		return io.NopCloser(strings.NewReader(form.Encode())), nil
	}

	resp, err := m.httpClient.Do(req)
	if err != nil {
		return fmt.Errorf("meta: executing bid request: %w", err)
	}
	defer resp.Body.Close()
	body, _ := io.ReadAll(resp.Body)
	if resp.StatusCode != http.StatusOK {
		return &APIError{Platform: domain.PlatformMeta, Status: resp.StatusCode, Body: string(body)}
	}
	return nil
}

// ListCampaigns pulls the account's campaigns for discovery.
func (m *Meta) ListCampaigns(ctx context.Context, accountID string) ([]RemoteCampaign, error) {
	if accountID == "" {
		accountID = m.accountID
	}
	params := url.Values{}
	params.Set("access_token", m.accessToken)
	params.Set("fields", "id,name,status")

	body, err := m.doRequest(ctx, fmt.Sprintf("%s/act_%s/campaigns?%s", m.baseURL, accountID, params.Encode()))
	if err != nil {
		return nil, err
	}
	var parsed struct {
		Data []struct {
			ID     string `json:"id"`
			Name   string `json:"name"`
			Status string `json:"status"`
		} `json:"data"`
	}
	if err := json.Unmarshal(body, &parsed); err != nil {
		return nil, fmt.Errorf("meta: decoding campaign list: %w", err)
	}
	out := make([]RemoteCampaign, 0, len(parsed.Data))
	for _, c := range parsed.Data {
		out = append(out, RemoteCampaign{ID: c.ID, Name: c.Name, Status: c.Status})
	}
	return out, nil
}

func (m *Meta) doRequest(ctx context.Context, fullURL string) ([]byte, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, fullURL, nil)
	if err != nil {
		return nil, fmt.Errorf("meta: creating request: %w", err)
	}
	resp, err := m.httpClient.Do(req)
	if err != nil {
		return nil, fmt.Errorf("meta: executing request: %w", err)
	}
	defer resp.Body.Close()
	body, err := io.ReadAll(resp.Body)
	if err != nil {
		return nil, fmt.Errorf("meta: reading response: %w", err)
	}
	if resp.StatusCode != http.StatusOK {
		return nil, &APIError{Platform: domain.PlatformMeta, Status: resp.StatusCode, Body: string(body)}
	}
	return body, nil
}

// parseMetaWindow combines date_start with the hourly breakdown range
// ("13:00:00 - 13:59:59") into the window start.
func parseMetaWindow(date, hourly string) (time.Time, error) {
	if hourly == "" {
		t, err := time.Parse("2006-01-02", date)
		return t.UTC(), err
	}
	start := strings.TrimSpace(strings.Split(hourly, "-")[0])
	t, err := time.Parse("2006-01-02 15:04:05", date+" "+start)
	return t.UTC(), err
}

func parseInt(s string) int64 {
	var v int64
	fmt.Sscanf(s, "%d", &v)
	return v
}

func parseFloat(s string) float64 {
	var v float64
	fmt.Sscanf(s, "%g", &v)
	return v
}
