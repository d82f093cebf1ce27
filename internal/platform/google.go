package platform

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"strconv"
	"time"

	"golang.org/x/oauth2"

	"github.com/ignite/budget-optimizer/internal/config"
	"github.com/ignite/budget-optimizer/internal/domain"
	"github.com/ignite/budget-optimizer/internal/pkg/httpretry"
)

// googleTokenURL is the OAuth token endpoint for the refresh-token flow.
const googleTokenURL = "https://oauth2.googleapis.com/token"

// GoogleAds is the Google Ads API adapter. Costs arrive in micros and are
// converted to currency units during mapping.
type GoogleAds struct {
	baseURL        string
	developerToken string
	customerID     string
	tokens         oauth2.TokenSource
	httpClient     httpretry.HTTPDoer
}

// NewGoogleAds builds the adapter from config. The refresh token is
// exchanged lazily and cached by the oauth2 token source.
func NewGoogleAds(cfg config.GoogleAdsConfig) *GoogleAds {
	oc := &oauth2.Config{
		ClientID:     cfg.ClientID,
		ClientSecret: cfg.ClientSecret,
		Endpoint:     oauth2.Endpoint{TokenURL: googleTokenURL},
	}
	ts := oc.TokenSource(context.Background(), &oauth2.Token{RefreshToken: cfg.RefreshToken})
	return &GoogleAds{
		baseURL:        cfg.BaseURL,
		developerToken: cfg.DeveloperToken,
		customerID:     cfg.CustomerID,
		tokens:         oauth2.ReuseTokenSource(nil, ts),
		httpClient: httpretry.NewRetryClient(&http.Client{
			Timeout: cfg.Timeout(),
		}, 5),
	}
}

func (g *GoogleAds) Name() domain.Platform { return domain.PlatformGoogleAds }

// googleSearchRequest is the GAQL search body.
type googleSearchRequest struct {
	Query string `json:"query"`
}

// googleMetricsRow is one result row of the performance query.
type googleMetricsRow struct {
	AdGroupAd struct {
		ResourceName string `json:"resourceName"`
		Labels       struct {
			ArmKey string `json:"armKey"`
		} `json:"labels"`
	} `json:"adGroupAd"`
	Metrics struct {
		Impressions     int64   `json:"impressions,string"`
		Clicks          int64   `json:"clicks,string"`
		Conversions     float64 `json:"conversions"`
		CostMicros      int64   `json:"costMicros,string"`
		ConversionValue float64 `json:"conversionsValue"`
	} `json:"metrics"`
	Segments struct {
		Hour string `json:"hour"`
		Date string `json:"date"`
	} `json:"segments"`
}

type googleSearchResponse struct {
	Results []googleMetricsRow `json:"results"`
}

// FetchMetrics runs a GAQL performance query segmented by hour since the
// watermark and maps each row onto a canonical metric.
func (g *GoogleAds) FetchMetrics(ctx context.Context, accountID string, bindings []ArmBinding, since time.Time) ([]domain.Metric, error) {
	if accountID == "" {
		accountID = g.customerID
	}
	query := fmt.Sprintf(`SELECT ad_group_ad.resource_name, metrics.impressions, metrics.clicks,
		metrics.conversions, metrics.cost_micros, metrics.conversions_value,
		segments.date, segments.hour
		FROM ad_group_ad WHERE segments.date >= '%s'`, since.UTC().Format("2006-01-02"))

	body, err := g.doRequest(ctx, http.MethodPost,
		fmt.Sprintf("%s/customers/%s/googleAds:search", g.baseURL, accountID),
		googleSearchRequest{Query: query})
	if err != nil {
		return nil, err
	}

	var parsed googleSearchResponse
	if err := json.Unmarshal(body, &parsed); err != nil {
		return nil, fmt.Errorf("google ads: decoding search response: %w", err)
	}

	idx := indexBindings(bindings)
	metrics := make([]domain.Metric, 0, len(parsed.Results))
	for _, row := range parsed.Results {
		b, ok := idx.lookup(row.AdGroupAd.ResourceName, row.AdGroupAd.Labels.ArmKey)
		if !ok {
			continue
		}
		ts, err := parseHourWindow(row.Segments.Date, row.Segments.Hour)
		if err != nil {
			continue
		}
		if ts.Before(since) {
			continue
		}
		metrics = append(metrics, domain.Metric{
			ArmID:       b.ArmID,
			TS:          ts,
			Source:      domain.SourcePoll,
			Impressions: row.Metrics.Impressions,
			Clicks:      row.Metrics.Clicks,
			Conversions: int64(row.Metrics.Conversions),
			Cost:        float64(row.Metrics.CostMicros) / 1e6,
			Revenue:     row.Metrics.ConversionValue,
		})
	}
	return metrics, nil
}

// SetBid updates the ad group bid in micros. The mutate is idempotent:
// setting the same bid twice leaves the remote state unchanged.
func (g *GoogleAds) SetBid(ctx context.Context, binding ArmBinding, newBid float64) error {
	payload := map[string]any{
		"operations": []map[string]any{{
			"update": map[string]any{
				"resourceName":  binding.RemoteID,
				"cpcBidMicros":  int64(newBid * 1e6),
			},
			"updateMask": "cpc_bid_micros",
		}},
	}
	_, err := g.doRequest(ctx, http.MethodPost,
		fmt.Sprintf("%s/customers/%s/adGroups:mutate", g.baseURL, g.customerID), payload)
	return err
}

// ListCampaigns runs a discovery query for the account's campaigns.
func (g *GoogleAds) ListCampaigns(ctx context.Context, accountID string) ([]RemoteCampaign, error) {
	if accountID == "" {
		accountID = g.customerID
	}
	body, err := g.doRequest(ctx, http.MethodPost,
		fmt.Sprintf("%s/customers/%s/googleAds:search", g.baseURL, accountID),
		googleSearchRequest{Query: "SELECT campaign.id, campaign.name, campaign.status FROM campaign"})
	if err != nil {
		return nil, err
	}
	var parsed struct {
		Results []struct {
			Campaign struct {
				ID     int64  `json:"id,string"`
				Name   string `json:"name"`
				Status string `json:"status"`
			} `json:"campaign"`
		} `json:"results"`
	}
	if err := json.Unmarshal(body, &parsed); err != nil {
		return nil, fmt.Errorf("google ads: decoding campaign list: %w", err)
	}
	out := make([]RemoteCampaign, 0, len(parsed.Results))
	for _, r := range parsed.Results {
		out = append(out, RemoteCampaign{
			ID:     fmt.Sprintf("%d", r.Campaign.ID),
			Name:   r.Campaign.Name,
			Status: r.Campaign.Status,
		})
	}
	return out, nil
}

func (g *GoogleAds) doRequest(ctx context.Context, method, url string, payload any) ([]byte, error) {
	data, err := json.Marshal(payload)
	if err != nil {
		return nil, fmt.Errorf("google ads: marshaling request: %w", err)
	}
	req, err := http.NewRequestWithContext(ctx, method, url, bytes.NewReader(data))
	if err != nil {
		return nil, fmt.Errorf("google ads: creating request: %w", err)
	}
	req.GetBody = func() (io.ReadCloser, error) {
		return io.NopCloser(bytes.NewReader(data)), nil
	}

	tok, err := g.tokens.Token()
	if err != nil {
		return nil, fmt.Errorf("google ads: refreshing token: %w", err)
	}
	tok.SetAuthHeader(req)
	req.Header.Set("developer-token", g.developerToken)
	req.Header.Set("Content-Type", "application/json")

	resp, err := g.httpClient.Do(req)
	if err != nil {
		return nil, fmt.Errorf("google ads: executing request: %w", err)
	}
	defer resp.Body.Close()

	body, err := io.ReadAll(resp.Body)
	if err != nil {
		return nil, fmt.Errorf("google ads: reading response: %w", err)
	}
	if resp.StatusCode != http.StatusOK {
		return nil, &APIError{Platform: domain.PlatformGoogleAds, Status: resp.StatusCode, Body: string(body)}
	}
	return body, nil
}

// parseHourWindow builds the metric window timestamp from the date and
// hour segments.
func parseHourWindow(date, hour string) (time.Time, error) {
	d, err := time.Parse("2006-01-02", date)
	if err != nil {
		return time.Time{}, err
	}
	h := 0
	if hour != "" {
		if h, err = strconv.Atoi(hour); err != nil {
			return time.Time{}, err
		}
	}
	return d.Add(time.Duration(h) * time.Hour).UTC(), nil
}
