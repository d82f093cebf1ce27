package ingest

import (
	"encoding/json"
	"fmt"

	"github.com/ignite/budget-optimizer/internal/domain"
)

// Each platform pushes its own payload shape. The shapes are parsed into
// typed records here and mapped onto the canonical metric before anything
// touches the engine; free-form maps stop at this file.

// googleWebhookPayload mirrors the Google Ads push notification format.
type googleWebhookPayload struct {
	CampaignID int64 `json:"campaign_id"`
	Events     []struct {
		ArmKey      string  `json:"arm_key"`
		WindowStart string  `json:"window_start"`
		Impressions int64   `json:"impressions"`
		Clicks      int64   `json:"clicks"`
		Conversions int64   `json:"conversions"`
		CostMicros  int64   `json:"cost_micros"`
		Revenue     float64 `json:"conversion_value"`
	} `json:"events"`
}

// metaWebhookPayload mirrors the Meta real-time insights push.
type metaWebhookPayload struct {
	CampaignID int64 `json:"campaign_id"`
	Entries    []struct {
		AdName        string  `json:"ad_name"`
		Time          string  `json:"time"`
		Impressions   int64   `json:"impressions"`
		Clicks        int64   `json:"clicks"`
		Purchases     int64   `json:"purchases"`
		Spend         float64 `json:"spend"`
		PurchaseValue float64 `json:"purchase_value"`
	} `json:"entries"`
}

// ttdWebhookPayload mirrors The Trade Desk event push.
type ttdWebhookPayload struct {
	CampaignID int64 `json:"CampaignId"`
	Rows       []struct {
		CreativeID  string  `json:"CreativeId"`
		HourUTC     string  `json:"HourUtc"`
		Impressions int64   `json:"Impressions"`
		Clicks      int64   `json:"Clicks"`
		Conversions int64   `json:"Conversions"`
		SpendUSD    float64 `json:"SpendUSD"`
		RevenueUSD  float64 `json:"RevenueUSD"`
	} `json:"Rows"`
}

func parseWebhookPayload(platform domain.Platform, body []byte) (int64, []webhookEvent, error) {
	switch platform {
	case domain.PlatformGoogleAds:
		return parseGooglePayload(body)
	case domain.PlatformMeta:
		return parseMetaPayload(body)
	case domain.PlatformTradeDesk:
		return parseTTDPayload(body)
	default:
		return 0, nil, fmt.Errorf("unsupported platform %q", platform)
	}
}

func parseGooglePayload(body []byte) (int64, []webhookEvent, error) {
	var p googleWebhookPayload
	if err := json.Unmarshal(body, &p); err != nil {
		return 0, nil, err
	}
	if p.CampaignID == 0 {
		return 0, nil, fmt.Errorf("missing campaign_id")
	}
	events := make([]webhookEvent, 0, len(p.Events))
	for _, e := range p.Events {
		ts, err := parseTS(e.WindowStart)
		if err != nil {
			return 0, nil, fmt.Errorf("window_start: %w", err)
		}
		events = append(events, webhookEvent{
			armKey: e.ArmKey,
			metric: domain.Metric{
				TS:          ts,
				Source:      domain.SourceWebhook,
				Impressions: e.Impressions,
				Clicks:      e.Clicks,
				Conversions: e.Conversions,
				Cost:        float64(e.CostMicros) / 1e6,
				Revenue:     e.Revenue,
			},
		})
	}
	return p.CampaignID, events, nil
}

func parseMetaPayload(body []byte) (int64, []webhookEvent, error) {
	var p metaWebhookPayload
	if err := json.Unmarshal(body, &p); err != nil {
		return 0, nil, err
	}
	if p.CampaignID == 0 {
		return 0, nil, fmt.Errorf("missing campaign_id")
	}
	events := make([]webhookEvent, 0, len(p.Entries))
	for _, e := range p.Entries {
		ts, err := parseTS(e.Time)
		if err != nil {
			return 0, nil, fmt.Errorf("time: %w", err)
		}
		events = append(events, webhookEvent{
			armKey: e.AdName,
			metric: domain.Metric{
				TS:          ts,
				Source:      domain.SourceWebhook,
				Impressions: e.Impressions,
				Clicks:      e.Clicks,
				Conversions: e.Purchases,
				Cost:        e.Spend,
				Revenue:     e.PurchaseValue,
			},
		})
	}
	return p.CampaignID, events, nil
}

func parseTTDPayload(body []byte) (int64, []webhookEvent, error) {
	var p ttdWebhookPayload
	if err := json.Unmarshal(body, &p); err != nil {
		return 0, nil, err
	}
	if p.CampaignID == 0 {
		return 0, nil, fmt.Errorf("missing CampaignId")
	}
	events := make([]webhookEvent, 0, len(p.Rows))
	for _, e := range p.Rows {
		ts, err := parseTS(e.HourUTC)
		if err != nil {
			return 0, nil, fmt.Errorf("HourUtc: %w", err)
		}
		events = append(events, webhookEvent{
			armKey: e.CreativeID,
			metric: domain.Metric{
				TS:          ts,
				Source:      domain.SourceWebhook,
				Impressions: e.Impressions,
				Clicks:      e.Clicks,
				Conversions: e.Conversions,
				Cost:        e.SpendUSD,
				Revenue:     e.RevenueUSD,
			},
		})
	}
	return p.CampaignID, events, nil
}
