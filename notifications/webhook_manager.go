package notifications

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"log"
	"net/http"
	"strings"
	"sync"
	"time"

	"open-mer/cache"
	"open-mer/helpers"
)

const (
	// DeliveryTimeout bounds one POST
	DeliveryTimeout = 10 * time.Second
	// Cooldown suppresses repeat posts for the same procedure and depth
	Cooldown = 30 * time.Second
)

// SegmentEvent describes a committed segment
type SegmentEvent struct {
	SegmentID   int64
	ProcedureID int64
	Depth       float64
	IsGood      bool
	Validity    []bool
}

// WebhookPayload represents the JSON payload sent to webhooks
type WebhookPayload struct {
	SegmentID   int64     `json:"segment_id"`
	ProcedureID int64     `json:"procedure_id"`
	Depth       float64   `json:"depth"`
	IsGood      bool      `json:"is_good"`
	Validity    []bool    `json:"validity"`
	CommittedAt time.Time `json:"committed_at"`
	Message     string    `json:"message"`
}

// WebhookManager posts committed segments to the configured webhooks
type WebhookManager struct {
	urls   []string
	mirror cache.Mirror
	client *http.Client
	now    func() time.Time
	wg     sync.WaitGroup
}

// NewWebhookManager creates a new webhook manager. A nil mirror disables the cooldown.
func NewWebhookManager(urls []string, mirror cache.Mirror) *WebhookManager {
	var clean []string
	for _, u := range urls {
		if u = strings.TrimSpace(u); u != "" {
			clean = append(clean, u)
		}
	}
	return &WebhookManager{
		urls:   clean,
		mirror: mirror,
		client: &http.Client{
			Timeout: DeliveryTimeout,
		},
		now: time.Now,
	}
}

// Enabled reports whether any webhook is configured
func (wm *WebhookManager) Enabled() bool {
	return wm != nil && len(wm.urls) > 0
}

// CreatePayload generates the webhook payload from an event
func (wm *WebhookManager) CreatePayload(ev SegmentEvent) WebhookPayload {
	good := 0
	for _, v := range ev.Validity {
		if v {
			good++
		}
	}
	quality := "✅ good"
	if !ev.IsGood {
		quality = "⚠️ not good"
	}
	return WebhookPayload{
		SegmentID:   ev.SegmentID,
		ProcedureID: ev.ProcedureID,
		Depth:       ev.Depth,
		IsGood:      ev.IsGood,
		Validity:    ev.Validity,
		CommittedAt: wm.now(),
		Message: fmt.Sprintf("Segment %d at %s mm (%s, %d/%d channels valid)",
			ev.SegmentID, helpers.FormatDepth(ev.Depth), quality, good, len(ev.Validity)),
	}
}

func cooldownKey(ev SegmentEvent) string {
	return fmt.Sprintf("%s%d:%d", cache.KeyWebhookPrefix, ev.ProcedureID, helpers.DepthToMicrometres(ev.Depth))
}

// NotifySegment posts ev to every webhook in the background. It never blocks
// on delivery and never returns an error to the caller.
func (wm *WebhookManager) NotifySegment(ctx context.Context, ev SegmentEvent) {
	if !wm.Enabled() {
		return
	}
	if wm.mirror != nil {
		ok, err := wm.mirror.Claim(ctx, cooldownKey(ev), Cooldown)
		if err != nil {
			log.Printf("⚠️  Webhook cooldown check failed: %v", err)
		} else if !ok {
			return
		}
	}

	payloadBytes, err := json.Marshal(wm.CreatePayload(ev))
	if err != nil {
		log.Printf("⚠️  Failed to marshal webhook payload: %v", err)
		return
	}
	for _, url := range wm.urls {
		wm.wg.Add(1)
		go func(url string) {
			defer wm.wg.Done()
			wm.deliverWebhook(url, ev.SegmentID, payloadBytes)
		}(url)
	}
}

// Wait blocks until in-flight deliveries finish
func (wm *WebhookManager) Wait() {
	if wm != nil {
		wm.wg.Wait()
	}
}

func (wm *WebhookManager) deliverWebhook(url string, segmentID int64, payload []byte) {
	ctx, cancel := context.WithTimeout(context.Background(), DeliveryTimeout)
	defer cancel()

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, url, bytes.NewReader(payload))
	if err != nil {
		log.Printf("❌ Webhook %s: %v", url, err)
		return
	}
	req.Header.Set("Content-Type", "application/json")
	req.Header.Set("User-Agent", "OpenMER-Segmenter/1.0")

	resp, err := wm.client.Do(req)
	if err != nil {
		log.Printf("❌ Webhook %s for segment %d failed: %v", url, segmentID, err)
		return
	}
	defer resp.Body.Close()
	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		log.Printf("❌ Webhook %s for segment %d returned %d", url, segmentID, resp.StatusCode)
		return
	}
	log.Printf("🔹 Webhook %s notified of segment %d", url, segmentID)
}
