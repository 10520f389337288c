// Package backend is the REST client for the marketplace API. Reads are
// retried on transport errors and 5xx; writes are sent exactly once.
package backend

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"net/url"
	"strings"
	"time"

	"github.com/example/parcel-tracking/internal/logging"
	"github.com/example/parcel-tracking/internal/models"
)

// APIError is a non-2xx answer that does not map to a models sentinel.
type APIError struct {
	Status  int
	Message string
}

func (e *APIError) Error() string {
	if e.Message == "" {
		return fmt.Sprintf("backend returned %d", e.Status)
	}
	return e.Message
}

func retryable(err error) bool {
	var apiErr *APIError
	if errors.As(err, &apiErr) {
		return apiErr.Status >= 500
	}
	return !models.Permanent(err) && !errors.Is(err, models.ErrPinRequired) &&
		!errors.Is(err, context.Canceled) && !errors.Is(err, context.DeadlineExceeded)
}

type Client struct {
	BaseURL string
	Token   string
	HTTP    *http.Client
	Retries int
	Backoff time.Duration
	log     *slog.Logger
}

func NewClient(baseURL, token string, timeout time.Duration, retries int, logger *slog.Logger) *Client {
	if timeout <= 0 {
		timeout = 5 * time.Second
	}
	return &Client{
		BaseURL: strings.TrimRight(baseURL, "/"),
		Token:   token,
		HTTP:    &http.Client{Timeout: timeout},
		Retries: retries,
		Backoff: 200 * time.Millisecond,
		log:     logging.OrNop(logger).With("component", "backend"),
	}
}

type point struct {
	Lat     *float64 `json:"lat"`
	Lng     *float64 `json:"lng"`
	Address string   `json:"address"`
	Name    string   `json:"name"`
}

func (p *point) geo() models.GeoPoint {
	var g models.GeoPoint
	if p == nil {
		return g
	}
	if p.Lat != nil {
		g.Lat = *p.Lat
	}
	if p.Lng != nil {
		g.Lng = *p.Lng
	}
	return g
}

type locationResponse struct {
	JobStatus string `json:"job_status"`
	Pickup    point  `json:"pickup"`
	Delivery  point  `json:"delivery"`
	Courier   *point `json:"courier"`
}

// FetchSnapshot reads the job's pickup, delivery and courier positions.
func (c *Client) FetchSnapshot(ctx context.Context, jobID string) (models.TrackingSnapshot, error) {
	var out locationResponse
	if err := c.getJSON(ctx, "/customer/jobs/"+url.PathEscape(jobID)+"/courier-location/", nil, &out); err != nil {
		return models.TrackingSnapshot{}, fmt.Errorf("fetch snapshot %s: %w", jobID, err)
	}
	status, ok := models.ParseJobStatus(out.JobStatus)
	if !ok {
		return models.TrackingSnapshot{}, fmt.Errorf("fetch snapshot %s: %w %q", jobID, models.ErrUnknownStatus, out.JobStatus)
	}
	snap := models.TrackingSnapshot{
		JobID:    jobID,
		Pickup:   models.NamedPoint{GeoPoint: out.Pickup.geo(), Address: out.Pickup.Address},
		Delivery: models.NamedPoint{GeoPoint: out.Delivery.geo(), Address: out.Delivery.Address},
		Status:   status,
	}
	if out.Courier != nil {
		snap.Courier = &models.CourierPosition{GeoPoint: out.Courier.geo(), Name: out.Courier.Name}
	}
	return snap, nil
}

type publicResponse struct {
	JobID             json.RawMessage `json:"job_id"`
	Status            string          `json:"status"`
	StatusDisplay     string          `json:"status_display"`
	PickupAddress     string          `json:"pickup_address"`
	DeliveryAddress   string          `json:"delivery_address"`
	CourierName       *string         `json:"courier_name"`
	CourierRating     *float64        `json:"courier_rating"`
	EstimatedDelivery *time.Time      `json:"estimated_delivery"`
	CurrentLocation   *point          `json:"current_location"`
	CreatedAt         *time.Time      `json:"created_at"`
	PickedUpAt        *time.Time      `json:"pickedup_at"`
	DeliveredAt       *time.Time      `json:"delivered_at"`
}

// FetchPublic reads the unauthenticated view of a tracking code.
func (c *Client) FetchPublic(ctx context.Context, code, pin string) (models.PublicTracking, error) {
	q := url.Values{}
	if pin != "" {
		q.Set("pin", pin)
	}
	code = strings.ToUpper(strings.TrimSpace(code))
	var out publicResponse
	if err := c.getJSON(ctx, "/track/"+url.PathEscape(code)+"/", q, &out); err != nil {
		return models.PublicTracking{}, fmt.Errorf("fetch tracking %s: %w", code, err)
	}

	status := models.JobStatus(out.Status)
	pt := models.PublicTracking{
		Code:             code,
		JobID:            strings.Trim(string(out.JobID), `"`),
		Status:           status,
		StatusDisplay:    out.StatusDisplay,
		PickupAddress:    out.PickupAddress,
		DeliveryAddress:  out.DeliveryAddress,
		CourierRating:    out.CourierRating,
		EstimatedArrival: out.EstimatedDelivery,
	}
	if pt.StatusDisplay == "" {
		pt.StatusDisplay = status.Display()
	}
	if out.CourierName != nil {
		pt.CourierName = *out.CourierName
	}
	if loc := out.CurrentLocation.geo(); status == models.StatusDelivering && loc.Valid() {
		pt.CurrentLocation = &loc
	}
	for _, at := range []*time.Time{out.CreatedAt, out.PickedUpAt, out.DeliveredAt} {
		if at != nil && at.After(pt.UpdatedAt) {
			pt.UpdatedAt = *at
		}
	}
	return pt, nil
}

// AcceptJob claims an offered job for the authenticated courier. It is never
// retried: a lost response must not turn into a second claim.
func (c *Client) AcceptJob(ctx context.Context, jobID string) error {
	if err := c.send(ctx, http.MethodPost, "/courier/jobs/available/"+url.PathEscape(jobID)+"/", nil); err != nil {
		return fmt.Errorf("accept job %s: %w", jobID, err)
	}
	return nil
}

// RegisterPushToken stores the courier's push token.
func (c *Client) RegisterPushToken(ctx context.Context, token string) error {
	if err := c.send(ctx, http.MethodPost, "/courier/fcm-token/", map[string]string{"fcm_token": token}); err != nil {
		return fmt.Errorf("register push token: %w", err)
	}
	return nil
}

type chatResponse struct {
	Messages []struct {
		ID             json.RawMessage `json:"id"`
		SenderType     string          `json:"sender_type"`
		SenderName     string          `json:"sender_name"`
		Content        string          `json:"content"`
		IsQuickMessage bool            `json:"is_quick_message"`
		CreatedAt      time.Time       `json:"created_at"`
	} `json:"messages"`
}

// PollMessages returns chat messages of a job sent after since, oldest first.
// It backs the realtime polling fallback.
func (c *Client) PollMessages(ctx context.Context, jobID string, since time.Time) ([]models.ChannelMessage, error) {
	var out chatResponse
	if err := c.getJSON(ctx, "/chat/"+url.PathEscape(jobID)+"/messages/", nil, &out); err != nil {
		return nil, fmt.Errorf("poll messages %s: %w", jobID, err)
	}
	var msgs []models.ChannelMessage
	for _, m := range out.Messages {
		if !m.CreatedAt.After(since) {
			continue
		}
		sender := m.SenderName
		if sender == "" {
			sender = m.SenderType
		}
		msgs = append(msgs, models.ChannelMessage{
			Kind:  models.KindChat,
			JobID: jobID,
			Message: &models.ChatMessage{
				ID:      strings.Trim(string(m.ID), `"`),
				JobID:   jobID,
				Sender:  sender,
				Content: m.Content,
				Quick:   m.IsQuickMessage,
				SentAt:  m.CreatedAt,
			},
		})
	}
	return msgs, nil
}

func (c *Client) getJSON(ctx context.Context, path string, q url.Values, out any) error {
	u := c.BaseURL + path
	if len(q) > 0 {
		u += "?" + q.Encode()
	}
	var err error
	for attempt := 0; attempt <= c.Retries; attempt++ {
		if attempt > 0 {
			c.log.Debug("retrying backend read", "path", path, "attempt", attempt, "error", err)
			select {
			case <-ctx.Done():
				return ctx.Err()
			case <-time.After(time.Duration(attempt) * c.Backoff):
			}
		}
		err = c.do(ctx, http.MethodGet, u, nil, out)
		if err == nil || !retryable(err) {
			return err
		}
	}
	return err
}

func (c *Client) send(ctx context.Context, method, path string, body any) error {
	var r io.Reader
	if body != nil {
		b, err := json.Marshal(body)
		if err != nil {
			return err
		}
		r = bytes.NewReader(b)
	}
	return c.do(ctx, method, c.BaseURL+path, r, nil)
}

func (c *Client) do(ctx context.Context, method, u string, body io.Reader, out any) error {
	req, err := http.NewRequestWithContext(ctx, method, u, body)
	if err != nil {
		return err
	}
	req.Header.Set("Accept", "application/json")
	if body != nil {
		req.Header.Set("Content-Type", "application/json")
	}
	if c.Token != "" {
		req.Header.Set("Authorization", "Bearer "+c.Token)
	}
	resp, err := c.HTTP.Do(req)
	if err != nil {
		return err
	}
	defer resp.Body.Close()

	if resp.StatusCode >= 200 && resp.StatusCode < 300 {
		if out == nil {
			_, _ = io.Copy(io.Discard, resp.Body)
			return nil
		}
		if err := json.NewDecoder(resp.Body).Decode(out); err != nil {
			return fmt.Errorf("decode response: %w", err)
		}
		return nil
	}
	return statusError(resp)
}

func statusError(resp *http.Response) error {
	var body struct {
		Error       string `json:"error"`
		Detail      string `json:"detail"`
		RequiresPin bool   `json:"requires_pin"`
	}
	_ = json.NewDecoder(io.LimitReader(resp.Body, 64<<10)).Decode(&body)
	msg := body.Error
	if msg == "" {
		msg = body.Detail
	}
	switch {
	case resp.StatusCode == http.StatusNotFound:
		return models.ErrJobNotFound
	case resp.StatusCode == http.StatusGone:
		return models.ErrTrackingGone
	case resp.StatusCode == http.StatusUnauthorized && body.RequiresPin:
		return models.ErrPinRequired
	}
	return &APIError{Status: resp.StatusCode, Message: msg}
}
