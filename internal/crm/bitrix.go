package crm

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"strings"
	"sync"
	"time"

	"crm-sheet-sync/internal/syncerr"
	"crm-sheet-sync/pkg/models"

	"github.com/google/uuid"
	"github.com/sirupsen/logrus"
	"golang.org/x/time/rate"
)

// multiFields hold lists of {VALUE, VALUE_TYPE} objects in the CRM.
var multiFields = map[string]bool{"EMAIL": true, "PHONE": true, "WEB": true, "IM": true}

// Bitrix is a REST client for Bitrix24 inbound webhooks.
// Calls for one config share a token bucket; callers block until a token
// is available rather than fail.
type Bitrix struct {
	HTTPClient  *http.Client
	Credentials CredentialsFunc
	Timeout     time.Duration
	Log         *logrus.Logger

	mu       sync.Mutex
	limiters map[uuid.UUID]*rate.Limiter
}

func NewBitrix(timeout time.Duration, creds CredentialsFunc, log *logrus.Logger) *Bitrix {
	if creds == nil {
		creds = WebhookFromConfig
	}
	return &Bitrix{
		HTTPClient:  &http.Client{},
		Credentials: creds,
		Timeout:     timeout,
		Log:         log,
		limiters:    map[uuid.UUID]*rate.Limiter{},
	}
}

type bitrixResponse struct {
	Result           json.RawMessage `json:"result"`
	Error            string          `json:"error"`
	ErrorDescription string          `json:"error_description"`
}

func (b *Bitrix) GetEntity(ctx context.Context, cfg *models.SyncConfig, entityID string) (*Entity, error) {
	var raw map[string]any
	if err := b.call(ctx, cfg, "get", map[string]any{"id": entityID}, &raw); err != nil {
		return nil, err
	}
	ent := &Entity{ID: entityID, Fields: make(map[string]any, len(raw))}
	for k, v := range raw {
		ent.Fields[k] = flatten(v)
	}
	if s, ok := raw["DATE_MODIFY"].(string); ok {
		if t, err := time.Parse(time.RFC3339, s); err == nil {
			ent.ModifiedAt = t
		}
	}
	return ent, nil
}

func (b *Bitrix) UpdateEntity(ctx context.Context, cfg *models.SyncConfig, entityID string, fields map[string]any) error {
	out := make(map[string]any, len(fields))
	for k, v := range fields {
		out[k] = encodeValue(k, v)
	}
	var ok bool
	if err := b.call(ctx, cfg, "update", map[string]any{"id": entityID, "fields": out}, &ok); err != nil {
		return err
	}
	if !ok {
		return syncerr.Permanent("crm.update", fmt.Errorf("update of %s %s was not accepted", cfg.EntityType, entityID))
	}
	return nil
}

func (b *Bitrix) limiter(cfg *models.SyncConfig) *rate.Limiter {
	b.mu.Lock()
	defer b.mu.Unlock()
	if l, ok := b.limiters[cfg.ID]; ok {
		return l
	}
	limit, burst := cfg.CRMRateLimit, cfg.CRMBurst
	if limit <= 0 {
		limit = models.DefaultCRMRateLimit
	}
	if burst <= 0 {
		burst = models.DefaultCRMBurst
	}
	l := rate.NewLimiter(rate.Limit(limit), burst)
	b.limiters[cfg.ID] = l
	return l
}

func (b *Bitrix) call(ctx context.Context, cfg *models.SyncConfig, action string, body, result any) error {
	op := "crm." + action
	base, err := b.Credentials(ctx, cfg)
	if err != nil {
		return err
	}
	if err := b.limiter(cfg).Wait(ctx); err != nil {
		return syncerr.Transient(op, fmt.Errorf("waiting for rate limit: %w", err))
	}

	if b.Timeout > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, b.Timeout)
		defer cancel()
	}

	url := fmt.Sprintf("%s/crm.%s.%s.json", strings.TrimSuffix(base, "/"), cfg.EntityType, action)
	payload, err := json.Marshal(body)
	if err != nil {
		return syncerr.Permanent(op, fmt.Errorf("failed to marshal request body: %w", err))
	}
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, url, bytes.NewReader(payload))
	if err != nil {
		return syncerr.Permanent(op, fmt.Errorf("failed to create request: %w", err))
	}
	req.Header.Set("Content-Type", "application/json")

	resp, err := b.HTTPClient.Do(req)
	if err != nil {
		return syncerr.Transient(op, fmt.Errorf("request to CRM failed: %w", err))
	}
	defer resp.Body.Close()

	data, err := io.ReadAll(resp.Body)
	if err != nil {
		return syncerr.Transient(op, fmt.Errorf("read CRM response: %w", err))
	}
	var br bitrixResponse
	_ = json.Unmarshal(data, &br)

	if br.Error != "" || resp.StatusCode != http.StatusOK {
		err := classify(op, resp.StatusCode, br)
		if b.Log != nil {
			b.Log.WithFields(logrus.Fields{
				"config_id": cfg.ID,
				"action":    action,
				"status":    resp.StatusCode,
				"kind":      syncerr.KindOf(err),
			}).Warnf("[CRM] ⚠️ call failed: %v", err)
		}
		return err
	}
	if err := json.Unmarshal(br.Result, result); err != nil {
		return syncerr.Permanent(op, fmt.Errorf("failed to decode CRM result: %w", err))
	}
	return nil
}

// classify maps a failed CRM response onto the error taxonomy.
func classify(op string, status int, br bitrixResponse) error {
	msg := br.Error
	if br.ErrorDescription != "" {
		msg = strings.TrimSpace(msg + " " + br.ErrorDescription)
	}
	if msg == "" {
		msg = http.StatusText(status)
	}
	err := fmt.Errorf("CRM returned %d: %s", status, msg)

	switch br.Error {
	case "QUERY_LIMIT_EXCEEDED", "OPERATION_TIME_LIMIT", "INTERNAL_SERVER_ERROR":
		return syncerr.Transient(op, err)
	}
	if strings.Contains(strings.ToLower(br.ErrorDescription), "not found") {
		return syncerr.Permanent(op, err)
	}
	switch {
	case status == http.StatusTooManyRequests || status >= 500:
		return syncerr.Transient(op, err)
	case status >= 400:
		return syncerr.Permanent(op, err)
	}
	// 200 with an unknown error code
	return syncerr.Permanent(op, errors.Join(err, errors.New("unrecognised CRM error")))
}

func flatten(v any) any {
	list, ok := v.([]any)
	if !ok || len(list) == 0 {
		return v
	}
	if obj, ok := list[0].(map[string]any); ok {
		if val, ok := obj["VALUE"]; ok {
			return val
		}
	}
	return v
}

func encodeValue(field string, v any) any {
	if b, ok := v.(bool); ok {
		if b {
			return "Y"
		}
		return "N"
	}
	if v == nil {
		return ""
	}
	if multiFields[field] {
		return []map[string]any{{"VALUE": v, "VALUE_TYPE": "WORK"}}
	}
	return v
}
