package adapters

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"strings"
	"time"
)

const DefaultTimeout = 30 * time.Second

// Downstream target identifiers.
const (
	TargetLedger = "chitty_ledger"
	TargetChain  = "chitty_chain"
	TargetVerify = "chitty_verify"
	TargetTrust  = "chitty_trust"
)

// augmentFunc adds target-specific fields to the common payload body.
type augmentFunc func(p Payload, now time.Time) map[string]any

type httpAdapter struct {
	target         string
	endpoint       string
	path           string
	serviceName    string
	serviceVersion string
	timeout        time.Duration
	client         *http.Client
	now            func() time.Time
	augment        augmentFunc
}

func (a *httpAdapter) Target() string { return a.target }

// Deliver POSTs the payload and normalizes the response. The returned error is
// reserved for request-construction problems; network and HTTP failures come back
// as a non-success Result so the dispatcher can count the attempt either way.
func (a *httpAdapter) Deliver(ctx context.Context, p Payload) (Result, error) {
	body := map[string]any{}
	common, err := json.Marshal(p)
	if err != nil {
		return Result{}, fmt.Errorf("marshal payload: %w", err)
	}
	if err := json.Unmarshal(common, &body); err != nil {
		return Result{}, fmt.Errorf("flatten payload: %w", err)
	}
	if a.augment != nil {
		for k, v := range a.augment(p, a.now().UTC()) {
			body[k] = v
		}
	}
	data, err := json.Marshal(body)
	if err != nil {
		return Result{}, fmt.Errorf("marshal body: %w", err)
	}

	ctx, cancel := context.WithTimeout(ctx, a.timeout)
	defer cancel()
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, a.endpoint+a.path, bytes.NewReader(data))
	if err != nil {
		return Result{}, err
	}
	req.Header.Set("Content-Type", "application/json")
	req.Header.Set("X-Chitty-Source", a.serviceName)
	req.Header.Set("X-Chitty-Version", a.serviceVersion)

	res, err := a.client.Do(req)
	if err != nil {
		return Result{
			StatusCode: 0,
			Message:    fmt.Sprintf("%s unreachable: %v", a.target, err),
		}, nil
	}
	defer res.Body.Close()
	raw, _ := io.ReadAll(io.LimitReader(res.Body, 64<<10))

	if res.StatusCode < 200 || res.StatusCode >= 300 {
		msg := responseMessage(raw)
		if msg == "" {
			msg = strings.TrimSpace(string(raw))
		}
		return Result{
			StatusCode: res.StatusCode,
			Message:    fmt.Sprintf("%s returned status %d: %s", a.target, res.StatusCode, msg),
			RawBody:    string(raw),
		}, nil
	}
	return Result{
		Success:    true,
		StatusCode: res.StatusCode,
		ExternalID: externalID(raw),
		RawBody:    string(raw),
	}, nil
}

// externalID takes the first of id, transactionId, externalId present in the body.
func externalID(raw []byte) string {
	var body map[string]any
	if err := json.Unmarshal(raw, &body); err != nil {
		return ""
	}
	for _, key := range []string{"id", "transactionId", "externalId"} {
		if v, ok := body[key]; ok {
			if s, ok := v.(string); ok && s != "" {
				return s
			}
		}
	}
	return ""
}

func responseMessage(raw []byte) string {
	var body struct {
		Message string `json:"message"`
	}
	if err := json.Unmarshal(raw, &body); err != nil {
		return ""
	}
	return body.Message
}

// Target-specific payload augmentation. Kept adapter-local so the outbox and
// dispatcher stay target-agnostic.
var augmentations = map[string]augmentFunc{
	TargetLedger: func(p Payload, now time.Time) map[string]any {
		return map[string]any{
			"immutable":     true,
			"distributedAt": now.Format(time.RFC3339),
		}
	},
	TargetChain: func(p Payload, now time.Time) map[string]any {
		return map[string]any{
			"notarizationType": "evidence_record",
		}
	},
	TargetVerify: func(p Payload, now time.Time) map[string]any {
		return map[string]any{
			"requiresHumanReview": p.Status != "approved" || p.VisibilityScope == "attorney_only",
		}
	},
	TargetTrust: func(p Payload, now time.Time) map[string]any {
		return map[string]any{
			"recomputeScore": true,
		}
	},
}
