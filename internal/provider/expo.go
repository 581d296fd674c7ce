package provider

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"regexp"
	"time"

	"golang.org/x/time/rate"

	"github.com/Novo967/Tripping-app-sub001/internal/config"
)

const DefaultExpoURL = "https://exp.host/--/api/v2/push/send"

var (
	expoTokenRe = regexp.MustCompile(`^Expo(nent)?PushToken\[.+\]$`)
	uuidTokenRe = regexp.MustCompile(`(?i)^[a-z\d]{8}-[a-z\d]{4}-[a-z\d]{4}-[a-z\d]{4}-[a-z\d]{12}$`)
)

// IsExpoPushToken reports whether s has the shape of an Expo push token.
func IsExpoPushToken(s string) bool {
	return expoTokenRe.MatchString(s) || uuidTokenRe.MatchString(s)
}

type ExpoOptions struct {
	URL         string
	AccessToken string
	QPS         float64       // sustained request rate
	Burst       int           // burst to allow short spikes
	Timeout     time.Duration // per-request timeout
	HTTPClient  *http.Client
}

// Expo submits batches to the Expo push API.
type Expo struct {
	url     string
	token   string
	timeout time.Duration
	client  *http.Client
	limiter *rate.Limiter
}

func NewExpo(opt ExpoOptions) *Expo {
	e := &Expo{
		url:     opt.URL,
		token:   opt.AccessToken,
		timeout: opt.Timeout,
		client:  opt.HTTPClient,
	}
	if e.url == "" {
		e.url = DefaultExpoURL
	}
	if e.client == nil {
		e.client = &http.Client{}
	}
	if opt.QPS > 0 {
		burst := opt.Burst
		if burst <= 0 {
			burst = 1
		}
		e.limiter = rate.NewLimiter(rate.Limit(opt.QPS), burst)
	}
	return e
}

func (e *Expo) ValidAddress(addr string) bool { return IsExpoPushToken(addr) }

type expoResponse struct {
	Data   []Ticket `json:"data"`
	Errors []struct {
		Code    string `json:"code"`
		Message string `json:"message"`
	} `json:"errors"`
}

func (e *Expo) Send(ctx context.Context, msgs []PushMessage) ([]Ticket, error) {
	if len(msgs) == 0 {
		return nil, nil
	}
	if len(msgs) > MaxChunkSize {
		return nil, fmt.Errorf("batch of %d exceeds %d messages", len(msgs), MaxChunkSize)
	}
	if e.limiter != nil {
		if err := e.limiter.Wait(ctx); err != nil {
			return nil, err
		}
	}

	b, err := json.Marshal(msgs)
	if err != nil {
		return nil, err
	}

	if e.timeout > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, e.timeout)
		defer cancel()
	}
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, e.url, bytes.NewReader(b))
	if err != nil {
		return nil, err
	}
	req.Header.Set("Accept", "application/json")
	req.Header.Set("Content-Type", "application/json")
	if e.token != "" {
		req.Header.Set("Authorization", "Bearer "+e.token)
	}

	resp, err := e.client.Do(req)
	if err != nil {
		return nil, err
	}
	defer resp.Body.Close()

	body, err := io.ReadAll(io.LimitReader(resp.Body, 1<<20))
	if err != nil {
		return nil, err
	}
	if resp.StatusCode >= 300 {
		return nil, &HTTPError{StatusCode: resp.StatusCode, Body: string(bytes.TrimSpace(body))}
	}

	var out expoResponse
	if err := json.Unmarshal(body, &out); err != nil {
		return nil, fmt.Errorf("decode push response: %w", err)
	}
	if len(out.Errors) > 0 && len(out.Data) == 0 {
		return nil, fmt.Errorf("push api: %s: %s", out.Errors[0].Code, out.Errors[0].Message)
	}
	if len(out.Data) != len(msgs) {
		return out.Data, errors.New("push api returned a ticket count different from the batch size")
	}
	return out.Data, nil
}

// FromConfig returns the Expo client, or the dummy provider when no push URL
// is configured.
func FromConfig(c config.ExpoConfig) Provider {
	if c.PushURL == "" {
		return NewDummy()
	}
	return NewExpo(ExpoOptions{
		URL:         c.PushURL,
		AccessToken: c.AccessToken,
		QPS:         c.QPS,
		Burst:       c.Burst,
		Timeout:     c.Timeout,
	})
}
