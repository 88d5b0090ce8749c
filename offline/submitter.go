package offline

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"strings"
	"time"

	"github.com/rs/zerolog/log"

	"passport-quest/models"
	"passport-quest/utils"
)

// TokenProvider hands out the current bearer token and refreshes it when the
// server reports it invalid.
type TokenProvider interface {
	Token(ctx context.Context) (string, error)
	Refresh(ctx context.Context) (string, error)
}

// ErrNoRefresh is returned by providers that cannot mint a new token.
var ErrNoRefresh = errors.New("token refresh not supported")

// StaticTokenProvider serves a fixed token.
type StaticTokenProvider string

func (p StaticTokenProvider) Token(context.Context) (string, error) {
	if p == "" {
		return "", errors.New("no access token configured")
	}
	return string(p), nil
}

func (p StaticTokenProvider) Refresh(context.Context) (string, error) {
	return "", ErrNoRefresh
}

// OutcomeKind is how a delivery attempt ended, from the queue's point of view.
type OutcomeKind int

const (
	OutcomeTransient OutcomeKind = iota
	OutcomeAccepted
	OutcomeDuplicate
	OutcomeRejected
	OutcomeUndeliverable
)

func (k OutcomeKind) String() string {
	switch k {
	case OutcomeAccepted:
		return "accepted"
	case OutcomeDuplicate:
		return "duplicate"
	case OutcomeRejected:
		return "rejected"
	case OutcomeUndeliverable:
		return "undeliverable"
	default:
		return "transient"
	}
}

// Terminal outcomes remove the event from the queue.
func (k OutcomeKind) Terminal() bool {
	return k != OutcomeTransient
}

// Outcome is the classified result of one delivery attempt.
type Outcome struct {
	Kind     OutcomeKind
	Response *models.CompletionResponse // set for accepted, duplicate, rejected
	Err      error                      // cause for transient and undeliverable
}

// Submitter posts queued claims to POST /quests/complete.
type Submitter struct {
	BaseURL string
	Tokens  TokenProvider
	Client  *http.Client
	Store   *Store
}

func NewSubmitter(baseURL string, tokens TokenProvider, store *Store, timeout time.Duration) *Submitter {
	return &Submitter{
		BaseURL: strings.TrimRight(baseURL, "/"),
		Tokens:  tokens,
		Client:  utils.NewHTTPClient(timeout),
		Store:   store,
	}
}

// Deliver submits one queued event and applies the resulting queue action.
// The returned error is a local storage failure; delivery failures are in
// the Outcome.
func (s *Submitter) Deliver(ctx context.Context, ev *OfflineEvent) (Outcome, error) {
	var out Outcome

	decoded, err := ev.Decode()
	switch {
	case err != nil:
		// Unreadable rows can never be delivered.
		out = Outcome{Kind: OutcomeUndeliverable, Err: err}
	default:
		switch e := decoded.(type) {
		case QuestCompletionEvent:
			out = s.Submit(ctx, &e.Request)
		default:
			out = Outcome{Kind: OutcomeUndeliverable, Err: fmt.Errorf("%w: %T", ErrUnknownEventKind, decoded)}
		}
	}

	logEv := log.Info().
		Uint64("event_id", ev.ID).
		Str("device_event_id", ev.DeviceEventID).
		Str("outcome", out.Kind.String())

	if out.Kind.Terminal() {
		if out.Response != nil && out.Response.Reason != "" {
			logEv = logEv.Str("reason", string(out.Response.Reason))
		}
		if out.Err != nil {
			logEv = logEv.Err(out.Err)
		}
		logEv.Msg("[SYNC] delivered")
		return out, s.Store.MarkSuccess(ctx, ev.ID)
	}

	next, storeErr := s.Store.MarkRetry(ctx, ev.ID, ev.RetryCount+1, out.Err.Error())
	logEv.Err(out.Err).Int("retry_count", ev.RetryCount+1).Time("next_eligible_at", next).Msg("⚠️ [SYNC] will retry")
	return out, storeErr
}

// Submit sends req once, refreshing the token and retrying once if the server
// answers 401 invalid jwt.
func (s *Submitter) Submit(ctx context.Context, req *models.CompletionRequest) Outcome {
	body, err := json.Marshal(req)
	if err != nil {
		return Outcome{Kind: OutcomeUndeliverable, Err: err}
	}

	token, err := s.Tokens.Token(ctx)
	if err != nil {
		return Outcome{Kind: OutcomeTransient, Err: fmt.Errorf("no token: %w", err)}
	}

	status, respBody, err := s.post(ctx, token, body)
	if err != nil {
		return Outcome{Kind: OutcomeTransient, Err: err}
	}

	if status == http.StatusUnauthorized && isInvalidJWT(respBody) {
		token, err = s.Tokens.Refresh(ctx)
		if err != nil {
			return Outcome{Kind: OutcomeTransient, Err: fmt.Errorf("token refresh: %w", err)}
		}
		status, respBody, err = s.post(ctx, token, body)
		if err != nil {
			return Outcome{Kind: OutcomeTransient, Err: err}
		}
	}

	return classify(status, respBody)
}

func (s *Submitter) post(ctx context.Context, token string, body []byte) (int, []byte, error) {
	httpReq, err := http.NewRequestWithContext(ctx, http.MethodPost, s.BaseURL+"/quests/complete", bytes.NewReader(body))
	if err != nil {
		return 0, nil, err
	}
	httpReq.Header.Set("Content-Type", "application/json")
	httpReq.Header.Set("Authorization", "Bearer "+token)

	resp, err := s.Client.Do(httpReq)
	if err != nil {
		return 0, nil, fmt.Errorf("post completion: %w", err)
	}
	defer resp.Body.Close()

	respBody, err := io.ReadAll(io.LimitReader(resp.Body, 64<<10))
	if err != nil {
		return 0, nil, fmt.Errorf("read completion response: %w", err)
	}
	return resp.StatusCode, respBody, nil
}

// classify treats only a decoded 2xx with a known status as final.
func classify(status int, body []byte) Outcome {
	if status < 200 || status > 299 {
		return Outcome{Kind: OutcomeTransient, Err: fmt.Errorf("server returned %d: %s", status, truncate(body, 200))}
	}

	var resp models.CompletionResponse
	if err := json.Unmarshal(body, &resp); err != nil {
		return Outcome{Kind: OutcomeTransient, Err: fmt.Errorf("undecodable response: %w", err)}
	}

	switch resp.Status {
	case models.CompletionAccepted:
		return Outcome{Kind: OutcomeAccepted, Response: &resp}
	case models.CompletionDuplicate:
		return Outcome{Kind: OutcomeDuplicate, Response: &resp}
	case models.CompletionRejected:
		return Outcome{Kind: OutcomeRejected, Response: &resp}
	default:
		return Outcome{Kind: OutcomeTransient, Err: fmt.Errorf("unknown completion status %q", resp.Status)}
	}
}

func isInvalidJWT(body []byte) bool {
	return strings.Contains(strings.ToLower(string(body)), "invalid jwt")
}

func truncate(b []byte, n int) string {
	if len(b) <= n {
		return string(b)
	}
	return string(b[:n]) + "…"
}
