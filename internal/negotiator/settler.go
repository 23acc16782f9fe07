package negotiator

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"strconv"
	"time"

	xerrors "TaskMesh-Chain/internal/errors"

	"github.com/google/uuid"
	"github.com/tidwall/gjson"
)

// ProtocolURI identifies the agent-to-agent proposal message format.
const ProtocolURI = "a2a://taskmesh-negotiation/1.0"

// Proposal is what the orchestrator offers a counterparty.
type Proposal struct {
	TaskID         string
	ThreadID       string
	CounterpartyID string
	Capabilities   []string
	URL            string
	Price          float64
	Priced         bool
	Currency       string
}

// Settler performs the round-trip with a counterparty. A nil error means the
// counterparty accepted; NEGOTIATION_REJECTED means it declined and the
// negotiator may fall back to an alternate.
type Settler interface {
	Settle(ctx context.Context, p Proposal) error
}

// AcceptAll accepts every proposal. It is used when counterparties publish
// fixed pricing and no negotiation endpoint.
type AcceptAll struct{}

// Settle implements Settler.
func (AcceptAll) Settle(context.Context, Proposal) error { return nil }

// ThreadID derives the stable conversation id for a task and counterparty.
func ThreadID(taskID, counterpartyID string) string {
	return "a2a:" + taskID + ":" + counterpartyID
}

// Message is the agent-to-agent envelope posted to a counterparty.
type Message struct {
	ID        string         `json:"id"`
	Protocol  string         `json:"protocol"`
	Type      string         `json:"type"`
	From      string         `json:"from"`
	To        string         `json:"to"`
	ThreadID  string         `json:"thid"`
	Timestamp string         `json:"timestamp"`
	Body      map[string]any `json:"body"`
}

// HTTPSettler posts a proposal message to the counterparty's negotiation
// URL. A 2xx reply with "accepted": true accepts; anything the counterparty
// answers otherwise, or failing to reach it, counts as a decline.
type HTTPSettler struct {
	client *http.Client
	from   string
	now    func() time.Time
}

// NewHTTPSettler returns a settler identifying itself as from.
func NewHTTPSettler(from string, timeout time.Duration) *HTTPSettler {
	if timeout <= 0 {
		timeout = 10 * time.Second
	}
	if from == "" {
		from = "taskmesh"
	}
	return &HTTPSettler{
		client: &http.Client{Timeout: timeout},
		from:   from,
		now:    func() time.Time { return time.Now().UTC() },
	}
}

// NewMessage builds the proposal envelope for p.
func (s *HTTPSettler) NewMessage(p Proposal) Message {
	body := map[string]any{
		"task_id":      p.TaskID,
		"capabilities": p.Capabilities,
	}
	if p.Priced {
		body["amount"] = strconv.FormatFloat(p.Price, 'f', -1, 64)
		body["currency"] = p.Currency
	}
	return Message{
		ID:        uuid.NewString(),
		Protocol:  ProtocolURI,
		Type:      "task/proposal",
		From:      s.from,
		To:        p.CounterpartyID,
		ThreadID:  p.ThreadID,
		Timestamp: s.now().Format(time.RFC3339Nano),
		Body:      body,
	}
}

// Settle implements Settler. Counterparties without a negotiation URL accept
// their published terms implicitly.
func (s *HTTPSettler) Settle(ctx context.Context, p Proposal) error {
	if p.URL == "" {
		return nil
	}
	payload, err := json.Marshal(s.NewMessage(p))
	if err != nil {
		return xerrors.Wrap(xerrors.CodeInvalidArgument, err, "encode proposal")
	}
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, p.URL, bytes.NewReader(payload))
	if err != nil {
		return declined(p, "invalid negotiation url")
	}
	req.Header.Set("Content-Type", "application/json")

	resp, err := s.client.Do(req)
	if err != nil {
		if ctx.Err() != nil {
			return ctx.Err()
		}
		return declined(p, "unreachable: "+err.Error())
	}
	defer resp.Body.Close()
	body, _ := io.ReadAll(io.LimitReader(resp.Body, 64<<10))

	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		return declined(p, fmt.Sprintf("status %d", resp.StatusCode))
	}
	reply := gjson.ParseBytes(body)
	if !reply.Get("accepted").Bool() {
		msg := reply.Get("reason").String()
		if msg == "" {
			msg = "proposal declined"
		}
		return declined(p, msg)
	}
	return nil
}

func declined(p Proposal, reason string) error {
	return xerrors.New(xerrors.CodeNegotiationRejected, reason,
		xerrors.WithMetadata("counterparty", p.CounterpartyID),
		xerrors.WithMetadata("thread_id", p.ThreadID),
	)
}
