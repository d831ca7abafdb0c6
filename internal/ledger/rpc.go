package ledger

import (
	"bytes"
	"context"
	"encoding/json"
	"io"
	"net/http"
	"time"

	"github.com/pkg/errors"
	"github.com/rs/zerolog/log"
)

// RPCConfig configures the HTTP ledger gateway.
type RPCConfig struct {
	Endpoint      string
	APIKey        string
	SubmitTimeout time.Duration
	ReadTimeout   time.Duration
}

// RPCGateway talks JSON over HTTP to the ledger relay that fronts the
// on-chain ticket program. Signing and account derivation happen on the
// relay; this client only ever sees operation payloads and references.
type RPCGateway struct {
	cfg RPCConfig
	hc  *http.Client
}

// NewRPCGateway creates the production gateway.
func NewRPCGateway(cfg RPCConfig) (*RPCGateway, error) {
	if cfg.Endpoint == "" {
		return nil, errors.New("ledger endpoint is empty")
	}
	if cfg.SubmitTimeout <= 0 {
		cfg.SubmitTimeout = 10 * time.Second
	}
	if cfg.ReadTimeout <= 0 {
		cfg.ReadTimeout = 5 * time.Second
	}

	return &RPCGateway{
		cfg: cfg,
		// The client timeout is a backstop; per-call deadlines come
		// from the context set in Submit/Confirm/Read.
		hc: &http.Client{Timeout: cfg.SubmitTimeout + 5*time.Second},
	}, nil
}

// Submit sends one operation to the ledger and returns its transaction
// reference. The relay treats the fingerprint as an idempotency key and
// answers a replay with the original transaction reference.
func (g *RPCGateway) Submit(ctx context.Context, sub *Submission) (string, error) {
	ctx, cancel := context.WithTimeout(ctx, g.cfg.SubmitTimeout)
	defer cancel()

	var reply struct {
		TxRef string `json:"tx_ref"`
	}
	if err := g.do(ctx, http.MethodPost, "/v1/operations", sub, &reply); err != nil {
		return "", err
	}
	if reply.TxRef == "" {
		return "", errors.New("ledger returned empty tx ref")
	}

	log.Debug().
		Str("fingerprint", sub.Fingerprint).
		Str("type", string(sub.Type)).
		Str("tx_ref", reply.TxRef).
		Msg("Operation submitted to ledger")

	return reply.TxRef, nil
}

// Confirm reports the confirmation status of a submitted transaction.
func (g *RPCGateway) Confirm(ctx context.Context, txRef string) (TxStatus, error) {
	ctx, cancel := context.WithTimeout(ctx, g.cfg.ReadTimeout)
	defer cancel()

	var reply struct {
		Status TxStatus `json:"status"`
	}
	if err := g.do(ctx, http.MethodGet, "/v1/transactions/"+txRef, nil, &reply); err != nil {
		return TxPending, err
	}

	switch reply.Status {
	case TxPending, TxConfirmed, TxFailed:
		return reply.Status, nil
	default:
		return TxPending, errors.Errorf("unknown transaction status %q", reply.Status)
	}
}

// Read fetches the current on-ledger state for a ticket account.
func (g *RPCGateway) Read(ctx context.Context, accountRef string) (*TicketSnapshot, error) {
	ctx, cancel := context.WithTimeout(ctx, g.cfg.ReadTimeout)
	defer cancel()

	var snapshot TicketSnapshot
	if err := g.do(ctx, http.MethodGet, "/v1/tickets/"+accountRef, nil, &snapshot); err != nil {
		return nil, err
	}
	return &snapshot, nil
}

func (g *RPCGateway) do(ctx context.Context, method, path string, body, out interface{}) error {
	var reader io.Reader
	if body != nil {
		data, err := json.Marshal(body)
		if err != nil {
			return errors.Wrap(err, "failed to marshal request body")
		}
		reader = bytes.NewReader(data)
	}

	req, err := http.NewRequestWithContext(ctx, method, g.cfg.Endpoint+path, reader)
	if err != nil {
		return errors.Wrap(err, "failed to build ledger request")
	}
	req.Header.Set("Content-Type", "application/json")
	if g.cfg.APIKey != "" {
		req.Header.Set("Authorization", "Bearer "+g.cfg.APIKey)
	}

	resp, err := g.hc.Do(req)
	if err != nil {
		// Network failure or deadline: transient, the dispatcher will
		// retry with the same fingerprint.
		return errors.Wrap(err, "ledger call failed")
	}
	defer resp.Body.Close()

	switch {
	case resp.StatusCode == http.StatusNotFound:
		return ErrAccountNotFound
	case resp.StatusCode == http.StatusConflict || resp.StatusCode == http.StatusUnprocessableEntity:
		// The program rejected the operation on a business rule.
		var rej struct {
			Code    string `json:"code"`
			Message string `json:"message"`
		}
		if err := json.NewDecoder(resp.Body).Decode(&rej); err != nil {
			return &RejectionError{Code: "UNKNOWN", Message: "ledger rejection with unreadable body"}
		}
		return &RejectionError{Code: rej.Code, Message: rej.Message}
	case resp.StatusCode >= 400:
		rbody, _ := io.ReadAll(resp.Body)
		return errors.Errorf("ledger call returned %d: %s", resp.StatusCode, rbody)
	}

	if out == nil {
		return nil
	}
	if err := json.NewDecoder(resp.Body).Decode(out); err != nil {
		return errors.Wrap(err, "failed to decode ledger response")
	}
	return nil
}
