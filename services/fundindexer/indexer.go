package fundindexer

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"net/url"
	"strconv"
	"strings"
	"time"

	"nhooyr.io/websocket"

	"fundvault/core/events"
	"fundvault/core/types"
	"fundvault/observability/metrics"
)

// Indexer tails the node's event stream and materialises it into the
// relational store. Delivery is at-least-once: the cursor only advances
// after the row is durable, and the receipt ledger drops redeliveries.
type Indexer struct {
	streamURL   *url.URL
	dialTimeout time.Duration
	backoffMin  time.Duration
	backoffMax  time.Duration

	store   *Store
	cursor  *CursorStore
	logger  *slog.Logger
	metrics *metrics.IndexerMetrics

	lastSequence uint64
}

// New builds an indexer resuming from the persisted cursor.
func New(cfg Config, store *Store, cursor *CursorStore, logger *slog.Logger) (*Indexer, error) {
	if store == nil {
		return nil, errors.New("store is required")
	}
	if cursor == nil {
		return nil, errors.New("cursor store is required")
	}
	if logger == nil {
		logger = slog.Default()
	}
	streamURL, err := cfg.StreamURL()
	if err != nil {
		return nil, err
	}
	last, err := cursor.Cursor()
	if err != nil {
		return nil, fmt.Errorf("load cursor: %w", err)
	}
	dialTimeout := cfg.DialTimeout
	if dialTimeout <= 0 {
		dialTimeout = 5 * time.Second
	}
	backoffMin := cfg.BackoffMin
	if backoffMin <= 0 {
		backoffMin = time.Second
	}
	backoffMax := cfg.BackoffMax
	if backoffMax < backoffMin {
		backoffMax = backoffMin
	}
	return &Indexer{
		streamURL:    streamURL,
		dialTimeout:  dialTimeout,
		backoffMin:   backoffMin,
		backoffMax:   backoffMax,
		store:        store,
		cursor:       cursor,
		logger:       logger,
		metrics:      metrics.Indexer(),
		lastSequence: last,
	}, nil
}

// LastSequence returns the sequence of the last event durably indexed.
func (ix *Indexer) LastSequence() uint64 {
	if ix == nil {
		return 0
	}
	return ix.lastSequence
}

// Run consumes the stream until the context is cancelled, reconnecting
// with exponential backoff after failures.
func (ix *Indexer) Run(ctx context.Context) error {
	backoff := ix.backoffMin
	for {
		consumed, err := ix.streamOnce(ctx)
		if ctx.Err() != nil {
			return ctx.Err()
		}
		if consumed > 0 {
			backoff = ix.backoffMin
		}
		ix.logger.Warn("event stream interrupted", "error", err, "retry_in", backoff.String())
		ix.metrics.IncReconnect()
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-time.After(backoff):
		}
		backoff *= 2
		if backoff > ix.backoffMax {
			backoff = ix.backoffMax
		}
	}
}

func (ix *Indexer) streamOnce(ctx context.Context) (int, error) {
	endpoint := *ix.streamURL
	query := url.Values{}
	query.Set("cursor", strconv.FormatUint(ix.lastSequence, 10))
	endpoint.RawQuery = query.Encode()

	dialCtx, cancel := context.WithTimeout(ctx, ix.dialTimeout)
	conn, _, err := websocket.Dial(dialCtx, endpoint.String(), nil)
	cancel()
	if err != nil {
		return 0, fmt.Errorf("dial event stream: %w", err)
	}
	defer conn.Close(websocket.StatusNormalClosure, "indexer stopping")

	consumed := 0
	for {
		_, data, err := conn.Read(ctx)
		if err != nil {
			return consumed, err
		}
		var evt types.Event
		if err := json.Unmarshal(data, &evt); err != nil {
			ix.metrics.ObserveEventSkipped("decode_error")
			ix.logger.Warn("undecodable stream message", "error", err)
			continue
		}
		if err := ix.handleEvent(ctx, evt); err != nil {
			return consumed, err
		}
		consumed++
	}
}

// handleEvent persists one stream event. Malformed events are skipped but
// still advance the cursor; store failures abort the stream so the event is
// redelivered after reconnect.
func (ix *Indexer) handleEvent(ctx context.Context, evt types.Event) error {
	if evt.Sequence == 0 {
		ix.metrics.ObserveEventSkipped("malformed")
		return nil
	}
	if evt.Sequence <= ix.lastSequence {
		ix.metrics.ObserveEventSkipped("replay")
		return nil
	}
	receipt := strings.TrimSpace(evt.Attributes["receipt"])
	if receipt != "" {
		seen, err := ix.cursor.SeenReceipt(receipt)
		if err != nil {
			return fmt.Errorf("check receipt: %w", err)
		}
		if seen {
			ix.metrics.ObserveEventSkipped("duplicate_receipt")
			return ix.commit(evt.Sequence, "")
		}
	}

	var (
		inserted bool
		err      error
	)
	switch evt.Type {
	case events.TypeContributionRecorded:
		var row Contribution
		row, err = contributionFromEvent(evt)
		if err == nil {
			inserted, err = ix.store.RecordContribution(ctx, row)
			if err != nil {
				ix.metrics.IncStoreFailure("contribution")
			}
		}
	case events.TypeFundsWithdrawn:
		var row Withdrawal
		row, err = withdrawalFromEvent(evt)
		if err == nil {
			inserted, err = ix.store.RecordWithdrawal(ctx, row)
			if err != nil {
				ix.metrics.IncStoreFailure("withdrawal")
			}
		}
	case events.TypeOracleUpdated:
		var row OracleRotation
		row, err = rotationFromEvent(evt)
		if err == nil {
			inserted, err = ix.store.RecordOracleRotation(ctx, row)
			if err != nil {
				ix.metrics.IncStoreFailure("oracle_rotation")
			}
		}
	default:
		ix.metrics.ObserveEventSkipped("unhandled_type")
		return ix.commit(evt.Sequence, "")
	}

	var malformed malformedEventError
	if errors.As(err, &malformed) {
		ix.metrics.ObserveEventSkipped("malformed")
		ix.logger.Warn("malformed stream event", "type", evt.Type, "sequence", evt.Sequence, "error", err)
		return ix.commit(evt.Sequence, "")
	}
	if err != nil {
		return err
	}
	if inserted {
		ix.metrics.ObserveEventIngested(evt.Type)
		ix.logger.Info("event indexed", "type", evt.Type, "sequence", evt.Sequence)
	} else {
		ix.metrics.ObserveEventSkipped("duplicate_row")
	}
	return ix.commit(evt.Sequence, receipt)
}

func (ix *Indexer) commit(sequence uint64, receipt string) error {
	if err := ix.cursor.Commit(sequence, receipt); err != nil {
		ix.metrics.IncStoreFailure("cursor")
		return fmt.Errorf("commit cursor: %w", err)
	}
	ix.lastSequence = sequence
	ix.metrics.SetCursor(sequence)
	return nil
}

// malformedEventError marks events that can never be persisted; they are
// skipped instead of retried.
type malformedEventError struct {
	reason string
}

func (e malformedEventError) Error() string { return e.reason }

func contributionFromEvent(evt types.Event) (Contribution, error) {
	funder := strings.TrimSpace(evt.Attributes["funder"])
	amount := strings.TrimSpace(evt.Attributes["amount"])
	usd := strings.TrimSpace(evt.Attributes["usdValue"])
	receipt := strings.TrimSpace(evt.Attributes["receipt"])
	if funder == "" || amount == "" || receipt == "" {
		return Contribution{}, malformedEventError{reason: "contribution missing funder, amount or receipt"}
	}
	return Contribution{
		Sequence:  evt.Sequence,
		Receipt:   receipt,
		Funder:    funder,
		Amount:    amount,
		USDValue:  usd,
		EmittedAt: time.Unix(evt.Timestamp, 0).UTC(),
	}, nil
}

func withdrawalFromEvent(evt types.Event) (Withdrawal, error) {
	to := strings.TrimSpace(evt.Attributes["to"])
	amount := strings.TrimSpace(evt.Attributes["amount"])
	receipt := strings.TrimSpace(evt.Attributes["receipt"])
	if to == "" || amount == "" || receipt == "" {
		return Withdrawal{}, malformedEventError{reason: "withdrawal missing to, amount or receipt"}
	}
	funders, err := strconv.ParseUint(strings.TrimSpace(evt.Attributes["funders"]), 10, 64)
	if err != nil {
		return Withdrawal{}, malformedEventError{reason: "withdrawal funders count unparsable"}
	}
	return Withdrawal{
		Sequence:     evt.Sequence,
		Receipt:      receipt,
		To:           to,
		Amount:       amount,
		FundersReset: funders,
		EmittedAt:    time.Unix(evt.Timestamp, 0).UTC(),
	}, nil
}

func rotationFromEvent(evt types.Event) (OracleRotation, error) {
	next := strings.TrimSpace(evt.Attributes["next"])
	if next == "" {
		return OracleRotation{}, malformedEventError{reason: "oracle rotation missing next feed"}
	}
	version, err := strconv.ParseUint(strings.TrimSpace(evt.Attributes["version"]), 10, 64)
	if err != nil {
		return OracleRotation{}, malformedEventError{reason: "oracle rotation version unparsable"}
	}
	return OracleRotation{
		Sequence:  evt.Sequence,
		Previous:  strings.TrimSpace(evt.Attributes["previous"]),
		Next:      next,
		Version:   version,
		EmittedAt: time.Unix(evt.Timestamp, 0).UTC(),
	}, nil
}
