package postgres

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"

	domainErrors "github.com/cassiomorais/checkout/internal/domain/errors"
	"github.com/cassiomorais/checkout/internal/domain/transaction"
	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"
	"github.com/jackc/pgx/v5/pgxpool"
)

const transactionColumns = `id, idempotency_key, status, payment_method, lines, buyer, contract,
	gross_amount::text, net_amount::text, vat_amount::text, currency, agent_id,
	provider_tx_id, reference, last_error, receipt_url, invoice_url, contract_url,
	version, created_at, updated_at, completed_at`

// TransactionRepository implements transaction.Repository using PostgreSQL.
type TransactionRepository struct {
	pool *pgxpool.Pool
}

// NewTransactionRepository creates a new TransactionRepository.
func NewTransactionRepository(pool *pgxpool.Pool) *TransactionRepository {
	return &TransactionRepository{pool: pool}
}

func (r *TransactionRepository) db(ctx context.Context) DBTX {
	return ConnFromCtx(ctx, r.pool)
}

// scanner is satisfied by both pgx.Row and pgx.Rows.
type scanner interface {
	Scan(dest ...any) error
}

// JSON shapes of the jsonb columns. Kept separate from the domain types so
// the stored format does not follow Go field renames.
type lineJSON struct {
	ItemID           string `json:"item_id"`
	Quantity         int    `json:"quantity"`
	UnitPriceCents   int64  `json:"unit_price_cents"`
	VATRateBP        int    `json:"vat_rate_bp"`
	RequiresContract bool   `json:"requires_contract"`
}

type buyerJSON struct {
	Name           string `json:"name"`
	Email          string `json:"email"`
	BillingAddress string `json:"billing_address"`
}

type contractJSON struct {
	SignatureRef string `json:"signature_ref"`
	Terms        string `json:"terms"`
}

type referenceJSON struct {
	SlipNumber string `json:"slip_number"`
	RRN        string `json:"rrn"`
	Note       string `json:"note"`
}

func encodeTransactionJSON(tx *transaction.Transaction) (lines, buyer, contract, reference []byte, err error) {
	ls := make([]lineJSON, len(tx.Lines))
	for i, l := range tx.Lines {
		ls[i] = lineJSON(l)
	}
	if lines, err = json.Marshal(ls); err != nil {
		return nil, nil, nil, nil, fmt.Errorf("marshal lines: %w", err)
	}
	if buyer, err = json.Marshal(buyerJSON(tx.Buyer)); err != nil {
		return nil, nil, nil, nil, fmt.Errorf("marshal buyer: %w", err)
	}
	if tx.Contract != nil {
		if contract, err = json.Marshal(contractJSON(*tx.Contract)); err != nil {
			return nil, nil, nil, nil, fmt.Errorf("marshal contract: %w", err)
		}
	}
	if tx.Reference != nil {
		if reference, err = json.Marshal(referenceJSON(*tx.Reference)); err != nil {
			return nil, nil, nil, nil, fmt.Errorf("marshal reference: %w", err)
		}
	}
	return lines, buyer, contract, reference, nil
}

// Create inserts a new transaction.
func (r *TransactionRepository) Create(ctx context.Context, tx *transaction.Transaction) error {
	lines, buyer, contract, reference, err := encodeTransactionJSON(tx)
	if err != nil {
		return err
	}

	_, err = r.db(ctx).Exec(ctx,
		`INSERT INTO transactions
		 (id, idempotency_key, status, payment_method, lines, buyer, contract,
		  gross_amount, net_amount, vat_amount, currency, agent_id,
		  provider_tx_id, reference, last_error, receipt_url, invoice_url, contract_url,
		  version, created_at, updated_at, completed_at)
		 VALUES ($1,$2,$3,$4,$5,$6,$7,$8,$9,$10,$11,$12,$13,$14,$15,$16,$17,$18,$19,$20,$21,$22)`,
		tx.ID, tx.IdempotencyKey, string(tx.Status), string(tx.PaymentMethod), lines, buyer, contract,
		minorUnitsToNumeric(tx.Totals.GrossCents), minorUnitsToNumeric(tx.Totals.NetCents), minorUnitsToNumeric(tx.Totals.VATCents),
		tx.Totals.Currency, tx.AgentID,
		tx.ProviderTxID, reference, tx.LastError, tx.Documents.ReceiptURL, tx.Documents.InvoiceURL, tx.Documents.ContractURL,
		tx.Version, tx.CreatedAt, tx.UpdatedAt, tx.CompletedAt,
	)
	if err != nil {
		var pgErr *pgconn.PgError
		if errors.As(err, &pgErr) && pgErr.Code == "23505" {
			return domainErrors.ErrDuplicateIdempotencyKey
		}
		return fmt.Errorf("insert transaction: %w", err)
	}
	return nil
}

// GetByID retrieves a transaction by its ID.
func (r *TransactionRepository) GetByID(ctx context.Context, id uuid.UUID) (*transaction.Transaction, error) {
	return r.scanTransaction(r.db(ctx).QueryRow(ctx,
		`SELECT `+transactionColumns+` FROM transactions WHERE id = $1`, id))
}

// GetByIDForUpdate retrieves a transaction and locks its row until the
// surrounding database transaction ends.
func (r *TransactionRepository) GetByIDForUpdate(ctx context.Context, id uuid.UUID) (*transaction.Transaction, error) {
	return r.scanTransaction(r.db(ctx).QueryRow(ctx,
		`SELECT `+transactionColumns+` FROM transactions WHERE id = $1 FOR UPDATE`, id))
}

// GetByIdempotencyKey retrieves a transaction by idempotency key.
func (r *TransactionRepository) GetByIdempotencyKey(ctx context.Context, key string) (*transaction.Transaction, error) {
	return r.scanTransaction(r.db(ctx).QueryRow(ctx,
		`SELECT `+transactionColumns+` FROM transactions WHERE idempotency_key = $1`, key))
}

// Update persists mutable fields with optimistic locking and bumps Version.
func (r *TransactionRepository) Update(ctx context.Context, tx *transaction.Transaction) error {
	_, _, _, reference, err := encodeTransactionJSON(tx)
	if err != nil {
		return err
	}

	tag, err := r.db(ctx).Exec(ctx,
		`UPDATE transactions SET
		  status=$1, agent_id=$2, provider_tx_id=$3, reference=$4, last_error=$5,
		  receipt_url=$6, invoice_url=$7, contract_url=$8,
		  version=$9, updated_at=$10, completed_at=$11
		 WHERE id=$12 AND version=$13`,
		string(tx.Status), tx.AgentID, tx.ProviderTxID, reference, tx.LastError,
		tx.Documents.ReceiptURL, tx.Documents.InvoiceURL, tx.Documents.ContractURL,
		tx.Version+1, tx.UpdatedAt, tx.CompletedAt,
		tx.ID, tx.Version,
	)
	if err != nil {
		return fmt.Errorf("update transaction: %w", err)
	}
	if tag.RowsAffected() == 0 {
		return domainErrors.ErrOptimisticLockFailed
	}
	tx.Version++
	return nil
}

// AddEvent inserts a transaction event.
func (r *TransactionRepository) AddEvent(ctx context.Context, event *transaction.Event) error {
	data, err := json.Marshal(event.EventData)
	if err != nil {
		return fmt.Errorf("marshal event data: %w", err)
	}
	_, err = r.db(ctx).Exec(ctx,
		`INSERT INTO transaction_events (id, transaction_id, event_type, event_data, created_at)
		 VALUES ($1, $2, $3, $4, $5)`,
		event.ID, event.TransactionID, event.EventType, data, event.CreatedAt,
	)
	if err != nil {
		return fmt.Errorf("insert transaction event: %w", err)
	}
	return nil
}

// GetEvents retrieves events for a transaction, oldest first.
func (r *TransactionRepository) GetEvents(ctx context.Context, transactionID uuid.UUID) ([]*transaction.Event, error) {
	rows, err := r.db(ctx).Query(ctx,
		`SELECT id, transaction_id, event_type, event_data, created_at
		 FROM transaction_events WHERE transaction_id = $1 ORDER BY created_at ASC`, transactionID,
	)
	if err != nil {
		return nil, fmt.Errorf("list transaction events: %w", err)
	}
	defer rows.Close()

	var events []*transaction.Event
	for rows.Next() {
		e := &transaction.Event{}
		var data []byte
		if err := rows.Scan(&e.ID, &e.TransactionID, &e.EventType, &data, &e.CreatedAt); err != nil {
			return nil, fmt.Errorf("scan event: %w", err)
		}
		if err := json.Unmarshal(data, &e.EventData); err != nil {
			return nil, fmt.Errorf("unmarshal event data: %w", err)
		}
		events = append(events, e)
	}
	return events, rows.Err()
}

// scanTransaction scans a transaction from any source implementing the scanner interface.
func (r *TransactionRepository) scanTransaction(s scanner) (*transaction.Transaction, error) {
	tx := &transaction.Transaction{}
	var (
		status, method      string
		lines, buyer        []byte
		contract, reference []byte
		gross, net, vat     string
	)
	err := s.Scan(
		&tx.ID, &tx.IdempotencyKey, &status, &method, &lines, &buyer, &contract,
		&gross, &net, &vat, &tx.Totals.Currency, &tx.AgentID,
		&tx.ProviderTxID, &reference, &tx.LastError,
		&tx.Documents.ReceiptURL, &tx.Documents.InvoiceURL, &tx.Documents.ContractURL,
		&tx.Version, &tx.CreatedAt, &tx.UpdatedAt, &tx.CompletedAt,
	)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return nil, domainErrors.ErrTransactionNotFound
		}
		return nil, fmt.Errorf("scan transaction: %w", err)
	}

	tx.Status = transaction.Status(status)
	tx.PaymentMethod = transaction.PaymentMethod(method)

	for dst, raw := range map[*int64]string{&tx.Totals.GrossCents: gross, &tx.Totals.NetCents: net, &tx.Totals.VATCents: vat} {
		v, err := numericToMinorUnits(raw)
		if err != nil {
			return nil, fmt.Errorf("parse totals: %w", err)
		}
		*dst = v
	}

	if err := decodeTransactionJSON(tx, lines, buyer, contract, reference); err != nil {
		return nil, err
	}
	return tx, nil
}

func decodeTransactionJSON(tx *transaction.Transaction, lines, buyer, contract, reference []byte) error {
	var ls []lineJSON
	if err := json.Unmarshal(lines, &ls); err != nil {
		return fmt.Errorf("unmarshal lines: %w", err)
	}
	tx.Lines = make([]transaction.Line, len(ls))
	for i, l := range ls {
		tx.Lines[i] = transaction.Line(l)
	}

	var b buyerJSON
	if len(buyer) > 0 {
		if err := json.Unmarshal(buyer, &b); err != nil {
			return fmt.Errorf("unmarshal buyer: %w", err)
		}
	}
	tx.Buyer = transaction.Buyer(b)

	if len(contract) > 0 {
		var c contractJSON
		if err := json.Unmarshal(contract, &c); err != nil {
			return fmt.Errorf("unmarshal contract: %w", err)
		}
		tc := transaction.Contract(c)
		tx.Contract = &tc
	}
	if len(reference) > 0 {
		var ref referenceJSON
		if err := json.Unmarshal(reference, &ref); err != nil {
			return fmt.Errorf("unmarshal reference: %w", err)
		}
		tr := transaction.Reference(ref)
		tx.Reference = &tr
	}
	return nil
}
