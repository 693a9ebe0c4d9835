package storage

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/go-sql-driver/mysql"
	"modernc.org/sqlite"
	sqlite3 "modernc.org/sqlite/lib"

	"github.com/rl1809/allocation-service/internal/core/domain"
	"github.com/rl1809/allocation-service/internal/port"
)

const etaLayout = "2006-01-02"

// SQLStore persists products in MySQL or SQLite. Queries stick to the
// dialect both understand.
type SQLStore struct {
	db *sql.DB
}

func NewSQLStore(db *sql.DB) *SQLStore {
	return &SQLStore{db: db}
}

// UnitOfWork matches port.UnitOfWorkFactory.
func (s *SQLStore) UnitOfWork() port.UnitOfWork {
	return newUnitOfWork(s)
}

func (s *SQLStore) begin(ctx context.Context) (session, error) {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return nil, fmt.Errorf("begin tx: %w", err)
	}
	return &sqlSession{tx: tx}, nil
}

type sqlSession struct {
	tx *sql.Tx
}

func (s *sqlSession) load(ctx context.Context, sku string) (*domain.Product, error) {
	var version int
	err := s.tx.QueryRowContext(ctx,
		`SELECT version_number FROM products WHERE sku = ?`, sku,
	).Scan(&version)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("query product: %w", err)
	}

	rows, err := s.tx.QueryContext(ctx, `
		SELECT reference, purchased_quantity, eta
		FROM batches WHERE sku = ? ORDER BY seq`, sku)
	if err != nil {
		return nil, fmt.Errorf("query batches: %w", err)
	}
	type batchRow struct {
		ref string
		qty int
		eta *time.Time
	}
	var batchRows []batchRow
	for rows.Next() {
		var (
			r   batchRow
			eta sql.NullString
		)
		if err := rows.Scan(&r.ref, &r.qty, &eta); err != nil {
			rows.Close()
			return nil, fmt.Errorf("scan batch: %w", err)
		}
		if eta.Valid {
			t, err := time.Parse(etaLayout, eta.String)
			if err != nil {
				rows.Close()
				return nil, fmt.Errorf("batch %s eta: %w", r.ref, err)
			}
			r.eta = &t
		}
		batchRows = append(batchRows, r)
	}
	if err := rows.Err(); err != nil {
		rows.Close()
		return nil, fmt.Errorf("iterate batches: %w", err)
	}
	rows.Close()

	lines, err := s.loadAllocations(ctx, sku)
	if err != nil {
		return nil, err
	}

	batches := make([]*domain.Batch, 0, len(batchRows))
	for _, r := range batchRows {
		batches = append(batches, domain.NewBatch(r.ref, sku, r.qty, r.eta, lines[r.ref]...))
	}
	return domain.NewProduct(sku, version, batches...), nil
}

func (s *sqlSession) loadAllocations(ctx context.Context, sku string) (map[string][]domain.OrderLine, error) {
	rows, err := s.tx.QueryContext(ctx, `
		SELECT batch_reference, order_id, qty
		FROM allocations WHERE sku = ? ORDER BY seq`, sku)
	if err != nil {
		return nil, fmt.Errorf("query allocations: %w", err)
	}
	defer rows.Close()

	lines := make(map[string][]domain.OrderLine)
	for rows.Next() {
		var (
			ref  string
			line = domain.OrderLine{SKU: sku}
		)
		if err := rows.Scan(&ref, &line.OrderID, &line.Qty); err != nil {
			return nil, fmt.Errorf("scan allocation: %w", err)
		}
		lines[ref] = append(lines[ref], line)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterate allocations: %w", err)
	}
	return lines, nil
}

func (s *sqlSession) skuOf(ctx context.Context, ref string) (string, error) {
	var sku string
	err := s.tx.QueryRowContext(ctx, `SELECT sku FROM batches WHERE reference = ?`, ref).Scan(&sku)
	if errors.Is(err, sql.ErrNoRows) {
		return "", nil
	}
	if err != nil {
		return "", fmt.Errorf("query batch: %w", err)
	}
	return sku, nil
}

func (s *sqlSession) skus(ctx context.Context) ([]string, error) {
	rows, err := s.tx.QueryContext(ctx, `SELECT sku FROM products ORDER BY sku`)
	if err != nil {
		return nil, fmt.Errorf("query products: %w", err)
	}
	defer rows.Close()

	var skus []string
	for rows.Next() {
		var sku string
		if err := rows.Scan(&sku); err != nil {
			return nil, fmt.Errorf("scan product: %w", err)
		}
		skus = append(skus, sku)
	}
	return skus, rows.Err()
}

func (s *sqlSession) flush(ctx context.Context, changes []*tracked) error {
	for _, c := range changes {
		if err := s.writeProduct(ctx, c); err != nil {
			return err
		}
	}
	if err := s.tx.Commit(); err != nil {
		return fmt.Errorf("commit: %w", err)
	}
	return nil
}

func (s *sqlSession) writeProduct(ctx context.Context, c *tracked) error {
	p := c.product

	if c.isNew {
		_, err := s.tx.ExecContext(ctx,
			`INSERT INTO products (sku, version_number) VALUES (?, ?)`,
			p.SKU, p.Version,
		)
		if isDuplicateKey(err) {
			return port.ErrConcurrencyConflict
		}
		if err != nil {
			return fmt.Errorf("insert product: %w", err)
		}
	} else {
		result, err := s.tx.ExecContext(ctx, `
			UPDATE products SET version_number = ?
			WHERE sku = ? AND version_number = ?`,
			p.Version, p.SKU, c.readVersion,
		)
		if err != nil {
			return fmt.Errorf("update product: %w", err)
		}
		rows, _ := result.RowsAffected()
		if rows == 0 {
			return port.ErrConcurrencyConflict
		}
	}

	for seq, b := range p.Batches() {
		read, known := c.readBatches[b.Reference]
		switch {
		case !known:
			_, err := s.tx.ExecContext(ctx, `
				INSERT INTO batches (reference, sku, purchased_quantity, eta, seq)
				VALUES (?, ?, ?, ?, ?)`,
				b.Reference, b.SKU, b.PurchasedQuantity(), formatETA(b.ETA), seq,
			)
			if isDuplicateKey(err) {
				return fmt.Errorf("%w: batch %s exists under another sku", port.ErrConcurrencyConflict, b.Reference)
			}
			if err != nil {
				return fmt.Errorf("insert batch %s: %w", b.Reference, err)
			}
		case read != b.PurchasedQuantity():
			_, err := s.tx.ExecContext(ctx,
				`UPDATE batches SET purchased_quantity = ? WHERE reference = ?`,
				b.PurchasedQuantity(), b.Reference,
			)
			if err != nil {
				return fmt.Errorf("update batch %s: %w", b.Reference, err)
			}
		}
	}

	if _, err := s.tx.ExecContext(ctx, `DELETE FROM allocations WHERE sku = ?`, p.SKU); err != nil {
		return fmt.Errorf("clear allocations: %w", err)
	}
	seq := 0
	for _, b := range p.Batches() {
		for _, line := range b.Allocations() {
			_, err := s.tx.ExecContext(ctx, `
				INSERT INTO allocations (batch_reference, order_id, sku, qty, seq)
				VALUES (?, ?, ?, ?, ?)`,
				b.Reference, line.OrderID, line.SKU, line.Qty, seq,
			)
			if err != nil {
				return fmt.Errorf("insert allocation %s: %w", line.OrderID, err)
			}
			seq++
		}
	}
	return nil
}

func (s *sqlSession) rollback() error {
	err := s.tx.Rollback()
	if errors.Is(err, sql.ErrTxDone) {
		return nil
	}
	return err
}

func formatETA(eta *time.Time) sql.NullString {
	if eta == nil {
		return sql.NullString{}
	}
	return sql.NullString{String: eta.Format(etaLayout), Valid: true}
}

func isDuplicateKey(err error) bool {
	if err == nil {
		return false
	}
	var myErr *mysql.MySQLError
	if errors.As(err, &myErr) {
		return myErr.Number == 1062
	}
	var liteErr *sqlite.Error
	if errors.As(err, &liteErr) {
		return liteErr.Code()&0xff == sqlite3.SQLITE_CONSTRAINT
	}
	return strings.Contains(err.Error(), "UNIQUE constraint failed")
}
