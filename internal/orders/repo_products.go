package orders

import (
	"context"
	"errors"
	"fmt"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"
)

const productColumns = `id, sku, name, price, stock, reserved_stock, is_active, created_at, updated_at`

// ProductRepo is the product side of the transactional store.
type ProductRepo struct{ DB *pgxpool.Pool }

func (r *ProductRepo) GetProduct(ctx context.Context, id string) (*Product, error) {
	return scanProduct(r.DB.QueryRow(ctx, `SELECT `+productColumns+` FROM products WHERE id = $1`, id), id)
}

func (r *ProductRepo) ListProducts(ctx context.Context, f ProductFilter) ([]Product, error) {
	rows, err := r.DB.Query(ctx, `
		SELECT `+productColumns+`
		FROM products
		WHERE $1 OR is_active
		ORDER BY sku
		LIMIT $2 OFFSET $3`, f.IncludeInactive, pageSize(f.Limit), max(f.Offset, 0))
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var out []Product
	for rows.Next() {
		var p Product
		if err := rows.Scan(&p.ID, &p.SKU, &p.Name, &p.Price, &p.Stock, &p.ReservedStock, &p.IsActive, &p.CreatedAt, &p.UpdatedAt); err != nil {
			return nil, err
		}
		out = append(out, p)
	}
	return out, rows.Err()
}

func (r *ProductRepo) CreateProduct(ctx context.Context, p *Product) error {
	_, err := r.DB.Exec(ctx, `
		INSERT INTO products(`+productColumns+`)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9)`,
		p.ID, p.SKU, p.Name, p.Price, p.Stock, p.ReservedStock, p.IsActive, p.CreatedAt, p.UpdatedAt)
	return err
}

// UpdateProduct never touches reserved_stock; only the order workflow moves it.
func (r *ProductRepo) UpdateProduct(ctx context.Context, p *Product) error {
	ct, err := r.DB.Exec(ctx, `
		UPDATE products
		SET sku = $2, name = $3, price = $4, stock = $5, is_active = $6, updated_at = $7
		WHERE id = $1`,
		p.ID, p.SKU, p.Name, p.Price, p.Stock, p.IsActive, p.UpdatedAt)
	if err != nil {
		return err
	}
	if ct.RowsAffected() != 1 {
		return fmt.Errorf("%w: product %s", ErrNotFound, p.ID)
	}
	return nil
}

// DeleteProduct is a soft delete: order_items keep referencing the row.
func (r *ProductRepo) DeleteProduct(ctx context.Context, id string) error {
	ct, err := r.DB.Exec(ctx, `UPDATE products SET is_active = false, updated_at = now() WHERE id = $1`, id)
	if err != nil {
		return err
	}
	if ct.RowsAffected() != 1 {
		return fmt.Errorf("%w: product %s", ErrNotFound, id)
	}
	return nil
}

func scanProduct(row pgx.Row, id string) (*Product, error) {
	var p Product
	err := row.Scan(&p.ID, &p.SKU, &p.Name, &p.Price, &p.Stock, &p.ReservedStock, &p.IsActive, &p.CreatedAt, &p.UpdatedAt)
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, fmt.Errorf("%w: product %s", ErrNotFound, id)
	}
	if err != nil {
		return nil, err
	}
	return &p, nil
}
