package redisx

import (
	"fmt"
	"time"
)

const (
	// Per-product stock mutation lock: stock_lock:{product_id} -> holder token
	KeyStockLock = "stock_lock:%s"

	// Product snapshot cache: product:{product_id} -> JSON product
	KeyProduct        = "product:%s"
	KeyProductPattern = "product:*"

	// Dedup event processing: dedup:{service}:{event_id}
	KeyDedup = "dedup:%s:%s"
)

var (
	TTLStockLock    = 30 * time.Second
	TTLProductCache = time.Hour
	TTLDedup        = 48 * time.Hour
)

func StockLockKey(productID string) string { return fmt.Sprintf(KeyStockLock, productID) }

func ProductKey(productID string) string { return fmt.Sprintf(KeyProduct, productID) }

func DedupKey(service, eventID string) string { return fmt.Sprintf(KeyDedup, service, eventID) }
