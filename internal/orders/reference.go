package orders

import (
	"strings"
	"time"

	"github.com/google/uuid"
)

// NewReferenceNo returns ORD-YYYYMMDD-XXXXXXXXXXXXXXXX. The suffix comes from
// a random UUID; the orders.reference_no unique index backs it up.
func NewReferenceNo(now time.Time) string {
	hex := strings.ToUpper(strings.ReplaceAll(uuid.NewString(), "-", ""))
	return "ORD-" + now.UTC().Format("20060102") + "-" + hex[:16]
}
