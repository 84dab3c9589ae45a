package httpx

import (
	"encoding/json"
	"net/http"

	"github.com/ariefcatur/stock-orders/internal/orders"
)

type errorResp struct {
	Error string           `json:"error"`
	Code  orders.ErrorKind `json:"code"`
}

func writeJSON(w http.ResponseWriter, code int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(code)
	_ = json.NewEncoder(w).Encode(v)
}

// writeError maps the workflow error kinds to statuses. Internal details are not leaked.
func writeError(w http.ResponseWriter, err error) {
	kind := orders.Kind(err)
	code := http.StatusInternalServerError
	msg := "internal error"
	switch kind {
	case orders.KindNotFound:
		code, msg = http.StatusNotFound, err.Error()
	case orders.KindInvalidInput:
		code, msg = http.StatusBadRequest, err.Error()
	case orders.KindInsufficientStock:
		code, msg = http.StatusUnprocessableEntity, err.Error()
	case orders.KindLockConflict:
		w.Header().Set("Retry-After", "1")
		code, msg = http.StatusConflict, err.Error()
	case orders.KindTerminalState, orders.KindInvalidTransition:
		code, msg = http.StatusConflict, err.Error()
	}
	writeJSON(w, code, errorResp{Error: msg, Code: kind})
}

func badRequest(w http.ResponseWriter, msg string) {
	writeJSON(w, http.StatusBadRequest, errorResp{Error: msg, Code: orders.KindInvalidInput})
}
