package api

import (
	"bytes"
	"crypto/hmac"
	"encoding/json"
	"io"
	"net/http"

	"cryptopay/internal/common/api"
	"cryptopay/internal/invoice/notify"
)

const maxHintBody = 64 << 10

// HintPayload is sent by a ledger watcher that saw activity for an invoice.
// A hint only triggers an early poll; the probe remains the source of truth.
type HintPayload struct {
	InvoiceID string `json:"invoice_id" validate:"required,invoice_id"`
	TxID      string `json:"txid,omitempty"`
}

// HintResponse reports whether a poll was scheduled.
type HintResponse struct {
	Nudged bool `json:"nudged"`
}

// Hint handles POST /webhooks/hint. The body must carry a hex HMAC-SHA256
// signature in the notify.SignatureHeader header.
func (h *Handler) Hint(w http.ResponseWriter, r *http.Request) {
	body, err := io.ReadAll(io.LimitReader(r.Body, maxHintBody))
	if err != nil {
		api.BadRequest(w, "failed to read body")
		return
	}
	defer r.Body.Close()

	signature := r.Header.Get(notify.SignatureHeader)
	expected := notify.Sign(h.hintSecret, body)
	if signature == "" || !hmac.Equal([]byte(expected), []byte(signature)) {
		h.logger.Warn("hint rejected: bad signature", "remote_addr", r.RemoteAddr)
		api.Unauthorized(w, "invalid signature")
		return
	}

	var payload HintPayload
	if err := json.NewDecoder(bytes.NewReader(body)).Decode(&payload); err != nil {
		api.BadRequest(w, "invalid json")
		return
	}
	if err := api.Validate.Struct(payload); err != nil {
		api.ValidationError(w, err)
		return
	}

	nudged := h.service.Nudge(payload.InvoiceID)
	h.logger.Info("payment hint received",
		"invoice_id", payload.InvoiceID,
		"txid", payload.TxID,
		"nudged", nudged,
	)

	api.WriteData(w, http.StatusAccepted, HintResponse{Nudged: nudged})
}
