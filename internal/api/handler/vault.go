package handler

import (
	"context"
	"encoding/json"
	"io"
	"log/slog"
	"net/http"

	"github.com/kiranshivaraju/gas/internal/api/response"
	"github.com/kiranshivaraju/gas/pkg/models"
)

const maxNotificationBytes = 1 << 20

// Enqueuer puts a message body on a named queue.
type Enqueuer interface {
	Send(ctx context.Context, queue string, body []byte) (string, error)
}

// NewVaultNotificationHandler returns an http.HandlerFunc for
// POST /api/v1/vault/notifications. The vault's retrieval-complete notice,
// bare or wrapped in a topic envelope, is validated and queued for the
// restorer.
func NewVaultNotificationHandler(q Enqueuer, queueName string) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		body, err := io.ReadAll(io.LimitReader(r.Body, maxNotificationBytes))
		if err != nil {
			response.Error(w, http.StatusBadRequest, "INVALID_REQUEST", "Could not read body", nil)
			return
		}

		payload, err := models.UnwrapMessage(body)
		if err != nil {
			response.Error(w, http.StatusBadRequest, "INVALID_REQUEST", "Invalid JSON body", nil)
			return
		}
		var notice models.RetrievalNotice
		if err := json.Unmarshal(payload, &notice); err != nil {
			response.Error(w, http.StatusBadRequest, "INVALID_REQUEST", "Invalid retrieval notice", nil)
			return
		}
		if err := notice.Validate(); err != nil {
			response.Error(w, http.StatusBadRequest, "VALIDATION_ERROR", err.Error(), nil)
			return
		}

		id, err := q.Send(r.Context(), queueName, payload)
		if err != nil {
			slog.Error("enqueue retrieval notice failed", "archive_id", notice.ArchiveID, "error", err)
			response.Error(w, http.StatusBadGateway, "ENQUEUE_FAILED", "Notice could not be queued", nil)
			return
		}

		slog.Info("retrieval notice queued", "archive_id", notice.ArchiveID, "retrieval_id", notice.JobID, "message_id", id)
		response.Accepted(w, map[string]string{"message_id": id})
	}
}
