package handler

import (
	"context"
	"errors"
	"log/slog"
	"net/http"

	"github.com/go-chi/chi/v5"
	mw "github.com/kiranshivaraju/gas/internal/api/middleware"
	"github.com/kiranshivaraju/gas/internal/api/response"
	"github.com/kiranshivaraju/gas/internal/bus"
	"github.com/kiranshivaraju/gas/internal/profile"
	"github.com/kiranshivaraju/gas/internal/store"
	"github.com/kiranshivaraju/gas/pkg/models"
)

// ArchiveLister finds a user's archived jobs.
type ArchiveLister interface {
	ListJobsByFilter(ctx context.Context, userID string, filter store.JobFilter) ([]*models.Job, error)
}

// RoleSetter changes a user's tier. Nil when the accounts database is owned
// elsewhere and has already been updated.
type RoleSetter interface {
	SetRole(ctx context.Context, userID, role string) error
}

type upgradeResult struct {
	UserID        string `json:"user_id"`
	ThawRequested int    `json:"thaw_requested"`
	MessageID     string `json:"message_id,omitempty"`
}

// NewUpgradeHandler returns an http.HandlerFunc for
// POST /api/v1/users/{userID}/upgrade. It asks for every archived job of the
// user that is not already being retrieved to be thawed. Nothing is
// published when there is nothing to thaw.
func NewUpgradeHandler(jobs ArchiveLister, roles RoleSetter, pub bus.Publisher, topic string) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		userID := chi.URLParam(r, "userID")
		if caller, ok := mw.GetUserID(r); ok && caller != userID {
			response.Error(w, http.StatusForbidden, "FORBIDDEN", "Cannot upgrade another user", nil)
			return
		}
		logger := slog.With("user_id", userID)

		if roles != nil {
			err := roles.SetRole(r.Context(), userID, models.RolePremiumUser)
			if errors.Is(err, profile.ErrNotFound) {
				response.Error(w, http.StatusNotFound, "USER_NOT_FOUND", "User not found", nil)
				return
			}
			if err != nil {
				logger.Error("set role failed", "error", err)
				response.InternalError(w)
				return
			}
		}

		archived, err := jobs.ListJobsByFilter(r.Context(), userID, store.ArchivedNotThawing())
		if err != nil {
			logger.Error("list archived jobs failed", "error", err)
			response.InternalError(w)
			return
		}

		result := upgradeResult{UserID: userID, ThawRequested: len(archived)}
		if len(archived) == 0 {
			response.Accepted(w, result)
			return
		}

		req := models.ThawRequest{ArchivesData: make([]models.ArchiveRef, 0, len(archived))}
		for _, j := range archived {
			req.ArchivesData = append(req.ArchivesData, models.ArchiveRef{
				JobID:                j.JobID,
				UserID:               j.UserID,
				ResultsFileArchiveID: *j.ResultsFileArchiveID,
			})
		}
		result.MessageID, err = pub.Publish(r.Context(), topic, req)
		if err != nil {
			logger.Error("publish thaw request failed", "error", err)
			response.Error(w, http.StatusBadGateway, "PUBLISH_FAILED", "Thaw request could not be queued", nil)
			return
		}

		logger.Info("thaw requested", "archives", len(archived))
		response.Accepted(w, result)
	}
}
