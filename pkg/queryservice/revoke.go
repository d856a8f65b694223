package queryservice

import (
	"context"
	"errors"
	"io"
	"net/http"

	"github.com/common-fate/clio"
	"github.com/common-fate/jit/pkg/lifecycle"
	"github.com/common-fate/jit/pkg/revocation"
	"github.com/go-chi/chi/v5"
	"go.uber.org/zap"
)

// maxEventBytes bounds the size of a revocation callback body.
const maxEventBytes = 1 << 20

// Revoker carries out a revocation. It is satisfied by *lifecycle.Orchestrator.
type Revoker interface {
	Revoke(ctx context.Context, task revocation.Task) (lifecycle.RevokeResult, error)
}

// RevokeRoutes mounts POST /revocations, which the external scheduler calls
// with the revocation event once its revoke_at time has passed. Use it as
// RouterOptions.ExtraRoutes.
func RevokeRoutes(rv Revoker) func(chi.Router) {
	return func(r chi.Router) {
		r.Post("/revocations", func(w http.ResponseWriter, req *http.Request) {
			body, err := io.ReadAll(io.LimitReader(req.Body, maxEventBytes))
			if err != nil {
				writeError(w, http.StatusBadRequest, err)
				return
			}
			ev, err := revocation.ParseEvent(body)
			if err != nil {
				writeError(w, http.StatusBadRequest, err)
				return
			}

			res, err := rv.Revoke(req.Context(), ev.ToolParams)
			if err != nil {
				clio.Errorw("revocation callback failed", "eventId", ev.EventID, "grant", ev.ToolParams.GrantName, zap.Error(err))
				writeError(w, http.StatusBadGateway, errors.New("revocation failed, retry later"))
				return
			}
			writeJSON(w, http.StatusOK, revokeResponse{
				EventID:       ev.EventID,
				RequestID:     res.RequestID,
				GrantName:     res.GrantName,
				AlreadyAbsent: res.AlreadyAbsent,
				Status:        res.Status,
				LedgerUpdated: res.LedgerUpdated,
			})
		})
	}
}

type revokeResponse struct {
	EventID       string `json:"event_id"`
	RequestID     string `json:"request_id,omitempty"`
	GrantName     string `json:"grant_name"`
	AlreadyAbsent bool   `json:"already_absent"`
	Status        string `json:"status,omitempty"`
	LedgerUpdated bool   `json:"ledger_updated"`
}
