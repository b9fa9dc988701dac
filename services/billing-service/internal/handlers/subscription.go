package handlers

import (
	"encoding/json"
	"errors"
	"io"
	"net/http"
	"strings"

	"github.com/md-rashed-zaman/carebill/services/billing-service/internal/upgrade"
)

type cancelRequest struct {
	Reason string `json:"reason"`
}

func (h *Handler) CancelSubscription(w http.ResponseWriter, r *http.Request) {
	uid := userID(r)
	if uid == "" {
		http.Error(w, "missing user", http.StatusUnauthorized)
		return
	}
	var req cancelRequest
	if err := json.NewDecoder(io.LimitReader(r.Body, 64<<10)).Decode(&req); err != nil && !errors.Is(err, io.EOF) {
		http.Error(w, "invalid json body", http.StatusBadRequest)
		return
	}
	reason := strings.TrimSpace(req.Reason)
	if len(reason) > 500 {
		reason = reason[:500]
	}

	res := h.canceler.Initiate(r.Context(), uid, reason)
	code := http.StatusOK
	if !res.OK {
		code = http.StatusUnprocessableEntity
	}
	writeJSON(w, code, res)
}

func (h *Handler) UpgradeSubscription(w http.ResponseWriter, r *http.Request) {
	uid := userID(r)
	if uid == "" {
		http.Error(w, "missing user", http.StatusUnauthorized)
		return
	}
	var req upgrade.Request
	if err := json.NewDecoder(io.LimitReader(r.Body, 64<<10)).Decode(&req); err != nil {
		http.Error(w, "invalid json body", http.StatusBadRequest)
		return
	}
	req.UserID = uid
	req.Payment.RemoteIP = remoteIP(r)

	res := h.upgrader.Upgrade(r.Context(), req)
	code := http.StatusOK
	if !res.OK {
		code = http.StatusUnprocessableEntity
	}
	writeJSON(w, code, res)
}
