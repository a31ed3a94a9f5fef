package api

import (
	"errors"
	"log"
	"net/http"
	"strconv"

	"github.com/gin-gonic/gin"

	"signal-core/internal/keys"
	"signal-core/internal/signal"
	"signal-core/pkg/db"
)

// postSignal ingests one webhook signal, fans it out over every
// trading-eligible user, and answers synchronously with the verdicts.
func (s *Server) postSignal(c *gin.Context) {
	var payload signal.Payload
	if err := c.ShouldBindJSON(&payload); err != nil {
		respondError(c, http.StatusBadRequest, "INVALID_PAYLOAD", "invalid signal payload")
		return
	}

	sig, err := signal.Parse(payload)
	if err != nil {
		respondError(c, http.StatusBadRequest, "INVALID_SIGNAL", err.Error())
		return
	}

	if !sig.Kind.Known() {
		// Unknown vocabulary is dropped, not erred.
		log.Printf("dropping unknown signal kind %q for %s", payload.Kind, payload.Symbol)
		c.JSON(http.StatusOK, gin.H{
			"accepted": false,
			"reason":   signal.ReasonUnknownKind,
		})
		return
	}

	outcomes := s.Engine.ProcessAll(c.Request.Context(), sig)
	accepted := 0
	for _, out := range outcomes {
		if out.Accepted {
			accepted++
		}
	}
	c.JSON(http.StatusOK, gin.H{
		"accepted": accepted > 0,
		"outcomes": outcomes,
	})
}

// getPositions returns the caller's position history, newest first.
func (s *Server) getPositions(c *gin.Context) {
	userID := CurrentUserID(c)
	if userID == "" {
		respondError(c, http.StatusUnauthorized, "UNAUTHENTICATED", "unauthorized")
		return
	}

	limit := 50
	if raw := c.Query("limit"); raw != "" {
		if n, err := strconv.Atoi(raw); err == nil && n > 0 && n <= 500 {
			limit = n
		}
	}

	positions, err := s.Positions.History(c.Request.Context(), userID, limit)
	if err != nil {
		respondError(c, http.StatusInternalServerError, "INTERNAL_ERROR", err.Error())
		return
	}
	c.JSON(http.StatusOK, gin.H{"positions": positions})
}

type createCredentialRequest struct {
	Exchange    string `json:"exchange" binding:"required"`
	Environment string `json:"environment" binding:"required"`
	APIKey      string `json:"api_key" binding:"required"`
	APISecret   string `json:"api_secret" binding:"required"`
}

// createCredential validates and stores a new API key pair for the
// caller. Pre-flight failures surface the venue's own error.
func (s *Server) createCredential(c *gin.Context) {
	userID := CurrentUserID(c)
	if userID == "" {
		respondError(c, http.StatusUnauthorized, "UNAUTHENTICATED", "unauthorized")
		return
	}

	var req createCredentialRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		respondError(c, http.StatusBadRequest, "INVALID_REQUEST", "invalid request payload")
		return
	}

	cred, err := s.Keys.SetCredential(c.Request.Context(), userID, req.Exchange, req.Environment, req.APIKey, req.APISecret)
	if err != nil {
		var pre *keys.PreflightError
		switch {
		case errors.As(err, &pre):
			respondError(c, http.StatusUnprocessableEntity, "PREFLIGHT_FAILED", pre.Error())
		case errors.Is(err, keys.ErrUnsupportedExchange),
			errors.Is(err, keys.ErrBadEnvironment),
			errors.Is(err, keys.ErrKeyLength),
			errors.Is(err, keys.ErrSecretLength):
			respondError(c, http.StatusBadRequest, "INVALID_CREDENTIAL", err.Error())
		default:
			respondError(c, http.StatusInternalServerError, "INTERNAL_ERROR", err.Error())
		}
		return
	}

	c.JSON(http.StatusCreated, gin.H{
		"id":                cred.ID,
		"exchange":          cred.Exchange,
		"environment":       cred.Environment,
		"status":            cred.Status,
		"last_validated_at": cred.LastValidatedAt,
	})
}

// listCredentials returns the caller's credential history. Sealed
// material never leaves the store.
func (s *Server) listCredentials(c *gin.Context) {
	userID := CurrentUserID(c)
	if userID == "" {
		respondError(c, http.StatusUnauthorized, "UNAUTHENTICATED", "unauthorized")
		return
	}

	creds, err := s.Keys.ListCredentials(c.Request.Context(), userID)
	if err != nil {
		respondError(c, http.StatusInternalServerError, "INTERNAL_ERROR", err.Error())
		return
	}

	out := make([]gin.H, 0, len(creds))
	for _, cred := range creds {
		out = append(out, gin.H{
			"id":                cred.ID,
			"exchange":          cred.Exchange,
			"environment":       cred.Environment,
			"status":            cred.Status,
			"is_active":         cred.IsActive,
			"last_validated_at": cred.LastValidatedAt,
		})
	}
	c.JSON(http.StatusOK, gin.H{"credentials": out})
}

// deactivateCredential retires one credential row.
func (s *Server) deactivateCredential(c *gin.Context) {
	userID := CurrentUserID(c)
	if userID == "" {
		respondError(c, http.StatusUnauthorized, "UNAUTHENTICATED", "unauthorized")
		return
	}

	if err := s.Keys.Deactivate(c.Request.Context(), userID, c.Param("id")); err != nil {
		if errors.Is(err, db.ErrNotFound) {
			respondError(c, http.StatusNotFound, "NOT_FOUND", "credential not found")
			return
		}
		respondError(c, http.StatusInternalServerError, "INTERNAL_ERROR", err.Error())
		return
	}
	c.JSON(http.StatusOK, gin.H{"deactivated": true})
}
