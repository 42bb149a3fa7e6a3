package gateway

import (
	"errors"
	"net/http"

	"github.com/gin-gonic/gin"
	"github.com/sirupsen/logrus"
	"github.com/terminal-bench/civicledger/pkg/circuit"
	"github.com/terminal-bench/civicledger/pkg/models"
)

// First match wins
var statusTable = []struct {
	err    error
	status int
}{
	{models.ErrNotFound, http.StatusNotFound},
	{models.ErrInvalidInput, http.StatusBadRequest},
	{models.ErrSelfDelegation, http.StatusBadRequest},
	{models.ErrSelfVote, http.StatusBadRequest},
	{models.ErrUnauthorized, http.StatusForbidden},
	{models.ErrQuizNotPassed, http.StatusForbidden},
	{models.ErrDelegateeNotCompetent, http.StatusForbidden},
	{models.ErrInsufficientBalance, http.StatusPaymentRequired},
	{models.ErrDuplicateVote, http.StatusConflict},
	{models.ErrDuplicateDelegation, http.StatusConflict},
	{models.ErrAlreadyVoted, http.StatusConflict},
	{models.ErrAlreadyDelegated, http.StatusConflict},
	{models.ErrAlreadyIntegrated, http.StatusConflict},
	{models.ErrQuizExists, http.StatusConflict},
	{models.ErrDuplicateAccount, http.StatusConflict},
	{models.ErrDelegationInactive, http.StatusConflict},
	{models.ErrConcurrentModification, http.StatusConflict},
	{models.ErrVotingClosed, http.StatusUnprocessableEntity},
	{models.ErrNotEligible, http.StatusUnprocessableEntity},
	{circuit.ErrCircuitOpen, http.StatusServiceUnavailable},
}

func statusFor(err error) int {
	for _, row := range statusTable {
		if errors.Is(err, row.err) {
			return row.status
		}
	}
	return http.StatusInternalServerError
}

// abort writes err as a JSON error. Internal errors are logged and not
// echoed to the client.
func (g *Gateway) abort(c *gin.Context, err error) {
	status := statusFor(err)
	if status == http.StatusInternalServerError {
		g.log.WithError(err).WithFields(logrus.Fields{
			"path":           c.FullPath(),
			"correlation_id": c.GetString(ctxCorrelationID),
		}).Error("request error")
		c.AbortWithStatusJSON(status, gin.H{"error": "internal error"})
		return
	}
	c.AbortWithStatusJSON(status, gin.H{"error": err.Error()})
}
