package handlers

import (
	"errors"
	"io"
	"net/http"
	"strconv"

	"github.com/gin-gonic/gin"
	"github.com/shopspring/decimal"

	"github.com/example/palmpay/internal/auth"
	"github.com/example/palmpay/internal/authn"
	"github.com/example/palmpay/internal/imaging"
	"github.com/example/palmpay/internal/repository"
	"github.com/example/palmpay/internal/wallet"
)

// MaxUploadSize bounds palm image uploads.
const MaxUploadSize = 8 << 20

var allowedImageTypes = map[string]bool{
	"image/png":  true,
	"image/jpeg": true,
	"image/gif":  true,
}

// RegisterRoutes wires the HTTP handlers to the Gin router.
func RegisterRoutes(router *gin.Engine, engine *authn.Engine, ledger *wallet.Ledger, authMiddleware gin.HandlerFunc) {
	router.GET("/health", func(c *gin.Context) {
		c.JSON(http.StatusOK, gin.H{"status": "ok"})
	})

	router.POST("/enroll", authMiddleware, func(c *gin.Context) {
		identity, ok := auth.GetAccountID(c.Request.Context())
		if !ok {
			c.JSON(http.StatusUnauthorized, gin.H{"error": "not authenticated"})
			return
		}
		data, ok := readImageFile(c)
		if !ok {
			return
		}

		count, err := engine.Enroll(c.Request.Context(), identity, data)
		if err != nil {
			switch {
			case errors.Is(err, imaging.ErrDecode):
				c.JSON(http.StatusBadRequest, gin.H{"error": err.Error()})
			case errors.Is(err, imaging.ErrLowQuality), errors.Is(err, imaging.ErrNoFeatures):
				c.JSON(http.StatusUnprocessableEntity, gin.H{"error": err.Error()})
			default:
				c.JSON(http.StatusInternalServerError, gin.H{"error": "enrollment failed"})
			}
			return
		}

		// every enrolled identity gets a wallet account
		if _, err := ledger.OpenAccount(c.Request.Context(), identity, identity); err != nil {
			c.JSON(http.StatusInternalServerError, gin.H{"error": "account setup failed"})
			return
		}

		c.JSON(http.StatusOK, gin.H{"identity": identity, "descriptors": count})
	})

	router.POST("/authenticate", func(c *gin.Context) {
		data, ok := readImageFile(c)
		if !ok {
			return
		}

		res, err := engine.Authenticate(c.Request.Context(), data, c.ClientIP())
		if err != nil {
			c.JSON(http.StatusInternalServerError, gin.H{"error": "authentication failed"})
			return
		}
		c.JSON(outcomeStatus(res.Outcome), res)
	})

	router.GET("/attempts/:id", func(c *gin.Context) {
		requestID := c.Param("id")
		attempt, err := engine.GetAttempt(c.Request.Context(), requestID)
		if err != nil {
			c.JSON(http.StatusNotFound, gin.H{"error": "attempt not found"})
			return
		}
		resp := gin.H{
			"request_id": attempt.RequestID,
			"score":      attempt.Score,
			"outcome":    attempt.Outcome,
		}
		if attempt.Identity != nil {
			resp["identity"] = *attempt.Identity
		}
		c.JSON(http.StatusOK, resp)
	})

	router.GET("/metrics/attempts", func(c *gin.Context) {
		summary, err := engine.GetMetricsSummary(c.Request.Context())
		if err != nil {
			c.JSON(http.StatusInternalServerError, gin.H{"error": "metrics unavailable"})
			return
		}
		c.JSON(http.StatusOK, summary)
	})

	router.POST("/wallet/deposit", authMiddleware, func(c *gin.Context) {
		accountID, ok := auth.GetAccountID(c.Request.Context())
		if !ok {
			c.JSON(http.StatusUnauthorized, gin.H{"error": "not authenticated"})
			return
		}
		amount, ok := parseAmount(c)
		if !ok {
			return
		}
		memo := c.DefaultPostForm("memo", "wallet deposit")

		rec, err := ledger.Deposit(c.Request.Context(), accountID, amount, memo)
		if err != nil {
			writeLedgerError(c, err)
			return
		}
		c.JSON(http.StatusOK, transactionJSON(rec))
	})

	router.POST("/wallet/withdraw", authMiddleware, func(c *gin.Context) {
		accountID, ok := auth.GetAccountID(c.Request.Context())
		if !ok {
			c.JSON(http.StatusUnauthorized, gin.H{"error": "not authenticated"})
			return
		}
		amount, ok := parseAmount(c)
		if !ok {
			return
		}
		memo := c.DefaultPostForm("memo", "wallet withdrawal")

		rec, err := ledger.Withdraw(c.Request.Context(), accountID, amount, memo)
		if err != nil {
			writeLedgerError(c, err)
			return
		}
		c.JSON(http.StatusOK, transactionJSON(rec))
	})

	// Palm-gated payment: the palm scan is the credential, no bearer token.
	// The authenticated identity becomes the sender.
	router.POST("/wallet/pay", func(c *gin.Context) {
		recipient := c.PostForm("recipient")
		if recipient == "" {
			c.JSON(http.StatusBadRequest, gin.H{"error": "recipient is required"})
			return
		}
		amount, ok := parseAmount(c)
		if !ok {
			return
		}
		memo := c.PostForm("memo")
		data, ok := readImageFile(c)
		if !ok {
			return
		}

		res, err := engine.Authenticate(c.Request.Context(), data, c.ClientIP())
		if err != nil {
			c.JSON(http.StatusInternalServerError, gin.H{"error": "authentication failed"})
			return
		}
		if res.Outcome != authn.OutcomeAccepted {
			c.JSON(http.StatusUnauthorized, gin.H{
				"error":      res.Message,
				"request_id": res.RequestID,
				"outcome":    res.Outcome,
			})
			return
		}

		rec, err := ledger.Transfer(c.Request.Context(), res.Identity, recipient, amount, memo)
		if err != nil {
			writeLedgerError(c, err)
			return
		}
		c.JSON(http.StatusOK, gin.H{
			"request_id":  res.RequestID,
			"transaction": transactionJSON(rec),
		})
	})

	router.POST("/wallet/validate", authMiddleware, func(c *gin.Context) {
		accountID, ok := auth.GetAccountID(c.Request.Context())
		if !ok {
			c.JSON(http.StatusUnauthorized, gin.H{"error": "not authenticated"})
			return
		}
		amount, ok := parseAmount(c)
		if !ok {
			return
		}
		valid, reason := ledger.Validate(c.Request.Context(), accountID, c.PostForm("recipient"), amount)
		c.JSON(http.StatusOK, gin.H{"valid": valid, "reason": reason})
	})

	router.POST("/wallet/refund", authMiddleware, func(c *gin.Context) {
		transactionID := c.PostForm("transaction_id")
		if transactionID == "" {
			c.JSON(http.StatusBadRequest, gin.H{"error": "transaction_id is required"})
			return
		}
		reason := c.DefaultPostForm("reason", "refund")

		rec, err := ledger.Refund(c.Request.Context(), transactionID, reason)
		if err != nil {
			writeLedgerError(c, err)
			return
		}
		c.JSON(http.StatusOK, transactionJSON(rec))
	})

	router.GET("/wallet/balance", authMiddleware, func(c *gin.Context) {
		accountID, ok := auth.GetAccountID(c.Request.Context())
		if !ok {
			c.JSON(http.StatusUnauthorized, gin.H{"error": "not authenticated"})
			return
		}
		balance, err := ledger.Balance(c.Request.Context(), accountID)
		if err != nil {
			writeLedgerError(c, err)
			return
		}
		c.JSON(http.StatusOK, gin.H{"account_id": accountID, "balance": balance.String()})
	})

	router.GET("/wallet/history", authMiddleware, func(c *gin.Context) {
		accountID, ok := auth.GetAccountID(c.Request.Context())
		if !ok {
			c.JSON(http.StatusUnauthorized, gin.H{"error": "not authenticated"})
			return
		}
		limit := 50
		if raw := c.Query("limit"); raw != "" {
			parsed, err := strconv.Atoi(raw)
			if err != nil || parsed < 1 {
				c.JSON(http.StatusBadRequest, gin.H{"error": "invalid limit"})
				return
			}
			limit = parsed
		}

		txs, err := ledger.History(c.Request.Context(), accountID, limit)
		if err != nil {
			c.JSON(http.StatusInternalServerError, gin.H{"error": "history unavailable"})
			return
		}
		out := make([]gin.H, len(txs))
		for i, tx := range txs {
			out[i] = transactionJSON(tx)
		}
		c.JSON(http.StatusOK, gin.H{"account_id": accountID, "transactions": out})
	})
}

// readImageFile pulls the uploaded palm image out of the multipart form,
// rejecting oversized or non-image payloads before any processing runs.
func readImageFile(c *gin.Context) ([]byte, bool) {
	file, err := c.FormFile("image")
	if err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": "image file is required"})
		return nil, false
	}
	if file.Size > MaxUploadSize {
		c.JSON(http.StatusRequestEntityTooLarge, gin.H{"error": "image too large"})
		return nil, false
	}
	if ct := file.Header.Get("Content-Type"); ct != "" && !allowedImageTypes[ct] {
		c.JSON(http.StatusUnsupportedMediaType, gin.H{"error": "unsupported image type"})
		return nil, false
	}

	src, err := file.Open()
	if err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": "unable to open image"})
		return nil, false
	}
	defer src.Close()

	data, err := io.ReadAll(src)
	if err != nil {
		c.JSON(http.StatusInternalServerError, gin.H{"error": "failed to read image"})
		return nil, false
	}
	return data, true
}

func parseAmount(c *gin.Context) (decimal.Decimal, bool) {
	raw := c.PostForm("amount")
	if raw == "" {
		c.JSON(http.StatusBadRequest, gin.H{"error": "amount is required"})
		return decimal.Zero, false
	}
	amount, err := decimal.NewFromString(raw)
	if err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": "invalid amount"})
		return decimal.Zero, false
	}
	return amount, true
}

func outcomeStatus(outcome string) int {
	switch outcome {
	case authn.OutcomeAccepted:
		return http.StatusOK
	case authn.OutcomeFailed:
		return http.StatusBadRequest
	default:
		return http.StatusUnauthorized
	}
}

func writeLedgerError(c *gin.Context, err error) {
	switch {
	case errors.Is(err, wallet.ErrInvalidAmount),
		errors.Is(err, wallet.ErrSelfTransfer),
		errors.Is(err, wallet.ErrNotRefundable):
		c.JSON(http.StatusBadRequest, gin.H{"error": err.Error()})
	case errors.Is(err, wallet.ErrInsufficientFunds):
		c.JSON(http.StatusUnprocessableEntity, gin.H{"error": err.Error()})
	case errors.Is(err, wallet.ErrAccountNotFound),
		errors.Is(err, wallet.ErrTransactionNotFound):
		c.JSON(http.StatusNotFound, gin.H{"error": err.Error()})
	case errors.Is(err, wallet.ErrAlreadyRefunded):
		c.JSON(http.StatusConflict, gin.H{"error": err.Error()})
	default:
		c.JSON(http.StatusInternalServerError, gin.H{"error": "ledger operation failed"})
	}
}

func transactionJSON(tx *repository.LedgerTransaction) gin.H {
	out := gin.H{
		"id":          tx.ID,
		"receiver_id": tx.ReceiverID,
		"amount":      tx.Amount.String(),
		"kind":        tx.Kind,
		"status":      tx.Status,
		"memo":        tx.Memo,
		"created_at":  tx.CreatedAt,
	}
	if tx.SenderID != nil {
		out["sender_id"] = *tx.SenderID
	}
	if tx.RefID != nil {
		out["ref_id"] = *tx.RefID
	}
	return out
}
