package handlers

import (
	"net/http"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/shopspring/decimal"
	"github.com/yourusername/school-billing/middleware"
	"github.com/yourusername/school-billing/models"
	"github.com/yourusername/school-billing/services"
)

type ChargeHandler struct {
	ledger *services.ChargeLedger
}

func NewChargeHandler(ledger *services.ChargeLedger) *ChargeHandler {
	return &ChargeHandler{ledger: ledger}
}

type RecordPaymentRequest struct {
	Amount      decimal.Decimal           `json:"amount"`
	Method      models.PaymentMethod      `json:"method"`
	ExternalRef string                    `json:"externalRef"`
	Status      models.VerificationStatus `json:"status"`
	AppliedAt   *time.Time                `json:"appliedAt"`
}

type RejectPaymentRequest struct {
	Reason string `json:"reason"`
}

func (h *ChargeHandler) CreateCharge(c *gin.Context) {
	var req services.NewCharge
	if !bindJSON(c, &req, false) {
		return
	}

	charge, err := h.ledger.CreateCharge(c.Request.Context(), middleware.ActorFromContext(c), req)
	if err != nil {
		respondError(c, err)
		return
	}
	c.JSON(http.StatusCreated, charge)
}

func (h *ChargeHandler) GetCharge(c *gin.Context) {
	id, ok := idParam(c, "id")
	if !ok {
		return
	}
	charge, err := h.ledger.GetCharge(c.Request.Context(), id)
	if err != nil {
		respondError(c, err)
		return
	}
	c.JSON(http.StatusOK, charge)
}

// GetOutstanding handles GET /students/:alumnoId/outstanding.
func (h *ChargeHandler) GetOutstanding(c *gin.Context) {
	charges, err := h.ledger.GetOutstanding(c.Request.Context(), c.Param("alumnoId"))
	if err != nil {
		respondError(c, err)
		return
	}

	balance := decimal.Zero
	for _, charge := range charges {
		balance = balance.Add(charge.Remaining())
	}
	c.JSON(http.StatusOK, gin.H{
		"alumnoId": c.Param("alumnoId"),
		"charges":  charges,
		"balance":  balance,
	})
}

// RecordPayment handles POST /charges/:id/payments.
func (h *ChargeHandler) RecordPayment(c *gin.Context) {
	chargeID, ok := idParam(c, "id")
	if !ok {
		return
	}
	var req RecordPaymentRequest
	if !bindJSON(c, &req, false) {
		return
	}

	paymentReq := services.PaymentRequest{
		ChargeID:    chargeID,
		Amount:      req.Amount,
		Method:      req.Method,
		ExternalRef: req.ExternalRef,
		Status:      req.Status,
	}
	if req.AppliedAt != nil {
		paymentReq.AppliedAt = *req.AppliedAt
	}

	payment, err := h.ledger.ApplyPayment(c.Request.Context(), middleware.ActorFromContext(c), paymentReq)
	if err != nil {
		respondError(c, err)
		return
	}
	c.JSON(http.StatusCreated, payment)
}

func (h *ChargeHandler) ListPayments(c *gin.Context) {
	chargeID, ok := idParam(c, "id")
	if !ok {
		return
	}
	payments, err := h.ledger.ListPayments(c.Request.Context(), chargeID)
	if err != nil {
		respondError(c, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"payments": payments, "count": len(payments)})
}

func (h *ChargeHandler) VerifyPayment(c *gin.Context) {
	id, ok := idParam(c, "id")
	if !ok {
		return
	}
	payment, err := h.ledger.VerifyPayment(c.Request.Context(), middleware.ActorFromContext(c), id)
	if err != nil {
		respondError(c, err)
		return
	}
	c.JSON(http.StatusOK, payment)
}

func (h *ChargeHandler) RejectPayment(c *gin.Context) {
	id, ok := idParam(c, "id")
	if !ok {
		return
	}
	var req RejectPaymentRequest
	if !bindJSON(c, &req, true) {
		return
	}
	payment, err := h.ledger.RejectPayment(c.Request.Context(), middleware.ActorFromContext(c), id, req.Reason)
	if err != nil {
		respondError(c, err)
		return
	}
	c.JSON(http.StatusOK, payment)
}

func (h *ChargeHandler) DeactivateCharge(c *gin.Context) {
	id, ok := idParam(c, "id")
	if !ok {
		return
	}
	charge, err := h.ledger.DeactivateCharge(c.Request.Context(), middleware.ActorFromContext(c), id)
	if err != nil {
		respondError(c, err)
		return
	}
	c.JSON(http.StatusOK, charge)
}

func (h *ChargeHandler) CancelCharge(c *gin.Context) {
	id, ok := idParam(c, "id")
	if !ok {
		return
	}
	charge, err := h.ledger.CancelCharge(c.Request.Context(), middleware.ActorFromContext(c), id)
	if err != nil {
		respondError(c, err)
		return
	}
	c.JSON(http.StatusOK, charge)
}
