package handlers

import (
	"net/http"
	"strconv"
	"strings"

	"github.com/gin-gonic/gin"

	"github.com/akylbek/payment-system/momo-orchestrator/internal/disbursement"
	"github.com/akylbek/payment-system/momo-orchestrator/internal/middleware"
	"github.com/akylbek/payment-system/momo-orchestrator/internal/models"
)

const maxBulkItems = 100

type DisbursementHandler struct {
	svc *disbursement.Service
}

func NewDisbursementHandler(svc *disbursement.Service) *DisbursementHandler {
	return &DisbursementHandler{svc: svc}
}

type bulkRequest struct {
	Disbursements []disbursement.CreateInput `json:"disbursements" binding:"required"`
}

type reasonRequest struct {
	Reason string `json:"reason"`
}

func (h *DisbursementHandler) Create(c *gin.Context) {
	var req disbursement.CreateInput
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": err.Error()})
		return
	}
	d, err := h.svc.Create(c.Request.Context(), middleware.Principal(c), req)
	if err != nil {
		respondError(c, err)
		return
	}
	c.JSON(http.StatusCreated, d)
}

func (h *DisbursementHandler) BulkCreate(c *gin.Context) {
	var req bulkRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": err.Error()})
		return
	}
	if len(req.Disbursements) == 0 || len(req.Disbursements) > maxBulkItems {
		c.JSON(http.StatusBadRequest, gin.H{"error": "between 1 and " + strconv.Itoa(maxBulkItems) + " disbursements required"})
		return
	}

	results, err := h.svc.BulkCreate(c.Request.Context(), middleware.Principal(c), req.Disbursements)
	if err != nil {
		respondError(c, err)
		return
	}
	succeeded := 0
	for _, r := range results {
		if r.Success {
			succeeded++
		}
	}
	c.JSON(http.StatusOK, gin.H{
		"total":     len(results),
		"succeeded": succeeded,
		"failed":    len(results) - succeeded,
		"results":   results,
	})
}

func (h *DisbursementHandler) Get(c *gin.Context) {
	d, err := h.svc.Get(c.Request.Context(), c.Param("id"))
	if err != nil {
		respondError(c, err)
		return
	}
	c.JSON(http.StatusOK, d)
}

func (h *DisbursementHandler) List(c *gin.Context) {
	filter := models.DisbursementFilter{
		Status: models.DisbursementStatus(strings.ToUpper(c.Query("status"))),
		Type:   models.DisbursementType(strings.ToUpper(c.Query("type"))),
	}
	filter.Limit, _ = strconv.Atoi(c.DefaultQuery("limit", "50"))
	filter.Offset, _ = strconv.Atoi(c.DefaultQuery("offset", "0"))
	if filter.Offset < 0 {
		filter.Offset = 0
	}

	items, err := h.svc.List(c.Request.Context(), filter)
	if err != nil {
		respondError(c, err)
		return
	}
	if items == nil {
		items = []*models.Disbursement{}
	}
	c.JSON(http.StatusOK, gin.H{"disbursements": items, "count": len(items)})
}

func (h *DisbursementHandler) Approve(c *gin.Context) {
	d, err := h.svc.Approve(c.Request.Context(), middleware.Principal(c), c.Param("id"))
	if err != nil {
		respondError(c, err)
		return
	}
	c.JSON(http.StatusOK, d)
}

func (h *DisbursementHandler) Reject(c *gin.Context) {
	req := bindReason(c)
	d, err := h.svc.Reject(c.Request.Context(), middleware.Principal(c), c.Param("id"), req.Reason)
	if err != nil {
		respondError(c, err)
		return
	}
	c.JSON(http.StatusOK, d)
}

func (h *DisbursementHandler) Cancel(c *gin.Context) {
	req := bindReason(c)
	d, err := h.svc.Cancel(c.Request.Context(), middleware.Principal(c), c.Param("id"), req.Reason)
	if err != nil {
		respondError(c, err)
		return
	}
	c.JSON(http.StatusOK, d)
}

func (h *DisbursementHandler) Process(c *gin.Context) {
	res, err := h.svc.Process(c.Request.Context(), middleware.Principal(c), c.Param("id"))
	if err != nil {
		respondError(c, err)
		return
	}
	c.JSON(http.StatusOK, res)
}

func (h *DisbursementHandler) Retry(c *gin.Context) {
	d, err := h.svc.Retry(c.Request.Context(), middleware.Principal(c), c.Param("id"))
	if err != nil {
		respondError(c, err)
		return
	}
	c.JSON(http.StatusCreated, d)
}

// bindReason reads an optional {"reason": ...} body.
func bindReason(c *gin.Context) reasonRequest {
	var req reasonRequest
	if c.Request.ContentLength > 0 {
		_ = c.ShouldBindJSON(&req)
	}
	return req
}
