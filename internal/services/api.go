package services

import (
	"context"
	"errors"
	"net/http"

	"github.com/gin-gonic/gin"

	"swapline/agent/internal/clients"
	"swapline/agent/internal/models"
	"swapline/agent/internal/stores"
)

func init() {
	gin.SetMode(gin.ReleaseMode)
}

// ApiService exposes the transfer pipeline over HTTP: submit, inspect,
// cancel. All state changes go through the orchestrator so the API and
// the runner see the same records.
type ApiService struct {
	server *http.Server
	orch   *Orchestrator
}

func NewApiService(orch *Orchestrator, addr string) *ApiService {
	a := &ApiService{orch: orch}

	router := gin.New()
	router.Use(gin.Recovery())

	router.GET("/healthz", a.handleHealth)

	v1 := router.Group("/api/v1")
	v1.POST("/transfers", a.handleSubmit)
	v1.GET("/transfers", a.handleList)
	v1.GET("/transfers/:key", a.handleGet)
	v1.POST("/transfers/:key/cancel", a.handleCancel)

	a.server = &http.Server{
		Addr:    addr,
		Handler: router,
	}
	return a
}

func (a *ApiService) Start() error {
	return a.server.ListenAndServe()
}

func (a *ApiService) Shutdown(ctx context.Context) error {
	return a.server.Shutdown(ctx)
}

func (a *ApiService) handleHealth(c *gin.Context) {
	c.JSON(http.StatusOK, gin.H{"status": "ok"})
}

func (a *ApiService) handleSubmit(c *gin.Context) {
	var req models.TransferRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": "invalid request body: " + err.Error()})
		return
	}
	if err := req.Validate(); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": err.Error()})
		return
	}

	rec, err := a.orch.Submit(c.Request.Context(), req)
	if err != nil {
		switch {
		case errors.Is(err, stores.ErrRequestConflict):
			c.JSON(http.StatusConflict, gin.H{"error": err.Error()})
		case clients.ClassOf(err) == clients.ClassPermanent:
			c.JSON(http.StatusBadRequest, gin.H{"error": err.Error()})
		default:
			c.JSON(http.StatusInternalServerError, gin.H{"error": "internal server error"})
		}
		return
	}
	c.JSON(http.StatusOK, rec)
}

func (a *ApiService) handleGet(c *gin.Context) {
	rec, err := a.orch.Get(c.Request.Context(), c.Param("key"))
	if err != nil {
		if errors.Is(err, stores.ErrTransferNotFound) {
			c.JSON(http.StatusNotFound, gin.H{"error": "transfer not found"})
			return
		}
		c.JSON(http.StatusInternalServerError, gin.H{"error": "internal server error"})
		return
	}
	c.JSON(http.StatusOK, rec)
}

func (a *ApiService) handleList(c *gin.Context) {
	recs, err := a.orch.List(c.Request.Context())
	if err != nil {
		c.JSON(http.StatusInternalServerError, gin.H{"error": "internal server error"})
		return
	}
	if c.Query("active") == "true" {
		live := recs[:0]
		for _, rec := range recs {
			if !rec.State.Terminal() {
				live = append(live, rec)
			}
		}
		recs = live
	}
	// An empty list still renders as [], not null.
	if recs == nil {
		recs = []*models.TransferRecord{}
	}
	c.JSON(http.StatusOK, recs)
}

func (a *ApiService) handleCancel(c *gin.Context) {
	rec, err := a.orch.Cancel(c.Request.Context(), c.Param("key"))
	if err != nil {
		switch {
		case errors.Is(err, stores.ErrTransferNotFound):
			c.JSON(http.StatusNotFound, gin.H{"error": "transfer not found"})
		case errors.Is(err, ErrCancelTooLate):
			c.JSON(http.StatusConflict, gin.H{"error": err.Error(), "state": rec.State})
		default:
			c.JSON(http.StatusInternalServerError, gin.H{"error": "internal server error"})
		}
		return
	}
	c.JSON(http.StatusOK, rec)
}
