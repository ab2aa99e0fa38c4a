package http

import (
	"errors"
	"net/http"
	"strconv"

	"github.com/gin-gonic/gin"
	"github.com/shopspring/decimal"

	"github.com/tripstack/trip-service/internal/repo"
	"github.com/tripstack/trip-service/internal/service"
	"github.com/tripstack/trip-service/internal/uow"
)

func RegisterHandlers(r *gin.Engine, svc *service.TripService) {
	v1 := r.Group("/v1", TenantMiddleware())
	{
		v1.POST("/trips", createTripHandler(svc))
		v1.POST("/trips/:id/stops", addStopHandler(svc))
		v1.GET("/trips/:id", getTripHandler(svc))
		v1.GET("/outbox/failed", listFailedHandler(svc))
		v1.POST("/outbox/failed/:id/requeue", requeueHandler(svc))
	}
}

func tenantOf(c *gin.Context) string { return c.GetString("tenant_id") }

type createTripReq struct {
	Name  string   `json:"name" binding:"required"`
	Stops []string `json:"stops"`
	Fare  string   `json:"fare"`
}

func createTripHandler(svc *service.TripService) gin.HandlerFunc {
	return func(c *gin.Context) {
		var req createTripReq
		if err := c.ShouldBindJSON(&req); err != nil {
			c.JSON(http.StatusBadRequest, gin.H{"error": err.Error()})
			return
		}
		fare := decimal.Zero
		if req.Fare != "" {
			var err error
			fare, err = decimal.NewFromString(req.Fare)
			if err != nil {
				c.JSON(http.StatusBadRequest, gin.H{"error": "invalid fare"})
				return
			}
		}
		t, err := svc.CreateTrip(c, tenantOf(c), req.Name, req.Stops, fare)
		if err != nil {
			c.JSON(statusOf(err), gin.H{"error": err.Error()})
			return
		}
		c.JSON(http.StatusCreated, gin.H{"id": t.ID, "name": t.Name, "stops": t.StopList(), "fare": t.Fare})
	}
}

type addStopReq struct {
	Stop string `json:"stop" binding:"required"`
}

func addStopHandler(svc *service.TripService) gin.HandlerFunc {
	return func(c *gin.Context) {
		var req addStopReq
		if err := c.ShouldBindJSON(&req); err != nil {
			c.JSON(http.StatusBadRequest, gin.H{"error": err.Error()})
			return
		}
		t, err := svc.AddStop(c, tenantOf(c), c.Param("id"), req.Stop)
		if err != nil {
			c.JSON(statusOf(err), gin.H{"error": err.Error()})
			return
		}
		c.JSON(http.StatusOK, gin.H{"id": t.ID, "stops": t.StopList()})
	}
}

func getTripHandler(svc *service.TripService) gin.HandlerFunc {
	return func(c *gin.Context) {
		t, err := svc.GetTrip(c, tenantOf(c), c.Param("id"))
		if err != nil {
			c.JSON(statusOf(err), gin.H{"error": err.Error()})
			return
		}
		c.JSON(http.StatusOK, gin.H{"id": t.ID, "name": t.Name, "stops": t.StopList(), "fare": t.Fare})
	}
}

func listFailedHandler(svc *service.TripService) gin.HandlerFunc {
	return func(c *gin.Context) {
		limit, _ := strconv.Atoi(c.DefaultQuery("limit", "50"))
		recs, err := svc.ListFailedEvents(c, tenantOf(c), limit)
		if err != nil {
			c.JSON(statusOf(err), gin.H{"error": err.Error()})
			return
		}
		c.JSON(http.StatusOK, recs)
	}
}

func requeueHandler(svc *service.TripService) gin.HandlerFunc {
	return func(c *gin.Context) {
		if err := svc.RequeueEvent(c, c.Param("id")); err != nil {
			c.JSON(statusOf(err), gin.H{"error": err.Error()})
			return
		}
		c.JSON(http.StatusOK, gin.H{"status": "NEW"})
	}
}

func statusOf(err error) int {
	switch {
	case errors.Is(err, repo.ErrNotFound):
		return http.StatusNotFound
	case errors.Is(err, repo.ErrNotRequeueable), errors.Is(err, repo.ErrVersionConflict):
		return http.StatusConflict
	case errors.Is(err, uow.ErrStorage):
		return http.StatusServiceUnavailable
	default:
		return http.StatusBadRequest
	}
}
