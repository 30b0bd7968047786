package rest

import (
	"github.com/gofiber/fiber/v2"
	domainMonitor "github.com/warelay/warelay/domains/monitor"
	"github.com/warelay/warelay/pkg/utils"
)

type Monitor struct {
	Service domainMonitor.IMonitorUsecase
}

func InitRestMonitor(app fiber.Router, service domainMonitor.IMonitorUsecase) Monitor {
	handler := Monitor{Service: service}

	group := app.Group("/monitor")
	group.Get("/pool", handler.GetPoolStats)
	group.Get("/batcher", handler.GetBatcherStats)
	group.Get("/health", handler.GetHealth)

	return handler
}

// GetPoolStats returns real-time connection pool statistics.
func (h *Monitor) GetPoolStats(c *fiber.Ctx) error {
	return c.JSON(utils.ResponseData{
		Status:  200,
		Code:    "SUCCESS",
		Message: "Pool stats retrieved",
		Results: h.Service.PoolStats(c.UserContext()),
	})
}

// GetBatcherStats returns real-time batcher statistics.
func (h *Monitor) GetBatcherStats(c *fiber.Ctx) error {
	return c.JSON(utils.ResponseData{
		Status:  200,
		Code:    "SUCCESS",
		Message: "Batcher stats retrieved",
		Results: h.Service.BatcherStats(c.UserContext()),
	})
}

func (h *Monitor) GetHealth(c *fiber.Ctx) error {
	status := h.Service.Health(c.UserContext())
	code := 200
	if !status.Healthy {
		code = fiber.StatusServiceUnavailable
	}
	return c.Status(code).JSON(utils.ResponseData{
		Status:  code,
		Code:    "SUCCESS",
		Message: "Health status retrieved",
		Results: status,
	})
}
