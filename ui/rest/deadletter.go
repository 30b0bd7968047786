package rest

import (
	"strconv"
	"time"

	"github.com/gofiber/fiber/v2"
	domainDeadLetter "github.com/warelay/warelay/domains/deadletter"
	"github.com/warelay/warelay/pkg/utils"
)

type DeadLetter struct {
	Repo domainDeadLetter.IRepository
}

func InitRestDeadLetter(app fiber.Router, repo domainDeadLetter.IRepository) DeadLetter {
	handler := DeadLetter{Repo: repo}

	group := app.Group("/deadletters")
	group.Get("/", handler.List)
	group.Delete("/", handler.Purge)

	return handler
}

func (h *DeadLetter) List(c *fiber.Ctx) error {
	limit, _ := strconv.Atoi(c.Query("limit", "100"))
	records, err := h.Repo.List(c.UserContext(), limit)
	if err != nil {
		return c.Status(500).JSON(utils.ResponseData{
			Status:  500,
			Code:    "INTERNAL_SERVER_ERROR",
			Message: err.Error(),
		})
	}
	return c.JSON(utils.ResponseData{
		Status:  200,
		Code:    "SUCCESS",
		Message: "Dead letters retrieved",
		Results: records,
	})
}

func (h *DeadLetter) Purge(c *fiber.Ctx) error {
	hours, _ := strconv.Atoi(c.Query("older_than_hours", "24"))
	removed, err := h.Repo.Purge(c.UserContext(), time.Duration(hours)*time.Hour)
	if err != nil {
		return c.Status(500).JSON(utils.ResponseData{
			Status:  500,
			Code:    "INTERNAL_SERVER_ERROR",
			Message: err.Error(),
		})
	}
	return c.JSON(utils.ResponseData{
		Status:  200,
		Code:    "SUCCESS",
		Message: "Dead letters purged",
		Results: fiber.Map{"removed": removed},
	})
}
