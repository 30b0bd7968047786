package rest

import (
	"errors"

	"github.com/gofiber/fiber/v2"
	domainSend "github.com/warelay/warelay/domains/send"
	pkgError "github.com/warelay/warelay/pkg/error"
	"github.com/warelay/warelay/pkg/utils"
)

type Send struct {
	Service domainSend.ISendUsecase
}

func InitRestSend(app fiber.Router, service domainSend.ISendUsecase) Send {
	handler := Send{Service: service}

	group := app.Group("/send")
	group.Post("/message", handler.SendText)

	return handler
}

func (h *Send) SendText(c *fiber.Ctx) error {
	var request domainSend.TextRequest
	if err := c.BodyParser(&request); err != nil {
		return c.Status(fiber.StatusBadRequest).JSON(utils.ResponseData{
			Status:  400,
			Code:    "INVALID_BODY",
			Message: err.Error(),
		})
	}

	response, err := h.Service.SendText(c.UserContext(), request)
	if err != nil {
		var typed pkgError.GenericError
		if errors.As(err, &typed) {
			return c.Status(typed.StatusCode()).JSON(utils.ResponseData{
				Status:  typed.StatusCode(),
				Code:    typed.ErrCode(),
				Message: typed.Error(),
			})
		}
		return c.Status(500).JSON(utils.ResponseData{
			Status:  500,
			Code:    "INTERNAL_SERVER_ERROR",
			Message: err.Error(),
		})
	}

	return c.JSON(utils.ResponseData{
		Status:  200,
		Code:    "SUCCESS",
		Message: "Message queued",
		Results: response,
	})
}
