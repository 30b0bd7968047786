package validations

import (
	"context"

	validation "github.com/go-ozzo/ozzo-validation/v4"
	domainSend "github.com/warelay/warelay/domains/send"
	pkgError "github.com/warelay/warelay/pkg/error"
)

func ValidateSendText(ctx context.Context, request domainSend.TextRequest) error {
	err := validation.ValidateStructWithContext(ctx, &request,
		validation.Field(&request.Destination, validation.Required),
		validation.Field(&request.Message, validation.Required, validation.Length(1, 65536)),
		validation.Field(&request.Priority, validation.In("", "low", "normal", "high")),
	)

	if err != nil {
		return pkgError.ValidationError(err.Error())
	}

	return nil
}
