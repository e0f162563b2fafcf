package service

import (
	"context"
	"errors"

	"github.com/aaronwang/live-auction/api-gateway/internal/store"
	"github.com/aaronwang/live-auction/shared/models"
)

// ErrDuplicateAuction is returned by CreateAuction when the ID is taken
var ErrDuplicateAuction = errors.New("auction already exists")

// IsTransient reports whether err is an infrastructure failure the caller
// may retry: anything other than a validation error, a missing auction, a
// lifecycle conflict or corrupt stored state.
func IsTransient(err error) bool {
	if err == nil {
		return false
	}

	var verr *models.ValidationError
	switch {
	case errors.As(err, &verr),
		errors.Is(err, store.ErrNotFound),
		errors.Is(err, ErrDuplicateAuction),
		errors.Is(err, models.ErrInvalidTransition),
		errors.Is(err, models.ErrAlreadyClosed),
		errors.Is(err, models.ErrInvalidStatus),
		errors.Is(err, context.Canceled):
		return false
	}
	return true
}
