package errx

import "net/http"

// WrapIndex maps document index errors to the unified AppError type.
func WrapIndex(err error) error {
	if err == nil {
		return nil
	}
	return New(err, http.StatusBadGateway, IndexErrorMessage)
}

// WrapModel maps reasoning model invocation errors to the unified AppError type.
func WrapModel(err error) error {
	if err == nil {
		return nil
	}
	return New(err, http.StatusBadGateway, ModelErrorMessage)
}

// WrapStore maps conversation store errors to the unified AppError type.
// Store failures are fatal to the current turn but must never corrupt
// previously committed history.
func WrapStore(err error) error {
	if err == nil {
		return nil
	}
	return New(err, http.StatusInternalServerError, StoreErrorMessage)
}
