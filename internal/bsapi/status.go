package bsapi

import "github.com/snarg/speechrun/internal/vendor"

// Vendor process status codes.
const (
	CodePending             = 0
	CodeProcessing          = 1
	CodeComplete            = 2
	CodeErrorGeneral        = -1
	CodeInsufficientCredits = -2
	CodeErrorSystem         = -3
)

// Classify maps a vendor status code. Server-side errors (-1, -3) and codes
// this client does not know are retryable; insufficient credits is not.
func Classify(code int) vendor.Class {
	switch code {
	case CodePending:
		return vendor.ClassPending
	case CodeProcessing:
		return vendor.ClassProcessing
	case CodeComplete:
		return vendor.ClassSucceeded
	case CodeInsufficientCredits:
		return vendor.ClassFailedFatal
	}
	return vendor.ClassFailedRetryable
}
