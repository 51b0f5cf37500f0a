package payment

import "errors"

// Module errors.
var (
	ErrPaymentNotFound        = errors.New("payment not found")
	ErrCourseNotFound         = errors.New("course not found")
	ErrCourseNotPurchasable   = errors.New("course is not purchasable")
	ErrDuplicatePurchase      = errors.New("course already purchased")
	ErrDuplicateTransactionID = errors.New("transaction reference already exists")
	ErrNotRefundable          = errors.New("payment is not refundable")
	ErrEventExists            = errors.New("gateway event already journaled")
	ErrMethodNotFound         = errors.New("payment method not found")
	ErrAmountMismatch         = errors.New("confirmation amount does not match ledger amount")
)
