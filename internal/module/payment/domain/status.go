package domain

// Status represents the status of a payment.
type Status string

const (
	StatusPending   Status = "pending"
	StatusCompleted Status = "completed"
	StatusFailed    Status = "failed"
	StatusRefunded  Status = "refunded"
)

// IsTerminal returns true if the status accepts no further transitions.
// completed is terminal for everything except a refund.
func (s Status) IsTerminal() bool {
	return s == StatusFailed || s == StatusRefunded
}

// Gateway identifies which payment gateway carries a payment.
type Gateway string

const (
	GatewayHosted    Gateway = "hosted"
	GatewayRedirect  Gateway = "redirect"
	GatewayApiSigned Gateway = "apisigned"
)

// Valid reports whether the gateway name is one of the supported gateways.
func (g Gateway) Valid() bool {
	switch g {
	case GatewayHosted, GatewayRedirect, GatewayApiSigned:
		return true
	}
	return false
}

// MethodType is the derived payment method category, used for reporting only.
type MethodType string

const (
	MethodCreditCard   MethodType = "credit_card"
	MethodBankTransfer MethodType = "bank_transfer"
	MethodEWallet      MethodType = "e_wallet"
)

// DefaultMethodFor returns the reporting category a gateway settles through.
func DefaultMethodFor(g Gateway) MethodType {
	switch g {
	case GatewayHosted:
		return MethodCreditCard
	case GatewayRedirect:
		return MethodBankTransfer
	case GatewayApiSigned:
		return MethodEWallet
	default:
		return MethodCreditCard
	}
}
