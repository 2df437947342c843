// Package txerrors classifies failures coming back from the chain or the
// wallet into a fixed set of categories, each with a retry policy and a
// user-facing message.
package txerrors

import (
	"context"
	"errors"
	"net"
	"strings"

	"github.com/ethereum/go-ethereum/rpc"
)

// Category classifies a failure.
type Category string

const (
	CategoryNetwork           Category = "network"
	CategoryUserRejection     Category = "user_rejection"
	CategoryInsufficientFunds Category = "insufficient_funds"
	CategoryValidation        Category = "validation"
	CategoryContractExecution Category = "contract_execution"
	CategoryUnknown           Category = "unknown"
)

// EIP-1193 provider error code for a request the user rejected in the wallet.
const userRejectedRequestCode = 4001

// CategorizedError is one classified failure event. It is never modified
// after Categorize or New returns it.
type CategorizedError struct {
	Category  Category
	Message   string
	Retryable bool
	// AutoRetry reports whether a retry loop may retry on its own. Retryable
	// errors without AutoRetry are only retried on an explicit user action.
	AutoRetry bool
	// MaxRetries is informational; retry loops are bounded by their own config.
	MaxRetries      int
	UserAction      string
	TechnicalDetail string

	cause error
}

// Error returns the category and user message, plus the technical detail when present.
func (e *CategorizedError) Error() string {
	if e == nil {
		return ""
	}
	if e.TechnicalDetail == "" {
		return string(e.Category) + ": " + e.Message
	}
	return string(e.Category) + ": " + e.Message + " (" + e.TechnicalDetail + ")"
}

// Unwrap returns the underlying cause.
func (e *CategorizedError) Unwrap() error {
	if e == nil {
		return nil
	}
	return e.cause
}

type policy struct {
	message    string
	retryable  bool
	autoRetry  bool
	maxRetries int
	userAction string
}

var policies = map[Category]policy{
	CategoryNetwork: {
		message:    "Network connection failed. Please check your internet connection.",
		retryable:  true,
		autoRetry:  true,
		maxRetries: 3,
		userAction: "Check your internet connection and try again.",
	},
	CategoryUserRejection: {
		message:    "Transaction was rejected by user.",
		retryable:  true,
		maxRetries: 1,
		userAction: "Please approve the transaction in your wallet to continue.",
	},
	CategoryInsufficientFunds: {
		message:    "Insufficient funds or token allowance.",
		userAction: "Please ensure you have sufficient balance and token allowance.",
	},
	CategoryValidation: {
		message:    "Invalid input data provided.",
		userAction: "Please check your input and correct any errors.",
	},
	CategoryContractExecution: {
		message:    "Smart contract execution failed.",
		retryable:  true,
		maxRetries: 2,
		userAction: "Transaction failed. You may try again or contact support.",
	},
	CategoryUnknown: {
		message:    "An unexpected error occurred.",
		retryable:  true,
		maxRetries: 1,
		userAction: "Please try again. If the problem persists, contact support.",
	},
}

type rule struct {
	category Category
	phrases  []string
	match    func(err error) bool
}

// rules are evaluated top to bottom; the first matching rule wins.
var rules = []rule{
	{
		category: CategoryNetwork,
		phrases: []string{
			"network error",
			"fetch failed",
			"connection refused",
			"timeout",
			"network request failed",
			"failed to fetch",
		},
		match: isTimeout,
	},
	{
		category: CategoryUserRejection,
		phrases: []string{
			"user rejected",
			"user denied",
			"user cancelled",
			"rejected by user",
			"transaction was rejected",
		},
		match: isUserRejectedCode,
	},
	{
		category: CategoryInsufficientFunds,
		phrases: []string{
			"insufficient funds",
			"insufficient balance",
			"not enough",
			"exceeds balance",
			"insufficient allowance",
		},
	},
	{
		category: CategoryValidation,
		phrases: []string{
			"invalid address",
			"invalid amount",
			"validation failed",
			"invalid input",
			"malformed",
		},
	},
	{
		category: CategoryContractExecution,
		phrases: []string{
			"execution reverted",
			"contract call failed",
			"transaction failed",
			"revert",
			"out of gas",
		},
	},
}

// Categorize classifies err. A nil err categorizes as unknown. An err that
// already is (or wraps) a CategorizedError is returned as-is.
func Categorize(err error) *CategorizedError {
	var ce *CategorizedError
	if errors.As(err, &ce) {
		return ce
	}
	if err == nil {
		return New(CategoryUnknown, nil)
	}

	msg := strings.ToLower(err.Error())
	for _, r := range rules {
		if r.match != nil && r.match(err) {
			return New(r.category, err)
		}
		for _, p := range r.phrases {
			if strings.Contains(msg, p) {
				return New(r.category, err)
			}
		}
	}
	return New(CategoryUnknown, err)
}

// New builds the CategorizedError for a known category, e.g. for failures
// detected locally before any remote call.
func New(category Category, cause error) *CategorizedError {
	p, ok := policies[category]
	if !ok {
		category = CategoryUnknown
		p = policies[CategoryUnknown]
	}
	ce := &CategorizedError{
		Category:   category,
		Message:    p.message,
		Retryable:  p.retryable,
		AutoRetry:  p.autoRetry,
		MaxRetries: p.maxRetries,
		UserAction: p.userAction,
		cause:      cause,
	}
	if cause != nil {
		ce.TechnicalDetail = cause.Error()
	}
	return ce
}

// IsRetryable reports whether err, once categorized, may be retried by the user.
func IsRetryable(err error) bool {
	if err == nil {
		return false
	}
	return Categorize(err).Retryable
}

// UserMessage returns the user-facing message for err.
func UserMessage(err error) string {
	if err == nil {
		return ""
	}
	return Categorize(err).Message
}

// UserAction returns the suggested user action for err, if any.
func UserAction(err error) string {
	if err == nil {
		return ""
	}
	return Categorize(err).UserAction
}

func isTimeout(err error) bool {
	if errors.Is(err, context.DeadlineExceeded) {
		return true
	}
	var ne net.Error
	return errors.As(err, &ne) && ne.Timeout()
}

func isUserRejectedCode(err error) bool {
	var re rpc.Error
	return errors.As(err, &re) && re.ErrorCode() == userRejectedRequestCode
}
