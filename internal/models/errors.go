package models

import (
	"errors"
)

// ErrorKind 业务错误类别
type ErrorKind string

const (
	KindPastDate         ErrorKind = "past_date"
	KindSlotFull         ErrorKind = "slot_full"
	KindDuplicateBooking ErrorKind = "duplicate_booking"
	KindValidation       ErrorKind = "validation"
	KindPhoneMismatch    ErrorKind = "phone_mismatch"
	KindPastBooking      ErrorKind = "past_booking"
	KindNotFound         ErrorKind = "not_found"
	KindUnsupportedTool  ErrorKind = "unsupported_tool"
	KindInvalidArguments ErrorKind = "invalid_arguments"
	KindInternal         ErrorKind = "internal"
)

// BookingError 预约相关的业务错误，Message可直接播报给来电者
type BookingError struct {
	Kind    ErrorKind
	Message string
	Err     error
}

func (e *BookingError) Error() string {
	if e.Message != "" {
		return e.Message
	}
	return string(e.Kind)
}

func (e *BookingError) Unwrap() error {
	return e.Err
}

// Is 同类别的BookingError视为相同错误
func (e *BookingError) Is(target error) bool {
	t, ok := target.(*BookingError)
	if !ok {
		return false
	}
	return t.Kind == e.Kind
}

// 各类别的哨兵错误，配合errors.Is使用
var (
	ErrPastDate         = &BookingError{Kind: KindPastDate}
	ErrSlotFull         = &BookingError{Kind: KindSlotFull}
	ErrDuplicateBooking = &BookingError{Kind: KindDuplicateBooking}
	ErrValidation       = &BookingError{Kind: KindValidation}
	ErrPhoneMismatch    = &BookingError{Kind: KindPhoneMismatch}
	ErrPastBooking      = &BookingError{Kind: KindPastBooking}
	ErrNotFound         = &BookingError{Kind: KindNotFound}
	ErrUnsupportedTool  = &BookingError{Kind: KindUnsupportedTool}
	ErrInvalidArguments = &BookingError{Kind: KindInvalidArguments}
	ErrInternal         = &BookingError{Kind: KindInternal}
)

// NewError 创建指定类别的业务错误
func NewError(kind ErrorKind, message string) *BookingError {
	return &BookingError{Kind: kind, Message: message}
}

// InternalError 包装内部故障，对外只暴露安全的提示
func InternalError(err error) *BookingError {
	return &BookingError{
		Kind:    KindInternal,
		Message: "Sorry, the booking system is temporarily unavailable. Please try again in a moment.",
		Err:     err,
	}
}

// KindOf 返回错误链中BookingError的类别，不存在时返回空
func KindOf(err error) ErrorKind {
	var be *BookingError
	if errors.As(err, &be) {
		return be.Kind
	}
	return ""
}
