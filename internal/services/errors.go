package services

import (
	"errors"
	"fmt"
)

type Kind string

const (
	KindValidation    Kind = "VALIDATION"
	KindGateway       Kind = "GATEWAY"
	KindConfiguration Kind = "CONFIGURATION"
	KindConflict      Kind = "CONFLICT"
	KindInternal      Kind = "INTERNAL"
)

const genericUserMessage = "Произошла внутренняя ошибка. Попробуйте позже."

// Error ошибка сервиса с типом и текстом для пользователя
type Error struct {
	Kind        Kind
	Op          string
	UserMessage string
	Err         error
}

func (e *Error) Error() string {
	if e.Err == nil {
		return fmt.Sprintf("[%s] %s", e.Kind, e.Op)
	}
	return fmt.Sprintf("[%s] %s: %v", e.Kind, e.Op, e.Err)
}

func (e *Error) Unwrap() error { return e.Err }

func validationErr(op, userMessage string, err error) error {
	return &Error{Kind: KindValidation, Op: op, UserMessage: userMessage, Err: err}
}

func gatewayErr(op string, err error) error {
	return &Error{Kind: KindGateway, Op: op, UserMessage: "Платёжный сервис временно недоступен. Попробуйте позже.", Err: err}
}

func configErr(op string, err error) error {
	return &Error{Kind: KindConfiguration, Op: op, UserMessage: genericUserMessage, Err: err}
}

func conflictErr(op string, err error) error {
	return &Error{Kind: KindConflict, Op: op, UserMessage: "Платёж уже обработан.", Err: err}
}

func internalErr(op string, err error) error {
	return &Error{Kind: KindInternal, Op: op, UserMessage: genericUserMessage, Err: err}
}

func IsKind(err error, kind Kind) bool {
	var e *Error
	return errors.As(err, &e) && e.Kind == kind
}

// UserMessage возвращает текст, который можно показать пользователю в чате
func UserMessage(err error) string {
	var e *Error
	if errors.As(err, &e) && e.UserMessage != "" {
		return e.UserMessage
	}
	return genericUserMessage
}
