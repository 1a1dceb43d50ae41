package domain

import (
	"errors"
	"fmt"
)

var (
	// ErrUserNotFound возвращается, если пользователя с таким ID нет.
	ErrUserNotFound = errors.New("user not found")
	// ErrOrderNotFound возвращается, если у пользователя нет заказа с таким ID.
	ErrOrderNotFound = errors.New("order not found")
	// ErrProductNotFound возвращается, если строка заказа ссылается на несуществующий товар.
	ErrProductNotFound = errors.New("product not found")
	// ErrAdminNotFound: пользователь не существует или не является администратором.
	// Обе причины намеренно не различаются.
	ErrAdminNotFound = errors.New("user either does not exist or is not an admin")
	// ErrStore: маркер любой ошибки хранилища, см. StoreError.
	ErrStore = errors.New("store failure")
	// ErrDuplicateKey: нарушение уникальности первичного ключа.
	ErrDuplicateKey = errors.New("duplicate key")
)

// StoreError оборачивает ошибку драйвера хранилища вместе с названием операции.
type StoreError struct {
	Op  string
	Err error
}

// NewStoreError возвращает nil для nil-ошибки, иначе *StoreError.
func NewStoreError(op string, err error) error {
	if err == nil {
		return nil
	}
	return &StoreError{Op: op, Err: err}
}

func (e *StoreError) Error() string {
	return fmt.Sprintf("store: %s: %v", e.Op, e.Err)
}

func (e *StoreError) Unwrap() error {
	return e.Err
}

// Is позволяет проверять errors.Is(err, ErrStore) для любой StoreError.
func (e *StoreError) Is(target error) bool {
	return target == ErrStore
}

// ErrorKind: вид отказа, видимый вызывающему коду.
type ErrorKind string

const (
	KindNone          ErrorKind = "ok"
	KindNotFound      ErrorKind = "not_found"
	KindAuthorization ErrorKind = "authorization"
	KindStore         ErrorKind = "store"
	KindUnknown       ErrorKind = "unknown"
)

// KindOf классифицирует ошибку репозитория.
func KindOf(err error) ErrorKind {
	switch {
	case err == nil:
		return KindNone
	case errors.Is(err, ErrUserNotFound),
		errors.Is(err, ErrOrderNotFound),
		errors.Is(err, ErrProductNotFound):
		return KindNotFound
	case errors.Is(err, ErrAdminNotFound):
		return KindAuthorization
	case errors.Is(err, ErrStore):
		return KindStore
	default:
		return KindUnknown
	}
}

// IsNotFound проверяет, относится ли ошибка к виду NotFound.
func IsNotFound(err error) bool {
	return KindOf(err) == KindNotFound
}

// IsAuthorization проверяет, является ли ошибка отказом admin gate.
func IsAuthorization(err error) bool {
	return KindOf(err) == KindAuthorization
}

// IsStoreFailure проверяет, пришла ли ошибка из хранилища.
func IsStoreFailure(err error) bool {
	return KindOf(err) == KindStore
}

// IsDuplicateKey проверяет нарушение уникальности ключа.
func IsDuplicateKey(err error) bool {
	return errors.Is(err, ErrDuplicateKey)
}
