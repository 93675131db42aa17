package repository

import (
	"context"
	"database/sql"
	"database/sql/driver"
	"errors"
	"io"
	"net"

	"github.com/lib/pq"

	"github.com/hitoshi/projecthub/internal/model"
)

// Classify はデータベースエラーをmodel.BackendErrorへ分類する。errがnilの場合はnilを返す。
func Classify(op string, err error) error {
	if err == nil {
		return nil
	}
	var be *model.BackendError
	if errors.As(err, &be) {
		return err
	}
	return &model.BackendError{Kind: kindOf(err), Op: op, Err: err}
}

func kindOf(err error) model.ErrorKind {
	switch {
	case errors.Is(err, sql.ErrNoRows):
		return model.ErrorKindNotFound
	case errors.Is(err, context.DeadlineExceeded),
		errors.Is(err, driver.ErrBadConn),
		errors.Is(err, sql.ErrConnDone),
		errors.Is(err, io.ErrUnexpectedEOF):
		return model.ErrorKindTransient
	}

	var pqErr *pq.Error
	if errors.As(err, &pqErr) {
		return kindOfSQLState(pqErr.Code)
	}

	var netErr net.Error
	if errors.As(err, &netErr) {
		return model.ErrorKindTransient
	}
	return model.ErrorKindUnknown
}

// kindOfSQLState はSQLSTATEから種別を判定する。
func kindOfSQLState(code pq.ErrorCode) model.ErrorKind {
	if code == "42501" { // insufficient_privilege
		return model.ErrorKindPermissionDenied
	}
	switch code.Class() {
	case "08", // connection_exception
		"40", // transaction_rollback
		"53", // insufficient_resources
		"57": // operator_intervention
		return model.ErrorKindTransient
	case "28": // invalid_authorization_specification
		return model.ErrorKindPermissionDenied
	}
	return model.ErrorKindUnknown
}
