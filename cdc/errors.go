package cdc

import (
	"errors"
	"fmt"

	gomysql "github.com/go-mysql-org/go-mysql/mysql"
	mysqldriver "github.com/go-sql-driver/mysql"

	"github.com/ripel-io/ripel/resilience"
)

var (
	// ErrStopped is returned by operations on a stopped reader
	ErrStopped = errors.New("cdc: reader stopped")
	// ErrAuthentication means the source rejected the replication credentials
	ErrAuthentication = errors.New("cdc: source authentication failed")
	// ErrPositionUnavailable means the requested binlog position has been purged
	ErrPositionUnavailable = errors.New("cdc: binlog position no longer available")
	// ErrUnsupportedSource means the server cannot serve row-based replication
	ErrUnsupportedSource = errors.New("cdc: unsupported source configuration")
)

// FatalError stops the reader. It carries the last durable checkpoint so an
// operator can decide where to resume.
type FatalError struct {
	Err            error
	LastCheckpoint Position
}

func (e *FatalError) Error() string {
	return fmt.Sprintf("change reader stopped: %v (last checkpoint %s)", e.Err, e.LastCheckpoint)
}

func (e *FatalError) Unwrap() error {
	return e.Err
}

// MySQL server error codes that stop the reader
const (
	codeDBAccessDenied      = 1044
	codeAccessDenied        = 1045
	codeSpecificAccess      = 1227
	codeMasterFatalReading  = 1236
	codeUnknownSystemVar    = 1193
	codeReplicationDisabled = 1381
)

// classifyError attaches a failure kind to errors from the replication
// client or the SQL driver.
func classifyError(op string, err error) error {
	if err == nil {
		return nil
	}
	var re *resilience.Error
	if errors.As(err, &re) {
		return err
	}

	var code uint16
	var myErr *gomysql.MyError
	var drvErr *mysqldriver.MySQLError
	switch {
	case errors.As(err, &myErr):
		code = myErr.Code
	case errors.As(err, &drvErr):
		code = drvErr.Number
	default:
		return resilience.NewTransient(op, err)
	}

	switch code {
	case codeDBAccessDenied, codeAccessDenied, codeSpecificAccess:
		return resilience.NewFatal(op, fmt.Errorf("%w: %v", ErrAuthentication, err))
	case codeMasterFatalReading:
		return resilience.NewFatal(op, fmt.Errorf("%w: %v", ErrPositionUnavailable, err))
	case codeReplicationDisabled:
		return resilience.NewFatal(op, fmt.Errorf("%w: %v", ErrUnsupportedSource, err))
	}
	return resilience.NewTransient(op, err)
}
