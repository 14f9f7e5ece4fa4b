package repository

import (
	"context"

	"github.com/jackc/pgx/v4"
)

type Tx interface{}

// TransactionManager runs a function inside a database transaction, handing
// the transaction handle to the function as an opaque value.
//
// The concrete type of the handle is infra-defined (pgx.Tx for Postgres).
// Repository methods accept it through their `qx any` parameter and MUST also
// gracefully accept nil (non-transactional path), so use cases stay free of
// storage types.
type TransactionManager interface {
	WithTx(ctx context.Context, txOpt pgx.TxOptions, fn func(ctx context.Context, tx Tx) error) error
}
