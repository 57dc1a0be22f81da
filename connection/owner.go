package connection

import (
	"context"
	"errors"
	"sync/atomic"
)

var (
	// ErrForeignOwner is returned when an ambient-transaction boundary
	// operation is attempted with a context that does not carry the owner
	// that opened the transaction (e.g. from a live server request goroutine).
	ErrForeignOwner = errors.New("ambient transaction boundary touched by a non-owner")
	// ErrNotInAmbient is returned by operations that need the ambient transaction.
	ErrNotInAmbient = errors.New("connection is not inside the ambient transaction")
	// ErrAmbientActive is returned when the ambient transaction is opened twice.
	ErrAmbientActive = errors.New("ambient transaction already open")
	// ErrStaleSavepoint marks a savepoint created before the ambient
	// transaction was last committed or reset; it no longer exists.
	ErrStaleSavepoint = errors.New("savepoint belongs to an earlier ambient transaction")
	// ErrClosed is returned for statements on a closed connection.
	ErrClosed = errors.New("connection is closed")
)

var ownerSeq atomic.Uint64

// Owner identifies the session that opened an ambient transaction. It is
// carried in a context.Context and compared by identity before any
// operation that moves the transaction boundary.
type Owner struct {
	id   uint64
	name string
}

// NewOwner returns a fresh owner token.
func NewOwner(name string) *Owner {
	return &Owner{id: ownerSeq.Add(1), name: name}
}

func (o *Owner) String() string {
	if o == nil {
		return "<none>"
	}
	return o.name
}

type ownerKey struct{}

// WithOwner returns a copy of ctx carrying o.
func WithOwner(ctx context.Context, o *Owner) context.Context {
	return context.WithValue(ctx, ownerKey{}, o)
}

// OwnerFrom returns the owner carried by ctx, or nil.
func OwnerFrom(ctx context.Context) *Owner {
	o, _ := ctx.Value(ownerKey{}).(*Owner)
	return o
}
