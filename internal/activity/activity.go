// Package activity caches per-sample signature activity and resolves cache
// misses against an external activity source.
//
// Activity for one (mlmodel, sample) pair is an ordered list of records, one
// per signature, ordered by signature. The order is significant: heatmap
// views rely on every sample listing its signatures in the same order.
package activity

import (
	"context"
	"errors"
	"fmt"
)

// OrderBySignature is the ordering every Source must honour.
const OrderBySignature = "signature"

// Record is a single (sample, signature, value) activity measurement.
type Record struct {
	Sample    int64   `json:"sample"`
	Signature int64   `json:"signature"`
	Value     float64 `json:"value"`
}

// Key identifies the activity of one sample under one mlmodel.
type Key struct {
	Model  int64
	Sample int64
}

func (k Key) String() string {
	return fmt.Sprintf("mlmodel=%d sample=%d", k.Model, k.Sample)
}

// Source fetches activity for a single sample. Implementations must return
// records ordered by signature. An empty result means the sample has no
// activity under the model.
type Source interface {
	FetchActivity(ctx context.Context, model, sample int64) ([]Record, error)
}

// TransportError reports a failed activity fetch: an HTTP error, a network
// failure, or a timeout.
type TransportError struct {
	Key        Key
	StatusCode int
	Err        error
}

func (e *TransportError) Error() string {
	if e.StatusCode != 0 {
		return fmt.Sprintf("fetching activity %s: HTTP %d: %v", e.Key, e.StatusCode, e.Err)
	}
	return fmt.Sprintf("fetching activity %s: %v", e.Key, e.Err)
}

func (e *TransportError) Unwrap() error { return e.Err }

// statusCoder is implemented by source errors that carry an HTTP status.
type statusCoder interface {
	HTTPStatus() int
}

func asTransportError(key Key, err error) *TransportError {
	var te *TransportError
	if errors.As(err, &te) {
		if te.Key == (Key{}) {
			te.Key = key
		}
		return te
	}
	out := &TransportError{Key: key, Err: err}
	var sc statusCoder
	if errors.As(err, &sc) {
		out.StatusCode = sc.HTTPStatus()
	}
	return out
}

// Signatures returns the signature ids of records, in record order.
func Signatures(records []Record) []int64 {
	out := make([]int64, len(records))
	for i, r := range records {
		out[i] = r.Signature
	}
	return out
}

// Values returns the activity values of records, in record order.
func Values(records []Record) []float64 {
	out := make([]float64, len(records))
	for i, r := range records {
		out[i] = r.Value
	}
	return out
}
