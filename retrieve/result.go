package retrieve

import (
	"fmt"
	"strings"

	"github.com/caio-sobreiro/dicomqr/client"
	"github.com/caio-sobreiro/dicomqr/types"
)

// Failure records why one identifier was not retrieved.
type Failure struct {
	Identifier Identifier
	Err        error
}

// Result reports the outcome of a batch.
type Result struct {
	Method    Method
	Succeeded []Identifier
	Failed    []Failure
	// SubOperations aggregates the final counters of every identifier.
	SubOperations client.SubOperations
	// Objects received over C-GET, in arrival order.
	Objects []types.IncomingObject
}

// OK reports whether at least one identifier was retrieved.
func (r *Result) OK() bool {
	return len(r.Succeeded) > 0
}

// PartialFailure describes the failed part of the batch, nil when every
// identifier succeeded.
func (r *Result) PartialFailure() *PartialRetrieveFailure {
	if len(r.Failed) == 0 {
		return nil
	}
	return &PartialRetrieveFailure{
		Succeeded: len(r.Succeeded),
		Failures:  append([]Failure(nil), r.Failed...),
	}
}

func (r *Result) fail(id Identifier, err error) {
	r.Failed = append(r.Failed, Failure{Identifier: id, Err: err})
}

func (r *Result) add(ops client.SubOperations) {
	r.SubOperations.Completed += ops.Completed
	r.SubOperations.Failed += ops.Failed
	r.SubOperations.Warning += ops.Warning
}

// PartialRetrieveFailure lists the identifiers that failed in a batch. It is
// a report, not an error: the batch succeeded if Succeeded is above zero.
type PartialRetrieveFailure struct {
	Succeeded int
	Failures  []Failure
}

func (p *PartialRetrieveFailure) String() string {
	parts := make([]string, len(p.Failures))
	for i, f := range p.Failures {
		parts[i] = fmt.Sprintf("%s: %v", f.Identifier, f.Err)
	}
	return fmt.Sprintf("%d succeeded, %d failed (%s)", p.Succeeded, len(p.Failures), strings.Join(parts, "; "))
}
