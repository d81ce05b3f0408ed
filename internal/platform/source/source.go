// Package source adapts vendor exports into the canonical model. An Adapter
// profiles a set of artifacts into non-PHI statistics and streams transformed
// canonical records under an approved mapping spec. Flat-file exports
// (CSV/XLSX/JSON) and GraphQL endpoints are the two supported source kinds.
package source

import (
	"context"
	"errors"
	"fmt"

	"github.com/ehr/migrate/internal/domain/canonical"
	"github.com/ehr/migrate/internal/domain/mapping"
	"github.com/ehr/migrate/internal/platform/artifact"
)

// ---------------------------------------------------------------------------
// Sentinel errors
// ---------------------------------------------------------------------------

var (
	ErrUnknownKind       = errors.New("unknown source kind")
	ErrNoArtifacts       = errors.New("no artifacts to process")
	ErrNoVerifiedQueries = errors.New("no verified query set exists for vendor")
	ErrUnsupportedFormat = errors.New("unsupported artifact format")
)

// ---------------------------------------------------------------------------
// Adapter contract
// ---------------------------------------------------------------------------

// Kind selects the adapter family for a vendor source.
type Kind string

const (
	KindFlatFile Kind = "flatfile"
	KindGraphQL  Kind = "graphql"
)

// ValidKinds lists the supported source kinds.
var ValidKinds = map[Kind]bool{
	KindFlatFile: true,
	KindGraphQL:  true,
}

// YieldFunc receives one transformed record at a time. Returning an error
// stops the stream and propagates out of Transform.
type YieldFunc func(entityType canonical.EntityType, rec canonical.Record) error

// Adapter profiles and transforms one vendor's artifacts.
//
// Profile performs schema and statistics inference only; it never retains or
// forwards literal values beyond the statistical summary. Transform streams
// one record at a time and is restartable: re-invoking it with identical
// inputs yields identical records, including canonical IDs.
type Adapter interface {
	Profile(ctx context.Context, artifacts []artifact.Ref) (Profile, error)
	Transform(ctx context.Context, artifacts []artifact.Ref, spec mapping.Spec, yield YieldFunc) error
}

// ---------------------------------------------------------------------------
// Registry
// ---------------------------------------------------------------------------

// Registry constructs vendor-scoped adapters by kind.
type Registry struct {
	store      artifact.Store
	executor   QueryExecutor
	schema     SchemaReader
	hashSecret []byte
}

// NewRegistry wires the collaborators adapters need. executor and schema may
// be nil when no GraphQL vendor is configured. hashSecret keys the hashToken
// transform.
func NewRegistry(store artifact.Store, executor QueryExecutor, schema SchemaReader, hashSecret []byte) *Registry {
	return &Registry{store: store, executor: executor, schema: schema, hashSecret: hashSecret}
}

// For returns an adapter for the given vendor and kind.
func (r *Registry) For(vendor string, kind Kind) (Adapter, error) {
	switch kind {
	case KindFlatFile:
		return NewFlatFileAdapter(vendor, r.store, r.hashSecret), nil
	case KindGraphQL:
		if r.executor == nil || r.schema == nil {
			return nil, fmt.Errorf("graphql adapter for %s: %w", vendor, ErrNoVerifiedQueries)
		}
		return NewGraphQLAdapter(vendor, r.executor, r.schema, r.hashSecret), nil
	default:
		return nil, fmt.Errorf("%w: %q", ErrUnknownKind, kind)
	}
}
